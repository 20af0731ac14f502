// Package config provides configuration types and defaults for foreman.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/zjrosen/foreman/internal/log"
	"github.com/zjrosen/foreman/internal/tracing"
)

// Poll interval bounds. The loop refuses to spin faster than MinPollInterval
// regardless of configuration.
const (
	DefaultPollInterval = 1000 * time.Millisecond
	MinPollInterval     = 250 * time.Millisecond
)

// DefaultSteeringInterval is how often steering prompts are considered when a
// role enables them without an interval of its own.
const DefaultSteeringInterval = 30 * time.Second

// DefaultMaxWorkers bounds concurrently running worker-category agents.
const DefaultMaxWorkers = 3

// DefaultEventBufferSize is the per-agent event ring capacity.
const DefaultEventBufferSize = 1024

// RoleConfig holds per-role spawn overrides.
type RoleConfig struct {
	Model    string   `mapstructure:"model"`
	Thinking string   `mapstructure:"thinking"`
	Tools    []string `mapstructure:"tools"`
}

// AgentConfig configures the agent subprocess launcher.
type AgentConfig struct {
	Binary string   `mapstructure:"binary"`
	Args   []string `mapstructure:"args"`
	Env    []string `mapstructure:"env"`
}

// Config holds all configuration options for foreman.
type Config struct {
	// Path is the project directory the orchestrator operates on.
	Path string `mapstructure:"path"`

	PollIntervalMs     int `mapstructure:"poll_interval_ms"`
	SteeringIntervalMs int `mapstructure:"steering_interval_ms"`
	MaxWorkers         int `mapstructure:"max_workers"`
	EventBufferSize    int `mapstructure:"event_buffer_size"`

	// AutoProcessReadyTasks selects the autonomous workflow engine. When
	// false the interactive engine queues follow-ups for approval instead.
	AutoProcessReadyTasks bool `mapstructure:"auto_process_ready_tasks"`

	RolesFile string                `mapstructure:"roles_file"`
	Roles     map[string]RoleConfig `mapstructure:"roles"`
	Agent     AgentConfig           `mapstructure:"agent"`

	Tracing tracing.Config `mapstructure:"tracing"`

	Debug bool `mapstructure:"debug"`
}

// Default returns the configuration defaults applied before any file or
// environment merge.
func Default() Config {
	return Config{
		PollIntervalMs:        int(DefaultPollInterval / time.Millisecond),
		SteeringIntervalMs:    int(DefaultSteeringInterval / time.Millisecond),
		MaxWorkers:            DefaultMaxWorkers,
		EventBufferSize:       DefaultEventBufferSize,
		AutoProcessReadyTasks: true,
		Agent: AgentConfig{
			Binary: "claude-agent",
		},
		Tracing: tracing.DefaultConfig(),
	}
}

// PollInterval returns the effective loop poll interval, clamped to the
// minimum.
func (c Config) PollInterval() time.Duration {
	d := time.Duration(c.PollIntervalMs) * time.Millisecond
	if d <= 0 {
		d = DefaultPollInterval
	}
	if d < MinPollInterval {
		d = MinPollInterval
	}
	return d
}

// SteeringInterval returns the effective steering interval.
func (c Config) SteeringInterval() time.Duration {
	d := time.Duration(c.SteeringIntervalMs) * time.Millisecond
	if d <= 0 {
		d = DefaultSteeringInterval
	}
	return d
}

// Load merges configuration from four layers, lowest precedence first:
// defaults, the global file (~/.config/foreman/config.yaml), the project
// file (<path>/.foreman/config.yaml), then environment overrides.
func Load(projectPath string) (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v, cfg)

	if home, err := os.UserHomeDir(); err == nil {
		global := filepath.Join(home, ".config", "foreman", "config.yaml")
		if _, err := os.Stat(global); err == nil {
			v.SetConfigFile(global)
			if err := v.ReadInConfig(); err != nil {
				return cfg, fmt.Errorf("global config: %w", err)
			}
			log.Debug(log.CatConfig, "loaded global config", "path", global)
		}
	}

	project := filepath.Join(projectPath, ".foreman", "config.yaml")
	if _, err := os.Stat(project); err == nil {
		v.SetConfigFile(project)
		if err := v.MergeInConfig(); err != nil {
			return cfg, fmt.Errorf("project config: %w", err)
		}
		log.Debug(log.CatConfig, "loaded project config", "path", project)
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("config unmarshal: %w", err)
	}
	cfg.Path = projectPath

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("poll_interval_ms", cfg.PollIntervalMs)
	v.SetDefault("steering_interval_ms", cfg.SteeringIntervalMs)
	v.SetDefault("max_workers", cfg.MaxWorkers)
	v.SetDefault("event_buffer_size", cfg.EventBufferSize)
	v.SetDefault("auto_process_ready_tasks", cfg.AutoProcessReadyTasks)
	v.SetDefault("agent.binary", cfg.Agent.Binary)
	v.SetDefault("tracing.exporter", cfg.Tracing.Exporter)
	v.SetDefault("tracing.otlp_endpoint", cfg.Tracing.OTLPEndpoint)
	v.SetDefault("tracing.sample_rate", cfg.Tracing.SampleRate)
	v.SetDefault("tracing.service_name", cfg.Tracing.ServiceName)
}

// applyEnvOverrides applies FOREMAN_* environment variables on top of the
// merged config. Environment always wins over files.
func applyEnvOverrides(cfg *Config) {
	if ms, ok := envInt("FOREMAN_POLL_INTERVAL_MS"); ok {
		cfg.PollIntervalMs = ms
	}
	if ms, ok := envInt("FOREMAN_STEERING_INTERVAL_MS"); ok {
		cfg.SteeringIntervalMs = ms
	}
	if n, ok := envInt("FOREMAN_MAX_WORKERS"); ok {
		cfg.MaxWorkers = n
	}
	if n, ok := envInt("FOREMAN_EVENT_BUFFER_SIZE"); ok {
		cfg.EventBufferSize = n
	}
	if b, ok := envBool("FOREMAN_AUTO_PROCESS"); ok {
		cfg.AutoProcessReadyTasks = b
	}
	if bin := os.Getenv("FOREMAN_AGENT_BINARY"); bin != "" {
		cfg.Agent.Binary = bin
	}
	if b, ok := envBool("FOREMAN_TRACE"); ok {
		cfg.Tracing.Enabled = b
	}
	if exp := os.Getenv("FOREMAN_TRACE_EXPORTER"); exp != "" {
		cfg.Tracing.Exporter = exp
	}

	// Per-role overrides: FOREMAN_ROLE_<ROLE>_MODEL, _THINKING, _TOOLS.
	if cfg.Roles == nil {
		cfg.Roles = make(map[string]RoleConfig)
	}
	for _, entry := range os.Environ() {
		key, value, found := strings.Cut(entry, "=")
		if !found || !strings.HasPrefix(key, "FOREMAN_ROLE_") {
			continue
		}
		rest := strings.TrimPrefix(key, "FOREMAN_ROLE_")
		var role, field string
		switch {
		case strings.HasSuffix(rest, "_MODEL"):
			role, field = strings.TrimSuffix(rest, "_MODEL"), "model"
		case strings.HasSuffix(rest, "_THINKING"):
			role, field = strings.TrimSuffix(rest, "_THINKING"), "thinking"
		case strings.HasSuffix(rest, "_TOOLS"):
			role, field = strings.TrimSuffix(rest, "_TOOLS"), "tools"
		default:
			continue
		}
		if role == "" || value == "" {
			continue
		}
		id := strings.ToLower(role)
		rc := cfg.Roles[id]
		switch field {
		case "model":
			rc.Model = value
		case "thinking":
			rc.Thinking = value
		case "tools":
			rc.Tools = splitList(value)
		}
		cfg.Roles[id] = rc
		log.Debug(log.CatConfig, "role override from env", "role", id, "field", field)
	}
}

func envInt(key string) (int, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		log.Warn(log.CatConfig, "ignoring non-numeric env override", "key", key, "value", raw)
		return 0, false
	}
	return n, true
}

// envBool parses the truthy/falsy convention: 1|true and 0|false. Anything
// else is ignored with a warning.
func envBool(key string) (bool, bool) {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true":
		return true, true
	case "0", "false":
		return false, true
	case "":
		return false, false
	default:
		log.Warn(log.CatConfig, "ignoring unrecognized boolean env override", "key", key, "value", os.Getenv(key))
		return false, false
	}
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
