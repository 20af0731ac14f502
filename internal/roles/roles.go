// Package roles loads and validates the role configuration: which agent
// roles exist, what each is allowed to do, which prompts and extensions it
// carries, and which tools it may call.
package roles

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/zjrosen/foreman/internal/log"
)

// SupportedVersion is the only role config schema version accepted.
const SupportedVersion = "1.0"

// Category groups roles for scheduling policy. Worker-category roles count
// against maxWorkers; other categories do not.
type Category string

const (
	CategoryCoordinator Category = "coordinator"
	CategoryWorker      Category = "worker"
	CategoryReviewer    Category = "reviewer"
	CategoryOversight   Category = "oversight"
)

func validCategory(c Category) bool {
	switch c {
	case CategoryCoordinator, CategoryWorker, CategoryReviewer, CategoryOversight:
		return true
	}
	return false
}

// Rendering selects how an agent's output is presented.
type Rendering string

const (
	RenderingDefault  Rendering = "default"
	RenderingMarkdown Rendering = "markdown"
	RenderingPlain    Rendering = "plain"
)

func validRendering(r Rendering) bool {
	switch r {
	case RenderingDefault, RenderingMarkdown, RenderingPlain:
		return true
	}
	return false
}

// Capabilities is what a role is permitted to do. Behavioral decisions in
// the orchestrator switch on these flags, never on role names.
type Capabilities struct {
	Category            Category  `yaml:"category"`
	Rendering           Rendering `yaml:"rendering"`
	CanModifyFiles      bool      `yaml:"canModifyFiles"`
	CanCloseTask        bool      `yaml:"canCloseTask"`
	CanAdvanceLifecycle bool      `yaml:"canAdvanceLifecycle"`
	CanSpawn            []string  `yaml:"canSpawn"`
}

// Steering configures periodic steering prompts for a role.
type Steering struct {
	IntervalMs int    `yaml:"intervalMs"`
	Prompt     string `yaml:"prompt,omitempty"`
}

// Extension is an auxiliary file loaded into the agent's environment.
type Extension struct {
	Name string `yaml:"name,omitempty"`
	Path string `yaml:"path"`
}

// Role is one declared role: capabilities plus spawn-time configuration.
type Role struct {
	ID           string       `yaml:"-"`
	Capabilities Capabilities `yaml:"capabilities"`
	Prompt       string       `yaml:"prompt,omitempty"`
	Steering     *Steering    `yaml:"steering,omitempty"`
	Extensions   []Extension  `yaml:"extensions,omitempty"`
	Model        string       `yaml:"model,omitempty"`
	Thinking     string       `yaml:"thinking,omitempty"`
	Tools        []string     `yaml:"tools,omitempty"`
	Permissions  []string     `yaml:"-"`

	// ResolvedPrompt and ResolvedExtensions are absolute paths filled in
	// during load. ResolvedPrompt is empty when the role has no prompt.
	ResolvedPrompt     string   `yaml:"-"`
	ResolvedExtensions []string `yaml:"-"`
}

// File is the on-disk role configuration document.
type File struct {
	Version string           `yaml:"version"`
	Profile string           `yaml:"profile"`
	Roles   map[string]*Role `yaml:"roles"`
}

// thinkingLevels are the accepted values for a role's thinking setting.
var thinkingLevels = map[string]bool{
	"": true, "off": true, "minimal": true, "low": true,
	"medium": true, "high": true, "xhigh": true,
}

// defaultPermissions is the fixed tool allowlist applied when no per-role
// environment override is present.
var defaultPermissions = []string{
	"read", "write", "edit", "bash", "glob", "grep", "webfetch",
}

// builtinCapabilities is the fixed capability table for built-in roles.
var builtinCapabilities = map[string]Capabilities{
	"orchestrator": {
		Category:            CategoryCoordinator,
		Rendering:           RenderingDefault,
		CanModifyFiles:      false,
		CanCloseTask:        true,
		CanAdvanceLifecycle: true,
		CanSpawn:            []string{"scout", "implementer", "verifier"},
	},
	"scout": {
		Category:       CategoryWorker,
		Rendering:      RenderingMarkdown,
		CanModifyFiles: false,
	},
	"implementer": {
		Category:       CategoryWorker,
		Rendering:      RenderingDefault,
		CanModifyFiles: true,
	},
	"verifier": {
		Category:            CategoryReviewer,
		Rendering:           RenderingMarkdown,
		CanModifyFiles:      false,
		CanAdvanceLifecycle: true,
	},
	"supervisor": {
		Category:            CategoryOversight,
		Rendering:           RenderingDefault,
		CanModifyFiles:      false,
		CanCloseTask:        true,
		CanAdvanceLifecycle: true,
		CanSpawn:            []string{"scout", "implementer", "verifier"},
	},
}

// customFallback is the capability set for custom roles that declare none.
var customFallback = Capabilities{
	Category:       CategoryWorker,
	Rendering:      RenderingDefault,
	CanModifyFiles: true,
}

// IsBuiltin reports whether id names a built-in role.
func IsBuiltin(id string) bool {
	_, ok := builtinCapabilities[id]
	return ok
}

// Registry resolves role ids to their validated configuration.
type Registry struct {
	profile string
	roles   map[string]*Role
}

// Profile returns the loaded profile name.
func (r *Registry) Profile() string { return r.profile }

// Get returns the role for id, or nil if undeclared.
func (r *Registry) Get(id string) *Role {
	return r.roles[id]
}

// IDs returns all declared role ids, sorted.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.roles))
	for id := range r.roles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// IsWorker reports whether the role counts against maxWorkers.
func (r *Registry) IsWorker(id string) bool {
	role := r.roles[id]
	return role != nil && role.Capabilities.Category == CategoryWorker
}

// Default returns a registry containing only the built-in roles, used when no
// role configuration file exists.
func Default() *Registry {
	roles := make(map[string]*Role, len(builtinCapabilities))
	for id, caps := range builtinCapabilities {
		roles[id] = &Role{
			ID:           id,
			Capabilities: caps,
			Permissions:  permissionsFor(id),
		}
	}
	return &Registry{profile: "default", roles: roles}
}

// Load reads and validates a role configuration file. Validation failures
// are aggregated so a broken config reports every problem at once; any
// failure means no partial load.
func Load(path, baseDir string) (*Registry, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: operator-supplied config path
	if err != nil {
		return nil, fmt.Errorf("roles config: %w", err)
	}
	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("roles config: %w", err)
	}
	return build(&file, baseDir)
}

func build(file *File, baseDir string) (*Registry, error) {
	var problems []string
	fail := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if file.Version != SupportedVersion {
		fail("unsupported version %q (want %q)", file.Version, SupportedVersion)
	}
	if file.Profile == "" {
		fail("profile is required")
	}
	if len(file.Roles) == 0 {
		fail("at least one role is required")
	}

	for id, role := range file.Roles {
		if role == nil {
			fail("role %s: empty definition", id)
			continue
		}
		role.ID = id

		// Built-in roles always get the fixed capability table; a config
		// cannot weaken or extend them. Custom roles without declared
		// capabilities fall back to a plain worker.
		if caps, ok := builtinCapabilities[id]; ok {
			role.Capabilities = caps
		} else if capsEmpty(role.Capabilities) {
			role.Capabilities = customFallback
		}

		if !validCategory(role.Capabilities.Category) {
			fail("role %s: invalid category %q", id, role.Capabilities.Category)
		}
		if role.Capabilities.Rendering == "" {
			role.Capabilities.Rendering = RenderingDefault
		}
		if !validRendering(role.Capabilities.Rendering) {
			fail("role %s: invalid rendering %q", id, role.Capabilities.Rendering)
		}
		if !thinkingLevels[role.Thinking] {
			fail("role %s: invalid thinking level %q", id, role.Thinking)
		}
		if role.Steering != nil && role.Steering.IntervalMs <= 0 {
			fail("role %s: steering.intervalMs must be positive", id)
		}
		for _, spawn := range role.Capabilities.CanSpawn {
			if _, ok := file.Roles[spawn]; !ok {
				fail("role %s: canSpawn references undeclared role %q", id, spawn)
			}
		}
		for i, ext := range role.Extensions {
			if ext.Path == "" {
				fail("role %s: extension %d has empty path", id, i)
			}
		}
	}

	if cycle := findSpawnCycle(file.Roles); cycle != "" {
		fail("spawn graph has a cycle through %s", cycle)
	}

	// Resolve prompts, extensions and permissions only once the structural
	// checks pass, so path errors join the same aggregate.
	for id, role := range file.Roles {
		if role == nil {
			continue
		}
		if role.Prompt != "" {
			resolved, err := resolvePath(role.Prompt, baseDir)
			if err != nil {
				fail("role %s: prompt: %v", id, err)
			} else {
				role.ResolvedPrompt = resolved
			}
		}
		for _, ext := range role.Extensions {
			if ext.Path == "" {
				continue
			}
			resolved, err := resolvePath(ext.Path, baseDir)
			if err != nil {
				fail("role %s: extension %s: %v", id, ext.Path, err)
				continue
			}
			if err := probeExtension(resolved); err != nil {
				fail("role %s: extension %s: %v", id, ext.Path, err)
				continue
			}
			role.ResolvedExtensions = append(role.ResolvedExtensions, resolved)
		}
		perms, err := permissionsForChecked(id)
		if err != nil {
			fail("role %s: %v", id, err)
		} else {
			role.Permissions = perms
		}
	}

	if len(problems) > 0 {
		sort.Strings(problems)
		return nil, fmt.Errorf("roles config invalid:\n  %s", strings.Join(problems, "\n  "))
	}

	log.Info(log.CatRoles, "roles loaded", "profile", file.Profile, "count", len(file.Roles))
	return &Registry{profile: file.Profile, roles: file.Roles}, nil
}

func capsEmpty(c Capabilities) bool {
	return c.Category == "" && c.Rendering == "" &&
		!c.CanModifyFiles && !c.CanCloseTask && !c.CanAdvanceLifecycle &&
		len(c.CanSpawn) == 0
}

// findSpawnCycle returns a role id on a canSpawn cycle, or "".
func findSpawnCycle(roles map[string]*Role) string {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(roles))
	var visit func(id string) string
	visit = func(id string) string {
		switch state[id] {
		case visiting:
			return id
		case done:
			return ""
		}
		state[id] = visiting
		if role := roles[id]; role != nil {
			for _, next := range role.Capabilities.CanSpawn {
				if _, declared := roles[next]; !declared {
					continue
				}
				if hit := visit(next); hit != "" {
					return hit
				}
			}
		}
		state[id] = done
		return ""
	}

	ids := make([]string, 0, len(roles))
	for id := range roles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if hit := visit(id); hit != "" {
			return hit
		}
	}
	return ""
}

// resolvePath resolves a config-relative or absolute path to an existing
// file. Relative paths try baseDir first, then the working directory.
func resolvePath(path, baseDir string) (string, error) {
	if filepath.IsAbs(path) {
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("not found: %s", path)
		}
		return path, nil
	}
	if baseDir != "" {
		candidate := filepath.Join(baseDir, path)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	if abs, err := filepath.Abs(path); err == nil {
		if _, statErr := os.Stat(abs); statErr == nil {
			return abs, nil
		}
	}
	return "", fmt.Errorf("not found: %s", path)
}

// probeExtension checks an extension file is present and non-empty without
// executing it.
func probeExtension(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("probe failed: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("probe failed: %s is a directory", path)
	}
	if info.Size() == 0 {
		return fmt.Errorf("probe failed: %s is empty", path)
	}
	return nil
}
