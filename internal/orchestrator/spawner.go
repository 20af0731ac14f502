package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/zjrosen/foreman/internal/agent"
	"github.com/zjrosen/foreman/internal/agent/proc"
	"github.com/zjrosen/foreman/internal/config"
	"github.com/zjrosen/foreman/internal/log"
	"github.com/zjrosen/foreman/internal/roles"
	"github.com/zjrosen/foreman/internal/tasks"
)

// SpawnRequest describes one agent to start.
type SpawnRequest struct {
	Role   string
	TaskID string
	// Kickoff is the initial prompt delivered right after spawn.
	Kickoff string
	// ResumeSessionID resumes a previous agent session when non-empty.
	ResumeSessionID string
}

// Spawner starts agent subprocesses and registers them. Implementations must
// return a record whose Process is live.
type Spawner interface {
	Spawn(ctx context.Context, req SpawnRequest) (*agent.Record, error)
}

// Compile-time check.
var _ Spawner = (*AgentSpawner)(nil)

// AgentSpawner launches the configured agent binary for a role, creates the
// persisted agent record, and registers the live record.
type AgentSpawner struct {
	cfg      config.Config
	roles    *roles.Registry
	store    tasks.Client
	registry *agent.Registry
}

// NewAgentSpawner wires a spawner.
func NewAgentSpawner(cfg config.Config, rolesReg *roles.Registry, store tasks.Client, registry *agent.Registry) *AgentSpawner {
	return &AgentSpawner{cfg: cfg, roles: rolesReg, store: store, registry: registry}
}

// Spawn starts an agent for req and registers it. The persisted agent record
// is created first so the subprocess can reference its store id; its hook
// slot is bound to the task.
func (s *AgentSpawner) Spawn(ctx context.Context, req SpawnRequest) (*agent.Record, error) {
	role := s.roles.Get(req.Role)
	if role == nil {
		return nil, fmt.Errorf("spawn: undeclared role %q", req.Role)
	}

	name := req.Role
	if req.TaskID != "" {
		name = fmt.Sprintf("%s:%s", req.Role, req.TaskID)
	}
	tasksAgentID, err := s.store.CreateAgent(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("spawn: create agent record: %w", err)
	}
	if req.TaskID != "" {
		if err := s.store.SetSlot(ctx, tasksAgentID, "hook", req.TaskID); err != nil {
			log.Warn(log.CatRegistry, "failed to set hook slot", "agent", tasksAgentID, "task", req.TaskID, "error", err)
		}
	}

	args := s.buildArgs(role, req, tasksAgentID)
	p, err := proc.Spawn(ctx, s.cfg.Agent.Binary, args, s.cfg.Path, s.cfg.Agent.Env)
	if err != nil {
		_ = s.store.SetAgentState(ctx, tasksAgentID, string(agent.StatusDead))
		return nil, fmt.Errorf("spawn %s: %w", req.Role, err)
	}

	rec := &agent.Record{
		ID:           agent.NewID(),
		TasksAgentID: tasksAgentID,
		Role:         agent.Role(req.Role),
		TaskID:       req.TaskID,
		Status:       agent.StatusRunning,
		SessionID:    req.ResumeSessionID,
		Process:      p,
	}
	s.registry.Register(rec)
	_ = s.store.SetAgentState(ctx, tasksAgentID, string(agent.StatusRunning))

	if req.Kickoff != "" {
		if err := p.Send(ctx, req.Kickoff); err != nil {
			log.Warn(log.CatRegistry, "failed to deliver kickoff prompt", "agent", rec.ID, "error", err)
		}
	}
	return rec, nil
}

// buildArgs assembles the subprocess command line from role configuration,
// per-role config overrides, and the spawn request.
func (s *AgentSpawner) buildArgs(role *roles.Role, req SpawnRequest, tasksAgentID string) []string {
	model := role.Model
	thinking := role.Thinking
	tools := role.Tools
	if override, ok := s.cfg.Roles[role.ID]; ok {
		if override.Model != "" {
			model = override.Model
		}
		if override.Thinking != "" {
			thinking = override.Thinking
		}
		if len(override.Tools) > 0 {
			tools = override.Tools
		}
	}

	args := append([]string{}, s.cfg.Agent.Args...)
	args = append(args, "--role", role.ID, "--agent-id", tasksAgentID)
	if req.TaskID != "" {
		args = append(args, "--task", req.TaskID)
	}
	if role.ResolvedPrompt != "" {
		args = append(args, "--prompt-file", role.ResolvedPrompt)
	}
	for _, ext := range role.ResolvedExtensions {
		args = append(args, "--extension", ext)
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	if thinking != "" {
		args = append(args, "--thinking", thinking)
	}
	if len(tools) > 0 {
		args = append(args, "--allowed-tools", strings.Join(tools, ","))
	}
	if len(role.Permissions) > 0 {
		args = append(args, "--permissions", strings.Join(role.Permissions, ","))
	}
	if req.ResumeSessionID != "" {
		args = append(args, "--resume", req.ResumeSessionID)
	}
	return args
}
