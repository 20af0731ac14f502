package agent

import (
	"context"
	"time"
)

// Role names an agent's behavioral profile from the role registry.
type Role string

const (
	RoleOrchestrator Role = "orchestrator"
	RoleScout        Role = "scout"
	RoleImplementer  Role = "implementer"
	RoleVerifier     Role = "verifier"
	RoleSupervisor   Role = "supervisor"
)

// Status is an agent's lifecycle state.
type Status string

const (
	StatusRunning Status = "running" // spawned, model turn in flight
	StatusWorking Status = "working" // actively producing events
	StatusPaused  Status = "paused"  // idle between turns, still attached
	StatusDone    Status = "done"    // subprocess exited cleanly
	StatusStopped Status = "stopped" // stopped by operator or policy
	StatusAborted Status = "aborted" // interrupted mid-task
	StatusFailed  Status = "failed"  // terminal event reported failure
	StatusDead    Status = "dead"    // subprocess exited abnormally
)

// IsTerminal reports whether no further events are expected from the agent.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusDone, StatusStopped, StatusAborted, StatusFailed, StatusDead:
		return true
	default:
		return false
	}
}

// Usage is cumulative token and cost accounting for one agent. Counters only
// grow; deltas from each assistant turn are folded in additively.
type Usage struct {
	Input       int64
	Output      int64
	CacheRead   int64
	CacheWrite  int64
	TotalTokens int64
	CostUSD     float64
}

// Add folds a per-turn delta into the cumulative counters.
func (u *Usage) Add(d UsageDelta) {
	u.Input += d.Input
	u.Output += d.Output
	u.CacheRead += d.CacheRead
	u.CacheWrite += d.CacheWrite
	u.TotalTokens += d.TotalTokens
	u.CostUSD += d.CostUSD
}

// ProcessHandle is the narrow control surface over a live agent subprocess.
type ProcessHandle interface {
	// PID returns the subprocess id, or 0 if not started.
	PID() int

	// Events yields the parsed event stream. The channel closes after the
	// terminal rpc_exit event is delivered.
	Events() <-chan Event

	// Send delivers a user prompt to the agent.
	Send(ctx context.Context, text string) error

	// Interrupt aborts the current turn and delivers an urgent prompt.
	Interrupt(ctx context.Context, text string) error

	// GetState queries the agent for its runtime state (model, context
	// window, session id).
	GetState(ctx context.Context) (*ProcessState, error)

	// Stop requests a graceful shutdown, escalating to kill after grace.
	Stop(ctx context.Context, grace time.Duration) error

	// Kill terminates the subprocess immediately.
	Kill() error
}

// ProcessState is the agent's self-reported runtime state.
type ProcessState struct {
	Model         string `json:"model"`
	ContextWindow int    `json:"contextWindow"`
	SessionID     string `json:"sessionId"`
}

// Record is the registry's live-agent bookkeeping. Fields are mutated only
// under the registry lock; callers outside the registry see copies.
type Record struct {
	// ID is the local registry id (a UUID).
	ID string
	// TasksAgentID is the persisted agent record id in the task store.
	TasksAgentID string

	Role   Role
	TaskID string
	Status Status

	SpawnedAt    time.Time
	LastActivity time.Time

	Usage           Usage
	ContextTokens   int64
	ContextWindow   int
	CompactionCount int
	Model           string
	SessionID       string

	Process ProcessHandle

	events *EventRing
}

// Summary is a copyable view of a Record without the process handle or ring.
type Summary struct {
	ID              string    `json:"id"`
	TasksAgentID    string    `json:"tasksAgentId"`
	Role            Role      `json:"role"`
	TaskID          string    `json:"taskId"`
	Status          Status    `json:"status"`
	SpawnedAt       time.Time `json:"spawnedAt"`
	LastActivity    time.Time `json:"lastActivity"`
	Usage           Usage     `json:"usage"`
	ContextTokens   int64     `json:"contextTokens"`
	ContextWindow   int       `json:"contextWindow,omitempty"`
	CompactionCount int       `json:"compactionCount"`
	Model           string    `json:"model,omitempty"`
	SessionID       string    `json:"sessionId,omitempty"`
}

func (r *Record) summary() Summary {
	return Summary{
		ID:              r.ID,
		TasksAgentID:    r.TasksAgentID,
		Role:            r.Role,
		TaskID:          r.TaskID,
		Status:          r.Status,
		SpawnedAt:       r.SpawnedAt,
		LastActivity:    r.LastActivity,
		Usage:           r.Usage,
		ContextTokens:   r.ContextTokens,
		ContextWindow:   r.ContextWindow,
		CompactionCount: r.CompactionCount,
		Model:           r.Model,
		SessionID:       r.SessionID,
	}
}
