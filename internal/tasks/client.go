package tasks

import (
	"context"
	"encoding/json"
)

// CreateOpts carries optional fields for Create.
type CreateOpts struct {
	Type         IssueType
	Labels       []string
	DependsOnIDs []string
	Assignee     string
}

// UpdatePatch is a partial issue update. Nil fields are left untouched.
type UpdatePatch struct {
	Title       *string
	Description *string
	Status      *Status
	Priority    *Priority
	Assignee    *string
	Labels      []string // replaces all labels when non-nil
}

// SearchOpts carries optional filters for Search.
type SearchOpts struct {
	Status Status
	Type   IssueType
	Limit  int
}

// DepTreeOpts controls dependency tree rendering.
type DepTreeOpts struct {
	Depth   int
	Reverse bool
}

// ActivityOpts filters the activity feed.
type ActivityOpts struct {
	Since string
	Limit int
}

// UsageSnapshot is a cumulative token/cost snapshot persisted per agent.
type UsageSnapshot struct {
	InputTokens      int64   `json:"input_tokens"`
	OutputTokens     int64   `json:"output_tokens"`
	CacheReadTokens  int64   `json:"cache_read_tokens"`
	CacheWriteTokens int64   `json:"cache_write_tokens"`
	TotalTokens      int64   `json:"total_tokens"`
	CostUSD          float64 `json:"cost_usd"`
}

// Client is the narrow task store contract the orchestrator consumes.
//
// Implementations must translate "not found" and "already claimed" failures
// into the typed sentinels from errors.go. All methods may suspend on I/O and
// must honor ctx cancellation.
type Client interface {
	// Ready returns the store's ready view: tasks with no open dependencies
	// that are open, or in_progress without an assigned agent.
	Ready(ctx context.Context) ([]Issue, error)

	// List runs the store's list with raw CLI-style flags.
	List(ctx context.Context, flags []string) ([]Issue, error)

	// Show fetches full issue details. Returns ErrNotFound if missing.
	Show(ctx context.Context, id string) (*Issue, error)

	Create(ctx context.Context, title, description string, priority *Priority, opts CreateOpts) (*Issue, error)
	Update(ctx context.Context, id string, patch UpdatePatch) error
	Close(ctx context.Context, id, reason string) error
	Delete(ctx context.Context, id string) error

	Search(ctx context.Context, query string, opts SearchOpts) ([]Issue, error)
	Query(ctx context.Context, expr string, args []string) (json.RawMessage, error)
	DepTree(ctx context.Context, id string, opts DepTreeOpts) (json.RawMessage, error)
	DepAdd(ctx context.Context, id, dependsOn string) error
	Types(ctx context.Context) ([]string, error)
	Activity(ctx context.Context, opts ActivityOpts) (json.RawMessage, error)

	// Claim atomically assigns the task to this orchestrator.
	// Returns ErrAlreadyClaimed when another claimant won the race.
	Claim(ctx context.Context, id string) error

	UpdateStatus(ctx context.Context, id string, status Status) error
	AddLabel(ctx context.Context, id, label string) error
	Comment(ctx context.Context, id, text, actor string) error
	Comments(ctx context.Context, id string) ([]Comment, error)

	// Agent record operations. Agents are persisted as issue_type=agent
	// entries; state lives in the store so history survives restarts.
	CreateAgent(ctx context.Context, name string) (string, error)
	SetAgentState(ctx context.Context, id, state string) error
	Heartbeat(ctx context.Context, id string) error
	SetSlot(ctx context.Context, id, slot, value string) error
	ClearSlot(ctx context.Context, id, slot string) error

	// Best-effort persistence of agent transcript data. Implementations may
	// not support these; callers must treat failures as non-fatal.
	ReadAgentMessages(ctx context.Context, agentID string, limit int) ([]json.RawMessage, error)
	RecordAgentEvent(ctx context.Context, agentID string, event json.RawMessage) error
	RecordAgentUsage(ctx context.Context, agentID string, usage UsageSnapshot) error
}
