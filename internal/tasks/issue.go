// Package tasks provides access to the external task store.
//
// The store itself is a local collaborator reached through its CLI; this
// package defines the issue data model, the narrow client contract the
// orchestrator consumes, and a CLI-backed implementation of that contract.
package tasks

import "time"

// Status represents the issue lifecycle state.
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusBlocked    Status = "blocked"
	StatusClosed     Status = "closed"
	StatusDone       Status = "done"
	StatusDead       Status = "dead"
	StatusFailed     Status = "failed"
)

// IsTerminal reports whether issues in this status are hidden by default
// list visibility. Blocked is not terminal.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusClosed, StatusDone, StatusDead, StatusFailed, "aborted", "stopped":
		return true
	default:
		return false
	}
}

// Priority levels (0-4, lower is more urgent).
type Priority int

const (
	PriorityCritical Priority = 0
	PriorityHigh     Priority = 1
	PriorityMedium   Priority = 2
	PriorityLow      Priority = 3
	PriorityBacklog  Priority = 4
)

// IssueType categorizes the nature of an entry in the store.
type IssueType string

const (
	// TypeTask is schedulable workload.
	TypeTask IssueType = "task"
	// TypeAgent is a persisted agent record, not workload.
	TypeAgent IssueType = "agent"
)

// Comment is a single comment on an issue.
type Comment struct {
	ID        string    `json:"id,omitempty"`
	Author    string    `json:"author"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Issue represents a task store entry.
type Issue struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Status      Status    `json:"status"`
	Priority    *Priority `json:"priority,omitempty"`
	Type        IssueType `json:"issue_type"`
	Labels      []string  `json:"labels,omitempty"`
	Assignee    string    `json:"assignee,omitempty"`

	DependsOnIDs []string  `json:"depends_on_ids,omitempty"`
	References   []string  `json:"references,omitempty"`
	Comments     []Comment `json:"comments,omitempty"`

	// HookTask binds a persisted agent record (issue_type=agent) to the
	// task it is working. Empty for workload issues.
	HookTask string `json:"hook_task,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EffectivePriority returns the scheduling priority, treating an absent
// priority as lowest urgency.
func (i Issue) EffectivePriority() int {
	if i.Priority == nil {
		return int(^uint(0) >> 1) // max int
	}
	return int(*i.Priority)
}

// IsClosed reports whether the issue has been closed.
func (i Issue) IsClosed() bool {
	return i.Status == StatusClosed
}
