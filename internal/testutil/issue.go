// Package testutil provides in-memory fakes and builders for tests.
package testutil

import (
	"time"

	"github.com/zjrosen/foreman/internal/tasks"
)

// IssueOption configures a built issue.
type IssueOption func(*tasks.Issue)

// Issue builds a task-type issue with sensible defaults.
func Issue(id string, opts ...IssueOption) tasks.Issue {
	issue := tasks.Issue{
		ID:        id,
		Title:     "issue " + id,
		Status:    tasks.StatusOpen,
		Type:      tasks.TypeTask,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(&issue)
	}
	return issue
}

// WithTitle sets the title.
func WithTitle(title string) IssueOption {
	return func(i *tasks.Issue) { i.Title = title }
}

// WithDescription sets the description.
func WithDescription(desc string) IssueOption {
	return func(i *tasks.Issue) { i.Description = desc }
}

// WithStatus sets the status.
func WithStatus(status tasks.Status) IssueOption {
	return func(i *tasks.Issue) { i.Status = status }
}

// WithPriority sets the priority.
func WithPriority(p tasks.Priority) IssueOption {
	return func(i *tasks.Issue) { i.Priority = &p }
}

// WithType sets the issue type.
func WithType(t tasks.IssueType) IssueOption {
	return func(i *tasks.Issue) { i.Type = t }
}

// WithLabels sets the labels.
func WithLabels(labels ...string) IssueOption {
	return func(i *tasks.Issue) { i.Labels = labels }
}

// WithDeps sets the dependency ids.
func WithDeps(ids ...string) IssueOption {
	return func(i *tasks.Issue) { i.DependsOnIDs = ids }
}

// WithAssignee sets the assignee.
func WithAssignee(assignee string) IssueOption {
	return func(i *tasks.Issue) { i.Assignee = assignee }
}

// WithHookTask binds an agent-type issue to a task.
func WithHookTask(taskID string) IssueOption {
	return func(i *tasks.Issue) { i.HookTask = taskID }
}

// WithUpdatedAt sets the update timestamp.
func WithUpdatedAt(ts time.Time) IssueOption {
	return func(i *tasks.Issue) { i.UpdatedAt = ts }
}

// WithComments sets the comment list.
func WithComments(comments ...tasks.Comment) IssueOption {
	return func(i *tasks.Issue) { i.Comments = comments }
}
