package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/attribute"

	"github.com/zjrosen/foreman/internal/log"
	"github.com/zjrosen/foreman/internal/tasks"
	"github.com/zjrosen/foreman/internal/tracing"
)

// SideEffectKind classifies an outward mutation produced by a dispatch.
type SideEffectKind string

const (
	EffectPostComment      SideEffectKind = "post_comment"
	EffectUpdateTaskStatus SideEffectKind = "update_task_status"
	EffectSpawnFollowUp    SideEffectKind = "spawn_follow_up"
)

// SideEffect is one pending mutation. Only the fields for its kind are set.
type SideEffect struct {
	Kind   SideEffectKind
	TaskID string

	// post_comment
	Comment string
	Actor   string

	// update_task_status
	Status tasks.Status

	// spawn_follow_up
	Role    string
	Kickoff string
}

// DispatchResult is the shared dispatch contract's outcome.
type DispatchResult struct {
	Success bool
	TaskID  string
	Role    string
	AgentID string
	Err     error
}

// Applier applies side effects to the outside world. The loop implements it.
type Applier interface {
	ApplyComment(ctx context.Context, taskID, text, actor string) error
	ApplyStatus(ctx context.Context, taskID string, status tasks.Status) error
	ApplySpawn(ctx context.Context, role, taskID, kickoff string) (agentID string, err error)
}

// Engine is the workflow side-effect policy. Autonomous applies effects as
// the dispatch returns; Interactive queues them per task for approval.
type Engine interface {
	// Dispatch produces the side effects for running role against task and
	// applies or queues them per the engine's policy.
	Dispatch(ctx context.Context, role string, task tasks.Issue) DispatchResult

	// PendingSideEffects returns the queued effects for a task (always empty
	// for the autonomous engine).
	PendingSideEffects(taskID string) []SideEffect

	// ApproveSideEffects drains a task's queue and applies effects in order:
	// comments, status updates, follow-up spawns.
	ApproveSideEffects(ctx context.Context, taskID string) error

	// RejectSideEffects drops a task's queue without applying anything.
	RejectSideEffects(taskID string)
}

// effectsForDispatch builds the canonical dispatch effect sequence.
func effectsForDispatch(role string, task tasks.Issue, kickoff string) []SideEffect {
	return []SideEffect{
		{
			Kind:    EffectPostComment,
			TaskID:  task.ID,
			Comment: fmt.Sprintf("Dispatched %s.", role),
			Actor:   "foreman",
		},
		{
			Kind:   EffectUpdateTaskStatus,
			TaskID: task.ID,
			Status: tasks.StatusInProgress,
		},
		{
			Kind:    EffectSpawnFollowUp,
			TaskID:  task.ID,
			Role:    role,
			Kickoff: kickoff,
		},
	}
}

// applyEffects applies one task's effects grouped by kind: comments first,
// then status updates, then spawns. Within a kind, queue order is preserved.
func applyEffects(ctx context.Context, applier Applier, effects []SideEffect) error {
	ordered := make([]SideEffect, 0, len(effects))
	for _, kind := range []SideEffectKind{EffectPostComment, EffectUpdateTaskStatus, EffectSpawnFollowUp} {
		for _, e := range effects {
			if e.Kind == kind {
				ordered = append(ordered, e)
			}
		}
	}
	for _, e := range ordered {
		var err error
		switch e.Kind {
		case EffectPostComment:
			err = applier.ApplyComment(ctx, e.TaskID, e.Comment, e.Actor)
		case EffectUpdateTaskStatus:
			err = applier.ApplyStatus(ctx, e.TaskID, e.Status)
		case EffectSpawnFollowUp:
			_, err = applier.ApplySpawn(ctx, e.Role, e.TaskID, e.Kickoff)
		}
		if err != nil {
			return fmt.Errorf("apply %s for %s: %w", e.Kind, e.TaskID, err)
		}
	}
	return nil
}

// kickoffFor composes the initial prompt for a dispatched role.
func kickoffFor(role string, task tasks.Issue) string {
	kickoff := fmt.Sprintf("You are the %s for task %s: %s", role, task.ID, task.Title)
	if task.Description != "" {
		kickoff += "\n\n" + task.Description
	}
	return kickoff
}

// Compile-time checks.
var (
	_ Engine = (*AutonomousEngine)(nil)
	_ Engine = (*InteractiveEngine)(nil)
)

// AutonomousEngine applies every side effect immediately.
type AutonomousEngine struct {
	applier Applier
}

// NewAutonomousEngine creates the default workflow engine.
func NewAutonomousEngine(applier Applier) *AutonomousEngine {
	return &AutonomousEngine{applier: applier}
}

// Dispatch applies the dispatch effects right away.
func (e *AutonomousEngine) Dispatch(ctx context.Context, role string, task tasks.Issue) DispatchResult {
	ctx, span := tracing.StartSpan(ctx, tracing.SpanPrefixDispatch+role,
		attribute.String(tracing.AttrTaskID, task.ID),
		attribute.String(tracing.AttrAgentRole, role),
	)
	effects := effectsForDispatch(role, task, kickoffFor(role, task))
	err := applyEffects(ctx, e.applier, effects)
	tracing.EndSpan(span, err)
	if err != nil {
		log.ErrorErr(log.CatWorkflow, "autonomous dispatch failed", err, "task", task.ID, "role", role)
		return DispatchResult{TaskID: task.ID, Role: role, Err: err}
	}
	return DispatchResult{Success: true, TaskID: task.ID, Role: role}
}

// PendingSideEffects always returns nil: nothing is ever queued.
func (e *AutonomousEngine) PendingSideEffects(string) []SideEffect { return nil }

// ApproveSideEffects is a no-op.
func (e *AutonomousEngine) ApproveSideEffects(context.Context, string) error { return nil }

// RejectSideEffects is a no-op.
func (e *AutonomousEngine) RejectSideEffects(string) {}

// InteractiveEngine queues dispatch effects per task until explicitly
// approved or rejected. Queues are independent across tasks; operations on
// an unknown task id are no-ops.
type InteractiveEngine struct {
	applier Applier

	mu      sync.Mutex
	pending map[string][]SideEffect
}

// NewInteractiveEngine creates the approval-gated workflow engine.
func NewInteractiveEngine(applier Applier) *InteractiveEngine {
	return &InteractiveEngine{
		applier: applier,
		pending: make(map[string][]SideEffect),
	}
}

// Dispatch queues the dispatch effects for later approval.
func (e *InteractiveEngine) Dispatch(_ context.Context, role string, task tasks.Issue) DispatchResult {
	effects := effectsForDispatch(role, task, kickoffFor(role, task))
	e.mu.Lock()
	e.pending[task.ID] = append(e.pending[task.ID], effects...)
	e.mu.Unlock()
	log.Info(log.CatWorkflow, "dispatch queued for approval", "task", task.ID, "role", role, "effects", len(effects))
	return DispatchResult{Success: true, TaskID: task.ID, Role: role}
}

// PendingSideEffects returns a copy of the task's queue.
func (e *InteractiveEngine) PendingSideEffects(taskID string) []SideEffect {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]SideEffect(nil), e.pending[taskID]...)
}

// PendingTaskIDs returns the ids of tasks with non-empty queues, sorted.
func (e *InteractiveEngine) PendingTaskIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.pending))
	for id := range e.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ApproveSideEffects drains the task's queue atomically, then applies the
// drained effects in kind order. A failed apply does not restore the queue.
func (e *InteractiveEngine) ApproveSideEffects(ctx context.Context, taskID string) error {
	e.mu.Lock()
	effects := e.pending[taskID]
	delete(e.pending, taskID)
	e.mu.Unlock()
	if len(effects) == 0 {
		return nil
	}
	log.Info(log.CatWorkflow, "approving side effects", "task", taskID, "count", len(effects))
	return applyEffects(ctx, e.applier, effects)
}

// RejectSideEffects drops the task's queue without applying anything.
func (e *InteractiveEngine) RejectSideEffects(taskID string) {
	e.mu.Lock()
	dropped := len(e.pending[taskID])
	delete(e.pending, taskID)
	e.mu.Unlock()
	if dropped > 0 {
		log.Info(log.CatWorkflow, "rejected side effects", "task", taskID, "count", dropped)
	}
}
