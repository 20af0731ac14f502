package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/zjrosen/foreman/internal/agent"
	"github.com/zjrosen/foreman/internal/log"
	"github.com/zjrosen/foreman/internal/roles"
	"github.com/zjrosen/foreman/internal/tasks"
	"github.com/zjrosen/foreman/internal/tasks/cache"
)

// DefaultStopGrace is how long a stopping agent gets before force kill.
const DefaultStopGrace = 5 * time.Second

// recoveryCommentLimit bounds how many recent verifier comments go into a
// sticky-retry recovery context.
const recoveryCommentLimit = 6

// replaceableRoles is the replace_agent allow list. "worker" is accepted as
// an alias for implementer.
var replaceableRoles = map[string]string{
	"verifier":    "verifier",
	"scout":       "scout",
	"implementer": "implementer",
	"worker":      "implementer",
}

// NormalizeReplaceRole maps a replace_agent role to its canonical role id,
// or "" when the role is not replaceable.
func NormalizeReplaceRole(role string) string {
	return replaceableRoles[role]
}

// Lifecycle drives the per-task state machine: worker exit spawns a
// verifier; verifier exit consumes the pending advance/close signals; a
// signal-less verifier exit triggers a sticky retry with recovery context.
type Lifecycle struct {
	store    tasks.Client
	issues   *cache.IssueCache
	registry *agent.Registry
	signals  *SignalBoard
	roles    *roles.Registry
	spawner  Spawner

	// attach is set by the loop: it wires event handling to a freshly
	// spawned record.
	attach func(rec *agent.Record)

	stopGrace time.Duration
}

// NewLifecycle wires the lifecycle engine.
func NewLifecycle(store tasks.Client, issues *cache.IssueCache, registry *agent.Registry, signals *SignalBoard, rolesReg *roles.Registry, spawner Spawner) *Lifecycle {
	return &Lifecycle{
		store:     store,
		issues:    issues,
		registry:  registry,
		signals:   signals,
		roles:     rolesReg,
		spawner:   spawner,
		stopGrace: DefaultStopGrace,
	}
}

// SetAttach installs the post-spawn attach hook.
func (l *Lifecycle) SetAttach(fn func(rec *agent.Record)) {
	l.attach = fn
}

func (l *Lifecycle) spawnAttached(ctx context.Context, req SpawnRequest) (*agent.Record, error) {
	rec, err := l.spawner.Spawn(ctx, req)
	if err != nil {
		return nil, err
	}
	if l.attach != nil {
		l.attach(rec)
	}
	return rec, nil
}

// HandleWorkerExit runs when a worker-category agent finishes: stop any
// in-flight oversight agents on the task and hand the worker's final output
// to a fresh verifier.
func (l *Lifecycle) HandleWorkerExit(ctx context.Context, taskID, lastAssistantText string) {
	for _, rec := range l.registry.GetActiveByTask(taskID, "") {
		if l.categoryOf(rec.Role) == roles.CategoryOversight {
			l.stopAgent(ctx, rec)
		}
	}

	kickoff := "The worker for this task has finished. Review its output and decide the next transition."
	if strings.TrimSpace(lastAssistantText) != "" {
		kickoff = fmt.Sprintf("Worker output for review:\n\n%s", lastAssistantText)
	}
	if _, err := l.spawnAttached(ctx, SpawnRequest{
		Role:    "verifier",
		TaskID:  taskID,
		Kickoff: kickoff,
	}); err != nil {
		log.ErrorErr(log.CatLifecycle, "failed to spawn verifier", err, "task", taskID)
	}
}

// HandleVerifierExit consumes the pending lifecycle signals for the task.
// With no signal at all the verifier is respawned with recovery context
// until it produces one.
func (l *Lifecycle) HandleVerifierExit(ctx context.Context, taskID, prevSessionID string) {
	adv, cl := l.signals.TakeSignals(taskID)

	if closeWins(adv, cl) {
		// The close path owns cleanup; nothing to route here.
		log.Info(log.CatLifecycle, "verifier exit with close signal", "task", taskID, "reason", cl.Reason)
		return
	}

	if adv != nil {
		l.routeAdvance(ctx, taskID, *adv)
		return
	}

	// Sticky retry: no signal means the verifier must run again.
	recovery := l.recoveryContext(ctx, taskID, prevSessionID)
	log.Warn(log.CatLifecycle, "verifier exited without signal, respawning", "task", taskID)
	if _, err := l.spawnAttached(ctx, SpawnRequest{
		Role:    "verifier",
		TaskID:  taskID,
		Kickoff: recovery,
	}); err != nil {
		log.ErrorErr(log.CatLifecycle, "failed to respawn verifier", err, "task", taskID)
	}
}

func (l *Lifecycle) routeAdvance(ctx context.Context, taskID string, sig AdvanceSignal) {
	switch sig.Action {
	case AdvanceWorker:
		kickoff := sig.Message
		if kickoff == "" {
			kickoff = fmt.Sprintf("Continue work on this task. Verifier feedback: %s", sig.Reason)
		}
		if _, err := l.spawnAttached(ctx, SpawnRequest{Role: "implementer", TaskID: taskID, Kickoff: kickoff}); err != nil {
			log.ErrorErr(log.CatLifecycle, "failed to spawn worker on advance", err, "task", taskID)
		}
	case AdvanceScout:
		kickoff := sig.Message
		if kickoff == "" {
			kickoff = fmt.Sprintf("Investigate this task before further work. Verifier feedback: %s", sig.Reason)
		}
		if _, err := l.spawnAttached(ctx, SpawnRequest{Role: "scout", TaskID: taskID, Kickoff: kickoff}); err != nil {
			log.ErrorErr(log.CatLifecycle, "failed to spawn scout on advance", err, "task", taskID)
		}
	case AdvanceDefer:
		if err := l.store.UpdateStatus(ctx, taskID, tasks.StatusBlocked); err != nil {
			log.ErrorErr(log.CatLifecycle, "failed to block task on defer", err, "task", taskID)
		}
		comment := fmt.Sprintf("Blocked by verifier advance_lifecycle. %s", sig.Reason)
		if sig.Message != "" {
			comment += fmt.Sprintf("\nmessage: %s", sig.Message)
		}
		if err := l.store.Comment(ctx, taskID, comment, sig.AgentID); err != nil {
			log.ErrorErr(log.CatLifecycle, "failed to post defer comment", err, "task", taskID)
		}
		l.issues.Invalidate(taskID)
	default:
		log.Warn(log.CatLifecycle, "unknown advance action", "task", taskID, "action", sig.Action)
	}
}

// recoveryContext assembles the sticky-retry kickoff: previous session id,
// current task state, and up to the last six verifier-authored comments.
func (l *Lifecycle) recoveryContext(ctx context.Context, taskID, prevSessionID string) string {
	var b strings.Builder
	b.WriteString("A previous verifier for this task exited without posting a lifecycle signal.\n")
	b.WriteString("You must finish the review and post advance_lifecycle or close.\n")
	if prevSessionID != "" {
		fmt.Fprintf(&b, "Previous verifier session: %s\n", prevSessionID)
	}

	if issue, err := l.store.Show(ctx, taskID); err == nil {
		fmt.Fprintf(&b, "\nTask %s [%s] %s\n", issue.ID, issue.Status, issue.Title)
		if issue.Description != "" {
			fmt.Fprintf(&b, "%s\n", issue.Description)
		}
	} else {
		log.Warn(log.CatLifecycle, "recovery context: show failed", "task", taskID, "error", err)
	}

	if comments, err := l.store.Comments(ctx, taskID); err == nil {
		var verifierComments []tasks.Comment
		for _, c := range comments {
			if strings.Contains(strings.ToLower(c.Author), "verifier") {
				verifierComments = append(verifierComments, c)
			}
		}
		if len(verifierComments) > recoveryCommentLimit {
			verifierComments = verifierComments[len(verifierComments)-recoveryCommentLimit:]
		}
		if len(verifierComments) > 0 {
			b.WriteString("\nRecent verifier comments:\n")
			for _, c := range verifierComments {
				fmt.Fprintf(&b, "- [%s] %s\n", c.Author, c.Text)
			}
		}
	}
	return b.String()
}

// Replace implements the replace_agent policy: validate the task, unblock it
// if needed, stop non-verifier agents, then spawn the requested role with
// the supplied context as kickoff.
func (l *Lifecycle) Replace(ctx context.Context, role, taskID, kickoff string) error {
	canonical := NormalizeReplaceRole(role)
	if canonical == "" {
		return fmt.Errorf("replace_agent: role %q is not replaceable", role)
	}
	issue, err := l.store.Show(ctx, taskID)
	if err != nil {
		return fmt.Errorf("replace_agent: task %s: %w", taskID, err)
	}
	if issue.Status == tasks.StatusClosed {
		return fmt.Errorf("replace_agent: task %s is closed", taskID)
	}
	if issue.Status == tasks.StatusBlocked {
		if err := l.store.UpdateStatus(ctx, taskID, tasks.StatusInProgress); err != nil {
			return fmt.Errorf("replace_agent: unblock %s: %w", taskID, err)
		}
		l.issues.Invalidate(taskID)
	}

	l.StopAgentsForTask(ctx, taskID, false, true)

	if _, err := l.spawnAttached(ctx, SpawnRequest{Role: canonical, TaskID: taskID, Kickoff: kickoff}); err != nil {
		return fmt.Errorf("replace_agent: %w", err)
	}
	return nil
}

// StopAgentsForTask marks matching active agents stopped and terminates
// their subprocesses. Verifiers are skipped unless includeVerifier. When
// wait is true the call blocks until all stops finish.
func (l *Lifecycle) StopAgentsForTask(ctx context.Context, taskID string, includeVerifier, wait bool) int {
	var stopping []*agent.Record
	for _, rec := range l.registry.GetActiveByTask(taskID, "") {
		if !includeVerifier && l.categoryOf(rec.Role) == roles.CategoryReviewer {
			continue
		}
		stopping = append(stopping, rec)
	}

	done := make(chan struct{}, len(stopping))
	for _, rec := range stopping {
		rec := rec
		go func() {
			l.stopAgent(ctx, rec)
			done <- struct{}{}
		}()
	}
	if wait {
		for range stopping {
			<-done
		}
	}
	return len(stopping)
}

// stopAgent transitions one agent to stopped and gracefully terminates its
// subprocess. Persisted state and slot cleanup are best-effort.
func (l *Lifecycle) stopAgent(ctx context.Context, rec *agent.Record) {
	l.registry.SetStatus(rec.ID, agent.StatusStopped)
	if rec.Process != nil {
		if err := rec.Process.Stop(ctx, l.stopGrace); err != nil {
			log.Warn(log.CatLifecycle, "agent stop error", "agent", rec.ID, "error", err)
		}
	}
	if rec.TasksAgentID != "" {
		if err := l.store.SetAgentState(ctx, rec.TasksAgentID, string(agent.StatusStopped)); err != nil {
			log.Debug(log.CatLifecycle, "failed to persist stopped state", "agent", rec.TasksAgentID, "error", err)
		}
		if err := l.store.ClearSlot(ctx, rec.TasksAgentID, "hook"); err != nil {
			log.Debug(log.CatLifecycle, "failed to clear hook slot", "agent", rec.TasksAgentID, "error", err)
		}
	}
	log.Info(log.CatLifecycle, "agent stopped", "agent", rec.ID, "task", rec.TaskID, "role", rec.Role)
}

// HandleExternalTaskClose clears lifecycle state when a task is closed from
// outside the verifier path (IPC close, external mutation): pending signals
// are dropped and every agent on the task, verifier included, is stopped.
func (l *Lifecycle) HandleExternalTaskClose(ctx context.Context, taskID string) {
	l.signals.Clear(taskID)
	n := l.StopAgentsForTask(ctx, taskID, true, false)
	l.issues.Invalidate(taskID)
	log.Info(log.CatLifecycle, "external close handled", "task", taskID, "agentsStopped", n)
}

// categoryOf resolves a role's category, treating undeclared roles as plain
// workers.
func (l *Lifecycle) categoryOf(role agent.Role) roles.Category {
	if r := l.roles.Get(string(role)); r != nil {
		return r.Capabilities.Category
	}
	return roles.CategoryWorker
}
