package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/zjrosen/foreman/internal/agent"
	"github.com/zjrosen/foreman/internal/config"
	"github.com/zjrosen/foreman/internal/log"
	"github.com/zjrosen/foreman/internal/roles"
	"github.com/zjrosen/foreman/internal/tasks"
	"github.com/zjrosen/foreman/internal/tasks/cache"
)

// waitPollInterval is how often wait_for_agent re-checks the registry.
const waitPollInterval = 50 * time.Millisecond

// Loop is the top-level driver. A single goroutine owns all dispatch
// decisions; IPC and watcher callers influence it only through Wake, the
// pause flag, and the synchronized registry and signal board.
type Loop struct {
	cfg        config.Config
	store      tasks.Client
	issues     *cache.IssueCache
	registry   *agent.Registry
	roles      *roles.Registry
	sched      *Scheduler
	signals    *SignalBoard
	complaints *ComplaintBoard
	lifecycle  *Lifecycle
	spawner    Spawner
	manager    *Manager
	engine     Engine

	wakeCh chan struct{}

	mu          sync.Mutex
	running     bool
	paused      bool
	reconciled  bool
	cancel      context.CancelFunc
	loopDone    chan struct{}
	lastSteerAt time.Time
}

// NewLoop wires the loop. The engine is chosen by the caller (autonomous or
// interactive) and receives the loop itself as its side-effect applier.
func NewLoop(cfg config.Config, store tasks.Client, issues *cache.IssueCache, registry *agent.Registry, rolesReg *roles.Registry, sched *Scheduler, signals *SignalBoard, complaints *ComplaintBoard, lifecycle *Lifecycle, spawner Spawner, manager *Manager) *Loop {
	l := &Loop{
		cfg:        cfg,
		store:      store,
		issues:     issues,
		registry:   registry,
		roles:      rolesReg,
		sched:      sched,
		signals:    signals,
		complaints: complaints,
		lifecycle:  lifecycle,
		spawner:    spawner,
		manager:    manager,
		wakeCh:     make(chan struct{}, 1),
	}
	lifecycle.SetAttach(manager.Attach)
	return l
}

// SetEngine installs the workflow engine. Must be called before Start.
func (l *Loop) SetEngine(engine Engine) { l.engine = engine }

// Engine returns the installed workflow engine.
func (l *Loop) Engine() Engine { return l.engine }

// Signals returns the per-task lifecycle signal board.
func (l *Loop) Signals() *SignalBoard { return l.signals }

// Complaints returns the complaint board.
func (l *Loop) Complaints() *ComplaintBoard { return l.complaints }

// Start launches the polling goroutine. Calling Start on a running loop is
// a no-op.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	l.running = true
	l.cancel = cancel
	l.loopDone = make(chan struct{})
	l.mu.Unlock()

	log.Info(log.CatLoop, "loop started", "pollInterval", l.cfg.PollInterval(), "maxWorkers", l.cfg.MaxWorkers)
	go l.run(loopCtx)
}

// Stop cancels the loop and waits for the current tick to finish.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	cancel := l.cancel
	done := l.loopDone
	l.running = false
	l.mu.Unlock()

	cancel()
	<-done
	log.Info(log.CatLoop, "loop stopped")
}

// Wake nudges the loop to tick now and clears pause.
func (l *Loop) Wake() {
	l.mu.Lock()
	l.paused = false
	l.mu.Unlock()
	select {
	case l.wakeCh <- struct{}{}:
	default:
	}
}

// Pause suppresses dispatch until Resume or Wake.
func (l *Loop) Pause() {
	l.mu.Lock()
	l.paused = true
	l.mu.Unlock()
	log.Info(log.CatLoop, "loop paused")
}

// Resume clears the pause flag and wakes the loop.
func (l *Loop) Resume() {
	l.Wake()
	log.Info(log.CatLoop, "loop resumed")
}

// IsRunning reports whether the polling goroutine is live.
func (l *Loop) IsRunning() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// IsPaused reports whether dispatch is suppressed.
func (l *Loop) IsPaused() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.paused
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.loopDone)

	ticker := time.NewTicker(l.cfg.PollInterval())
	defer ticker.Stop()

	for {
		l.tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-l.wakeCh:
		}
	}
}

// tick runs one scheduling pass. Every step is wrapped so a failing store
// call never stops the loop.
func (l *Loop) tick(ctx context.Context) {
	if l.IsPaused() {
		return
	}

	l.mu.Lock()
	needsReconcile := !l.reconciled
	l.reconciled = true
	l.mu.Unlock()

	if needsReconcile {
		l.reconcile(ctx)
	}

	l.steerTick(ctx)

	slots := l.availableWorkerSlots()
	if slots <= 0 {
		return
	}
	if _, err := l.StartTasks(ctx, slots); err != nil {
		log.ErrorErr(log.CatLoop, "tick dispatch failed", err)
	}
}

// reconcile resumes in_progress tasks that lost their agent (e.g. after a
// restart) by dispatching a worker, not a scout.
func (l *Loop) reconcile(ctx context.Context) {
	orphaned, err := l.sched.GetInProgressTasksWithoutAgent(ctx, l.cfg.MaxWorkers)
	if err != nil {
		log.ErrorErr(log.CatLoop, "startup reconciliation failed", err)
		return
	}
	for _, task := range orphaned {
		log.Info(log.CatLoop, "resuming orphaned task", "task", task.ID)
		kickoff := fmt.Sprintf("Task %s was in progress but its agent is gone. Review current state and continue the work.", task.ID)
		if _, err := l.ApplySpawn(ctx, "implementer", task.ID, kickoff); err != nil {
			log.ErrorErr(log.CatLoop, "failed to resume task", err, "task", task.ID)
		}
	}
}

// steerTick delivers periodic steering prompts to roles that configure
// them.
func (l *Loop) steerTick(ctx context.Context) {
	interval := l.cfg.SteeringInterval()
	l.mu.Lock()
	due := time.Since(l.lastSteerAt) >= interval
	if due {
		l.lastSteerAt = time.Now()
	}
	l.mu.Unlock()
	if !due {
		return
	}

	for _, rec := range l.registry.GetActive() {
		role := l.roles.Get(string(rec.Role))
		if role == nil || role.Steering == nil {
			continue
		}
		prompt := role.Steering.Prompt
		if prompt == "" {
			prompt = "Status check: report progress and continue."
		}
		if err := rec.Process.Send(ctx, prompt); err != nil {
			log.Debug(log.CatLoop, "steering prompt not delivered", "agent", rec.ID, "error", err)
		}
	}
}

// availableWorkerSlots counts how many more worker-category agents may run.
func (l *Loop) availableWorkerSlots() int {
	active := 0
	for _, rec := range l.registry.GetActive() {
		if l.roles.IsWorker(string(rec.Role)) {
			active++
		}
	}
	slots := l.cfg.MaxWorkers - active
	if slots < 0 {
		return 0
	}
	return slots
}

// StartTasks claims and dispatches up to count ready tasks, returning how
// many dispatches succeeded.
func (l *Loop) StartTasks(ctx context.Context, count int) (int, error) {
	if count > l.availableWorkerSlots() {
		count = l.availableWorkerSlots()
	}
	if count <= 0 {
		return 0, nil
	}
	next, err := l.sched.GetNextTasks(ctx, count)
	if err != nil {
		return 0, err
	}

	started := 0
	for _, task := range next {
		claimed, err := l.sched.TryClaim(ctx, task.ID)
		if err != nil {
			log.ErrorErr(log.CatLoop, "claim failed", err, "task", task.ID)
			continue
		}
		if !claimed {
			continue
		}
		result := l.engine.Dispatch(ctx, "implementer", task)
		if result.Err != nil {
			log.ErrorErr(log.CatLoop, "dispatch failed", result.Err, "task", task.ID)
			continue
		}
		if result.Success {
			started++
		}
	}
	if started > 0 {
		log.Info(log.CatLoop, "tasks dispatched", "count", started)
	}
	return started, nil
}

// BroadcastToWorkers forwards a message to every active worker-category
// agent, returning the delivery count.
func (l *Loop) BroadcastToWorkers(ctx context.Context, message string) int {
	delivered := 0
	for _, rec := range l.registry.GetActive() {
		if !l.roles.IsWorker(string(rec.Role)) {
			continue
		}
		if err := rec.Process.Send(ctx, message); err != nil {
			log.Warn(log.CatLoop, "broadcast delivery failed", "agent", rec.ID, "error", err)
			continue
		}
		delivered++
	}
	return delivered
}

// InterruptAgent delivers an urgent prompt to all active non-verifier
// agents on the task. The task must exist.
func (l *Loop) InterruptAgent(ctx context.Context, taskID, message string) error {
	if _, err := l.store.Show(ctx, taskID); err != nil {
		return fmt.Errorf("interrupt_agent: task %s: %w", taskID, err)
	}
	for _, rec := range l.registry.GetActiveByTask(taskID, "") {
		if l.isReviewer(rec.Role) {
			continue
		}
		if err := rec.Process.Interrupt(ctx, message); err != nil {
			log.Warn(log.CatLoop, "interrupt delivery failed", "agent", rec.ID, "error", err)
		}
	}
	return nil
}

// SteerAgent delivers a steering prompt to the task's active non-verifier
// agents. Unlike interrupt, at least one such agent must exist.
func (l *Loop) SteerAgent(ctx context.Context, taskID, message string) error {
	if _, err := l.store.Show(ctx, taskID); err != nil {
		if tasks.IsNotFound(err) {
			return fmt.Errorf("steer_agent: task %s does not exist", taskID)
		}
		return fmt.Errorf("steer_agent: task %s: %w", taskID, err)
	}
	var targets []*agent.Record
	for _, rec := range l.registry.GetActiveByTask(taskID, "") {
		if !l.isReviewer(rec.Role) {
			targets = append(targets, rec)
		}
	}
	if len(targets) == 0 {
		return fmt.Errorf("steer_agent: no active agent on task %s", taskID)
	}
	for _, rec := range targets {
		if err := rec.Process.Send(ctx, message); err != nil {
			log.Warn(log.CatLoop, "steering delivery failed", "agent", rec.ID, "error", err)
		}
	}
	return nil
}

// ReplaceAgent stops the task's current agent of the given role and spawns a
// fresh one with the supplied kickoff. Rejected while the loop is paused.
func (l *Loop) ReplaceAgent(ctx context.Context, role, taskID, kickoff string) error {
	if l.IsPaused() {
		return fmt.Errorf("replace_agent: loop is paused")
	}
	return l.lifecycle.Replace(ctx, role, taskID, kickoff)
}

// StopAgentsForTask stops the task's agents, optionally waiting.
func (l *Loop) StopAgentsForTask(ctx context.Context, taskID string, includeVerifier, wait bool) int {
	return l.lifecycle.StopAgentsForTask(ctx, taskID, includeVerifier, wait)
}

// StopAllAgentsAndPause stops every active agent and pauses dispatch until
// Resume.
func (l *Loop) StopAllAgentsAndPause(ctx context.Context) int {
	l.Pause()
	stopped := 0
	seen := make(map[string]bool)
	for _, rec := range l.registry.GetActive() {
		if rec.TaskID != "" && !seen[rec.TaskID] {
			seen[rec.TaskID] = true
			stopped += l.lifecycle.StopAgentsForTask(ctx, rec.TaskID, true, true)
		}
	}
	return stopped
}

// Complain registers a file-level complaint.
func (l *Loop) Complain(complainant, reason string, files []string) bool {
	return l.complaints.Register(complainant, reason, files)
}

// RevokeComplaint removes complaints for the given files (all when empty).
func (l *Loop) RevokeComplaint(complainant string, files []string) int {
	return l.complaints.Revoke(complainant, files)
}

// WaitForAgent polls until the agent reaches a terminal status or the
// timeout elapses. Returns the final status, "not_found" for unknown ids,
// or ok=false on timeout.
func (l *Loop) WaitForAgent(ctx context.Context, agentID string, timeout time.Duration) (status string, ok bool) {
	deadline := time.Now().Add(timeout)
	for {
		rec := l.registry.Get(agentID)
		if rec == nil {
			rec = l.registry.GetByTasksAgentID(agentID)
		}
		if rec == nil {
			return "not_found", true
		}
		if summary := l.registry.Summarize(rec.ID); summary != nil && summary.Status.IsTerminal() {
			return string(summary.Status), true
		}
		if time.Now().After(deadline) {
			return "", false
		}
		select {
		case <-ctx.Done():
			return "", false
		case <-time.After(waitPollInterval):
		}
	}
}

// HandleTaskClosed reacts to a task close from any path: lifecycle cleanup,
// then dispatch of newly unblocked tasks.
func (l *Loop) HandleTaskClosed(ctx context.Context, taskID string) {
	l.lifecycle.HandleExternalTaskClose(ctx, taskID)
	unblocked, err := l.sched.FindTasksUnblockedBy(ctx, taskID)
	if err != nil {
		log.ErrorErr(log.CatLoop, "unblock scan failed", err, "task", taskID)
		return
	}
	if len(unblocked) > 0 {
		log.Info(log.CatLoop, "tasks unblocked by close", "task", taskID, "count", len(unblocked))
		l.Wake()
	}
}

func (l *Loop) isReviewer(role agent.Role) bool {
	if r := l.roles.Get(string(role)); r != nil {
		return r.Capabilities.Category == roles.CategoryReviewer
	}
	return false
}

// Applier implementation: the workflow engines call back into the loop to
// apply side effects.

var _ Applier = (*Loop)(nil)

// ApplyComment posts a comment on the task.
func (l *Loop) ApplyComment(ctx context.Context, taskID, text, actor string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	return l.store.Comment(ctx, taskID, text, actor)
}

// ApplyStatus updates the task's status and invalidates its cache entry.
func (l *Loop) ApplyStatus(ctx context.Context, taskID string, status tasks.Status) error {
	if err := l.store.UpdateStatus(ctx, taskID, status); err != nil {
		return err
	}
	l.issues.Invalidate(taskID)
	return nil
}

// ApplySpawn starts an agent for the role bound to the task and attaches
// event handling.
func (l *Loop) ApplySpawn(ctx context.Context, role, taskID, kickoff string) (string, error) {
	rec, err := l.spawner.Spawn(ctx, SpawnRequest{Role: role, TaskID: taskID, Kickoff: kickoff})
	if err != nil {
		return "", err
	}
	l.manager.Attach(rec)
	return rec.ID, nil
}
