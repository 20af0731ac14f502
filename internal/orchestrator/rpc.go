package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/zjrosen/foreman/internal/agent"
	"github.com/zjrosen/foreman/internal/debounce"
	"github.com/zjrosen/foreman/internal/log"
	"github.com/zjrosen/foreman/internal/pubsub"
	"github.com/zjrosen/foreman/internal/roles"
	"github.com/zjrosen/foreman/internal/sessions"
	"github.com/zjrosen/foreman/internal/tasks"
)

// AgentUpdate is published on the manager's event broker for every handled
// agent event, so observers (UI, log tail) can follow activity.
type AgentUpdate struct {
	AgentID string
	TaskID  string
	Event   agent.Event
}

// Manager attaches to spawned agents' event streams and turns events into
// registry updates, persistence calls, and lifecycle transitions. Each
// record is attached exactly once.
type Manager struct {
	registry   *agent.Registry
	store      tasks.Client
	lifecycle  *Lifecycle
	complaints *ComplaintBoard
	roles      *roles.Registry
	sessions   *sessions.Store // nil when persistence is disabled
	project    string

	dirty  *debounce.Debouncer
	broker *pubsub.Broker[AgentUpdate]

	ctx context.Context

	mu       sync.Mutex
	attached map[string]bool
}

// NewManager wires a handler manager. onDirty is invoked under a
// leading-and-trailing debounce whenever agent state changes; sessionStore
// may be nil.
func NewManager(ctx context.Context, registry *agent.Registry, store tasks.Client, lifecycle *Lifecycle, complaints *ComplaintBoard, rolesReg *roles.Registry, sessionStore *sessions.Store, project string, onDirty func()) *Manager {
	if onDirty == nil {
		onDirty = func() {}
	}
	return &Manager{
		registry:   registry,
		store:      store,
		lifecycle:  lifecycle,
		complaints: complaints,
		roles:      rolesReg,
		sessions:   sessionStore,
		project:    project,
		dirty:      debounce.New(debounce.DefaultWindow, onDirty),
		broker:     pubsub.NewBroker[AgentUpdate](),
		ctx:        ctx,
		attached:   make(map[string]bool),
	}
}

// Subscribe returns a listener for agent updates, cleaned up with ctx.
func (m *Manager) Subscribe(ctx context.Context) *pubsub.Listener[AgentUpdate] {
	return pubsub.NewListener(ctx, m.broker)
}

// Close shuts the update broker and cancels pending dirty signals.
func (m *Manager) Close() {
	m.dirty.Stop()
	m.broker.Close()
}

// Attach starts event handling for a record. Attaching the same record id
// again is a no-op.
func (m *Manager) Attach(rec *agent.Record) {
	m.mu.Lock()
	if m.attached[rec.ID] {
		m.mu.Unlock()
		log.Debug(log.CatRPC, "record already attached", "agent", rec.ID)
		return
	}
	m.attached[rec.ID] = true
	m.mu.Unlock()

	go m.handleEvents(rec)
}

// handleEvents is the per-agent event loop. It preserves stream order: ring
// append, persistence, and dispatch all happen inline for each event.
func (m *Manager) handleEvents(rec *agent.Record) {
	var (
		sessionRowID      int64
		gotState          bool
		lastAssistantText string
		finalized         bool
	)

	if m.sessions != nil {
		id, err := m.sessions.RecordStart(sessions.Session{
			AgentID:      rec.ID,
			TasksAgentID: rec.TasksAgentID,
			SessionRef:   rec.SessionID,
			Role:         string(rec.Role),
			TaskID:       rec.TaskID,
			Project:      m.project,
			Status:       string(agent.StatusRunning),
		})
		if err != nil {
			log.Debug(log.CatSession, "session start not recorded", "agent", rec.ID, "error", err)
		} else {
			sessionRowID = id
		}
	}

	for ev := range rec.Process.Events() {
		m.registry.PushEvent(rec.ID, ev)

		if len(ev.Raw) > 0 && rec.TasksAgentID != "" {
			if err := m.store.RecordAgentEvent(m.ctx, rec.TasksAgentID, ev.Raw); err != nil {
				log.Debug(log.CatRPC, "event not persisted", "agent", rec.ID, "error", err)
			}
		}

		switch ev.Type {
		case agent.EventMessageUpdate:
			m.registry.SetStatus(rec.ID, agent.StatusWorking)

		case agent.EventMessageEnd:
			m.registry.SetStatus(rec.ID, agent.StatusPaused)
			if ev.Message != nil && ev.Message.Role == "assistant" {
				if text := ev.Message.Text(); text != "" {
					lastAssistantText = text
				}
			}
			if ev.HasAssistantUsage() {
				delta := agent.DeltaFromUsage(ev.Message.Usage)
				m.registry.ApplyUsageDelta(rec.ID, delta)
				m.snapshotUsage(rec, sessionRowID)
			}
			if !gotState {
				gotState = m.captureState(rec, sessionRowID)
			}

		case agent.EventAutoCompactionEnd:
			if ev.IsCompaction() {
				m.registry.IncrementCompactions(rec.ID)
			}

		case agent.EventAgentEnd:
			if !finalized {
				finalized = true
				m.finalize(rec, agent.StatusDone, sessionRowID)
				m.routeAgentEnd(rec, lastAssistantText)
			}

		case agent.EventRPCExit:
			status := agent.StatusDone
			if ev.ExitCode != 0 || ev.Error != "" {
				status = agent.StatusDead
				log.Error(log.CatRPC, "agent subprocess crashed",
					"agent", rec.ID, "task", rec.TaskID, "exitCode", ev.ExitCode, "error", ev.Error)
			}
			if !finalized {
				finalized = true
				m.finalize(rec, status, sessionRowID)
				if status == agent.StatusDead {
					// A crash without agent_end still needs lifecycle
					// routing so the task does not stall.
					m.routeAgentEnd(rec, lastAssistantText)
				}
			}
		}

		m.broker.Publish(pubsub.UpdatedEvent, AgentUpdate{AgentID: rec.ID, TaskID: rec.TaskID, Event: ev})
		m.dirty.Trigger()
	}
}

// captureState queries the subprocess for model and context window. Returns
// true once a successful reply was recorded.
func (m *Manager) captureState(rec *agent.Record, sessionRowID int64) bool {
	ctx, cancel := context.WithTimeout(m.ctx, 5*time.Second)
	defer cancel()
	st, err := rec.Process.GetState(ctx)
	if err != nil {
		log.Debug(log.CatRPC, "getState failed, will retry", "agent", rec.ID, "error", err)
		return false
	}
	m.registry.SetRuntimeState(rec.ID, st)
	if m.sessions != nil && sessionRowID != 0 {
		if err := m.sessions.UpdateRuntime(sessionRowID, st.SessionID, st.Model, st.ContextWindow); err != nil {
			log.Debug(log.CatSession, "runtime not recorded", "agent", rec.ID, "error", err)
		}
	}
	return true
}

// snapshotUsage persists cumulative usage to the task store and the session
// database, both best-effort.
func (m *Manager) snapshotUsage(rec *agent.Record, sessionRowID int64) {
	summary := m.registry.Summarize(rec.ID)
	if summary == nil {
		return
	}
	snapshot := tasks.UsageSnapshot{
		InputTokens:      summary.Usage.Input,
		OutputTokens:     summary.Usage.Output,
		CacheReadTokens:  summary.Usage.CacheRead,
		CacheWriteTokens: summary.Usage.CacheWrite,
		TotalTokens:      summary.Usage.TotalTokens,
		CostUSD:          summary.Usage.CostUSD,
	}
	if rec.TasksAgentID != "" {
		if err := m.store.RecordAgentUsage(m.ctx, rec.TasksAgentID, snapshot); err != nil {
			log.Debug(log.CatRPC, "usage not persisted", "agent", rec.ID, "error", err)
		}
	}
	if m.sessions != nil && sessionRowID != 0 {
		if err := m.sessions.RecordUsage(sessionRowID, snapshot); err != nil {
			log.Debug(log.CatSession, "usage snapshot not recorded", "agent", rec.ID, "error", err)
		}
	}
}

// finalize runs the terminal-transition cleanup: status, complaint
// revocation, persisted agent state, hook slot, session row. Every step is
// best-effort.
func (m *Manager) finalize(rec *agent.Record, status agent.Status, sessionRowID int64) {
	m.registry.SetStatus(rec.ID, status)

	if n := m.complaints.RevokeAll(rec.ID); n > 0 {
		log.Info(log.CatRPC, "revoked complaints on terminal agent", "agent", rec.ID, "count", n)
	}
	if rec.TasksAgentID != "" {
		m.complaints.RevokeAll(rec.TasksAgentID)
		if err := m.store.SetAgentState(m.ctx, rec.TasksAgentID, string(status)); err != nil {
			log.Debug(log.CatRPC, "agent state not persisted", "agent", rec.TasksAgentID, "error", err)
		}
		if err := m.store.ClearSlot(m.ctx, rec.TasksAgentID, "hook"); err != nil {
			log.Debug(log.CatRPC, "hook slot not cleared", "agent", rec.TasksAgentID, "error", err)
		}
	}
	if m.sessions != nil && sessionRowID != 0 {
		summary := m.registry.Summarize(rec.ID)
		compactions := 0
		if summary != nil {
			compactions = summary.CompactionCount
		}
		if err := m.sessions.RecordEnd(sessionRowID, string(status), compactions); err != nil {
			log.Debug(log.CatSession, "session end not recorded", "agent", rec.ID, "error", err)
		}
	}
	log.Info(log.CatRPC, "agent finished", "agent", rec.ID, "task", rec.TaskID, "role", rec.Role, "status", status)
}

// routeAgentEnd applies the role-dependent terminal routing. Decisions
// switch on the role's category, not its name.
func (m *Manager) routeAgentEnd(rec *agent.Record, lastAssistantText string) {
	if rec.TaskID == "" {
		return
	}
	category := roles.CategoryWorker
	if r := m.roles.Get(string(rec.Role)); r != nil {
		category = r.Capabilities.Category
	}
	switch category {
	case roles.CategoryWorker:
		m.lifecycle.HandleWorkerExit(m.ctx, rec.TaskID, lastAssistantText)
	case roles.CategoryReviewer:
		summary := m.registry.Summarize(rec.ID)
		prevSession := ""
		if summary != nil {
			prevSession = summary.SessionID
		}
		m.lifecycle.HandleVerifierExit(m.ctx, rec.TaskID, prevSession)
	default:
		log.Info(log.CatRPC, "agent finished without follow-up", "agent", rec.ID, "role", rec.Role)
	}
}
