package agent

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zjrosen/foreman/internal/log"
	"github.com/zjrosen/foreman/internal/tasks"
)

// SystemAgentID is the synthetic registry entry that receives orchestrator
// audit events (external task mutations, complaint notices). It has no
// subprocess and never terminates.
const SystemAgentID = "system"

// Registry tracks live agents in memory. It is the single source of truth for
// which subprocesses exist, what task each serves, and their event history.
//
// Terminal records are kept (not evicted) so history remains readable until
// Prune is called; only one live (non-terminal) agent may exist per (task,
// role) pair, enforced by the lifecycle engine rather than here.
type Registry struct {
	mu      sync.RWMutex
	byID    map[string]*Record
	store   tasks.Client
	ringCap int
}

// NewRegistry creates an empty registry with the default event buffer size.
// The store is used for transcript fallback reads and task-binding checks on
// non-live agents.
func NewRegistry(store tasks.Client) *Registry {
	return NewRegistryWithBuffer(store, DefaultRingCapacity)
}

// NewRegistryWithBuffer creates an empty registry whose per-agent event rings
// hold up to size events. A non-positive size uses DefaultRingCapacity.
func NewRegistryWithBuffer(store tasks.Client, size int) *Registry {
	if size <= 0 {
		size = DefaultRingCapacity
	}
	r := &Registry{
		byID:    make(map[string]*Record),
		store:   store,
		ringCap: size,
	}
	r.byID[SystemAgentID] = &Record{
		ID:        SystemAgentID,
		Role:      "system",
		Status:    StatusRunning,
		SpawnedAt: time.Now(),
		events:    NewEventRing(size),
	}
	return r
}

// NewID returns a fresh local agent id.
func NewID() string {
	return uuid.NewString()
}

// Register adds a record for a newly spawned agent. Registering an id that
// already exists replaces the old record; the caller is responsible for
// having stopped the prior subprocess.
func (r *Registry) Register(rec *Record) {
	if rec.ID == "" {
		rec.ID = NewID()
	}
	if rec.SpawnedAt.IsZero() {
		rec.SpawnedAt = time.Now()
	}
	rec.LastActivity = rec.SpawnedAt
	if rec.Status == "" {
		rec.Status = StatusRunning
	}
	if rec.events == nil {
		rec.events = NewEventRing(r.ringCap)
	}

	r.mu.Lock()
	if old, ok := r.byID[rec.ID]; ok && old != rec {
		log.Warn(log.CatRegistry, "replacing existing agent record", "id", rec.ID, "task", rec.TaskID)
	}
	r.byID[rec.ID] = rec
	r.mu.Unlock()

	log.Info(log.CatRegistry, "agent registered",
		"id", rec.ID, "tasksAgentId", rec.TasksAgentID, "role", rec.Role, "task", rec.TaskID)
}

// Get returns the record for a local id, or nil.
func (r *Registry) Get(id string) *Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[id]
}

// GetByTasksAgentID returns the record whose persisted store id matches.
func (r *Registry) GetByTasksAgentID(id string) *Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rec := range r.byID {
		if rec.TasksAgentID == id {
			return rec
		}
	}
	return nil
}

// GetByTask returns all records bound to taskID, newest first.
func (r *Registry) GetByTask(taskID string) []*Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Record
	for _, rec := range r.byID {
		if rec.TaskID == taskID && rec.ID != SystemAgentID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SpawnedAt.After(out[j].SpawnedAt)
	})
	return out
}

// GetActiveByTask returns non-terminal records bound to taskID, optionally
// filtered by role (empty role matches all).
func (r *Registry) GetActiveByTask(taskID string, role Role) []*Record {
	var out []*Record
	for _, rec := range r.GetByTask(taskID) {
		if rec.Status.IsTerminal() {
			continue
		}
		if role != "" && rec.Role != role {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// GetActive returns all non-terminal records except the system entry.
func (r *Registry) GetActive() []*Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Record
	for _, rec := range r.byID {
		if rec.ID == SystemAgentID || rec.Status.IsTerminal() {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SpawnedAt.Before(out[j].SpawnedAt)
	})
	return out
}

// ListActiveSummaries returns copyable views of all active agents.
func (r *Registry) ListActiveSummaries() []Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Summary
	for _, rec := range r.byID {
		if rec.ID == SystemAgentID || rec.Status.IsTerminal() {
			continue
		}
		out = append(out, rec.summary())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SpawnedAt.Before(out[j].SpawnedAt)
	})
	return out
}

// Summarize returns a copyable view of one record, or nil.
func (r *Registry) Summarize(id string) *Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.byID[id]
	if !ok {
		return nil
	}
	s := rec.summary()
	return &s
}

// PushEvent appends an event to the agent's ring and bumps its activity
// timestamp. Unknown ids are dropped with a warning.
func (r *Registry) PushEvent(id string, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byID[id]
	if !ok {
		log.Warn(log.CatRegistry, "event for unknown agent dropped", "id", id, "type", ev.Type)
		return
	}
	rec.events.Append(ev)
	rec.LastActivity = ev.Timestamp
	if rec.LastActivity.IsZero() {
		rec.LastActivity = time.Now()
	}
}

// PushSystemEvent records an orchestrator audit event on the system stream.
func (r *Registry) PushSystemEvent(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	r.PushEvent(SystemAgentID, ev)
}

// EventsTail returns the newest n buffered events for an agent, oldest
// first. Unknown ids return nil.
func (r *Registry) EventsTail(id string, n int) []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.byID[id]
	if !ok {
		return nil
	}
	return rec.events.Tail(n)
}

// SetStatus transitions the agent's status. Terminal statuses are sticky:
// once terminal, further transitions are ignored.
func (r *Registry) SetStatus(id string, status Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byID[id]
	if !ok {
		return
	}
	if rec.Status.IsTerminal() {
		return
	}
	if rec.Status != status {
		log.Debug(log.CatRegistry, "agent status change", "id", id, "from", rec.Status, "to", status)
	}
	rec.Status = status
	rec.LastActivity = time.Now()
}

// ApplyUsageDelta folds a per-turn usage delta into the agent's cumulative
// counters and recomputes context occupancy (input + cacheRead of the latest
// turn approximates current context size).
func (r *Registry) ApplyUsageDelta(id string, d UsageDelta) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byID[id]
	if !ok {
		return
	}
	rec.Usage.Add(d)
	rec.ContextTokens = d.Input + d.CacheRead
	rec.LastActivity = time.Now()
}

// SetRuntimeState records the agent's self-reported model, context window and
// session id. Zero/empty values leave the existing ones untouched.
func (r *Registry) SetRuntimeState(id string, st *ProcessState) {
	if st == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byID[id]
	if !ok {
		return
	}
	if st.Model != "" {
		rec.Model = st.Model
	}
	if st.ContextWindow > 0 {
		rec.ContextWindow = st.ContextWindow
	}
	if st.SessionID != "" {
		rec.SessionID = st.SessionID
	}
}

// IncrementCompactions bumps the agent's compaction counter.
func (r *Registry) IncrementCompactions(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.byID[id]; ok {
		rec.CompactionCount++
	}
}

// Prune removes terminal records, returning how many were dropped.
func (r *Registry) Prune() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, rec := range r.byID {
		if id != SystemAgentID && rec.Status.IsTerminal() {
			delete(r.byID, id)
			n++
		}
	}
	return n
}

// resolve finds a record by local id, persisted store id, or the colon-suffix
// form some callers use (last segment of a colon-joined id).
func (r *Registry) resolve(id string) *Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rec, ok := r.byID[id]; ok {
		return rec
	}
	for _, rec := range r.byID {
		if rec.TasksAgentID == id {
			return rec
		}
	}
	if i := strings.LastIndex(id, ":"); i >= 0 {
		suffix := id[i+1:]
		if rec, ok := r.byID[suffix]; ok {
			return rec
		}
		for _, rec := range r.byID {
			if rec.TasksAgentID == suffix {
				return rec
			}
		}
	}
	return nil
}
