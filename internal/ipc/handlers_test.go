package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/foreman/internal/agent"
	"github.com/zjrosen/foreman/internal/config"
	"github.com/zjrosen/foreman/internal/orchestrator"
	"github.com/zjrosen/foreman/internal/roles"
	"github.com/zjrosen/foreman/internal/tasks"
	"github.com/zjrosen/foreman/internal/tasks/cache"
	"github.com/zjrosen/foreman/internal/testutil"
)

// stubSpawner satisfies orchestrator.Spawner without real subprocesses.
type stubSpawner struct {
	mu   sync.Mutex
	reqs []orchestrator.SpawnRequest
}

func (s *stubSpawner) Spawn(ctx context.Context, req orchestrator.SpawnRequest) (*agent.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reqs = append(s.reqs, req)
	return &agent.Record{
		ID:      fmt.Sprintf("spawned-%d", len(s.reqs)),
		Role:    agent.Role(req.Role),
		TaskID:  req.TaskID,
		Status:  agent.StatusRunning,
		Process: testutil.NewFakeProcess(1),
	}, nil
}

func (s *stubSpawner) requests() []orchestrator.SpawnRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]orchestrator.SpawnRequest(nil), s.reqs...)
}

type handlerFixture struct {
	handler  *Handler
	loop     *orchestrator.Loop
	store    *testutil.FakeStore
	registry *agent.Registry
	spawner  *stubSpawner
}

func newHandlerFixture(t *testing.T, issues ...tasks.Issue) *handlerFixture {
	t.Helper()
	cfg := config.Default()
	store := testutil.NewFakeStore(issues...)
	issuesCache := cache.New(store, cache.DefaultTTL)
	registry := agent.NewRegistry(store)
	rolesReg := roles.Default()
	signals := orchestrator.NewSignalBoard()
	complaints := orchestrator.NewComplaintBoard()
	sched := orchestrator.NewScheduler(store, issuesCache, registry)
	spawner := &stubSpawner{}
	lc := orchestrator.NewLifecycle(store, issuesCache, registry, signals, rolesReg, spawner)
	manager := orchestrator.NewManager(context.Background(), registry, store, lc, complaints, rolesReg, nil, t.TempDir(), nil)
	t.Cleanup(manager.Close)

	loop := orchestrator.NewLoop(cfg, store, issuesCache, registry, rolesReg, sched, signals, complaints, lc, spawner, manager)
	loop.SetEngine(orchestrator.NewAutonomousEngine(loop))
	return &handlerFixture{
		handler:  NewHandler(loop, registry, store),
		loop:     loop,
		store:    store,
		registry: registry,
		spawner:  spawner,
	}
}

func (f *handlerFixture) addAgent(id string, role agent.Role, taskID string) *testutil.FakeProcess {
	proc := testutil.NewFakeProcess(9)
	f.registry.Register(&agent.Record{ID: id, Role: role, TaskID: taskID, Process: proc})
	return proc
}

func asMap(t *testing.T, v any) map[string]any {
	t.Helper()
	m, ok := v.(map[string]any)
	require.True(t, ok, "expected map response, got %T", v)
	return m
}

func TestHandle_WakeReturnsNil(t *testing.T) {
	f := newHandlerFixture(t)
	assert.Nil(t, f.handler.Handle(context.Background(), &Message{Type: TypeWake}))
}

func TestHandle_StartTasks(t *testing.T) {
	f := newHandlerFixture(t, testutil.Issue("t-1"))

	resp := asMap(t, f.handler.Handle(context.Background(), &Message{Type: TypeStartTasks, Count: 5}))
	assert.Equal(t, true, resp["ok"])
	assert.Equal(t, 1, resp["started"])
	assert.Equal(t, tasks.StatusInProgress, f.store.Get("t-1").Status)
}

func TestHandle_SteerAgentErrorShape(t *testing.T) {
	f := newHandlerFixture(t)

	resp := asMap(t, f.handler.Handle(context.Background(), &Message{Type: TypeSteerAgent, TaskID: "t-missing", Text: "go"}))
	assert.Equal(t, false, resp["ok"])
	assert.Equal(t, "steer_agent: task t-missing does not exist", resp["error"])
}

func TestHandle_SteerAgentDelivers(t *testing.T) {
	f := newHandlerFixture(t, testutil.Issue("t-1"))
	proc := f.addAgent("w-1", agent.RoleImplementer, "t-1")

	resp := asMap(t, f.handler.Handle(context.Background(), &Message{Type: TypeSteerAgent, TaskID: "t-1", Text: "focus"}))
	assert.Equal(t, true, resp["ok"])
	assert.Equal(t, []string{"focus"}, proc.Sent)
}

func TestHandle_AdvanceLifecyclePostsSignals(t *testing.T) {
	f := newHandlerFixture(t)
	ctx := context.Background()

	f.handler.Handle(ctx, &Message{Type: TypeAdvanceLifecycle, TaskID: "t-1", LifecycleAction: "close", Reason: "done", AgentID: "v-1"})
	adv, cl := f.loop.Signals().TakeSignals("t-1")
	assert.Nil(t, adv)
	require.NotNil(t, cl)
	assert.Equal(t, "done", cl.Reason)

	f.handler.Handle(ctx, &Message{Type: TypeAdvanceLifecycle, TaskID: "t-1", LifecycleAction: "block", Reason: "stuck", Text: "needs creds"})
	adv, _ = f.loop.Signals().TakeSignals("t-1")
	require.NotNil(t, adv)
	assert.Equal(t, orchestrator.AdvanceDefer, adv.Action)
	assert.Equal(t, "needs creds", adv.Message)

	f.handler.Handle(ctx, &Message{Type: TypeAdvanceLifecycle, TaskID: "t-1", LifecycleAction: "advance", Target: "scout"})
	adv, _ = f.loop.Signals().TakeSignals("t-1")
	require.NotNil(t, adv)
	assert.Equal(t, orchestrator.AdvanceScout, adv.Action)

	f.handler.Handle(ctx, &Message{Type: TypeAdvanceLifecycle, TaskID: "t-1", LifecycleAction: "advance", Target: "worker"})
	adv, _ = f.loop.Signals().TakeSignals("t-1")
	require.NotNil(t, adv)
	assert.Equal(t, orchestrator.AdvanceWorker, adv.Action)
}

func TestHandle_Broadcast(t *testing.T) {
	f := newHandlerFixture(t)
	worker := f.addAgent("w-1", agent.RoleImplementer, "t-1")
	f.addAgent("v-1", agent.RoleVerifier, "t-1")

	resp := asMap(t, f.handler.Handle(context.Background(), &Message{Type: TypeBroadcast, Text: "wrap up"}))
	assert.Equal(t, 1, resp["delivered"])
	assert.Equal(t, []string{"wrap up"}, worker.Sent)
}

func TestHandle_ComplainAndRevoke(t *testing.T) {
	f := newHandlerFixture(t)
	ctx := context.Background()

	resp := asMap(t, f.handler.Handle(ctx, &Message{Type: TypeComplain, Complainant: "a-1", Reason: "contested", Files: []string{"a.go"}}))
	assert.Equal(t, true, resp["ok"])

	resp = asMap(t, f.handler.Handle(ctx, &Message{Type: TypeComplain, Complainant: "", Files: []string{"a.go"}}))
	assert.Equal(t, false, resp["ok"])

	resp = asMap(t, f.handler.Handle(ctx, &Message{Type: TypeRevokeComplaint, Complainant: "a-1"}))
	assert.Equal(t, 1, resp["revoked"])
}

func TestHandle_WaitForAgent(t *testing.T) {
	f := newHandlerFixture(t)
	ctx := context.Background()

	resp := asMap(t, f.handler.Handle(ctx, &Message{Type: TypeWaitForAgent, AgentID: "ghost", TimeoutMs: 100}))
	assert.Equal(t, true, resp["ok"])
	assert.Equal(t, "not_found", resp["status"])

	f.addAgent("a-1", agent.RoleImplementer, "t-1")
	f.registry.SetStatus("a-1", agent.StatusDone)
	resp = asMap(t, f.handler.Handle(ctx, &Message{Type: TypeWaitForAgent, AgentID: "a-1", TimeoutMs: 1000}))
	assert.Equal(t, "done", resp["status"])

	f.addAgent("a-2", agent.RoleImplementer, "t-2")
	resp = asMap(t, f.handler.Handle(ctx, &Message{Type: TypeWaitForAgent, AgentID: "a-2", TimeoutMs: 120}))
	assert.Equal(t, false, resp["ok"])
	assert.Equal(t, true, resp["timeout"])
}

func TestHandle_ListActiveAgents(t *testing.T) {
	f := newHandlerFixture(t)
	f.addAgent("a-1", agent.RoleImplementer, "t-1")
	f.addAgent("a-2", agent.RoleVerifier, "t-1")
	f.registry.SetStatus("a-2", agent.StatusDone)

	resp := asMap(t, f.handler.Handle(context.Background(), &Message{Type: TypeListActiveAgents}))
	agents, ok := resp["agents"].([]agent.Summary)
	require.True(t, ok)
	require.Len(t, agents, 1)
	assert.Equal(t, "a-1", agents[0].ID)
}

func TestHandle_ListTaskAgentsMergesPersisted(t *testing.T) {
	f := newHandlerFixture(t,
		testutil.Issue("agent-9", testutil.WithType(tasks.TypeAgent), testutil.WithHookTask("t-1")),
		testutil.Issue("agent-7", testutil.WithType(tasks.TypeAgent), testutil.WithHookTask("t-1"),
			testutil.WithStatus("stopped")),
		testutil.Issue("agent-5", testutil.WithType(tasks.TypeAgent), testutil.WithHookTask("t-2")),
	)
	f.registry.Register(&agent.Record{ID: "local-1", TasksAgentID: "agent-9", Role: agent.RoleImplementer, TaskID: "t-1"})

	resp := asMap(t, f.handler.Handle(context.Background(), &Message{Type: TypeListTaskAgents, TaskID: "t-1"}))
	agents, ok := resp["agents"].([]taskAgent)
	require.True(t, ok)
	require.Len(t, agents, 2)

	ids := []string{agents[0].ID, agents[1].ID}
	assert.Contains(t, ids, "local-1")
	assert.Contains(t, ids, "agent-7")
	for _, a := range agents {
		if a.ID == "local-1" {
			assert.True(t, a.Live)
			assert.Equal(t, "agent-9", a.TasksAgentID)
		}
		if a.ID == "agent-7" {
			assert.False(t, a.Live)
			assert.Equal(t, "stopped", a.Status)
		}
	}
}

func TestHandle_ReadMessageHistoryBindingCheck(t *testing.T) {
	f := newHandlerFixture(t)
	f.addAgent("a-1", agent.RoleImplementer, "t-1")

	resp := asMap(t, f.handler.Handle(context.Background(), &Message{Type: TypeReadMessageHistory, AgentID: "a-1", TaskID: "t-other"}))
	assert.Equal(t, false, resp["ok"])

	resp = asMap(t, f.handler.Handle(context.Background(), &Message{Type: TypeReadMessageHistory, AgentID: "a-1", TaskID: "t-1"}))
	assert.Equal(t, true, resp["ok"])
}

func TestHandle_StopAgentsForTask(t *testing.T) {
	f := newHandlerFixture(t, testutil.Issue("t-1"))
	f.addAgent("w-1", agent.RoleImplementer, "t-1")
	f.addAgent("v-1", agent.RoleVerifier, "t-1")

	resp := asMap(t, f.handler.Handle(context.Background(), &Message{
		Type: TypeStopAgentsForTask, TaskID: "t-1", IncludeVerifier: false, WaitForCompletion: true,
	}))
	assert.Equal(t, 1, resp["stopped"])
	assert.Equal(t, agent.StatusStopped, f.registry.Get("w-1").Status)
	assert.Equal(t, agent.StatusRunning, f.registry.Get("v-1").Status)
}

func TestHandle_ReplaceAgent(t *testing.T) {
	f := newHandlerFixture(t, testutil.Issue("t-1", testutil.WithStatus(tasks.StatusBlocked)))

	resp := asMap(t, f.handler.Handle(context.Background(), &Message{
		Type: TypeReplaceAgent, Role: "worker", TaskID: "t-1", Context: "ctx",
	}))
	assert.Equal(t, true, resp["ok"])
	assert.Equal(t, tasks.StatusInProgress, f.store.Get("t-1").Status)

	reqs := f.spawner.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "implementer", reqs[0].Role)
	assert.Equal(t, "ctx", reqs[0].Kickoff)
}

// auditEvents decodes the audit payloads recorded on the system agent
// stream for the given action.
func auditEvents(t *testing.T, registry *agent.Registry, action string) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, ev := range registry.EventsTail(agent.SystemAgentID, 100) {
		if ev.Type != "audit" {
			continue
		}
		var payload map[string]any
		require.NoError(t, json.Unmarshal(ev.Raw, &payload))
		if payload["action"] == action {
			out = append(out, payload)
		}
	}
	return out
}
