package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/foreman/internal/agent"
	"github.com/zjrosen/foreman/internal/roles"
	"github.com/zjrosen/foreman/internal/tasks"
	"github.com/zjrosen/foreman/internal/tasks/cache"
	"github.com/zjrosen/foreman/internal/testutil"
)

type managerFixture struct {
	manager    *Manager
	store      *testutil.FakeStore
	registry   *agent.Registry
	spawner    *fakeSpawner
	complaints *ComplaintBoard
}

func newManagerFixture(t *testing.T, issues ...tasks.Issue) *managerFixture {
	t.Helper()
	store := testutil.NewFakeStore(issues...)
	registry := agent.NewRegistry(store)
	rolesReg := roles.Default()
	spawner := &fakeSpawner{registry: registry}
	complaints := NewComplaintBoard()
	lc := NewLifecycle(store, cache.New(store, cache.DefaultTTL), registry, NewSignalBoard(), rolesReg, spawner)
	manager := NewManager(context.Background(), registry, store, lc, complaints, rolesReg, nil, t.TempDir(), nil)
	t.Cleanup(manager.Close)
	return &managerFixture{manager: manager, store: store, registry: registry, spawner: spawner, complaints: complaints}
}

func (f *managerFixture) attachAgent(id string, role agent.Role, taskID string) (*agent.Record, *testutil.FakeProcess) {
	proc := testutil.NewFakeProcess(77)
	rec := &agent.Record{ID: id, TasksAgentID: "store-" + id, Role: role, TaskID: taskID, Process: proc}
	f.registry.Register(rec)
	f.manager.Attach(rec)
	return rec, proc
}

func assistantMessageEnd(text string, usage *agent.UsageInfo) agent.Event {
	return agent.Event{
		Type: agent.EventMessageEnd,
		Message: &agent.Message{
			Role:    "assistant",
			Content: []agent.ContentBlock{{Type: "text", Text: text}},
			Usage:   usage,
		},
	}
}

func TestManager_MessageEndPausesAndFoldsUsage(t *testing.T) {
	f := newManagerFixture(t, testutil.Issue("t-1"))
	rec, proc := f.attachAgent("a-1", agent.RoleImplementer, "t-1")

	proc.Emit(agent.Event{Type: agent.EventMessageUpdate})
	proc.Emit(assistantMessageEnd("working on it", &agent.UsageInfo{Input: 100, Output: 10, TotalTokens: 110}))

	require.Eventually(t, func() bool {
		s := f.registry.Summarize(rec.ID)
		return s != nil && s.Status == agent.StatusPaused && s.Usage.TotalTokens == 110
	}, time.Second, 10*time.Millisecond)

	proc.Emit(assistantMessageEnd("still going", &agent.UsageInfo{Input: 50, Output: 5, TotalTokens: 55}))

	require.Eventually(t, func() bool {
		s := f.registry.Summarize(rec.ID)
		return s != nil && s.Usage.TotalTokens == 165
	}, time.Second, 10*time.Millisecond)
}

func TestManager_AgentEndRoutesWorkerToVerifier(t *testing.T) {
	f := newManagerFixture(t, testutil.Issue("t-1"))
	rec, proc := f.attachAgent("a-1", agent.RoleImplementer, "t-1")

	proc.Emit(assistantMessageEnd("all done, tests green", nil))
	proc.Emit(agent.Event{Type: agent.EventAgentEnd})

	require.Eventually(t, func() bool {
		return len(f.spawner.requests()) == 1
	}, time.Second, 10*time.Millisecond)

	reqs := f.spawner.requests()
	assert.Equal(t, "verifier", reqs[0].Role)
	assert.Equal(t, "t-1", reqs[0].TaskID)
	assert.Equal(t, "Worker output for review:\n\nall done, tests green", reqs[0].Kickoff)

	assert.Equal(t, agent.StatusDone, f.registry.Get(rec.ID).Status)
	assert.Equal(t, "done", f.store.AgentStates["store-a-1"])
	assert.Empty(t, f.store.Slots["store-a-1"]["hook"])
}

func TestManager_VerifierEndWithoutSignalRespawns(t *testing.T) {
	f := newManagerFixture(t, testutil.Issue("t-1", testutil.WithTitle("Fix login")))
	rec, proc := f.attachAgent("v-1", agent.RoleVerifier, "t-1")
	f.registry.SetRuntimeState(rec.ID, &agent.ProcessState{SessionID: "sess-1"})

	proc.Emit(agent.Event{Type: agent.EventAgentEnd})

	require.Eventually(t, func() bool {
		return len(f.spawner.requests()) == 1
	}, time.Second, 10*time.Millisecond)

	reqs := f.spawner.requests()
	assert.Equal(t, "verifier", reqs[0].Role)
	assert.Contains(t, reqs[0].Kickoff, "Previous verifier session: sess-1")
}

func TestManager_RPCExitNonzeroMarksDeadAndRoutes(t *testing.T) {
	f := newManagerFixture(t, testutil.Issue("t-1"))
	rec, proc := f.attachAgent("a-1", agent.RoleImplementer, "t-1")

	proc.Emit(agent.Event{Type: agent.EventRPCExit, ExitCode: 1, Error: "subprocess crashed"})

	require.Eventually(t, func() bool {
		return len(f.spawner.requests()) == 1
	}, time.Second, 10*time.Millisecond)

	assert.Equal(t, agent.StatusDead, f.registry.Get(rec.ID).Status)
	assert.Equal(t, "verifier", f.spawner.requests()[0].Role)
}

func TestManager_CleanRPCExitDoesNotDoubleFinalize(t *testing.T) {
	f := newManagerFixture(t, testutil.Issue("t-1"))
	rec, proc := f.attachAgent("a-1", agent.RoleImplementer, "t-1")

	proc.Emit(agent.Event{Type: agent.EventAgentEnd})
	proc.Emit(agent.Event{Type: agent.EventRPCExit, ExitCode: 0})
	proc.CloseEvents()

	require.Eventually(t, func() bool {
		return len(f.spawner.requests()) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, agent.StatusDone, f.registry.Get(rec.ID).Status)
}

func TestManager_TerminalRevokesComplaints(t *testing.T) {
	f := newManagerFixture(t, testutil.Issue("t-1"))
	rec, proc := f.attachAgent("a-1", agent.RoleImplementer, "t-1")
	require.True(t, f.complaints.Register(rec.ID, "contested", []string{"a.go"}))
	require.True(t, f.complaints.Register(rec.TasksAgentID, "contested", []string{"b.go"}))

	proc.Emit(agent.Event{Type: agent.EventAgentEnd})

	require.Eventually(t, func() bool {
		return len(f.complaints.List()) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestManager_AttachIsIdempotent(t *testing.T) {
	f := newManagerFixture(t, testutil.Issue("t-1"))
	rec, proc := f.attachAgent("a-1", agent.RoleImplementer, "t-1")

	// A second attach must not start a second consumer.
	f.manager.Attach(rec)

	proc.Emit(agent.Event{Type: agent.EventAgentEnd})
	require.Eventually(t, func() bool {
		return len(f.spawner.requests()) == 1
	}, time.Second, 10*time.Millisecond)

	// Give a duplicate consumer a chance to double-route, then confirm it
	// did not.
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, f.spawner.requests(), 1)
}

func TestManager_CompactionCounted(t *testing.T) {
	f := newManagerFixture(t, testutil.Issue("t-1"))
	rec, proc := f.attachAgent("a-1", agent.RoleImplementer, "t-1")

	proc.Emit(agent.Event{Type: agent.EventAutoCompactionEnd, Result: []byte(`true`)})
	proc.Emit(agent.Event{Type: agent.EventAutoCompactionEnd, Aborted: true, Result: []byte(`true`)})

	require.Eventually(t, func() bool {
		s := f.registry.Summarize(rec.ID)
		return s != nil && s.CompactionCount == 1
	}, time.Second, 10*time.Millisecond)
}
