package orchestrator

import (
	"context"
	"fmt"
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

type lifecycleFixture struct {
	lc       *Lifecycle
	store    *testutil.FakeStore
	registry *agent.Registry
	spawner  *fakeSpawner
	signals  *SignalBoard
}

func newLifecycleFixture(issues ...tasks.Issue) *lifecycleFixture {
	store := testutil.NewFakeStore(issues...)
	registry := agent.NewRegistry(store)
	spawner := &fakeSpawner{registry: registry}
	signals := NewSignalBoard()
	lc := NewLifecycle(store, cache.New(store, cache.DefaultTTL), registry, signals, roles.Default(), spawner)
	return &lifecycleFixture{lc: lc, store: store, registry: registry, spawner: spawner, signals: signals}
}

func TestHandleWorkerExit_SpawnsVerifierWithOutput(t *testing.T) {
	f := newLifecycleFixture(testutil.Issue("t-1"))

	f.lc.HandleWorkerExit(context.Background(), "t-1", "All tests pass now.")

	reqs := f.spawner.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "verifier", reqs[0].Role)
	assert.Equal(t, "t-1", reqs[0].TaskID)
	assert.Equal(t, "Worker output for review:\n\nAll tests pass now.", reqs[0].Kickoff)
}

func TestHandleWorkerExit_DefaultKickoffWithoutOutput(t *testing.T) {
	f := newLifecycleFixture(testutil.Issue("t-1"))

	f.lc.HandleWorkerExit(context.Background(), "t-1", "   ")

	reqs := f.spawner.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "The worker for this task has finished. Review its output and decide the next transition.", reqs[0].Kickoff)
}

func TestHandleWorkerExit_StopsOversightAgents(t *testing.T) {
	f := newLifecycleFixture(testutil.Issue("t-1"))
	sup := testutil.NewFakeProcess(42)
	f.registry.Register(&agent.Record{ID: "sup-1", Role: agent.RoleSupervisor, TaskID: "t-1", Process: sup})

	f.lc.HandleWorkerExit(context.Background(), "t-1", "")

	assert.Equal(t, agent.StatusStopped, f.registry.Get("sup-1").Status)
	assert.True(t, sup.Stopped)
}

func TestHandleVerifierExit_AdvanceWorker(t *testing.T) {
	f := newLifecycleFixture(testutil.Issue("t-1"))
	f.signals.PostAdvance("t-1", AdvanceSignal{Action: AdvanceWorker, Reason: "fix the tests"})

	f.lc.HandleVerifierExit(context.Background(), "t-1", "")

	reqs := f.spawner.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "implementer", reqs[0].Role)
	assert.Equal(t, "Continue work on this task. Verifier feedback: fix the tests", reqs[0].Kickoff)

	// The signal was consumed.
	adv, _ := f.signals.TakeSignals("t-1")
	assert.Nil(t, adv)
}

func TestHandleVerifierExit_AdvanceMessageOverridesKickoff(t *testing.T) {
	f := newLifecycleFixture(testutil.Issue("t-1"))
	f.signals.PostAdvance("t-1", AdvanceSignal{Action: AdvanceScout, Message: "check the migration first", Reason: "unsure"})

	f.lc.HandleVerifierExit(context.Background(), "t-1", "")

	reqs := f.spawner.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "scout", reqs[0].Role)
	assert.Equal(t, "check the migration first", reqs[0].Kickoff)
}

func TestHandleVerifierExit_DeferBlocksTask(t *testing.T) {
	f := newLifecycleFixture(testutil.Issue("t-1", testutil.WithStatus(tasks.StatusInProgress)))
	f.signals.PostAdvance("t-1", AdvanceSignal{
		Action:  AdvanceDefer,
		Reason:  "needs human",
		Message: "credentials required",
		AgentID: "v-1",
	})

	f.lc.HandleVerifierExit(context.Background(), "t-1", "")

	assert.Empty(t, f.spawner.requests())
	assert.Equal(t, tasks.StatusBlocked, f.store.Get("t-1").Status)
	require.Len(t, f.store.CommentLog, 1)
	assert.Equal(t, "t-1|v-1|Blocked by verifier advance_lifecycle. needs human\nmessage: credentials required", f.store.CommentLog[0])
}

func TestHandleVerifierExit_CloseWinsTie(t *testing.T) {
	f := newLifecycleFixture(testutil.Issue("t-1"))
	ts := time.Now()
	f.signals.PostAdvance("t-1", AdvanceSignal{Action: AdvanceWorker, TS: ts})
	f.signals.PostClose("t-1", CloseSignal{Reason: "done elsewhere", TS: ts})

	f.lc.HandleVerifierExit(context.Background(), "t-1", "")

	assert.Empty(t, f.spawner.requests())
	assert.Empty(t, f.store.CommentLog)
}

func TestHandleVerifierExit_StickyRetry(t *testing.T) {
	comments := make([]tasks.Comment, 0, 9)
	for i := 1; i <= 8; i++ {
		comments = append(comments, tasks.Comment{
			Author:    "verifier:v-1",
			Text:      fmt.Sprintf("note %d", i),
			CreatedAt: time.Now(),
		})
	}
	comments = append(comments, tasks.Comment{Author: "human", Text: "ignore me"})
	f := newLifecycleFixture(testutil.Issue("t-1",
		testutil.WithTitle("Fix login"),
		testutil.WithStatus(tasks.StatusInProgress),
		testutil.WithComments(comments...)))

	f.lc.HandleVerifierExit(context.Background(), "t-1", "sess-9")

	reqs := f.spawner.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "verifier", reqs[0].Role)

	kickoff := reqs[0].Kickoff
	assert.Contains(t, kickoff, "Previous verifier session: sess-9")
	assert.Contains(t, kickoff, "Task t-1 [in_progress] Fix login")
	// Only the last six verifier-authored comments are included.
	assert.Contains(t, kickoff, "- [verifier:v-1] note 3")
	assert.Contains(t, kickoff, "- [verifier:v-1] note 8")
	assert.NotContains(t, kickoff, "note 2")
	assert.NotContains(t, kickoff, "ignore me")
}

func TestReplace_RejectsUnreplaceableRole(t *testing.T) {
	f := newLifecycleFixture(testutil.Issue("t-1"))

	err := f.lc.Replace(context.Background(), "orchestrator", "t-1", "ctx")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not replaceable")
	assert.Empty(t, f.spawner.requests())
}

func TestReplace_RejectsClosedTask(t *testing.T) {
	f := newLifecycleFixture(testutil.Issue("t-1", testutil.WithStatus(tasks.StatusClosed)))

	err := f.lc.Replace(context.Background(), "verifier", "t-1", "ctx")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "closed")
}

func TestReplace_RejectsMissingTask(t *testing.T) {
	f := newLifecycleFixture()

	err := f.lc.Replace(context.Background(), "verifier", "t-missing", "ctx")
	assert.ErrorIs(t, err, tasks.ErrNotFound)
}

func TestReplace_UnblocksBlockedTask(t *testing.T) {
	f := newLifecycleFixture(testutil.Issue("t-1", testutil.WithStatus(tasks.StatusBlocked)))

	require.NoError(t, f.lc.Replace(context.Background(), "implementer", "t-1", "ctx"))

	assert.Equal(t, tasks.StatusInProgress, f.store.Get("t-1").Status)
	reqs := f.spawner.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "implementer", reqs[0].Role)
	assert.Equal(t, "ctx", reqs[0].Kickoff)
}

func TestReplace_WorkerAliasSpawnsImplementer(t *testing.T) {
	f := newLifecycleFixture(testutil.Issue("t-1", testutil.WithStatus(tasks.StatusInProgress)))

	require.NoError(t, f.lc.Replace(context.Background(), "worker", "t-1", ""))

	reqs := f.spawner.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "implementer", reqs[0].Role)
}

func TestNormalizeReplaceRole(t *testing.T) {
	assert.Equal(t, "implementer", NormalizeReplaceRole("worker"))
	assert.Equal(t, "implementer", NormalizeReplaceRole("implementer"))
	assert.Equal(t, "verifier", NormalizeReplaceRole("verifier"))
	assert.Equal(t, "scout", NormalizeReplaceRole("scout"))
	assert.Equal(t, "", NormalizeReplaceRole("orchestrator"))
	assert.Equal(t, "", NormalizeReplaceRole(""))
}

func TestStopAgentsForTask_SkipsVerifier(t *testing.T) {
	f := newLifecycleFixture(testutil.Issue("t-1"))
	worker := testutil.NewFakeProcess(1)
	reviewer := testutil.NewFakeProcess(2)
	f.registry.Register(&agent.Record{ID: "w-1", Role: agent.RoleImplementer, TaskID: "t-1", Process: worker})
	f.registry.Register(&agent.Record{ID: "v-1", Role: agent.RoleVerifier, TaskID: "t-1", Process: reviewer})

	n := f.lc.StopAgentsForTask(context.Background(), "t-1", false, true)

	assert.Equal(t, 1, n)
	assert.Equal(t, agent.StatusStopped, f.registry.Get("w-1").Status)
	assert.Equal(t, agent.StatusRunning, f.registry.Get("v-1").Status)
	assert.True(t, worker.Stopped)
	assert.False(t, reviewer.Stopped)
}

func TestStopAgentsForTask_ClearsPersistedState(t *testing.T) {
	f := newLifecycleFixture(testutil.Issue("t-1"))
	f.store.CreateAgent(context.Background(), "implementer:t-1")
	f.store.SetSlot(context.Background(), "agent-1", "hook", "t-1")
	f.registry.Register(&agent.Record{
		ID: "w-1", TasksAgentID: "agent-1", Role: agent.RoleImplementer,
		TaskID: "t-1", Process: testutil.NewFakeProcess(1),
	})

	f.lc.StopAgentsForTask(context.Background(), "t-1", false, true)

	assert.Equal(t, "stopped", f.store.AgentStates["agent-1"])
	assert.Empty(t, f.store.Slots["agent-1"]["hook"])
}

func TestHandleExternalTaskClose(t *testing.T) {
	f := newLifecycleFixture(testutil.Issue("t-1"))
	f.signals.PostAdvance("t-1", AdvanceSignal{Action: AdvanceWorker})
	f.signals.PostClose("t-1", CloseSignal{Reason: "done"})
	f.registry.Register(&agent.Record{ID: "w-1", Role: agent.RoleImplementer, TaskID: "t-1", Process: testutil.NewFakeProcess(1)})
	f.registry.Register(&agent.Record{ID: "v-1", Role: agent.RoleVerifier, TaskID: "t-1", Process: testutil.NewFakeProcess(2)})

	f.lc.HandleExternalTaskClose(context.Background(), "t-1")

	adv, cl := f.signals.TakeSignals("t-1")
	assert.Nil(t, adv)
	assert.Nil(t, cl)

	// Stops run asynchronously; the verifier is included.
	require.Eventually(t, func() bool {
		return f.registry.Get("w-1").Status == agent.StatusStopped &&
			f.registry.Get("v-1").Status == agent.StatusStopped
	}, time.Second, 10*time.Millisecond)
}
