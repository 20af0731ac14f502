package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/zjrosen/foreman/internal/agent"
	"github.com/zjrosen/foreman/internal/tasks"
	"github.com/zjrosen/foreman/internal/testutil"
)

// fakeSpawner records spawn requests and hands back records wired to a
// FakeProcess. When a registry is set the record is registered like the real
// spawner does.
type fakeSpawner struct {
	mu       sync.Mutex
	reqs     []SpawnRequest
	procs    []*testutil.FakeProcess
	err      error
	registry *agent.Registry
}

var _ Spawner = (*fakeSpawner)(nil)

func (s *fakeSpawner) Spawn(ctx context.Context, req SpawnRequest) (*agent.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.reqs = append(s.reqs, req)
	proc := testutil.NewFakeProcess(1000 + len(s.reqs))
	s.procs = append(s.procs, proc)
	rec := &agent.Record{
		ID:      fmt.Sprintf("spawned-%d", len(s.reqs)),
		Role:    agent.Role(req.Role),
		TaskID:  req.TaskID,
		Status:  agent.StatusRunning,
		Process: proc,
	}
	if s.registry != nil {
		s.registry.Register(rec)
	}
	return rec, nil
}

func (s *fakeSpawner) requests() []SpawnRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SpawnRequest(nil), s.reqs...)
}

// recordingApplier records applied side effects in call order so tests can
// assert the comments-then-status-then-spawns sequence.
type recordingApplier struct {
	mu  sync.Mutex
	ops []string

	commentErr error
	statusErr  error
	spawnErr   error
}

var _ Applier = (*recordingApplier)(nil)

func (a *recordingApplier) ApplyComment(ctx context.Context, taskID, text, actor string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.commentErr != nil {
		return a.commentErr
	}
	a.ops = append(a.ops, fmt.Sprintf("comment|%s|%s|%s", taskID, actor, text))
	return nil
}

func (a *recordingApplier) ApplyStatus(ctx context.Context, taskID string, status tasks.Status) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.statusErr != nil {
		return a.statusErr
	}
	a.ops = append(a.ops, fmt.Sprintf("status|%s|%s", taskID, status))
	return nil
}

func (a *recordingApplier) ApplySpawn(ctx context.Context, role, taskID, kickoff string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.spawnErr != nil {
		return "", a.spawnErr
	}
	a.ops = append(a.ops, fmt.Sprintf("spawn|%s|%s|%s", taskID, role, kickoff))
	return fmt.Sprintf("applied-%d", len(a.ops)), nil
}

func (a *recordingApplier) applied() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.ops...)
}
