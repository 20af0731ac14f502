package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/zjrosen/foreman/internal/agent"
	"github.com/zjrosen/foreman/internal/log"
	"github.com/zjrosen/foreman/internal/tasks"
	"github.com/zjrosen/foreman/internal/tasks/cache"
)

// Scheduler selects the next eligible tasks: dependency-complete, label
// conflict free, not already served by a live agent.
type Scheduler struct {
	store    tasks.Client
	issues   *cache.IssueCache
	registry *agent.Registry
}

// NewScheduler creates a scheduler reading from store, resolving dependency
// details through the issue cache.
func NewScheduler(store tasks.Client, issues *cache.IssueCache, registry *agent.Registry) *Scheduler {
	return &Scheduler{store: store, issues: issues, registry: registry}
}

// GetNextTasks returns up to count dispatchable tasks ordered by priority
// (ascending, absent last) then id (natural-number ordering).
func (s *Scheduler) GetNextTasks(ctx context.Context, count int) ([]tasks.Issue, error) {
	if count <= 0 {
		return nil, nil
	}

	ready, err := s.store.Ready(ctx)
	if err != nil {
		return nil, fmt.Errorf("scheduler: ready view: %w", err)
	}

	inProgress, err := s.store.List(ctx, []string{"--status", string(tasks.StatusInProgress)})
	if err != nil {
		return nil, fmt.Errorf("scheduler: in-progress view: %w", err)
	}

	var eligible []tasks.Issue
	for _, issue := range ready {
		if issue.Type != "" && issue.Type != tasks.TypeTask {
			continue
		}
		if len(s.registry.GetActiveByTask(issue.ID, "")) > 0 {
			continue
		}
		ok, err := s.dependenciesClosed(ctx, issue)
		if err != nil {
			log.Warn(log.CatSched, "dependency check failed, skipping task", "task", issue.ID, "error", err)
			continue
		}
		if !ok {
			continue
		}
		if result := CheckLabelConflicts(issue.Labels, inProgress); result.Conflicting {
			log.Debug(log.CatSched, "task skipped for label conflict",
				"task", issue.ID, "conflictWith", result.ConflictWith, "labels", result.OverlappingLabels)
			continue
		}
		eligible = append(eligible, issue)
	}

	sortTasks(eligible)
	if len(eligible) > count {
		eligible = eligible[:count]
	}
	return eligible, nil
}

// GetInProgressTasksWithoutAgent surfaces in_progress tasks lacking a live
// agent, for startup reconciliation. Same ordering as GetNextTasks.
func (s *Scheduler) GetInProgressTasksWithoutAgent(ctx context.Context, count int) ([]tasks.Issue, error) {
	if count <= 0 {
		return nil, nil
	}
	inProgress, err := s.store.List(ctx, []string{"--status", string(tasks.StatusInProgress)})
	if err != nil {
		return nil, fmt.Errorf("scheduler: in-progress view: %w", err)
	}
	var orphaned []tasks.Issue
	for _, issue := range inProgress {
		if issue.Type != "" && issue.Type != tasks.TypeTask {
			continue
		}
		if len(s.registry.GetActiveByTask(issue.ID, "")) > 0 {
			continue
		}
		orphaned = append(orphaned, issue)
	}
	sortTasks(orphaned)
	if len(orphaned) > count {
		orphaned = orphaned[:count]
	}
	return orphaned, nil
}

// FindTasksUnblockedBy returns open tasks that directly depended on
// closedTaskID and whose remaining dependencies are all closed.
func (s *Scheduler) FindTasksUnblockedBy(ctx context.Context, closedTaskID string) ([]tasks.Issue, error) {
	open, err := s.store.List(ctx, []string{"--status", string(tasks.StatusOpen)})
	if err != nil {
		return nil, fmt.Errorf("scheduler: open view: %w", err)
	}
	var unblocked []tasks.Issue
	for _, issue := range open {
		if !contains(issue.DependsOnIDs, closedTaskID) {
			continue
		}
		ok, err := s.dependenciesClosed(ctx, issue)
		if err != nil {
			log.Warn(log.CatSched, "dependency check failed", "task", issue.ID, "error", err)
			continue
		}
		if ok {
			unblocked = append(unblocked, issue)
		}
	}
	sortTasks(unblocked)
	return unblocked, nil
}

// TryClaim attempts an atomic claim. A lost claim race is benign and returns
// false with no error.
func (s *Scheduler) TryClaim(ctx context.Context, taskID string) (bool, error) {
	if err := s.store.Claim(ctx, taskID); err != nil {
		if tasks.IsAlreadyClaimed(err) {
			log.Debug(log.CatSched, "claim race lost", "task", taskID)
			return false, nil
		}
		return false, fmt.Errorf("scheduler: claim %s: %w", taskID, err)
	}
	s.issues.Invalidate(taskID)
	return true, nil
}

// dependenciesClosed reports whether every dependency of issue is closed.
// Only StatusClosed satisfies a dependency; done or failed does not.
func (s *Scheduler) dependenciesClosed(ctx context.Context, issue tasks.Issue) (bool, error) {
	for _, depID := range issue.DependsOnIDs {
		dep, err := s.issues.Show(ctx, depID)
		if err != nil {
			if tasks.IsNotFound(err) {
				// A vanished dependency cannot gate the task forever.
				log.Warn(log.CatSched, "dependency not found, treating as closed", "task", issue.ID, "dep", depID)
				continue
			}
			return false, err
		}
		if !dep.IsClosed() {
			return false, nil
		}
	}
	return true, nil
}

// sortTasks orders by (priority asc, id natural asc). Absent priority sorts
// last.
func sortTasks(issues []tasks.Issue) {
	sort.SliceStable(issues, func(i, j int) bool {
		pi, pj := issues[i].EffectivePriority(), issues[j].EffectivePriority()
		if pi != pj {
			return pi < pj
		}
		return compareNaturalIDs(issues[i].ID, issues[j].ID) < 0
	})
}

// compareNaturalIDs compares ids treating digit runs as numbers, so task-2
// precedes task-12.
func compareNaturalIDs(a, b string) int {
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		ca, cb := a[i], b[j]
		if isDigit(ca) && isDigit(cb) {
			ni := i
			for ni < len(a) && isDigit(a[ni]) {
				ni++
			}
			nj := j
			for nj < len(b) && isDigit(b[nj]) {
				nj++
			}
			na, _ := strconv.ParseInt(a[i:ni], 10, 64)
			nb, _ := strconv.ParseInt(b[j:nj], 10, 64)
			if na != nb {
				if na < nb {
					return -1
				}
				return 1
			}
			i, j = ni, nj
			continue
		}
		if ca != cb {
			if ca < cb {
				return -1
			}
			return 1
		}
		i++
		j++
	}
	switch {
	case len(a)-i < len(b)-j:
		return -1
	case len(a)-i > len(b)-j:
		return 1
	default:
		return 0
	}
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func contains(items []string, target string) bool {
	for _, item := range items {
		if item == target {
			return true
		}
	}
	return false
}
