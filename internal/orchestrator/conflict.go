// Package orchestrator contains the scheduling core: conflict checking,
// task selection, the per-task lifecycle engine, workflow side-effect
// policies, agent event handling, and the driving loop.
package orchestrator

import (
	"sort"
	"strings"

	"github.com/zjrosen/foreman/internal/tasks"
)

// conflictPrefixes are the label prefixes that participate in mutual
// exclusion between in-progress tasks. All other labels are ignored.
var conflictPrefixes = []string{"module:", "file:"}

// ConflictResult reports label overlap between a candidate and the
// in-progress set. ConflictWith and OverlappingLabels are sorted so results
// are deterministic.
type ConflictResult struct {
	Conflicting       bool
	ConflictWith      []string
	OverlappingLabels []string
}

// CheckLabelConflicts detects exclusive-label overlap between a candidate
// task's labels and the given in-progress issues. An empty candidate set
// never conflicts.
func CheckLabelConflicts(candidateLabels []string, inProgress []tasks.Issue) ConflictResult {
	candidate := make(map[string]bool)
	for _, label := range candidateLabels {
		if isExclusiveLabel(label) {
			candidate[label] = true
		}
	}
	if len(candidate) == 0 {
		return ConflictResult{}
	}

	conflictWith := make(map[string]bool)
	overlapping := make(map[string]bool)
	for _, issue := range inProgress {
		for _, label := range issue.Labels {
			if candidate[label] {
				conflictWith[issue.ID] = true
				overlapping[label] = true
			}
		}
	}
	if len(conflictWith) == 0 {
		return ConflictResult{}
	}
	return ConflictResult{
		Conflicting:       true,
		ConflictWith:      sortedKeys(conflictWith),
		OverlappingLabels: sortedKeys(overlapping),
	}
}

func isExclusiveLabel(label string) bool {
	for _, prefix := range conflictPrefixes {
		if strings.HasPrefix(label, prefix) {
			return true
		}
	}
	return false
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
