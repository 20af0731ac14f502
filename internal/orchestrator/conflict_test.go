package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/zjrosen/foreman/internal/tasks"
	"github.com/zjrosen/foreman/internal/testutil"
)

func TestCheckLabelConflicts_NoExclusiveLabels(t *testing.T) {
	inProgress := []tasks.Issue{
		testutil.Issue("t-1", testutil.WithLabels("module:auth", "urgent")),
	}

	result := CheckLabelConflicts([]string{"urgent", "backend"}, inProgress)
	assert.False(t, result.Conflicting)
	assert.Empty(t, result.ConflictWith)
}

func TestCheckLabelConflicts_Overlap(t *testing.T) {
	inProgress := []tasks.Issue{
		testutil.Issue("t-9", testutil.WithLabels("module:auth")),
		testutil.Issue("t-2", testutil.WithLabels("file:db.go", "module:auth")),
		testutil.Issue("t-5", testutil.WithLabels("module:billing")),
	}

	result := CheckLabelConflicts([]string{"module:auth", "file:db.go"}, inProgress)
	assert.True(t, result.Conflicting)
	assert.Equal(t, []string{"t-2", "t-9"}, result.ConflictWith)
	assert.Equal(t, []string{"file:db.go", "module:auth"}, result.OverlappingLabels)
}

func TestCheckLabelConflicts_PlainLabelsDoNotConflict(t *testing.T) {
	inProgress := []tasks.Issue{
		testutil.Issue("t-1", testutil.WithLabels("backend", "urgent")),
	}

	result := CheckLabelConflicts([]string{"backend", "module:auth"}, inProgress)
	assert.False(t, result.Conflicting)
}

func TestCheckLabelConflicts_EmptyCandidate(t *testing.T) {
	inProgress := []tasks.Issue{
		testutil.Issue("t-1", testutil.WithLabels("module:auth")),
	}

	assert.False(t, CheckLabelConflicts(nil, inProgress).Conflicting)
	assert.False(t, CheckLabelConflicts([]string{"module:auth"}, nil).Conflicting)
}
