package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComplaintBoard_RegisterCleansInput(t *testing.T) {
	board := NewComplaintBoard()

	require.True(t, board.Register(" a-1 ", " contested edit ", []string{" b.go", "a.go ", "  "}))

	list := board.List()
	require.Len(t, list, 1)
	assert.Equal(t, "a-1", list[0].Complainant)
	assert.Equal(t, "contested edit", list[0].Reason)
	assert.Equal(t, []string{"a.go", "b.go"}, list[0].Files)
	assert.False(t, list[0].TS.IsZero())
}

func TestComplaintBoard_RegisterRejectsEmpty(t *testing.T) {
	board := NewComplaintBoard()

	assert.False(t, board.Register("", "reason", []string{"a.go"}))
	assert.False(t, board.Register("a-1", "reason", nil))
	assert.False(t, board.Register("a-1", "reason", []string{"  ", ""}))
	assert.Empty(t, board.List())
}

func TestComplaintBoard_RevokeByFile(t *testing.T) {
	board := NewComplaintBoard()
	board.Register("a-1", "one", []string{"a.go"})
	board.Register("a-1", "two", []string{"b.go"})

	assert.Equal(t, 1, board.Revoke("a-1", []string{"a.go"}))

	list := board.List()
	require.Len(t, list, 1)
	assert.Equal(t, "two", list[0].Reason)

	// Files that match no complaint revoke nothing.
	assert.Equal(t, 0, board.Revoke("a-1", []string{"c.go"}))
}

func TestComplaintBoard_RevokeEmptyFilesRevokesAll(t *testing.T) {
	board := NewComplaintBoard()
	board.Register("a-1", "one", []string{"a.go"})
	board.Register("a-1", "two", []string{"b.go"})
	board.Register("a-2", "other", []string{"c.go"})

	assert.Equal(t, 2, board.Revoke("a-1", nil))

	list := board.List()
	require.Len(t, list, 1)
	assert.Equal(t, "a-2", list[0].Complainant)
}

func TestComplaintBoard_RevokeAll(t *testing.T) {
	board := NewComplaintBoard()
	board.Register("a-1", "one", []string{"a.go", "b.go"})

	assert.Equal(t, 1, board.RevokeAll("a-1"))
	assert.Equal(t, 0, board.RevokeAll("a-1"))
	assert.Empty(t, board.List())
}

func TestComplaintBoard_ListOrderedByTime(t *testing.T) {
	board := NewComplaintBoard()
	board.Register("a-1", "first", []string{"a.go"})
	board.Register("a-2", "second", []string{"b.go"})
	board.Register("a-1", "third", []string{"c.go"})

	list := board.List()
	require.Len(t, list, 3)
	for i := 1; i < len(list); i++ {
		assert.False(t, list[i].TS.Before(list[i-1].TS))
	}
}
