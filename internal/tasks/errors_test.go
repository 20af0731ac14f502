package tasks

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		wantErr error
	}{
		{"not found", `bd show failed: issue "t-9" not found`, ErrNotFound},
		{"does not exist", "bd show failed: task does not exist", ErrNotFound},
		{"no such", "bd show failed: no such issue", ErrNotFound},
		{"already claimed", "bd claim failed: task already claimed", ErrAlreadyClaimed},
		{"claimed by", "bd claim failed: claimed by another agent", ErrAlreadyClaimed},
		{"already assigned", "bd claim failed: Already Assigned", ErrAlreadyClaimed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := errors.New(tt.text)
			got := classifyError(raw)
			assert.ErrorIs(t, got, tt.wantErr)
			// The original text survives for logs.
			assert.Contains(t, got.Error(), tt.text)
		})
	}
}

func TestClassifyError_Passthrough(t *testing.T) {
	raw := fmt.Errorf("bd list failed: store is locked")
	got := classifyError(raw)
	assert.Equal(t, raw, got)
	assert.False(t, IsNotFound(got))
	assert.False(t, IsAlreadyClaimed(got))

	assert.Nil(t, classifyError(nil))
}

func TestErrorPredicates(t *testing.T) {
	assert.True(t, IsNotFound(fmt.Errorf("show t-1: %w", ErrNotFound)))
	assert.True(t, IsAlreadyClaimed(errors.Join(ErrAlreadyClaimed, errors.New("raced"))))
	assert.False(t, IsNotFound(nil))
}
