package tasks

import (
	"errors"
	"regexp"
)

// ErrNotFound indicates a task or agent lookup failed.
var ErrNotFound = errors.New("tasks: not found")

// ErrAlreadyClaimed indicates a claim raced with another claimant.
// Schedulers treat this as benign.
var ErrAlreadyClaimed = errors.New("tasks: already claimed")

// The store CLI emits unstructured error text; these patterns are the only
// place textual matching is allowed. Everything above this boundary uses the
// typed sentinels.
var (
	notFoundPattern = regexp.MustCompile(`(?i)not found|does not exist|no such`)
	claimedPattern  = regexp.MustCompile(`(?i)already (claimed|assigned|taken)|claimed by|cannot claim .* already`)
)

// classifyError maps raw CLI error text onto a typed sentinel, wrapping the
// original so the text is preserved for logs.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case claimedPattern.MatchString(msg):
		return errors.Join(ErrAlreadyClaimed, err)
	case notFoundPattern.MatchString(msg):
		return errors.Join(ErrNotFound, err)
	default:
		return err
	}
}

// IsNotFound reports whether err indicates a missing task or agent.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAlreadyClaimed reports whether err indicates a benign claim race.
func IsAlreadyClaimed(err error) bool {
	return errors.Is(err, ErrAlreadyClaimed)
}
