package orchestrator

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Complaint is a file-level objection registered by an agent, typically used
// to flag contested edits until the complainant is satisfied or terminates.
type Complaint struct {
	Files       []string
	Reason      string
	Complainant string
	TS          time.Time
}

// ComplaintBoard tracks open complaints keyed by complainant.
type ComplaintBoard struct {
	mu         sync.Mutex
	complaints map[string][]Complaint
}

// NewComplaintBoard creates an empty board.
func NewComplaintBoard() *ComplaintBoard {
	return &ComplaintBoard{complaints: make(map[string][]Complaint)}
}

// Register files a complaint. Files and reason are trimmed; empty entries
// are dropped. Returns false when nothing valid remains to register.
func (b *ComplaintBoard) Register(complainant, reason string, files []string) bool {
	complainant = strings.TrimSpace(complainant)
	reason = strings.TrimSpace(reason)
	var cleaned []string
	for _, f := range files {
		if trimmed := strings.TrimSpace(f); trimmed != "" {
			cleaned = append(cleaned, trimmed)
		}
	}
	if complainant == "" || len(cleaned) == 0 {
		return false
	}
	sort.Strings(cleaned)

	b.mu.Lock()
	b.complaints[complainant] = append(b.complaints[complainant], Complaint{
		Files:       cleaned,
		Reason:      reason,
		Complainant: complainant,
		TS:          time.Now(),
	})
	b.mu.Unlock()
	return true
}

// Revoke removes complaints from complainant covering the given files. An
// empty files list revokes everything from that complainant. Returns how
// many complaints were removed.
func (b *ComplaintBoard) Revoke(complainant string, files []string) int {
	complainant = strings.TrimSpace(complainant)
	if complainant == "" {
		return 0
	}
	var cleaned []string
	for _, f := range files {
		if trimmed := strings.TrimSpace(f); trimmed != "" {
			cleaned = append(cleaned, trimmed)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	existing := b.complaints[complainant]
	if len(existing) == 0 {
		return 0
	}
	if len(cleaned) == 0 {
		delete(b.complaints, complainant)
		return len(existing)
	}
	target := make(map[string]bool, len(cleaned))
	for _, f := range cleaned {
		target[f] = true
	}
	var kept []Complaint
	removed := 0
	for _, c := range existing {
		matches := false
		for _, f := range c.Files {
			if target[f] {
				matches = true
				break
			}
		}
		if matches {
			removed++
		} else {
			kept = append(kept, c)
		}
	}
	if len(kept) == 0 {
		delete(b.complaints, complainant)
	} else {
		b.complaints[complainant] = kept
	}
	return removed
}

// RevokeAll removes every complaint from complainant, returning the count.
func (b *ComplaintBoard) RevokeAll(complainant string) int {
	return b.Revoke(complainant, nil)
}

// List returns all open complaints ordered by registration time.
func (b *ComplaintBoard) List() []Complaint {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Complaint
	for _, list := range b.complaints {
		out = append(out, list...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TS.Before(out[j].TS) })
	return out
}
