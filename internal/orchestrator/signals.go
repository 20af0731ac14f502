package orchestrator

import (
	"sync"
	"time"
)

// AdvanceAction is the verifier's requested next transition.
type AdvanceAction string

const (
	AdvanceWorker AdvanceAction = "worker"
	AdvanceScout  AdvanceAction = "scout"
	AdvanceDefer  AdvanceAction = "defer"
)

// AdvanceSignal is a pending advance posted via IPC, consumed by the first
// lifecycle decision after the verifier exits.
type AdvanceSignal struct {
	Action  AdvanceAction
	Message string
	Reason  string
	AgentID string
	TS      time.Time
}

// CloseSignal is a pending close posted via IPC.
type CloseSignal struct {
	Reason  string
	AgentID string
	TS      time.Time
}

// SignalBoard holds the per-task advance/close slots. Each slot holds at
// most one signal; posting again overwrites (last writer wins on wall-clock
// ts). TakeSignals reads and clears both slots atomically.
type SignalBoard struct {
	mu       sync.Mutex
	advances map[string]AdvanceSignal
	closes   map[string]CloseSignal
}

// NewSignalBoard creates an empty board.
func NewSignalBoard() *SignalBoard {
	return &SignalBoard{
		advances: make(map[string]AdvanceSignal),
		closes:   make(map[string]CloseSignal),
	}
}

// PostAdvance records an advance signal for taskID, stamping it now when ts
// is zero.
func (b *SignalBoard) PostAdvance(taskID string, sig AdvanceSignal) {
	if sig.TS.IsZero() {
		sig.TS = time.Now()
	}
	b.mu.Lock()
	b.advances[taskID] = sig
	b.mu.Unlock()
}

// PostClose records a close signal for taskID.
func (b *SignalBoard) PostClose(taskID string, sig CloseSignal) {
	if sig.TS.IsZero() {
		sig.TS = time.Now()
	}
	b.mu.Lock()
	b.closes[taskID] = sig
	b.mu.Unlock()
}

// TakeSignals removes and returns both slots for taskID. Nil means the slot
// was empty.
func (b *SignalBoard) TakeSignals(taskID string) (*AdvanceSignal, *CloseSignal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var adv *AdvanceSignal
	var cl *CloseSignal
	if sig, ok := b.advances[taskID]; ok {
		adv = &sig
		delete(b.advances, taskID)
	}
	if sig, ok := b.closes[taskID]; ok {
		cl = &sig
		delete(b.closes, taskID)
	}
	return adv, cl
}

// Clear drops any pending signals for taskID without consuming them.
func (b *SignalBoard) Clear(taskID string) {
	b.mu.Lock()
	delete(b.advances, taskID)
	delete(b.closes, taskID)
	b.mu.Unlock()
}

// closeWins decides the tie-break between a populated advance and close
// slot: close wins at equal or later timestamp.
func closeWins(adv *AdvanceSignal, cl *CloseSignal) bool {
	if cl == nil {
		return false
	}
	if adv == nil {
		return true
	}
	return !cl.TS.Before(adv.TS)
}
