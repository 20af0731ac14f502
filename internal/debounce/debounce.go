// Package debounce provides a leading-plus-trailing edge debouncer. The
// first trigger in a quiet period fires immediately; triggers arriving inside
// the window coalesce into one trailing fire when the window closes.
package debounce

import (
	"sync"
	"time"
)

// DefaultWindow is the coalescing window applied when none is given.
const DefaultWindow = 150 * time.Millisecond

// Debouncer coalesces bursts of triggers into at most two calls of fn per
// burst: one on the leading edge, one on the trailing edge. Safe for
// concurrent use.
type Debouncer struct {
	window time.Duration
	fn     func()

	mu       sync.Mutex
	lastFire time.Time
	pending  bool
	timer    *time.Timer
	stopped  bool
}

// New creates a debouncer calling fn. A non-positive window uses
// DefaultWindow.
func New(window time.Duration, fn func()) *Debouncer {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Debouncer{window: window, fn: fn}
}

// Trigger requests a fire. Outside the window it fires synchronously
// (leading edge); inside it schedules a single trailing fire.
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	now := time.Now()
	if now.Sub(d.lastFire) >= d.window {
		d.lastFire = now
		d.mu.Unlock()
		d.fn()
		return
	}
	if d.pending {
		d.mu.Unlock()
		return
	}
	d.pending = true
	delay := d.window - now.Sub(d.lastFire)
	d.timer = time.AfterFunc(delay, d.fireTrailing)
	d.mu.Unlock()
}

func (d *Debouncer) fireTrailing() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.pending = false
	d.lastFire = time.Now()
	d.mu.Unlock()
	d.fn()
}

// Stop cancels any pending trailing fire. The debouncer is unusable after.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
	}
	d.pending = false
}
