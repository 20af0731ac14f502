package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/zjrosen/foreman/internal/agent"
)

// Compile-time check.
var _ agent.ProcessHandle = (*FakeProcess)(nil)

// FakeProcess is a scriptable agent.ProcessHandle. Tests feed events through
// Emit and inspect the messages delivered to the subprocess.
type FakeProcess struct {
	mu sync.Mutex

	pid    int
	events chan agent.Event
	state  *agent.ProcessState

	// Sent and Interrupts record delivered texts in order.
	Sent       []string
	Interrupts []string

	// SendErr, when set, is returned from Send.
	SendErr error

	Stopped bool
	Killed  bool
}

// NewFakeProcess creates a fake process with a buffered event channel.
func NewFakeProcess(pid int) *FakeProcess {
	return &FakeProcess{
		pid:    pid,
		events: make(chan agent.Event, 64),
	}
}

// Emit pushes an event to the process event stream.
func (p *FakeProcess) Emit(ev agent.Event) {
	p.events <- ev
}

// CloseEvents ends the event stream, as a real process does on exit.
func (p *FakeProcess) CloseEvents() {
	close(p.events)
}

// SetState configures the GetState reply.
func (p *FakeProcess) SetState(st *agent.ProcessState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = st
}

func (p *FakeProcess) PID() int { return p.pid }

func (p *FakeProcess) Events() <-chan agent.Event { return p.events }

func (p *FakeProcess) Send(ctx context.Context, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.SendErr != nil {
		return p.SendErr
	}
	p.Sent = append(p.Sent, text)
	return nil
}

func (p *FakeProcess) Interrupt(ctx context.Context, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Interrupts = append(p.Interrupts, text)
	return nil
}

func (p *FakeProcess) GetState(ctx context.Context) (*agent.ProcessState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == nil {
		return &agent.ProcessState{}, nil
	}
	copied := *p.state
	return &copied, nil
}

func (p *FakeProcess) Stop(ctx context.Context, grace time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Stopped = true
	return nil
}

func (p *FakeProcess) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Killed = true
	return nil
}
