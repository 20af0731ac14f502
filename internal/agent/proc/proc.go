// Package proc spawns and supervises agent subprocesses. Each agent runs an
// external binary that speaks newline-delimited JSON on both stdin and
// stdout: prompts and control requests go in, protocol events come out.
package proc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zjrosen/foreman/internal/agent"
	"github.com/zjrosen/foreman/internal/log"
)

// Compile-time check that Process implements the registry's handle contract.
var _ agent.ProcessHandle = (*Process)(nil)

// request is a control message written to the subprocess stdin.
type request struct {
	Type string `json:"type"`
	ID   int64  `json:"id,omitempty"`
	Text string `json:"text,omitempty"`
}

// response is a reply to a control request, matched by id.
type response struct {
	Type   string          `json:"type"`
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Process is a live agent subprocess. Events() yields parsed protocol
// events; the final event is always a synthesized rpc_exit carrying the exit
// code and captured stderr, after which the channel closes.
type Process struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	stdin  io.WriteCloser

	events chan agent.Event
	done   chan struct{}

	mu          sync.Mutex
	stderrLines []string
	pending     map[int64]chan response
	nextID      atomic.Int64
	killed      bool

	wg sync.WaitGroup
}

// Spawn starts the agent binary with the given arguments and wires up the
// event stream. The returned Process is already running.
func Spawn(ctx context.Context, binary string, args []string, workDir string, env []string) (*Process, error) {
	procCtx, cancel := context.WithCancel(ctx)

	//nolint:gosec // G204: binary and args come from role configuration
	cmd := exec.CommandContext(procCtx, binary, args...)
	cmd.Dir = workDir
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("agent spawn: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("agent spawn: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("agent spawn: stderr pipe: %w", err)
	}

	p := &Process{
		cmd:     cmd,
		cancel:  cancel,
		stdin:   stdin,
		events:  make(chan agent.Event, 100),
		done:    make(chan struct{}),
		pending: make(map[int64]chan response),
	}

	log.Debug(log.CatRPC, "spawning agent process", "binary", binary, "workDir", workDir)
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("agent spawn: failed to start %s: %w", binary, err)
	}
	log.Debug(log.CatRPC, "agent process started", "pid", cmd.Process.Pid)

	p.wg.Add(2)
	go p.parseOutput(stdout)
	go p.parseStderr(stderr)
	go p.waitForCompletion()

	return p, nil
}

// PID returns the subprocess id, or 0 if not started.
func (p *Process) PID() int {
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Events yields the parsed event stream. Closed after rpc_exit.
func (p *Process) Events() <-chan agent.Event {
	return p.events
}

// Done is closed once the subprocess has exited and its event stream drained.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Send delivers a user prompt to the agent.
func (p *Process) Send(ctx context.Context, text string) error {
	return p.write(ctx, request{Type: "user_message", Text: text})
}

// Interrupt aborts the current turn and delivers an urgent prompt.
func (p *Process) Interrupt(ctx context.Context, text string) error {
	return p.write(ctx, request{Type: "interrupt", Text: text})
}

// GetState queries the agent for its runtime state. The reply is matched to
// the request by id; ctx bounds the wait.
func (p *Process) GetState(ctx context.Context) (*agent.ProcessState, error) {
	id := p.nextID.Add(1)
	ch := make(chan response, 1)

	p.mu.Lock()
	p.pending[id] = ch
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
	}()

	if err := p.write(ctx, request{Type: "getState", ID: id}); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp.Error != "" {
			return nil, fmt.Errorf("getState: %s", resp.Error)
		}
		var st agent.ProcessState
		if err := json.Unmarshal(resp.Result, &st); err != nil {
			return nil, fmt.Errorf("getState: bad result: %w", err)
		}
		return &st, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
		return nil, fmt.Errorf("getState: process exited")
	}
}

// Stop requests a graceful shutdown and escalates to kill after grace.
func (p *Process) Stop(ctx context.Context, grace time.Duration) error {
	// Best effort: the agent binary exits on a shutdown request or when its
	// stdin closes.
	_ = p.write(ctx, request{Type: "shutdown"})
	p.mu.Lock()
	if p.stdin != nil {
		_ = p.stdin.Close()
		p.stdin = nil
	}
	p.mu.Unlock()

	if grace <= 0 {
		grace = 5 * time.Second
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(grace):
		log.Warn(log.CatRPC, "agent did not exit within grace, killing", "pid", p.PID())
		return p.Kill()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Kill terminates the subprocess immediately.
func (p *Process) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.cancel()
	if p.cmd != nil && p.cmd.Process != nil {
		return p.cmd.Process.Kill()
	}
	return nil
}

func (p *Process) write(ctx context.Context, req request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	payload = append(payload, '\n')

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stdin == nil {
		return fmt.Errorf("agent stdin closed")
	}
	if _, err := p.stdin.Write(payload); err != nil {
		return fmt.Errorf("agent write: %w", err)
	}
	return nil
}

// parseOutput reads stdout line by line. Control responses are routed to
// their waiting requester; everything else is a protocol event.
func (p *Process) parseOutput(stdout io.ReadCloser) {
	defer p.wg.Done()

	scanner := bufio.NewScanner(stdout)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		if p.routeResponse(line) {
			continue
		}

		ev, err := agent.ParseEvent(line)
		if err != nil {
			log.Debug(log.CatRPC, "unparseable agent output", "error", err, "line", string(line))
			continue
		}
		p.events <- ev
	}
	if err := scanner.Err(); err != nil {
		log.Debug(log.CatRPC, "stdout scanner error", "error", err)
	}
}

// routeResponse delivers control responses to the matching GetState caller.
func (p *Process) routeResponse(line []byte) bool {
	var resp response
	if err := json.Unmarshal(line, &resp); err != nil || resp.Type != "response" {
		return false
	}
	p.mu.Lock()
	ch, ok := p.pending[resp.ID]
	p.mu.Unlock()
	if ok {
		select {
		case ch <- resp:
		default:
		}
	}
	return true
}

func (p *Process) parseStderr(stderr io.ReadCloser) {
	defer p.wg.Done()

	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		log.Debug(log.CatRPC, "agent stderr", "pid", p.PID(), "line", line)
		p.mu.Lock()
		// Keep a bounded tail for the exit event.
		if len(p.stderrLines) >= 50 {
			p.stderrLines = p.stderrLines[1:]
		}
		p.stderrLines = append(p.stderrLines, line)
		p.mu.Unlock()
	}
}

// waitForCompletion waits for process exit, synthesizes the terminal
// rpc_exit event, and closes the stream.
func (p *Process) waitForCompletion() {
	err := p.cmd.Wait()
	p.wg.Wait()

	exitCode := 0
	if err != nil {
		exitCode = -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
	}

	p.mu.Lock()
	stderrTail := strings.Join(p.stderrLines, "\n")
	killed := p.killed
	p.mu.Unlock()

	ev := agent.Event{
		Type:      agent.EventRPCExit,
		ExitCode:  exitCode,
		Timestamp: time.Now(),
	}
	if exitCode != 0 && !killed && stderrTail != "" {
		ev.Error = stderrTail
	}
	raw, _ := json.Marshal(map[string]any{"type": agent.EventRPCExit, "exitCode": exitCode})
	ev.Raw = raw

	p.events <- ev
	close(p.events)
	close(p.done)
	p.cancel()
}
