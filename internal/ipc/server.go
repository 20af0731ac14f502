package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/zjrosen/foreman/internal/log"
	"github.com/zjrosen/foreman/internal/tracing"
)

// maxRequestBytes bounds one request line.
const maxRequestBytes = 1 << 20

// requestTimeout bounds how long a single connection may take end to end.
const requestTimeout = 5 * time.Minute

// RequestHandler handles one parsed control request.
type RequestHandler interface {
	Handle(ctx context.Context, msg *Message) any
}

// Server owns the control socket. Each accepted connection carries exactly
// one request line; the server writes exactly one response line and closes.
type Server struct {
	path    string
	handler RequestHandler

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// NewServer creates a server bound to the given socket path once started.
func NewServer(path string, handler RequestHandler) *Server {
	return &Server{path: path, handler: handler}
}

// Start binds the socket, removing any stale file first, and begins
// accepting connections until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("ipc: remove stale socket: %w", err)
	}
	listener, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("ipc: listen on %s: %w", s.path, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	log.Info(log.CatIPC, "control socket listening", "path", s.path)

	s.wg.Add(1)
	go s.acceptLoop(ctx, listener)
	return nil
}

// Stop closes the listener, waits for in-flight connections, and removes
// the socket file.
func (s *Server) Stop() {
	s.mu.Lock()
	listener := s.listener
	s.listener = nil
	s.mu.Unlock()
	if listener != nil {
		_ = listener.Close()
	}
	s.wg.Wait()
	_ = os.Remove(s.path)
	log.Info(log.CatIPC, "control socket closed", "path", s.path)
}

func (s *Server) acceptLoop(ctx context.Context, listener net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			log.Warn(log.CatIPC, "accept error", "error", err)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// handleConn serves one request. Responses are best-effort: a closed peer
// is logged, never fatal.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close() //nolint:errcheck

	_ = conn.SetDeadline(time.Now().Add(requestTimeout))
	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	reader := bufio.NewReaderSize(io.LimitReader(conn, maxRequestBytes), 64*1024)
	line, err := readLine(reader)
	if err != nil {
		log.Debug(log.CatIPC, "request read failed", "error", err)
		return
	}

	msg, parseErr := Parse(line)
	var response any
	if parseErr != nil {
		response = fail(parseErr.Error())
	} else {
		log.Debug(log.CatIPC, "request", "type", msg.Type)
		spanCtx, span := tracing.StartSpan(reqCtx, tracing.SpanPrefixIPC+msg.Type,
			attribute.String(tracing.AttrRequestType, msg.Type),
			attribute.String(tracing.AttrAction, msg.Action),
		)
		response = s.dispatch(spanCtx, msg)
		tracing.EndSpan(span, nil)
	}

	s.writeResponse(conn, response)
}

// dispatch runs the handler, converting a panic into an error response. A
// crafted request must never take the daemon down with it.
func (s *Server) dispatch(ctx context.Context, msg *Message) (response any) {
	defer func() {
		if r := recover(); r != nil {
			log.Error(log.CatIPC, "handler panic", "type", msg.Type, "panic", r)
			response = fail(fmt.Sprintf("internal error handling %s", msg.Type))
		}
	}()
	return s.handler.Handle(ctx, msg)
}

// readLine reads one newline-terminated request. EOF before a newline still
// yields the partial line, matching clients that half-close after writing.
func readLine(reader *bufio.Reader) ([]byte, error) {
	line, err := reader.ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return nil, err
	}
	return line, nil
}

// writeResponse serializes the response as a single line. A nil value is
// coerced to the literal ok.
func (s *Server) writeResponse(conn net.Conn, response any) {
	var payload []byte
	if response == nil {
		payload = []byte("ok")
	} else {
		encoded, err := json.Marshal(response)
		if err != nil {
			log.Error(log.CatIPC, "response not serializable", "error", err)
			encoded, _ = json.Marshal(fail("internal: response not serializable"))
		}
		payload = encoded
	}
	payload = append(payload, '\n')
	if _, err := conn.Write(payload); err != nil {
		log.Debug(log.CatIPC, "response write failed", "error", err)
	}
}
