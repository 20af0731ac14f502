package ipc

import (
	"bufio"
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/foreman/internal/tasks"
	"github.com/zjrosen/foreman/internal/testutil"
)

func startServer(t *testing.T, f *handlerFixture) string {
	t.Helper()
	// Socket paths have a tight length limit, so keep the name short.
	path := filepath.Join(t.TempDir(), "c.sock")
	server := NewServer(path, f.handler)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, server.Start(ctx))
	t.Cleanup(func() {
		cancel()
		server.Stop()
	})
	return path
}

func roundTrip(t *testing.T, path, request string) string {
	t.Helper()
	conn, err := net.DialTimeout("unix", path, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte(request + "\n"))
	require.NoError(t, err)

	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	return line[:len(line)-1]
}

func TestServer_WakeRespondsOK(t *testing.T) {
	f := newHandlerFixture(t)
	path := startServer(t, f)

	assert.Equal(t, "ok", roundTrip(t, path, `{"type":"wake"}`))
}

func TestServer_NonJSONDegradesToWake(t *testing.T) {
	f := newHandlerFixture(t)
	path := startServer(t, f)

	assert.Equal(t, "ok", roundTrip(t, path, "ping"))
}

func TestServer_ParseErrorBecomesResponse(t *testing.T) {
	f := newHandlerFixture(t)
	path := startServer(t, f)

	resp := roundTrip(t, path, `{"type":"bogus"}`)
	assert.Contains(t, resp, `"ok":false`)
	assert.Contains(t, resp, "Unknown IPC message type")
}

func TestServer_StartTasksOverSocket(t *testing.T) {
	f := newHandlerFixture(t, testutil.Issue("t-1"))
	path := startServer(t, f)

	resp := roundTrip(t, path, `{"type":"start_tasks","count":1}`)
	assert.Contains(t, resp, `"started":1`)
	assert.Equal(t, tasks.StatusInProgress, f.store.Get("t-1").Status)
}

func TestServer_EOFWithoutNewlineStillServed(t *testing.T) {
	f := newHandlerFixture(t)
	path := startServer(t, f)

	conn, err := net.DialTimeout("unix", path, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte(`{"type":"wake"}`))
	require.NoError(t, err)
	type closeWriter interface{ CloseWrite() error }
	require.NoError(t, conn.(closeWriter).CloseWrite())

	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "ok\n", line)
}

type panickyHandler struct{}

func (panickyHandler) Handle(ctx context.Context, msg *Message) any {
	panic("corrupt payload")
}

func TestServer_HandlerPanicBecomesErrorResponse(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.sock")
	server := NewServer(path, panickyHandler{})
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, server.Start(ctx))
	t.Cleanup(func() {
		cancel()
		server.Stop()
	})

	resp := roundTrip(t, path, `{"type":"wake"}`)
	assert.Contains(t, resp, `"ok":false`)
	assert.Contains(t, resp, "internal error handling wake")

	// The daemon keeps serving after the panic.
	resp = roundTrip(t, path, `{"type":"wake"}`)
	assert.Contains(t, resp, `"ok":false`)
}

func TestServer_RestartReplacesStaleSocket(t *testing.T) {
	f := newHandlerFixture(t)
	path := filepath.Join(t.TempDir(), "c.sock")

	ctx := context.Background()
	first := NewServer(path, f.handler)
	require.NoError(t, first.Start(ctx))
	first.Stop()

	second := NewServer(path, f.handler)
	require.NoError(t, second.Start(ctx))
	defer second.Stop()

	assert.Equal(t, "ok", roundTrip(t, path, `{"type":"wake"}`))
}
