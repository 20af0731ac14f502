package log

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The package keeps one global logger behind sync.Once, so everything is
// exercised from a single test.
func TestLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "debug.log")
	cleanup, err := Init(path)
	require.NoError(t, err)
	defer cleanup()

	listener := NewListener(context.Background())
	require.NotNil(t, listener)

	Info(CatSched, "task claimed", "task", "t-1", "agent", "a-1")
	Warn(CatTasks, "slow store", "duration", 2*time.Second)
	ErrorErr(CatRPC, "agent exited", os.ErrClosed, "id", "a-1")
	Debug(CatLoop, "odd fields", "orphan")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(data)

	assert.Contains(t, out, "[INFO] [sched] task claimed task=t-1 agent=a-1")
	assert.Contains(t, out, "[WARN] [tasks] slow store duration=2s")
	assert.Contains(t, out, "[ERROR] [rpc] agent exited id=a-1 error=file already closed")
	assert.Contains(t, out, "[DEBUG] [loop] odd fields orphan=<missing>")

	// Entries are also published on the broker.
	ev, ok := listener.Next()
	require.True(t, ok)
	assert.Contains(t, ev.Payload, "task claimed")

	// Raising the minimum level silences lower levels.
	SetMinLevel(LevelError)
	Info(CatSched, "suppressed line")
	SetMinLevel(LevelDebug)

	// Disabling drops everything.
	SetEnabled(false)
	Error(CatSched, "disabled line")
	SetEnabled(true)

	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "suppressed line")
	assert.NotContains(t, string(data), "disabled line")
}

func TestLevelString(t *testing.T) {
	assert.Equal(t, "DEBUG", LevelDebug.String())
	assert.Equal(t, "INFO", LevelInfo.String())
	assert.Equal(t, "WARN", LevelWarn.String())
	assert.Equal(t, "ERROR", LevelError.String())
	assert.Equal(t, "UNKNOWN", Level(99).String())
}
