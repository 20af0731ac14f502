package watcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startWatcher(t *testing.T, dir string) <-chan struct{} {
	t.Helper()
	w, err := New(Config{StoreDir: dir, DebounceDur: 20 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Stop() })

	ch, err := w.Start()
	require.NoError(t, err)
	return ch
}

func expectSignal(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a change signal")
	}
}

func expectQuiet(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
		t.Fatal("unexpected change signal")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestWatcher_SignalsOnStoreWrite(t *testing.T) {
	dir := t.TempDir()
	ch := startWatcher(t, dir)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "issues.jsonl"), []byte("{}\n"), 0o644))
	expectSignal(t, ch)
}

func TestWatcher_SignalsOnDatabaseChange(t *testing.T) {
	dir := t.TempDir()
	ch := startWatcher(t, dir)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "beads.db"), []byte("x"), 0o644))
	expectSignal(t, ch)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "beads.db-wal"), []byte("x"), 0o644))
	expectSignal(t, ch)
}

func TestWatcher_SignalsOnRedirect(t *testing.T) {
	dir := t.TempDir()
	ch := startWatcher(t, dir)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "redirect"), []byte("../store\n"), 0o644))
	expectSignal(t, ch)
}

func TestWatcher_IgnoresUnrelatedFiles(t *testing.T) {
	dir := t.TempDir()
	ch := startWatcher(t, dir)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hi"), 0o644))
	expectQuiet(t, ch)
}

func TestWatcher_CoalescesBursts(t *testing.T) {
	dir := t.TempDir()
	ch := startWatcher(t, dir)

	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "issues.jsonl"), []byte("{}\n"), 0o644))
	}
	expectSignal(t, ch)
	expectQuiet(t, ch)
}

func TestWatcher_StartFailsOnMissingDirectory(t *testing.T) {
	w, err := New(Config{StoreDir: filepath.Join(t.TempDir(), "missing"), DebounceDur: time.Millisecond})
	require.NoError(t, err)
	defer w.Stop() //nolint:errcheck

	_, err = w.Start()
	assert.Error(t, err)
}

func TestIsRelevantEvent(t *testing.T) {
	w := &Watcher{}

	relevant := []fsnotify.Event{
		{Name: "/s/issues.jsonl", Op: fsnotify.Write},
		{Name: "/s/beads.db", Op: fsnotify.Create},
		{Name: "/s/beads.db-wal", Op: fsnotify.Write},
		{Name: "/s/redirect", Op: fsnotify.Create},
	}
	for _, ev := range relevant {
		assert.True(t, w.isRelevantEvent(ev), ev.Name)
	}

	irrelevant := []fsnotify.Event{
		{Name: "/s/issues.jsonl", Op: fsnotify.Chmod},
		{Name: "/s/issues.jsonl", Op: fsnotify.Remove},
		{Name: "/s/notes.txt", Op: fsnotify.Write},
	}
	for _, ev := range irrelevant {
		assert.False(t, w.isRelevantEvent(ev), ev.Name)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("/store")
	assert.Equal(t, "/store", cfg.StoreDir)
	assert.Equal(t, time.Second, cfg.DebounceDur)
}
