package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/foreman/internal/tasks"
	"github.com/zjrosen/foreman/internal/testutil"
)

func TestShow_ReadThrough(t *testing.T) {
	store := testutil.NewFakeStore(testutil.Issue("t-1", testutil.WithTitle("original")))
	c := New(store, time.Minute)

	issue, err := c.Show(context.Background(), "t-1")
	require.NoError(t, err)
	assert.Equal(t, "original", issue.Title)

	// A store mutation inside the TTL is invisible until invalidation.
	store.Put(testutil.Issue("t-1", testutil.WithTitle("changed")))
	issue, err = c.Show(context.Background(), "t-1")
	require.NoError(t, err)
	assert.Equal(t, "original", issue.Title)

	c.Invalidate("t-1")
	issue, err = c.Show(context.Background(), "t-1")
	require.NoError(t, err)
	assert.Equal(t, "changed", issue.Title)
}

func TestShow_ErrorsAreNotCached(t *testing.T) {
	store := testutil.NewFakeStore()
	c := New(store, time.Minute)

	_, err := c.Show(context.Background(), "t-1")
	require.ErrorIs(t, err, tasks.ErrNotFound)

	store.Put(testutil.Issue("t-1"))
	issue, err := c.Show(context.Background(), "t-1")
	require.NoError(t, err)
	assert.Equal(t, "t-1", issue.ID)
}

func TestShow_PropagatesStoreErrors(t *testing.T) {
	store := testutil.NewFakeStore()
	boom := errors.New("store offline")
	store.ShowErr["t-1"] = boom
	c := New(store, time.Minute)

	_, err := c.Show(context.Background(), "t-1")
	assert.ErrorIs(t, err, boom)
}

func TestFlush(t *testing.T) {
	store := testutil.NewFakeStore(testutil.Issue("t-1", testutil.WithTitle("original")))
	c := New(store, time.Minute)

	_, err := c.Show(context.Background(), "t-1")
	require.NoError(t, err)

	store.Put(testutil.Issue("t-1", testutil.WithTitle("changed")))
	c.Flush()

	issue, err := c.Show(context.Background(), "t-1")
	require.NoError(t, err)
	assert.Equal(t, "changed", issue.Title)
}

func TestNew_NonPositiveTTLUsesDefault(t *testing.T) {
	c := New(testutil.NewFakeStore(), 0)
	assert.Equal(t, DefaultTTL, c.ttl)
}
