package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder collects delivered records in order.
type recorder struct {
	mu      sync.Mutex
	records []map[string]any
	signal  chan struct{}
}

func newRecorder() *recorder {
	return &recorder{signal: make(chan struct{}, 64)}
}

func (r *recorder) fn(record map[string]any) {
	r.mu.Lock()
	r.records = append(r.records, record)
	r.mu.Unlock()
	r.signal <- struct{}{}
}

func (r *recorder) waitFor(t *testing.T, n int) []map[string]any {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		r.mu.Lock()
		if len(r.records) >= n {
			out := make([]map[string]any, len(r.records))
			copy(out, r.records)
			r.mu.Unlock()
			return out
		}
		r.mu.Unlock()

		select {
		case <-r.signal:
		case <-deadline:
			t.Fatalf("timed out waiting for %d records", n)
		}
	}
}

func rec(sender string) map[string]any {
	return map[string]any{"senderId": sender}
}

func TestMemoryStoreTail(t *testing.T) {
	ctx := context.Background()

	t.Run("replays full history before live records", func(t *testing.T) {
		s := NewMemoryStore()
		defer func() { _ = s.Close() }()

		require.NoError(t, s.Publish(ctx, "acme", rec("USER-AA1")))
		require.NoError(t, s.Publish(ctx, "acme", rec("USER-BB2")))

		r := newRecorder()
		sub, err := s.SubscribeTail(ctx, "acme", r.fn)
		require.NoError(t, err)
		defer func() { _ = sub.Close() }()

		require.NoError(t, s.Publish(ctx, "acme", rec("USER-CC3")))

		got := r.waitFor(t, 3)
		assert.Equal(t, "USER-AA1", got[0]["senderId"])
		assert.Equal(t, "USER-BB2", got[1]["senderId"])
		assert.Equal(t, "USER-CC3", got[2]["senderId"])
	})

	t.Run("partitions are isolated", func(t *testing.T) {
		s := NewMemoryStore()
		defer func() { _ = s.Close() }()

		require.NoError(t, s.Publish(ctx, "other", rec("USER-ZZ9")))

		r := newRecorder()
		sub, err := s.SubscribeTail(ctx, "acme", r.fn)
		require.NoError(t, err)
		defer func() { _ = sub.Close() }()

		require.NoError(t, s.Publish(ctx, "acme", rec("USER-AA1")))

		got := r.waitFor(t, 1)
		assert.Len(t, got, 1)
		assert.Equal(t, "USER-AA1", got[0]["senderId"])
	})

	t.Run("closed subscription receives nothing further", func(t *testing.T) {
		s := NewMemoryStore()
		defer func() { _ = s.Close() }()

		r := newRecorder()
		sub, err := s.SubscribeTail(ctx, "acme", r.fn)
		require.NoError(t, err)

		require.NoError(t, s.Publish(ctx, "acme", rec("USER-AA1")))
		r.waitFor(t, 1)

		require.NoError(t, sub.Close())
		require.NoError(t, s.Publish(ctx, "acme", rec("USER-BB2")))

		time.Sleep(50 * time.Millisecond)
		r.mu.Lock()
		defer r.mu.Unlock()
		assert.Len(t, r.records, 1)
	})

	t.Run("close is idempotent", func(t *testing.T) {
		s := NewMemoryStore()
		defer func() { _ = s.Close() }()

		sub, err := s.SubscribeTail(ctx, "acme", func(map[string]any) {})
		require.NoError(t, err)

		assert.NoError(t, sub.Close())
		assert.NoError(t, sub.Close())
	})

	t.Run("two subscriptions each replay history", func(t *testing.T) {
		s := NewMemoryStore()
		defer func() { _ = s.Close() }()

		require.NoError(t, s.Publish(ctx, "acme", rec("USER-AA1")))

		first := newRecorder()
		second := newRecorder()

		subA, err := s.SubscribeTail(ctx, "acme", first.fn)
		require.NoError(t, err)
		defer func() { _ = subA.Close() }()

		subB, err := s.SubscribeTail(ctx, "acme", second.fn)
		require.NoError(t, err)
		defer func() { _ = subB.Close() }()

		assert.Equal(t, "USER-AA1", first.waitFor(t, 1)[0]["senderId"])
		assert.Equal(t, "USER-AA1", second.waitFor(t, 1)[0]["senderId"])
	})
}

func TestMemoryStoreKV(t *testing.T) {
	ctx := context.Background()

	t.Run("unset path reports not found without error", func(t *testing.T) {
		s := NewMemoryStore()
		defer func() { _ = s.Close() }()

		_, ok, err := s.Get(ctx, "prefs/active_community")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("set then get", func(t *testing.T) {
		s := NewMemoryStore()
		defer func() { _ = s.Close() }()

		require.NoError(t, s.Set(ctx, "prefs/active_community", "acme"))

		v, ok, err := s.Get(ctx, "prefs/active_community")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "acme", v)
	})

	t.Run("publish after close fails", func(t *testing.T) {
		s := NewMemoryStore()
		require.NoError(t, s.Close())

		assert.Error(t, s.Publish(ctx, "acme", rec("USER-AA1")))
	})
}
