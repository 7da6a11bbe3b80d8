package observer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VeeNyanjau/findme-demo/server/alert"
	"github.com/VeeNyanjau/findme-demo/server/dispatch"
	"github.com/VeeNyanjau/findme-demo/server/freshness"
	"github.com/VeeNyanjau/findme-demo/server/store"
)

// sink is a delivery channel that records what reached it.
type sink struct {
	mu     sync.Mutex
	alerts []alert.Record
	signal chan struct{}
}

func newSink() *sink {
	return &sink{signal: make(chan struct{}, 64)}
}

func (s *sink) Deliver(rec alert.Record) {
	s.mu.Lock()
	s.alerts = append(s.alerts, rec)
	s.mu.Unlock()
	s.signal <- struct{}{}
}

func (s *sink) waitFor(t *testing.T, n int) []alert.Record {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		s.mu.Lock()
		if len(s.alerts) >= n {
			out := make([]alert.Record, len(s.alerts))
			copy(out, s.alerts)
			s.mu.Unlock()
			return out
		}
		s.mu.Unlock()

		select {
		case <-s.signal:
		case <-deadline:
			t.Fatalf("timed out waiting for %d delivered alerts", n)
		}
	}
}

func (s *sink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.alerts)
}

type fixture struct {
	store      *store.MemoryStore
	dispatcher *dispatch.Dispatcher
	watermarks *freshness.WatermarkStore
	coord      *Coordinator
}

func newFixture(t *testing.T, community string) *fixture {
	t.Helper()

	st := store.NewMemoryStore()
	t.Cleanup(func() { _ = st.Close() })

	d := dispatch.NewDispatcher(st, nil, nil)
	t.Cleanup(d.Close)

	wm := freshness.NewWatermarkStore(st, BackgroundID, 5*time.Minute, nil)
	coord := NewCoordinator(d, freshness.NewFilter("USER-XY9"), wm, community, 5*time.Minute, nil)
	t.Cleanup(coord.Close)

	return &fixture{store: st, dispatcher: d, watermarks: wm, coord: coord}
}

func (f *fixture) publish(t *testing.T, community, sender string, at time.Time) {
	t.Helper()
	rec := alert.New(sender, "", -1.2921, 36.8219, alert.SourceGPS, true, at)
	require.NoError(t, f.store.Publish(context.Background(), community, rec.ToMap()))
}

func TestForegroundObserver(t *testing.T) {
	ctx := context.Background()

	t.Run("attach transitions to listening and delivers fresh alerts", func(t *testing.T) {
		f := newFixture(t, "acme")
		assert.Equal(t, Detached, f.coord.ForegroundState())

		ui := newSink()
		require.NoError(t, f.coord.AttachForeground(ctx, ui))
		assert.Equal(t, Listening, f.coord.ForegroundState())

		f.publish(t, "acme", "USER-AB2", time.Now())
		assert.Equal(t, "USER-AB2", ui.waitFor(t, 1)[0].SenderID)
	})

	t.Run("self-sent alerts never surface", func(t *testing.T) {
		f := newFixture(t, "acme")

		ui := newSink()
		require.NoError(t, f.coord.AttachForeground(ctx, ui))

		f.publish(t, "acme", "USER-XY9", time.Now())
		f.publish(t, "acme", "USER-AB2", time.Now())

		got := ui.waitFor(t, 1)
		assert.Equal(t, "USER-AB2", got[0].SenderID)
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, 1, ui.count())
	})

	t.Run("detach stops delivery and is idempotent", func(t *testing.T) {
		f := newFixture(t, "acme")

		ui := newSink()
		require.NoError(t, f.coord.AttachForeground(ctx, ui))

		f.coord.DetachForeground()
		f.coord.DetachForeground()
		assert.Equal(t, Detached, f.coord.ForegroundState())

		f.publish(t, "acme", "USER-AB2", time.Now())
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, 0, ui.count())
	})

	t.Run("reattach seeds at the lookback bound", func(t *testing.T) {
		f := newFixture(t, "acme")

		ui := newSink()
		require.NoError(t, f.coord.AttachForeground(ctx, ui))
		f.coord.DetachForeground()

		// History replays on reattach; only the record inside the lookback
		// window clears the fresh seed.
		f.publish(t, "acme", "USER-AB2", time.Now().Add(-10*time.Minute))
		f.publish(t, "acme", "USER-AB2", time.Now().Add(-time.Minute))

		reattached := newSink()
		require.NoError(t, f.coord.AttachForeground(ctx, reattached))

		reattached.waitFor(t, 1)
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, 1, reattached.count())
	})
}

func TestBackgroundObserver(t *testing.T) {
	ctx := context.Background()

	t.Run("accepted alert persists the watermark", func(t *testing.T) {
		f := newFixture(t, "acme")

		bg := newSink()
		require.NoError(t, f.coord.StartBackground(ctx, bg))
		assert.Equal(t, Listening, f.coord.BackgroundState())

		at := time.Now()
		f.publish(t, "acme", "USER-AB2", at)
		bg.waitFor(t, 1)

		// Save runs on the delivery goroutine right after Deliver returns.
		require.Eventually(t, func() bool {
			raw, ok, err := f.store.Get(ctx, "watermarks/background")
			return err == nil && ok && raw != ""
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("restart resumes past alerts already surfaced", func(t *testing.T) {
		f := newFixture(t, "acme")

		bg := newSink()
		require.NoError(t, f.coord.StartBackground(ctx, bg))

		f.publish(t, "acme", "USER-AB2", time.Now().Add(-time.Minute))
		bg.waitFor(t, 1)

		require.Eventually(t, func() bool {
			_, ok, err := f.store.Get(ctx, "watermarks/background")
			return err == nil && ok
		}, 2*time.Second, 10*time.Millisecond)

		f.coord.StopBackground()

		// A fresh coordinator over the same store stands in for a restarted
		// process. The persisted watermark keeps history replay quiet.
		d2 := dispatch.NewDispatcher(f.store, nil, nil)
		defer d2.Close()
		wm2 := freshness.NewWatermarkStore(f.store, BackgroundID, 5*time.Minute, nil)
		coord2 := NewCoordinator(d2, freshness.NewFilter("USER-XY9"), wm2, "acme", 5*time.Minute, nil)
		defer coord2.Close()

		restarted := newSink()
		require.NoError(t, coord2.StartBackground(ctx, restarted))

		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, 0, restarted.count())

		// New alerts still flow.
		f.publish(t, "acme", "USER-AB2", time.Now())
		restarted.waitFor(t, 1)
	})
}

func TestObserverIndependence(t *testing.T) {
	ctx := context.Background()

	t.Run("both observers surface the same alert through their own channels", func(t *testing.T) {
		f := newFixture(t, "acme")

		ui := newSink()
		bg := newSink()
		require.NoError(t, f.coord.AttachForeground(ctx, ui))
		require.NoError(t, f.coord.StartBackground(ctx, bg))

		f.publish(t, "acme", "USER-AB2", time.Now())

		assert.Equal(t, "USER-AB2", ui.waitFor(t, 1)[0].SenderID)
		assert.Equal(t, "USER-AB2", bg.waitFor(t, 1)[0].SenderID)
	})

	t.Run("detaching one observer leaves the other listening", func(t *testing.T) {
		f := newFixture(t, "acme")

		ui := newSink()
		bg := newSink()
		require.NoError(t, f.coord.AttachForeground(ctx, ui))
		require.NoError(t, f.coord.StartBackground(ctx, bg))

		f.coord.DetachForeground()

		f.publish(t, "acme", "USER-AB2", time.Now())
		bg.waitFor(t, 1)
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, 0, ui.count())
	})
}

func TestSetCommunity(t *testing.T) {
	ctx := context.Background()

	t.Run("resubscribes the background observer to the new community", func(t *testing.T) {
		f := newFixture(t, "acme")

		bg := newSink()
		require.NoError(t, f.coord.StartBackground(ctx, bg))

		require.NoError(t, f.coord.SetCommunity(ctx, "globex"))
		assert.Equal(t, "globex", f.coord.Community())
		assert.Equal(t, Listening, f.coord.BackgroundState())

		// Alerts in the old community are no longer heard.
		f.publish(t, "acme", "USER-AB2", time.Now())
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, 0, bg.count())

		f.publish(t, "globex", "USER-AB2", time.Now())
		bg.waitFor(t, 1)
	})

	t.Run("leaves the foreground detached for a fresh channel", func(t *testing.T) {
		f := newFixture(t, "acme")

		stale := newSink()
		require.NoError(t, f.coord.AttachForeground(ctx, stale))

		require.NoError(t, f.coord.SetCommunity(ctx, "globex"))
		assert.Equal(t, Detached, f.coord.ForegroundState())

		// The old channel hears nothing from either community.
		f.publish(t, "acme", "USER-AB2", time.Now())
		f.publish(t, "globex", "USER-AB2", time.Now())
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, 0, stale.count())

		// A fresh channel attaches to the new community as usual.
		ui := newSink()
		require.NoError(t, f.coord.AttachForeground(ctx, ui))
		f.publish(t, "globex", "USER-AB2", time.Now())
		ui.waitFor(t, 1)
	})

	t.Run("detached observers stay detached", func(t *testing.T) {
		f := newFixture(t, "acme")

		require.NoError(t, f.coord.SetCommunity(ctx, "globex"))
		assert.Equal(t, Detached, f.coord.ForegroundState())
		assert.Equal(t, Detached, f.coord.BackgroundState())
	})

	t.Run("same community is a no-op", func(t *testing.T) {
		f := newFixture(t, "acme")

		ui := newSink()
		require.NoError(t, f.coord.AttachForeground(ctx, ui))
		require.NoError(t, f.coord.SetCommunity(ctx, "acme"))

		f.publish(t, "acme", "USER-AB2", time.Now())
		ui.waitFor(t, 1)
	})

	t.Run("empty community is rejected", func(t *testing.T) {
		f := newFixture(t, "acme")
		assert.Error(t, f.coord.SetCommunity(ctx, ""))
	})
}
