// Package observer coordinates the two standing observers of a user's active
// community: the foreground "ui" observer that feeds connected clients, and
// the "background" monitor whose watermark survives restarts. Each observer
// moves through Detached → Subscribing → Listening independently, and the two
// never share a watermark.
package observer

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/VeeNyanjau/findme-demo/server/alert"
	"github.com/VeeNyanjau/findme-demo/server/dispatch"
	"github.com/VeeNyanjau/findme-demo/server/freshness"
	"github.com/VeeNyanjau/findme-demo/server/notify"
)

// Observer identities. The dispatcher keys filter state by these, so the
// foreground and background watermarks can never bleed into each other.
const (
	ForegroundID = "ui"
	BackgroundID = "background"
)

// State tracks where an observer is in its attach lifecycle.
type State int

const (
	// Detached means the observer holds no subscription.
	Detached State = iota

	// Subscribing means the observer is opening its subscription; alerts
	// are not yet flowing.
	Subscribing

	// Listening means the observer receives the community's alert stream.
	Listening
)

func (s State) String() string {
	switch s {
	case Detached:
		return "detached"
	case Subscribing:
		return "subscribing"
	case Listening:
		return "listening"
	default:
		return "unknown"
	}
}

// slot is one observer's attachment record. The channel is kept while
// attached so the background observer can resubscribe across a community
// switch.
type slot struct {
	id      string
	state   State
	channel notify.Channel
}

// Coordinator manages the foreground and background observers for one user.
type Coordinator struct {
	dispatcher *dispatch.Dispatcher
	filter     *freshness.Filter
	watermarks *freshness.WatermarkStore
	lookback   time.Duration
	log        *zap.SugaredLogger

	// clock is replaced in tests.
	clock func() time.Time

	mu         sync.Mutex
	community  string
	foreground slot
	background slot
}

// NewCoordinator creates a coordinator bound to a community. The watermark
// store persists only the background observer's position; the foreground
// observer is reseeded from the lookback bound on every attach.
func NewCoordinator(d *dispatch.Dispatcher, filter *freshness.Filter, watermarks *freshness.WatermarkStore, community string, lookback time.Duration, log *zap.SugaredLogger) *Coordinator {
	if lookback <= 0 {
		lookback = freshness.DefaultLookback
	}
	return &Coordinator{
		dispatcher: d,
		filter:     filter,
		watermarks: watermarks,
		lookback:   lookback,
		log:        log,
		clock:      time.Now,
		community:  community,
		foreground: slot{id: ForegroundID},
		background: slot{id: BackgroundID},
	}
}

// Community returns the community both observers are bound to.
func (c *Coordinator) Community() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.community
}

// ForegroundState reports the foreground observer's lifecycle state.
func (c *Coordinator) ForegroundState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.foreground.state
}

// BackgroundState reports the background observer's lifecycle state.
func (c *Coordinator) BackgroundState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.background.state
}

// AttachForeground subscribes the foreground observer with a fresh watermark
// seeded at the lookback bound. Attaching while already attached detaches
// first, so the watermark always resets on attach.
func (c *Coordinator) AttachForeground(ctx context.Context, ch notify.Channel) error {
	return c.attach(ctx, &c.foreground, ch)
}

// DetachForeground drops the foreground subscription. The watermark is
// discarded with it.
func (c *Coordinator) DetachForeground() {
	c.detach(&c.foreground)
}

// StartBackground subscribes the background observer, seeded from the
// persisted watermark (or the lookback bound if it is missing or behind).
// Every accepted alert advances and persists the watermark, so a restart
// resumes without replaying alerts that were already surfaced.
func (c *Coordinator) StartBackground(ctx context.Context, ch notify.Channel) error {
	return c.attach(ctx, &c.background, ch)
}

// StopBackground drops the background subscription. The persisted watermark
// stays behind for the next start.
func (c *Coordinator) StopBackground() {
	c.detach(&c.background)
}

// SetCommunity rebinds the coordinator to a new community. The background
// observer resubscribes from its persisted watermark. The foreground observer
// is detached and stays detached: its delivery channel targets the old
// community's audience, so the caller must attach a fresh channel once the
// new audience exists.
func (c *Coordinator) SetCommunity(ctx context.Context, community string) error {
	if community == "" {
		return errors.New("community cannot be empty")
	}

	c.mu.Lock()
	if community == c.community {
		c.mu.Unlock()
		return nil
	}
	old := c.community
	c.community = community
	reattachBg := c.background.state != Detached
	bgCh := c.background.channel
	c.mu.Unlock()

	c.detachFrom(&c.foreground, old)
	if reattachBg {
		c.detachFrom(&c.background, old)
	}

	if c.log != nil {
		c.log.Infow("Switched community", "from", old, "to", community)
	}

	if reattachBg {
		if err := c.attach(ctx, &c.background, bgCh); err != nil {
			return errors.Wrap(err, "failed to reattach background observer")
		}
	}
	return nil
}

// Close detaches both observers.
func (c *Coordinator) Close() {
	c.DetachForeground()
	c.StopBackground()
}

func (c *Coordinator) attach(ctx context.Context, s *slot, ch notify.Channel) error {
	if ch == nil {
		return errors.New("delivery channel is required")
	}

	c.mu.Lock()
	if s.state != Detached {
		community := c.community
		c.mu.Unlock()
		c.detachFrom(s, community)
		c.mu.Lock()
	}
	s.state = Subscribing
	s.channel = ch
	community := c.community
	c.mu.Unlock()

	seed := c.seedFor(ctx, s.id)
	handler := c.handlerFor(s.id, ch)

	if err := c.dispatcher.Subscribe(ctx, community, s.id, c.filter, seed, handler); err != nil {
		c.mu.Lock()
		s.state = Detached
		s.channel = nil
		c.mu.Unlock()
		return errors.Wrapf(err, "failed to subscribe %s observer", s.id)
	}

	c.mu.Lock()
	s.state = Listening
	c.mu.Unlock()

	if c.log != nil {
		c.log.Infow("Observer listening",
			"observerId", s.id, "community", community, "watermark", seed)
	}
	return nil
}

func (c *Coordinator) detach(s *slot) {
	c.mu.Lock()
	community := c.community
	c.mu.Unlock()
	c.detachFrom(s, community)
}

func (c *Coordinator) detachFrom(s *slot, community string) {
	c.mu.Lock()
	if s.state == Detached {
		c.mu.Unlock()
		return
	}
	s.state = Detached
	s.channel = nil
	c.mu.Unlock()

	c.dispatcher.Unsubscribe(community, s.id)

	if c.log != nil {
		c.log.Infow("Observer detached", "observerId", s.id, "community", community)
	}
}

// seedFor picks the starting watermark: background loads its persisted
// position, foreground always starts at the lookback bound.
func (c *Coordinator) seedFor(ctx context.Context, observerID string) time.Time {
	if observerID == BackgroundID && c.watermarks != nil {
		return c.watermarks.Load(ctx, c.clock())
	}
	return freshness.SeedWatermark(c.clock(), c.lookback)
}

// handlerFor builds the dispatch handler: deliver through the observer's
// channel, and for the background observer persist the advanced watermark so
// an accepted alert is never resurfaced after a restart.
func (c *Coordinator) handlerFor(observerID string, ch notify.Channel) dispatch.Handler {
	return func(rec alert.Record, watermark time.Time) {
		ch.Deliver(rec)

		if observerID == BackgroundID && c.watermarks != nil {
			if err := c.watermarks.Save(context.Background(), watermark); err != nil && c.log != nil {
				c.log.Warnw("Failed to persist background watermark",
					"watermark", watermark, "error", err)
			}
		}
	}
}
