// Package dispatch fans the alert stream out to registered observers. It
// owns at most one live store subscription per community; observers on the
// same community share that subscription while each keeps an independent
// freshness watermark, so one observer's consumption never starves another.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/VeeNyanjau/findme-demo/server/alert"
	"github.com/VeeNyanjau/findme-demo/server/freshness"
	"github.com/VeeNyanjau/findme-demo/server/metrics"
	"github.com/VeeNyanjau/findme-demo/server/store"
)

// Handler receives one accepted alert together with the observer's advanced
// watermark. Handlers run on the community's delivery goroutine and should
// return quickly.
type Handler func(rec alert.Record, watermark time.Time)

// Dispatcher routes store records through each observer's freshness filter.
type Dispatcher struct {
	store   store.Store
	metrics *metrics.Metrics
	log     *zap.SugaredLogger

	mu    sync.Mutex
	feeds map[string]*communityFeed
}

// NewDispatcher creates a dispatcher on the given store. The metrics handle
// may be nil.
func NewDispatcher(st store.Store, m *metrics.Metrics, log *zap.SugaredLogger) *Dispatcher {
	return &Dispatcher{
		store:   st,
		metrics: m,
		log:     log,
		feeds:   make(map[string]*communityFeed),
	}
}

// communityFeed is one live store subscription plus the observers attached
// to it. The store delivers records for one subscription in a single ordered
// sequence, so filter evaluations per community are naturally serialized.
type communityFeed struct {
	community string

	mu        sync.Mutex
	sub       store.Subscription
	opening   bool
	abandoned bool
	observers map[string]*observerEntry
}

type observerEntry struct {
	filter    *freshness.Filter
	watermark time.Time
	handler   Handler
}

// Subscribe attaches an observer to the community's alert stream. The first
// observer on a community opens the underlying store subscription; later
// observers share it and do not replay history already consumed, which their
// seeded watermark makes indistinguishable anyway. Subscribing
// an observer ID that is already attached resets its watermark to seed.
func (d *Dispatcher) Subscribe(ctx context.Context, community, observerID string, filter *freshness.Filter, seed time.Time, handler Handler) error {
	if community == "" {
		return errors.New("community cannot be empty")
	}
	if observerID == "" {
		return errors.New("observer ID cannot be empty")
	}
	if filter == nil || handler == nil {
		return errors.New("filter and handler are required")
	}

	entry := &observerEntry{
		filter:    filter,
		watermark: seed,
		handler:   handler,
	}

	d.mu.Lock()
	feed, exists := d.feeds[community]
	if exists {
		d.mu.Unlock()

		feed.mu.Lock()
		feed.observers[observerID] = entry
		feed.mu.Unlock()

		if d.log != nil {
			d.log.Infow("Observer joined existing community feed",
				"community", community, "observerId", observerID)
		}
		return nil
	}

	feed = &communityFeed{
		community: community,
		opening:   true,
		observers: map[string]*observerEntry{observerID: entry},
	}
	d.feeds[community] = feed
	d.mu.Unlock()

	// Open the tail outside the dispatcher lock; history replay starts
	// immediately and must find the observer registered.
	sub, err := d.store.SubscribeTail(ctx, community, func(record map[string]any) {
		d.deliver(feed, record)
	})
	if err != nil {
		d.mu.Lock()
		if d.feeds[community] == feed {
			delete(d.feeds, community)
		}
		d.mu.Unlock()
		return errors.Wrapf(err, "failed to open tail for community %s", community)
	}

	feed.mu.Lock()
	feed.opening = false
	if feed.abandoned {
		// Every observer detached while the tail was opening; nobody else
		// will ever see this subscription, so close it here.
		feed.mu.Unlock()
		_ = sub.Close()
		return nil
	}
	feed.sub = sub
	feed.mu.Unlock()

	if d.log != nil {
		d.log.Infow("Opened community feed", "community", community, "observerId", observerID)
	}
	return nil
}

// Unsubscribe detaches an observer. The last observer on a community closes
// the underlying store subscription. Calling Unsubscribe when nothing is
// attached is a no-op.
func (d *Dispatcher) Unsubscribe(community, observerID string) {
	d.mu.Lock()
	feed, exists := d.feeds[community]
	if !exists {
		d.mu.Unlock()
		return
	}

	feed.mu.Lock()
	delete(feed.observers, observerID)
	remaining := len(feed.observers)
	sub := feed.sub
	if remaining == 0 && feed.opening {
		// The tail is still being opened; flag the feed so the opener
		// closes the subscription the moment it lands.
		feed.abandoned = true
	}
	feed.mu.Unlock()

	if remaining > 0 {
		d.mu.Unlock()
		return
	}

	delete(d.feeds, community)
	d.mu.Unlock()

	// Close after releasing the locks: Close waits for any in-flight
	// delivery, which needs the feed lock.
	if sub != nil {
		if err := sub.Close(); err != nil && d.log != nil {
			d.log.Warnw("Failed to close community feed",
				"community", community, "error", err)
		}
	}

	if d.log != nil {
		d.log.Infow("Closed community feed", "community", community, "observerId", observerID)
	}
}

// Publish appends a record to the community's partition. No retry and no
// local queuing; failure is the caller's to handle.
func (d *Dispatcher) Publish(ctx context.Context, community string, rec alert.Record) error {
	if community == "" {
		return errors.New("community cannot be empty")
	}

	if err := d.store.Publish(ctx, community, rec.ToMap()); err != nil {
		return errors.Wrapf(err, "failed to publish alert to community %s", community)
	}

	d.metrics.AlertPublished()
	return nil
}

// Close detaches every observer and releases all community feeds.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	feeds := make([]*communityFeed, 0, len(d.feeds))
	for _, feed := range d.feeds {
		feeds = append(feeds, feed)
	}
	d.feeds = make(map[string]*communityFeed)
	d.mu.Unlock()

	for _, feed := range feeds {
		feed.mu.Lock()
		sub := feed.sub
		if feed.opening {
			feed.abandoned = true
		}
		feed.observers = make(map[string]*observerEntry)
		feed.mu.Unlock()

		if sub != nil {
			_ = sub.Close()
		}
	}
}

// deliver evaluates one record against every observer on the feed. Each
// observer's decision is independent; a reject for one never suppresses an
// accept for another.
func (d *Dispatcher) deliver(feed *communityFeed, record map[string]any) {
	rec := alert.FromMap(record)

	type delivery struct {
		observerID string
		handler    Handler
		watermark  time.Time
	}
	var accepted []delivery

	feed.mu.Lock()
	for observerID, entry := range feed.observers {
		decision, next := entry.filter.Accept(rec, entry.watermark)
		entry.watermark = next

		if decision == freshness.Accepted {
			d.metrics.AlertAccepted(observerID)
			accepted = append(accepted, delivery{observerID, entry.handler, next})
		} else {
			d.metrics.AlertRejected(observerID)
		}
	}
	feed.mu.Unlock()

	// Invoke handlers outside the feed lock so a handler may call back
	// into the dispatcher.
	for _, del := range accepted {
		del.handler(rec, del.watermark)
	}
}
