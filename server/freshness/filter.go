// Package freshness decides whether an incoming alert is new for a given
// observer. The store replays a community's entire alert history to every
// fresh tail subscription, so this filter is the only thing standing between
// an observer and a re-notification storm on every start.
package freshness

import (
	"strings"
	"time"

	"github.com/VeeNyanjau/findme-demo/server/alert"
)

// DefaultLookback is how far behind "now" a newly seeded watermark sits.
// It bounds the worst case where a just-sent or clock-skewed alert would
// otherwise be dropped as stale by a brand-new observer.
const DefaultLookback = 5 * time.Minute

// Decision is the outcome of evaluating one record against a watermark.
type Decision int

const (
	// Rejected means the record must not be surfaced: it is self-sent,
	// malformed, or not newer than the watermark.
	Rejected Decision = iota

	// Accepted means the record is new for this observer and the watermark
	// has advanced to its event time.
	Accepted
)

// Filter evaluates records for a single identity. It is pure and safe for
// concurrent use; the watermark lives with the caller.
type Filter struct {
	selfID string
}

// NewFilter creates a filter for the given local identity. Records sent by
// that identity are never accepted.
func NewFilter(selfID string) *Filter {
	return &Filter{selfID: strings.TrimSpace(selfID)}
}

// SeedWatermark returns the watermark for a freshly attached observer:
// lookback before now.
func SeedWatermark(now time.Time, lookback time.Duration) time.Time {
	if lookback <= 0 {
		lookback = DefaultLookback
	}
	return now.Add(-lookback)
}

// Accept decides whether the record is new relative to the watermark and
// returns the watermark to carry forward. The returned watermark never moves
// backward. Malformed input degrades to Rejected; this path must not fail.
func (f *Filter) Accept(rec alert.Record, watermark time.Time) (Decision, time.Time) {
	senderID := strings.TrimSpace(rec.SenderID)
	if senderID == "" || senderID == f.selfID {
		return Rejected, watermark
	}

	eventTime, err := rec.EventTime()
	if err != nil {
		return Rejected, watermark
	}

	if !eventTime.After(watermark) {
		return Rejected, watermark
	}

	return Accepted, eventTime
}
