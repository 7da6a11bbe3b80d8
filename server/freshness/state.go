package freshness

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/VeeNyanjau/findme-demo/server/store"
)

// WatermarkStore persists one observer's watermark so it survives process
// restarts. The value is stored as epoch milliseconds under a key scoped to
// the observer ID.
//
// Concurrent writers to the same key are tolerated: every write goes through
// a read-max-write sequence, so the stored value only ever moves forward and
// the race between two updaters is benign.
type WatermarkStore struct {
	kv         store.KV
	observerID string
	lookback   time.Duration
	log        *zap.SugaredLogger
}

// NewWatermarkStore creates a watermark store for one observer identity.
func NewWatermarkStore(kv store.KV, observerID string, lookback time.Duration, log *zap.SugaredLogger) *WatermarkStore {
	if lookback <= 0 {
		lookback = DefaultLookback
	}
	return &WatermarkStore{
		kv:         kv,
		observerID: observerID,
		lookback:   lookback,
		log:        log,
	}
}

func (s *WatermarkStore) key() string {
	return fmt.Sprintf("watermarks/%s", s.observerID)
}

// Load returns the watermark to seed a new subscription with: the persisted
// value or the lookback bound, whichever is later. A missing or unreadable
// persisted value degrades to the lookback seed.
func (s *WatermarkStore) Load(ctx context.Context, now time.Time) time.Time {
	seed := SeedWatermark(now, s.lookback)

	raw, ok, err := s.kv.Get(ctx, s.key())
	if err != nil {
		if s.log != nil {
			s.log.Warnw("Failed to load persisted watermark, using lookback seed",
				"observerId", s.observerID, "error", err)
		}
		return seed
	}
	if !ok {
		return seed
	}

	millis, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		if s.log != nil {
			s.log.Warnw("Persisted watermark is malformed, using lookback seed",
				"observerId", s.observerID, "value", raw)
		}
		return seed
	}

	persisted := time.UnixMilli(millis)
	if persisted.After(seed) {
		return persisted
	}
	return seed
}

// Save persists the watermark if it is ahead of the stored value. Called
// after every accepted alert.
func (s *WatermarkStore) Save(ctx context.Context, watermark time.Time) error {
	raw, ok, err := s.kv.Get(ctx, s.key())
	if err != nil {
		return fmt.Errorf("failed to read persisted watermark: %w", err)
	}

	if ok {
		if millis, parseErr := strconv.ParseInt(raw, 10, 64); parseErr == nil {
			if !watermark.After(time.UnixMilli(millis)) {
				return nil
			}
		}
	}

	if err := s.kv.Set(ctx, s.key(), strconv.FormatInt(watermark.UnixMilli(), 10)); err != nil {
		return fmt.Errorf("failed to persist watermark: %w", err)
	}

	return nil
}
