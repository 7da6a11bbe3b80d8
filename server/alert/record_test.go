package alert

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	now := time.Date(2025, 3, 14, 9, 26, 53, 0, time.Local)

	t.Run("with captured location", func(t *testing.T) {
		rec := New("USER-AB2", "+254700000001", -1.2921, 36.8219, SourceGPS, true, now)

		assert.Equal(t, TypeEmergency, rec.Type)
		assert.Equal(t, "USER-AB2", rec.SenderID)
		assert.Equal(t, "2025-03-14 09:26:53", rec.Timestamp)
		assert.Equal(t, "Lat: -1.2921, Lon: 36.8219", rec.Location)
		assert.True(t, rec.HasLocation())
	})

	t.Run("without captured location", func(t *testing.T) {
		rec := New("USER-AB2", "", 0, 0, SourceUnavailable, false, now)

		assert.Equal(t, LocationUnavailable, rec.Location)
		assert.False(t, rec.HasLocation())
	})
}

func TestEventTime(t *testing.T) {
	t.Run("valid timestamp round-trips", func(t *testing.T) {
		now := time.Date(2025, 3, 14, 9, 26, 53, 0, time.Local)
		rec := New("USER-AB2", "", 0, 0, SourceUnavailable, false, now)

		parsed, err := rec.EventTime()
		require.NoError(t, err)
		assert.True(t, parsed.Equal(now))
	})

	t.Run("empty timestamp is an error", func(t *testing.T) {
		rec := Record{}

		_, err := rec.EventTime()
		assert.Error(t, err)
	})

	t.Run("malformed timestamp is an error", func(t *testing.T) {
		rec := Record{Timestamp: "14/03/2025 09:26"}

		_, err := rec.EventTime()
		assert.Error(t, err)
	})
}

func TestMapCodec(t *testing.T) {
	t.Run("round trip preserves all fields", func(t *testing.T) {
		now := time.Date(2025, 3, 14, 9, 26, 53, 0, time.Local)
		rec := New("USER-AB2", "+254700000001", -1.2921, 36.8219, SourceGPS, true, now)

		decoded := FromMap(rec.ToMap())
		assert.Equal(t, rec, decoded)
	})

	t.Run("missing keys decode to zero values", func(t *testing.T) {
		decoded := FromMap(map[string]any{"senderId": "USER-XY9"})

		assert.Equal(t, "USER-XY9", decoded.SenderID)
		assert.Empty(t, decoded.Timestamp)
		assert.Zero(t, decoded.RawLat)
	})

	t.Run("numeric fields tolerate wire type drift", func(t *testing.T) {
		// JSON decoding can deliver coordinates as json.Number-ish strings
		// depending on the store client.
		decoded := FromMap(map[string]any{
			"rawLat": "-1.2921",
			"rawLon": float32(36.5),
		})

		assert.InDelta(t, -1.2921, decoded.RawLat, 0.0001)
		assert.InDelta(t, 36.5, decoded.RawLon, 0.0001)
	})
}
