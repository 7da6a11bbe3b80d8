package alert

import (
	"fmt"
	"time"

	"github.com/spf13/cast"
)

// TimeLayout is the fixed wire format for alert timestamps. Stored records
// carry this exact textual form in the sender's local time zone, so it must
// not change without a data migration.
const TimeLayout = "2006-01-02 15:04:05"

// TypeEmergency is the only alert kind currently broadcast.
const TypeEmergency = "EMERGENCY"

// LocationUnavailable is the marker written in place of a coordinate string
// when the sender could not capture a location.
const LocationUnavailable = "Location Unavailable"

// Source describes where a record's coordinates came from.
type Source string

const (
	// SourceGPS means the coordinates were captured from a fresh GPS fix.
	SourceGPS Source = "GPS (Fresh)"

	// SourceCached means the coordinates came from the last known position.
	SourceCached Source = "Cached"

	// SourceUnavailable means no coordinates could be captured at all.
	SourceUnavailable Source = "Error"
)

// Record is a single emergency broadcast. Records are created once by the
// sender and never mutated; every community member receives the same copy.
type Record struct {
	// Type is the alert kind (currently always TypeEmergency).
	Type string `json:"type"`

	// SenderID is the stable human-readable handle of the sender.
	SenderID string `json:"senderId"`

	// SenderPhone is an optional contact number, may be empty.
	SenderPhone string `json:"senderPhone"`

	// Timestamp is the wall-clock creation time in TimeLayout form.
	// It is sender-assigned, not store-assigned.
	Timestamp string `json:"timestamp"`

	// Location is a human-readable coordinate string, or
	// LocationUnavailable when no position was captured.
	Location string `json:"location"`

	// Source records the provenance of the coordinates.
	Source Source `json:"source"`

	// RawLat and RawLon are only meaningful when HasLocation reports true.
	RawLat float64 `json:"rawLat"`
	RawLon float64 `json:"rawLon"`
}

// New builds an emergency record stamped at now. When captured is false the
// record carries the unavailable marker and consumers must not render a map
// link for it.
func New(senderID, senderPhone string, lat, lon float64, source Source, captured bool, now time.Time) Record {
	location := LocationUnavailable
	if captured {
		location = fmt.Sprintf("Lat: %v, Lon: %v", lat, lon)
	}

	return Record{
		Type:        TypeEmergency,
		SenderID:    senderID,
		SenderPhone: senderPhone,
		Timestamp:   now.Format(TimeLayout),
		Location:    location,
		Source:      source,
		RawLat:      lat,
		RawLon:      lon,
	}
}

// HasLocation reports whether the record carries usable coordinates.
func (r Record) HasLocation() bool {
	return r.Location != "" && r.Location != LocationUnavailable
}

// EventTime parses the record's wire timestamp in the local time zone.
// Returns an error for malformed or missing timestamps; callers in the
// freshness path treat that as a rejection, never a failure.
func (r Record) EventTime() (time.Time, error) {
	if r.Timestamp == "" {
		return time.Time{}, fmt.Errorf("record has no timestamp")
	}

	t, err := time.ParseInLocation(TimeLayout, r.Timestamp, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed timestamp %q: %w", r.Timestamp, err)
	}

	return t, nil
}

// ToMap converts the record to the structured-map wire form stored under a
// community partition.
func (r Record) ToMap() map[string]any {
	return map[string]any{
		"type":        r.Type,
		"senderId":    r.SenderID,
		"senderPhone": r.SenderPhone,
		"timestamp":   r.Timestamp,
		"location":    r.Location,
		"source":      string(r.Source),
		"rawLat":      r.RawLat,
		"rawLon":      r.RawLon,
	}
}

// FromMap decodes a structured-map wire record. Unknown keys are ignored and
// missing keys decode to zero values; validation of the result is a caller
// concern (the freshness filter rejects anything unusable).
func FromMap(m map[string]any) Record {
	return Record{
		Type:        cast.ToString(m["type"]),
		SenderID:    cast.ToString(m["senderId"]),
		SenderPhone: cast.ToString(m["senderPhone"]),
		Timestamp:   cast.ToString(m["timestamp"]),
		Location:    cast.ToString(m["location"]),
		Source:      Source(cast.ToString(m["source"])),
		RawLat:      cast.ToFloat64(m["rawLat"]),
		RawLon:      cast.ToFloat64(m["rawLon"]),
	}
}
