// Package notify renders accepted alerts and delivers them to an observer's
// channel: a WebSocket push for foreground clients, a structured log record
// for the background monitor.
package notify

import (
	"fmt"
	"strings"

	"github.com/VeeNyanjau/findme-demo/server/alert"
)

// MapLink returns a maps URL for the record's coordinates. Reports false
// when the record carries no usable location; callers must not render a map
// link in that case.
func MapLink(rec alert.Record) (string, bool) {
	if !rec.HasLocation() {
		return "", false
	}
	return fmt.Sprintf("https://maps.google.com/?q=%v,%v", rec.RawLat, rec.RawLon), true
}

// FormatAlert renders the record as the plain-text emergency message shown
// to community members.
func FormatAlert(rec alert.Record) string {
	var b strings.Builder

	fmt.Fprintf(&b, "User: %s\n", rec.SenderID)
	if rec.SenderPhone != "" {
		fmt.Fprintf(&b, "Phone: %s\n", rec.SenderPhone)
	}
	fmt.Fprintf(&b, "\nLocation: %s\n", rec.Location)
	if link, ok := MapLink(rec); ok {
		fmt.Fprintf(&b, "Map: %s\n", link)
	}
	fmt.Fprintf(&b, "\nTime: %s", rec.Timestamp)

	return b.String()
}

// Payload is the JSON shape delivered to foreground clients.
type Payload struct {
	Type      string `json:"type"`
	Sender    string `json:"sender"`
	Phone     string `json:"phone,omitempty"`
	Location  string `json:"location"`
	MapLink   string `json:"mapLink,omitempty"`
	Timestamp string `json:"timestamp"`
	Message   string `json:"message"`
}

// NewPayload builds the foreground delivery payload for a record.
func NewPayload(rec alert.Record) Payload {
	p := Payload{
		Type:      rec.Type,
		Sender:    rec.SenderID,
		Phone:     rec.SenderPhone,
		Location:  rec.Location,
		Timestamp: rec.Timestamp,
		Message:   FormatAlert(rec),
	}
	if link, ok := MapLink(rec); ok {
		p.MapLink = link
	}
	return p
}
