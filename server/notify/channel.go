package notify

import (
	"go.uber.org/zap"

	"github.com/VeeNyanjau/findme-demo/server/alert"
	"github.com/VeeNyanjau/findme-demo/server/ws"
)

// Channel delivers one accepted alert to its audience. Both observers may
// deliver the same alert through their own channel; that duplication across
// channels is intentional.
type Channel interface {
	Deliver(rec alert.Record)
}

// WebSocketChannel pushes alerts to the community's connected foreground
// clients.
type WebSocketChannel struct {
	hub       *ws.Hub
	community string
}

// NewWebSocketChannel creates the foreground delivery channel for one
// community.
func NewWebSocketChannel(hub *ws.Hub, community string) *WebSocketChannel {
	return &WebSocketChannel{hub: hub, community: community}
}

// Deliver broadcasts the alert payload to the community's clients.
func (c *WebSocketChannel) Deliver(rec alert.Record) {
	c.hub.Broadcast(c.community, NewPayload(rec))
}

// LogChannel writes alerts as high-priority structured log records. It is
// the background monitor's delivery channel, standing in for a system
// notification surface.
type LogChannel struct {
	log *zap.SugaredLogger
}

// NewLogChannel creates the background delivery channel.
func NewLogChannel(log *zap.SugaredLogger) *LogChannel {
	return &LogChannel{log: log}
}

// Deliver writes the emergency record.
func (c *LogChannel) Deliver(rec alert.Record) {
	fields := []any{
		"sender", rec.SenderID,
		"location", rec.Location,
		"time", rec.Timestamp,
		"source", string(rec.Source),
	}
	if rec.SenderPhone != "" {
		fields = append(fields, "phone", rec.SenderPhone)
	}
	if link, ok := MapLink(rec); ok {
		fields = append(fields, "map", link)
	}

	c.log.Warnw("EMERGENCY alert received", fields...)
}
