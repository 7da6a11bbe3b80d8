// Package ws pushes accepted alerts to connected foreground clients over
// WebSocket. Clients attach to one community each; the hub reports when a
// community gains its first client and loses its last one, which is what
// drives foreground observer attach/detach.
package ws

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 45 * time.Second
	maxMessageSize = 512
	sendBufferSize = 32
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// AttachFunc is invoked with a community name when its client population
// transitions between zero and nonzero.
type AttachFunc func(community string)

// Hub tracks connected clients grouped by community.
type Hub struct {
	log *zap.SugaredLogger

	onFirst AttachFunc
	onLast  AttachFunc

	mu      sync.Mutex
	closed  bool
	clients map[string]map[*client]struct{}
}

// NewHub creates an empty hub. The attach hooks may be nil.
func NewHub(log *zap.SugaredLogger, onFirst, onLast AttachFunc) *Hub {
	return &Hub{
		log:     log,
		onFirst: onFirst,
		onLast:  onLast,
		clients: make(map[string]map[*client]struct{}),
	}
}

// ServeClient upgrades the request and attaches the connection to the
// community until the peer disconnects.
func (h *Hub) ServeClient(w http.ResponseWriter, r *http.Request, community string) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	c := &client{
		id:        uuid.NewString(),
		community: community,
		hub:       h,
		conn:      conn,
		send:      make(chan []byte, sendBufferSize),
	}

	if !h.register(c) {
		_ = conn.Close()
		return nil
	}

	go c.writePump()
	go c.readPump()

	if h.log != nil {
		h.log.Infow("Client attached", "clientId", c.id, "community", community)
	}
	return nil
}

// Broadcast sends the payload to every client attached to the community.
// Slow clients are skipped rather than blocking delivery.
func (h *Hub) Broadcast(community string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		if h.log != nil {
			h.log.Errorw("Failed to encode broadcast payload", "community", community, "error", err)
		}
		return
	}

	h.mu.Lock()
	targets := make([]*client, 0, len(h.clients[community]))
	for c := range h.clients[community] {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		select {
		case c.send <- data:
		default:
			if h.log != nil {
				h.log.Warnw("Dropping broadcast for slow client", "clientId", c.id)
			}
		}
	}
}

// ClientCount returns the number of clients attached to the community.
func (h *Hub) ClientCount(community string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients[community])
}

// CloseCommunity disconnects every client attached to the community without
// firing the attach hooks. Used when the community stops being served and
// its clients can never receive another broadcast.
func (h *Hub) CloseCommunity(community string) {
	h.mu.Lock()
	set := h.clients[community]
	delete(h.clients, community)
	targets := make([]*client, 0, len(set))
	for c := range set {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		close(c.send)
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	var all []*client
	for _, set := range h.clients {
		for c := range set {
			all = append(all, c)
		}
	}
	h.clients = make(map[string]map[*client]struct{})
	h.mu.Unlock()

	for _, c := range all {
		close(c.send)
	}
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}

	set, ok := h.clients[c.community]
	if !ok {
		set = make(map[*client]struct{})
		h.clients[c.community] = set
	}
	set[c] = struct{}{}
	first := len(set) == 1
	h.mu.Unlock()

	if first && h.onFirst != nil {
		h.onFirst(c.community)
	}
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	set, ok := h.clients[c.community]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, attached := set[c]; !attached {
		h.mu.Unlock()
		return
	}
	delete(set, c)
	last := len(set) == 0
	if last {
		delete(h.clients, c.community)
	}
	h.mu.Unlock()

	close(c.send)

	if last && h.onLast != nil {
		h.onLast(c.community)
	}
}

type client struct {
	id        string
	community string
	hub       *Hub
	conn      *websocket.Conn
	send      chan []byte
}

// readPump discards inbound frames; the stream is push-only. It exists to
// process control frames and to notice disconnects.
func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
