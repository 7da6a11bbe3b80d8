// Package server assembles the alert distribution service: the store-backed
// directories, the dispatcher with its dual observers, the WebSocket hub for
// foreground clients, and the HTTP API that fronts all of it.
package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/VeeNyanjau/findme-demo/server/community"
	"github.com/VeeNyanjau/findme-demo/server/dispatch"
	"github.com/VeeNyanjau/findme-demo/server/freshness"
	"github.com/VeeNyanjau/findme-demo/server/identity"
	"github.com/VeeNyanjau/findme-demo/server/metrics"
	"github.com/VeeNyanjau/findme-demo/server/notify"
	"github.com/VeeNyanjau/findme-demo/server/observer"
	"github.com/VeeNyanjau/findme-demo/server/store"
	"github.com/VeeNyanjau/findme-demo/server/ws"
)

// Preference keys persisted on the store's key-value surface.
const (
	prefHandle    = "prefs/my_handle"
	prefCommunity = "prefs/active_community"
)

// Server owns the full service lifecycle.
type Server struct {
	cfg     Config
	log     *zap.SugaredLogger
	store   store.Store
	metrics *metrics.Metrics

	identities  *identity.Directory
	communities *community.Directory
	dispatcher  *dispatch.Dispatcher
	coordinator *observer.Coordinator
	hub         *ws.Hub

	httpServer *http.Server

	mu     sync.Mutex
	handle string
	phone  string
}

// New wires a server over an already-connected store. Nothing runs until
// Start.
func New(cfg Config, st store.Store, m *metrics.Metrics, log *zap.SugaredLogger) *Server {
	s := &Server{
		cfg:     cfg,
		log:     log,
		store:   st,
		metrics: m,
		phone:   cfg.Phone,
	}

	s.identities = identity.NewDirectory(st, log)
	s.communities = community.NewDirectory(st, log)
	s.dispatcher = dispatch.NewDispatcher(st, m, log)

	// Foreground observation follows the WebSocket client population: the
	// first client on the active community attaches the observer, the last
	// one detaches it.
	s.hub = ws.NewHub(log, s.onFirstClient, s.onLastClient)

	return s
}

// Start resolves the node identity, binds the community, brings up the
// background observer, and begins serving HTTP.
func (s *Server) Start(ctx context.Context) error {
	handle, err := s.resolveHandle(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to resolve handle")
	}
	s.mu.Lock()
	s.handle = handle
	s.mu.Unlock()

	if err := s.identities.EnsureUser(ctx, handle, time.Now()); err != nil {
		return errors.Wrap(err, "failed to ensure user record")
	}
	if s.phone != "" {
		if err := s.identities.SaveMapping(ctx, s.phone, handle); err != nil {
			return errors.Wrap(err, "failed to save phone mapping")
		}
	}

	activeCommunity, err := s.resolveCommunity(ctx, handle)
	if err != nil {
		return errors.Wrap(err, "failed to resolve community")
	}

	filter := freshness.NewFilter(handle)
	watermarks := freshness.NewWatermarkStore(s.store, observer.BackgroundID, s.cfg.Lookback, s.log)
	s.coordinator = observer.NewCoordinator(s.dispatcher, filter, watermarks,
		activeCommunity, s.cfg.Lookback, s.log)

	// The background monitor runs for the whole process lifetime; its
	// watermark survives restarts through the store.
	if err := s.coordinator.StartBackground(ctx, notify.NewLogChannel(s.log)); err != nil {
		return errors.Wrap(err, "failed to start background observer")
	}

	s.httpServer = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Errorw("HTTP server failed", "addr", s.cfg.ListenAddr, "error", err)
		}
	}()

	s.log.Infow("Server started",
		"addr", s.cfg.ListenAddr, "handle", handle, "community", activeCommunity)
	return nil
}

// Stop shuts the service down in dependency order: HTTP first so no new work
// arrives, then clients, observers, and feeds. The store is closed by its
// owner.
func (s *Server) Stop(ctx context.Context) {
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.Warnw("HTTP shutdown did not complete cleanly", "error", err)
		}
	}

	s.hub.Close()
	if s.coordinator != nil {
		s.coordinator.Close()
	}
	s.dispatcher.Close()

	s.log.Infow("Server stopped")
}

// Handle returns the node's resolved identity.
func (s *Server) Handle() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// resolveHandle reuses the persisted handle, falls back to the configured
// one, and allocates a fresh one on the node's first ever start.
func (s *Server) resolveHandle(ctx context.Context) (string, error) {
	persisted, ok, err := s.store.Get(ctx, prefHandle)
	if err != nil {
		return "", errors.Wrap(err, "failed to read persisted handle")
	}
	if ok && persisted != "" {
		return persisted, nil
	}

	handle := s.cfg.Handle
	if handle == "" {
		handle, err = s.identities.AllocateHandle(ctx)
		if err != nil {
			return "", err
		}
	}

	if err := s.store.Set(ctx, prefHandle, handle); err != nil {
		return "", errors.Wrap(err, "failed to persist handle")
	}
	return handle, nil
}

// resolveCommunity prefers the persisted active community over the
// configured default, and creates the community on first use.
func (s *Server) resolveCommunity(ctx context.Context, handle string) (string, error) {
	name := s.cfg.Community
	persisted, ok, err := s.store.Get(ctx, prefCommunity)
	if err != nil {
		return "", errors.Wrap(err, "failed to read active community")
	}
	if ok && persisted != "" {
		name = persisted
	}

	if err := s.communities.Join(ctx, name); err != nil {
		if !errors.Is(err, community.ErrNotFound) {
			return "", err
		}
		if err := s.communities.Create(ctx, name, handle, time.Now()); err != nil {
			return "", err
		}
	}

	if err := s.store.Set(ctx, prefCommunity, name); err != nil {
		return "", errors.Wrap(err, "failed to persist active community")
	}
	return name, nil
}

// switchCommunity joins the named community, rebinds the observers, and
// persists the choice. Clients attached to the old community's stream are
// disconnected; the foreground observer follows the new community's client
// population.
func (s *Server) switchCommunity(ctx context.Context, name string) error {
	if err := s.communities.Join(ctx, name); err != nil {
		return err
	}

	old := s.coordinator.Community()
	if err := s.coordinator.SetCommunity(ctx, name); err != nil {
		return err
	}
	if err := s.store.Set(ctx, prefCommunity, name); err != nil {
		return errors.Wrap(err, "failed to persist active community")
	}

	if old != name {
		// Nothing will ever be broadcast to the old stream again.
		s.hub.CloseCommunity(old)
	}
	if s.hub.ClientCount(name) > 0 {
		s.attachForeground(name)
	}
	return nil
}

// onFirstClient and onLastClient keep the foreground observer in step with
// the active community's client population. A hub group that is not the
// active community gets no observer: its clients are stale leftovers from a
// switch, not an audience.
func (s *Server) onFirstClient(communityName string) {
	if communityName != s.coordinator.Community() {
		return
	}
	s.attachForeground(communityName)
}

func (s *Server) onLastClient(communityName string) {
	if communityName != s.coordinator.Community() {
		return
	}
	s.coordinator.DetachForeground()
}

func (s *Server) attachForeground(communityName string) {
	ch := notify.NewWebSocketChannel(s.hub, communityName)
	if err := s.coordinator.AttachForeground(context.Background(), ch); err != nil {
		s.log.Errorw("Failed to attach foreground observer",
			"community", communityName, "error", err)
	}
}
