package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/VeeNyanjau/findme-demo/server/alert"
	"github.com/VeeNyanjau/findme-demo/server/community"
)

// router builds the HTTP surface: the JSON API under /api/v1, the WebSocket
// upgrade endpoint, and the metrics exposition.
func (s *Server) router() *mux.Router {
	r := mux.NewRouter()

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/alerts", s.handlePublishAlert).Methods(http.MethodPost)
	api.HandleFunc("/communities", s.handleCreateCommunity).Methods(http.MethodPost)
	api.HandleFunc("/communities/{name}/members", s.handleJoinCommunity).Methods(http.MethodPost)
	api.HandleFunc("/identities", s.handleRegisterIdentity).Methods(http.MethodPost)
	api.HandleFunc("/identities/phone/{phone}", s.handleLookupPhone).Methods(http.MethodGet)
	api.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)

	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)

	return r
}

type publishAlertRequest struct {
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
	Captured bool    `json:"captured"`
	Source   string  `json:"source"`
}

// handlePublishAlert stamps and appends an emergency alert to the active
// community. The timestamp is assigned here, at send time, in the wire
// format the freshness filters parse.
func (s *Server) handlePublishAlert(w http.ResponseWriter, r *http.Request) {
	var req publishAlertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	source := alert.Source(req.Source)
	switch source {
	case alert.SourceGPS, alert.SourceCached:
	case alert.SourceUnavailable, "":
		source = alert.SourceUnavailable
		req.Captured = false
	default:
		writeError(w, http.StatusBadRequest, "unknown location source")
		return
	}

	rec := alert.New(s.Handle(), s.phone, req.Lat, req.Lon, source, req.Captured, time.Now())

	communityName := s.coordinator.Community()
	if err := s.dispatcher.Publish(r.Context(), communityName, rec); err != nil {
		s.log.Errorw("Failed to publish alert", "community", communityName, "error", err)
		writeError(w, http.StatusBadGateway, "failed to publish alert")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"community": communityName,
		"timestamp": rec.Timestamp,
	})
}

type communityRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleCreateCommunity(w http.ResponseWriter, r *http.Request) {
	var req communityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "community name is required")
		return
	}

	err := s.communities.Create(r.Context(), req.Name, s.Handle(), time.Now())
	switch {
	case errors.Is(err, community.ErrNameTaken):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		s.log.Errorw("Failed to create community", "community", req.Name, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create community")
	default:
		writeJSON(w, http.StatusCreated, map[string]any{"name": req.Name})
	}
}

// handleJoinCommunity joins the named community and makes it the active one
// for both observers.
func (s *Server) handleJoinCommunity(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	err := s.switchCommunity(r.Context(), name)
	switch {
	case errors.Is(err, community.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case err != nil:
		s.log.Errorw("Failed to join community", "community", name, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to join community")
	default:
		writeJSON(w, http.StatusOK, map[string]any{"name": name, "active": true})
	}
}

type registerIdentityRequest struct {
	Phone string `json:"phone"`
}

// handleRegisterIdentity allocates a handle for a new member and records the
// optional phone mapping.
func (s *Server) handleRegisterIdentity(w http.ResponseWriter, r *http.Request) {
	var req registerIdentityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	handle, err := s.identities.AllocateHandle(r.Context())
	if err != nil {
		s.log.Errorw("Failed to allocate handle", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to allocate handle")
		return
	}

	if err := s.identities.EnsureUser(r.Context(), handle, time.Now()); err != nil {
		s.log.Errorw("Failed to create user record", "handle", handle, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create user record")
		return
	}

	if req.Phone != "" {
		if err := s.identities.SaveMapping(r.Context(), req.Phone, handle); err != nil {
			s.log.Errorw("Failed to save phone mapping", "handle", handle, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to save phone mapping")
			return
		}
	}

	writeJSON(w, http.StatusCreated, map[string]any{"userId": handle})
}

func (s *Server) handleLookupPhone(w http.ResponseWriter, r *http.Request) {
	phone := mux.Vars(r)["phone"]

	userID, found, err := s.identities.LookupByPhone(r.Context(), phone)
	switch {
	case err != nil:
		s.log.Errorw("Failed to look up phone", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to look up phone")
	case !found:
		writeError(w, http.StatusNotFound, "no identity for that phone number")
	default:
		writeJSON(w, http.StatusOK, map[string]any{"userId": userID})
	}
}

// handleWebSocket attaches a foreground client to the active community's
// alert stream.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	communityName := s.coordinator.Community()
	if err := s.hub.ServeClient(w, r, communityName); err != nil {
		s.log.Warnw("WebSocket upgrade failed", "community", communityName, "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}
