// Package web serves a local status and control API. There is no
// configuration UI; this surface is observability and manual control only.
package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"streda-bridge/internal/coordinator"
	"streda-bridge/internal/entity"
	"streda-bridge/internal/streda"
)

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithVersion sets the version string reported by /api/health.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// Server is the local HTTP API.
type Server struct {
	coord          *coordinator.Coordinator
	topo           streda.Topology
	switches       []*entity.RelaySwitch
	byID           map[string]*entity.RelaySwitch
	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	version        string
	unsubEvents    func()
}

// NewServer creates the server and starts the websocket hub.
func NewServer(coord *coordinator.Coordinator, topo streda.Topology, switches []*entity.RelaySwitch, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		coord:    coord,
		topo:     topo,
		switches: switches,
		byID:     make(map[string]*entity.RelaySwitch, len(switches)),
		logger:   logger.With("component", "web"),
		mux:      http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, sw := range switches {
		s.byID[sw.UniqueID()] = sw
	}

	s.wsHub = NewWSHub(s.logger)
	go s.wsHub.Run()
	s.unsubEvents = coord.Events().OnAll(func(event coordinator.Event) {
		s.wsHub.Broadcast(event)
	})

	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/topology", s.handleTopology)
	s.mux.HandleFunc("GET /api/states", s.handleStates)
	s.mux.HandleFunc("GET /api/switches", s.handleSwitches)
	s.mux.HandleFunc("POST /api/switches/{id}/toggle", s.handleToggle)
	s.mux.HandleFunc("GET /ws", s.handleWS)

	return s
}

// ServeHTTP implements http.Handler with optional API key auth.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.apiKey != "" {
		key := r.Header.Get("X-API-Key")
		if key == "" {
			key = r.URL.Query().Get("api_key")
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			s.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}

// Stop shuts down the websocket hub and unsubscribes from events.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
}

type healthView struct {
	Version     string    `json:"version,omitempty"`
	SyncState   string    `json:"sync_state"`
	Stale       bool      `json:"stale"`
	LastRefresh time.Time `json:"last_refresh"`
	Switches    int       `json:"switches"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.coord.Store()
	s.writeJSON(w, http.StatusOK, healthView{
		Version:     s.version,
		SyncState:   s.coord.Status(),
		Stale:       st.Stale(),
		LastRefresh: st.LastRefresh(),
		Switches:    len(s.switches),
	})
}

func (s *Server) handleTopology(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.topo)
}

func (s *Server) handleStates(w http.ResponseWriter, r *http.Request) {
	s.coord.Store().View(func(snapIns []streda.SnapIn) {
		s.writeJSON(w, http.StatusOK, snapIns)
	})
}

// switchView is the JSON shape of one switch.
type switchView struct {
	UniqueID     string `json:"unique_id"`
	Name         string `json:"name"`
	Room         string `json:"room"`
	Position     string `json:"position,omitempty"`
	ZigbeeID     string `json:"zigbee_id"`
	DeviceNumber int    `json:"device_number"`
	Firmware     string `json:"firmware,omitempty"`
	IsOn         bool   `json:"is_on"`
}

func (s *Server) handleSwitches(w http.ResponseWriter, r *http.Request) {
	views := make([]switchView, 0, len(s.switches))
	for _, sw := range s.switches {
		views = append(views, switchView{
			UniqueID:     sw.UniqueID(),
			Name:         sw.Name(),
			Room:         sw.RoomName,
			Position:     sw.Position,
			ZigbeeID:     sw.ZigbeeID,
			DeviceNumber: sw.DeviceNumber,
			Firmware:     sw.Firmware,
			IsOn:         sw.IsOn(),
		})
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sw, ok := s.byID[id]
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "switch not found"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	if err := sw.Toggle(ctx); err != nil {
		s.logger.Error("toggle switch", "id", id, "err", err)
		s.writeJSON(w, http.StatusBadGateway, map[string]string{"error": "toggle failed"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("write json response", "err", err)
	}
}
