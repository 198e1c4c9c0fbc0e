// Package web serves the JSON API and the live event stream.
package web

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"aqara-gateway-go/internal/automation"
	"aqara-gateway-go/internal/device"
	"aqara-gateway-go/internal/engine"
	"aqara-gateway-go/internal/telemetry"
)

// Engine is the part of the engine the API exposes.
type Engine interface {
	Events() *engine.EventBus
	Send(did string, command map[string]any) error
	Register(ctx context.Context, d device.Descriptor) error
	Remove(ctx context.Context, did string) error
	Command(ctx context.Context, entityID, action string, value float64) error
	ForceIdle(ctx context.Context, entityID string) error
	Snapshot(entityID string) (telemetry.Snapshot, bool)
	Snapshots() []telemetry.Snapshot
	Device(did string) (device.Descriptor, bool)
	Devices() []device.Descriptor
	EntityIDs(did string) []string
}

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication on /api/.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed CORS and WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithAutomation sets the automation engine and script manager.
func WithAutomation(engine *automation.Engine, mgr *automation.Manager) ServerOption {
	return func(s *Server) {
		s.autoEngine = engine
		s.scriptMgr = mgr
	}
}

// WithMetrics mounts a Prometheus handler at /metrics.
func WithMetrics(h http.Handler) ServerOption {
	return func(s *Server) {
		s.metrics = h
	}
}

// WithVersion sets the version reported by /api/version.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// Server is the HTTP server.
type Server struct {
	eng            Engine
	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	scriptMgr      *automation.Manager
	autoEngine     *automation.Engine
	metrics        http.Handler
	version        string
	wg             sync.WaitGroup
	unsubEvents    func()
}

// NewServer creates the server and starts its websocket hub.
func NewServer(eng Engine, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		eng:    eng,
		logger: logger.With("component", "web"),
		mux:    http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()
	s.unsubEvents = eng.Events().OnAll(s.wsHub.Broadcast)

	s.routes()
	return s
}

// Stop shuts down the websocket hub and waits for it.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)

	s.mux.HandleFunc("GET /api/devices", s.handleAPIListDevices)
	s.mux.HandleFunc("POST /api/devices", s.handleAPIRegisterDevice)
	s.mux.HandleFunc("GET /api/devices/{did}", s.handleAPIGetDevice)
	s.mux.HandleFunc("DELETE /api/devices/{did}", s.handleAPIDeleteDevice)
	s.mux.HandleFunc("POST /api/devices/{did}/command", s.handleAPISendCommand)

	s.mux.HandleFunc("GET /api/entities", s.handleAPIListEntities)
	s.mux.HandleFunc("GET /api/entities/{id}", s.handleAPIGetEntity)
	s.mux.HandleFunc("POST /api/entities/{id}/command", s.handleAPIEntityCommand)
	s.mux.HandleFunc("POST /api/entities/{id}/idle", s.handleAPIForceIdle)

	s.mux.HandleFunc("GET /api/automations", s.handleAPIListAutomations)
	s.mux.HandleFunc("GET /api/automations/{id}", s.handleAPIGetAutomation)
	s.mux.HandleFunc("POST /api/automations", s.handleAPICreateAutomation)
	s.mux.HandleFunc("PUT /api/automations/{id}", s.handleAPIUpdateAutomation)
	s.mux.HandleFunc("DELETE /api/automations/{id}", s.handleAPIDeleteAutomation)
	s.mux.HandleFunc("POST /api/automations/{id}/toggle", s.handleAPIToggleAutomation)
	s.mux.HandleFunc("POST /api/automations/{id}/run", s.handleAPIRunAutomation)

	s.mux.HandleFunc("GET /api/ws", s.handleWS)

	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics)
	}
}

// ServeHTTP applies the CORS and API key checks before routing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if len(s.allowedOrigins) > 0 {
		if origin := r.Header.Get("Origin"); origin != "" {
			if r.Method == http.MethodOptions {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
				w.Header().Set("Access-Control-Max-Age", "3600")
				w.WriteHeader(http.StatusNoContent)
				return
			}
			if r.Method != http.MethodGet {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
		}
	}

	// Browsers cannot set headers on a websocket upgrade, so the key may
	// also come as ?api_key=.
	if s.apiKey != "" && strings.HasPrefix(r.URL.Path, "/api/") {
		key := r.Header.Get("X-API-Key")
		if key == "" {
			key = r.URL.Query().Get("api_key")
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}
