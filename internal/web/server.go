// Package web exposes the hub's HTTP surface: the node-facing control and
// data WebSocket endpoints, and the frontend-facing realtime, historical, and
// admin endpoints.
package web

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/joestump/sdrhub/internal/config"
	"github.com/joestump/sdrhub/internal/registry"
	"github.com/joestump/sdrhub/internal/store"
)

// Server is the hub's HTTP server.
type Server struct {
	cfg      config.Config
	registry *registry.Registry
	store    *store.Store
	mux      *http.ServeMux
	server   *http.Server
	upgrader websocket.Upgrader
}

// New creates the hub server around the given registry and store.
func New(cfg config.Config, reg *registry.Registry, st *store.Store) *Server {
	s := &Server{
		cfg:      cfg,
		registry: reg,
		store:    st,
		mux:      http.NewServeMux(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin enforcement is handled by the middleware stack upstream.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	s.registerRoutes()

	s.server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: s.mux,
		// No read/write timeouts: control and data sessions are long-lived
		// and idle sessions are deliberately kept alive.
		IdleTimeout: 60 * time.Second,
	}

	return s
}

// Start begins serving HTTP requests. It blocks until the server is shut down.
func (s *Server) Start() error {
	log.Printf("hub listening on %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Handler exposes the route mux, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) registerRoutes() {
	// node api
	s.mux.HandleFunc("GET /node/api/control", s.handleNodeControl)
	s.mux.HandleFunc("GET /node/api/data/{kind}/{freq}/{amp}/{lna}/{vga}/{sample_rate}", s.handleNodeData)

	// frontend api
	s.mux.HandleFunc("GET /frontend_api/data/{node_id}/{kind}", s.handleFrontendData)
	s.mux.HandleFunc("GET /frontend_api/nodes", s.handleListNodes)
	s.mux.HandleFunc("POST /frontend_api/config", s.handleConfigUpdate)
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("writeJSON: encode error: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// requireJSON checks the Content-Type header and returns false (with a 415
// response) if it is not application/json.
func requireJSON(w http.ResponseWriter, r *http.Request) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(ct, "application/json") {
		writeError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return false
	}
	return true
}
