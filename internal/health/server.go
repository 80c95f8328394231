// Package health provides health check and status HTTP endpoints for
// FreeViewer relays and hosts.
package health

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/pprof"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/postalsys/freeviewer/internal/identity"
	"github.com/postalsys/freeviewer/internal/relay"
	"github.com/postalsys/freeviewer/internal/session"
	"github.com/postalsys/freeviewer/internal/sysinfo"
)

// StatsProvider provides process statistics.
type StatsProvider interface {
	// IsRunning returns true once the relay or host is serving.
	IsRunning() bool

	// Stats returns current statistics.
	Stats() Stats
}

// RouteProvider exposes a relay's routing table.
type RouteProvider interface {
	Snapshot() []relay.RouteInfo
	Get(id identity.MachineID) (relay.RouteInfo, bool)
}

// SessionProvider exposes a host's sessions and password control.
type SessionProvider interface {
	Sessions() []session.Info
	RotatePassword() (string, error)
}

// Stats contains health statistics.
type Stats struct {
	Role               string `json:"role"`
	MachineID          string `json:"machine_id,omitempty"`
	Registered         bool   `json:"registered,omitempty"`
	Sessions           int    `json:"sessions"`
	HostsRegistered    int    `json:"hosts_registered,omitempty"`
	PasswordGeneration uint64 `json:"password_generation,omitempty"`
}

// ServerConfig contains health server configuration.
type ServerConfig struct {
	// Address to listen on (e.g., "127.0.0.1:8080")
	Address string

	// ReadTimeout for HTTP reads
	ReadTimeout time.Duration

	// WriteTimeout for HTTP writes
	WriteTimeout time.Duration
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      "127.0.0.1:8080",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server is an HTTP server for health check endpoints.
type Server struct {
	cfg      ServerConfig
	provider StatsProvider
	routes   RouteProvider
	sessions SessionProvider
	server   *http.Server
	listener net.Listener
	running  atomic.Bool
}

// NewServer creates a new health check server.
func NewServer(cfg ServerConfig, provider StatsProvider) *Server {
	s := &Server{
		cfg:      cfg,
		provider: provider,
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/routes", s.handleRoutes).Methods(http.MethodGet)
	r.HandleFunc("/routes/{id}", s.handleRoute).Methods(http.MethodGet)
	r.HandleFunc("/sessions", s.handleSessions).Methods(http.MethodGet)
	r.HandleFunc("/password/rotate", s.handleRotate).Methods(http.MethodPost)

	// pprof debug endpoints
	r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	r.HandleFunc("/debug/pprof/profile", pprof.Profile)
	r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	r.HandleFunc("/debug/pprof/trace", pprof.Trace)
	r.PathPrefix("/debug/pprof/").HandlerFunc(pprof.Index)

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

// SetRouteProvider enables the /routes endpoints. Relays call it.
func (s *Server) SetRouteProvider(p RouteProvider) {
	s.routes = p
}

// SetSessionProvider enables /sessions and /password/rotate. Hosts call it.
func (s *Server) SetSessionProvider(p SessionProvider) {
	s.sessions = p
}

// Start starts the health check server.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	s.listener = ln
	s.running.Store(true)

	go s.server.Serve(ln)

	return nil
}

// Stop stops the health check server.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// Address returns the server's listen address.
func (s *Server) Address() net.Addr {
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// Handler returns the HTTP handler for embedding in other servers.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// handleHealth returns 200 if the server is responding.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK\n"))
}

// handleHealthz returns 200 with JSON stats if healthy, 503 if not running.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.provider == nil || !s.provider.IsRunning() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":  "unavailable",
			"running": false,
		})
		return
	}

	writeJSON(w, http.StatusOK, struct {
		Status  string       `json:"status"`
		Running bool         `json:"running"`
		System  sysinfo.Info `json:"system"`
		Stats
	}{"healthy", true, sysinfo.Collect(), s.provider.Stats()})
}

// handleReady returns 200 once the process serves traffic. A host is ready
// when it is registered with its relay.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	if s.provider == nil || !s.provider.IsRunning() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("NOT READY\n"))
		return
	}
	if st := s.provider.Stats(); st.Role == "host" && !st.Registered {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("NOT REGISTERED\n"))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("READY\n"))
}

func (s *Server) handleRoutes(w http.ResponseWriter, r *http.Request) {
	if s.routes == nil {
		http.Error(w, "routing table not available", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, s.routes.Snapshot())
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	if s.routes == nil {
		http.Error(w, "routing table not available", http.StatusNotFound)
		return
	}
	id, err := identity.ParseMachineID(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "invalid machine ID", http.StatusBadRequest)
		return
	}
	route, ok := s.routes.Get(id)
	if !ok {
		http.Error(w, "machine not registered", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, route)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		http.Error(w, "sessions not available", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, s.sessions.Sessions())
}

// handleRotate issues a new host password. The password itself is not
// returned; it is shown where the host displays it.
func (s *Server) handleRotate(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		http.Error(w, "password rotation not available", http.StatusNotFound)
		return
	}
	if _, err := s.sessions.RotatePassword(); err != nil {
		http.Error(w, "rotation failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	resp := map[string]any{"rotated": true}
	if s.provider != nil {
		resp["password_generation"] = s.provider.Stats().PasswordGeneration
	}
	writeJSON(w, http.StatusOK, resp)
}
