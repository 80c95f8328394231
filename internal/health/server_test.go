package health

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"runtime"
	"testing"
	"time"

	"github.com/postalsys/freeviewer/internal/identity"
	"github.com/postalsys/freeviewer/internal/relay"
	"github.com/postalsys/freeviewer/internal/session"
)

// mockStatsProvider implements StatsProvider for testing.
type mockStatsProvider struct {
	running bool
	stats   Stats
}

func (m *mockStatsProvider) IsRunning() bool {
	return m.running
}

func (m *mockStatsProvider) Stats() Stats {
	return m.stats
}

func TestNewServer(t *testing.T) {
	cfg := DefaultServerConfig()
	provider := &mockStatsProvider{running: true}

	s := NewServer(cfg, provider)
	if s == nil {
		t.Fatal("NewServer returned nil")
	}
}

func TestServer_handleHealth(t *testing.T) {
	cfg := DefaultServerConfig()
	provider := &mockStatsProvider{running: true}
	s := NewServer(cfg, provider)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	s.server.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, rec.Code)
	}

	body := rec.Body.String()
	if body != "OK\n" {
		t.Errorf("expected body 'OK\\n', got %q", body)
	}
}

func TestServer_handleHealth_MethodNotAllowed(t *testing.T) {
	cfg := DefaultServerConfig()
	provider := &mockStatsProvider{running: true}
	s := NewServer(cfg, provider)

	req := httptest.NewRequest(http.MethodPost, "/health", nil)
	rec := httptest.NewRecorder()

	s.server.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected status %d, got %d", http.StatusMethodNotAllowed, rec.Code)
	}
}

func TestServer_handleHealthz_Running(t *testing.T) {
	cfg := DefaultServerConfig()
	provider := &mockStatsProvider{
		running: true,
		stats: Stats{
			Role:               "host",
			MachineID:          "123 456 789",
			Registered:         true,
			Sessions:           2,
			PasswordGeneration: 3,
		},
	}
	s := NewServer(cfg, provider)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	s.server.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, rec.Code)
	}

	var response map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if response["status"] != "healthy" {
		t.Errorf("expected status 'healthy', got %v", response["status"])
	}
	if response["running"] != true {
		t.Errorf("expected running true, got %v", response["running"])
	}
	if response["role"] != "host" {
		t.Errorf("expected role host, got %v", response["role"])
	}
	if int(response["sessions"].(float64)) != 2 {
		t.Errorf("expected sessions 2, got %v", response["sessions"])
	}
	system, ok := response["system"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected system object, got %v", response["system"])
	}
	if system["os"] != runtime.GOOS {
		t.Errorf("expected system.os %s, got %v", runtime.GOOS, system["os"])
	}
}

func TestServer_handleHealthz_NotRunning(t *testing.T) {
	cfg := DefaultServerConfig()
	provider := &mockStatsProvider{running: false}
	s := NewServer(cfg, provider)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	s.server.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status %d, got %d", http.StatusServiceUnavailable, rec.Code)
	}

	var response map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if response["status"] != "unavailable" {
		t.Errorf("expected status 'unavailable', got %v", response["status"])
	}
}

func TestServer_handleReady_Ready(t *testing.T) {
	cfg := DefaultServerConfig()
	provider := &mockStatsProvider{running: true}
	s := NewServer(cfg, provider)

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()

	s.server.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, rec.Code)
	}

	body := rec.Body.String()
	if body != "READY\n" {
		t.Errorf("expected body 'READY\\n', got %q", body)
	}
}

func TestServer_handleReady_NotReady(t *testing.T) {
	cfg := DefaultServerConfig()
	provider := &mockStatsProvider{running: false}
	s := NewServer(cfg, provider)

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()

	s.server.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status %d, got %d", http.StatusServiceUnavailable, rec.Code)
	}

	body := rec.Body.String()
	if body != "NOT READY\n" {
		t.Errorf("expected body 'NOT READY\\n', got %q", body)
	}
}

func TestServer_StartStop(t *testing.T) {
	cfg := ServerConfig{
		Address:      "127.0.0.1:0", // Dynamic port
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	provider := &mockStatsProvider{running: true}
	s := NewServer(cfg, provider)

	if err := s.Start(); err != nil {
		t.Fatalf("failed to start: %v", err)
	}

	if !s.IsRunning() {
		t.Error("expected server to be running")
	}

	addr := s.Address()
	if addr == nil {
		t.Fatal("expected non-nil address")
	}

	// Give the server time to start accepting connections
	// Use retry loop to handle race between Start() and Serve()
	var resp *http.Response
	var err error
	for i := 0; i < 10; i++ {
		time.Sleep(10 * time.Millisecond)
		resp, err = http.Get("http://" + addr.String() + "/health")
		if err == nil {
			break
		}
	}
	if err != nil {
		t.Fatalf("request failed after retries: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, resp.StatusCode)
	}

	body, _ := io.ReadAll(resp.Body)
	if string(body) != "OK\n" {
		t.Errorf("expected body 'OK\\n', got %q", body)
	}

	if err := s.Stop(); err != nil {
		t.Errorf("failed to stop: %v", err)
	}

	if s.IsRunning() {
		t.Error("expected server to be stopped")
	}
}

func TestServer_DoubleStop(t *testing.T) {
	cfg := ServerConfig{
		Address: "127.0.0.1:0",
	}
	provider := &mockStatsProvider{running: true}
	s := NewServer(cfg, provider)

	if err := s.Start(); err != nil {
		t.Fatalf("failed to start: %v", err)
	}

	// Stop twice should not error
	if err := s.Stop(); err != nil {
		t.Errorf("first stop failed: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Errorf("second stop failed: %v", err)
	}
}

func TestServer_NilProvider(t *testing.T) {
	cfg := DefaultServerConfig()
	s := NewServer(cfg, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	s.server.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status %d, got %d", http.StatusServiceUnavailable, rec.Code)
	}
}

func TestServer_PprofIndex(t *testing.T) {
	cfg := DefaultServerConfig()
	provider := &mockStatsProvider{running: true}
	s := NewServer(cfg, provider)

	req := httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil)
	rec := httptest.NewRecorder()

	s.server.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, rec.Code)
	}

	// Check that the response contains pprof content
	body := rec.Body.String()
	if len(body) == 0 {
		t.Error("expected non-empty body for pprof index")
	}
}

func TestServer_PprofCmdline(t *testing.T) {
	cfg := DefaultServerConfig()
	provider := &mockStatsProvider{running: true}
	s := NewServer(cfg, provider)

	req := httptest.NewRequest(http.MethodGet, "/debug/pprof/cmdline", nil)
	rec := httptest.NewRecorder()

	s.server.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
}

func TestServer_PprofSymbol(t *testing.T) {
	cfg := DefaultServerConfig()
	provider := &mockStatsProvider{running: true}
	s := NewServer(cfg, provider)

	req := httptest.NewRequest(http.MethodGet, "/debug/pprof/symbol", nil)
	rec := httptest.NewRecorder()

	s.server.Handler.ServeHTTP(rec, req)

	// Symbol accepts both GET and POST
	if rec.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
}

func TestServer_handleReady_Unregistered(t *testing.T) {
	provider := &mockStatsProvider{running: true, stats: Stats{Role: "host"}}
	s := NewServer(DefaultServerConfig(), provider)

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()

	s.server.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status %d, got %d", http.StatusServiceUnavailable, rec.Code)
	}
	if body := rec.Body.String(); body != "NOT REGISTERED\n" {
		t.Errorf("unexpected body %q", body)
	}
}

type mockRoutes struct {
	routes []relay.RouteInfo
}

func (m *mockRoutes) Snapshot() []relay.RouteInfo {
	return m.routes
}

func (m *mockRoutes) Get(id identity.MachineID) (relay.RouteInfo, bool) {
	for _, r := range m.routes {
		if r.MachineID == id.String() {
			return r, true
		}
	}
	return relay.RouteInfo{}, false
}

func TestServer_Routes(t *testing.T) {
	s := NewServer(DefaultServerConfig(), &mockStatsProvider{running: true})

	req := httptest.NewRequest(http.MethodGet, "/routes", nil)
	rec := httptest.NewRecorder()
	s.server.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 without a routing table, got %d", rec.Code)
	}

	id := identity.MachineID(123456789)
	s.SetRouteProvider(&mockRoutes{routes: []relay.RouteInfo{{
		MachineID:    id.String(),
		Generation:   1,
		ObservedAddr: "203.0.113.7:4000",
	}}})

	rec = httptest.NewRecorder()
	s.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/routes", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	var routes []relay.RouteInfo
	if err := json.NewDecoder(rec.Body).Decode(&routes); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(routes) != 1 || routes[0].ObservedAddr != "203.0.113.7:4000" {
		t.Errorf("unexpected routes %+v", routes)
	}

	rec = httptest.NewRecorder()
	s.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/routes/"+id.String(), nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected status %d for registered machine, got %d", http.StatusOK, rec.Code)
	}

	rec = httptest.NewRecorder()
	s.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/routes/987654321", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown machine, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	s.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/routes/notanid", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed ID, got %d", rec.Code)
	}
}

type mockSessions struct {
	infos   []session.Info
	rotated int
	err     error
}

func (m *mockSessions) Sessions() []session.Info {
	return m.infos
}

func (m *mockSessions) RotatePassword() (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.rotated++
	return "secretpw", nil
}

func TestServer_Sessions(t *testing.T) {
	s := NewServer(DefaultServerConfig(), &mockStatsProvider{running: true})
	s.SetSessionProvider(&mockSessions{infos: []session.Info{{
		Path:       session.PathRelayed,
		ClientName: "laptop",
	}}})

	rec := httptest.NewRecorder()
	s.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	var infos []map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&infos); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(infos) != 1 {
		t.Errorf("expected 1 session, got %d", len(infos))
	}
}

func TestServer_RotatePassword(t *testing.T) {
	sessions := &mockSessions{}
	provider := &mockStatsProvider{running: true, stats: Stats{Role: "host", PasswordGeneration: 4}}
	s := NewServer(DefaultServerConfig(), provider)
	s.SetSessionProvider(sessions)

	rec := httptest.NewRecorder()
	s.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/password/rotate", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405 for GET, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	s.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/password/rotate", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	if sessions.rotated != 1 {
		t.Errorf("expected 1 rotation, got %d", sessions.rotated)
	}
	body := rec.Body.String()
	var resp map[string]interface{}
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if int(resp["password_generation"].(float64)) != 4 {
		t.Errorf("unexpected generation %v", resp["password_generation"])
	}
	if _, leaked := resp["password"]; leaked {
		t.Error("rotation response must not carry the password")
	}

	sessions.err = errors.New("store unavailable")
	rec = httptest.NewRecorder()
	s.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/password/rotate", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}
}

func TestServer_Metrics(t *testing.T) {
	s := NewServer(DefaultServerConfig(), &mockStatsProvider{running: true})

	rec := httptest.NewRecorder()
	s.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
}
