package wizard

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/postalsys/freeviewer/internal/config"
)

func TestNew(t *testing.T) {
	w := New()
	if w == nil {
		t.Fatal("New() returned nil")
	}
	if w.theme == nil {
		t.Error("New() returned wizard without a theme")
	}
}

func TestContains(t *testing.T) {
	tests := []struct {
		name     string
		slice    []string
		item     string
		expected bool
	}{
		{"item exists", []string{"relay", "host", "client"}, "host", true},
		{"item does not exist", []string{"relay", "host"}, "client", false},
		{"empty slice", []string{}, "host", false},
		{"case sensitive", []string{"Host"}, "host", false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := contains(tc.slice, tc.item); got != tc.expected {
				t.Errorf("contains(%v, %q) = %v, want %v", tc.slice, tc.item, got, tc.expected)
			}
		})
	}
}

func TestBuildConfig(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*Answers)
		validate func(*testing.T, *config.Config)
	}{
		{
			name: "host only",
			mutate: func(a *Answers) {
				a.RelayAddress = "relay.example.com:4433"
				a.Fingerprint = "sha256:abcd"
				a.MaxSessions = 2
				a.RotateAfterSession = true
				a.FileRoot = "/srv/share"
			},
			validate: func(t *testing.T, cfg *config.Config) {
				if len(cfg.Relay.Listeners) != 0 {
					t.Errorf("Listeners count = %d, want 0", len(cfg.Relay.Listeners))
				}
				if cfg.Host.Relay.Address != "relay.example.com:4433" {
					t.Errorf("Host.Relay.Address = %q", cfg.Host.Relay.Address)
				}
				if cfg.Host.Relay.Fingerprint != "sha256:abcd" {
					t.Errorf("Host.Relay.Fingerprint = %q", cfg.Host.Relay.Fingerprint)
				}
				if cfg.Host.MaxSessions != 2 {
					t.Errorf("Host.MaxSessions = %d, want 2", cfg.Host.MaxSessions)
				}
				if !cfg.Host.RotateAfterSession {
					t.Error("Host.RotateAfterSession = false, want true")
				}
				if cfg.Host.FileRoot != "/srv/share" {
					t.Errorf("Host.FileRoot = %q", cfg.Host.FileRoot)
				}
				if cfg.Client.Relay.Address != "" {
					t.Errorf("Client.Relay.Address = %q, want empty", cfg.Client.Relay.Address)
				}
			},
		},
		{
			name: "relay over WebSocket",
			mutate: func(a *Answers) {
				a.Roles = []string{RoleRelay}
				a.ListenTransport = "ws"
				a.ListenAddress = "0.0.0.0:8443"
				a.ListenPath = "/fv"
				a.HealthEnabled = false
			},
			validate: func(t *testing.T, cfg *config.Config) {
				if len(cfg.Relay.Listeners) != 1 {
					t.Fatalf("Listeners count = %d, want 1", len(cfg.Relay.Listeners))
				}
				l := cfg.Relay.Listeners[0]
				if l.Transport != "ws" || l.Address != "0.0.0.0:8443" || l.Path != "/fv" {
					t.Errorf("unexpected listener %+v", l)
				}
				if cfg.Health.Enabled {
					t.Error("Health.Enabled = true, want false")
				}
			},
		},
		{
			name: "QUIC relay ignores path",
			mutate: func(a *Answers) {
				a.Roles = []string{RoleRelay}
			},
			validate: func(t *testing.T, cfg *config.Config) {
				if cfg.Relay.Listeners[0].Path != "" {
					t.Errorf("Path = %q, want empty", cfg.Relay.Listeners[0].Path)
				}
				if cfg.Health.Address != "127.0.0.1:8080" {
					t.Errorf("Health.Address = %q", cfg.Health.Address)
				}
			},
		},
		{
			name: "client",
			mutate: func(a *Answers) {
				a.Roles = []string{RoleClient}
				a.RelayAddress = "wss://relay.example.com/freeviewer"
				a.RelayTransport = "ws"
				a.ClientName = "laptop"
				a.DownloadDir = "/tmp/downloads"
				a.LogLevel = "debug"
			},
			validate: func(t *testing.T, cfg *config.Config) {
				if cfg.Client.Name != "laptop" {
					t.Errorf("Client.Name = %q", cfg.Client.Name)
				}
				if cfg.Client.Relay.Transport != "ws" {
					t.Errorf("Client.Relay.Transport = %q", cfg.Client.Relay.Transport)
				}
				if cfg.Client.DownloadDir != "/tmp/downloads" {
					t.Errorf("Client.DownloadDir = %q", cfg.Client.DownloadDir)
				}
				if cfg.Log.Level != "debug" {
					t.Errorf("Log.Level = %q", cfg.Log.Level)
				}
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			a := defaultAnswers()
			a.DataDir = "/data"
			tc.mutate(&a)

			cfg, err := buildConfig(a)
			if err != nil {
				t.Fatalf("buildConfig: %v", err)
			}
			if cfg.DataDir != "/data" {
				t.Errorf("DataDir = %q, want /data", cfg.DataDir)
			}
			tc.validate(t, cfg)
		})
	}
}

func TestBuildConfigRejectsInvalid(t *testing.T) {
	a := defaultAnswers()
	a.MaxSessions = 0

	if _, err := buildConfig(a); err == nil {
		t.Error("expected validation error for zero max sessions")
	}
}

func TestWriteConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "freeviewer.yaml")

	a := defaultAnswers()
	a.DataDir = dir
	a.RelayAddress = "relay.example.com:4433"
	cfg, err := buildConfig(a)
	if err != nil {
		t.Fatalf("buildConfig: %v", err)
	}

	if err := writeConfig(cfg, path); err != nil {
		t.Fatalf("writeConfig: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if !strings.HasPrefix(string(data), "# FreeViewer Configuration") {
		t.Error("config file missing header")
	}

	loaded, err := config.Load(path)
	if err != nil {
		t.Fatalf("written config does not load: %v", err)
	}
	if loaded.Host.Relay.Address != "relay.example.com:4433" {
		t.Errorf("Host.Relay.Address = %q after reload", loaded.Host.Relay.Address)
	}
}

func TestValidators(t *testing.T) {
	if err := validateConfigPath("config.json"); err == nil {
		t.Error("expected error for non-yaml config path")
	}
	if err := validateConfigPath("config.yml"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := validateHostPort("localhost"); err == nil {
		t.Error("expected error for address without port")
	}
	if err := required("name")("  "); err == nil {
		t.Error("expected error for blank input")
	}
}
