package service

import (
	"path/filepath"
	"runtime"
	"testing"

	"github.com/postalsys/freeviewer/internal/config"
)

func TestFromConfigRelay(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = "/var/lib/freeviewer"
	cfg.Relay.Listeners = []config.ListenerConfig{
		{Transport: "quic", Address: ":4433"},
		{Transport: "ws", Address: "0.0.0.0:443"},
	}
	cfg.Relay.MaxForwarded = 5000

	svc, err := FromConfig(RoleRelay, "/etc/freeviewer/freeviewer.yaml", cfg, Options{User: "fv"})
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}

	if svc.Name != "freeviewer-relay" {
		t.Errorf("Name = %q, want freeviewer-relay", svc.Name)
	}
	if svc.WorkingDir != "/etc/freeviewer" {
		t.Errorf("WorkingDir = %q", svc.WorkingDir)
	}
	if svc.DataDir != "/var/lib/freeviewer" {
		t.Errorf("DataDir = %q", svc.DataDir)
	}
	if !svc.BindPrivileged {
		t.Error("listener on :443 should need CAP_NET_BIND_SERVICE")
	}
	if svc.OpenFiles != 2*5000+1024 {
		t.Errorf("OpenFiles = %d", svc.OpenFiles)
	}
	if svc.User != "fv" {
		t.Errorf("User = %q", svc.User)
	}
	if len(svc.ExtraArgs) != 0 {
		t.Errorf("relay got host flags %v", svc.ExtraArgs)
	}
}

func TestFromConfigRelayUnprivileged(t *testing.T) {
	cfg := config.Default()
	cfg.Relay.Listeners = []config.ListenerConfig{{Transport: "quic", Address: ":4433"}}

	svc, err := FromConfig(RoleRelay, "/etc/fv.yaml", cfg, Options{})
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	if svc.BindPrivileged {
		t.Error("BindPrivileged set for port 4433")
	}
	if svc.OpenFiles != 0 {
		t.Errorf("OpenFiles = %d for the default forward limit", svc.OpenFiles)
	}
}

func TestFromConfigHostResolvesPaths(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = "data"
	cfg.Host.FileRoot = "shared"

	svc, err := FromConfig(RoleHost, "./freeviewer.yaml", cfg, Options{Synthetic: true, Rate: "2MiB/s"})
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}

	if !filepath.IsAbs(svc.ConfigPath) {
		t.Errorf("ConfigPath = %q, should be absolute", svc.ConfigPath)
	}
	if want := filepath.Join(svc.WorkingDir, "data"); svc.DataDir != want {
		t.Errorf("DataDir = %q, want %q", svc.DataDir, want)
	}
	if len(svc.Writable) != 1 || svc.Writable[0] != filepath.Join(svc.WorkingDir, "shared") {
		t.Errorf("Writable = %v", svc.Writable)
	}

	got := svc.Args("/usr/bin/freeviewer")
	want := []string{"/usr/bin/freeviewer", "host", "-c", svc.ConfigPath, "--synthetic", "--rate", "2MiB/s"}
	if len(got) != len(want) {
		t.Fatalf("Args() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Args()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestFromConfigEmptyDataDir(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = ""

	svc, err := FromConfig(RoleHost, "/srv/fv/freeviewer.yaml", cfg, Options{})
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	if svc.DataDir != "/srv/fv" {
		t.Errorf("DataDir = %q, want the config directory", svc.DataDir)
	}
	if len(svc.Writable) != 0 {
		t.Errorf("Writable = %v without a file root", svc.Writable)
	}
}

func TestFromConfigRejectsClient(t *testing.T) {
	if _, err := FromConfig("client", "freeviewer.yaml", config.Default(), Options{}); err == nil {
		t.Error("expected error for client role")
	}
}

func TestRoleChecked(t *testing.T) {
	if err := Install(Config{Name: "x", Role: "client"}); err == nil {
		t.Error("Install accepted the client role")
	}
	if err := Uninstall("client"); err == nil {
		t.Error("Uninstall accepted the client role")
	}
	if _, err := Status("client"); err == nil {
		t.Error("Status accepted the client role")
	}
}

func TestPlatform(t *testing.T) {
	p := Platform()
	switch runtime.GOOS {
	case "linux":
		if p != "systemd" {
			t.Errorf("Platform() = %q, want systemd", p)
		}
	case "darwin":
		if p != "launchd" {
			t.Errorf("Platform() = %q, want launchd", p)
		}
	default:
		if p != "unsupported" {
			t.Errorf("Platform() = %q, want unsupported", p)
		}
	}
	if IsSupported() != (p != "unsupported") {
		t.Errorf("IsSupported() = %v for platform %q", IsSupported(), p)
	}
}
