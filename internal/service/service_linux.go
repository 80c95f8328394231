//go:build linux

package service

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const systemdUnitDir = "/etc/systemd/system"

func unitPath(role string) string {
	return filepath.Join(systemdUnitDir, Name(role)+".service")
}

// unitSection is one [Section] of a unit file; directives keep their order.
type unitSection struct {
	name       string
	directives [][2]string
}

func (s *unitSection) set(key, value string) {
	s.directives = append(s.directives, [2]string{key, value})
}

// systemdUnit returns the unit for cfg. The relay is a network daemon
// started at boot; the host waits for the graphical session it captures.
func systemdUnit(cfg Config, execPath string) []*unitSection {
	unit := &unitSection{name: "Unit"}
	unit.set("Description", cfg.Description)
	unit.set("Documentation", "https://github.com/postalsys/freeviewer")
	unit.set("Wants", "network-online.target")
	target := "multi-user.target"
	if cfg.Role == RoleHost {
		unit.set("After", "network-online.target graphical.target")
		target = "graphical.target"
	} else {
		unit.set("After", "network-online.target")
	}

	svc := &unitSection{name: "Service"}
	svc.set("Type", "simple")
	svc.set("ExecStart", quoteArgs(cfg.Args(execPath)))
	svc.set("WorkingDirectory", cfg.WorkingDir)
	if cfg.User != "" {
		svc.set("User", cfg.User)
	}
	if cfg.Group != "" {
		svc.set("Group", cfg.Group)
	}
	if cfg.Role == RoleRelay {
		svc.set("Restart", "always")
	} else {
		svc.set("Restart", "on-failure")
	}
	svc.set("RestartSec", "5")
	svc.set("TimeoutStopSec", "30")
	if cfg.OpenFiles > 0 {
		svc.set("LimitNOFILE", strconv.Itoa(cfg.OpenFiles))
	}

	svc.set("NoNewPrivileges", "true")
	svc.set("PrivateTmp", "true")
	svc.set("ProtectSystem", "strict")
	svc.set("ReadWritePaths", strings.Join(append([]string{cfg.DataDir}, cfg.Writable...), " "))
	if cfg.Role == RoleRelay {
		svc.set("ProtectHome", "true")
	} else {
		svc.set("ProtectHome", "read-only")
	}
	if cfg.BindPrivileged {
		svc.set("AmbientCapabilities", "CAP_NET_BIND_SERVICE")
		svc.set("CapabilityBoundingSet", "CAP_NET_BIND_SERVICE")
	}
	svc.set("SyslogIdentifier", cfg.Name)

	install := &unitSection{name: "Install"}
	install.set("WantedBy", target)

	return []*unitSection{unit, svc, install}
}

func renderUnit(sections []*unitSection) string {
	var b strings.Builder
	for i, s := range sections {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "[%s]\n", s.name)
		for _, d := range s.directives {
			fmt.Fprintf(&b, "%s=%s\n", d[0], d[1])
		}
	}
	return b.String()
}

// quoteArgs joins a command line for ExecStart, quoting words with spaces.
func quoteArgs(args []string) string {
	out := make([]string, len(args))
	for i, a := range args {
		if strings.ContainsAny(a, " \t\"\\") {
			a = strconv.Quote(a)
		}
		out[i] = a
	}
	return strings.Join(out, " ")
}

func installImpl(cfg Config, execPath string) error {
	path := unitPath(cfg.Role)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("service %s is already installed at %s", cfg.Name, path)
	}

	if err := os.WriteFile(path, []byte(renderUnit(systemdUnit(cfg, execPath))), 0644); err != nil {
		return fmt.Errorf("failed to write systemd unit file: %w", err)
	}
	fmt.Printf("Created systemd unit: %s\n", path)

	if output, err := runCommand("systemctl", "daemon-reload"); err != nil {
		os.Remove(path)
		return fmt.Errorf("failed to reload systemd: %s: %w", output, err)
	}
	if output, err := runCommand("systemctl", "enable", "--now", cfg.Name); err != nil {
		return fmt.Errorf("failed to enable service: %s: %w", output, err)
	}
	fmt.Printf("Enabled and started %s\n", cfg.Name)
	return nil
}

func uninstallImpl(role string) error {
	name, path := Name(role), unitPath(role)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("service %s is not installed", name)
	}

	if output, err := runCommand("systemctl", "disable", "--now", name); err != nil && !strings.Contains(output, "not loaded") {
		fmt.Printf("Note: could not stop service: %s\n", strings.TrimSpace(output))
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to remove systemd unit file: %w", err)
	}
	fmt.Printf("Removed systemd unit: %s\n", path)

	runCommand("systemctl", "daemon-reload")
	runCommand("systemctl", "reset-failed", name)
	return nil
}

func statusImpl(role string) (string, error) {
	if !isInstalledImpl(role) {
		return "not installed", nil
	}
	output, err := runCommand("systemctl", "is-active", Name(role))
	status := strings.TrimSpace(output)
	if err != nil {
		switch status {
		case "inactive", "failed", "activating", "deactivating":
			return status, nil
		}
		return "", fmt.Errorf("failed to get service status: %w", err)
	}
	return status, nil
}

func isInstalledImpl(role string) bool {
	_, err := os.Stat(unitPath(role))
	return err == nil
}
