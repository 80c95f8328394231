// Package service installs a FreeViewer relay or host as a system service.
// The relay runs as a system daemon. The host needs the logged-in desktop,
// so it is tied to the graphical session: graphical.target under systemd
// and a per-login LaunchAgent under launchd.
package service

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/postalsys/freeviewer/internal/config"
)

// Roles that can run unattended.
const (
	RoleRelay = "relay"
	RoleHost  = "host"
)

// Options are the install flags that are not part of the config file.
type Options struct {
	User  string
	Group string

	// Synthetic and Rate are passed through to the host command.
	Synthetic bool
	Rate      string
}

// Config describes one installed service.
type Config struct {
	// Name is the unit name and launchd label suffix.
	Name        string
	Description string

	// Role is the freeviewer subcommand the service runs.
	Role       string
	ConfigPath string
	WorkingDir string

	// DataDir holds the identity store and, under launchd, the logs.
	DataDir string

	// Writable lists the paths the service writes to besides DataDir.
	Writable []string

	// ExtraArgs follow "<role> -c <config>" on the command line.
	ExtraArgs []string

	// BindPrivileged is set when a relay listener uses a port below 1024.
	BindPrivileged bool

	// OpenFiles raises the descriptor limit for relays with many legs.
	OpenFiles int

	User  string
	Group string
}

// FromConfig builds the service description for role from a loaded
// configuration. Relative paths resolve against the config file directory,
// the same way the agent resolves them when started from there.
func FromConfig(role, configPath string, cfg *config.Config, opts Options) (Config, error) {
	var desc string
	switch role {
	case RoleRelay:
		desc = "FreeViewer relay: machine registry and session broker"
	case RoleHost:
		desc = "FreeViewer host: shares this desktop with authenticated clients"
	default:
		return Config{}, fmt.Errorf("cannot run %q as a service (want %s or %s)", role, RoleRelay, RoleHost)
	}

	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return Config{}, fmt.Errorf("resolve config path: %w", err)
	}
	workDir := filepath.Dir(absPath)
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(workDir, p)
	}

	svc := Config{
		Name:        Name(role),
		Description: desc,
		Role:        role,
		ConfigPath:  absPath,
		WorkingDir:  workDir,
		DataDir:     resolve(cfg.DataDir),
		User:        opts.User,
		Group:       opts.Group,
	}
	if svc.DataDir == "" {
		svc.DataDir = workDir
	}

	switch role {
	case RoleRelay:
		for _, l := range cfg.Relay.Listeners {
			if privilegedPort(l.Address) {
				svc.BindPrivileged = true
			}
		}
		// Each forwarded session holds two streams plus the registry legs.
		if n := 2*cfg.Relay.MaxForwarded + 1024; n > 4096 {
			svc.OpenFiles = n
		}
	case RoleHost:
		if root := resolve(cfg.Host.FileRoot); root != "" {
			svc.Writable = append(svc.Writable, root)
		}
		if opts.Synthetic {
			svc.ExtraArgs = append(svc.ExtraArgs, "--synthetic")
		}
		if opts.Rate != "" {
			svc.ExtraArgs = append(svc.ExtraArgs, "--rate", opts.Rate)
		}
	}
	return svc, nil
}

func privilegedPort(addr string) bool {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	n, err := strconv.Atoi(port)
	return err == nil && n > 0 && n < 1024
}

// Args returns the command line the service manager starts.
func (c Config) Args(execPath string) []string {
	args := []string{execPath, c.Role, "-c", c.ConfigPath}
	return append(args, c.ExtraArgs...)
}

// IsRoot returns true if the current process runs with elevated privileges.
func IsRoot() bool {
	return os.Getuid() == 0
}

func checkRole(role string) error {
	if role != RoleRelay && role != RoleHost {
		return fmt.Errorf("unknown service role %q", role)
	}
	return nil
}

// Install installs and starts the service.
func Install(cfg Config) error {
	if err := checkRole(cfg.Role); err != nil {
		return err
	}
	if !IsRoot() {
		return fmt.Errorf("must run as root to install service")
	}

	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}
	execPath, err = filepath.EvalSymlinks(execPath)
	if err != nil {
		return fmt.Errorf("failed to resolve executable path: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	return installImpl(cfg, execPath)
}

// Uninstall stops and removes the service for role.
func Uninstall(role string) error {
	if err := checkRole(role); err != nil {
		return err
	}
	if !IsRoot() {
		return fmt.Errorf("must run as root to uninstall service")
	}
	return uninstallImpl(role)
}

// Status returns the current status of the service for role.
func Status(role string) (string, error) {
	if err := checkRole(role); err != nil {
		return "", err
	}
	return statusImpl(role)
}

// IsInstalled checks if the service for role is already installed.
func IsInstalled(role string) bool {
	return isInstalledImpl(role)
}

// Name returns the service name for role.
func Name(role string) string {
	return "freeviewer-" + role
}

// Platform returns the service manager used on this platform.
func Platform() string {
	switch runtime.GOOS {
	case "linux":
		return "systemd"
	case "darwin":
		return "launchd"
	default:
		return "unsupported"
	}
}

// IsSupported returns true if service installation is supported here.
func IsSupported() bool {
	return runtime.GOOS == "linux" || runtime.GOOS == "darwin"
}

func runCommand(name string, args ...string) (string, error) {
	cmd := exec.Command(name, args...)
	output, err := cmd.CombinedOutput()
	return string(output), err
}
