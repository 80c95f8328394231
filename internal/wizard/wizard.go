// Package wizard provides an interactive setup wizard for FreeViewer.
package wizard

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"github.com/postalsys/freeviewer/internal/certutil"
	"github.com/postalsys/freeviewer/internal/config"
)

// Roles a single configuration file can enable.
const (
	RoleRelay  = "relay"
	RoleHost   = "host"
	RoleClient = "client"
)

// Answers holds everything the wizard asks for.
type Answers struct {
	DataDir    string
	ConfigPath string
	Roles      []string
	LogLevel   string

	// Relay role
	ListenTransport string
	ListenAddress   string
	ListenPath      string

	// Host and client roles
	RelayAddress   string
	RelayTransport string
	Fingerprint    string

	// Host role
	MaxSessions        int
	RotateAfterSession bool
	FileRoot           string

	// Client role
	ClientName  string
	DownloadDir string

	HealthEnabled bool
}

// Result contains the wizard output.
type Result struct {
	Config      *config.Config
	ConfigPath  string
	DataDir     string
	Fingerprint string // relay certificate, empty without the relay role
}

// Wizard manages the interactive setup process.
type Wizard struct {
	theme *huh.Theme
}

// New creates a new setup wizard.
func New() *Wizard {
	return &Wizard{
		theme: huh.ThemeDracula(),
	}
}

// Run executes the interactive setup wizard.
func (w *Wizard) Run() (*Result, error) {
	w.printBanner()

	a := defaultAnswers()

	if err := w.askBasicSetup(&a); err != nil {
		return nil, err
	}
	if err := w.askRoles(&a); err != nil {
		return nil, err
	}
	if contains(a.Roles, RoleRelay) {
		if err := w.askRelayListener(&a); err != nil {
			return nil, err
		}
	}
	if contains(a.Roles, RoleHost) || contains(a.Roles, RoleClient) {
		if err := w.askRelayEndpoint(&a); err != nil {
			return nil, err
		}
	}
	if contains(a.Roles, RoleHost) {
		if err := w.askHost(&a); err != nil {
			return nil, err
		}
	}
	if contains(a.Roles, RoleClient) {
		if err := w.askClient(&a); err != nil {
			return nil, err
		}
	}
	if err := w.askAdvancedOptions(&a); err != nil {
		return nil, err
	}

	cfg, err := buildConfig(a)
	if err != nil {
		return nil, err
	}

	res := &Result{Config: cfg, ConfigPath: a.ConfigPath, DataDir: a.DataDir}
	if contains(a.Roles, RoleRelay) {
		certFile, keyFile := cfg.RelayCertPaths()
		cert, _, err := certutil.LoadOrGenerate(certFile, keyFile, "freeviewer-relay")
		if err != nil {
			return nil, fmt.Errorf("failed to prepare relay certificate: %w", err)
		}
		res.Fingerprint = cert.Fingerprint()
	}

	if err := writeConfig(cfg, a.ConfigPath); err != nil {
		return nil, err
	}

	w.printSummary(res, a.Roles)
	return res, nil
}

func defaultAnswers() Answers {
	return Answers{
		DataDir:         "./data",
		ConfigPath:      "./freeviewer.yaml",
		Roles:           []string{RoleHost},
		LogLevel:        "info",
		ListenTransport: "quic",
		ListenAddress:   "0.0.0.0:4433",
		ListenPath:      "/freeviewer",
		RelayTransport:  "quic",
		MaxSessions:     1,
		ClientName:      hostname(),
		DownloadDir:     ".",
		HealthEnabled:   true,
	}
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "freeviewer"
	}
	return name
}

func (w *Wizard) printBanner() {
	banner := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("212")).
		Render(`
  _____              __     ___
 |  ___| __ ___  ___ \ \   / (_) _____      _____ _ __
 | |_ | '__/ _ \/ _ \ \ \ / /| |/ _ \ \ /\ / / _ \ '__|
 |  _|| | |  __/  __/  \ V / | |  __/\ V  V /  __/ |
 |_|  |_|  \___|\___|   \_/  |_|\___| \_/\_/ \___|_|
`)

	subtitle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("  Remote Desktop Sessions - Setup Wizard\n")

	fmt.Println(banner)
	fmt.Println(subtitle)
}

func (w *Wizard) askBasicSetup(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Basic Setup").
				Description("Configure where FreeViewer keeps its state."),

			huh.NewInput().
				Title("Data Directory").
				Description("Machine ID, relay claims and certificates are stored here").
				Placeholder("./data").
				Value(&a.DataDir).
				Validate(required("data directory")),

			huh.NewInput().
				Title("Config File Path").
				Description("Where to write the configuration file").
				Placeholder("./freeviewer.yaml").
				Value(&a.ConfigPath).
				Validate(validateConfigPath),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askRoles(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Roles").
				Description("Select what this machine does.\nYou can select multiple roles."),

			huh.NewMultiSelect[string]().
				Title("Roles").
				Options(
					huh.NewOption("Relay (rendezvous and fallback forwarding)", RoleRelay),
					huh.NewOption("Host (share this desktop)", RoleHost),
					huh.NewOption("Client (control remote desktops)", RoleClient),
				).
				Value(&a.Roles).
				Validate(func(roles []string) error {
					if len(roles) == 0 {
						return fmt.Errorf("select at least one role")
					}
					return nil
				}),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askRelayListener(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Relay Listener").
				Description("Hosts and clients reach the relay here."),

			huh.NewSelect[string]().
				Title("Transport").
				Options(
					huh.NewOption("QUIC (UDP, supports hole punching)", "quic"),
					huh.NewOption("WebSocket (TCP, proxy-friendly)", "ws"),
				).
				Value(&a.ListenTransport),

			huh.NewInput().
				Title("Listen Address").
				Description("host:port").
				Placeholder("0.0.0.0:4433").
				Value(&a.ListenAddress).
				Validate(validateHostPort),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return err
	}

	if a.ListenTransport != "ws" {
		return nil
	}
	pathForm := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("WebSocket Path").
				Placeholder("/freeviewer").
				Value(&a.ListenPath).
				Validate(func(s string) error {
					if !strings.HasPrefix(s, "/") {
						return fmt.Errorf("path must start with /")
					}
					return nil
				}),
		),
	).WithTheme(w.theme)
	return pathForm.Run()
}

func (w *Wizard) askRelayEndpoint(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Relay Connection").
				Description("The relay this host or client registers with."),

			huh.NewInput().
				Title("Relay Address").
				Description("host:port for QUIC, or a ws:// / wss:// URL").
				Placeholder("relay.example.com:4433").
				Value(&a.RelayAddress).
				Validate(required("relay address")),

			huh.NewSelect[string]().
				Title("Transport").
				Options(
					huh.NewOption("QUIC", "quic"),
					huh.NewOption("WebSocket", "ws"),
				).
				Value(&a.RelayTransport),

			huh.NewInput().
				Title("Certificate Fingerprint").
				Description("sha256:... printed by the relay; empty disables pinning").
				Value(&a.Fingerprint).
				Validate(func(s string) error {
					if s != "" && !strings.HasPrefix(s, "sha256:") {
						return fmt.Errorf("fingerprint must start with sha256:")
					}
					return nil
				}),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askHost(a *Answers) error {
	maxSessions := strconv.Itoa(a.MaxSessions)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Host").
				Description("Control who can connect to this desktop."),

			huh.NewInput().
				Title("Concurrent Sessions").
				Description("Further connection attempts are refused").
				Value(&maxSessions).
				Validate(func(s string) error {
					n, err := strconv.Atoi(s)
					if err != nil || n < 1 {
						return fmt.Errorf("must be a positive number")
					}
					return nil
				}),

			huh.NewConfirm().
				Title("New password after each session?").
				Description("The password shown to the user changes once the last session ends").
				Value(&a.RotateAfterSession),

			huh.NewInput().
				Title("Shared Folder").
				Description("Clients may list and download files from here; empty disables it").
				Value(&a.FileRoot),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return err
	}
	a.MaxSessions, _ = strconv.Atoi(maxSessions)
	return nil
}

func (w *Wizard) askClient(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Client").
				Description("How this machine appears to hosts it controls."),

			huh.NewInput().
				Title("Display Name").
				Value(&a.ClientName).
				Validate(required("display name")),

			huh.NewInput().
				Title("Download Directory").
				Value(&a.DownloadDir).
				Validate(required("download directory")),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askAdvancedOptions(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Advanced Options").
				Description("Configure monitoring and logging."),

			huh.NewSelect[string]().
				Title("Log Level").
				Options(
					huh.NewOption("Debug (verbose)", "debug"),
					huh.NewOption("Info (recommended)", "info"),
					huh.NewOption("Warning", "warn"),
					huh.NewOption("Error (quiet)", "error"),
				).
				Value(&a.LogLevel),

			huh.NewConfirm().
				Title("Enable health check endpoint?").
				Description("HTTP endpoint for monitoring (/health, /healthz, /metrics)").
				Value(&a.HealthEnabled),
		),
	).WithTheme(w.theme)

	return form.Run()
}

// buildConfig turns answers into a validated configuration.
func buildConfig(a Answers) (*config.Config, error) {
	cfg := config.Default()

	cfg.DataDir = a.DataDir
	cfg.Log.Level = a.LogLevel
	cfg.Log.Format = "text"

	if contains(a.Roles, RoleRelay) {
		l := config.ListenerConfig{
			Transport: a.ListenTransport,
			Address:   a.ListenAddress,
		}
		if l.Transport == "ws" {
			l.Path = a.ListenPath
		}
		cfg.Relay.Listeners = []config.ListenerConfig{l}
	}

	endpoint := config.RelayEndpoint{
		Address:     a.RelayAddress,
		Transport:   a.RelayTransport,
		Fingerprint: a.Fingerprint,
	}
	if contains(a.Roles, RoleHost) {
		cfg.Host.Relay = endpoint
		cfg.Host.MaxSessions = a.MaxSessions
		cfg.Host.RotateAfterSession = a.RotateAfterSession
		cfg.Host.FileRoot = a.FileRoot
	}
	if contains(a.Roles, RoleClient) {
		cfg.Client.Relay = endpoint
		cfg.Client.Name = a.ClientName
		cfg.Client.DownloadDir = a.DownloadDir
	}

	cfg.Health.Enabled = a.HealthEnabled
	if a.HealthEnabled {
		cfg.Health.Address = "127.0.0.1:8080"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func writeConfig(cfg *config.Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := `# FreeViewer Configuration
# Generated by setup wizard

`
	if err := os.WriteFile(path, []byte(header+string(data)), 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

func (w *Wizard) printSummary(res *Result, roles []string) {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("42"))

	divider := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("─────────────────────────────────────────────────")

	fmt.Println()
	fmt.Println(divider)
	fmt.Println(style.Render("✓ Setup Complete!"))
	fmt.Println(divider)
	fmt.Println()

	cfg := res.Config
	fmt.Printf("  Config file:  %s\n", res.ConfigPath)
	fmt.Printf("  Data dir:     %s\n", res.DataDir)
	fmt.Printf("  Roles:        %s\n", strings.Join(roles, ", "))
	fmt.Println()

	for _, l := range cfg.Relay.Listeners {
		fmt.Printf("  Relay:        %s://%s\n", l.Transport, l.Address)
	}
	if res.Fingerprint != "" {
		fmt.Printf("  Fingerprint:  %s\n", res.Fingerprint)
	}
	if cfg.Health.Enabled {
		fmt.Printf("  Health:       http://%s/health\n", cfg.Health.Address)
	}

	fmt.Println()
	for _, role := range roles {
		switch role {
		case RoleRelay:
			fmt.Printf("  Start the relay:   freeviewer relay -c %s\n", res.ConfigPath)
		case RoleHost:
			fmt.Printf("  Share this screen: freeviewer host -c %s\n", res.ConfigPath)
		case RoleClient:
			fmt.Printf("  Connect:           freeviewer connect -c %s <machine-id>\n", res.ConfigPath)
		}
	}
	fmt.Println()
}

func required(what string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", what)
		}
		return nil
	}
}

func validateConfigPath(s string) error {
	if s == "" {
		return fmt.Errorf("config path is required")
	}
	if !strings.HasSuffix(s, ".yaml") && !strings.HasSuffix(s, ".yml") {
		return fmt.Errorf("config file should have .yaml or .yml extension")
	}
	return nil
}

func validateHostPort(s string) error {
	if _, _, err := net.SplitHostPort(s); err != nil {
		return fmt.Errorf("invalid address: %v", err)
	}
	return nil
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
