// Package config provides configuration parsing and validation for
// FreeViewer relays, hosts and clients.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/postalsys/freeviewer/internal/crypto"
	"github.com/postalsys/freeviewer/internal/identity"
	"github.com/postalsys/freeviewer/internal/protocol"
	"github.com/postalsys/freeviewer/internal/transport"
)

// Config represents the complete configuration file. A single file may
// configure any combination of relay, host and client roles.
type Config struct {
	Log     LogConfig     `yaml:"log"`
	DataDir string        `yaml:"data_dir"`
	Relay   RelayConfig   `yaml:"relay"`
	Host    HostConfig    `yaml:"host"`
	Client  ClientConfig  `yaml:"client"`
	Session SessionConfig `yaml:"session"`
	Health  HealthConfig  `yaml:"health"`
}

// LogConfig defines logging output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ListenerConfig defines a relay listener.
type ListenerConfig struct {
	Transport      string `yaml:"transport"` // quic, ws
	Address        string `yaml:"address"`
	Path           string `yaml:"path"`      // ws only
	PlainText      bool   `yaml:"plaintext"` // ws only, behind a TLS-terminating proxy
	MaxConnections int    `yaml:"max_connections"`
}

// TLSConfig defines certificate files. Empty paths generate and persist a
// self-signed certificate in the data directory.
type TLSConfig struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

// RelayConfig defines the rendezvous/relay server.
type RelayConfig struct {
	Listeners         []ListenerConfig `yaml:"listeners"`
	TLS               TLSConfig        `yaml:"tls"`
	HeartbeatInterval time.Duration    `yaml:"heartbeat_interval"`
	RouteTimeout      time.Duration    `yaml:"route_timeout"`
	DirectTimeout     time.Duration    `yaml:"direct_timeout"`
	BindTimeout       time.Duration    `yaml:"bind_timeout"`
	MaxForwarded      int              `yaml:"max_forwarded"`
	ConnectRate       float64          `yaml:"connect_rate"` // requests per second per source IP
	ConnectBurst      int              `yaml:"connect_burst"`
}

// RelayEndpoint is how a host or client reaches a relay.
type RelayEndpoint struct {
	Address     string `yaml:"address"`
	Transport   string `yaml:"transport"`
	Fingerprint string `yaml:"fingerprint"`
}

// CapabilitiesConfig bounds what a peer offers during negotiation.
type CapabilitiesConfig struct {
	MaxWidth  uint32   `yaml:"max_width"`
	MaxHeight uint32   `yaml:"max_height"`
	MaxFPS    uint32   `yaml:"max_fps"`
	Codecs    []string `yaml:"codecs"`
	Channels  []string `yaml:"channels"`
}

// Protocol converts c into a capability offer. Monitors are filled in by
// the host from its frame source.
func (c CapabilitiesConfig) Protocol() protocol.Capabilities {
	return protocol.Capabilities{
		Version:   protocol.Version,
		MaxWidth:  c.MaxWidth,
		MaxHeight: c.MaxHeight,
		MaxFPS:    c.MaxFPS,
		Codecs:    append([]string(nil), c.Codecs...),
		Channels:  append([]string(nil), c.Channels...),
	}
}

// HostConfig defines the machine being controlled.
type HostConfig struct {
	Relay         RelayEndpoint           `yaml:"relay"`
	ListenAddress string                  `yaml:"listen_address"` // UDP address for relay dial, direct sessions and punching
	Advertise     []string                `yaml:"advertise"`      // overrides detected candidates
	Password      identity.PasswordPolicy `yaml:"password"`
	MaxSessions   int                     `yaml:"max_sessions"`
	Capabilities  CapabilitiesConfig      `yaml:"capabilities"`
	FileRoot      string                  `yaml:"file_root"`
	FileRate      int64                   `yaml:"file_rate"` // bytes per second, 0 = unlimited

	// RotateAfterSession issues a new password when the last session ends.
	RotateAfterSession bool `yaml:"rotate_after_session"`
}

// ClientConfig defines the controlling side.
type ClientConfig struct {
	Relay         RelayEndpoint      `yaml:"relay"`
	Name          string             `yaml:"name"`
	ListenAddress string             `yaml:"listen_address"`
	Capabilities  CapabilitiesConfig `yaml:"capabilities"`
	DownloadDir   string             `yaml:"download_dir"`
	FileRate      int64              `yaml:"file_rate"`
}

// SessionConfig tunes the session state machine.
type SessionConfig struct {
	KeepaliveInterval time.Duration       `yaml:"keepalive_interval"`
	KeepaliveMisses   int                 `yaml:"keepalive_misses"`
	HandshakeTimeout  time.Duration       `yaml:"handshake_timeout"`
	AuthBackoffBase   time.Duration       `yaml:"auth_backoff_base"`
	AuthBackoffMax    time.Duration       `yaml:"auth_backoff_max"`
	Argon2            crypto.Argon2Params `yaml:"argon2"`
}

// HealthConfig defines health check server settings.
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Default returns a Config with default values.
func Default() *Config {
	caps := CapabilitiesConfig{
		MaxWidth:  1920,
		MaxHeight: 1080,
		MaxFPS:    30,
		Codecs:    []string{"zstd", "raw"},
		Channels:  []string{"video", "input", "clipboard", "file", "chat"},
	}
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		DataDir: "./data",
		Relay: RelayConfig{
			Listeners:         []ListenerConfig{},
			HeartbeatInterval: 10 * time.Second,
			RouteTimeout:      30 * time.Second,
			DirectTimeout:     3 * time.Second,
			BindTimeout:       10 * time.Second,
			MaxForwarded:      1000,
			ConnectRate:       2,
			ConnectBurst:      10,
		},
		Host: HostConfig{
			Relay:         RelayEndpoint{Transport: "quic"},
			ListenAddress: ":0",
			Password:      identity.DefaultPasswordPolicy(),
			MaxSessions:   1,
			Capabilities:  caps,
		},
		Client: ClientConfig{
			Relay:         RelayEndpoint{Transport: "quic"},
			Name:          "freeviewer",
			ListenAddress: ":0",
			Capabilities:  caps,
			DownloadDir:   ".",
		},
		Session: SessionConfig{
			KeepaliveInterval: 5 * time.Second,
			KeepaliveMisses:   3,
			HandshakeTimeout:  30 * time.Second,
			AuthBackoffBase:   time.Second,
			AuthBackoffMax:    5 * time.Minute,
			Argon2:            crypto.DefaultArgon2Params(),
		},
		Health: HealthConfig{
			Enabled:      false,
			Address:      ":8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// StorePath returns the bbolt database holding machine identity, relay
// claims and the session secret.
func (c *Config) StorePath() string {
	return filepath.Join(c.DataDir, "freeviewer.db")
}

// RelayCertPaths returns the relay certificate and key files. Without
// configured files the relay persists a self-signed pair in the data
// directory.
func (c *Config) RelayCertPaths() (certFile, keyFile string) {
	if c.Relay.TLS.Cert != "" && c.Relay.TLS.Key != "" {
		return c.Relay.TLS.Cert, c.Relay.TLS.Key
	}
	return filepath.Join(c.DataDir, "relay.crt"), filepath.Join(c.DataDir, "relay.key")
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
// ${VAR:-default} falls back to default; unknown variables are kept as-is.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			if val, ok := os.LookupEnv(name[:idx]); ok {
				return val
			}
			return name[idx+2:]
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs []string

	if c.DataDir == "" {
		errs = append(errs, "data_dir is required")
	}
	if !isValidLogLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}
	if !isValidLogFormat(c.Log.Format) {
		errs = append(errs, fmt.Sprintf("invalid log.format: %s (must be text or json)", c.Log.Format))
	}

	for i, l := range c.Relay.Listeners {
		if err := validateListener(l); err != nil {
			errs = append(errs, fmt.Sprintf("relay.listeners[%d]: %v", i, err))
		}
	}
	if c.Relay.HeartbeatInterval <= 0 {
		errs = append(errs, "relay.heartbeat_interval must be positive")
	}
	if c.Relay.RouteTimeout <= c.Relay.HeartbeatInterval {
		errs = append(errs, "relay.route_timeout must exceed relay.heartbeat_interval")
	}
	if c.Relay.DirectTimeout <= 0 || c.Relay.BindTimeout <= 0 {
		errs = append(errs, "relay.direct_timeout and relay.bind_timeout must be positive")
	}
	if c.Relay.MaxForwarded < 1 {
		errs = append(errs, "relay.max_forwarded must be positive")
	}
	if c.Relay.ConnectRate <= 0 || c.Relay.ConnectBurst < 1 {
		errs = append(errs, "relay.connect_rate and relay.connect_burst must be positive")
	}

	if err := validateRelayEndpoint(c.Host.Relay); err != nil {
		errs = append(errs, fmt.Sprintf("host.relay: %v", err))
	}
	if err := c.Host.Password.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("host.password: %v", err))
	}
	if c.Host.MaxSessions < 1 {
		errs = append(errs, "host.max_sessions must be positive")
	}
	for i, a := range c.Host.Advertise {
		if _, _, err := net.SplitHostPort(a); err != nil {
			errs = append(errs, fmt.Sprintf("host.advertise[%d]: %v", i, err))
		}
	}
	if err := validateCapabilities(c.Host.Capabilities); err != nil {
		errs = append(errs, fmt.Sprintf("host.capabilities: %v", err))
	}
	if c.Host.FileRate < 0 || c.Client.FileRate < 0 {
		errs = append(errs, "file_rate must not be negative")
	}

	if err := validateRelayEndpoint(c.Client.Relay); err != nil {
		errs = append(errs, fmt.Sprintf("client.relay: %v", err))
	}
	if err := validateCapabilities(c.Client.Capabilities); err != nil {
		errs = append(errs, fmt.Sprintf("client.capabilities: %v", err))
	}

	if c.Session.KeepaliveInterval <= 0 {
		errs = append(errs, "session.keepalive_interval must be positive")
	}
	if c.Session.KeepaliveMisses < 1 {
		errs = append(errs, "session.keepalive_misses must be at least 1")
	}
	if c.Session.HandshakeTimeout <= 0 {
		errs = append(errs, "session.handshake_timeout must be positive")
	}
	if c.Session.AuthBackoffMax < c.Session.AuthBackoffBase {
		errs = append(errs, "session.auth_backoff_max must be >= auth_backoff_base")
	}
	if c.Session.Argon2.Time < 1 || c.Session.Argon2.Memory < 8 || c.Session.Argon2.Threads < 1 {
		errs = append(errs, "session.argon2 parameters are too weak")
	}

	if c.Health.Enabled && c.Health.Address == "" {
		errs = append(errs, "health.address is required when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

func isValidLogLevel(level string) bool {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "warning", "error":
		return true
	}
	return false
}

func isValidLogFormat(format string) bool {
	switch strings.ToLower(format) {
	case "text", "json":
		return true
	}
	return false
}

func validateListener(l ListenerConfig) error {
	tt, ok := transport.ParseTransportType(l.Transport)
	if !ok {
		return fmt.Errorf("invalid transport: %s (must be quic or ws)", l.Transport)
	}
	if l.Address == "" {
		return fmt.Errorf("address is required")
	}
	if l.PlainText && tt != transport.TransportWebSocket {
		return fmt.Errorf("plaintext is only supported for ws listeners")
	}
	if l.MaxConnections < 0 {
		return fmt.Errorf("max_connections must not be negative")
	}
	return nil
}

// validateRelayEndpoint accepts an empty address; commands that need a relay
// check for it themselves.
func validateRelayEndpoint(r RelayEndpoint) error {
	if _, ok := transport.ParseTransportType(r.Transport); !ok {
		return fmt.Errorf("invalid transport: %s (must be quic or ws)", r.Transport)
	}
	if r.Fingerprint != "" && !strings.HasPrefix(r.Fingerprint, "sha256:") {
		return fmt.Errorf("fingerprint must start with sha256:")
	}
	return nil
}

func validateCapabilities(c CapabilitiesConfig) error {
	if c.MaxWidth == 0 || c.MaxHeight == 0 || c.MaxFPS == 0 {
		return fmt.Errorf("max_width, max_height and max_fps must be positive")
	}
	if len(c.Codecs) == 0 {
		return fmt.Errorf("at least one codec is required")
	}
	for _, name := range c.Channels {
		ch, err := protocol.ParseChannel(name)
		if err != nil {
			return err
		}
		if ch == protocol.ChannelControl {
			return fmt.Errorf("control channel is implicit")
		}
	}
	return nil
}

// String returns the redacted configuration as YAML.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c.Redacted())
	return string(data)
}

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

// Redacted returns a copy of the config with sensitive values redacted.
func (c *Config) Redacted() *Config {
	data, err := yaml.Marshal(c)
	if err != nil {
		return c
	}

	redacted := &Config{}
	if err := yaml.Unmarshal(data, redacted); err != nil {
		return c
	}

	if redacted.Relay.TLS.Key != "" {
		redacted.Relay.TLS.Key = redactedValue
	}
	return redacted
}
