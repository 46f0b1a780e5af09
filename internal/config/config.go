// ABOUTME: Configuration loading and parsing for wa-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Transport kinds understood by the gateway.
const (
	TransportWhatsApp = "whatsapp"
	TransportMatrix   = "matrix"
	TransportLoopback = "loopback"
)

// DefaultPort is used when neither PORT nor server.http_addr is set.
const DefaultPort = "3001"

// Config represents the complete wa-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Transport TransportConfig `yaml:"transport" toml:"transport"`
	Dispatch  DispatchConfig  `yaml:"dispatch" toml:"dispatch"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"` // optional health endpoint
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
}

// TransportConfig selects and configures the messaging client behind the gateway
type TransportConfig struct {
	Kind     string         `yaml:"kind" toml:"kind"`
	WhatsApp WhatsAppConfig `yaml:"whatsapp" toml:"whatsapp"`
	Matrix   MatrixConfig   `yaml:"matrix" toml:"matrix"`
	Loopback LoopbackConfig `yaml:"loopback" toml:"loopback"`
}

// WhatsAppConfig holds the whatsmeow session settings
type WhatsAppConfig struct {
	// ClientID names the credential store, so several gateways can share a directory.
	ClientID       string `yaml:"client_id" toml:"client_id"`
	StoreDir       string `yaml:"store_dir" toml:"store_dir"`
	RelinkOnLogout *bool  `yaml:"relink_on_logout" toml:"relink_on_logout"`
	// PairingRetry is the wait before a new QR cycle once codes expire unscanned.
	PairingRetry time.Duration `yaml:"-" toml:"-"`

	PairingRetryRaw string `yaml:"pairing_retry" toml:"pairing_retry"`
}

// Relink reports whether a logged-out session should start a new pairing cycle.
func (w WhatsAppConfig) Relink() bool {
	return w.RelinkOnLogout == nil || *w.RelinkOnLogout
}

// StorePath returns the sqlite file holding the session credentials.
func (w WhatsAppConfig) StorePath() string {
	return filepath.Join(w.StoreDir, w.ClientID+".db")
}

// MatrixConfig holds Matrix account configuration
type MatrixConfig struct {
	Homeserver  string        `yaml:"homeserver" toml:"homeserver"`
	UserID      string        `yaml:"user_id" toml:"user_id"`
	AccessToken string        `yaml:"access_token" toml:"access_token"`
	Username    string        `yaml:"username" toml:"username"`
	Password    string        `yaml:"password" toml:"password"`
	RetryDelay  time.Duration `yaml:"-" toml:"-"`

	RetryDelayRaw string `yaml:"retry_delay" toml:"retry_delay"`
}

// LoopbackConfig holds the in-process transport settings
type LoopbackConfig struct {
	AutoPairAfter  time.Duration `yaml:"-" toml:"-"`
	Name           string        `yaml:"name" toml:"name"`
	Address        string        `yaml:"address" toml:"address"`
	FailRecipients []string      `yaml:"fail_recipients" toml:"fail_recipients"`

	AutoPairAfterRaw string `yaml:"auto_pair_after" toml:"auto_pair_after"`
}

// DispatchConfig holds outbound send timing
type DispatchConfig struct {
	PacingInterval time.Duration `yaml:"-" toml:"-"`
	SendTimeout    time.Duration `yaml:"-" toml:"-"`
	IdempotencyTTL time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	PacingIntervalRaw string `yaml:"pacing_interval" toml:"pacing_interval"`
	SendTimeoutRaw    string `yaml:"send_timeout" toml:"send_timeout"`
	IdempotencyTTLRaw string `yaml:"idempotency_ttl" toml:"idempotency_ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Default returns a configuration usable without any file: a WhatsApp
// session listening on port 3001.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded and PORT,
// when set, overrides server.http_addr.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := finish(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault behaves like Load but falls back to Default when no file
// exists at path.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return finishDefault()
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return finishDefault()
	}
	return Load(path)
}

func finishDefault() (*Config, error) {
	var cfg Config
	if err := finish(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func finish(cfg *Config) error {
	if err := parseDurations(cfg); err != nil {
		return fmt.Errorf("parsing durations: %w", err)
	}
	applyDefaults(cfg)
	if port := os.Getenv("PORT"); port != "" {
		cfg.Server.HTTPAddr = ":" + port
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}
	return nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func applyDefaults(cfg *Config) {
	if cfg.Server.HTTPAddr == "" {
		cfg.Server.HTTPAddr = ":" + DefaultPort
	}
	if cfg.Transport.Kind == "" {
		cfg.Transport.Kind = TransportWhatsApp
	}
	if cfg.Transport.WhatsApp.ClientID == "" {
		cfg.Transport.WhatsApp.ClientID = "whatsapp-gateway"
	}
	if cfg.Transport.WhatsApp.StoreDir == "" {
		cfg.Transport.WhatsApp.StoreDir = DefaultDataDir()
	}
	if cfg.Transport.WhatsApp.PairingRetry == 0 {
		cfg.Transport.WhatsApp.PairingRetry = 5 * time.Second
	}
	if cfg.Transport.Matrix.RetryDelay == 0 {
		cfg.Transport.Matrix.RetryDelay = 10 * time.Second
	}
	if cfg.Dispatch.PacingInterval == 0 {
		cfg.Dispatch.PacingInterval = time.Second
	}
	if cfg.Dispatch.SendTimeout == 0 {
		cfg.Dispatch.SendTimeout = 30 * time.Second
	}
	if cfg.Dispatch.IdempotencyTTL == 0 {
		cfg.Dispatch.IdempotencyTTL = 10 * time.Minute
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
}

// DefaultDataDir returns the directory used for session credentials when
// transport.whatsapp.store_dir is unset.
func DefaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "wa-gateway")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".wa-gateway"
	}
	return filepath.Join(home, ".local", "share", "wa-gateway")
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Transport.Kind {
	case TransportWhatsApp:
		if strings.ContainsAny(c.Transport.WhatsApp.ClientID, `/\`) {
			return fmt.Errorf("transport.whatsapp.client_id must not contain path separators")
		}
	case TransportMatrix:
		m := c.Transport.Matrix
		if m.Homeserver == "" {
			return fmt.Errorf("transport.matrix.homeserver is required")
		}
		if m.AccessToken == "" && (m.Username == "" || m.Password == "") {
			return fmt.Errorf("transport.matrix needs access_token or username and password")
		}
		if m.AccessToken != "" && m.UserID == "" {
			return fmt.Errorf("transport.matrix.user_id is required with access_token")
		}
	case TransportLoopback:
	default:
		return fmt.Errorf("transport.kind %q is not one of whatsapp, matrix, loopback", c.Transport.Kind)
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q must be text or json", c.Logging.Format)
	}

	if c.Dispatch.PacingInterval < 0 {
		return fmt.Errorf("dispatch.pacing_interval must not be negative")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"pacing_interval", cfg.Dispatch.PacingIntervalRaw, &cfg.Dispatch.PacingInterval},
		{"send_timeout", cfg.Dispatch.SendTimeoutRaw, &cfg.Dispatch.SendTimeout},
		{"idempotency_ttl", cfg.Dispatch.IdempotencyTTLRaw, &cfg.Dispatch.IdempotencyTTL},
		{"pairing_retry", cfg.Transport.WhatsApp.PairingRetryRaw, &cfg.Transport.WhatsApp.PairingRetry},
		{"retry_delay", cfg.Transport.Matrix.RetryDelayRaw, &cfg.Transport.Matrix.RetryDelay},
		{"auto_pair_after", cfg.Transport.Loopback.AutoPairAfterRaw, &cfg.Transport.Loopback.AutoPairAfter},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
