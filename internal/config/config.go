// Package config loads and validates the CalendarSync YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full application configuration loaded from YAML.
type Config struct {
	// DBPath is the SQLite database file holding accounts, events, and
	// settings. Defaults to ~/.local/share/calendarsync/calendarsync.db.
	DBPath string `yaml:"db_path"`

	// PollInterval controls how often the sync engine runs a full pass in
	// daemon mode. Minimum 30s, maximum 1h. Defaults to 5m if unset.
	PollInterval time.Duration `yaml:"poll_interval"`

	// ProviderDirs lists the directories scanned for provider descriptor
	// files, base first and overrides after. Defaults to
	// /etc/calendarsync/providers plus ~/.config/calendarsync/providers.
	ProviderDirs []string `yaml:"provider_dirs"`

	// ReportPath is where the last-run report is persisted for the status
	// command. Empty disables report persistence. Defaults to a file next
	// to the database.
	ReportPath string `yaml:"report_path"`

	// Telemetry configures optional OpenTelemetry export via OTLP gRPC.
	// Omit the block entirely to disable telemetry.
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`
}

// TelemetryConfig holds optional OpenTelemetry settings.
type TelemetryConfig struct {
	// OTLPEndpoint is the gRPC host:port of the OTLP collector (e.g. "localhost:4317").
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// Insecure disables TLS for the collector connection. Use for local collectors.
	Insecure bool `yaml:"insecure"`

	// ServiceName overrides the OTel service.name attribute. Defaults to "calendarsync".
	ServiceName string `yaml:"service_name"`

	// Headers contains key-value pairs sent as gRPC metadata on every OTLP
	// request. Equivalent to the OTEL_EXPORTER_OTLP_HEADERS environment
	// variable. Use this for authentication tokens, e.g.:
	//   Authorization: "Bearer <token>"
	Headers map[string]string `yaml:"headers,omitempty"`
}

// DefaultPath returns the default config file path: ~/.config/calendarsync/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "calendarsync", "config.yaml"), nil
}

// Load reads and validates the configuration file at the given path. A
// missing file yields the defaults: every field has a workable fallback.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		cfg := &Config{}
		if err := cfg.validate(); err != nil {
			return nil, fmt.Errorf("invalid default config: %w", err)
		}
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening config file %q: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true) // reject unknown keys to catch typos early
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// validate applies defaults and checks that all fields are well-formed.
func (c *Config) validate() error {
	if c.DBPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolving home directory: %w", err)
		}
		c.DBPath = filepath.Join(home, ".local", "share", "calendarsync", "calendarsync.db")
	}

	if c.PollInterval == 0 {
		c.PollInterval = 5 * time.Minute
	}
	if c.PollInterval < 30*time.Second {
		return fmt.Errorf("poll_interval %v is too short (minimum 30s)", c.PollInterval)
	}
	if c.PollInterval > time.Hour {
		return fmt.Errorf("poll_interval %v is too long (maximum 1h)", c.PollInterval)
	}

	if len(c.ProviderDirs) == 0 {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolving home directory: %w", err)
		}
		c.ProviderDirs = []string{
			"/etc/calendarsync/providers",
			filepath.Join(home, ".config", "calendarsync", "providers"),
		}
	}
	for i, dir := range c.ProviderDirs {
		if dir == "" {
			return fmt.Errorf("provider_dirs[%d] is empty", i)
		}
	}

	if c.ReportPath == "" {
		c.ReportPath = filepath.Join(filepath.Dir(c.DBPath), "last_run.report")
	}

	if c.Telemetry != nil {
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("telemetry.otlp_endpoint is required when telemetry is configured")
		}
	}

	return nil
}
