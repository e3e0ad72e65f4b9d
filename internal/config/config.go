// Package config provides configuration management for the IMAP proxy,
// mirroring the recognized options in spec.md §6.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the proxy's configuration, loaded from a TOML file and
// optionally overridden by command-line flags.
type Config struct {
	ImapServer      string `toml:"imap_server"`
	BindPort        int    `toml:"bind_port"`
	SSL             bool   `toml:"ssl"`
	SSLKey          string `toml:"ssl_key"`
	SSLCert         string `toml:"ssl_cert"`
	SSLCA           string `toml:"ssl_ca"`
	TLSNoCheckCerts bool   `toml:"tls_nocheck_certs"`
	KeepAlive       int    `toml:"keep_alive"`
	Workers         int    `toml:"workers"`
	CrashBudget     int    `toml:"crash_budget"`
	ConnectionLog   bool   `toml:"connection_log"`
	LogLevel        string `toml:"log_level"`
	UseColors       bool   `toml:"use_colors"`
	UserUID         int    `toml:"user_uid"`
	UserGID         int    `toml:"user_gid"`
	DebugLog        bool   `toml:"debug_log"`
	PluginsDir      string `toml:"plugins_dir"`

	Metrics MetricsConfig `toml:"metrics"`

	// ReadTimeoutSeconds bounds how long the mediator waits for upstream
	// traffic before closing both sides (spec.md §5 "Cancellation":
	// "implementations should impose a read timeout so half-open
	// connections eventually release resources").
	ReadTimeoutSeconds int `toml:"read_timeout_seconds"`
}

// MetricsConfig holds configuration for the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Path    string `toml:"path"`
}

// Default returns a Config with sensible default values.
func Default() Config {
	return Config{
		BindPort:           143,
		KeepAlive:          0,
		Workers:            0,
		CrashBudget:        10,
		ConnectionLog:      true,
		LogLevel:           "info",
		ReadTimeoutSeconds: 300,
		Metrics: MetricsConfig{
			Enabled: false,
			Address: ":9102",
			Path:    "/metrics",
		},
	}
}

// Validate checks that the configuration is usable and returns an error if
// not.
func (c *Config) Validate() error {
	if c.ImapServer == "" {
		return errors.New("imap_server is required")
	}
	if c.BindPort <= 0 {
		return errors.New("bind_port must be positive")
	}
	if c.SSL {
		if c.SSLKey == "" || c.SSLCert == "" {
			return errors.New("ssl_key and ssl_cert are required when ssl is enabled")
		}
	}
	if c.Workers < 0 {
		return errors.New("workers must not be negative")
	}
	if c.CrashBudget <= 0 {
		return errors.New("crash_budget must be positive")
	}
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		return errors.New("metrics address is required when metrics are enabled")
	}
	return nil
}

// ReadTimeout returns the upstream read timeout as a time.Duration.
func (c *Config) ReadTimeout() time.Duration {
	if c.ReadTimeoutSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.ReadTimeoutSeconds) * time.Second
}

// KeepAliveInterval returns the configured keepalive period, or 0 if
// keepalive is disabled.
func (c *Config) KeepAliveInterval() time.Duration {
	if c.KeepAlive <= 0 {
		return 0
	}
	return time.Duration(c.KeepAlive) * time.Second
}

// String implements fmt.Stringer for logging without leaking credentials;
// the proxy carries no credentials of its own (spec.md §1 Non-goals), so
// this is a plain summary.
func (c *Config) String() string {
	return fmt.Sprintf("imap_server=%s bind_port=%d ssl=%v workers=%d", c.ImapServer, c.BindPort, c.SSL, c.Workers)
}
