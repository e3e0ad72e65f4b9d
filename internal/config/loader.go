package config

import (
	"flag"
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml/v2"
)

// Flags holds command-line flag values.
type Flags struct {
	ConfigPath string
	BindPort   int
	LogLevel   string
	Upstream   string

	// Worker marks this process as a pre-forked child (spec.md §5
	// "Multi-process scaling"): the supervisor re-execs the binary with
	// -worker set, and a worker process never itself forks further
	// children regardless of the configured worker count.
	Worker bool
}

// ParseFlags parses command-line flags and returns a Flags struct.
func ParseFlags() *Flags {
	f := &Flags{}

	flag.StringVar(&f.ConfigPath, "config", "./imaproxy.toml", "Path to configuration file")
	flag.IntVar(&f.BindPort, "bind-port", 0, "Local listen port (overrides config)")
	flag.StringVar(&f.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.StringVar(&f.Upstream, "upstream", "", "Upstream IMAP server URL (overrides config)")
	flag.BoolVar(&f.Worker, "worker", false, "Internal: run as a pre-forked worker process")

	flag.Parse()
	return f
}

// Load parses a TOML configuration file and returns the Config. If the
// file does not exist, returns the default configuration.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config file: %w", err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// ApplyFlags merges command-line flag values into the config. Non-zero
// flag values override config file values.
func ApplyFlags(cfg Config, f *Flags) Config {
	if f.BindPort > 0 {
		cfg.BindPort = f.BindPort
	}
	if f.Upstream != "" {
		cfg.ImapServer = f.Upstream
	}
	if f.LogLevel != "" {
		cfg.LogLevel = f.LogLevel
	}
	return cfg
}

// LoadWithFlags loads configuration from the path specified in flags, then
// applies flag overrides.
func LoadWithFlags(f *Flags) (Config, error) {
	cfg, err := Load(f.ConfigPath)
	if err != nil {
		return cfg, err
	}
	return ApplyFlags(cfg, f), nil
}
