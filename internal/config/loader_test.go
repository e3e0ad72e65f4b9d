package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load("/nonexistent/path/imaproxy.toml")
	if err != nil {
		t.Fatalf("expected no error for missing file, got %v", err)
	}

	expected := Default()
	if cfg.BindPort != expected.BindPort {
		t.Errorf("expected bind_port %d, got %d", expected.BindPort, cfg.BindPort)
	}
}

func TestLoadValidTOML(t *testing.T) {
	content := `
imap_server = "tls://mail.example.com:993"
bind_port = 1143
ssl = false
keep_alive = 30
workers = 2
connection_log = true
use_colors = false

[metrics]
enabled = true
address = ":9102"
path = "/metrics"
`

	path := createTempConfig(t, content)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.ImapServer != "tls://mail.example.com:993" {
		t.Errorf("imap_server = %q, want 'tls://mail.example.com:993'", cfg.ImapServer)
	}
	if cfg.BindPort != 1143 {
		t.Errorf("bind_port = %d, want 1143", cfg.BindPort)
	}
	if cfg.KeepAlive != 30 {
		t.Errorf("keep_alive = %d, want 30", cfg.KeepAlive)
	}
	if cfg.Workers != 2 {
		t.Errorf("workers = %d, want 2", cfg.Workers)
	}
	if !cfg.Metrics.Enabled {
		t.Errorf("expected metrics enabled")
	}
}

func TestLoadInvalidTOML(t *testing.T) {
	path := createTempConfig(t, `not valid toml = = =`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid TOML")
	}
}

func TestApplyFlagsOverridesBindPortAndUpstream(t *testing.T) {
	cfg := Default()
	cfg.ImapServer = "imap://mail.example.com:143"

	f := &Flags{BindPort: 2143, Upstream: "tls://other.example.com:993"}
	cfg = ApplyFlags(cfg, f)

	if cfg.BindPort != 2143 {
		t.Errorf("bind_port = %d, want 2143", cfg.BindPort)
	}
	if cfg.ImapServer != "tls://other.example.com:993" {
		t.Errorf("imap_server = %q, want override", cfg.ImapServer)
	}
}

func TestApplyFlagsLeavesUnsetFieldsAlone(t *testing.T) {
	cfg := Default()
	cfg.ImapServer = "imap://mail.example.com:143"
	cfg.BindPort = 9143

	cfg = ApplyFlags(cfg, &Flags{})

	if cfg.BindPort != 9143 {
		t.Errorf("bind_port should be unchanged, got %d", cfg.BindPort)
	}
	if cfg.ImapServer != "imap://mail.example.com:143" {
		t.Errorf("imap_server should be unchanged, got %q", cfg.ImapServer)
	}
}

func createTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "imaproxy.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	return path
}
