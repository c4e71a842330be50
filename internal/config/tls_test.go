package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"mnemosyne/internal/config"
)

func writeTOML(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "mnemosyne.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_TLSSection(t *testing.T) {
	path := writeTOML(t, `
listen_address = ":0"
fall_back_endpoint = "http://localhost:9000"

[tls]
enabled = true
cert_file = "/tmp/server.crt"
key_file = "/tmp/server.key"
`)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.TLS.Enabled {
		t.Fatalf("expected TLS enabled")
	}
	if cfg.TLS.CertFile != "/tmp/server.crt" || cfg.TLS.KeyFile != "/tmp/server.key" {
		t.Fatalf("cert/key mismatch: %+v", cfg.TLS)
	}
}

func TestLoad_TLSEnabledWithoutCertFails(t *testing.T) {
	path := writeTOML(t, `
listen_address = ":0"
fall_back_endpoint = "http://localhost:9000"

[tls]
enabled = true
`)
	if _, err := config.Load(path); err == nil {
		t.Fatalf("expected validation error for TLS enabled without cert/key")
	}
}
