package config_test

import (
	"testing"
	"time"

	"mnemosyne/internal/config"
)

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeTOML(t, `
fall_back_endpoint = "http://localhost:9000"
`)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddress != ":8080" {
		t.Fatalf("expected default listen address, got %q", cfg.ListenAddress)
	}
	if cfg.Cache.Shards != 16 {
		t.Fatalf("expected default shard count 16, got %d", cfg.Cache.Shards)
	}
	if cfg.Admin.Prefix != "/api" {
		t.Fatalf("expected default admin prefix, got %q", cfg.Admin.Prefix)
	}
	if cfg.Upstream.FetchTimeoutSeconds != 10 {
		t.Fatalf("expected default fetch timeout of 10s, got %d", cfg.Upstream.FetchTimeoutSeconds)
	}
	if cfg.Upstream.MaxConcurrent != 0 || cfg.Upstream.MaxQueue != 0 {
		t.Fatalf("expected admission control disabled by default, got %+v", cfg.Upstream)
	}
}

func TestLoad_UpstreamSection(t *testing.T) {
	path := writeTOML(t, `
fall_back_endpoint = "http://localhost:9000"

[upstream]
fetch_timeout = 3
max_concurrent = 5
max_queue = 20
queue_wait_timeout = 1
`)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.FetchTimeout() != 3*time.Second {
		t.Fatalf("expected 3s fetch timeout, got %v", cfg.FetchTimeout())
	}
	if cfg.Upstream.MaxConcurrent != 5 || cfg.Upstream.MaxQueue != 20 {
		t.Fatalf("unexpected admission limits: %+v", cfg.Upstream)
	}
	if cfg.QueueWaitTimeout() != time.Second {
		t.Fatalf("expected 1s queue wait timeout, got %v", cfg.QueueWaitTimeout())
	}
}

func TestLoad_RejectsNegativeUpstreamLimits(t *testing.T) {
	path := writeTOML(t, `
fall_back_endpoint = "http://localhost:9000"

[upstream]
max_concurrent = -1
`)
	if _, err := config.Load(path); err == nil {
		t.Fatalf("expected error for negative max_concurrent")
	}
}

func TestLoad_EndpointsAndFallback(t *testing.T) {
	path := writeTOML(t, `
listen_address = ":9090"
fall_back_endpoint = "http://default-backend:9002"

[[endpoints]]
host_header = "api.example.com"
origin_url = "http://backend-a:9000"

[[endpoints]]
host_header = "static.example.com"
origin_url = "http://backend-b:9001"

[cache]
size_limit = 512
expiration = 60
shards = 8
`)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	endpoints, err := cfg.ResolvedEndpoints()
	if err != nil {
		t.Fatalf("ResolvedEndpoints: %v", err)
	}
	if len(endpoints) != 2 {
		t.Fatalf("expected 2 endpoints, got %d", len(endpoints))
	}
	if cfg.SizeLimitBytes() != 512*1024*1024 {
		t.Fatalf("expected 512MB in bytes, got %d", cfg.SizeLimitBytes())
	}
	fallback, err := cfg.ResolvedFallback()
	if err != nil {
		t.Fatalf("ResolvedFallback: %v", err)
	}
	if fallback == nil || fallback.Host != "default-backend:9002" {
		t.Fatalf("unexpected fallback: %v", fallback)
	}
}

func TestLoad_RejectsNoEndpointsAndNoFallback(t *testing.T) {
	path := writeTOML(t, `listen_address = ":8080"`)
	if _, err := config.Load(path); err == nil {
		t.Fatalf("expected error when no endpoints and no fallback are configured")
	}
}

func TestLoad_RejectsMalformedOriginURL(t *testing.T) {
	path := writeTOML(t, `
[[endpoints]]
host_header = "api.example.com"
origin_url = "not-a-url"
`)
	if _, err := config.Load(path); err == nil {
		t.Fatalf("expected error for malformed origin URL")
	}
}
