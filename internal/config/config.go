// Package config loads Mnemosyne's configuration from a TOML file (spec
// §6), following the section-per-concern layout used by reverse-proxy
// cache configs in this codebase's lineage (endpoints/cache/admin/tls).
// github.com/joho/godotenv applies local .env overrides (such as
// MNEMOSYNE_CONFIG) before the TOML file is read.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config is Mnemosyne's full running configuration.
type Config struct {
	ListenAddress    string           `toml:"listen_address"`
	Endpoints        []EndpointConfig `toml:"endpoints"`
	FallbackEndpoint string           `toml:"fall_back_endpoint"`
	Cache            CacheConfig      `toml:"cache"`
	Upstream         UpstreamConfig   `toml:"upstream"`
	Admin            AdminConfig      `toml:"admin"`
	TLS              TLSConfig        `toml:"tls"`
}

// EndpointConfig maps one inbound Host header to one upstream origin
// (spec §4.4).
type EndpointConfig struct {
	HostHeader string `toml:"host_header"`
	OriginURL  string `toml:"origin_url"`
}

// CacheConfig configures the cache store (spec §4.2).
type CacheConfig struct {
	SizeLimitMB       int64 `toml:"size_limit"`
	ExpirationSeconds int64 `toml:"expiration"`
	Shards            int   `toml:"shards"`
	SingleFlight      bool  `toml:"single_flight"`
}

// UpstreamConfig bounds how the proxy pipeline talks to origins (spec §5):
// a per-fetch deadline, and an optional admission limit on how many fetches
// may be in flight (plus how many callers may queue for a slot) before
// Forward is even attempted.
type UpstreamConfig struct {
	FetchTimeoutSeconds     int64 `toml:"fetch_timeout"`
	MaxConcurrent           int   `toml:"max_concurrent"`
	MaxQueue                int   `toml:"max_queue"`
	QueueWaitTimeoutSeconds int64 `toml:"queue_wait_timeout"`
}

// AdminConfig configures the admin surface (spec §4.6).
type AdminConfig struct {
	Prefix string `toml:"prefix"`
}

// TLSConfig optionally enables TLS termination at the front-end, an
// external-collaborator concern spec.md treats as out of scope for
// correctness; kept here only as a local/dev convenience.
type TLSConfig struct {
	Enabled  bool   `toml:"enabled"`
	CertFile string `toml:"cert_file"`
	KeyFile  string `toml:"key_file"`
}

const (
	defaultListenAddress     = ":8080"
	defaultSizeLimitMB       = 256
	defaultExpirationSeconds = 300
	defaultShards            = 16
	defaultAdminPrefix       = "/api"
	defaultFetchTimeoutSecs  = 10
	defaultQueueWaitSecs     = 5
)

// ResolvedEndpoint is an EndpointConfig with its origin URL parsed and
// validated.
type ResolvedEndpoint struct {
	HostHeader string
	Origin     *url.URL
}

// Load applies .env overrides (if a .env file is present; its absence is
// not an error) and then parses and validates the TOML file at path.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("config: loading .env: %w", err)
	}
	if override := strings.TrimSpace(os.Getenv("MNEMOSYNE_CONFIG")); override != "" {
		path = override
	}

	cfg := defaults()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("config: decoding %s: %w", path, err)
	}
	if err := cfg.applyDefaults().validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		ListenAddress: defaultListenAddress,
		Cache: CacheConfig{
			SizeLimitMB:       defaultSizeLimitMB,
			ExpirationSeconds: defaultExpirationSeconds,
			Shards:            defaultShards,
		},
		Upstream: UpstreamConfig{
			FetchTimeoutSeconds:     defaultFetchTimeoutSecs,
			QueueWaitTimeoutSeconds: defaultQueueWaitSecs,
		},
		Admin: AdminConfig{Prefix: defaultAdminPrefix},
	}
}

func (c *Config) applyDefaults() *Config {
	if c.ListenAddress == "" {
		c.ListenAddress = defaultListenAddress
	}
	if c.Cache.SizeLimitMB <= 0 {
		c.Cache.SizeLimitMB = defaultSizeLimitMB
	}
	if c.Cache.ExpirationSeconds <= 0 {
		c.Cache.ExpirationSeconds = defaultExpirationSeconds
	}
	if c.Cache.Shards <= 0 {
		c.Cache.Shards = defaultShards
	}
	if c.Upstream.FetchTimeoutSeconds <= 0 {
		c.Upstream.FetchTimeoutSeconds = defaultFetchTimeoutSecs
	}
	if c.Upstream.QueueWaitTimeoutSeconds <= 0 {
		c.Upstream.QueueWaitTimeoutSeconds = defaultQueueWaitSecs
	}
	if c.Admin.Prefix == "" {
		c.Admin.Prefix = defaultAdminPrefix
	}
	return c
}

// validate rejects a config that would leave the router with nothing to
// resolve (spec §7's ConfigInvalid kind, returned as a plain error).
func (c *Config) validate() error {
	if len(c.Endpoints) == 0 && c.FallbackEndpoint == "" {
		return errors.New("config: at least one endpoint or a fall_back_endpoint is required")
	}
	for _, e := range c.Endpoints {
		if strings.TrimSpace(e.HostHeader) == "" {
			return errors.New("config: endpoint missing host_header")
		}
		if _, err := parseOrigin(e.OriginURL); err != nil {
			return fmt.Errorf("config: endpoint %q: %w", e.HostHeader, err)
		}
	}
	if c.FallbackEndpoint != "" {
		if _, err := parseOrigin(c.FallbackEndpoint); err != nil {
			return fmt.Errorf("config: fall_back_endpoint: %w", err)
		}
	}
	if c.TLS.Enabled && (c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
		return errors.New("config: tls.enabled requires cert_file and key_file")
	}
	if c.Upstream.MaxConcurrent < 0 || c.Upstream.MaxQueue < 0 {
		return errors.New("config: upstream.max_concurrent and upstream.max_queue must not be negative")
	}
	return nil
}

func parseOrigin(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid origin URL %q: %w", raw, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("origin URL %q must include scheme and host", raw)
	}
	return u, nil
}

// ResolvedEndpoints parses every configured endpoint's origin URL.
func (c *Config) ResolvedEndpoints() ([]ResolvedEndpoint, error) {
	out := make([]ResolvedEndpoint, 0, len(c.Endpoints))
	for _, e := range c.Endpoints {
		origin, err := parseOrigin(e.OriginURL)
		if err != nil {
			return nil, err
		}
		out = append(out, ResolvedEndpoint{HostHeader: e.HostHeader, Origin: origin})
	}
	return out, nil
}

// ResolvedFallback parses the fallback origin URL, or returns nil if none
// is configured.
func (c *Config) ResolvedFallback() (*url.URL, error) {
	if c.FallbackEndpoint == "" {
		return nil, nil
	}
	return parseOrigin(c.FallbackEndpoint)
}

// Expiration returns the configured idle-TTL as a time.Duration.
func (c *Config) Expiration() time.Duration {
	return time.Duration(c.Cache.ExpirationSeconds) * time.Second
}

// SizeLimitBytes returns the configured cache ceiling in bytes.
func (c *Config) SizeLimitBytes() int64 {
	return c.Cache.SizeLimitMB * 1024 * 1024
}

// FetchTimeout returns the configured per-request backend fetch deadline.
func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.Upstream.FetchTimeoutSeconds) * time.Second
}

// QueueWaitTimeout returns how long a request may wait for an upstream
// admission slot before failing with ErrQueueTimeout.
func (c *Config) QueueWaitTimeout() time.Duration {
	return time.Duration(c.Upstream.QueueWaitTimeoutSeconds) * time.Second
}
