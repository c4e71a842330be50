// Package cachekey implements Mnemosyne's key & variant model: deriving a
// stable resource fingerprint and a Vary-projected variant fingerprint from
// an inbound request, and synthesizing an ETag when upstream supplies none.
package cachekey

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// ResourceKey hashes method + normalized URL. Collisions are tolerated by the
// store, which keeps the normalized URL alongside the key and rechecks it on
// lookup (see internal/store).
func ResourceKey(method string, u *url.URL) uint64 {
	normalized := NormalizeURL(u)
	digest := xxhash.New()
	_, _ = digest.WriteString(strings.ToUpper(method))
	_, _ = digest.WriteString("\x00")
	_, _ = digest.WriteString(normalized)
	return digest.Sum64()
}

// NormalizeURL produces the stable string form of a resource URL used both
// for hashing and for the store's collision-recheck comparison.
func NormalizeURL(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)
	if scheme == "" {
		scheme = "http"
	}
	host := strings.ToLower(u.Host)
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	var b strings.Builder
	b.WriteString(scheme)
	b.WriteString("://")
	b.WriteString(host)
	b.WriteString(path)
	if u.RawQuery != "" {
		b.WriteString("?")
		b.WriteString(u.RawQuery)
	}
	return b.String()
}

// VaryNames parses a response's Vary header into a canonical, sorted,
// deduplicated list of header names. "Vary: *" is reported separately by the
// caller (it means "uncacheable", not "vary on everything") — see
// internal/proxy.
func VaryNames(varyHeader string) []string {
	if strings.TrimSpace(varyHeader) == "" {
		return nil
	}
	parts := strings.Split(varyHeader, ",")
	seen := make(map[string]struct{}, len(parts))
	names := make([]string, 0, len(parts))
	for _, p := range parts {
		name := http.CanonicalHeaderKey(strings.TrimSpace(p))
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// VariantKey projects request headers onto the ordered vary-name sequence
// (a missing header projects to the empty string) and hashes the result.
// Header names are matched case-insensitively; values are compared
// case-sensitively, per spec §4.1.
func VariantKey(headers http.Header, varyNames []string) uint64 {
	if len(varyNames) == 0 {
		return 0
	}
	digest := xxhash.New()
	for _, name := range varyNames {
		_, _ = digest.WriteString(name)
		_, _ = digest.WriteString("=")
		_, _ = digest.WriteString(headers.Get(name))
		_, _ = digest.WriteString("\x00")
	}
	return digest.Sum64()
}

// SynthesizeETag derives a quoted strong ETag from response body bytes. Used
// only when upstream supplies none (§4.1, I2). SHA-256 (truncated to 16
// bytes of hex) gives the validator cryptographic quality so clients cannot
// trivially forge a colliding tag, per the design notes in §9.
func SynthesizeETag(body []byte) string {
	sum := sha256.Sum256(body)
	return `"` + hex.EncodeToString(sum[:16]) + `"`
}
