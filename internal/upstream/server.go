// Package upstream implements a small dev-fixture origin used to exercise
// Mnemosyne's cache semantics end-to-end: Cache-Control directives, ETag
// validators, and Vary-projected variants, the same things the proxy
// pipeline in internal/proxy decides on. It is not meant to run in
// production — cmd/upstream wires it up for local/dev use alongside
// cmd/mnemosyne.
package upstream

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewMux builds the fixture's routes without binding a listener, so tests
// can exercise it directly with httptest.
func NewMux() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "public, max-age=10")
		_, _ = w.Write([]byte("mnemosyne dev-fixture origin is running.\n"))
	})

	// /cache/fresh is a plain cacheable JSON resource. ?ttl overrides
	// max-age (default 10s) so cache-expiry scenarios can be driven from
	// the request instead of a server restart. The origin validates its
	// own ETag against If-None-Match, mirroring real origins that support
	// conditional requests directly rather than always returning a fresh
	// body.
	mux.HandleFunc("/cache/fresh", func(w http.ResponseWriter, r *http.Request) {
		ttl := 10
		if raw := r.URL.Query().Get("ttl"); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
				ttl = n
			}
		}
		body, _ := json.Marshal(map[string]any{
			"resource": r.URL.Path,
			"served":   time.Now().Format(time.RFC3339Nano),
		})
		etag := quotedETag(body)
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", ttl))
		w.Header().Set("ETag", etag)
		if matchesAny(r.Header.Get("If-None-Match"), etag) {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	})

	// /cache/vary varies the body by Accept-Language, exercising the
	// pipeline's variant projection (spec §4.1).
	mux.HandleFunc("/cache/vary", func(w http.ResponseWriter, r *http.Request) {
		lang := r.Header.Get("Accept-Language")
		if lang == "" {
			lang = "und"
		}
		w.Header().Set("Vary", "Accept-Language")
		w.Header().Set("Cache-Control", "public, max-age=30")
		_, _ = w.Write([]byte("lang:" + lang))
	})

	// /cache/no-store must never be stored by the proxy (spec §4.2, P6).
	mux.HandleFunc("/cache/no-store", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		_, _ = w.Write([]byte(time.Now().Format(time.RFC3339Nano)))
	})

	// /cache/slow responds after a delay (1.2s by default, overridable with
	// ?delay_ms), long enough to observe the pipeline's per-fetch timeout
	// and admission limiter under load.
	mux.HandleFunc("/cache/slow", func(w http.ResponseWriter, r *http.Request) {
		delay := 1200 * time.Millisecond
		if raw := r.URL.Query().Get("delay_ms"); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
				delay = time.Duration(n) * time.Millisecond
			}
		}
		time.Sleep(delay)
		w.Header().Set("Cache-Control", "public, max-age=10")
		_, _ = w.Write([]byte("slow response after " + delay.String()))
	})

	return mux
}

// Start boots the dev-fixture origin on the provided address.
func Start(listenAddr string) error {
	mux := NewMux()

	listener, err := net.Listen("tcp", listenAddr)
	if err != nil && errors.Is(err, syscall.EADDRINUSE) {
		fallbackAddr := addrWithPortZero(listenAddr)
		log.Printf("address %q in use, retrying on %q", listenAddr, fallbackAddr)
		listener, err = net.Listen("tcp", fallbackAddr)
	}
	if err != nil {
		return err
	}

	log.Printf("upstream dev-fixture listening on %s", listener.Addr().String())

	upstreamID := listener.Addr().String()
	handlerChain := withRequestID(
		withRequestLogging(
			withServerHeaders(
				withUpstreamHeader(upstreamID, mux),
			),
		),
	)

	return http.Serve(listener, handlerChain)
}

// quotedETag derives a strong ETag from body bytes, the same construction
// internal/cachekey.SynthesizeETag uses for responses that arrive without
// one of their own.
func quotedETag(body []byte) string {
	sum := sha256.Sum256(body)
	return `"` + hex.EncodeToString(sum[:16]) + `"`
}

// matchesAny reports whether etag appears among the comma-separated tags
// listed in an If-None-Match header, or the header is the "*" wildcard.
func matchesAny(ifNoneMatch, etag string) bool {
	if ifNoneMatch == "" {
		return false
	}
	if ifNoneMatch == "*" {
		return true
	}
	for _, tag := range strings.Split(ifNoneMatch, ",") {
		if strings.TrimSpace(tag) == etag {
			return true
		}
	}
	return false
}

// addrWithPortZero returns the same host with port 0 (ephemeral). If parsing
// fails, returns ":0".
func addrWithPortZero(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return ":0"
	}
	return net.JoinHostPort(host, "0")
}

// withServerHeaders adds a fixed Server header for all responses.
func withServerHeaders(nextHandler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", "mnemosyne-upstream-fixture/0.1")
		nextHandler.ServeHTTP(w, r)
	})
}

// withUpstreamHeader injects the X-Upstream header for every response, so a
// client talking through the proxy can tell which origin instance answered.
func withUpstreamHeader(upstreamID string, nextHandler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Upstream", upstreamID)
		nextHandler.ServeHTTP(w, r)
	})
}
