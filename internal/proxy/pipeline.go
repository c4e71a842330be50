// Package proxy implements Mnemosyne's proxy pipeline (spec component E):
// the per-request orchestration of key computation, candidate-variant
// lookup, conditional revalidation, upstream forwarding, and cache
// insertion.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"mnemosyne/internal/applog"
	"mnemosyne/internal/cachekey"
	"mnemosyne/internal/metrics"
	"mnemosyne/internal/router"
	"mnemosyne/internal/store"
	"mnemosyne/internal/upstreamclient"
)

// Pipeline is an http.Handler that serves requests from the cache store
// when possible and forwards cache misses to the resolved origin.
type Pipeline struct {
	Store    *store.Store
	Router   *router.Router
	Upstream *upstreamclient.Client

	// AllowedMethods, if non-nil, restricts which methods are forwarded at
	// all; a disallowed method gets 405 with an Allow header. nil means
	// allow all methods (spec does not mandate a method allowlist; this is
	// an operational convenience carried from the teacher).
	AllowedMethods map[string]struct{}

	// FetchTimeout bounds each backend fetch (spec §5). Zero disables the
	// deadline and leaves cancellation to the inbound request's own context.
	FetchTimeout time.Duration

	// Limiter, if set, bounds how many fetches may be in flight to origins
	// at once; forward() acquires a slot before calling Upstream.Forward and
	// releases it once the response is read. nil disables admission control.
	Limiter *upstreamclient.Limiter

	// QueueWaitTimeout bounds how long forward() waits on Limiter for a slot
	// before giving up with a 503. Only consulted when Limiter is set.
	QueueWaitTimeout time.Duration
}

// New constructs a Pipeline over the given store, router, and upstream
// client.
func New(s *store.Store, r *router.Router, u *upstreamclient.Client) *Pipeline {
	return &Pipeline{Store: s, Router: r, Upstream: u}
}

func (p *Pipeline) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	start := time.Now()
	requestID := ensureRequestID(req)

	if p.AllowedMethods != nil {
		if _, ok := p.AllowedMethods[req.Method]; !ok {
			w.Header().Set("Allow", allowedMethodsList(p.AllowedMethods))
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
	}

	origin := p.Router.Resolve(req.Host)
	if origin == nil {
		http.Error(w, "no origin configured for host", http.StatusNotFound)
		applog.ProxyOutcome(req.Method, req.URL.RequestURI(), requestID, "BYPASS", http.StatusNotFound, time.Since(start))
		return
	}

	keyURL := resourceURL(req)
	resourceKey := cachekey.ResourceKey(req.Method, keyURL)
	normalizedURL := cachekey.NormalizeURL(keyURL)

	eligible := cacheableMethod(req.Method) && !clientBypassesCache(req)

	if eligible {
		if served := p.tryServeFromCache(w, req, resourceKey, normalizedURL, requestID, start); served {
			return
		}
	}

	p.forward(w, req, origin, resourceKey, normalizedURL, eligible, requestID, start)
}

// tryServeFromCache probes the store's known variants of this resource
// against the request's headers and serves a hit (handling conditional
// revalidation) if one of them matches. Returns false on a miss.
func (p *Pipeline) tryServeFromCache(w http.ResponseWriter, req *http.Request, resourceKey uint64, normalizedURL, requestID string, start time.Time) bool {
	for _, candidate := range p.Store.Candidates(resourceKey, normalizedURL) {
		variantKey := cachekey.VariantKey(req.Header, candidate.VaryNames)
		if variantKey != candidate.VariantKey {
			continue
		}
		fp := store.Fingerprint{ResourceKey: resourceKey, VariantKey: variantKey}
		entry, ok := p.Store.Get(fp)
		if !ok {
			continue
		}

		metrics.CacheHitInc()

		if notModified(req, entry) {
			w.Header().Set("ETag", entry.ETag)
			w.Header().Set("X-Cache", "HIT")
			w.Header().Set("X-Request-ID", requestID)
			w.WriteHeader(http.StatusNotModified)
			applog.ProxyOutcome(req.Method, req.URL.RequestURI(), requestID, "REVALIDATED", http.StatusNotModified, time.Since(start))
			return true
		}

		for k, vv := range entry.Header {
			for _, v := range vv {
				w.Header().Add(k, v)
			}
		}
		w.Header().Set("ETag", entry.ETag)
		w.Header().Set("X-Cache", "HIT")
		w.Header().Set("X-Request-ID", requestID)
		w.WriteHeader(entry.StatusCode)
		if req.Method != http.MethodHead {
			_, _ = w.Write(entry.Body)
		}
		applog.ProxyOutcome(req.Method, req.URL.RequestURI(), requestID, "HIT", entry.StatusCode, time.Since(start))
		return true
	}
	return false
}

// notModified reports whether the request's validators match the stored
// entry, per spec §4.5's conditional-GET clause.
func notModified(req *http.Request, entry *store.CachedEntry) bool {
	inm := req.Header.Get("If-None-Match")
	if inm == "" {
		return false
	}
	if inm == "*" {
		return true
	}
	for _, tag := range strings.Split(inm, ",") {
		if strings.TrimSpace(tag) == entry.ETag {
			return true
		}
	}
	return false
}

// forward sends the request to origin, applies the cacheability
// decision, optionally inserts the result into the store, and streams the
// response to the client.
func (p *Pipeline) forward(w http.ResponseWriter, req *http.Request, origin *url.URL, resourceKey uint64, normalizedURL string, eligible bool, requestID string, start time.Time) {
	if p.Limiter != nil {
		release, err := p.Limiter.Acquire(req.Context(), p.QueueWaitTimeout)
		if err != nil {
			applog.ProxyError(req.Method, req.URL.RequestURI(), requestID, http.StatusServiceUnavailable, err)
			metrics.ObserveProxyResponse(req.Method, http.StatusServiceUnavailable, "BYPASS", time.Since(start))
			http.Error(w, "upstream at capacity", http.StatusServiceUnavailable)
			return
		}
		defer release()
	}

	fetchCtx := req.Context()
	if p.FetchTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(fetchCtx, p.FetchTimeout)
		defer cancel()
	}

	outbound := req.Clone(fetchCtx)
	directRequest(outbound, origin)

	metrics.IncProxyUpstreamInflight(origin.Host)
	defer metrics.DecProxyUpstreamInflight(origin.Host)

	upstreamStart := time.Now()
	resp, err := p.Upstream.Forward(fetchCtx, outbound)
	if err != nil {
		status := http.StatusBadGateway
		applog.ProxyError(req.Method, req.URL.RequestURI(), requestID, status, err)
		metrics.ObserveProxyResponse(req.Method, status, "BYPASS", time.Since(start))
		if errors.Is(err, upstreamclient.ErrBackendTimeout) {
			http.Error(w, "upstream timed out", http.StatusBadGateway)
			return
		}
		http.Error(w, "upstream unreachable", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	metrics.ObserveProxyUpstreamResponse(origin.Host, req.Method, resp.StatusCode, time.Since(upstreamStart))

	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		http.Error(w, readErr.Error(), http.StatusBadGateway)
		return
	}

	header := stripHopByHop(resp.Header)
	ttl, cacheable := responseCacheability(resp.StatusCode, resp.Header)
	if resp.Header.Get("Vary") == "*" {
		// "Vary: *" means the response depends on something no variant
		// key can capture; treat it as never cacheable (RFC 9111 §4.1).
		cacheable = false
	}
	xCache := "BYPASS"

	if eligible {
		// forward is only reached for an eligible request after its cache
		// lookup found no usable entry.
		metrics.CacheMissInc()
	}
	if eligible && cacheable {
		xCache = "MISS"
		varyNames := varyNamesOf(resp.Header)
		etag := header.Get("ETag")
		if etag == "" {
			etag = cachekey.SynthesizeETag(body)
			header.Set("ETag", etag)
		}
		variantKey := cachekey.VariantKey(req.Header, varyNames)
		entry := &store.CachedEntry{
			StatusCode:    resp.StatusCode,
			Header:        header,
			Body:          body,
			ETag:          etag,
			VaryNames:     varyNames,
			MaxAge:        ttl,
			InsertedAt:    time.Now(),
			NormalizedURL: normalizedURL,
		}
		fp := store.Fingerprint{ResourceKey: resourceKey, VariantKey: variantKey}
		p.Store.Put(fp, entry)
		metrics.CacheStoreInc()
		applog.CacheEvent("store", normalizedURL, resourceKey, entry.Footprint())
	}

	for k, vv := range header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	if _, ok := w.Header()["Content-Length"]; !ok {
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	}
	w.Header().Set("X-Cache", xCache)
	w.Header().Set("X-Request-ID", requestID)
	w.WriteHeader(resp.StatusCode)
	if req.Method != http.MethodHead {
		_, _ = w.Write(body)
	}

	applog.ProxyOutcome(req.Method, req.URL.RequestURI(), requestID, xCache, resp.StatusCode, time.Since(start))
	metrics.ObserveProxyResponse(req.Method, resp.StatusCode, xCache, time.Since(start))
}

// varyNamesOf reports the Vary-listed header names a response is stored
// under. Never called for a "Vary: *" response — forward() filters those
// out before reaching here.
func varyNamesOf(header http.Header) []string {
	return cachekey.VaryNames(header.Get("Vary"))
}

// resourceURL returns the request's URL with Host populated from req.Host.
// An origin-form request (what http.Server hands every proxy) carries the
// actual Host only in req.Host — req.URL.Host is empty — so hashing
// req.URL directly collapses every virtual host onto the same resource key
// and lets one host serve another's cached body. A shallow copy is used so
// the inbound req.URL is never mutated out from under later handling.
func resourceURL(req *http.Request) *url.URL {
	u := *req.URL
	u.Host = req.Host
	if u.Scheme == "" {
		if req.TLS != nil {
			u.Scheme = "https"
		} else {
			u.Scheme = "http"
		}
	}
	return &u
}

func directRequest(outbound *http.Request, origin *url.URL) {
	outbound.URL.Scheme = origin.Scheme
	outbound.URL.Host = origin.Host
	outbound.Host = origin.Host
	outbound.RequestURI = ""
	outbound.Header = stripHopByHop(outbound.Header)
}

func allowedMethodsList(allowed map[string]struct{}) string {
	var buf bytes.Buffer
	first := true
	for m := range allowed {
		if !first {
			buf.WriteString(", ")
		}
		buf.WriteString(m)
		first = false
	}
	return buf.String()
}
