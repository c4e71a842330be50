// Package admin implements Mnemosyne's admin surface (spec component F):
// JSON HTTP endpoints under a reserved path prefix for reading cache
// stats, looking up a single entry, invalidating by fingerprint/resource/
// host prefix/globally, and atomically replacing the router table or its
// fallback origin. There is no endpoint that lists all stored entries. No authentication is built in; operators are expected
// to restrict access at the front-end reverse proxy (spec §4.6, §9).
package admin

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"mnemosyne/internal/applog"
	"mnemosyne/internal/cachekey"
	"mnemosyne/internal/metrics"
	"mnemosyne/internal/router"
	"mnemosyne/internal/store"
)

// Handler serves the admin surface. Construct with New and mount at the
// configured prefix.
type Handler struct {
	Store  *store.Store
	Router *router.Router
	mux    *http.ServeMux
}

// New builds an admin Handler wired to the given store and router.
func New(s *store.Store, r *router.Router) *Handler {
	h := &Handler{Store: s, Router: r, mux: http.NewServeMux()}
	h.mux.HandleFunc("/stats", h.handleStats)
	h.mux.HandleFunc("/entry", h.handleEntry)
	h.mux.HandleFunc("/invalidate", h.handleInvalidate)
	h.mux.HandleFunc("/router", h.handleRouter)
	h.mux.HandleFunc("/fallback", h.handleFallback)
	h.mux.HandleFunc("/openapi.json", h.handleOpenAPI)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h.mux.ServeHTTP(w, req)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleStats returns store.Stats as JSON (spec "get stats").
func (h *Handler) handleStats(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET only")
		return
	}
	writeJSON(w, http.StatusOK, h.Store.Stats())
}

// entryResponse is the JSON shape returned by handleEntry.
type entryResponse struct {
	ResourceKey string   `json:"resource_key"`
	VariantKey  string   `json:"variant_key"`
	URL         string   `json:"url"`
	StatusCode  int      `json:"status_code"`
	ETag        string   `json:"etag"`
	VaryNames   []string `json:"vary_names"`
	Bytes       int      `json:"bytes"`
	Body        string   `json:"body,omitempty"`
}

// handleEntry looks up one entry by method+url (+ optional vary-projection
// headers echoed via query params), or by explicit fingerprint
// (resource_key/variant_key query params), per spec's "get raw entry by
// fingerprint (or by URL+variant projection)".
func (h *Handler) handleEntry(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET only")
		return
	}
	q := req.URL.Query()

	// A fingerprint is the pair (resource_key, variant_key) — looked up
	// directly, with no normalized-URL recheck needed since the caller
	// already has the exact keys.
	if rk := q.Get("resource_key"); rk != "" {
		resourceKey, err := strconv.ParseUint(rk, 16, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid resource_key")
			return
		}
		vk := q.Get("variant_key")
		if vk == "" {
			writeError(w, http.StatusBadRequest, "variant_key is required alongside resource_key")
			return
		}
		variantKey, err := strconv.ParseUint(vk, 16, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid variant_key")
			return
		}
		entry, ok := h.Store.Get(store.Fingerprint{ResourceKey: resourceKey, VariantKey: variantKey})
		if !ok {
			writeError(w, http.StatusNotFound, "no matching entry")
			return
		}
		writeJSON(w, http.StatusOK, toEntryResponse(resourceKey, variantKey, entry, q.Get("include_body") == "true"))
		return
	}

	// URL + variant projection: enumerate the resource's known variants and
	// probe each one's own Vary set against the query-supplied headers,
	// exactly as the proxy pipeline does on a cache lookup.
	raw := q.Get("url")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "one of resource_key or url is required")
		return
	}
	target, err := url.Parse(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid url")
		return
	}
	method := q.Get("method")
	if method == "" {
		method = http.MethodGet
	}
	resourceKey := cachekey.ResourceKey(method, target)
	normalizedURL := cachekey.NormalizeURL(target)

	projected := make(http.Header, len(q))
	for name, values := range q {
		if len(values) > 0 {
			projected.Set(name, values[0])
		}
	}

	for _, c := range h.Store.Candidates(resourceKey, normalizedURL) {
		if cachekey.VariantKey(projected, c.VaryNames) != c.VariantKey {
			continue
		}
		entry, ok := h.Store.Get(store.Fingerprint{ResourceKey: resourceKey, VariantKey: c.VariantKey})
		if !ok {
			continue
		}
		writeJSON(w, http.StatusOK, toEntryResponse(resourceKey, c.VariantKey, entry, q.Get("include_body") == "true"))
		return
	}
	writeError(w, http.StatusNotFound, "no matching entry")
}

func toEntryResponse(resourceKey, variantKey uint64, entry *store.CachedEntry, includeBody bool) entryResponse {
	resp := entryResponse{
		ResourceKey: strconv.FormatUint(resourceKey, 16),
		VariantKey:  strconv.FormatUint(variantKey, 16),
		URL:         entry.NormalizedURL,
		StatusCode:  entry.StatusCode,
		ETag:        entry.ETag,
		VaryNames:   entry.VaryNames,
		Bytes:       len(entry.Body),
	}
	if includeBody {
		resp.Body = string(entry.Body)
	}
	return resp
}

// invalidateRequest is the JSON body accepted by handleInvalidate. Exactly
// one scope field should be set.
type invalidateRequest struct {
	ResourceKey string `json:"resource_key,omitempty"`
	VariantKey  string `json:"variant_key,omitempty"`
	URL         string `json:"url,omitempty"`
	Method      string `json:"method,omitempty"`
	HostPrefix  string `json:"host_prefix,omitempty"`
	All         bool   `json:"all,omitempty"`
}

type invalidateResponse struct {
	Removed int `json:"removed"`
}

// handleInvalidate removes entries by fingerprint, by resource URL (all
// variants), by host prefix, or globally (spec "invalidate by...").
func (h *Handler) handleInvalidate(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}
	var body invalidateRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}

	requestID := req.Header.Get("X-Request-ID")

	switch {
	case body.All:
		n := h.Store.InvalidateAll()
		applog.AdminMutation("invalidate_all", "", requestID)
		metrics.AdminMutationInc("invalidate_all", "ok")
		writeJSON(w, http.StatusOK, invalidateResponse{Removed: n})

	case body.HostPrefix != "":
		n := h.invalidateHostPrefix(body.HostPrefix)
		applog.AdminMutation("invalidate_host_prefix", body.HostPrefix, requestID)
		metrics.AdminMutationInc("invalidate_host_prefix", "ok")
		writeJSON(w, http.StatusOK, invalidateResponse{Removed: n})

	case body.URL != "":
		target, err := url.Parse(body.URL)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid url")
			return
		}
		method := body.Method
		if method == "" {
			method = http.MethodGet
		}
		resourceKey := cachekey.ResourceKey(method, target)
		n := h.Store.InvalidateResource(resourceKey)
		applog.AdminMutation("invalidate_resource", body.URL, requestID)
		metrics.AdminMutationInc("invalidate_resource", "ok")
		writeJSON(w, http.StatusOK, invalidateResponse{Removed: n})

	case body.ResourceKey != "":
		rk, err := strconv.ParseUint(body.ResourceKey, 16, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid resource_key")
			return
		}
		if body.VariantKey != "" {
			vk, err := strconv.ParseUint(body.VariantKey, 16, 64)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid variant_key")
				return
			}
			removed := 0
			if h.Store.Invalidate(store.Fingerprint{ResourceKey: rk, VariantKey: vk}) {
				removed = 1
			}
			applog.AdminMutation("invalidate_fingerprint", body.ResourceKey, requestID)
			metrics.AdminMutationInc("invalidate_fingerprint", "ok")
			writeJSON(w, http.StatusOK, invalidateResponse{Removed: removed})
			return
		}
		n := h.Store.InvalidateResource(rk)
		applog.AdminMutation("invalidate_resource", body.ResourceKey, requestID)
		metrics.AdminMutationInc("invalidate_resource", "ok")
		writeJSON(w, http.StatusOK, invalidateResponse{Removed: n})

	default:
		writeError(w, http.StatusBadRequest, "one of resource_key, url, host_prefix, or all is required")
	}
}

// invalidateHostPrefix removes every entry whose normalized URL's host
// starts with prefix. Implemented via a full snapshot walk since the store
// indexes by resource key, not host (spec does not mandate an index for
// this rarer admin-only path).
func (h *Handler) invalidateHostPrefix(prefix string) int {
	prefix = strings.ToLower(prefix)
	seen := make(map[uint64]struct{})
	h.Store.IterSnapshot(func(e store.EntrySummary) {
		u, err := url.Parse(e.URL)
		if err != nil {
			return
		}
		if strings.HasPrefix(strings.ToLower(u.Host), prefix) {
			seen[e.Fingerprint.ResourceKey] = struct{}{}
		}
	})
	n := 0
	for rk := range seen {
		n += h.Store.InvalidateResource(rk)
	}
	return n
}

// routerEndpointRequest mirrors config.EndpointConfig for the replace-router
// JSON body.
type routerEndpointRequest struct {
	HostHeader string `json:"host_header"`
	OriginURL  string `json:"origin_url"`
}

type replaceRouterRequest struct {
	Endpoints []routerEndpointRequest `json:"endpoints"`
	Fallback  string                  `json:"fallback,omitempty"`
}

type tableView struct {
	Hosts    []string `json:"hosts"`
	Fallback string   `json:"fallback,omitempty"`
}

// handleRouter replaces the router table atomically and returns the
// previous table's shape (spec "replace router... returns the previous
// table").
func (h *Handler) handleRouter(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}
	var body replaceRouterRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	byHost := make(map[string]*url.URL, len(body.Endpoints))
	for _, e := range body.Endpoints {
		origin, err := url.Parse(e.OriginURL)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid origin_url for host "+e.HostHeader)
			return
		}
		byHost[strings.ToLower(e.HostHeader)] = origin
	}
	var fallback *url.URL
	if body.Fallback != "" {
		var err error
		fallback, err = url.Parse(body.Fallback)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid fallback")
			return
		}
	}

	next := router.NewTable(byHost, fallback)
	prev := h.Router.Replace(next)

	requestID := req.Header.Get("X-Request-ID")
	applog.AdminMutation("replace_router", strings.Join(next.Hosts(), ","), requestID)
	metrics.AdminMutationInc("replace_router", "ok")

	prevView := tableView{Hosts: prev.Hosts()}
	if fb := prev.Fallback(); fb != nil {
		prevView.Fallback = fb.String()
	}
	writeJSON(w, http.StatusOK, prevView)
}

type replaceFallbackRequest struct {
	Fallback string `json:"fallback"`
}

// handleFallback atomically replaces only the fallback origin, keeping the
// per-host table (spec "replace fallback origin → atomic, in-place").
func (h *Handler) handleFallback(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}
	var body replaceFallbackRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	var fallback *url.URL
	if body.Fallback != "" {
		var err error
		fallback, err = url.Parse(body.Fallback)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid fallback")
			return
		}
	}

	current := h.Router.Snapshot()
	byHost := make(map[string]*url.URL, len(current.Hosts()))
	for _, host := range current.Hosts() {
		byHost[host] = current.Resolve(host)
	}
	next := router.NewTable(byHost, fallback)
	h.Router.Replace(next)

	requestID := req.Header.Get("X-Request-ID")
	applog.AdminMutation("replace_fallback", body.Fallback, requestID)
	metrics.AdminMutationInc("replace_fallback", "ok")

	writeJSON(w, http.StatusOK, map[string]string{"fallback": body.Fallback})
}

// handleOpenAPI serves a hand-written static OpenAPI description of this
// admin surface. Dynamic generation is unnecessary: the endpoint set is
// fixed and small, and spec.md lists OpenAPI schema generation itself as
// out of scope for the core (§2) — only the document needs to exist.
func (h *Handler) handleOpenAPI(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(openAPIDocument))
}
