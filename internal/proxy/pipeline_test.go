package proxy_test

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"mnemosyne/internal/cachekey"
	"mnemosyne/internal/proxy"
	"mnemosyne/internal/router"
	"mnemosyne/internal/store"
	"mnemosyne/internal/upstreamclient"
)

func newPipeline(t *testing.T, origin *url.URL) (*proxy.Pipeline, *store.Store) {
	t.Helper()
	s := store.New(store.Options{SizeCeilingBytes: 1 << 20, Shards: 4})
	table := router.NewTable(map[string]*url.URL{"a": origin}, nil)
	r := router.New(table)
	u := upstreamclient.New(upstreamclient.DefaultOptions())
	return proxy.New(s, r, u), s
}

// TestS1_MissThenHitSynthesizesETag covers spec scenario S1.
func TestS1_MissThenHitSynthesizesETag(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("Cache-Control", "max-age=60")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("hello"))
	}))
	defer backend.Close()
	origin, _ := url.Parse(backend.URL)

	p, _ := newPipeline(t, origin)

	req1 := httptest.NewRequest(http.MethodGet, "http://a/", nil)
	req1.Host = "a"
	rec1 := httptest.NewRecorder()
	p.ServeHTTP(rec1, req1)

	if rec1.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec1.Code)
	}
	if rec1.Header().Get("X-Cache") != "MISS" {
		t.Fatalf("expected MISS on first request, got %q", rec1.Header().Get("X-Cache"))
	}
	etag := rec1.Header().Get("ETag")
	if etag == "" {
		t.Fatalf("expected synthesized ETag")
	}
	if rec1.Body.String() != "hello" {
		t.Fatalf("unexpected body %q", rec1.Body.String())
	}

	req2 := httptest.NewRequest(http.MethodGet, "http://a/", nil)
	req2.Host = "a"
	rec2 := httptest.NewRecorder()
	p.ServeHTTP(rec2, req2)

	if rec2.Header().Get("X-Cache") != "HIT" {
		t.Fatalf("expected HIT on second request, got %q", rec2.Header().Get("X-Cache"))
	}
	if rec2.Header().Get("ETag") != etag {
		t.Fatalf("expected stable ETag across hits")
	}
	if rec2.Body.String() != "hello" {
		t.Fatalf("unexpected body on hit %q", rec2.Body.String())
	}
}

// TestS2_ConditionalRequestReturns304 covers spec scenario S2.
func TestS2_ConditionalRequestReturns304(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "max-age=60")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("hello"))
	}))
	defer backend.Close()
	origin, _ := url.Parse(backend.URL)
	p, _ := newPipeline(t, origin)

	req1 := httptest.NewRequest(http.MethodGet, "http://a/", nil)
	req1.Host = "a"
	rec1 := httptest.NewRecorder()
	p.ServeHTTP(rec1, req1)
	etag := rec1.Header().Get("ETag")

	req2 := httptest.NewRequest(http.MethodGet, "http://a/", nil)
	req2.Host = "a"
	req2.Header.Set("If-None-Match", etag)
	rec2 := httptest.NewRecorder()
	p.ServeHTTP(rec2, req2)

	if rec2.Code != http.StatusNotModified {
		t.Fatalf("expected 304, got %d", rec2.Code)
	}
	if rec2.Body.Len() != 0 {
		t.Fatalf("expected empty body on 304, got %q", rec2.Body.String())
	}
	if rec2.Header().Get("ETag") != etag {
		t.Fatalf("expected ETag echoed on 304")
	}
}

// TestS2b_ConditionalRequestMatchesAnyListedETag covers the multi-valued
// If-None-Match form RFC 9111 §13.1.2 requires clients be allowed to send.
func TestS2b_ConditionalRequestMatchesAnyListedETag(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "max-age=60")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("hello"))
	}))
	defer backend.Close()
	origin, _ := url.Parse(backend.URL)
	p, _ := newPipeline(t, origin)

	req1 := httptest.NewRequest(http.MethodGet, "http://a/", nil)
	req1.Host = "a"
	rec1 := httptest.NewRecorder()
	p.ServeHTTP(rec1, req1)
	etag := rec1.Header().Get("ETag")

	req2 := httptest.NewRequest(http.MethodGet, "http://a/", nil)
	req2.Host = "a"
	req2.Header.Set("If-None-Match", `"stale-tag", `+etag+`, "other-tag"`)
	rec2 := httptest.NewRecorder()
	p.ServeHTTP(rec2, req2)

	if rec2.Code != http.StatusNotModified {
		t.Fatalf("expected 304 when one of several listed ETags matches, got %d", rec2.Code)
	}
}

// TestS3_VaryProducesDistinctVariants covers spec scenario S3.
func TestS3_VaryProducesDistinctVariants(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Vary", "Accept-Language")
		w.Header().Set("Cache-Control", "max-age=60")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("lang:" + r.Header.Get("Accept-Language")))
	}))
	defer backend.Close()
	origin, _ := url.Parse(backend.URL)
	p, s := newPipeline(t, origin)

	reqEN := httptest.NewRequest(http.MethodGet, "http://a/x", nil)
	reqEN.Host = "a"
	reqEN.Header.Set("Accept-Language", "en")
	recEN := httptest.NewRecorder()
	p.ServeHTTP(recEN, reqEN)

	reqFR := httptest.NewRequest(http.MethodGet, "http://a/x", nil)
	reqFR.Host = "a"
	reqFR.Header.Set("Accept-Language", "fr")
	recFR := httptest.NewRecorder()
	p.ServeHTTP(recFR, reqFR)

	if recEN.Body.String() != "lang:en" || recFR.Body.String() != "lang:fr" {
		t.Fatalf("expected distinct variant bodies, got %q / %q", recEN.Body.String(), recFR.Body.String())
	}
	if s.Stats().EntryCount != 2 {
		t.Fatalf("expected two stored variants, got %d", s.Stats().EntryCount)
	}

	reqEN2 := httptest.NewRequest(http.MethodGet, "http://a/x", nil)
	reqEN2.Host = "a"
	reqEN2.Header.Set("Accept-Language", "en")
	recEN2 := httptest.NewRecorder()
	p.ServeHTTP(recEN2, reqEN2)
	if recEN2.Header().Get("X-Cache") != "HIT" || recEN2.Body.String() != "lang:en" {
		t.Fatalf("expected cached en variant hit, got cache=%q body=%q", recEN2.Header().Get("X-Cache"), recEN2.Body.String())
	}
}

// TestS4_NoStoreNeverCached covers spec scenario S4 (property P6).
func TestS4_NoStoreNeverCached(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("secret"))
	}))
	defer backend.Close()
	origin, _ := url.Parse(backend.URL)
	p, s := newPipeline(t, origin)

	req := httptest.NewRequest(http.MethodGet, "http://a/", nil)
	req.Host = "a"
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	if rec.Header().Get("X-Cache") != "BYPASS" {
		t.Fatalf("expected BYPASS, got %q", rec.Header().Get("X-Cache"))
	}
	if s.Stats().EntryCount != 0 {
		t.Fatalf("expected no-store response never stored, got %d entries", s.Stats().EntryCount)
	}
}

// TestS5_InvalidateResourceForcesRefetch covers spec scenario S5.
func TestS5_InvalidateResourceForcesRefetch(t *testing.T) {
	hits := 0
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Header().Set("Cache-Control", "max-age=60")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("hello"))
	}))
	defer backend.Close()
	origin, _ := url.Parse(backend.URL)
	p, s := newPipeline(t, origin)

	req := httptest.NewRequest(http.MethodGet, "http://a/", nil)
	req.Host = "a"
	p.ServeHTTP(httptest.NewRecorder(), req)
	if hits != 1 {
		t.Fatalf("expected one backend hit after first request, got %d", hits)
	}

	// Recompute the same resource key the pipeline used for this request.
	resourceKey := cachekey.ResourceKey(http.MethodGet, req.URL)
	s.InvalidateResource(resourceKey)

	p.ServeHTTP(httptest.NewRecorder(), req)
	if hits != 2 {
		t.Fatalf("expected a second backend hit after invalidation, got %d", hits)
	}
}

// TestHostLessURLDoesNotCollideAcrossHosts guards against treating two
// virtual hosts sharing a path as the same resource. A real http.Server
// request is origin-form: req.URL carries only path+query, and the Host
// header arrives solely via req.Host, never req.URL.Host.
func TestHostLessURLDoesNotCollideAcrossHosts(t *testing.T) {
	backendA := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "max-age=60")
		w.Write([]byte("from-a"))
	}))
	defer backendA.Close()
	backendB := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "max-age=60")
		w.Write([]byte("from-b"))
	}))
	defer backendB.Close()

	oa, _ := url.Parse(backendA.URL)
	ob, _ := url.Parse(backendB.URL)

	s := store.New(store.Options{SizeCeilingBytes: 1 << 20, Shards: 4})
	table := router.NewTable(map[string]*url.URL{"host-a": oa, "host-b": ob}, nil)
	r := router.New(table)
	u := upstreamclient.New(upstreamclient.DefaultOptions())
	p := proxy.New(s, r, u)

	reqA, _ := http.NewRequest(http.MethodGet, "/shared/path", nil)
	reqA.URL.Scheme = ""
	reqA.URL.Host = ""
	reqA.Host = "host-a"
	recA := httptest.NewRecorder()
	p.ServeHTTP(recA, reqA)
	if recA.Body.String() != "from-a" {
		t.Fatalf("expected from-a, got %q", recA.Body.String())
	}

	reqB, _ := http.NewRequest(http.MethodGet, "/shared/path", nil)
	reqB.URL.Scheme = ""
	reqB.URL.Host = ""
	reqB.Host = "host-b"
	recB := httptest.NewRecorder()
	p.ServeHTTP(recB, reqB)
	if recB.Body.String() != "from-b" {
		t.Fatalf("expected a cache miss routed to host-b's own origin, got %q", recB.Body.String())
	}
	if recB.Header().Get("X-Cache") != "MISS" {
		t.Fatalf("expected host-b's first request to miss rather than reuse host-a's cached entry, got %q", recB.Header().Get("X-Cache"))
	}
}

// TestS6_RouterReplaceAffectsNextMissOnly covers spec scenario S6.
func TestS6_RouterReplaceAffectsNextMissOnly(t *testing.T) {
	var seenO2 bool
	backend1 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "max-age=60")
		w.Write([]byte("from-o1"))
	}))
	defer backend1.Close()
	backend2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenO2 = true
		w.Header().Set("Cache-Control", "max-age=60")
		w.Write([]byte("from-o2"))
	}))
	defer backend2.Close()

	o1, _ := url.Parse(backend1.URL)
	o2, _ := url.Parse(backend2.URL)

	s := store.New(store.Options{SizeCeilingBytes: 1 << 20, Shards: 4})
	table1 := router.NewTable(map[string]*url.URL{"a": o1}, nil)
	rt := router.New(table1)
	u := upstreamclient.New(upstreamclient.DefaultOptions())
	p := proxy.New(s, rt, u)

	req := httptest.NewRequest(http.MethodGet, "http://a/", nil)
	req.Host = "a"
	rec1 := httptest.NewRecorder()
	p.ServeHTTP(rec1, req)
	if rec1.Body.String() != "from-o1" {
		t.Fatalf("expected response from o1, got %q", rec1.Body.String())
	}

	table2 := router.NewTable(map[string]*url.URL{"a": o2}, nil)
	rt.Replace(table2)

	// Existing cached entry still served without contacting o2.
	rec2 := httptest.NewRecorder()
	req2 := httptest.NewRequest(http.MethodGet, "http://a/", nil)
	req2.Host = "a"
	p.ServeHTTP(rec2, req2)
	if rec2.Body.String() != "from-o1" {
		t.Fatalf("expected cached o1 response to survive router replace, got %q", rec2.Body.String())
	}
	if seenO2 {
		t.Fatalf("o2 should not have been contacted while the cache entry is fresh")
	}

	// A cache miss for a different path is forwarded to the new origin.
	rec3 := httptest.NewRecorder()
	req3 := httptest.NewRequest(http.MethodGet, "http://a/other", nil)
	req3.Host = "a"
	p.ServeHTTP(rec3, req3)
	if rec3.Body.String() != "from-o2" {
		t.Fatalf("expected miss to be forwarded to o2, got %q", rec3.Body.String())
	}
}
