package admin_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"mnemosyne/internal/admin"
	"mnemosyne/internal/cachekey"
	"mnemosyne/internal/router"
	"mnemosyne/internal/store"
)

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	return u
}

func seedEntry(t *testing.T, s *store.Store, rawURL, body string) store.Fingerprint {
	t.Helper()
	u := mustURL(t, rawURL)
	resourceKey := cachekey.ResourceKey(http.MethodGet, u)
	normalized := cachekey.NormalizeURL(u)
	fp := store.Fingerprint{ResourceKey: resourceKey, VariantKey: 0}
	s.Put(fp, &store.CachedEntry{
		StatusCode:    http.StatusOK,
		ETag:          cachekey.SynthesizeETag([]byte(body)),
		Body:          []byte(body),
		NormalizedURL: normalized,
	})
	return fp
}

func TestStats_ReturnsCounts(t *testing.T) {
	s := store.New(store.Options{SizeCeilingBytes: 1 << 20, Shards: 2})
	seedEntry(t, s, "http://a/x", "hello")
	r := router.New(router.NewTable(nil, nil))
	h := admin.New(s, r)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var stats store.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.EntryCount != 1 {
		t.Fatalf("expected 1 entry, got %d", stats.EntryCount)
	}
}

func TestEntry_LookupByURL(t *testing.T) {
	s := store.New(store.Options{SizeCeilingBytes: 1 << 20, Shards: 2})
	seedEntry(t, s, "http://a/x", "hello")
	r := router.New(router.NewTable(nil, nil))
	h := admin.New(s, r)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/entry?url=http://a/x", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestEntry_NotFound(t *testing.T) {
	s := store.New(store.Options{SizeCeilingBytes: 1 << 20, Shards: 2})
	r := router.New(router.NewTable(nil, nil))
	h := admin.New(s, r)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/entry?url=http://a/missing", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestInvalidate_ByURL(t *testing.T) {
	s := store.New(store.Options{SizeCeilingBytes: 1 << 20, Shards: 2})
	seedEntry(t, s, "http://a/x", "hello")
	r := router.New(router.NewTable(nil, nil))
	h := admin.New(s, r)

	body, _ := json.Marshal(map[string]string{"url": "http://a/x"})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/invalidate", bytes.NewReader(body)))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if s.Stats().EntryCount != 0 {
		t.Fatalf("expected entry removed, got %d remaining", s.Stats().EntryCount)
	}
}

func TestInvalidate_All(t *testing.T) {
	s := store.New(store.Options{SizeCeilingBytes: 1 << 20, Shards: 2})
	seedEntry(t, s, "http://a/x", "hello")
	seedEntry(t, s, "http://a/y", "world")
	r := router.New(router.NewTable(nil, nil))
	h := admin.New(s, r)

	body, _ := json.Marshal(map[string]bool{"all": true})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/invalidate", bytes.NewReader(body)))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if s.Stats().EntryCount != 0 {
		t.Fatalf("expected store empty, got %d", s.Stats().EntryCount)
	}
}

func TestRouter_ReplaceReturnsPreviousTable(t *testing.T) {
	s := store.New(store.Options{SizeCeilingBytes: 1 << 20, Shards: 2})
	table := router.NewTable(map[string]*url.URL{"a": mustURL(t, "http://o1")}, nil)
	r := router.New(table)
	h := admin.New(s, r)

	reqBody, _ := json.Marshal(map[string]any{
		"endpoints": []map[string]string{{"host_header": "b", "origin_url": "http://o2"}},
	})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/router", bytes.NewReader(reqBody)))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var view struct{ Hosts []string }
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(view.Hosts) != 1 || view.Hosts[0] != "a" {
		t.Fatalf("expected previous table to report host 'a', got %v", view.Hosts)
	}

	if got := r.Resolve("b"); got == nil || got.Host != "o2" {
		t.Fatalf("expected router to resolve 'b' to o2 after replace, got %v", got)
	}
}

func TestOpenAPI_Served(t *testing.T) {
	s := store.New(store.Options{SizeCeilingBytes: 1 << 20, Shards: 2})
	r := router.New(router.NewTable(nil, nil))
	h := admin.New(s, r)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/openapi.json", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var doc map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("expected valid JSON openapi document: %v", err)
	}
}
