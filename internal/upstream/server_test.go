package upstream_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"mnemosyne/internal/upstream"
)

func TestCacheFresh_HonorsIfNoneMatch(t *testing.T) {
	mux := upstream.NewMux()

	rec1 := httptest.NewRecorder()
	req1 := httptest.NewRequest(http.MethodGet, "/cache/fresh", nil)
	mux.ServeHTTP(rec1, req1)

	if rec1.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec1.Code)
	}
	etag := rec1.Header().Get("ETag")
	if etag == "" {
		t.Fatalf("expected an ETag header")
	}

	rec2 := httptest.NewRecorder()
	req2 := httptest.NewRequest(http.MethodGet, "/cache/fresh", nil)
	req2.Header.Set("If-None-Match", etag)
	mux.ServeHTTP(rec2, req2)

	if rec2.Code != http.StatusNotModified {
		t.Fatalf("expected 304 on matching If-None-Match, got %d", rec2.Code)
	}
}

func TestCacheFresh_TTLOverride(t *testing.T) {
	mux := upstream.NewMux()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/cache/fresh?ttl=42", nil)
	mux.ServeHTTP(rec, req)

	if got := rec.Header().Get("Cache-Control"); got != "public, max-age=42" {
		t.Fatalf("expected max-age=42, got %q", got)
	}
}

func TestCacheVary_BodyTracksAcceptLanguage(t *testing.T) {
	mux := upstream.NewMux()

	recEN := httptest.NewRecorder()
	reqEN := httptest.NewRequest(http.MethodGet, "/cache/vary", nil)
	reqEN.Header.Set("Accept-Language", "en")
	mux.ServeHTTP(recEN, reqEN)

	recFR := httptest.NewRecorder()
	reqFR := httptest.NewRequest(http.MethodGet, "/cache/vary", nil)
	reqFR.Header.Set("Accept-Language", "fr")
	mux.ServeHTTP(recFR, reqFR)

	if recEN.Body.String() == recFR.Body.String() {
		t.Fatalf("expected distinct bodies per Accept-Language, got %q for both", recEN.Body.String())
	}
	if recEN.Header().Get("Vary") != "Accept-Language" {
		t.Fatalf("expected Vary: Accept-Language, got %q", recEN.Header().Get("Vary"))
	}
}

func TestCacheNoStore_SetsDirective(t *testing.T) {
	mux := upstream.NewMux()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/cache/no-store", nil)
	mux.ServeHTTP(rec, req)

	if rec.Header().Get("Cache-Control") != "no-store" {
		t.Fatalf("expected no-store, got %q", rec.Header().Get("Cache-Control"))
	}
}
