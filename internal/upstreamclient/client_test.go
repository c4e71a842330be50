package upstreamclient_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"mnemosyne/internal/upstreamclient"
)

func TestForward_SuccessReturnsRawResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-From-Origin", "yes")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := upstreamclient.New(upstreamclient.DefaultOptions())
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)

	resp, err := c.Forward(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("got status %d", resp.StatusCode)
	}
	if resp.Header.Get("X-From-Origin") != "yes" {
		t.Fatalf("expected origin header to pass through")
	}
}

func TestForward_DoesNotFollowRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/somewhere-else", http.StatusFound)
	}))
	defer srv.Close()

	c := upstreamclient.New(upstreamclient.DefaultOptions())
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)

	resp, err := c.Forward(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected the 302 to pass through unmodified, got %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "/somewhere-else" {
		t.Fatalf("expected Location header intact, got %q", loc)
	}
}

func TestForward_UnreachableBackend(t *testing.T) {
	c := upstreamclient.New(upstreamclient.DefaultOptions())
	req, _ := http.NewRequest(http.MethodGet, "http://127.0.0.1:1", nil)

	_, err := c.Forward(context.Background(), req)
	if err == nil {
		t.Fatalf("expected an error for an unreachable backend")
	}
	if !errors.Is(err, upstreamclient.ErrBackendUnreachable) {
		t.Fatalf("expected ErrBackendUnreachable, got %v", err)
	}
}

func TestForward_ContextDeadlineMapsToTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := upstreamclient.New(upstreamclient.DefaultOptions())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	req = req.WithContext(ctx)

	_, err := c.Forward(ctx, req)
	if err == nil {
		t.Fatalf("expected a timeout error")
	}
	if !errors.Is(err, upstreamclient.ErrBackendTimeout) {
		t.Fatalf("expected ErrBackendTimeout, got %v", err)
	}
}
