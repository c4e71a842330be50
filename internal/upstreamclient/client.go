// Package upstreamclient implements Mnemosyne's upstream client (component
// C): a single shared HTTP transport used to forward requests to origin
// servers, deliberately built on *http.Transport rather than *http.Client
// so responses are never auto-followed through redirects (spec §4.3, I5).
package upstreamclient

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"
)

// Sentinel errors surfaced by Forward, mapped to HTTP statuses at the edge
// by the proxy pipeline (spec §7).
var (
	ErrBackendUnreachable = errors.New("upstreamclient: backend unreachable")
	ErrBackendTimeout     = errors.New("upstreamclient: backend timed out")
)

// Options configures the shared transport.
type Options struct {
	DialTimeout           time.Duration
	KeepAlive             time.Duration
	MaxIdleConns          int
	MaxIdleConnsPerHost   int
	IdleConnTimeout       time.Duration
	TLSHandshakeTimeout   time.Duration
	ExpectContinueTimeout time.Duration
	ForceAttemptHTTP2     bool
}

// DefaultOptions mirrors the transport tuning the teacher's ReverseProxy
// used, generalized into named, overridable fields.
func DefaultOptions() Options {
	return Options{
		DialTimeout:           30 * time.Second,
		KeepAlive:             30 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   0,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		ForceAttemptHTTP2:     true,
	}
}

// Client forwards requests to upstream origins over one shared, pooled
// *http.Transport. It is not an *http.Client: RoundTrip never follows
// redirects, and never rewrites the request automatically — the proxy
// pipeline controls exactly what is sent and what happens to 3xx
// responses (spec §4.3, I5: "redirects from upstream pass through to the
// client unmodified, never auto-followed").
type Client struct {
	transport *http.Transport
}

// New builds a Client from Options.
func New(opts Options) *Client {
	return &Client{
		transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: opts.DialTimeout, KeepAlive: opts.KeepAlive}).DialContext,
			ForceAttemptHTTP2:     opts.ForceAttemptHTTP2,
			MaxIdleConns:          opts.MaxIdleConns,
			MaxIdleConnsPerHost:   opts.MaxIdleConnsPerHost,
			IdleConnTimeout:       opts.IdleConnTimeout,
			TLSHandshakeTimeout:   opts.TLSHandshakeTimeout,
			ExpectContinueTimeout: opts.ExpectContinueTimeout,
		},
	}
}

// Forward sends outboundReq (already rewritten to target origin by the
// caller) to the upstream and returns its raw response, unread. The caller
// owns closing resp.Body. Errors are classified into ErrBackendTimeout (the
// request's context was done, or the transport reported a network timeout)
// or ErrBackendUnreachable (anything else — DNS failure, connection
// refused, TLS failure), wrapping the underlying
// error so %w unwraps to both the sentinel and the transport error.
func (c *Client) Forward(ctx context.Context, outboundReq *http.Request) (*http.Response, error) {
	resp, err := c.transport.RoundTrip(outboundReq)
	if err == nil {
		return resp, nil
	}

	if ctx.Err() != nil {
		return nil, classify(ErrBackendTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return nil, classify(ErrBackendTimeout, err)
	}
	return nil, classify(ErrBackendUnreachable, err)
}

type classifiedError struct {
	sentinel error
	cause    error
}

func classify(sentinel, cause error) error { return &classifiedError{sentinel: sentinel, cause: cause} }

func (e *classifiedError) Error() string { return e.sentinel.Error() + ": " + e.cause.Error() }
func (e *classifiedError) Unwrap() []error { return []error{e.sentinel, e.cause} }

// CloseIdleConnections releases pooled idle connections, used on shutdown.
func (c *Client) CloseIdleConnections() { c.transport.CloseIdleConnections() }
