// Package router implements Mnemosyne's router (component D): a mapping
// from inbound request host to upstream origin, replaceable as a whole at
// runtime without ever exposing a partially-updated table to a concurrent
// request (spec §4.4, P7).
package router

import (
	"net/url"
	"strings"
	"sync/atomic"
)

// Table is an immutable host→origin mapping plus a fallback origin used
// when no host matches. Callers must treat a Table as read-only once built;
// Router never mutates one in place, only swaps the pointer.
type Table struct {
	byHost   map[string]*url.URL
	fallback *url.URL
}

// NewTable builds a Table from a host→origin-URL map and an optional
// fallback origin URL (nil if none configured). Host keys are normalized to
// lowercase to match net/http's canonicalization of Request.Host.
func NewTable(byHost map[string]*url.URL, fallback *url.URL) *Table {
	normalized := make(map[string]*url.URL, len(byHost))
	for host, origin := range byHost {
		normalized[strings.ToLower(host)] = origin
	}
	return &Table{byHost: normalized, fallback: fallback}
}

// Resolve returns the origin for host, or the fallback if set, or nil if
// neither matches (spec §4.4: "no match and no fallback" is a routing
// miss, surfaced by the proxy pipeline as a 404).
func (t *Table) Resolve(host string) *url.URL {
	if t == nil {
		return nil
	}
	host = strings.ToLower(stripPort(host))
	if origin, ok := t.byHost[host]; ok {
		return origin
	}
	return t.fallback
}

func stripPort(host string) string {
	if i := strings.LastIndexByte(host, ':'); i >= 0 {
		// Guard against bracketed IPv6 literals like "[::1]" with no port.
		if !strings.Contains(host[i+1:], "]") {
			return host[:i]
		}
	}
	return host
}

// Hosts returns the set of hosts this table routes explicitly (excluding
// the fallback), in no particular order, for admin inspection.
func (t *Table) Hosts() []string {
	hosts := make([]string, 0, len(t.byHost))
	for h := range t.byHost {
		hosts = append(hosts, h)
	}
	return hosts
}

// Fallback returns the table's fallback origin, or nil.
func (t *Table) Fallback() *url.URL {
	return t.fallback
}

// Router holds the live Table behind an atomic pointer so Resolve calls
// from concurrent request goroutines never observe a half-built table
// during a Replace (spec §4.4, P7: "no request ever observes a partially
// updated router").
type Router struct {
	table atomic.Pointer[Table]
}

// New constructs a Router with an initial table.
func New(initial *Table) *Router {
	r := &Router{}
	r.table.Store(initial)
	return r
}

// Resolve resolves host against the currently live table.
func (r *Router) Resolve(host string) *url.URL {
	return r.table.Load().Resolve(host)
}

// Snapshot returns the currently live table, for admin inspection. The
// returned *Table is immutable and safe to read concurrently with further
// Replace calls.
func (r *Router) Snapshot() *Table {
	return r.table.Load()
}

// Replace atomically swaps in a newly built table and returns the table
// that was live immediately before the swap.
func (r *Router) Replace(next *Table) *Table {
	return r.table.Swap(next)
}
