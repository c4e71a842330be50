package proxy

import (
	"fmt"
	"net/http"
	"sync/atomic"
	"time"
)

var requestCounter int64

// ensureRequestID returns the inbound X-Request-ID if present, otherwise
// mints one and sets it on req so downstream logging/metrics can
// correlate the whole pipeline pass (spec SUPPLEMENTED FEATURES).
func ensureRequestID(req *http.Request) string {
	if id := req.Header.Get("X-Request-ID"); id != "" {
		return id
	}
	id := fmt.Sprintf("%d-%d", time.Now().UnixNano(), atomic.AddInt64(&requestCounter, 1))
	req.Header.Set("X-Request-ID", id)
	return id
}
