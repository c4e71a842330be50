package proxy

import (
	"net/http"
	"strings"
	"time"
)

// hopHeaders lists headers that are connection-scoped and must never be
// cached or forwarded as-is (spec §4.5).
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func stripHopByHop(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vv := range h {
		for _, v := range vv {
			out.Add(k, v)
		}
	}
	for _, hh := range hopHeaders {
		out.Del(hh)
	}
	return out
}

// parseCacheControl splits a Cache-Control header into a directive map.
// Keys are lowercase; values are unquoted when present (e.g. max-age=60).
func parseCacheControl(headerValue string) map[string]string {
	directives := make(map[string]string)
	if headerValue == "" {
		return directives
	}
	for _, segment := range strings.Split(headerValue, ",") {
		segment = strings.TrimSpace(segment)
		if segment == "" {
			continue
		}
		kv := strings.SplitN(segment, "=", 2)
		key := strings.ToLower(strings.TrimSpace(kv[0]))
		if len(kv) == 2 {
			directives[key] = strings.Trim(kv[1], "\" ")
		} else {
			directives[key] = ""
		}
	}
	return directives
}

// cacheableMethod reports whether method is one the store may hold an
// entry under (spec §4.5: GET and HEAD only).
func cacheableMethod(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}

// clientBypassesCache reports whether the request's own directives forbid
// reading from or writing to the cache (spec §4.5).
func clientBypassesCache(req *http.Request) bool {
	directives := parseCacheControl(req.Header.Get("Cache-Control"))
	if _, ok := directives["no-store"]; ok {
		return true
	}
	if _, ok := directives["no-cache"]; ok {
		return true
	}
	return strings.EqualFold(req.Header.Get("Pragma"), "no-cache")
}

// responseCacheability validates a candidate response's status and
// directives and, if cacheable, returns its freshness lifetime (spec
// §4.5, I3/I4 upstream). s-maxage is preferred over max-age, matching the
// shared-cache precedence RFC 9111 §5.2.2.10 assigns it.
func responseCacheability(statusCode int, header http.Header) (ttl time.Duration, ok bool) {
	switch statusCode {
	case 200, 203, 204, 300, 301, 404, 410:
	default:
		return 0, false
	}

	directives := parseCacheControl(header.Get("Cache-Control"))
	if _, noStore := directives["no-store"]; noStore {
		return 0, false
	}
	if _, private := directives["private"]; private {
		return 0, false
	}

	if raw, has := directives["s-maxage"]; has {
		if d, err := time.ParseDuration(raw + "s"); err == nil {
			return d, true
		}
	}
	if raw, has := directives["max-age"]; has {
		if d, err := time.ParseDuration(raw + "s"); err == nil {
			return d, true
		}
	}

	if expires := header.Get("Expires"); expires != "" {
		if t, err := http.ParseTime(expires); err == nil && t.After(time.Now()) {
			return time.Until(t), true
		}
	}

	return 0, false
}
