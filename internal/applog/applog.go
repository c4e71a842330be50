// Package applog is Mnemosyne's structured logging helper, adapted from
// the proxy's original internal/log package: local line-oriented logs via
// the standard log package, optionally shipped to Loki over HTTP, gated by
// YAML-configured toggles (gopkg.in/yaml.v3) and level.
package applog

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	lokiURL    string
	lokiOnce   sync.Once
	lokiClient = &http.Client{Timeout: 200 * time.Millisecond}

	infoEnabled  = true
	debugEnabled = false
	errorEnabled = true
)

// lokiConfigPaths lists local logging-sink config candidates, checked in
// order, so a deployment doesn't need to wire Loki through the main TOML
// config just to turn on a sink.
var lokiConfigPaths = []string{"configs/logging.yaml", "configs/logging.yml"}

func initLoki() {
	lokiURL = ""
	configPath := ""
	for _, candidate := range lokiConfigPaths {
		if _, err := os.Stat(candidate); err == nil {
			configPath = candidate
			break
		}
	}
	if configPath == "" {
		return
	}
	var cfg struct {
		LokiURL string `yaml:"loki_url"`
		Levels  *struct {
			InfoEnabled  *bool `yaml:"info_enabled"`
			DebugEnabled *bool `yaml:"debug_enabled"`
			ErrorEnabled *bool `yaml:"error_enabled"`
		} `yaml:"levels"`
	}
	raw, err := os.ReadFile(configPath)
	if err != nil {
		return
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return
	}
	if strings.TrimSpace(cfg.LokiURL) != "" {
		lokiURL = strings.TrimSpace(cfg.LokiURL)
	}
	if cfg.Levels != nil {
		if cfg.Levels.InfoEnabled != nil {
			infoEnabled = *cfg.Levels.InfoEnabled
		}
		if cfg.Levels.DebugEnabled != nil {
			debugEnabled = *cfg.Levels.DebugEnabled
		}
		if cfg.Levels.ErrorEnabled != nil {
			errorEnabled = *cfg.Levels.ErrorEnabled
		}
	}
	if lokiURL != "" && !strings.Contains(lokiURL, "/loki/api/v1/push") {
		lokiURL = strings.TrimRight(lokiURL, "/") + "/loki/api/v1/push"
	}
}

func levelEnabled(level string) bool {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return debugEnabled
	case "error":
		return errorEnabled
	default:
		return infoEnabled
	}
}

func localPrintEnabled() bool {
	if flag.Lookup("test.v") != nil || flag.Lookup("test.run") != nil {
		return false
	}
	return true
}

// Emit prints a log line locally (if enabled) and forwards it to Loki with
// a "level" label, if a sink is configured.
func Emit(level, component string, labels map[string]string, line string) {
	lvl := strings.ToLower(level)
	if localPrintEnabled() && levelEnabled(lvl) {
		fmt.Println(line)
	}
	pushLoki(lvl, component, labels, line)
}

func pushLoki(level, component string, labels map[string]string, line string) {
	lokiOnce.Do(initLoki)
	if lokiURL == "" || !levelEnabled(level) {
		return
	}
	stream := map[string]string{"component": component, "level": level}
	for k, v := range labels {
		if strings.TrimSpace(k) == "" {
			continue
		}
		stream[k] = v
	}
	ts := strconv.FormatInt(time.Now().UnixNano(), 10)
	payload := struct {
		Streams []struct {
			Stream map[string]string `json:"stream"`
			Values [][2]string       `json:"values"`
		} `json:"streams"`
	}{
		Streams: []struct {
			Stream map[string]string `json:"stream"`
			Values [][2]string       `json:"values"`
		}{{Stream: stream, Values: [][2]string{{ts, line}}}},
	}
	body, _ := json.Marshal(payload)
	req, err := http.NewRequest(http.MethodPost, lokiURL, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	_, _ = lokiClient.Do(req) // fire-and-forget
}

// MustHostname returns the current hostname, or "unknown" on error.
func MustHostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "unknown"
	}
	return h
}

// ProxyOutcome logs the result of one proxy pipeline pass: its cache
// outcome (HIT/MISS/BYPASS/REVALIDATED), status, and timing.
func ProxyOutcome(method, url, requestID, cacheOutcome string, status int, dur time.Duration) {
	labels := map[string]string{
		"method":     method,
		"status":     strconv.Itoa(status),
		"cache":      cacheOutcome,
		"host":       MustHostname(),
		"request_id": requestID,
		"url":        url,
	}
	line := fmt.Sprintf("proxy method=%s url=%s status=%d cache=%s dur=%s req_id=%s",
		method, url, status, cacheOutcome, dur, requestID)
	Emit("info", "proxy", labels, line)
}

// ProxyError logs a proxy-pipeline failure (upstream unreachable/timeout,
// malformed request).
func ProxyError(method, url, requestID string, status int, err error) {
	labels := map[string]string{
		"method":     method,
		"status":     strconv.Itoa(status),
		"host":       MustHostname(),
		"request_id": requestID,
		"url":        url,
	}
	line := fmt.Sprintf("proxy-error method=%s url=%s status=%d err=%v req_id=%s",
		method, url, status, err, requestID)
	Emit("error", "proxy", labels, line)
}

// CacheEvent logs a cache-store lifecycle event (store, evict, invalidate).
func CacheEvent(event, url string, fingerprint uint64, bytes int64) {
	labels := map[string]string{
		"event": event,
		"host":  MustHostname(),
		"url":   url,
	}
	line := fmt.Sprintf("cache event=%s url=%s fp=%x bytes=%d", event, url, fingerprint, bytes)
	Emit("debug", "store", labels, line)
}

// AdminMutation logs an administrative action (invalidate, router replace).
func AdminMutation(action, detail, requestID string) {
	labels := map[string]string{
		"action":     action,
		"host":       MustHostname(),
		"request_id": requestID,
	}
	line := fmt.Sprintf("admin action=%s detail=%s req_id=%s", action, detail, requestID)
	Emit("info", "admin", labels, line)
}
