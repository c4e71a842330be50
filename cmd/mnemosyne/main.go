package main

import (
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"mnemosyne/internal/admin"
	"mnemosyne/internal/config"
	"mnemosyne/internal/proxy"
	"mnemosyne/internal/router"
	"mnemosyne/internal/store"
	"mnemosyne/internal/upstreamclient"
)

const defaultConfigPath = "configs/mnemosyne.toml"

func main() {
	configPath := defaultConfigPath
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal(err)
	}

	table, err := buildRouterTable(cfg)
	if err != nil {
		log.Fatal(err)
	}

	cacheStore := store.New(store.Options{
		SizeCeilingBytes: cfg.SizeLimitBytes(),
		Expiration:       cfg.Expiration(),
		Shards:           cfg.Cache.Shards,
		SingleFlight:     cfg.Cache.SingleFlight,
	})
	cacheStore.StartJanitor(time.Minute)
	defer cacheStore.StopJanitor()

	routerTable := router.New(table)
	upstream := upstreamclient.New(upstreamclient.DefaultOptions())
	defer upstream.CloseIdleConnections()

	pipeline := proxy.New(cacheStore, routerTable, upstream)
	pipeline.FetchTimeout = cfg.FetchTimeout()
	pipeline.QueueWaitTimeout = cfg.QueueWaitTimeout()
	if cfg.Upstream.MaxConcurrent > 0 || cfg.Upstream.MaxQueue > 0 {
		pipeline.Limiter = upstreamclient.NewLimiter(cfg.Upstream.MaxConcurrent, cfg.Upstream.MaxQueue)
	}
	adminHandler := admin.New(cacheStore, routerTable)

	mux := http.NewServeMux()
	adminPrefix := strings.TrimSuffix(cfg.Admin.Prefix, "/")
	mux.Handle(adminPrefix+"/", http.StripPrefix(adminPrefix, adminHandler))
	mux.Handle("/", pipeline)

	log.Printf("mnemosyne listening on %s, admin prefix %s, %d endpoint(s) configured",
		cfg.ListenAddress, cfg.Admin.Prefix, len(cfg.Endpoints))

	if err := startServer(cfg, withServerHeaders(mux)); err != nil {
		log.Fatal(err)
	}
}

func buildRouterTable(cfg *config.Config) (*router.Table, error) {
	endpoints, err := cfg.ResolvedEndpoints()
	if err != nil {
		return nil, err
	}
	fallback, err := cfg.ResolvedFallback()
	if err != nil {
		return nil, err
	}
	byHost := make(map[string]*url.URL, len(endpoints))
	for _, e := range endpoints {
		byHost[strings.ToLower(e.HostHeader)] = e.Origin
	}
	return router.NewTable(byHost, fallback), nil
}

// withServerHeaders adds a fixed Server header to every response.
func withServerHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", "mnemosyne/0.1")
		next.ServeHTTP(w, r)
	})
}
