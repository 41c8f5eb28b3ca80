// cmd/api/main.go
package main

import (
	"log"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"bookswap/internal/config"
	"bookswap/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logger := logging.New(cfg.LogLevel).With("service", "gateway")

	catalogServiceURL, err := url.Parse(cfg.CatalogServiceURL)
	if err != nil {
		log.Fatalf("Invalid CATALOG_SERVICE_URL: %v", err)
	}
	swapServiceURL, err := url.Parse(cfg.SwapServiceURL)
	if err != nil {
		log.Fatalf("Invalid SWAP_SERVICE_URL: %v", err)
	}

	router := newRouter(catalogServiceURL, swapServiceURL, logger)

	logger.Info("API gateway listening", "port", cfg.Port)
	log.Fatal(http.ListenAndServe(":"+cfg.Port, router))
}

// newRouter forwards /api/v1/catalog/* to the catalog service and
// /api/v1/swaps/* to the swap service's /swap-requests routes.
func newRouter(catalogURL, swapURL *url.URL, logger *slog.Logger) http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	router.Handle("/api/v1/catalog/*", http.StripPrefix("/api/v1/catalog", proxy(catalogURL, "", logger)))
	router.Handle("/api/v1/swaps", http.StripPrefix("/api/v1/swaps", proxy(swapURL, "/swap-requests", logger)))
	router.Handle("/api/v1/swaps/*", http.StripPrefix("/api/v1/swaps", proxy(swapURL, "/swap-requests", logger)))
	return router
}

func proxy(target *url.URL, prefix string, logger *slog.Logger) http.Handler {
	return &httputil.ReverseProxy{
		Rewrite: func(r *httputil.ProxyRequest) {
			r.SetURL(target)
			r.SetXForwarded()
			if prefix != "" {
				r.Out.URL.Path = strings.TrimSuffix(target.Path, "/") + prefix + r.In.URL.Path
				r.Out.URL.RawPath = ""
			}
			r.Out.Header.Set(middleware.RequestIDHeader, middleware.GetReqID(r.In.Context()))
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.ErrorContext(r.Context(), "upstream request failed", "upstream", target.Host, "path", r.URL.Path, "error", err)
			http.Error(w, "upstream unavailable", http.StatusBadGateway)
		},
	}
}
