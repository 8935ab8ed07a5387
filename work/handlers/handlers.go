package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"kyt-gateway/work/gateway"
	"kyt-gateway/work/middleware"
)

// NewRouter builds the public HTTP surface. JSON endpoints get gzip; the
// stream endpoint bypasses it because media payloads are already compressed
// and per-chunk flushing must reach the socket untouched.
func NewRouter(gw *gateway.Gateway) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/content", middleware.GzipMiddleware(gw.HandleContent)).Methods(http.MethodGet)
	// Kept for callers of the original endpoint name.
	r.HandleFunc("/youtube", middleware.GzipMiddleware(gw.HandleContent)).Methods(http.MethodGet)

	r.HandleFunc("/stream/{ticket}", gw.HandleStream).Methods(http.MethodGet, http.MethodHead)

	r.HandleFunc("/health", middleware.GzipMiddleware(gw.HandleHealth)).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return r
}
