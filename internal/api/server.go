package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/shehryarbajwa/cookie-sandbox/internal/metrics"
	"github.com/shehryarbajwa/cookie-sandbox/internal/proxy"
	"github.com/shehryarbajwa/cookie-sandbox/internal/ratelimit"
)

// SetupRoutes configures all HTTP routes
func (h *Handler) SetupRoutes(proxyServer *proxy.Server, rateLimiter *ratelimit.Limiter, m *metrics.Metrics) *mux.Router {
	r := mux.NewRouter()

	// API v1 routes
	api := r.PathPrefix("/v1").Subrouter()

	// Mutating sandbox endpoints (rate limited)
	limited := api.PathPrefix("").Subrouter()
	limited.Use(RateLimitMiddleware(rateLimiter))
	limited.HandleFunc("/sandboxes", h.CreateSandboxes).Methods("POST")
	limited.HandleFunc("/sandboxes/{id:[0-9]+}", h.DeleteSandbox).Methods("DELETE")
	limited.HandleFunc("/sandboxes/{id:[0-9]+}/harvest", h.HarvestSandbox).Methods("POST")

	// Read endpoints (not rate limited - frequent polling)
	api.HandleFunc("/sandboxes", h.ListSandboxes).Methods("GET")
	api.HandleFunc("/sandboxes/{id:[0-9]+}", h.GetSandbox).Methods("GET")
	api.HandleFunc("/sandboxes/{id:[0-9]+}/cookies", h.GetSandboxCookies).Methods("GET")
	api.HandleFunc("/cookies", h.ListCookieFiles).Methods("GET")
	api.HandleFunc("/cookies/{name}", h.GetCookieFile).Methods("GET")

	// Live debug relay
	api.HandleFunc("/sandboxes/{id:[0-9]+}/ws", func(w http.ResponseWriter, r *http.Request) {
		id, ok := sandboxID(w, r)
		if !ok {
			return
		}
		proxyServer.HandleDebugConnection(w, r, id)
	}).Methods("GET")

	r.Handle("/metrics", m.Handler()).Methods("GET")
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods("GET")

	// Preflight requests are answered by the CORS middleware
	r.PathPrefix("/").Methods("OPTIONS").HandlerFunc(func(http.ResponseWriter, *http.Request) {})

	r.Use(ObserveMiddleware(m, h.log))
	r.Use(corsMiddleware)

	return r
}
