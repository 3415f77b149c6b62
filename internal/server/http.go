package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/fireauth2/fireauth2/internal/log"
)

// NewRouter wires the relay's routes. callbackPath is configurable because
// deployments register different redirect URIs with Google.
func NewRouter(h *Handlers, firebase FirebaseVerifier, callbackPath string) http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware)

	limiter := newRateLimiter(rate.Limit(5), 10)

	r.With(metricsMiddleware("index")).Get("/", h.IndexHandler)
	r.With(metricsMiddleware("healthz")).Get("/healthz", NewHealthHandler().ServeHTTP)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.With(metricsMiddleware("authorize"), limiter.middleware).Get("/authorize", h.AuthorizeHandler)
	r.With(metricsMiddleware("callback")).Get(callbackPath, h.CallbackHandler)

	r.Group(func(r chi.Router) {
		r.Use(firebaseAuthMiddleware(firebase))
		r.With(metricsMiddleware("token")).Post("/token", h.TokenHandler)
		r.With(metricsMiddleware("revoke")).Post("/revoke", h.RevokeHandler)
		r.With(metricsMiddleware("introspect")).Post("/introspect", h.IntrospectHandler)
	})

	return r
}

// HTTPServer manages the HTTP server lifecycle
type HTTPServer struct {
	server *http.Server
}

// NewHTTPServer creates a new HTTP server with the given handler and address
func NewHTTPServer(handler http.Handler, addr string) *HTTPServer {
	return &HTTPServer{
		server: &http.Server{
			Addr:    addr,
			Handler: handler,
		},
	}
}

// HealthHandler handles health check requests
type HealthHandler struct{}

// NewHealthHandler creates a new health handler
func NewHealthHandler() *HealthHandler {
	return &HealthHandler{}
}

// ServeHTTP implements http.Handler for health checks
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	log.LogInfoWithFields("http", "HTTP server starting", map[string]any{
		"addr": h.server.Addr,
	})

	if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	log.LogInfoWithFields("http", "HTTP server stopping", map[string]any{
		"addr": h.server.Addr,
	})

	if err := h.server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	log.LogInfoWithFields("http", "HTTP server stopped", map[string]any{
		"addr": h.server.Addr,
	})
	return nil
}
