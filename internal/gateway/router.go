// ABOUTME: HTTP route table for the gateway API.
// ABOUTME: chi router with request logging; health endpoint outside the API prefix.

package gateway

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// router builds the full route table.
func (g *Gateway) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(g.requestLogger)

	r.Get("/healthz", g.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/connections", g.handleOpenConnection)
		r.Get("/connections", g.handleListConnections)
		r.Get("/connections/{connectionID}", g.handleGetConnection)
		r.Delete("/connections/{connectionID}", g.handleRevokeConnection)

		r.Post("/sessions", g.handleCreateSession)
		r.Get("/sessions", g.handleListSessions)
		r.Get("/sessions/{sessionID}", g.handleGetSession)
		r.Delete("/sessions/{sessionID}", g.handleCloseSession)
		r.Post("/sessions/{sessionID}/touch", g.handleTouchSession)
		r.Get("/sessions/{sessionID}/tools", g.handleListCatalog)
		r.Get("/sessions/{sessionID}/resources", g.handleListCatalog)
		r.Get("/sessions/{sessionID}/prompts", g.handleListCatalog)

		r.Post("/runs", g.handleSubmitRun)
		r.Get("/runs/{runID}", g.handleGetRun)
		r.Post("/runs/{runID}/cancel", g.handleCancelRun)
		r.Get("/runs/{runID}/events", g.handleRunEvents)
	})

	return r
}

// requestLogger logs one line per request in the gateway's slog format.
func (g *Gateway) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		g.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start))
	})
}
