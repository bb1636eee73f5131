package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/soullink-io/soullink-tracker/internal/api/middleware"
)

// setupRoutes registers every HTTP route on mux. Public routes bypass player
// authentication; protected routes run behind the full middleware chain
// built in NewServer; admin routes additionally enforce a localhost-only
// check inside their own handlers.
func (s *Server) setupRoutes(mux *http.ServeMux) {
	registerPublicRoutes(mux,
		route{"GET /ping", s.handlePing},
		route{"GET /health", s.handleHealth},
	)

	mux.HandleFunc("POST /api/v1/runs/{run}/events", s.handleIngest)
	mux.HandleFunc("GET /api/v1/runs/{run}/events", s.handleCatchUp)
	mux.HandleFunc("GET /api/v1/runs/{run}/stream", s.handleStream)

	mux.HandleFunc("POST /admin/runs", s.handleCreateRun)
	mux.HandleFunc("POST /admin/runs/{run}/players", s.handleCreatePlayer)
	mux.HandleFunc("POST /admin/players/{player}/rotate", s.handleRotateToken)
	mux.HandleFunc("POST /admin/runs/{run}/rebuild", s.handleRebuild)
	mux.HandleFunc("GET /admin/runs/{run}/stats", s.handleStats)
}

type route struct {
	pattern string
	handler http.HandlerFunc
}

// registerPublicRoutes registers each route on mux and marks its path exempt
// from player authentication.
func registerPublicRoutes(mux *http.ServeMux, routes...route) {
	for _, r := range routes {
		mux.HandleFunc(r.pattern, r.handler)
		middleware.RegisterPublicEndpoint(publicPath(r.pattern))
	}
}

// publicPath strips the leading "METHOD " prefix Go 1.22+ mux patterns carry,
// since RegisterPublicEndpoint matches against r.URL.Path alone.
func publicPath(pattern string) string {
	fields := strings.Fields(pattern)
	if len(fields) == 2 {
		return fields[1]
	}

	return pattern
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("pong"))
}

const healthCheckTimeout = 2 * time.Second

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	if err := s.conn.HealthCheck(ctx); err != nil {
		WriteErrorResponse(w, r, s.logger, InternalServerError("database health check failed"))

		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
