package app

import (
	"net/http"

	"termgateway/internal/httpx/middleware"
)

// Router builds the full HTTP routing tree: the WebSocket terminal upgrade,
// the REST API (each route behind the auth/rate-limit/authorize chain), and
// unauthenticated health/metrics endpoints.
func (a *ServerApp) Router() (http.Handler, error) {
	if a == nil {
		return nil, errNilApp
	}

	mux := http.NewServeMux()

	route := func(pattern string, h http.Handler) {
		mux.Handle(pattern, middleware.WithMetrics(pattern, a.Metrics, h))
	}

	mux.HandleFunc("/ws", a.Gateway.HandleWS)

	route("GET /health", http.HandlerFunc(a.API.Health))
	mux.Handle("/metrics", a.Metrics.Handler())

	requireStats := middleware.RequireAuth(a.Validator, a.Authorizer, a.Limiter, "stats:read")
	route("GET /api/stats", requireStats(http.HandlerFunc(a.API.Stats)))

	requireSessions := middleware.RequireAuth(a.Validator, a.Authorizer, a.Limiter, "session:list")
	route("GET /api/sessions", requireSessions(http.HandlerFunc(a.API.ListSessions)))

	requireSessionCreate := middleware.RequireAuth(a.Validator, a.Authorizer, a.Limiter, "session:create")
	route("POST /api/sessions", requireSessionCreate(http.HandlerFunc(a.API.CreateSession)))

	requireSessionRead := middleware.RequireAuth(a.Validator, a.Authorizer, a.Limiter, "session:list")
	route("GET /api/sessions/{id}", requireSessionRead(http.HandlerFunc(a.API.GetSession)))
	route("GET /api/sessions/{id}/history", requireSessionRead(http.HandlerFunc(a.API.GetSessionHistory)))

	requireSessionDelete := middleware.RequireAuth(a.Validator, a.Authorizer, a.Limiter, "session:delete")
	route("DELETE /api/sessions/{id}", requireSessionDelete(http.HandlerFunc(a.API.DeleteSession)))

	requireSignal := middleware.RequireAuth(a.Validator, a.Authorizer, a.Limiter, "process:signal")
	route("POST /api/sessions/{id}/signal", requireSignal(http.HandlerFunc(a.API.SignalProcess)))

	requireFiles := middleware.RequireAuth(a.Validator, a.Authorizer, a.Limiter, "files:access")
	route("POST /api/files/list", requireFiles(http.HandlerFunc(a.API.ListFiles)))
	route("POST /api/files/read", requireFiles(http.HandlerFunc(a.API.ReadFile)))
	route("POST /api/files/write", requireFiles(http.HandlerFunc(a.API.WriteFile)))
	route("POST /api/files/delete", requireFiles(http.HandlerFunc(a.API.DeleteFile)))
	route("POST /api/files/mkdir", requireFiles(http.HandlerFunc(a.API.Mkdir)))

	return mux, nil
}
