package testutil

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"termgateway/internal/app"
	"termgateway/internal/config"
	"termgateway/internal/logger"
)

// DefaultPermissions are granted to every authenticated subject Setup's
// configuration accepts, wide enough to exercise the full REST and
// WebSocket surface without per-test role wiring. Individual tests that
// need to exercise a denial narrow this with WithAuthorization.
var DefaultPermissions = []string{
	"session:create", "session:list", "session:list_all", "session:delete",
	"process:signal", "files:access", "stats:read",
}

// TestServer holds a fully wired termgateway instance bound to an
// httptest.Server, plus the identity provider that mints bearer tokens it
// will accept.
type TestServer struct {
	Server *httptest.Server
	App    *app.ServerApp
	IDP    *IdentityProvider
}

// Option customizes the config Setup builds before wiring the server app.
type Option func(*config.AppConfig)

// WithAuthorization replaces the default wide-open authorization rules,
// e.g. to test a deny list or a narrower default permission set.
func WithAuthorization(authz config.AuthorizationConfig) Option {
	return func(cfg *config.AppConfig) { cfg.Authorization = authz }
}

// WithRateLimit overrides the rate limiting configuration, e.g. to drive a
// bucket into lockout within a handful of requests instead of the
// production defaults.
func WithRateLimit(rl config.RateLimitConfig) Option {
	return func(cfg *config.AppConfig) { cfg.Security.RateLimit = rl }
}

// Setup builds a fully wired terminal gateway against an in-process JWKS
// identity provider and wraps it in an httptest.Server. Every resource it
// starts (the HTTP servers, the session reaper, the rate limiter's cleanup
// loop) is registered with t.Cleanup.
func Setup(t testing.TB, opts ...Option) *TestServer {
	t.Helper()

	logger.Init(logger.Config{Output: io.Discard, MinLevel: logger.ERROR, UseColor: false})

	idp := NewIdentityProvider(t)
	t.Cleanup(idp.Close)

	// bootstrap.New falls back to a hard-coded /var/lib path when this is
	// unset; point it at a throwaway directory instead.
	t.Setenv("GATEWAY_WORKSPACE_ROOT", t.TempDir())

	cfg := config.AppConfig{
		Server: config.ServerConfig{Port: 8080},
		Session: config.SessionConfig{
			IdleTimeout:  time.Hour,
			ReapInterval: time.Hour,
		},
		JWKS: config.JWKSConfig{
			Providers: []config.ProviderConfig{
				{
					Name:            "test-idp",
					JWKSURL:         idp.JWKSURL(),
					Issuer:          TestIssuer,
					Audience:        TestAudience,
					RefreshInterval: time.Minute,
				},
			},
		},
		Authorization: config.AuthorizationConfig{
			DefaultPermissions: DefaultPermissions,
		},
	}

	for _, opt := range opts {
		opt(&cfg)
	}

	serverApp, err := app.New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("build server app: %v", err)
	}
	t.Cleanup(serverApp.Sessions.Stop)
	t.Cleanup(serverApp.Limiter.Stop)

	router, err := serverApp.Router()
	if err != nil {
		t.Fatalf("build router: %v", err)
	}

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &TestServer{Server: srv, App: serverApp, IDP: idp}
}

// WebSocketURL rewrites the test server's http(s) URL to its ws(s)
// equivalent for the given path.
func (ts *TestServer) WebSocketURL(path string) string {
	url := strings.Replace(ts.Server.URL, "http://", "ws://", 1)
	url = strings.Replace(url, "https://", "wss://", 1)
	return url + path
}
