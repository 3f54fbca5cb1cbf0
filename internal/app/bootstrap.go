// Package app wires every gateway component together: configuration,
// JWKS/JWT verification, authorization, rate limiting, the session
// registry, the PTY process manager, the WebSocket gateway, the REST API,
// and the HTTP server's lifecycle.
//
// Grounded on the teacher's internal/app bootstrap/routes/shutdown split:
// New builds a fully wired ServerApp, Router assembles the mux, and Run
// owns the listen/signal/graceful-shutdown loop.
package app

import (
	"context"
	"errors"
	"os"

	"termgateway/internal/authz"
	"termgateway/internal/config"
	"termgateway/internal/httpapi"
	"termgateway/internal/jwks"
	"termgateway/internal/jwtauth"
	"termgateway/internal/logger"
	"termgateway/internal/metrics"
	"termgateway/internal/ptyproc"
	"termgateway/internal/ratelimit"
	"termgateway/internal/sentryx"
	"termgateway/internal/session"
	"termgateway/internal/termgateway"
	"termgateway/internal/workspace"
)

// ServerApp holds all runtime dependencies for the terminal gateway.
type ServerApp struct {
	Config     *config.AppConfig
	Sessions   *session.Registry
	Processes  *ptyproc.Manager
	Limiter    *ratelimit.Limiter
	Validator  *jwtauth.Validator
	Authorizer *authz.Authorizer
	Gateway    *termgateway.Gateway
	API        *httpapi.API
	Metrics    *metrics.Collectors
	Logger     *logger.Logger
}

// New builds a fully wired server application from cfg.
func New(ctx context.Context, cfg config.AppConfig) (*ServerApp, error) {
	cfg = cfg.WithDefaults()
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, errs
	}

	logger.Init(logger.Config{
		Output:   os.Stdout,
		MinLevel: logger.INFO,
		UseColor: true,
	})
	log := logger.WithComponent("MAIN")
	sentryx.Init("termgateway")

	metricsCollectors := metrics.New()

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		IPRatePerMinute:      cfg.Security.RateLimit.IPRatePerMinute,
		IPBurst:              cfg.Security.RateLimit.IPBurst,
		UserRatePerHour:      cfg.Security.RateLimit.UserRatePerHour,
		UserBurst:            cfg.Security.RateLimit.UserBurst,
		ConnRatePerSecond:    cfg.Security.RateLimit.ConnRatePerSecond,
		ConnBurst:            cfg.Security.RateLimit.ConnBurst,
		ViolationsForLockout: cfg.Security.RateLimit.ViolationsForLockout,
		LockoutDuration:      cfg.Security.RateLimit.LockoutDuration,
	})
	limiter.Metrics = metricsCollectors

	jwksCache := jwks.NewCache(ctx)
	providerForIssuer := make(map[string]string, len(cfg.JWKS.Providers))
	for _, p := range cfg.JWKS.Providers {
		if err := jwksCache.Register(ctx, jwks.Provider{
			Name:            p.Name,
			URL:             p.JWKSURL,
			Issuer:          p.Issuer,
			Audience:        p.Audience,
			RefreshInterval: p.RefreshInterval,
		}); err != nil {
			return nil, err
		}
		providerForIssuer[p.Issuer] = p.Name
	}
	validator := jwtauth.NewValidator(jwksCache, cfg.Security.AllowedAlgorithms, cfg.Security.ClockSkew, providerForIssuer)
	validator.Metrics = metricsCollectors

	authorizer := authz.New(authz.NewRules(
		cfg.Authorization.AllowedUsers,
		cfg.Authorization.AllowedGroups,
		cfg.Authorization.DenyUsers,
		cfg.Authorization.DenyGroups,
		cfg.Authorization.RolePermissions,
		cfg.Authorization.DefaultPermissions,
	))

	sessions := session.NewRegistry(cfg.Session.MaxPerUser, cfg.Session.IdleTimeout, cfg.Session.ReapInterval, cfg.Session.CommandHistoryCap)
	sessions.Metrics = metricsCollectors
	processes := ptyproc.NewManager()
	processes.Metrics = metricsCollectors

	workspaceRoot := os.Getenv("GATEWAY_WORKSPACE_ROOT")
	if workspaceRoot == "" {
		workspaceRoot = "/var/lib/termgateway/workspaces"
	}
	if err := os.MkdirAll(workspaceRoot, 0o755); err != nil {
		return nil, err
	}

	gw := termgateway.New(termgateway.Options{
		Validator:       validator,
		Authorizer:      authorizer,
		Sessions:        sessions,
		Processes:       processes,
		Limiter:         limiter,
		WorkspaceRoot:   workspaceRoot,
		WorkspaceLimits: workspaceLimitsFrom(cfg.Session),
		Shell:           "/bin/bash",
		AllowedOrigins:  nil,
		Metrics:         metricsCollectors,
		MaxProcesses:    cfg.Session.MaxProcesses,
	})

	sessions.OnDestroy = gw.CloseSessionConnection

	api := &httpapi.API{
		Sessions:   sessions,
		Gateway:    gw,
		Authorizer: authorizer,
		Metrics:    metricsCollectors,
	}

	return &ServerApp{
		Config:     &cfg,
		Sessions:   sessions,
		Processes:  processes,
		Limiter:    limiter,
		Validator:  validator,
		Authorizer: authorizer,
		Gateway:    gw,
		API:        api,
		Metrics:    metricsCollectors,
		Logger:     log,
	}, nil
}

func workspaceLimitsFrom(s config.SessionConfig) workspace.Limits {
	return workspace.Limits{
		QuotaBytes:   s.WorkspaceQuotaBytes,
		MaxFileCount: int64(s.MaxFileCount),
	}
}

var errNilApp = errors.New("server app is nil")
