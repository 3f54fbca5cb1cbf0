// Command termgatewayd runs the browser-accessible terminal gateway: an
// authenticated WebSocket-to-PTY bridge with a REST API for session and
// workspace file management.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"termgateway/internal/app"
	"termgateway/internal/config"
)

func main() {
	cfg := configFromEnv()

	a, err := app.New(context.Background(), cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize terminal gateway: %v\n", err)
		os.Exit(1)
	}

	if err := a.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "terminal gateway exited with error: %v\n", err)
		os.Exit(1)
	}
}

// configFromEnv builds an AppConfig from environment variables. There is no
// file or flag loader here deliberately — every knob the gateway needs has
// a sensible default from config.WithDefaults, and deployments override
// only what they must.
func configFromEnv() config.AppConfig {
	var cfg config.AppConfig

	cfg.Server.Host = envOr("GATEWAY_HOST", "0.0.0.0")
	cfg.Server.Port = envInt("GATEWAY_PORT", 8080)
	if certFile, keyFile := os.Getenv("GATEWAY_TLS_CERT"), os.Getenv("GATEWAY_TLS_KEY"); certFile != "" && keyFile != "" {
		cfg.Server.TLS = &config.TLSConfig{CertFile: certFile, KeyFile: keyFile}
	}

	cfg.Session.IdleTimeout = envDuration("GATEWAY_IDLE_TIMEOUT", 0)
	cfg.Session.ReapInterval = envDuration("GATEWAY_REAP_INTERVAL", 0)
	cfg.Session.MaxPerUser = envInt("GATEWAY_MAX_SESSIONS_PER_USER", 0)
	cfg.Session.WorkspaceQuotaBytes = envInt64("GATEWAY_WORKSPACE_QUOTA_BYTES", 0)
	cfg.Session.MaxFileCount = envInt("GATEWAY_WORKSPACE_MAX_FILES", 0)
	cfg.Session.MaxProcesses = envInt("GATEWAY_MAX_PROCESSES_PER_SESSION", 0)

	cfg.Security.ClockSkew = envDuration("GATEWAY_JWT_CLOCK_SKEW", 0)
	if algs := os.Getenv("GATEWAY_ALLOWED_ALGORITHMS"); algs != "" {
		cfg.Security.AllowedAlgorithms = strings.Split(algs, ",")
	}
	cfg.Security.RateLimit.IPRatePerMinute = envInt("GATEWAY_RATE_IP_PER_MINUTE", 0)
	cfg.Security.RateLimit.UserRatePerHour = envInt("GATEWAY_RATE_USER_PER_HOUR", 0)
	cfg.Security.RateLimit.ConnRatePerSecond = envInt("GATEWAY_RATE_CONN_PER_SECOND", 0)
	cfg.Security.RateLimit.ViolationsForLockout = envInt("GATEWAY_RATE_LOCKOUT_VIOLATIONS", 0)
	cfg.Security.RateLimit.LockoutDuration = envDuration("GATEWAY_RATE_LOCKOUT_DURATION", 0)

	cfg.JWKS.Providers = providersFromEnv()

	cfg.Authorization.AllowedUsers = envList("GATEWAY_AUTHZ_ALLOWED_USERS")
	cfg.Authorization.AllowedGroups = envList("GATEWAY_AUTHZ_ALLOWED_GROUPS")
	cfg.Authorization.DenyUsers = envList("GATEWAY_AUTHZ_DENY_USERS")
	cfg.Authorization.DenyGroups = envList("GATEWAY_AUTHZ_DENY_GROUPS")
	cfg.Authorization.DefaultPermissions = envList("GATEWAY_AUTHZ_DEFAULT_PERMISSIONS")

	return cfg.WithDefaults()
}

// providersFromEnv reads a single identity provider from GATEWAY_JWKS_* vars.
// Deployments with more than one trusted issuer configure this at the
// config.AppConfig level directly rather than through environment variables.
func providersFromEnv() []config.ProviderConfig {
	url := os.Getenv("GATEWAY_JWKS_URL")
	issuer := os.Getenv("GATEWAY_JWT_ISSUER")
	if url == "" || issuer == "" {
		return nil
	}
	return []config.ProviderConfig{{
		Name:     envOr("GATEWAY_JWKS_PROVIDER_NAME", "default"),
		JWKSURL:  url,
		Issuer:   issuer,
		Audience: os.Getenv("GATEWAY_JWT_AUDIENCE"),
	}}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
