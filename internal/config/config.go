// Package config defines the resolved runtime configuration contract the
// core accepts from its external collaborator. CLI/env/file loading is out
// of scope here — by the time *AppConfig reaches internal/app, it has
// already been parsed and defaulted.
package config

import (
	"fmt"
	"time"
)

// ServerConfig controls the single listening socket.
type ServerConfig struct {
	Host string
	Port int
	// TLS, when non-nil, means the listener speaks TLS; certificate material
	// is the external collaborator's concern.
	TLS *TLSConfig
}

type TLSConfig struct {
	CertFile string
	KeyFile  string
}

// SessionConfig controls session lifecycle and resource limits.
type SessionConfig struct {
	IdleTimeout         time.Duration
	ReapInterval        time.Duration
	MaxPerUser          int
	WorkspaceQuotaBytes int64
	MaxFileCount        int
	MaxProcesses        int
	CommandHistoryCap   int
}

// RateLimitConfig controls the three token-bucket dimensions: per-IP,
// per-authenticated-user, and per-connection.
type RateLimitConfig struct {
	IPRatePerMinute      int
	IPBurst              int
	UserRatePerHour      int
	UserBurst            int
	ConnRatePerSecond    int
	ConnBurst            int
	ViolationsForLockout int
	LockoutDuration      time.Duration
}

// SecurityConfig controls authentication tolerances and rate limiting.
type SecurityConfig struct {
	RateLimit         RateLimitConfig
	ClockSkew         time.Duration
	AllowedAlgorithms []string
}

// ProviderConfig describes one configured JWT issuer / JWKS source.
type ProviderConfig struct {
	Name            string
	JWKSURL         string
	Issuer          string
	Audience        string
	CacheTTL        time.Duration
	RefreshInterval time.Duration
}

// JWKSConfig lists the trusted identity providers.
type JWKSConfig struct {
	Providers []ProviderConfig
}

// AuthorizationConfig controls the Authorizer's rule tables.
type AuthorizationConfig struct {
	AllowedUsers       []string
	AllowedGroups      []string
	DenyUsers          []string
	DenyGroups         []string
	RolePermissions    map[string][]string
	DefaultPermissions []string
}

// AppConfig is the fully resolved configuration the core is built from.
type AppConfig struct {
	Server        ServerConfig
	Session       SessionConfig
	Security      SecurityConfig
	JWKS          JWKSConfig
	Authorization AuthorizationConfig
}

// ValidationError contains details about a configuration validation failure.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error: %s - %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	return fmt.Sprintf("%d config validation errors: %s (and %d more)", len(e), e[0].Error(), len(e)-1)
}

// Validate checks the configuration for internal consistency. It does not
// reach out to the network (e.g. it never pre-flights a JWKS URL) — that
// happens at startup when internal/jwks.Cache.Register runs.
func (c *AppConfig) Validate() ValidationErrors {
	var errs ValidationErrors

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, ValidationError{Field: "server.port", Message: fmt.Sprintf("invalid port %d, must be 1-65535", c.Server.Port)})
	}

	if c.Session.MaxPerUser <= 0 {
		errs = append(errs, ValidationError{Field: "session.max_per_user", Message: "must be positive"})
	}
	if c.Session.IdleTimeout <= 0 {
		errs = append(errs, ValidationError{Field: "session.idle_timeout_s", Message: "must be positive"})
	}
	if c.Session.WorkspaceQuotaBytes <= 0 {
		errs = append(errs, ValidationError{Field: "session.workspace_quota_bytes", Message: "must be positive"})
	}

	if len(c.JWKS.Providers) == 0 {
		errs = append(errs, ValidationError{Field: "jwks.providers", Message: "at least one identity provider is required"})
	}
	seen := make(map[string]bool, len(c.JWKS.Providers))
	for i, p := range c.JWKS.Providers {
		if p.Name == "" {
			errs = append(errs, ValidationError{Field: fmt.Sprintf("jwks.providers[%d].name", i), Message: "name is required"})
		} else if seen[p.Name] {
			errs = append(errs, ValidationError{Field: fmt.Sprintf("jwks.providers[%d].name", i), Message: fmt.Sprintf("duplicate provider name: %s", p.Name)})
		} else {
			seen[p.Name] = true
		}
		if p.JWKSURL == "" {
			errs = append(errs, ValidationError{Field: fmt.Sprintf("jwks.providers[%d].url", i), Message: "url is required"})
		}
		if p.Issuer == "" {
			errs = append(errs, ValidationError{Field: fmt.Sprintf("jwks.providers[%d].issuer", i), Message: "issuer is required"})
		}
	}

	if len(c.Security.AllowedAlgorithms) == 0 {
		errs = append(errs, ValidationError{Field: "security.allowed_algorithms", Message: "at least one signing algorithm must be allowed"})
	}

	return errs
}

// WithDefaults returns a copy of c with zero-valued fields filled in with
// the gateway's stated defaults. It does not mutate c.
func (c AppConfig) WithDefaults() AppConfig {
	if c.Session.IdleTimeout == 0 {
		c.Session.IdleTimeout = 30 * time.Minute
	}
	if c.Session.ReapInterval == 0 {
		c.Session.ReapInterval = 60 * time.Second
	}
	if c.Session.MaxPerUser == 0 {
		c.Session.MaxPerUser = 10
	}
	if c.Session.WorkspaceQuotaBytes == 0 {
		c.Session.WorkspaceQuotaBytes = 1 << 30 // 1 GiB
	}
	if c.Session.MaxFileCount == 0 {
		c.Session.MaxFileCount = 10_000
	}
	if c.Session.MaxProcesses == 0 {
		c.Session.MaxProcesses = 1
	}
	if c.Session.CommandHistoryCap == 0 {
		c.Session.CommandHistoryCap = 1000
	}

	rl := &c.Security.RateLimit
	if rl.IPRatePerMinute == 0 {
		rl.IPRatePerMinute = 100
	}
	if rl.IPBurst == 0 {
		rl.IPBurst = 20
	}
	if rl.UserRatePerHour == 0 {
		rl.UserRatePerHour = 1000
	}
	if rl.UserBurst == 0 {
		rl.UserBurst = 50
	}
	if rl.ConnRatePerSecond == 0 {
		rl.ConnRatePerSecond = 100
	}
	if rl.ConnBurst == 0 {
		rl.ConnBurst = 20
	}
	if rl.ViolationsForLockout == 0 {
		rl.ViolationsForLockout = 5
	}
	if rl.LockoutDuration == 0 {
		rl.LockoutDuration = 300 * time.Second
	}

	if c.Security.ClockSkew == 0 {
		c.Security.ClockSkew = 60 * time.Second
	}
	if len(c.Security.AllowedAlgorithms) == 0 {
		c.Security.AllowedAlgorithms = []string{"RS256", "RS384", "RS512", "ES256", "ES384"}
	}

	for i := range c.JWKS.Providers {
		p := &c.JWKS.Providers[i]
		if p.CacheTTL == 0 {
			p.CacheTTL = 900 * time.Second
		}
		if p.RefreshInterval == 0 {
			p.RefreshInterval = 900 * time.Second
		}
	}

	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}

	return c
}
