package config

import "testing"

func TestValidate_RequiresAtLeastOneProvider(t *testing.T) {
	cfg := AppConfig{
		Server:  ServerConfig{Port: 8080},
		Session: SessionConfig{MaxPerUser: 1, IdleTimeout: 1, WorkspaceQuotaBytes: 1},
		Security: SecurityConfig{
			AllowedAlgorithms: []string{"RS256"},
		},
	}
	errs := cfg.Validate()
	if len(errs) != 1 {
		t.Fatalf("Validate() = %v, want exactly one error about missing providers", errs)
	}
}

func TestValidate_RejectsDuplicateProviderNames(t *testing.T) {
	cfg := AppConfig{
		Server:  ServerConfig{Port: 8080},
		Session: SessionConfig{MaxPerUser: 1, IdleTimeout: 1, WorkspaceQuotaBytes: 1},
		Security: SecurityConfig{
			AllowedAlgorithms: []string{"RS256"},
		},
		JWKS: JWKSConfig{Providers: []ProviderConfig{
			{Name: "okta", JWKSURL: "https://okta/jwks", Issuer: "https://okta"},
			{Name: "okta", JWKSURL: "https://okta2/jwks", Issuer: "https://okta2"},
		}},
	}
	errs := cfg.Validate()
	found := false
	for _, e := range errs {
		if e.Message == "duplicate provider name: okta" {
			found = true
		}
	}
	if !found {
		t.Fatalf("Validate() = %v, want a duplicate provider name error", errs)
	}
}

func TestValidate_InvalidPort(t *testing.T) {
	cfg := AppConfig{Server: ServerConfig{Port: 70000}}
	errs := cfg.Validate()
	if len(errs) == 0 {
		t.Fatal("expected a validation error for an out-of-range port")
	}
}

func TestWithDefaults_FillsZeroValues(t *testing.T) {
	cfg := AppConfig{}.WithDefaults()

	if cfg.Session.IdleTimeout == 0 {
		t.Error("expected a default idle timeout")
	}
	if cfg.Session.MaxPerUser != 10 {
		t.Errorf("MaxPerUser = %d, want 10", cfg.Session.MaxPerUser)
	}
	if cfg.Session.CommandHistoryCap != 1000 {
		t.Errorf("CommandHistoryCap = %d, want 1000", cfg.Session.CommandHistoryCap)
	}
	if cfg.Security.RateLimit.IPRatePerMinute != 100 {
		t.Errorf("IPRatePerMinute = %d, want 100", cfg.Security.RateLimit.IPRatePerMinute)
	}
	if len(cfg.Security.AllowedAlgorithms) == 0 {
		t.Error("expected default allowed algorithms")
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
}

func TestWithDefaults_DoesNotMutateReceiver(t *testing.T) {
	original := AppConfig{}
	_ = original.WithDefaults()
	if original.Server.Port != 0 {
		t.Error("WithDefaults should not mutate its receiver")
	}
}
