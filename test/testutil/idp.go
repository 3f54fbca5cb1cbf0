// Package testutil builds a fully wired termgateway instance for package
// test/e2e, grounded on the teacher's test/testutil/server.go Setup/Cleanup
// pattern.
//
// The gateway only trusts RS256/ES256-family tokens (internal/jwtauth's
// algorithm whitelist excludes HS*/none), so the test identity provider has
// to be a real JWKS endpoint backed by a generated RSA key, not a shared
// HMAC secret.
package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

const (
	// TestIssuer and TestAudience are the iss/aud values IdentityProvider.Mint
	// uses unless MintOptions overrides them, and the only ones the test
	// gateway config trusts.
	TestIssuer   = "https://idp.test.internal"
	TestAudience = "termgateway-test"
	testKeyID    = "test-signing-key-1"
)

// IdentityProvider is an in-process JWKS issuer: one RSA key pair, served as
// a JWKS endpoint, that can also mint RS256 tokens against that same key.
type IdentityProvider struct {
	Server *httptest.Server
	key    *rsa.PrivateKey
}

// NewIdentityProvider generates an RSA key pair and starts an httptest
// server exposing it as a JWKS document.
func NewIdentityProvider(t testing.TB) *IdentityProvider {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate test signing key: %v", err)
	}

	pub, err := jwk.FromRaw(&key.PublicKey)
	if err != nil {
		t.Fatalf("build jwk from public key: %v", err)
	}
	if err := pub.Set(jwk.KeyIDKey, testKeyID); err != nil {
		t.Fatalf("set kid: %v", err)
	}
	if err := pub.Set(jwk.AlgorithmKey, "RS256"); err != nil {
		t.Fatalf("set alg: %v", err)
	}

	set := jwk.NewSet()
	if err := set.AddKey(pub); err != nil {
		t.Fatalf("add key to jwks: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/jwks.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(set)
	})

	return &IdentityProvider{
		Server: httptest.NewServer(mux),
		key:    key,
	}
}

// JWKSURL returns the endpoint internal/jwks.Cache should register.
func (idp *IdentityProvider) JWKSURL() string {
	return idp.Server.URL + "/.well-known/jwks.json"
}

// Close shuts down the identity provider's HTTP server.
func (idp *IdentityProvider) Close() { idp.Server.Close() }

// MintOptions customizes one minted test token. Zero values pick sane
// defaults (a one-hour expiry, the shared test issuer and audience).
type MintOptions struct {
	Issuer    string
	Subject   string
	Groups    []string // entity refs, e.g. "group:default/platform-team"
	Audience  string
	ExpiresIn time.Duration
	IssuedAt  time.Time
	NotBefore time.Time
}

// Mint signs an RS256 token against the provider's key, with Backstage-style
// "ent" entries built from Subject and Groups.
func (idp *IdentityProvider) Mint(t testing.TB, opts MintOptions) string {
	t.Helper()

	if opts.Issuer == "" {
		opts.Issuer = TestIssuer
	}
	if opts.Audience == "" {
		opts.Audience = TestAudience
	}
	if opts.ExpiresIn == 0 {
		opts.ExpiresIn = time.Hour
	}
	if opts.IssuedAt.IsZero() {
		opts.IssuedAt = time.Now()
	}

	claims := jwt.MapClaims{
		"iss": opts.Issuer,
		"sub": opts.Subject,
		"aud": opts.Audience,
		"iat": opts.IssuedAt.Unix(),
		"exp": opts.IssuedAt.Add(opts.ExpiresIn).Unix(),
	}
	if !opts.NotBefore.IsZero() {
		claims["nbf"] = opts.NotBefore.Unix()
	}

	ent := make([]any, 0, len(opts.Groups)+1)
	ent = append(ent, "user:default/"+opts.Subject)
	for _, g := range opts.Groups {
		ent = append(ent, g)
	}
	claims["ent"] = ent

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = testKeyID

	signed, err := token.SignedString(idp.key)
	if err != nil {
		t.Fatalf("sign test token: %v", err)
	}
	return signed
}

// SupportsPTY reports whether the current environment can open a PTY
// device, so tests that need one can skip cleanly in a container without
// /dev/ptmx.
func SupportsPTY() bool {
	f, err := os.OpenFile("/dev/ptmx", os.O_RDWR, 0)
	if err != nil {
		return false
	}
	_ = f.Close()
	return true
}
