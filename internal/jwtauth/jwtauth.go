// Package jwtauth verifies bearer tokens presented by WebSocket clients:
// algorithm whitelisting, issuer and audience matching, signature
// verification against a registered provider's JWKS, and identity
// extraction.
//
// Grounded on the teacher's preview-proxy verifyToken (jwt.Parse with a
// Keyfunc that rejects any signing method but the one the deployment
// expects) generalized from a single shared HMAC secret to per-issuer RSA/
// ECDSA keys resolved through internal/jwks, with the teacher's single
// algorithm hard-coded in the Keyfunc replaced by an explicit whitelist.
package jwtauth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"termgateway/internal/apperr"
	"termgateway/internal/ids"
	"termgateway/internal/jwks"
	"termgateway/internal/logger"
	"termgateway/internal/metrics"
)

var log = logger.WithComponent("JWTAUTH")

// Sentinel errors produced inside the Keyfunc so classifyVerifyError can
// tell an untrusted issuer or an unresolvable signing key apart from a
// generic malformed/unverifiable token once jwt.Parse wraps them.
var (
	errUntrustedIssuer = errors.New("jwtauth: untrusted issuer")
	errKeyNotFound     = errors.New("jwtauth: signing key not found")
)

// Identity is the authenticated subject extracted from a verified token.
type Identity struct {
	UserID   ids.UserId
	Subject  string
	Provider string
	Groups   []string
	Claims   jwt.MapClaims
}

// Validator verifies tokens against a set of registered providers.
type Validator struct {
	cache             *jwks.Cache
	allowedAlgorithms map[string]bool
	clockSkew         time.Duration

	// providerForIssuer maps a token's iss claim to the jwks provider name
	// that should verify it, since a deployment may trust several issuers.
	providerForIssuer map[string]string

	// Metrics, when set, records a failure count per stable error code.
	Metrics *metrics.Collectors
}

// NewValidator builds a Validator backed by cache. providers maps issuer
// string to jwks provider name.
func NewValidator(cache *jwks.Cache, allowedAlgorithms []string, clockSkew time.Duration, providerForIssuer map[string]string) *Validator {
	allowed := make(map[string]bool, len(allowedAlgorithms))
	for _, a := range allowedAlgorithms {
		allowed[a] = true
	}
	return &Validator{
		cache:             cache,
		allowedAlgorithms: allowed,
		clockSkew:         clockSkew,
		providerForIssuer: providerForIssuer,
	}
}

// Verify parses and fully validates tokenStr, returning the caller's
// identity on success or a typed *apperr.Error describing exactly which
// check failed.
func (v *Validator) Verify(ctx context.Context, tokenStr string) (*Identity, error) {
	ident, err := v.verify(ctx, tokenStr)
	if err != nil && v.Metrics != nil {
		v.Metrics.AuthFailuresTotal.WithLabelValues(string(apperr.CodeOf(err))).Inc()
	}
	return ident, err
}

func (v *Validator) verify(ctx context.Context, tokenStr string) (*Identity, error) {
	if tokenStr == "" {
		return nil, apperr.New(apperr.CodeTokenMissing, "missing bearer token")
	}

	var providerName string

	parser := jwt.NewParser(
		jwt.WithValidMethods(v.algorithmNames()),
		jwt.WithLeeway(v.clockSkew),
	)

	token, err := parser.Parse(tokenStr, func(t *jwt.Token) (any, error) {
		alg := t.Method.Alg()
		if !v.allowedAlgorithms[alg] {
			return nil, fmt.Errorf("algorithm %s not permitted", alg)
		}

		claims, ok := t.Claims.(jwt.MapClaims)
		if !ok {
			return nil, fmt.Errorf("unexpected claims type")
		}
		iss, _ := claims["iss"].(string)
		pname, ok := v.providerForIssuer[iss]
		if !ok {
			return nil, fmt.Errorf("%w: %s", errUntrustedIssuer, iss)
		}
		providerName = pname

		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("%w: token missing kid header", errKeyNotFound)
		}

		key, err := v.cache.Key(ctx, pname, kid)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", errKeyNotFound, err)
		}
		if keyAlg := key.Algorithm().String(); keyAlg != "" && keyAlg != alg {
			return nil, fmt.Errorf("algorithm %s does not match key algorithm %s", alg, keyAlg)
		}

		var raw any
		if err := key.Raw(&raw); err != nil {
			return nil, fmt.Errorf("decode key material: %w", err)
		}
		return raw, nil
	})

	if err != nil {
		return nil, classifyVerifyError(err)
	}
	if !token.Valid {
		return nil, apperr.New(apperr.CodeTokenInvalid, "token failed validation")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, apperr.New(apperr.CodeTokenInvalid, "unexpected claims shape")
	}

	provider, _ := v.providerLookup(providerName)
	if provider.Audience != "" {
		if !claims.VerifyAudience(provider.Audience, true) {
			return nil, apperr.New(apperr.CodeAudienceMismatch, "token audience does not match provider configuration")
		}
	}

	subject, _ := claims["sub"].(string)
	if subject == "" {
		return nil, apperr.New(apperr.CodeTokenInvalid, "token missing sub claim")
	}

	return &Identity{
		UserID:   ids.UserId(subject),
		Subject:  subject,
		Provider: providerName,
		Groups:   extractGroups(claims),
		Claims:   claims,
	}, nil
}

func (v *Validator) providerLookup(name string) (jwks.Provider, bool) {
	return v.cache.Provider(name)
}

func (v *Validator) algorithmNames() []string {
	names := make([]string, 0, len(v.allowedAlgorithms))
	for a := range v.allowedAlgorithms {
		names = append(names, a)
	}
	return names
}

// extractGroups reads the standard "groups" claim, falling back to
// Backstage's "ent" entity-reference claim (a list like
// "group:default/platform-team", "user:default/alice") when the former is
// absent. Only "group:"-prefixed entries count as groups; "user:"-prefixed
// entries are additional subject aliases, not groups, and are dropped here.
func extractGroups(claims jwt.MapClaims) []string {
	if raw, ok := claims["groups"].([]any); ok {
		return stringSlice(raw)
	}
	if raw, ok := claims["ent"].([]any); ok {
		groups := make([]string, 0, len(raw))
		for _, item := range raw {
			s, ok := item.(string)
			if !ok || !strings.HasPrefix(s, "group:") {
				continue
			}
			groups = append(groups, s)
		}
		return groups
	}
	return nil
}

func stringSlice(raw []any) []string {
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func classifyVerifyError(err error) error {
	switch {
	case errors.Is(err, errUntrustedIssuer):
		return apperr.Wrap(apperr.CodeUntrustedIssuer, "untrusted issuer", err)
	case errors.Is(err, errKeyNotFound):
		return apperr.Wrap(apperr.CodeKeyNotFound, "signing key not found", err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return apperr.Wrap(apperr.CodeTokenExpired, "token expired", err)
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return apperr.Wrap(apperr.CodeTokenNotYetValid, "token not yet valid", err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return apperr.Wrap(apperr.CodeSignatureInvalid, "token signature invalid", err)
	case errors.Is(err, jwt.ErrTokenMalformed):
		return apperr.Wrap(apperr.CodeTokenInvalid, "token malformed", err)
	default:
		log.Debug("token rejected: %v", err)
		return apperr.Wrap(apperr.CodeTokenInvalid, "token rejected", err)
	}
}
