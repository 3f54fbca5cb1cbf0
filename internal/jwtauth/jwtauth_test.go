package jwtauth

import (
	"errors"
	"fmt"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"termgateway/internal/apperr"
)

func TestExtractGroups_GroupsClaim(t *testing.T) {
	claims := jwt.MapClaims{"groups": []any{"platform", "sre"}}
	got := extractGroups(claims)
	want := []string{"platform", "sre"}
	if len(got) != len(want) {
		t.Fatalf("extractGroups = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("extractGroups[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestExtractGroups_FallsBackToEntClaim(t *testing.T) {
	claims := jwt.MapClaims{"ent": []any{"group:default/platform-team", "user:default/alice"}}
	got := extractGroups(claims)
	want := []string{"group:default/platform-team"}
	if len(got) != len(want) {
		t.Fatalf("extractGroups = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("extractGroups[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestExtractGroups_Absent(t *testing.T) {
	if got := extractGroups(jwt.MapClaims{}); got != nil {
		t.Fatalf("extractGroups = %v, want nil", got)
	}
}

func TestClassifyVerifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want apperr.Code
	}{
		{"expired", jwt.ErrTokenExpired, apperr.CodeTokenExpired},
		{"not yet valid", jwt.ErrTokenNotValidYet, apperr.CodeTokenNotYetValid},
		{"bad signature", jwt.ErrTokenSignatureInvalid, apperr.CodeSignatureInvalid},
		{"malformed", jwt.ErrTokenMalformed, apperr.CodeTokenInvalid},
		{"untrusted issuer", fmt.Errorf("%w: https://evil.example", errUntrustedIssuer), apperr.CodeUntrustedIssuer},
		{"key not found", fmt.Errorf("%w: %w", errKeyNotFound, errors.New("kid xyz")), apperr.CodeKeyNotFound},
		{"unrecognized", errors.New("something else"), apperr.CodeTokenInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyVerifyError(tt.err)
			if code := apperr.CodeOf(got); code != tt.want {
				t.Fatalf("classifyVerifyError(%v) code = %s, want %s", tt.err, code, tt.want)
			}
		})
	}
}

func TestValidator_Verify_MissingToken(t *testing.T) {
	v := NewValidator(nil, []string{"RS256"}, 0, nil)
	_, err := v.verify(nil, "")
	if code := apperr.CodeOf(err); code != apperr.CodeTokenMissing {
		t.Fatalf("code = %s, want %s", code, apperr.CodeTokenMissing)
	}
}
