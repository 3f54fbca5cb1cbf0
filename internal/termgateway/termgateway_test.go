package termgateway

import (
	"strings"
	"testing"
)

func TestBuildShellEnv_OverridesTermAndHome(t *testing.T) {
	t.Setenv("TERM", "screen")
	t.Setenv("HOME", "/root")
	t.Setenv("KEEP", "1")

	got := buildShellEnv("/srv/workspaces/alice")
	joined := strings.Join(got, "\n")

	if strings.Contains(joined, "HOME=/root") {
		t.Fatalf("expected original HOME to be filtered, got: %v", got)
	}
	if !strings.Contains(joined, "HOME=/srv/workspaces/alice") {
		t.Fatalf("expected workspace HOME to be set, got: %v", got)
	}
	if !strings.Contains(joined, "TERM=xterm-256color") {
		t.Fatalf("expected TERM override, got: %v", got)
	}
	if !strings.Contains(joined, "KEEP=1") {
		t.Fatalf("expected unrelated vars to pass through, got: %v", got)
	}
}

func TestShellQuote(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"simple", "'simple'"},
		{"", "''"},
		{"it's", `'it'\''s'`},
		{"a 'b' c", `'a '\''b'\'' c'`},
	}
	for _, tt := range tests {
		if got := shellQuote(tt.in); got != tt.want {
			t.Errorf("shellQuote(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateOpening, "opening"},
		{StateAwaitingAuth, "awaiting_auth"},
		{StateAuthenticated, "authenticated"},
		{StateClosing, "closing"},
		{StateClosed, "closed"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}
