package session

import (
	"os"
	"testing"
	"time"

	"termgateway/internal/ids"
	"termgateway/internal/workspace"
)

func newTestSandbox(t *testing.T) *workspace.Sandbox {
	t.Helper()
	sb, err := workspace.New(t.TempDir(), workspace.Limits{})
	if err != nil {
		t.Fatalf("workspace.New: %v", err)
	}
	return sb
}

func TestRegistry_CreateEnforcesPerUserLimit(t *testing.T) {
	r := NewRegistry(1, time.Hour, time.Hour, 0)
	defer r.Stop()

	user := ids.UserId("alice")
	if _, err := r.Create(user, "127.0.0.1", "ua", newTestSandbox(t)); err != nil {
		t.Fatalf("first session creation: %v", err)
	}
	if _, err := r.Create(user, "127.0.0.1", "ua", newTestSandbox(t)); err == nil {
		t.Fatal("expected ErrSessionLimit for a second concurrent session")
	}

	other := ids.UserId("bob")
	if _, err := r.Create(other, "127.0.0.1", "ua", newTestSandbox(t)); err != nil {
		t.Fatalf("another user should not be affected by alice's cap: %v", err)
	}
}

func TestRegistry_DestroyIsIdempotent(t *testing.T) {
	r := NewRegistry(10, time.Hour, time.Hour, 0)
	defer r.Stop()

	sess, err := r.Create(ids.UserId("alice"), "127.0.0.1", "ua", newTestSandbox(t))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	calls := 0
	sess.SetOnDestroy(func() { calls++ })

	r.Destroy(sess.ID)
	r.Destroy(sess.ID)

	if calls != 1 {
		t.Fatalf("onDestroy called %d times, want 1", calls)
	}
	if _, ok := r.Get(sess.ID); ok {
		t.Fatal("destroyed session should no longer be retrievable")
	}
	if r.Count() != 0 {
		t.Fatalf("Count() = %d, want 0", r.Count())
	}
}

func TestRegistry_DestroyRemovesWorkspaceRoot(t *testing.T) {
	r := NewRegistry(10, time.Hour, time.Hour, 0)
	defer r.Stop()

	sb := newTestSandbox(t)
	sess, err := r.Create(ids.UserId("alice"), "127.0.0.1", "ua", sb)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := os.Stat(sb.Root()); err != nil {
		t.Fatalf("workspace root should exist before destroy: %v", err)
	}

	r.Destroy(sess.ID)

	if _, err := os.Stat(sb.Root()); !os.IsNotExist(err) {
		t.Fatalf("workspace root should be removed after destroy, stat err = %v", err)
	}
}

func TestSession_SetEnvAndEnvironment(t *testing.T) {
	r := NewRegistry(10, time.Hour, time.Hour, 0)
	defer r.Stop()

	sess, err := r.Create(ids.UserId("alice"), "127.0.0.1", "ua", newTestSandbox(t))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	snapshot := sess.SetEnv("FOO", "bar")
	if snapshot["FOO"] != "bar" {
		t.Fatalf("snapshot = %+v, want FOO=bar", snapshot)
	}

	snapshot["FOO"] = "mutated"
	if got := sess.Environment()["FOO"]; got != "bar" {
		t.Fatalf("Environment() returned a mutable view: got %q", got)
	}
}

func TestSession_AppendHistory(t *testing.T) {
	r := NewRegistry(10, time.Hour, time.Hour, 3)
	defer r.Stop()

	sess, err := r.Create(ids.UserId("alice"), "127.0.0.1", "ua", newTestSandbox(t))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	sess.AppendHistory("ls")
	sess.AppendHistory("  ") // blank, should be dropped
	sess.AppendHistory("pwd")
	sess.AppendHistory("whoami")
	sess.AppendHistory("echo hi")

	got := sess.History()
	want := []string{"pwd", "whoami", "echo hi"}
	if len(got) != len(want) {
		t.Fatalf("History() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("History()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestRegistry_ReapIdle(t *testing.T) {
	r := NewRegistry(10, 10*time.Millisecond, time.Hour, 0)
	defer r.Stop()

	sess, err := r.Create(ids.UserId("alice"), "127.0.0.1", "ua", newTestSandbox(t))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	reaped := r.reapIdle()

	if len(reaped) != 1 || reaped[0] != sess.ID {
		t.Fatalf("reapIdle() = %v, want [%s]", reaped, sess.ID)
	}
	if _, ok := r.Get(sess.ID); ok {
		t.Fatal("idle session should have been removed from the registry")
	}
}
