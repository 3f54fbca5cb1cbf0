package authz

import (
	"testing"

	"termgateway/internal/apperr"
	"termgateway/internal/ids"
)

func TestAuthorizer_DenyWinsOverEverything(t *testing.T) {
	rules := NewRules(nil, nil, []string{"evil"}, nil,
		map[string][]string{"admin": {"session:create"}},
		[]string{"session:create"})
	a := New(rules)

	subject := Subject{UserID: ids.UserId("evil"), Groups: []string{"admin"}}
	err := a.Authorize(subject, "session:create")
	if err == nil {
		t.Fatal("expected denied user to be rejected regardless of role grants")
	}
	if code := apperr.CodeOf(err); code != apperr.CodePermissionDenied {
		t.Fatalf("code = %s, want %s", code, apperr.CodePermissionDenied)
	}
}

func TestAuthorizer_AllowListRestrictsNonMembers(t *testing.T) {
	rules := NewRules([]string{"alice"}, nil, nil, nil, nil, []string{"session:create"})
	a := New(rules)

	if err := a.Authorize(Subject{UserID: "alice"}, "session:create"); err != nil {
		t.Fatalf("allow-listed user rejected: %v", err)
	}
	if err := a.Authorize(Subject{UserID: "mallory"}, "session:create"); err == nil {
		t.Fatal("expected non-allow-listed user to be rejected")
	}
}

func TestAuthorizer_DefaultAndRolePermissions(t *testing.T) {
	rules := NewRules(nil, nil, nil, nil,
		map[string][]string{"admin": {"session:list_all"}},
		[]string{"session:create"})
	a := New(rules)

	if err := a.Authorize(Subject{UserID: "bob"}, "session:create"); err != nil {
		t.Fatalf("default permission rejected: %v", err)
	}
	if err := a.Authorize(Subject{UserID: "bob"}, "session:list_all"); err == nil {
		t.Fatal("expected plain user without role to lack session:list_all")
	}
	if err := a.Authorize(Subject{UserID: "bob", Groups: []string{"admin"}}, "session:list_all"); err != nil {
		t.Fatalf("role-granted permission rejected: %v", err)
	}
}

func TestAuthorizer_AuthorizeOwnership(t *testing.T) {
	rules := NewRules(nil, nil, nil, nil,
		map[string][]string{"admin": {"session:delete"}},
		[]string{"session:delete"})
	a := New(rules)

	owner := ids.UserId("alice")

	if err := a.AuthorizeOwnership(Subject{UserID: owner}, "session:delete", owner); err != nil {
		t.Fatalf("owner denied access to own resource: %v", err)
	}

	stranger := Subject{UserID: "mallory"}
	if err := a.AuthorizeOwnership(stranger, "session:delete", owner); err == nil {
		t.Fatal("expected non-owner without role grant to be denied")
	}

	admin := Subject{UserID: "root-op", Groups: []string{"admin"}}
	if err := a.AuthorizeOwnership(admin, "session:delete", owner); err != nil {
		t.Fatalf("role-granted permission should bypass ownership check: %v", err)
	}
}
