package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"testing"

	"termgateway/internal/ids"
	"termgateway/test/testutil"
)

type sessionCreateResponse struct {
	ID string `json:"id"`
}

// errorResponse mirrors internal/httpx/response's {"error":{"code",...}}
// envelope.
type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// createSession calls POST /api/sessions with the given bearer token and
// returns the new session's id.
func createSession(t *testing.T, ts *testutil.TestServer, token string) string {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, ts.Server.URL+"/api/sessions", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create session: status=%d", resp.StatusCode)
	}

	var parsed sessionCreateResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		t.Fatalf("decode session response: %v", err)
	}
	return parsed.ID
}

func postFilesJSON(t *testing.T, ts *testutil.TestServer, token, path string, body map[string]any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, ts.Server.URL+path, bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

// TestE2E_WriteReadFileRoundTrip is the non-adversarial baseline: a file
// written through the workspace API reads back with the same content.
func TestE2E_WriteReadFileRoundTrip(t *testing.T) {
	ts := testutil.Setup(t)
	token := ts.IDP.Mint(t, testutil.MintOptions{Subject: "alice"})
	sessionID := createSession(t, ts, token)

	writeResp := postFilesJSON(t, ts, token, "/api/files/write", map[string]any{
		"session_id": sessionID,
		"path":       "notes.txt",
		"content":    "hello workspace",
	})
	defer writeResp.Body.Close()
	if writeResp.StatusCode != http.StatusOK {
		t.Fatalf("write file: status=%d", writeResp.StatusCode)
	}

	readResp := postFilesJSON(t, ts, token, "/api/files/read", map[string]any{
		"session_id": sessionID,
		"path":       "notes.txt",
	})
	defer readResp.Body.Close()
	if readResp.StatusCode != http.StatusOK {
		t.Fatalf("read file: status=%d", readResp.StatusCode)
	}

	var parsed struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(readResp.Body).Decode(&parsed); err != nil {
		t.Fatalf("decode read response: %v", err)
	}
	if parsed.Content != "hello workspace" {
		t.Fatalf("content = %q, want %q", parsed.Content, "hello workspace")
	}
}

// TestE2E_PathEscapeRejected covers scenario S4 and testable property 4: a
// path that attempts to traverse outside the session's workspace root is
// rejected with PATH_ESCAPE rather than being resolved against the host
// filesystem.
func TestE2E_PathEscapeRejected(t *testing.T) {
	ts := testutil.Setup(t)
	token := ts.IDP.Mint(t, testutil.MintOptions{Subject: "alice"})
	sessionID := createSession(t, ts, token)

	escapes := []string{
		"../../../etc/passwd",
		"../outside.txt",
		"a/../../b",
	}

	for _, p := range escapes {
		t.Run(p, func(t *testing.T) {
			resp := postFilesJSON(t, ts, token, "/api/files/read", map[string]any{
				"session_id": sessionID,
				"path":       p,
			})
			defer resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				t.Fatalf("path %q should have been rejected, got 200", p)
			}

			var parsed errorResponse
			_ = json.NewDecoder(resp.Body).Decode(&parsed)
			if parsed.Error.Code != "PATH_ESCAPE" {
				t.Fatalf("path %q: expected PATH_ESCAPE, got %q (status %d)", p, parsed.Error.Code, resp.StatusCode)
			}
		})
	}
}

// TestE2E_AbsolutePathRejected is the same property exercised against an
// absolute path rather than a relative traversal.
func TestE2E_AbsolutePathRejected(t *testing.T) {
	ts := testutil.Setup(t)
	token := ts.IDP.Mint(t, testutil.MintOptions{Subject: "alice"})
	sessionID := createSession(t, ts, token)

	resp := postFilesJSON(t, ts, token, "/api/files/read", map[string]any{
		"session_id": sessionID,
		"path":       "/etc/passwd",
	})
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		t.Fatal("absolute path should have been rejected")
	}
}

// TestE2E_CannotAccessAnotherUsersSession covers ownership enforcement: a
// session created by one user cannot be read or written by another,
// regardless of what files:access otherwise permits.
func TestE2E_CannotAccessAnotherUsersSession(t *testing.T) {
	ts := testutil.Setup(t)
	aliceToken := ts.IDP.Mint(t, testutil.MintOptions{Subject: "alice"})
	bobToken := ts.IDP.Mint(t, testutil.MintOptions{Subject: "bob"})

	sessionID := createSession(t, ts, aliceToken)

	resp := postFilesJSON(t, ts, bobToken, "/api/files/list", map[string]any{
		"session_id": sessionID,
		"path":       ".",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for cross-user session access, got %d", resp.StatusCode)
	}
}

// TestE2E_WorkspaceRemovedOnSessionDestroy covers testable property 1: a
// session's workspace root exists exactly while the session is registered,
// and is gone immediately after DELETE.
func TestE2E_WorkspaceRemovedOnSessionDestroy(t *testing.T) {
	ts := testutil.Setup(t)
	token := ts.IDP.Mint(t, testutil.MintOptions{Subject: "alice"})
	sessionID := createSession(t, ts, token)

	sess, ok := ts.App.Sessions.Get(ids.SessionId(sessionID))
	if !ok {
		t.Fatal("session not found right after creation")
	}
	root := sess.Sandbox.Root()

	req, err := http.NewRequest(http.MethodDelete, fmt.Sprintf("%s/api/sessions/%s", ts.Server.URL, sessionID), nil)
	if err != nil {
		t.Fatalf("build delete request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete session: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete session: status=%d", resp.StatusCode)
	}

	if _, err := os.Stat(root); !os.IsNotExist(err) {
		t.Fatalf("workspace root %s should have been removed, stat err = %v", root, err)
	}
}
