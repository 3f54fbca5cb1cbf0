package e2e

import (
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"termgateway/internal/wsproto"
	"termgateway/test/testutil"
)

// TestE2E_AuthHappyPath covers scenario S1: a client presenting a valid
// bearer token over the first WebSocket frame gets back auth_ok carrying a
// session id, and a shell is attached behind it.
func TestE2E_AuthHappyPath(t *testing.T) {
	if !testutil.SupportsPTY() {
		t.Skip("PTY device unavailable in current environment")
	}
	ts := testutil.Setup(t)

	token := ts.IDP.Mint(t, testutil.MintOptions{Subject: "alice"})
	conn := dialAndAuth(t, ts, token, "")
	defer conn.Close()

	waitForType(t, conn, wsproto.TypeProcessStarted)
}

// TestE2E_ExpiredTokenRejected covers scenario S3: a token whose exp claim
// has already passed is rejected during the WebSocket handshake with
// auth_failed and the connection is closed, never reaching a shell.
func TestE2E_ExpiredTokenRejected(t *testing.T) {
	ts := testutil.Setup(t)

	token := ts.IDP.Mint(t, testutil.MintOptions{
		Subject:   "alice",
		IssuedAt:  time.Now().Add(-2 * time.Hour),
		ExpiresIn: time.Hour, // issued 2h ago, expired 1h ago
	})

	dialer := websocket.Dialer{}
	conn, _, err := dialer.Dial(ts.WebSocketURL("/ws"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(wsproto.Message{Type: wsproto.TypeAuth, Token: token}); err != nil {
		t.Fatalf("send auth frame: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read auth response: %v", err)
	}
	msg, err := wsproto.Decode(raw)
	if err != nil {
		t.Fatalf("decode auth response: %v", err)
	}
	if msg.Type != wsproto.TypeAuthFailed {
		t.Fatalf("expected auth_failed, got %q", msg.Type)
	}
	if msg.Code != "TOKEN_EXPIRED" {
		t.Fatalf("expected TOKEN_EXPIRED, got %q", msg.Code)
	}

	// The server closes the socket right after auth_failed.
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected connection to be closed after auth_failed")
	} else if !websocket.IsCloseError(err, 4000) && !strings.Contains(err.Error(), "close") {
		t.Fatalf("expected a close frame, got: %v", err)
	}
}

// TestE2E_UntrustedIssuerRejected covers a token from an issuer the gateway
// never registered a JWKS provider for, signed by a key it has never seen.
func TestE2E_UntrustedIssuerRejected(t *testing.T) {
	ts := testutil.Setup(t)
	other := testutil.NewIdentityProvider(t)
	defer other.Close()

	token := other.Mint(t, testutil.MintOptions{Issuer: "https://untrusted-idp.example", Subject: "mallory"})

	dialer := websocket.Dialer{}
	conn, _, err := dialer.Dial(ts.WebSocketURL("/ws"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(wsproto.Message{Type: wsproto.TypeAuth, Token: token}); err != nil {
		t.Fatalf("send auth frame: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read auth response: %v", err)
	}
	msg, err := wsproto.Decode(raw)
	if err != nil {
		t.Fatalf("decode auth response: %v", err)
	}
	if msg.Type != wsproto.TypeAuthFailed {
		t.Fatalf("expected auth_failed for an untrusted issuer's token, got %q", msg.Type)
	}
	if msg.Code != "UNTRUSTED_ISSUER" {
		t.Fatalf("expected UNTRUSTED_ISSUER, got %q", msg.Code)
	}
}

// dialAndAuth dials /ws, sends an auth frame with token (or a resume frame
// reattaching to sessionID when non-empty), and waits for auth_ok.
func dialAndAuth(t *testing.T, ts *testutil.TestServer, token, sessionID string) *websocket.Conn {
	t.Helper()

	dialer := websocket.Dialer{}
	conn, _, err := dialer.Dial(ts.WebSocketURL("/ws"), nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}

	msg := wsproto.Message{Type: wsproto.TypeAuth, Token: token}
	if sessionID != "" {
		msg.Type = wsproto.TypeResume
		msg.SessionID = sessionID
	}
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("send auth frame: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read auth_ok: %v", err)
	}
	resp, err := wsproto.Decode(raw)
	if err != nil {
		t.Fatalf("decode auth_ok: %v", err)
	}
	if resp.Type != wsproto.TypeAuthOK {
		t.Fatalf("expected auth_ok, got %q (%s)", resp.Type, resp.Message)
	}
	return conn
}

// waitForType reads control and binary frames until it sees a JSON control
// frame of the given type, failing the test after a short timeout.
func waitForType(t *testing.T, conn *websocket.Conn, want wsproto.MessageType) wsproto.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(8 * time.Second))
	for i := 0; i < 50; i++ {
		msgType, raw, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read while waiting for %q: %v", want, err)
		}
		if msgType != websocket.TextMessage {
			continue
		}
		msg, err := wsproto.Decode(raw)
		if err != nil {
			continue
		}
		if msg.Type == want {
			return msg
		}
	}
	t.Fatalf("never observed control message of type %q", want)
	return wsproto.Message{}
}
