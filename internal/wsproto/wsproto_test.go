package wsproto

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeMessage(t *testing.T) {
	msg := Message{
		Type:      TypeAuth,
		Token:     "secret",
		SessionID: "sess-1",
	}
	raw, err := Encode(msg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Type != msg.Type || got.Token != msg.Token || got.SessionID != msg.SessionID {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, msg)
	}
}

func TestDecode_InvalidJSON(t *testing.T) {
	if _, err := Decode([]byte("not json")); err == nil {
		t.Fatal("expected error decoding invalid JSON")
	}
}

func TestPTYInput_RoundTrip(t *testing.T) {
	payload := []byte("ls -la\n")
	raw := EncodePTYInput(payload)

	frame, err := DecodeBinary(raw)
	if err != nil {
		t.Fatalf("DecodeBinary: %v", err)
	}
	if frame.Kind != KindPTYInput {
		t.Fatalf("kind = %v, want KindPTYInput", frame.Kind)
	}
	if !bytes.Equal(frame.Payload, payload) {
		t.Fatalf("payload = %q, want %q", frame.Payload, payload)
	}
}

func TestPTYOutput_RoundTrip(t *testing.T) {
	payload := []byte("hello\r\n")
	raw := EncodePTYOutput(42, payload)

	frame, err := DecodeBinary(raw)
	if err != nil {
		t.Fatalf("DecodeBinary: %v", err)
	}
	if frame.Kind != KindPTYOutput {
		t.Fatalf("kind = %v, want KindPTYOutput", frame.Kind)
	}
	if frame.Seq != 42 {
		t.Fatalf("seq = %d, want 42", frame.Seq)
	}
	if !bytes.Equal(frame.Payload, payload) {
		t.Fatalf("payload = %q, want %q", frame.Payload, payload)
	}
}

func TestFileChunk_RoundTrip(t *testing.T) {
	payload := []byte{1, 2, 3, 4, 5}
	raw := EncodeFileChunk(7, payload)

	frame, err := DecodeBinary(raw)
	if err != nil {
		t.Fatalf("DecodeBinary: %v", err)
	}
	if frame.Kind != KindFileChunk {
		t.Fatalf("kind = %v, want KindFileChunk", frame.Kind)
	}
	if frame.ChunkID != 7 {
		t.Fatalf("chunkID = %d, want 7", frame.ChunkID)
	}
	if !bytes.Equal(frame.Payload, payload) {
		t.Fatalf("payload = %v, want %v", frame.Payload, payload)
	}
}

func TestDecodeBinary_Truncated(t *testing.T) {
	if _, err := DecodeBinary(nil); err == nil {
		t.Fatal("expected error decoding empty frame")
	}
	if _, err := DecodeBinary([]byte{byte(KindPTYOutput), 1, 2}); err == nil {
		t.Fatal("expected error decoding truncated pty output frame")
	}
	if _, err := DecodeBinary([]byte{byte(KindFileChunk), 1, 2}); err == nil {
		t.Fatal("expected error decoding truncated file chunk frame")
	}
}

func TestDecodeBinary_UnknownKind(t *testing.T) {
	if _, err := DecodeBinary([]byte{0xFF}); err == nil {
		t.Fatal("expected error for unknown binary frame kind")
	}
}
