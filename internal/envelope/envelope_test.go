package envelope

import (
	"bytes"
	"errors"
	"testing"

	"github.com/postalsys/clipmesh-agent/internal/crypto"
)

func mustIdentity(t *testing.T) *crypto.IdentityKeypair {
	t.Helper()
	kp, err := crypto.GenerateIdentityKeypair()
	if err != nil {
		t.Fatalf("GenerateIdentityKeypair() error = %v", err)
	}
	return kp
}

func TestEnvelope_EncodeDecodeRoundTrip(t *testing.T) {
	kp := mustIdentity(t)

	payload := &ClipboardUpdatePayload{
		Content:    "hello, mesh",
		Timestamp:  1700000000,
		SourceNode: "node-a",
		Sequence:   7,
	}

	e := &Envelope{Version: Version, Type: ClipboardUpdate, Payload: payload.Encode()}
	e.Sign(kp.SigningSecret)

	wire := e.Encode()
	got, err := Decode(wire)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}

	if got.Version != Version || got.Type != ClipboardUpdate {
		t.Errorf("Decode() version/type = %d/%d", got.Version, got.Type)
	}
	if !got.Verify(kp.VerifyingKey) {
		t.Error("Verify() = false for a correctly signed envelope")
	}

	decoded, err := DecodeClipboardUpdate(got.Payload)
	if err != nil {
		t.Fatalf("DecodeClipboardUpdate() error = %v", err)
	}
	if *decoded != *payload {
		t.Errorf("decoded payload = %+v, want %+v", decoded, payload)
	}
}

func TestEnvelope_RejectsUnsupportedVersion(t *testing.T) {
	e := &Envelope{Version: 2, Type: Heartbeat, Payload: []byte{}}
	wire := e.Encode()

	if _, err := Decode(wire); !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("Decode() error = %v, want ErrUnsupportedVersion", err)
	}
}

func TestEnvelope_RejectsUnknownMessageType(t *testing.T) {
	e := &Envelope{Version: Version, Type: MessageType(99), Payload: []byte{}}
	wire := e.Encode()

	if _, err := Decode(wire); !errors.Is(err, ErrUnknownMessageType) {
		t.Fatalf("Decode() error = %v, want ErrUnknownMessageType", err)
	}
}

func TestEnvelope_RejectsTruncatedPayload(t *testing.T) {
	e := &Envelope{Version: Version, Type: Heartbeat, Payload: []byte("abcdef")}
	wire := e.Encode()

	if _, err := Decode(wire[:len(wire)-2]); !errors.Is(err, ErrMalformed) {
		t.Fatalf("Decode() error = %v, want ErrMalformed", err)
	}
}

func TestEnvelope_VerifyRejectsTamperedPayload(t *testing.T) {
	kp := mustIdentity(t)

	payload := &HeartbeatPayload{SourceNode: "node-a", Timestamp: 1}
	e := &Envelope{Version: Version, Type: Heartbeat, Payload: payload.Encode()}
	e.Sign(kp.SigningSecret)

	e.Payload[0] ^= 0xFF
	if e.Verify(kp.VerifyingKey) {
		t.Error("Verify() = true for a tampered payload")
	}
}

func TestClipboardUpdatePayload_RoundTrip(t *testing.T) {
	p := &ClipboardUpdatePayload{Content: "", Timestamp: 0, SourceNode: "n", Sequence: 0}
	got, err := DecodeClipboardUpdate(p.Encode())
	if err != nil {
		t.Fatalf("DecodeClipboardUpdate() error = %v", err)
	}
	if *got != *p {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, p)
	}

	// Content containing embedded newlines must survive unscathed; the
	// transport layer is responsible for safe framing, not this codec.
	p2 := &ClipboardUpdatePayload{Content: "line one\nline two\n", Timestamp: 5, SourceNode: "node-b", Sequence: 3}
	got2, err := DecodeClipboardUpdate(p2.Encode())
	if err != nil {
		t.Fatalf("DecodeClipboardUpdate() error = %v", err)
	}
	if *got2 != *p2 {
		t.Errorf("round trip with embedded newline mismatch: got %+v, want %+v", got2, p2)
	}
}

func TestHeartbeatPayload_RoundTrip(t *testing.T) {
	p := &HeartbeatPayload{SourceNode: "node-a", Timestamp: 42}
	got, err := DecodeHeartbeat(p.Encode())
	if err != nil {
		t.Fatalf("DecodeHeartbeat() error = %v", err)
	}
	if *got != *p {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, p)
	}
}

func TestNodeDiscoveryPayload_RoundTrip(t *testing.T) {
	p := &NodeDiscoveryPayload{SourceNode: "node-a", Timestamp: 99}
	copy(p.PublicKey[:], bytes.Repeat([]byte{0x01}, 32))
	copy(p.SigningPublicKey[:], bytes.Repeat([]byte{0x02}, 32))

	got, err := DecodeNodeDiscovery(p.Encode())
	if err != nil {
		t.Fatalf("DecodeNodeDiscovery() error = %v", err)
	}
	if *got != *p {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, p)
	}
}

func TestDecodeNodeDiscovery_RejectsShortPayload(t *testing.T) {
	if _, err := DecodeNodeDiscovery(make([]byte, 10)); !errors.Is(err, ErrMalformed) {
		t.Fatalf("DecodeNodeDiscovery() error = %v, want ErrMalformed", err)
	}
}
