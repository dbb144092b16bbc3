// Package envelope implements the signed wire message that carries every
// clipboard sync communication between peers: a versioned, tagged-union
// payload plus a detached Ed25519 signature over its canonical encoding.
package envelope

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/postalsys/clipmesh-agent/internal/crypto"
)

// Version is the only envelope wire version this build understands.
const Version uint8 = 1

// MessageType identifies which payload an Envelope carries.
type MessageType uint8

const (
	ClipboardUpdate MessageType = 1
	Heartbeat       MessageType = 2
	NodeDiscovery   MessageType = 3
)

func (t MessageType) String() string {
	switch t {
	case ClipboardUpdate:
		return "ClipboardUpdate"
	case Heartbeat:
		return "Heartbeat"
	case NodeDiscovery:
		return "NodeDiscovery"
	default:
		return "Unknown"
	}
}

var (
	// ErrUnsupportedVersion is returned for any envelope whose version
	// byte is not Version. Forward-compatibility is handled by rejection,
	// not best-effort parsing.
	ErrUnsupportedVersion = errors.New("envelope: unsupported version")

	// ErrUnknownMessageType is returned for a message_type byte that does
	// not match one of the defined MessageType values.
	ErrUnknownMessageType = errors.New("envelope: unknown message type")

	// ErrMalformed is returned for any envelope or payload that fails to
	// parse as a well-formed canonical encoding.
	ErrMalformed = errors.New("envelope: malformed")

	// ErrBadSignature is returned when a signature fails to verify
	// against the expected key.
	ErrBadSignature = errors.New("envelope: signature verification failed")
)

// Envelope is the signed wire message. Payload holds the canonical
// encoding of one of ClipboardUpdatePayload, HeartbeatPayload, or
// NodeDiscoveryPayload, selected by Type.
type Envelope struct {
	Version   uint8
	Type      MessageType
	Payload   []byte
	Signature [crypto.SignatureSize]byte
}

// canonicalBytes returns the byte sequence that is signed and transmitted:
// version(1) || type(1) || len(payload)(4, big-endian) || payload || signature(64).
// When forSigning is true, the signature field is written as all zeros.
func (e *Envelope) canonicalBytes(forSigning bool) []byte {
	buf := make([]byte, 1+1+4+len(e.Payload)+crypto.SignatureSize)
	buf[0] = e.Version
	buf[1] = byte(e.Type)
	binary.BigEndian.PutUint32(buf[2:6], uint32(len(e.Payload)))
	copy(buf[6:6+len(e.Payload)], e.Payload)

	if !forSigning {
		copy(buf[6+len(e.Payload):], e.Signature[:])
	}
	return buf
}

// SigningBytes returns the canonical encoding with the signature field
// zeroed, the exact bytes that must be signed and verified.
func (e *Envelope) SigningBytes() []byte {
	return e.canonicalBytes(true)
}

// Encode returns the full canonical wire encoding, signature included.
func (e *Envelope) Encode() []byte {
	return e.canonicalBytes(false)
}

// Decode parses a canonical envelope encoding produced by Encode.
func Decode(buf []byte) (*Envelope, error) {
	const minLen = 1 + 1 + 4 + crypto.SignatureSize
	if len(buf) < minLen {
		return nil, fmt.Errorf("%w: too short", ErrMalformed)
	}

	e := &Envelope{
		Version: buf[0],
		Type:    MessageType(buf[1]),
	}
	if e.Version != Version {
		return nil, fmt.Errorf("%w: got %d", ErrUnsupportedVersion, e.Version)
	}
	switch e.Type {
	case ClipboardUpdate, Heartbeat, NodeDiscovery:
	default:
		return nil, fmt.Errorf("%w: got %d", ErrUnknownMessageType, e.Type)
	}

	payloadLen := binary.BigEndian.Uint32(buf[2:6])
	if uint32(len(buf)-minLen) != payloadLen {
		return nil, fmt.Errorf("%w: payload length mismatch", ErrMalformed)
	}

	e.Payload = make([]byte, payloadLen)
	copy(e.Payload, buf[6:6+payloadLen])
	copy(e.Signature[:], buf[6+payloadLen:])

	return e, nil
}

// Sign computes and sets the envelope's signature using the given identity
// signing secret.
func (e *Envelope) Sign(secret [crypto.SigningSecretSize]byte) {
	e.Signature = crypto.Sign(secret, e.SigningBytes())
}

// Verify checks the envelope's signature against the given verifying key.
func (e *Envelope) Verify(verifyingKey [crypto.VerifyingKeySize]byte) bool {
	return crypto.Verify(verifyingKey, e.SigningBytes(), e.Signature)
}
