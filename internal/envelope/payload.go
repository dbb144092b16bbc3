package envelope

import (
	"encoding/binary"
	"fmt"
)

// ClipboardUpdatePayload carries a clipboard content change from its
// originating node.
type ClipboardUpdatePayload struct {
	Content    string
	Timestamp  uint64
	SourceNode string
	Sequence   uint64
}

// Encode serializes the payload canonically:
// timestamp(8) || sequence(8) || len(source_node)(4) || source_node || content.
// Content is last and unlength-prefixed since it is the remainder of the
// payload; its length is implied by the envelope's own length prefix.
func (p *ClipboardUpdatePayload) Encode() []byte {
	src := []byte(p.SourceNode)
	buf := make([]byte, 8+8+4+len(src)+len(p.Content))

	binary.BigEndian.PutUint64(buf[0:8], p.Timestamp)
	binary.BigEndian.PutUint64(buf[8:16], p.Sequence)
	binary.BigEndian.PutUint32(buf[16:20], uint32(len(src)))
	n := copy(buf[20:], src)
	copy(buf[20+n:], p.Content)

	return buf
}

// DecodeClipboardUpdate parses a ClipboardUpdatePayload from its canonical
// encoding.
func DecodeClipboardUpdate(buf []byte) (*ClipboardUpdatePayload, error) {
	if len(buf) < 20 {
		return nil, fmt.Errorf("%w: clipboard update payload too short", ErrMalformed)
	}

	p := &ClipboardUpdatePayload{
		Timestamp: binary.BigEndian.Uint64(buf[0:8]),
		Sequence:  binary.BigEndian.Uint64(buf[8:16]),
	}

	srcLen := binary.BigEndian.Uint32(buf[16:20])
	if srcLen > uint32(len(buf)-20) {
		return nil, fmt.Errorf("%w: clipboard update source_node length overruns payload", ErrMalformed)
	}

	p.SourceNode = string(buf[20 : 20+srcLen])
	p.Content = string(buf[20+srcLen:])
	return p, nil
}

// HeartbeatPayload is a liveness announcement from its originating node.
type HeartbeatPayload struct {
	SourceNode string
	Timestamp  uint64
}

// Encode serializes the payload canonically: timestamp(8) || source_node.
func (p *HeartbeatPayload) Encode() []byte {
	buf := make([]byte, 8+len(p.SourceNode))
	binary.BigEndian.PutUint64(buf[0:8], p.Timestamp)
	copy(buf[8:], p.SourceNode)
	return buf
}

// DecodeHeartbeat parses a HeartbeatPayload from its canonical encoding.
func DecodeHeartbeat(buf []byte) (*HeartbeatPayload, error) {
	if len(buf) < 8 {
		return nil, fmt.Errorf("%w: heartbeat payload too short", ErrMalformed)
	}
	return &HeartbeatPayload{
		Timestamp:  binary.BigEndian.Uint64(buf[0:8]),
		SourceNode: string(buf[8:]),
	}, nil
}

// NodeDiscoveryPayload announces a node's exchange and identity public
// keys, the bootstrap point for TOFU peer binding.
type NodeDiscoveryPayload struct {
	SourceNode       string
	Timestamp        uint64
	PublicKey        [32]byte // X25519 exchange public key
	SigningPublicKey [32]byte // Ed25519 verifying key
}

// Encode serializes the payload canonically:
// timestamp(8) || public_key(32) || signing_public_key(32) || source_node.
func (p *NodeDiscoveryPayload) Encode() []byte {
	buf := make([]byte, 8+32+32+len(p.SourceNode))
	binary.BigEndian.PutUint64(buf[0:8], p.Timestamp)
	copy(buf[8:40], p.PublicKey[:])
	copy(buf[40:72], p.SigningPublicKey[:])
	copy(buf[72:], p.SourceNode)
	return buf
}

// DecodeNodeDiscovery parses a NodeDiscoveryPayload from its canonical
// encoding. A payload whose key fields are not exactly 32 bytes each (i.e.
// shorter than the fixed header) is rejected.
func DecodeNodeDiscovery(buf []byte) (*NodeDiscoveryPayload, error) {
	if len(buf) < 8+32+32 {
		return nil, fmt.Errorf("%w: node discovery payload too short", ErrMalformed)
	}

	p := &NodeDiscoveryPayload{
		Timestamp: binary.BigEndian.Uint64(buf[0:8]),
	}
	copy(p.PublicKey[:], buf[8:40])
	copy(p.SigningPublicKey[:], buf[40:72])
	p.SourceNode = string(buf[72:])
	return p, nil
}
