package syncengine

import (
	"fmt"

	"github.com/postalsys/clipmesh-agent/internal/crypto"
	"github.com/postalsys/clipmesh-agent/internal/envelope"
	"github.com/postalsys/clipmesh-agent/internal/registry"
)

// Handle verifies and dispatches one inbound envelope. It implements the
// full inbound path: per-type verification, own-echo suppression, and
// dispatch to the clipboard or registry.
func (e *Engine) Handle(env *envelope.Envelope) error {
	switch env.Type {
	case envelope.NodeDiscovery:
		return e.handleNodeDiscovery(env)
	case envelope.ClipboardUpdate:
		return e.handlePinned(env, e.handleClipboardUpdate)
	case envelope.Heartbeat:
		return e.handlePinned(env, e.handleHeartbeat)
	default:
		return fmt.Errorf("%w: unhandled message type %d", envelope.ErrUnknownMessageType, env.Type)
	}
}

func (e *Engine) handleNodeDiscovery(env *envelope.Envelope) error {
	payload, err := envelope.DecodeNodeDiscovery(env.Payload)
	if err != nil {
		return err
	}

	// NodeDiscovery is the only bootstrap point: there is no prior
	// binding to verify against, so it is checked against the key it
	// carries in its own payload.
	if !env.Verify(payload.SigningPublicKey) {
		e.countRejected("bad_signature")
		return envelope.ErrBadSignature
	}
	e.countVerified(envelope.NodeDiscovery.String())

	var zero [32]byte
	if payload.PublicKey == zero {
		e.countRejected("zero_exchange_key")
		return wrapCrypto("node discovery exchange public key is zero")
	}

	if payload.SourceNode == e.nodeID.String() {
		return nil
	}

	shared, err := crypto.DeriveShared(e.exchange.Secret, payload.PublicKey)
	if err != nil {
		e.countRejected("derive_shared_failed")
		return err
	}

	result := e.registry.UpsertOnDiscovery(payload.SourceNode, payload.PublicKey, payload.SigningPublicKey, crypto.NewSession(shared))
	switch result {
	case registry.IdentityChanged:
		e.countRejected("identity_changed")
		return wrapCrypto(fmt.Sprintf("rebind rejected for %s: identity key mismatch", payload.SourceNode))
	case registry.Inserted, registry.AlreadyKnown:
		e.registry.Touch(payload.SourceNode)
		return nil
	default:
		return nil
	}
}

// handlePinned verifies env against its source_node's identity key, then
// calls fn on the decoded source_node if verification succeeds and the
// message is not this engine's own echo.
//
// A message whose source_node is this engine's own node ID is verified
// against this engine's own verifying key rather than the registry: this
// engine never pins its own identity there, so own-echo suppression must
// not depend on a prior self-discovery the engine never performs.
func (e *Engine) handlePinned(env *envelope.Envelope, fn func(sourceNode string, env *envelope.Envelope) error) error {
	sourceNode, err := sourceNodeOf(env)
	if err != nil {
		return err
	}

	if sourceNode == e.nodeID.String() {
		if !env.Verify(e.identity.VerifyingKey) {
			e.countRejected("bad_signature")
			return envelope.ErrBadSignature
		}
		e.countVerified(env.Type.String())
		return nil
	}

	identityKey, ok := e.registry.IdentityKeyOf(sourceNode)
	if !ok {
		e.countRejected("unknown_peer")
		return fmt.Errorf("%w: %s", ErrUnknownPeer, sourceNode)
	}

	if !env.Verify(identityKey) {
		e.countRejected("bad_signature")
		return envelope.ErrBadSignature
	}
	e.countVerified(env.Type.String())

	return fn(sourceNode, env)
}

func (e *Engine) handleClipboardUpdate(sourceNode string, env *envelope.Envelope) error {
	payload, err := envelope.DecodeClipboardUpdate(env.Payload)
	if err != nil {
		return err
	}

	h := contentHash(payload.Content)

	e.lastAppliedMu.Lock()
	if e.hasLastApplied && h == e.lastAppliedHash {
		e.lastAppliedMu.Unlock()
		e.countClipboardDropped("duplicate_hash")
		return nil
	}
	e.lastAppliedMu.Unlock()

	if err := e.clipboard.Set(payload.Content); err != nil {
		e.countClipboardSetError()
		return fmt.Errorf("syncengine: apply clipboard update: %w", err)
	}

	e.lastAppliedMu.Lock()
	e.lastAppliedHash = h
	e.hasLastApplied = true
	e.lastAppliedMu.Unlock()

	e.countClipboardApplied()
	return nil
}

func (e *Engine) handleHeartbeat(sourceNode string, env *envelope.Envelope) error {
	e.registry.Touch(sourceNode)
	return nil
}

func sourceNodeOf(env *envelope.Envelope) (string, error) {
	switch env.Type {
	case envelope.ClipboardUpdate:
		p, err := envelope.DecodeClipboardUpdate(env.Payload)
		if err != nil {
			return "", err
		}
		return p.SourceNode, nil
	case envelope.Heartbeat:
		p, err := envelope.DecodeHeartbeat(env.Payload)
		if err != nil {
			return "", err
		}
		return p.SourceNode, nil
	default:
		return "", fmt.Errorf("%w: no source_node extraction for type %d", envelope.ErrUnknownMessageType, env.Type)
	}
}
