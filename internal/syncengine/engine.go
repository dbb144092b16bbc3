// Package syncengine implements the per-connection clipboard sync state
// machine: own-clipboard broadcast, inbound verification and dispatch,
// and peer lifecycle eviction. An Engine is constructed fresh every time
// the connectivity supervisor observes the mesh come online, and torn
// down when it goes offline.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/clipmesh-agent/internal/clipboard"
	"github.com/postalsys/clipmesh-agent/internal/crypto"
	"github.com/postalsys/clipmesh-agent/internal/envelope"
	"github.com/postalsys/clipmesh-agent/internal/identity"
	"github.com/postalsys/clipmesh-agent/internal/metrics"
	"github.com/postalsys/clipmesh-agent/internal/recovery"
	"github.com/postalsys/clipmesh-agent/internal/registry"
)

// ErrUnknownPeer is returned by Handle for a ClipboardUpdate or Heartbeat
// whose source_node has no pinned identity key yet. It is distinguished
// from ErrCrypto so the connectivity supervisor can react by rebroadcasting
// this node's own NodeDiscovery.
var ErrUnknownPeer = errors.New("syncengine: unknown peer")

// BroadcastFunc delivers a signed, outbound envelope to the transport.
type BroadcastFunc func(ctx context.Context, env *envelope.Envelope) error

// Engine holds all per-connection-cycle sync state: identity, crypto
// material, the peer registry, and clipboard dedup state. It has no
// persistence; a fresh Engine is built on every reconnect.
type Engine struct {
	clipboard clipboard.Clipboard
	nodeID    identity.NodeID
	identity  *crypto.IdentityKeypair
	exchange  *crypto.ExchangeKeypair
	broadcast BroadcastFunc
	logger    *slog.Logger
	metrics   *metrics.Metrics

	registry *registry.Registry

	sequence        atomic.Uint64
	lastAppliedMu   sync.Mutex
	lastAppliedHash uint64
	hasLastApplied  bool
}

// New constructs a sync engine for one connectivity cycle. m may be nil,
// in which case the engine collects no metrics.
func New(clip clipboard.Clipboard, nodeID identity.NodeID, idKP *crypto.IdentityKeypair, exKP *crypto.ExchangeKeypair, broadcast BroadcastFunc, logger *slog.Logger, m *metrics.Metrics) *Engine {
	return &Engine{
		clipboard: clip,
		nodeID:    nodeID,
		identity:  idKP,
		exchange:  exKP,
		broadcast: broadcast,
		logger:    logger,
		metrics:   m,
		registry:  registry.NewWithMetrics(m),
	}
}

// Registry exposes the engine's peer registry for status reporting and
// the lifecycle eviction loop.
func (e *Engine) Registry() *registry.Registry {
	return e.registry
}

// OnClipboardChange is the clipboard watcher's callback: it implements
// the outbound path described for own-clipboard changes.
func (e *Engine) OnClipboardChange(ctx context.Context, content string) {
	defer recovery.RecoverWithLog(e.logger, "syncengine.Engine.OnClipboardChange")

	h := contentHash(content)
	if e.isOwnEcho(h) {
		return
	}

	seq := e.sequence.Add(1)

	payload := &envelope.ClipboardUpdatePayload{
		Content:    content,
		Timestamp:  uint64(time.Now().Unix()),
		SourceNode: e.nodeID.String(),
		Sequence:   seq,
	}

	env := &envelope.Envelope{
		Version: envelope.Version,
		Type:    envelope.ClipboardUpdate,
		Payload: payload.Encode(),
	}
	env.Sign(e.identity.SigningSecret)
	e.countSigned()

	if err := e.broadcast(ctx, env); err != nil {
		e.logger.Error("broadcast failed", "error", err)
	}
}

// isOwnEcho reports whether h equals the last-applied content hash,
// suppressing rebroadcast of content this engine itself just applied
// from an inbound update.
func (e *Engine) isOwnEcho(h uint64) bool {
	e.lastAppliedMu.Lock()
	defer e.lastAppliedMu.Unlock()
	return e.hasLastApplied && h == e.lastAppliedHash
}

// MakeDiscovery builds and signs this engine's NodeDiscovery envelope.
func (e *Engine) MakeDiscovery() *envelope.Envelope {
	payload := &envelope.NodeDiscoveryPayload{
		SourceNode:       e.nodeID.String(),
		Timestamp:        uint64(time.Now().Unix()),
		PublicKey:        e.exchange.Public,
		SigningPublicKey: e.identity.VerifyingKey,
	}

	env := &envelope.Envelope{
		Version: envelope.Version,
		Type:    envelope.NodeDiscovery,
		Payload: payload.Encode(),
	}
	env.Sign(e.identity.SigningSecret)
	e.countSigned()
	return env
}

func (e *Engine) countSigned() {
	if e.metrics != nil {
		e.metrics.EnvelopesSigned.Inc()
	}
}

func (e *Engine) countVerified(messageType string) {
	if e.metrics != nil {
		e.metrics.EnvelopesVerified.WithLabelValues(messageType).Inc()
	}
}

func (e *Engine) countRejected(reason string) {
	if e.metrics != nil {
		e.metrics.EnvelopesRejected.WithLabelValues(reason).Inc()
	}
}

func (e *Engine) countClipboardApplied() {
	if e.metrics != nil {
		e.metrics.ClipboardApplies.Inc()
	}
}

func (e *Engine) countClipboardDropped(reason string) {
	if e.metrics != nil {
		e.metrics.ClipboardDrops.WithLabelValues(reason).Inc()
	}
}

func (e *Engine) countClipboardSetError() {
	if e.metrics != nil {
		e.metrics.ClipboardSetErrors.Inc()
	}
}

// Close zeroes this engine's secret key material. Crypto sessions held by
// the registry are zeroed independently on eviction.
func (e *Engine) Close() {
	e.identity.Zero()
	e.exchange.Zero()
}

func wrapCrypto(msg string) error {
	return fmt.Errorf("%w: %s", crypto.ErrCrypto, msg)
}
