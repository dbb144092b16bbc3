package syncengine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/postalsys/clipmesh-agent/internal/clipboard"
	"github.com/postalsys/clipmesh-agent/internal/crypto"
	"github.com/postalsys/clipmesh-agent/internal/envelope"
	"github.com/postalsys/clipmesh-agent/internal/identity"
	"github.com/postalsys/clipmesh-agent/internal/logging"
	"github.com/postalsys/clipmesh-agent/internal/metrics"
)

func testMetrics(t *testing.T) *metrics.Metrics {
	t.Helper()
	return metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
}

func mustKeys(t *testing.T) (*crypto.IdentityKeypair, *crypto.ExchangeKeypair) {
	t.Helper()
	idKP, err := crypto.GenerateIdentityKeypair()
	if err != nil {
		t.Fatalf("GenerateIdentityKeypair() error = %v", err)
	}
	exKP, err := crypto.GenerateExchangeKeypair()
	if err != nil {
		t.Fatalf("GenerateExchangeKeypair() error = %v", err)
	}
	return idKP, exKP
}

type captureBroadcast struct {
	mu   sync.Mutex
	sent []*envelope.Envelope
}

func (c *captureBroadcast) fn(ctx context.Context, env *envelope.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, env)
	return nil
}

func (c *captureBroadcast) last() *envelope.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		return nil
	}
	return c.sent[len(c.sent)-1]
}

func newTestEngine(t *testing.T, node string, clip clipboard.Clipboard, bcast BroadcastFunc) (*Engine, *crypto.IdentityKeypair, *crypto.ExchangeKeypair) {
	t.Helper()
	idKP, exKP := mustKeys(t)
	nodeID, err := identity.Parse(node)
	if err != nil {
		t.Fatalf("identity.Parse() error = %v", err)
	}
	return New(clip, nodeID, idKP, exKP, bcast, logging.NopLogger(), testMetrics(t)), idKP, exKP
}

// bindPeer simulates a prior verified NodeDiscovery from peer so that
// ClipboardUpdate/Heartbeat tests can exercise the pinned-key path
// directly.
func bindPeer(t *testing.T, e *Engine, peerID string, peerIDKP *crypto.IdentityKeypair, peerExKP *crypto.ExchangeKeypair) {
	t.Helper()
	payload := &envelope.NodeDiscoveryPayload{
		SourceNode:       peerID,
		Timestamp:        1,
		PublicKey:        peerExKP.Public,
		SigningPublicKey: peerIDKP.VerifyingKey,
	}
	env := &envelope.Envelope{Version: envelope.Version, Type: envelope.NodeDiscovery, Payload: payload.Encode()}
	env.Sign(peerIDKP.SigningSecret)

	if err := e.Handle(env); err != nil {
		t.Fatalf("bindPeer: Handle(NodeDiscovery) error = %v", err)
	}
}

// Two-node first sync: A's outbound change arrives at B and applies.
func TestSync_TwoNodeFirstSync(t *testing.T) {
	bClip := clipboard.NewFake("")
	aBcast := &captureBroadcast{}
	aEngine, _, _ := newTestEngine(t, "A", clipboard.NewFake(""), aBcast.fn)

	bIDKP, bExKP := mustKeys(t)
	bNodeID, _ := identity.Parse("B")
	bEngine := New(bClip, bNodeID, bIDKP, bExKP, func(context.Context, *envelope.Envelope) error { return nil }, logging.NopLogger(), testMetrics(t))

	// Mutual discovery.
	bindPeer(t, bEngine, "A", aEngine.identity, aEngine.exchange)
	bindPeer(t, aEngine, "B", bIDKP, bExKP)

	aEngine.OnClipboardChange(context.Background(), "hello")

	sent := aBcast.last()
	if sent == nil {
		t.Fatal("A did not broadcast a ClipboardUpdate")
	}
	if err := bEngine.Handle(sent); err != nil {
		t.Fatalf("B.Handle() error = %v", err)
	}

	got, _ := bClip.Get()
	if got != "hello" {
		t.Errorf("B clipboard = %q, want %q", got, "hello")
	}
}

// A second NodeDiscovery with a different identity
// key is rejected and the pinned key is unchanged.
func TestSync_RebindRejected(t *testing.T) {
	engine, _, _ := newTestEngine(t, "A", clipboard.NewFake(""), func(context.Context, *envelope.Envelope) error { return nil })

	k1, ex1 := mustKeys(t)
	bindPeer(t, engine, "B", k1, ex1)
	pinned, _ := engine.registry.IdentityKeyOf("B")

	k2, ex2 := mustKeys(t)
	payload := &envelope.NodeDiscoveryPayload{SourceNode: "B", Timestamp: 2, PublicKey: ex2.Public, SigningPublicKey: k2.VerifyingKey}
	env := &envelope.Envelope{Version: envelope.Version, Type: envelope.NodeDiscovery, Payload: payload.Encode()}
	env.Sign(k2.SigningSecret)

	if err := engine.Handle(env); !errors.Is(err, crypto.ErrCrypto) {
		t.Fatalf("Handle() error = %v, want ErrCrypto", err)
	}

	stillPinned, _ := engine.registry.IdentityKeyOf("B")
	if stillPinned != pinned {
		t.Error("pinned identity key changed after rebind attempt")
	}
}

// A ClipboardUpdate from an unseen source_node
// returns ErrUnknownPeer and is not applied.
func TestSync_UnknownPeerNotApplied(t *testing.T) {
	clip := clipboard.NewFake("unchanged")
	engine, _, _ := newTestEngine(t, "A", clip, func(context.Context, *envelope.Envelope) error { return nil })

	strangerKP, _ := mustKeys(t)
	payload := &envelope.ClipboardUpdatePayload{Content: "intrusion", Timestamp: 1, SourceNode: "stranger", Sequence: 1}
	env := &envelope.Envelope{Version: envelope.Version, Type: envelope.ClipboardUpdate, Payload: payload.Encode()}
	env.Sign(strangerKP.SigningSecret)

	if err := engine.Handle(env); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("Handle() error = %v, want ErrUnknownPeer", err)
	}

	got, _ := clip.Get()
	if got != "unchanged" {
		t.Errorf("clipboard mutated despite unknown peer: %q", got)
	}
}

// Eviction drops the peer's session and a
// subsequent update returns ErrUnknownPeer.
func TestSync_StaleEviction(t *testing.T) {
	engine, _, _ := newTestEngine(t, "A", clipboard.NewFake(""), func(context.Context, *envelope.Envelope) error { return nil })

	peerKP, peerExKP := mustKeys(t)
	bindPeer(t, engine, "B", peerKP, peerExKP)

	ctx, cancel := context.WithCancel(context.Background())
	go engine.RunEviction(ctx, 10*time.Millisecond, 20*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	cancel()

	if _, ok := engine.registry.IdentityKeyOf("B"); ok {
		t.Fatal("peer B was not evicted")
	}

	payload := &envelope.ClipboardUpdatePayload{Content: "late", Timestamp: 1, SourceNode: "B", Sequence: 1}
	env := &envelope.Envelope{Version: envelope.Version, Type: envelope.ClipboardUpdate, Payload: payload.Encode()}
	env.Sign(peerKP.SigningSecret)

	if err := engine.Handle(env); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("Handle() after eviction error = %v, want ErrUnknownPeer", err)
	}
}

// A node's own broadcast, looped back to itself, verifies but
// is dropped without mutating the last-applied hash or the clipboard.
func TestSync_OwnEchoSuppressed(t *testing.T) {
	clip := clipboard.NewFake("")
	engine, idKP, _ := newTestEngine(t, "A", clip, func(context.Context, *envelope.Envelope) error { return nil })

	payload := &envelope.ClipboardUpdatePayload{Content: "y", Timestamp: 1, SourceNode: "A", Sequence: 1}
	env := &envelope.Envelope{Version: envelope.Version, Type: envelope.ClipboardUpdate, Payload: payload.Encode()}
	env.Sign(idKP.SigningSecret)

	if err := engine.Handle(env); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	got, _ := clip.Get()
	if got != "" {
		t.Errorf("clipboard mutated by own echo: %q", got)
	}
	engine.lastAppliedMu.Lock()
	has := engine.hasLastApplied
	engine.lastAppliedMu.Unlock()
	if has {
		t.Error("last-applied hash was set by own echo")
	}
}

func TestSync_ContentHashDedup(t *testing.T) {
	clip := &countingClipboard{Fake: clipboard.NewFake("")}
	engine, _, _ := newTestEngine(t, "A", clip, func(context.Context, *envelope.Envelope) error { return nil })

	peerKP, peerExKP := mustKeys(t)
	bindPeer(t, engine, "B", peerKP, peerExKP)

	payload := &envelope.ClipboardUpdatePayload{Content: "dup", Timestamp: 1, SourceNode: "B", Sequence: 1}
	env := &envelope.Envelope{Version: envelope.Version, Type: envelope.ClipboardUpdate, Payload: payload.Encode()}
	env.Sign(peerKP.SigningSecret)

	if err := engine.Handle(env); err != nil {
		t.Fatalf("first Handle() error = %v", err)
	}
	if err := engine.Handle(env); err != nil {
		t.Fatalf("second Handle() error = %v", err)
	}

	if clip.sets != 1 {
		t.Errorf("clipboard.Set called %d times, want 1", clip.sets)
	}
	if got := testutil.ToFloat64(engine.metrics.ClipboardApplies); got != 1 {
		t.Errorf("ClipboardApplies = %v, want 1", got)
	}
	if got := testutil.ToFloat64(engine.metrics.ClipboardDrops.WithLabelValues("duplicate_hash")); got != 1 {
		t.Errorf("ClipboardDrops{duplicate_hash} = %v, want 1", got)
	}
}

func TestSync_MetricsSignAndVerify(t *testing.T) {
	aBcast := &captureBroadcast{}
	aEngine, _, _ := newTestEngine(t, "A", clipboard.NewFake(""), aBcast.fn)

	peerKP, peerExKP := mustKeys(t)
	bindPeer(t, aEngine, "B", peerKP, peerExKP)
	if got := testutil.ToFloat64(aEngine.metrics.EnvelopesVerified.WithLabelValues("NodeDiscovery")); got != 1 {
		t.Errorf("EnvelopesVerified{NodeDiscovery} = %v, want 1", got)
	}

	aEngine.OnClipboardChange(context.Background(), "hello")
	if got := testutil.ToFloat64(aEngine.metrics.EnvelopesSigned); got != 1 {
		t.Errorf("EnvelopesSigned = %v, want 1", got)
	}

	payload := &envelope.ClipboardUpdatePayload{Content: "late", Timestamp: 1, SourceNode: "stranger", Sequence: 1}
	env := &envelope.Envelope{Version: envelope.Version, Type: envelope.ClipboardUpdate, Payload: payload.Encode()}
	env.Sign(peerKP.SigningSecret)
	if err := aEngine.Handle(env); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("Handle() error = %v, want ErrUnknownPeer", err)
	}
	if got := testutil.ToFloat64(aEngine.metrics.EnvelopesRejected.WithLabelValues("unknown_peer")); got != 1 {
		t.Errorf("EnvelopesRejected{unknown_peer} = %v, want 1", got)
	}
}

type countingClipboard struct {
	*clipboard.Fake
	sets int
}

func (c *countingClipboard) Set(content string) error {
	c.sets++
	return c.Fake.Set(content)
}

func TestMakeDiscovery_SignsWithOwnKeys(t *testing.T) {
	engine, idKP, exKP := newTestEngine(t, "A", clipboard.NewFake(""), func(context.Context, *envelope.Envelope) error { return nil })

	env := engine.MakeDiscovery()
	if !env.Verify(idKP.VerifyingKey) {
		t.Error("MakeDiscovery() envelope does not verify against own identity key")
	}

	payload, err := envelope.DecodeNodeDiscovery(env.Payload)
	if err != nil {
		t.Fatalf("DecodeNodeDiscovery() error = %v", err)
	}
	if payload.PublicKey != exKP.Public || payload.SigningPublicKey != idKP.VerifyingKey {
		t.Error("MakeDiscovery() payload does not carry this engine's own keys")
	}
}

// A correctly signed NodeDiscovery whose exchange public key is all zeros
// is a weak-key forgery: rejected, and the peer is never bound.
func TestSync_RejectsZeroExchangeKeyDiscovery(t *testing.T) {
	engine, _, _ := newTestEngine(t, "A", clipboard.NewFake(""), func(context.Context, *envelope.Envelope) error { return nil })

	peerKP, _ := mustKeys(t)
	payload := &envelope.NodeDiscoveryPayload{
		SourceNode:       "B",
		Timestamp:        1,
		SigningPublicKey: peerKP.VerifyingKey,
		// PublicKey left as the zero value.
	}
	env := &envelope.Envelope{Version: envelope.Version, Type: envelope.NodeDiscovery, Payload: payload.Encode()}
	env.Sign(peerKP.SigningSecret)

	if err := engine.Handle(env); !errors.Is(err, crypto.ErrCrypto) {
		t.Fatalf("Handle() error = %v, want ErrCrypto", err)
	}
	if _, ok := engine.registry.IdentityKeyOf("B"); ok {
		t.Error("peer bound despite zero exchange key")
	}
}

// A NodeDiscovery signed by a key other than the one it carries in its own
// payload must not bind the peer.
func TestSync_RejectsForgedDiscoverySignature(t *testing.T) {
	engine, _, _ := newTestEngine(t, "A", clipboard.NewFake(""), func(context.Context, *envelope.Envelope) error { return nil })

	claimedKP, claimedExKP := mustKeys(t)
	forgerKP, _ := mustKeys(t)

	payload := &envelope.NodeDiscoveryPayload{
		SourceNode:       "B",
		Timestamp:        1,
		PublicKey:        claimedExKP.Public,
		SigningPublicKey: claimedKP.VerifyingKey,
	}
	env := &envelope.Envelope{Version: envelope.Version, Type: envelope.NodeDiscovery, Payload: payload.Encode()}
	env.Sign(forgerKP.SigningSecret)

	if err := engine.Handle(env); !errors.Is(err, envelope.ErrBadSignature) {
		t.Fatalf("Handle() error = %v, want ErrBadSignature", err)
	}
	if _, ok := engine.registry.IdentityKeyOf("B"); ok {
		t.Error("peer bound despite forged discovery signature")
	}
}
