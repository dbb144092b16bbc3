// Package registry tracks known mesh peers: their pinned identity key,
// exchange public key, per-peer AEAD session, and liveness. Binding is
// trust-on-first-use: once a peer's identity key is pinned it cannot be
// changed for the life of the process, only evicted.
package registry

import (
	"sync"
	"time"

	"github.com/postalsys/clipmesh-agent/internal/crypto"
	"github.com/postalsys/clipmesh-agent/internal/metrics"
)

// BindResult reports the outcome of UpsertOnDiscovery.
type BindResult int

const (
	// Inserted means this source_node had never been seen before and is
	// now pinned to the given identity key.
	Inserted BindResult = iota
	// AlreadyKnown means source_node was already pinned to this exact
	// identity key; the entry's liveness was refreshed.
	AlreadyKnown
	// IdentityChanged means source_node is pinned to a different identity
	// key than the one just presented. The existing binding is left
	// untouched; the caller must treat this as a hard rejection.
	IdentityChanged
)

// Peer is one entry in the registry: a bound mesh node along with its
// exchange public key, crypto session, and last-seen time.
type Peer struct {
	SourceNode  string
	IdentityKey [crypto.VerifyingKeySize]byte
	ExchangeKey [crypto.KeySize]byte
	Session     *crypto.Session
	LastSeen    time.Time
}

// Registry is a thread-safe peer table.
type Registry struct {
	mu      sync.Mutex
	peers   map[string]*Peer
	now     func() time.Time
	metrics *metrics.Metrics
}

// New builds an empty registry with no metrics collection.
func New() *Registry {
	return NewWithMetrics(nil)
}

// NewWithMetrics builds an empty registry that reports peer-count,
// bind, rebind-reject, and eviction metrics to m. m may be nil.
func NewWithMetrics(m *metrics.Metrics) *Registry {
	return &Registry{
		peers:   make(map[string]*Peer),
		now:     time.Now,
		metrics: m,
	}
}

// UpsertOnDiscovery binds or refreshes a peer in response to a verified
// NodeDiscovery. session may be nil if the caller does not yet have (or
// does not need) a derived AEAD session for this peer; Insert always
// records the binding.
func (r *Registry) UpsertOnDiscovery(sourceNode string, exchangeKey [crypto.KeySize]byte, identityKey [crypto.VerifyingKeySize]byte, session *crypto.Session) BindResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.peers[sourceNode]
	if !ok {
		r.peers[sourceNode] = &Peer{
			SourceNode:  sourceNode,
			IdentityKey: identityKey,
			ExchangeKey: exchangeKey,
			Session:     session,
			LastSeen:    r.now(),
		}
		if r.metrics != nil {
			r.metrics.PeersBound.Inc()
			r.metrics.PeersKnown.Set(float64(len(r.peers)))
		}
		return Inserted
	}

	if existing.IdentityKey != identityKey {
		if r.metrics != nil {
			r.metrics.RebindRejected.Inc()
		}
		return IdentityChanged
	}

	existing.ExchangeKey = exchangeKey
	existing.LastSeen = r.now()
	if session != nil {
		existing.Session = session
	}
	return AlreadyKnown
}

// Touch refreshes a known peer's liveness timestamp, e.g. on receipt of a
// Heartbeat. Returns false if the peer is not known.
func (r *Registry) Touch(sourceNode string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[sourceNode]
	if !ok {
		return false
	}
	p.LastSeen = r.now()
	return true
}

// IdentityKeyOf returns the pinned identity key for a known peer.
func (r *Registry) IdentityKeyOf(sourceNode string) (key [crypto.VerifyingKeySize]byte, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, found := r.peers[sourceNode]
	if !found {
		return key, false
	}
	return p.IdentityKey, true
}

// Session returns the crypto session for a known peer, if any.
func (r *Registry) Session(sourceNode string) (*crypto.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, found := r.peers[sourceNode]
	if !found || p.Session == nil {
		return nil, false
	}
	return p.Session, true
}

// EvictStale removes every peer whose LastSeen is older than threshold
// and returns the source_node names evicted. Each evicted peer's crypto
// session is zeroed before it is dropped.
func (r *Registry) EvictStale(threshold time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var evicted []string
	for name, p := range r.peers {
		if now.Sub(p.LastSeen) > threshold {
			if p.Session != nil {
				p.Session.Zero()
			}
			delete(r.peers, name)
			evicted = append(evicted, name)
		}
	}
	if r.metrics != nil && len(evicted) > 0 {
		r.metrics.PeersEvicted.Add(float64(len(evicted)))
		r.metrics.PeersKnown.Set(float64(len(r.peers)))
	}
	return evicted
}

// Snapshot returns a shallow copy of every known peer, for status
// reporting.
func (r *Registry) Snapshot() []Peer {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, *p)
	}
	return out
}

// Len returns the number of known peers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}
