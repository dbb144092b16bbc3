// Package transport implements the newline-delimited TCP wire transport
// used to exchange signed envelopes between mesh peers. Peer reachability
// is proxied entirely to the overlay backend; this package only owns the
// bytes-on-the-wire concern.
package transport

import (
	"context"
	"errors"

	"github.com/postalsys/clipmesh-agent/internal/envelope"
)

// ErrNetworkError is returned by Send when every attempted peer failed
// and at least one attempt was made. Zero known peers is a no-op, not an
// error.
var ErrNetworkError = errors.New("transport: failed to reach any peer")

// Transport is the minimal send/receive contract the sync engine needs.
// It deliberately says nothing about framing, encryption, or discovery;
// those are layered above it.
type Transport interface {
	// Send serializes env and delivers it to every currently reachable
	// peer known to the overlay backend. Partial failure across peers is
	// not an error.
	Send(ctx context.Context, env *envelope.Envelope) error

	// Listen accepts inbound connections until ctx is cancelled,
	// decoding one envelope per line and delivering it to inbound.
	// Malformed frames are logged and skipped without closing the
	// connection.
	Listen(ctx context.Context, inbound chan<- *envelope.Envelope) error

	// NodeID returns this host's overlay node identifier.
	NodeID() (string, error)

	// Peers returns the overlay IPs of currently known peers.
	Peers() ([]string, error)

	// IsConnected reports whether the overlay backend currently considers
	// this node connected to the mesh.
	IsConnected() bool
}
