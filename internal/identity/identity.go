// Package identity provides the node identifier type used throughout
// clipmeshd. Unlike a locally generated agent ID, a NodeID is handed to us
// by the overlay network (the mesh VPN backend) and is never persisted by
// this process.
package identity

import (
	"errors"
	"strings"
)

// ErrEmptyNodeID is returned when an overlay backend reports an empty or
// whitespace-only node identifier.
var ErrEmptyNodeID = errors.New("identity: empty node ID")

// NodeID identifies a node on the overlay mesh. It is an opaque string
// supplied by the overlay backend (e.g. a Tailscale node key or stable
// hostname) and is compared by exact value throughout the sync engine.
type NodeID string

// Parse validates and normalizes a node ID reported by the overlay client.
// Leading/trailing whitespace is trimmed; an empty result is rejected.
func Parse(s string) (NodeID, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return "", ErrEmptyNodeID
	}
	return NodeID(trimmed), nil
}

// String returns the node ID as a plain string.
func (id NodeID) String() string {
	return string(id)
}

// IsZero reports whether the NodeID is the empty string.
func (id NodeID) IsZero() bool {
	return id == ""
}

// Equal returns true if two NodeIDs are identical.
func (id NodeID) Equal(other NodeID) bool {
	return id == other
}
