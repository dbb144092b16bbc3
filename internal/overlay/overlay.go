// Package overlay queries the local mesh VPN backend (the overlay network
// daemon, e.g. a Tailscale-style client) for the node's identity and peer
// connectivity. clipmeshd never implements the mesh itself; it rides on
// top of whatever overlay daemon is already running on the host.
package overlay

import (
	"context"
	"errors"
)

// BackendState mirrors the coarse state machine exposed by mesh VPN
// daemons: logged out, authenticating, starting, or running.
type BackendState string

const (
	StateNoState          BackendState = "NoState"
	StateNeedsLogin       BackendState = "NeedsLogin"
	StateNeedsMachineAuth BackendState = "NeedsMachineAuth"
	StateStopped          BackendState = "Stopped"
	StateStarting         BackendState = "Starting"
	StateRunning          BackendState = "Running"
)

// ErrBackendUnavailable is returned when no overlay transport (Unix
// socket or loopback HTTP) could be reached.
var ErrBackendUnavailable = errors.New("overlay: backend unavailable")

// ErrNotRunning is returned when the backend answered but reports a
// state other than Running; a node ID and peer list are not meaningful
// in that state.
var ErrNotRunning = errors.New("overlay: backend not running")

// PeerStatus is the subset of a mesh peer's status relevant to
// connectivity: whether clipmeshd could reach it were it to dial.
type PeerStatus struct {
	NodeID     string   `json:"node_id"`
	OverlayIPs []string `json:"overlay_ips"`
	Online     bool     `json:"online"`
}

// FirstOverlayIP returns the peer's first overlay IP, the address the
// transport dials, and false if the backend reported none.
func (p *PeerStatus) FirstOverlayIP() (string, bool) {
	if len(p.OverlayIPs) == 0 {
		return "", false
	}
	return p.OverlayIPs[0], true
}

// Status is the overlay backend's self-reported state.
type Status struct {
	BackendState BackendState          `json:"backend_state"`
	Self         PeerStatus            `json:"self"`
	Peers        map[string]PeerStatus `json:"peers"`
}

// Connected reports whether the backend is in a state where sync traffic
// can flow: Running with a non-empty self node ID.
func (s *Status) Connected() bool {
	return s != nil && s.BackendState == StateRunning && s.Self.NodeID != ""
}

// Client queries an overlay backend for its current status. Implementations
// wrap whatever transport the backend exposes (Unix socket, loopback HTTP).
type Client interface {
	Status(ctx context.Context) (*Status, error)
}
