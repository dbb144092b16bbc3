package overlay

import (
	"context"
	"errors"
)

// MultiClient tries a sequence of Clients in order and returns the first
// successful Status response. This mirrors how mesh VPN status tools
// probe a platform-default Unix socket first and fall back to a loopback
// HTTP endpoint when the socket is unavailable (e.g. sandboxed macOS
// builds).
type MultiClient struct {
	clients []Client
}

// NewMultiClient builds a MultiClient that tries each client in the
// given order.
func NewMultiClient(clients ...Client) *MultiClient {
	return &MultiClient{clients: clients}
}

// Status returns the first successful Status from the configured clients,
// or ErrBackendUnavailable wrapping the last attempt's error if every
// client failed.
func (m *MultiClient) Status(ctx context.Context) (*Status, error) {
	var lastErr error
	for _, c := range m.clients {
		status, err := c.Status(ctx)
		if err == nil {
			return status, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		return nil, ErrBackendUnavailable
	}
	return nil, errors.Join(ErrBackendUnavailable, lastErr)
}

// DefaultCandidates builds the standard probe order: a platform Unix
// socket followed by a loopback HTTP endpoint with a token file.
func DefaultCandidates(socketPath, loopbackURL, authTokenFile string) []Client {
	var clients []Client
	if socketPath != "" {
		clients = append(clients, NewUnixSocketClient(socketPath))
	}
	if loopbackURL != "" {
		clients = append(clients, NewLoopbackHTTPClient(loopbackURL, authTokenFile))
	}
	return clients
}
