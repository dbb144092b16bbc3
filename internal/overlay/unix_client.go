package overlay

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"
)

// UnixSocketClient queries an overlay backend's status over a local Unix
// domain socket, the transport mesh VPN daemons use on Linux and macOS.
type UnixSocketClient struct {
	socketPath string
	httpClient *http.Client
}

// NewUnixSocketClient builds a client that dials socketPath for every
// request. The socket is expected to speak a minimal HTTP/1.1 status
// endpoint at "/status".
func NewUnixSocketClient(socketPath string) *UnixSocketClient {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}

	return &UnixSocketClient{
		socketPath: socketPath,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   5 * time.Second,
		},
	}
}

// Status fetches and decodes the backend's current status.
func (c *UnixSocketClient) Status(ctx context.Context) (*Status, error) {
	// The host portion is ignored by the Unix-dialing transport above.
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://overlay/status", nil)
	if err != nil {
		return nil, fmt.Errorf("overlay: build status request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: unexpected status %d", ErrBackendUnavailable, resp.StatusCode)
	}

	var status Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("overlay: decode status response: %w", err)
	}
	return &status, nil
}

// Close releases idle connections held by the client.
func (c *UnixSocketClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
