package overlay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"
)

// LoopbackHTTPClient queries an overlay backend that exposes its status API
// over 127.0.0.1 rather than a Unix socket (the pattern some mesh VPN
// clients use on platforms without convenient Unix-socket permissions,
// e.g. Windows). A bearer token is read from authTokenFile on every
// request, since these daemons typically rotate it across restarts.
type LoopbackHTTPClient struct {
	baseURL       string
	authTokenFile string
	httpClient    *http.Client
}

// NewLoopbackHTTPClient builds a client against baseURL (e.g.
// "http://127.0.0.1:41112"), reading a bearer token from authTokenFile
// before each request. authTokenFile may be empty if the backend requires
// no authentication.
func NewLoopbackHTTPClient(baseURL, authTokenFile string) *LoopbackHTTPClient {
	return &LoopbackHTTPClient{
		baseURL:       strings.TrimSuffix(baseURL, "/"),
		authTokenFile: authTokenFile,
		httpClient:    &http.Client{Timeout: 5 * time.Second},
	}
}

// Status fetches and decodes the backend's current status.
func (c *LoopbackHTTPClient) Status(ctx context.Context) (*Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		return nil, fmt.Errorf("overlay: build status request: %w", err)
	}

	if c.authTokenFile != "" {
		token, err := readAuthToken(c.authTokenFile)
		if err != nil {
			return nil, fmt.Errorf("%w: read auth token: %v", ErrBackendUnavailable, err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
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

func readAuthToken(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// Close releases idle connections held by the client.
func (c *LoopbackHTTPClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
