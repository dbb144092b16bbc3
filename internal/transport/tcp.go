package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/postalsys/clipmesh-agent/internal/envelope"
	"github.com/postalsys/clipmesh-agent/internal/metrics"
	"github.com/postalsys/clipmesh-agent/internal/overlay"
	"github.com/postalsys/clipmesh-agent/internal/recovery"
)

// TCP is the production Transport: a short-lived, newline-framed TCP
// connection per outbound send, and a long-lived accept loop for inbound
// connections. Peer discovery and connectivity are proxied to an
// overlay.Client rather than implemented here.
type TCP struct {
	port        int
	overlay     overlay.Client
	logger      *slog.Logger
	metrics     *metrics.Metrics
	dialTimeout time.Duration
}

// NewTCP builds a TCP transport listening/dialing on port, backed by the
// given overlay client for peer discovery. m may be nil, in which case
// the transport collects no metrics.
func NewTCP(port int, overlayClient overlay.Client, logger *slog.Logger, m *metrics.Metrics) *TCP {
	return &TCP{
		port:        port,
		overlay:     overlayClient,
		logger:      logger,
		metrics:     m,
		dialTimeout: 2 * time.Second,
	}
}

// Send dials every currently reachable peer's overlay IP on t.port,
// writes one framed envelope, and half-closes. A peer that is
// unreachable is logged and skipped; Send only fails if every attempted
// peer failed.
func (t *TCP) Send(ctx context.Context, env *envelope.Envelope) error {
	peers, err := t.Peers()
	if err != nil {
		return fmt.Errorf("transport: list peers: %w", err)
	}
	if len(peers) == 0 {
		return nil
	}

	frame := encodeFrame(env.Encode())

	var attempted, failed int
	for _, ip := range peers {
		attempted++
		if err := t.sendTo(ctx, ip, frame); err != nil {
			failed++
			t.logger.Warn("send to peer failed", "peer_ip", ip, "error", err)
		}
	}

	if attempted > 0 && failed == attempted {
		if t.metrics != nil {
			t.metrics.SendFailures.Inc()
		}
		return ErrNetworkError
	}
	return nil
}

func (t *TCP) sendTo(ctx context.Context, ip string, frame []byte) error {
	dialer := net.Dialer{Timeout: t.dialTimeout}
	addr := net.JoinHostPort(ip, portString(t.port))

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.Write(frame); err != nil {
		return err
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		return tcpConn.CloseWrite()
	}
	return nil
}

// Listen binds 0.0.0.0:port and accepts connections until ctx is
// cancelled. Each connection is read line-by-line; a line that fails to
// base64-decode or envelope-decode is logged and skipped, the connection
// stays open.
func (t *TCP) Listen(ctx context.Context, inbound chan<- *envelope.Envelope) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", fmt.Sprintf(":%d", t.port))
	if err != nil {
		return fmt.Errorf("transport: listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			t.logger.Warn("accept failed", "error", err)
			continue
		}
		go t.handleConn(conn, inbound)
	}
}

func (t *TCP) handleConn(conn net.Conn, inbound chan<- *envelope.Envelope) {
	defer recovery.RecoverWithLog(t.logger, "transport.TCP.handleConn")
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		raw, err := decodeFrame(scanner.Bytes())
		if err != nil {
			t.logger.Warn("malformed frame: base64 decode failed", "error", err)
			continue
		}

		env, err := envelope.Decode(raw)
		if err != nil {
			t.logger.Warn("malformed frame: envelope decode failed", "error", err)
			continue
		}

		inbound <- env
	}
}

// NodeID proxies to the overlay backend.
func (t *TCP) NodeID() (string, error) {
	status, err := t.overlay.Status(context.Background())
	if err != nil {
		return "", err
	}
	if !status.Connected() {
		return "", overlay.ErrNotRunning
	}
	return status.Self.NodeID, nil
}

// Peers proxies to the overlay backend, returning each currently online
// peer's first overlay IP. A peer reported online with no overlay IPs is
// skipped; there is nothing to dial.
func (t *TCP) Peers() ([]string, error) {
	status, err := t.overlay.Status(context.Background())
	if err != nil {
		return nil, err
	}
	if !status.Connected() {
		return nil, nil
	}

	var peers []string
	for _, p := range status.Peers {
		if !p.Online {
			continue
		}
		if ip, ok := p.FirstOverlayIP(); ok {
			peers = append(peers, ip)
		}
	}
	return peers, nil
}

// IsConnected proxies to the overlay backend.
func (t *TCP) IsConnected() bool {
	status, err := t.overlay.Status(context.Background())
	if err != nil {
		return false
	}
	return status.Connected()
}

func portString(port int) string {
	return fmt.Sprintf("%d", port)
}
