// Package supervisor implements the connectivity supervisor: it watches
// the overlay backend's connectivity state and builds or tears down a
// sync engine on every transition, so the rest of the agent never has to
// reason about the mesh going up and down.
package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/postalsys/clipmesh-agent/internal/clipboard"
	"github.com/postalsys/clipmesh-agent/internal/crypto"
	"github.com/postalsys/clipmesh-agent/internal/envelope"
	"github.com/postalsys/clipmesh-agent/internal/identity"
	"github.com/postalsys/clipmesh-agent/internal/metrics"
	"github.com/postalsys/clipmesh-agent/internal/recovery"
	"github.com/postalsys/clipmesh-agent/internal/registry"
	"github.com/postalsys/clipmesh-agent/internal/syncengine"
	"github.com/postalsys/clipmesh-agent/internal/transport"
)

// Config carries the timing knobs the supervisor and the engines it
// builds are tuned with.
type Config struct {
	// Period is how often connectivity is polled.
	Period time.Duration
	// PollInterval is the clipboard watcher's poll interval.
	PollInterval time.Duration
	// CleanupInterval is the peer eviction tick, and also the minimum
	// interval between reactive NodeDiscovery rebroadcasts.
	CleanupInterval time.Duration
	// StaleThreshold is the max peer last-seen age before eviction.
	StaleThreshold time.Duration
}

// Supervisor owns the connectivity poll loop described above. It holds
// no sync state itself; all of that lives in the current *syncengine.Engine,
// which is rebuilt from scratch on every offline-to-online transition.
type Supervisor struct {
	transport transport.Transport
	clipboard clipboard.Clipboard
	logger    *slog.Logger
	metrics   *metrics.Metrics
	notifier  Notifier
	cfg       Config

	mu          sync.Mutex
	engine      *syncengine.Engine
	evictCancel context.CancelFunc

	discoveryMu   sync.Mutex
	lastDiscovery time.Time
}

// New builds a Supervisor. notifier may be nil, in which case a
// logging-only Notifier is used.
func New(tr transport.Transport, clip clipboard.Clipboard, cfg Config, logger *slog.Logger, m *metrics.Metrics, notifier Notifier) *Supervisor {
	if notifier == nil {
		notifier = NewLoggingNotifier(logger)
	}
	return &Supervisor{
		transport: tr,
		clipboard: clip,
		logger:    logger,
		metrics:   m,
		notifier:  notifier,
		cfg:       cfg,
	}
}

// Run polls connectivity every cfg.Period until ctx is cancelled, building
// and tearing down a sync engine on every transition edge. It also starts
// the long-lived listen, clipboard-watch, and inbound-dispatch loops,
// which run for the supervisor's whole lifetime and simply no-op while no
// engine is current. A transport listen failure (e.g. the port is already
// taken) is the one error that ends the run; everything else is retried.
func (s *Supervisor) Run(ctx context.Context) error {
	defer recovery.RecoverWithLog(s.logger, "supervisor.Supervisor.Run")

	inbound := make(chan *envelope.Envelope, 64)
	listenErr := make(chan error, 1)

	go s.runListen(ctx, inbound, listenErr)
	go s.runClipboardWatcher(ctx)
	go s.runInboundDispatch(ctx, inbound)

	ticker := time.NewTicker(s.cfg.Period)
	defer ticker.Stop()

	wasConnected := false
	evaluated := false

	for {
		select {
		case <-ctx.Done():
			s.teardown()
			return nil
		case err := <-listenErr:
			s.teardown()
			return err
		case <-ticker.C:
			connected := s.transport.IsConnected()

			switch {
			case connected && !wasConnected:
				s.handleConnect(ctx)
				wasConnected = true
			case !connected && wasConnected:
				s.teardown()
				wasConnected = false
			case !connected && !evaluated:
				s.notifier.StartedOffline()
			}
			evaluated = true
		}
	}
}

func (s *Supervisor) handleConnect(ctx context.Context) {
	nodeIDStr, err := s.transport.NodeID()
	if err != nil {
		s.logger.Warn("connectivity observed but node id unavailable, staying offline", "error", err)
		return
	}
	nodeID, err := identity.Parse(nodeIDStr)
	if err != nil {
		s.logger.Warn("overlay reported an invalid node id", "error", err)
		return
	}

	idKP, err := crypto.GenerateIdentityKeypair()
	if err != nil {
		s.logger.Error("failed to generate identity keypair", "error", err)
		return
	}
	exKP, err := crypto.GenerateExchangeKeypair()
	if err != nil {
		s.logger.Error("failed to generate exchange keypair", "error", err)
		idKP.Zero()
		return
	}

	engine := syncengine.New(s.clipboard, nodeID, idKP, exKP, s.transport.Send, s.logger, s.metrics)

	evictCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.engine = engine
	s.evictCancel = cancel
	s.mu.Unlock()

	go engine.RunEviction(evictCtx, s.cfg.CleanupInterval, s.cfg.StaleThreshold)

	discovery := engine.MakeDiscovery()
	if err := s.transport.Send(ctx, discovery); err != nil {
		s.logger.Warn("failed to broadcast node discovery on connect", "error", err)
	}

	if s.metrics != nil {
		s.metrics.SupervisorConnects.Inc()
	}
	s.notifier.Connected(nodeID.String())
}

// teardown drops the current engine, if any, cancelling its eviction loop
// and zeroing its key material. It is safe to call when already
// disconnected.
func (s *Supervisor) teardown() {
	s.mu.Lock()
	engine := s.engine
	cancel := s.evictCancel
	s.engine = nil
	s.evictCancel = nil
	s.mu.Unlock()

	if engine == nil {
		return
	}

	if cancel != nil {
		cancel()
	}
	engine.Close()

	if s.metrics != nil {
		s.metrics.SupervisorDisconnects.Inc()
	}
	s.notifier.Disconnected()
}

func (s *Supervisor) currentEngine() *syncengine.Engine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine
}

func (s *Supervisor) runListen(ctx context.Context, inbound chan<- *envelope.Envelope, errCh chan<- error) {
	defer recovery.RecoverWithLog(s.logger, "supervisor.Supervisor.runListen")

	if err := s.transport.Listen(ctx, inbound); err != nil && ctx.Err() == nil {
		s.logger.Error("transport listen loop exited", "error", err)
		errCh <- err
	}
}

func (s *Supervisor) runClipboardWatcher(ctx context.Context) {
	watcher := clipboard.NewWatcher(s.clipboard, s.cfg.PollInterval, s.logger)
	watcher.Run(ctx, func(content string) {
		eng := s.currentEngine()
		if eng == nil {
			return
		}
		eng.OnClipboardChange(ctx, content)
	})
}

func (s *Supervisor) runInboundDispatch(ctx context.Context, inbound <-chan *envelope.Envelope) {
	defer recovery.RecoverWithLog(s.logger, "supervisor.Supervisor.runInboundDispatch")

	for {
		select {
		case <-ctx.Done():
			return
		case env := <-inbound:
			eng := s.currentEngine()
			if eng == nil {
				continue
			}

			if err := eng.Handle(env); err != nil {
				if errors.Is(err, syncengine.ErrUnknownPeer) {
					if s.metrics != nil {
						s.metrics.UnknownPeerTriggers.Inc()
					}
					s.maybeRebroadcastDiscovery(ctx, eng)
					continue
				}
				s.logger.Warn("inbound envelope rejected", "error", err, "type", env.Type.String())
			}
		}
	}
}

// maybeRebroadcastDiscovery re-announces this node's NodeDiscovery when a
// peer sends a message this node cannot yet verify, so a peer that missed
// (or arrived before) our last discovery converges quickly. Rebroadcasts
// are rate-limited to at most once per CleanupInterval so a burst of
// unknown-peer messages cannot turn into a broadcast storm.
func (s *Supervisor) maybeRebroadcastDiscovery(ctx context.Context, eng *syncengine.Engine) {
	s.discoveryMu.Lock()
	if time.Since(s.lastDiscovery) < s.cfg.CleanupInterval {
		s.discoveryMu.Unlock()
		return
	}
	s.lastDiscovery = time.Now()
	s.discoveryMu.Unlock()

	discovery := eng.MakeDiscovery()
	if err := s.transport.Send(ctx, discovery); err != nil {
		s.logger.Warn("reactive discovery rebroadcast failed", "error", err)
	}
}

// Connected reports whether a sync engine is currently live.
func (s *Supervisor) Connected() bool {
	return s.currentEngine() != nil
}

// Peers returns a snapshot of the current engine's known peers, or nil if
// the supervisor is currently offline.
func (s *Supervisor) Peers() []registry.Peer {
	eng := s.currentEngine()
	if eng == nil {
		return nil
	}
	return eng.Registry().Snapshot()
}
