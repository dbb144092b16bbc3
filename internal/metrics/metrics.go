// Package metrics provides Prometheus metrics for clipmeshd.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "clipmeshd"
)

// Metrics contains all Prometheus metrics for the agent. Collection only:
// clipmeshd does not expose an HTTP scrape endpoint, but still records
// these so a host process embedding it can register the default registry
// with its own exposition.
type Metrics struct {
	// Peer registry metrics
	PeersKnown     prometheus.Gauge
	PeersBound     prometheus.Counter
	PeersEvicted   prometheus.Counter
	RebindRejected prometheus.Counter

	// Envelope metrics
	EnvelopesSigned   prometheus.Counter
	EnvelopesVerified *prometheus.CounterVec
	EnvelopesRejected *prometheus.CounterVec

	// Clipboard metrics
	ClipboardApplies   prometheus.Counter
	ClipboardDrops     *prometheus.CounterVec
	ClipboardSetErrors prometheus.Counter

	// Supervisor metrics
	SupervisorConnects    prometheus.Counter
	SupervisorDisconnects prometheus.Counter
	UnknownPeerTriggers   prometheus.Counter

	// Transport metrics
	SendFailures prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		PeersKnown: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers_known",
			Help:      "Number of peers currently bound in the registry",
		}),
		PeersBound: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peers_bound_total",
			Help:      "Total number of peers bound via a first NodeDiscovery",
		}),
		PeersEvicted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peers_evicted_total",
			Help:      "Total number of peers evicted for staleness",
		}),
		RebindRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rebind_rejected_total",
			Help:      "Total NodeDiscovery messages rejected for presenting a changed identity key",
		}),
		EnvelopesSigned: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_signed_total",
			Help:      "Total outbound envelopes signed",
		}),
		EnvelopesVerified: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_verified_total",
			Help:      "Total inbound envelopes that passed signature verification, by message type",
		}, []string{"message_type"}),
		EnvelopesRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_rejected_total",
			Help:      "Total inbound envelopes rejected, by reason",
		}, []string{"reason"}),
		ClipboardApplies: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clipboard_applies_total",
			Help:      "Total inbound clipboard updates applied",
		}),
		ClipboardDrops: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clipboard_drops_total",
			Help:      "Total inbound clipboard updates dropped, by reason",
		}, []string{"reason"}),
		ClipboardSetErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clipboard_set_errors_total",
			Help:      "Total clipboard adapter Set failures",
		}),
		SupervisorConnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "supervisor_connects_total",
			Help:      "Total transitions to connected observed by the supervisor",
		}),
		SupervisorDisconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "supervisor_disconnects_total",
			Help:      "Total transitions to disconnected observed by the supervisor",
		}),
		UnknownPeerTriggers: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unknown_peer_triggers_total",
			Help:      "Total UnknownPeer events that triggered a reactive NodeDiscovery rebroadcast",
		}),
		SendFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Total outbound broadcasts that reached zero peers",
		}),
	}
}
