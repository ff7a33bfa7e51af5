package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/a-light-win/radhcp/pkg/dhcp"
)

const namespace = "radhcp"

// Packet results counted by the capture loop.
const (
	PacketProcessed = "processed"
	PacketMalformed = "malformed"
	PacketExhausted = "exhausted"
	PacketSkipped   = "skipped"
)

// Metrics turns engine events and alerts into prometheus series.
type Metrics struct {
	Registry *prometheus.Registry

	Packets      *prometheus.CounterVec
	Transitions  *prometheus.CounterVec
	Alerts       *prometheus.CounterVec
	Transactions prometheus.Counter
	Removed      prometheus.Counter
	Expired      prometheus.Counter
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		Registry: registry,

		Packets: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "capture",
			Name:      "packets_total",
			Help:      "Captured DHCP packets by outcome",
		}, []string{"result"}),
		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fsa",
			Name:      "transitions_total",
			Help:      "Client state transitions",
		}, []string{"from", "to"}),
		Alerts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "decode",
			Name:      "alerts_total",
			Help:      "Option decoding anomalies",
		}, []string{"kind"}),
		Transactions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "transactions_total",
			Help:      "Transactions created",
		}),
		Removed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "transactions_removed_total",
			Help:      "Transactions retired by their timers",
		}),
		Expired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "leases_expired_total",
			Help:      "Leases whose timer ran out",
		}),
	}
}

// Register subscribes to engine events.
func (m *Metrics) Register(reg *dhcp.Registry) {
	reg.Register(dhcp.EventStateChange, "metrics", func(c *dhcp.Change) error {
		m.Transitions.WithLabelValues(c.From.String(), c.To.String()).Inc()
		return nil
	})
	reg.Register(dhcp.EventXIDNew, "metrics", func(c *dhcp.Change) error {
		m.Transactions.Inc()
		return nil
	})
	reg.Register(dhcp.EventRemoved, "metrics", func(c *dhcp.Change) error {
		m.Removed.Inc()
		return nil
	})
	reg.Register(dhcp.EventLeaseExpired, "metrics", func(c *dhcp.Change) error {
		m.Expired.Inc()
		return nil
	})
}

// Observe exports the size of the engine's indexes.
func (m *Metrics) Observe(e *dhcp.Engine) {
	factory := promauto.With(m.Registry)
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "live_transactions",
		Help:      "Transactions still referenced by an index or timer",
	}, func() float64 { return float64(e.Live()) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "indexed_transactions",
		Help:      "Transactions in the client index",
	}, func() float64 { return float64(e.Clients().Len()) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "lease_intervals",
		Help:      "Intervals in the lease history",
	}, func() float64 { return float64(e.Leases().Len()) })
}

// Alert implements dhcp.AlertSink.
func (m *Metrics) Alert(a dhcp.Alert) {
	m.Alerts.WithLabelValues(a.Kind.String()).Inc()
}

// Packet implements the capture loop's recorder.
func (m *Metrics) Packet(result string) {
	m.Packets.WithLabelValues(result).Inc()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
