package core

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the counters of one gossip system. Every system
// carries its own registry so co-tenant systems inside a single
// process do not collide on collector names.
type Metrics struct {
	registry *prometheus.Registry

	Admitted   prometheus.Counter
	Duplicates prometheus.Counter
	Expired    prometheus.Counter
	Forwarded  prometheus.Counter
	Replies    prometheus.Counter

	Connections prometheus.Gauge
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Admitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gossip",
			Name:      "messages_admitted_total",
			Help:      "Messages admitted into a seen cache.",
		}),
		Duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gossip",
			Name:      "messages_duplicate_total",
			Help:      "Messages dropped because their id was already cached.",
		}),
		Expired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gossip",
			Name:      "messages_expired_total",
			Help:      "Messages dropped because their TTL had passed.",
		}),
		Forwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gossip",
			Name:      "messages_forwarded_total",
			Help:      "Per neighbor forward operations performed.",
		}),
		Replies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gossip",
			Name:      "replies_emitted_total",
			Help:      "Solicitation replies emitted by local nodes.",
		}),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gossip",
			Name:      "connections_live",
			Help:      "Socket owners currently registered.",
		}),
	}
	m.registry.MustRegister(m.Admitted, m.Duplicates, m.Expired, m.Forwarded, m.Replies, m.Connections)
	return m
}

// Registry exposes the underlying prometheus registry so the
// embedding process can scrape it.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
