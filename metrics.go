package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the set of lookupd collectors on a private registry, so tests and
// multiple servers in one process never collide on registration.
type Metrics struct {
	registry *prometheus.Registry

	connsAccepted prometheus.Counter
	connsRejected prometheus.Counter
	connsActive   prometheus.Gauge
	requests      *prometheus.CounterVec
}

func NewMetrics(store *RecordStore) *Metrics {
	m := &Metrics{
		connsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lookupd_connections_accepted_total",
			Help: "Connections accepted by the dispatcher.",
		}),
		connsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lookupd_connections_rejected_total",
			Help: "Connections turned away because the connection limit was reached.",
		}),
		connsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lookupd_connections_active",
			Help: "Connections currently being served.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lookupd_requests_total",
			Help: "Lookup requests by result.",
		}, []string{"result"}),
	}

	records := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "lookupd_records",
		Help: "Records currently held in the store.",
	}, func() float64 { return float64(store.Count()) })

	m.registry = prometheus.NewRegistry()
	m.registry.MustRegister(
		m.connsAccepted,
		m.connsRejected,
		m.connsActive,
		m.requests,
		records,
		collectors.NewGoCollector(),
	)

	// pre-create the labelled series so they export as zero
	for _, r := range []string{resultHit, resultMiss, resultInvalid} {
		m.requests.WithLabelValues(r)
	}
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
