// Package metrics exposes Prometheus collectors for particle interpretation
// and Discovery DHT queries, replacing the hand-rolled text exporter the
// teacher used with the real client library the rest of the example pack
// depends on.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ParticleExecutorMetrics is the optional sink the Plumber records into
// during its main loop (spec.md §4.5 step 7).
type ParticleExecutorMetrics struct {
	InterpretationSuccess prometheus.Counter
	InterpretationFailure prometheus.Counter
	InterpretationTime    prometheus.Histogram
	MailboxBacklog        prometheus.Gauge
	ActorCount            prometheus.Gauge
	ServiceCallsTotal     prometheus.Counter
}

// NewParticleExecutorMetrics creates and registers the particle executor
// collectors on reg.
func NewParticleExecutorMetrics(reg prometheus.Registerer) *ParticleExecutorMetrics {
	m := &ParticleExecutorMetrics{
		InterpretationSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "plumber", Subsystem: "interpretation", Name: "success_total",
			Help: "Total number of particle interpretations that completed.",
		}),
		InterpretationFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "plumber", Subsystem: "interpretation", Name: "failure_total",
			Help: "Total number of particle interpretations that errored.",
		}),
		InterpretationTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "plumber", Subsystem: "interpretation", Name: "duration_seconds",
			Help:    "Particle interpretation duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
		MailboxBacklog: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "plumber", Subsystem: "actors", Name: "mailbox_backlog",
			Help: "Total number of particles queued across all actor mailboxes.",
		}),
		ActorCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "plumber", Subsystem: "actors", Name: "count",
			Help: "Number of live actors.",
		}),
		ServiceCallsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "plumber", Subsystem: "interpretation", Name: "service_calls_total",
			Help: "Total number of service-function calls dispatched.",
		}),
	}

	reg.MustRegister(
		m.InterpretationSuccess, m.InterpretationFailure, m.InterpretationTime,
		m.MailboxBacklog, m.ActorCount, m.ServiceCallsTotal,
	)
	return m
}

// RecordInterpretation records one completed interpretation's stats.
func (m *ParticleExecutorMetrics) RecordInterpretation(success bool, d time.Duration, serviceCalls int) {
	if m == nil {
		return
	}
	if success {
		m.InterpretationSuccess.Inc()
	} else {
		m.InterpretationFailure.Inc()
	}
	m.InterpretationTime.Observe(d.Seconds())
	if serviceCalls > 0 {
		m.ServiceCallsTotal.Add(float64(serviceCalls))
	}
}

// SetMailboxBacklog sets the current total mailbox backlog gauge.
func (m *ParticleExecutorMetrics) SetMailboxBacklog(n int) {
	if m == nil {
		return
	}
	m.MailboxBacklog.Set(float64(n))
}

// SetActorCount sets the current live actor count gauge.
func (m *ParticleExecutorMetrics) SetActorCount(n int) {
	if m == nil {
		return
	}
	m.ActorCount.Set(float64(n))
}

// DiscoveryMetrics tracks Discovery Behaviour query outcomes.
type DiscoveryMetrics struct {
	QueriesStarted  prometheus.Counter
	QueriesTimedOut prometheus.Counter
	PeersBanned     prometheus.Counter
}

// NewDiscoveryMetrics creates and registers the discovery collectors on reg.
func NewDiscoveryMetrics(reg prometheus.Registerer) *DiscoveryMetrics {
	m := &DiscoveryMetrics{
		QueriesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "plumber", Subsystem: "discovery", Name: "queries_started_total",
			Help: "Total number of DHT queries issued.",
		}),
		QueriesTimedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "plumber", Subsystem: "discovery", Name: "queries_timed_out_total",
			Help: "Total number of pending-peer waiters that timed out.",
		}),
		PeersBanned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "plumber", Subsystem: "discovery", Name: "peers_banned_total",
			Help: "Total number of peers banned for exceeding the failure threshold.",
		}),
	}
	reg.MustRegister(m.QueriesStarted, m.QueriesTimedOut, m.PeersBanned)
	return m
}

// IncQueriesStarted records one new outstanding DHT query.
func (m *DiscoveryMetrics) IncQueriesStarted() {
	if m == nil {
		return
	}
	m.QueriesStarted.Inc()
}

// IncQueriesTimedOut records one pending-peer waiter timing out.
func (m *DiscoveryMetrics) IncQueriesTimedOut() {
	if m == nil {
		return
	}
	m.QueriesTimedOut.Inc()
}

// IncPeersBanned records one peer crossing the failure threshold.
func (m *DiscoveryMetrics) IncPeersBanned() {
	if m == nil {
		return
	}
	m.PeersBanned.Inc()
}
