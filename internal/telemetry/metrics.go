// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// =============================================================================
// METRICS
// =============================================================================

// Metrics holds the Prometheus collectors for one process. A nil *Metrics
// is valid and records nothing, so components can take it unconditionally.
type Metrics struct {
	registry *prometheus.Registry

	storeApplied   *prometheus.CounterVec
	storeDropped   prometheus.Counter
	syncPushes     *prometheus.CounterVec
	syncPushBytes  prometheus.Counter
	syncHandshakes *prometheus.CounterVec
	syncRounds     prometheus.Histogram
	syncRateLimits prometheus.Counter
	syncBackoff    prometheus.Gauge
	broadcasts     *prometheus.CounterVec
	persistAppends prometheus.Counter
	persistBytes   prometheus.Counter
	replies        *prometheus.CounterVec
	replyDuration  prometheus.Histogram
	serverRequests *prometheus.CounterVec
}

// NewMetrics creates and registers every collector on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		storeApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "threadline", Subsystem: "store", Name: "operations_applied_total",
			Help: "Operations applied to the replicated store, by origin.",
		}, []string{"origin"}),
		storeDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "threadline", Subsystem: "store", Name: "updates_dropped_total",
			Help: "Malformed updates dropped without being applied.",
		}),
		syncPushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "threadline", Subsystem: "sync", Name: "pushes_total",
			Help: "Incremental pushes, by result.",
		}, []string{"result"}),
		syncPushBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "threadline", Subsystem: "sync", Name: "push_bytes_total",
			Help: "Bytes of update data pushed.",
		}),
		syncHandshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "threadline", Subsystem: "sync", Name: "handshakes_total",
			Help: "Full handshakes, by result.",
		}, []string{"result"}),
		syncRounds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "threadline", Subsystem: "sync", Name: "handshake_rounds",
			Help:    "Round trips per handshake.",
			Buckets: []float64{1, 2, 3, 4, 6, 8},
		}),
		syncRateLimits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "threadline", Subsystem: "sync", Name: "rate_limited_total",
			Help: "Responses that asked the client to back off.",
		}),
		syncBackoff: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "threadline", Subsystem: "sync", Name: "backoff_seconds",
			Help: "Most recent rate limit backoff.",
		}),
		broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "threadline", Subsystem: "broadcast", Name: "messages_total",
			Help: "Cross-context broadcast messages, by direction.",
		}, []string{"direction"}),
		persistAppends: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "threadline", Subsystem: "persist", Name: "appends_total",
			Help: "Updates appended to local storage.",
		}),
		persistBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "threadline", Subsystem: "persist", Name: "append_bytes_total",
			Help: "Bytes appended to local storage.",
		}),
		replies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "threadline", Subsystem: "reply", Name: "finished_total",
			Help: "Replies that reached a terminal state, by outcome.",
		}, []string{"outcome"}),
		replyDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "threadline", Subsystem: "reply", Name: "duration_seconds",
			Help:    "Time from start to terminal state.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		}),
		serverRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "threadline", Subsystem: "server", Name: "requests_total",
			Help: "Sync server requests, by path and status code.",
		}, []string{"path", "code"}),
	}

	reg.MustRegister(
		m.storeApplied, m.storeDropped,
		m.syncPushes, m.syncPushBytes, m.syncHandshakes, m.syncRounds,
		m.syncRateLimits, m.syncBackoff,
		m.broadcasts, m.persistAppends, m.persistBytes,
		m.replies, m.replyDuration, m.serverRequests,
		collectors.NewGoCollector(),
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the metrics in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// =============================================================================
// RECORDING
// =============================================================================

// StoreApplied counts operations applied from origin.
func (m *Metrics) StoreApplied(origin string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.storeApplied.WithLabelValues(origin).Add(float64(n))
}

// StoreDropped counts a malformed update.
func (m *Metrics) StoreDropped() {
	if m == nil {
		return
	}
	m.storeDropped.Inc()
}

// SyncPush records one push attempt.
func (m *Metrics) SyncPush(ok bool, bytes int) {
	if m == nil {
		return
	}
	m.syncPushes.WithLabelValues(result(ok)).Inc()
	if ok {
		m.syncPushBytes.Add(float64(bytes))
	}
}

// SyncHandshake records one handshake and how many round trips it took.
func (m *Metrics) SyncHandshake(ok bool, rounds int) {
	if m == nil {
		return
	}
	m.syncHandshakes.WithLabelValues(result(ok)).Inc()
	m.syncRounds.Observe(float64(rounds))
}

// SyncRateLimited records a backoff.
func (m *Metrics) SyncRateLimited(backoff time.Duration) {
	if m == nil {
		return
	}
	m.syncRateLimits.Inc()
	m.syncBackoff.Set(backoff.Seconds())
}

// Broadcast counts a cross-context message; direction is "sent" or
// "received".
func (m *Metrics) Broadcast(direction string) {
	if m == nil {
		return
	}
	m.broadcasts.WithLabelValues(direction).Inc()
}

// PersistAppend records one stored update.
func (m *Metrics) PersistAppend(bytes int) {
	if m == nil {
		return
	}
	m.persistAppends.Inc()
	m.persistBytes.Add(float64(bytes))
}

// ReplyFinished records a reply outcome and its duration.
func (m *Metrics) ReplyFinished(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.replies.WithLabelValues(outcome).Inc()
	m.replyDuration.Observe(d.Seconds())
}

// ServerRequest counts one sync server request.
func (m *Metrics) ServerRequest(path string, code int) {
	if m == nil {
		return
	}
	m.serverRequests.WithLabelValues(path, http.StatusText(code)).Inc()
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
