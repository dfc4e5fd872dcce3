// Package metrics exposes the Prometheus collectors shared by the realtime
// engine: websocket event counters, store round-trip counters and latency
// histograms, and live connection/lock gauges.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WsEventTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ws_event_total",
			Help: "Total number of websocket events handled, by event name",
		},
		[]string{"event"},
	)

	DbQueryTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "db_query_total",
			Help: "Total number of database queries, by model and operation",
		},
		[]string{"model", "op"},
	)

	DbLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_latency_ms",
			Help:    "Database query latency in milliseconds",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		},
		[]string{"model", "op"},
	)

	RedisOpTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redis_op_total",
			Help: "Total number of redis operations, by operation",
		},
		[]string{"op"},
	)

	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "connections_active",
			Help: "Number of live websocket connections",
		},
	)

	EditLocksActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "edit_locks_active",
			Help: "Number of currently held edit locks",
		},
	)

	AutoSaveTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auto_save_total",
			Help: "Auto-save flush outcomes, by result (ok, conflict, error, skip)",
		},
		[]string{"result"},
	)
)

// ObserveDb records one database query for both the counter and the latency
// histogram.
func ObserveDb(model, op string, start time.Time) {
	DbQueryTotal.WithLabelValues(model, op).Inc()
	DbLatency.WithLabelValues(model, op).Observe(float64(time.Since(start).Milliseconds()))
}
