// Package metrics defines the counters the pool uses internally for
// bookkeeping (plain atomics, read lock-free by the controller) and the
// Prometheus vectors those counters are mirrored into for scraping.
//
// The label and metric names follow the teacher repo's
// internal/metrics/metrics.go, generalized from a fixed "bucket_id" proxy
// concept to this module's "db" label.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Active tracks the number of checked-out connections per database.
	Active = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "connpool_active",
		Help: "Number of active (checked out) connections per database",
	}, []string{"db"})

	// Idle tracks the number of idle connections per database.
	Idle = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "connpool_idle",
		Help: "Number of idle connections per database",
	}, []string{"db"})

	// Connecting tracks in-flight Connector.Connect calls. Reconnect calls
	// made to reassign a connection between databases are not counted.
	Connecting = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "connpool_connecting",
		Help: "Number of in-flight connect attempts per database",
	}, []string{"db"})

	// Disconnecting tracks in-flight Connector.Disconnect calls.
	Disconnecting = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "connpool_disconnecting",
		Help: "Number of in-flight disconnects per database",
	}, []string{"db"})

	// Waiting tracks the current wait queue depth per database.
	Waiting = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "connpool_waiting",
		Help: "Number of acquirers suspended in the wait queue per database",
	}, []string{"db"})

	// Target tracks the controller's current capacity allocation per
	// database.
	Target = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "connpool_target",
		Help: "Controller-assigned target capacity per database",
	}, []string{"db"})

	// Failed counts cumulative ConnectFailed outcomes per database.
	Failed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "connpool_failed_total",
		Help: "Total failed connect/reconnect attempts per database",
	}, []string{"db"})

	// Closed counts cumulative connection closures per database.
	Closed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "connpool_closed_total",
		Help: "Total connections closed per database",
	}, []string{"db"})

	// QueueWaitSeconds tracks how long acquirers spend waiting.
	QueueWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "connpool_queue_wait_seconds",
		Help:    "Time spent waiting in the wait queue for a connection",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
	}, []string{"db"})

	// Reassignments counts cumulative cross-database reassignments.
	Reassignments = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "connpool_reassignments_total",
		Help: "Total connections reassigned from one database to another",
	}, []string{"from_db", "to_db"})
)

// Counters holds the per-block live counts used for invariant bookkeeping
// and controller input. A connection state transition updates fields in
// pairs (one inc, one dec), but each field is a separate atomic and
// Snapshot loads them one at a time, so it may observe one half of a
// transition or race with a concurrent one — callers must treat it as
// advisory, per spec.
type Counters struct {
	Active        atomic.Int64
	Idle          atomic.Int64
	Connecting    atomic.Int64
	Disconnecting atomic.Int64
	Waiting       atomic.Int64
	Failed        atomic.Int64
	Closed        atomic.Int64
	Target        atomic.Int64
}

// Snapshot is a point-in-time copy of Counters, safe to pass around and
// compare.
type Snapshot struct {
	Active, Idle, Connecting, Disconnecting, Waiting, Failed, Closed, Target int64
}

// Snapshot takes a lock-free point-in-time read of every counter.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		Active:        c.Active.Load(),
		Idle:          c.Idle.Load(),
		Connecting:    c.Connecting.Load(),
		Disconnecting: c.Disconnecting.Load(),
		Waiting:       c.Waiting.Load(),
		Failed:        c.Failed.Load(),
		Closed:        c.Closed.Load(),
		Target:        c.Target.Load(),
	}
}

// PublishGauges mirrors the live gauge counters into the Prometheus
// vectors for db. Failed/Closed are cumulative counters and are
// incremented directly at the call site instead (see Block), not
// republished here.
func (c *Counters) PublishGauges(db string) {
	Active.WithLabelValues(db).Set(float64(c.Active.Load()))
	Idle.WithLabelValues(db).Set(float64(c.Idle.Load()))
	Connecting.WithLabelValues(db).Set(float64(c.Connecting.Load()))
	Disconnecting.WithLabelValues(db).Set(float64(c.Disconnecting.Load()))
	Waiting.WithLabelValues(db).Set(float64(c.Waiting.Load()))
	Target.WithLabelValues(db).Set(float64(c.Target.Load()))
}
