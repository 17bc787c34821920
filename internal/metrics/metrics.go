// Package metrics exposes hydrant's Prometheus metrics, ported from the
// teacher's internal/metrics/metrics.go (a custom-registry Collector with
// one method per event) and relabeled from pooled-proxy-connection
// semantics onto bulk-copy-pool/batch-flush semantics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds every Prometheus metric hydrant reports.
type Collector struct {
	Registry *prometheus.Registry

	slotsAvailable    prometheus.Gauge
	slotsInUse        prometheus.Gauge
	slotsDead         prometheus.Gauge
	slotsPermanentFail prometheus.Gauge

	flushDuration  prometheus.Histogram
	flushBytes     prometheus.Counter
	flushErrors    prometheus.Counter
	flushesTotal   prometheus.Counter

	copyPutRetries prometheus.Counter

	connectionResets   prometheus.Counter
	connectionFailures prometheus.Counter

	acquireDuration prometheus.Histogram
}

// New creates and registers every hydrant metric on a fresh, independent
// registry, matching the teacher's New() (safe to call repeatedly, e.g. in
// tests, since each call gets its own registry).
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		slotsAvailable: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hydrant_pool_slots_available",
			Help: "Number of pool slots currently available for acquisition",
		}),
		slotsInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hydrant_pool_slots_in_use",
			Help: "Number of pool slots currently checked out for a flush",
		}),
		slotsDead: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hydrant_pool_slots_dead",
			Help: "Number of pool slots marked dead, awaiting recovery",
		}),
		slotsPermanentFail: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hydrant_pool_slots_permanent_failure",
			Help: "Number of pool slots quarantined after exhausting recovery attempts",
		}),
		flushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hydrant_batch_flush_duration_seconds",
			Help:    "Duration of a batch flush from connection acquire to release",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
		}),
		flushBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hydrant_batch_flush_bytes_total",
			Help: "Total bytes successfully copied into the database",
		}),
		flushErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hydrant_batch_flush_errors_total",
			Help: "Total batch flushes that failed",
		}),
		flushesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hydrant_batch_flushes_total",
			Help: "Total batch flushes attempted",
		}),
		copyPutRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hydrant_copy_put_retries_total",
			Help: "Total PutWouldBlock responses retried during COPY streaming",
		}),
		connectionResets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hydrant_connection_resets_total",
			Help: "Total pool slots successfully redialed after being marked dead",
		}),
		connectionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hydrant_connection_failures_total",
			Help: "Total failed redial attempts against dead pool slots",
		}),
		acquireDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hydrant_pool_acquire_duration_seconds",
			Help:    "Duration spent waiting to acquire a pool slot",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
		}),
	}

	reg.MustRegister(
		c.slotsAvailable, c.slotsInUse, c.slotsDead, c.slotsPermanentFail,
		c.flushDuration, c.flushBytes, c.flushErrors, c.flushesTotal,
		c.copyPutRetries, c.connectionResets, c.connectionFailures,
		c.acquireDuration,
	)
	return c
}

// UpdatePoolGauges sets the four slot-state gauges from a pool snapshot.
func (c *Collector) UpdatePoolGauges(available, inUse, dead, permanentFailure int) {
	c.slotsAvailable.Set(float64(available))
	c.slotsInUse.Set(float64(inUse))
	c.slotsDead.Set(float64(dead))
	c.slotsPermanentFail.Set(float64(permanentFailure))
}

// FlushCompleted records one batch flush's outcome.
func (c *Collector) FlushCompleted(d time.Duration, bytesWritten int, err error) {
	c.flushesTotal.Inc()
	c.flushDuration.Observe(d.Seconds())
	c.flushBytes.Add(float64(bytesWritten))
	if err != nil {
		c.flushErrors.Inc()
	}
}

// CopyPutRetried records one PutWouldBlock retry during COPY streaming.
func (c *Collector) CopyPutRetried() {
	c.copyPutRetries.Inc()
}

// ConnectionReset records a successful slot recovery.
func (c *Collector) ConnectionReset() {
	c.connectionResets.Inc()
}

// ConnectionFailure records a single failed redial attempt against a dead slot.
func (c *Collector) ConnectionFailure() {
	c.connectionFailures.Inc()
}

// AcquireCompleted records the wait time for one Acquire call.
func (c *Collector) AcquireCompleted(d time.Duration) {
	c.acquireDuration.Observe(d.Seconds())
}
