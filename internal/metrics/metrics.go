package metrics

import (
	"strconv"
	"time"

	"github.com/KevinKickass/ModbusPoller/internal/register"
	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds the poller counters. It satisfies modbus.Observer.
type Collector struct {
	cycles         *prometheus.CounterVec
	cycleDuration  *prometheus.HistogramVec
	rowsPerCycle   *prometheus.GaugeVec
	batchFailures  *prometheus.CounterVec
	rowsDropped    *prometheus.CounterVec
	writes         *prometheus.CounterVec
	activeSessions prometheus.Gauge
	resultsDropped prometheus.Counter
}

// New creates the collector and registers it with reg.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modbus_poller",
			Name:      "poll_cycles_total",
			Help:      "Completed poll cycles per device.",
		}, []string{"device"}),
		cycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "modbus_poller",
			Name:      "poll_cycle_seconds",
			Help:      "Wall time of one poll cycle.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"device"}),
		rowsPerCycle: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "modbus_poller",
			Name:      "rows_last_cycle",
			Help:      "Rows produced by the most recent cycle.",
		}, []string{"device"}),
		batchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modbus_poller",
			Name:      "batch_failures_total",
			Help:      "Read requests that failed on the wire.",
		}, []string{"device", "function"}),
		rowsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modbus_poller",
			Name:      "rows_dropped_total",
			Help:      "Registers omitted because the response was too short.",
		}, []string{"device", "function"}),
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modbus_poller",
			Name:      "writes_total",
			Help:      "Write requests by kind and outcome.",
		}, []string{"device", "kind", "result"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "modbus_poller",
			Name:      "active_sessions",
			Help:      "Devices with a running poll loop.",
		}),
		resultsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "modbus_poller",
			Name:      "result_sets_dropped_total",
			Help:      "Result sets discarded because the consumer lagged.",
		}),
	}
	reg.MustRegister(
		c.cycles,
		c.cycleDuration,
		c.rowsPerCycle,
		c.batchFailures,
		c.rowsDropped,
		c.writes,
		c.activeSessions,
		c.resultsDropped,
	)
	return c
}

func (c *Collector) CycleCompleted(device string, took time.Duration, rows int) {
	c.cycles.WithLabelValues(device).Inc()
	c.cycleDuration.WithLabelValues(device).Observe(took.Seconds())
	c.rowsPerCycle.WithLabelValues(device).Set(float64(rows))
}

func (c *Collector) BatchFailed(device string, fc register.FunctionCode) {
	c.batchFailures.WithLabelValues(device, strconv.Itoa(int(fc))).Inc()
}

func (c *Collector) RowDropped(device string, fc register.FunctionCode) {
	c.rowsDropped.WithLabelValues(device, strconv.Itoa(int(fc))).Inc()
}

func (c *Collector) WriteCompleted(device, kind string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.writes.WithLabelValues(device, kind, result).Inc()
}

func (c *Collector) SessionStarted() {
	c.activeSessions.Inc()
}

func (c *Collector) SessionEnded() {
	c.activeSessions.Dec()
}

func (c *Collector) ResultSetDropped() {
	c.resultsDropped.Inc()
}
