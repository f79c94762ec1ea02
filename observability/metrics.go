package observability

import (
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	printingMetricsOnce sync.Once
	printingRegistry    *PrintingMetrics

	keeperMetricsOnce sync.Once
	keeperRegistry    *KeeperMetrics
)

// PrintingMetrics captures lifecycle engine activity.
type PrintingMetrics struct {
	requests   *prometheus.CounterVec
	errors     *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	escrowed   prometheus.Gauge
	liveOrders prometheus.Gauge
}

// Printing returns the lazily-initialised metrics registry for the order
// lifecycle engine.
func Printing() *PrintingMetrics {
	printingMetricsOnce.Do(func() {
		printingRegistry = &PrintingMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "formicarium",
				Subsystem: "printing",
				Name:      "operations_total",
				Help:      "Count of lifecycle operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "formicarium",
				Subsystem: "printing",
				Name:      "errors_total",
				Help:      "Count of rejected lifecycle operations segmented by operation and error code.",
			}, []string{"operation", "code"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "formicarium",
				Subsystem: "printing",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for lifecycle operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			escrowed: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "formicarium",
				Subsystem: "printing",
				Name:      "escrowed_amount",
				Help:      "Token base units currently held in escrow by this process.",
			}),
			liveOrders: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "formicarium",
				Subsystem: "printing",
				Name:      "live_orders",
				Help:      "Orders created and not yet refunded or settled by this process.",
			}),
		}
		prometheus.MustRegister(
			printingRegistry.requests,
			printingRegistry.errors,
			printingRegistry.latency,
			printingRegistry.escrowed,
			printingRegistry.liveOrders,
		)
	})
	return printingRegistry
}

// Observe records the outcome of a lifecycle operation. code is the stable
// error code for rejected calls and "internal" for infrastructure failures.
func (m *PrintingMetrics) Observe(operation string, duration time.Duration, code string, err error) {
	if m == nil {
		return
	}
	op := strings.TrimSpace(operation)
	if op == "" {
		op = "unknown"
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
		if strings.TrimSpace(code) == "" {
			code = "internal"
		}
		m.errors.WithLabelValues(op, code).Inc()
	}
	m.requests.WithLabelValues(op, outcome).Inc()
	m.latency.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordEscrowed adjusts the escrow gauge by delta when funds enter (positive)
// or leave (negative) escrow.
func (m *PrintingMetrics) RecordEscrowed(delta *big.Int) {
	if m == nil || delta == nil {
		return
	}
	m.escrowed.Add(bigToFloat(delta))
	if delta.Sign() > 0 {
		m.liveOrders.Inc()
	} else if delta.Sign() < 0 {
		m.liveOrders.Dec()
	}
}

// KeeperMetrics wraps collectors tracking the settlement keeper.
type KeeperMetrics struct {
	actions      *prometheus.CounterVec
	scanDuration prometheus.Histogram
	errors       *prometheus.CounterVec
	pauseEngaged prometheus.Gauge
}

// Keeper exposes the metrics registry for keeperd.
func Keeper() *KeeperMetrics {
	keeperMetricsOnce.Do(func() {
		keeperRegistry = &KeeperMetrics{
			actions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "formicarium",
				Subsystem: "keeperd",
				Name:      "actions_total",
				Help:      "Count of settlements and refunds triggered by the keeper.",
			}, []string{"action"}),
			scanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "formicarium",
				Subsystem: "keeperd",
				Name:      "scan_duration_seconds",
				Help:      "Latency distribution for a full backlog scan.",
				Buckets:   prometheus.DefBuckets,
			}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "formicarium",
				Subsystem: "keeperd",
				Name:      "errors_total",
				Help:      "Count of keeper failures segmented by action and reason.",
			}, []string{"action", "reason"}),
			pauseEngaged: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "formicarium",
				Subsystem: "keeperd",
				Name:      "pause_engaged",
				Help:      "Indicates whether the keeper pause guard is active (1) or not (0).",
			}),
		}
		prometheus.MustRegister(
			keeperRegistry.actions,
			keeperRegistry.scanDuration,
			keeperRegistry.errors,
			keeperRegistry.pauseEngaged,
		)
	})
	return keeperRegistry
}

// RecordAction increments the counter for a successful keeper action.
func (m *KeeperMetrics) RecordAction(action string) {
	if m == nil {
		return
	}
	m.actions.WithLabelValues(normalizeLabel(action)).Inc()
}

// RecordError increments the error counter for the supplied action.
func (m *KeeperMetrics) RecordError(action, reason string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(normalizeLabel(action), normalizeLabel(reason)).Inc()
}

// ObserveScan records the duration of one backlog scan.
func (m *KeeperMetrics) ObserveScan(d time.Duration) {
	if m == nil {
		return
	}
	m.scanDuration.Observe(d.Seconds())
}

// SetPaused toggles the pause gauge.
func (m *KeeperMetrics) SetPaused(paused bool) {
	if m == nil {
		return
	}
	if paused {
		m.pauseEngaged.Set(1)
		return
	}
	m.pauseEngaged.Set(0)
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}

func bigToFloat(v *big.Int) float64 {
	f, _ := new(big.Float).SetInt(v).Float64()
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return 0
	}
	return f
}
