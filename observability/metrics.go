package observability

import (
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SettlementMetricsRegistry records RPC operation activity and the pending
// platform fee level for the settlement engine.
type SettlementMetricsRegistry struct {
	requests    *prometheus.CounterVec
	errors      *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	pendingFees *prometheus.GaugeVec
}

var (
	settlementOnce     sync.Once
	settlementRegistry *SettlementMetricsRegistry
)

// SettlementMetrics returns the lazily-initialised metrics registry used to
// record settlement operation activity.
func SettlementMetrics() *SettlementMetricsRegistry {
	settlementOnce.Do(func() {
		settlementRegistry = &SettlementMetricsRegistry{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "unitpay",
				Subsystem: "settlement",
				Name:      "requests_total",
				Help:      "Total settlement operations segmented by method and outcome.",
			}, []string{"method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "unitpay",
				Subsystem: "settlement",
				Name:      "errors_total",
				Help:      "Total settlement operation errors segmented by method and condition.",
			}, []string{"method", "condition"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "unitpay",
				Subsystem: "settlement",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for settlement operation handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method"}),
			pendingFees: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "unitpay",
				Subsystem: "settlement",
				Name:      "pending_platform_fees",
				Help:      "Platform fees collected but not yet withdrawn, per settlement token.",
			}, []string{"token"}),
		}
		prometheus.MustRegister(
			settlementRegistry.requests,
			settlementRegistry.errors,
			settlementRegistry.latency,
			settlementRegistry.pendingFees,
		)
	})
	return settlementRegistry
}

// ObserveRequest records one completed operation with its outcome and
// duration.
func (m *SettlementMetricsRegistry) ObserveRequest(method, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, outcome).Inc()
	m.latency.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordError counts one failed operation by its named condition.
func (m *SettlementMetricsRegistry) RecordError(method, condition string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(method, condition).Inc()
}

// SetPendingFees publishes the current fee accumulator level for one
// settlement token. Values beyond float64 range are clamped.
func (m *SettlementMetricsRegistry) SetPendingFees(token string, amount *big.Int) {
	if m == nil || amount == nil {
		return
	}
	value, _ := new(big.Float).SetInt(amount).Float64()
	if math.IsInf(value, 0) || math.IsNaN(value) {
		value = math.MaxFloat64
	}
	m.pendingFees.WithLabelValues(token).Set(value)
}
