package middleware

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"mini-ops/ops"
	"mini-ops/pending"
)

const (
	statusOK    = "ok"
	statusError = "error"
)

// Completion outcomes counted by DispatchMetrics.RecordCompletion.
const (
	CompletionResolved  = "resolved"
	CompletionUnknown   = "unknown_id"
	CompletionMalformed = "malformed"
)

// DispatchMetrics holds the Prometheus metrics for the dispatch path.
type DispatchMetrics struct {
	invokes     *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	completions *prometheus.CounterVec

	reg         prometheus.Registerer
	pendingOnce sync.Once
}

// NewDispatchMetrics creates and registers the dispatch metrics on reg.
func NewDispatchMetrics(reg prometheus.Registerer) *DispatchMetrics {
	factory := promauto.With(reg)
	return &DispatchMetrics{
		reg: reg,
		invokes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "miniops_invokes_total",
				Help: "Total operation invocations by completion path and status.",
			},
			[]string{"op", "path", "status"},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "miniops_invoke_duration_seconds",
				Help:    "Invoke latency in seconds; for deferred calls this covers the submission only.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"op"},
		),
		completions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "miniops_completions_total",
				Help: "Completion notifications by outcome.",
			},
			[]string{"status"},
		),
	}
}

// RecordCompletion counts one completion notification outcome; status is one
// of the Completion* constants.
func (m *DispatchMetrics) RecordCompletion(status string) {
	m.completions.WithLabelValues(status).Inc()
}

// TrackPending registers a gauge fed by length — the number of outstanding
// correlated calls. Safe to call more than once; the gauge is registered on
// the first call only.
func (m *DispatchMetrics) TrackPending(length func() int) {
	m.pendingOnce.Do(func() {
		promauto.With(m.reg).NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "miniops_pending_calls",
				Help: "Outstanding correlated calls awaiting completion.",
			},
			func() float64 { return float64(length()) },
		)
	})
}

// Metrics counts and times every invoke.
func Metrics(m *DispatchMetrics, names *ops.Registry) Middleware {
	return func(next Invoker) Invoker {
		return func(op ops.Code, arg int, payload []byte) (int32, *pending.Call, error) {
			start := time.Now()
			result, call, err := next(op, arg, payload)

			status := statusOK
			if err != nil {
				status = statusError
			}
			name := opName(names, op)
			m.invokes.WithLabelValues(name, pathOf(call), status).Inc()
			m.duration.WithLabelValues(name).Observe(time.Since(start).Seconds())
			return result, call, err
		}
	}
}
