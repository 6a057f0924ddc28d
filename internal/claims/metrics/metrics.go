package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Operation labels.
const (
	OpCreate   = "create"
	OpRevoke   = "revoke"
	OpTransfer = "transfer"
	OpGet      = "get"
)

// Metrics provides observability for the claims module.
// Tracks operation outcomes, operation latency, the block counter and outbox relay throughput.
type Metrics struct {
	Operations        *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	CurrentBlock      prometheus.Gauge
	OutboxPublished   prometheus.Counter
	OutboxFailures    prometheus.Counter
	EventsDropped     prometheus.Counter
}

// New creates a Metrics instance registered with reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Operations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "poe_claim_operations_total",
			Help: "Claim registry operations by operation and outcome (ok or error code)",
		}, []string{"operation", "outcome"}),
		OperationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "poe_claim_operation_duration_seconds",
			Help:    "Duration of claim registry operations including transaction and event publish",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"operation"}),
		CurrentBlock: factory.NewGauge(prometheus.GaugeOpts{
			Name: "poe_current_block",
			Help: "Latest block number produced by the block ticker",
		}),
		OutboxPublished: factory.NewCounter(prometheus.CounterOpts{
			Name: "poe_outbox_published_total",
			Help: "Claim events relayed from the outbox to the event sink",
		}),
		OutboxFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "poe_outbox_failures_total",
			Help: "Outbox relay batches that failed and will be retried",
		}),
		EventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "poe_claim_events_dropped_total",
			Help: "Events of committed claim mutations the sink refused",
		}),
	}
}

// ObserveOperation records the outcome and duration of an operation.
// Call with time.Now() captured at the start of the operation.
func (m *Metrics) ObserveOperation(operation, outcome string, start time.Time) {
	m.Operations.WithLabelValues(operation, outcome).Inc()
	m.OperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// SetCurrentBlock records the latest block number.
func (m *Metrics) SetCurrentBlock(block uint64) {
	m.CurrentBlock.Set(float64(block))
}

// IncrementOutboxPublished records relayed outbox entries.
func (m *Metrics) IncrementOutboxPublished(n int) {
	m.OutboxPublished.Add(float64(n))
}

// IncrementOutboxFailures records a failed relay batch.
func (m *Metrics) IncrementOutboxFailures() {
	m.OutboxFailures.Inc()
}

// IncrementEventsDropped records an event lost after its mutation committed.
func (m *Metrics) IncrementEventsDropped() {
	m.EventsDropped.Inc()
}
