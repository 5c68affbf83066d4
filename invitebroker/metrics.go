package invitebroker

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const metricsNamespace = "invitebroker"

// assignment results, used as the `result` label on
// invitebroker_assignments_total
const (
	assignmentResultNew       = "new"
	assignmentResultExisting  = "existing"
	assignmentResultExhausted = "exhausted"
	assignmentResultInvalid   = "invalid"
	assignmentResultError     = "error"
)

// metrics holds the prometheus collectors for an InviteBroker, registered
// on their own registry. All methods are safe to call on a nil *metrics.
type metrics struct {
	registry *prometheus.Registry

	assignments         *prometheus.CounterVec
	transactionAttempts *prometheus.CounterVec
	transactionDuration *prometheus.HistogramVec
	interactions        *prometheus.CounterVec
	availableSlots      prometheus.Gauge
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		assignments: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "assignments_total",
				Help:      "Total private bot assignment requests by result.",
			}, []string{"result"},
		),
		transactionAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "transaction_attempts_total",
				Help:      "Total transaction attempts by isolation level and outcome.",
			}, []string{"isolation", "outcome"},
		),
		transactionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "transaction_duration_seconds",
				Help:      "Duration of individual transaction attempts in seconds.",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms .. ~2s
			}, []string{"isolation"},
		),
		interactions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "interactions_total",
				Help:      "Total Discord interactions handled by command.",
			}, []string{"command"},
		),
		availableSlots: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "available_slots",
				Help:      "Remaining private bot capacity as of the last capacity query.",
			},
		),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.assignments,
		m.transactionAttempts,
		m.transactionDuration,
		m.interactions,
		m.availableSlots,
	)
	return m
}

// observeAttempt is an AttemptObserver recording each transaction attempt
func (m *metrics) observeAttempt(r AttemptResult) {
	if m == nil {
		return
	}
	isolation := r.Isolation.String()
	m.transactionAttempts.WithLabelValues(isolation, r.Outcome).Inc()
	m.transactionDuration.WithLabelValues(isolation).Observe(r.Duration.Seconds())
}

func (m *metrics) observeAssignment(a *Assignment, err error) {
	if m == nil {
		return
	}
	m.assignments.WithLabelValues(assignmentResult(a, err)).Inc()
}

func (m *metrics) observeInteraction(command string) {
	if m == nil {
		return
	}
	m.interactions.WithLabelValues(command).Inc()
}

func (m *metrics) setAvailableSlots(n int64) {
	if m == nil {
		return
	}
	m.availableSlots.Set(float64(n))
}

func assignmentResult(a *Assignment, err error) string {
	switch {
	case err == nil && a != nil && a.NewlyAssigned:
		return assignmentResultNew
	case err == nil && a != nil:
		return assignmentResultExisting
	case errors.Is(err, ErrCapacityExhausted):
		return assignmentResultExhausted
	case errors.Is(err, ErrInvalidContext):
		return assignmentResultInvalid
	default:
		return assignmentResultError
	}
}
