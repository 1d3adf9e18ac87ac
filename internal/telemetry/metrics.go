package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	WebhookEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_events_total",
		Help: "Processor webhook deliveries by event type and outcome",
	}, []string{"type", "outcome"})
	JobTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "job_transitions_total",
		Help: "Committed job status transitions",
	}, []string{"from", "to", "trigger"})
	TransitionConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "job_transition_conflicts_total",
		Help: "Compare-and-swap losses on job status writes",
	})
	PayoutAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "payout_issue_attempts_total",
		Help: "Transfer requests sent to the processor by result",
	}, []string{"result"})
	PayoutEscalations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "payout_escalations_total",
		Help: "Jobs whose payout retries were exhausted",
	})
	DoubleFunding = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "payment_double_funding_total",
		Help: "Successful payments received for an already funded job",
	})
	EventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "job_events_dropped_total",
		Help: "Status-change events dropped because the publish queue was full",
	})
)

// Handler exposes /metrics with the collectors registered exactly once.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			WebhookEvents,
			JobTransitions,
			TransitionConflicts,
			PayoutAttempts,
			PayoutEscalations,
			DoubleFunding,
			EventsDropped,
		)
	})
	return promhttp.Handler()
}
