// Package metrics holds the Prometheus collectors for porthos clients and
// responders. A nil collector records nothing, so callers never check.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/morezero/porthos/pkg/pending"
)

const namespace = "porthos"

// Call outcomes used as the "outcome" label.
const (
	OutcomeOK       = "ok"
	OutcomeTimeout  = "timeout"
	OutcomeCanceled = "canceled"
	OutcomeError    = "error"
)

// ClientCollector is a prometheus.Collector for RPC clients.
type ClientCollector struct {
	sent          *prometheus.CounterVec
	publishErrors *prometheus.CounterVec
	completed     *prometheus.CounterVec
	unmatched     *prometheus.CounterVec
	eventsDropped *prometheus.CounterVec
	callDuration  *prometheus.HistogramVec
	pending       *prometheus.GaugeVec
}

// NewClientCollector returns a new ClientCollector.
func NewClientCollector() *ClientCollector {
	return &ClientCollector{
		sent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "client",
				Name:      "requests_sent_total",
				Help:      "Requests published, by service and whether a reply is expected.",
			}, []string{"service", "reply"},
		),
		publishErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "client",
				Name:      "publish_errors_total",
				Help:      "Requests the transport failed to publish.",
			}, []string{"service"},
		),
		completed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "client",
				Name:      "calls_completed_total",
				Help:      "Waited calls by outcome.",
			}, []string{"service", "outcome"},
		),
		unmatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "client",
				Name:      "unmatched_deliveries_total",
				Help:      "Responses discarded because no call was waiting for their correlation id.",
			}, []string{"service"},
		),
		eventsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "client",
				Name:      "unmatched_events_dropped_total",
				Help:      "Unmatched-delivery events dropped because the publisher queue was full.",
			}, []string{"service"},
		),
		callDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "client",
				Name:      "call_duration_seconds",
				Help:      "Time from publishing a request to its response, timeout or cancellation.",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
			}, []string{"service"},
		),
		pending: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "client",
				Name:      "pending_calls",
				Help:      "Calls waiting for a response.",
			}, []string{"service"},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *ClientCollector) Describe(ch chan<- *prometheus.Desc) {
	c.sent.Describe(ch)
	c.publishErrors.Describe(ch)
	c.completed.Describe(ch)
	c.unmatched.Describe(ch)
	c.eventsDropped.Describe(ch)
	c.callDuration.Describe(ch)
	c.pending.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *ClientCollector) Collect(ch chan<- prometheus.Metric) {
	c.sent.Collect(ch)
	c.publishErrors.Collect(ch)
	c.completed.Collect(ch)
	c.unmatched.Collect(ch)
	c.eventsDropped.Collect(ch)
	c.callDuration.Collect(ch)
	c.pending.Collect(ch)
}

// RequestSent counts a published request.
func (c *ClientCollector) RequestSent(service string, expectsReply bool) {
	if c == nil {
		return
	}
	reply := "no"
	if expectsReply {
		reply = "yes"
	}
	c.sent.WithLabelValues(service, reply).Inc()
}

// PublishFailed counts a request the transport rejected.
func (c *ClientCollector) PublishFailed(service string) {
	if c == nil {
		return
	}
	c.publishErrors.WithLabelValues(service).Inc()
}

// CallCompleted records how a waited call ended and how long it took.
func (c *ClientCollector) CallCompleted(service string, elapsed time.Duration, err error) {
	if c == nil {
		return
	}
	c.completed.WithLabelValues(service, Outcome(err)).Inc()
	c.callDuration.WithLabelValues(service).Observe(elapsed.Seconds())
}

// Unmatched counts a discarded response.
func (c *ClientCollector) Unmatched(service string) {
	if c == nil {
		return
	}
	c.unmatched.WithLabelValues(service).Inc()
}

// UnmatchedEventDropped counts an event the publisher queue had no room for.
func (c *ClientCollector) UnmatchedEventDropped(service string) {
	if c == nil {
		return
	}
	c.eventsDropped.WithLabelValues(service).Inc()
}

// SetPending reports the number of outstanding calls.
func (c *ClientCollector) SetPending(service string, n int) {
	if c == nil {
		return
	}
	c.pending.WithLabelValues(service).Set(float64(n))
}

// Outcome maps a wait error to its outcome label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, pending.ErrTimeout):
		return OutcomeTimeout
	case errors.Is(err, pending.ErrCanceled):
		return OutcomeCanceled
	default:
		return OutcomeError
	}
}
