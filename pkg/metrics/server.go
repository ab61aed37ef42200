package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ServerCollector is a prometheus.Collector for responders.
type ServerCollector struct {
	requests        *prometheus.CounterVec
	handlerDuration *prometheus.HistogramVec
	inFlight        prometheus.Gauge
	expired         prometheus.Counter
}

// NewServerCollector returns a new ServerCollector.
func NewServerCollector() *ServerCollector {
	return &ServerCollector{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "server",
				Name:      "requests_total",
				Help:      "Requests handled, by method and reply status code.",
			}, []string{"method", "status"},
		),
		handlerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "server",
				Name:      "handler_duration_seconds",
				Help:      "Time spent in method handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method"},
		),
		inFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "server",
				Name:      "requests_in_flight",
				Help:      "Requests currently being handled.",
			},
		),
		expired: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "server",
				Name:      "expired_requests_total",
				Help:      "Requests dropped because their expiration passed before they were consumed.",
			},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *ServerCollector) Describe(ch chan<- *prometheus.Desc) {
	c.requests.Describe(ch)
	c.handlerDuration.Describe(ch)
	c.inFlight.Describe(ch)
	c.expired.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *ServerCollector) Collect(ch chan<- prometheus.Metric) {
	c.requests.Collect(ch)
	c.handlerDuration.Collect(ch)
	c.inFlight.Collect(ch)
	c.expired.Collect(ch)
}

// RequestStarted marks a request in flight.
func (c *ServerCollector) RequestStarted() {
	if c == nil {
		return
	}
	c.inFlight.Inc()
}

// RequestFinished records a handled request. method should be "unknown" for
// methods with no handler to bound label cardinality.
func (c *ServerCollector) RequestFinished(method string, status int, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.inFlight.Dec()
	c.requests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	c.handlerDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

// Expired counts a request dropped for age.
func (c *ServerCollector) Expired() {
	if c == nil {
		return
	}
	c.expired.Inc()
}
