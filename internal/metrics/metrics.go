package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "enhance"

// Collector owns a private registry with the service metrics.
type Collector struct {
	registry *prometheus.Registry

	requests           *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	requestErrors      *prometheus.CounterVec
	requestsInProgress *prometheus.GaugeVec

	rateLimitHits *prometheus.CounterVec

	sessionsCreated *prometheus.CounterVec
	streamsActive   prometheus.Gauge
	streamsClosed   *prometheus.CounterVec
	chunks          *prometheus.CounterVec
	tokens          *prometheus.CounterVec
	cost            *prometheus.CounterVec

	startTime time.Time
}

// NewCollector creates a collector with its own registry, including Go runtime and process
// collectors.
func NewCollector() *Collector {
	c := &Collector{
		registry:  prometheus.NewRegistry(),
		startTime: time.Now(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of requests by endpoint.",
		}, []string{"endpoint"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Request duration by endpoint.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),
		requestErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_errors_total",
			Help:      "Total number of request errors by endpoint.",
		}, []string{"endpoint"}),
		requestsInProgress: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "requests_in_progress",
			Help:      "Current number of requests being processed.",
		}, []string{"endpoint"}),
		rateLimitHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_hits_total",
			Help:      "Rate limit rejections by masked requester.",
		}, []string{"key"}),
		sessionsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Sessions created by action and selected backend.",
		}, []string{"action", "backend"}),
		streamsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streams_active",
			Help:      "Streams currently generating.",
		}),
		streamsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_total",
			Help:      "Finished streams by outcome.",
		}, []string{"outcome"}),
		chunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_total",
			Help:      "Chunks relayed to clients by backend.",
		}, []string{"backend"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Estimated tokens of completed sessions by backend and direction.",
		}, []string{"backend", "direction"}),
		cost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cost_total",
			Help:      "Accumulated cost of completed sessions by backend.",
		}, []string{"backend"}),
	}
	uptime := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "uptime_seconds",
		Help:      "Time since the service started.",
	}, func() float64 { return time.Since(c.startTime).Seconds() })

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		uptime,
		c.requests,
		c.requestDuration,
		c.requestErrors,
		c.requestsInProgress,
		c.rateLimitHits,
		c.sessionsCreated,
		c.streamsActive,
		c.streamsClosed,
		c.chunks,
		c.tokens,
		c.cost,
	)
	return c
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// RecordRequest records a finished request to an endpoint.
func (c *Collector) RecordRequest(endpoint string, duration time.Duration) {
	c.requests.WithLabelValues(endpoint).Inc()
	c.requestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// RecordError records an error for an endpoint.
func (c *Collector) RecordError(endpoint string) {
	c.requestErrors.WithLabelValues(endpoint).Inc()
}

// RecordRequestStart increments in-progress requests.
func (c *Collector) RecordRequestStart(endpoint string) {
	c.requestsInProgress.WithLabelValues(endpoint).Inc()
}

// RecordRequestEnd decrements in-progress requests.
func (c *Collector) RecordRequestEnd(endpoint string) {
	c.requestsInProgress.WithLabelValues(endpoint).Dec()
}

// RecordRateLimitHit records a rate limit rejection.
func (c *Collector) RecordRateLimitHit(key string) {
	c.rateLimitHits.WithLabelValues(maskUserID(key)).Inc()
}

// maskUserID keeps only the last four characters of a caller key.
func maskUserID(userID string) string {
	if len(userID) <= 4 {
		return "user_***"
	}
	return "user_***" + userID[len(userID)-4:]
}

func (c *Collector) SessionCreated(action, backendName string) {
	c.sessionsCreated.WithLabelValues(action, backendName).Inc()
}

func (c *Collector) StreamOpened() {
	c.streamsActive.Inc()
}

func (c *Collector) StreamClosed(outcome string) {
	c.streamsActive.Dec()
	c.streamsClosed.WithLabelValues(outcome).Inc()
}

func (c *Collector) ChunkStreamed(backendName string, tokens int) {
	c.chunks.WithLabelValues(backendName).Inc()
}

func (c *Collector) UsageRecorded(backendName string, inputTokens, outputTokens int, cost float64) {
	c.tokens.WithLabelValues(backendName, "input").Add(float64(inputTokens))
	c.tokens.WithLabelValues(backendName, "output").Add(float64(outputTokens))
	c.cost.WithLabelValues(backendName).Add(cost)
}
