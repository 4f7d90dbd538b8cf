package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the bus-level metrics shared by every topic handle.
type Metrics struct {
	// Topic metrics
	MessagesRead    *prometheus.CounterVec
	MessagesWritten *prometheus.CounterVec
	QueueDepth      *prometheus.GaugeVec
	QueueEvictions  *prometheus.CounterVec
	DecodeErrors    *prometheus.CounterVec
	ReplayDuration  *prometheus.HistogramVec

	// Command metrics
	CommandsInFlight prometheus.Gauge
	CommandsIssued   *prometheus.CounterVec
	AcksReceived     *prometheus.CounterVec

	// Broker metrics
	BrokerConnected      prometheus.Gauge
	BrokerRTT            prometheus.Gauge
	BrokerReconnects     prometheus.Counter
	BrokerCircuitBreaker prometheus.Gauge
	ReadLoopErrors       prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all bus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		MessagesRead: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "controlbus",
				Subsystem: "topics",
				Name:      "read_total",
				Help:      "Total number of records delivered to read handles",
			},
			[]string{"topic", "kind"},
		),

		MessagesWritten: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "controlbus",
				Subsystem: "topics",
				Name:      "written_total",
				Help:      "Total number of records published by write handles",
			},
			[]string{"topic", "kind"},
		),

		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "controlbus",
				Subsystem: "topics",
				Name:      "queue_depth",
				Help:      "Current number of records queued per read handle",
			},
			[]string{"topic"},
		),

		QueueEvictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "controlbus",
				Subsystem: "topics",
				Name:      "queue_evictions_total",
				Help:      "Total number of oldest records dropped from full read queues",
			},
			[]string{"topic"},
		),

		DecodeErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "controlbus",
				Subsystem: "topics",
				Name:      "decode_errors_total",
				Help:      "Total number of records that failed to decode or validate",
			},
			[]string{"topic"},
		),

		ReplayDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "controlbus",
				Subsystem: "topics",
				Name:      "replay_duration_seconds",
				Help:      "Time spent replaying historical records at startup",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"topic"},
		),

		CommandsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "controlbus",
				Subsystem: "commands",
				Name:      "in_flight",
				Help:      "Number of commands awaiting a terminal acknowledgement",
			},
		),

		CommandsIssued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "controlbus",
				Subsystem: "commands",
				Name:      "issued_total",
				Help:      "Total number of commands issued",
			},
			[]string{"command"},
		),

		AcksReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "controlbus",
				Subsystem: "commands",
				Name:      "acks_total",
				Help:      "Total number of command acknowledgements received",
			},
			[]string{"command", "code"},
		),

		BrokerConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "controlbus",
				Subsystem: "broker",
				Name:      "connected",
				Help:      "Broker connection status (0=disconnected, 1=connected)",
			},
		),

		BrokerRTT: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "controlbus",
				Subsystem: "broker",
				Name:      "rtt_milliseconds",
				Help:      "Broker round-trip time in milliseconds",
			},
		),

		BrokerReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "controlbus",
				Subsystem: "broker",
				Name:      "reconnects_total",
				Help:      "Total number of broker reconnections",
			},
		),

		BrokerCircuitBreaker: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "controlbus",
				Subsystem: "broker",
				Name:      "circuit_breaker",
				Help:      "Broker circuit breaker status (0=closed, 1=open, 2=half-open)",
			},
		),

		ReadLoopErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "controlbus",
				Subsystem: "broker",
				Name:      "read_loop_errors_total",
				Help:      "Total number of errors observed by the read loop",
			},
		),
	}
}

// RecordRead increments the delivered-record counter for a topic.
func (c *Metrics) RecordRead(topic, kind string) {
	c.MessagesRead.WithLabelValues(topic, kind).Inc()
}

// RecordWrite increments the published-record counter for a topic.
func (c *Metrics) RecordWrite(topic, kind string) {
	c.MessagesWritten.WithLabelValues(topic, kind).Inc()
}

// RecordQueueDepth updates the queue depth gauge for a topic.
func (c *Metrics) RecordQueueDepth(topic string, depth int) {
	c.QueueDepth.WithLabelValues(topic).Set(float64(depth))
}

// RecordEviction increments the eviction counter for a topic.
func (c *Metrics) RecordEviction(topic string) {
	c.QueueEvictions.WithLabelValues(topic).Inc()
}

// RecordDecodeError increments the decode failure counter for a topic.
func (c *Metrics) RecordDecodeError(topic string) {
	c.DecodeErrors.WithLabelValues(topic).Inc()
}

// RecordReplayDuration records how long historical replay took for a topic.
func (c *Metrics) RecordReplayDuration(topic string, duration time.Duration) {
	c.ReplayDuration.WithLabelValues(topic).Observe(duration.Seconds())
}

// RecordCommandIssued increments the issued counter and the in-flight gauge.
func (c *Metrics) RecordCommandIssued(command string) {
	c.CommandsIssued.WithLabelValues(command).Inc()
	c.CommandsInFlight.Inc()
}

// RecordCommandDone decrements the in-flight gauge.
func (c *Metrics) RecordCommandDone() {
	c.CommandsInFlight.Dec()
}

// RecordAck increments the acknowledgement counter for a command and code.
func (c *Metrics) RecordAck(command, code string) {
	c.AcksReceived.WithLabelValues(command, code).Inc()
}

// RecordBrokerStatus updates the broker connection status.
func (c *Metrics) RecordBrokerStatus(connected bool) {
	value := 0.0
	if connected {
		value = 1.0
	}
	c.BrokerConnected.Set(value)
}

// RecordBrokerRTT updates the broker round-trip time.
func (c *Metrics) RecordBrokerRTT(rtt time.Duration) {
	c.BrokerRTT.Set(float64(rtt.Milliseconds()))
}

// RecordBrokerReconnect increments the reconnection counter.
func (c *Metrics) RecordBrokerReconnect() {
	c.BrokerReconnects.Inc()
}

// RecordCircuitBreakerState updates the circuit breaker status.
func (c *Metrics) RecordCircuitBreakerState(state int) {
	c.BrokerCircuitBreaker.Set(float64(state))
}

// RecordReadLoopError increments the read loop error counter.
func (c *Metrics) RecordReadLoopError() {
	c.ReadLoopErrors.Inc()
}
