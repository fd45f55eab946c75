package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "relay"

// Collector records engine metrics. A nil *Collector is valid and records nothing.
type Collector struct {
	envelopesHandled  *prometheus.CounterVec
	handlerDuration   *prometheus.HistogramVec
	retries           *prometheus.CounterVec
	deadLetters       *prometheus.CounterVec
	batchesSent       *prometheus.CounterVec
	batchesReceived   *prometheus.CounterVec
	scheduledClaimed  prometheus.Counter
	orphansReassigned prometheus.Counter
	inFlight          prometheus.Gauge
	breakerState      *prometheus.GaugeVec
}

// New creates a collector and registers it on reg
func New(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		envelopesHandled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_handled_total",
			Help:      "Envelopes executed by the worker queue (count)",
		}, []string{"message_type", "outcome"}),
		handlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handler_duration_ms",
			Help:      "Handler pipeline duration in milliseconds",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"message_type"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelope_retries_total",
			Help:      "Envelopes resubmitted after a failed attempt (count)",
		}, []string{"message_type"}),
		deadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_letters_total",
			Help:      "Envelopes moved to the dead letter store (count)",
		}, []string{"message_type", "reason"}),
		batchesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_sent_total",
			Help:      "Outgoing wire batches by outcome (count)",
		}, []string{"outcome"}),
		batchesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_received_total",
			Help:      "Incoming wire batches by reply code (count)",
		}, []string{"status"}),
		scheduledClaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduled_envelopes_claimed_total",
			Help:      "Scheduled envelopes claimed for execution (count)",
		}),
		orphansReassigned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orphans_reassigned_total",
			Help:      "Envelopes released from dead nodes (count)",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_in_flight",
			Help:      "Envelopes currently executing (count)",
		}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sender_circuit_state",
			Help:      "Sender circuit breaker state per destination (0=closed, 1=half-open, 2=open)",
		}, []string{"destination"}),
	}

	for _, col := range []prometheus.Collector{
		c.envelopesHandled, c.handlerDuration, c.retries, c.deadLetters,
		c.batchesSent, c.batchesReceived, c.scheduledClaimed, c.orphansReassigned,
		c.inFlight, c.breakerState,
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// EnvelopeHandled records one execution of the handler pipeline
func (c *Collector) EnvelopeHandled(messageType, outcome string, duration time.Duration) {
	if c == nil {
		return
	}
	c.envelopesHandled.WithLabelValues(messageType, outcome).Inc()
	c.handlerDuration.WithLabelValues(messageType).Observe(float64(duration.Milliseconds()))
}

func (c *Collector) EnvelopeRetried(messageType string) {
	if c == nil {
		return
	}
	c.retries.WithLabelValues(messageType).Inc()
}

func (c *Collector) EnvelopeDeadLettered(messageType, reason string) {
	if c == nil {
		return
	}
	c.deadLetters.WithLabelValues(messageType, reason).Inc()
}

func (c *Collector) BatchSent(outcome string) {
	if c == nil {
		return
	}
	c.batchesSent.WithLabelValues(outcome).Inc()
}

func (c *Collector) BatchReceived(status string) {
	if c == nil {
		return
	}
	c.batchesReceived.WithLabelValues(status).Inc()
}

func (c *Collector) ScheduledClaimed(n int) {
	if c == nil {
		return
	}
	c.scheduledClaimed.Add(float64(n))
}

func (c *Collector) OrphansReassigned(n int) {
	if c == nil {
		return
	}
	c.orphansReassigned.Add(float64(n))
}

// InFlight adjusts the executing envelope gauge by delta
func (c *Collector) InFlight(delta int) {
	if c == nil {
		return
	}
	c.inFlight.Add(float64(delta))
}

// BreakerState publishes the gobreaker state value for destination
func (c *Collector) BreakerState(destination string, state int) {
	if c == nil {
		return
	}
	c.breakerState.WithLabelValues(destination).Set(float64(state))
}
