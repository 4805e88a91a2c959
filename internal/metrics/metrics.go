// Package metrics collects bridge observability counters.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the Prometheus instruments for the bridge.
// Each Collector owns its registry so tests can create them freely.
type Collector struct {
	registry *prometheus.Registry

	reconnectAttempts  prometheus.Counter
	reconnectExhausted prometheus.Counter

	heartbeatsSent     prometheus.Counter
	heartbeatsRejected prometheus.Counter
	heartbeatsSkipped  prometheus.Counter

	pushMessages       *prometheus.CounterVec
	statusRegressions  prometheus.Counter
	protocolViolations prometheus.Counter
	pollCeilingsHit    prometheus.Counter
}

// NewCollector creates and registers the bridge instruments.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_reconnect_attempts_total",
			Help: "Total number of channel reconnect attempts",
		}),
		reconnectExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_reconnect_exhausted_total",
			Help: "Times the reconnect loop gave up after max attempts",
		}),
		heartbeatsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_heartbeats_sent_total",
			Help: "Total number of session liveness probes sent",
		}),
		heartbeatsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_heartbeats_rejected_total",
			Help: "Heartbeats rejected by the backend (session invalid)",
		}),
		heartbeatsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_heartbeats_skipped_total",
			Help: "Heartbeat ticks skipped due to transport failure",
		}),
		pushMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_push_messages_total",
			Help: "Push messages received over the channel by type",
		}, []string{"type"}),
		statusRegressions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_status_regressions_total",
			Help: "Stale updates discarded by the monotonic status merge",
		}),
		protocolViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_protocol_violations_total",
			Help: "Protocol violations observed (duplicate confirms, bad transitions)",
		}),
		pollCeilingsHit: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_poll_ceilings_total",
			Help: "Poll loops that hit the bounded ceiling without a terminal status",
		}),
	}

	c.registry.MustRegister(
		c.reconnectAttempts,
		c.reconnectExhausted,
		c.heartbeatsSent,
		c.heartbeatsRejected,
		c.heartbeatsSkipped,
		c.pushMessages,
		c.statusRegressions,
		c.protocolViolations,
		c.pollCeilingsHit,
	)

	return c
}

// Handler returns the /metrics HTTP handler for this collector.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) RecordReconnectAttempt()   { c.reconnectAttempts.Inc() }
func (c *Collector) RecordReconnectExhausted() { c.reconnectExhausted.Inc() }

func (c *Collector) RecordHeartbeatSent()     { c.heartbeatsSent.Inc() }
func (c *Collector) RecordHeartbeatRejected() { c.heartbeatsRejected.Inc() }
func (c *Collector) RecordHeartbeatSkipped()  { c.heartbeatsSkipped.Inc() }

// RecordPushMessage counts an inbound push by its discriminated type.
func (c *Collector) RecordPushMessage(msgType string) {
	c.pushMessages.WithLabelValues(msgType).Inc()
}

func (c *Collector) RecordStatusRegression()  { c.statusRegressions.Inc() }
func (c *Collector) RecordProtocolViolation() { c.protocolViolations.Inc() }
func (c *Collector) RecordPollCeiling()       { c.pollCeilingsHit.Inc() }
