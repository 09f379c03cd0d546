// Package metrics provides Prometheus metrics for the register poller.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "poller"

// Registry holds all Prometheus metrics for the service.
// A nil *Registry is valid and records nothing.
type Registry struct {
	// Connection metrics
	Connected         prometheus.Gauge
	ConnectionsTotal  prometheus.Counter
	ConnectionErrors  prometheus.Counter
	ConnectionLatency prometheus.Histogram
	ConnectionRetries prometheus.Counter

	// Polling metrics
	CyclesTotal      *prometheus.CounterVec
	CycleDuration    prometheus.Histogram
	ChunkReads       *prometheus.CounterVec
	InputFallbacks   prometheus.Counter
	DecodeErrors     prometheus.Counter
	RegistersTracked prometheus.Gauge
	RegistersAbsent  prometheus.Gauge
	WritesTotal      *prometheus.CounterVec
	CommandsRejected prometheus.Counter

	// MQTT metrics
	MQTTMessagesPublished prometheus.Counter
	MQTTMessagesFailed    prometheus.Counter
	MQTTBufferSize        prometheus.Gauge
	MQTTPublishLatency    prometheus.Histogram
	MQTTReconnects        prometheus.Counter
}

// NewRegistry creates all metrics and registers them with reg.
// Pass prometheus.DefaultRegisterer to expose them on the default /metrics handler.
func NewRegistry(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)

	r := &Registry{
		// Connection metrics
		Connected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "modbus",
			Name:      "connected",
			Help:      "1 when a Modbus link to the device is open",
		}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "modbus",
			Name:      "connections_total",
			Help:      "Total number of Modbus connection attempts",
		}),
		ConnectionErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "modbus",
			Name:      "connection_errors_total",
			Help:      "Total number of failed Modbus connection attempts",
		}),
		ConnectionLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "modbus",
			Name:      "connection_latency_seconds",
			Help:      "Modbus connection establishment latency",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		ConnectionRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "modbus",
			Name:      "connection_retries_total",
			Help:      "Total number of connection retries after a failed attempt",
		}),

		// Polling metrics
		CyclesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "polling",
			Name:      "cycles_total",
			Help:      "Total number of poll cycles",
		}, []string{"status"}),
		CycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "polling",
			Name:      "cycle_duration_seconds",
			Help:      "Poll cycle duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		ChunkReads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "polling",
			Name:      "chunk_reads_total",
			Help:      "Total number of chunk read requests by register bank and outcome",
		}, []string{"bank", "status"}),
		InputFallbacks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "polling",
			Name:      "input_fallbacks_total",
			Help:      "Chunks retried against input registers after a holding read failed",
		}),
		DecodeErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "polling",
			Name:      "decode_errors_total",
			Help:      "Total number of register values that could not be decoded",
		}),
		RegistersTracked: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "polling",
			Name:      "registers_tracked",
			Help:      "Number of registers in the catalog at the last cycle",
		}),
		RegistersAbsent: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "polling",
			Name:      "registers_absent",
			Help:      "Number of registers without a value in the current snapshot",
		}),
		WritesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "write",
			Name:      "writes_total",
			Help:      "Total number of single-register writes",
		}, []string{"status"}),
		CommandsRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "write",
			Name:      "commands_rejected_total",
			Help:      "Write commands rejected before reaching the device",
		}),

		// MQTT metrics
		MQTTMessagesPublished: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mqtt",
			Name:      "messages_published_total",
			Help:      "Total number of MQTT messages published",
		}),
		MQTTMessagesFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mqtt",
			Name:      "messages_failed_total",
			Help:      "Total number of failed MQTT publishes",
		}),
		MQTTBufferSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "mqtt",
			Name:      "buffer_size",
			Help:      "Current MQTT message buffer size",
		}),
		MQTTPublishLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "mqtt",
			Name:      "publish_latency_seconds",
			Help:      "MQTT publish latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
		}),
		MQTTReconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mqtt",
			Name:      "reconnects_total",
			Help:      "Total number of MQTT reconnections",
		}),
	}

	return r
}

// RecordCycle records the outcome of one poll cycle.
func (r *Registry) RecordCycle(success bool, duration float64, tracked, absent int) {
	if r == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	r.CyclesTotal.WithLabelValues(status).Inc()
	r.CycleDuration.Observe(duration)
	if success {
		r.RegistersTracked.Set(float64(tracked))
		r.RegistersAbsent.Set(float64(absent))
	}
}

// RecordChunkRead records one chunk read against a register bank.
func (r *Registry) RecordChunkRead(bank string, success bool) {
	if r == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	r.ChunkReads.WithLabelValues(bank, status).Inc()
}

// RecordInputFallback records a chunk retried against input registers.
func (r *Registry) RecordInputFallback() {
	if r == nil {
		return
	}
	r.InputFallbacks.Inc()
}

// RecordDecodeError records a value that could not be decoded.
func (r *Registry) RecordDecodeError() {
	if r == nil {
		return
	}
	r.DecodeErrors.Inc()
}

// RecordWrite records a single-register write.
func (r *Registry) RecordWrite(success bool) {
	if r == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	r.WritesTotal.WithLabelValues(status).Inc()
}

// RecordCommandRejected records a write command refused before dispatch.
func (r *Registry) RecordCommandRejected() {
	if r == nil {
		return
	}
	r.CommandsRejected.Inc()
}

// RecordConnection records a connection attempt.
func (r *Registry) RecordConnection(success bool, latency float64) {
	if r == nil {
		return
	}
	r.ConnectionsTotal.Inc()
	if !success {
		r.ConnectionErrors.Inc()
	}
	r.ConnectionLatency.Observe(latency)
}

// RecordConnectionRetry records a retry after a failed connection attempt.
func (r *Registry) RecordConnectionRetry() {
	if r == nil {
		return
	}
	r.ConnectionRetries.Inc()
}

// SetConnected updates the connected gauge.
func (r *Registry) SetConnected(connected bool) {
	if r == nil {
		return
	}
	if connected {
		r.Connected.Set(1)
	} else {
		r.Connected.Set(0)
	}
}

// RecordMQTTPublish records an MQTT publish operation.
func (r *Registry) RecordMQTTPublish(success bool, latency float64) {
	if r == nil {
		return
	}
	if success {
		r.MQTTMessagesPublished.Inc()
	} else {
		r.MQTTMessagesFailed.Inc()
	}
	r.MQTTPublishLatency.Observe(latency)
}

// UpdateMQTTBufferSize updates the MQTT buffer size gauge.
func (r *Registry) UpdateMQTTBufferSize(size int) {
	if r == nil {
		return
	}
	r.MQTTBufferSize.Set(float64(size))
}

// RecordMQTTReconnect records an MQTT reconnection.
func (r *Registry) RecordMQTTReconnect() {
	if r == nil {
		return
	}
	r.MQTTReconnects.Inc()
}
