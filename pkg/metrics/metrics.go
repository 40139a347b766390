// Package metrics exposes pipeline counters and histograms to Prometheus.
package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/illmade-knight/go-homeflow/pkg/delivery"
	"github.com/illmade-knight/go-homeflow/pkg/mqttconverter"
	"github.com/prometheus/client_golang/prometheus"
)

// Delivery result labels.
const (
	ResultOK        = "ok"
	ResultTransient = "transient"
	ResultFatal     = "fatal"
	ResultUnacked   = "unacked"
)

// Pipeline holds the collectors shared by every dispatcher.
type Pipeline struct {
	messages   *prometheus.CounterVec
	deliveries *prometheus.CounterVec
	attempts   *prometheus.HistogramVec
	latency    *prometheus.HistogramVec
	connection *prometheus.GaugeVec
	commands   *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Pipeline, error) {
	p := &Pipeline{
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "homeflow",
			Name:      "messages_total",
			Help:      "Inbound telemetry messages by family and outcome.",
		}, []string{"family", "outcome"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "homeflow",
			Name:      "deliveries_total",
			Help:      "Measurement deliveries by family, sink and result.",
		}, []string{"family", "sink", "result"}),
		attempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "homeflow",
			Name:      "delivery_attempts",
			Help:      "Attempts made per delivery.",
			Buckets:   []float64{1, 2, 3, 5, 10},
		}, []string{"family", "sink"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "homeflow",
			Name:      "delivery_duration_seconds",
			Help:      "Time spent delivering to a sink, retries included.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
		}, []string{"family", "sink"}),
		connection: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "homeflow",
			Name:      "mqtt_connection_state",
			Help:      "Broker connection state: 0 disconnected, 1 connecting, 2 connected, 3 subscribed.",
		}, []string{"family"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "homeflow",
			Name:      "http_commands_total",
			Help:      "Commands accepted through the HTTP API.",
		}, []string{"device", "command"}),
	}
	for _, c := range []prometheus.Collector{p.messages, p.deliveries, p.attempts, p.latency, p.connection, p.commands} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}
	return p, nil
}

// Family returns the recorder for one dispatcher.
func (p *Pipeline) Family(name string) *Family {
	return &Family{p: p, name: name}
}

// RecordCommand counts a command accepted over HTTP.
func (p *Pipeline) RecordCommand(device, command string) {
	p.commands.WithLabelValues(device, command).Inc()
}

// Family records the metrics of one dispatcher. It implements
// delivery.Recorder.
type Family struct {
	p    *Pipeline
	name string
}

// RecordDelivery implements delivery.Recorder.
func (f *Family) RecordDelivery(sink string, err error, attempts int, elapsed time.Duration) {
	f.p.deliveries.WithLabelValues(f.name, sink, classify(err)).Inc()
	f.p.attempts.WithLabelValues(f.name, sink).Observe(float64(attempts))
	f.p.latency.WithLabelValues(f.name, sink).Observe(elapsed.Seconds())
}

// RecordOutcome counts one inbound message. It fits mqttconverter.OutcomeFunc.
func (f *Family) RecordOutcome(outcome string) {
	f.p.messages.WithLabelValues(f.name, outcome).Inc()
}

// RecordState tracks the connection state.
func (f *Family) RecordState(s mqttconverter.State) {
	f.p.connection.WithLabelValues(f.name).Set(float64(s))
}

func classify(err error) string {
	switch {
	case err == nil:
		return ResultOK
	case errors.Is(err, delivery.ErrNotAcknowledged) && !delivery.IsTransient(err):
		return ResultUnacked
	case delivery.IsTransient(err):
		return ResultTransient
	default:
		return ResultFatal
	}
}
