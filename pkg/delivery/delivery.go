// Package delivery fans a normalized Measurement out to independent sinks.
package delivery

import (
	"context"
	"time"

	"github.com/illmade-knight/go-homeflow/pkg/types"
	"github.com/rs/zerolog"
)

// Sink is a single delivery target. Deliver reports how many attempts it
// made; retrying is the sink's own business.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, m types.Measurement) (attempts int, err error)
}

// Result is the outcome of delivering one Measurement to one sink.
type Result struct {
	Sink      string
	Err       error
	Retryable bool
	Attempts  int
}

// OK reports whether the sink accepted the measurement.
func (r Result) OK() bool { return r.Err == nil }

// Recorder observes delivery outcomes, typically for metrics.
type Recorder interface {
	RecordDelivery(sink string, err error, attempts int, elapsed time.Duration)
}

// Pipeline delivers to every sink it holds, in order. A failing sink never
// prevents the next one from being tried.
type Pipeline struct {
	sinks    []Sink
	recorder Recorder
	logger   zerolog.Logger
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithRecorder attaches a Recorder to the pipeline.
func WithRecorder(r Recorder) PipelineOption {
	return func(p *Pipeline) { p.recorder = r }
}

// NewPipeline creates a Pipeline over sinks. Nil sinks are skipped so
// optional sinks can be passed unconditionally.
func NewPipeline(logger zerolog.Logger, sinks []Sink, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		logger: logger.With().Str("component", "DeliveryPipeline").Logger(),
	}
	for _, s := range sinks {
		if s != nil {
			p.sinks = append(p.sinks, s)
		}
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Sinks returns the names of the configured sinks.
func (p *Pipeline) Sinks() []string {
	names := make([]string, len(p.sinks))
	for i, s := range p.sinks {
		names[i] = s.Name()
	}
	return names
}

// Deliver hands m to each sink and returns one Result per sink.
func (p *Pipeline) Deliver(ctx context.Context, m types.Measurement) []Result {
	results := make([]Result, 0, len(p.sinks))
	for _, s := range p.sinks {
		start := time.Now()
		attempts, err := s.Deliver(ctx, m)
		res := Result{Sink: s.Name(), Err: err, Attempts: attempts, Retryable: IsTransient(err)}
		results = append(results, res)

		if p.recorder != nil {
			p.recorder.RecordDelivery(res.Sink, err, attempts, time.Since(start))
		}
		if err != nil {
			p.logger.Error().Err(err).
				Str("sink", res.Sink).
				Str("measurement", m.Name).
				Int("attempts", attempts).
				Bool("retryable", res.Retryable).
				Msg("Delivery failed")
			continue
		}
		p.logger.Debug().Str("sink", res.Sink).Str("measurement", m.Name).Int("attempts", attempts).Msg("Delivered")
	}
	return results
}
