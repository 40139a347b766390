package mqttconverter

import (
	"context"
	"errors"

	"github.com/illmade-knight/go-homeflow/pkg/decoder"
	"github.com/illmade-knight/go-homeflow/pkg/delivery"
	"github.com/illmade-knight/go-homeflow/pkg/enrichment"
	"github.com/illmade-knight/go-homeflow/pkg/messagepipeline"
	"github.com/illmade-knight/go-homeflow/pkg/types"
	"github.com/rs/zerolog"
)

// Message outcomes reported to an OutcomeFunc.
const (
	OutcomeDecoded            = "decoded"
	OutcomeInvalidPayload     = "invalid_utf8"
	OutcomeNoRule             = "no_rule"
	OutcomeEmptyDatagram      = "empty_datagram"
	OutcomeDecodeError        = "decode_error"
	OutcomeIncompleteIdentity = "incomplete_identity"
)

// OutcomeFunc is told what happened to each inbound message.
type OutcomeFunc func(outcome string)

// NewMeasurementTransformer decodes and normalizes raw messages. Every
// expected failure is logged here and the message is skipped, so the
// pipeline never calls a sink for it.
func NewMeasurementTransformer(registry *decoder.Registry, normalizer *enrichment.Normalizer, logger zerolog.Logger, onOutcome OutcomeFunc) messagepipeline.MessageTransformer[types.Measurement] {
	logger = logger.With().Str("component", "MeasurementTransformer").Logger()
	report := func(o string) {
		if onOutcome != nil {
			onOutcome(o)
		}
	}
	return func(_ context.Context, msg types.RawMessage) (*types.Measurement, bool, error) {
		decoded, err := registry.Decode(msg)
		switch {
		case err == nil:
		case errors.Is(err, decoder.ErrNotFound):
			logger.Warn().Str("device", msg.Device).Str("topic", msg.Topic).Msg("No decode rule for device, dropping message.")
			report(OutcomeNoRule)
			return nil, true, nil
		case errors.Is(err, decoder.ErrEmptyDatagram):
			logger.Warn().Str("device", msg.Device).Msg("Datagram carried no recognized fields, dropping.")
			report(OutcomeEmptyDatagram)
			return nil, true, nil
		default:
			logger.Error().Err(err).Str("device", msg.Device).Str("payload", string(msg.Payload)).Msg("Failed to decode message, dropping.")
			report(OutcomeDecodeError)
			return nil, true, nil
		}

		m, err := normalizer.Normalize(decoded)
		if err != nil {
			logger.Error().Err(err).Str("device", msg.Device).Msg("Measurement failed normalization, dropping.")
			if errors.Is(err, enrichment.ErrIncompleteIdentity) {
				report(OutcomeIncompleteIdentity)
			} else {
				report(OutcomeDecodeError)
			}
			return nil, true, nil
		}
		report(OutcomeDecoded)
		return &m, false, nil
	}
}

// NewDeliveryProcessor hands each measurement to pipeline. Sink failures are
// logged by the pipeline itself and never fail the message.
func NewDeliveryProcessor(pipeline *delivery.Pipeline) messagepipeline.StreamProcessor[types.Measurement] {
	return func(ctx context.Context, _ types.RawMessage, m *types.Measurement) error {
		pipeline.Deliver(ctx, *m)
		return nil
	}
}
