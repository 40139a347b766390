package mqttconverter_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/illmade-knight/go-homeflow/pkg/decoder"
	"github.com/illmade-knight/go-homeflow/pkg/delivery"
	"github.com/illmade-knight/go-homeflow/pkg/enrichment"
	"github.com/illmade-knight/go-homeflow/pkg/messagepipeline"
	"github.com/illmade-knight/go-homeflow/pkg/mqttconverter"
	"github.com/illmade-knight/go-homeflow/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSink struct {
	mu       sync.Mutex
	received []types.Measurement
}

func (s *countingSink) Name() string { return "counting" }

func (s *countingSink) Deliver(_ context.Context, m types.Measurement) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received = append(s.received, m)
	return 1, nil
}

func (s *countingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.received)
}

type outcomeLog struct {
	mu  sync.Mutex
	all []string
}

func (o *outcomeLog) record(outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.all = append(o.all, outcome)
}

func (o *outcomeLog) list() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.all...)
}

func newTransformer(t *testing.T, rules []decoder.Rule, outcomes *outcomeLog) messagepipeline.MessageTransformer[types.Measurement] {
	t.Helper()
	registry, err := decoder.NewRegistry(rules...)
	require.NoError(t, err)
	normalizer := enrichment.NewNormalizer(enrichment.NormalizerConfig{Location: "house"})
	return mqttconverter.NewMeasurementTransformer(registry, normalizer, zerolog.Nop(), outcomes.record)
}

func rawMsg(device, payload string) types.RawMessage {
	return types.RawMessage{
		Topic:       "sensor/test/" + device,
		Device:      device,
		Payload:     []byte(payload),
		ArrivalTime: time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC),
	}
}

func TestMeasurementTransformer(t *testing.T) {
	outcomes := &outcomeLog{}
	transform := newTransformer(t, append(decoder.ClimateRules(), decoder.EnergyRules("meter")...), outcomes)
	ctx := context.Background()

	t.Run("Decoded and enriched", func(t *testing.T) {
		m, skip, err := transform(ctx, rawMsg("operame", "612 ppm"))
		require.NoError(t, err)
		require.False(t, skip)
		assert.Equal(t, "operame", m.Name)
		assert.Equal(t, "house", m.Tags["location"])
		assert.Equal(t, int64(612), m.Fields["co2"])
	})

	t.Run("Decode error is skipped", func(t *testing.T) {
		m, skip, err := transform(ctx, rawMsg("operame", "n/a"))
		assert.NoError(t, err)
		assert.True(t, skip)
		assert.Nil(t, m)
	})

	t.Run("Empty datagram is skipped", func(t *testing.T) {
		_, skip, err := transform(ctx, rawMsg("p1meter", "/KFM5KAIFA-METER\r\n\r\ngarbage\r\n!0000\r\n"))
		assert.NoError(t, err)
		assert.True(t, skip)
	})

	assert.Equal(t, []string{
		mqttconverter.OutcomeDecoded,
		mqttconverter.OutcomeDecodeError,
		mqttconverter.OutcomeEmptyDatagram,
	}, outcomes.list())
}

func TestMeasurementTransformer_UnknownDevice(t *testing.T) {
	outcomes := &outcomeLog{}
	transform := newTransformer(t, decoder.EnergyRules("meter"), outcomes)

	_, skip, err := transform(context.Background(), rawMsg("gasmeter", "1"))
	assert.NoError(t, err)
	assert.True(t, skip)
	assert.Equal(t, []string{mqttconverter.OutcomeNoRule}, outcomes.list())
}

// chanConsumer is a minimal MessageConsumer fed directly by the test.
type chanConsumer struct {
	msgs chan types.RawMessage
	done chan struct{}
	once sync.Once
}

func newChanConsumer() *chanConsumer {
	return &chanConsumer{msgs: make(chan types.RawMessage, 10), done: make(chan struct{})}
}

func (c *chanConsumer) Messages() <-chan types.RawMessage { return c.msgs }
func (c *chanConsumer) Start(_ context.Context) error      { return nil }
func (c *chanConsumer) Done() <-chan struct{}              { return c.done }
func (c *chanConsumer) Stop(_ context.Context) error {
	c.once.Do(func() {
		close(c.msgs)
		close(c.done)
	})
	return nil
}

func TestDispatch_EmptyDatagramReachesNoSink(t *testing.T) {
	outcomes := &outcomeLog{}
	sink := &countingSink{}
	pipeline := delivery.NewPipeline(zerolog.Nop(), []delivery.Sink{sink})
	consumer := newChanConsumer()

	svc, err := messagepipeline.NewStreamingService[types.Measurement](
		"energy",
		consumer,
		newTransformer(t, decoder.EnergyRules("meter"), outcomes),
		mqttconverter.NewDeliveryProcessor(pipeline),
		zerolog.Nop(),
	)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, svc.Start(ctx, ctx))

	consumer.msgs <- rawMsg("p1meter", "/KFM5KAIFA-METER\r\n\r\nnothing useful\r\n!0000\r\n")
	consumer.msgs <- rawMsg("p1meter", "/KFM5KAIFA-METER\r\n\r\n1-0:1.7.0(00.452*kW)\r\n!0000\r\n")

	require.Eventually(t, func() bool { return len(outcomes.list()) == 2 }, time.Second, 10*time.Millisecond)
	require.NoError(t, svc.Stop(ctx))

	assert.Equal(t, 1, sink.count(), "only the datagram with a recognized line is delivered")
	assert.Equal(t, []string{mqttconverter.OutcomeEmptyDatagram, mqttconverter.OutcomeDecoded}, outcomes.list())
}
