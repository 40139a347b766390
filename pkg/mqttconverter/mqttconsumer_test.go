package mqttconverter_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/illmade-knight/go-homeflow/pkg/mqttconverter"
	"github.com/illmade-knight/go-homeflow/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Mocks for Paho MQTT Client ---
type mockToken struct{ err error }

func (m *mockToken) Wait() bool                       { return true }
func (m *mockToken) WaitTimeout(_ time.Duration) bool { return true }
func (m *mockToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (m *mockToken) Error() error { return m.err }

type mockMqttMessage struct {
	topic   string
	payload []byte
}

func (m *mockMqttMessage) Topic() string     { return m.topic }
func (m *mockMqttMessage) Payload() []byte   { return m.payload }
func (m *mockMqttMessage) MessageID() uint16 { return 1 }
func (m *mockMqttMessage) Duplicate() bool   { return false }
func (m *mockMqttMessage) Qos() byte         { return 1 }
func (m *mockMqttMessage) Retained() bool    { return false }
func (m *mockMqttMessage) Ack()              {}

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type mockMqttClient struct {
	mu               sync.Mutex
	isConnected      bool
	disconnectCalled bool
	subscribed       []string
	failSubscribes   int
	published        []published
}

func newMockClient() *mockMqttClient { return &mockMqttClient{} }

func (m *mockMqttClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isConnected
}
func (m *mockMqttClient) IsConnectionOpen() bool { return m.IsConnected() }
func (m *mockMqttClient) Connect() mqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.isConnected = true
	return &mockToken{}
}
func (m *mockMqttClient) Disconnect(_ uint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.isConnected = false
	m.disconnectCalled = true
}
func (m *mockMqttClient) Subscribe(topic string, _ byte, _ mqtt.MessageHandler) mqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSubscribes > 0 {
		m.failSubscribes--
		return &mockToken{err: errors.New("not authorized")}
	}
	m.subscribed = append(m.subscribed, topic)
	return &mockToken{}
}
func (m *mockMqttClient) Unsubscribe(_ ...string) mqtt.Token { return &mockToken{} }
func (m *mockMqttClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, _ := payload.([]byte)
	m.published = append(m.published, published{topic: topic, qos: qos, retained: retained, payload: b})
	return &mockToken{}
}
func (m *mockMqttClient) SubscribeMultiple(_ map[string]byte, _ mqtt.MessageHandler) mqtt.Token {
	return &mockToken{}
}
func (m *mockMqttClient) AddRoute(_ string, _ mqtt.MessageHandler) {}
func (m *mockMqttClient) OptionsReader() mqtt.ClientOptionsReader {
	return mqtt.ClientOptionsReader{}
}

func (m *mockMqttClient) subscriptions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.subscribed...)
}

func (m *mockMqttClient) publishes() []published {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]published(nil), m.published...)
}

// --- Helpers ---

type harness struct {
	client   *mockMqttClient
	conn     *mqttconverter.Connection
	consumer *mqttconverter.MqttConsumer

	mu       sync.Mutex
	outcomes []string
	states   []mqttconverter.State
}

func newHarness(t *testing.T, prefix string, opts ...mqttconverter.ConnectionOption) *harness {
	t.Helper()
	h := &harness{client: newMockClient()}
	opts = append([]mqttconverter.ConnectionOption{
		mqttconverter.WithClientFactory(func(_ *mqtt.ClientOptions) mqtt.Client { return h.client }),
		mqttconverter.WithOutcomeObserver(func(o string) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.outcomes = append(h.outcomes, o)
		}),
		mqttconverter.WithStateObserver(func(s mqttconverter.State) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.states = append(h.states, s)
		}),
	}, opts...)

	cfg := mqttconverter.NewMQTTClientConfig("tcp://localhost:1883")
	cfg.ConnectTimeout = time.Second
	conn, err := mqttconverter.NewConnection(cfg, zerolog.Nop(), opts...)
	require.NoError(t, err)
	consumer, err := mqttconverter.NewMqttConsumer(conn, prefix, zerolog.Nop())
	require.NoError(t, err)

	h.conn = conn
	h.consumer = consumer
	t.Cleanup(func() { _ = consumer.Stop(context.Background()) })
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.consumer.Start(context.Background()))
	h.conn.OnConnect(h.client)
	require.Equal(t, mqttconverter.StateSubscribed, h.conn.State())
}

func (h *harness) deliver(topic string, payload []byte) {
	h.conn.OnMessage(h.client, &mockMqttMessage{topic: topic, payload: payload})
}

func receive(t *testing.T, c *mqttconverter.MqttConsumer) types.RawMessage {
	t.Helper()
	select {
	case msg := <-c.Messages():
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message from consumer")
		return types.RawMessage{}
	}
}

// --- Test Cases ---

func TestMqttConsumer_StartAndReceive(t *testing.T) {
	h := newHarness(t, "sensor/climate")
	h.start(t)

	assert.Equal(t, []string{"sensor/climate/#"}, h.client.subscriptions())

	h.deliver("sensor/climate/esp32", []byte(`{"temperature": 21}`))

	msg := receive(t, h.consumer)
	assert.Equal(t, "sensor/climate/esp32", msg.Topic)
	assert.Equal(t, "esp32", msg.Device)
	assert.Equal(t, []byte(`{"temperature": 21}`), msg.Payload)
	assert.False(t, msg.ArrivalTime.IsZero())

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, []mqttconverter.State{
		mqttconverter.StateConnecting,
		mqttconverter.StateConnected,
		mqttconverter.StateSubscribed,
	}, h.states)
}

func TestMqttConsumer_BarePrefixTopic(t *testing.T) {
	h := newHarness(t, "sensor/power/p1meter")
	h.start(t)

	h.deliver("sensor/power/p1meter", []byte("1-3:0.2.8(42)"))
	assert.Equal(t, "p1meter", receive(t, h.consumer).Device)
}

func TestMqttConsumer_ReconnectResubscribesBeforeProcessing(t *testing.T) {
	h := newHarness(t, "sensor/climate")
	h.start(t)

	h.conn.OnConnectionLost(h.client, errors.New("connection reset by peer"))
	assert.Equal(t, mqttconverter.StateDisconnected, h.conn.State())

	go h.deliver("sensor/climate/operame", []byte("600"))

	select {
	case <-h.consumer.Messages():
		t.Fatal("message was processed before the subscription was restored")
	case <-time.After(100 * time.Millisecond):
	}

	h.conn.OnConnect(h.client)

	msg := receive(t, h.consumer)
	assert.Equal(t, "operame", msg.Device)
	assert.Len(t, h.client.subscriptions(), 2, "OnConnect should re-issue the subscription")
	assert.Equal(t, mqttconverter.StateSubscribed, h.conn.State())
}

func TestConnection_ReconnectPassesThroughConnecting(t *testing.T) {
	h := newHarness(t, "sensor/climate")
	h.start(t)

	h.conn.OnConnectionLost(h.client, errors.New("keepalive timeout"))
	h.conn.OnReconnecting(h.client, nil)
	assert.Equal(t, mqttconverter.StateConnecting, h.conn.State())
	h.conn.OnConnect(h.client)

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, []mqttconverter.State{
		mqttconverter.StateConnecting,
		mqttconverter.StateConnected,
		mqttconverter.StateSubscribed,
		mqttconverter.StateDisconnected,
		mqttconverter.StateConnecting,
		mqttconverter.StateConnected,
		mqttconverter.StateSubscribed,
	}, h.states)
}

func TestMqttConsumer_SubscribeIsRetried(t *testing.T) {
	h := newHarness(t, "sensor/flora", mqttconverter.WithSubscribeRetryDelay(time.Millisecond))
	h.client.failSubscribes = 2

	h.start(t)
	assert.Equal(t, []string{"sensor/flora/#"}, h.client.subscriptions())
}

func TestMqttConsumer_DropsInvalidUTF8(t *testing.T) {
	h := newHarness(t, "sensor/climate")
	h.start(t)

	h.deliver("sensor/climate/esp32", []byte{0xff, 0xfe, 0xfd})

	select {
	case msg := <-h.consumer.Messages():
		t.Fatalf("unexpected message %q", msg.Topic)
	case <-time.After(50 * time.Millisecond):
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, []string{mqttconverter.OutcomeInvalidPayload}, h.outcomes)
}

func TestMqttConsumer_Stop(t *testing.T) {
	h := newHarness(t, "sensor/climate")
	h.start(t)

	err := h.consumer.Stop(context.Background())
	require.NoError(t, err)
	require.NoError(t, h.consumer.Stop(context.Background()), "Stop should be idempotent")

	h.client.mu.Lock()
	assert.True(t, h.client.disconnectCalled, "Disconnect should have been called on the client")
	h.client.mu.Unlock()

	select {
	case <-h.consumer.Done():
	default:
		t.Fatal("Done() channel should be closed after Stop()")
	}
	_, open := <-h.consumer.Messages()
	assert.False(t, open, "Messages() should be closed after Stop()")

	// A late message must not panic on the closed channel.
	assert.NotPanics(t, func() { h.deliver("sensor/climate/esp32", []byte("1")) })
}

func TestConnection_Publish(t *testing.T) {
	h := newHarness(t, "device")

	err := h.conn.Publish("live/esp32/temperature", []byte("21.5"), false)
	assert.ErrorIs(t, err, mqttconverter.ErrNotConnected)

	h.start(t)
	require.NoError(t, h.conn.Publish("device/leopard/state", []byte(`{"on":true}`), true))

	pubs := h.client.publishes()
	require.Len(t, pubs, 1)
	assert.Equal(t, "device/leopard/state", pubs[0].topic)
	assert.True(t, pubs[0].retained)
	assert.Equal(t, byte(1), pubs[0].qos)
}

func TestDeviceID(t *testing.T) {
	testCases := []struct {
		prefix, topic, want string
	}{
		{"sensor/climate", "sensor/climate/esp32", "esp32"},
		{"sensor/climate/", "sensor/climate/esp-hall", "esp-hall"},
		{"sensor/flora", "sensor/flora/plants/ficus", "plants/ficus"},
		{"sensor/power/p1meter", "sensor/power/p1meter", "p1meter"},
		{"device", "device/leopard/volume", "leopard/volume"},
	}
	for _, tc := range testCases {
		t.Run(tc.topic, func(t *testing.T) {
			assert.Equal(t, tc.want, mqttconverter.DeviceID(tc.prefix, tc.topic))
		})
	}
}
