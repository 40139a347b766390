package mqttconverter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/illmade-knight/go-homeflow/pkg/types"
	"github.com/rs/zerolog"
)

// State is the lifecycle state of a broker connection.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateSubscribed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateSubscribed:
		return "subscribed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ErrNotConnected is returned by Publish while the broker link is down.
var ErrNotConnected = errors.New("mqtt connection is not established")

// ConnectionHandler receives the Paho lifecycle and message callbacks.
type ConnectionHandler interface {
	OnConnect(client mqtt.Client)
	OnConnectionLost(client mqtt.Client, err error)
	OnReconnecting(client mqtt.Client, opts *mqtt.ClientOptions)
	OnMessage(client mqtt.Client, msg mqtt.Message)
}

// ClientFactory builds the Paho client. Tests replace it with a mock.
type ClientFactory func(opts *mqtt.ClientOptions) mqtt.Client

// ConnectionOption configures a Connection.
type ConnectionOption func(*Connection)

// WithClientFactory overrides how the Paho client is created.
func WithClientFactory(f ClientFactory) ConnectionOption {
	return func(c *Connection) { c.newClient = f }
}

// WithStateObserver registers fn to be called on every state change.
func WithStateObserver(fn func(State)) ConnectionOption {
	return func(c *Connection) { c.onState = fn }
}

// WithOutcomeObserver registers fn to be told about messages dropped at the
// connection layer.
func WithOutcomeObserver(fn OutcomeFunc) ConnectionOption {
	return func(c *Connection) { c.onOutcome = fn }
}

// WithSubscribeRetryDelay sets the wait between failed subscribe attempts.
func WithSubscribeRetryDelay(d time.Duration) ConnectionOption {
	return func(c *Connection) { c.subscribeRetry = d }
}

type subscription struct {
	prefix  string
	filter  string
	handler func(types.RawMessage)
}

// Connection owns one long-lived broker connection. It implements
// ConnectionHandler: every OnConnect re-issues all subscriptions, and inbound
// messages are held until the connection is Subscribed again.
type Connection struct {
	cfg            *MQTTClientConfig
	logger         zerolog.Logger
	newClient      ClientFactory
	onState        func(State)
	onOutcome      OutcomeFunc
	subscribeRetry time.Duration

	mu          sync.Mutex
	client      mqtt.Client
	state       State
	subs        []subscription
	ready       chan struct{}
	readyClosed bool

	stopOnce sync.Once
	stopped  chan struct{}
}

// NewConnection creates a Connection. It does not connect until Connect is
// called.
func NewConnection(cfg *MQTTClientConfig, logger zerolog.Logger, opts ...ConnectionOption) (*Connection, error) {
	if cfg == nil || cfg.BrokerURL == "" {
		return nil, fmt.Errorf("MQTT broker URL is required")
	}
	c := &Connection{
		cfg:            cfg,
		logger:         logger.With().Str("component", "MqttConnection").Str("broker", cfg.BrokerURL).Logger(),
		newClient:      mqtt.NewClient,
		subscribeRetry: 5 * time.Second,
		ready:          make(chan struct{}),
		stopped:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Subscribe registers handler for every topic under prefix. Subscriptions
// must be registered before Connect; they are (re)issued on every connect.
func (c *Connection) Subscribe(prefix string, handler func(types.RawMessage)) {
	prefix = strings.TrimSuffix(prefix, "/")
	c.mu.Lock()
	defer c.mu.Unlock()
	// "prefix/#" also matches the bare prefix topic.
	c.subs = append(c.subs, subscription{prefix: prefix, filter: prefix + "/#", handler: handler})
}

// Connect creates the Paho client and starts connecting. When the broker is
// unreachable Paho keeps retrying in the background at the configured
// interval, so a failed first attempt is logged rather than returned.
func (c *Connection) Connect(ctx context.Context) error {
	opts, err := newClientOptions(c.cfg, c)
	if err != nil {
		return err
	}
	client := c.newClient(opts)

	c.mu.Lock()
	c.client = client
	c.mu.Unlock()
	c.setState(StateConnecting)

	c.logger.Info().Msg("Attempting to connect to MQTT broker...")
	token := client.Connect()
	timeout := c.cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-token.Done():
		if token.Error() != nil {
			c.logger.Error().Err(token.Error()).Msg("Failed to connect to MQTT broker on startup, retrying in the background.")
		}
	case <-time.After(timeout):
		c.logger.Warn().Dur("retry_interval", c.cfg.ConnectRetryInterval).Msg("MQTT broker not reachable yet, retrying in the background.")
	}
	return nil
}

// Disconnect unsubscribes, closes the connection and releases any handler
// still waiting for the subscription gate.
func (c *Connection) Disconnect() {
	c.stopOnce.Do(func() {
		close(c.stopped)
		c.mu.Lock()
		client := c.client
		subs := append([]subscription(nil), c.subs...)
		c.mu.Unlock()

		if client != nil && client.IsConnected() {
			for _, s := range subs {
				if token := client.Unsubscribe(s.filter); token.WaitTimeout(2*time.Second) && token.Error() != nil {
					c.logger.Warn().Err(token.Error()).Str("filter", s.filter).Msg("Failed to unsubscribe.")
				}
			}
			client.Disconnect(500)
			c.logger.Info().Msg("Paho MQTT client disconnected.")
		}
		c.setState(StateDisconnected)
	})
}

// State returns the current connection state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Ready returns a channel closed once every subscription is in place. A new
// channel is handed out after each connection loss.
func (c *Connection) Ready() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// Publish sends payload to topic and waits until Paho has handed it to the
// broker.
func (c *Connection) Publish(topic string, payload []byte, retained bool) error {
	c.mu.Lock()
	client, state := c.client, c.state
	c.mu.Unlock()
	if client == nil || state < StateConnected || !client.IsConnected() {
		return fmt.Errorf("publish %s: %w", topic, ErrNotConnected)
	}
	token := client.Publish(topic, c.cfg.QoS, retained, payload)
	timeout := c.cfg.PublishTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("publish %s: timed out after %s", topic, timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// OnConnect re-issues every subscription, retrying while the link stays up,
// and then opens the gate for inbound messages.
func (c *Connection) OnConnect(client mqtt.Client) {
	c.logger.Info().Msg("Connected to MQTT broker.")
	c.mu.Lock()
	c.client = client
	subs := append([]subscription(nil), c.subs...)
	c.mu.Unlock()
	c.setState(StateConnected)

	for _, s := range subs {
		if !c.subscribe(client, s) {
			return
		}
	}

	c.mu.Lock()
	if c.state != StateConnected {
		// Lost again while subscribing.
		c.mu.Unlock()
		return
	}
	if !c.readyClosed {
		close(c.ready)
		c.readyClosed = true
	}
	c.mu.Unlock()
	c.setState(StateSubscribed)
}

func (c *Connection) subscribe(client mqtt.Client, s subscription) bool {
	for attempt := 1; ; attempt++ {
		token := client.Subscribe(s.filter, c.cfg.QoS, c.OnMessage)
		if token.WaitTimeout(c.cfg.ConnectTimeout+time.Second) && token.Error() == nil {
			c.logger.Info().Str("filter", s.filter).Msg("Subscribed.")
			return true
		}
		c.logger.Error().Err(token.Error()).Str("filter", s.filter).Int("attempt", attempt).Msg("Failed to subscribe, retrying.")
		select {
		case <-c.stopped:
			return false
		case <-time.After(c.subscribeRetry):
		}
		if !client.IsConnected() {
			return false
		}
	}
}

// OnConnectionLost closes the gate; messages wait until the next OnConnect
// has re-subscribed.
func (c *Connection) OnConnectionLost(_ mqtt.Client, err error) {
	c.logger.Error().Err(err).Msg("Lost MQTT connection, waiting for reconnect.")
	c.mu.Lock()
	if c.readyClosed {
		c.ready = make(chan struct{})
		c.readyClosed = false
	}
	c.mu.Unlock()
	c.setState(StateDisconnected)
}

// OnReconnecting is called by Paho's auto-reconnect before each attempt.
func (c *Connection) OnReconnecting(_ mqtt.Client, _ *mqtt.ClientOptions) {
	c.logger.Info().Msg("Reconnecting to MQTT broker...")
	c.setState(StateConnecting)
}

// OnMessage routes one inbound message to the handler of the subscription it
// belongs to. Nothing escapes this callback.
func (c *Connection) OnMessage(_ mqtt.Client, msg mqtt.Message) {
	arrived := time.Now().UTC()
	topic := msg.Topic()

	if !utf8.Valid(msg.Payload()) {
		c.logger.Warn().Str("topic", topic).Msg("Dropping message with invalid UTF-8 payload.")
		c.outcome(OutcomeInvalidPayload)
		return
	}
	sub, ok := c.route(topic)
	if !ok {
		c.logger.Warn().Str("topic", topic).Msg("Message on a topic with no subscription, dropping.")
		return
	}

	select {
	case <-c.Ready():
	case <-c.stopped:
		c.logger.Warn().Str("topic", topic).Msg("Connection stopped before subscription completed, dropping message.")
		return
	}

	payload := make([]byte, len(msg.Payload()))
	copy(payload, msg.Payload())
	sub.handler(types.RawMessage{
		Topic:       topic,
		Device:      DeviceID(sub.prefix, topic),
		Payload:     payload,
		ArrivalTime: arrived,
	})
}

// route picks the subscription with the longest matching prefix.
func (c *Connection) route(topic string) (subscription, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var best subscription
	found := false
	for _, s := range c.subs {
		if topic != s.prefix && !strings.HasPrefix(topic, s.prefix+"/") {
			continue
		}
		if !found || len(s.prefix) > len(best.prefix) {
			best, found = s, true
		}
	}
	return best, found
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if changed {
		c.logger.Debug().Stringer("state", s).Msg("Connection state changed.")
		if c.onState != nil {
			c.onState(s)
		}
	}
}

func (c *Connection) outcome(o string) {
	if c.onOutcome != nil {
		c.onOutcome(o)
	}
}

// DeviceID strips the family prefix from topic. A topic equal to the prefix
// is identified by the prefix's last segment.
func DeviceID(prefix, topic string) string {
	prefix = strings.TrimSuffix(prefix, "/")
	if topic == prefix {
		if i := strings.LastIndex(prefix, "/"); i >= 0 {
			return prefix[i+1:]
		}
		return prefix
	}
	return strings.TrimPrefix(topic, prefix+"/")
}
