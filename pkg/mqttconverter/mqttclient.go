package mqttconverter

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// MQTTClientConfig holds all necessary configuration for the Paho MQTT client.
type MQTTClientConfig struct {
	// BrokerURL is the full URL of the MQTT broker, e.g. "tcp://localhost:1883"
	// or "tls://mqtt.example.com:8883".
	BrokerURL string
	// ClientIDPrefix is prefixed to a random suffix; brokers need unique ids.
	ClientIDPrefix string
	Username       string
	Password       string
	// KeepAlive is the interval at which the client pings the broker.
	KeepAlive time.Duration
	// ConnectTimeout bounds a single connection attempt.
	ConnectTimeout time.Duration
	// ConnectRetryInterval is the fixed wait between failed connection
	// attempts while the broker is unreachable.
	ConnectRetryInterval time.Duration
	// MaxReconnectInterval caps paho's reconnect backoff after a drop.
	MaxReconnectInterval time.Duration
	// PublishTimeout bounds the wait for a publish to be handed to the broker.
	PublishTimeout time.Duration
	// QoS is used for every subscription and publish.
	QoS byte

	CACertFile         string
	ClientCertFile     string
	ClientKeyFile      string
	InsecureSkipVerify bool
}

// NewMQTTClientConfig returns a config for broker with the defaults used
// across homeflow: 120 s keepalive and 120 s connect retry.
func NewMQTTClientConfig(brokerURL string) *MQTTClientConfig {
	return &MQTTClientConfig{
		BrokerURL:            brokerURL,
		ClientIDPrefix:       "homeflow-",
		KeepAlive:            120 * time.Second,
		ConnectTimeout:       10 * time.Second,
		ConnectRetryInterval: 120 * time.Second,
		MaxReconnectInterval: 120 * time.Second,
		PublishTimeout:       10 * time.Second,
		QoS:                  1,
	}
}

// BrokerURL builds a broker URL from a host and port. A host that already
// carries a scheme keeps it.
func BrokerURL(host string, port int) string {
	if strings.Contains(host, "://") {
		return fmt.Sprintf("%s:%d", host, port)
	}
	return fmt.Sprintf("tcp://%s:%d", host, port)
}

// newClientOptions assembles the Paho client options. Every paho callback
// is routed to handler.
func newClientOptions(cfg *MQTTClientConfig, handler ConnectionHandler) (*mqtt.ClientOptions, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(cfg.ClientIDPrefix + uuid.NewString()[:8])
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetKeepAlive(cfg.KeepAlive)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(cfg.MaxReconnectInterval)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(cfg.ConnectRetryInterval)
	opts.SetCleanSession(true)
	opts.SetOrderMatters(false)

	opts.SetOnConnectHandler(handler.OnConnect)
	opts.SetConnectionLostHandler(handler.OnConnectionLost)
	opts.SetReconnectingHandler(handler.OnReconnecting)
	opts.SetDefaultPublishHandler(handler.OnMessage)

	if strings.HasPrefix(strings.ToLower(cfg.BrokerURL), "tls://") || strings.HasPrefix(strings.ToLower(cfg.BrokerURL), "ssl://") {
		tlsConfig, err := newTLSConfig(cfg)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsConfig)
	}
	return opts, nil
}

// newTLSConfig is a helper to create a tls.Config.
func newTLSConfig(cfg *MQTTClientConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
	if cfg.CACertFile != "" {
		caCert, err := os.ReadFile(cfg.CACertFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA cert file %s: %w", cfg.CACertFile, err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to append CA cert from %s", cfg.CACertFile)
		}
		tlsConfig.RootCAs = caCertPool
	}
	if cfg.ClientCertFile != "" && cfg.ClientKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCertFile, cfg.ClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate/key pair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}
