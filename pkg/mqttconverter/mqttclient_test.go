package mqttconverter_test

import (
	"context"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/illmade-knight/go-homeflow/pkg/mqttconverter"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMQTTClientConfig(t *testing.T) {
	cfg := mqttconverter.NewMQTTClientConfig("tcp://broker:1883")
	require.NotNil(t, cfg)
	assert.Equal(t, "tcp://broker:1883", cfg.BrokerURL)
	assert.Equal(t, 120*time.Second, cfg.KeepAlive)
	assert.Equal(t, 120*time.Second, cfg.ConnectRetryInterval)
	assert.Equal(t, byte(1), cfg.QoS)
	assert.Equal(t, "homeflow-", cfg.ClientIDPrefix)
}

func TestBrokerURL(t *testing.T) {
	assert.Equal(t, "tcp://localhost:1883", mqttconverter.BrokerURL("localhost", 1883))
	assert.Equal(t, "tls://mqtt.example.com:8883", mqttconverter.BrokerURL("tls://mqtt.example.com", 8883))
}

func TestConnection_ClientOptions(t *testing.T) {
	cfg := mqttconverter.NewMQTTClientConfig("tcp://broker:1883")
	cfg.Username = "homeflow"
	cfg.ConnectRetryInterval = 42 * time.Second

	var captured *mqtt.ClientOptions
	conn, err := mqttconverter.NewConnection(cfg, zerolog.Nop(), mqttconverter.WithClientFactory(func(o *mqtt.ClientOptions) mqtt.Client {
		captured = o
		return newMockClient()
	}))
	require.NoError(t, err)
	require.NoError(t, conn.Connect(context.Background()))

	require.NotNil(t, captured)
	reader := mqtt.NewOptionsReader(captured)
	assert.True(t, reader.AutoReconnect())
	assert.True(t, reader.ConnectRetry())
	assert.Equal(t, 42*time.Second, reader.ConnectRetryInterval())
	assert.Equal(t, "homeflow", reader.Username())
	assert.Contains(t, reader.ClientID(), "homeflow-")
	assert.NotNil(t, captured.OnReconnecting)
}

func TestConnection_BadTLSConfig(t *testing.T) {
	cfg := mqttconverter.NewMQTTClientConfig("tls://broker:8883")
	cfg.CACertFile = "/does/not/exist.pem"

	conn, err := mqttconverter.NewConnection(cfg, zerolog.Nop(), mqttconverter.WithClientFactory(func(_ *mqtt.ClientOptions) mqtt.Client {
		return newMockClient()
	}))
	require.NoError(t, err)
	assert.Error(t, conn.Connect(context.Background()))
}

func TestNewConnection_RequiresBroker(t *testing.T) {
	_, err := mqttconverter.NewConnection(&mqttconverter.MQTTClientConfig{}, zerolog.Nop())
	assert.Error(t, err)
}
