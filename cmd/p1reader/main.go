// Command p1reader frames DSMR telegrams from the smart meter's P1 serial
// port and publishes each one to the energy topic.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/illmade-knight/go-homeflow/pkg/config"
	"github.com/illmade-knight/go-homeflow/pkg/logging"
	"github.com/illmade-knight/go-homeflow/pkg/mqttconverter"
	"github.com/illmade-knight/go-homeflow/pkg/p1"
	"github.com/rs/zerolog"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "p1reader: %v\n", err)
		os.Exit(1)
	}
	logger, logCloser, err := logging.New(logging.Config{
		Dir:   cfg.Log.Dir,
		File:  "p1reader.log",
		Level: cfg.Log.Level,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "p1reader: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, cfg, logger)
	stop()
	if err != nil {
		logger.Error().Err(err).Msg("p1reader stopped with an error")
	}
	_ = logCloser.Close()
	if err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	port, err := os.Open(cfg.P1.Device)
	if err != nil {
		return fmt.Errorf("open P1 port: %w", err)
	}
	// Closing the port is the only way to interrupt a blocked read.
	go func() {
		<-ctx.Done()
		_ = port.Close()
	}()

	mqttCfg := mqttconverter.NewMQTTClientConfig(mqttconverter.BrokerURL(cfg.MQTT.Broker, cfg.MQTT.Port))
	mqttCfg.ClientIDPrefix = "p1reader-"
	mqttCfg.Username = cfg.MQTT.Username
	mqttCfg.Password = cfg.MQTT.Password
	mqttCfg.KeepAlive = cfg.MQTT.KeepAlive
	mqttCfg.ConnectRetryInterval = cfg.MQTT.ConnectRetry
	conn, err := mqttconverter.NewConnection(mqttCfg, logger)
	if err != nil {
		return err
	}
	if err := conn.Connect(ctx); err != nil {
		return err
	}
	defer conn.Disconnect()

	logger.Info().Str("device", cfg.P1.Device).Str("topic", cfg.Topics.Energy).Msg("Reading P1 telegrams.")
	err = p1.Forward(ctx, p1.NewFramer(port, cfg.P1.Header), conn, cfg.Topics.Energy, logger)
	if ctx.Err() != nil {
		// The read error after the port was closed is expected.
		return nil
	}
	return err
}
