// Command homeflow ingests the climate, flora and energy telemetry
// families, bridges device commands and serves the HTTP API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/illmade-knight/go-homeflow/pkg/config"
	"github.com/illmade-knight/go-homeflow/pkg/logging"
	"github.com/illmade-knight/go-homeflow/pkg/metrics"
	"github.com/illmade-knight/go-homeflow/pkg/microservice"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
)

// flushTimeout bounds the HTTP shutdown and the archive and relay flushes.
const flushTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "homeflow: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser, err := logging.New(logging.Config{
		Dir:   cfg.Log.Dir,
		File:  "homeflow.log",
		Level: cfg.Log.Level,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "homeflow: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, cfg, logger)
	stop()
	if err != nil {
		logger.Error().Err(err).Msg("homeflow stopped with an error")
	}
	_ = logCloser.Close()
	if err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	pipelineMetrics, err := metrics.New(registry)
	if err != nil {
		return err
	}

	// processCtx outlives the signal so in-flight deliveries can finish.
	processCtx, cancelProcess := context.WithCancel(context.Background())
	defer cancelProcess()

	shared, err := openShared(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer shared.close(logger)

	var families []*family
	defer func() {
		for _, f := range families {
			f.closeStore(logger)
		}
	}()
	for _, spec := range familySpecs(cfg) {
		f, err := newFamily(ctx, cfg, spec, shared, pipelineMetrics.Family(spec.name), logger)
		if err != nil {
			return fmt.Errorf("family %s: %w", spec.name, err)
		}
		families = append(families, f)
	}

	bridge, err := newBridgeService(cfg, shared.states, pipelineMetrics.Family("command"), logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := bridge.bridge.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to release device handlers.")
		}
	}()

	// Registered after the store and handler cleanups so it runs before
	// them: no worker may still be writing when a store is closed.
	var running []namedService
	stopped := false
	defer func() {
		if !stopped {
			_ = stopAll(running, serviceStopTimeout, logger)
		}
	}()

	server := microservice.NewBaseServer(logger, cfg.HTTP.Addr)
	microservice.NewAPI(microservice.APIConfig{
		DevicePrefix: cfg.Topics.Device,
		States:       shared.states,
		Latest:       shared.latest,
		Publisher:    bridge.conn,
		Gatherer:     registry,
		Recorder:     pipelineMetrics,
	}, logger).Mount(server.Router())

	if shared.archiver != nil {
		shared.archiver.Start(processCtx)
	}
	for _, f := range families {
		if err := f.service.Start(ctx, processCtx); err != nil {
			return fmt.Errorf("start %s: %w", f.name, err)
		}
		running = append(running, namedService{name: f.name, service: f.service})
	}
	if err := bridge.service.Start(ctx, processCtx); err != nil {
		return fmt.Errorf("start command bridge: %w", err)
	}
	running = append(running, namedService{name: "command", service: bridge.service})
	if err := server.Start(); err != nil {
		return err
	}
	logger.Info().Int("families", len(families)).Strs("devices", bridge.bridge.Devices()).Msg("homeflow running.")

	<-ctx.Done()
	logger.Info().Msg("Shutdown signal received.")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown failed.")
	}
	_ = stopAll(running, serviceStopTimeout, logger)
	stopped = true

	flushCtx, cancelFlush := context.WithTimeout(context.Background(), flushTimeout)
	defer cancelFlush()
	if shared.archiver != nil {
		if err := shared.archiver.Stop(flushCtx); err != nil {
			logger.Error().Err(err).Msg("Archive flush failed.")
		}
	}
	if shared.relay != nil {
		if err := shared.relay.Stop(flushCtx); err != nil {
			logger.Error().Err(err).Msg("Relay flush failed.")
		}
	}
	logger.Info().Msg("homeflow stopped.")
	return nil
}
