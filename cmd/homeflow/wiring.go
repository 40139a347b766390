package main

import (
	"context"
	"fmt"
	"io"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/illmade-knight/go-homeflow/pkg/cache"
	"github.com/illmade-knight/go-homeflow/pkg/command"
	"github.com/illmade-knight/go-homeflow/pkg/config"
	"github.com/illmade-knight/go-homeflow/pkg/decoder"
	"github.com/illmade-knight/go-homeflow/pkg/delivery"
	"github.com/illmade-knight/go-homeflow/pkg/devices"
	"github.com/illmade-knight/go-homeflow/pkg/enrichment"
	"github.com/illmade-knight/go-homeflow/pkg/icestore"
	"github.com/illmade-knight/go-homeflow/pkg/messagepipeline"
	"github.com/illmade-knight/go-homeflow/pkg/metrics"
	"github.com/illmade-knight/go-homeflow/pkg/mqttconverter"
	"github.com/illmade-knight/go-homeflow/pkg/tsstore"
	"github.com/illmade-knight/go-homeflow/pkg/types"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

// familySpec describes one ingest family: where it listens, how it decodes
// and which database it writes to.
type familySpec struct {
	name       string
	topic      string
	rules      []decoder.Rule
	database   string
	normalizer enrichment.NormalizerConfig
}

func familySpecs(cfg *config.Config) []familySpec {
	base := enrichment.NormalizerConfig{
		Location: cfg.Enrichment.Location,
		DeviceID: cfg.Enrichment.DeviceName,
	}
	climate := base
	climate.FloatFields = []string{"temperature", "humidity", "pressure"}
	flora := base
	flora.FloatFields = []string{"temperature"}
	energy := base
	energy.AllowedMeasurements = []string{cfg.Store.Influx.EnergyMeasurement}

	return []familySpec{
		{name: "climate", topic: cfg.Topics.Climate, rules: decoder.ClimateRules(), database: cfg.Store.Influx.ClimateDatabase, normalizer: climate},
		{name: "flora", topic: cfg.Topics.Flora, rules: decoder.FloraRules(), database: cfg.Store.Influx.FloraDatabase, normalizer: flora},
		{name: "energy", topic: cfg.Topics.Energy, rules: decoder.EnergyRules(cfg.Store.Influx.EnergyMeasurement), database: cfg.Store.Influx.EnergyDatabase, normalizer: energy},
	}
}

func storeConfig(cfg *config.Config, database string) tsstore.Config {
	return tsstore.Config{
		Driver: cfg.Store.Driver,
		Influx: tsstore.InfluxConfig{
			Host:     cfg.Store.Influx.Host,
			Port:     cfg.Store.Influx.Port,
			User:     cfg.Store.Influx.User,
			Password: cfg.Store.Influx.Password,
			Database: database,
		},
		TimescaleDSN:   cfg.Store.TimescaleDSN,
		TimescaleTable: cfg.Store.TimescaleTable,
		BigQuery: tsstore.BigQueryConfig{
			ProjectID:       cfg.GCP.ProjectID,
			DatasetID:       cfg.Store.BigQueryDataset,
			TableID:         cfg.Store.BigQueryTable,
			CredentialsFile: cfg.GCP.CredentialsFile,
		},
	}
}

func mqttConfig(cfg *config.Config, clientPrefix string) *mqttconverter.MQTTClientConfig {
	c := mqttconverter.NewMQTTClientConfig(mqttconverter.BrokerURL(cfg.MQTT.Broker, cfg.MQTT.Port))
	c.ClientIDPrefix = clientPrefix
	c.Username = cfg.MQTT.Username
	c.Password = cfg.MQTT.Password
	c.KeepAlive = cfg.MQTT.KeepAlive
	c.ConnectRetryInterval = cfg.MQTT.ConnectRetry
	c.MaxReconnectInterval = cfg.MQTT.ConnectRetry
	return c
}

func gcpOptions(cfg *config.Config) []option.ClientOption {
	if cfg.GCP.CredentialsFile == "" {
		return nil
	}
	return []option.ClientOption{option.WithCredentialsFile(cfg.GCP.CredentialsFile)}
}

// sharedResources are the handles every family uses.
type sharedResources struct {
	states   cache.Cache[string, types.StateUpdate]
	latest   cache.Cache[string, types.Measurement]
	relay    *messagepipeline.GoogleSimplePublisher
	archiver *icestore.Archiver
	closers  []io.Closer
}

func openShared(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*sharedResources, error) {
	s := &sharedResources{}
	ok := false
	defer func() {
		if !ok {
			s.close(logger)
		}
	}()

	switch cfg.Cache.Backend {
	case config.CacheRedis:
		states, err := cache.NewRedisCache[string, types.StateUpdate](ctx, &cache.RedisConfig{
			Addr: cfg.Cache.RedisAddr, Password: cfg.Cache.RedisPassword, DB: cfg.Cache.RedisDB, KeyPrefix: "homeflow:state:",
		}, logger)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, states)
		latest, err := cache.NewRedisCache[string, types.Measurement](ctx, &cache.RedisConfig{
			Addr: cfg.Cache.RedisAddr, Password: cfg.Cache.RedisPassword, DB: cfg.Cache.RedisDB, KeyPrefix: "homeflow:latest:",
		}, logger)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, latest)
		s.states, s.latest = states, latest
	case config.CacheFirestore:
		states, err := cache.OpenFirestoreCache[string, types.StateUpdate](ctx, &cache.FirestoreConfig{
			ProjectID: cfg.GCP.ProjectID, CollectionName: cfg.Cache.FirestoreCollection,
		}, logger)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, states)
		// Readings arrive too often for a document store.
		s.states, s.latest = states, cache.NewInMemoryCache[string, types.Measurement]()
	default:
		s.states = cache.NewInMemoryCache[string, types.StateUpdate]()
		s.latest = cache.NewInMemoryCache[string, types.Measurement]()
	}

	if cfg.Relay.Topic != "" {
		client, err := pubsub.NewClient(ctx, cfg.GCP.ProjectID, gcpOptions(cfg)...)
		if err != nil {
			return nil, fmt.Errorf("pubsub.NewClient: %w", err)
		}
		s.closers = append(s.closers, client)
		relay, err := messagepipeline.NewGoogleSimplePublisher(ctx, messagepipeline.NewGoogleSimplePublisherDefaults(cfg.Relay.Topic), client, logger)
		if err != nil {
			return nil, err
		}
		s.relay = relay
	}

	if cfg.Archive.Bucket != "" {
		client, err := storage.NewClient(ctx, gcpOptions(cfg)...)
		if err != nil {
			return nil, fmt.Errorf("storage.NewClient: %w", err)
		}
		s.closers = append(s.closers, client)
		uploader, err := icestore.NewGCSUploader(icestore.NewGCSClient(client), icestore.GCSUploaderConfig{
			BucketName:   cfg.Archive.Bucket,
			ObjectPrefix: "measurements",
		}, logger)
		if err != nil {
			return nil, err
		}
		s.archiver = icestore.NewArchiver(icestore.ArchiverConfig{
			BatchSize:     cfg.Archive.BatchSize,
			FlushInterval: cfg.Archive.FlushInterval,
		}, uploader, logger)
	}

	ok = true
	return s, nil
}

// close releases clients in reverse order of opening.
func (s *sharedResources) close(logger zerolog.Logger) {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close client.")
		}
	}
	s.closers = nil
}

// family is one running ingest dispatcher with its own connection and
// store handle.
type family struct {
	name    string
	store   tsstore.Writer
	service *messagepipeline.StreamingService[types.Measurement]
}

func newFamily(ctx context.Context, cfg *config.Config, spec familySpec, shared *sharedResources, recorder *metrics.Family, logger zerolog.Logger) (*family, error) {
	logger = logger.With().Str("family", spec.name).Logger()

	registry, err := decoder.NewRegistry(spec.rules...)
	if err != nil {
		return nil, err
	}

	store, err := tsstore.Open(ctx, storeConfig(cfg, spec.database), logger)
	if err != nil {
		return nil, err
	}
	if err := tsstore.Prepare(ctx, store, cfg.Store.ConnectBackoff, nil, logger); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("store not ready: %w", err)
	}

	conn, err := mqttconverter.NewConnection(mqttConfig(cfg, "homeflow-"+spec.name+"-"), logger,
		mqttconverter.WithStateObserver(recorder.RecordState),
		mqttconverter.WithOutcomeObserver(recorder.RecordOutcome),
	)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	consumer, err := mqttconverter.NewMqttConsumer(conn, spec.topic, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	sinks := []delivery.Sink{
		delivery.NewStoreSink(store, delivery.StoreSinkConfig{
			MaxAttempts:  cfg.Store.RetryAttempts,
			Delay:        cfg.Store.RetryDelay,
			RetryUnacked: cfg.Store.RetryUnacked,
		}, logger),
		delivery.NewBusSink(conn, cfg.Topics.LivePrefix),
		delivery.NewLatestSink(shared.latest),
	}
	if shared.relay != nil {
		sinks = append(sinks, delivery.NewRelaySink(shared.relay))
	}
	if shared.archiver != nil {
		sinks = append(sinks, shared.archiver)
	}
	pipeline := delivery.NewPipeline(logger, sinks, delivery.WithRecorder(recorder))

	service, err := messagepipeline.NewStreamingService[types.Measurement](
		spec.name,
		consumer,
		mqttconverter.NewMeasurementTransformer(registry, enrichment.NewNormalizer(spec.normalizer), logger, recorder.RecordOutcome),
		mqttconverter.NewDeliveryProcessor(pipeline),
		logger,
	)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	logger.Info().Str("topic", spec.topic).Strs("sinks", pipeline.Sinks()).Msg("Family configured.")
	return &family{name: spec.name, store: store, service: service}, nil
}

func (f *family) closeStore(logger zerolog.Logger) {
	if err := f.store.Close(); err != nil {
		logger.Warn().Err(err).Str("family", f.name).Msg("Failed to close store.")
	}
}

// bridgeService is the command bridge with its own broker connection.
type bridgeService struct {
	conn    *mqttconverter.Connection
	bridge  *command.Bridge
	service *messagepipeline.StreamingService[types.RawMessage]
}

func newBridgeService(cfg *config.Config, states cache.Cache[string, types.StateUpdate], recorder *metrics.Family, logger zerolog.Logger) (*bridgeService, error) {
	conn, err := mqttconverter.NewConnection(mqttConfig(cfg, "homeflow-command-"), logger,
		mqttconverter.WithStateObserver(recorder.RecordState),
		mqttconverter.WithOutcomeObserver(recorder.RecordOutcome),
	)
	if err != nil {
		return nil, err
	}
	consumer, err := mqttconverter.NewMqttConsumer(conn, cfg.Topics.Device, logger)
	if err != nil {
		return nil, err
	}

	bridge := command.NewBridge(cfg.Topics.Device, conn, states, logger)
	bridge.Register(devices.NewSpeaker(devices.NewIRSend(logger), devices.SpeakerConfig{Remote: cfg.Devices.KefRemote}, logger), "leopard", "speaker")
	if cfg.Devices.ComputerGPIO >= 0 {
		pin, err := devices.OpenSysfsPin(cfg.Devices.ComputerGPIO)
		if err != nil {
			_ = bridge.Close()
			return nil, fmt.Errorf("computer relay: %w", err)
		}
		bridge.Register(devices.NewComputer(pin, cfg.Devices.RelayPulse, logger), "computer")
	}

	service, err := messagepipeline.NewStreamingService[types.RawMessage]("command", consumer, bridge.Transformer(), bridge.Processor(), logger)
	if err != nil {
		_ = bridge.Close()
		return nil, err
	}
	return &bridgeService{conn: conn, bridge: bridge, service: service}, nil
}
