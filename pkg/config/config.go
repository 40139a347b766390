// Package config loads the process configuration: built-in defaults, then
// an optional YAML file named by HOMEFLOW_CONFIG, then environment
// variables. The result is validated once and treated as read-only.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigFile names the optional YAML file.
const EnvConfigFile = "HOMEFLOW_CONFIG"

// Store drivers.
const (
	DriverInflux    = "influx"
	DriverTimescale = "timescale"
	DriverBigQuery  = "bigquery"
)

// State cache backends.
const (
	CacheMemory    = "memory"
	CacheRedis     = "redis"
	CacheFirestore = "firestore"
)

type Config struct {
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Topics     TopicsConfig     `yaml:"topics"`
	Store      StoreConfig      `yaml:"store"`
	GCP        GCPConfig        `yaml:"gcp"`
	Relay      RelayConfig      `yaml:"relay"`
	Archive    ArchiveConfig    `yaml:"archive"`
	Cache      CacheConfig      `yaml:"cache"`
	Enrichment EnrichmentConfig `yaml:"enrichment"`
	Devices    DevicesConfig    `yaml:"devices"`
	P1         P1Config         `yaml:"p1"`
	Log        LogConfig        `yaml:"log"`
	HTTP       HTTPConfig       `yaml:"http"`
}

type MQTTConfig struct {
	Broker       string        `yaml:"broker"`
	Port         int           `yaml:"port"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	KeepAlive    time.Duration `yaml:"keep_alive"`
	ConnectRetry time.Duration `yaml:"connect_retry"`
}

type TopicsConfig struct {
	Climate    string `yaml:"climate"`
	Flora      string `yaml:"flora"`
	Energy     string `yaml:"energy"`
	Device     string `yaml:"device"`
	LivePrefix string `yaml:"live_prefix"`
}

type InfluxConfig struct {
	Host              string `yaml:"host"`
	Port              int    `yaml:"port"`
	User              string `yaml:"user"`
	Password          string `yaml:"password"`
	ClimateDatabase   string `yaml:"climate_database"`
	FloraDatabase     string `yaml:"flora_database"`
	EnergyDatabase    string `yaml:"energy_database"`
	EnergyMeasurement string `yaml:"energy_measurement"`
}

type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	Influx          InfluxConfig  `yaml:"influx"`
	TimescaleDSN    string        `yaml:"timescale_dsn"`
	TimescaleTable  string        `yaml:"timescale_table"`
	BigQueryDataset string        `yaml:"bigquery_dataset"`
	BigQueryTable   string        `yaml:"bigquery_table"`
	RetryAttempts   int           `yaml:"retry_attempts"`
	RetryDelay      time.Duration `yaml:"retry_delay"`
	ConnectBackoff  time.Duration `yaml:"connect_backoff"`
	RetryUnacked    bool          `yaml:"retry_unacked"`
}

type GCPConfig struct {
	ProjectID       string `yaml:"project_id"`
	CredentialsFile string `yaml:"credentials_file"`
}

// RelayConfig enables forwarding to Pub/Sub when Topic is set.
type RelayConfig struct {
	Topic string `yaml:"topic"`
}

// ArchiveConfig enables the GCS archive when Bucket is set.
type ArchiveConfig struct {
	Bucket        string        `yaml:"bucket"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

type CacheConfig struct {
	Backend             string `yaml:"backend"`
	RedisAddr           string `yaml:"redis_addr"`
	RedisPassword       string `yaml:"redis_password"`
	RedisDB             int    `yaml:"redis_db"`
	FirestoreCollection string `yaml:"firestore_collection"`
}

type EnrichmentConfig struct {
	Location   string `yaml:"location"`
	DeviceName string `yaml:"device_name"`
}

type DevicesConfig struct {
	KefRemote string `yaml:"kef_remote"`
	// ComputerGPIO is the relay line; negative disables the computer handler.
	ComputerGPIO int           `yaml:"computer_gpio"`
	RelayPulse   time.Duration `yaml:"relay_pulse"`
}

type P1Config struct {
	Device string `yaml:"device"`
	Header string `yaml:"header"`
}

type LogConfig struct {
	Dir   string `yaml:"dir"`
	Level string `yaml:"level"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		MQTT: MQTTConfig{
			Broker:       "localhost",
			Port:         1883,
			KeepAlive:    120 * time.Second,
			ConnectRetry: 120 * time.Second,
		},
		Topics: TopicsConfig{
			Climate:    "sensor/climate",
			Flora:      "sensor/flora",
			Energy:     "sensor/power/p1meter",
			Device:     "device",
			LivePrefix: "live",
		},
		Store: StoreConfig{
			Driver: DriverInflux,
			Influx: InfluxConfig{
				Host:              "localhost",
				Port:              8086,
				User:              "user",
				ClimateDatabase:   "climate",
				FloraDatabase:     "flora",
				EnergyDatabase:    "energy",
				EnergyMeasurement: "meter",
			},
			TimescaleTable: "measurements",
			BigQueryTable:  "measurements",
			RetryAttempts:  3,
			RetryDelay:     5 * time.Second,
			ConnectBackoff: 120 * time.Second,
		},
		Archive: ArchiveConfig{BatchSize: 500, FlushInterval: time.Minute},
		Cache: CacheConfig{
			Backend:             CacheMemory,
			RedisAddr:           "localhost:6379",
			FirestoreCollection: "device-state",
		},
		Enrichment: EnrichmentConfig{Location: "house"},
		Devices: DevicesConfig{
			KefRemote:    "KEF_LS50",
			ComputerGPIO: -1,
			RelayPulse:   500 * time.Millisecond,
		},
		P1:   P1Config{Device: "/dev/ttyS0", Header: "/KFM5KAIFA-METER"},
		Log:  LogConfig{Level: "info"},
		HTTP: HTTPConfig{Addr: ":8080"},
	}
}

// Load builds the configuration from defaults, the HOMEFLOW_CONFIG file if
// set, and the environment, and validates it.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv(EnvConfigFile); path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.overlayEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) overlayFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) overlayEnv(lookup func(string) (string, bool)) error {
	e := envReader{lookup: lookup}

	e.str("MQTT_BROKER", &c.MQTT.Broker)
	e.integer("MQTT_PORT", &c.MQTT.Port)
	e.str("MQTT_USERNAME", &c.MQTT.Username)
	e.str("MQTT_PASSWORD", &c.MQTT.Password)
	e.duration("MQTT_TIMEOUT", &c.MQTT.KeepAlive)
	e.duration("MQTT_CONNECT_RETRY_SECONDS", &c.MQTT.ConnectRetry)

	e.str("CLIMATE_TOPIC", &c.Topics.Climate)
	e.str("FLORA_TOPIC", &c.Topics.Flora)
	e.str("ENERGY_TOPIC", &c.Topics.Energy)
	e.str("DEVICE_TOPIC", &c.Topics.Device)
	e.str("LIVE_TOPIC_PREFIX", &c.Topics.LivePrefix)

	e.str("STORE_DRIVER", &c.Store.Driver)
	e.str("INFLUXDB_HOST", &c.Store.Influx.Host)
	e.integer("INFLUXDB_PORT", &c.Store.Influx.Port)
	e.str("INFLUXDB_USER", &c.Store.Influx.User)
	e.str("INFLUXDB_PASSWORD", &c.Store.Influx.Password)
	e.str("INFLUXDB_CLIMATE_DATABASE", &c.Store.Influx.ClimateDatabase)
	e.str("INFLUXDB_FLORA_DATABASE", &c.Store.Influx.FloraDatabase)
	e.str("INFLUXDB_ENERGY_DATABASE", &c.Store.Influx.EnergyDatabase)
	e.str("INFLUXDB_ENERGY_MEASUREMENT", &c.Store.Influx.EnergyMeasurement)
	e.str("TIMESCALE_DSN", &c.Store.TimescaleDSN)
	e.str("TIMESCALE_TABLE", &c.Store.TimescaleTable)
	e.str("BIGQUERY_DATASET", &c.Store.BigQueryDataset)
	e.str("BIGQUERY_TABLE", &c.Store.BigQueryTable)
	e.integer("STORE_RETRY_ATTEMPTS", &c.Store.RetryAttempts)
	e.duration("STORE_RETRY_DELAY", &c.Store.RetryDelay)
	e.duration("STORE_CONNECT_BACKOFF", &c.Store.ConnectBackoff)
	e.boolean("STORE_RETRY_UNACKED", &c.Store.RetryUnacked)

	e.str("GCP_PROJECT_ID", &c.GCP.ProjectID)
	e.str("GCP_CREDENTIALS_FILE", &c.GCP.CredentialsFile)
	e.str("RELAY_PUBSUB_TOPIC", &c.Relay.Topic)
	e.str("ARCHIVE_BUCKET", &c.Archive.Bucket)
	e.integer("ARCHIVE_BATCH_SIZE", &c.Archive.BatchSize)

	e.str("STATE_CACHE", &c.Cache.Backend)
	e.str("REDIS_ADDR", &c.Cache.RedisAddr)
	e.str("REDIS_PASSWORD", &c.Cache.RedisPassword)
	e.integer("REDIS_DB", &c.Cache.RedisDB)
	e.str("FIRESTORE_COLLECTION", &c.Cache.FirestoreCollection)

	e.str("LOCATION", &c.Enrichment.Location)
	e.str("DEVICE_NAME", &c.Enrichment.DeviceName)
	e.str("KEF_REMOTE", &c.Devices.KefRemote)
	e.integer("COMPUTER_GPIO", &c.Devices.ComputerGPIO)
	e.str("P1_DEVICE", &c.P1.Device)
	e.str("P1_HEADER", &c.P1.Header)
	e.str("LOG_DIR", &c.Log.Dir)
	e.str("LOG_LEVEL", &c.Log.Level)
	e.str("HTTP_PORT", &c.HTTP.Addr)

	if e.err != nil {
		return e.err
	}
	if c.HTTP.Addr != "" && !strings.Contains(c.HTTP.Addr, ":") {
		c.HTTP.Addr = ":" + c.HTTP.Addr
	}
	c.Store.Driver = strings.ToLower(c.Store.Driver)
	c.Cache.Backend = strings.ToLower(c.Cache.Backend)
	return nil
}

// Validate reports the first inconsistency in the configuration.
func (c *Config) Validate() error {
	if c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt broker is required")
	}
	if c.MQTT.Port <= 0 || c.MQTT.Port > 65535 {
		return fmt.Errorf("mqtt port %d is out of range", c.MQTT.Port)
	}
	if c.MQTT.KeepAlive <= 0 || c.MQTT.ConnectRetry <= 0 {
		return fmt.Errorf("mqtt keepalive and connect retry must be positive")
	}
	for name, topic := range map[string]string{
		"climate": c.Topics.Climate,
		"flora":   c.Topics.Flora,
		"energy":  c.Topics.Energy,
		"device":  c.Topics.Device,
		"live":    c.Topics.LivePrefix,
	} {
		if topic == "" || strings.ContainsAny(topic, "#+") {
			return fmt.Errorf("%s topic %q must be a non-empty topic without wildcards", name, topic)
		}
	}

	switch c.Store.Driver {
	case DriverInflux:
		if c.Store.Influx.Host == "" {
			return fmt.Errorf("influx host is required")
		}
	case DriverTimescale:
		if c.Store.TimescaleDSN == "" {
			return fmt.Errorf("TIMESCALE_DSN is required for the timescale driver")
		}
	case DriverBigQuery:
		if c.GCP.ProjectID == "" || c.Store.BigQueryDataset == "" || c.Store.BigQueryTable == "" {
			return fmt.Errorf("GCP_PROJECT_ID, BIGQUERY_DATASET and BIGQUERY_TABLE are required for the bigquery driver")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Store.RetryAttempts < 1 {
		return fmt.Errorf("store retry attempts must be at least 1, got %d", c.Store.RetryAttempts)
	}
	if c.Store.RetryDelay < 0 || c.Store.ConnectBackoff <= 0 {
		return fmt.Errorf("store retry delay must not be negative and connect backoff must be positive")
	}

	if c.Relay.Topic != "" && c.GCP.ProjectID == "" {
		return fmt.Errorf("GCP_PROJECT_ID is required for the pub/sub relay")
	}
	if c.Archive.Bucket != "" && c.Archive.BatchSize < 1 {
		return fmt.Errorf("archive batch size must be at least 1")
	}

	switch c.Cache.Backend {
	case CacheMemory:
	case CacheRedis:
		if c.Cache.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required for the redis cache")
		}
	case CacheFirestore:
		if c.GCP.ProjectID == "" || c.Cache.FirestoreCollection == "" {
			return fmt.Errorf("GCP_PROJECT_ID and FIRESTORE_COLLECTION are required for the firestore cache")
		}
	default:
		return fmt.Errorf("unknown state cache %q", c.Cache.Backend)
	}
	if c.Enrichment.Location == "" {
		return fmt.Errorf("location is required")
	}
	return nil
}

// envReader applies environment values, keeping the first parse error.
type envReader struct {
	lookup func(string) (string, bool)
	err    error
}

func (e *envReader) get(key string) (string, bool) {
	v, ok := e.lookup(key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (e *envReader) fail(key, v string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("invalid value %q for %s: %w", v, key, err)
	}
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *envReader) integer(key string, dst *int) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, v, err)
		return
	}
	*dst = n
}

func (e *envReader) boolean(key string, dst *bool) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(key, v, err)
		return
	}
	*dst = b
}

// duration accepts a Go duration ("5s") or a bare number of seconds.
func (e *envReader) duration(key string, dst *time.Duration) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	if secs, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(secs) * time.Second
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(key, v, err)
		return
	}
	*dst = d
}
