package tsstore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/illmade-knight/go-homeflow/pkg/delivery"
	"github.com/illmade-knight/go-homeflow/pkg/types"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	influxhttp "github.com/influxdata/influxdb-client-go/v2/api/http"
	"github.com/rs/zerolog"
)

// InfluxConfig addresses an InfluxDB database through the v1 compatibility
// endpoints.
type InfluxConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	RetentionPolicy string
	Timeout         time.Duration
}

// URL returns the server base URL.
func (c InfluxConfig) URL() string {
	if strings.HasPrefix(c.Host, "http://") || strings.HasPrefix(c.Host, "https://") {
		return fmt.Sprintf("%s:%d", c.Host, c.Port)
	}
	return fmt.Sprintf("http://%s:%d", c.Host, c.Port)
}

// influx error codes that no retry will fix. "not found" is absent: a
// database that does not exist yet may be created while points wait.
var fatalInfluxCodes = []string{"invalid", "unauthorized", "forbidden", "unprocessable entity", "conflict"}

var statusInMessage = regexp.MustCompile(`status code (\d{3})`)

// InfluxWriter writes points with the blocking write API.
type InfluxWriter struct {
	client   influxdb2.Client
	write    api.WriteAPIBlocking
	database string
	logger   zerolog.Logger
}

// NewInfluxWriter creates a writer for cfg.Database. It does not contact
// the server; use Ping or WaitUntilReachable for that.
func NewInfluxWriter(cfg InfluxConfig, logger zerolog.Logger) (*InfluxWriter, error) {
	if cfg.Host == "" || cfg.Database == "" {
		return nil, errors.New("influx host and database are required")
	}
	opts := influxdb2.DefaultOptions()
	if cfg.Timeout > 0 {
		opts.SetHTTPRequestTimeout(uint(cfg.Timeout / time.Second))
	}
	token := ""
	if cfg.User != "" {
		token = cfg.User + ":" + cfg.Password
	}
	bucket := cfg.Database
	if cfg.RetentionPolicy != "" {
		bucket += "/" + cfg.RetentionPolicy
	}
	client := influxdb2.NewClientWithOptions(cfg.URL(), token, opts)
	return &InfluxWriter{
		client:   client,
		write:    client.WriteAPIBlocking("", bucket),
		database: cfg.Database,
		logger:   logger.With().Str("component", "InfluxWriter").Str("database", cfg.Database).Logger(),
	}, nil
}

// Ping checks the server is up.
func (w *InfluxWriter) Ping(ctx context.Context) error {
	ok, err := w.client.Ping(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("influx server at %s did not answer ping", w.client.ServerURL())
	}
	return nil
}

// WritePoint implements delivery.PointWriter. A successful blocking write
// is an acknowledged write.
func (w *InfluxWriter) WritePoint(ctx context.Context, m types.Measurement) (bool, error) {
	p := influxdb2.NewPoint(m.Name, m.Tags, m.Fields, m.Timestamp)
	if err := w.write.WritePoint(ctx, p); err != nil {
		return false, classifyInflux(err)
	}
	return true, nil
}

// Close releases the HTTP client.
func (w *InfluxWriter) Close() error {
	w.client.Close()
	return nil
}

func classifyInflux(err error) error {
	if classified := classifyCommon("influx write", err); classified != nil {
		return classified
	}
	var httpErr *influxhttp.Error
	if errors.As(err, &httpErr) && httpErr.StatusCode != 0 {
		if influxRetryable(httpErr.StatusCode) {
			return delivery.Transient("influx write", err)
		}
		return delivery.Fatal("influx write", err)
	}
	// The blocking API can flatten the HTTP error into its message, which
	// then starts with the server's error code.
	msg := strings.ToLower(err.Error())
	if m := statusInMessage.FindStringSubmatch(msg); m != nil {
		code, _ := strconv.Atoi(m[1])
		if !influxRetryable(code) {
			return delivery.Fatal("influx write", err)
		}
		return delivery.Transient("influx write", err)
	}
	for _, code := range fatalInfluxCodes {
		if strings.HasPrefix(msg, code) {
			return delivery.Fatal("influx write", err)
		}
	}
	return delivery.Transient("influx write", err)
}

// influxRetryable adds 404 to the transient statuses: Influx answers it
// for a missing database.
func influxRetryable(code int) bool {
	return code == http.StatusNotFound || transientStatus(code)
}
