// Package tsstore provides the time-series store backends behind the
// delivery store sink. Every backend classifies its own failures as
// transient or fatal.
package tsstore

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/illmade-knight/go-homeflow/pkg/delivery"
	"github.com/illmade-knight/go-homeflow/pkg/retry"
	"github.com/rs/zerolog"
)

// Drivers accepted by Open.
const (
	DriverInflux    = "influx"
	DriverTimescale = "timescale"
	DriverBigQuery  = "bigquery"
)

// Pinger checks that a store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Writer is a store backend: delivery.PointWriter plus lifecycle.
type Writer interface {
	delivery.PointWriter
	Pinger
	Close() error
}

// Config selects and configures one backend.
type Config struct {
	Driver         string
	Influx         InfluxConfig
	TimescaleDSN   string
	TimescaleTable string
	BigQuery       BigQueryConfig
}

// Open creates the backend named by cfg.Driver. It does not wait for the
// store to become reachable.
func Open(ctx context.Context, cfg Config, logger zerolog.Logger) (Writer, error) {
	switch cfg.Driver {
	case DriverInflux, "":
		return NewInfluxWriter(cfg.Influx, logger)
	case DriverTimescale:
		return OpenTimescale(cfg.TimescaleDSN, cfg.TimescaleTable, logger)
	case DriverBigQuery:
		client, err := NewBigQueryClient(ctx, cfg.BigQuery.ProjectID, cfg.BigQuery.CredentialsFile, logger)
		if err != nil {
			return nil, err
		}
		w, err := NewBigQueryWriter(ctx, client, cfg.BigQuery, logger)
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		w.client = client
		return w, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// WaitUntilReachable pings p until it answers, waiting backoff between
// failures. It only returns early when ctx is done.
func WaitUntilReachable(ctx context.Context, p Pinger, backoff time.Duration, sleep retry.SleepFunc, logger zerolog.Logger) error {
	return retry.Forever(ctx, backoff, sleep, p.Ping, func(attempt int, err error) {
		logger.Warn().Err(err).Int("attempt", attempt).Dur("backoff", backoff).Msg("Store not reachable, waiting before reconnecting")
	})
}

// SchemaEnsurer is implemented by backends that create their own table.
type SchemaEnsurer interface {
	EnsureSchema(ctx context.Context) error
}

// Prepare waits until p is reachable and then, when the backend manages its
// own schema, creates it. Call it before the first WritePoint.
func Prepare(ctx context.Context, p Pinger, backoff time.Duration, sleep retry.SleepFunc, logger zerolog.Logger) error {
	if err := WaitUntilReachable(ctx, p, backoff, sleep, logger); err != nil {
		return err
	}
	if s, ok := p.(SchemaEnsurer); ok {
		if err := s.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("prepare store schema: %w", err)
		}
		logger.Info().Msg("Store schema is in place.")
	}
	return nil
}

// classifyCommon handles the failures every backend treats the same way.
// It returns nil when err needs backend specific classification.
func classifyCommon(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, driver.ErrBadConn) {
		return delivery.Transient(op, err)
	}
	if errors.Is(err, context.Canceled) {
		return delivery.Fatal(op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return delivery.Transient(op, err)
	}
	return nil
}

// transientStatus reports whether an HTTP status is worth retrying.
func transientStatus(code int) bool {
	return code == 429 || code == 408 || code >= 500
}
