package tsstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/illmade-knight/go-homeflow/pkg/delivery"
	"github.com/illmade-knight/go-homeflow/pkg/types"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"
)

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Postgres error codes worth retrying.
var retriablePgCodes = map[string]struct{}{
	pgerrcode.ConnectionException:                           {},
	pgerrcode.ConnectionDoesNotExist:                        {},
	pgerrcode.ConnectionFailure:                             {},
	pgerrcode.SQLClientUnableToEstablishSQLConnection:       {},
	pgerrcode.SQLServerRejectedEstablishmentOfSQLConnection: {},
	pgerrcode.TransactionResolutionUnknown:                  {},
	pgerrcode.SerializationFailure:                          {},
	pgerrcode.DeadlockDetected:                              {},
	pgerrcode.TooManyConnections:                            {},
	pgerrcode.AdminShutdown:                                 {},
	pgerrcode.CrashShutdown:                                 {},
	pgerrcode.CannotConnectNow:                              {},
}

// TimescaleWriter stores measurements in a single hypertable with tags and
// fields as JSONB. Rows are unique on (time, measurement, tags), so a
// replayed write is not duplicated.
type TimescaleWriter struct {
	db     *sql.DB
	table  string
	logger zerolog.Logger
}

// OpenTimescale opens a pgx-backed database handle for dsn.
func OpenTimescale(dsn, table string, logger zerolog.Logger) (*TimescaleWriter, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open timescale connection: %w", err)
	}
	w, err := NewTimescaleWriter(db, table, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

// NewTimescaleWriter wraps an existing handle.
func NewTimescaleWriter(db *sql.DB, table string, logger zerolog.Logger) (*TimescaleWriter, error) {
	if db == nil {
		return nil, errors.New("database handle cannot be nil")
	}
	if !identifier.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &TimescaleWriter{
		db:     db,
		table:  table,
		logger: logger.With().Str("component", "TimescaleWriter").Str("table", table).Logger(),
	}, nil
}

// EnsureSchema creates the table and, when the timescaledb extension is
// present, turns it into a hypertable.
func (w *TimescaleWriter) EnsureSchema(ctx context.Context) error {
	create := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	time        TIMESTAMPTZ NOT NULL,
	measurement TEXT        NOT NULL,
	tags        JSONB       NOT NULL,
	fields      JSONB       NOT NULL,
	UNIQUE (time, measurement, tags)
)`, w.table)
	if _, err := w.db.ExecContext(ctx, create); err != nil {
		return fmt.Errorf("failed to create table %s: %w", w.table, err)
	}
	if _, err := w.db.ExecContext(ctx, `SELECT create_hypertable($1, 'time', if_not_exists => TRUE)`, w.table); err != nil {
		w.logger.Warn().Err(err).Msg("Could not create hypertable, continuing with a plain table")
	}
	return nil
}

// Ping checks the database is reachable.
func (w *TimescaleWriter) Ping(ctx context.Context) error {
	return w.db.PingContext(ctx)
}

// WritePoint implements delivery.PointWriter. A row that already exists is
// reported as not acknowledged.
func (w *TimescaleWriter) WritePoint(ctx context.Context, m types.Measurement) (bool, error) {
	tags, err := json.Marshal(m.Tags)
	if err != nil {
		return false, delivery.Fatal("encode tags", err)
	}
	fields, err := json.Marshal(m.Fields)
	if err != nil {
		return false, delivery.Fatal("encode fields", err)
	}

	query := fmt.Sprintf(`INSERT INTO %s (time, measurement, tags, fields) VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING`, w.table)
	res, err := w.db.ExecContext(ctx, query, m.Timestamp, m.Name, tags, fields)
	if err != nil {
		return false, classifyPostgres(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, classifyPostgres(err)
	}
	return n > 0, nil
}

// Close closes the database handle.
func (w *TimescaleWriter) Close() error {
	return w.db.Close()
}

func classifyPostgres(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if _, ok := retriablePgCodes[pgErr.Code]; ok || pgerrcode.IsInsufficientResources(pgErr.Code) {
			return delivery.Transient("timescale write", err)
		}
		return delivery.Fatal("timescale write", err)
	}
	if classified := classifyCommon("timescale write", err); classified != nil {
		return classified
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return delivery.Transient("timescale write", err)
	}
	return delivery.Fatal("timescale write", err)
}
