package tsstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/illmade-knight/go-homeflow/pkg/delivery"
	"github.com/illmade-knight/go-homeflow/pkg/types"
	"github.com/rs/zerolog"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// BigQueryConfig identifies the target table.
type BigQueryConfig struct {
	ProjectID       string
	DatasetID       string
	TableID         string
	CredentialsFile string // Optional: path to a service account JSON file.
}

// MeasurementRow is the BigQuery row layout of a measurement. Tags and
// fields are stored as JSON text so one table holds every series.
type MeasurementRow struct {
	Time        time.Time `bigquery:"time"`
	Measurement string    `bigquery:"measurement"`
	Device      string    `bigquery:"device"`
	Tags        string    `bigquery:"tags"`
	Fields      string    `bigquery:"fields"`
}

// RowPutter is the part of *bigquery.Inserter the writer needs.
type RowPutter interface {
	Put(ctx context.Context, src interface{}) error
}

// NewBigQueryClient creates a BigQuery client using the credentials file when
// given, Application Default Credentials otherwise.
func NewBigQueryClient(ctx context.Context, projectID, credentialsFile string, logger zerolog.Logger) (*bigquery.Client, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
		logger.Info().Str("credentials_file", credentialsFile).Msg("Using specified credentials file for BigQuery client.")
	} else {
		logger.Info().Msg("Using Application Default Credentials (ADC) for BigQuery client.")
	}
	client, err := bigquery.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("bigquery.NewClient: %w", err)
	}
	return client, nil
}

// BigQueryWriter streams one row per measurement.
type BigQueryWriter struct {
	client *bigquery.Client
	putter RowPutter
	schema bigquery.Schema
	table  *bigquery.Table
	logger zerolog.Logger
}

// NewBigQueryWriter verifies the table, creating it from MeasurementRow when
// it does not exist yet.
func NewBigQueryWriter(ctx context.Context, client *bigquery.Client, cfg BigQueryConfig, logger zerolog.Logger) (*BigQueryWriter, error) {
	if client == nil {
		return nil, errors.New("bigquery client cannot be nil")
	}
	logger = logger.With().Str("component", "BigQueryWriter").Str("dataset_id", cfg.DatasetID).Str("table_id", cfg.TableID).Logger()

	schema, err := bigquery.InferSchema(MeasurementRow{})
	if err != nil {
		return nil, fmt.Errorf("failed to infer measurement schema: %w", err)
	}
	table := client.Dataset(cfg.DatasetID).Table(cfg.TableID)
	if _, err := table.Metadata(ctx); err != nil {
		var apiErr *googleapi.Error
		if !errors.As(err, &apiErr) || apiErr.Code != http.StatusNotFound {
			return nil, fmt.Errorf("failed to get BigQuery table metadata: %w", err)
		}
		logger.Warn().Msg("BigQuery table not found, creating it.")
		meta := &bigquery.TableMetadata{
			Schema:           schema,
			TimePartitioning: &bigquery.TimePartitioning{Field: "time"},
		}
		if err := table.Create(ctx, meta); err != nil {
			return nil, fmt.Errorf("failed to create BigQuery table %s.%s: %w", cfg.DatasetID, cfg.TableID, err)
		}
	}

	w := NewBigQueryWriterWithPutter(table.Inserter(), schema, logger)
	w.table = table
	return w, nil
}

// NewBigQueryWriterWithPutter builds a writer on an existing putter.
func NewBigQueryWriterWithPutter(putter RowPutter, schema bigquery.Schema, logger zerolog.Logger) *BigQueryWriter {
	return &BigQueryWriter{putter: putter, schema: schema, logger: logger}
}

// Ping checks the table is reachable.
func (w *BigQueryWriter) Ping(ctx context.Context) error {
	if w.table == nil {
		return nil
	}
	_, err := w.table.Metadata(ctx)
	return err
}

// WritePoint implements delivery.PointWriter. Each row carries an insert
// id derived from its identity so BigQuery can drop replays.
func (w *BigQueryWriter) WritePoint(ctx context.Context, m types.Measurement) (bool, error) {
	row, err := ToRow(m)
	if err != nil {
		return false, delivery.Fatal("encode row", err)
	}
	saver := &bigquery.StructSaver{Struct: row, Schema: w.schema, InsertID: InsertID(row)}
	if err := w.putter.Put(ctx, saver); err != nil {
		var multiErr bigquery.PutMultiError
		if errors.As(err, &multiErr) {
			for _, rowErr := range multiErr {
				w.logger.Error().Int("row_index", rowErr.RowIndex).Msgf("BigQuery insert error for row: %v", rowErr.Errors)
			}
		}
		return false, classifyBigQuery(err)
	}
	return true, nil
}

// Close closes the client when the writer opened it itself.
func (w *BigQueryWriter) Close() error {
	if w.client == nil {
		return nil
	}
	return w.client.Close()
}

// ToRow converts a measurement into its row form.
func ToRow(m types.Measurement) (*MeasurementRow, error) {
	tags, err := json.Marshal(m.Tags)
	if err != nil {
		return nil, err
	}
	fields, err := json.Marshal(m.Fields)
	if err != nil {
		return nil, err
	}
	return &MeasurementRow{
		Time:        m.Timestamp.UTC(),
		Measurement: m.Name,
		Device:      m.Tags["devices"],
		Tags:        string(tags),
		Fields:      string(fields),
	}, nil
}

// InsertID hashes the identity of a row: time, name and tags.
func InsertID(row *MeasurementRow) string {
	var tags map[string]string
	_ = json.Unmarshal([]byte(row.Tags), &tags)
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	fmt.Fprintf(h, "%d|%s", row.Time.UnixNano(), row.Measurement)
	for _, k := range keys {
		fmt.Fprintf(h, "|%s=%s", k, tags[k])
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}

func classifyBigQuery(err error) error {
	if classified := classifyCommon("bigquery insert", err); classified != nil {
		return classified
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		if transientStatus(apiErr.Code) {
			return delivery.Transient("bigquery insert", err)
		}
		return delivery.Fatal("bigquery insert", err)
	}
	return delivery.Fatal("bigquery insert", err)
}
