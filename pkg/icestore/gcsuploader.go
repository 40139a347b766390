package icestore

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Uploader writes a group of records that share a batch key.
type Uploader interface {
	Upload(ctx context.Context, batchKey string, records []*ArchivalRecord) error
}

// GCSUploaderConfig holds configuration specific to the GCS uploader.
type GCSUploaderConfig struct {
	BucketName   string
	ObjectPrefix string
}

// GCSUploader writes each batch to its own gzipped JSON-lines object named
// {prefix}/{batchKey}/{uuid}.jsonl.gz.
type GCSUploader struct {
	client GCSClient
	config GCSUploaderConfig
	logger zerolog.Logger
}

// NewGCSUploader creates an uploader for the configured bucket.
func NewGCSUploader(client GCSClient, config GCSUploaderConfig, logger zerolog.Logger) (*GCSUploader, error) {
	if client == nil {
		return nil, errors.New("GCS client cannot be nil")
	}
	if config.BucketName == "" {
		return nil, errors.New("GCS bucket name is required")
	}
	return &GCSUploader{
		client: client,
		config: config,
		logger: logger.With().Str("component", "GCSUploader").Str("bucket", config.BucketName).Logger(),
	}, nil
}

// Upload implements Uploader.
func (u *GCSUploader) Upload(ctx context.Context, batchKey string, records []*ArchivalRecord) error {
	if len(records) == 0 {
		return nil
	}
	objectName := path.Join(u.config.ObjectPrefix, batchKey, uuid.NewString()+".jsonl.gz")
	w := u.client.Bucket(u.config.BucketName).Object(objectName).NewWriter(ctx)

	pr, pw := io.Pipe()
	go func() {
		gz := gzip.NewWriter(pw)
		enc := json.NewEncoder(gz)
		var err error
		for _, rec := range records {
			if err = enc.Encode(rec); err != nil {
				err = fmt.Errorf("json encoding failed for %s: %w", objectName, err)
				break
			}
		}
		if closeErr := gz.Close(); err == nil {
			err = closeErr
		}
		_ = pw.CloseWithError(err)
	}()

	written, copyErr := io.Copy(w, pr)
	closeErr := w.Close()
	if copyErr != nil {
		_ = pr.CloseWithError(copyErr)
		return fmt.Errorf("failed to stream data for GCS object %s: %w", objectName, copyErr)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close GCS object writer for %s: %w", objectName, closeErr)
	}

	u.logger.Info().Str("object_name", objectName).Int("record_count", len(records)).Int64("bytes_written", written).Msg("Uploaded archive batch.")
	return nil
}
