package icestore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/illmade-knight/go-homeflow/pkg/types"
	"github.com/rs/zerolog"
)

// ErrArchiverStopped is returned by Deliver after Stop.
var ErrArchiverStopped = errors.New("archiver is stopped")

// ArchiverConfig holds configuration for the Archiver.
type ArchiverConfig struct {
	BatchSize     int
	FlushInterval time.Duration
	UploadTimeout time.Duration
}

// Archiver is the archive delivery sink. Measurements are grouped by batch
// key and uploaded when a group reaches BatchSize, on every FlushInterval,
// and on Stop.
type Archiver struct {
	config   ArchiverConfig
	uploader Uploader
	logger   zerolog.Logger
	now      func() time.Time

	mu      sync.RWMutex
	stopped bool
	input   chan *ArchivalRecord
	wg      sync.WaitGroup
}

// NewArchiver creates an Archiver. Call Start before delivering.
func NewArchiver(config ArchiverConfig, uploader Uploader, logger zerolog.Logger) *Archiver {
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = time.Minute
	}
	if config.UploadTimeout <= 0 {
		config.UploadTimeout = 30 * time.Second
	}
	return &Archiver{
		config:   config,
		uploader: uploader,
		logger:   logger.With().Str("component", "Archiver").Logger(),
		now:      time.Now,
		input:    make(chan *ArchivalRecord, config.BatchSize*2),
	}
}

func (a *Archiver) Name() string { return "archive" }

// Start begins the batching worker goroutine.
func (a *Archiver) Start(ctx context.Context) {
	a.logger.Info().Int("batch_size", a.config.BatchSize).Dur("flush_interval", a.config.FlushInterval).Msg("Starting archiver.")
	a.wg.Add(1)
	go a.worker(ctx)
}

// Deliver queues m for archiving. It blocks only while the queue is full.
func (a *Archiver) Deliver(ctx context.Context, m types.Measurement) (int, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.stopped {
		return 1, ErrArchiverStopped
	}
	select {
	case a.input <- NewArchivalRecord(m, a.now()):
		return 1, nil
	case <-ctx.Done():
		return 1, ctx.Err()
	}
}

// Stop flushes pending groups and waits for the worker, bounded by ctx.
func (a *Archiver) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.stopped {
		a.stopped = true
		close(a.input)
	}
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		a.logger.Info().Msg("Archiver stopped gracefully.")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Archiver) worker(ctx context.Context) {
	defer a.wg.Done()
	batches := make(map[string][]*ArchivalRecord)
	ticker := time.NewTicker(a.config.FlushInterval)
	defer ticker.Stop()

	flushAll := func() {
		for key, batch := range batches {
			a.flush(key, batch)
			delete(batches, key)
		}
	}

	for {
		select {
		case <-ctx.Done():
			flushAll()
			return
		case rec, ok := <-a.input:
			if !ok {
				flushAll()
				return
			}
			batches[rec.BatchKey] = append(batches[rec.BatchKey], rec)
			if len(batches[rec.BatchKey]) >= a.config.BatchSize {
				a.flush(rec.BatchKey, batches[rec.BatchKey])
				delete(batches, rec.BatchKey)
			}
		case <-ticker.C:
			flushAll()
		}
	}
}

// flush uploads with its own timeout so a cancelled worker context still
// gets its final flush.
func (a *Archiver) flush(key string, batch []*ArchivalRecord) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.config.UploadTimeout)
	defer cancel()
	if err := a.uploader.Upload(ctx, key, batch); err != nil {
		a.logger.Error().Err(err).Str("batch_key", key).Int("batch_size", len(batch)).Msg("Failed to upload archive batch, records dropped.")
		return
	}
	a.logger.Debug().Str("batch_key", key).Int("batch_size", len(batch)).Msg("Archived batch.")
}
