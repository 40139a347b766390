package icestore_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/illmade-knight/go-homeflow/pkg/icestore"
	"github.com/illmade-knight/go-homeflow/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func measurement(location string, day int) types.Measurement {
	return types.NewMeasurement(
		"esp32",
		map[string]string{"devices": "esp32", "location": location},
		map[string]any{"temperature": 21.5},
		time.Date(2025, 6, day, 10, 0, 0, 0, time.UTC),
	)
}

func TestNewArchivalRecord(t *testing.T) {
	now := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)

	rec := icestore.NewArchivalRecord(measurement("house", 15), now)
	assert.Equal(t, "2025/06/15/house", rec.BatchKey)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, now, rec.ArchivedAt)

	rec = icestore.NewArchivalRecord(measurement("", 15), now)
	assert.Equal(t, "2025/06/15", rec.BatchKey)
}

func TestGCSUploader_Upload(t *testing.T) {
	client := newMockGCSClient()
	u, err := icestore.NewGCSUploader(client, icestore.GCSUploaderConfig{BucketName: "archive", ObjectPrefix: "homeflow"}, zerolog.Nop())
	require.NoError(t, err)

	now := time.Now()
	records := []*icestore.ArchivalRecord{
		icestore.NewArchivalRecord(measurement("house", 15), now),
		icestore.NewArchivalRecord(measurement("house", 15), now),
	}
	require.NoError(t, u.Upload(context.Background(), "2025/06/15/house", records))

	names := client.bucket.names()
	require.Len(t, names, 1)
	assert.True(t, strings.HasPrefix(names[0], "homeflow/2025/06/15/house/"), names[0])
	assert.True(t, strings.HasSuffix(names[0], ".jsonl.gz"), names[0])

	w := client.bucket.objects[names[0]].writer
	assert.True(t, w.closed)
	got := decodeObject(t, w)
	require.Len(t, got, 2)
	assert.Equal(t, "esp32", got[0].Measurement.Name)
	assert.Equal(t, 21.5, got[0].Measurement.Fields["temperature"])
}

func TestNewGCSUploader_Validation(t *testing.T) {
	_, err := icestore.NewGCSUploader(nil, icestore.GCSUploaderConfig{BucketName: "b"}, zerolog.Nop())
	assert.Error(t, err)
	_, err = icestore.NewGCSUploader(newMockGCSClient(), icestore.GCSUploaderConfig{}, zerolog.Nop())
	assert.Error(t, err)
}

func TestArchiver(t *testing.T) {
	t.Run("Flushes a full group and the rest on stop", func(t *testing.T) {
		uploader := &recordingUploader{}
		a := icestore.NewArchiver(icestore.ArchiverConfig{BatchSize: 2, FlushInterval: time.Hour}, uploader, zerolog.Nop())
		a.Start(context.Background())

		for _, m := range []types.Measurement{measurement("house", 1), measurement("house", 1), measurement("house", 2)} {
			attempts, err := a.Deliver(context.Background(), m)
			require.NoError(t, err)
			assert.Equal(t, 1, attempts)
		}

		require.Eventually(t, func() bool {
			return len(uploader.snapshot()["2025/06/01/house"]) == 1
		}, time.Second, 10*time.Millisecond)

		stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		require.NoError(t, a.Stop(stopCtx))

		assert.Equal(t, map[string][]int{
			"2025/06/01/house": {2},
			"2025/06/02/house": {1},
		}, uploader.snapshot())
	})

	t.Run("Flushes on the interval", func(t *testing.T) {
		uploader := &recordingUploader{}
		a := icestore.NewArchiver(icestore.ArchiverConfig{BatchSize: 100, FlushInterval: 20 * time.Millisecond}, uploader, zerolog.Nop())
		a.Start(context.Background())
		t.Cleanup(func() { _ = a.Stop(context.Background()) })

		_, err := a.Deliver(context.Background(), measurement("shed", 3))
		require.NoError(t, err)

		assert.Eventually(t, func() bool {
			return len(uploader.snapshot()["2025/06/03/shed"]) == 1
		}, time.Second, 10*time.Millisecond)
	})

	t.Run("Rejects deliveries after stop", func(t *testing.T) {
		a := icestore.NewArchiver(icestore.ArchiverConfig{}, &recordingUploader{}, zerolog.Nop())
		a.Start(context.Background())
		require.NoError(t, a.Stop(context.Background()))
		require.NoError(t, a.Stop(context.Background()))

		_, err := a.Deliver(context.Background(), measurement("house", 1))
		assert.ErrorIs(t, err, icestore.ErrArchiverStopped)
	})
}
