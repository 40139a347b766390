package icestore_test

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sort"
	"sync"
	"testing"

	"github.com/illmade-knight/go-homeflow/pkg/icestore"
	"github.com/stretchr/testify/require"
)

// mockGCSWriter writes to an in-memory buffer.
type mockGCSWriter struct {
	buf    bytes.Buffer
	closed bool
}

func (m *mockGCSWriter) Write(p []byte) (int, error) {
	if m.closed {
		return 0, errors.New("write on closed writer")
	}
	return m.buf.Write(p)
}

func (m *mockGCSWriter) Close() error {
	if m.closed {
		return errors.New("already closed")
	}
	m.closed = true
	return nil
}

type mockGCSObjectHandle struct {
	writer *mockGCSWriter
}

func (m *mockGCSObjectHandle) NewWriter(_ context.Context) io.WriteCloser {
	if m.writer == nil {
		m.writer = &mockGCSWriter{}
	}
	return m.writer
}

// mockGCSBucketHandle stores created objects in a map.
type mockGCSBucketHandle struct {
	sync.Mutex
	objects map[string]*mockGCSObjectHandle
}

func (m *mockGCSBucketHandle) Object(name string) icestore.GCSObjectHandle {
	m.Lock()
	defer m.Unlock()
	if m.objects == nil {
		m.objects = make(map[string]*mockGCSObjectHandle)
	}
	if _, ok := m.objects[name]; !ok {
		m.objects[name] = &mockGCSObjectHandle{}
	}
	return m.objects[name]
}

func (m *mockGCSBucketHandle) names() []string {
	m.Lock()
	defer m.Unlock()
	names := make([]string, 0, len(m.objects))
	for name := range m.objects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type mockGCSClient struct {
	bucket *mockGCSBucketHandle
}

func newMockGCSClient() *mockGCSClient {
	return &mockGCSClient{bucket: &mockGCSBucketHandle{}}
}

func (m *mockGCSClient) Bucket(_ string) icestore.GCSBucketHandle {
	return m.bucket
}

// decodeObject gunzips an uploaded object into its records.
func decodeObject(t *testing.T, w *mockGCSWriter) []icestore.ArchivalRecord {
	t.Helper()
	gz, err := gzip.NewReader(&w.buf)
	require.NoError(t, err)
	defer gz.Close()

	var records []icestore.ArchivalRecord
	dec := json.NewDecoder(gz)
	for dec.More() {
		var rec icestore.ArchivalRecord
		require.NoError(t, dec.Decode(&rec))
		records = append(records, rec)
	}
	return records
}

// recordingUploader captures uploads for batcher tests.
type recordingUploader struct {
	mu      sync.Mutex
	batches map[string][]int
	err     error
}

func (u *recordingUploader) Upload(_ context.Context, key string, records []*icestore.ArchivalRecord) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.batches == nil {
		u.batches = make(map[string][]int)
	}
	u.batches[key] = append(u.batches[key], len(records))
	return u.err
}

func (u *recordingUploader) snapshot() map[string][]int {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make(map[string][]int, len(u.batches))
	for k, v := range u.batches {
		out[k] = append([]int(nil), v...)
	}
	return out
}
