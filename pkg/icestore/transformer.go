package icestore

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-homeflow/pkg/types"
)

// ArchivalRecord is one line of an archive object.
type ArchivalRecord struct {
	ID          string            `json:"id"`
	BatchKey    string            `json:"batchKey"`
	Measurement types.Measurement `json:"measurement"`
	ArchivedAt  time.Time         `json:"archivedAt"`
}

// NewArchivalRecord wraps m for archiving. Records are grouped by event
// date and, when tagged, location, e.g. "2025/06/15/house".
func NewArchivalRecord(m types.Measurement, now time.Time) *ArchivalRecord {
	ts := m.Timestamp
	if ts.IsZero() {
		ts = now
	}
	ts = ts.UTC()
	batchKey := fmt.Sprintf("%d/%02d/%02d", ts.Year(), ts.Month(), ts.Day())
	if location := m.Tags["location"]; location != "" {
		batchKey += "/" + location
	}
	return &ArchivalRecord{
		ID:          uuid.NewString(),
		BatchKey:    batchKey,
		Measurement: m,
		ArchivedAt:  now.UTC(),
	}
}
