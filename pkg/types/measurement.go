package types

import (
	"fmt"
	"maps"
	"time"
)

// RawMessage is a message as it arrived from the transport. It is created on
// receipt, consumed immediately and never persisted.
type RawMessage struct {
	// Topic is the full transport topic the message was published to.
	Topic string `json:"topic"`
	// Device is the topic with the family prefix stripped. It is the key used
	// to resolve a decode rule.
	Device string `json:"device"`
	// Payload is the raw byte content of the message.
	Payload []byte `json:"payload"`
	// ArrivalTime is when the dispatcher received the message.
	ArrivalTime time.Time `json:"arrivalTime"`
}

// Measurement is the canonical normalized sensor record.
//
// Tags hold low-cardinality identity (location, device, sensor kind) and
// Fields hold the actual readings. Tag keys and field keys are disjoint.
// A Measurement is never mutated once it has been handed to delivery.
type Measurement struct {
	Name      string            `json:"measurement"`
	Tags      map[string]string `json:"tags"`
	Fields    map[string]any    `json:"fields"`
	Timestamp time.Time         `json:"time"`
}

// NewMeasurement creates a Measurement with copies of the given maps.
func NewMeasurement(name string, tags map[string]string, fields map[string]any, ts time.Time) Measurement {
	m := Measurement{
		Name:      name,
		Tags:      make(map[string]string, len(tags)),
		Fields:    make(map[string]any, len(fields)),
		Timestamp: ts,
	}
	maps.Copy(m.Tags, tags)
	maps.Copy(m.Fields, fields)
	return m
}

// Validate checks the structural invariants of a normalized record.
func (m Measurement) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("measurement name is empty")
	}
	if len(m.Tags) == 0 {
		return fmt.Errorf("measurement %q has no tags", m.Name)
	}
	if len(m.Fields) == 0 {
		return fmt.Errorf("measurement %q has no fields", m.Name)
	}
	for k := range m.Fields {
		if _, clash := m.Tags[k]; clash {
			return fmt.Errorf("measurement %q: key %q is both a tag and a field", m.Name, k)
		}
	}
	if m.Timestamp.IsZero() {
		return fmt.Errorf("measurement %q has no timestamp", m.Name)
	}
	return nil
}
