package enrichment

import (
	"errors"
	"fmt"

	"github.com/illmade-knight/go-homeflow/pkg/decoder"
	"github.com/illmade-knight/go-homeflow/pkg/types"
)

// ErrIncompleteIdentity is returned when a record lacks the identity needed
// to place it in a series. Such records are dropped, never persisted.
var ErrIncompleteIdentity = errors.New("measurement has incomplete identity")

// Well-known tag keys.
const (
	TagLocation = "location"
	TagDevice   = "devices"
	TagSensor   = "sensor"
)

// NormalizerConfig holds the process-wide enrichment settings. The values
// are constant for the lifetime of the process.
type NormalizerConfig struct {
	// Location is the deployment location tag added to every record.
	Location string
	// DeviceID fills the device tag when the decode rule left it unset.
	DeviceID string
	// SensorKind fills the sensor tag when the decode rule left it unset.
	SensorKind string
	// FloatFields are forced to float64 wherever they appear.
	FloatFields []string
	// AllowedMeasurements, when non-empty, is the closed set of record names
	// this process may write. Anything else is dropped.
	AllowedMeasurements []string
}

// Normalizer turns a decoded record into a canonical Measurement.
type Normalizer struct {
	defaults map[string]string
	floats   []string
	allowed  map[string]struct{}
}

// NewNormalizer creates a Normalizer from cfg.
func NewNormalizer(cfg NormalizerConfig) *Normalizer {
	n := &Normalizer{
		defaults: make(map[string]string),
		floats:   append([]string(nil), cfg.FloatFields...),
	}
	if cfg.Location != "" {
		n.defaults[TagLocation] = cfg.Location
	}
	if cfg.DeviceID != "" {
		n.defaults[TagDevice] = cfg.DeviceID
	}
	if cfg.SensorKind != "" {
		n.defaults[TagSensor] = cfg.SensorKind
	}
	if len(cfg.AllowedMeasurements) > 0 {
		n.allowed = make(map[string]struct{}, len(cfg.AllowedMeasurements))
		for _, name := range cfg.AllowedMeasurements {
			n.allowed[name] = struct{}{}
		}
	}
	return n
}

// Normalize returns the enriched copy of m. Tags set by the decode rule are
// never overridden, empty tag values are removed, and a field whose key is
// also a tag is dropped so the two key sets stay disjoint. The record fails
// closed with ErrIncompleteIdentity when its name is missing or not allowed,
// or when it ends up without tags or fields.
func (n *Normalizer) Normalize(m types.Measurement) (types.Measurement, error) {
	if m.Name == "" {
		return types.Measurement{}, fmt.Errorf("%w: no measurement name", ErrIncompleteIdentity)
	}
	if n.allowed != nil {
		if _, ok := n.allowed[m.Name]; !ok {
			return types.Measurement{}, fmt.Errorf("%w: unrecognized measurement %q", ErrIncompleteIdentity, m.Name)
		}
	}

	tags := make(map[string]string, len(m.Tags)+len(n.defaults))
	for k, v := range n.defaults {
		tags[k] = v
	}
	for k, v := range m.Tags {
		if v != "" {
			tags[k] = v
		}
	}

	fields := make(map[string]any, len(m.Fields))
	for k, v := range m.Fields {
		if _, isTag := tags[k]; isTag {
			continue
		}
		fields[k] = v
	}
	for _, key := range n.floats {
		v, ok := fields[key]
		if !ok {
			continue
		}
		f, err := decoder.ToFloat(v)
		if err != nil {
			return types.Measurement{}, fmt.Errorf("measurement %q field %q: %w", m.Name, key, err)
		}
		fields[key] = f
	}

	if len(tags) == 0 || len(fields) == 0 {
		return types.Measurement{}, fmt.Errorf("%w: %q has %d tags and %d fields", ErrIncompleteIdentity, m.Name, len(tags), len(fields))
	}
	out := types.NewMeasurement(m.Name, tags, fields, m.Timestamp)
	if err := out.Validate(); err != nil {
		return types.Measurement{}, fmt.Errorf("%w: %v", ErrIncompleteIdentity, err)
	}
	return out, nil
}
