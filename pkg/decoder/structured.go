package decoder

import (
	"encoding/json"
	"fmt"

	"github.com/illmade-knight/go-homeflow/pkg/types"
)

// StructuredSpec describes how a JSON object payload maps onto a Measurement.
type StructuredSpec struct {
	// Measurement is the record name; empty means the device identifier.
	Measurement string
	// Tags are static tags attached to every record.
	Tags map[string]string
	// DeviceTags lists tag keys whose value is the device identifier.
	DeviceTags []string
	// FloatFields are forced to float64 when present.
	FloatFields []string
}

// Structured returns a decode function for JSON object payloads. Fields are
// taken verbatim apart from the declared float coercions and a "time" field,
// which becomes the event timestamp when it parses.
func Structured(spec StructuredSpec) DecodeFunc {
	return func(msg types.RawMessage) (types.Measurement, error) {
		fields, err := parseObject(msg.Payload)
		if err != nil {
			return types.Measurement{}, decodeErr(msg.Device, "malformed structured payload", err)
		}
		for _, key := range spec.FloatFields {
			v, ok := fields[key]
			if !ok {
				continue
			}
			f, err := ToFloat(v)
			if err != nil {
				return types.Measurement{}, decodeErr(msg.Device, fmt.Sprintf("field %q is not numeric", key), err)
			}
			fields[key] = f
		}
		ts := liftTimestamp(fields, msg.ArrivalTime)

		name := spec.Measurement
		if name == "" {
			name = msg.Device
		}
		tags := make(map[string]string, len(spec.Tags)+len(spec.DeviceTags))
		for k, v := range spec.Tags {
			tags[k] = v
		}
		for _, k := range spec.DeviceTags {
			tags[k] = msg.Device
		}
		return types.NewMeasurement(name, tags, fields, ts), nil
	}
}

// envelope is the pre-shaped record that the on-device publishers emit.
type envelope struct {
	Measurement string            `json:"measurement"`
	Tags        map[string]string `json:"tags"`
	Fields      json.RawMessage   `json:"fields"`
}

// Envelope decodes payloads that already carry measurement, tags and fields.
func Envelope() DecodeFunc {
	return func(msg types.RawMessage) (types.Measurement, error) {
		var env envelope
		if err := json.Unmarshal(msg.Payload, &env); err != nil {
			return types.Measurement{}, decodeErr(msg.Device, "malformed envelope", err)
		}
		if env.Measurement == "" {
			return types.Measurement{}, decodeErr(msg.Device, "envelope has no measurement name", nil)
		}
		if len(env.Fields) == 0 {
			return types.Measurement{}, decodeErr(msg.Device, "envelope has no fields", nil)
		}
		fields, err := parseObject(env.Fields)
		if err != nil {
			return types.Measurement{}, decodeErr(msg.Device, "malformed envelope fields", err)
		}
		ts := liftTimestamp(fields, msg.ArrivalTime)
		return types.NewMeasurement(env.Measurement, env.Tags, fields, ts), nil
	}
}
