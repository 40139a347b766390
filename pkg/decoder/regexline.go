package decoder

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/illmade-knight/go-homeflow/pkg/types"
)

// LineSpec describes how a regex-line payload maps onto a Measurement.
type LineSpec struct {
	// Pattern must contain exactly one capture group holding the reading.
	Pattern *regexp.Regexp
	// Field is the field key the reading is stored under.
	Field string
	// Measurement is the record name; empty means the device identifier.
	Measurement string
	// Tags are attached to every record produced by the rule.
	Tags map[string]string
}

// RegexLine returns a decode function for single-line text payloads. The
// captured group must be numeric; anything else is a DecodeError.
func RegexLine(spec LineSpec) DecodeFunc {
	return func(msg types.RawMessage) (types.Measurement, error) {
		if spec.Pattern == nil || spec.Pattern.NumSubexp() != 1 {
			return types.Measurement{}, decodeErr(msg.Device, "rule pattern must have exactly one capture group", nil)
		}
		line := strings.TrimSpace(firstLine(string(msg.Payload)))
		match := spec.Pattern.FindStringSubmatch(line)
		if match == nil {
			return types.Measurement{}, decodeErr(msg.Device, fmt.Sprintf("line %q does not match %s", line, spec.Pattern), nil)
		}
		value := CoerceByShape(match[1])
		if _, isString := value.(string); isString {
			return types.Measurement{}, decodeErr(msg.Device, fmt.Sprintf("captured value %q is not numeric", match[1]), nil)
		}
		name := spec.Measurement
		if name == "" {
			name = msg.Device
		}
		return types.NewMeasurement(name, spec.Tags, map[string]any{spec.Field: value}, msg.ArrivalTime), nil
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
