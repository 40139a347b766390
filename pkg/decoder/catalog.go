package decoder

import (
	"fmt"
	"math"
	"regexp"

	"github.com/illmade-knight/go-homeflow/pkg/types"
)

// Device families with their own topic prefix and rule set.
const (
	FamilyClimate = "climate"
	FamilyFlora   = "flora"
	FamilyEnergy  = "energy"
)

// Unanchored: the first run of digits anywhere on the line is the reading.
var operameLine = regexp.MustCompile(`(?i)(\d+).*`)

// ClimateRules returns the rules for the climate family: the operame CO2
// display, the esp32 board, any other esp* board, and pre-shaped records
// from the metriful and one-wire publishers for everything else.
func ClimateRules() []Rule {
	return []Rule{
		Exact("operame", RegexLine(LineSpec{
			Pattern:     operameLine,
			Field:       "co2",
			Measurement: "operame",
			Tags:        map[string]string{"devices": "operame", "sensor": "metriful"},
		})),
		Exact("esp32", Structured(StructuredSpec{
			Measurement: "esp32",
			Tags:        map[string]string{"devices": "esp32", "sensor": "esp32"},
		})),
		Prefix("esp", Structured(StructuredSpec{
			DeviceTags:  []string{"devices", "sensor"},
			FloatFields: []string{"humidity"},
		})),
		Prefix("", Envelope()),
	}
}

// FloraRules returns the rules for the plant sensor family.
func FloraRules() []Rule {
	return []Rule{
		Exact("esp-flora", espFlora),
		Prefix("", plantReport),
	}
}

// EnergyRules returns the rules for the energy family. measurement names the
// record written for each P1 datagram.
func EnergyRules(measurement string) []Rule {
	return []Rule{
		Exact("p1meter", Datagram(DatagramSpec{
			Measurement: measurement,
			Tags:        map[string]string{"devices": "p1meter", "sensor": "dsmr"},
			Table:       P1Table,
		})),
	}
}

// espFlora decodes the soil sensor on the lemon dracaena.
func espFlora(msg types.RawMessage) (types.Measurement, error) {
	const plant = "lemon-dracaena"
	raw, err := parseObject(msg.Payload)
	if err != nil {
		return types.Measurement{}, decodeErr(msg.Device, "malformed plant payload", err)
	}
	temp, err := requiredFloat(raw, "temperature")
	if err != nil {
		return types.Measurement{}, decodeErr(msg.Device, "temperature", err)
	}
	moisture, err := requiredFloat(raw, "moisture")
	if err != nil {
		return types.Measurement{}, decodeErr(msg.Device, "moisture", err)
	}
	fields := map[string]any{
		"plant":       plant,
		"temperature": math.Round(temp*10) / 10,
		"moisture":    int64(math.Round(moisture)),
	}
	tags := map[string]string{"node": plant, "sensor": "esp"}
	return types.NewMeasurement(plant, tags, fields, msg.ArrivalTime), nil
}

// plantReport decodes a miflora report: the plant alias names the series.
func plantReport(msg types.RawMessage) (types.Measurement, error) {
	fields, err := parseObject(msg.Payload)
	if err != nil {
		return types.Measurement{}, decodeErr(msg.Device, "malformed plant payload", err)
	}
	plant, _ := fields["plant"].(string)
	if plant == "" {
		return types.Measurement{}, decodeErr(msg.Device, "plant report without plant name", nil)
	}
	sensor, _ := fields["sensor"].(string)
	ts := liftTimestamp(fields, msg.ArrivalTime)
	// sensor is a tag, so it cannot stay a field as well.
	delete(fields, "sensor")
	tags := map[string]string{"node": plant, "sensor": sensor}
	return types.NewMeasurement(plant, tags, fields, ts), nil
}

func requiredFloat(fields map[string]any, key string) (float64, error) {
	v, ok := fields[key]
	if !ok {
		return 0, fmt.Errorf("missing field %q", key)
	}
	return ToFloat(v)
}
