package decoder

import (
	"regexp"
	"strings"

	"github.com/illmade-knight/go-homeflow/pkg/types"
)

// FieldPattern extracts one tagged field from a datagram line. Pattern must
// have one capture group and is matched from the start of the line.
type FieldPattern struct {
	Pattern *regexp.Regexp
	Field   string
}

// Table is an ordered extraction table. Order matters: each line is checked
// against the patterns in sequence and the first match wins.
type Table []FieldPattern

// Parse scans lines in order and returns the extracted, shape-coerced
// fields. Lines matching no pattern are ignored. A blank line terminates the
// datagram.
func (t Table) Parse(lines []string) map[string]any {
	results := make(map[string]any)
	for _, raw := range lines {
		line := strings.TrimSpace(raw)
		if line == "" {
			break
		}
		for _, fp := range t {
			match := fp.Pattern.FindStringSubmatchIndex(line)
			if match == nil || match[0] != 0 || len(match) < 4 || match[2] < 0 {
				continue
			}
			results[fp.Field] = CoerceByShape(line[match[2]:match[3]])
			break
		}
	}
	return results
}

// DatagramSpec describes the record built from a multi-line datagram.
type DatagramSpec struct {
	Measurement string
	Tags        map[string]string
	Table       Table
}

// Datagram returns a decode function for multi-line protocol payloads. A
// datagram in which no line is recognized yields ErrEmptyDatagram.
func Datagram(spec DatagramSpec) DecodeFunc {
	return func(msg types.RawMessage) (types.Measurement, error) {
		lines := splitLines(string(msg.Payload))
		fields := spec.Table.Parse(lines)
		if len(fields) == 0 {
			return types.Measurement{}, ErrEmptyDatagram
		}
		name := spec.Measurement
		if name == "" {
			name = msg.Device
		}
		return types.NewMeasurement(name, spec.Tags, fields, msg.ArrivalTime), nil
	}
}

// splitLines splits a payload on newlines and drops the leading start marker
// (the "/" identification line) and the blank lines around it, so only a
// blank line after the data ends the datagram.
func splitLines(payload string) []string {
	lines := strings.Split(strings.ReplaceAll(payload, "\r\n", "\n"), "\n")
	for len(lines) > 0 {
		head := strings.TrimSpace(lines[0])
		if head != "" && !strings.HasPrefix(head, "/") {
			break
		}
		lines = lines[1:]
	}
	return lines
}

// P1Table is the DSMR P1 OBIS extraction table for the household energy
// meter: electricity tariffs, actual power, failure counters, per-phase
// voltage, current and power, and the gas meter reading.
var P1Table = Table{
	{regexp.MustCompile(`^1-3:0\.2\.8\((\d+)\)`), "version_info"},
	{regexp.MustCompile(`^0-0:1\.0\.0\((\d+)[SW]\)`), "timestamp"},
	{regexp.MustCompile(`^1-0:1\.8\.1\((.*?)\*kWh\)`), "meter_t1"},
	{regexp.MustCompile(`^1-0:1\.8\.2\((.*?)\*kWh\)`), "meter_t2"},
	{regexp.MustCompile(`^1-0:2\.8\.1\((.*?)\*kWh\)`), "meter_back_t1"},
	{regexp.MustCompile(`^1-0:2\.8\.2\((.*?)\*kWh\)`), "meter_back_t2"},
	{regexp.MustCompile(`^0-0:96\.14\.0\((\d+)\)`), "tariff_indicator"},
	{regexp.MustCompile(`^1-0:1\.7\.0\((.*?)\*kW\)`), "electricity_delivered"},
	{regexp.MustCompile(`^1-0:2\.7\.0\((.*?)\*kW\)`), "electricity_received"},
	{regexp.MustCompile(`^0-0:96\.7\.21\((\d+)\)`), "power_failures"},
	{regexp.MustCompile(`^0-0:96\.7\.9\((\d+)\)`), "long_power_failures"},
	{regexp.MustCompile(`^1-0:32\.32\.0\((\d+)\)`), "number_voltage_sags1"},
	{regexp.MustCompile(`^1-0:52\.32\.0\((\d+)\)`), "number_voltage_sags2"},
	{regexp.MustCompile(`^1-0:72\.32\.0\((\d+)\)`), "number_voltage_sags3"},
	{regexp.MustCompile(`^1-0:32\.36\.0\((\d+)\)`), "number_voltage_swells1"},
	{regexp.MustCompile(`^1-0:52\.36\.0\((\d+)\)`), "number_voltage_swells2"},
	{regexp.MustCompile(`^1-0:72\.36\.0\((\d+)\)`), "number_voltage_swells3"},
	{regexp.MustCompile(`^1-0:32\.7\.0\(([\d.]+)\*V\)`), "instantaneous_voltage_l1"},
	{regexp.MustCompile(`^1-0:52\.7\.0\(([\d.]+)\*V\)`), "instantaneous_voltage_l2"},
	{regexp.MustCompile(`^1-0:72\.7\.0\(([\d.]+)\*V\)`), "instantaneous_voltage_l3"},
	{regexp.MustCompile(`^1-0:31\.7\.0\((\d+)\*A\)`), "instantaneous_current_l1"},
	{regexp.MustCompile(`^1-0:51\.7\.0\((\d+)\*A\)`), "instantaneous_current_l2"},
	{regexp.MustCompile(`^1-0:71\.7\.0\((\d+)\*A\)`), "instantaneous_current_l3"},
	{regexp.MustCompile(`^1-0:21\.7\.0\((.*?)\*kW\)`), "instantaneous_active_positive_power1"},
	{regexp.MustCompile(`^1-0:41\.7\.0\((.*?)\*kW\)`), "instantaneous_active_positive_power2"},
	{regexp.MustCompile(`^1-0:61\.7\.0\((.*?)\*kW\)`), "instantaneous_active_positive_power3"},
	{regexp.MustCompile(`^1-0:22\.7\.0\((.*?)\*kW\)`), "instantaneous_active_negative_power1"},
	{regexp.MustCompile(`^1-0:42\.7\.0\((.*?)\*kW\)`), "instantaneous_active_negative_power2"},
	{regexp.MustCompile(`^1-0:62\.7\.0\((.*?)\*kW\)`), "instantaneous_active_negative_power3"},
	{regexp.MustCompile(`^0-1:24\.1\.0\((\d+)\)`), "gas_device_type"},
	{regexp.MustCompile(`^0-1:24\.2\.1\(.*?\)\((.*?)\*m3\)`), "gas_meter"},
}
