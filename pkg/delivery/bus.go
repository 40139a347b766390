package delivery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/illmade-knight/go-homeflow/pkg/types"
)

// Publisher publishes a payload on the message bus.
type Publisher interface {
	Publish(topic string, payload []byte, retained bool) error
}

// BusSink republishes each field of a measurement as a live value on
// {prefix}/{measurement}/{field}. Messages are not retained.
type BusSink struct {
	publisher Publisher
	prefix    string
}

// NewBusSink creates a BusSink publishing under prefix.
func NewBusSink(publisher Publisher, prefix string) *BusSink {
	return &BusSink{publisher: publisher, prefix: strings.TrimSuffix(prefix, "/")}
}

func (s *BusSink) Name() string { return "bus" }

// Deliver makes one publish per field. Failures are collected, not retried.
func (s *BusSink) Deliver(_ context.Context, m types.Measurement) (int, error) {
	keys := make([]string, 0, len(m.Fields))
	for k := range m.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var errs []error
	for _, k := range keys {
		topic := s.prefix + "/" + m.Name + "/" + k
		if err := s.publisher.Publish(topic, []byte(FormatValue(m.Fields[k])), false); err != nil {
			errs = append(errs, fmt.Errorf("publish %s: %w", topic, err))
		}
	}
	return 1, errors.Join(errs...)
}

// FormatValue renders a field value as plain text.
func FormatValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case int64:
		return strconv.FormatInt(val, 10)
	case int:
		return strconv.Itoa(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprint(val)
	}
}
