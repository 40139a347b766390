package delivery

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/illmade-knight/go-homeflow/pkg/types"
)

// Relay forwards an encoded measurement to a cloud topic.
type Relay interface {
	Publish(ctx context.Context, payload []byte, attributes map[string]string) error
}

// RelaySink forwards each measurement as JSON, with its name and device as
// message attributes.
type RelaySink struct {
	relay Relay
}

// NewRelaySink creates a RelaySink.
func NewRelaySink(relay Relay) *RelaySink {
	return &RelaySink{relay: relay}
}

func (s *RelaySink) Name() string { return "relay" }

// Deliver implements Sink.
func (s *RelaySink) Deliver(ctx context.Context, m types.Measurement) (int, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return 1, fmt.Errorf("failed to marshal measurement %q: %w", m.Name, err)
	}
	attrs := map[string]string{"measurement": m.Name}
	if dev := m.Tags["devices"]; dev != "" {
		attrs["device"] = dev
	}
	return 1, s.relay.Publish(ctx, payload, attrs)
}
