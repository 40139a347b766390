package types

import "time"

// DeviceState is the snapshot a capability handler returns after executing a
// command. It is republished verbatim as JSON.
type DeviceState map[string]any

// StateUpdate pairs a device with its latest state snapshot.
type StateUpdate struct {
	Device    string      `json:"device"`
	State     DeviceState `json:"state"`
	UpdatedAt time.Time   `json:"updatedAt"`
}
