package decoder

import (
	"errors"
	"fmt"
)

// ErrEmptyDatagram marks a datagram in which no line matched the extraction
// table. It is a soft failure: the message is dropped with a warning.
var ErrEmptyDatagram = errors.New("datagram carried no recognized fields")

// DecodeError reports a payload that could not be turned into a Measurement.
type DecodeError struct {
	Device string
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode %q: %s: %v", e.Device, e.Reason, e.Err)
	}
	return fmt.Sprintf("decode %q: %s", e.Device, e.Reason)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func decodeErr(device, reason string, err error) error {
	return &DecodeError{Device: device, Reason: reason, Err: err}
}

// IsDecodeError reports whether err is, or wraps, a *DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}
