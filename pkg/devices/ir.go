package devices

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/rs/zerolog"
)

// Transmitter sends infrared key presses for a named remote.
type Transmitter interface {
	SendOnce(ctx context.Context, remote string, keys ...string) error
}

// IRSend drives LIRC through the irsend command line tool.
type IRSend struct {
	Binary string
	logger zerolog.Logger
}

// NewIRSend creates an IRSend using the irsend binary on PATH.
func NewIRSend(logger zerolog.Logger) *IRSend {
	return &IRSend{Binary: "irsend", logger: logger.With().Str("component", "IRSend").Logger()}
}

// SendOnce runs "irsend SEND_ONCE remote keys...".
func (s *IRSend) SendOnce(ctx context.Context, remote string, keys ...string) error {
	args := append([]string{"SEND_ONCE", remote}, keys...)
	out, err := exec.CommandContext(ctx, s.Binary, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("irsend %s %v: %w: %s", remote, keys, err, out)
	}
	s.logger.Debug().Str("remote", remote).Strs("keys", keys).Msg("IR keys sent.")
	return nil
}
