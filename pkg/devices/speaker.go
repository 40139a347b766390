package devices

import (
	"context"
	"fmt"
	"sync"

	"github.com/illmade-knight/go-homeflow/pkg/types"
	"github.com/rs/zerolog"
)

// IR key codes understood by the speaker remote.
const (
	KeyPower    = "KEY_POWER"
	KeyMute     = "KEY_MUTE"
	KeyVolUp    = "KEY_VOLUMEUP"
	KeyVolDown  = "KEY_VOLUMEDOWN"
	KeyInput    = "KEY_INPUT"
	KeyNext     = "KEY_NEXTSONG"
	KeyPrevious = "KEY_PREVIOUSSONG"
	KeyPlay     = "KEY_PLAYPAUSE"
)

const (
	volumeStep = 5
	// The receiver misses single bursts; every press repeats the key.
	keyRepeats = 5
)

// SpeakerConfig configures a Speaker.
type SpeakerConfig struct {
	// Remote is the LIRC remote name, e.g. "KEF_LS50".
	Remote string
	// On is the assumed power state at start.
	On bool
	// Volume is the assumed volume at start.
	Volume int
}

// Speaker controls an IR-remote speaker. It has no feedback channel, so it
// tracks power, mute and volume itself from the presses it sends.
type Speaker struct {
	tx     Transmitter
	remote string
	logger zerolog.Logger

	mu     sync.Mutex
	on     bool
	muted  bool
	volume int
}

// NewSpeaker creates a Speaker.
func NewSpeaker(tx Transmitter, cfg SpeakerConfig, logger zerolog.Logger) *Speaker {
	if cfg.Remote == "" {
		cfg.Remote = "KEF_LS50"
	}
	if cfg.Volume == 0 {
		cfg.Volume = 10
	}
	return &Speaker{
		tx:     tx,
		remote: cfg.Remote,
		logger: logger.With().Str("component", "Speaker").Logger(),
		on:     cfg.On,
		volume: cfg.Volume,
	}
}

// Execute runs command. Unknown commands and arguments report the offline
// error state instead of failing.
func (s *Speaker) Execute(ctx context.Context, command string, args map[string]any) (types.DeviceState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch command {
	case "get", "state":
	case "toggle":
		if err := s.press(ctx, KeyPower); err != nil {
			return nil, err
		}
		s.on = !s.on
	case "set":
		handled, err := s.set(ctx, args)
		if err != nil {
			return nil, err
		}
		if !handled {
			s.logger.Error().Interface("args", args).Msg("Unknown speaker action.")
			return offline(), nil
		}
	default:
		s.logger.Error().Str("command", command).Interface("args", args).Msg("Unknown speaker command.")
		return offline(), nil
	}
	return s.state(), nil
}

func (s *Speaker) set(ctx context.Context, args map[string]any) (bool, error) {
	if v, ok := stringArg(args, "state"); ok {
		want := v == "on"
		if v != "on" && v != "off" {
			return false, nil
		}
		if s.on == want {
			return true, nil
		}
		if err := s.press(ctx, KeyPower); err != nil {
			return true, err
		}
		s.on = want
		return true, nil
	}
	if v, ok := stringArg(args, "volume"); ok {
		switch v {
		case "mute", "unmute":
			want := v == "mute"
			if s.muted == want {
				return true, nil
			}
			if err := s.press(ctx, KeyMute); err != nil {
				return true, err
			}
			s.muted = want
		case "up", "increase":
			if err := s.press(ctx, KeyVolUp, KeyVolUp); err != nil {
				return true, err
			}
			s.volume += volumeStep
		case "down", "decrease":
			if err := s.press(ctx, KeyVolDown, KeyVolDown); err != nil {
				return true, err
			}
			s.volume -= volumeStep
		default:
			return false, nil
		}
		return true, nil
	}
	if v, ok := stringArg(args, "toggle"); ok {
		switch v {
		case "power":
			if err := s.press(ctx, KeyPower); err != nil {
				return true, err
			}
			s.on = !s.on
		case "source":
			return true, s.press(ctx, KeyInput)
		default:
			return false, nil
		}
		return true, nil
	}
	if v, ok := stringArg(args, "media"); ok {
		keys := map[string]string{"next": KeyNext, "previous": KeyPrevious, "pause": KeyPlay}
		key, known := keys[v]
		if !known {
			return false, nil
		}
		return true, s.press(ctx, key)
	}
	return false, nil
}

// press sends each key as a burst of repeats.
func (s *Speaker) press(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		burst := make([]string, keyRepeats)
		for i := range burst {
			burst[i] = key
		}
		if err := s.tx.SendOnce(ctx, s.remote, burst...); err != nil {
			return fmt.Errorf("speaker %s: %w", key, err)
		}
	}
	return nil
}

func (s *Speaker) state() types.DeviceState {
	power := "FALSE"
	if s.on {
		power = "ON"
	}
	return types.DeviceState{
		"on":            s.on,
		"state":         power,
		"CurrentVolume": s.volume,
		"IsMuted":       s.muted,
	}
}
