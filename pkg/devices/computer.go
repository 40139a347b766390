package devices

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/illmade-knight/go-homeflow/pkg/types"
	"github.com/rs/zerolog"
)

// Pin is a digital output driving a relay.
type Pin interface {
	Set(high bool) error
	Close() error
}

// Computer presses the power button of a computer through a relay.
type Computer struct {
	pin    Pin
	pulse  time.Duration
	sleep  func(ctx context.Context, d time.Duration) error
	logger zerolog.Logger

	mu sync.Mutex
	on bool
}

// NewComputer creates a Computer whose relay is closed for pulse per press.
func NewComputer(pin Pin, pulse time.Duration, logger zerolog.Logger) *Computer {
	if pulse <= 0 {
		pulse = 500 * time.Millisecond
	}
	return &Computer{
		pin:    pin,
		pulse:  pulse,
		sleep:  sleepCtx,
		logger: logger.With().Str("component", "Computer").Logger(),
	}
}

// Execute handles toggle, set {"state":"on|off"} and get.
func (c *Computer) Execute(ctx context.Context, command string, args map[string]any) (types.DeviceState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch command {
	case "get", "state":
	case "toggle":
		if err := c.press(ctx); err != nil {
			return nil, err
		}
		c.on = !c.on
	case "set":
		v, _ := stringArg(args, "state")
		if v != "on" && v != "off" {
			return nil, fmt.Errorf("%w: set %v", ErrUnrecognizedCommand, args)
		}
		if want := v == "on"; want != c.on {
			if err := c.press(ctx); err != nil {
				return nil, err
			}
			c.on = want
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnrecognizedCommand, command)
	}
	return types.DeviceState{"on": c.on}, nil
}

func (c *Computer) press(ctx context.Context) error {
	if err := c.pin.Set(true); err != nil {
		return fmt.Errorf("relay on: %w", err)
	}
	waitErr := c.sleep(ctx, c.pulse)
	if err := c.pin.Set(false); err != nil {
		return fmt.Errorf("relay off: %w", err)
	}
	c.logger.Info().Dur("pulse", c.pulse).Msg("Relay pulsed.")
	return waitErr
}

// Close releases the relay pin.
func (c *Computer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pin.Close()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SysfsPin drives a GPIO line through /sys/class/gpio.
type SysfsPin struct {
	root string
	line int
}

// OpenSysfsPin exports line and configures it as an output.
func OpenSysfsPin(line int) (*SysfsPin, error) {
	return openSysfsPin("/sys/class/gpio", line)
}

func openSysfsPin(root string, line int) (*SysfsPin, error) {
	p := &SysfsPin{root: root, line: line}
	if _, err := os.Stat(p.path()); os.IsNotExist(err) {
		if err := os.WriteFile(filepath.Join(root, "export"), []byte(strconv.Itoa(line)), 0o644); err != nil {
			return nil, fmt.Errorf("export gpio %d: %w", line, err)
		}
	}
	if err := os.WriteFile(filepath.Join(p.path(), "direction"), []byte("out"), 0o644); err != nil {
		return nil, fmt.Errorf("configure gpio %d: %w", line, err)
	}
	return p, nil
}

func (p *SysfsPin) path() string {
	return filepath.Join(p.root, "gpio"+strconv.Itoa(p.line))
}

// Set drives the line high or low.
func (p *SysfsPin) Set(high bool) error {
	v := "0"
	if high {
		v = "1"
	}
	return os.WriteFile(filepath.Join(p.path(), "value"), []byte(v), 0o644)
}

// Close drives the line low and unexports it.
func (p *SysfsPin) Close() error {
	if err := p.Set(false); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(p.root, "unexport"), []byte(strconv.Itoa(p.line)), 0o644)
}
