// Package command routes device control messages to capability handlers
// and republishes the resulting state.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/illmade-knight/go-homeflow/pkg/cache"
	"github.com/illmade-knight/go-homeflow/pkg/messagepipeline"
	"github.com/illmade-knight/go-homeflow/pkg/types"
	"github.com/rs/zerolog"
)

var (
	// ErrUnrecognizedDevice is returned for a command addressed to a device
	// with no handler.
	ErrUnrecognizedDevice = errors.New("unrecognized device")
	// ErrMalformedTopic is returned when a topic is not {prefix}/{device}/{command}.
	ErrMalformedTopic = errors.New("malformed command topic")
	// ErrInvalidArgs is returned when a command payload is not a JSON object.
	ErrInvalidArgs = errors.New("command arguments must be a JSON object")
)

// Handler executes commands for one kind of device.
type Handler interface {
	Execute(ctx context.Context, command string, args map[string]any) (types.DeviceState, error)
}

// Publisher publishes a payload on the message bus.
type Publisher interface {
	Publish(topic string, payload []byte, retained bool) error
}

// Commands that only query and never reach a handler.
var passive = map[string]bool{"state": true, "info": true}

// Bridge maps device ids to handlers. Device ids and commands are matched
// case-insensitively.
type Bridge struct {
	prefix    string
	publisher Publisher
	states    cache.Cache[string, types.StateUpdate]
	logger    zerolog.Logger
	now       func() time.Time

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewBridge creates a Bridge for topics under prefix. states may be nil.
func NewBridge(prefix string, publisher Publisher, states cache.Cache[string, types.StateUpdate], logger zerolog.Logger) *Bridge {
	return &Bridge{
		prefix:    strings.ToLower(strings.TrimSuffix(prefix, "/")),
		publisher: publisher,
		states:    states,
		logger:    logger.With().Str("component", "CommandBridge").Logger(),
		now:       time.Now,
		handlers:  make(map[string]Handler),
	}
}

// Register binds handler to each of devices.
func (b *Bridge) Register(handler Handler, devices ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, d := range devices {
		b.handlers[strings.ToLower(d)] = handler
	}
}

// Devices returns the registered device ids.
func (b *Bridge) Devices() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.handlers))
	for d := range b.handlers {
		out = append(out, d)
	}
	return out
}

// StateTopic is where the state of device is published.
func (b *Bridge) StateTopic(device string) string {
	return b.prefix + "/" + strings.ToLower(device) + "/state"
}

// CommandTopic is where a command for device is published.
func (b *Bridge) CommandTopic(device, command string) string {
	return b.prefix + "/" + strings.ToLower(device) + "/" + strings.ToLower(command)
}

// Route dispatches one control message. It reports handled=false for
// passive commands and for anything it rejects. On success the new state is
// published retained and written to the state cache.
func (b *Bridge) Route(ctx context.Context, topic string, payload []byte) (types.StateUpdate, bool, error) {
	device, command, err := b.parseTopic(topic)
	if err != nil {
		return types.StateUpdate{}, false, err
	}
	if passive[command] {
		return types.StateUpdate{}, false, nil
	}

	b.mu.RLock()
	handler, ok := b.handlers[device]
	b.mu.RUnlock()
	if !ok {
		return types.StateUpdate{}, false, fmt.Errorf("%w: %q", ErrUnrecognizedDevice, device)
	}

	args, err := parseArgs(payload)
	if err != nil {
		return types.StateUpdate{}, false, fmt.Errorf("device %q command %q: %w", device, command, err)
	}

	b.logger.Info().Str("device", device).Str("command", command).Interface("args", args).Msg("Executing command.")
	state, err := handler.Execute(ctx, command, args)
	if err != nil {
		return types.StateUpdate{}, false, fmt.Errorf("device %q command %q: %w", device, command, err)
	}

	update := types.StateUpdate{Device: device, State: state, UpdatedAt: b.now().UTC()}
	if b.states != nil {
		if err := b.states.WriteToCache(ctx, device, update); err != nil {
			b.logger.Warn().Err(err).Str("device", device).Msg("Failed to cache device state.")
		}
	}

	body, err := json.Marshal(state)
	if err != nil {
		return update, true, fmt.Errorf("encode state of %q: %w", device, err)
	}
	if err := b.publisher.Publish(b.StateTopic(device), body, true); err != nil {
		return update, true, fmt.Errorf("publish state of %q: %w", device, err)
	}
	b.logger.Info().Str("device", device).RawJSON("state", body).Msg("Published device state.")
	return update, true, nil
}

func (b *Bridge) parseTopic(topic string) (device, command string, err error) {
	rest, ok := strings.CutPrefix(strings.ToLower(topic), b.prefix+"/")
	if !ok {
		return "", "", fmt.Errorf("%w: %q", ErrMalformedTopic, topic)
	}
	device, command, ok = strings.Cut(rest, "/")
	if !ok || device == "" || command == "" {
		return "", "", fmt.Errorf("%w: %q", ErrMalformedTopic, topic)
	}
	return device, command, nil
}

func parseArgs(payload []byte) (map[string]any, error) {
	args := make(map[string]any)
	if len(strings.TrimSpace(string(payload))) == 0 {
		return args, nil
	}
	if err := json.Unmarshal(payload, &args); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}
	return args, nil
}

// Close closes every handler that holds a resource. A handler registered
// under several ids is closed once.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	seen := make(map[Handler]bool)
	var errs []error
	for device, h := range b.handlers {
		if seen[h] {
			continue
		}
		seen[h] = true
		if c, ok := h.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close handler for %q: %w", device, err))
			}
		}
	}
	return errors.Join(errs...)
}

// Transformer passes raw control messages through unchanged.
func (b *Bridge) Transformer() messagepipeline.MessageTransformer[types.RawMessage] {
	return func(_ context.Context, msg types.RawMessage) (*types.RawMessage, bool, error) {
		return &msg, false, nil
	}
}

// Processor routes each control message. Rejections are logged and never
// fail the message.
func (b *Bridge) Processor() messagepipeline.StreamProcessor[types.RawMessage] {
	return func(ctx context.Context, _ types.RawMessage, msg *types.RawMessage) error {
		_, _, err := b.Route(ctx, msg.Topic, msg.Payload)
		switch {
		case err == nil:
		case errors.Is(err, ErrUnrecognizedDevice):
			b.logger.Error().Err(err).Str("topic", msg.Topic).Msg("Unknown device, dropping command.")
		default:
			b.logger.Error().Err(err).Str("topic", msg.Topic).Str("payload", string(msg.Payload)).Msg("Command failed.")
		}
		return nil
	}
}
