// Package p1 frames DSMR P1 telegrams read from a smart meter's serial
// port.
package p1

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog"
)

// DefaultHeader is the identification line sent by the Kaifa meter.
const DefaultHeader = "/KFM5KAIFA-METER"

// ErrInvalidLine marks a line that is not valid UTF-8. The telegram it
// belongs to is discarded.
var ErrInvalidLine = errors.New("p1 line is not valid UTF-8")

// Framer splits a P1 stream into telegrams. A telegram starts at the header
// line and ends at the "!" checksum line, or at the next header if the
// checksum line was lost.
type Framer struct {
	header  string
	scanner *bufio.Scanner
	lines   []string
	started bool
}

// NewFramer creates a Framer reading from r.
func NewFramer(r io.Reader, header string) *Framer {
	if header == "" {
		header = DefaultHeader
	}
	return &Framer{header: header, scanner: bufio.NewScanner(r)}
}

// Next returns the next complete telegram with its header, a blank line and
// the data lines, CRLF separated. It returns io.EOF at the end of the
// stream; a partial telegram at that point is dropped.
func (f *Framer) Next() ([]byte, error) {
	for f.scanner.Scan() {
		raw := f.scanner.Bytes()
		if !utf8.Valid(raw) {
			f.reset(false)
			return nil, ErrInvalidLine
		}
		line := strings.TrimSpace(string(raw))
		switch {
		case strings.HasPrefix(line, f.header):
			out := f.frame()
			f.reset(true)
			if out != nil {
				return out, nil
			}
		case line == "":
		case !f.started:
			// Mid-telegram when we attached to the line.
		case strings.HasPrefix(line, "!"):
			out := f.frame()
			f.reset(false)
			if out != nil {
				return out, nil
			}
		default:
			f.lines = append(f.lines, line)
		}
	}
	if err := f.scanner.Err(); err != nil {
		return nil, fmt.Errorf("read p1 stream: %w", err)
	}
	return nil, io.EOF
}

func (f *Framer) frame() []byte {
	if !f.started || len(f.lines) == 0 {
		return nil
	}
	var b bytes.Buffer
	b.WriteString(f.header)
	b.WriteString("\r\n\r\n")
	for _, l := range f.lines {
		b.WriteString(l)
		b.WriteString("\r\n")
	}
	return b.Bytes()
}

func (f *Framer) reset(started bool) {
	f.lines = f.lines[:0]
	f.started = started
}

// Publisher publishes a payload on the message bus.
type Publisher interface {
	Publish(topic string, payload []byte, retained bool) error
}

// Forward reads telegrams from framer and publishes each one, not retained,
// to topic. Publish failures and bad lines are logged and skipped. It
// returns when the stream ends or ctx is done.
func Forward(ctx context.Context, framer *Framer, pub Publisher, topic string, logger zerolog.Logger) error {
	logger = logger.With().Str("component", "P1Forwarder").Str("topic", topic).Logger()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		telegram, err := framer.Next()
		switch {
		case errors.Is(err, io.EOF):
			logger.Info().Msg("P1 stream ended.")
			return nil
		case errors.Is(err, ErrInvalidLine):
			logger.Error().Err(err).Msg("Discarding telegram.")
			continue
		case err != nil:
			return err
		}
		if err := pub.Publish(topic, telegram, false); err != nil {
			logger.Error().Err(err).Msg("Failed to publish telegram.")
			continue
		}
		logger.Debug().Int("bytes", len(telegram)).Msg("Published telegram.")
	}
}
