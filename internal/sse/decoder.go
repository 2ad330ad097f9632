// Package sse frames a server-sent event byte stream into classification events.
package sse

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/MikeSquared-Agency/hsstream/internal/events"
)

const dataField = "data"

var frameSep = []byte("\n\n")

// Decoder buffers raw bytes and yields one event per complete frame.
// A frame is complete once its blank-line terminator has arrived.
type Decoder struct {
	buf     []byte
	dropped int
}

func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends a chunk and returns every event completed by it, in order.
// Malformed frames are dropped with a warning.
func (d *Decoder) Feed(chunk []byte) []events.Event {
	d.buf = append(d.buf, chunk...)

	var out []events.Event
	for {
		idx := bytes.Index(d.buf, frameSep)
		if idx < 0 {
			break
		}
		frame := d.buf[:idx]
		d.buf = d.buf[idx+len(frameSep):]

		if e, ok := d.decodeFrame(frame); ok {
			out = append(out, e)
		}
	}

	// Compact so a long stream does not pin the first chunk's backing array.
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return out
}

// Flush decodes whatever remains buffered once the stream has ended.
func (d *Decoder) Flush() []events.Event {
	rest := bytes.TrimSpace(d.buf)
	d.buf = nil
	if len(rest) == 0 {
		return nil
	}
	if e, ok := d.decodeFrame(rest); ok {
		return []events.Event{e}
	}
	return nil
}

// Buffered reports how many bytes are waiting for a frame terminator.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Dropped reports how many frames failed to decode.
func (d *Decoder) Dropped() int {
	return d.dropped
}

func (d *Decoder) decodeFrame(frame []byte) (events.Event, bool) {
	payload, ok := joinDataLines(frame)
	if !ok {
		// Comments and keep-alives carry no data lines.
		return events.Event{}, false
	}

	e, err := events.Normalize(payload)
	if err != nil {
		d.dropped++
		slog.Warn("failed to parse stream frame, skipping",
			"error", err,
			"payload_bytes", len(payload),
		)
		return events.Event{}, false
	}
	return e, true
}

// joinDataLines concatenates the values of every data line in a frame.
// Values are joined without separators so JSON split across lines survives.
func joinDataLines(frame []byte) ([]byte, bool) {
	var (
		joined []byte
		found  bool
	)
	for _, line := range bytes.Split(frame, []byte("\n")) {
		line = bytes.TrimSuffix(line, []byte("\r"))
		field, value, ok := bytes.Cut(line, []byte(":"))
		if !ok || string(field) != dataField {
			continue
		}
		value = bytes.TrimPrefix(value, []byte(" "))
		joined = append(joined, value...)
		found = true
	}
	return joined, found
}

// HandlerFunc receives each decoded event. Returning an error stops the stream.
type HandlerFunc func(e events.Event) error

// ErrStopped is returned by a HandlerFunc to end the stream without failing it.
var ErrStopped = errors.New("stream stopped")

// Stream reads r until EOF, handing each event to fn in arrival order.
// Once ctx is cancelled no further events are handed over, even if buffered.
func Stream(ctx context.Context, r io.Reader, fn HandlerFunc) error {
	dec := NewDecoder()
	chunk := make([]byte, 32*1024)

	deliver := func(evts []events.Event) error {
		for _, e := range evts {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(e); err != nil {
				return err
			}
		}
		return nil
	}

	for {
		n, readErr := r.Read(chunk)
		if n > 0 {
			if err := deliver(dec.Feed(chunk[:n])); err != nil {
				if errors.Is(err, ErrStopped) {
					return nil
				}
				return err
			}
		}

		if readErr != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if errors.Is(readErr, io.EOF) {
				if err := deliver(dec.Flush()); err != nil && !errors.Is(err, ErrStopped) {
					return err
				}
				return nil
			}
			return fmt.Errorf("read stream: %w", readErr)
		}
	}
}
