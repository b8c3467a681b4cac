package knowledge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
)

// Stream reads tagged envelopes from a query invocation, one JSON
// object per line. Envelopes are yielded strictly in arrival order;
// the stream never reorders or buffers ahead of the consumer.
type Stream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	err     error
}

func newStream(body io.ReadCloser) *Stream {
	scanner := bufio.NewScanner(body)
	// Seed payloads can be large; a default 64KB line buffer is not enough.
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 4*1024*1024)
	return &Stream{body: body, scanner: scanner}
}

// Next returns the next envelope. io.EOF signals a cleanly exhausted
// stream. Context cancellation is honored between lines.
func (s *Stream) Next(ctx context.Context) (*Envelope, error) {
	if s.err != nil {
		return nil, s.err
	}

	for {
		if err := ctx.Err(); err != nil {
			s.err = err
			return nil, err
		}

		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				s.err = err
				return nil, err
			}
			s.err = io.EOF
			return nil, io.EOF
		}

		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue // keep-alive blank line
		}

		var env Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			s.err = fmt.Errorf("decode stream event: %w", err)
			return nil, s.err
		}
		return &env, nil
	}
}

// Close releases the underlying response body. Safe to call twice.
func (s *Stream) Close() error {
	if s.body == nil {
		return nil
	}
	err := s.body.Close()
	s.body = nil
	return err
}
