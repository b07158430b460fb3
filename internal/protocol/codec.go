package protocol

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize caps a single wire frame. A peer that exceeds it is broken or
// hostile; the stream cannot be trusted past that point.
const MaxFrameSize = 1 << 20

var (
	// ErrMalformed marks a frame that decoded badly but left the stream
	// intact: log it, drop it, keep reading.
	ErrMalformed = errors.New("malformed frame")

	// ErrFrameTooLarge marks an oversized frame. Unlike ErrMalformed the
	// stream cannot be re-synchronized, so the connection must be dropped.
	ErrFrameTooLarge = errors.New("frame exceeds size limit")
)

// Codec frames Envelopes as newline-delimited JSON over a byte stream.
// Neither side is safe for concurrent use; the session serializes writes
// through a single goroutine and reads from another.
type Codec struct {
	scan *bufio.Scanner
	w    *bufio.Writer
}

// NewCodec wraps rw with buffered NDJSON framing.
func NewCodec(rw io.ReadWriter) *Codec {
	scan := bufio.NewScanner(rw)
	scan.Buffer(make([]byte, 64*1024), MaxFrameSize)
	return &Codec{
		scan: scan,
		w:    bufio.NewWriter(rw),
	}
}

// Write serializes env as one frame and flushes it.
func (c *Codec) Write(env Envelope) error {
	if env.Type == "" {
		return fmt.Errorf("refusing to write envelope without type")
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if len(data) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(data))
	}
	if _, err := c.w.Write(data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	if err := c.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("write frame delimiter: %w", err)
	}
	if err := c.w.Flush(); err != nil {
		return fmt.Errorf("flush frame: %w", err)
	}
	return nil
}

// Read returns the next frame. Errors wrapping ErrMalformed are recoverable
// (skip the frame and call Read again); any other error means the stream is
// done: io.EOF on clean close, ErrFrameTooLarge or a transport error
// otherwise.
func (c *Codec) Read() (Envelope, error) {
	if !c.scan.Scan() {
		if err := c.scan.Err(); err != nil {
			if errors.Is(err, bufio.ErrTooLong) {
				return Envelope{}, ErrFrameTooLarge
			}
			return Envelope{}, err
		}
		return Envelope{}, io.EOF
	}

	line := c.scan.Bytes()
	if len(line) == 0 {
		// Blank keep-alive line; not a frame.
		return Envelope{}, fmt.Errorf("%w: empty line", ErrMalformed)
	}

	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type tag", ErrMalformed)
	}
	return env, nil
}

// payload is implemented by every message body; Decode validates after
// unmarshaling so malformed frames never reach the routing loop.
type payload interface {
	Validate() error
}

// NewEnvelope seals a payload into a typed envelope.
func NewEnvelope(t Type, p payload) (Envelope, error) {
	if err := p.Validate(); err != nil {
		return Envelope{}, fmt.Errorf("seal %s: %w", t, err)
	}
	data, err := json.Marshal(p)
	if err != nil {
		return Envelope{}, fmt.Errorf("seal %s: %w", t, err)
	}
	return Envelope{Type: t, Data: data}, nil
}

// Decode unmarshals the envelope's payload into dst and validates it.
// Unknown extra fields are tolerated for forward compatibility; missing
// required fields are not.
func (e Envelope) Decode(dst payload) error {
	if len(e.Data) > 0 {
		if err := json.Unmarshal(e.Data, dst); err != nil {
			return fmt.Errorf("%w: %s payload: %v", ErrMalformed, e.Type, err)
		}
	}
	if err := dst.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}
