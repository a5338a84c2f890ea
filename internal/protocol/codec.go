package protocol

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// ErrInvalidFrame wraps every validation failure.
var ErrInvalidFrame = errors.New("invalid frame")

// Validate checks the fields required by the frame type. Unknown types only
// need a non-empty type.
func Validate(f *Frame) error {
	if f.Type == "" {
		return fmt.Errorf("%w: missing required field: type", ErrInvalidFrame)
	}
	switch f.Type {
	case TypeOnDuty:
		if f.ID == "" {
			return fmt.Errorf("%w: %s requires id", ErrInvalidFrame, f.Type)
		}
	case TypeOrder:
		if f.Capability == "" {
			return fmt.Errorf("%w: %s requires capability", ErrInvalidFrame, f.Type)
		}
	case TypePayload, TypeResult:
		if len(f.Payload) == 0 {
			return fmt.Errorf("%w: %s requires payload", ErrInvalidFrame, f.Type)
		}
		if !json.Valid(f.Payload) {
			return fmt.Errorf("%w: %s payload is not valid JSON", ErrInvalidFrame, f.Type)
		}
	case TypeError:
		if f.Error == "" {
			return fmt.Errorf("%w: error frame has no error message", ErrInvalidFrame)
		}
	}
	return nil
}

// Encoder writes frames, one JSON object per line. It is safe for concurrent
// use.
type Encoder struct {
	mu  sync.Mutex
	w   *bufio.Writer
	enc *json.Encoder
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	bw := bufio.NewWriter(w)
	return &Encoder{w: bw, enc: json.NewEncoder(bw)}
}

// Encode validates f and writes it followed by a newline.
func (e *Encoder) Encode(f *Frame) error {
	if err := Validate(f); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.enc.Encode(f); err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	if err := e.w.Flush(); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// Decoder reads frames written by an Encoder.
type Decoder struct {
	dec *json.Decoder
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields() // Strict parsing
	return &Decoder{dec: dec}
}

// Decode reads the next frame. It returns io.EOF when the stream ends
// cleanly between frames.
func (d *Decoder) Decode() (*Frame, error) {
	var f Frame
	if err := d.dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	if err := Validate(&f); err != nil {
		return nil, err
	}
	return &f, nil
}
