// Package worker runs model worker processes and routes invocation calls to
// them. A worker is an executable inside an environment root that speaks a
// length-prefixed JSON frame protocol over stdin/stdout: it announces itself
// with a hello frame declaring its concurrency, then answers request frames
// with response frames in any order. stderr passes through for diagnostics.
package worker

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// maxFrameSize bounds a single frame payload. Oversized frames indicate a
// broken or hostile worker and kill the connection.
const maxFrameSize = 16 << 20

type frameType string

const (
	frameHello    frameType = "hello"
	frameRequest  frameType = "request"
	frameResponse frameType = "response"
	frameCancel   frameType = "cancel"
)

// Frame is the single wire envelope. Which fields are set depends on Type:
// hello carries Concurrency; request carries ID+Payload; response carries
// ID plus Result or Error; cancel carries ID.
type Frame struct {
	Type        frameType       `json:"type"`
	ID          string          `json:"id,omitempty"`
	Concurrency int             `json:"concurrency,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// WriteFrame marshals f and writes it with a 4-byte big-endian length prefix.
// Not safe for concurrent use on the same writer; callers serialize.
func WriteFrame(w io.Writer, f Frame) error {
	body, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if len(body) > maxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", len(body))
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// ReadFrame reads one length-prefixed frame. io.EOF is returned unchanged
// when the stream ends cleanly between frames.
func ReadFrame(r io.Reader) (Frame, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF {
			return Frame{}, io.EOF
		}
		return Frame{}, fmt.Errorf("read frame header: %w", err)
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 || n > maxFrameSize {
		return Frame{}, fmt.Errorf("bad frame length %d", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, fmt.Errorf("read frame body: %w", err)
	}
	var f Frame
	if err := json.Unmarshal(body, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if f.Type == "" {
		return Frame{}, fmt.Errorf("frame missing type")
	}
	return f, nil
}
