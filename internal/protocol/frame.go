package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

const (
	lengthSize = 4

	// maxFrameSize bounds incoming frames. The peer is trusted once attested,
	// but a maximum must still be set to avoid unbounded allocations.
	maxFrameSize = 0x10000
)

// WriteFrame encodes v as JSON and writes it prefixed with a big-endian
// 32-bit payload length.
func WriteFrame(w io.Writer, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("frame encode: %w", err)
	}
	if len(payload) > maxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds maximum %d", len(payload), maxFrameSize)
	}
	var hdr [lengthSize]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("frame write: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("frame write: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed JSON frame into v. io.EOF is returned
// unwrapped when the stream closes cleanly between frames.
func ReadFrame(r io.Reader, v interface{}) error {
	var hdr [lengthSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF {
			return io.EOF
		}
		return fmt.Errorf("frame read: %w", err)
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameSize {
		return fmt.Errorf("invalid frame size %d", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return fmt.Errorf("frame read: %w", err)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("frame decode: %w", err)
	}
	return nil
}
