// Package wire implements the in-channel framing and control-packet
// encoding from §4.2 and §6.2: a fixed port/length header followed by
// either raw DataStream bytes (port != 0) or a self-describing control
// packet (port == 0).
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ControlPort is the reserved port number identifying a control frame.
const ControlPort uint16 = 0

// headerSize is the byte size of the port/length frame header. This is the
// one place in the fabric that reaches for raw encoding/binary instead of
// msgpack: it is a fixed two-field integer header, not a structured
// message, and every other implementation on the wire must agree on these
// four bytes byte-for-byte, so a general-purpose codec would add nothing.
const headerSize = 4

// MaxFrameLength is the largest payload a single frame may declare, a
// generous bound (64 KiB minus the header) that keeps a corrupt length
// field from causing unbounded allocation.
const MaxFrameLength = int(^uint16(0))

// Frame is one decoded wire frame: a port number and its payload.
type Frame struct {
	Port    uint16
	Payload []byte
}

// WriteFrame writes one frame: port, length, then payload. Callers must
// serialize calls to WriteFrame on the same writer themselves (§4.3's
// per-channel send lock); this function performs exactly one frame's
// worth of writes and returns any I/O error encountered.
func WriteFrame(w io.Writer, port uint16, payload []byte) error {
	if len(payload) > MaxFrameLength {
		return fmt.Errorf("wire: frame payload of %d bytes exceeds max %d", len(payload), MaxFrameLength)
	}
	var header [headerSize]byte
	binary.LittleEndian.PutUint16(header[0:2], port)
	binary.LittleEndian.PutUint16(header[2:4], uint16(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

// WriteClose writes the zero-length "close stream p" frame (§4.2).
func WriteClose(w io.Writer, port uint16) error {
	return WriteFrame(w, port, nil)
}

// ReadFrame reads exactly one frame header and its declared payload. For
// control frames (port == 0) the declared length is still populated and
// trusted by this reader — the spec permits control packets to
// self-delimit independently of the header, but nothing forbids a sender
// from also writing an accurate length, and doing so keeps both framing
// strategies compatible with a single reader implementation.
func ReadFrame(r io.Reader) (Frame, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Frame{}, err
	}
	port := binary.LittleEndian.Uint16(header[0:2])
	length := binary.LittleEndian.Uint16(header[2:4])

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, err
		}
	}
	return Frame{Port: port, Payload: payload}, nil
}

// Drain discards exactly length bytes from r without allocating a buffer
// proportional to arbitrarily large lengths. Used by the session read loop
// (§4.2, §9b) when a DataStream's consumer has disappeared and the feed
// deadline has already been spent: framing must still be preserved so the
// next frame on the channel is read correctly, even though this frame's
// payload is going to be thrown away.
func Drain(r io.Reader, length int) error {
	_, err := io.CopyN(io.Discard, r, int64(length))
	return err
}
