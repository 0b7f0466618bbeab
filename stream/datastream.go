// Package stream implements the in-channel data stream multiplexer from
// §4.2: numbered logical pipes carrying arbitrary bidirectional bytes
// inside a Session's secure channel, alongside the control-packet port 0.
package stream

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/extrahash/meshnet/internal/logx"
	"github.com/extrahash/meshnet/internal/meshnet"
)

var log = logx.Get("meshnet/stream")

// MaxFrameSize bounds a single DataStream frame to the size of its
// receiver's single-slot read buffer (§4.2: "a bounded read buffer (8
// KiB)"). A Write larger than this must be split by the caller.
const MaxFrameSize = 8 * 1024

// DefaultReadTimeout is the default deadline for DataStream.Read (§4.2).
const DefaultReadTimeout = 60 * time.Second

// FeedDeadline is the deadline the session's read loop has to deposit a
// frame into a DataStream's single-slot buffer before giving up on it
// (§5).
const FeedDeadline = 30 * time.Second

// FrameWriter is the capability a DataStream needs to emit frames; Session
// implements it with its own per-channel send lock so concurrent streams
// never interleave frames on the wire (§4.3).
type FrameWriter interface {
	SendFrame(port uint16, payload []byte) error
}

// DataStream is a duplex byte pipe multiplexed over a Session's secure
// channel on one numbered port (§3, §4.2). Reads and writes are each
// single-in-flight per direction; the implementation otherwise allows
// concurrent read and write.
type DataStream struct {
	port   uint16
	sender FrameWriter
	clock  clock.Clock

	readTimeout time.Duration

	mu       sync.Mutex
	pending  []byte
	eof      bool
	closed   bool
	closedCh chan struct{}
	frames   chan []byte

	writeOnce sync.Once
}

func newDataStream(port uint16, sender FrameWriter, clk clock.Clock) *DataStream {
	return &DataStream{
		port:        port,
		sender:      sender,
		clock:       clk,
		readTimeout: DefaultReadTimeout,
		closedCh:    make(chan struct{}),
		frames:      make(chan []byte), // unbuffered: the single slot IS the handoff
	}
}

// Port returns the stream's logical port number.
func (s *DataStream) Port() uint16 { return s.port }

// SetReadTimeout overrides the default 60s read deadline.
func (s *DataStream) SetReadTimeout(d time.Duration) {
	s.mu.Lock()
	s.readTimeout = d
	s.mu.Unlock()
}

// Read blocks until data is available, the stream reaches end-of-stream, or
// ReadTimeout elapses. A timeout is reported distinctly from orderly close
// via a *meshnet.Error of kind Timeout, per §4.2.
func (s *DataStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	if len(s.pending) > 0 {
		n := copy(p, s.pending)
		s.pending = s.pending[n:]
		s.mu.Unlock()
		return n, nil
	}
	if s.eof {
		s.mu.Unlock()
		return 0, io.EOF
	}
	timeout := s.readTimeout
	s.mu.Unlock()

	timer := s.clock.Timer(timeout)
	defer timer.Stop()

	select {
	case payload, ok := <-s.frames:
		if !ok {
			return 0, io.EOF
		}
		if len(payload) == 0 {
			s.mu.Lock()
			s.eof = true
			s.mu.Unlock()
			return 0, io.EOF
		}
		n := copy(p, payload)
		if n < len(payload) {
			s.mu.Lock()
			s.pending = payload[n:]
			s.mu.Unlock()
		}
		return n, nil
	case <-timer.C:
		return 0, meshnet.New(meshnet.KindTimeout, fmt.Sprintf("datastream %d: read timed out", s.port))
	case <-s.closedCh:
		return 0, io.EOF
	}
}

// Write emits exactly one framed packet per call (§4.2). Payloads larger
// than MaxFrameSize are rejected — callers must chunk themselves, matching
// the "single in-flight write" contract.
func (s *DataStream) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, fmt.Errorf("datastream %d: use Close to end the stream, not a zero-length Write", s.port)
	}
	if len(p) > MaxFrameSize {
		return 0, fmt.Errorf("datastream %d: write of %d bytes exceeds the %d byte frame bound", s.port, len(p), MaxFrameSize)
	}
	if err := s.sender.SendFrame(s.port, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close sends the zero-length close frame and releases any blocked Read or
// Feed on this side. It is idempotent.
func (s *DataStream) Close() error {
	var err error
	s.writeOnce.Do(func() {
		err = s.sender.SendFrame(s.port, nil)
		s.mu.Lock()
		if !s.closed {
			s.closed = true
			close(s.closedCh)
		}
		s.mu.Unlock()
	})
	return err
}

// Feed is called by the owning Session's read loop when a data frame
// addressed to this port arrives off the wire. It blocks until the single
// read slot is free, FeedDeadline elapses, or the stream is closed. The
// caller (Session) has already read the frame's declared length off the
// wire before calling Feed, so framing is preserved even if this deposit
// times out (§9b): there is no separate "drain the rest of the frame"
// step, because the rest was never left unread.
func (s *DataStream) Feed(payload []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	timer := s.clock.Timer(FeedDeadline)
	defer timer.Stop()

	select {
	case s.frames <- payload:
		return nil
	case <-timer.C:
		return meshnet.New(meshnet.KindTimeout, fmt.Sprintf("datastream %d: feed timed out, consumer never drained", s.port))
	case <-s.closedCh:
		return nil
	}
}

// teardown forcibly ends the stream from the session side (secure channel
// failure, I/O error) without sending a close frame — there is nothing
// left to send it over.
func (s *DataStream) teardown() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.closedCh)
	}
	s.mu.Unlock()
}
