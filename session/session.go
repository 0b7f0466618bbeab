// Package session implements §4.3: one authenticated channel's read loop,
// control-packet dispatch, DataStream table, and renegotiation triggers.
package session

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/extrahash/meshnet/identity"
	"github.com/extrahash/meshnet/internal/logx"
	"github.com/extrahash/meshnet/internal/meshnet"
	"github.com/extrahash/meshnet/stream"
	"github.com/extrahash/meshnet/transport"
	"github.com/extrahash/meshnet/wire"
)

var log = logx.Get("meshnet/session")

// RenegotiateAfterBytes and RenegotiateAfterAge are the thresholds from
// §4.3, "whichever first".
const (
	RenegotiateAfterBytes = 100 * 1024 * 1024
	RenegotiateAfterAge   = 3600 * time.Second
)

// dedupCacheSize bounds the at-most-once (senderUserId, messageNumber)
// cache (property 4) so a long-lived session can't grow it unbounded.
const dedupCacheSize = 4096

// Reason classifies why a Session terminated, for the owner's teardown
// decision in §4.3/§7 (reconnect or not).
type Reason int

const (
	ReasonLocalClose Reason = iota
	ReasonOrderlyEOF
	ReasonCryptoFailure
	ReasonTransportError
	ReasonInvariantViolation
)

// Sink receives every control packet and the terminal event for a Session.
// Peer and Network implement this to react to peer-exchange, messages,
// profile pushes, and disconnects without Session depending on either.
type Sink interface {
	OnControl(s *Session, typ wire.ControlType, body interface{})
	OnTerminated(s *Session, reason Reason, err error)
}

// dedupKey identifies one (sender, messageNumber) pair for property 4.
type dedupKey struct {
	sender identity.UserID
	number uint64
}

// Session is one authenticated, encrypted, multiplexed link to a peer
// (§3). It owns a dedicated reader goroutine for the lifetime of the
// channel.
type Session struct {
	channel transport.SecureChannel
	conn    transport.Connection
	mux     *stream.Mux
	sink    Sink

	sendMu sync.Mutex

	renegotiating atomic.Bool

	dedup *lru.Cache[dedupKey, struct{}]

	mu               sync.Mutex
	lastPeerExchange *wire.PeerExchange

	closeOnce sync.Once
	done      chan struct{}
}

// Role reports whether this session plays the client or server role,
// which in turn fixes its DataStream port parity (property 8).
type Role = stream.Role

const (
	RoleClient = stream.RoleClient
	RoleServer = stream.RoleServer
)

// New wires up a Session around an already-authenticated channel and its
// underlying transport connection, and starts the reader loop.
func New(channel transport.SecureChannel, conn transport.Connection, role Role, sink Sink) *Session {
	return NewWithClock(channel, conn, role, sink, clock.New())
}

// NewWithClock is New with an injectable clock, so tests can control
// DataStream read/feed timeouts deterministically (mirrors stream's own
// use of benbjohnson/clock).
func NewWithClock(channel transport.SecureChannel, conn transport.Connection, role Role, sink Sink, clk clock.Clock) *Session {
	cache, _ := lru.New[dedupKey, struct{}](dedupCacheSize)
	s := &Session{
		channel: channel,
		conn:    conn,
		sink:    sink,
		dedup:   cache,
		done:    make(chan struct{}),
	}
	s.mux = stream.NewMux(role, s, clk)
	go s.readLoop()
	return s
}

// RemotePeerUserID is the identity the secure channel authenticated.
func (s *Session) RemotePeerUserID() identity.UserID {
	return s.channel.RemotePeerUserID()
}

// Connection exposes the underlying transport connection (remote/via
// endpoints, virtual-ness) for Peer/Network's connectivity bookkeeping.
func (s *Session) Connection() transport.Connection { return s.conn }

// Mux exposes the DataStream table for file transfer (§4.6).
func (s *Session) Mux() *stream.Mux { return s.mux }

// Done is closed once the session has fully terminated.
func (s *Session) Done() <-chan struct{} { return s.done }

// SendFrame implements stream.FrameWriter, serializing every frame —
// control or data — on one per-channel lock so concurrent producers never
// interleave (§4.3, §5).
func (s *Session) SendFrame(port uint16, payload []byte) error {
	s.sendMu.Lock()
	err := wire.WriteFrame(s.channel, port, payload)
	s.sendMu.Unlock()
	if err != nil {
		return meshnet.Wrap(meshnet.KindTransportError, "session: send frame", err)
	}
	s.maybeRenegotiate()
	return nil
}

// SendControl encodes and sends one control packet.
func (s *Session) SendControl(typ wire.ControlType, body interface{}) error {
	encoded, err := wire.EncodeControl(typ, body)
	if err != nil {
		return err
	}
	return s.SendFrame(wire.ControlPort, encoded)
}

func (s *Session) maybeRenegotiate() {
	if s.channel.BytesSent() < RenegotiateAfterBytes && s.channel.HandshakeAge() < RenegotiateAfterAge {
		return
	}
	if !s.renegotiating.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer s.renegotiating.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.channel.Renegotiate(ctx); err != nil {
			log.Warningf("renegotiation failed, tearing down session: %v", err)
			s.terminate(ReasonTransportError, err)
		}
	}()
}

// OpenDataStream allocates the next free port of this session's role
// parity (§4.2).
func (s *Session) OpenDataStream() (*stream.DataStream, error) {
	return s.mux.OpenDataStream()
}

// AcceptDataStream joins an already-allocated, peer-requested port (the
// responder side of a file transfer, §4.6).
func (s *Session) AcceptDataStream(port uint16) (*stream.DataStream, error) {
	return s.mux.Accept(port)
}

// readLoop is the dedicated reader thread from §4.3/§5: it owns strict
// FIFO ordering of control frames and of each DataStream port.
func (s *Session) readLoop() {
	for {
		frame, err := wire.ReadFrame(s.channel)
		if err != nil {
			if err == io.EOF {
				s.terminate(ReasonOrderlyEOF, nil)
			} else if meshnet.Is(err, meshnet.KindCryptoFailure) {
				s.terminate(ReasonCryptoFailure, err)
			} else {
				s.terminate(ReasonTransportError, err)
			}
			return
		}

		if frame.Port == wire.ControlPort {
			s.dispatchControl(frame.Payload)
			continue
		}
		s.dispatchData(frame.Port, frame.Payload)
	}
}

func (s *Session) dispatchControl(payload []byte) {
	typ, body, err := wire.DecodeControl(payload)
	if err != nil {
		log.Warningf("dropping malformed control frame: %v", err)
		return
	}

	switch typ {
	case wire.TypePingRequest:
		if err := s.SendControl(wire.TypePingResponse, &wire.PingResponse{}); err != nil {
			log.Warningf("failed to answer ping: %v", err)
		}
		return
	case wire.TypePingResponse:
		return
	case wire.TypePeerExchange:
		if pe, ok := body.(*wire.PeerExchange); ok {
			s.mu.Lock()
			s.lastPeerExchange = pe
			s.mu.Unlock()
		}
	case wire.TypeMessage:
		if msg, ok := body.(*wire.Message); ok {
			key := dedupKey{sender: s.RemotePeerUserID(), number: msg.MessageNumber}
			if _, seen := s.dedup.Get(key); seen {
				return
			}
			s.dedup.Add(key, struct{}{})
		}
	}
	s.sink.OnControl(s, typ, body)
}

func (s *Session) dispatchData(port uint16, payload []byte) {
	ds, ok := s.mux.Lookup(port)
	if !ok {
		log.Debugf("data frame for unknown port %d, dropping %d bytes", port, len(payload))
		return
	}
	if err := ds.Feed(payload); err != nil {
		log.Warningf("feed into datastream %d timed out: %v", port, err)
		s.terminate(ReasonTransportError, err)
	}
}

// LastPeerExchange returns the most recently received PeerExchange
// payload, or nil if none has arrived yet (§3).
func (s *Session) LastPeerExchange() *wire.PeerExchange {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPeerExchange
}

// Close tears the session down from the local side.
func (s *Session) Close() error {
	s.terminate(ReasonLocalClose, nil)
	return nil
}

func (s *Session) terminate(reason Reason, err error) {
	s.closeOnce.Do(func() {
		s.mux.TeardownAll()
		_ = s.channel.Close()
		close(s.done)
		s.sink.OnTerminated(s, reason, err)
	})
}

func (r Reason) String() string {
	switch r {
	case ReasonLocalClose:
		return "LocalClose"
	case ReasonOrderlyEOF:
		return "OrderlyEOF"
	case ReasonCryptoFailure:
		return "CryptoFailure"
	case ReasonTransportError:
		return "TransportError"
	case ReasonInvariantViolation:
		return "InvariantViolation"
	default:
		return fmt.Sprintf("Reason(%d)", int(r))
	}
}
