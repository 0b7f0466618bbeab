package network

import (
	"context"
	"io"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/extrahash/meshnet/events"
	"github.com/extrahash/meshnet/internal/meshnet"
	"github.com/extrahash/meshnet/kdf"
	"github.com/extrahash/meshnet/message"
	"github.com/extrahash/meshnet/node"
	"github.com/extrahash/meshnet/peer"
	"github.com/extrahash/meshnet/session"
	"github.com/extrahash/meshnet/transport"
	"github.com/extrahash/meshnet/wire"
)

// StoreFactory opens (or creates) the message.Store backing a brand-new
// network once its networkId is known; a host application supplies one
// so it controls where and under what key the log is persisted (§6.1).
type StoreFactory func(networkID [32]byte) (message.Store, error)

// inviteSink captures the very first control frame off a freshly
// handshaken session — the way §4.5's static accept path reads exactly
// one frame before deciding whether this is a genuine invitation — and
// forwards every frame after that (and termination) to a real session.Sink
// once AcceptInvitation has stood up the network and peer that frame
// belongs to.
type inviteSink struct {
	first    chan *wire.Message
	gotFirst bool

	mu   sync.Mutex
	real session.Sink

	done chan struct{}
	err  error
}

func newInviteSink() *inviteSink {
	return &inviteSink{first: make(chan *wire.Message, 1), done: make(chan struct{})}
}

func (s *inviteSink) setReal(real session.Sink) {
	s.mu.Lock()
	s.real = real
	s.mu.Unlock()
}

func (s *inviteSink) OnControl(sess *session.Session, typ wire.ControlType, body interface{}) {
	s.mu.Lock()
	real := s.real
	s.mu.Unlock()

	if real == nil && !s.gotFirst && typ == wire.TypeMessage {
		if msg, ok := body.(*wire.Message); ok {
			s.gotFirst = true
			s.first <- msg
			return
		}
	}
	if real != nil {
		real.OnControl(sess, typ, body)
	}
}

func (s *inviteSink) OnTerminated(sess *session.Session, reason session.Reason, err error) {
	s.mu.Lock()
	real := s.real
	s.err = err
	s.mu.Unlock()

	close(s.done)
	if real != nil {
		real.OnTerminated(sess, reason, err)
	}
}

// AcceptInvitation implements §4.5's "Accepting invitations (static
// path)": a node listening for brand-new Private networks advertises its
// own UserId as the handshake PSK, waits for exactly one control frame,
// and — if it is a TextMessage and the network derived from sharedSecret
// matches targetNetworkID — stands up a new, initially Offline Private
// network around it. The first frame's payload is the human-readable
// invitation text (§3), never the KDF input: per §3's
// `secret = utf8(sharedSecret ?? "")`, sharedSecret here is whatever the
// two sides already agreed on out-of-band (normally "" for a
// trust-on-first-use invite) and must match what targetNetworkID was
// derived from by the caller. Any other shape of first frame, or a
// networkId mismatch, tears the channel down and returns an error.
func AcceptInvitation(
	ctx context.Context,
	raw io.ReadWriteCloser,
	conn transport.Connection,
	targetNetworkID [32]byte,
	sharedSecret string,
	nd node.Node,
	registry *node.Registry,
	connMgr transport.ConnectionManager,
	handshaker transport.Handshaker,
	storeFactory StoreFactory,
	bus *events.Bus,
	clk clock.Clock,
) (*Network, error) {
	opts := transport.HandshakeOptions{
		RequirePSK:        true,
		RequireClientAuth: true,
		PSK:               nd.LocalUserID().Bytes(),
		Ciphers:           nd.SupportedCiphers(),
	}
	ch, err := handshaker.ServerHandshake(ctx, raw, opts, nd.LocalUserID())
	if err != nil {
		_ = raw.Close()
		return nil, err
	}

	sink := newInviteSink()
	sess := session.NewWithClock(ch, conn, session.RoleServer, sink, clk)

	var msg *wire.Message
	select {
	case msg = <-sink.first:
	case <-sink.done:
		return nil, meshnet.Wrap(meshnet.KindInvariantViolation, "invitation session closed before sending a frame", sink.err)
	case <-ctx.Done():
		_ = sess.Close()
		return nil, ctx.Err()
	}

	if msg.Kind != wire.MessageKindText {
		_ = sess.Close()
		return nil, meshnet.New(meshnet.KindInvariantViolation, "invitation's first frame was not a TextMessage")
	}

	otherUserID := ch.RemotePeerUserID()
	networkID := kdf.PrivateNetworkID(nd.LocalUserID(), otherUserID, sharedSecret)

	store, err := storeFactory(networkID)
	if err != nil {
		_ = sess.Close()
		return nil, err
	}

	net, err := New(Config{
		Node:              nd,
		Registry:          registry,
		Kind:              peer.KindPrivate,
		OtherUserID:       otherUserID,
		SharedSecret:      sharedSecret,
		ConnectionManager: connMgr,
		Handshaker:        handshaker,
		Store:             store,
		Bus:               bus,
		Clock:             clk,
	})
	if err != nil {
		_ = sess.Close()
		return nil, err
	}

	if net.NetworkID() != targetNetworkID {
		net.Dispose()
		_ = sess.Close()
		return nil, meshnet.New(meshnet.KindInvariantViolation, "invitation's derived networkId does not match the channel's target")
	}

	invitation := &message.Item{
		Number: 0,
		Kind:   message.KindText,
		Sender: otherUserID,
		Recipients: []message.Recipient{
			{UserID: nd.LocalUserID(), Status: message.Pending},
		},
		Payload:      msg.Payload,
		TimestampUTC: msg.TimestampUTC,
	}
	if err := store.Append(invitation); err != nil {
		net.Dispose()
		_ = sess.Close()
		return nil, err
	}

	if err := sess.SendControl(wire.TypeMessageDeliveryNotification, &wire.MessageDeliveryNotification{
		MessageNumber: msg.MessageNumber,
	}); err != nil {
		log.Warningf("failed to ack invitation frame: %v", err)
	}

	p := net.lookupPeer(otherUserID)
	sink.setReal(peer.NewSessionSink(p, peer.KindPrivate))
	p.AddSession(sess, peer.KindPrivate, nil, net.reSendUndeliveredMessages)

	net.emit(events.Event{Type: events.PeerAdded, PeerUserID: otherUserID})
	return net, nil
}
