package network

import (
	"context"
	"io"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/extrahash/meshnet/events"
	"github.com/extrahash/meshnet/identity"
	"github.com/extrahash/meshnet/message"
	"github.com/extrahash/meshnet/node"
	"github.com/extrahash/meshnet/peer"
	"github.com/extrahash/meshnet/session"
	"github.com/extrahash/meshnet/transport"
	"github.com/extrahash/meshnet/wire"
)

// msgFakeChannel is a pass-through transport.SecureChannel over a net.Pipe
// conn, mirroring session's own test doubles so messaging.go's use of a
// real *session.Session can be exercised without a Noise handshake.
type msgFakeChannel struct {
	net.Conn
	remote identity.UserID
}

func (c *msgFakeChannel) RemotePeerUserID() identity.UserID { return c.remote }
func (c *msgFakeChannel) SelectedCipher() transport.Cipher  { return "fake" }
func (c *msgFakeChannel) HandshakeAge() time.Duration        { return 0 }
func (c *msgFakeChannel) BytesSent() uint64                  { return 0 }
func (c *msgFakeChannel) Renegotiate(ctx context.Context) error { return nil }

type msgFakeConn struct{}

func (msgFakeConn) RemotePeerEP() transport.EndPoint      { return transport.EndPoint{Host: "peer", Port: 1} }
func (msgFakeConn) ViaRemotePeerEP() *transport.EndPoint  { return nil }
func (msgFakeConn) IsVirtualConnection() bool             { return false }
func (msgFakeConn) ChannelExists(networkID [32]byte) bool { return true }
func (msgFakeConn) ConnectMeshNetwork(ctx context.Context, networkID [32]byte) (io.ReadWriteCloser, error) {
	return nil, nil
}
func (msgFakeConn) Close() error { return nil }

// recordingSessionSink records every control packet a paired session
// receives, standing in for peer.NewSessionSink in tests that only care
// about what went out over the wire.
type recordingSessionSink struct {
	mu       sync.Mutex
	controls []wire.ControlType
	bodies   []interface{}
}

func (s *recordingSessionSink) OnControl(sess *session.Session, typ wire.ControlType, body interface{}) {
	s.mu.Lock()
	s.controls = append(s.controls, typ)
	s.bodies = append(s.bodies, body)
	s.mu.Unlock()
}
func (s *recordingSessionSink) OnTerminated(sess *session.Session, reason session.Reason, err error) {}

func (s *recordingSessionSink) countOf(typ wire.ControlType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.controls {
		if c == typ {
			n++
		}
	}
	return n
}

func (s *recordingSessionSink) lastOf(typ wire.ControlType) (interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.controls) - 1; i >= 0; i-- {
		if s.controls[i] == typ {
			return s.bodies[i], true
		}
	}
	return nil, false
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatal("condition never became true")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
}

// newOutboundSession returns a *session.Session (local side) wired up to a
// real net.Pipe, plus a sink recording whatever lands on the remote side —
// exactly what reSendUndeliveredMessages/OnMessage/OnFileRequest need from a
// live session to exercise their wire-send paths.
func newOutboundSession(t *testing.T, remote identity.UserID) (*session.Session, *recordingSessionSink) {
	t.Helper()
	localRaw, remoteRaw := net.Pipe()
	remoteSink := &recordingSessionSink{}
	_ = session.New(&msgFakeChannel{Conn: remoteRaw, remote: identity.UserID{}}, msgFakeConn{}, session.RoleServer, remoteSink)
	local := session.New(&msgFakeChannel{Conn: localRaw, remote: remote}, msgFakeConn{}, session.RoleClient, &recordingSessionSink{})
	return local, remoteSink
}

func TestSendTextRejectsOversizedPayload(t *testing.T) {
	net, store := newTestNetwork(t, userID(1), userID(2))
	defer store.Close()

	big := make([]byte, peer.MaxMessageSize+1)
	if _, err := net.SendText(big); err == nil {
		t.Fatal("expected a PolicyReject for a payload over MAX_MESSAGE_SIZE")
	}
}

func TestOnMessagePersistsAndAcksOverSession(t *testing.T) {
	net, store := newTestNetwork(t, userID(1), userID(2))
	defer store.Close()

	remotePeer := peer.New(userID(2), false, net)
	s, remoteSink := newOutboundSession(t, userID(2))
	defer s.Close()

	net.OnMessage(remotePeer, s, &wire.Message{
		MessageNumber: 0,
		Kind:          wire.MessageKindText,
		Payload:       []byte("hello there"),
		TimestampUTC:  1,
	})

	it, ok, err := store.Get(0)
	if err != nil || !ok {
		t.Fatalf("inbound message must be persisted: ok=%v err=%v", ok, err)
	}
	if string(it.Payload) != "hello there" {
		t.Fatalf("got payload %q", it.Payload)
	}
	if it.Sender != userID(2) {
		t.Fatalf("sender should be the remote peer, got %v", it.Sender)
	}
	if it.IsDeliveredTo(userID(1)) {
		t.Fatal("an inbound entry starts Pending, per S1's literal ground truth (delivered=false)")
	}

	waitUntil(t, func() bool { return remoteSink.countOf(wire.TypeMessageDeliveryNotification) == 1 })
}

func TestReSendUndeliveredMessagesSkipsDeliveredEntries(t *testing.T) {
	net, store := newTestNetwork(t, userID(1), userID(2))
	defer store.Close()

	deliveredNumber, err := net.SendText([]byte("already acked"))
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	pendingNumber, err := net.SendText([]byte("still pending"))
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}

	_ = store.Rewrite(&message.Item{
		Number: deliveredNumber,
		Recipients: []message.Recipient{
			{UserID: userID(2), Status: message.Delivered},
		},
	})

	s, remoteSink := newOutboundSession(t, userID(2))
	defer s.Close()
	net.reSendUndeliveredMessages(s)

	waitUntil(t, func() bool { return remoteSink.countOf(wire.TypeMessage) >= 1 })
	if remoteSink.countOf(wire.TypeMessage) != 1 {
		t.Fatalf("expected exactly one re-delivered message, got %d", remoteSink.countOf(wire.TypeMessage))
	}
	last, ok := remoteSink.lastOf(wire.TypeMessage)
	if !ok {
		t.Fatal("expected a TypeMessage frame")
	}
	msg, ok := last.(*wire.Message)
	if !ok || msg.MessageNumber != pendingNumber {
		t.Fatalf("expected the still-pending entry %d to be resent, got %+v", pendingNumber, last)
	}
}

func TestOnMessageDeliveryNotificationIgnoresUnknownMessageNumber(t *testing.T) {
	net, store := newTestNetwork(t, userID(1), userID(2))
	defer store.Close()

	p := peer.New(userID(2), false, net)
	// Must not error even though no entry 42 exists.
	net.OnMessageDeliveryNotification(p, &wire.MessageDeliveryNotification{MessageNumber: 42})
}

func TestFileTransferMetadataIsPersisted(t *testing.T) {
	net, store := newTestNetwork(t, userID(1), userID(2))
	defer store.Close()

	tmp, err := os.CreateTemp("", "meshnet-file-*")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	defer os.Remove(tmp.Name())
	content := []byte("the quick brown fox jumps over the lazy dog")
	if _, err := tmp.Write(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	tmp.Close()

	number, err := net.SendFileAttachment(tmp.Name(), "fox.txt", uint64(len(content)), nil)
	if err != nil {
		t.Fatalf("SendFileAttachment: %v", err)
	}

	it, ok, err := store.Get(number)
	if err != nil || !ok {
		t.Fatalf("expected file attachment entry: ok=%v err=%v", ok, err)
	}
	if it.LocalPath != tmp.Name() || it.FileName != "fox.txt" || it.FileSize != uint64(len(content)) {
		t.Fatalf("unexpected stored metadata: %+v", it)
	}
}

func TestOnFileRequestStreamsFileFromOffset(t *testing.T) {
	net, store := newTestNetwork(t, userID(1), userID(2))
	defer store.Close()

	tmp, err := os.CreateTemp("", "meshnet-file-*")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	defer os.Remove(tmp.Name())
	content := []byte("0123456789abcdef")
	if _, err := tmp.Write(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	tmp.Close()

	number, err := net.SendFileAttachment(tmp.Name(), "data.bin", uint64(len(content)), nil)
	if err != nil {
		t.Fatalf("SendFileAttachment: %v", err)
	}

	remotePeer := peer.New(userID(2), false, net)
	localRaw, remoteRaw := net2Pipe()
	responderSink := &recordingSessionSink{}
	responderSession := session.New(&msgFakeChannel{Conn: localRaw, remote: userID(2)}, msgFakeConn{}, session.RoleServer, responderSink)
	defer responderSession.Close()
	requesterSession := session.New(&msgFakeChannel{Conn: remoteRaw, remote: userID(1)}, msgFakeConn{}, session.RoleClient, &recordingSessionSink{})
	defer requesterSession.Close()

	ds, err := requesterSession.OpenDataStream()
	if err != nil {
		t.Fatalf("OpenDataStream: %v", err)
	}
	ds.SetReadTimeout(2 * time.Second)

	net.OnFileRequest(remotePeer, responderSession, &wire.FileRequest{
		MessageNumber: number,
		FileOffset:    5,
		DataPort:      ds.Port(),
	})

	buf := make([]byte, 64)
	total := 0
	for total < len(content)-5 {
		n, err := ds.Read(buf[total:])
		if err != nil {
			t.Fatalf("DataStream Read: %v", err)
		}
		total += n
	}
	if string(buf[:total]) != string(content[5:]) {
		t.Fatalf("got %q, want %q", buf[:total], content[5:])
	}
}

// net2Pipe avoids shadowing the network package's own name "net" in scope
// where a *Network variable is also called net.
func net2Pipe() (c1, c2 net.Conn) { return net.Pipe() }

func TestReceiveFileAttachmentProbesAndCopiesUntilClose(t *testing.T) {
	netA, storeA := newTestNetwork(t, userID(1), userID(2))
	defer storeA.Close()

	tmp, err := os.CreateTemp("", "meshnet-file-src-*")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	defer os.Remove(tmp.Name())
	content := []byte("0123456789abcdefghijklmnopqrstuvwxyz")
	if _, err := tmp.Write(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	tmp.Close()

	number, err := netA.SendFileAttachment(tmp.Name(), "data.bin", uint64(len(content)), nil)
	if err != nil {
		t.Fatalf("SendFileAttachment: %v", err)
	}

	raw1, raw2 := net2Pipe()
	peerBFromA := netA.lookupPeer(userID(2))
	sessionA := session.New(&msgFakeChannel{Conn: raw1, remote: userID(2)}, msgFakeConn{}, session.RoleServer, peer.NewSessionSink(peerBFromA, peer.KindPrivate))
	defer sessionA.Close()
	sessionB := session.New(&msgFakeChannel{Conn: raw2, remote: userID(1)}, msgFakeConn{}, session.RoleClient, &recordingSessionSink{})
	defer sessionB.Close()

	senderPeer := peer.New(userID(1), false, nil)
	senderPeer.AddSession(sessionB, peer.KindPrivate, nil, nil)

	dst, err := os.CreateTemp("", "meshnet-file-dst-*")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	dstPath := dst.Name()
	dst.Close()
	defer os.Remove(dstPath)

	if err := netA.ReceiveFileAttachment(context.Background(), senderPeer, number, dstPath); err != nil {
		t.Fatalf("ReceiveFileAttachment: %v", err)
	}

	got, err := os.ReadFile(dstPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != string(content) {
		t.Fatalf("got %q, want %q", got, content)
	}
}

func TestReceiveFileAttachmentResumesFromExistingFileLength(t *testing.T) {
	netA, storeA := newTestNetwork(t, userID(1), userID(2))
	defer storeA.Close()

	tmp, err := os.CreateTemp("", "meshnet-file-src-*")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	defer os.Remove(tmp.Name())
	content := []byte("the quick brown fox jumps over the lazy dog, twice over")
	if _, err := tmp.Write(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	tmp.Close()

	number, err := netA.SendFileAttachment(tmp.Name(), "data.bin", uint64(len(content)), nil)
	if err != nil {
		t.Fatalf("SendFileAttachment: %v", err)
	}

	raw1, raw2 := net2Pipe()
	peerBFromA := netA.lookupPeer(userID(2))
	sessionA := session.New(&msgFakeChannel{Conn: raw1, remote: userID(2)}, msgFakeConn{}, session.RoleServer, peer.NewSessionSink(peerBFromA, peer.KindPrivate))
	defer sessionA.Close()
	sessionB := session.New(&msgFakeChannel{Conn: raw2, remote: userID(1)}, msgFakeConn{}, session.RoleClient, &recordingSessionSink{})
	defer sessionB.Close()

	senderPeer := peer.New(userID(1), false, nil)
	senderPeer.AddSession(sessionB, peer.KindPrivate, nil, nil)

	dst, err := os.CreateTemp("", "meshnet-file-dst-*")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	dstPath := dst.Name()
	partial := content[:20]
	if _, err := dst.Write(partial); err != nil {
		t.Fatalf("write partial file: %v", err)
	}
	dst.Close()
	defer os.Remove(dstPath)

	if err := netA.ReceiveFileAttachment(context.Background(), senderPeer, number, dstPath); err != nil {
		t.Fatalf("ReceiveFileAttachment: %v", err)
	}

	got, err := os.ReadFile(dstPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != string(content) {
		t.Fatalf("resumed file mismatch: got %q, want %q", got, content)
	}
}

func TestReceiveFileAttachmentFailsOverToNextSessionOnSendError(t *testing.T) {
	netA, storeA := newTestNetwork(t, userID(1), userID(2))
	defer storeA.Close()

	tmp, err := os.CreateTemp("", "meshnet-file-src-*")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	defer os.Remove(tmp.Name())
	content := []byte("failover content should still arrive intact")
	if _, err := tmp.Write(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	tmp.Close()

	number, err := netA.SendFileAttachment(tmp.Name(), "data.bin", uint64(len(content)), nil)
	if err != nil {
		t.Fatalf("SendFileAttachment: %v", err)
	}

	// A session whose underlying channel is already closed: OpenDataStream
	// still succeeds (it's purely local bookkeeping), but SendControl over
	// it fails, so ReceiveFileAttachment must move on to the next session.
	deadRaw1, deadRaw2 := net2Pipe()
	defer deadRaw1.Close()
	deadSession := session.New(&msgFakeChannel{Conn: deadRaw2, remote: userID(1)}, msgFakeConn{}, session.RoleClient, &recordingSessionSink{})
	deadSession.Close()

	raw1, raw2 := net2Pipe()
	peerBFromA := netA.lookupPeer(userID(2))
	sessionA := session.New(&msgFakeChannel{Conn: raw1, remote: userID(2)}, msgFakeConn{}, session.RoleServer, peer.NewSessionSink(peerBFromA, peer.KindPrivate))
	defer sessionA.Close()
	liveSession := session.New(&msgFakeChannel{Conn: raw2, remote: userID(1)}, msgFakeConn{}, session.RoleClient, &recordingSessionSink{})
	defer liveSession.Close()

	senderPeer := peer.New(userID(1), false, nil)
	senderPeer.AddSession(deadSession, peer.KindPrivate, nil, nil)
	senderPeer.AddSession(liveSession, peer.KindPrivate, nil, nil)

	dst, err := os.CreateTemp("", "meshnet-file-dst-*")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	dstPath := dst.Name()
	dst.Close()
	defer os.Remove(dstPath)

	if err := netA.ReceiveFileAttachment(context.Background(), senderPeer, number, dstPath); err != nil {
		t.Fatalf("ReceiveFileAttachment: %v", err)
	}

	got, err := os.ReadFile(dstPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != string(content) {
		t.Fatalf("got %q, want %q", got, content)
	}
}

// TestSendTextEmitsLocalMessageReceived exercises §4.6's outbound pipeline
// literally: "append to store → broadcast MeshNetworkPacketMessage →
// locally deliver via MessageReceived with sender = self".
func TestSendTextEmitsLocalMessageReceived(t *testing.T) {
	store := newFakeStore()
	bus := events.NewBus(8)
	net, err := New(Config{
		Node:              &fakeNode{userID: userID(1)},
		Registry:          node.NewRegistry(),
		Kind:              peer.KindPrivate,
		OtherUserID:       userID(2),
		SharedSecret:      "correct horse battery staple",
		ConnectionManager: fakeConnMgr{},
		Store:             store,
		Bus:               bus,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer store.Close()

	number, err := net.SendText([]byte("hi"))
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ev, err := bus.Next(ctx)
	if err != nil {
		t.Fatalf("expected a MessageReceived event for the outbound send: %v", err)
	}
	if ev.Type != events.MessageReceived {
		t.Fatalf("expected MessageReceived, got %v", ev.Type)
	}
	if ev.SenderUserID != userID(1) {
		t.Fatalf("outbound MessageReceived must report sender=self, got %v", ev.SenderUserID)
	}
	if ev.MessageNumber != number {
		t.Fatalf("expected message number %d, got %d", number, ev.MessageNumber)
	}
}
