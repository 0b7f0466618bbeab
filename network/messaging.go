package network

import (
	"context"
	"encoding/hex"
	"io"
	"os"

	"github.com/extrahash/meshnet/events"
	"github.com/extrahash/meshnet/identity"
	"github.com/extrahash/meshnet/internal/meshnet"
	"github.com/extrahash/meshnet/message"
	"github.com/extrahash/meshnet/metrics"
	"github.com/extrahash/meshnet/peer"
	"github.com/extrahash/meshnet/session"
	"github.com/extrahash/meshnet/stream"
	"github.com/extrahash/meshnet/wire"
)

// SendText appends a new TextMessage entry to the log and fans it out to
// every recipient peer (§4.6's outbound path).
func (n *Network) SendText(body []byte) (uint64, error) {
	return n.send(message.KindText, body, "", "", 0, nil)
}

// SendFileAttachment appends a FileAttachment entry referencing localPath
// and fans out its metadata; the bytes themselves are streamed only on
// demand via a FileRequest (§4.6).
func (n *Network) SendFileAttachment(localPath, fileName string, fileSize uint64, thumbnail []byte) (uint64, error) {
	return n.send(message.KindFileAttachment, nil, localPath, fileName, fileSize, thumbnail)
}

func (n *Network) send(kind message.Kind, payload []byte, localPath, fileName string, fileSize uint64, thumbnail []byte) (uint64, error) {
	if len(payload) > peer.MaxMessageSize {
		return 0, meshnet.New(meshnet.KindPolicyReject, "message exceeds MAX_MESSAGE_SIZE")
	}

	recipients := n.recipientIDs()

	n.sendMu.Lock()
	number, err := n.store.Count()
	if err != nil {
		n.sendMu.Unlock()
		return 0, err
	}
	item := message.NewUnsent(number, kind, n.node.LocalUserID(), recipients, payload)
	item.FileName = fileName
	item.FileSize = fileSize
	item.LocalPath = localPath
	item.Thumbnail = thumbnail
	if err := n.store.Append(item); err != nil {
		n.sendMu.Unlock()
		return 0, err
	}
	n.sendMu.Unlock()

	wireMsg := &wire.Message{
		MessageNumber: number,
		Kind:          wire.MessageKind(kind),
		Payload:       payload,
		Thumbnail:     thumbnail,
		FileName:      fileName,
		FileSize:      fileSize,
		TimestampUTC:  item.TimestampUTC,
	}
	for _, id := range recipients {
		p := n.lookupPeer(id)
		if p == nil {
			continue
		}
		if err := p.SendMessage(wireMsg); err != nil {
			log.Warningf("failed to fan message %d out to %s: %v", number, id, err)
			continue
		}
		networkID := n.NetworkID()
		metrics.MessagesSent.WithLabelValues(hex.EncodeToString(networkID[:])).Inc()
	}

	n.emit(events.Event{
		Type:          events.MessageReceived,
		PeerUserID:    n.node.LocalUserID(),
		SenderUserID:  n.node.LocalUserID(),
		MessageNumber: number,
	})
	return number, nil
}

func (n *Network) recipientIDs() []identity.UserID {
	if n.kind == peer.KindPrivate {
		return []identity.UserID{n.otherUserID}
	}
	var out []identity.UserID
	for _, p := range n.allPeers() {
		if !p.IsSelfPeer() {
			out = append(out, p.UserID())
		}
	}
	return out
}

// OnMessage implements §4.6's inbound path: persist the entry locally,
// acknowledge it, and surface it on the event bus.
func (n *Network) OnMessage(p *peer.Peer, s *session.Session, msg *wire.Message) {
	networkID := n.NetworkID()
	metrics.MessagesReceived.WithLabelValues(hex.EncodeToString(networkID[:])).Inc()

	n.sendMu.Lock()
	number, err := n.store.Count()
	if err != nil {
		n.sendMu.Unlock()
		log.Warningf("failed to read message count before persisting inbound message: %v", err)
		return
	}
	item := &message.Item{
		Number: number,
		Kind:   message.Kind(msg.Kind),
		Sender: p.UserID(),
		Recipients: []message.Recipient{
			{UserID: n.node.LocalUserID(), Status: message.Pending},
		},
		Payload:      msg.Payload,
		Thumbnail:    msg.Thumbnail,
		FileName:     msg.FileName,
		FileSize:     msg.FileSize,
		TimestampUTC: msg.TimestampUTC,
	}
	appendErr := n.store.Append(item)
	n.sendMu.Unlock()
	if appendErr != nil {
		log.Warningf("failed to persist inbound message %d: %v", msg.MessageNumber, appendErr)
		return
	}

	if err := s.SendControl(wire.TypeMessageDeliveryNotification, &wire.MessageDeliveryNotification{
		MessageNumber: msg.MessageNumber,
	}); err != nil {
		log.Warningf("failed to ack message %d: %v", msg.MessageNumber, err)
	}

	n.emit(events.Event{
		Type:          events.MessageReceived,
		PeerUserID:    p.UserID(),
		SenderUserID:  p.UserID(),
		MessageNumber: number,
	})
}

// OnMessageDeliveryNotification implements §4.6's rewrite-in-place
// delivery-status update, serialized through the store's lock.
func (n *Network) OnMessageDeliveryNotification(p *peer.Peer, note *wire.MessageDeliveryNotification) {
	err := n.store.WithLock(func() error {
		item, ok, err := n.store.Get(note.MessageNumber)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if !item.MarkDelivered(p.UserID()) {
			return nil
		}
		return n.store.Rewrite(item)
	})
	if err != nil {
		log.Warningf("failed to record delivery of message %d by %s: %v", note.MessageNumber, p.UserID(), err)
		return
	}
	n.emit(events.Event{
		Type:          events.MessageDeliveryNotification,
		PeerUserID:    p.UserID(),
		MessageNumber: note.MessageNumber,
	})
}

// reSendUndeliveredMessages implements §4.6/§8-S5's re-delivery scope: walk
// the store newest-to-oldest, collecting a contiguous run of undelivered
// self-authored TextMessages, stopping at the first entry that is already
// delivered or doesn't match. The collected tail is resent oldest-first on
// this session only.
func (n *Network) reSendUndeliveredMessages(s *session.Session) {
	remote := s.RemotePeerUserID()
	count, err := n.store.Count()
	if err != nil {
		log.Warningf("failed to read message count for re-delivery: %v", err)
		return
	}

	var pending []*message.Item
	for number := count; number > 0; number-- {
		item, ok, err := n.store.Get(number - 1)
		if err != nil || !ok {
			break
		}
		if item.Kind != message.KindText || item.Sender != n.node.LocalUserID() || item.IsDeliveredTo(remote) {
			break
		}
		pending = append(pending, item)
	}

	for i := len(pending) - 1; i >= 0; i-- {
		item := pending[i]
		msg := &wire.Message{
			MessageNumber: item.Number,
			Kind:          wire.MessageKind(item.Kind),
			Payload:       item.Payload,
			Thumbnail:     item.Thumbnail,
			FileName:      item.FileName,
			FileSize:      item.FileSize,
			TimestampUTC:  item.TimestampUTC,
		}
		if err := s.SendControl(wire.TypeMessage, msg); err != nil {
			log.Warningf("re-delivery of message %d failed: %v", item.Number, err)
		}
	}
}

// OnFileRequest implements §4.6's file-transfer responder: it opens the
// DataStream port the requester already allocated and streams the file
// starting at fileOffset.
func (n *Network) OnFileRequest(p *peer.Peer, s *session.Session, fr *wire.FileRequest) {
	item, ok, err := n.store.Get(fr.MessageNumber)
	if err != nil || !ok || item.LocalPath == "" {
		log.Warningf("file request for message %d has no local attachment", fr.MessageNumber)
		return
	}

	go func() {
		ds, err := s.AcceptDataStream(fr.DataPort)
		if err != nil {
			log.Warningf("failed to accept data stream %d for file request: %v", fr.DataPort, err)
			return
		}
		defer ds.Close()

		f, err := os.Open(item.LocalPath)
		if err != nil {
			log.Warningf("failed to open local file %q for streaming: %v", item.LocalPath, err)
			return
		}
		defer f.Close()

		if _, err := f.Seek(int64(fr.FileOffset), io.SeekStart); err != nil {
			log.Warningf("failed to seek file %q to offset %d: %v", item.LocalPath, fr.FileOffset, err)
			return
		}
		buf := make([]byte, stream.MaxFrameSize)
		for {
			nRead, readErr := f.Read(buf)
			if nRead > 0 {
				if _, writeErr := ds.Write(buf[:nRead]); writeErr != nil {
					log.Warningf("file stream write failed: %v", writeErr)
					return
				}
			}
			if readErr == io.EOF {
				return
			}
			if readErr != nil {
				log.Warningf("file stream read failed: %v", readErr)
				return
			}
		}
	}()
}

// ReceiveFileAttachment implements the requester side of §4.6's file
// transfer: open the destination file append-only at its current length,
// then try the peer's sessions in turn — per session, open a DataStream,
// send a FileRequest naming the file's current length as the resume
// offset, and probe-read one byte. A session that reports EOF on the
// probe has nothing left to give (the file may already be complete, or
// this particular session isn't the one serving bytes); move to the
// next. Once a session answers, copy everything it sends until it closes
// the stream.
func (n *Network) ReceiveFileAttachment(ctx context.Context, sender *peer.Peer, messageNumber uint64, filePath string) error {
	f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return meshnet.Wrap(meshnet.KindTransportError, "network: open destination file for resume", err)
	}
	defer f.Close()

	sessions := sender.Sessions()
	if len(sessions) == 0 {
		return meshnet.New(meshnet.KindPolicyReject, "peer has no live session to request a file over")
	}

	var lastErr error
	for _, s := range sessions {
		if err := ctx.Err(); err != nil {
			return err
		}

		offset, err := f.Seek(0, io.SeekEnd)
		if err != nil {
			return meshnet.Wrap(meshnet.KindTransportError, "network: seek destination file", err)
		}

		ds, err := s.OpenDataStream()
		if err != nil {
			lastErr = err
			continue
		}

		if err := s.SendControl(wire.TypeFileRequest, &wire.FileRequest{
			MessageNumber: messageNumber,
			FileOffset:    uint64(offset),
			DataPort:      ds.Port(),
		}); err != nil {
			ds.Close()
			lastErr = err
			continue
		}

		probe := make([]byte, 1)
		nRead, probeErr := ds.Read(probe)
		if probeErr == io.EOF {
			ds.Close()
			continue
		}
		if probeErr != nil {
			ds.Close()
			lastErr = probeErr
			continue
		}
		if nRead > 0 {
			if _, err := f.Write(probe[:nRead]); err != nil {
				ds.Close()
				return meshnet.Wrap(meshnet.KindTransportError, "network: write probed byte to destination file", err)
			}
		}

		_, copyErr := io.Copy(f, ds)
		ds.Close()
		if copyErr != nil && copyErr != io.EOF {
			lastErr = copyErr
			continue
		}
		return nil
	}

	if lastErr != nil {
		return meshnet.Wrap(meshnet.KindTransportError, "network: exhausted every session requesting file", lastErr)
	}
	return meshnet.New(meshnet.KindTransportError, "network: no session had any of the requested file left to send")
}
