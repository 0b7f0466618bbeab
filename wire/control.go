package wire

import (
	"fmt"

	"github.com/vmihailenco/msgpack"
)

// ControlType identifies a control packet's body layout (§6.2). Unlike the
// teacher's string-typed messages ("ping", "pong", "challenge" in
// types.go), the spec fixes these as a single leading byte.
type ControlType uint8

const (
	TypePingRequest ControlType = iota + 1
	TypePingResponse
	TypePeerExchange
	TypeLocalNetworkOnly
	TypeProfile
	TypeProfileDisplayImage
	TypeGroupDisplayImage
	TypeGroupLockNetwork
	TypeMessageTypingNotification
	TypeMessage
	TypeMessageDeliveryNotification
	TypeFileRequest
)

// MessageKind enumerates the message-log entry types carried inside a
// Message control packet (§3).
type MessageKind uint8

const (
	MessageKindText MessageKind = iota
	MessageKindInlineImage
	MessageKindFileAttachment
	MessageKindInfo
)

// PingRequest and PingResponse carry no fields; their presence on the wire
// is the entire payload.
type PingRequest struct{}
type PingResponse struct{}

// PeerExchange advertises the endpoints the sender is currently connected
// to, so the receiver can dial each one with this session as fallbackVia
// (§4.5 "Peer exchange"), and the identities behind those connections, so
// the receiver can compute §4.5's connectivity formula
// (notConnectedWith = peer.connected \ uniquePeerInfoList \ {self}).
type PeerExchange struct {
	PeerEPs []string `msgpack:"peerEPs"`
	PeerIDs []string `msgpack:"peerIDs"`
}

// LocalNetworkOnly propagates a change to the localNetworkOnly option to a
// peer mid-session (exercised by scenario S6).
type LocalNetworkOnly struct {
	Enabled bool `msgpack:"enabled"`
}

// Profile pushes the sender's display profile.
type Profile struct {
	DisplayName   string `msgpack:"displayName"`
	Status        string `msgpack:"status"`
	StatusMessage string `msgpack:"statusMessage"`
	ModifiedAtUTC int64  `msgpack:"modifiedAtUtc"`
}

// ProfileDisplayImage and GroupDisplayImage push avatar bytes.
type ProfileDisplayImage struct {
	Image         []byte `msgpack:"image"`
	ModifiedAtUTC int64  `msgpack:"modifiedAtUtc"`
}

type GroupDisplayImage struct {
	Image         []byte `msgpack:"image"`
	ModifiedAtUTC int64  `msgpack:"modifiedAtUtc"`
}

// GroupLockNetwork propagates the advisory identity-allowlist toggle.
type GroupLockNetwork struct {
	Locked        bool  `msgpack:"locked"`
	ModifiedAtUTC int64 `msgpack:"modifiedAtUtc"`
}

// MessageTypingNotification is a fire-and-forget typing indicator.
type MessageTypingNotification struct {
	IsTyping bool `msgpack:"isTyping"`
}

// Message carries one message-log entry over the wire (§4.6).
type Message struct {
	MessageNumber uint64      `msgpack:"messageNumber"`
	Kind          MessageKind `msgpack:"kind"`
	Payload       []byte      `msgpack:"payload"`
	Thumbnail     []byte      `msgpack:"thumbnail,omitempty"`
	FileName      string      `msgpack:"fileName,omitempty"`
	FileSize      uint64      `msgpack:"fileSize,omitempty"`
	TimestampUTC  int64       `msgpack:"timestampUtc"`
}

// MessageDeliveryNotification acks a specific message number (§4.6).
type MessageDeliveryNotification struct {
	MessageNumber uint64 `msgpack:"messageNumber"`
}

// FileRequest asks the sender of messageNumber to stream its attachment
// starting at fileOffset over the DataStream already opened at dataPort
// (§4.6 file transfer).
type FileRequest struct {
	MessageNumber uint64 `msgpack:"messageNumber"`
	FileOffset    uint64 `msgpack:"fileOffset"`
	DataPort      uint16 `msgpack:"dataPort"`
}

// EncodeControl serializes a control packet body as [type byte][msgpack body].
func EncodeControl(typ ControlType, body interface{}) ([]byte, error) {
	encoded, err := msgpack.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("wire: encode control %v: %w", typ, err)
	}
	out := make([]byte, 1+len(encoded))
	out[0] = byte(typ)
	copy(out[1:], encoded)
	return out, nil
}

// DecodeControl reads the leading type byte from payload and unmarshals
// the remainder into the matching struct, returning the type and a pointer
// to the decoded body (one of the types above) for the caller to switch on.
func DecodeControl(payload []byte) (ControlType, interface{}, error) {
	if len(payload) < 1 {
		return 0, nil, fmt.Errorf("wire: control frame shorter than the type byte")
	}
	typ := ControlType(payload[0])
	body := payload[1:]

	var dst interface{}
	switch typ {
	case TypePingRequest:
		dst = &PingRequest{}
	case TypePingResponse:
		dst = &PingResponse{}
	case TypePeerExchange:
		dst = &PeerExchange{}
	case TypeLocalNetworkOnly:
		dst = &LocalNetworkOnly{}
	case TypeProfile:
		dst = &Profile{}
	case TypeProfileDisplayImage:
		dst = &ProfileDisplayImage{}
	case TypeGroupDisplayImage:
		dst = &GroupDisplayImage{}
	case TypeGroupLockNetwork:
		dst = &GroupLockNetwork{}
	case TypeMessageTypingNotification:
		dst = &MessageTypingNotification{}
	case TypeMessage:
		dst = &Message{}
	case TypeMessageDeliveryNotification:
		dst = &MessageDeliveryNotification{}
	case TypeFileRequest:
		dst = &FileRequest{}
	default:
		return typ, nil, fmt.Errorf("wire: unknown control type %d", typ)
	}

	if len(body) > 0 {
		if err := msgpack.Unmarshal(body, dst); err != nil {
			return typ, nil, fmt.Errorf("wire: decode control %v: %w", typ, err)
		}
	}
	return typ, dst, nil
}
