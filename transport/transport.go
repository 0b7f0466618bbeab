// Package transport declares the external collaborators §6.1 places out of
// this module's scope — ConnectionManager, Connection, and SecureChannel —
// as plain Go interfaces, and supplies one reference implementation of
// each (websocket-based Connection/ConnectionManager, Noise-based
// SecureChannel) so the rest of the fabric can be exercised end-to-end in
// tests without a host application's real stack. A host application is
// free to supply its own implementations; network/session/stream only
// depend on the interfaces in this file.
package transport

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/extrahash/meshnet/identity"
)

// EndPoint is a dialable network address, printed as "host:port" the same
// way the teacher's Peer.toString formats one.
type EndPoint struct {
	Host string
	Port int
}

func (e EndPoint) String() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// IsZero reports whether e was never set.
func (e EndPoint) IsZero() bool { return e.Host == "" && e.Port == 0 }

// Connection is one transport-level link, direct or virtual (§6.1).
type Connection interface {
	// RemotePeerEP is the address this connection actually talks to.
	RemotePeerEP() EndPoint
	// ViaRemotePeerEP is non-nil when this is a virtual connection
	// tunnelled through another peer's existing connection.
	ViaRemotePeerEP() *EndPoint
	IsVirtualConnection() bool
	// ChannelExists reports whether a mesh network channel for networkID
	// is already multiplexed over this connection.
	ChannelExists(networkID [32]byte) bool
	// ConnectMeshNetwork opens (or returns the existing) byte stream
	// carrying networkID's secure channel traffic.
	ConnectMeshNetwork(ctx context.Context, networkID [32]byte) (io.ReadWriteCloser, error)
	Close() error
}

// PeerDiscovered is delivered by the DHT facade's callbacks.
type PeerDiscovered struct {
	Endpoints []EndPoint
}

// ConnectionManager is the collaborator that mints connections and exposes
// the DHT/relay facade (§6.1).
type ConnectionManager interface {
	MakeConnection(ctx context.Context, ep EndPoint) (Connection, error)
	MakeVirtualConnection(ctx context.Context, via Connection, ep EndPoint) (Connection, error)
	LocalPort() int

	TCPRelayClientRegisterHostedNetwork(networkID [32]byte) error
	TCPRelayClientUnregisterHostedNetwork(networkID [32]byte) error

	// BeginFindPeers looks a masked peer id up via the DHT, invoking cb
	// with every endpoint discovered. lanOnly restricts the lookup to the
	// local network when set.
	BeginFindPeers(ctx context.Context, target identity.MaskedUserID, lanOnly bool, cb func(PeerDiscovered))
	// BeginAnnounce announces networkID via the DHT so other members can
	// find us, invoking cb with any endpoints the announce itself returns
	// (e.g. rendezvous peers).
	BeginAnnounce(ctx context.Context, networkID [32]byte, lanOnly bool, self EndPoint, cb func(PeerDiscovered))
}

// Cipher names a negotiated cipher suite, sourced from the Node's
// supported-cipher list (§6.1).
type Cipher string

// SecureChannel is one mutually authenticated, encrypted byte stream
// (§6.1). The handshake that produces one is explicitly out of scope for
// this module's core semantics; only this surface is depended on.
type SecureChannel interface {
	io.ReadWriteCloser
	RemotePeerUserID() identity.UserID
	SelectedCipher() Cipher
	BytesSent() uint64
	HandshakeAge() time.Duration
	// Renegotiate forces a new handshake over the existing raw
	// connection, per the thresholds in §4.3.
	Renegotiate(ctx context.Context) error
}

// HandshakeOptions configures a SecureChannel handshake (§4.5 "Secure
// handshake selection").
type HandshakeOptions struct {
	RequirePSK        bool
	RequireClientAuth bool
	PSK               []byte
	// TrustedIdentities restricts which remote identities may complete
	// the handshake; empty means unrestricted.
	TrustedIdentities []identity.UserID
	Ciphers           []Cipher

	RenegotiateAfterBytes    uint64
	RenegotiateAfterDuration time.Duration
}

// Allows reports whether id is acceptable under opts' trusted-identity
// gate.
func (o HandshakeOptions) Allows(id identity.UserID) bool {
	if len(o.TrustedIdentities) == 0 {
		return true
	}
	for _, t := range o.TrustedIdentities {
		if t == id {
			return true
		}
	}
	return false
}

// Handshaker performs the client and server sides of a SecureChannel
// handshake over an already-established raw connection.
type Handshaker interface {
	ClientHandshake(ctx context.Context, raw io.ReadWriteCloser, opts HandshakeOptions, localUserID identity.UserID) (SecureChannel, error)
	ServerHandshake(ctx context.Context, raw io.ReadWriteCloser, opts HandshakeOptions, localUserID identity.UserID) (SecureChannel, error)
}
