// Package discovery implements §4.5's discovery bridge: masked-identity
// lookup for a Private invitation-pending network, network-id announce
// for everything else, and TCP-relay registration so relays auto-announce
// on the network's behalf.
package discovery

import (
	"context"

	"github.com/extrahash/meshnet/identity"
	"github.com/extrahash/meshnet/internal/logx"
	"github.com/extrahash/meshnet/transport"
)

var log = logx.Get("meshnet/discovery")

// Bridge wraps a transport.ConnectionManager's DHT/relay facade behind the
// two lookup strategies §4.5's peer-search timer chooses between.
type Bridge struct {
	manager transport.ConnectionManager
}

// New constructs a Bridge over the given connection manager.
func New(manager transport.ConnectionManager) *Bridge {
	return &Bridge{manager: manager}
}

// FindByMaskedIdentity runs the invitation-pending lookup path: a DHT
// lookup by the other party's masked user id.
func (b *Bridge) FindByMaskedIdentity(ctx context.Context, target identity.MaskedUserID, lanOnly bool, cb func(transport.PeerDiscovered)) {
	log.Debugf("looking up masked identity %s (lanOnly=%v)", target, lanOnly)
	b.manager.BeginFindPeers(ctx, target, lanOnly, cb)
}

// Announce runs the steady-state path: announce networkId via the DHT and
// register with the TCP-relay client so relays auto-announce for us too.
func (b *Bridge) Announce(ctx context.Context, networkID [32]byte, lanOnly bool, self transport.EndPoint, cb func(transport.PeerDiscovered)) error {
	if err := b.manager.TCPRelayClientRegisterHostedNetwork(networkID); err != nil {
		return err
	}
	b.manager.BeginAnnounce(ctx, networkID, lanOnly, self, cb)
	return nil
}

// Unregister withdraws the relay registration, used on DeleteNetwork or
// GoOffline (§6.3).
func (b *Bridge) Unregister(networkID [32]byte) error {
	return b.manager.TCPRelayClientUnregisterHostedNetwork(networkID)
}
