package network

import (
	"fmt"

	"github.com/vmihailenco/msgpack"

	"github.com/extrahash/meshnet/identity"
	"github.com/extrahash/meshnet/internal/meshnet"
	"github.com/extrahash/meshnet/peer"
	"github.com/extrahash/meshnet/transport"
)

// snapshotVersion is the only version this build writes or accepts (§4.7).
// A reader seeing anything else rejects it with a clean ParseError rather
// than guessing at a layout.
const snapshotVersion byte = 1

// MeshNetworkPeerInfo is one entry of a serialized network's known-peer
// list: enough to reconstruct a Peer bucket without redialing from scratch.
type MeshNetworkPeerInfo struct {
	UserID      identity.UserID      `msgpack:"userId"`
	DisplayName string               `msgpack:"displayName"`
	Endpoints   []transport.EndPoint `msgpack:"endpoints"`
}

// Snapshot is the decoded form of a Serialize() byte string, carrying
// every field §3's data model lists for a network plus its known-peer
// list, in the order §3 lists them.
type Snapshot struct {
	Kind          peer.NetworkKind `msgpack:"kind"`
	LocalUserID   identity.UserID  `msgpack:"localUserId"`
	GroupName     string           `msgpack:"groupName,omitempty"`
	SharedSecret  string           `msgpack:"sharedSecret"`
	Status        Status           `msgpack:"status"`
	NetworkID     [32]byte         `msgpack:"networkId"`
	NetworkSecret [32]byte         `msgpack:"networkSecret"`

	MessageStoreID  string `msgpack:"messageStoreId"`
	MessageStoreKey []byte `msgpack:"messageStoreKey"`

	LocalNetworkOnlyModifiedAt int64 `msgpack:"localNetworkOnlyModifiedAt"`
	LocalNetworkOnly           bool  `msgpack:"localNetworkOnly"`

	GroupImageModifiedAt int64  `msgpack:"groupImageModifiedAt"`
	GroupImage           []byte `msgpack:"groupImage,omitempty"`

	GroupLockedAt int64 `msgpack:"groupLockedAt"`
	GroupLocked   bool  `msgpack:"groupLocked"`

	Mute bool `msgpack:"mute"`

	// Peers holds exactly one record for Private (the other party) and,
	// for Group, a list excluding the self peer.
	Peers []MeshNetworkPeerInfo `msgpack:"peers"`
}

// Serialize writes this network's current state as a versioned binary
// snapshot (§4.7): a leading version byte, then the fields of §3's data
// model. The body is msgpack-encoded, matching every other structured
// message on this fabric's wire (§6.2) — only the fixed frame header
// reaches for raw encoding/binary.
func (n *Network) Serialize() ([]byte, error) {
	n.mu.Lock()
	snap := Snapshot{
		SharedSecret:  n.sharedSecret,
		Status:        n.status,
		NetworkID:     n.networkID,
		NetworkSecret: n.networkSecret,
	}
	n.mu.Unlock()

	snap.Kind = n.kind
	snap.LocalUserID = n.node.LocalUserID()
	snap.GroupName = n.groupName
	snap.MessageStoreID = n.storeID
	snap.MessageStoreKey = append([]byte(nil), n.storeKey[:]...)

	opts := n.Options()
	snap.LocalNetworkOnlyModifiedAt = opts.LocalNetworkOnlyModifiedAt
	snap.LocalNetworkOnly = opts.LocalNetworkOnly
	snap.GroupImageModifiedAt = opts.GroupImageModifiedAt
	snap.GroupImage = opts.GroupImage
	snap.GroupLockedAt = opts.GroupLockModifiedAt
	snap.GroupLocked = opts.GroupLockNetwork
	snap.Mute = opts.Mute
	snap.Peers = n.snapshotPeers()

	encoded, err := msgpack.Marshal(&snap)
	if err != nil {
		return nil, meshnet.Wrap(meshnet.KindParseError, "network: encode snapshot", err)
	}
	out := make([]byte, 1+len(encoded))
	out[0] = snapshotVersion
	copy(out[1:], encoded)
	return out, nil
}

// snapshotPeers builds the known-peer list §3 describes: for Private
// exactly one record (the other party), for Group every peer but self.
func (n *Network) snapshotPeers() []MeshNetworkPeerInfo {
	if n.kind == peer.KindPrivate {
		p := n.lookupPeer(n.otherUserID)
		if p == nil {
			return nil
		}
		return []MeshNetworkPeerInfo{peerInfo(p)}
	}

	var out []MeshNetworkPeerInfo
	for _, p := range n.allPeers() {
		if p.IsSelfPeer() {
			continue
		}
		out = append(out, peerInfo(p))
	}
	return out
}

func peerInfo(p *peer.Peer) MeshNetworkPeerInfo {
	profile := p.Profile()
	var endpoints []transport.EndPoint
	for _, s := range p.Sessions() {
		endpoints = append(endpoints, s.Connection().RemotePeerEP())
	}
	return MeshNetworkPeerInfo{
		UserID:      p.UserID(),
		DisplayName: profile.DisplayName,
		Endpoints:   endpoints,
	}
}

// Deserialize parses a Serialize() snapshot, rejecting any version other
// than the one this build writes with a clean ParseError (§4.7, §7).
func Deserialize(data []byte) (*Snapshot, error) {
	if len(data) < 1 {
		return nil, meshnet.New(meshnet.KindParseError, "network: empty snapshot")
	}
	if data[0] != snapshotVersion {
		return nil, meshnet.New(meshnet.KindParseError, fmt.Sprintf("network: unrecognised snapshot version %d", data[0]))
	}
	var snap Snapshot
	if err := msgpack.Unmarshal(data[1:], &snap); err != nil {
		return nil, meshnet.Wrap(meshnet.KindParseError, "network: decode snapshot", err)
	}
	return &snap, nil
}
