// Package node implements the Node collaborator from §6.1: the profile,
// long-lived keypair, and global cipher list every network on this device
// shares, plus the node-level networkId collision registry §3 requires
// for atomic sharedSecret rotation.
package node

import (
	"sync"

	"github.com/extrahash/meshnet/identity"
	"github.com/extrahash/meshnet/internal/meshnet"
	"github.com/extrahash/meshnet/transport"
)

// Profile is the node's own display identity, pushed to every new session
// by the self peer (§4.4).
type Profile struct {
	DisplayName     string
	Status          string
	StatusMessage   string
	ModifiedAtUTC   int64
	Image           []byte
	ImageModifiedAt int64
}

// Node is the collaborator providing the local user's identity, keypair,
// supported ciphers, and profile (§6.1). This module depends only on the
// small surface below; a host application supplies the concrete type.
type Node interface {
	LocalUserID() identity.UserID
	PrivateKey() []byte
	SupportedCiphers() []transport.Cipher
	Profile() Profile
	ProfileFolder() string

	// DeleteMeshNetwork tells the node a network is gone, so it can drop
	// any per-network bookkeeping it keeps (§6.3).
	DeleteMeshNetwork(networkID [32]byte)
	// MeshNetworkChanged is the atomic-swap hook for §3's collision rule:
	// oldID is the zero value on first registration.
	MeshNetworkChanged(oldID, newID [32]byte) error
}

// LocalNode is a simple in-memory Node implementation, standing in for a
// host application's real identity store the way the reference transport
// implementations stand in for a real ConnectionManager.
type LocalNode struct {
	userID     identity.UserID
	privateKey []byte
	ciphers    []transport.Cipher

	mu             sync.RWMutex
	profile        Profile
	profileFolder  string
	registry       *Registry
}

// NewLocalNode constructs a Node backed by an in-memory networkId
// registry.
func NewLocalNode(userID identity.UserID, privateKey []byte, ciphers []transport.Cipher, profileFolder string) *LocalNode {
	return &LocalNode{
		userID:        userID,
		privateKey:    privateKey,
		ciphers:       ciphers,
		profileFolder: profileFolder,
		registry:      NewRegistry(),
	}
}

func (n *LocalNode) LocalUserID() identity.UserID          { return n.userID }
func (n *LocalNode) PrivateKey() []byte                    { return n.privateKey }
func (n *LocalNode) SupportedCiphers() []transport.Cipher   { return n.ciphers }
func (n *LocalNode) ProfileFolder() string                  { return n.profileFolder }

func (n *LocalNode) Profile() Profile {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.profile
}

// SetProfile updates the node's own profile (a local UI edit, not a wire
// push — those only ever update a remote Peer's cached copy).
func (n *LocalNode) SetProfile(p Profile) {
	n.mu.Lock()
	n.profile = p
	n.mu.Unlock()
}

func (n *LocalNode) DeleteMeshNetwork(networkID [32]byte) {
	n.registry.Unregister(networkID)
}

func (n *LocalNode) MeshNetworkChanged(oldID, newID [32]byte) error {
	return n.registry.Swap(oldID, newID)
}

// Registry is the node-level networkId collision table from §3: "the
// change is rejected if the resulting networkId collides with another
// live network on the same node (atomic swap via node-level registry)".
type Registry struct {
	mu    sync.Mutex
	taken map[[32]byte]struct{}
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{taken: make(map[[32]byte]struct{})}
}

// Register claims id for a brand-new network (oldID is the zero value, so
// Swap below degrades cleanly to a plain registration).
func (r *Registry) Register(id [32]byte) error {
	return r.Swap([32]byte{}, id)
}

// Unregister frees id, e.g. on DeleteNetwork.
func (r *Registry) Unregister(id [32]byte) {
	r.mu.Lock()
	delete(r.taken, id)
	r.mu.Unlock()
}

// Swap atomically moves a network's claim from oldID to newID, rejecting
// the change (and leaving the registry untouched) if newID is already
// claimed by a different network. oldID may be the zero value for a first
// registration with nothing to release.
func (r *Registry) Swap(oldID, newID [32]byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if oldID != newID {
		if _, busy := r.taken[newID]; busy {
			return meshnet.New(meshnet.KindPolicyReject, "same network id already exists")
		}
	}
	if oldID != [32]byte{} {
		delete(r.taken, oldID)
	}
	r.taken[newID] = struct{}{}
	return nil
}
