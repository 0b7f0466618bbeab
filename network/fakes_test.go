package network

import (
	"context"
	"sync"

	"github.com/extrahash/meshnet/identity"
	"github.com/extrahash/meshnet/message"
	"github.com/extrahash/meshnet/node"
	"github.com/extrahash/meshnet/peer"
	"github.com/extrahash/meshnet/transport"
)

// fakeStore is an in-memory message.Store for tests that don't need real
// persistence, mirroring the shape of message.SQLiteStore without the
// gorm/secretbox machinery.
type fakeStore struct {
	mu    sync.Mutex
	items []*message.Item
}

func newFakeStore() *fakeStore { return &fakeStore{} }

func (s *fakeStore) Append(it *message.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *it
	s.items = append(s.items, &cp)
	return nil
}

func (s *fakeStore) Get(number uint64) (*message.Item, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range s.items {
		if it.Number == number {
			cp := *it
			return &cp, true, nil
		}
	}
	return nil, false, nil
}

func (s *fakeStore) Count() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint64(len(s.items)), nil
}

func (s *fakeStore) WithLock(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn()
}

func (s *fakeStore) Rewrite(it *message.Item) error {
	for i, existing := range s.items {
		if existing.Number == it.Number {
			cp := *it
			s.items[i] = &cp
			return nil
		}
	}
	return nil
}

func (s *fakeStore) Close() error { return nil }

// fakeNode is a minimal node.Node for tests.
type fakeNode struct {
	userID  identity.UserID
	profile node.Profile
}

func (n *fakeNode) LocalUserID() identity.UserID              { return n.userID }
func (n *fakeNode) PrivateKey() []byte                        { return nil }
func (n *fakeNode) SupportedCiphers() []transport.Cipher      { return []transport.Cipher{"ChaCha20Poly1305"} }
func (n *fakeNode) Profile() node.Profile                     { return n.profile }
func (n *fakeNode) ProfileFolder() string                     { return "" }
func (n *fakeNode) DeleteMeshNetwork(networkID [32]byte)      {}
func (n *fakeNode) MeshNetworkChanged(oldID, newID [32]byte) error {
	return nil
}

// fakeConnMgr is a no-op transport.ConnectionManager; tests that exercise
// it only check the policy/registry paths that don't actually dial.
type fakeConnMgr struct{}

func (fakeConnMgr) MakeConnection(ctx context.Context, ep transport.EndPoint) (transport.Connection, error) {
	return nil, context.DeadlineExceeded
}
func (fakeConnMgr) MakeVirtualConnection(ctx context.Context, via transport.Connection, ep transport.EndPoint) (transport.Connection, error) {
	return nil, context.DeadlineExceeded
}
func (fakeConnMgr) LocalPort() int { return 4000 }
func (fakeConnMgr) TCPRelayClientRegisterHostedNetwork(networkID [32]byte) error   { return nil }
func (fakeConnMgr) TCPRelayClientUnregisterHostedNetwork(networkID [32]byte) error { return nil }
func (fakeConnMgr) BeginFindPeers(ctx context.Context, target identity.MaskedUserID, lanOnly bool, cb func(transport.PeerDiscovered)) {
}
func (fakeConnMgr) BeginAnnounce(ctx context.Context, networkID [32]byte, lanOnly bool, self transport.EndPoint, cb func(transport.PeerDiscovered)) {
}

func newTestNetwork(t interface{ Fatalf(string, ...interface{}) }, local, other identity.UserID) (*Network, *fakeStore) {
	store := newFakeStore()
	net, err := New(Config{
		Node:              &fakeNode{userID: local},
		Registry:          node.NewRegistry(),
		Kind:              peer.KindPrivate,
		OtherUserID:       other,
		SharedSecret:      "correct horse battery staple",
		ConnectionManager: fakeConnMgr{},
		Store:             store,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return net, store
}
