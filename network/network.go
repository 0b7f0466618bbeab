// Package network implements §4.5: per-network orchestration — status
// machine, discovery/ping timers, the dialer, secure-handshake selection,
// join classification, peer exchange, and connectivity-status
// recomputation. It is the component that ties identity, kdf, stream,
// session, peer, message, discovery, node and transport together into one
// running mesh network.
package network

import (
	"context"
	"encoding/hex"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"github.com/extrahash/meshnet/discovery"
	"github.com/extrahash/meshnet/events"
	"github.com/extrahash/meshnet/identity"
	"github.com/extrahash/meshnet/internal/logx"
	"github.com/extrahash/meshnet/internal/meshnet"
	"github.com/extrahash/meshnet/kdf"
	"github.com/extrahash/meshnet/message"
	"github.com/extrahash/meshnet/node"
	"github.com/extrahash/meshnet/peer"
	"github.com/extrahash/meshnet/session"
	"github.com/extrahash/meshnet/transport"
	"github.com/extrahash/meshnet/wire"
)

var log = logx.Get("meshnet/network")

// Status is the network's Offline/Online state (§4.5).
type Status int

const (
	Offline Status = iota
	Online
)

func (s Status) String() string {
	if s == Online {
		return "Online"
	}
	return "Offline"
}

// peerSearchInitialDelay/Interval and pingInterval are the timer
// parameters from §4.5/§5: peer search at (1s, 60s), ping at (∞, 15s).
const (
	peerSearchInitialDelay = 1 * time.Second
	peerSearchInterval     = 60 * time.Second
	pingInterval           = 15 * time.Second

	maxConcurrentDials = 8
)

// Config constructs a Network. GroupName is used only for Kind ==
// peer.KindGroup; OtherUserID only for peer.KindPrivate.
type Config struct {
	Node        node.Node
	Registry    *node.Registry
	Kind        peer.NetworkKind
	GroupName   string
	OtherUserID identity.UserID

	SharedSecret string

	ConnectionManager transport.ConnectionManager
	Handshaker        transport.Handshaker
	Store             message.Store
	Bus               *events.Bus
	Clock             clock.Clock

	// MessageStoreID and MessageStoreKey identify and unseal the persisted
	// log backing Store (§6.3); they are carried on Network purely for
	// Serialize (§4.7) to round-trip, since Network itself never opens or
	// closes the store by id. If MessageStoreID is empty it defaults to the
	// hex of the derived networkId; if MessageStoreKey is the zero value it
	// defaults to the derived networkSecret.
	MessageStoreID  string
	MessageStoreKey [32]byte
}

// Network is one running mesh network (§2, §3).
type Network struct {
	node       node.Node
	registry   *node.Registry
	kind       peer.NetworkKind
	groupName  string
	otherUserID identity.UserID

	connMgr    transport.ConnectionManager
	handshaker transport.Handshaker
	store      message.Store
	bus        *events.Bus
	clock      clock.Clock
	discoveryBridge *discovery.Bridge

	mu                sync.Mutex
	sharedSecret      string
	networkID         [32]byte
	networkSecret     [32]byte
	status            Status
	stopTimers        chan struct{}
	peerSearchDone    chan struct{}
	peerSearchStopped bool

	optsMu sync.Mutex
	opts   Options

	peersMu sync.RWMutex
	peers   map[identity.UserID]*peer.Peer
	self    *peer.Peer

	dialSem chan struct{}

	sendMu sync.Mutex

	storeID  string
	storeKey [32]byte
}

// Options are the persisted per-network settings from §3's serialized
// state.
type Options struct {
	LocalNetworkOnly           bool
	LocalNetworkOnlyModifiedAt int64
	GroupImage                 []byte
	GroupImageModifiedAt       int64
	GroupLockNetwork           bool
	GroupLockModifiedAt        int64
	Mute                       bool
}

// New constructs an initially Offline network and registers its networkId
// with the node-level collision registry (§3).
func New(cfg Config) (*Network, error) {
	n := &Network{
		node:            cfg.Node,
		registry:        cfg.Registry,
		kind:            cfg.Kind,
		groupName:       cfg.GroupName,
		otherUserID:     cfg.OtherUserID,
		connMgr:         cfg.ConnectionManager,
		handshaker:      cfg.Handshaker,
		store:           cfg.Store,
		bus:             cfg.Bus,
		clock:           cfg.Clock,
		discoveryBridge: discovery.New(cfg.ConnectionManager),
		sharedSecret:    cfg.SharedSecret,
		peers:           make(map[identity.UserID]*peer.Peer),
		dialSem:         make(chan struct{}, maxConcurrentDials),
	}
	if n.clock == nil {
		n.clock = clock.New()
	}

	n.networkID, n.networkSecret = n.deriveIDs(cfg.SharedSecret)
	if err := n.registry.Register(n.networkID); err != nil {
		return nil, err
	}

	n.storeID = cfg.MessageStoreID
	if n.storeID == "" {
		n.storeID = hex.EncodeToString(n.networkID[:])
	}
	n.storeKey = cfg.MessageStoreKey
	if n.storeKey == ([32]byte{}) {
		n.storeKey = n.networkSecret
	}

	n.self = peer.New(cfg.Node.LocalUserID(), true, n)
	n.self.SetProfile(profileFromNode(cfg.Node.Profile()))
	n.peers[cfg.Node.LocalUserID()] = n.self

	if cfg.Kind == peer.KindPrivate {
		other := peer.New(cfg.OtherUserID, false, n)
		n.peers[cfg.OtherUserID] = other
	}

	return n, nil
}

func profileFromNode(p node.Profile) peer.Profile {
	return peer.Profile{
		DisplayName:     p.DisplayName,
		Status:          p.Status,
		StatusMessage:   p.StatusMessage,
		ModifiedAtUTC:   p.ModifiedAtUTC,
		Image:           p.Image,
		ImageModifiedAt: p.ImageModifiedAt,
	}
}

func (n *Network) deriveIDs(sharedSecret string) ([32]byte, [32]byte) {
	var salt []byte
	if n.kind == peer.KindPrivate {
		salt = kdf.PrivateSalt(n.node.LocalUserID(), n.otherUserID)
	} else {
		salt = kdf.GroupSalt(n.groupName)
	}
	return kdf.NetworkID(sharedSecret, salt), kdf.NetworkSecret(sharedSecret, salt)
}

// NetworkID returns the network's current id.
func (n *Network) NetworkID() [32]byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.networkID
}

// NetworkSecret returns the network's current PSK.
func (n *Network) NetworkSecret() [32]byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.networkSecret
}

// Status reports the current Offline/Online state.
func (n *Network) Status() Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.status
}

// Kind reports whether this is a Private or Group network.
func (n *Network) Kind() peer.NetworkKind { return n.kind }

// SelfPeer returns the local user's own peer bucket.
func (n *Network) SelfPeer() *peer.Peer { return n.self }

// Options returns a copy of the current persisted options.
func (n *Network) Options() Options {
	n.optsMu.Lock()
	defer n.optsMu.Unlock()
	return n.opts
}

// SetLocalNetworkOnly updates the LAN-only policy and propagates it to
// every connected peer as a LocalNetworkOnly control packet (S6).
func (n *Network) SetLocalNetworkOnly(enabled bool, modifiedAtUTC int64) {
	n.optsMu.Lock()
	n.opts.LocalNetworkOnly = enabled
	n.opts.LocalNetworkOnlyModifiedAt = modifiedAtUTC
	n.optsMu.Unlock()

	for _, p := range n.allPeers() {
		p.Broadcast(wire.TypeLocalNetworkOnly, &wire.LocalNetworkOnly{Enabled: enabled})
	}
}

// ChangeSharedSecret recomputes networkId/networkSecret and atomically
// swaps the node-level registry claim; rejects on collision with another
// live network, leaving all state unchanged (S2).
func (n *Network) ChangeSharedSecret(newSecret string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	newID, newSecretKey := n.deriveIDs(newSecret)
	if err := n.registry.Swap(n.networkID, newID); err != nil {
		return err
	}
	n.sharedSecret = newSecret
	n.networkID = newID
	n.networkSecret = newSecretKey
	n.node.MeshNetworkChanged(n.networkID, newID)
	return nil
}

// GoOnline starts the peer-search and ping timers (§4.5).
func (n *Network) GoOnline() {
	n.mu.Lock()
	if n.status == Online {
		n.mu.Unlock()
		return
	}
	n.status = Online
	stop := make(chan struct{})
	n.stopTimers = stop
	n.peerSearchDone = make(chan struct{})
	n.peerSearchStopped = false
	done := n.peerSearchDone
	n.mu.Unlock()

	go n.peerSearchLoop(stop, done)
	go n.pingLoop(stop)
}

// GoOffline stops both timers and disconnects every peer (§4.5).
func (n *Network) GoOffline() {
	n.mu.Lock()
	if n.status == Offline {
		n.mu.Unlock()
		return
	}
	n.status = Offline
	close(n.stopTimers)
	n.mu.Unlock()

	for _, p := range n.allPeers() {
		p.Disconnect()
	}
	if err := n.discoveryBridge.Unregister(n.NetworkID()); err != nil {
		log.Warningf("failed to unregister relay on GoOffline: %v", err)
	}
}

// Dispose tears the network down permanently: GoOffline, release the
// networkId claim, close the message store, and notify the node (§6.3).
func (n *Network) Dispose() {
	n.GoOffline()
	id := n.NetworkID()
	n.registry.Unregister(id)
	if err := n.store.Close(); err != nil {
		log.Warningf("failed to close message store: %v", err)
	}
	n.node.DeleteMeshNetwork(id)
}

// peerSearchLoop implements §4.5's peer-search timer. For a Private
// network it stops for good once the other party is connected: done is
// closed by stopPeerSearchIfConnected as soon as join() sees that happen,
// and the loop also re-checks after every tick in case the peer came
// online between runPeerSearch and the next Reset.
func (n *Network) peerSearchLoop(stop <-chan struct{}, done <-chan struct{}) {
	timer := n.clock.Timer(peerSearchInitialDelay)
	defer timer.Stop()
	for {
		select {
		case <-stop:
			return
		case <-done:
			return
		case <-timer.C:
			if n.Status() != Online {
				return
			}
			n.runPeerSearch()
			if n.privatePeerConnected() {
				return
			}
			timer.Reset(peerSearchInterval)
		}
	}
}

// privatePeerConnected reports whether this is a Private network whose
// other party is already connected and no longer invitation-pending —
// the condition under which §4.5 says the peer-search timer stops.
func (n *Network) privatePeerConnected() bool {
	if n.kind != peer.KindPrivate {
		return false
	}
	if n.InvitationPending() {
		return false
	}
	p := n.lookupPeer(n.otherUserID)
	return p != nil && p.IsOnline()
}

// stopPeerSearchIfConnected signals peerSearchLoop to stop early, called
// from join() right after a Private network's session comes up so the
// timer does not wait for its next tick to notice.
func (n *Network) stopPeerSearchIfConnected() {
	if !n.privatePeerConnected() {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.peerSearchStopped || n.peerSearchDone == nil {
		return
	}
	n.peerSearchStopped = true
	close(n.peerSearchDone)
}

func (n *Network) pingLoop(stop <-chan struct{}) {
	ticker := n.clock.Ticker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if n.Status() != Online {
				return
			}
			for _, p := range n.allPeers() {
				p.Broadcast(wire.TypePingRequest, &wire.PingRequest{})
			}
		}
	}
}

// runPeerSearch implements §4.5's peer-search tick: invitation-pending
// Private networks do a masked-identity DHT lookup, everything else
// announces the networkId and registers with the relay.
func (n *Network) runPeerSearch() {
	ctx := context.Background()
	lanOnly := n.Options().LocalNetworkOnly

	if n.kind == peer.KindPrivate {
		if n.InvitationPending() {
			target := n.otherUserID.Mask()
			n.discoveryBridge.FindByMaskedIdentity(ctx, target, lanOnly, func(pd transport.PeerDiscovered) {
				for _, ep := range pd.Endpoints {
					n.dialAsync(ctx, ep, nil)
				}
			})
			return
		}
		if p := n.lookupPeer(n.otherUserID); p != nil && p.IsOnline() {
			// Already connected to the only peer this network will ever
			// have; nothing left to search or announce for.
			return
		}
	}

	if err := n.discoveryBridge.Announce(ctx, n.NetworkID(), lanOnly, transport.EndPoint{Port: n.connMgr.LocalPort()}, func(pd transport.PeerDiscovered) {
		for _, ep := range pd.Endpoints {
			n.dialAsync(ctx, ep, nil)
		}
	}); err != nil {
		log.Warningf("announce failed: %v", err)
	}
}

func (n *Network) dialAsync(ctx context.Context, ep transport.EndPoint, fallbackVia transport.Connection) {
	go func() {
		if err := n.BeginMakeConnection(ctx, ep, fallbackVia); err != nil {
			log.Debugf("dial to %s failed: %v", ep, err)
		}
	}()
}

// InvitationPending implements §4.5's detection rule: the log has exactly
// one entry, authored locally, a TextMessage, not yet delivered.
func (n *Network) InvitationPending() bool {
	count, err := n.store.Count()
	if err != nil || count != 1 {
		return false
	}
	it, ok, err := n.store.Get(0)
	if err != nil || !ok {
		return false
	}
	if it.Kind != message.KindText || it.Sender != n.node.LocalUserID() {
		return false
	}
	return !it.AllDelivered()
}

// BeginMakeConnection implements §4.5's dialer: policy checks, a worker
// from a bounded pool, and one virtual-connection fallback via
// fallbackVia.
func (n *Network) BeginMakeConnection(ctx context.Context, peerEP transport.EndPoint, fallbackVia transport.Connection) error {
	if n.Status() != Online {
		return meshnet.New(meshnet.KindPolicyReject, "network is offline")
	}
	if n.Options().LocalNetworkOnly && !transport.IsPrivateEndpoint(peerEP) {
		return meshnet.New(meshnet.KindPolicyReject, "localNetworkOnly forbids dialing a public endpoint")
	}

	select {
	case n.dialSem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-n.dialSem }()

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return n.dialOnce(gctx, peerEP, fallbackVia)
	})
	return group.Wait()
}

func (n *Network) dialOnce(ctx context.Context, peerEP transport.EndPoint, fallbackVia transport.Connection) error {
	conn, err := n.connMgr.MakeConnection(ctx, peerEP)
	if err == nil {
		joinErr := n.connectAndJoin(ctx, conn, session.RoleClient)
		if joinErr == nil {
			return nil
		}
		err = joinErr
	}

	if fallbackVia == nil || fallbackVia.IsVirtualConnection() {
		return err
	}
	viaConn, viaErr := n.connMgr.MakeVirtualConnection(ctx, fallbackVia, peerEP)
	if viaErr != nil {
		return viaErr
	}
	return n.connectAndJoin(ctx, viaConn, session.RoleClient)
}

func (n *Network) connectAndJoin(ctx context.Context, conn transport.Connection, role session.Role) error {
	raw, err := conn.ConnectMeshNetwork(ctx, n.NetworkID())
	if err != nil {
		return err
	}
	opts := n.clientHandshakeOptions()
	ch, err := n.handshaker.ClientHandshake(ctx, raw, opts, n.node.LocalUserID())
	if err != nil {
		_ = raw.Close()
		return err
	}
	_, err = n.join(ch, conn, role)
	return err
}

// AcceptInbound is the server-side counterpart to connectAndJoin, used
// when this Network's owner already routed an inbound raw stream to it
// (i.e. the remote side named a known networkId, so this is not the
// invitation-acceptance path in acceptinvite.go).
func (n *Network) AcceptInbound(ctx context.Context, raw io.ReadWriteCloser, conn transport.Connection) (*peer.Peer, error) {
	opts := n.serverHandshakeOptions()
	ch, err := n.handshaker.ServerHandshake(ctx, raw, opts, n.node.LocalUserID())
	if err != nil {
		_ = raw.Close()
		return nil, err
	}
	return n.join(ch, conn, session.RoleServer)
}

// clientHandshakeOptions implements §4.5's client-role selection table.
func (n *Network) clientHandshakeOptions() transport.HandshakeOptions {
	common := transport.HandshakeOptions{
		RequirePSK:               true,
		RequireClientAuth:        true,
		Ciphers:                  n.node.SupportedCiphers(),
		RenegotiateAfterBytes:    session.RenegotiateAfterBytes,
		RenegotiateAfterDuration: session.RenegotiateAfterAge,
	}
	if n.kind == peer.KindPrivate {
		if n.InvitationPending() {
			common.PSK = n.otherUserID.Bytes()
			common.TrustedIdentities = []identity.UserID{n.otherUserID}
			return common
		}
		secret := n.NetworkSecret()
		common.PSK = secret[:]
		common.TrustedIdentities = []identity.UserID{n.otherUserID}
		return common
	}
	secret := n.NetworkSecret()
	common.PSK = secret[:]
	if n.Options().GroupLockNetwork {
		common.TrustedIdentities = n.knownIdentities()
	}
	return common
}

// serverHandshakeOptions implements §4.5's server-role selection table.
func (n *Network) serverHandshakeOptions() transport.HandshakeOptions {
	common := transport.HandshakeOptions{
		RequirePSK:               true,
		RequireClientAuth:        true,
		Ciphers:                  n.node.SupportedCiphers(),
		RenegotiateAfterBytes:    session.RenegotiateAfterBytes,
		RenegotiateAfterDuration: session.RenegotiateAfterAge,
	}
	secret := n.NetworkSecret()
	common.PSK = secret[:]
	if n.kind == peer.KindPrivate {
		common.TrustedIdentities = []identity.UserID{n.otherUserID}
	} else if n.Options().GroupLockNetwork {
		common.TrustedIdentities = n.knownIdentities()
	}
	return common
}

func (n *Network) knownIdentities() []identity.UserID {
	n.peersMu.RLock()
	defer n.peersMu.RUnlock()
	out := make([]identity.UserID, 0, len(n.peers))
	for id := range n.peers {
		out = append(out, id)
	}
	return out
}

// currentGroupImage wraps the persisted group image as the wire push
// AddSession sends to a freshly joined session, or nil for Private
// networks and Group networks that haven't set one yet (§4.4).
func (n *Network) currentGroupImage() *wire.GroupDisplayImage {
	if n.kind != peer.KindGroup {
		return nil
	}
	opts := n.Options()
	if len(opts.GroupImage) == 0 {
		return nil
	}
	return &wire.GroupDisplayImage{Image: opts.GroupImage, ModifiedAtUTC: opts.GroupImageModifiedAt}
}

// join implements §4.5's "Join (post-handshake)" classification, adds the
// session to the matched peer, and triggers peer exchange.
func (n *Network) join(ch transport.SecureChannel, conn transport.Connection, role session.Role) (*peer.Peer, error) {
	remote := ch.RemotePeerUserID()

	var p *peer.Peer
	if n.kind == peer.KindPrivate {
		switch remote {
		case n.otherUserID:
			p = n.lookupPeer(n.otherUserID)
		case n.node.LocalUserID():
			p = n.self
		default:
			_ = ch.Close()
			return nil, meshnet.New(meshnet.KindInvariantViolation, "unexpected remote identity on Private join")
		}
	} else {
		p = n.getOrCreatePeer(remote)
	}

	sess := session.New(ch, conn, role, peer.NewSessionSink(p, n.kind))
	p.AddSession(sess, n.kind, n.currentGroupImage(), n.reSendUndeliveredMessages)

	n.broadcastPeerExchange()
	n.recomputeConnectivity()
	n.stopPeerSearchIfConnected()
	return p, nil
}

func (n *Network) lookupPeer(id identity.UserID) *peer.Peer {
	n.peersMu.RLock()
	defer n.peersMu.RUnlock()
	return n.peers[id]
}

func (n *Network) getOrCreatePeer(id identity.UserID) *peer.Peer {
	n.peersMu.Lock()
	p, ok := n.peers[id]
	if !ok {
		p = peer.New(id, false, n)
		n.peers[id] = p
	}
	n.peersMu.Unlock()
	if !ok {
		n.emit(events.Event{Type: events.PeerAdded, PeerUserID: id})
	}
	return p
}

func (n *Network) allPeers() []*peer.Peer {
	n.peersMu.RLock()
	defer n.peersMu.RUnlock()
	out := make([]*peer.Peer, 0, len(n.peers))
	for _, p := range n.peers {
		out = append(out, p)
	}
	return out
}

// broadcastPeerExchange implements §4.5's "after every add/remove, each
// peer broadcasts its currently-connected peer list".
func (n *Network) broadcastPeerExchange() {
	var eps []string
	var ids []string
	for _, p := range n.allPeers() {
		if !p.IsOnline() {
			continue
		}
		ids = append(ids, p.UserID().String())
		for _, s := range p.Sessions() {
			eps = append(eps, s.Connection().RemotePeerEP().String())
		}
	}
	pe := &wire.PeerExchange{PeerEPs: eps, PeerIDs: ids}
	for _, p := range n.allPeers() {
		p.Broadcast(wire.TypePeerExchange, pe)
	}
}

// recomputeConnectivity implements §4.5's connectivity status formula.
// uniquePeerInfoList is the set of peers this network instance itself is
// directly (session-)connected to; for each online peer p, notConnectedWith
// is whichever of those peers p's own latest PeerExchange did not claim as
// one of its connections. Comparing p against a union that already
// includes p's own report (rather than our independently-known peer set)
// would make the check tautological — every peer's own contribution is
// trivially "in" a union it fed — so uniquePeerInfoList is built from our
// peer table, not from folding every ConnectedWith() together.
func (n *Network) recomputeConnectivity() {
	if n.Status() != Online {
		for _, p := range n.allPeers() {
			p.SetConnectivityStatus(peer.NoNetwork)
		}
		return
	}

	uniquePeerInfoList := make(map[identity.UserID]struct{})
	for _, p := range n.allPeers() {
		if p.IsOnline() {
			uniquePeerInfoList[p.UserID()] = struct{}{}
		}
	}

	for _, p := range n.allPeers() {
		if !p.IsOnline() {
			p.SetConnectivityStatus(peer.NoNetwork)
			continue
		}
		reported := make(map[identity.UserID]struct{})
		for _, id := range p.ConnectedWith() {
			reported[id] = struct{}{}
		}
		notConnected := 0
		for id := range uniquePeerInfoList {
			if id == p.UserID() || id == n.node.LocalUserID() {
				continue
			}
			if _, ok := reported[id]; !ok {
				notConnected++
			}
		}
		if notConnected == 0 {
			p.SetConnectivityStatus(peer.FullMeshNetwork)
		} else {
			p.SetConnectivityStatus(peer.PartialMeshNetwork)
		}
		n.emit(events.Event{Type: events.ConnectivityChanged, PeerUserID: p.UserID()})
	}
}

func (n *Network) emit(ev events.Event) {
	if n.bus == nil {
		return
	}
	ev.NetworkID = n.NetworkID()
	n.bus.Publish(ev)
}

// --- peer.Sink ---

func (n *Network) OnPeerEvent(p *peer.Peer, ev events.Event) {
	n.emit(ev)
}

func (n *Network) OnSessionTerminated(p *peer.Peer, s *session.Session, reason session.Reason, err error) {
	n.broadcastPeerExchange()
	n.recomputeConnectivity()

	if reason == session.ReasonTransportError {
		ep := s.Connection().RemotePeerEP()
		go func() {
			if dialErr := n.BeginMakeConnection(context.Background(), ep, nil); dialErr != nil {
				log.Debugf("reconnect to %s failed: %v", ep, dialErr)
			}
		}()
	}
}

func (n *Network) OnPeerExchange(p *peer.Peer, s *session.Session, pe *wire.PeerExchange) {
	ids := make([]identity.UserID, 0, len(pe.PeerIDs))
	for _, idStr := range pe.PeerIDs {
		id, err := identity.ParseUserID(idStr)
		if err != nil {
			log.Debugf("peer exchange advertised an unparsable user id %q: %v", idStr, err)
			continue
		}
		ids = append(ids, id)
	}
	p.ReportedConnectedWith(ids)

	for _, epStr := range pe.PeerEPs {
		ep, err := parseEndpoint(epStr)
		if err != nil {
			log.Debugf("peer exchange advertised an unparsable endpoint %q: %v", epStr, err)
			continue
		}
		n.dialAsync(context.Background(), ep, s.Connection())
	}
	n.recomputeConnectivity()
}

func parseEndpoint(s string) (transport.EndPoint, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return transport.EndPoint{}, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return transport.EndPoint{}, err
	}
	return transport.EndPoint{Host: host, Port: port}, nil
}
