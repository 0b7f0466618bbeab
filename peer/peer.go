// Package peer implements §4.4: the identity-scoped bucket of zero or more
// Sessions, fan-out send, and derived online/connectivity state.
package peer

import (
	"sync"

	"github.com/extrahash/meshnet/events"
	"github.com/extrahash/meshnet/identity"
	"github.com/extrahash/meshnet/internal/logx"
	"github.com/extrahash/meshnet/internal/meshnet"
	"github.com/extrahash/meshnet/session"
	"github.com/extrahash/meshnet/wire"
)

var log = logx.Get("meshnet/peer")

// ConnectivityStatus is the derived status from §3/§4.5.
type ConnectivityStatus int

const (
	NoNetwork ConnectivityStatus = iota
	PartialMeshNetwork
	FullMeshNetwork
)

func (c ConnectivityStatus) String() string {
	switch c {
	case NoNetwork:
		return "NoNetwork"
	case PartialMeshNetwork:
		return "PartialMeshNetwork"
	case FullMeshNetwork:
		return "FullMeshNetwork"
	default:
		return "Unknown"
	}
}

// Profile mirrors wire.Profile as the peer's locally held copy (§3).
type Profile struct {
	DisplayName     string
	Status          string
	StatusMessage   string
	ModifiedAtUTC   int64
	Image           []byte
	ImageModifiedAt int64
}

// maxSecureChannelPacket bounds a secure channel's packet, matching
// flynn/noise's own ChaChaPoly framing limit; MaxMessageSize below
// subtracts the 32-byte overhead §4.4 specifies.
const maxSecureChannelPacket = 65535

// MaxMessageSize is "secure-channel max packet minus 32" per §4.4.
const MaxMessageSize = maxSecureChannelPacket - 32

// Sink receives every event a Peer produces; Network implements it once per
// network and fans it into the shared events.Bus together with its own
// NetworkID.
type Sink interface {
	OnPeerEvent(p *Peer, ev events.Event)
	// OnSessionTerminated lets Network enqueue reconnection bookkeeping;
	// Peer itself never redials.
	OnSessionTerminated(p *Peer, s *session.Session, reason session.Reason, err error)
	// OnMessage lets Network's message pipeline (§4.6) persist and ack.
	OnMessage(p *Peer, s *session.Session, msg *wire.Message)
	OnMessageDeliveryNotification(p *Peer, n *wire.MessageDeliveryNotification)
	OnPeerExchange(p *Peer, s *session.Session, pe *wire.PeerExchange)
	OnFileRequest(p *Peer, s *session.Session, fr *wire.FileRequest)
	OnLocalNetworkOnly(p *Peer, lno *wire.LocalNetworkOnly)
	OnGroupDisplayImage(p *Peer, img *wire.GroupDisplayImage)
	OnGroupLockNetwork(p *Peer, gln *wire.GroupLockNetwork)
	OnTypingNotification(p *Peer, s *session.Session, tn *wire.MessageTypingNotification)
}

// Peer is the identity bucket owning zero or more Sessions (§3, §4.4).
type Peer struct {
	userID     identity.UserID
	isSelfPeer bool
	sink       Sink

	mu      sync.RWMutex
	profile Profile
	sessions []*session.Session

	connMu             sync.Mutex
	connectivityStatus ConnectivityStatus
	connectedWith      map[identity.UserID]struct{}
}

// New constructs an initially offline Peer.
func New(userID identity.UserID, isSelfPeer bool, sink Sink) *Peer {
	return &Peer{
		userID:        userID,
		isSelfPeer:    isSelfPeer,
		sink:          sink,
		connectedWith: make(map[identity.UserID]struct{}),
	}
}

func (p *Peer) UserID() identity.UserID { return p.userID }
func (p *Peer) IsSelfPeer() bool        { return p.isSelfPeer }

// Profile returns a copy of the peer's currently held profile.
func (p *Peer) Profile() Profile {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.profile
}

// SetProfile overwrites the held profile, used both for the self-peer
// (local edits) and for a remote peer receiving a Profile push (§4.5).
func (p *Peer) SetProfile(pr Profile) {
	p.mu.Lock()
	p.profile = pr
	p.mu.Unlock()
}

// IsOnline reports whether the peer has at least one live session.
func (p *Peer) IsOnline() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.sessions) > 0
}

// Sessions returns a snapshot of the current session list.
func (p *Peer) Sessions() []*session.Session {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*session.Session, len(p.sessions))
	copy(out, p.sessions)
	return out
}

// ConnectivityStatus returns the peer's last-computed status (§3, §4.5).
func (p *Peer) ConnectivityStatus() ConnectivityStatus {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	return p.connectivityStatus
}

// SetConnectivityStatus is called by Network after recomputing the mesh's
// connectivity across all peers.
func (p *Peer) SetConnectivityStatus(status ConnectivityStatus) {
	p.connMu.Lock()
	p.connectivityStatus = status
	p.connMu.Unlock()
}

// ReportedConnectedWith updates the set of peers this Peer's remote side
// claims to be connected to, typically from its latest PeerExchange.
func (p *Peer) ReportedConnectedWith(ids []identity.UserID) {
	p.connMu.Lock()
	p.connectedWith = make(map[identity.UserID]struct{}, len(ids))
	for _, id := range ids {
		p.connectedWith[id] = struct{}{}
	}
	p.connMu.Unlock()
}

// ConnectedWith returns the last-reported connected-peer set.
func (p *Peer) ConnectedWith() []identity.UserID {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	out := make([]identity.UserID, 0, len(p.connectedWith))
	for id := range p.connectedWith {
		out = append(out, id)
	}
	return out
}

// NetworkKind selects AddSession's Private-vs-Group bookkeeping.
type NetworkKind int

const (
	KindPrivate NetworkKind = iota
	KindGroup
)

// AddSession implements §4.4's AddSession: adds to the list, flips
// isOnline on the first session, pushes profile/image, and (for Private)
// triggers undelivered-message re-delivery via the caller-supplied hook.
// For Group sessions, groupImage (if non-nil) is pushed the same way the
// self-peer's profile image is, per §4.4's "push current group image on
// AddSession" rule.
func (p *Peer) AddSession(s *session.Session, kind NetworkKind, groupImage *wire.GroupDisplayImage, resendUndelivered func(*session.Session)) {
	p.mu.Lock()
	wasOffline := len(p.sessions) == 0
	p.sessions = append(p.sessions, s)
	profile := p.profile
	p.mu.Unlock()

	if err := s.SendControl(wire.TypeProfile, &wire.Profile{
		DisplayName:   profile.DisplayName,
		Status:        profile.Status,
		StatusMessage: profile.StatusMessage,
		ModifiedAtUTC: profile.ModifiedAtUTC,
	}); err != nil {
		log.Warningf("failed to push profile to new session: %v", err)
	}
	if len(profile.Image) > 0 {
		if err := s.SendControl(wire.TypeProfileDisplayImage, &wire.ProfileDisplayImage{
			Image:         profile.Image,
			ModifiedAtUTC: profile.ImageModifiedAt,
		}); err != nil {
			log.Warningf("failed to push profile image to new session: %v", err)
		}
	}
	if kind == KindGroup && groupImage != nil {
		if err := s.SendControl(wire.TypeGroupDisplayImage, groupImage); err != nil {
			log.Warningf("failed to push group image to new session: %v", err)
		}
	}

	if wasOffline {
		p.emit(events.Event{Type: events.StateChanged, PeerUserID: p.userID})
	}
	if kind == KindPrivate && resendUndelivered != nil {
		resendUndelivered(s)
	}
}

// RemoveSession implements §4.4's RemoveSession.
func (p *Peer) RemoveSession(s *session.Session) {
	p.mu.Lock()
	var remaining []*session.Session
	found := false
	for _, existing := range p.sessions {
		if existing == s {
			found = true
			continue
		}
		remaining = append(remaining, existing)
	}
	p.sessions = remaining
	nowOffline := len(remaining) == 0
	p.mu.Unlock()

	if !found {
		return
	}
	if nowOffline {
		p.SetConnectivityStatus(NoNetwork)
		p.emit(events.Event{Type: events.StateChanged, PeerUserID: p.userID})
		p.emit(events.Event{Type: events.ConnectivityChanged, PeerUserID: p.userID})
	}
}

// SendMessage fans payload out to every currently connected session,
// rejecting oversized messages synchronously (§4.4, §7 PolicyReject).
func (p *Peer) SendMessage(msg *wire.Message) error {
	if len(msg.Payload) > MaxMessageSize {
		return meshnet.New(meshnet.KindPolicyReject, "message exceeds MAX_MESSAGE_SIZE")
	}
	for _, s := range p.Sessions() {
		if err := s.SendControl(wire.TypeMessage, msg); err != nil {
			log.Warningf("failed to fan out message to one session of %s: %v", p.userID, err)
		}
	}
	return nil
}

// Broadcast sends a non-Message control packet (profile pushes, peer
// exchange, typing notifications) to every session.
func (p *Peer) Broadcast(typ wire.ControlType, body interface{}) {
	for _, s := range p.Sessions() {
		if err := s.SendControl(typ, body); err != nil {
			log.Warningf("broadcast of control type %d to %s failed: %v", typ, p.userID, err)
		}
	}
}

// Disconnect tears down every session (§4.4).
func (p *Peer) Disconnect() {
	for _, s := range p.Sessions() {
		_ = s.Close()
	}
}

func (p *Peer) emit(ev events.Event) {
	if p.sink != nil {
		p.sink.OnPeerEvent(p, ev)
	}
}

// sessionSinkAdapter lets Network construct one session.Sink per Session
// that routes everything back through its owning Peer, matching the
// cyclic-ownership pattern in §9 (downward strong refs, upward weak refs
// expressed here as plain back-pointers since Go has no weak refs).
type sessionSinkAdapter struct {
	peer *Peer
	kind NetworkKind
}

// NewSessionSink returns a session.Sink that routes control packets and
// termination through p, for Network to pass to session.New.
func NewSessionSink(p *Peer, kind NetworkKind) session.Sink {
	return &sessionSinkAdapter{peer: p, kind: kind}
}

func (a *sessionSinkAdapter) OnControl(s *session.Session, typ wire.ControlType, body interface{}) {
	p := a.peer
	switch typ {
	case wire.TypeMessage:
		if msg, ok := body.(*wire.Message); ok {
			p.sink.OnMessage(p, s, msg)
		}
	case wire.TypeMessageDeliveryNotification:
		if n, ok := body.(*wire.MessageDeliveryNotification); ok {
			p.sink.OnMessageDeliveryNotification(p, n)
		}
	case wire.TypePeerExchange:
		if pe, ok := body.(*wire.PeerExchange); ok {
			p.sink.OnPeerExchange(p, s, pe)
		}
	case wire.TypeFileRequest:
		if fr, ok := body.(*wire.FileRequest); ok {
			p.sink.OnFileRequest(p, s, fr)
		}
	case wire.TypeProfile:
		if pr, ok := body.(*wire.Profile); ok {
			cur := p.Profile()
			cur.DisplayName = pr.DisplayName
			cur.Status = pr.Status
			cur.StatusMessage = pr.StatusMessage
			cur.ModifiedAtUTC = pr.ModifiedAtUTC
			p.SetProfile(cur)
		}
	case wire.TypeProfileDisplayImage:
		if img, ok := body.(*wire.ProfileDisplayImage); ok {
			cur := p.Profile()
			cur.Image = img.Image
			cur.ImageModifiedAt = img.ModifiedAtUTC
			p.SetProfile(cur)
		}
	case wire.TypeLocalNetworkOnly:
		if lno, ok := body.(*wire.LocalNetworkOnly); ok {
			p.sink.OnLocalNetworkOnly(p, lno)
		}
	case wire.TypeGroupDisplayImage:
		if img, ok := body.(*wire.GroupDisplayImage); ok {
			p.sink.OnGroupDisplayImage(p, img)
		}
	case wire.TypeGroupLockNetwork:
		if gln, ok := body.(*wire.GroupLockNetwork); ok {
			p.sink.OnGroupLockNetwork(p, gln)
		}
	case wire.TypeMessageTypingNotification:
		if tn, ok := body.(*wire.MessageTypingNotification); ok {
			p.sink.OnTypingNotification(p, s, tn)
		}
	}
}

func (a *sessionSinkAdapter) OnTerminated(s *session.Session, reason session.Reason, err error) {
	p := a.peer
	p.RemoveSession(s)
	if p.sink != nil {
		p.sink.OnSessionTerminated(p, s, reason, err)
	}
	if reason == session.ReasonCryptoFailure {
		p.emit(events.Event{Type: events.SecureChannelFailed, PeerUserID: p.userID, Err: err})
	}
}
