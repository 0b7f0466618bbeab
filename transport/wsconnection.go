package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	uuid "github.com/satori/go.uuid"

	"github.com/extrahash/meshnet/identity"
	"github.com/extrahash/meshnet/internal/meshnet"
)

// WSConnection is the reference Connection implementation: one websocket
// carries every mesh network's secure-channel byte stream, demultiplexed
// by networkID the same way the teacher's ActiveConnection carries one
// peer's traffic (activeConnection.go), generalized from "one peer" to
// "one peer, many networks".
type WSConnection struct {
	id      uuid.UUID
	conn    *websocket.Conn
	ep      EndPoint
	via     *EndPoint
	virtual bool

	mu       sync.Mutex
	channels map[[32]byte]*wsChannelStream
}

type wsChannelStream struct {
	conn      *WSConnection
	networkID [32]byte
	incoming  chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	writeMu   *sync.Mutex
}

func newWSConnection(conn *websocket.Conn, ep EndPoint, via *EndPoint) *WSConnection {
	c := &WSConnection{
		id:       uuid.NewV4(),
		conn:     conn,
		ep:       ep,
		via:      via,
		virtual:  via != nil,
		channels: make(map[[32]byte]*wsChannelStream),
	}
	go c.demux()
	return c
}

// wsFrame is the single envelope multiplexing every mesh network's traffic
// over one websocket connection: the first 32 bytes name the network, the
// rest is that network's secure-channel byte stream.
func (c *WSConnection) demux() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			for _, ch := range c.channels {
				ch.closeLocked()
			}
			c.mu.Unlock()
			return
		}
		if len(data) < 32 {
			continue
		}
		var networkID [32]byte
		copy(networkID[:], data[:32])
		payload := data[32:]

		c.mu.Lock()
		ch, ok := c.channels[networkID]
		c.mu.Unlock()
		if !ok {
			continue
		}
		select {
		case ch.incoming <- payload:
		case <-ch.closed:
		}
	}
}

func (c *WSConnection) RemotePeerEP() EndPoint    { return c.ep }
func (c *WSConnection) ViaRemotePeerEP() *EndPoint { return c.via }
func (c *WSConnection) IsVirtualConnection() bool  { return c.virtual }

func (c *WSConnection) ChannelExists(networkID [32]byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.channels[networkID]
	return ok
}

func (c *WSConnection) ConnectMeshNetwork(ctx context.Context, networkID [32]byte) (io.ReadWriteCloser, error) {
	c.mu.Lock()
	if ch, ok := c.channels[networkID]; ok {
		c.mu.Unlock()
		return ch, nil
	}
	ch := &wsChannelStream{
		conn:      c,
		networkID: networkID,
		incoming:  make(chan []byte, 16),
		closed:    make(chan struct{}),
		writeMu:   &sync.Mutex{},
	}
	c.channels[networkID] = ch
	c.mu.Unlock()
	return ch, nil
}

func (c *WSConnection) Close() error {
	c.mu.Lock()
	for _, ch := range c.channels {
		ch.closeLocked()
	}
	c.mu.Unlock()
	return c.conn.Close()
}

func (ch *wsChannelStream) closeLocked() {
	ch.closeOnce.Do(func() { close(ch.closed) })
}

func (ch *wsChannelStream) Read(p []byte) (int, error) {
	select {
	case data, ok := <-ch.incoming:
		if !ok {
			return 0, io.EOF
		}
		return copy(p, data), nil
	case <-ch.closed:
		return 0, io.EOF
	}
}

func (ch *wsChannelStream) Write(p []byte) (int, error) {
	ch.writeMu.Lock()
	defer ch.writeMu.Unlock()

	frame := make([]byte, 32+len(p))
	copy(frame[:32], ch.networkID[:])
	copy(frame[32:], p)

	ch.conn.mu.Lock()
	err := ch.conn.conn.WriteMessage(websocket.BinaryMessage, frame)
	ch.conn.mu.Unlock()
	if err != nil {
		return 0, meshnet.Wrap(meshnet.KindTransportError, "websocket write", err)
	}
	return len(p), nil
}

func (ch *wsChannelStream) Close() error {
	ch.closeLocked()
	ch.conn.mu.Lock()
	delete(ch.conn.channels, ch.networkID)
	ch.conn.mu.Unlock()
	return nil
}

// WSConnectionManager is the reference ConnectionManager: it dials peers
// over plain websockets (the teacher's transport of choice in client.go)
// and answers the DHT/relay facade with an in-memory registry suitable for
// tests (S3, S6) rather than a real DHT.
type WSConnectionManager struct {
	localPort int

	mu       sync.Mutex
	relay    map[[32]byte]bool
	registry map[identity.MaskedUserID][]EndPoint // test-only DHT stand-in
	byNetID  map[[32]byte][]EndPoint
}

// NewWSConnectionManager constructs a manager listening (conceptually) on
// localPort; it does not itself run an HTTP/websocket server — pairing
// with a *WSServer (below) provides the accept side.
func NewWSConnectionManager(localPort int) *WSConnectionManager {
	return &WSConnectionManager{
		localPort: localPort,
		relay:     make(map[[32]byte]bool),
		registry:  make(map[identity.MaskedUserID][]EndPoint),
		byNetID:   make(map[[32]byte][]EndPoint),
	}
}

func (m *WSConnectionManager) LocalPort() int { return m.localPort }

func (m *WSConnectionManager) MakeConnection(ctx context.Context, ep EndPoint) (Connection, error) {
	u := url.URL{Scheme: "ws", Host: ep.String(), Path: "/mesh"}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, meshnet.Wrap(meshnet.KindTransportError, fmt.Sprintf("dial %s", ep), err)
	}
	return newWSConnection(conn, ep, nil), nil
}

func (m *WSConnectionManager) MakeVirtualConnection(ctx context.Context, via Connection, ep EndPoint) (Connection, error) {
	// A real virtual connection tunnels through `via`'s already-open
	// transport; the reference implementation approximates this with a
	// direct dial tagged as virtual, since the teacher's ConnectionManager
	// offers no relay-tunnel primitive to build on and the contract this
	// module depends on is only "a Connection flagged IsVirtualConnection
	// with a ViaRemotePeerEP", not the tunnel's internals.
	conn, err := m.MakeConnection(ctx, ep)
	if err != nil {
		return nil, err
	}
	ws := conn.(*WSConnection)
	viaEP := via.RemotePeerEP()
	ws.via = &viaEP
	ws.virtual = true
	return ws, nil
}

func (m *WSConnectionManager) TCPRelayClientRegisterHostedNetwork(networkID [32]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.relay[networkID] = true
	return nil
}

func (m *WSConnectionManager) TCPRelayClientUnregisterHostedNetwork(networkID [32]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.relay, networkID)
	return nil
}

// SeedMaskedPeer and SeedNetwork let tests (and a simple LAN deployment)
// pre-populate the in-memory DHT stand-in without a real distributed hash
// table.
func (m *WSConnectionManager) SeedMaskedPeer(masked identity.MaskedUserID, eps ...EndPoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registry[masked] = append(m.registry[masked], eps...)
}

func (m *WSConnectionManager) SeedNetwork(networkID [32]byte, eps ...EndPoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byNetID[networkID] = append(m.byNetID[networkID], eps...)
}

func (m *WSConnectionManager) BeginFindPeers(ctx context.Context, target identity.MaskedUserID, lanOnly bool, cb func(PeerDiscovered)) {
	go func() {
		m.mu.Lock()
		eps := append([]EndPoint(nil), m.registry[target]...)
		m.mu.Unlock()
		eps = filterLAN(eps, lanOnly)
		if len(eps) > 0 {
			cb(PeerDiscovered{Endpoints: eps})
		}
	}()
}

func (m *WSConnectionManager) BeginAnnounce(ctx context.Context, networkID [32]byte, lanOnly bool, self EndPoint, cb func(PeerDiscovered)) {
	go func() {
		m.mu.Lock()
		eps := append([]EndPoint(nil), m.byNetID[networkID]...)
		m.mu.Unlock()
		eps = filterLAN(eps, lanOnly)
		if len(eps) > 0 {
			cb(PeerDiscovered{Endpoints: eps})
		}
	}()
}

func filterLAN(eps []EndPoint, lanOnly bool) []EndPoint {
	if !lanOnly {
		return eps
	}
	out := make([]EndPoint, 0, len(eps))
	for _, ep := range eps {
		if IsPrivateEndpoint(ep) {
			out = append(out, ep)
		}
	}
	return out
}

// WSServer is the accept side pairing with WSConnectionManager: it upgrades
// inbound websockets and hands the resulting Connection to onAccept, the
// same split the teacher keeps between api.go (accept) and client.go
// (dial).
type WSServer struct {
	onAccept func(Connection)
}

// NewWSServer constructs a server that calls onAccept for every inbound
// connection.
func NewWSServer(onAccept func(Connection)) *WSServer {
	return &WSServer{onAccept: onAccept}
}

// Handler returns an http.Handler suitable for mounting at e.g. "/mesh" on
// a gorilla/mux router.
func (s *WSServer) Handler() http.Handler {
	upgrader := websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		host, portStr, err := splitHostPort(r.RemoteAddr)
		if err != nil {
			conn.Close()
			return
		}
		port, _ := strconv.Atoi(portStr)
		ws := newWSConnection(conn, EndPoint{Host: host, Port: port}, nil)
		s.onAccept(ws)
	})
}
