package stream

import (
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/extrahash/meshnet/internal/meshnet"
)

// Role determines port parity: a session's client side allocates odd
// ports, its server side allocates even ports (property 8, §4.2).
type Role int

const (
	RoleServer Role = iota
	RoleClient
)

// maxAllocatable is "u16::MAX - 3" from §4.2: the allocator avoids the top
// of the port space rather than letting arithmetic wrap through it.
const maxAllocatable = 65535 - 3

// Mux owns one Session's DataStream table and port allocator. The table
// itself is guarded by an ordinary mutex (§5: "Session DataStream table:
// ordinary mutex" — reads don't dominate the way the peer table's do).
type Mux struct {
	role   Role
	sender FrameWriter
	clock  clock.Clock

	mu          sync.Mutex
	streams     map[uint16]*DataStream
	lastPort    uint16
	initialized bool
}

// NewMux constructs a multiplexer for one Session. sender is the Session
// itself (or a thin adapter around it), providing the serialized per-
// channel write path every DataStream shares.
func NewMux(role Role, sender FrameWriter, clk clock.Clock) *Mux {
	return &Mux{
		role:    role,
		sender:  sender,
		clock:   clk,
		streams: make(map[uint16]*DataStream),
	}
}

func (m *Mux) baseline() uint16 {
	if m.role == RoleClient {
		return 1
	}
	return 2
}

// nextCandidate advances the allocator by one step without checking for
// collisions; callers loop over this when the first candidate is taken.
func (m *Mux) nextCandidate() uint16 {
	if !m.initialized {
		m.initialized = true
		m.lastPort = m.baseline()
		return m.lastPort
	}
	next := m.lastPort + 2
	if next > maxAllocatable || next <= m.lastPort {
		next = m.baseline()
	}
	m.lastPort = next
	return next
}

// OpenDataStream allocates the next free port of this side's parity and
// returns a ready DataStream for it (§4.2 "OpenDataStream(port=0)").
func (m *Mux) OpenDataStream() (*DataStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for attempts := 0; attempts < 1<<15; attempts++ {
		port := m.nextCandidate()
		if _, busy := m.streams[port]; !busy {
			ds := newDataStream(port, m.sender, m.clock)
			m.streams[port] = ds
			return ds, nil
		}
	}
	return nil, meshnet.New(meshnet.KindPolicyReject, "no free ports of this side's parity")
}

// Accept opens a specific, peer-requested port (§4.2
// "OpenDataStream(port=X>0)"), failing with PolicyReject if it is already
// in use.
func (m *Mux) Accept(port uint16) (*DataStream, error) {
	if port == 0 {
		return nil, meshnet.New(meshnet.KindPolicyReject, "port 0 is reserved for control frames")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, busy := m.streams[port]; busy {
		return nil, meshnet.New(meshnet.KindPolicyReject, "port already in use")
	}
	ds := newDataStream(port, m.sender, m.clock)
	m.streams[port] = ds
	return ds, nil
}

// Lookup returns the stream open on port, if any.
func (m *Mux) Lookup(port uint16) (*DataStream, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ds, ok := m.streams[port]
	return ds, ok
}

// Remove drops port from the table without touching the stream's state;
// callers close the stream themselves first.
func (m *Mux) Remove(port uint16) {
	m.mu.Lock()
	delete(m.streams, port)
	m.mu.Unlock()
}

// TeardownAll forcibly ends every open stream, used when the owning
// Session dies (secure channel failure, I/O error, orderly EOF).
func (m *Mux) TeardownAll() {
	m.mu.Lock()
	streams := make([]*DataStream, 0, len(m.streams))
	for _, ds := range m.streams {
		streams = append(streams, ds)
	}
	m.streams = make(map[uint16]*DataStream)
	m.mu.Unlock()

	for _, ds := range streams {
		ds.teardown()
	}
}
