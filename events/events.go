// Package events implements the single-consumer event bus described in
// spec §9: every peer-visible change (session up/down, connectivity,
// message delivery, peer discovery) is emitted here in the order it
// happened, and delivered to exactly one UI dispatcher goroutine so
// consumer code observes a serialized, per-peer-ordered stream.
package events

import (
	"context"

	"github.com/extrahash/meshnet/identity"
)

// Type enumerates the kinds of event the fabric emits.
type Type int

const (
	StateChanged Type = iota
	ConnectivityChanged
	PeerAdded
	PeerRemoved
	MessageReceived
	MessageDeliveryNotification
	SecureChannelFailed
	TypingNotification
)

// Event is the envelope delivered to subscribers. Fields not relevant to
// Type are left zero.
type Event struct {
	Type          Type
	NetworkID     [32]byte
	PeerUserID    identity.UserID
	MessageNumber uint64
	SenderUserID  identity.UserID
	IsTyping      bool
	Err           error
}

// Bus is a single-consumer, ordered event bus. Publish never blocks the
// caller beyond a channel send; a slow or absent consumer applies
// backpressure to producers exactly like the teacher's unbuffered
// `core.messages` channel in main.go, which this generalizes from "one
// channel of raw bytes" to "one channel of typed events".
type Bus struct {
	ch chan Event
}

// NewBus creates a bus with the given backlog capacity.
func NewBus(capacity int) *Bus {
	return &Bus{ch: make(chan Event, capacity)}
}

// Publish enqueues ev. It blocks if the bus is full, which is the intended
// backpressure mechanism — a network under load slows down rather than
// drops UI events out of order.
func (b *Bus) Publish(ev Event) {
	b.ch <- ev
}

// TryPublish enqueues ev without blocking, reporting false if the bus is
// full. Timer-driven producers (peer search, ping) use this so a stalled
// UI dispatcher cannot stall the timer pool.
func (b *Bus) TryPublish(ev Event) bool {
	select {
	case b.ch <- ev:
		return true
	default:
		return false
	}
}

// Next blocks until an event is available or ctx is done.
func (b *Bus) Next(ctx context.Context) (Event, error) {
	select {
	case ev := <-b.ch:
		return ev, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// Events exposes the underlying channel for a single long-lived dispatcher
// goroutine to range over.
func (b *Bus) Events() <-chan Event {
	return b.ch
}
