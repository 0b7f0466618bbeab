package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/extrahash/meshnet/identity"
	"github.com/extrahash/meshnet/transport"
)

func TestFindByMaskedIdentityDelegatesToManager(t *testing.T) {
	mgr := transport.NewWSConnectionManager(0)
	target := identity.UserID{1}.Mask()
	mgr.SeedMaskedPeer(target, transport.EndPoint{Host: "1.2.3.4", Port: 9})

	b := New(mgr)
	got := make(chan transport.PeerDiscovered, 1)
	b.FindByMaskedIdentity(context.Background(), target, false, func(pd transport.PeerDiscovered) {
		got <- pd
	})

	select {
	case pd := <-got:
		if len(pd.Endpoints) != 1 || pd.Endpoints[0].Host != "1.2.3.4" {
			t.Fatalf("got %+v", pd)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("callback never fired")
	}
}

func TestAnnounceRegistersRelayAndAnnounces(t *testing.T) {
	mgr := transport.NewWSConnectionManager(0)
	var networkID [32]byte
	networkID[0] = 7
	mgr.SeedNetwork(networkID, transport.EndPoint{Host: "5.6.7.8", Port: 1})

	b := New(mgr)
	got := make(chan transport.PeerDiscovered, 1)
	if err := b.Announce(context.Background(), networkID, false, transport.EndPoint{}, func(pd transport.PeerDiscovered) {
		got <- pd
	}); err != nil {
		t.Fatal(err)
	}

	select {
	case pd := <-got:
		if len(pd.Endpoints) != 1 || pd.Endpoints[0].Host != "5.6.7.8" {
			t.Fatalf("got %+v", pd)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("callback never fired")
	}

	if err := b.Unregister(networkID); err != nil {
		t.Fatal(err)
	}
}
