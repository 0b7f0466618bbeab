package transport

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestNoiseHandshakeWithMatchingPSK(t *testing.T) {
	clientRaw, serverRaw := net.Pipe()
	defer clientRaw.Close()
	defer serverRaw.Close()

	clientH, err := NewNoiseHandshaker()
	if err != nil {
		t.Fatal(err)
	}
	serverH, err := NewNoiseHandshaker()
	if err != nil {
		t.Fatal(err)
	}

	psk := make([]byte, 32)
	opts := HandshakeOptions{RequirePSK: true, RequireClientAuth: true, PSK: psk}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type result struct {
		ch  SecureChannel
		err error
	}
	clientResult := make(chan result, 1)
	serverResult := make(chan result, 1)

	go func() {
		ch, err := clientH.ClientHandshake(ctx, clientRaw, opts, [32]byte{})
		clientResult <- result{ch, err}
	}()
	go func() {
		ch, err := serverH.ServerHandshake(ctx, serverRaw, opts, [32]byte{})
		serverResult <- result{ch, err}
	}()

	cr := <-clientResult
	sr := <-serverResult
	if cr.err != nil {
		t.Fatalf("client handshake: %v", cr.err)
	}
	if sr.err != nil {
		t.Fatalf("server handshake: %v", sr.err)
	}

	// Each side should see the other's identity, derived from its static key.
	if cr.ch.RemotePeerUserID() == [32]byte{} {
		t.Fatal("client did not learn server's identity")
	}
	if sr.ch.RemotePeerUserID() == [32]byte{} {
		t.Fatal("server did not learn client's identity")
	}
}

func TestNoiseHandshakeFailsOnPSKMismatch(t *testing.T) {
	clientRaw, serverRaw := net.Pipe()
	defer clientRaw.Close()
	defer serverRaw.Close()

	clientH, _ := NewNoiseHandshaker()
	serverH, _ := NewNoiseHandshaker()

	clientPSK := make([]byte, 32)
	clientPSK[0] = 1
	serverPSK := make([]byte, 32)
	serverPSK[0] = 2

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	serverErr := make(chan error, 1)
	go func() {
		_, err := serverH.ServerHandshake(ctx, serverRaw, HandshakeOptions{RequirePSK: true, PSK: serverPSK}, [32]byte{})
		serverErr <- err
	}()

	_, clientErr := clientH.ClientHandshake(ctx, clientRaw, HandshakeOptions{RequirePSK: true, PSK: clientPSK}, [32]byte{})
	<-serverErr

	if clientErr == nil {
		t.Fatal("expected a crypto failure on PSK mismatch")
	}
}

func TestIsPrivateEndpoint(t *testing.T) {
	cases := map[string]bool{
		"192.168.1.5":   true,
		"10.1.2.3":      true,
		"172.16.0.9":    true,
		"127.0.0.1":     true,
		"8.8.8.8":       false,
		"203.0.113.5":   false,
	}
	for host, want := range cases {
		got := IsPrivateEndpoint(EndPoint{Host: host, Port: 1})
		if got != want {
			t.Errorf("IsPrivateEndpoint(%s) = %v, want %v", host, got, want)
		}
	}
}
