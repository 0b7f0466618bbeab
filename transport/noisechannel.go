package transport

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/flynn/noise"

	"github.com/extrahash/meshnet/identity"
	"github.com/extrahash/meshnet/internal/logx"
	"github.com/extrahash/meshnet/internal/meshnet"
)

var log = logx.Get("meshnet/transport")

// CipherNoiseXX is the single cipher suite this reference handshaker
// negotiates: Noise_XXpsk0_25519_ChaChaPoly_SHA256.
const CipherNoiseXX Cipher = "Noise_XXpsk0_25519_ChaChaPoly_SHA256"

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

// NoiseHandshaker implements Handshaker with a Noise XX handshake, PSK
// mixed at the first message. Mutual static-key exchange in the XX
// pattern is the client-authentication mechanism §4.5 requires: a party
// that cannot be bound to a consistent static key can't complete the
// handshake or pass the trusted-identity gate below. The identity bound to
// a static key is SHA-256 of that key, a deliberately simple stand-in
// since the real identity/keypair relationship belongs to the Node
// collaborator (§6.1), not this package.
type NoiseHandshaker struct {
	StaticKey noise.DHKey
}

// NewNoiseHandshaker generates a fresh X25519 static keypair for this
// collaborator instance. A host application that needs its secure-channel
// identity bound to the Node's long-lived keypair should construct
// NoiseHandshaker with that keypair's bytes instead.
func NewNoiseHandshaker() (*NoiseHandshaker, error) {
	kp, err := cipherSuite.GenerateKeypair(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &NoiseHandshaker{StaticKey: kp}, nil
}

func staticKeyUserID(pub []byte) identity.UserID {
	sum := sha256.Sum256(pub)
	return identity.UserID(sum)
}

func (h *NoiseHandshaker) handshake(ctx context.Context, raw io.ReadWriteCloser, opts HandshakeOptions, initiator bool) (SecureChannel, error) {
	if opts.RequirePSK && len(opts.PSK) == 0 {
		return nil, meshnet.New(meshnet.KindCryptoFailure, "PSK required but none supplied")
	}
	psk := opts.PSK
	if len(psk) > 0 && len(psk) != 32 {
		// Noise requires an exactly 32-byte PSK; fold arbitrary-length
		// secrets down deterministically rather than reject them, since
		// callers legitimately pass 32-byte network secrets most of the
		// time but the invitation path passes a raw UserID of the same
		// length anyway — this guards future callers that don't.
		sum := sha256.Sum256(psk)
		psk = sum[:]
	}

	cfg := noise.Config{
		CipherSuite:           cipherSuite,
		Random:                rand.Reader,
		Pattern:                noise.HandshakeXX,
		Initiator:              initiator,
		StaticKeypair:          h.StaticKey,
		PresharedKey:           psk,
		PresharedKeyPlacement:  0,
	}
	hs, err := noise.NewHandshakeState(cfg)
	if err != nil {
		return nil, meshnet.Wrap(meshnet.KindCryptoFailure, "noise handshake init", err)
	}

	deadline := time.Now().Add(30 * time.Second)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}

	var encryptCS, decryptCS *noise.CipherState

	step := func(send bool) error {
		if send {
			out, cs1, cs2, err := hs.WriteMessage(nil, nil)
			if err != nil {
				return meshnet.Wrap(meshnet.KindCryptoFailure, "noise write message", err)
			}
			if err := writeFramed(raw, out); err != nil {
				return meshnet.Wrap(meshnet.KindTransportError, "noise handshake send", err)
			}
			if cs1 != nil && cs2 != nil {
				encryptCS, decryptCS = pickDirection(initiator, cs1, cs2)
			}
			return nil
		}
		msg, err := readFramed(raw)
		if err != nil {
			return meshnet.Wrap(meshnet.KindTransportError, "noise handshake recv", err)
		}
		_, cs1, cs2, err := hs.ReadMessage(nil, msg)
		if err != nil {
			return meshnet.Wrap(meshnet.KindCryptoFailure, "noise read message (PSK or peer mismatch)", err)
		}
		if cs1 != nil && cs2 != nil {
			encryptCS, decryptCS = pickDirection(initiator, cs1, cs2)
		}
		return nil
	}

	// XX is three messages: -> e, <- e,ee,s,es, -> s,se. The initiator
	// sends on steps 0 and 2, the responder sends on step 1.
	order := []bool{initiator, !initiator, initiator}
	for _, send := range order {
		if err := step(send); err != nil {
			return nil, err
		}
	}

	remoteStatic := hs.PeerStatic()
	if remoteStatic == nil {
		return nil, meshnet.New(meshnet.KindCryptoFailure, "peer did not present a static key")
	}
	remoteID := staticKeyUserID(remoteStatic)
	if opts.RequireClientAuth && !opts.Allows(remoteID) {
		return nil, meshnet.New(meshnet.KindCryptoFailure, fmt.Sprintf("remote identity %s is not trusted for this network", remoteID))
	}

	return &noiseChannel{
		raw:          raw,
		encrypt:      encryptCS,
		decrypt:      decryptCS,
		remoteUserID: remoteID,
		handshakeAt:  time.Now(),
		opts:         opts,
		handshaker:   h,
		initiator:    initiator,
	}, nil
}

func pickDirection(initiator bool, cs1, cs2 *noise.CipherState) (encrypt, decrypt *noise.CipherState) {
	if initiator {
		return cs1, cs2
	}
	return cs2, cs1
}

func (h *NoiseHandshaker) ClientHandshake(ctx context.Context, raw io.ReadWriteCloser, opts HandshakeOptions, localUserID identity.UserID) (SecureChannel, error) {
	return h.handshake(ctx, raw, opts, true)
}

func (h *NoiseHandshaker) ServerHandshake(ctx context.Context, raw io.ReadWriteCloser, opts HandshakeOptions, localUserID identity.UserID) (SecureChannel, error) {
	return h.handshake(ctx, raw, opts, false)
}

// noiseChannel implements SecureChannel over a Noise XX transport split.
type noiseChannel struct {
	raw io.ReadWriteCloser

	mu      sync.Mutex
	encrypt *noise.CipherState
	decrypt *noise.CipherState

	remoteUserID identity.UserID
	handshakeAt  time.Time
	bytesSent    uint64

	opts       HandshakeOptions
	handshaker *NoiseHandshaker
	initiator  bool

	readBuf []byte
}

func (c *noiseChannel) RemotePeerUserID() identity.UserID { return c.remoteUserID }
func (c *noiseChannel) SelectedCipher() Cipher             { return CipherNoiseXX }
func (c *noiseChannel) BytesSent() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytesSent
}
func (c *noiseChannel) HandshakeAge() time.Duration { return time.Since(c.handshakeAt) }

func (c *noiseChannel) Write(p []byte) (int, error) {
	c.mu.Lock()
	ciphertext, err := c.encrypt.Encrypt(nil, nil, p)
	c.bytesSent += uint64(len(p))
	c.mu.Unlock()
	if err != nil {
		return 0, meshnet.Wrap(meshnet.KindCryptoFailure, "noise transport encrypt failed", err)
	}

	if err := writeFramed(c.raw, ciphertext); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *noiseChannel) Read(p []byte) (int, error) {
	if len(c.readBuf) == 0 {
		msg, err := readFramed(c.raw)
		if err != nil {
			return 0, err
		}
		c.mu.Lock()
		plaintext, err := c.decrypt.Decrypt(nil, nil, msg)
		c.mu.Unlock()
		if err != nil {
			return 0, meshnet.Wrap(meshnet.KindCryptoFailure, "noise transport decrypt failed", err)
		}
		c.readBuf = plaintext
	}
	n := copy(p, c.readBuf)
	c.readBuf = c.readBuf[n:]
	return n, nil
}

func (c *noiseChannel) Close() error {
	return c.raw.Close()
}

// Renegotiate tears down and re-runs the handshake over the same raw
// connection (§4.3: "delegated to the secure channel; trigger thresholds
// are 100 MiB sent or 3600s since last handshake").
func (c *noiseChannel) Renegotiate(ctx context.Context) error {
	fresh, err := c.handshaker.handshake(ctx, c.raw, c.opts, c.initiator)
	if err != nil {
		return err
	}
	freshNoise := fresh.(*noiseChannel)

	c.mu.Lock()
	c.encrypt = freshNoise.encrypt
	c.decrypt = freshNoise.decrypt
	c.remoteUserID = freshNoise.remoteUserID
	c.handshakeAt = freshNoise.handshakeAt
	c.bytesSent = 0
	c.mu.Unlock()
	log.Infof("renegotiated secure channel with %s", c.remoteUserID)
	return nil
}

// writeFramed/readFramed carry Noise handshake and transport messages over
// a raw byte stream with a 4-byte big-endian length prefix, since Noise
// itself only defines message contents, not a framing for them.
func writeFramed(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFramed(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
