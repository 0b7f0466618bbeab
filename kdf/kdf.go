// Package kdf implements the deterministic derivation of a network's id and
// pre-shared secret from a human-chosen shared secret (§4.1). These are pure
// functions of their inputs: no state, no I/O, byte-stable across platforms
// (property 1).
package kdf

import (
	"crypto/hmac"
	"crypto/sha256"
	"strings"

	"github.com/extrahash/meshnet/identity"
	"golang.org/x/crypto/pbkdf2"
)

// intermediateSize is the size of the memory-hard-ish intermediate buffer
// the first PBKDF2 pass produces. The construction is deliberately cheap in
// CPU terms and deliberately not cheap in memory terms; changing this value
// breaks on-wire compatibility with every existing network id.
const intermediateSize = 1 << 20 // 1 MiB

// outputSize is the size, in bytes, of both NetworkID and NetworkSecret.
const outputSize = 32

// networkSecretSalt is the HMAC message mixed into sharedSecret before the
// second derivation, so NetworkSecret and NetworkID are independent even
// though they're derived from the same (secret, salt) pair.
var networkSecretSalt = []byte("meshnet/network-secret/v1")

// KDF is the two-stage PBKDF2-HMAC-SHA256 construction from §4.1: an
// intermediate 1 MiB buffer is derived with a single iteration, then PBKDF2
// is re-run over that buffer (as the password, against the same salt) with
// a single iteration to produce the final 32 bytes. Both stages use a
// single iteration by design — the memory footprint of stage one, not CPU
// time, is the cost this KDF is buying.
func KDF(secret, salt []byte) [outputSize]byte {
	intermediate := pbkdf2.Key(secret, salt, 1, intermediateSize, sha256.New)
	final := pbkdf2.Key(intermediate, salt, 1, outputSize, sha256.New)
	var out [outputSize]byte
	copy(out[:], final)
	return out
}

// PrivateSalt is the salt used for a two-party Private network: the XOR of
// both participants' user ids, which is commutative (property 2).
func PrivateSalt(local, other identity.UserID) []byte {
	return identity.XOR(local, other)
}

// GroupSalt is the salt used for a named Group network: the UTF-8 bytes of
// the lowercased network name.
//
// Open question (spec §9a): the source normalises with invariant-locale
// lowercasing of the raw string. We match that with ASCII-only lowercasing
// via strings.ToLower, which is locale-invariant for the Unicode ranges
// that matter here; callers that need full Unicode case folding across
// platforms should normalise the name before it reaches this package.
func GroupSalt(networkName string) []byte {
	return []byte(strings.ToLower(networkName))
}

// NetworkID derives networkId = KDF(secret, salt) where secret is the
// UTF-8 bytes of sharedSecret (empty string if none was set).
func NetworkID(sharedSecret string, salt []byte) [outputSize]byte {
	return KDF([]byte(sharedSecret), salt)
}

// NetworkSecret derives networkSecret = KDF(HMAC-SHA256(networkSecretSalt,
// key=secret), salt), using the same salt rule as NetworkID.
func NetworkSecret(sharedSecret string, salt []byte) [outputSize]byte {
	mac := hmac.New(sha256.New, []byte(sharedSecret))
	mac.Write(networkSecretSalt)
	return KDF(mac.Sum(nil), salt)
}

// PrivateNetworkID is a convenience wrapper combining PrivateSalt and
// NetworkID for the two-party case.
func PrivateNetworkID(local, other identity.UserID, sharedSecret string) [outputSize]byte {
	return NetworkID(sharedSecret, PrivateSalt(local, other))
}

// PrivateNetworkSecret is the Private-network analogue of PrivateNetworkID.
func PrivateNetworkSecret(local, other identity.UserID, sharedSecret string) [outputSize]byte {
	return NetworkSecret(sharedSecret, PrivateSalt(local, other))
}

// GroupNetworkID is a convenience wrapper combining GroupSalt and
// NetworkID for the named Group case.
func GroupNetworkID(networkName, sharedSecret string) [outputSize]byte {
	return NetworkID(sharedSecret, GroupSalt(networkName))
}

// GroupNetworkSecret is the Group-network analogue of GroupNetworkID.
func GroupNetworkSecret(networkName, sharedSecret string) [outputSize]byte {
	return NetworkSecret(sharedSecret, GroupSalt(networkName))
}
