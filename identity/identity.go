// Package identity defines the 256-bit user and network identities shared
// across the mesh fabric, and the masking scheme used to advertise a user
// id over the DHT without disclosing it.
package identity

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

var errUserIDLength = errors.New("identity: decoded user id has the wrong length")

// userIDMaskSalt is the HMAC message used to derive a MaskedUserID from a
// UserID. It is a fixed domain-separation tag, not a secret.
var userIDMaskSalt = []byte("meshnet/masked-user-id/v1")

// UserID is the 256-bit identity of a human user, bound to their long-lived
// keypair on the owning Node.
type UserID [32]byte

// MaskedUserID is the public, non-reversible form of a UserID used to look
// a peer up via the DHT without revealing the id itself.
type MaskedUserID [32]byte

// String renders the id as lowercase hex.
func (u UserID) String() string {
	return hex.EncodeToString(u[:])
}

func (m MaskedUserID) String() string {
	return hex.EncodeToString(m[:])
}

// ParseUserID decodes the lowercase-hex form String produces, the inverse
// needed to carry a UserID over a text-based wire field (e.g. a
// PeerExchange identity list).
func ParseUserID(s string) (UserID, error) {
	var out UserID
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return out, err
	}
	if len(decoded) != len(out) {
		return out, errUserIDLength
	}
	copy(out[:], decoded)
	return out, nil
}

// IsZero reports whether the id has never been set.
func (u UserID) IsZero() bool {
	return u == UserID{}
}

// Bytes returns a copy of the id as a byte slice, matching the shape the
// secure-channel PSK derivation expects (§4.5 "psk = otherPeer.PeerUserId.bytes").
func (u UserID) Bytes() []byte {
	b := make([]byte, len(u))
	copy(b, u[:])
	return b
}

// XOR returns a ^ b, used to derive the Private network salt (§3: "for
// Private salt = localUserId XOR otherUserId"). XOR is commutative, which
// is what gives Private networks the A/B symmetry required by property 2.
func XOR(a, b UserID) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// Mask computes the masked id disclosed for DHT lookups:
// HMAC-SHA256(userIDMaskSalt, key=UserID).
func (u UserID) Mask() MaskedUserID {
	mac := hmac.New(sha256.New, u[:])
	mac.Write(userIDMaskSalt)
	var out MaskedUserID
	copy(out[:], mac.Sum(nil))
	return out
}
