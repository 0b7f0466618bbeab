// Package meshnet holds the small set of types shared across every fabric
// package that would otherwise create an import cycle: the error kinds from
// §7 and the event types from §9's single-consumer event bus.
package meshnet

import "fmt"

// Kind classifies a fabric error per §7.
type Kind int

const (
	// KindParseError covers a bad on-disk snapshot version (§4.7).
	KindParseError Kind = iota
	// KindCryptoFailure covers secure-channel handshake failure, PSK
	// mismatch, or an untrusted identity.
	KindCryptoFailure
	// KindTimeout covers a stream read or a frame-feed deadline.
	KindTimeout
	// KindTransportError covers raw I/O failure on the underlying channel.
	KindTransportError
	// KindPolicyReject covers a synchronous, caller-visible policy
	// rejection: local-network-only filtering, a colliding network id on
	// secret change, an oversized message, or a port already in use.
	KindPolicyReject
	// KindInvariantViolation covers an unexpected remote identity on a
	// Private join.
	KindInvariantViolation
)

func (k Kind) String() string {
	switch k {
	case KindParseError:
		return "ParseError"
	case KindCryptoFailure:
		return "CryptoFailure"
	case KindTimeout:
		return "Timeout"
	case KindTransportError:
		return "TransportError"
	case KindPolicyReject:
		return "PolicyReject"
	case KindInvariantViolation:
		return "InvariantViolation"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type every fabric package returns for the
// kinds enumerated above, so callers can switch on Kind() rather than
// string-match error text.
type Error struct {
	kind    Kind
	message string
	cause   error
}

// New constructs a fabric error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{kind: kind, message: message}
}

// Wrap constructs a fabric error of the given kind, chaining cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{kind: kind, message: message, cause: cause}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.message)
}

func (e *Error) Unwrap() error { return e.cause }

// Kind reports the error's classification.
func (e *Error) Kind() Kind { return e.kind }

// Is reports whether err is a fabric error of the given kind.
func Is(err error, kind Kind) bool {
	fe, ok := err.(*Error)
	return ok && fe.kind == kind
}
