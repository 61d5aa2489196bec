package txn

import "errors"

// Kind is a stable category for programmatic error handling.
//
// Callers should branch on Kind rather than matching error strings.
// Error() strings are intentionally human-readable and may evolve.
type Kind string

const (
	// KindCanonical: the bytes are not a valid canonical encoding.
	KindCanonical Kind = "Canonical"
	// KindCrypto: malformed key or signature material.
	KindCrypto Kind = "Crypto"
	// KindVerification: the transaction fails a business rule
	// (invalid signature, notary mismatch, contract constraint).
	KindVerification Kind = "Verification"
	// KindSizeLimit: the aggregate transaction size exceeds the network
	// ceiling. Never retried.
	KindSizeLimit Kind = "SizeLimit"
	// KindPoisoned: received bytes do not hash to the requested id.
	// A protocol integrity violation; fatal, no retry.
	KindPoisoned Kind = "Poisoned"
	// KindNotFound: a counterparty lacks a requested dependency. Fatal.
	KindNotFound Kind = "NotFound"
)

// Error is the structured error type shared by assembly, verification and
// the dissemination protocol.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func NewError(kind Kind, msg string) error {
	return &Error{Kind: kind, Message: msg}
}

func WrapError(kind Kind, msg string, cause error) error {
	if cause == nil {
		return NewError(kind, msg)
	}
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

// IsKind reports whether err is (or wraps) a *Error with the given Kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}
