// Package propagate implements transaction dissemination between nodes: a
// sender-side transfer flow that streams a signed transaction and serves
// on-demand dependency fetches, and a receiver-side resolution flow that
// walks the transitive dependency closure under the network size ceiling
// and verifies the result.
package propagate

import (
	"errors"

	"github.com/fxamacker/cbor/v2"

	"xdao.co/txflow/session"
	"xdao.co/txflow/txn"
)

// Protocol is the session protocol name the sender opens; receiving nodes
// register their resolution responder under it.
const Protocol = "txflow/resolve"

type msgKind uint8

const (
	msgRootTx msgKind = iota + 1
	msgFetchRequest
	msgFetchResponse
	msgDone
	msgError
)

// ItemKind tags one entry of a fetch response.
type ItemKind uint8

const (
	// ItemAttachment carries a raw blob.
	ItemAttachment ItemKind = iota + 1
	// ItemTransaction carries a canonical signed ancestor record. Its own
	// declared dependency ids join the receiver's frontier.
	ItemTransaction
	// ItemMissing reports that the sender does not hold the id. Fatal for
	// the receiver.
	ItemMissing
)

type item struct {
	ID    []byte   `cbor:"1,keyasint"`
	Kind  ItemKind `cbor:"2,keyasint"`
	Bytes []byte   `cbor:"3,keyasint,omitempty"`
}

// message is the single wire envelope of the dissemination protocol. Which
// fields are meaningful depends on Kind.
type message struct {
	Kind    msgKind  `cbor:"1,keyasint"`
	Root    []byte   `cbor:"2,keyasint,omitempty"`
	IDs     [][]byte `cbor:"3,keyasint,omitempty"`
	Items   []item   `cbor:"4,keyasint,omitempty"`
	ErrKind string   `cbor:"5,keyasint,omitempty"`
	Reason  string   `cbor:"6,keyasint,omitempty"`
}

var (
	msgEnc cbor.EncMode
	msgDec cbor.DecMode
)

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	dm, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
	msgEnc = em
	msgDec = dm
}

func encodeMessage(m *message) ([]byte, error) {
	return msgEnc.Marshal(m)
}

func decodeMessage(b []byte) (*message, error) {
	var m message
	if err := msgDec.Unmarshal(b, &m); err != nil {
		return nil, txn.WrapError(txn.KindCanonical, "malformed protocol message", err)
	}
	if m.Kind < msgRootTx || m.Kind > msgError {
		return nil, txn.NewError(txn.KindCanonical, "unknown message kind")
	}
	return &m, nil
}

// errKind extracts the stable category of a structured failure for the
// wire; plain errors travel without one.
func errKind(err error) string {
	var e *txn.Error
	if errors.As(err, &e) {
		return string(e.Kind)
	}
	return ""
}

// remoteError reconstructs a peer-reported failure as a typed local error,
// so the initiating caller can branch on the kind exactly as it would for a
// local failure.
func remoteError(m *message) error {
	switch kind := txn.Kind(m.ErrKind); kind {
	case txn.KindCanonical, txn.KindCrypto, txn.KindVerification,
		txn.KindSizeLimit, txn.KindPoisoned, txn.KindNotFound:
		return txn.NewError(kind, m.Reason)
	default:
		return &session.PeerError{Reason: m.Reason}
	}
}
