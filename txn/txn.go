// Package txn defines the transaction data model: proposals, attachments
// and signed ancestor transactions, all identified by deterministic content
// hashes of their canonical CBOR encoding.
package txn

import (
	"github.com/ipfs/go-cid"

	"xdao.co/txflow/cidutil"
)

// Output is an opaque contract state produced by a transaction.
type Output struct {
	Contract string
	Data     []byte
}

// Command instructs the contract engine and names the keys that must sign.
type Command struct {
	Name    string
	Args    []byte
	Signers []string
}

// Proposal is an unsigned transaction proposal.
//
// Inputs name ancestor SignedTransaction records by content id; Attachments
// name raw blobs. Inputs and Attachments together are the proposal's
// immediate dependencies.
type Proposal struct {
	Inputs      []cid.Cid
	Outputs     []Output
	Commands    []Command
	Attachments []cid.Cid
	Notary      string
}

// Canonical returns the deterministic canonical encoding of the proposal.
func (p *Proposal) Canonical() ([]byte, error) {
	return encodeProposal(p)
}

// ID returns the content id of the canonical proposal bytes.
func (p *Proposal) ID() (cid.Cid, error) {
	b, err := p.Canonical()
	if err != nil {
		return cid.Undef, err
	}
	return cidutil.TransactionCID(b)
}

// Dependencies returns the proposal's immediate dependency ids:
// inputs first, then attachments.
func (p *Proposal) Dependencies() []cid.Cid {
	deps := make([]cid.Cid, 0, len(p.Inputs)+len(p.Attachments))
	deps = append(deps, p.Inputs...)
	deps = append(deps, p.Attachments...)
	return deps
}

// SignedTransaction is a proposal plus the signatures collected over it.
// Ancestor transactions travel between nodes in this form.
type SignedTransaction struct {
	TxBytes    []byte // canonical Proposal encoding
	Signatures []Signature
}

// Proposal decodes the embedded canonical proposal bytes.
func (s *SignedTransaction) Proposal() (*Proposal, error) {
	return decodeProposal(s.TxBytes)
}

// Canonical returns the deterministic canonical encoding of the full signed
// record, signatures included. This is the form stored and transferred, and
// the form the record's content id is computed over.
func (s *SignedTransaction) Canonical() ([]byte, error) {
	return encodeSigned(s)
}

// ID returns the content id of the canonical signed record.
func (s *SignedTransaction) ID() (cid.Cid, error) {
	b, err := s.Canonical()
	if err != nil {
		return cid.Undef, err
	}
	return cidutil.TransactionCID(b)
}

// Dependencies returns the immediate dependency ids declared by the
// embedded proposal. It never resolves beyond one hop.
func (s *SignedTransaction) Dependencies() ([]cid.Cid, error) {
	p, err := s.Proposal()
	if err != nil {
		return nil, err
	}
	return p.Dependencies(), nil
}

// DecodeSignedTransaction parses a canonical signed record.
func DecodeSignedTransaction(b []byte) (*SignedTransaction, error) {
	return decodeSigned(b)
}

// ContentSize is the canonical size function shared by the sender-side
// pre-check and the receiver-side progressive check: the length of an
// item's canonical (or blob) bytes.
func ContentSize(b []byte) uint64 { return uint64(len(b)) }
