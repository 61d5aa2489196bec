package txn

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/ipfs/go-cid"

	"xdao.co/txflow/cidutil"
)

func sampleProposal(t *testing.T) *Proposal {
	t.Helper()
	att, err := cidutil.AttachmentCID([]byte("attachment"))
	if err != nil {
		t.Fatalf("AttachmentCID failed: %v", err)
	}
	return &Proposal{
		Outputs:     []Output{{Contract: "example.Token", Data: []byte{1, 2, 3}}},
		Commands:    []Command{{Name: "Issue", Signers: []string{"issuer"}}},
		Attachments: []cid.Cid{att},
		Notary:      "notary-a",
	}
}

func TestProposalCanonicalDeterministic(t *testing.T) {
	p := sampleProposal(t)
	a, err := p.Canonical()
	if err != nil {
		t.Fatalf("Canonical failed: %v", err)
	}
	b, err := p.Canonical()
	if err != nil {
		t.Fatalf("Canonical failed: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatalf("canonical encoding is not deterministic")
	}

	id1, err := p.ID()
	if err != nil {
		t.Fatalf("ID failed: %v", err)
	}
	id2, err := p.ID()
	if err != nil {
		t.Fatalf("ID failed: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("proposal id not stable: %s vs %s", id1, id2)
	}
}

func TestProposalRoundTrip(t *testing.T) {
	p := sampleProposal(t)
	b, err := p.Canonical()
	if err != nil {
		t.Fatalf("Canonical failed: %v", err)
	}
	got, err := decodeProposal(b)
	if err != nil {
		t.Fatalf("decodeProposal failed: %v", err)
	}
	if got.Notary != p.Notary {
		t.Fatalf("notary: got %q want %q", got.Notary, p.Notary)
	}
	if len(got.Attachments) != 1 || got.Attachments[0] != p.Attachments[0] {
		t.Fatalf("attachments did not survive the round trip")
	}
	gotID, err := got.ID()
	if err != nil {
		t.Fatalf("ID failed: %v", err)
	}
	wantID, err := p.ID()
	if err != nil {
		t.Fatalf("ID failed: %v", err)
	}
	if gotID != wantID {
		t.Fatalf("id changed across round trip: %s vs %s", gotID, wantID)
	}
}

func TestSignedTransactionID(t *testing.T) {
	p := sampleProposal(t)
	txBytes, err := p.Canonical()
	if err != nil {
		t.Fatalf("Canonical failed: %v", err)
	}
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	stx := &SignedTransaction{TxBytes: txBytes, Signatures: []Signature{SignEd25519(txBytes, priv)}}

	rec, err := stx.Canonical()
	if err != nil {
		t.Fatalf("Canonical failed: %v", err)
	}
	id, err := stx.ID()
	if err != nil {
		t.Fatalf("ID failed: %v", err)
	}
	if err := cidutil.Verify(id, rec); err != nil {
		t.Fatalf("signed record does not verify against its own id: %v", err)
	}

	decoded, err := DecodeSignedTransaction(rec)
	if err != nil {
		t.Fatalf("DecodeSignedTransaction failed: %v", err)
	}
	deps, err := decoded.Dependencies()
	if err != nil {
		t.Fatalf("Dependencies failed: %v", err)
	}
	if len(deps) != 1 {
		t.Fatalf("dependencies: got %d want 1", len(deps))
	}
}
