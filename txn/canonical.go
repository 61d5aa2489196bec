package txn

import (
	"github.com/fxamacker/cbor/v2"
	"github.com/ipfs/go-cid"
)

// Canonical CBOR (RFC 8949 core deterministic profile) so identical
// transactions always produce identical bytes, and therefore identical ids.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
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
	encMode = em
	decMode = dm
}

// Wire shapes keep ids as raw multihash bytes; cid.Cid stays out of the
// encoded form so the encoding is independent of library internals.
type wireProposal struct {
	Inputs      [][]byte      `cbor:"1,keyasint"`
	Outputs     []wireOutput  `cbor:"2,keyasint"`
	Commands    []wireCommand `cbor:"3,keyasint"`
	Attachments [][]byte      `cbor:"4,keyasint"`
	Notary      string        `cbor:"5,keyasint"`
}

type wireOutput struct {
	Contract string `cbor:"1,keyasint"`
	Data     []byte `cbor:"2,keyasint"`
}

type wireCommand struct {
	Name    string   `cbor:"1,keyasint"`
	Args    []byte   `cbor:"2,keyasint"`
	Signers []string `cbor:"3,keyasint"`
}

type wireSigned struct {
	TxBytes    []byte          `cbor:"1,keyasint"`
	Signatures []wireSignature `cbor:"2,keyasint"`
}

type wireSignature struct {
	Alg       string `cbor:"1,keyasint"`
	HashAlg   string `cbor:"2,keyasint"`
	PublicKey []byte `cbor:"3,keyasint"`
	Sig       []byte `cbor:"4,keyasint"`
}

func encodeProposal(p *Proposal) ([]byte, error) {
	if p == nil {
		return nil, NewError(KindCanonical, "nil proposal")
	}
	w := wireProposal{
		Inputs:      cidsToBytes(p.Inputs),
		Attachments: cidsToBytes(p.Attachments),
		Notary:      p.Notary,
	}
	for _, o := range p.Outputs {
		w.Outputs = append(w.Outputs, wireOutput{Contract: o.Contract, Data: o.Data})
	}
	for _, c := range p.Commands {
		w.Commands = append(w.Commands, wireCommand{Name: c.Name, Args: c.Args, Signers: c.Signers})
	}
	b, err := encMode.Marshal(&w)
	if err != nil {
		return nil, WrapError(KindCanonical, "encode proposal", err)
	}
	return b, nil
}

func decodeProposal(b []byte) (*Proposal, error) {
	var w wireProposal
	if err := decMode.Unmarshal(b, &w); err != nil {
		return nil, WrapError(KindCanonical, "decode proposal", err)
	}
	p := &Proposal{Notary: w.Notary}
	var err error
	if p.Inputs, err = bytesToCIDs(w.Inputs); err != nil {
		return nil, WrapError(KindCanonical, "decode input id", err)
	}
	if p.Attachments, err = bytesToCIDs(w.Attachments); err != nil {
		return nil, WrapError(KindCanonical, "decode attachment id", err)
	}
	for _, o := range w.Outputs {
		p.Outputs = append(p.Outputs, Output{Contract: o.Contract, Data: o.Data})
	}
	for _, c := range w.Commands {
		p.Commands = append(p.Commands, Command{Name: c.Name, Args: c.Args, Signers: c.Signers})
	}
	return p, nil
}

func encodeSigned(s *SignedTransaction) ([]byte, error) {
	if s == nil {
		return nil, NewError(KindCanonical, "nil signed transaction")
	}
	w := wireSigned{TxBytes: s.TxBytes}
	for _, sig := range s.Signatures {
		w.Signatures = append(w.Signatures, wireSignature{
			Alg:       sig.Alg,
			HashAlg:   sig.HashAlg,
			PublicKey: sig.PublicKey,
			Sig:       sig.Sig,
		})
	}
	b, err := encMode.Marshal(&w)
	if err != nil {
		return nil, WrapError(KindCanonical, "encode signed transaction", err)
	}
	return b, nil
}

func decodeSigned(b []byte) (*SignedTransaction, error) {
	var w wireSigned
	if err := decMode.Unmarshal(b, &w); err != nil {
		return nil, WrapError(KindCanonical, "decode signed transaction", err)
	}
	s := &SignedTransaction{TxBytes: w.TxBytes}
	for _, sig := range w.Signatures {
		s.Signatures = append(s.Signatures, Signature{
			Alg:       sig.Alg,
			HashAlg:   sig.HashAlg,
			PublicKey: sig.PublicKey,
			Sig:       sig.Sig,
		})
	}
	return s, nil
}

func cidsToBytes(ids []cid.Cid) [][]byte {
	out := make([][]byte, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.Bytes())
	}
	return out
}

func bytesToCIDs(raw [][]byte) ([]cid.Cid, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make([]cid.Cid, 0, len(raw))
	for _, b := range raw {
		id, err := cid.Cast(b)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}
