package txn

import (
	"context"
	"strconv"

	"github.com/ipfs/go-cid"
)

// Dependencies gives the verifier resolved access to the transaction's
// closure: every input ancestor and attachment, already integrity-checked.
type Dependencies interface {
	Transaction(id cid.Cid) (*SignedTransaction, error)
	Attachment(id cid.Cid) ([]byte, error)
}

// Verifier is the external verification capability consumed by the
// resolution flow. Implementations return nil on acceptance or an Error of
// KindVerification carrying the structured rejection reason.
type Verifier interface {
	Verify(ctx context.Context, stx *SignedTransaction, deps Dependencies) error
}

// ContractFunc checks contract constraints for one proposal against its
// resolved dependencies.
type ContractFunc func(ctx context.Context, p *Proposal, deps Dependencies) error

// StandardVerifier checks signatures over the canonical bytes, notary
// reference consistency with every input ancestor, and then delegates to an
// optional contract check.
type StandardVerifier struct {
	// Contracts is consulted last; nil skips contract checking.
	Contracts ContractFunc
}

func (v *StandardVerifier) Verify(ctx context.Context, stx *SignedTransaction, deps Dependencies) error {
	if stx == nil {
		return NewError(KindVerification, "nil transaction")
	}
	p, err := stx.Proposal()
	if err != nil {
		return err
	}

	if len(stx.Signatures) == 0 {
		return NewError(KindVerification, "transaction carries no signatures")
	}
	for i, sig := range stx.Signatures {
		if err := sig.Verify(stx.TxBytes); err != nil {
			return WrapError(KindVerification,
				"signature "+strconv.Itoa(i)+" rejected", err)
		}
	}

	for _, in := range p.Inputs {
		ancestor, err := deps.Transaction(in)
		if err != nil {
			return WrapError(KindVerification, "input "+in.String()+" unavailable", err)
		}
		ap, err := ancestor.Proposal()
		if err != nil {
			return err
		}
		if ap.Notary != p.Notary {
			return NewError(KindVerification,
				"notary mismatch: input "+in.String()+" uses "+ap.Notary+", proposal uses "+p.Notary)
		}
	}

	if v.Contracts != nil {
		if err := v.Contracts(ctx, p, deps); err != nil {
			if IsKind(err, KindVerification) {
				return err
			}
			return WrapError(KindVerification, "contract constraints rejected", err)
		}
	}
	return nil
}
