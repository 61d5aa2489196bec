package txn

import (
	"fmt"

	"github.com/ipfs/go-cid"

	"xdao.co/txflow/cidutil"
	"xdao.co/txflow/storage"
)

// Builder assembles a transaction proposal from outputs, commands,
// attachments and a notary reference, and runs the sender-side size
// pre-check before the proposal ever touches the network.
//
// The pre-check covers the canonical proposal bytes plus every locally-held
// copy of its declared attachments plus every already-resolved ancestor
// record, one hop only. It is an independent local check; the receiver
// re-enforces the same ceiling progressively during resolution.
type Builder struct {
	store storage.Store

	inputs      []cid.Cid
	outputs     []Output
	commands    []Command
	attachments []cid.Cid
	notary      string
}

func NewBuilder(store storage.Store, notary string) *Builder {
	return &Builder{store: store, notary: notary}
}

func (b *Builder) AddOutput(contract string, data []byte) *Builder {
	b.outputs = append(b.outputs, Output{Contract: contract, Data: data})
	return b
}

func (b *Builder) AddCommand(name string, args []byte, signers ...string) *Builder {
	b.commands = append(b.commands, Command{Name: name, Args: args, Signers: signers})
	return b
}

// AddAttachment stores blob in the dependency store and declares its id.
func (b *Builder) AddAttachment(blob []byte) (cid.Cid, error) {
	id, err := cidutil.AttachmentCID(blob)
	if err != nil {
		return cid.Undef, err
	}
	if err := b.store.Put(id, blob); err != nil {
		return cid.Undef, err
	}
	b.attachments = append(b.attachments, id)
	return id, nil
}

// AddInput declares an ancestor transaction id as a consumed input.
// The ancestor record does not have to be locally resolved at build time;
// unresolved inputs simply do not count toward the local pre-check.
func (b *Builder) AddInput(id cid.Cid) *Builder {
	b.inputs = append(b.inputs, id)
	return b
}

// Build assembles the proposal and fails with a SizeLimit error when the
// locally computable aggregate size already exceeds limit. The size is
// recomputed from scratch on every call; no verdict is cached across
// additions.
func (b *Builder) Build(limit uint64) (*Proposal, error) {
	p := &Proposal{
		Inputs:      append([]cid.Cid(nil), b.inputs...),
		Outputs:     append([]Output(nil), b.outputs...),
		Commands:    append([]Command(nil), b.commands...),
		Attachments: append([]cid.Cid(nil), b.attachments...),
		Notary:      b.notary,
	}

	canonical, err := p.Canonical()
	if err != nil {
		return nil, err
	}
	total := ContentSize(canonical)
	for _, id := range p.Dependencies() {
		content, err := b.store.Get(id)
		if storage.IsNotFound(err) {
			continue // one hop only: never speculatively resolve
		}
		if err != nil {
			return nil, err
		}
		total += ContentSize(content)
	}
	if total > limit {
		return nil, NewError(KindSizeLimit,
			fmt.Sprintf("transaction aggregate size %d exceeds network limit %d", total, limit))
	}
	return p, nil
}
