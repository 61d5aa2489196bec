package propagate

import (
	"bytes"
	"context"
	"errors"
	"sort"

	"github.com/ipfs/go-cid"

	"xdao.co/txflow/cidutil"
	"xdao.co/txflow/flow"
	"xdao.co/txflow/session"
	"xdao.co/txflow/storage"
	"xdao.co/txflow/txn"
)

// ResolveFlowType names the receiver flow in the engine registry. Register
// it as the responder for Protocol.
const ResolveFlowType = "txflow/resolve"

const (
	// DefaultMaxFetchRounds bounds round trips per transfer. An honest
	// closure of depth D needs at most D rounds.
	DefaultMaxFetchRounds = 64
	// DefaultMaxClosureSize bounds how many distinct dependency ids a peer
	// can make this node track.
	DefaultMaxClosureSize = 4096
)

// ResolveFlow is the receiving side of a transfer. It walks the transitive
// dependency closure of the offered transaction, fetching what the local
// store lacks in one batched request per round, charging every inbound item
// against the size budget, and finally hands the fully resolved transaction
// to the verifier. Peer-declared structure is never trusted: ids are
// re-hashed, the walk is bounded by round and closure ceilings, and a
// conflicting duplicate is rejected as poisoned.
//
// Store, Verifier and Limits are injected at construction (and by the
// registry factory on recovery); everything else checkpoints.
type ResolveFlow struct {
	Store          storage.Store
	Verifier       txn.Verifier
	Limits         LimitProvider
	MaxFetchRounds int
	MaxClosureSize int

	sid      session.ID
	root     []byte
	rootID   cid.Cid
	budget   SizeBudget
	frontier map[string]struct{}
	visited  map[string]struct{}
	rounds   int
}

type resolveState struct {
	SID      string     `cbor:"1,keyasint,omitempty"`
	Root     []byte     `cbor:"2,keyasint,omitempty"`
	RootID   []byte     `cbor:"3,keyasint,omitempty"`
	Budget   SizeBudget `cbor:"4,keyasint"`
	Frontier [][]byte   `cbor:"5,keyasint,omitempty"`
	Visited  [][]byte   `cbor:"6,keyasint,omitempty"`
	Rounds   int        `cbor:"7,keyasint,omitempty"`
}

func (f *ResolveFlow) Type() string { return ResolveFlowType }

func (f *ResolveFlow) MarshalState() ([]byte, error) {
	st := resolveState{
		SID:      string(f.sid),
		Root:     f.root,
		Budget:   f.budget,
		Frontier: sortedIDs(f.frontier),
		Visited:  sortedIDs(f.visited),
		Rounds:   f.rounds,
	}
	if f.rootID.Defined() {
		st.RootID = f.rootID.Bytes()
	}
	return msgEnc.Marshal(&st)
}

func (f *ResolveFlow) UnmarshalState(b []byte) error {
	var st resolveState
	if err := msgDec.Unmarshal(b, &st); err != nil {
		return err
	}
	f.sid = session.ID(st.SID)
	f.root = st.Root
	f.budget = st.Budget
	f.frontier = idSet(st.Frontier)
	f.visited = idSet(st.Visited)
	f.rounds = st.Rounds
	if len(st.RootID) > 0 {
		id, err := cid.Cast(st.RootID)
		if err != nil {
			return err
		}
		f.rootID = id
	}
	return nil
}

func (f *ResolveFlow) Step(ctx context.Context, env *flow.Env, ev *flow.Event) (flow.Outcome, error) {
	if ev == nil {
		return flow.Outcome{}, errors.New("propagate: resolution is responder-only")
	}
	if ev.Err != nil {
		return flow.Outcome{}, ev.Err
	}
	if f.sid == "" {
		f.sid = ev.Session
	}
	if ev.Resumed {
		// The answer to the outstanding request may have died with the
		// crash; re-drive the current round. The sender answers a repeated
		// request idempotently.
		if f.root == nil {
			return flow.Outcome{}, errors.New("propagate: resumed without a root transaction")
		}
		return f.advance(ctx, env)
	}

	m, err := decodeMessage(ev.Payload)
	if err != nil {
		return f.fail(ctx, env, err)
	}

	switch m.Kind {
	case msgRootTx:
		if f.root != nil {
			return f.fail(ctx, env, txn.NewError(txn.KindPoisoned, "duplicate root transaction"))
		}
		if err := f.acceptRoot(m.Root); err != nil {
			return f.fail(ctx, env, err)
		}
	case msgFetchResponse:
		if f.root == nil {
			return f.fail(ctx, env, txn.NewError(txn.KindPoisoned, "fetch response before root transaction"))
		}
		if err := f.absorb(m.Items); err != nil {
			return f.fail(ctx, env, err)
		}
	default:
		return f.fail(ctx, env, txn.NewError(txn.KindCanonical, "unexpected message from sender"))
	}
	return f.advance(ctx, env)
}

// acceptRoot decodes the offered transaction, snapshots the size limit,
// charges the root itself and seeds the frontier with its declared
// immediate dependency ids.
func (f *ResolveFlow) acceptRoot(root []byte) error {
	if len(root) == 0 {
		return txn.NewError(txn.KindCanonical, "empty root transaction")
	}
	stx, err := txn.DecodeSignedTransaction(root)
	if err != nil {
		return err
	}
	id, err := stx.ID()
	if err != nil {
		return err
	}
	deps, err := stx.Dependencies()
	if err != nil {
		return err
	}

	f.root = root
	f.rootID = id
	f.budget = SizeBudget{Limit: f.Limits.MaxTransactionSize()}
	f.frontier = make(map[string]struct{}, len(deps))
	f.visited = make(map[string]struct{})

	// The root is charged at its canonical proposal bytes, the exact input
	// the assembler pre-check totals, so both checks agree on rejection for
	// the same dataset under one snapshotted limit. Fetched items are
	// charged at their stored form on both sides (blobs raw, ancestors as
	// signed records).
	if err := f.budget.Charge(txn.ContentSize(stx.TxBytes)); err != nil {
		return err
	}
	for _, d := range deps {
		f.frontier[string(d.Bytes())] = struct{}{}
	}
	return f.checkClosureSize()
}

// absorb folds one fetch response into the walk: integrity check, size
// charge, store insert, and frontier expansion for ancestor transactions.
// Resolution aborts at the first overflow, before any further item is
// processed.
func (f *ResolveFlow) absorb(items []item) error {
	for _, it := range items {
		id, err := cid.Cast(it.ID)
		if err != nil {
			return txn.WrapError(txn.KindCanonical, "fetch response carries an invalid id", err)
		}
		key := string(id.Bytes())
		if _, ok := f.visited[key]; ok {
			// Duplicate answer, e.g. after a replayed request. No-op.
			continue
		}
		if _, ok := f.frontier[key]; !ok {
			return txn.NewError(txn.KindPoisoned, "unsolicited item "+id.String())
		}
		if it.Kind == ItemMissing {
			return txn.NewError(txn.KindNotFound, "sender does not hold "+id.String())
		}
		if err := cidutil.Verify(id, it.Bytes); err != nil {
			return txn.WrapError(txn.KindPoisoned, "item "+id.String()+" does not hash to its id", err)
		}
		wantKind := ItemAttachment
		if id.Prefix().Codec == cid.DagCBOR {
			wantKind = ItemTransaction
		}
		if it.Kind != wantKind {
			return txn.NewError(txn.KindPoisoned, "item "+id.String()+" kind disagrees with its id")
		}
		if err := f.budget.Charge(txn.ContentSize(it.Bytes)); err != nil {
			return err
		}
		if err := f.Store.Put(id, it.Bytes); err != nil {
			if errors.Is(err, storage.ErrImmutable) || errors.Is(err, storage.ErrMismatch) {
				return txn.WrapError(txn.KindPoisoned, "conflicting content for "+id.String(), err)
			}
			return err
		}
		if it.Kind == ItemTransaction {
			if err := f.expand(it.Bytes); err != nil {
				return err
			}
		}
		delete(f.frontier, key)
		f.visited[key] = struct{}{}
		if err := f.checkClosureSize(); err != nil {
			return err
		}
	}
	return nil
}

// expand unions an ancestor's declared dependency ids into the frontier.
func (f *ResolveFlow) expand(record []byte) error {
	stx, err := txn.DecodeSignedTransaction(record)
	if err != nil {
		return err
	}
	deps, err := stx.Dependencies()
	if err != nil {
		return err
	}
	for _, d := range deps {
		dk := string(d.Bytes())
		if _, seen := f.visited[dk]; seen {
			continue
		}
		f.frontier[dk] = struct{}{}
	}
	return nil
}

// advance drains the frontier of everything the local store already holds
// (expanding locally held ancestors too), then either completes or batches
// all still-missing ids into a single fetch request and suspends.
func (f *ResolveFlow) advance(ctx context.Context, env *flow.Env) (flow.Outcome, error) {
	work := make([]string, 0, len(f.frontier))
	for k := range f.frontier {
		work = append(work, k)
	}
	for len(work) > 0 {
		key := work[len(work)-1]
		work = work[:len(work)-1]
		if _, ok := f.frontier[key]; !ok {
			continue
		}
		id, err := cid.Cast([]byte(key))
		if err != nil {
			return f.fail(ctx, env, txn.WrapError(txn.KindCanonical, "invalid dependency id", err))
		}
		if !f.Store.Has(id) {
			continue
		}
		delete(f.frontier, key)
		f.visited[key] = struct{}{}
		if id.Prefix().Codec == cid.DagCBOR {
			record, err := f.Store.Get(id)
			if err != nil {
				return f.fail(ctx, env, err)
			}
			before := len(f.frontier)
			if err := f.expand(record); err != nil {
				return f.fail(ctx, env, err)
			}
			if len(f.frontier) != before {
				for k := range f.frontier {
					work = append(work, k)
				}
			}
			if err := f.checkClosureSize(); err != nil {
				return f.fail(ctx, env, err)
			}
		}
	}

	if len(f.frontier) == 0 {
		return f.complete(ctx, env)
	}

	f.rounds++
	if f.rounds > f.maxRounds() {
		return f.fail(ctx, env, txn.NewError(txn.KindPoisoned, "fetch round ceiling exceeded"))
	}
	missing := make([][]byte, 0, len(f.frontier))
	for k := range f.frontier {
		missing = append(missing, []byte(k))
	}
	sort.Slice(missing, func(i, j int) bool { return bytes.Compare(missing[i], missing[j]) < 0 })

	payload, err := encodeMessage(&message{Kind: msgFetchRequest, IDs: missing})
	if err != nil {
		return flow.Outcome{}, err
	}
	if err := env.Send(ctx, f.sid, payload); err != nil {
		return flow.Outcome{}, err
	}
	return flow.Await(f.sid), nil
}

// complete verifies the fully resolved transaction, stores it and reports
// success to the sender.
func (f *ResolveFlow) complete(ctx context.Context, env *flow.Env) (flow.Outcome, error) {
	stx, err := txn.DecodeSignedTransaction(f.root)
	if err != nil {
		return f.fail(ctx, env, err)
	}
	if err := f.Verifier.Verify(ctx, stx, &storeDeps{store: f.Store}); err != nil {
		return f.fail(ctx, env, err)
	}
	if err := f.Store.Put(f.rootID, f.root); err != nil {
		return f.fail(ctx, env, err)
	}
	payload, err := encodeMessage(&message{Kind: msgDone})
	if err != nil {
		return flow.Outcome{}, err
	}
	if err := env.Send(ctx, f.sid, payload); err != nil {
		return flow.Outcome{}, err
	}
	return flow.Done(f.rootID), nil
}

// fail reports the failure to the sender before surfacing it locally, so
// the sender never hangs on a dead transfer.
func (f *ResolveFlow) fail(ctx context.Context, env *flow.Env, err error) (flow.Outcome, error) {
	if f.sid != "" {
		payload, encErr := encodeMessage(&message{Kind: msgError, ErrKind: errKind(err), Reason: err.Error()})
		if encErr == nil {
			_ = env.Send(ctx, f.sid, payload)
		}
	}
	return flow.Outcome{}, err
}

func (f *ResolveFlow) checkClosureSize() error {
	if len(f.visited)+len(f.frontier) > f.maxClosure() {
		return txn.NewError(txn.KindPoisoned, "dependency closure exceeds the tracking ceiling")
	}
	return nil
}

func (f *ResolveFlow) maxRounds() int {
	if f.MaxFetchRounds > 0 {
		return f.MaxFetchRounds
	}
	return DefaultMaxFetchRounds
}

func (f *ResolveFlow) maxClosure() int {
	if f.MaxClosureSize > 0 {
		return f.MaxClosureSize
	}
	return DefaultMaxClosureSize
}

func sortedIDs(set map[string]struct{}) [][]byte {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([][]byte, len(keys))
	for i, k := range keys {
		out[i] = []byte(k)
	}
	return out
}

func idSet(ids [][]byte) map[string]struct{} {
	m := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		m[string(id)] = struct{}{}
	}
	return m
}

// storeDeps exposes the fully resolved closure to the verifier.
type storeDeps struct {
	store storage.Store
}

func (d *storeDeps) Transaction(id cid.Cid) (*txn.SignedTransaction, error) {
	b, err := d.store.Get(id)
	if err != nil {
		return nil, err
	}
	return txn.DecodeSignedTransaction(b)
}

func (d *storeDeps) Attachment(id cid.Cid) ([]byte, error) {
	return d.store.Get(id)
}
