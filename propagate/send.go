package propagate

import (
	"context"

	"github.com/ipfs/go-cid"

	"xdao.co/txflow/flow"
	"xdao.co/txflow/session"
	"xdao.co/txflow/storage"
	"xdao.co/txflow/txn"
)

// SendFlowType names the sender flow in the engine registry.
const SendFlowType = "txflow/send"

// SendFlow delivers one signed transaction to one counterparty and serves
// its dependency fetches out of the local store. It answers exactly what is
// asked and never resolves beyond one hop: the receiver drives the closure
// walk, which keeps the sender stateless about the full graph.
//
// Store is injected at construction and re-injected by the registry factory
// on recovery; it is not part of the checkpointed state.
type SendFlow struct {
	Store storage.Store

	st sendState
}

type sendState struct {
	Peer   string `cbor:"1,keyasint"`
	SID    string `cbor:"2,keyasint,omitempty"`
	Root   []byte `cbor:"3,keyasint"`
	RootID []byte `cbor:"4,keyasint"`
}

// NewSendFlow prepares a transfer of stx to peer. The caller is expected to
// have assembled stx through the size pre-check already; this flow enforces
// nothing locally and lets the receiver's budget be the authority.
func NewSendFlow(store storage.Store, peer session.Identity, stx *txn.SignedTransaction) (*SendFlow, error) {
	root, err := stx.Canonical()
	if err != nil {
		return nil, err
	}
	id, err := stx.ID()
	if err != nil {
		return nil, err
	}
	return &SendFlow{
		Store: store,
		st:    sendState{Peer: string(peer), Root: root, RootID: id.Bytes()},
	}, nil
}

func (f *SendFlow) Type() string { return SendFlowType }

func (f *SendFlow) MarshalState() ([]byte, error) { return msgEnc.Marshal(&f.st) }
func (f *SendFlow) UnmarshalState(b []byte) error { return msgDec.Unmarshal(b, &f.st) }

func (f *SendFlow) Step(ctx context.Context, env *flow.Env, ev *flow.Event) (flow.Outcome, error) {
	if ev == nil {
		payload, err := encodeMessage(&message{Kind: msgRootTx, Root: f.st.Root})
		if err != nil {
			return flow.Outcome{}, err
		}
		sid, err := env.OpenSession(ctx, session.Identity(f.st.Peer), Protocol, payload)
		if err != nil {
			return flow.Outcome{}, err
		}
		f.st.SID = string(sid)
		return flow.Await(sid), nil
	}
	if ev.Resumed {
		// The receiver drives the protocol; after a restart there is
		// nothing to re-send, only the next request to await.
		return flow.Await(session.ID(f.st.SID)), nil
	}
	if ev.Err != nil {
		return flow.Outcome{}, ev.Err
	}

	m, err := decodeMessage(ev.Payload)
	if err != nil {
		return flow.Outcome{}, err
	}
	sid := session.ID(f.st.SID)

	switch m.Kind {
	case msgFetchRequest:
		// Serving the same ids twice is a correctness no-op, so a receiver
		// replaying a checkpointed request after a crash is harmless.
		resp, err := f.serveFetch(m.IDs)
		if err != nil {
			return flow.Outcome{}, err
		}
		payload, err := encodeMessage(resp)
		if err != nil {
			return flow.Outcome{}, err
		}
		if err := env.Send(ctx, sid, payload); err != nil {
			return flow.Outcome{}, err
		}
		return flow.Await(sid), nil

	case msgDone:
		_ = env.CloseSession(ctx, sid)
		id, err := cid.Cast(f.st.RootID)
		if err != nil {
			return flow.Outcome{}, err
		}
		return flow.Done(id), nil

	case msgError:
		return flow.Outcome{}, remoteError(m)

	default:
		return flow.Outcome{}, txn.NewError(txn.KindCanonical, "unexpected message from receiver")
	}
}

// serveFetch answers each requested id from the store. The kind follows the
// id's codec: dag-cbor ids are ancestor transactions, raw ids are
// attachments. Ids this node does not hold come back as ItemMissing.
func (f *SendFlow) serveFetch(ids [][]byte) (*message, error) {
	items := make([]item, 0, len(ids))
	for _, raw := range ids {
		id, err := cid.Cast(raw)
		if err != nil {
			return nil, txn.WrapError(txn.KindCanonical, "fetch request carries an invalid id", err)
		}
		content, err := f.Store.Get(id)
		if storage.IsNotFound(err) {
			items = append(items, item{ID: raw, Kind: ItemMissing})
			continue
		}
		if err != nil {
			return nil, err
		}
		kind := ItemAttachment
		if id.Prefix().Codec == cid.DagCBOR {
			kind = ItemTransaction
		}
		items = append(items, item{ID: raw, Kind: kind, Bytes: content})
	}
	return &message{Kind: msgFetchResponse, Items: items}, nil
}
