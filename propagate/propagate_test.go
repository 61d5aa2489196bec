package propagate

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"github.com/ipfs/go-cid"

	"xdao.co/txflow/cidutil"
	"xdao.co/txflow/flow"
	"xdao.co/txflow/session"
	"xdao.co/txflow/storage"
	"xdao.co/txflow/storage/memstore"
	"xdao.co/txflow/txn"
)

const testNotary = "notary-1"

func testKey(t *testing.T) ed25519.PrivateKey {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return priv
}

func signRecord(t *testing.T, p *txn.Proposal, priv ed25519.PrivateKey) *txn.SignedTransaction {
	t.Helper()
	b, err := p.Canonical()
	if err != nil {
		t.Fatalf("Canonical: %v", err)
	}
	return &txn.SignedTransaction{
		TxBytes:    b,
		Signatures: []txn.Signature{txn.SignEd25519(b, priv)},
	}
}

func storeRecord(t *testing.T, s storage.Store, stx *txn.SignedTransaction) cid.Cid {
	t.Helper()
	b, err := stx.Canonical()
	if err != nil {
		t.Fatalf("Canonical: %v", err)
	}
	id, err := stx.ID()
	if err != nil {
		t.Fatalf("ID: %v", err)
	}
	if err := s.Put(id, b); err != nil {
		t.Fatalf("Put: %v", err)
	}
	return id
}

func storeBlob(t *testing.T, s storage.Store, blob []byte) cid.Cid {
	t.Helper()
	id, err := cidutil.AttachmentCID(blob)
	if err != nil {
		t.Fatalf("AttachmentCID: %v", err)
	}
	if err := s.Put(id, blob); err != nil {
		t.Fatalf("Put: %v", err)
	}
	return id
}

// fetchCounter counts fetch rounds and records every requested id on the
// receiver's outbound path.
type fetchCounter struct {
	inner session.Transport

	mu     sync.Mutex
	rounds int
	ids    map[string]struct{}
}

func (c *fetchCounter) Send(ctx context.Context, to session.Identity, f session.Frame) error {
	if f.Kind == session.KindData {
		if m, err := decodeMessage(f.Payload); err == nil && m.Kind == msgFetchRequest {
			c.mu.Lock()
			c.rounds++
			for _, id := range m.IDs {
				c.ids[string(id)] = struct{}{}
			}
			c.mu.Unlock()
		}
	}
	return c.inner.Send(ctx, to, f)
}

func (c *fetchCounter) snapshot() (int, map[string]struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make(map[string]struct{}, len(c.ids))
	for k := range c.ids {
		ids[k] = struct{}{}
	}
	return c.rounds, ids
}

type harness struct {
	senderStore   *memstore.Store
	receiverStore *memstore.Store
	sender        *flow.Engine
	counter       *fetchCounter
}

func newHarness(t *testing.T, limit uint64) *harness {
	t.Helper()
	net := session.NewNetwork()
	t.Cleanup(net.Close)

	h := &harness{
		senderStore:   memstore.New(),
		receiverStore: memstore.New(),
	}
	h.sender = flow.NewEngine(flow.Options{Self: "sender", Transport: net.Bind("sender")})

	h.counter = &fetchCounter{inner: net.Bind("receiver"), ids: make(map[string]struct{})}
	receiver := flow.NewEngine(flow.Options{Self: "receiver", Transport: h.counter})
	receiver.Register(ResolveFlowType, func() flow.Flow {
		return &ResolveFlow{
			Store:    h.receiverStore,
			Verifier: &txn.StandardVerifier{},
			Limits:   FixedLimit(limit),
		}
	})
	receiver.RegisterResponder(Protocol, ResolveFlowType)

	net.Attach("sender", h.sender)
	net.Attach("receiver", receiver)
	return h
}

// transfer runs a full send/resolve exchange using h.senderStore as the
// sender's dependency store and returns the sender flow's result.
func (h *harness) transfer(t *testing.T, stx *txn.SignedTransaction) (any, error) {
	t.Helper()
	sf, err := NewSendFlow(h.senderStore, "receiver", stx)
	if err != nil {
		t.Fatalf("NewSendFlow: %v", err)
	}
	handle, err := h.sender.Start(context.Background(), sf)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return handle.Wait(ctx)
}

func TestTransfer_AllLocal_ZeroFetchRounds(t *testing.T) {
	h := newHarness(t, 1<<20)
	priv := testKey(t)

	// Both sides already hold the closure from earlier unrelated transfers.
	blob := []byte("shared attachment")
	ancestor := signRecord(t, &txn.Proposal{
		Outputs: []txn.Output{{Contract: "asset", Data: []byte("genesis")}},
		Notary:  testNotary,
	}, priv)

	ancestorID := storeRecord(t, h.senderStore, ancestor)
	blobID := storeBlob(t, h.senderStore, blob)
	storeRecord(t, h.receiverStore, ancestor)
	storeBlob(t, h.receiverStore, blob)

	root := signRecord(t, &txn.Proposal{
		Inputs:      []cid.Cid{ancestorID},
		Outputs:     []txn.Output{{Contract: "asset", Data: []byte("moved")}},
		Attachments: []cid.Cid{blobID},
		Notary:      testNotary,
	}, priv)

	res, err := h.transfer(t, root)
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	wantID, err := root.ID()
	if err != nil {
		t.Fatalf("ID: %v", err)
	}
	if got, ok := res.(cid.Cid); !ok || got != wantID {
		t.Fatalf("result: got %v want %v", res, wantID)
	}

	rounds, _ := h.counter.snapshot()
	if rounds != 0 {
		t.Fatalf("fetch rounds: got %d want 0", rounds)
	}
	if !h.receiverStore.Has(wantID) {
		t.Fatalf("receiver did not store the accepted transaction")
	}
}

func TestTransfer_FetchesTransitiveClosure(t *testing.T) {
	h := newHarness(t, 1<<20)
	priv := testKey(t)

	grandparent := signRecord(t, &txn.Proposal{
		Outputs: []txn.Output{{Contract: "asset", Data: []byte("g")}},
		Notary:  testNotary,
	}, priv)
	gpID := storeRecord(t, h.senderStore, grandparent)
	blob1 := storeBlob(t, h.senderStore, []byte("attachment one"))

	parent := signRecord(t, &txn.Proposal{
		Inputs:      []cid.Cid{gpID},
		Outputs:     []txn.Output{{Contract: "asset", Data: []byte("p")}},
		Attachments: []cid.Cid{blob1},
		Notary:      testNotary,
	}, priv)
	parentID := storeRecord(t, h.senderStore, parent)
	blob2 := storeBlob(t, h.senderStore, []byte("attachment two"))

	root := signRecord(t, &txn.Proposal{
		Inputs:      []cid.Cid{parentID},
		Outputs:     []txn.Output{{Contract: "asset", Data: []byte("r")}},
		Attachments: []cid.Cid{blob2},
		Notary:      testNotary,
	}, priv)

	if _, err := h.transfer(t, root); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	// One batched request per depth level: {parent, blob2} then {gp, blob1}.
	rounds, requested := h.counter.snapshot()
	if rounds != 2 {
		t.Fatalf("fetch rounds: got %d want 2", rounds)
	}
	want := map[string]cid.Cid{
		"grandparent": gpID,
		"parent":      parentID,
		"blob1":       blob1,
		"blob2":       blob2,
	}
	if len(requested) != len(want) {
		t.Fatalf("requested ids: got %d want %d", len(requested), len(want))
	}
	for name, id := range want {
		if _, ok := requested[string(id.Bytes())]; !ok {
			t.Fatalf("%s was never requested", name)
		}
		if !h.receiverStore.Has(id) {
			t.Fatalf("%s missing from receiver store after success", name)
		}
	}
}

func TestTransfer_ReceiverEnforcesSizeLimit(t *testing.T) {
	const mb = 1 << 20
	// The sender skips its pre-check entirely; the receiver's progressive
	// budget must reject and the sender must get a typed failure, not hang.
	h := newHarness(t, 3*mb)
	priv := testKey(t)

	var atts []cid.Cid
	for i := 0; i < 4; i++ {
		blob := make([]byte, mb)
		blob[0] = byte(i + 1)
		atts = append(atts, storeBlob(t, h.senderStore, blob))
	}
	root := signRecord(t, &txn.Proposal{
		Outputs:     []txn.Output{{Contract: "asset", Data: []byte("big")}},
		Attachments: atts,
		Notary:      testNotary,
	}, priv)

	_, err := h.transfer(t, root)
	if !txn.IsKind(err, txn.KindSizeLimit) {
		t.Fatalf("transfer: got %v want a SizeLimit error", err)
	}
	id, _ := root.ID()
	if h.receiverStore.Has(id) {
		t.Fatalf("receiver stored a transaction that blew the size limit")
	}
}

func TestTransfer_MissingDependencyIsFatal(t *testing.T) {
	h := newHarness(t, 1<<20)
	priv := testKey(t)

	ghost, err := cidutil.AttachmentCID([]byte("never stored"))
	if err != nil {
		t.Fatalf("AttachmentCID: %v", err)
	}
	root := signRecord(t, &txn.Proposal{
		Outputs:     []txn.Output{{Contract: "asset", Data: []byte("x")}},
		Attachments: []cid.Cid{ghost},
		Notary:      testNotary,
	}, priv)

	_, err = h.transfer(t, root)
	if !txn.IsKind(err, txn.KindNotFound) {
		t.Fatalf("transfer: got %v want a NotFound error", err)
	}
}

// tamperStore corrupts one id's content on the way out, simulating a sender
// that serves bytes not matching the requested hash.
type tamperStore struct {
	storage.Store
	target cid.Cid
}

func (s *tamperStore) Get(id cid.Cid) ([]byte, error) {
	b, err := s.Store.Get(id)
	if err == nil && id == s.target {
		b = append([]byte(nil), b...)
		b[0] ^= 0xff
	}
	return b, err
}

func TestTransfer_PoisonedDataRejected(t *testing.T) {
	h := newHarness(t, 1<<20)
	priv := testKey(t)

	blobID := storeBlob(t, h.senderStore, []byte("attachment payload"))
	root := signRecord(t, &txn.Proposal{
		Outputs:     []txn.Output{{Contract: "asset", Data: []byte("x")}},
		Attachments: []cid.Cid{blobID},
		Notary:      testNotary,
	}, priv)

	sf, err := NewSendFlow(&tamperStore{Store: h.senderStore, target: blobID}, "receiver", root)
	if err != nil {
		t.Fatalf("NewSendFlow: %v", err)
	}
	handle, err := h.sender.Start(context.Background(), sf)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = handle.Wait(ctx)
	if !txn.IsKind(err, txn.KindPoisoned) {
		t.Fatalf("Wait: got %v want a Poisoned error", err)
	}
	if h.receiverStore.Has(blobID) {
		t.Fatalf("receiver stored poisoned bytes")
	}
}

func TestTransfer_UnsignedRootFailsVerification(t *testing.T) {
	h := newHarness(t, 1<<20)

	p := &txn.Proposal{
		Outputs: []txn.Output{{Contract: "asset", Data: []byte("x")}},
		Notary:  testNotary,
	}
	b, err := p.Canonical()
	if err != nil {
		t.Fatalf("Canonical: %v", err)
	}
	root := &txn.SignedTransaction{TxBytes: b}

	_, err = h.transfer(t, root)
	if !txn.IsKind(err, txn.KindVerification) {
		t.Fatalf("transfer: got %v want a Verification error", err)
	}
}

func TestTransfer_LimitSymmetryAtBoundary(t *testing.T) {
	blob := []byte("boundary attachment payload")
	blobID, err := cidutil.AttachmentCID(blob)
	if err != nil {
		t.Fatalf("AttachmentCID: %v", err)
	}
	p := &txn.Proposal{
		Outputs:     []txn.Output{{Contract: "asset", Data: []byte("x")}},
		Attachments: []cid.Cid{blobID},
		Notary:      testNotary,
	}
	canonical, err := p.Canonical()
	if err != nil {
		t.Fatalf("Canonical: %v", err)
	}
	limit := txn.ContentSize(canonical) + txn.ContentSize(blob)

	h := newHarness(t, limit)
	priv := testKey(t)
	storeBlob(t, h.senderStore, blob)

	// The sender pre-check accepts exactly at the limit and rejects one
	// byte below it.
	b := txn.NewBuilder(h.senderStore, testNotary)
	b.AddOutput("asset", []byte("x"))
	if _, err := b.AddAttachment(blob); err != nil {
		t.Fatalf("AddAttachment: %v", err)
	}
	if _, err := b.Build(limit); err != nil {
		t.Fatalf("Build at the exact limit: %v", err)
	}
	if _, err := b.Build(limit - 1); !txn.IsKind(err, txn.KindSizeLimit) {
		t.Fatalf("Build one byte under: got %v want a SizeLimit error", err)
	}

	// The receiver, under the same snapshotted limit, accepts the same
	// dataset: both sides account the root at its canonical proposal bytes
	// and the attachment at its blob length.
	root := signRecord(t, p, priv)
	if _, err := h.transfer(t, root); err != nil {
		t.Fatalf("transfer at the exact limit: %v", err)
	}
}

// dropFirstResponse swallows the sender's first fetch response, simulating
// an answer lost to a receiver crash.
type dropFirstResponse struct {
	inner session.Transport

	mu      sync.Mutex
	dropped bool
}

func (d *dropFirstResponse) Send(ctx context.Context, to session.Identity, f session.Frame) error {
	if f.Kind == session.KindData {
		if m, err := decodeMessage(f.Payload); err == nil && m.Kind == msgFetchResponse {
			d.mu.Lock()
			first := !d.dropped
			d.dropped = true
			d.mu.Unlock()
			if first {
				return nil
			}
		}
	}
	return d.inner.Send(ctx, to, f)
}

func (d *dropFirstResponse) didDrop() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}

func TestTransfer_ReceiverRecoversMidResolution(t *testing.T) {
	net := session.NewNetwork()
	defer net.Close()

	senderStore := memstore.New()
	receiverStore := memstore.New()
	ckpts := flow.NewMemCheckpoints()

	drop := &dropFirstResponse{inner: net.Bind("sender")}
	sender := flow.NewEngine(flow.Options{Self: "sender", Transport: drop})
	net.Attach("sender", sender)

	newReceiver := func() *flow.Engine {
		e := flow.NewEngine(flow.Options{
			Self:        "receiver",
			Transport:   net.Bind("receiver"),
			Checkpoints: ckpts,
		})
		e.Register(ResolveFlowType, func() flow.Flow {
			return &ResolveFlow{
				Store:    receiverStore,
				Verifier: &txn.StandardVerifier{},
				Limits:   FixedLimit(1 << 20),
			}
		})
		e.RegisterResponder(Protocol, ResolveFlowType)
		return e
	}
	net.Attach("receiver", newReceiver())

	priv := testKey(t)
	blobID := storeBlob(t, senderStore, []byte("dependency payload"))
	root := signRecord(t, &txn.Proposal{
		Outputs:     []txn.Output{{Contract: "asset", Data: []byte("x")}},
		Attachments: []cid.Cid{blobID},
		Notary:      testNotary,
	}, priv)

	sf, err := NewSendFlow(senderStore, "receiver", root)
	if err != nil {
		t.Fatalf("NewSendFlow: %v", err)
	}
	handle, err := sender.Start(context.Background(), sf)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Wait until the resolver has checkpointed its outstanding round and
	// the sender's answer has been lost.
	deadline := time.Now().Add(5 * time.Second)
	for {
		cps, err := ckpts.List()
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(cps) == 1 && cps[0].Awaiting != "" && drop.didDrop() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("resolver never reached a suspended round (checkpoints: %d)", len(cps))
		}
		time.Sleep(5 * time.Millisecond)
	}

	// The node hosting the resolver restarts: a fresh engine over the same
	// stores recovers the flow, which re-issues the unanswered request and
	// the transfer completes instead of timing out.
	rec2 := newReceiver()
	net.Attach("receiver", rec2)
	if _, err := rec2.Recover(context.Background()); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := handle.Wait(ctx); err != nil {
		t.Fatalf("Wait after recovery: %v", err)
	}
	rootID, err := root.ID()
	if err != nil {
		t.Fatalf("ID: %v", err)
	}
	if !receiverStore.Has(rootID) || !receiverStore.Has(blobID) {
		t.Fatalf("receiver store incomplete after a recovered transfer")
	}
}

func TestServeFetch_Idempotent(t *testing.T) {
	store := memstore.New()
	blobID := storeBlob(t, store, []byte("payload"))
	sf := &SendFlow{Store: store}

	// A replayed request after a checkpoint restore must be answered the
	// same way, not treated as a protocol error.
	for i := 0; i < 2; i++ {
		resp, err := sf.serveFetch([][]byte{blobID.Bytes()})
		if err != nil {
			t.Fatalf("serveFetch (round %d): %v", i, err)
		}
		if len(resp.Items) != 1 || resp.Items[0].Kind != ItemAttachment {
			t.Fatalf("response: %+v", resp)
		}
		if string(resp.Items[0].Bytes) != "payload" {
			t.Fatalf("bytes: %q", resp.Items[0].Bytes)
		}
	}
}

func TestSizeBudget_Monotonic(t *testing.T) {
	b := SizeBudget{Limit: 100}
	if err := b.Charge(60); err != nil {
		t.Fatalf("Charge(60): %v", err)
	}
	if err := b.Charge(40); err != nil {
		t.Fatalf("Charge(40): %v", err)
	}
	if b.Consumed != 100 {
		t.Fatalf("Consumed: got %d want 100", b.Consumed)
	}
	if err := b.Charge(1); !txn.IsKind(err, txn.KindSizeLimit) {
		t.Fatalf("Charge(1): got %v want a SizeLimit error", err)
	}
	// Consumed keeps the overshoot; it never decreases.
	if b.Consumed != 101 {
		t.Fatalf("Consumed after overflow: got %d want 101", b.Consumed)
	}
}

func TestResolveFlow_StateRoundTrip(t *testing.T) {
	f := &ResolveFlow{
		sid:    "sess-1",
		root:   []byte("rootbytes"),
		budget: SizeBudget{Limit: 10, Consumed: 4},
		rounds: 2,
		frontier: map[string]struct{}{
			"id-a": {},
		},
		visited: map[string]struct{}{
			"id-b": {},
			"id-c": {},
		},
	}
	b, err := f.MarshalState()
	if err != nil {
		t.Fatalf("MarshalState: %v", err)
	}

	var g ResolveFlow
	if err := g.UnmarshalState(b); err != nil {
		t.Fatalf("UnmarshalState: %v", err)
	}
	if g.sid != f.sid || string(g.root) != string(f.root) || g.rounds != f.rounds {
		t.Fatalf("restored flow mismatch: %+v", g)
	}
	if g.budget != f.budget {
		t.Fatalf("budget: got %+v want %+v", g.budget, f.budget)
	}
	if len(g.frontier) != 1 || len(g.visited) != 2 {
		t.Fatalf("sets: frontier %d visited %d", len(g.frontier), len(g.visited))
	}
	if _, ok := g.frontier["id-a"]; !ok {
		t.Fatalf("frontier lost id-a")
	}
}
