package txn

import (
	"bytes"
	"testing"

	"xdao.co/txflow/cidutil"
	"xdao.co/txflow/storage/memstore"
)

const mb = 1 << 20

func TestBuilderWithinLimit(t *testing.T) {
	store := memstore.New()
	b := NewBuilder(store, "notary-a")
	b.AddOutput("example.Token", []byte{1})
	b.AddCommand("Issue", nil, "issuer")
	if _, err := b.AddAttachment(bytes.Repeat([]byte{0xaa}, mb)); err != nil {
		t.Fatalf("AddAttachment failed: %v", err)
	}

	p, err := b.Build(3 * mb)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if len(p.Attachments) != 1 {
		t.Fatalf("attachments: got %d want 1", len(p.Attachments))
	}
}

func TestBuilderPreCheckRejectsOversize(t *testing.T) {
	// Four 1 MB attachments against a 3 MB ceiling must fail locally,
	// before any network activity.
	store := memstore.New()
	b := NewBuilder(store, "notary-a")
	for i := 0; i < 4; i++ {
		blob := bytes.Repeat([]byte{byte(i + 1)}, mb)
		if _, err := b.AddAttachment(blob); err != nil {
			t.Fatalf("AddAttachment failed: %v", err)
		}
	}

	_, err := b.Build(3 * mb)
	if !IsKind(err, KindSizeLimit) {
		t.Fatalf("Build: got %v want KindSizeLimit", err)
	}
}

func TestBuilderSizeRecomputedPerBuild(t *testing.T) {
	store := memstore.New()
	b := NewBuilder(store, "notary-a")
	if _, err := b.AddAttachment(bytes.Repeat([]byte{1}, 2*mb)); err != nil {
		t.Fatalf("AddAttachment failed: %v", err)
	}
	if _, err := b.Build(3 * mb); err != nil {
		t.Fatalf("first Build failed: %v", err)
	}

	// A later addition must invalidate the earlier verdict.
	if _, err := b.AddAttachment(bytes.Repeat([]byte{2}, 2*mb)); err != nil {
		t.Fatalf("AddAttachment failed: %v", err)
	}
	if _, err := b.Build(3 * mb); !IsKind(err, KindSizeLimit) {
		t.Fatalf("second Build: want KindSizeLimit, got %v", err)
	}
}

func TestBuilderUnresolvedInputsSkipped(t *testing.T) {
	store := memstore.New()
	missing, err := cidutil.TransactionCID([]byte("never stored"))
	if err != nil {
		t.Fatalf("cid failed: %v", err)
	}

	b := NewBuilder(store, "notary-a")
	b.AddInput(missing)
	if _, err := b.Build(1 * mb); err != nil {
		t.Fatalf("Build with unresolved input failed: %v", err)
	}
}
