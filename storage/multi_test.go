package storage_test

import (
	"bytes"
	"testing"

	"xdao.co/txflow/cidutil"
	"xdao.co/txflow/storage"
	"xdao.co/txflow/storage/memstore"
)

func TestMultiStore_OrderedFallback(t *testing.T) {
	local := memstore.New()
	shared := memstore.New()
	multi := storage.MultiStore{Stores: []storage.Store{local, shared}}

	want := []byte("only in the shared store")
	id, err := cidutil.AttachmentCID(want)
	if err != nil {
		t.Fatalf("AttachmentCID failed: %v", err)
	}
	if err := shared.Put(id, want); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := multi.Get(id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("Get bytes mismatch")
	}
	if !multi.Has(id) {
		t.Fatalf("Has should consult all stores")
	}

	// Put writes to the first store only.
	other := []byte("written via multi")
	oid, err := cidutil.AttachmentCID(other)
	if err != nil {
		t.Fatalf("AttachmentCID failed: %v", err)
	}
	if err := multi.Put(oid, other); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if !local.Has(oid) {
		t.Fatalf("Put must land in the first store")
	}
	if shared.Has(oid) {
		t.Fatalf("Put must not land in fallback stores")
	}
}

func TestMultiStore_Empty(t *testing.T) {
	var multi storage.MultiStore
	id, err := cidutil.AttachmentCID([]byte("x"))
	if err != nil {
		t.Fatalf("AttachmentCID failed: %v", err)
	}
	if _, err := multi.Get(id); !storage.IsNotFound(err) {
		t.Fatalf("Get on empty multi: got %v want ErrNotFound", err)
	}
	if err := multi.Put(id, []byte("x")); err == nil {
		t.Fatalf("Put on empty multi should fail")
	}
}
