// Package testkit runs the dependency-store conformance suite against any
// storage.Store implementation.
package testkit

import (
	"bytes"
	"testing"

	"github.com/ipfs/go-cid"

	"xdao.co/txflow/cidutil"
	"xdao.co/txflow/storage"
)

// NewStore constructs a fresh, empty store for a test.
// The returned store MUST be isolated from other tests.
type NewStore func(t *testing.T) storage.Store

func RunStoreConformance(t *testing.T, newStore NewStore) {
	t.Helper()

	t.Run("PutGetRoundTrip", func(t *testing.T) {
		s := newStore(t)
		want := []byte("attachment payload")
		id := mustCID(t, want)

		if err := s.Put(id, want); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		got, err := s.Get(id)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("Get bytes mismatch")
		}
	})

	t.Run("PutIdempotent", func(t *testing.T) {
		s := newStore(t)
		b := []byte("same bytes")
		id := mustCID(t, b)

		if err := s.Put(id, b); err != nil {
			t.Fatalf("Put(1) failed: %v", err)
		}
		if err := s.Put(id, b); err != nil {
			t.Fatalf("Put(2) not idempotent: %v", err)
		}
	})

	t.Run("PutRejectsMismatchedCID", func(t *testing.T) {
		s := newStore(t)
		id := mustCID(t, []byte("declared content"))

		err := s.Put(id, []byte("different content"))
		if err != storage.ErrMismatch {
			t.Fatalf("Put mismatched: got %v want ErrMismatch", err)
		}
		if s.Has(id) {
			t.Fatalf("mismatched Put must not store anything")
		}
	})

	t.Run("HasAndNotFound", func(t *testing.T) {
		s := newStore(t)
		b := []byte("missing")
		id := mustCID(t, b)

		if s.Has(id) {
			t.Fatalf("Has returned true for missing id")
		}
		if _, err := s.Get(id); !storage.IsNotFound(err) {
			t.Fatalf("Get missing: got err=%v want ErrNotFound", err)
		}
		if err := s.Put(id, b); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		if !s.Has(id) {
			t.Fatalf("Has returned false after Put")
		}
	})

	t.Run("RejectUndefCID", func(t *testing.T) {
		s := newStore(t)
		var undef cid.Cid
		if s.Has(undef) {
			t.Fatalf("Has should be false for undefined cid")
		}
		if _, err := s.Get(undef); err == nil {
			t.Fatalf("Get should fail for undefined cid")
		}
		if err := s.Put(undef, []byte("x")); err == nil {
			t.Fatalf("Put should fail for undefined cid")
		}
	})
}

func mustCID(t *testing.T, b []byte) cid.Cid {
	t.Helper()
	id, err := cidutil.AttachmentCID(b)
	if err != nil {
		t.Fatalf("AttachmentCID failed: %v", err)
	}
	return id
}
