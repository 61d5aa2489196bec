package localfs

import (
	"os"
	"testing"

	"xdao.co/txflow/cidutil"
	"xdao.co/txflow/storage"
	"xdao.co/txflow/storage/testkit"
)

func TestLocalFS_Conformance(t *testing.T) {
	testkit.RunStoreConformance(t, func(t *testing.T) storage.Store {
		t.Helper()
		s, err := New(t.TempDir())
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		return s
	})
}

func TestLocalFS_RejectMutationByOverwrite(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	orig := []byte("original")
	id, err := cidutil.AttachmentCID(orig)
	if err != nil {
		t.Fatalf("AttachmentCID failed: %v", err)
	}
	if err := s.Put(id, orig); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// Corrupt the stored object out-of-band.
	path := s.pathFor(id)
	if err := os.Chmod(path, 0o644); err != nil {
		t.Fatalf("Chmod failed: %v", err)
	}
	if err := os.WriteFile(path, []byte("corrupted"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	// Get must detect the mismatch.
	if _, err := s.Get(id); err != storage.ErrMismatch {
		t.Fatalf("Get corrupted: got %v want ErrMismatch", err)
	}

	// Put must not repair or overwrite the corrupted object.
	if err := s.Put(id, orig); err != storage.ErrImmutable {
		t.Fatalf("Put after corruption: got %v want ErrImmutable", err)
	}
}
