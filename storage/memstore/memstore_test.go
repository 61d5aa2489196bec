package memstore

import (
	"sync"
	"testing"

	"xdao.co/txflow/cidutil"
	"xdao.co/txflow/storage"
	"xdao.co/txflow/storage/testkit"
)

func TestMemstore_Conformance(t *testing.T) {
	testkit.RunStoreConformance(t, func(t *testing.T) storage.Store {
		t.Helper()
		return New()
	})
}

func TestMemstore_ConcurrentPutSameID(t *testing.T) {
	s := New()
	content := []byte("shared dependency")
	id, err := cidutil.AttachmentCID(content)
	if err != nil {
		t.Fatalf("AttachmentCID failed: %v", err)
	}

	const writers = 16
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.Put(id, content)
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent Put failed: %v", err)
		}
	}
	if s.Len() != 1 {
		t.Fatalf("Len: got %d want 1", s.Len())
	}
}
