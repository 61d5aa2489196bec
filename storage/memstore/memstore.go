// Package memstore provides an in-memory dependency store shared by all
// flows on a node.
package memstore

import (
	"bytes"
	"sync"

	"github.com/ipfs/go-cid"

	"xdao.co/txflow/cidutil"
	"xdao.co/txflow/storage"
)

// Store is a concurrency-safe in-memory content-addressed store.
//
// Reads take the read lock only; Put performs its check-and-insert under the
// write lock so two flows can never race differing content under one id.
type Store struct {
	mu      sync.RWMutex
	objects map[cid.Cid][]byte
}

func New() *Store {
	return &Store{objects: make(map[cid.Cid][]byte)}
}

func (s *Store) Put(id cid.Cid, content []byte) error {
	if !id.Defined() {
		return storage.ErrInvalidCID
	}
	if err := cidutil.Verify(id, content); err != nil {
		return storage.ErrMismatch
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.objects[id]; ok {
		if !bytes.Equal(existing, content) {
			// Unreachable for honest CIDs, but the contract is checked anyway.
			return storage.ErrImmutable
		}
		return nil
	}
	s.objects[id] = append([]byte(nil), content...)
	return nil
}

func (s *Store) Get(id cid.Cid) ([]byte, error) {
	if !id.Defined() {
		return nil, storage.ErrInvalidCID
	}
	s.mu.RLock()
	b, ok := s.objects[id]
	s.mu.RUnlock()
	if !ok {
		return nil, storage.ErrNotFound
	}
	return append([]byte(nil), b...), nil
}

func (s *Store) Has(id cid.Cid) bool {
	if !id.Defined() {
		return false
	}
	s.mu.RLock()
	_, ok := s.objects[id]
	s.mu.RUnlock()
	return ok
}

// Len reports the number of stored objects.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

var _ storage.Store = (*Store)(nil)
