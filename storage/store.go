// Package storage defines the node-local dependency store: a
// content-addressed cache of attachments and transactions already seen by
// this node.
package storage

import "github.com/ipfs/go-cid"

// Store is the minimal content-addressed dependency store interface.
//
// Contract:
//   - Put MUST verify that id is the CID of content and reject mismatches
//     with ErrMismatch before anything is written.
//   - Put MUST be idempotent for identical content and MUST fail with
//     ErrImmutable when different content is already stored under id.
//     The check-and-insert MUST be atomic with respect to concurrent Puts.
//   - Get MUST return ErrNotFound when the id is absent.
//   - Stored objects are immutable; the store performs no eviction.
type Store interface {
	Put(id cid.Cid, content []byte) error
	Get(id cid.Cid) ([]byte, error)
	Has(id cid.Cid) bool
}
