// Package cidutil derives content identifiers for dissemination objects.
//
// Two CIDv1 flavours are used across the module:
//   - "raw" + sha2-256 for opaque attachment blobs
//   - "dag-cbor" + sha2-256 for canonically encoded transactions
//
// The CID is both identity and integrity check: a receiver MUST recompute
// the CID of received bytes and compare it against the requested one.
package cidutil

import (
	"errors"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

var ErrMismatch = errors.New("cidutil: content does not match cid")

// AttachmentCID returns the CIDv1 (raw + sha2-256) for an attachment blob.
func AttachmentCID(data []byte) (cid.Cid, error) {
	return sum(cid.Raw, data)
}

// TransactionCID returns the CIDv1 (dag-cbor + sha2-256) for canonical
// transaction bytes. Callers are responsible for supplying canonical bytes.
func TransactionCID(canonical []byte) (cid.Cid, error) {
	return sum(cid.DagCBOR, canonical)
}

func sum(codec uint64, data []byte) (cid.Cid, error) {
	mh, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(codec, mh), nil
}

// Verify recomputes the CID of data using the codec of want and reports
// ErrMismatch when they differ. The codec is taken from want so that a raw
// attachment id never accidentally validates transaction bytes.
func Verify(want cid.Cid, data []byte) error {
	if !want.Defined() {
		return errors.New("cidutil: undefined cid")
	}
	got, err := sum(want.Prefix().Codec, data)
	if err != nil {
		return err
	}
	if got != want {
		return ErrMismatch
	}
	return nil
}
