package propagate

import (
	"strconv"

	"xdao.co/txflow/txn"
)

// LimitProvider supplies the network-wide maximum aggregate transaction
// size. It is consulted exactly once per transfer; the snapshot never
// changes mid-run even if the network parameter does.
type LimitProvider interface {
	MaxTransactionSize() uint64
}

// FixedLimit is a LimitProvider with a constant ceiling.
type FixedLimit uint64

func (l FixedLimit) MaxTransactionSize() uint64 { return uint64(l) }

// SizeBudget tracks cumulative inbound bytes against the ceiling
// snapshotted at transfer start. Consumed never decreases; one budget
// belongs to exactly one resolution and is never shared.
type SizeBudget struct {
	Limit    uint64 `cbor:"1,keyasint"`
	Consumed uint64 `cbor:"2,keyasint"`
}

// Charge adds n and fails the instant the running total exceeds the limit.
func (b *SizeBudget) Charge(n uint64) error {
	b.Consumed += n
	if b.Consumed > b.Limit {
		return txn.NewError(txn.KindSizeLimit,
			"aggregate size "+strconv.FormatUint(b.Consumed, 10)+
				" exceeds limit "+strconv.FormatUint(b.Limit, 10))
	}
	return nil
}
