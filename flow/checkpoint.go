package flow

import (
	"errors"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// Checkpoint is a suspended flow's captured state: the serialized local
// state plus the session(s) it owns and the one it is blocked on. One
// checkpoint exists per suspended flow; it is replaced at every suspension
// and destroyed on completion or permanent failure.
type Checkpoint struct {
	FlowID   string          `cbor:"1,keyasint"`
	FlowType string          `cbor:"2,keyasint"`
	State    []byte          `cbor:"3,keyasint"`
	Awaiting string          `cbor:"4,keyasint"`
	Sessions []SessionRecord `cbor:"5,keyasint"`
}

// SessionRecord captures an owned session so it can be re-armed after a
// restart.
type SessionRecord struct {
	ID   string `cbor:"1,keyasint"`
	Peer string `cbor:"2,keyasint"`
}

// ErrNoCheckpoint reports that no checkpoint exists for a flow id.
var ErrNoCheckpoint = errors.New("flow: no checkpoint")

// CheckpointStore durably persists suspended flows.
type CheckpointStore interface {
	Save(cp *Checkpoint) error
	Load(flowID string) (*Checkpoint, error)
	Delete(flowID string) error
	List() ([]*Checkpoint, error)
}

var (
	ckptEnc cbor.EncMode
	ckptDec cbor.DecMode
)

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	dm, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
	ckptEnc = em
	ckptDec = dm
}

// MemCheckpoints is an in-memory CheckpointStore for tests and for nodes
// that opt out of durability.
type MemCheckpoints struct {
	mu  sync.Mutex
	cps map[string][]byte
}

func NewMemCheckpoints() *MemCheckpoints {
	return &MemCheckpoints{cps: make(map[string][]byte)}
}

func (m *MemCheckpoints) Save(cp *Checkpoint) error {
	b, err := ckptEnc.Marshal(cp)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.cps[cp.FlowID] = b
	m.mu.Unlock()
	return nil
}

func (m *MemCheckpoints) Load(flowID string) (*Checkpoint, error) {
	m.mu.Lock()
	b, ok := m.cps[flowID]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNoCheckpoint
	}
	var cp Checkpoint
	if err := ckptDec.Unmarshal(b, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

func (m *MemCheckpoints) Delete(flowID string) error {
	m.mu.Lock()
	delete(m.cps, flowID)
	m.mu.Unlock()
	return nil
}

func (m *MemCheckpoints) List() ([]*Checkpoint, error) {
	m.mu.Lock()
	raw := make([][]byte, 0, len(m.cps))
	for _, b := range m.cps {
		raw = append(raw, b)
	}
	m.mu.Unlock()

	out := make([]*Checkpoint, 0, len(raw))
	for _, b := range raw {
		var cp Checkpoint
		if err := ckptDec.Unmarshal(b, &cp); err != nil {
			return nil, err
		}
		out = append(out, &cp)
	}
	return out, nil
}

var _ CheckpointStore = (*MemCheckpoints)(nil)
