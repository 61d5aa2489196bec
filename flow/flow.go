// Package flow hosts long-lived, suspendable, checkpointable processes
// ("flows") that communicate over sessions.
//
// A flow is an explicit state machine rather than a goroutine blocked on a
// channel: Step advances the flow and returns either a completion or an
// Await naming the session whose next message resumes it. At every Await
// the engine serializes the flow's state and persists a checkpoint, so a
// suspended flow survives a process restart and resumes at the same point.
// Each flow is logically single-threaded; the engine never runs two Steps
// of one instance concurrently.
package flow

import (
	"context"
	"sync"
	"time"

	"xdao.co/txflow/session"
)

// Event is what resumes a suspended flow: a payload delivered on the
// awaited session, a session failure, or a restart resumption.
//
// At most one of Payload, Err or Resumed is meaningful. Err is ErrClosed,
// ErrTimeout or a *session.PeerError carrying the propagated remote reason.
// Resumed marks the first activation after a checkpoint restore: nothing
// was delivered, and any message the flow sent just before suspending may
// have been lost with the crash, so the flow must re-issue its outstanding
// request or await again.
type Event struct {
	Session session.ID
	Payload []byte
	Err     error
	Resumed bool
}

// Outcome tells the engine what to do after a Step.
//
// Zero Await with Done=false is invalid: a flow either finishes or
// suspends.
type Outcome struct {
	// Await suspends the flow until a message (or error) arrives for this
	// session. The engine checkpoints the flow first.
	Await session.ID
	// Timeout bounds the await; zero means the engine default.
	Timeout time.Duration
	// Done completes the flow with Result.
	Done   bool
	Result any
}

// Await suspends until sid has traffic.
func Await(sid session.ID) Outcome { return Outcome{Await: sid} }

// Done completes the flow.
func Done(result any) Outcome { return Outcome{Done: true, Result: result} }

// Flow is one side of a distributed protocol step.
//
// Step runs with ev == nil on the very first activation of an initiating
// flow; responder flows always receive the opening payload as their first
// event. MarshalState/UnmarshalState capture the flow's local state for
// checkpointing; dependencies injected at construction time (stores,
// verifiers, limits) are not part of that state and are re-supplied by the
// registry factory on recovery.
type Flow interface {
	Type() string
	Step(ctx context.Context, env *Env, ev *Event) (Outcome, error)
	MarshalState() ([]byte, error)
	UnmarshalState(b []byte) error
}

// Handle tracks a running flow from the initiating caller's side.
type Handle struct {
	id string

	mu     sync.Mutex
	done   chan struct{}
	result any
	err    error
}

func newHandle(id string) *Handle {
	return &Handle{id: id, done: make(chan struct{})}
}

func (h *Handle) ID() string { return h.id }

// Wait blocks until the flow completes or ctx is canceled.
func (h *Handle) Wait(ctx context.Context) (any, error) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.result, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *Handle) complete(result any, err error) {
	h.mu.Lock()
	h.result = result
	h.err = err
	h.mu.Unlock()
	close(h.done)
}
