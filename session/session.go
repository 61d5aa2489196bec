// Package session provides ordered point-to-point message channels between
// flow instances on different nodes.
//
// A session is identified by an ID minted by the initiating flow. Frames on
// one session are delivered in order and at most once on a healthy
// connection; there is no ordering guarantee across sessions. The transport
// carries opaque payloads; their meaning belongs to the protocol packages.
package session

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// Identity names a node on the network.
type Identity string

// ID identifies one session between two flow instances.
type ID string

// NewID mints a fresh session id.
func NewID() ID { return ID(uuid.NewString()) }

// Kind tags a frame.
type Kind uint8

const (
	// KindOpen initiates a session. Protocol names the responder flow the
	// receiving engine must spawn; Payload carries the first message.
	KindOpen Kind = iota + 1
	// KindData carries an ordinary protocol message.
	KindData
	// KindError propagates an application failure to the counterpart flow
	// and terminates the session.
	KindError
	// KindClose releases the session without an error.
	KindClose
)

// Frame is the unit of session traffic.
type Frame struct {
	Session  ID
	Kind     Kind
	Protocol string
	Payload  []byte
	Reason   string
}

var (
	// ErrClosed reports that the peer closed the session while the local
	// flow was still awaiting a message.
	ErrClosed = errors.New("session: closed by peer")
	// ErrTimeout reports that an awaited message did not arrive in time.
	// Retryable by the caller with a fresh session, never retried
	// internally.
	ErrTimeout = errors.New("session: receive timed out")
	// ErrUnreachable reports a transport-level delivery failure.
	ErrUnreachable = errors.New("session: peer unreachable")
)

// PeerError carries the reason a counterpart flow raised when it failed.
type PeerError struct {
	Reason string
}

func (e *PeerError) Error() string { return "session: peer error: " + e.Reason }

// Endpoint consumes inbound frames; the flow engine implements it.
type Endpoint interface {
	HandleFrame(ctx context.Context, from Identity, f Frame) error
}

// Transport delivers frames to remote endpoints. Send is non-blocking from
// the flow's point of view: it enqueues for delivery and never waits for the
// peer to consume the frame.
type Transport interface {
	Send(ctx context.Context, to Identity, f Frame) error
}
