package flow

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"xdao.co/txflow/session"
)

// Env is the engine-side API handed to a flow for the duration of one Step.
// It must not be retained across Steps.
type Env struct {
	engine *Engine
	flowID string
}

// Self is this node's identity.
func (env *Env) Self() session.Identity { return env.engine.self }

// Logger returns the engine logger scoped to this flow.
func (env *Env) Logger() *zap.Logger {
	return env.engine.log.With(zap.String("flow", env.flowID))
}

// OpenSession establishes a session with peer. The opening frame names the
// protocol so the remote engine can spawn the matching responder, and
// carries the first payload so a one-message exchange costs one frame.
func (env *Env) OpenSession(ctx context.Context, peer session.Identity, protocol string, firstPayload []byte) (session.ID, error) {
	sid := session.NewID()

	e := env.engine
	e.mu.Lock()
	e.sessions[sid] = &sessionState{id: sid, peer: peer, flowID: env.flowID}
	e.mu.Unlock()

	err := e.transport.Send(ctx, peer, session.Frame{
		Session:  sid,
		Kind:     session.KindOpen,
		Protocol: protocol,
		Payload:  firstPayload,
	})
	if err != nil {
		e.mu.Lock()
		delete(e.sessions, sid)
		e.mu.Unlock()
		return "", err
	}
	return sid, nil
}

// Send transmits payload on an open session owned by this flow.
func (env *Env) Send(ctx context.Context, sid session.ID, payload []byte) error {
	peer, err := env.lookup(sid)
	if err != nil {
		return err
	}
	return env.engine.transport.Send(ctx, peer, session.Frame{
		Session: sid,
		Kind:    session.KindData,
		Payload: payload,
	})
}

// SendError fails the session, propagating reason to the counterpart flow.
// The session is gone afterwards.
func (env *Env) SendError(ctx context.Context, sid session.ID, reason string) error {
	peer, err := env.lookup(sid)
	if err != nil {
		return err
	}
	env.release(sid)
	return env.engine.transport.Send(ctx, peer, session.Frame{
		Session: sid,
		Kind:    session.KindError,
		Reason:  reason,
	})
}

// CloseSession releases the session without an error.
func (env *Env) CloseSession(ctx context.Context, sid session.ID) error {
	peer, err := env.lookup(sid)
	if err != nil {
		return err
	}
	env.release(sid)
	return env.engine.transport.Send(ctx, peer, session.Frame{
		Session: sid,
		Kind:    session.KindClose,
	})
}

func (env *Env) lookup(sid session.ID) (session.Identity, error) {
	e := env.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	ss, ok := e.sessions[sid]
	if !ok || ss.flowID != env.flowID {
		return "", errors.New("flow: session not owned by this flow")
	}
	if ss.closed {
		return "", session.ErrClosed
	}
	return ss.peer, nil
}

func (env *Env) release(sid session.ID) {
	e := env.engine
	e.mu.Lock()
	delete(e.sessions, sid)
	e.mu.Unlock()
}
