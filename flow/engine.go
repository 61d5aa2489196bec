package flow

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"xdao.co/txflow/session"
)

var (
	// ErrCanceled reports cooperative cancellation of a flow.
	ErrCanceled = errors.New("flow: canceled")
	// ErrUnknownProtocol is sent back to an initiator whose Open names a
	// protocol this node has no responder for.
	ErrUnknownProtocol = errors.New("flow: unknown protocol")

	errInvalidOutcome = errors.New("flow: step returned neither Done nor Await")
)

// Options configures an Engine.
type Options struct {
	// Self is this node's identity on the network.
	Self session.Identity
	// Transport delivers outbound frames.
	Transport session.Transport
	// Checkpoints persists suspended flows; nil keeps them in memory only.
	Checkpoints CheckpointStore
	// Logger defaults to a no-op logger.
	Logger *zap.Logger
	// DefaultTimeout bounds every await that does not set its own; zero
	// disables the default.
	DefaultTimeout time.Duration
}

// Engine hosts many concurrently running flow instances, checkpoints them
// at suspension points, and routes inbound session frames to the instance
// awaiting them.
type Engine struct {
	self           session.Identity
	transport      session.Transport
	ckpts          CheckpointStore
	log            *zap.Logger
	defaultTimeout time.Duration

	mu         sync.Mutex
	flows      map[string]*instance
	sessions   map[session.ID]*sessionState
	registry   map[string]func() Flow
	responders map[string]string // protocol -> flow type
}

type instance struct {
	id     string
	flow   Flow
	h      *Handle
	ctx    context.Context
	cancel context.CancelFunc

	awaiting session.ID
	timer    *time.Timer
	stepping bool
	canceled bool
	done     bool
}

type sessionState struct {
	id     session.ID
	peer   session.Identity
	flowID string
	inbox  []*Event
	closed bool
}

func NewEngine(opts Options) *Engine {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	ckpts := opts.Checkpoints
	if ckpts == nil {
		ckpts = NewMemCheckpoints()
	}
	return &Engine{
		self:           opts.Self,
		transport:      opts.Transport,
		ckpts:          ckpts,
		log:            log,
		defaultTimeout: opts.DefaultTimeout,
		flows:          make(map[string]*instance),
		sessions:       make(map[session.ID]*sessionState),
		registry:       make(map[string]func() Flow),
		responders:     make(map[string]string),
	}
}

func (e *Engine) Self() session.Identity { return e.self }

// Register makes a flow type recoverable: the factory reconstructs an
// instance (with its injected dependencies) before UnmarshalState restores
// the checkpointed state.
func (e *Engine) Register(flowType string, factory func() Flow) {
	e.mu.Lock()
	e.registry[flowType] = factory
	e.mu.Unlock()
}

// RegisterResponder spawns a flow of the given registered type whenever a
// peer opens a session naming protocol.
func (e *Engine) RegisterResponder(protocol, flowType string) {
	e.mu.Lock()
	e.responders[protocol] = flowType
	e.mu.Unlock()
}

// Start runs f. The handle resolves when the flow completes or fails.
// ctx bounds the flow's local computation; cancel it (or call Cancel) to
// abort cooperatively.
func (e *Engine) Start(ctx context.Context, f Flow) (*Handle, error) {
	inst := e.newInstance(ctx, uuid.NewString(), f)
	e.mu.Lock()
	e.flows[inst.id] = inst
	inst.stepping = true
	e.mu.Unlock()

	e.log.Debug("flow started", zap.String("flow", inst.id), zap.String("type", f.Type()))
	go e.advance(inst, nil)
	return inst.h, nil
}

// Cancel aborts a flow. A suspended flow fails immediately; a running one
// observes the cancellation at its next suspension point.
func (e *Engine) Cancel(flowID string) {
	e.mu.Lock()
	inst, ok := e.flows[flowID]
	if !ok {
		e.mu.Unlock()
		return
	}
	inst.canceled = true
	inst.cancel()
	if inst.stepping {
		e.mu.Unlock()
		return
	}
	inst.stepping = true
	if inst.timer != nil {
		inst.timer.Stop()
		inst.timer = nil
	}
	inst.awaiting = ""
	e.mu.Unlock()
	e.finish(inst, nil, ErrCanceled)
}

// Recover reloads every persisted checkpoint, reconstructs the flows
// through the registry and resumes each with a Resumed event for the
// session it was awaiting, so the flow can re-issue an in-flight request
// whose answer died with the crash. Call it once, after Register, before
// serving traffic.
func (e *Engine) Recover(ctx context.Context) ([]*Handle, error) {
	cps, err := e.ckpts.List()
	if err != nil {
		return nil, err
	}

	var handles []*Handle
	for _, cp := range cps {
		e.mu.Lock()
		factory, ok := e.registry[cp.FlowType]
		e.mu.Unlock()
		if !ok {
			e.log.Warn("checkpoint for unregistered flow type",
				zap.String("flow", cp.FlowID), zap.String("type", cp.FlowType))
			continue
		}
		f := factory()
		if err := f.UnmarshalState(cp.State); err != nil {
			e.log.Warn("checkpoint state corrupted",
				zap.String("flow", cp.FlowID), zap.Error(err))
			continue
		}

		inst := e.newInstance(ctx, cp.FlowID, f)
		e.mu.Lock()
		e.flows[inst.id] = inst
		for _, sr := range cp.Sessions {
			e.sessions[session.ID(sr.ID)] = &sessionState{
				id:     session.ID(sr.ID),
				peer:   session.Identity(sr.Peer),
				flowID: inst.id,
			}
		}
		inst.stepping = true
		e.mu.Unlock()

		e.log.Info("flow recovered", zap.String("flow", inst.id), zap.String("type", cp.FlowType))
		handles = append(handles, inst.h)
		go e.advance(inst, &Event{Session: session.ID(cp.Awaiting), Resumed: true})
	}
	return handles, nil
}

// HandleFrame implements session.Endpoint.
func (e *Engine) HandleFrame(ctx context.Context, from session.Identity, f session.Frame) error {
	switch f.Kind {
	case session.KindOpen:
		return e.handleOpen(ctx, from, f)
	case session.KindData:
		return e.deliver(f.Session, &Event{Session: f.Session, Payload: f.Payload})
	case session.KindError:
		return e.deliverTerminal(f.Session, &Event{Session: f.Session, Err: &session.PeerError{Reason: f.Reason}})
	case session.KindClose:
		return e.deliverTerminal(f.Session, &Event{Session: f.Session, Err: session.ErrClosed})
	default:
		e.log.Warn("dropping frame of unknown kind", zap.Uint8("kind", uint8(f.Kind)))
		return nil
	}
}

func (e *Engine) handleOpen(ctx context.Context, from session.Identity, f session.Frame) error {
	e.mu.Lock()
	if _, exists := e.sessions[f.Session]; exists {
		// Duplicate open (e.g. a replayed frame): a correctness no-op.
		e.mu.Unlock()
		return nil
	}
	flowType, ok := e.responders[f.Protocol]
	if !ok {
		e.mu.Unlock()
		_ = e.transport.Send(ctx, from, session.Frame{
			Session: f.Session,
			Kind:    session.KindError,
			Reason:  ErrUnknownProtocol.Error(),
		})
		e.log.Warn("open for unknown protocol", zap.String("protocol", f.Protocol))
		return nil
	}
	factory := e.registry[flowType]
	if factory == nil {
		e.mu.Unlock()
		return errors.New("flow: responder names unregistered type " + flowType)
	}

	inst := e.newInstance(context.Background(), uuid.NewString(), factory())
	e.flows[inst.id] = inst
	e.sessions[f.Session] = &sessionState{id: f.Session, peer: from, flowID: inst.id}
	inst.stepping = true
	e.mu.Unlock()

	e.log.Debug("responder flow spawned",
		zap.String("flow", inst.id),
		zap.String("protocol", f.Protocol),
		zap.String("peer", string(from)))
	go e.advance(inst, &Event{Session: f.Session, Payload: f.Payload})
	return nil
}

func (e *Engine) deliver(sid session.ID, ev *Event) error {
	e.mu.Lock()
	ss, ok := e.sessions[sid]
	if !ok {
		e.mu.Unlock()
		return nil // unknown session: drop
	}
	inst := e.flows[ss.flowID]
	if inst == nil || inst.done {
		e.mu.Unlock()
		return nil
	}
	if inst.awaiting == sid && !inst.stepping {
		inst.awaiting = ""
		inst.stepping = true
		if inst.timer != nil {
			inst.timer.Stop()
			inst.timer = nil
		}
		e.mu.Unlock()
		go e.advance(inst, ev)
		return nil
	}
	ss.inbox = append(ss.inbox, ev)
	e.mu.Unlock()
	return nil
}

func (e *Engine) deliverTerminal(sid session.ID, ev *Event) error {
	e.mu.Lock()
	if ss, ok := e.sessions[sid]; ok {
		ss.closed = true
	}
	e.mu.Unlock()
	return e.deliver(sid, ev)
}

// advance runs one Step and handles the resulting suspension or completion.
// The caller must have set inst.stepping under the engine lock.
func (e *Engine) advance(inst *instance, ev *Event) {
	out, err := inst.flow.Step(inst.ctx, &Env{engine: e, flowID: inst.id}, ev)
	if err != nil {
		e.finish(inst, nil, err)
		return
	}
	if out.Done {
		e.finish(inst, out.Result, nil)
		return
	}
	if out.Await == "" {
		e.finish(inst, nil, errInvalidOutcome)
		return
	}

	e.mu.Lock()
	canceled := inst.canceled
	e.mu.Unlock()
	if canceled {
		e.finish(inst, nil, ErrCanceled)
		return
	}

	// Persist before the suspension becomes visible; the flow is quiescent
	// here because stepping is still held.
	if err := e.checkpoint(inst, out.Await); err != nil {
		e.log.Warn("checkpoint save failed",
			zap.String("flow", inst.id), zap.Error(err))
	}

	e.mu.Lock()
	if ss := e.sessions[out.Await]; ss != nil && len(ss.inbox) > 0 {
		next := ss.inbox[0]
		ss.inbox = ss.inbox[1:]
		e.mu.Unlock()
		e.advance(inst, next)
		return
	}
	inst.awaiting = out.Await
	d := out.Timeout
	if d == 0 {
		d = e.defaultTimeout
	}
	if d > 0 {
		sid := out.Await
		inst.timer = time.AfterFunc(d, func() { e.timeout(inst.id, sid) })
	}
	inst.stepping = false
	e.mu.Unlock()

	e.log.Debug("flow suspended",
		zap.String("flow", inst.id), zap.String("session", string(out.Await)))
}

func (e *Engine) timeout(flowID string, sid session.ID) {
	e.mu.Lock()
	inst, ok := e.flows[flowID]
	if !ok || inst.done || inst.stepping || inst.awaiting != sid {
		e.mu.Unlock()
		return
	}
	inst.awaiting = ""
	inst.stepping = true
	inst.timer = nil
	e.mu.Unlock()

	e.log.Debug("await timed out",
		zap.String("flow", flowID), zap.String("session", string(sid)))
	go e.advance(inst, &Event{Session: sid, Err: session.ErrTimeout})
}

func (e *Engine) finish(inst *instance, result any, err error) {
	e.mu.Lock()
	if inst.done {
		e.mu.Unlock()
		return
	}
	inst.done = true
	if inst.timer != nil {
		inst.timer.Stop()
		inst.timer = nil
	}
	var owned []*sessionState
	for sid, ss := range e.sessions {
		if ss.flowID == inst.id {
			owned = append(owned, ss)
			delete(e.sessions, sid)
		}
	}
	delete(e.flows, inst.id)
	e.mu.Unlock()

	// Tell every live counterpart how this ended so no peer flow hangs.
	for _, ss := range owned {
		if ss.closed {
			continue
		}
		frame := session.Frame{Session: ss.id, Kind: session.KindClose}
		if err != nil {
			frame = session.Frame{Session: ss.id, Kind: session.KindError, Reason: err.Error()}
		}
		if serr := e.transport.Send(context.Background(), ss.peer, frame); serr != nil {
			e.log.Warn("session teardown notification failed",
				zap.String("session", string(ss.id)), zap.Error(serr))
		}
	}
	if derr := e.ckpts.Delete(inst.id); derr != nil {
		e.log.Warn("checkpoint delete failed",
			zap.String("flow", inst.id), zap.Error(derr))
	}

	if err != nil {
		e.log.Debug("flow failed", zap.String("flow", inst.id), zap.Error(err))
	} else {
		e.log.Debug("flow completed", zap.String("flow", inst.id))
	}
	inst.cancel()
	inst.h.complete(result, err)
}

func (e *Engine) checkpoint(inst *instance, awaiting session.ID) error {
	state, err := inst.flow.MarshalState()
	if err != nil {
		return err
	}

	e.mu.Lock()
	var recs []SessionRecord
	for sid, ss := range e.sessions {
		if ss.flowID == inst.id && !ss.closed {
			recs = append(recs, SessionRecord{ID: string(sid), Peer: string(ss.peer)})
		}
	}
	e.mu.Unlock()
	sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })

	return e.ckpts.Save(&Checkpoint{
		FlowID:   inst.id,
		FlowType: inst.flow.Type(),
		State:    state,
		Awaiting: string(awaiting),
		Sessions: recs,
	})
}

func (e *Engine) newInstance(ctx context.Context, id string, f Flow) *instance {
	if ctx == nil {
		ctx = context.Background()
	}
	ictx, cancel := context.WithCancel(ctx)
	return &instance{
		id:     id,
		flow:   f,
		h:      newHandle(id),
		ctx:    ictx,
		cancel: cancel,
	}
}
