package relay

import (
	"context"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"xdao.co/txflow/session"
)

// Transport implements session.Transport over per-peer Relay connections.
// Connections are dialed lazily and reused.
type Transport struct {
	self session.Identity

	// Timeout applies per delivery when non-zero.
	Timeout time.Duration

	maxMsgBytes int

	mu    sync.Mutex
	addrs map[session.Identity]string
	conns map[session.Identity]*grpc.ClientConn
}

type Options struct {
	// Peers maps node identities to relay addresses.
	Peers map[session.Identity]string

	// MaxMsgBytes sets both send/recv max sizes when non-zero.
	MaxMsgBytes int

	// Timeout applies per delivery when non-zero.
	Timeout time.Duration
}

func New(self session.Identity, opts Options) *Transport {
	addrs := make(map[session.Identity]string, len(opts.Peers))
	for id, addr := range opts.Peers {
		addrs[id] = addr
	}
	return &Transport{
		self:        self,
		Timeout:     opts.Timeout,
		maxMsgBytes: opts.MaxMsgBytes,
		addrs:       addrs,
		conns:       make(map[session.Identity]*grpc.ClientConn),
	}
}

func (t *Transport) Send(ctx context.Context, to session.Identity, f session.Frame) error {
	cc, err := t.conn(ctx, to)
	if err != nil {
		return err
	}

	payload, err := encodeEnvelope(t.self, f)
	if err != nil {
		return err
	}

	if t.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}

	_, err = NewRelayClient(cc).Deliver(ctx, wrapperspb.Bytes(payload))
	return mapRPC(err)
}

// Close releases every cached connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var first error
	for id, cc := range t.conns {
		if err := cc.Close(); err != nil && first == nil {
			first = err
		}
		delete(t.conns, id)
	}
	return first
}

func (t *Transport) conn(ctx context.Context, to session.Identity) (*grpc.ClientConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cc, ok := t.conns[to]; ok {
		return cc, nil
	}
	addr, ok := t.addrs[to]
	if !ok {
		return nil, session.ErrUnreachable
	}

	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}
	if t.maxMsgBytes > 0 {
		dialOpts = append(dialOpts,
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(t.maxMsgBytes),
				grpc.MaxCallSendMsgSize(t.maxMsgBytes),
			),
		)
	}

	cc, err := grpc.DialContext(ctx, addr, dialOpts...)
	if err != nil {
		return nil, err
	}
	t.conns[to] = cc
	return cc, nil
}

func mapRPC(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.Unavailable, codes.NotFound:
		return session.ErrUnreachable
	case codes.DeadlineExceeded:
		return session.ErrTimeout
	default:
		return err
	}
}
