package session

import (
	"context"
	"sync"
)

// Network is an in-process transport connecting endpoints by identity.
// Frames to one destination flow through a single serial queue, which
// preserves per-session ordering. Nodes in the same process (and tests) use
// it instead of the gRPC relay.
type Network struct {
	mu    sync.Mutex
	nodes map[Identity]*pipe
	done  sync.WaitGroup
}

type pipe struct {
	endpoint Endpoint
	queue    chan inflight
	quit     chan struct{}
}

type inflight struct {
	from  Identity
	frame Frame
}

const pipeDepth = 128

func NewNetwork() *Network {
	return &Network{nodes: make(map[Identity]*pipe)}
}

// Attach registers an endpoint under id and starts its delivery loop.
// Re-attaching an identity replaces its endpoint, stopping the previous
// delivery loop: how a restarted node rejoins the network.
func (n *Network) Attach(id Identity, ep Endpoint) {
	p := &pipe{
		endpoint: ep,
		queue:    make(chan inflight, pipeDepth),
		quit:     make(chan struct{}),
	}
	n.mu.Lock()
	if old, ok := n.nodes[id]; ok {
		close(old.quit)
	}
	n.nodes[id] = p
	n.mu.Unlock()

	n.done.Add(1)
	go func() {
		defer n.done.Done()
		for {
			select {
			case <-p.quit:
				return
			case m := <-p.queue:
				_ = p.endpoint.HandleFrame(context.Background(), m.from, m.frame)
			}
		}
	}()
}

// Bind returns a Transport that stamps outbound frames with the sender's
// identity.
func (n *Network) Bind(self Identity) Transport {
	return &boundTransport{net: n, self: self}
}

// Close stops all delivery loops. Frames still in flight are dropped;
// senders racing a Close get ErrUnreachable.
func (n *Network) Close() {
	n.mu.Lock()
	for _, p := range n.nodes {
		close(p.quit)
	}
	n.nodes = make(map[Identity]*pipe)
	n.mu.Unlock()
	n.done.Wait()
}

func (n *Network) send(from, to Identity, f Frame) error {
	n.mu.Lock()
	p, ok := n.nodes[to]
	n.mu.Unlock()
	if !ok {
		return ErrUnreachable
	}
	select {
	case <-p.quit:
		return ErrUnreachable
	case p.queue <- inflight{from: from, frame: f}:
		return nil
	}
}

type boundTransport struct {
	net  *Network
	self Identity
}

func (t *boundTransport) Send(ctx context.Context, to Identity, f Frame) error {
	_ = ctx
	return t.net.send(t.self, to, f)
}
