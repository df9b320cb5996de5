package stream

import (
	"context"
	"sync"

	"github.com/agentfabric/mesh/messaging"
)

// InmemRegistry is a process-local Registry for local development and
// tests. It delivers synchronously to every current subscriber on Publish,
// which is sufficient to exercise handler wiring without a Redis instance.
type InmemRegistry struct {
	mu   sync.Mutex
	seq  map[string]uint64
	subs map[string][]*inmemSubscription
}

// NewInmemRegistry constructs an empty in-memory stream registry.
func NewInmemRegistry() *InmemRegistry {
	return &InmemRegistry{
		seq:  make(map[string]uint64),
		subs: make(map[string][]*inmemSubscription),
	}
}

type inmemSubscription struct {
	registry *InmemRegistry
	key      string
	handler  Handler
	closed   bool
}

func (r *InmemRegistry) Publish(ctx context.Context, name Name, message messaging.AgentMessage) (uint64, error) {
	key := streamKey(name)

	r.mu.Lock()
	r.seq[key]++
	seq := r.seq[key]
	subs := append([]*inmemSubscription(nil), r.subs[key]...)
	r.mu.Unlock()

	env := Envelope{Message: message, Sequence: seq}
	for _, sub := range subs {
		_ = sub.handler(ctx, env)
	}
	return seq, nil
}

func (r *InmemRegistry) Subscribe(_ context.Context, name Name, handler Handler) (Subscription, error) {
	key := streamKey(name)
	sub := &inmemSubscription{registry: r, key: key, handler: handler}

	r.mu.Lock()
	r.subs[key] = append(r.subs[key], sub)
	r.mu.Unlock()
	return sub, nil
}

func (s *inmemSubscription) Close(context.Context) error {
	s.registry.mu.Lock()
	defer s.registry.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	list := s.registry.subs[s.key]
	for i, sub := range list {
		if sub == s {
			s.registry.subs[s.key] = append(list[:i], list[i+1:]...)
			break
		}
	}
	return nil
}

func (r *InmemRegistry) Close(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.subs)
	clear(r.seq)
	return nil
}
