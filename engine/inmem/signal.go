package inmem

import (
	"context"
	"reflect"
	"sync"

	rtengine "github.com/agentfabric/mesh/engine"
)

// signalRegistry holds the pending signal queues for one workflow ID,
// keyed by signal name, mirroring Temporal's per-workflow signal channels
// closely enough that code written against rtengine.SignalChannel behaves
// the same against either engine.
type signalRegistry struct {
	mu       sync.Mutex
	cond     *sync.Cond
	pending  map[string][]any
}

func newSignalRegistry() *signalRegistry {
	r := &signalRegistry{pending: make(map[string][]any)}
	r.cond = sync.NewCond(&r.mu)
	return r
}

func (r *signalRegistry) deliver(name string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[name] = append(r.pending[name], payload)
	r.cond.Broadcast()
}

func (r *signalRegistry) channel(name string) rtengine.SignalChannel {
	return &inmemSignalChannel{registry: r, name: name}
}

type inmemSignalChannel struct {
	registry *signalRegistry
	name     string
}

func (c *inmemSignalChannel) Receive(ctx context.Context, dest any) error {
	r := c.registry
	r.mu.Lock()
	for len(r.pending[c.name]) == 0 {
		if ctx.Err() != nil {
			r.mu.Unlock()
			return ctx.Err()
		}
		r.cond.Wait()
	}
	payload := r.pending[c.name][0]
	r.pending[c.name] = r.pending[c.name][1:]
	r.mu.Unlock()
	return assignValue(payload, dest)
}

func (c *inmemSignalChannel) ReceiveAsync(dest any) bool {
	r := c.registry
	r.mu.Lock()
	defer r.mu.Unlock()
	queue := r.pending[c.name]
	if len(queue) == 0 {
		return false
	}
	payload := queue[0]
	r.pending[c.name] = queue[1:]
	if err := assignValue(payload, dest); err != nil {
		return false
	}
	return true
}

// assignValue copies src into the value dest points to via reflection,
// since signal payloads cross the same in-process "channel" boundary that
// a real engine would serialize across.
func assignValue(src, dest any) error {
	if dest == nil {
		return nil
	}
	dv := reflect.ValueOf(dest)
	if dv.Kind() != reflect.Ptr || dv.IsNil() {
		return nil
	}
	sv := reflect.ValueOf(src)
	if !sv.IsValid() {
		return nil
	}
	if sv.Type().AssignableTo(dv.Elem().Type()) {
		dv.Elem().Set(sv)
	}
	return nil
}
