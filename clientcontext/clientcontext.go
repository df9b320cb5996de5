// Package clientcontext implements the client-side context (spec §4.10): a
// handle-bound façade over the client entity that manages its own observer
// subscription lifecycle, forwarding every operation after a lazy refresh
// check. It is grounded on the Client entity's Subscribe/Unsubscribe
// contract (clientgrain/client.go) and, for the shared-instance cache, on
// engine/inmem's mutex-guarded map-of-futures construction style.
package clientcontext

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentfabric/mesh/clientgrain"
	"github.com/agentfabric/mesh/messaging"
	"github.com/agentfabric/mesh/observer"
	"github.com/agentfabric/mesh/rterrors"
)

// refreshInterval is how long an observer subscription may go unrefreshed
// before the next forwarded call re-subscribes it (spec §4.10: "acceptable
// because observers live 5 min").
const refreshInterval = 3 * time.Minute

var refCounter uint64

// ClientLocator resolves the per-handle singleton client entity a context
// is bound to, activating it on first use if necessary.
type ClientLocator interface {
	Get(ctx context.Context, clientHandle string) (*clientgrain.Client, error)
}

// MessageHandler receives messages the bound client entity delivers to this
// context's observer subscription.
type MessageHandler func(ctx context.Context, msg messaging.AgentMessage)

// Context is a client-side handle over one client entity. It is not safe
// for concurrent Dispose/forwarding-call races beyond what its internal
// mutex already serializes.
type Context struct {
	handle      string
	locator     ClientLocator
	observerRef observer.Ref

	mu            sync.Mutex
	client        *clientgrain.Client
	lastRefreshed time.Time
	disposed      bool
	onMessage     MessageHandler
	now           func() time.Time
}

// Create builds a new Context bound to clientHandle, resolves the client
// entity, and subscribes this context as an observer. The caller owns the
// returned Context's disposal.
func Create(ctx context.Context, clientHandle string, locator ClientLocator) (*Context, error) {
	client, err := locator.Get(ctx, clientHandle)
	if err != nil {
		return nil, fmt.Errorf("clientcontext: resolve %q: %w", clientHandle, err)
	}
	c := &Context{
		handle:      clientHandle,
		locator:     locator,
		client:      client,
		observerRef: observer.Ref(fmt.Sprintf("%s/ctx-%d", clientHandle, atomic.AddUint64(&refCounter, 1))),
		now:         time.Now,
	}
	c.subscribeLocked(ctx)
	return c, nil
}

// OnMessage installs the handler invoked for messages this context's
// subscription receives, replacing any previous handler.
func (c *Context) OnMessage(handler MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = handler
}

func (c *Context) deliver(ctx context.Context, msg messaging.AgentMessage) error {
	c.mu.Lock()
	handler := c.onMessage
	c.mu.Unlock()
	if handler != nil {
		handler(ctx, msg)
	}
	return nil
}

// subscribeLocked (re-)subscribes this context's observer ref with the
// bound client entity and stamps the refresh time. Callers must hold c.mu.
func (c *Context) subscribeLocked(ctx context.Context) {
	c.client.Subscribe(ctx, c.observerRef, c.deliver)
	c.lastRefreshed = c.now()
}

// refresh re-subscribes if more than refreshInterval has elapsed since the
// last (re-)subscription. Every forwarding call runs this first.
func (c *Context) refresh(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return rterrors.New(rterrors.KindDisposed, "client-side context is disposed")
	}
	if c.now().Sub(c.lastRefreshed) > refreshInterval {
		c.subscribeLocked(ctx)
	}
	return nil
}

// SendAndReceiveMessage forwards to the bound client entity after a refresh
// check.
func (c *Context) SendAndReceiveMessage(ctx context.Context, req messaging.AgentMessage) (*messaging.AgentMessage, error) {
	if err := c.refresh(ctx); err != nil {
		return nil, err
	}
	return c.client.SendAndReceiveMessage(ctx, req)
}

// SendMessage forwards to the bound client entity after a refresh check.
func (c *Context) SendMessage(ctx context.Context, req messaging.AgentMessage) error {
	if err := c.refresh(ctx); err != nil {
		return err
	}
	return c.client.SendMessage(ctx, req)
}

// SendEvent forwards to the bound client entity after a refresh check.
func (c *Context) SendEvent(ctx context.Context, req messaging.AgentMessage, streamName string) error {
	if err := c.refresh(ctx); err != nil {
		return err
	}
	return c.client.SendEvent(ctx, req, streamName)
}

// CreateAgent forwards to the bound client entity after a refresh check.
func (c *Context) CreateAgent(ctx context.Context, cfg messaging.AgentConfiguration) (messaging.AgentHealthStatus, error) {
	if err := c.refresh(ctx); err != nil {
		return messaging.AgentHealthStatus{}, err
	}
	return c.client.CreateAgent(ctx, cfg)
}

// GetTrackedAgents forwards to the bound client entity after a refresh
// check.
func (c *Context) GetTrackedAgents(ctx context.Context) ([]string, error) {
	if err := c.refresh(ctx); err != nil {
		return nil, err
	}
	tracked := c.client.GetTrackedAgents()
	out := make([]string, 0, len(tracked))
	for _, a := range tracked {
		out = append(out, a.Handle)
	}
	return out, nil
}

// IsAgentTracked forwards to the bound client entity after a refresh check.
func (c *Context) IsAgentTracked(ctx context.Context, targetHandle string) (bool, error) {
	if err := c.refresh(ctx); err != nil {
		return false, err
	}
	return c.client.IsAgentTracked(targetHandle), nil
}

// Dispose unsubscribes from the bound client entity, clears the message
// handler, and marks this context disposed; every subsequent call returns
// a disposed error.
func (c *Context) Dispose(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return
	}
	c.client.Unsubscribe(c.observerRef)
	c.onMessage = nil
	c.disposed = true
}

// IsDisposed reports whether Dispose has been called.
func (c *Context) IsDisposed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disposed
}
