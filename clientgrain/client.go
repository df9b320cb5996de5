package clientgrain

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agentfabric/mesh/handle"
	"github.com/agentfabric/mesh/messaging"
	"github.com/agentfabric/mesh/observer"
	"github.com/agentfabric/mesh/registry"
	"github.com/agentfabric/mesh/state"
	"github.com/agentfabric/mesh/stream"
	"github.com/agentfabric/mesh/telemetry"
)

// pendingMessageMaxAge is how stale a rehydrated pending queue may be
// before Activate discards it outright (spec §4.4 Activate step).
const pendingMessageMaxAge = time.Hour

// AgentCaller is the direct-RPC path a client entity uses to reach an
// agent entity without going through the pub/sub stream plane: message
// exchange and health/configure calls. In a real deployment this is
// satisfied by invoking the target agent activation's workflow handle
// through the cluster substrate; tests and local runs satisfy it with an
// in-process agent table.
type AgentCaller interface {
	OnMessage(ctx context.Context, targetHandle string, req messaging.AgentMessage) (*messaging.AgentMessage, error)
	GetHealth(ctx context.Context, targetHandle string, detail messaging.DetailLevel) (messaging.AgentHealthStatus, error)
	ConfigureAgent(ctx context.Context, targetHandle string, cfg messaging.AgentConfiguration, forceReconfigure bool, detail messaging.DetailLevel) (messaging.AgentHealthStatus, error)
}

// Deliver hands one message to whatever process registered ref as an
// observer (spec §6's object-reference mechanism). Client.Subscribe pairs a
// Ref with one of these so Notify has somewhere to send messages.
type Deliver func(ctx context.Context, msg messaging.AgentMessage) error

// Client is the per-handle singleton client entity (spec §4.4). Handle is
// the bare client id (no colon); its prefix, handle.Prefix(handle) (that is,
// handle+":"), is applied to every target handle this client addresses.
type Client struct {
	handle string
	prefix string

	store     state.Store
	streams   stream.Registry
	observers *observer.Manager
	reg       *registry.Manager
	caller    AgentCaller
	logger    telemetry.Logger
	now       func() time.Time

	// procMu serializes this client entity's externally callable operations
	// (spec §5 single-activation invariant), the same role engine/inmem's
	// per-workflow-id lock plays for workflow-hosted entities.
	procMu sync.Mutex

	mu               sync.Mutex
	trackedAgents    map[string]state.TrackedAgent
	pending          []messaging.AgentMessage
	pendingPersisted time.Time
	deliverers       map[observer.Ref]Deliver
	chatSub          stream.Subscription
}

// ClientOptions configures a Client.
type ClientOptions struct {
	Store     state.Store
	Streams   stream.Registry
	Observers *observer.Manager
	Registry  *registry.Manager
	Caller    AgentCaller
	Logger    telemetry.Logger
}

// NewClient constructs a Client for handle. Call Activate before use.
func NewClient(clientHandle string, opts ClientOptions) *Client {
	observers := opts.Observers
	if observers == nil {
		observers = observer.New()
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Client{
		handle:        clientHandle,
		prefix:        handle.Prefix(clientHandle),
		store:         opts.Store,
		streams:       opts.Streams,
		observers:     observers,
		reg:           opts.Registry,
		caller:        opts.Caller,
		logger:        logger,
		now:           time.Now,
		trackedAgents: make(map[string]state.TrackedAgent),
		deliverers:    make(map[observer.Ref]Deliver),
	}
}

// Activate rehydrates persisted state, purges a stale pending queue,
// re-subscribes to this client's chat stream, and registers with the
// management registry.
func (c *Client) Activate(ctx context.Context) error {
	persisted, err := c.store.ReadClient(ctx, c.handle)
	if err != nil {
		return fmt.Errorf("clientgrain: activate %q: read state: %w", c.handle, err)
	}

	c.mu.Lock()
	if persisted.TrackedAgents != nil {
		c.trackedAgents = persisted.TrackedAgents
	}
	if !persisted.PendingMessagesPersisted.IsZero() && c.now().Sub(persisted.PendingMessagesPersisted) <= pendingMessageMaxAge {
		c.pending = append([]messaging.AgentMessage(nil), persisted.PendingMessages...)
	}
	c.mu.Unlock()

	sub, err := c.streams.Subscribe(ctx, stream.Name{Namespace: stream.AgentChat, Key: c.handle}, c.handleChatMessage)
	if err != nil {
		return fmt.Errorf("clientgrain: activate %q: subscribe: %w", c.handle, err)
	}
	c.mu.Lock()
	c.chatSub = sub
	c.mu.Unlock()

	if c.reg != nil {
		c.reg.RegisterClient(c.handle)
	}
	return nil
}

// Deactivate snapshots tracked agents, the pending queue, and a timestamp
// into persistent state, then closes the chat-stream subscription and
// deregisters.
func (c *Client) Deactivate(ctx context.Context) error {
	c.mu.Lock()
	snapshot := state.ClientGrainState{
		TrackedAgents:            copyTrackedAgents(c.trackedAgents),
		PendingMessages:          append([]messaging.AgentMessage(nil), c.pending...),
		PendingMessagesPersisted: c.now(),
		LastModified:             c.now(),
	}
	sub := c.chatSub
	c.chatSub = nil
	c.mu.Unlock()

	if err := c.store.WriteClient(ctx, c.handle, snapshot); err != nil {
		c.logger.Error(ctx, "clientgrain: deactivate: persist failed", "handle", c.handle, "error", err)
	}
	if sub != nil {
		if err := sub.Close(ctx); err != nil {
			c.logger.Error(ctx, "clientgrain: deactivate: close stream failed", "handle", c.handle, "error", err)
		}
	}
	if c.reg != nil {
		c.reg.DeactivateClient(c.handle)
	}
	return nil
}

// Subscribe registers ref as an observer, delivering via deliver. If the
// pending queue is non-empty it is drained FIFO to every current observer
// (including ref) and then cleared.
func (c *Client) Subscribe(ctx context.Context, ref observer.Ref, deliver Deliver) {
	c.procMu.Lock()
	defer c.procMu.Unlock()

	c.mu.Lock()
	c.deliverers[ref] = deliver
	c.observers.Subscribe(ref)
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, msg := range pending {
		c.notify(ctx, msg)
	}
}

// Unsubscribe removes ref from the observer set.
func (c *Client) Unsubscribe(ref observer.Ref) {
	c.procMu.Lock()
	defer c.procMu.Unlock()

	c.mu.Lock()
	delete(c.deliverers, ref)
	c.mu.Unlock()
	c.observers.Unsubscribe(ref)
}

// SendAndReceiveMessage normalizes req.ToHandle and invokes the target
// agent's OnMessage via direct RPC, returning its response.
func (c *Client) SendAndReceiveMessage(ctx context.Context, req messaging.AgentMessage) (*messaging.AgentMessage, error) {
	c.procMu.Lock()
	defer c.procMu.Unlock()

	req.ToHandle = handle.EnsurePrefix(req.ToHandle, c.prefix)
	return c.caller.OnMessage(ctx, req.ToHandle, req)
}

// SendMessage normalizes req.ToHandle and publishes it on the target's
// chat stream. Fire-and-forget.
func (c *Client) SendMessage(ctx context.Context, req messaging.AgentMessage) error {
	c.procMu.Lock()
	defer c.procMu.Unlock()

	req.ToHandle = handle.EnsurePrefix(req.ToHandle, c.prefix)
	_, err := c.streams.Publish(ctx, stream.Name{Namespace: stream.AgentChat, Key: req.ToHandle}, req)
	return err
}

// SendEvent publishes req on an event stream. If streamName is non-empty it
// addresses that stream directly with no handle normalization; otherwise
// req.ToHandle is normalized and used as the stream key.
func (c *Client) SendEvent(ctx context.Context, req messaging.AgentMessage, streamName string) error {
	c.procMu.Lock()
	defer c.procMu.Unlock()

	key := streamName
	if key == "" {
		key = handle.EnsurePrefix(req.ToHandle, c.prefix)
		req.ToHandle = key
	}
	_, err := c.streams.Publish(ctx, stream.Name{Namespace: stream.AgentEvent, Key: key}, req)
	return err
}

// CreateAgent normalizes cfg.Handle and either reuses an already-tracked
// agent (unless ForceReconfigure is set) whose GetHealth call succeeds with
// any state other than not_configured, or configures it afresh, recording
// it in the tracked-agents directory and persisting immediately.
func (c *Client) CreateAgent(ctx context.Context, cfg messaging.AgentConfiguration) (messaging.AgentHealthStatus, error) {
	c.procMu.Lock()
	defer c.procMu.Unlock()

	cfg.Handle = handle.EnsurePrefix(cfg.Handle, c.prefix)

	c.mu.Lock()
	_, tracked := c.trackedAgents[cfg.Handle]
	c.mu.Unlock()

	if tracked && !cfg.ForceReconfigure {
		health, err := c.caller.GetHealth(ctx, cfg.Handle, messaging.DetailBasic)
		if err == nil && health.State != messaging.HealthNotConfigured {
			return health, nil
		}
	}

	health, err := c.caller.ConfigureAgent(ctx, cfg.Handle, cfg, cfg.ForceReconfigure, messaging.DetailBasic)
	if err != nil {
		return messaging.AgentHealthStatus{}, fmt.Errorf("clientgrain: create agent %q: %w", cfg.Handle, err)
	}

	c.mu.Lock()
	c.trackedAgents[cfg.Handle] = state.TrackedAgent{Handle: cfg.Handle, AgentType: cfg.AgentType}
	snapshot := copyTrackedAgents(c.trackedAgents)
	c.mu.Unlock()

	persisted, readErr := c.store.ReadClient(ctx, c.handle)
	if readErr != nil {
		persisted = state.ClientGrainState{}
	}
	persisted.TrackedAgents = snapshot
	persisted.LastModified = c.now()
	if err := c.store.WriteClient(ctx, c.handle, persisted); err != nil {
		c.logger.Error(ctx, "clientgrain: create agent: persist failed", "handle", c.handle, "error", err)
	}

	return health, nil
}

// GetTrackedAgents returns a snapshot of this client's agent directory.
func (c *Client) GetTrackedAgents() []state.TrackedAgent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]state.TrackedAgent, 0, len(c.trackedAgents))
	for _, a := range c.trackedAgents {
		out = append(out, a)
	}
	return out
}

// IsAgentTracked reports whether targetHandle is in this client's directory.
func (c *Client) IsAgentTracked(targetHandle string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.trackedAgents[targetHandle]
	return ok
}

// handleChatMessage is the subscription handler installed on this client's
// own (AgentChat, handle) stream during Activate: it either fans the
// message out to current observers or, if there are none, enqueues it.
func (c *Client) handleChatMessage(ctx context.Context, env stream.Envelope) error {
	c.procMu.Lock()
	defer c.procMu.Unlock()

	c.notify(ctx, env.Message)
	return nil
}

func (c *Client) notify(ctx context.Context, msg messaging.AgentMessage) {
	if c.observers.Count() == 0 {
		c.mu.Lock()
		c.pending = append(c.pending, msg)
		c.mu.Unlock()
		return
	}
	c.observers.Notify(ctx, func(ctx context.Context, ref observer.Ref) error {
		c.mu.Lock()
		deliver, ok := c.deliverers[ref]
		c.mu.Unlock()
		if !ok {
			return fmt.Errorf("clientgrain: no deliverer registered for observer %q", ref)
		}
		return deliver(ctx, msg)
	})
}

func copyTrackedAgents(in map[string]state.TrackedAgent) map[string]state.TrackedAgent {
	out := make(map[string]state.TrackedAgent, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
