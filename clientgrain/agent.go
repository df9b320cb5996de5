package clientgrain

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agentfabric/mesh/handle"
	"github.com/agentfabric/mesh/history"
	"github.com/agentfabric/mesh/messaging"
	"github.com/agentfabric/mesh/registry"
	"github.com/agentfabric/mesh/scheduler"
	"github.com/agentfabric/mesh/state"
	"github.com/agentfabric/mesh/stream"
	"github.com/agentfabric/mesh/telemetry"
)

// deactivateFlushRetries and deactivateFlushBaseDelay implement the linear
// backoff Deactivate uses when flushing chat-history providers fails (spec
// §4.5 Deactivate: "up to 3 retries with linear backoff 100*n ms").
const deactivateFlushRetries = 3

var deactivateFlushBaseDelay = 100 * time.Millisecond

// Agent is the per-handle singleton agent entity (spec §4.5). Handle is the
// fully qualified "owner:agentId" handle.
type Agent struct {
	handle string

	store     state.Store
	streams   stream.Registry
	reg       *registry.Manager
	types     *TypeRegistry
	logger    telemetry.Logger
	now       func() time.Time
	sleep     func(time.Duration)

	// procMu serializes every OnMessage/OnEvent invocation on this
	// activation's proxy, mirroring engine/inmem's per-workflow-id lock: an
	// agent handles one message at a time (spec §5 single-activation
	// invariant) even though the hosting process may receive several
	// concurrently (direct RPC, chat stream, event stream, timer ticks).
	procMu sync.Mutex

	mu            sync.Mutex
	proxy         Proxy
	cfg           *messaging.AgentConfiguration
	activatedAt   time.Time
	processed     int64
	histories     map[string]*history.Provider
	subs          []stream.Subscription
	activeStreams []string

	sched *scheduler.Service
}

// AgentOptions configures an Agent.
type AgentOptions struct {
	Store     state.Store
	Streams   stream.Registry
	Registry  *registry.Manager
	Types     *TypeRegistry
	Registrar scheduler.ReminderRegistrar
	Logger    telemetry.Logger
}

// NewAgent constructs an Agent for handle. Call Activate before use.
func NewAgent(agentHandle string, opts AgentOptions) *Agent {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	a := &Agent{
		handle:    agentHandle,
		store:     opts.Store,
		streams:   opts.Streams,
		reg:       opts.Registry,
		types:     opts.Types,
		logger:    logger,
		now:       time.Now,
		sleep:     time.Sleep,
		histories: make(map[string]*history.Provider),
	}
	registrar := opts.Registrar
	if registrar == nil {
		registrar = scheduler.NewInmemReminderRegistrar()
	}
	a.sched = scheduler.New(agentHandle, a.deliverSelfMessage, registrar)
	return a
}

// Activate reads persisted state; if a configuration is present it
// instantiates the proxy, subscribes to the agent's chat/event streams plus
// any configured extra streams, and registers with the management
// registry. Instantiation failure clears the configuration and leaves the
// agent uninitialized rather than failing activation.
func (a *Agent) Activate(ctx context.Context) error {
	persisted, err := a.store.ReadAgent(ctx, a.handle)
	if err != nil {
		return fmt.Errorf("clientgrain: activate %q: read state: %w", a.handle, err)
	}
	a.activatedAt = a.now()

	if persisted.Configuration == nil {
		return nil
	}
	if err := a.instantiateAndSubscribe(ctx, *persisted.Configuration); err != nil {
		a.logger.Warn(ctx, "clientgrain: activate: instantiation failed, clearing configuration", "handle", a.handle, "error", err)
		a.mu.Lock()
		a.cfg = nil
		a.proxy = nil
		a.mu.Unlock()
		return nil
	}
	return nil
}

// ConfigureAgent instantiates and initializes the proxy named by
// cfg.AgentType, subscribes its streams, persists cfg, and registers the
// agent. If already configured and forceReconfigure is false, it returns
// the current health without reconfiguring.
func (a *Agent) ConfigureAgent(ctx context.Context, cfg messaging.AgentConfiguration, forceReconfigure bool, detail messaging.DetailLevel) (messaging.AgentHealthStatus, error) {
	a.mu.Lock()
	alreadyConfigured := a.proxy != nil
	a.mu.Unlock()
	if alreadyConfigured && !forceReconfigure {
		return a.Health(ctx, detail), nil
	}

	cfg.ForceReconfigure = forceReconfigure
	if err := a.instantiateAndSubscribe(ctx, cfg); err != nil {
		return messaging.AgentHealthStatus{}, fmt.Errorf("clientgrain: configure %q: %w", a.handle, err)
	}

	persisted, err := a.store.ReadAgent(ctx, a.handle)
	if err != nil {
		persisted = state.AgentGrainState{}
	}
	persisted.Configuration = &cfg
	persisted.LastModified = a.now()
	if err := a.store.WriteAgent(ctx, a.handle, persisted); err != nil {
		a.logger.Error(ctx, "clientgrain: configure: persist failed", "handle", a.handle, "error", err)
	}

	return a.Health(ctx, detail), nil
}

func (a *Agent) instantiateAndSubscribe(ctx context.Context, cfg messaging.AgentConfiguration) error {
	if err := a.types.ValidateArgs(cfg.AgentType, cfg.Args); err != nil {
		return err
	}

	proxy, err := a.types.New(cfg.AgentType)
	if err != nil {
		return err
	}
	if err := proxy.OnInitialize(ctx, cfg); err != nil {
		return fmt.Errorf("proxy initialize: %w", err)
	}

	streamNames := append([]string{}, cfg.Streams...)
	subs := make([]stream.Subscription, 0, 2+len(streamNames))

	chatSub, err := a.streams.Subscribe(ctx, stream.Name{Namespace: stream.AgentChat, Key: a.handle}, a.handleChatMessage)
	if err != nil {
		return fmt.Errorf("subscribe chat stream: %w", err)
	}
	subs = append(subs, chatSub)

	eventSub, err := a.streams.Subscribe(ctx, stream.Name{Namespace: stream.AgentEvent, Key: a.handle}, a.handleEventMessage)
	if err != nil {
		return fmt.Errorf("subscribe event stream: %w", err)
	}
	subs = append(subs, eventSub)

	for _, name := range streamNames {
		sub, err := a.streams.Subscribe(ctx, stream.Name{Namespace: stream.AgentEvent, Key: name}, a.handleEventMessage)
		if err != nil {
			return fmt.Errorf("subscribe stream %q: %w", name, err)
		}
		subs = append(subs, sub)
	}

	a.mu.Lock()
	a.proxy = proxy
	a.cfg = &cfg
	a.subs = subs
	a.activeStreams = append([]string{string(stream.AgentChat), string(stream.AgentEvent)}, streamNames...)
	a.mu.Unlock()

	if a.reg != nil {
		a.reg.RegisterAgent(a.handle, cfg.AgentType, clientOwner(a.handle))
	}
	return nil
}

// Deactivate flushes every tracked chat-history provider (retrying on
// failure), disposes the proxy, and notifies the management registry.
func (a *Agent) Deactivate(ctx context.Context) error {
	a.mu.Lock()
	providers := make([]*history.Provider, 0, len(a.histories))
	for _, p := range a.histories {
		providers = append(providers, p)
	}
	proxy := a.proxy
	a.mu.Unlock()

	for _, p := range providers {
		a.flushWithRetry(ctx, p)
	}

	if proxy != nil {
		if err := proxy.Dispose(ctx); err != nil {
			a.logger.Error(ctx, "clientgrain: deactivate: proxy dispose failed", "handle", a.handle, "error", err)
		}
	}

	a.mu.Lock()
	for _, sub := range a.subs {
		if err := sub.Close(ctx); err != nil {
			a.logger.Error(ctx, "clientgrain: deactivate: close stream failed", "handle", a.handle, "error", err)
		}
	}
	a.subs = nil
	a.mu.Unlock()

	if a.reg != nil {
		a.reg.DeactivateAgent(a.handle)
	}
	return nil
}

func (a *Agent) flushWithRetry(ctx context.Context, p *history.Provider) {
	var err error
	for n := 1; n <= deactivateFlushRetries; n++ {
		if err = p.FlushAsync(ctx); err == nil {
			return
		}
		a.sleep(time.Duration(n) * deactivateFlushBaseDelay)
	}
	a.logger.Error(ctx, "clientgrain: deactivate: flush failed after retries", "handle", a.handle, "error", err)
}

// HistoryProvider returns (creating if necessary) the chat-history
// provider for threadID, tracked so Deactivate can flush it.
func (a *Agent) HistoryProvider(threadID string) *history.Provider {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.histories[threadID]
	if !ok {
		p = history.NewProvider(a.store, a.handle, threadID)
		a.histories[threadID] = p
	}
	return p
}

// OnMessage requires the agent be configured, invokes the proxy, increments
// the processed counter, and always attempts to flush every tracked
// chat-history provider afterward regardless of outcome.
func (a *Agent) OnMessage(ctx context.Context, req messaging.AgentMessage) (*messaging.AgentMessage, error) {
	a.procMu.Lock()
	defer a.procMu.Unlock()

	a.mu.Lock()
	proxy := a.proxy
	a.mu.Unlock()
	if proxy == nil {
		return nil, fmt.Errorf("clientgrain: %q is not configured", a.handle)
	}

	resp, err := proxy.OnMessage(ctx, req)

	a.mu.Lock()
	a.processed++
	providers := make([]*history.Provider, 0, len(a.histories))
	for _, p := range a.histories {
		providers = append(providers, p)
	}
	a.mu.Unlock()
	for _, p := range providers {
		if flushErr := p.FlushAsync(ctx); flushErr != nil {
			a.logger.Error(ctx, "clientgrain: on message: flush failed", "handle", a.handle, "error", flushErr)
		}
	}

	return resp, err
}

// handleChatMessage is the chat-stream subscription handler: it invokes
// OnMessage and, if the original message expected a reply and the response
// routes back to the sender, publishes the response on the sender's chat
// stream.
func (a *Agent) handleChatMessage(ctx context.Context, env stream.Envelope) error {
	req := env.Message
	resp, err := a.OnMessage(ctx, req)
	if err != nil {
		a.logger.Error(ctx, "clientgrain: chat handler: OnMessage failed", "handle", a.handle, "error", err)
		return nil
	}
	if resp == nil || req.Kind != messaging.KindRequest || resp.ToHandle != req.FromHandle {
		return nil
	}
	_, err = a.streams.Publish(ctx, stream.Name{Namespace: stream.AgentChat, Key: resp.ToHandle}, *resp)
	return err
}

// handleEventMessage is the event-stream subscription handler: it invokes
// OnEvent and expects no response.
func (a *Agent) handleEventMessage(ctx context.Context, env stream.Envelope) error {
	a.procMu.Lock()
	defer a.procMu.Unlock()

	a.mu.Lock()
	proxy := a.proxy
	a.mu.Unlock()
	if proxy == nil {
		return fmt.Errorf("clientgrain: %q is not configured", a.handle)
	}
	return proxy.OnEvent(ctx, env.Message)
}

// SendAndReceiveMessage mirrors the client entity's operation, defaulting
// FromHandle to this agent's own handle.
func (a *Agent) SendAndReceiveMessage(ctx context.Context, req messaging.AgentMessage, caller AgentCaller, prefix string) (*messaging.AgentMessage, error) {
	if req.FromHandle == "" {
		req.FromHandle = a.handle
	}
	req.ToHandle = handle.EnsurePrefix(req.ToHandle, prefix)
	return caller.OnMessage(ctx, req.ToHandle, req)
}

// SendMessage publishes req on the target's chat stream, defaulting
// FromHandle to this agent's own handle.
func (a *Agent) SendMessage(ctx context.Context, req messaging.AgentMessage, prefix string) error {
	if req.FromHandle == "" {
		req.FromHandle = a.handle
	}
	req.ToHandle = handle.EnsurePrefix(req.ToHandle, prefix)
	_, err := a.streams.Publish(ctx, stream.Name{Namespace: stream.AgentChat, Key: req.ToHandle}, req)
	return err
}

// SendEvent publishes req on an event stream, defaulting FromHandle to this
// agent's own handle.
func (a *Agent) SendEvent(ctx context.Context, req messaging.AgentMessage, streamName, prefix string) error {
	if req.FromHandle == "" {
		req.FromHandle = a.handle
	}
	key := streamName
	if key == "" {
		key = handle.EnsurePrefix(req.ToHandle, prefix)
		req.ToHandle = key
	}
	_, err := a.streams.Publish(ctx, stream.Name{Namespace: stream.AgentEvent, Key: key}, req)
	return err
}

// Scheduler exposes the agent's timer/reminder plane.
func (a *Agent) Scheduler() *scheduler.Service { return a.sched }

func (a *Agent) deliverSelfMessage(ctx context.Context, msg messaging.AgentMessage) {
	if _, err := a.OnMessage(ctx, msg); err != nil {
		a.logger.Error(ctx, "clientgrain: timer/reminder self-dispatch failed", "handle", a.handle, "error", err)
	}
}

// Health composes the agent's AgentHealthStatus. At DetailFull it also
// embeds the proxy's own health report.
func (a *Agent) Health(ctx context.Context, detail messaging.DetailLevel) messaging.AgentHealthStatus {
	a.mu.Lock()
	configured := a.proxy != nil
	proxy := a.proxy
	cfg := a.cfg
	uptime := a.now().Sub(a.activatedAt)
	processed := a.processed
	streamCount := len(a.activeStreams)
	activeStreams := append([]string(nil), a.activeStreams...)
	a.mu.Unlock()

	healthState := messaging.HealthNotConfigured
	if configured {
		healthState = messaging.HealthHealthy
	}

	status := messaging.AgentHealthStatus{
		Handle:              a.handle,
		State:               healthState,
		IsConfigured:        configured,
		Timestamp:           a.now(),
		Uptime:              &uptime,
		MessagesProcessed:   &processed,
		ActiveTimerCount:    intPtr(a.sched.ActiveTimerCount()),
		ActiveReminderCount: intPtr(a.sched.ActiveReminderCount()),
		StreamCount:         &streamCount,
		ActiveStreams:       activeStreams,
		Configuration:       cfg,
	}
	if cfg != nil {
		status.AgentType = cfg.AgentType
	}

	if detail == messaging.DetailFull && proxy != nil {
		proxyHealth := proxy.GetHealth(ctx, detail)
		status.ProxyHealth = &proxyHealth
		status.State = messaging.Worse(status.State, proxyHealth.State)
	}
	return status
}

func intPtr(n int) *int { return &n }

func clientOwner(qualifiedHandle string) string {
	owner, _ := handle.Owner(qualifiedHandle)
	return owner
}
