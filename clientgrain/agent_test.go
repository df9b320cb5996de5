package clientgrain

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentfabric/mesh/history"
	"github.com/agentfabric/mesh/messaging"
	"github.com/agentfabric/mesh/model"
	"github.com/agentfabric/mesh/state"
	"github.com/agentfabric/mesh/stream"
)

type echoProxy struct {
	initErr    error
	onMessage  func(ctx context.Context, req messaging.AgentMessage) (*messaging.AgentMessage, error)
	onEventErr error
	disposed   bool
	events     []messaging.AgentMessage
}

func (p *echoProxy) OnInitialize(context.Context, messaging.AgentConfiguration) error { return p.initErr }

func (p *echoProxy) OnMessage(ctx context.Context, req messaging.AgentMessage) (*messaging.AgentMessage, error) {
	if p.onMessage != nil {
		return p.onMessage(ctx, req)
	}
	return &messaging.AgentMessage{FromHandle: req.ToHandle, ToHandle: req.FromHandle, Message: "echo: " + req.Message, Kind: messaging.KindResponse}, nil
}

func (p *echoProxy) OnEvent(_ context.Context, req messaging.AgentMessage) error {
	p.events = append(p.events, req)
	return p.onEventErr
}

func (p *echoProxy) Dispose(context.Context) error {
	p.disposed = true
	return nil
}

func (p *echoProxy) GetHealth(context.Context, messaging.DetailLevel) messaging.AgentHealthStatus {
	return messaging.AgentHealthStatus{State: messaging.HealthHealthy}
}

func newTestAgent(t *testing.T, proxy *echoProxy) (*Agent, *state.InmemStore, *stream.InmemRegistry) {
	t.Helper()
	store := state.NewInmemStore()
	streams := stream.NewInmemRegistry()
	types := NewTypeRegistry()
	types.Register("echo", func() Proxy { return proxy })

	a := NewAgent("acme:bot", AgentOptions{Store: store, Streams: streams, Types: types})
	_, err := a.ConfigureAgent(context.Background(), messaging.AgentConfiguration{Handle: "acme:bot", AgentType: "echo"}, false, messaging.DetailBasic)
	require.NoError(t, err)
	return a, store, streams
}

func TestConfigureAgentInstantiatesAndPersists(t *testing.T) {
	proxy := &echoProxy{}
	_, store, _ := newTestAgent(t, proxy)

	persisted, err := store.ReadAgent(context.Background(), "acme:bot")
	require.NoError(t, err)
	require.NotNil(t, persisted.Configuration)
	require.Equal(t, "echo", persisted.Configuration.AgentType)
}

func TestConfigureAgentWithoutForceReturnsCurrentHealth(t *testing.T) {
	proxy := &echoProxy{}
	a, _, _ := newTestAgent(t, proxy)

	health, err := a.ConfigureAgent(context.Background(), messaging.AgentConfiguration{Handle: "acme:bot", AgentType: "echo"}, false, messaging.DetailBasic)
	require.NoError(t, err)
	require.Equal(t, messaging.HealthHealthy, health.State)
}

func TestOnMessageRequiresConfiguration(t *testing.T) {
	store := state.NewInmemStore()
	streams := stream.NewInmemRegistry()
	a := NewAgent("acme:bot", AgentOptions{Store: store, Streams: streams, Types: NewTypeRegistry()})
	require.NoError(t, a.Activate(context.Background()))

	_, err := a.OnMessage(context.Background(), messaging.AgentMessage{Message: "hi"})
	require.Error(t, err)
}

func TestOnMessageIncrementsProcessedCounter(t *testing.T) {
	proxy := &echoProxy{}
	a, _, _ := newTestAgent(t, proxy)

	_, err := a.OnMessage(context.Background(), messaging.AgentMessage{Message: "hi"})
	require.NoError(t, err)

	health := a.Health(context.Background(), messaging.DetailBasic)
	require.NotNil(t, health.MessagesProcessed)
	require.EqualValues(t, 1, *health.MessagesProcessed)
}

func TestChatStreamHandlerPublishesResponseBackToSender(t *testing.T) {
	proxy := &echoProxy{}
	_, _, streams := newTestAgent(t, proxy)

	var reply messaging.AgentMessage
	_, err := streams.Subscribe(context.Background(), stream.Name{Namespace: stream.AgentChat, Key: "acme:alice"}, func(_ context.Context, env stream.Envelope) error {
		reply = env.Message
		return nil
	})
	require.NoError(t, err)

	_, err = streams.Publish(context.Background(), stream.Name{Namespace: stream.AgentChat, Key: "acme:bot"}, messaging.AgentMessage{
		FromHandle: "acme:alice", ToHandle: "acme:bot", Message: "hi", Kind: messaging.KindRequest,
	})
	require.NoError(t, err)
	require.Equal(t, "echo: hi", reply.Message)
}

func TestEventStreamHandlerInvokesOnEventWithNoResponse(t *testing.T) {
	proxy := &echoProxy{}
	_, _, streams := newTestAgent(t, proxy)

	_, err := streams.Publish(context.Background(), stream.Name{Namespace: stream.AgentEvent, Key: "acme:bot"}, messaging.AgentMessage{Message: "evt"})
	require.NoError(t, err)
	require.Len(t, proxy.events, 1)
	require.Equal(t, "evt", proxy.events[0].Message)
}

func TestDeactivateDisposesProxyAndFlushesHistories(t *testing.T) {
	proxy := &echoProxy{}
	a, store, _ := newTestAgent(t, proxy)

	provider := a.HistoryProvider("thread-1")
	require.NoError(t, provider.InvokedAsync(context.Background(), history.Turn{
		ResponseMessages: []model.Message{{Role: model.RoleAssistant, Text: "hello"}},
	}))

	require.NoError(t, a.Deactivate(context.Background()))
	require.True(t, proxy.disposed)

	persisted, err := store.ReadAgent(context.Background(), "acme:bot")
	require.NoError(t, err)
	require.Len(t, persisted.MessageThreads["thread-1"], 1)
}

func TestConfigureAgentRejectsArgsViolatingRegisteredSchema(t *testing.T) {
	store := state.NewInmemStore()
	streams := stream.NewInmemRegistry()
	types := NewTypeRegistry()
	proxy := &echoProxy{}
	schema := []byte(`{
		"type": "object",
		"required": ["model"],
		"properties": {"model": {"type": "string"}}
	}`)
	require.NoError(t, types.RegisterWithSchema("echo", func() Proxy { return proxy }, schema))

	a := NewAgent("acme:bot", AgentOptions{Store: store, Streams: streams, Types: types})

	_, err := a.ConfigureAgent(context.Background(), messaging.AgentConfiguration{
		Handle: "acme:bot", AgentType: "echo", Args: map[string]string{},
	}, false, messaging.DetailBasic)
	require.Error(t, err)

	_, err = a.ConfigureAgent(context.Background(), messaging.AgentConfiguration{
		Handle: "acme:bot", AgentType: "echo", Args: map[string]string{"model": "claude"},
	}, false, messaging.DetailBasic)
	require.NoError(t, err)
}

func TestOnMessagePropagatesProxyErrorButStillFlushes(t *testing.T) {
	proxy := &echoProxy{onMessage: func(context.Context, messaging.AgentMessage) (*messaging.AgentMessage, error) {
		return nil, errors.New("boom")
	}}
	a, store, _ := newTestAgent(t, proxy)

	provider := a.HistoryProvider("thread-1")
	require.NoError(t, provider.InvokedAsync(context.Background(), history.Turn{
		ResponseMessages: []model.Message{{Role: model.RoleAssistant, Text: "hello"}},
	}))

	_, err := a.OnMessage(context.Background(), messaging.AgentMessage{Message: "hi"})
	require.Error(t, err)

	persisted, err := store.ReadAgent(context.Background(), "acme:bot")
	require.NoError(t, err)
	require.Len(t, persisted.MessageThreads["thread-1"], 1)
}
