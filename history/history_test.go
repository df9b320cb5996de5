package history

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentfabric/mesh/model"
	"github.com/agentfabric/mesh/state"
)

func TestInvokingAsyncLoadsOnFirstCall(t *testing.T) {
	ctx := context.Background()
	store := state.NewInmemStore()
	require.NoError(t, store.WriteAgent(ctx, "acme:bot", state.AgentGrainState{
		MessageThreads: map[string][]state.StoredChatMessage{
			"thread-1": {{Role: "user", ContentsJSON: "hello"}},
		},
	}))

	p := NewProvider(store, "acme:bot", "thread-1")
	msgs, err := p.InvokingAsync(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "hello", msgs[0].Text)
}

func TestInvokedAsyncSkipsOnError(t *testing.T) {
	ctx := context.Background()
	store := state.NewInmemStore()
	p := NewProvider(store, "acme:bot", "thread-1")

	require.NoError(t, p.InvokedAsync(ctx, Turn{
		ResponseMessages: []model.Message{{Role: model.RoleAssistant, Text: "hi"}},
		Err:              context.Canceled,
	}))
	msgs, err := p.InvokingAsync(ctx)
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestFlushAsyncIsIdempotentWhenPendingEmpty(t *testing.T) {
	ctx := context.Background()
	store := state.NewInmemStore()
	p := NewProvider(store, "acme:bot", "thread-1")
	require.NoError(t, p.FlushAsync(ctx))
}

func TestFlushAsyncPersistsAndClearsPending(t *testing.T) {
	ctx := context.Background()
	store := state.NewInmemStore()
	p := NewProvider(store, "acme:bot", "thread-1")

	require.NoError(t, p.InvokedAsync(ctx, Turn{
		RequestMessages: []model.Message{{Role: model.RoleUser, Text: "q"}},
	}))
	require.NoError(t, p.FlushAsync(ctx))

	got, err := store.ReadAgent(ctx, "acme:bot")
	require.NoError(t, err)
	require.Len(t, got.MessageThreads["thread-1"], 1)

	msgs, err := p.InvokingAsync(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestReplaceAndResetCacheAsyncOverwritesThread(t *testing.T) {
	ctx := context.Background()
	store := state.NewInmemStore()
	p := NewProvider(store, "acme:bot", "thread-1")
	require.NoError(t, p.InvokedAsync(ctx, Turn{RequestMessages: []model.Message{{Role: model.RoleUser, Text: "q"}}}))
	require.NoError(t, p.FlushAsync(ctx))

	require.NoError(t, p.ReplaceAndResetCacheAsync(ctx, []state.StoredChatMessage{
		{Role: "system", ContentsJSON: "[Compacted History]\nsummary"},
	}))

	msgs, err := p.InvokingAsync(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "[Compacted History]\nsummary", msgs[0].Text)
}

func TestForkInvokedAsyncDoesNotMutateOriginal(t *testing.T) {
	ctx := context.Background()
	store := state.NewInmemStore()
	p := NewProvider(store, "acme:bot", "thread-1")
	require.NoError(t, p.InvokedAsync(ctx, Turn{RequestMessages: []model.Message{{Role: model.RoleUser, Text: "q1"}}}))
	require.NoError(t, p.FlushAsync(ctx))

	fork, err := p.Fork(ctx)
	require.NoError(t, err)
	fork.InvokedAsync(Turn{ResponseMessages: []model.Message{{Role: model.RoleAssistant, Text: "forked reply"}}})

	forked := fork.InvokingAsync()
	require.Len(t, forked, 2)

	original, err := p.InvokingAsync(ctx)
	require.NoError(t, err)
	require.Len(t, original, 1)
}

func TestForkPersistNewOnlyAppendsWithoutDuplicatingOriginal(t *testing.T) {
	ctx := context.Background()
	store := state.NewInmemStore()
	p := NewProvider(store, "acme:bot", "thread-1")
	require.NoError(t, p.InvokedAsync(ctx, Turn{RequestMessages: []model.Message{{Role: model.RoleUser, Text: "q1"}}}))
	require.NoError(t, p.FlushAsync(ctx))

	fork, err := p.Fork(ctx)
	require.NoError(t, err)
	fork.InvokedAsync(Turn{ResponseMessages: []model.Message{{Role: model.RoleAssistant, Text: "new"}}})
	require.NoError(t, fork.PersistNewOnly(ctx, "thread-1"))

	got, err := store.ReadAgent(ctx, "acme:bot")
	require.NoError(t, err)
	require.Len(t, got.MessageThreads["thread-1"], 2)
}
