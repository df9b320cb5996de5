package compaction

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentfabric/mesh/config"
	"github.com/agentfabric/mesh/history"
	"github.com/agentfabric/mesh/model"
	"github.com/agentfabric/mesh/state"
)

type fakeClient struct {
	response string
	err      error
	calls    int
}

func (f *fakeClient) Complete(_ context.Context, _ *model.Request) (*model.Response, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &model.Response{Text: f.response}, nil
}

func seedThread(t *testing.T, store *state.InmemStore, handle, threadID string, n int, contentLen int) {
	t.Helper()
	msgs := make([]state.StoredChatMessage, 0, n)
	for i := 0; i < n; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		msgs = append(msgs, state.StoredChatMessage{Role: role, ContentsJSON: strings.Repeat("x", contentLen)})
	}
	require.NoError(t, store.WriteAgent(context.Background(), handle, state.AgentGrainState{
		MessageThreads: map[string][]state.StoredChatMessage{threadID: msgs},
	}))
}

func TestRunNoopWhenDisabled(t *testing.T) {
	ctx := context.Background()
	store := state.NewInmemStore()
	seedThread(t, store, "acme:bot", "t1", 10, 100)
	provider := history.NewProvider(store, "acme:bot", "t1")

	result, err := Run(ctx, provider, "t1", config.PlannerOptions{CompactionEnabled: false}, &fakeClient{})
	require.NoError(t, err)
	require.False(t, result.WasCompacted)
}

func TestRunNoopBelowThreshold(t *testing.T) {
	ctx := context.Background()
	store := state.NewInmemStore()
	seedThread(t, store, "acme:bot", "t1", 4, 10)
	provider := history.NewProvider(store, "acme:bot", "t1")

	result, err := Run(ctx, provider, "t1", config.PlannerOptions{
		CompactionEnabled:          true,
		CompactionMaxContextTokens: 1_000_000,
		CompactionThreshold:        0.8,
		CompactionKeepLastN:        2,
	}, &fakeClient{})
	require.NoError(t, err)
	require.False(t, result.WasCompacted)
}

func TestRunCompactsAndPreservesTailMessages(t *testing.T) {
	ctx := context.Background()
	store := state.NewInmemStore()
	seedThread(t, store, "acme:bot", "t1", 20, 200)
	provider := history.NewProvider(store, "acme:bot", "t1")
	client := &fakeClient{response: "summary text"}

	result, err := Run(ctx, provider, "t1", config.PlannerOptions{
		CompactionEnabled:          true,
		CompactionMaxContextTokens: 10,
		CompactionThreshold:        0.5,
		CompactionKeepLastN:        2,
	}, client)
	require.NoError(t, err)
	require.True(t, result.WasCompacted)
	require.Equal(t, 20, result.OriginalMessageCount)
	require.Equal(t, 1, client.calls)

	got, err := store.ReadAgent(ctx, "acme:bot")
	require.NoError(t, err)
	thread := got.MessageThreads["t1"]
	require.Equal(t, "system", thread[0].Role)
	require.Equal(t, "compaction", thread[0].AuthorName)
	require.Contains(t, thread[0].ContentsJSON, "summary text")
	require.Len(t, thread, 3)
}

func TestRunForcesProgressWhenKeepLastNWouldNoop(t *testing.T) {
	ctx := context.Background()
	store := state.NewInmemStore()
	seedThread(t, store, "acme:bot", "t1", 10, 200)
	provider := history.NewProvider(store, "acme:bot", "t1")
	client := &fakeClient{response: "summary"}

	result, err := Run(ctx, provider, "t1", config.PlannerOptions{
		CompactionEnabled:          true,
		CompactionMaxContextTokens: 10,
		CompactionThreshold:        0.5,
		CompactionKeepLastN:        10,
	}, client)
	require.NoError(t, err)
	require.True(t, result.WasCompacted)
}

func TestRunPropagatesSummarizeError(t *testing.T) {
	ctx := context.Background()
	store := state.NewInmemStore()
	seedThread(t, store, "acme:bot", "t1", 20, 200)
	provider := history.NewProvider(store, "acme:bot", "t1")
	client := &fakeClient{err: errors.New("model unavailable")}

	_, err := Run(ctx, provider, "t1", config.PlannerOptions{
		CompactionEnabled:          true,
		CompactionMaxContextTokens: 10,
		CompactionThreshold:        0.5,
		CompactionKeepLastN:        2,
	}, client)
	require.Error(t, err)
}
