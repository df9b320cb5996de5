package state

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCustomStateChangeDeletesBeforeSets(t *testing.T) {
	current := map[string]string{"keep": "1", "remove": "2", "overwrite": "old"}
	change := CustomStateChange{
		Sets:    map[string]string{"overwrite": "new", "added": "3"},
		Deletes: []string{"remove"},
	}
	got := change.Apply(current)
	require.Equal(t, map[string]string{"keep": "1", "overwrite": "new", "added": "3"}, got)
}

func TestCustomStateChangeOnNilState(t *testing.T) {
	change := CustomStateChange{Sets: map[string]string{"a": "b"}}
	got := change.Apply(nil)
	require.Equal(t, map[string]string{"a": "b"}, got)
}

func TestInmemStoreReadDefaultsAndWriteRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewInmemStore()

	empty, err := store.ReadAgent(ctx, "alice:bot")
	require.NoError(t, err)
	require.NotNil(t, empty.CustomState)
	require.NotNil(t, empty.MessageThreads)

	want := AgentGrainState{CustomState: map[string]string{"k": "v"}}
	require.NoError(t, store.WriteAgent(ctx, "alice:bot", want))

	got, err := store.ReadAgent(ctx, "alice:bot")
	require.NoError(t, err)
	require.Equal(t, "v", got.CustomState["k"])
}

func TestInmemStoreClientRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewInmemStore()

	want := ClientGrainState{TrackedAgents: map[string]TrackedAgent{"alice:bot": {Handle: "alice:bot", AgentType: "chat"}}}
	require.NoError(t, store.WriteClient(ctx, "alice", want))

	got, err := store.ReadClient(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, "chat", got.TrackedAgents["alice:bot"].AgentType)
}
