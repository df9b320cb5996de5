package stream

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentfabric/mesh/messaging"
)

func TestInmemRegistryDeliversInSequenceOrder(t *testing.T) {
	ctx := context.Background()
	reg := NewInmemRegistry()
	name := Name{Namespace: AgentChat, Key: "alice:bot"}

	var got []uint64
	sub, err := reg.Subscribe(ctx, name, func(_ context.Context, env Envelope) error {
		got = append(got, env.Sequence)
		return nil
	})
	require.NoError(t, err)
	defer sub.Close(ctx)

	for i := 0; i < 3; i++ {
		_, err := reg.Publish(ctx, name, messaging.AgentMessage{Message: "hi"})
		require.NoError(t, err)
	}
	require.Equal(t, []uint64{1, 2, 3}, got)
}

func TestInmemRegistryUnsubscribeStopsDelivery(t *testing.T) {
	ctx := context.Background()
	reg := NewInmemRegistry()
	name := Name{Namespace: AgentEvent, Key: "room-1"}

	count := 0
	sub, err := reg.Subscribe(ctx, name, func(context.Context, Envelope) error {
		count++
		return nil
	})
	require.NoError(t, err)

	_, _ = reg.Publish(ctx, name, messaging.AgentMessage{})
	require.NoError(t, sub.Close(ctx))
	_, _ = reg.Publish(ctx, name, messaging.AgentMessage{})

	require.Equal(t, 1, count)
}

func TestSequenceFromEntryID(t *testing.T) {
	require.Equal(t, uint64(1700000000000), sequenceFromEntryID("1700000000000-0"))
	require.Equal(t, uint64(0), sequenceFromEntryID("not-a-number-0"))
}
