// Package state defines the persistent key-value store contract (spec §4.2,
// §6): read(entityKey) -> State, write(entityKey, State), with writes as
// total replacements and single-writer-per-entity guaranteed upstream by the
// single-activation invariant.
package state

import (
	"context"
	"time"

	"github.com/agentfabric/mesh/messaging"
)

// EntityKind names the two slot families persisted by this runtime.
type EntityKind string

const (
	EntityKindAgent  EntityKind = "agent"
	EntityKindClient EntityKind = "client"
)

// Persistent state slot names, per the external interfaces surface.
const (
	SlotAgentMessages = "agentMessages"
	SlotClientState   = "clientState"
)

// EntityKey identifies a durable state slot as (entityKind, key, slotName).
type EntityKey struct {
	Kind EntityKind
	Key  string
	Slot string
}

// StoredChatMessage is one persisted turn of a message thread.
type StoredChatMessage struct {
	Role         string
	AuthorName   string
	Timestamp    time.Time
	ContentsJSON string
}

// TrackedAgent records a client's directory entry for an agent it has
// created or otherwise discovered.
type TrackedAgent struct {
	Handle    string
	AgentType string
}

// AgentGrainState is the agent entity's full persistent record, written as a
// total replacement under SlotAgentMessages.
type AgentGrainState struct {
	Configuration *messaging.AgentConfiguration
	MessageThreads map[string][]StoredChatMessage
	CustomState    map[string]string
	LastModified   time.Time
}

// ClientGrainState is the client entity's full persistent record, written as
// a total replacement under SlotClientState.
type ClientGrainState struct {
	TrackedAgents            map[string]TrackedAgent
	PendingMessages          []messaging.AgentMessage
	PendingMessagesPersisted time.Time
	LastModified             time.Time
}

// CustomStateChange describes a merge-semantics update to AgentGrainState's
// CustomState: deletes are applied before sets (Invariant 5).
type CustomStateChange struct {
	Sets    map[string]string
	Deletes []string
}

// Apply mutates state in place: deletes named keys, then applies sets.
func (c CustomStateChange) Apply(state map[string]string) map[string]string {
	if state == nil {
		state = make(map[string]string)
	}
	for _, k := range c.Deletes {
		delete(state, k)
	}
	for k, v := range c.Sets {
		state[k] = v
	}
	return state
}

// Store is the durable state contract. Implementations (mongo, inmem) must
// treat Write as a total replacement of the value at key.
type Store interface {
	ReadAgent(ctx context.Context, key string) (AgentGrainState, error)
	WriteAgent(ctx context.Context, key string, state AgentGrainState) error
	ReadClient(ctx context.Context, key string) (ClientGrainState, error)
	WriteClient(ctx context.Context, key string, state ClientGrainState) error
}
