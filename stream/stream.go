// Package stream defines the publish/subscribe stream contract (spec §4.1,
// §6): streams addressed by (namespace, key) delivering AgentMessage values
// at-least-once with a monotonically increasing per-stream sequence token.
package stream

import (
	"context"

	"github.com/agentfabric/mesh/messaging"
)

// Namespace is one of the two literal stream families used by this runtime.
type Namespace string

const (
	AgentChat  Namespace = "AgentChat"
	AgentEvent Namespace = "AgentEvent"
)

// Name identifies a stream by (namespace, key). Agent handles double as
// stream keys; AgentEvent streams may also be addressed by an arbitrary
// streamName not tied to any agent handle.
type Name struct {
	Namespace Namespace
	Key       string
}

// Envelope wraps a delivered AgentMessage with its per-stream sequence
// token, so handlers can be invoked in sequence order and acknowledge once
// processed.
type Envelope struct {
	Message  messaging.AgentMessage
	Sequence uint64
}

// Handler processes one delivered message. Returning an error does not stop
// the subscription; both registries in this package discard the error and
// continue, so the stream does not stall. Neither registry logs it.
type Handler func(ctx context.Context, env Envelope) error

// Subscription represents an active stream subscription.
type Subscription interface {
	// Close stops delivery and releases the subscription's resources.
	Close(ctx context.Context) error
}

// Registry is the provider-agnostic stream contract implemented by the
// Pulse-backed adapter and an in-memory adapter for tests.
type Registry interface {
	// Publish appends message to the named stream and returns the assigned
	// sequence token.
	Publish(ctx context.Context, name Name, message messaging.AgentMessage) (uint64, error)

	// Subscribe installs handler on the named stream, invoked for every
	// message delivered from the current position onward.
	Subscribe(ctx context.Context, name Name, handler Handler) (Subscription, error)

	// Close releases provider-level resources (connections, background
	// goroutines) held by the registry.
	Close(ctx context.Context) error
}
