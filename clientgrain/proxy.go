// Package clientgrain implements the two per-handle singleton entities the
// runtime hosts: the client entity (spec §4.4) and the agent entity (spec
// §4.5). It is grounded on runtime/agent/client.go's minimal proxy
// abstraction, generalized from a single-shot Run call into the full
// activate/configure/deactivate lifecycle and message plane the spec
// describes, and on engine/inmem's Options/noop-default construction style.
package clientgrain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentfabric/mesh/messaging"
)

// Proxy is the user-supplied agent implementation an Agent activation
// hosts. It is the generalization of runtime/agent/client.Client's single
// Run method into the full lifecycle and message-plane surface the agent
// entity drives.
type Proxy interface {
	OnInitialize(ctx context.Context, cfg messaging.AgentConfiguration) error
	OnMessage(ctx context.Context, req messaging.AgentMessage) (*messaging.AgentMessage, error)
	OnEvent(ctx context.Context, req messaging.AgentMessage) error
	Dispose(ctx context.Context) error
	GetHealth(ctx context.Context, detail messaging.DetailLevel) messaging.AgentHealthStatus
}

// Factory constructs a fresh, uninitialized Proxy instance.
type Factory func() Proxy

// TypeRegistry resolves an AgentConfiguration.AgentType alias to a Factory,
// standing in for the tool/agent registry the spec's Activate/Configure
// steps consult.
type TypeRegistry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	schemas   map[string]*jsonschema.Schema
}

// NewTypeRegistry constructs an empty registry.
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{
		factories: make(map[string]Factory),
		schemas:   make(map[string]*jsonschema.Schema),
	}
}

// Register binds agentType to factory, overwriting any existing binding.
func (r *TypeRegistry) Register(agentType string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[agentType] = factory
}

// RegisterWithSchema binds agentType to factory and additionally compiles
// rawSchema (a JSON Schema document) to validate that type's
// AgentConfiguration.Args at ConfigureAgent time, before any state is
// durably written.
func (r *TypeRegistry) RegisterWithSchema(agentType string, factory Factory, rawSchema []byte) error {
	compiler := jsonschema.NewCompiler()
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(rawSchema))
	if err != nil {
		return fmt.Errorf("clientgrain: agent type %q: parse schema: %w", agentType, err)
	}
	resourceName := agentType + ".schema.json"
	if err := compiler.AddResource(resourceName, doc); err != nil {
		return fmt.Errorf("clientgrain: agent type %q: add schema resource: %w", agentType, err)
	}
	schema, err := compiler.Compile(resourceName)
	if err != nil {
		return fmt.Errorf("clientgrain: agent type %q: compile schema: %w", agentType, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[agentType] = factory
	r.schemas[agentType] = schema
	return nil
}

// New instantiates a Proxy for agentType, or an error if the alias is
// unregistered.
func (r *TypeRegistry) New(agentType string) (Proxy, error) {
	r.mu.RLock()
	factory, ok := r.factories[agentType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("clientgrain: agent type %q is not registered", agentType)
	}
	return factory(), nil
}

// ValidateArgs checks cfg.Args against agentType's registered schema, if
// any. Agent types registered via Register (with no schema) always pass.
func (r *TypeRegistry) ValidateArgs(agentType string, args map[string]string) error {
	r.mu.RLock()
	schema, ok := r.schemas[agentType]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("clientgrain: agent type %q: encode args: %w", agentType, err)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("clientgrain: agent type %q: decode args: %w", agentType, err)
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("clientgrain: agent type %q: invalid configuration args: %w", agentType, err)
	}
	return nil
}
