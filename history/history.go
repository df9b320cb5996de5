// Package history implements the per-thread chat-history provider (spec
// §4.7): a lazily loaded view over one agent thread's stored message log,
// combined with an in-memory pending buffer that batches writes until
// flush. It is grounded on the teacher's runtime.HistoryPolicy pipeline
// (runtime/agent/runtime/history.go) for the turn/summary vocabulary, but
// implements the provider's lazy-load/flush/fork lifecycle the teacher
// leaves to its surrounding agent loop rather than a standalone type.
package history

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agentfabric/mesh/model"
	"github.com/agentfabric/mesh/state"
)

// Turn carries the messages produced by one LLM invocation, mirroring the
// chat framework's InvokingAsync/InvokedAsync context shape.
type Turn struct {
	RequestMessages           []model.Message
	AIContextProviderMessages []model.Message
	ResponseMessages          []model.Message
	Err                       error
}

// Provider is a thread-scoped view over one agent's stored message log.
// Every method holds an internal mutex, so calls from multiple goroutines
// are serialized.
type Provider struct {
	store    state.Store
	handle   string
	threadID string

	mu      sync.Mutex
	loaded  bool
	stored  []state.StoredChatMessage
	pending []state.StoredChatMessage
	now     func() time.Time
}

// NewProvider constructs a history provider for one agent thread. Nothing
// is loaded from the store until the first InvokingAsync call.
func NewProvider(store state.Store, handle, threadID string) *Provider {
	return &Provider{store: store, handle: handle, threadID: threadID, now: time.Now}
}

func (p *Provider) ensureLoaded(ctx context.Context) error {
	if p.loaded {
		return nil
	}
	agentState, err := p.store.ReadAgent(ctx, p.handle)
	if err != nil {
		return fmt.Errorf("history: load thread %q: %w", p.threadID, err)
	}
	if agentState.MessageThreads != nil {
		p.stored = append([]state.StoredChatMessage(nil), agentState.MessageThreads[p.threadID]...)
	}
	p.loaded = true
	return nil
}

// InvokingAsync returns a consistent snapshot of stored ++ pending
// messages as model messages for the chat framework to present to the LLM.
func (p *Provider) InvokingAsync(ctx context.Context) ([]model.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	out := make([]model.Message, 0, len(p.stored)+len(p.pending))
	for _, m := range p.stored {
		out = append(out, toModelMessage(m))
	}
	for _, m := range p.pending {
		out = append(out, toModelMessage(m))
	}
	return out, nil
}

// InvokedAsync appends the turn's request/context/response messages to the
// pending buffer, unless the turn carries an error.
func (p *Provider) InvokedAsync(_ context.Context, turn Turn) error {
	if turn.Err != nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	for _, m := range turn.RequestMessages {
		p.pending = append(p.pending, toStoredMessage(m, now))
	}
	for _, m := range turn.AIContextProviderMessages {
		p.pending = append(p.pending, toStoredMessage(m, now))
	}
	for _, m := range turn.ResponseMessages {
		p.pending = append(p.pending, toStoredMessage(m, now))
	}
	return nil
}

// FlushAsync appends the pending buffer to durable storage and clears it.
// It is idempotent when pending is empty.
func (p *Provider) FlushAsync(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pending) == 0 {
		return nil
	}
	if err := p.addThreadMessages(ctx, p.pending); err != nil {
		return err
	}
	p.stored = append(p.stored, p.pending...)
	p.pending = nil
	return nil
}

// ReplaceAndResetCacheAsync replaces the thread's durable contents and
// resets the in-memory cache, used by the compaction service after it
// rewrites a thread's prefix into a summary message.
func (p *Provider) ReplaceAndResetCacheAsync(ctx context.Context, messages []state.StoredChatMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.replaceThreadMessages(ctx, messages); err != nil {
		return err
	}
	p.stored = append([]state.StoredChatMessage(nil), messages...)
	p.pending = nil
	p.loaded = true
	return nil
}

// Fork snapshots the current stored++pending messages as a read-only
// original list and returns a ForkedProvider that layers new messages on
// top without mutating this provider.
func (p *Provider) Fork(ctx context.Context) (*ForkedProvider, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	original := make([]state.StoredChatMessage, 0, len(p.stored)+len(p.pending))
	original = append(original, p.stored...)
	original = append(original, p.pending...)
	return &ForkedProvider{store: p.store, handle: p.handle, original: original, now: p.now}, nil
}

func (p *Provider) addThreadMessages(ctx context.Context, batch []state.StoredChatMessage) error {
	agentState, err := p.store.ReadAgent(ctx, p.handle)
	if err != nil {
		return fmt.Errorf("history: read before append: %w", err)
	}
	if agentState.MessageThreads == nil {
		agentState.MessageThreads = make(map[string][]state.StoredChatMessage)
	}
	agentState.MessageThreads[p.threadID] = append(agentState.MessageThreads[p.threadID], batch...)
	agentState.LastModified = p.now()
	if err := p.store.WriteAgent(ctx, p.handle, agentState); err != nil {
		return fmt.Errorf("history: write after append: %w", err)
	}
	return nil
}

func (p *Provider) replaceThreadMessages(ctx context.Context, messages []state.StoredChatMessage) error {
	agentState, err := p.store.ReadAgent(ctx, p.handle)
	if err != nil {
		return fmt.Errorf("history: read before replace: %w", err)
	}
	if agentState.MessageThreads == nil {
		agentState.MessageThreads = make(map[string][]state.StoredChatMessage)
	}
	agentState.MessageThreads[p.threadID] = append([]state.StoredChatMessage(nil), messages...)
	agentState.LastModified = p.now()
	if err := p.store.WriteAgent(ctx, p.handle, agentState); err != nil {
		return fmt.Errorf("history: write after replace: %w", err)
	}
	return nil
}

// ForkedChatHistoryProvider-equivalent: holds a reference to a frozen
// original message list plus a separate list for new messages appended
// during the fork's lifetime (used by the plan-execute core to run
// speculative sub-conversations without touching the primary thread).
type ForkedProvider struct {
	store state.Store

	handle   string
	original []state.StoredChatMessage

	mu  sync.Mutex
	new []state.StoredChatMessage
	now func() time.Time
}

// InvokingAsync returns original ++ new as model messages.
func (f *ForkedProvider) InvokingAsync() []model.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Message, 0, len(f.original)+len(f.new))
	for _, m := range f.original {
		out = append(out, toModelMessage(m))
	}
	for _, m := range f.new {
		out = append(out, toModelMessage(m))
	}
	return out
}

// InvokedAsync appends only to the fork's new-message list, leaving the
// frozen original untouched.
func (f *ForkedProvider) InvokedAsync(turn Turn) {
	if turn.Err != nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.now()
	for _, m := range turn.RequestMessages {
		f.new = append(f.new, toStoredMessage(m, now))
	}
	for _, m := range turn.AIContextProviderMessages {
		f.new = append(f.new, toStoredMessage(m, now))
	}
	for _, m := range turn.ResponseMessages {
		f.new = append(f.new, toStoredMessage(m, now))
	}
}

// PersistNewOnly writes only the fork's new messages to threadID, leaving
// whatever the thread already held untouched (appends).
func (f *ForkedProvider) PersistNewOnly(ctx context.Context, threadID string) error {
	f.mu.Lock()
	batch := append([]state.StoredChatMessage(nil), f.new...)
	f.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}
	p := NewProvider(f.store, f.handle, threadID)
	return p.addThreadMessages(ctx, batch)
}

// PersistAll writes original ++ new to threadID as a total replacement,
// used when a fork's speculative conversation becomes the new canonical
// thread (e.g., after a successful compaction or branch merge).
func (f *ForkedProvider) PersistAll(ctx context.Context, threadID string) error {
	f.mu.Lock()
	combined := make([]state.StoredChatMessage, 0, len(f.original)+len(f.new))
	combined = append(combined, f.original...)
	combined = append(combined, f.new...)
	f.mu.Unlock()
	p := NewProvider(f.store, f.handle, threadID)
	return p.replaceThreadMessages(ctx, combined)
}

func toModelMessage(m state.StoredChatMessage) model.Message {
	return model.Message{Role: model.ConversationRole(m.Role), Text: m.ContentsJSON}
}

func toStoredMessage(m model.Message, now time.Time) state.StoredChatMessage {
	return state.StoredChatMessage{
		Role:         string(m.Role),
		Timestamp:    now,
		ContentsJSON: m.Text,
	}
}
