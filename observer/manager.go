// Package observer implements the observer manager described in spec §4.3: a
// TTL-expiring set of subscriber references used by the client entity to
// fan out pending/incoming messages to whatever external process last
// subscribed. It generalizes the pack's synchronous fan-out bus
// (runtime/agent/hooks) with per-entry expiry and failure semantics that
// drop (rather than halt on) a misbehaving observer.
package observer

import (
	"context"
	"sync"
	"time"
)

// Ref identifies a subscribed observer. The object-reference mechanism
// (spec §6) that lets an external process register itself as a callback
// target is represented here as an opaque string, e.g. a connection id or
// a serialized grain reference.
type Ref string

// DefaultTTL is the cluster-wide observer subscription lifetime (spec
// Invariant 7).
const DefaultTTL = 5 * time.Minute

// NotifyFunc delivers a payload to a single observer. Manager.Notify calls
// it once per live entry; a non-nil error causes that observer to be
// dropped from the set but does not stop delivery to the rest.
type NotifyFunc func(ctx context.Context, ref Ref) error

// Manager is a set of (observerRef, lastSeen) tuples with a fixed TTL.
type Manager struct {
	mu  sync.Mutex
	ttl time.Duration
	now func() time.Time

	lastSeen map[Ref]time.Time
}

// New constructs a Manager with the default 5-minute TTL.
func New() *Manager {
	return NewWithTTL(DefaultTTL)
}

// NewWithTTL constructs a Manager with a custom TTL, primarily for tests.
func NewWithTTL(ttl time.Duration) *Manager {
	return &Manager{
		ttl:      ttl,
		now:      time.Now,
		lastSeen: make(map[Ref]time.Time),
	}
}

// Subscribe inserts ref or refreshes its lastSeen timestamp if already
// present.
func (m *Manager) Subscribe(ref Ref) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSeen[ref] = m.now()
}

// Unsubscribe removes ref unconditionally.
func (m *Manager) Unsubscribe(ref Ref) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.lastSeen, ref)
}

// Notify iterates the current non-expired entries and invokes fn(ref) for
// each. Per-observer failures are swallowed (the caller is expected to log)
// and the failing observer is dropped from the set. Returns the number of
// observers that were successfully notified.
func (m *Manager) Notify(ctx context.Context, fn NotifyFunc) int {
	refs := m.liveRefs()
	delivered := 0
	var failed []Ref
	for _, ref := range refs {
		if err := fn(ctx, ref); err != nil {
			failed = append(failed, ref)
			continue
		}
		delivered++
	}
	if len(failed) > 0 {
		m.mu.Lock()
		for _, ref := range failed {
			delete(m.lastSeen, ref)
		}
		m.mu.Unlock()
	}
	return delivered
}

// Count returns the number of live observers after sweeping expired
// entries.
func (m *Manager) Count() int {
	return len(m.liveRefs())
}

// liveRefs sweeps expired entries and returns the remaining refs in no
// particular order.
func (m *Manager) liveRefs() []Ref {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	refs := make([]Ref, 0, len(m.lastSeen))
	for ref, seen := range m.lastSeen {
		if now.Sub(seen) > m.ttl {
			delete(m.lastSeen, ref)
			continue
		}
		refs = append(refs, ref)
	}
	return refs
}
