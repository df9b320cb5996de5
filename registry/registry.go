// Package registry provides the cluster-wide management directory of live
// agents and clients: diagnostics, status filtering, and staleness purge.
// It is grounded on the teacher's registry.HealthTracker — an in-memory map
// of last-seen timestamps consulted for liveness decisions — generalized
// from toolset health polling to agent/client bookkeeping keyed by handle.
package registry

import (
	"sync"
	"time"
)

type (
	// AgentEntry is one live agent's directory record.
	AgentEntry struct {
		Handle       string
		AgentType    string
		ClientHandle string
		RegisteredAt time.Time
		LastSeen     time.Time
	}

	// ClientEntry is one live client's directory record.
	ClientEntry struct {
		Handle       string
		RegisteredAt time.Time
		LastSeen     time.Time
	}

	// StatusFilter narrows ListAgents results. A zero-value filter matches
	// every registered agent.
	StatusFilter struct {
		// AgentType, when non-empty, restricts results to agents of this type.
		AgentType string
		// ClientHandle, when non-empty, restricts results to agents owned by
		// this client.
		ClientHandle string
	}

	// Statistics summarizes the registry's current contents.
	Statistics struct {
		TotalAgents   int
		TotalClients  int
		AgentsByType  map[string]int
		OldestAgent   time.Time
		OldestClient  time.Time
	}

	// Manager is the cluster singleton directory of live agents and
	// clients. It is safe for concurrent use.
	Manager struct {
		mu      sync.RWMutex
		agents  map[string]AgentEntry
		clients map[string]ClientEntry
		now     func() time.Time
	}
)

// New constructs an empty Manager.
func New() *Manager {
	return &Manager{
		agents:  make(map[string]AgentEntry),
		clients: make(map[string]ClientEntry),
		now:     time.Now,
	}
}

// RegisterAgent records or refreshes an agent's directory entry, preserving
// its original RegisteredAt across re-registration.
func (m *Manager) RegisterAgent(handle, agentType, clientHandle string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	entry, existed := m.agents[handle]
	if !existed {
		entry.RegisteredAt = now
	}
	entry.Handle = handle
	entry.AgentType = agentType
	entry.ClientHandle = clientHandle
	entry.LastSeen = now
	m.agents[handle] = entry
}

// DeactivateAgent removes an agent's directory entry. Deactivation is not
// an error if the handle was never registered.
func (m *Manager) DeactivateAgent(handle string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.agents, handle)
}

// RegisterClient records or refreshes a client's directory entry.
func (m *Manager) RegisterClient(handle string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	entry, existed := m.clients[handle]
	if !existed {
		entry.RegisteredAt = now
	}
	entry.Handle = handle
	entry.LastSeen = now
	m.clients[handle] = entry
}

// DeactivateClient removes a client's directory entry.
func (m *Manager) DeactivateClient(handle string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.clients, handle)
}

// ListAgents returns every agent entry matching filter, in no particular
// order. A nil filter matches everything.
func (m *Manager) ListAgents(filter *StatusFilter) []AgentEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]AgentEntry, 0, len(m.agents))
	for _, entry := range m.agents {
		if filter != nil {
			if filter.AgentType != "" && entry.AgentType != filter.AgentType {
				continue
			}
			if filter.ClientHandle != "" && entry.ClientHandle != filter.ClientHandle {
				continue
			}
		}
		out = append(out, entry)
	}
	return out
}

// GetAgent returns the directory entry for handle, if registered.
func (m *Manager) GetAgent(handle string) (AgentEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.agents[handle]
	return entry, ok
}

// Statistics summarizes the current directory contents.
func (m *Manager) Statistics() Statistics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := Statistics{
		TotalAgents:  len(m.agents),
		TotalClients: len(m.clients),
		AgentsByType: make(map[string]int, len(m.agents)),
	}
	for _, entry := range m.agents {
		stats.AgentsByType[entry.AgentType]++
		if stats.OldestAgent.IsZero() || entry.RegisteredAt.Before(stats.OldestAgent) {
			stats.OldestAgent = entry.RegisteredAt
		}
	}
	for _, entry := range m.clients {
		if stats.OldestClient.IsZero() || entry.RegisteredAt.Before(stats.OldestClient) {
			stats.OldestClient = entry.RegisteredAt
		}
	}
	return stats
}

// PurgeOlderThan removes every agent and client entry whose LastSeen is
// older than the given age, returning the counts removed. It is the
// diagnostic counterpart to deactivation: entries can accumulate when a
// node crashes without running its normal deactivation path.
func (m *Manager) PurgeOlderThan(age time.Duration) (purgedAgents, purgedClients int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-age)
	for handle, entry := range m.agents {
		if entry.LastSeen.Before(cutoff) {
			delete(m.agents, handle)
			purgedAgents++
		}
	}
	for handle, entry := range m.clients {
		if entry.LastSeen.Before(cutoff) {
			delete(m.clients, handle)
			purgedClients++
		}
	}
	return purgedAgents, purgedClients
}
