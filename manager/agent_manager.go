package manager

import (
	"fmt"
	"sort"
	"sync"

	"agentarena/trader"
)

// AgentManager holds the running agents.
type AgentManager struct {
	mu     sync.RWMutex
	agents map[string]*trader.Agent // key: agent ID
	order  []string
}

// NewAgentManager creates an empty registry.
func NewAgentManager() *AgentManager {
	return &AgentManager{agents: make(map[string]*trader.Agent)}
}

// Add registers an agent. IDs must be unique.
func (m *AgentManager) Add(a *trader.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.agents[a.ID()]; exists {
		return fmt.Errorf("agent ID '%s' already exists", a.ID())
	}
	m.agents[a.ID()] = a
	m.order = append(m.order, a.ID())
	return nil
}

// Get returns the agent with the given ID.
func (m *AgentManager) Get(id string) (*trader.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, exists := m.agents[id]
	if !exists {
		return nil, fmt.Errorf("agent ID '%s' does not exist", id)
	}
	return a, nil
}

// All returns agents in registration order.
func (m *AgentManager) All() []*trader.Agent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*trader.Agent, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.agents[id])
	}
	return out
}

// IDs returns agent IDs in registration order.
func (m *AgentManager) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...)
}

// Len reports how many agents are registered.
func (m *AgentManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.order)
}

// Leaderboard returns agent states ranked by PnL percentage, best first.
func (m *AgentManager) Leaderboard() []trader.AgentState {
	agents := m.All()
	out := make([]trader.AgentState, 0, len(agents))
	for _, a := range agents {
		out = append(out, a.State())
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].PnLPercent > out[j].PnLPercent
	})
	return out
}
