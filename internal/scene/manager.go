package scene

import (
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"opengrid.ai/internal/grid"
)

// Manager owns the scenes of every region this process simulates.
type Manager struct {
	conns  *ConnectionManager
	logger *zap.Logger

	mu     sync.RWMutex
	scenes map[uuid.UUID]*Scene
}

func NewManager(regions []grid.Region, maxAgents int, logger *zap.Logger) *Manager {
	m := &Manager{
		conns:  NewConnectionManager(),
		logger: logger,
		scenes: map[uuid.UUID]*Scene{},
	}
	for _, r := range regions {
		m.scenes[r.ID] = NewScene(r, m.conns, maxAgents, logger)
	}
	return m
}

func (m *Manager) Connections() *ConnectionManager {
	return m.conns
}

func (m *Manager) Scene(regionID uuid.UUID) (*Scene, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.scenes[regionID]
	return s, ok
}

// Scenes returns every scene ordered by region name.
func (m *Manager) Scenes() []*Scene {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Scene, 0, len(m.scenes))
	for _, s := range m.scenes {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].region.Name < out[j].region.Name })
	return out
}

// RootScene finds the scene where the agent is currently root.
func (m *Manager) RootScene(agentID uuid.UUID) (*Scene, bool) {
	for _, s := range m.Scenes() {
		if a, ok := s.Agent(agentID); ok && !a.Child && !a.Pending {
			return s, true
		}
	}
	return nil, false
}

// VerifyCircuit reports whether circuitCode belongs to agentID and the session matches.
func (m *Manager) VerifyCircuit(agentID, sessionID uuid.UUID, circuitCode uint32) bool {
	owner, ok := m.conns.Lookup(circuitCode)
	if !ok || owner != agentID {
		return false
	}
	for _, s := range m.Scenes() {
		if a, ok := s.Agent(agentID); ok && a.CircuitCode == circuitCode && a.SessionID == sessionID.String() {
			return true
		}
	}
	return false
}
