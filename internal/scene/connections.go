package scene

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

type circuitOwner struct {
	agentID uuid.UUID
	regions map[uuid.UUID]struct{}
}

// ConnectionManager maps viewer circuit codes to the agent they carry. An agent
// keeps one circuit code across the regions it is present in, so a code may be
// registered for several regions but never for two agents. One instance is
// shared by every scene in the process.
type ConnectionManager struct {
	mu       sync.RWMutex
	circuits map[uint32]*circuitOwner
}

func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{circuits: map[uint32]*circuitOwner{}}
}

func (m *ConnectionManager) Add(code uint32, agentID, regionID uuid.UUID) error {
	if code == 0 {
		return fmt.Errorf("circuit code must be non-zero")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.circuits[code]
	if !ok {
		cur = &circuitOwner{agentID: agentID, regions: map[uuid.UUID]struct{}{}}
		m.circuits[code] = cur
	} else if cur.agentID != agentID {
		return fmt.Errorf("circuit %d already in use by agent %s", code, cur.agentID)
	}
	cur.regions[regionID] = struct{}{}
	return nil
}

// Has reports whether code is registered in regionID.
func (m *ConnectionManager) Has(code uint32, regionID uuid.UUID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cur, ok := m.circuits[code]
	if !ok {
		return false
	}
	_, ok = cur.regions[regionID]
	return ok
}

func (m *ConnectionManager) Remove(code uint32, regionID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.circuits[code]
	if !ok {
		return
	}
	delete(cur.regions, regionID)
	if len(cur.regions) == 0 {
		delete(m.circuits, code)
	}
}

// Lookup returns the agent using code.
func (m *ConnectionManager) Lookup(code uint32) (uuid.UUID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cur, ok := m.circuits[code]
	if !ok {
		return uuid.Nil, false
	}
	return cur.agentID, true
}

func (m *ConnectionManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.circuits)
}
