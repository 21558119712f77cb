package grid

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Memory is a Directory held in process memory.
type Memory struct {
	mu      sync.RWMutex
	regions map[uuid.UUID]Region
}

func NewMemory(regions ...Region) *Memory {
	m := &Memory{regions: map[uuid.UUID]Region{}}
	for _, r := range regions {
		m.regions[r.ID] = r
	}
	return m
}

func (m *Memory) Put(r Region) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.regions[r.ID] = r
}

func (m *Memory) RegionByID(_ context.Context, scope, id uuid.UUID) (Region, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.regions[id]
	if !ok || r.ScopeID != scope {
		return Region{}, false, nil
	}
	return r, true, nil
}

func (m *Memory) RegionByName(_ context.Context, scope uuid.UUID, name string) (Region, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.regions {
		if r.ScopeID == scope && strings.EqualFold(r.Name, name) {
			return r, true, nil
		}
	}
	return Region{}, false, nil
}

func (m *Memory) RegionByPosition(_ context.Context, scope uuid.UUID, x, y uint32) (Region, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.regions {
		if r.ScopeID == scope && r.Contains(x, y) {
			return r, true, nil
		}
	}
	return Region{}, false, nil
}

func (m *Memory) FallbackRegions(_ context.Context, scope uuid.UUID, x, y uint32) ([]Region, error) {
	out := m.withFlag(scope, RegionFallback)
	sort.SliceStable(out, func(i, j int) bool { return distSq(out[i], x, y) < distSq(out[j], x, y) })
	return out, nil
}

func (m *Memory) DefaultRegions(_ context.Context, scope uuid.UUID) ([]Region, error) {
	return m.withFlag(scope, RegionDefault), nil
}

func (m *Memory) withFlag(scope uuid.UUID, flag RegionFlags) []Region {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []Region{}
	for _, r := range m.regions {
		if r.ScopeID == scope && r.Flags&flag != 0 {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
