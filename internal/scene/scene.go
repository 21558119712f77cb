// Package scene holds the agents present in each region this process simulates.
package scene

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"opengrid.ai/internal/grid"
	"opengrid.ai/internal/protocol"
)

// DefaultSize is the bounding box of an avatar whose size is not known yet.
var DefaultSize = protocol.Vec3{X: 0.45, Y: 0.6, Z: 1.9}

var (
	ErrNoAgent     = errors.New("agent not in scene")
	ErrFull        = errors.New("region is full")
	ErrAlreadyRoot = errors.New("agent is already present in region")
)

// EstablishError reports which half of circuit establishment failed. Both halves
// are undone before it is returned.
type EstablishError struct {
	Stage string
	Err   error
}

func (e *EstablishError) Error() string {
	return fmt.Sprintf("establish %s: %v", e.Stage, e.Err)
}

func (e *EstablishError) Unwrap() error {
	return e.Err
}

// Agent is the scene's record of one agent. Child agents are the
// low-fidelity copies kept in neighbouring regions.
type Agent struct {
	ID        uuid.UUID
	FirstName string
	LastName  string
	protocol.Credentials

	CircuitCode uint32
	CapsSeed    string
	Child       bool
	// Pending is set until the agent is promoted or its arrival confirmed.
	Pending bool
	// ChildrenCaps maps neighbour region handles to the caps seed used there.
	ChildrenCaps map[uint64]string

	Appearance *protocol.Appearance
	Position   protocol.Vec3
	LookAt     protocol.Vec3
	Velocity   protocol.Vec3
	Rotation   protocol.Quat
	Flying     bool
	Flags      protocol.TeleportFlags
	// Size is the avatar's bounding box; zero means DefaultSize.
	Size protocol.Vec3

	ActiveGroupID string
	ControlFlags  uint32
	HomeURI       string
	ServiceURLs   map[string]string
	ClientIP      string
	Viewer        string
	Channel       string
	Mac           string
	ID0           string

	ArrivedAt time.Time
}

func (a Agent) clone() Agent {
	out := a
	if a.ChildrenCaps != nil {
		out.ChildrenCaps = make(map[uint64]string, len(a.ChildrenCaps))
		for k, v := range a.ChildrenCaps {
			out.ChildrenCaps[k] = v
		}
	}
	if a.ServiceURLs != nil {
		out.ServiceURLs = make(map[string]string, len(a.ServiceURLs))
		for k, v := range a.ServiceURLs {
			out.ServiceURLs[k] = v
		}
	}
	return out
}

// Circuit is what Establish hands back to the caller.
type Circuit struct {
	AgentID     uuid.UUID
	RegionID    uuid.UUID
	CircuitCode uint32
	CapsSeed    string
	Child       bool
}

type EstablishRequest struct {
	Agent Agent
	// ReuseCircuit keeps Agent.CircuitCode instead of minting a new one.
	ReuseCircuit bool
}

type Scene struct {
	region    grid.Region
	conns     *ConnectionManager
	maxAgents int
	logger    *zap.Logger
	now       func() time.Time

	mu     sync.RWMutex
	agents map[uuid.UUID]*Agent
}

func NewScene(region grid.Region, conns *ConnectionManager, maxAgents int, logger *zap.Logger) *Scene {
	return &Scene{
		region:    region,
		conns:     conns,
		maxAgents: maxAgents,
		logger:    logger.With(zap.String("component", "scene"), zap.String("region", region.Name)),
		now:       time.Now,
		agents:    map[uuid.UUID]*Agent{},
	}
}

func (s *Scene) Region() grid.Region {
	return s.region
}

// Establish registers the agent's circuit and adds its presence. If either step
// fails the other is undone.
func (s *Scene) Establish(req EstablishRequest) (Circuit, error) {
	a := req.Agent.clone()
	if a.ID == uuid.Nil {
		return Circuit{}, &EstablishError{Stage: "validate", Err: fmt.Errorf("agent id must be set")}
	}
	if !req.ReuseCircuit || a.CircuitCode == 0 {
		code, err := NewCircuitCode()
		if err != nil {
			return Circuit{}, &EstablishError{Stage: "circuit", Err: err}
		}
		a.CircuitCode = code
	}
	if a.CapsSeed == "" {
		a.CapsSeed = uuid.NewString()
	}
	existed := s.conns.Has(a.CircuitCode, s.region.ID)
	if err := s.conns.Add(a.CircuitCode, a.ID, s.region.ID); err != nil {
		return Circuit{}, &EstablishError{Stage: "connection", Err: err}
	}
	prev, err := s.addPresence(&a)
	if err != nil {
		if !existed {
			s.conns.Remove(a.CircuitCode, s.region.ID)
		}
		return Circuit{}, &EstablishError{Stage: "presence", Err: err}
	}
	if prev != 0 && prev != a.CircuitCode {
		s.conns.Remove(prev, s.region.ID)
	}
	s.logger.Debug("circuit established",
		zap.Stringer("agent_id", a.ID), zap.Uint32("circuit", a.CircuitCode), zap.Bool("child", a.Child))
	return Circuit{AgentID: a.ID, RegionID: s.region.ID, CircuitCode: a.CircuitCode, CapsSeed: a.CapsSeed, Child: a.Child}, nil
}

// addPresence stores a, replacing an earlier child record. It returns the
// circuit code of the record it replaced.
func (s *Scene) addPresence(a *Agent) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, exists := s.agents[a.ID]
	if exists && !prev.Child && !prev.Pending {
		return prev.CircuitCode, ErrAlreadyRoot
	}
	if !exists && s.maxAgents > 0 && len(s.agents) >= s.maxAgents {
		return 0, ErrFull
	}
	a.ArrivedAt = s.now()
	s.agents[a.ID] = a
	if exists {
		return prev.CircuitCode, nil
	}
	return 0, nil
}

// Agent returns a copy of the agent's record.
func (s *Scene) Agent(id uuid.UUID) (Agent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	if !ok {
		return Agent{}, false
	}
	return a.clone(), true
}

// PendingChild returns the circuit of an agent that arrived but is not yet root.
func (s *Scene) PendingChild(id uuid.UUID) (Circuit, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	if !ok || !a.Pending {
		return Circuit{}, false
	}
	return Circuit{AgentID: a.ID, RegionID: s.region.ID, CircuitCode: a.CircuitCode, CapsSeed: a.CapsSeed, Child: a.Child}, true
}

// ChildCircuitFor returns the caps seed the agent already uses in the region
// with the given handle, if it has a child there.
func (s *Scene) ChildCircuitFor(id uuid.UUID, handle uint64) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	if !ok {
		return "", false
	}
	seed, ok := a.ChildrenCaps[handle]
	return seed, ok
}

// Promote turns the agent into the root agent using the synchronized state.
func (s *Scene) Promote(id uuid.UUID, data *protocol.AgentData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return ErrNoAgent
	}
	if data != nil {
		if data.SessionID != "" && a.SessionID != "" && data.SessionID != a.SessionID {
			return fmt.Errorf("session mismatch for agent %s", id)
		}
		a.Position = data.Position
		a.Velocity = data.Velocity
		a.LookAt = data.AtAxis
		a.Rotation = data.BodyRotation
		if data.Size != (protocol.Vec3{}) {
			a.Size = data.Size
		}
		a.ControlFlags = data.ControlFlags
		a.ActiveGroupID = data.ActiveGroupID
		if data.Appearance != nil {
			a.Appearance = data.Appearance
		}
	}
	a.Child = false
	a.Pending = false
	return nil
}

// Demote turns a root agent into a child after it left for another region.
func (s *Scene) Demote(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return ErrNoAgent
	}
	a.Child = true
	return nil
}

// Remove drops the agent and its circuit.
func (s *Scene) Remove(id uuid.UUID) bool {
	s.mu.Lock()
	a, ok := s.agents[id]
	if ok {
		delete(s.agents, id)
	}
	s.mu.Unlock()
	if ok {
		s.conns.Remove(a.CircuitCode, s.region.ID)
	}
	return ok
}

// UpdatePosition moves a root agent inside the region.
func (s *Scene) UpdatePosition(id uuid.UUID, pos, lookAt protocol.Vec3) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok || a.Child {
		return ErrNoAgent
	}
	a.Position = pos
	a.LookAt = lookAt
	return nil
}

// Agents returns a copy of every agent, roots first.
func (s *Scene) Agents() []Agent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Agent, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, a.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Child != out[j].Child {
			return !out[i].Child
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

// NewCircuitCode returns a random non-zero circuit code.
func NewCircuitCode() (uint32, error) {
	var b [4]byte
	for {
		if _, err := rand.Read(b[:]); err != nil {
			return 0, err
		}
		if code := binary.LittleEndian.Uint32(b[:]); code != 0 {
			return code, nil
		}
	}
}
