package handoff

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// ErrInProgress rejects a second hand-off for an agent that already has one.
var ErrInProgress = errors.New("teleport already in progress")

// ErrCancelled is returned by attempts stopped through Cancel.
var ErrCancelled = errors.New("teleport cancelled")

type State int32

const (
	StateIdle State = iota
	StateResolving
	StateNegotiating
	StateTransferring
	StateRootEstablished
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateResolving:
		return "resolving"
	case StateNegotiating:
		return "negotiating"
	case StateTransferring:
		return "transferring"
	case StateRootEstablished:
		return "root_established"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateRootEstablished || s == StateFailed || s == StateCancelled
}

type Kind string

const (
	KindTeleport Kind = "teleport"
	KindLogin    Kind = "login"
	KindLogout   Kind = "logout"
)

// Attempt is one registered hand-off. Only its owner mutates the agent's
// circuits while it is registered.
type Attempt struct {
	AgentID uuid.UUID
	Kind    Kind

	token  uint64
	state  atomic.Int32
	cancel context.CancelFunc
}

func (a *Attempt) State() State {
	return State(a.state.Load())
}

func (a *Attempt) setState(s State) {
	a.state.Store(int32(s))
}

// Registry maps agents to their single in-flight hand-off.
type Registry struct {
	mu       sync.Mutex
	attempts map[uuid.UUID]*Attempt
	next     uint64
}

func NewRegistry() *Registry {
	return &Registry{attempts: map[uuid.UUID]*Attempt{}}
}

// Begin registers a new attempt unless one is already active for the agent.
// The returned context is cancelled by Cancel or End.
func (r *Registry) Begin(ctx context.Context, agentID uuid.UUID, kind Kind) (*Attempt, context.Context, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.attempts[agentID]; busy {
		return nil, ctx, false
	}
	r.next++
	ctx, cancel := context.WithCancel(ctx)
	a := &Attempt{AgentID: agentID, Kind: kind, token: r.next, cancel: cancel}
	r.attempts[agentID] = a
	return a, ctx, true
}

// End clears the registration if a still owns it. It is safe to call twice.
func (r *Registry) End(a *Attempt) bool {
	if a == nil {
		return false
	}
	r.mu.Lock()
	cur, ok := r.attempts[a.AgentID]
	owned := ok && cur.token == a.token
	if owned {
		delete(r.attempts, a.AgentID)
	}
	r.mu.Unlock()
	a.cancel()
	return owned
}

// Active returns the agent's attempt, if any.
func (r *Registry) Active(agentID uuid.UUID) (*Attempt, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.attempts[agentID]
	return a, ok
}

// Cancel asks the agent's attempt to stop at its next checkpoint.
func (r *Registry) Cancel(agentID uuid.UUID) bool {
	r.mu.Lock()
	a, ok := r.attempts[agentID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	a.cancel()
	return true
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.attempts)
}
