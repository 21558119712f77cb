// Package presence tracks which region each logged-in session currently occupies.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Info struct {
	UserID    uuid.UUID
	SessionID uuid.UUID
	RegionID  uuid.UUID
	LastSeen  time.Time
}

type Store interface {
	LoggedIn(ctx context.Context, userID, sessionID uuid.UUID) error
	ReportAgent(ctx context.Context, sessionID, regionID uuid.UUID) error
	LoggedOut(ctx context.Context, sessionID uuid.UUID) error
	Session(ctx context.Context, sessionID uuid.UUID) (Info, bool, error)
}

// VerifySession reports whether sessionID is a live session belonging to userID.
func VerifySession(ctx context.Context, s Store, userID, sessionID uuid.UUID) (bool, error) {
	info, ok, err := s.Session(ctx, sessionID)
	if err != nil || !ok {
		return false, err
	}
	return info.UserID == userID, nil
}

// Memory is an in-process Store used in standalone mode and tests.
type Memory struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]Info
	now      func() time.Time
}

func NewMemory() *Memory {
	return &Memory{sessions: map[uuid.UUID]Info{}, now: time.Now}
}

func (m *Memory) LoggedIn(_ context.Context, userID, sessionID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sessionID] = Info{UserID: userID, SessionID: sessionID, LastSeen: m.now()}
	return nil
}

func (m *Memory) ReportAgent(_ context.Context, sessionID, regionID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.sessions[sessionID]
	if !ok {
		return ErrUnknownSession
	}
	info.RegionID = regionID
	info.LastSeen = m.now()
	m.sessions[sessionID] = info
	return nil
}

func (m *Memory) LoggedOut(_ context.Context, sessionID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
	return nil
}

func (m *Memory) Session(_ context.Context, sessionID uuid.UUID) (Info, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.sessions[sessionID]
	return info, ok, nil
}
