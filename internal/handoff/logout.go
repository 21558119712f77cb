package handoff

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"opengrid.ai/internal/grid"
	"opengrid.ai/internal/protocol"
)

// Logout drops the agent from every region of this process, closes its
// children on other simulators and ends its session. The last position is
// kept for a later "last" login.
func (s *Service) Logout(ctx context.Context, agentID uuid.UUID) error {
	att, ctx, ok := s.registry.Begin(ctx, agentID, KindLogout)
	if !ok {
		return ErrInProgress
	}
	defer s.registry.End(att)

	root, ok := s.scenes.RootScene(agentID)
	if !ok {
		return &protocol.TeleportFailed{Reason: reasonNotRoot}
	}
	agent, _ := root.Agent(agentID)
	session, _ := uuid.Parse(agent.SessionID)

	if s.locations != nil {
		loc := grid.UserLocation{RegionID: root.Region().ID, Position: agent.Position, LookAt: agent.LookAt}
		if err := s.locations.SetLastPosition(ctx, agentID, loc); err != nil {
			s.logger.Info("set last position", zap.Stringer("agent_id", agentID), zap.Error(err))
		}
	}

	var remote []grid.Region
	for h := range agent.ChildrenCaps {
		if s.dir == nil {
			break
		}
		reg, ok, err := s.dir.RegionByPosition(ctx, s.scope, uint32(h>>32), uint32(h))
		if err != nil || !ok || s.hosts(reg) {
			continue
		}
		remote = append(remote, reg)
	}
	for _, sc := range s.scenes.Scenes() {
		sc.Remove(agentID)
	}
	s.release.closeChildren(remote, agentID, session)

	if s.presence != nil && session != uuid.Nil {
		if err := s.presence.LoggedOut(ctx, session); err != nil {
			s.logger.Warn("presence logout", zap.Stringer("agent_id", agentID), zap.Error(err))
		}
	}
	s.logger.Info("agent logged out",
		zap.Stringer("agent_id", agentID), zap.String("region", root.Region().Name), zap.Int("remote_children", len(remote)))
	return nil
}
