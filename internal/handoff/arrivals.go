package handoff

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"opengrid.ai/internal/config"
	"opengrid.ai/internal/presence"
	"opengrid.ai/internal/protocol"
	"opengrid.ai/internal/scene"
	"opengrid.ai/internal/transport/agentrpc"
)

type ArrivalOptions struct {
	// GatekeeperURI is our grid's gatekeeper; agents whose home URI differs are foreign.
	GatekeeperURI string
	AllowForeign  bool
	// VerifySessions checks local agents' sessions against the presence store.
	VerifySessions bool
}

// Arrivals is the destination side of a hand-off. It serves the agent
// endpoint for the regions this process hosts.
type Arrivals struct {
	scenes     *scene.Manager
	presence   presence.Store
	registry   *Registry
	release    *releaser
	gatekeeper string
	foreign    bool
	verify     bool
	logger     *zap.Logger
}

var _ agentrpc.Host = (*Arrivals)(nil)

func NewArrivals(svc *Service, opts ArrivalOptions) *Arrivals {
	return &Arrivals{
		scenes:     svc.scenes,
		presence:   svc.presence,
		registry:   svc.registry,
		release:    svc.release,
		gatekeeper: config.NormalizeURI(opts.GatekeeperURI),
		foreign:    opts.AllowForeign,
		verify:     opts.VerifySessions,
		logger:     svc.logger.With(zap.String("side", "arrivals")),
	}
}

func (a *Arrivals) scene(regionID uuid.UUID) (*scene.Scene, error) {
	sc, ok := a.scenes.Scene(regionID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", agentrpc.ErrUnknownRegion, regionID)
	}
	return sc, nil
}

// isForeign reports whether homeURI names another grid.
func (a *Arrivals) isForeign(homeURI string) bool {
	home := config.NormalizeURI(homeURI)
	return home != "" && home != a.gatekeeper
}

func (a *Arrivals) QueryAccess(_ context.Context, regionID uuid.UUID, req *protocol.QueryAccessRequest, v protocol.Version) error {
	sc, err := a.scene(regionID)
	if err != nil {
		return err
	}
	agentID, err := uuid.Parse(req.AgentID)
	if err != nil {
		return &protocol.ProtocolError{Msg: "agent id: " + err.Error()}
	}
	if _, busy := a.registry.Active(agentID); busy {
		return agentrpc.ErrBusy
	}
	if cur, ok := sc.Agent(agentID); ok && !cur.Child && !cur.Pending {
		return &protocol.DeniedError{Reason: "Agent is already in this region"}
	}
	if a.isForeign(req.AgentHomeURI) && !a.foreign {
		return &protocol.DeniedError{Reason: "Foreign visitors are not allowed in this region"}
	}
	a.logger.Debug("access granted",
		zap.String("agent_id", req.AgentID), zap.String("region", sc.Region().Name), zap.Stringer("version", v))
	return nil
}

func (a *Arrivals) CreateAgent(ctx context.Context, regionID uuid.UUID, acd *protocol.AgentCircuitData) (agentrpc.CreateReply, error) {
	sc, err := a.scene(regionID)
	if err != nil {
		return agentrpc.CreateReply{}, err
	}
	agentID, err := uuid.Parse(acd.AgentID)
	if err != nil {
		return agentrpc.CreateReply{}, &protocol.ProtocolError{Msg: "agent id: " + err.Error()}
	}
	if a.isForeign(acd.HomeURI) && !a.foreign {
		return agentrpc.CreateReply{}, &protocol.NotAuthorizedError{Reason: "Foreign visitors are not allowed in this region"}
	}
	if a.verify && !a.isForeign(acd.HomeURI) {
		if err := a.verifySession(ctx, agentID, acd.SessionID); err != nil {
			return agentrpc.CreateReply{}, err
		}
	}
	// A create resent on a later encoding tier finds its own pending child.
	if c, ok := sc.PendingChild(agentID); ok && acd.CircuitCode != 0 && c.CircuitCode == acd.CircuitCode && c.CapsSeed == acd.CapsPath {
		a.logger.Debug("repeated create",
			zap.Stringer("agent_id", agentID), zap.String("region", sc.Region().Name), zap.Uint32("circuit", c.CircuitCode))
		return agentrpc.CreateReply{CircuitCode: c.CircuitCode, CapsID: c.CapsSeed}, nil
	}
	circ, err := sc.Establish(scene.EstablishRequest{Agent: arrivingAgent(agentID, acd), ReuseCircuit: true})
	if err != nil {
		if errors.Is(err, scene.ErrAlreadyRoot) {
			return agentrpc.CreateReply{}, &protocol.NotAuthorizedError{Reason: "Agent is already in this region"}
		}
		return agentrpc.CreateReply{}, err
	}
	a.logger.Info("agent arriving",
		zap.Stringer("agent_id", agentID), zap.String("region", sc.Region().Name),
		zap.Uint32("circuit", circ.CircuitCode), zap.Bool("child", circ.Child))
	return agentrpc.CreateReply{CircuitCode: circ.CircuitCode, CapsID: circ.CapsSeed}, nil
}

func (a *Arrivals) verifySession(ctx context.Context, agentID uuid.UUID, sessionID string) error {
	if a.presence == nil {
		return nil
	}
	session, err := uuid.Parse(sessionID)
	if err != nil {
		return &protocol.NotAuthorizedError{Reason: "Unable to verify the agent's session"}
	}
	ok, err := presence.VerifySession(ctx, a.presence, agentID, session)
	if err != nil {
		return fmt.Errorf("verify session: %w", err)
	}
	if !ok {
		return &protocol.NotAuthorizedError{Reason: "Unable to verify the agent's session"}
	}
	return nil
}

func arrivingAgent(id uuid.UUID, acd *protocol.AgentCircuitData) scene.Agent {
	ag := scene.Agent{
		ID:          id,
		FirstName:   acd.FirstName,
		LastName:    acd.LastName,
		Credentials: acd.Credentials,
		CircuitCode: acd.CircuitCode,
		CapsSeed:    acd.CapsPath,
		Child:       acd.Child,
		Pending:     !acd.TeleportFlags.Has(protocol.TeleportViaLogin),
		Appearance:  acd.Appearance,
		Position:    acd.StartPos,
		LookAt:      acd.StartLookAt,
		Flags:       acd.TeleportFlags,
		HomeURI:     acd.HomeURI,
		ServiceURLs: acd.ServiceURLs,
		ClientIP:    acd.IPAddress,
		Viewer:      acd.Viewer,
		Channel:     acd.Channel,
		Mac:         acd.Mac,
		ID0:         acd.ID0,
	}
	if len(acd.ChildrenSeeds) > 0 {
		ag.ChildrenCaps = make(map[uint64]string, len(acd.ChildrenSeeds))
		for k, seed := range acd.ChildrenSeeds {
			h, err := strconv.ParseUint(k, 10, 64)
			if err != nil {
				continue
			}
			ag.ChildrenCaps[h] = seed
		}
	}
	return ag
}

// UpdateAgent applies the full agent state and makes the agent root here.
// A callback URI asks us to release the origin once that is done.
func (a *Arrivals) UpdateAgent(_ context.Context, regionID uuid.UUID, data *protocol.AgentData) (bool, error) {
	sc, err := a.scene(regionID)
	if err != nil {
		return false, err
	}
	agentID, err := uuid.Parse(data.AgentID)
	if err != nil {
		return false, &protocol.ProtocolError{Msg: "agent id: " + err.Error()}
	}
	if err := sc.Promote(agentID, data); err != nil {
		if errors.Is(err, scene.ErrNoAgent) {
			return false, fmt.Errorf("%w: %s", agentrpc.ErrUnknownAgent, agentID)
		}
		return false, err
	}
	a.logger.Info("agent is root",
		zap.Stringer("agent_id", agentID), zap.String("region", sc.Region().Name), zap.Bool("wait_for_root", data.WaitForRoot))
	if data.CallbackURI != "" {
		a.release.callback(data.CallbackURI)
	}
	return true, nil
}

// ReleaseAgent is the origin side of the release callback: the agent is
// root elsewhere, so our copy goes. Only a copy already demoted by a
// hand-off is released; a root agent stays.
func (a *Arrivals) ReleaseAgent(_ context.Context, agentID, regionID uuid.UUID) error {
	sc, err := a.scene(regionID)
	if err != nil {
		return err
	}
	cur, ok := sc.Agent(agentID)
	if !ok {
		return fmt.Errorf("%w: %s", agentrpc.ErrUnknownAgent, agentID)
	}
	if !cur.Child {
		a.logger.Warn("release refused for root agent",
			zap.Stringer("agent_id", agentID), zap.String("region", sc.Region().Name))
		return &protocol.NotAuthorizedError{Reason: reasonNotHandedOff}
	}
	if !sc.Remove(agentID) {
		return fmt.Errorf("%w: %s", agentrpc.ErrUnknownAgent, agentID)
	}
	a.logger.Info("agent released", zap.Stringer("agent_id", agentID), zap.String("region", sc.Region().Name))
	return nil
}

// CloseAgent drops the agent when the caller proves the session.
func (a *Arrivals) CloseAgent(_ context.Context, agentID, regionID, sessionID uuid.UUID) error {
	sc, err := a.scene(regionID)
	if err != nil {
		return err
	}
	cur, ok := sc.Agent(agentID)
	if !ok {
		return fmt.Errorf("%w: %s", agentrpc.ErrUnknownAgent, agentID)
	}
	if cur.SessionID != sessionID.String() {
		return &protocol.NotAuthorizedError{Reason: "session mismatch"}
	}
	sc.Remove(agentID)
	a.logger.Info("agent closed",
		zap.Stringer("agent_id", agentID), zap.String("region", sc.Region().Name), zap.Bool("child", cur.Child))
	return nil
}
