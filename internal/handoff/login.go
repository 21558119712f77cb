package handoff

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"opengrid.ai/internal/grid"
	"opengrid.ai/internal/protocol"
	"opengrid.ai/internal/resolve"
	"opengrid.ai/internal/scene"
	"opengrid.ai/internal/transport/agentrpc"
)

// Fallback regions are entered at a fixed spot.
var (
	fallbackPosition = protocol.Vec3{X: 128, Y: 128, Z: 50}
	fallbackLookAt   = protocol.Vec3{X: 0, Y: 1, Z: 0}
)

type LoginRequest struct {
	AgentID   uuid.UUID
	FirstName string
	LastName  string
	protocol.Credentials
	ScopeID uuid.UUID
	// Start is "home", "last", "uri:<region>&<x>&<y>&<z>" or a region URI.
	Start      string
	Appearance *protocol.Appearance
	HomeURI    string
	ClientIP   string
	Viewer     string
	Channel    string
	Mac        string
	ID0        string
}

type LoginResult = Result

// Login places a freshly authenticated agent in its start region. When the
// start region refuses, fallback regions are tried nearest first.
func (s *Service) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	att, ctx, ok := s.registry.Begin(ctx, req.AgentID, KindLogin)
	if !ok {
		s.metrics.rejected(KindLogin)
		return LoginResult{}, ErrInProgress
	}
	started := s.now()
	s.metrics.begin()
	var (
		res LoginResult
		err error
	)
	defer func() {
		s.finish(att, nil, res, err, started)
		s.registry.End(att)
	}()

	if root, here := s.scenes.RootScene(req.AgentID); here {
		err = &protocol.TeleportFailed{Reason: reasonLoggedIn, Err: fmt.Errorf("agent %s is root in %s", req.AgentID, root.Region().Name)}
		return LoginResult{}, err
	}

	att.setState(StateResolving)
	dest, resolveErr := s.resolver.ResolveStart(ctx, resolve.StartRequest{AgentID: req.AgentID, ScopeID: req.ScopeID, Start: req.Start, HomeURI: req.HomeURI})
	var first error
	if resolveErr == nil {
		res, first = s.loginAt(ctx, att, req, dest)
		if first == nil {
			s.loggedIn(req, res)
			return res, nil
		}
	} else {
		first = resolveErr
	}
	s.logger.Info("login start region failed",
		zap.Stringer("agent_id", req.AgentID), zap.String("start", req.Start), zap.Error(first))

	var x, y uint32
	if resolveErr == nil {
		x, y = dest.Region.LocX, dest.Region.LocY
	}
	scope := req.ScopeID
	if scope == uuid.Nil {
		scope = s.scope
	}
	var fallbacks []grid.Region
	if s.dir != nil {
		regs, ferr := s.dir.FallbackRegions(ctx, scope, x, y)
		if ferr != nil {
			s.logger.Warn("fallback regions", zap.Error(ferr))
		}
		fallbacks = regs
	}
	for _, reg := range fallbacks {
		if resolveErr == nil && reg.ID == dest.Region.ID {
			continue
		}
		if c := checkpoint(ctx); c != nil {
			err = failed(c)
			return LoginResult{}, err
		}
		fb := resolve.Destination{
			Region:   reg,
			Local:    true,
			Position: fallbackPosition,
			LookAt:   fallbackLookAt,
			Flags:    protocol.TeleportViaLogin | protocol.TeleportViaRegionID,
		}
		r, ferr := s.loginAt(ctx, att, req, fb)
		if ferr == nil {
			res = r
			s.loggedIn(req, res)
			return res, nil
		}
		s.logger.Info("login fallback failed",
			zap.Stringer("agent_id", req.AgentID), zap.String("region", reg.Name), zap.Error(ferr))
	}
	err = &protocol.TeleportFailed{Reason: reasonNoDestination + ": " + reason(first), Err: first}
	return LoginResult{}, err
}

// loginAt establishes the agent in one destination.
func (s *Service) loginAt(ctx context.Context, att *Attempt, req LoginRequest, dest resolve.Destination) (LoginResult, error) {
	res := LoginResult{Destination: dest}
	if err := checkpoint(ctx); err != nil {
		return res, err
	}
	if s.hosts(dest.Region) {
		target, ok := s.scenes.Scene(dest.Region.ID)
		if !ok {
			return res, &protocol.TeleportFailed{Reason: reasonRegionNotHere}
		}
		att.setState(StateTransferring)
		circ, err := target.Establish(scene.EstablishRequest{Agent: loginAgent(req, dest, s.services.URLs())})
		if err != nil {
			return res, err
		}
		res.Local = true
		res.CircuitCode = circ.CircuitCode
		res.CapsURL = agentrpc.CapsURL(s.serverURI, circ.CapsSeed)
		return res, nil
	}

	att.setState(StateNegotiating)
	v, err := s.remote.QueryAccess(ctx, dest.Region, agentrpc.QueryRequest{
		AgentID:        req.AgentID,
		Position:       dest.Position,
		WearablesCount: wearablesCount(req.Appearance),
		AgentHomeURI:   req.HomeURI,
		Flags:          dest.Flags,
	})
	if err != nil {
		return res, err
	}
	res.Version = v
	if err := checkpoint(ctx); err != nil {
		return res, err
	}
	att.setState(StateTransferring)
	code, err := scene.NewCircuitCode()
	if err != nil {
		return res, err
	}
	a := loginAgent(req, dest, s.services.URLs())
	acd := &protocol.AgentCircuitData{
		AgentID:       req.AgentID.String(),
		FirstName:     req.FirstName,
		LastName:      req.LastName,
		Credentials:   req.Credentials,
		CircuitCode:   code,
		CapsPath:      uuid.NewString(),
		Appearance:    req.Appearance,
		IPAddress:     req.ClientIP,
		Viewer:        req.Viewer,
		Channel:       req.Channel,
		Mac:           req.Mac,
		ID0:           req.ID0,
		StartPos:      dest.Position,
		StartLookAt:   dest.LookAt,
		TeleportFlags: dest.Flags,
		ServiceURLs:   a.ServiceURLs,
		HomeURI:       req.HomeURI,
	}
	created, err := s.remote.CreateAgent(ctx, dest.Region, acd, v)
	if err != nil {
		return res, err
	}
	res.CircuitCode = created.CircuitCode
	res.CapsURL = created.CapsURL
	return res, nil
}

func loginAgent(req LoginRequest, dest resolve.Destination, services map[string]string) scene.Agent {
	return scene.Agent{
		ID:          req.AgentID,
		FirstName:   req.FirstName,
		LastName:    req.LastName,
		Credentials: req.Credentials,
		Appearance:  req.Appearance,
		Position:    dest.Position,
		LookAt:      dest.LookAt,
		Flags:       dest.Flags,
		HomeURI:     req.HomeURI,
		ServiceURLs: services,
		ClientIP:    req.ClientIP,
		Viewer:      req.Viewer,
		Channel:     req.Channel,
		Mac:         req.Mac,
		ID0:         req.ID0,
	}
}

// loggedIn records the new session. Failures only get logged.
func (s *Service) loggedIn(req LoginRequest, res LoginResult) {
	if s.presence == nil {
		return
	}
	session, err := uuid.Parse(req.SessionID)
	if err != nil {
		s.logger.Info("login without session id", zap.Stringer("agent_id", req.AgentID))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.presence.LoggedIn(ctx, req.AgentID, session); err != nil {
		s.logger.Warn("presence login", zap.Stringer("agent_id", req.AgentID), zap.Error(err))
		return
	}
	if err := s.presence.ReportAgent(ctx, session, res.Destination.Region.ID); err != nil {
		s.logger.Warn("presence report", zap.Stringer("agent_id", req.AgentID), zap.Error(err))
	}
}
