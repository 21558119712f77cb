package handoff

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"opengrid.ai/internal/auditlog"
	"opengrid.ai/internal/config"
	"opengrid.ai/internal/gatekeeper"
	"opengrid.ai/internal/grid"
	"opengrid.ai/internal/presence"
	"opengrid.ai/internal/protocol"
	"opengrid.ai/internal/resolve"
	"opengrid.ai/internal/scene"
	"opengrid.ai/internal/transport/agentrpc"
)

// Progress messages sent to the viewer while a teleport runs.
const (
	progressResolving    = "resolving"
	progressContacting   = "contacting"
	progressTransferring = "sending_dest"
)

type Options struct {
	// ServerURI is this simulator's base URI; regions served from it take the local path.
	ServerURI string
	ScopeID   uuid.UUID
	// LegacyTeleport accepts peers below 0.2 with the non-waiting update.
	LegacyTeleport bool
	ReleaseTimeout time.Duration
}

type Deps struct {
	Scenes    *scene.Manager
	Directory grid.Directory
	Resolver  Resolver
	Remote    Remote
	Viewer    Viewer
	Presence  presence.Store
	Locations Locations
	Audit     Recorder
	Metrics   *Metrics
	Services  scene.Services
	Logger    *zap.Logger
}

// Service runs teleports and logins for agents in the regions this process
// hosts. At most one hand-off per agent is in flight.
type Service struct {
	serverURI string
	scope     uuid.UUID
	legacy    bool

	scenes    *scene.Manager
	dir       grid.Directory
	resolver  Resolver
	remote    Remote
	viewer    Viewer
	presence  presence.Store
	locations Locations
	audit     Recorder
	metrics   *Metrics
	services  scene.Services
	registry  *Registry
	release   *releaser
	logger    *zap.Logger
	now       func() time.Time

	wg sync.WaitGroup
}

func New(opts Options, d Deps) *Service {
	if d.Viewer == nil {
		d.Viewer = nopViewer{}
	}
	if d.Audit == nil {
		d.Audit = nopRecorder{}
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if opts.ReleaseTimeout <= 0 {
		opts.ReleaseTimeout = config.TimeoutSpec{}.WithDefaults().Release()
	}
	logger := d.Logger.With(zap.String("component", "handoff"))
	return &Service{
		serverURI: config.NormalizeURI(opts.ServerURI),
		scope:     opts.ScopeID,
		legacy:    opts.LegacyTeleport,
		scenes:    d.Scenes,
		dir:       d.Directory,
		resolver:  d.Resolver,
		remote:    d.Remote,
		viewer:    d.Viewer,
		presence:  d.Presence,
		locations: d.Locations,
		audit:     d.Audit,
		metrics:   d.Metrics,
		services:  d.Services,
		registry:  NewRegistry(),
		release:   newReleaser(d.Remote, opts.ReleaseTimeout, d.Metrics, d.Logger),
		logger:    logger,
		now:       time.Now,
	}
}

func (s *Service) Registry() *Registry {
	return s.registry
}

// Wait blocks until background teleports and release calls have finished.
func (s *Service) Wait() {
	s.wg.Wait()
	s.release.wait()
}

type TeleportRequest struct {
	AgentID uuid.UUID
	// Target is a region name, "host:port[:region]" or a gatekeeper URL. Empty
	// means the default region of our grid.
	Target string
	// RegionID selects a region directly; GatekeeperURI names its grid.
	RegionID      uuid.UUID
	GatekeeperURI string
	// Coordinate selects the region covering a world position in metres.
	Coordinate *[2]uint32
	// Position and LookAt override the destination's defaults when non-zero.
	Position protocol.Vec3
	LookAt   protocol.Vec3
	Flags    protocol.TeleportFlags
}

type Result struct {
	Destination resolve.Destination
	CircuitCode uint32
	CapsURL     string
	Version     protocol.Version
	Local       bool
}

// Teleport runs a teleport on the caller's goroutine. A second request for
// an agent that is already moving fails with ErrInProgress and changes nothing.
func (s *Service) Teleport(ctx context.Context, req TeleportRequest) (Result, error) {
	att, ctx, ok := s.registry.Begin(ctx, req.AgentID, KindTeleport)
	if !ok {
		s.metrics.rejected(KindTeleport)
		return Result{}, ErrInProgress
	}
	return s.run(ctx, att, req)
}

// Start runs the teleport on its own goroutine. It reports false when the
// agent already has a hand-off in flight.
func (s *Service) Start(ctx context.Context, req TeleportRequest) bool {
	att, ctx, ok := s.registry.Begin(ctx, req.AgentID, KindTeleport)
	if !ok {
		s.metrics.rejected(KindTeleport)
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_, _ = s.run(ctx, att, req)
	}()
	return true
}

// StartTeleport serves teleport requests typed into the viewer.
func (s *Service) StartTeleport(agentID uuid.UUID, target string, pos, lookAt protocol.Vec3) bool {
	return s.Start(context.Background(), TeleportRequest{
		AgentID:  agentID,
		Target:   target,
		Position: pos,
		LookAt:   lookAt,
		Flags:    protocol.TeleportViaLocation,
	})
}

// Cancel stops the agent's hand-off at its next checkpoint.
func (s *Service) Cancel(agentID uuid.UUID) bool {
	return s.registry.Cancel(agentID)
}

func (s *Service) run(ctx context.Context, att *Attempt, req TeleportRequest) (res Result, err error) {
	started := s.now()
	s.metrics.begin()
	var origin *scene.Scene
	defer func() {
		s.finish(att, origin, res, err, started)
		s.registry.End(att)
	}()

	origin, ok := s.scenes.RootScene(req.AgentID)
	if !ok {
		return Result{}, &protocol.TeleportFailed{Reason: reasonNotRoot}
	}
	agent, _ := origin.Agent(req.AgentID)
	flags := req.Flags
	if flags == protocol.TeleportDefault {
		flags = protocol.TeleportViaLocation
	}
	s.viewer.TeleportStart(agent.ID, flags)

	att.setState(StateResolving)
	s.viewer.TeleportProgress(agent.ID, progressResolving, flags)
	dest, err := s.resolve(ctx, req, gatekeeper.Visitor{AgentID: agent.ID, HomeURI: agent.HomeURI})
	if err == nil {
		err = checkpoint(ctx)
	}
	if err != nil {
		err = cancelCause(ctx, err)
		s.viewer.Alert(agent.ID, reason(err))
		return Result{}, failed(err)
	}
	dest.Flags |= flags
	res.Destination = dest

	legacy := false
	switch {
	case dest.Region.ID == origin.Region().ID:
		res, err = s.moveWithin(origin, agent, dest)
		if err == nil {
			return res, nil
		}
	case s.hosts(dest.Region):
		res, err = s.teleportLocal(ctx, att, origin, agent, dest)
	default:
		res, legacy, err = s.teleportRemote(ctx, att, origin, agent, dest)
	}
	if err != nil {
		err = cancelCause(ctx, err)
		s.viewer.TeleportFailed(agent.ID, reason(err))
		return res, failed(err)
	}
	att.setState(StateRootEstablished)
	s.leaveOrigin(origin, agent, dest, legacy)
	return res, nil
}

func (s *Service) resolve(ctx context.Context, req TeleportRequest, v gatekeeper.Visitor) (resolve.Destination, error) {
	var (
		dest resolve.Destination
		err  error
	)
	switch {
	case req.RegionID != uuid.Nil:
		dest, err = s.resolver.ResolveRegion(ctx, v, req.RegionID, req.GatekeeperURI)
	case req.Coordinate != nil:
		dest, err = s.resolver.ResolveCoordinate(ctx, req.Coordinate[0], req.Coordinate[1], req.GatekeeperURI)
	default:
		dest, err = s.resolver.ResolveURI(ctx, v, req.Target)
	}
	if err != nil {
		return resolve.Destination{}, err
	}
	if req.Position != (protocol.Vec3{}) {
		dest.Position = req.Position
	}
	if req.LookAt != (protocol.Vec3{}) {
		dest.LookAt = req.LookAt
	}
	return dest, nil
}

// hosts reports whether the region is simulated by this process.
func (s *Service) hosts(r grid.Region) bool {
	return config.NormalizeURI(r.ServerURI) == s.serverURI
}

// moveWithin handles a teleport to another spot of the agent's own region.
func (s *Service) moveWithin(origin *scene.Scene, agent scene.Agent, dest resolve.Destination) (Result, error) {
	if err := origin.UpdatePosition(agent.ID, dest.Position, dest.LookAt); err != nil {
		return Result{}, err
	}
	res := Result{
		Destination: dest,
		Local:       true,
		CircuitCode: agent.CircuitCode,
		CapsURL:     agentrpc.CapsURL(s.serverURI, agent.CapsSeed),
	}
	s.viewer.TeleportFinish(agent.ID, finishMessage(dest, res))
	return res, nil
}

// teleportLocal moves the agent between two regions of this process without
// contacting a peer. The viewer keeps its circuit when it already has a child
// in the target; otherwise a new circuit is minted, as on the remote path.
func (s *Service) teleportLocal(ctx context.Context, att *Attempt, origin *scene.Scene, agent scene.Agent, dest resolve.Destination) (Result, error) {
	res := Result{Destination: dest, Local: true}
	target, ok := s.scenes.Scene(dest.Region.ID)
	if !ok {
		return res, &protocol.TeleportFailed{Reason: reasonRegionNotHere}
	}
	if err := checkpoint(ctx); err != nil {
		return res, err
	}
	att.setState(StateTransferring)

	moved := agent
	moved.Child = false
	moved.Pending = false
	moved.Position = dest.Position
	moved.LookAt = dest.LookAt
	moved.Flags = dest.Flags
	seed, hasChild := origin.ChildCircuitFor(agent.ID, dest.Region.Handle())
	moved.CapsSeed = seed
	moved.ChildrenCaps = childrenAfter(agent, origin.Region(), dest.Region)

	circ, err := target.Establish(scene.EstablishRequest{Agent: moved, ReuseCircuit: hasChild})
	if err != nil {
		return res, err
	}
	res.CircuitCode = circ.CircuitCode
	res.CapsURL = agentrpc.CapsURL(s.serverURI, circ.CapsSeed)
	s.viewer.TeleportProgress(agent.ID, progressTransferring, dest.Flags)
	s.viewer.TeleportFinish(agent.ID, finishMessage(dest, res))
	return res, nil
}

// teleportRemote hands the agent to another simulator. legacy reports that
// the destination will call back to release the origin.
func (s *Service) teleportRemote(ctx context.Context, att *Attempt, origin *scene.Scene, agent scene.Agent, dest resolve.Destination) (res Result, legacy bool, err error) {
	res = Result{Destination: dest}
	att.setState(StateNegotiating)
	s.viewer.TeleportProgress(agent.ID, progressContacting, dest.Flags)
	v, err := s.remote.QueryAccess(ctx, dest.Region, agentrpc.QueryRequest{
		AgentID:        agent.ID,
		Position:       dest.Position,
		WearablesCount: wearablesCount(agent.Appearance),
		AgentHomeURI:   agent.HomeURI,
		Flags:          dest.Flags,
	})
	if err != nil {
		return res, false, err
	}
	res.Version = v
	legacy = v.Major == 0 && v.Minor < 2
	if legacy && !s.legacy {
		return res, false, &protocol.NotImplementedError{Feature: reasonLegacyPeer}
	}
	if err := checkpoint(ctx); err != nil {
		return res, false, err
	}

	att.setState(StateTransferring)
	acd, err := s.circuitData(origin, agent, dest)
	if err != nil {
		return res, false, err
	}
	created, err := s.remote.CreateAgent(ctx, dest.Region, acd, v)
	if err != nil {
		return res, false, err
	}
	res.CircuitCode = created.CircuitCode
	res.CapsURL = created.CapsURL
	session, _ := uuid.Parse(agent.SessionID)
	if err := checkpoint(ctx); err != nil {
		s.release.closeAgent(dest.Region, agent.ID, session)
		return res, false, err
	}
	s.viewer.TeleportProgress(agent.ID, progressTransferring, dest.Flags)
	s.viewer.TeleportFinish(agent.ID, finishMessage(dest, res))

	data := s.agentData(agent, dest, res.CircuitCode)
	if legacy {
		// The callback may land before the update returns.
		if err := origin.Demote(agent.ID); err != nil {
			s.logger.Warn("demote origin", zap.Stringer("agent_id", agent.ID), zap.Error(err))
		}
		data.CallbackURI = agentrpc.ReleaseURL(s.serverURI, agent.ID, origin.Region().ID)
		if ok, err := s.remote.UpdateAgent(ctx, dest.Region, data, v); err != nil || !ok {
			s.logger.Info("legacy update not acknowledged",
				zap.Stringer("agent_id", agent.ID), zap.String("region", dest.Region.Name), zap.Error(err))
		}
		return res, true, nil
	}
	data.WaitForRoot = true
	ok, err := s.remote.UpdateAgent(ctx, dest.Region, data, v)
	if err != nil || !ok {
		s.release.closeAgent(dest.Region, agent.ID, session)
		if c := checkpoint(ctx); c != nil {
			return res, false, c
		}
		return res, false, &protocol.TeleportFailed{Reason: reasonNoViewer, Err: err}
	}
	return res, false, nil
}

func (s *Service) circuitData(origin *scene.Scene, agent scene.Agent, dest resolve.Destination) (*protocol.AgentCircuitData, error) {
	acd := &protocol.AgentCircuitData{
		AgentID:       agent.ID.String(),
		FirstName:     agent.FirstName,
		LastName:      agent.LastName,
		Credentials:   agent.Credentials,
		Child:         true,
		Appearance:    agent.Appearance,
		IPAddress:     agent.ClientIP,
		Viewer:        agent.Viewer,
		Channel:       agent.Channel,
		Mac:           agent.Mac,
		ID0:           agent.ID0,
		StartPos:      dest.Position,
		StartLookAt:   dest.LookAt,
		TeleportFlags: dest.Flags,
		ServiceURLs:   s.serviceURLs(agent),
		HomeURI:       agent.HomeURI,
	}
	if seed, ok := origin.ChildCircuitFor(agent.ID, dest.Region.Handle()); ok {
		acd.CircuitCode = agent.CircuitCode
		acd.CapsPath = seed
	} else {
		code, err := scene.NewCircuitCode()
		if err != nil {
			return nil, err
		}
		acd.CircuitCode = code
		acd.CapsPath = uuid.NewString()
	}
	if len(agent.ChildrenCaps) > 0 {
		acd.ChildrenSeeds = make(map[string]string, len(agent.ChildrenCaps))
		for h, seed := range agent.ChildrenCaps {
			acd.ChildrenSeeds[strconv.FormatUint(h, 10)] = seed
		}
	}
	return acd, nil
}

func (s *Service) agentData(agent scene.Agent, dest resolve.Destination, circuitCode uint32) *protocol.AgentData {
	// The camera frame is upright: left is up crossed with at.
	at := dest.LookAt
	if at.X == 0 && at.Y == 0 {
		at = protocol.Vec3{X: 1}
	}
	if agent.Size == (protocol.Vec3{}) {
		agent.Size = scene.DefaultSize
	}
	data := &protocol.AgentData{
		RegionID:      dest.Region.ID.String(),
		CircuitCode:   circuitCode,
		AgentID:       agent.ID.String(),
		SessionID:     agent.SessionID,
		Position:      dest.Position,
		Velocity:      agent.Velocity,
		Center:        dest.Position,
		Size:          agent.Size,
		AtAxis:        at,
		LeftAxis:      protocol.Vec3{X: -at.Y, Y: at.X},
		UpAxis:        protocol.Vec3{Z: 1},
		BodyRotation:  agent.Rotation,
		Far:           64,
		ControlFlags:  agent.ControlFlags,
		ActiveGroupID: agent.ActiveGroupID,
		ChangedGrid:   !dest.Local,
		Appearance:    agent.Appearance,
	}
	if agent.Appearance != nil {
		data.Attachments = agent.Appearance.Attachments
	}
	return data
}

// serviceURLs merges the agent's own service URLs over ours.
func (s *Service) serviceURLs(agent scene.Agent) map[string]string {
	out := s.services.URLs()
	if len(agent.ServiceURLs) == 0 {
		return out
	}
	if out == nil {
		out = make(map[string]string, len(agent.ServiceURLs))
	}
	for k, v := range agent.ServiceURLs {
		out[k] = v
	}
	return out
}

// leaveOrigin runs after the destination holds the root agent: the origin
// copy is demoted or dropped, far children are closed and presence updated.
// A legacy origin is already a child and waits for the release callback.
func (s *Service) leaveOrigin(origin *scene.Scene, agent scene.Agent, dest resolve.Destination, legacy bool) {
	if !legacy {
		if err := releaseLocal(origin, agent.ID, origin.Region().Neighbours(dest.Region)); err != nil {
			s.logger.Warn("release origin", zap.Stringer("agent_id", agent.ID), zap.Error(err))
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.release.timeout)
	defer cancel()
	s.closeFarChildren(ctx, agent, origin.Region(), dest.Region)

	session, _ := uuid.Parse(agent.SessionID)
	if s.presence != nil && dest.Local {
		if err := s.presence.ReportAgent(ctx, session, dest.Region.ID); err != nil {
			s.logger.Info("report agent", zap.Stringer("agent_id", agent.ID), zap.Error(err))
		}
	}
	if s.locations != nil && dest.Local {
		loc := grid.UserLocation{RegionID: dest.Region.ID, Position: dest.Position, LookAt: dest.LookAt}
		if err := s.locations.SetLastPosition(ctx, agent.ID, loc); err != nil {
			s.logger.Info("set last position", zap.Stringer("agent_id", agent.ID), zap.Error(err))
		}
		if dest.Flags.Has(protocol.TeleportSetHomeToTarget) {
			if err := s.locations.SetHome(ctx, agent.ID, loc); err != nil {
				s.logger.Info("set home", zap.Stringer("agent_id", agent.ID), zap.Error(err))
			}
		}
	}
}

// closeFarChildren drops the agent's children in regions that do not border
// the destination. Children in our own regions are removed in place.
func (s *Service) closeFarChildren(ctx context.Context, agent scene.Agent, from, to grid.Region) {
	if s.dir == nil {
		return
	}
	var remote []grid.Region
	for h := range agent.ChildrenCaps {
		if h == to.Handle() || h == from.Handle() {
			continue
		}
		reg, ok, err := s.dir.RegionByPosition(ctx, s.scope, uint32(h>>32), uint32(h))
		if err != nil || !ok {
			continue
		}
		if to.Neighbours(reg) {
			continue
		}
		if sc, ok := s.scenes.Scene(reg.ID); ok && s.hosts(reg) {
			if a, ok := sc.Agent(agent.ID); ok && a.Child {
				sc.Remove(agent.ID)
			}
			continue
		}
		remote = append(remote, reg)
	}
	session, _ := uuid.Parse(agent.SessionID)
	s.release.closeChildren(remote, agent.ID, session)
}

func (s *Service) finish(att *Attempt, origin *scene.Scene, res Result, err error, started time.Time) {
	switch {
	case err == nil:
		att.setState(StateRootEstablished)
	case errors.Is(err, ErrCancelled):
		att.setState(StateCancelled)
	default:
		att.setState(StateFailed)
	}
	d := s.now().Sub(started)
	s.metrics.done(att.Kind, result(err), res.Local, d)

	e := auditlog.Entry{
		Time:        s.now(),
		Kind:        string(att.Kind),
		AgentID:     att.AgentID.String(),
		Result:      result(err),
		Reason:      reason(err),
		Local:       res.Local,
		DurationMS:  d.Milliseconds(),
		CircuitCode: res.CircuitCode,
	}
	if origin != nil {
		e.FromRegion = origin.Region().Name
	}
	if res.Destination.Region.ID != uuid.Nil {
		e.ToRegion = res.Destination.Region.Name
		e.ToServer = res.Destination.Region.ServerURI
	}
	if res.Version != (protocol.Version{}) {
		e.Version = res.Version.String()
	}
	s.audit.Record(e)

	fields := []zap.Field{
		zap.String("kind", string(att.Kind)),
		zap.Stringer("agent_id", att.AgentID),
		zap.String("to", e.ToRegion),
		zap.Bool("local", res.Local),
		zap.Duration("took", d),
	}
	if err != nil {
		s.logger.Info("hand-off failed", append(fields, zap.Error(err))...)
		return
	}
	s.logger.Info("hand-off done", fields...)
}

// childrenAfter is the agent's child set once it is root in to: children
// that do not border to are dropped and from becomes a child if it does.
func childrenAfter(agent scene.Agent, from, to grid.Region) map[uint64]string {
	out := map[uint64]string{}
	for h, seed := range agent.ChildrenCaps {
		if h == to.Handle() {
			continue
		}
		x, y := uint32(h>>32), uint32(h)
		if to.Neighbours(grid.Region{ID: uuid.New(), LocX: x, LocY: y, SizeX: config.RegionUnit, SizeY: config.RegionUnit}) {
			out[h] = seed
		}
	}
	if from.Neighbours(to) {
		out[from.Handle()] = agent.CapsSeed
	}
	return out
}

func finishMessage(dest resolve.Destination, res Result) protocol.TeleportFinish {
	return protocol.TeleportFinish{
		RegionID:     dest.Region.ID.String(),
		RegionName:   dest.Region.Name,
		RegionHandle: dest.Region.Handle(),
		SimURI:       dest.Region.ServerURI,
		SeedCapsURL:  res.CapsURL,
		CircuitCode:  res.CircuitCode,
		SizeX:        dest.Region.SizeX,
		SizeY:        dest.Region.SizeY,
		Access:       dest.Region.Access,
		Flags:        dest.Flags,
	}
}

func wearablesCount(a *protocol.Appearance) int {
	if a == nil {
		return 0
	}
	return len(a.Wearables)
}

// checkpoint is consulted before each network step.
func checkpoint(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return ErrCancelled
	}
	return ctx.Err()
}

// cancelCause reports a step that failed because the attempt was cancelled
// as a cancellation.
func cancelCause(ctx context.Context, err error) error {
	if err == nil || errors.Is(err, ErrCancelled) {
		return err
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return ErrCancelled
	}
	return err
}
