// Package resolve turns symbolic start locations and teleport targets into destinations.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"opengrid.ai/internal/config"
	"opengrid.ai/internal/gatekeeper"
	"opengrid.ai/internal/grid"
	"opengrid.ai/internal/protocol"
)

const (
	StartHome = "home"
	StartLast = "last"
	uriPrefix = "uri:"
)

var (
	errInvalidURI     = &protocol.TeleportFailed{Reason: "Invalid URI"}
	errRegionNotFound = &protocol.TeleportFailed{Reason: "Region not found"}
)

// DefaultLookAt faces north.
var DefaultLookAt = protocol.Vec3{X: 0, Y: 1, Z: 0}

// Destination is a resolved hand-off target. It lives only as long as one attempt.
type Destination struct {
	Region grid.Region
	// Local is true when the region belongs to our own grid.
	Local    bool
	Position protocol.Vec3
	LookAt   protocol.Vec3
	Flags    protocol.TeleportFlags
}

// Linker is the part of the gatekeeper client the resolver needs.
type Linker interface {
	LinkRegion(ctx context.Context, gatekeeperURI, name string) (gatekeeper.LinkResult, error)
	GetRegion(ctx context.Context, gatekeeperURI string, regionID uuid.UUID, v gatekeeper.Visitor) (grid.Region, error)
}

// UserStore holds agents' home and last locations.
type UserStore interface {
	GridUser(ctx context.Context, userID uuid.UUID) (grid.GridUser, bool, error)
}

type Resolver struct {
	dir           grid.Directory
	users         UserStore
	linker        Linker
	scope         uuid.UUID
	ownGatekeeper string
	logger        *zap.Logger
}

func New(dir grid.Directory, users UserStore, linker Linker, scope uuid.UUID, ownGatekeeper string, logger *zap.Logger) *Resolver {
	return &Resolver{
		dir:           dir,
		users:         users,
		linker:        linker,
		scope:         scope,
		ownGatekeeper: config.NormalizeURI(ownGatekeeper),
		logger:        logger.With(zap.String("component", "resolver")),
	}
}

type StartRequest struct {
	AgentID uuid.UUID
	// ScopeID defaults to the resolver's scope.
	ScopeID uuid.UUID
	Start   string
	HomeURI string
}

// ResolveStart resolves a login start location.
func (r *Resolver) ResolveStart(ctx context.Context, req StartRequest) (Destination, error) {
	scope := req.ScopeID
	if scope == uuid.Nil {
		scope = r.scope
	}
	start := strings.TrimSpace(req.Start)
	switch {
	case strings.EqualFold(start, StartHome):
		return r.fromUser(ctx, scope, req.AgentID, true)
	case strings.EqualFold(start, StartLast):
		return r.fromUser(ctx, scope, req.AgentID, false)
	case strings.HasPrefix(start, uriPrefix):
		loc, err := ParseStartURI(start)
		if err != nil {
			return Destination{}, err
		}
		reg, ok, err := r.dir.RegionByName(ctx, scope, loc.Region)
		if err != nil {
			return Destination{}, fmt.Errorf("lookup region %q: %w", loc.Region, err)
		}
		if !ok {
			return Destination{}, errRegionNotFound
		}
		return Destination{
			Region:   reg,
			Local:    true,
			Position: loc.Position,
			LookAt:   DefaultLookAt,
			Flags:    protocol.TeleportViaLogin | protocol.TeleportViaLocation,
		}, nil
	default:
		dest, err := r.ResolveURI(ctx, gatekeeper.Visitor{AgentID: req.AgentID, HomeURI: req.HomeURI}, start)
		if err != nil {
			return Destination{}, err
		}
		dest.Flags |= protocol.TeleportViaLogin
		return dest, nil
	}
}

func (r *Resolver) fromUser(ctx context.Context, scope, agentID uuid.UUID, home bool) (Destination, error) {
	if r.users == nil {
		return Destination{}, errRegionNotFound
	}
	u, ok, err := r.users.GridUser(ctx, agentID)
	if err != nil {
		return Destination{}, fmt.Errorf("lookup grid user %s: %w", agentID, err)
	}
	if !ok {
		return Destination{}, errRegionNotFound
	}
	loc, flags := u.Last, protocol.TeleportViaLogin|protocol.TeleportViaLocation
	if home {
		loc, flags = u.Home, protocol.TeleportViaLogin|protocol.TeleportViaHome
	}
	if loc.RegionID == uuid.Nil {
		return Destination{}, errRegionNotFound
	}
	reg, ok, err := r.dir.RegionByID(ctx, scope, loc.RegionID)
	if err != nil {
		return Destination{}, fmt.Errorf("lookup region %s: %w", loc.RegionID, err)
	}
	if !ok {
		return Destination{}, errRegionNotFound
	}
	return Destination{Region: reg, Local: true, Position: loc.Position, LookAt: loc.LookAt, Flags: flags}, nil
}

// StartLocation is a parsed "uri:<name>&<x>&<y>&<z>" start string.
type StartLocation struct {
	Region   string
	Position protocol.Vec3
}

func ParseStartURI(s string) (StartLocation, error) {
	rest, ok := strings.CutPrefix(s, uriPrefix)
	if !ok {
		return StartLocation{}, errInvalidURI
	}
	parts := strings.Split(rest, "&")
	if len(parts) != 4 {
		return StartLocation{}, errInvalidURI
	}
	name := strings.TrimSpace(parts[0])
	if name == "" {
		return StartLocation{}, errInvalidURI
	}
	if strings.Contains(name, "@") {
		return StartLocation{}, &protocol.NotImplementedError{Feature: "Hypergrid login URIs are not supported"}
	}
	var coords [3]float32
	for i, p := range parts[1:] {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return StartLocation{}, errInvalidURI
		}
		coords[i] = float32(f)
	}
	return StartLocation{
		Region:   name,
		Position: protocol.Vec3{X: coords[0], Y: coords[1], Z: coords[2]},
	}, nil
}

// Target is a parsed teleport URI: which gatekeeper to ask and for which region.
type Target struct {
	// GatekeeperURI is empty when no grid was named.
	GatekeeperURI string
	Region        string
}

// ParseTarget accepts "http(s)://host[:port][/region]", "host:port[:region]"
// and bare region names or ids.
func ParseTarget(s string) (Target, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Target{}, errInvalidURI
	}
	if strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") {
		u, err := url.Parse(s)
		if err != nil || u.Hostname() == "" {
			return Target{}, errInvalidURI
		}
		if p := u.Port(); p != "" {
			if _, err := strconv.ParseUint(p, 10, 16); err != nil {
				return Target{}, errInvalidURI
			}
		}
		name, err := url.PathUnescape(strings.Trim(u.EscapedPath(), "/"))
		if err != nil {
			return Target{}, errInvalidURI
		}
		return Target{GatekeeperURI: config.NormalizeURI(u.Scheme + "://" + u.Host), Region: name}, nil
	}
	host, rest, ok := strings.Cut(s, ":")
	if !ok {
		return Target{Region: s}, nil
	}
	port, region, _ := strings.Cut(rest, ":")
	if host == "" {
		return Target{}, errInvalidURI
	}
	if _, err := strconv.ParseUint(port, 10, 16); err != nil {
		// Not a port, so the colon belongs to the region name.
		return Target{Region: s}, nil
	}
	return Target{
		GatekeeperURI: config.NormalizeURI(net.JoinHostPort(host, port)),
		Region:        strings.TrimSpace(region),
	}, nil
}

// visitor fills in our own gatekeeper for agents that did not name a home.
func (r *Resolver) visitor(v gatekeeper.Visitor) gatekeeper.Visitor {
	if strings.TrimSpace(v.HomeURI) == "" {
		v.HomeURI = r.ownGatekeeper
	}
	return v
}

// ResolveURI resolves a teleport or login target string for visitor v.
func (r *Resolver) ResolveURI(ctx context.Context, v gatekeeper.Visitor, s string) (Destination, error) {
	t, err := ParseTarget(s)
	if err != nil {
		return Destination{}, err
	}
	if t.GatekeeperURI == "" || t.GatekeeperURI == r.ownGatekeeper {
		return r.local(ctx, t.Region)
	}
	if r.linker == nil {
		return Destination{}, errRegionNotFound
	}
	link, err := r.linker.LinkRegion(ctx, t.GatekeeperURI, t.Region)
	if err != nil {
		return Destination{}, gatekeeperFailure(err)
	}
	reg, err := r.linker.GetRegion(ctx, t.GatekeeperURI, link.RegionID, r.visitor(v))
	if err != nil {
		return Destination{}, gatekeeperFailure(err)
	}
	r.logger.Debug("linked foreign region",
		zap.String("gatekeeper", t.GatekeeperURI), zap.String("region", reg.Name), zap.Stringer("region_id", reg.ID))
	return Destination{Region: reg, Local: false, Position: centre(reg), LookAt: DefaultLookAt}, nil
}

func (r *Resolver) local(ctx context.Context, name string) (Destination, error) {
	var (
		reg grid.Region
		ok  bool
		err error
	)
	switch id, perr := uuid.Parse(name); {
	case name == "":
		var defs []grid.Region
		defs, err = r.dir.DefaultRegions(ctx, r.scope)
		if len(defs) > 0 {
			reg, ok = defs[0], true
		}
	case perr == nil:
		reg, ok, err = r.dir.RegionByID(ctx, r.scope, id)
	default:
		reg, ok, err = r.dir.RegionByName(ctx, r.scope, name)
	}
	if err != nil {
		return Destination{}, fmt.Errorf("lookup region %q: %w", name, err)
	}
	if !ok {
		return Destination{}, errRegionNotFound
	}
	return Destination{Region: reg, Local: true, Position: centre(reg), LookAt: DefaultLookAt}, nil
}

// ResolveRegion looks a region up by id, through the named gatekeeper when it is not ours.
func (r *Resolver) ResolveRegion(ctx context.Context, v gatekeeper.Visitor, regionID uuid.UUID, gatekeeperURI string) (Destination, error) {
	gk := config.NormalizeURI(gatekeeperURI)
	if gk == "" || gk == r.ownGatekeeper {
		reg, ok, err := r.dir.RegionByID(ctx, r.scope, regionID)
		if err != nil {
			return Destination{}, fmt.Errorf("lookup region %s: %w", regionID, err)
		}
		if !ok {
			return Destination{}, errRegionNotFound
		}
		return Destination{Region: reg, Local: true, Position: centre(reg), LookAt: DefaultLookAt}, nil
	}
	if r.linker == nil {
		return Destination{}, errRegionNotFound
	}
	reg, err := r.linker.GetRegion(ctx, gk, regionID, r.visitor(v))
	if err != nil {
		return Destination{}, gatekeeperFailure(err)
	}
	return Destination{Region: reg, Local: false, Position: centre(reg), LookAt: DefaultLookAt}, nil
}

// ResolveCoordinate finds the region covering world position (x, y) in metres.
func (r *Resolver) ResolveCoordinate(ctx context.Context, x, y uint32, gatekeeperURI string) (Destination, error) {
	gk := config.NormalizeURI(gatekeeperURI)
	if gk != "" && gk != r.ownGatekeeper {
		return Destination{}, &protocol.NotImplementedError{Feature: "Hypergrid teleport to coordinates is not implemented"}
	}
	reg, ok, err := r.dir.RegionByPosition(ctx, r.scope, x, y)
	if err != nil {
		return Destination{}, fmt.Errorf("lookup position %d,%d: %w", x, y, err)
	}
	if !ok {
		return Destination{}, errRegionNotFound
	}
	pos := protocol.Vec3{X: float32(x - reg.LocX), Y: float32(y - reg.LocY)}
	return Destination{Region: reg, Local: true, Position: pos, LookAt: DefaultLookAt}, nil
}

func gatekeeperFailure(err error) error {
	var gk *gatekeeper.Error
	if errors.As(err, &gk) {
		return &protocol.TeleportFailed{Reason: gk.Message}
	}
	return err
}

func centre(r grid.Region) protocol.Vec3 {
	return protocol.Vec3{X: float32(r.SizeX) / 2, Y: float32(r.SizeY) / 2, Z: 30}
}
