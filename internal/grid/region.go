package grid

import (
	"context"
	"net/url"
	"strconv"

	"github.com/google/uuid"

	"opengrid.ai/internal/config"
	"opengrid.ai/internal/protocol"
)

type RegionFlags uint32

const (
	RegionDefault   RegionFlags = 1 << 0
	RegionFallback  RegionFlags = 1 << 1
	RegionHyperlink RegionFlags = 1 << 2
)

// Region is the directory's view of a simulator region. Locations are in metres.
type Region struct {
	ID            uuid.UUID
	ScopeID       uuid.UUID
	Name          string
	LocX          uint32
	LocY          uint32
	SizeX         uint32
	SizeY         uint32
	ServerURI     string
	HTTPPort      uint32
	InternalPort  uint32
	GatekeeperURI string
	Access        uint8
	Flags         RegionFlags
}

func (r Region) Handle() uint64 {
	return protocol.RegionHandle(r.LocX, r.LocY)
}

// Contains reports whether the world position (metres) falls inside r.
func (r Region) Contains(x, y uint32) bool {
	return x >= r.LocX && x < r.LocX+r.SizeX && y >= r.LocY && y < r.LocY+r.SizeY
}

// Host is the hostname part of ServerURI.
func (r Region) Host() string {
	u, err := url.Parse(r.ServerURI)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// Neighbours reports whether two regions share an edge or a corner.
func (r Region) Neighbours(o Region) bool {
	if r.ID == o.ID {
		return false
	}
	return int64(o.LocX) <= int64(r.LocX)+int64(r.SizeX) &&
		int64(o.LocX)+int64(o.SizeX) >= int64(r.LocX) &&
		int64(o.LocY) <= int64(r.LocY)+int64(r.SizeY) &&
		int64(o.LocY)+int64(o.SizeY) >= int64(r.LocY)
}

// Directory is the grid's region lookup service. Lookups report misses through the bool.
type Directory interface {
	RegionByID(ctx context.Context, scope, id uuid.UUID) (Region, bool, error)
	RegionByName(ctx context.Context, scope uuid.UUID, name string) (Region, bool, error)
	RegionByPosition(ctx context.Context, scope uuid.UUID, x, y uint32) (Region, bool, error)
	// FallbackRegions lists "safe" regions, nearest to (x, y) first.
	FallbackRegions(ctx context.Context, scope uuid.UUID, x, y uint32) ([]Region, error)
	DefaultRegions(ctx context.Context, scope uuid.UUID) ([]Region, error)
}

// RegionsFromConfig converts configured regions into directory rows.
func RegionsFromConfig(cfg config.Config) []Region {
	scope, _ := uuid.Parse(cfg.Grid.ScopeID)
	out := make([]Region, 0, len(cfg.Regions))
	for _, spec := range cfg.Regions {
		id, err := uuid.Parse(spec.ID)
		if err != nil {
			continue
		}
		serverURI := spec.ServerURI
		if serverURI == "" {
			serverURI = cfg.Host.ServerURI
		}
		var flags RegionFlags
		if spec.Default {
			flags |= RegionDefault
		}
		if spec.Fallback {
			flags |= RegionFallback
		}
		out = append(out, Region{
			ID:            id,
			ScopeID:       scope,
			Name:          spec.Name,
			LocX:          spec.LocX * config.RegionUnit,
			LocY:          spec.LocY * config.RegionUnit,
			SizeX:         spec.SizeX,
			SizeY:         spec.SizeY,
			ServerURI:     serverURI,
			HTTPPort:      portOf(serverURI),
			GatekeeperURI: cfg.Grid.GatekeeperURI,
			Access:        spec.Access,
			Flags:         flags,
		})
	}
	return out
}

func portOf(serverURI string) uint32 {
	u, err := url.Parse(serverURI)
	if err != nil {
		return 0
	}
	p, err := strconv.ParseUint(u.Port(), 10, 32)
	if err != nil {
		if u.Scheme == "https" {
			return 443
		}
		return 80
	}
	return uint32(p)
}
