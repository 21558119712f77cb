// Package gatekeeper implements the grid's front door: linking a region by name
// and describing it to simulators that want to hand an agent over.
package gatekeeper

import (
	"encoding/json"

	"github.com/google/uuid"

	"opengrid.ai/internal/grid"
)

const (
	MethodLinkRegion = "link_region"
	MethodGetRegion  = "get_region"

	// Path is the endpoint path relative to a gatekeeper URI.
	Path = "gatekeeper"
)

type request struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type response struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

type linkParams struct {
	RegionName string `json:"region_name"`
}

// LinkResult identifies a region behind a gatekeeper.
type LinkResult struct {
	RegionID     uuid.UUID `json:"uuid"`
	Handle       uint64    `json:"handle"`
	ExternalName string    `json:"external_name"`
	ImageURL     string    `json:"image_url,omitempty"`
}

// Visitor identifies the agent a get_region call is made for.
type Visitor struct {
	AgentID uuid.UUID
	// HomeURI is the agent's home gatekeeper.
	HomeURI string
}

type getParams struct {
	RegionID     string `json:"region_uuid"`
	AgentID      string `json:"agent_id,omitempty"`
	AgentHomeURI string `json:"agent_home_uri,omitempty"`
}

type regionInfo struct {
	RegionID     uuid.UUID `json:"uuid"`
	Name         string    `json:"region_name"`
	X            uint32    `json:"x"`
	Y            uint32    `json:"y"`
	SizeX        uint32    `json:"size_x"`
	SizeY        uint32    `json:"size_y"`
	ServerURI    string    `json:"server_uri"`
	Hostname     string    `json:"hostname"`
	HTTPPort     uint32    `json:"http_port"`
	InternalPort uint32    `json:"internal_port"`
	Access       uint8     `json:"access"`
}

func infoFromRegion(r grid.Region) regionInfo {
	return regionInfo{
		RegionID:     r.ID,
		Name:         r.Name,
		X:            r.LocX,
		Y:            r.LocY,
		SizeX:        r.SizeX,
		SizeY:        r.SizeY,
		ServerURI:    r.ServerURI,
		Hostname:     r.Host(),
		HTTPPort:     r.HTTPPort,
		InternalPort: r.InternalPort,
		Access:       r.Access,
	}
}

func (ri regionInfo) region(gatekeeperURI string) grid.Region {
	return grid.Region{
		ID:            ri.RegionID,
		Name:          ri.Name,
		LocX:          ri.X,
		LocY:          ri.Y,
		SizeX:         ri.SizeX,
		SizeY:         ri.SizeY,
		ServerURI:     ri.ServerURI,
		HTTPPort:      ri.HTTPPort,
		InternalPort:  ri.InternalPort,
		GatekeeperURI: gatekeeperURI,
		Access:        ri.Access,
		Flags:         grid.RegionHyperlink,
	}
}
