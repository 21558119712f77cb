// Package handoff moves agents between regions: teleports, logins and the
// destination side of both.
package handoff

import (
	"context"

	"github.com/google/uuid"

	"opengrid.ai/internal/auditlog"
	"opengrid.ai/internal/gatekeeper"
	"opengrid.ai/internal/grid"
	"opengrid.ai/internal/protocol"
	"opengrid.ai/internal/resolve"
	"opengrid.ai/internal/transport/agentrpc"
)

// Remote is the agent endpoint client used to talk to other simulators.
type Remote interface {
	QueryAccess(ctx context.Context, region grid.Region, q agentrpc.QueryRequest) (protocol.Version, error)
	CreateAgent(ctx context.Context, region grid.Region, acd *protocol.AgentCircuitData, negotiated protocol.Version) (agentrpc.CreateResult, error)
	UpdateAgent(ctx context.Context, region grid.Region, data *protocol.AgentData, negotiated protocol.Version) (bool, error)
	ReleaseAgent(ctx context.Context, callbackURL string) error
	CloseAgent(ctx context.Context, region grid.Region, agentID, sessionID uuid.UUID) error
}

// Resolver turns user-facing targets into destinations.
type Resolver interface {
	ResolveStart(ctx context.Context, req resolve.StartRequest) (resolve.Destination, error)
	ResolveURI(ctx context.Context, v gatekeeper.Visitor, s string) (resolve.Destination, error)
	ResolveRegion(ctx context.Context, v gatekeeper.Visitor, regionID uuid.UUID, gatekeeperURI string) (resolve.Destination, error)
	ResolveCoordinate(ctx context.Context, x, y uint32, gatekeeperURI string) (resolve.Destination, error)
}

// Viewer is the notification channel to the agent's viewer.
type Viewer interface {
	TeleportStart(agentID uuid.UUID, flags protocol.TeleportFlags)
	TeleportProgress(agentID uuid.UUID, message string, flags protocol.TeleportFlags)
	TeleportFinish(agentID uuid.UUID, fin protocol.TeleportFinish)
	TeleportFailed(agentID uuid.UUID, reason string)
	Alert(agentID uuid.UUID, message string)
}

// Locations records where agents were last seen and where they call home.
type Locations interface {
	SetLastPosition(ctx context.Context, userID uuid.UUID, loc grid.UserLocation) error
	SetHome(ctx context.Context, userID uuid.UUID, loc grid.UserLocation) error
}

// Recorder receives one entry per finished attempt.
type Recorder interface {
	Record(e auditlog.Entry)
}

type nopViewer struct{}

func (nopViewer) TeleportStart(uuid.UUID, protocol.TeleportFlags)            {}
func (nopViewer) TeleportProgress(uuid.UUID, string, protocol.TeleportFlags) {}
func (nopViewer) TeleportFinish(uuid.UUID, protocol.TeleportFinish)          {}
func (nopViewer) TeleportFailed(uuid.UUID, string)                           {}
func (nopViewer) Alert(uuid.UUID, string)                                    {}

type nopRecorder struct{}

func (nopRecorder) Record(auditlog.Entry) {}
