package handoff

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"opengrid.ai/internal/auditlog"
	"opengrid.ai/internal/grid"
	"opengrid.ai/internal/presence"
	"opengrid.ai/internal/protocol"
	"opengrid.ai/internal/resolve"
	"opengrid.ai/internal/scene"
	"opengrid.ai/internal/transport/agentrpc"
)

const (
	ownURI        = "http://sim-a.example.org:9000/"
	peerURI       = "http://sim-b.example.org:9000/"
	farURI        = "http://sim-c.example.org:9000/"
	ownGatekeeper = "http://grid.example.org:8002/"
)

func testRegion(name string, cellX, cellY uint32, server string, flags grid.RegionFlags) grid.Region {
	return grid.Region{
		ID:            uuid.New(),
		Name:          name,
		LocX:          cellX * 256,
		LocY:          cellY * 256,
		SizeX:         256,
		SizeY:         256,
		ServerURI:     server,
		GatekeeperURI: ownGatekeeper,
		Flags:         flags,
	}
}

type fakeRemote struct {
	mu sync.Mutex

	version   protocol.Version
	denied    map[string]string
	createErr error
	updateOK  bool
	updateErr error
	onUpdate  func(*protocol.AgentData)

	// entered receives once per QueryAccess; release unblocks it when set.
	entered chan struct{}
	release chan struct{}

	calls      []string
	lastCreate *protocol.AgentCircuitData
	lastUpdate *protocol.AgentData
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		version:  protocol.MaxVersion,
		denied:   map[string]string{},
		updateOK: true,
	}
}

func (f *fakeRemote) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeRemote) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeRemote) QueryAccess(ctx context.Context, region grid.Region, _ agentrpc.QueryRequest) (protocol.Version, error) {
	f.record("query:" + region.Name)
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return protocol.Version{}, &protocol.TransportError{Msg: "Communications failure", Err: ctx.Err()}
		}
	}
	if reason, ok := f.denied[region.Name]; ok {
		return protocol.Version{}, &protocol.DeniedError{Reason: reason}
	}
	return f.version, nil
}

func (f *fakeRemote) CreateAgent(_ context.Context, region grid.Region, acd *protocol.AgentCircuitData, _ protocol.Version) (agentrpc.CreateResult, error) {
	f.record("create:" + region.Name)
	f.mu.Lock()
	cp := *acd
	f.lastCreate = &cp
	f.mu.Unlock()
	if f.createErr != nil {
		return agentrpc.CreateResult{}, f.createErr
	}
	return agentrpc.CreateResult{CircuitCode: acd.CircuitCode, CapsURL: agentrpc.CapsURL(region.ServerURI, acd.CapsPath)}, nil
}

func (f *fakeRemote) UpdateAgent(_ context.Context, region grid.Region, data *protocol.AgentData, _ protocol.Version) (bool, error) {
	f.record("update:" + region.Name)
	f.mu.Lock()
	cp := *data
	f.lastUpdate = &cp
	f.mu.Unlock()
	if f.onUpdate != nil {
		f.onUpdate(&cp)
	}
	return f.updateOK, f.updateErr
}

func (f *fakeRemote) ReleaseAgent(_ context.Context, url string) error {
	f.record("release:" + url)
	return nil
}

func (f *fakeRemote) CloseAgent(_ context.Context, region grid.Region, _, _ uuid.UUID) error {
	f.record("close:" + region.Name)
	return nil
}

type fakeViewer struct {
	mu     sync.Mutex
	events []string
}

func (v *fakeViewer) add(e string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.events = append(v.events, e)
}

func (v *fakeViewer) Events() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.events...)
}

func (v *fakeViewer) TeleportStart(uuid.UUID, protocol.TeleportFlags) { v.add("start") }
func (v *fakeViewer) TeleportProgress(_ uuid.UUID, msg string, _ protocol.TeleportFlags) {
	v.add("progress:" + msg)
}
func (v *fakeViewer) TeleportFinish(_ uuid.UUID, fin protocol.TeleportFinish) {
	v.add("finish:" + fin.RegionName)
}
func (v *fakeViewer) TeleportFailed(_ uuid.UUID, reason string) { v.add("failed:" + reason) }
func (v *fakeViewer) Alert(_ uuid.UUID, msg string)             { v.add("alert:" + msg) }

type fakeUsers struct {
	mu    sync.Mutex
	users map[uuid.UUID]grid.GridUser
}

func (f *fakeUsers) GridUser(_ context.Context, id uuid.UUID) (grid.GridUser, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	return u, ok, nil
}

func (f *fakeUsers) SetLastPosition(_ context.Context, id uuid.UUID, loc grid.UserLocation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := f.users[id]
	u.UserID = id
	u.Last = loc
	f.users[id] = u
	return nil
}

func (f *fakeUsers) SetHome(_ context.Context, id uuid.UUID, loc grid.UserLocation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := f.users[id]
	u.UserID = id
	u.Home = loc
	f.users[id] = u
	return nil
}

type fixture struct {
	svc      *Service
	scenes   *scene.Manager
	dir      *grid.Memory
	remote   *fakeRemote
	viewer   *fakeViewer
	presence *presence.Memory
	users    *fakeUsers
	audit    *auditlog.Log
	metrics  *Metrics

	welcome grid.Region // ours, default + fallback
	sandbox grid.Region // ours, east of welcome
	faraway grid.Region // on sim-b
	beside  grid.Region // on sim-b, next to faraway, fallback
	outpost grid.Region // on sim-c, far from everything

	agent   uuid.UUID
	session uuid.UUID
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{
		remote:   newFakeRemote(),
		viewer:   &fakeViewer{},
		presence: presence.NewMemory(),
		users:    &fakeUsers{users: map[uuid.UUID]grid.GridUser{}},
		audit:    auditlog.New("", zap.NewNop()),
		welcome:  testRegion("Welcome", 1000, 1000, ownURI, grid.RegionDefault|grid.RegionFallback),
		sandbox:  testRegion("Sandbox", 1001, 1000, ownURI, 0),
		faraway:  testRegion("Faraway", 2000, 2000, peerURI, 0),
		beside:   testRegion("Beside", 2001, 2000, peerURI, grid.RegionFallback),
		outpost:  testRegion("Outpost", 3000, 3000, farURI, 0),
		agent:    uuid.New(),
		session:  uuid.New(),
	}
	f.dir = grid.NewMemory(f.welcome, f.sandbox, f.faraway, f.beside, f.outpost)
	f.scenes = scene.NewManager([]grid.Region{f.welcome, f.sandbox}, 0, zap.NewNop())
	res := resolve.New(f.dir, f.users, nil, uuid.Nil, ownGatekeeper, zap.NewNop())
	f.metrics = NewMetrics(nil)
	if opts.ServerURI == "" {
		opts.ServerURI = ownURI
	}
	f.svc = New(opts, Deps{
		Scenes:    f.scenes,
		Directory: f.dir,
		Resolver:  res,
		Remote:    f.remote,
		Viewer:    f.viewer,
		Presence:  f.presence,
		Locations: f.users,
		Audit:     f.audit,
		Metrics:   f.metrics,
		Logger:    zap.NewNop(),
	})
	t.Cleanup(func() { _ = f.audit.Close() })
	return f
}

// placeAgent makes the fixture's agent root in region.
func (f *fixture) placeAgent(t *testing.T, region grid.Region) scene.Agent {
	t.Helper()
	return f.placeAgentWithChildren(t, region, nil)
}

// placeAgentWithChildren places the agent with child caps seeds keyed by region handle.
func (f *fixture) placeAgentWithChildren(t *testing.T, region grid.Region, children map[uint64]string) scene.Agent {
	t.Helper()
	sc, ok := f.scenes.Scene(region.ID)
	require.True(t, ok)
	_, err := sc.Establish(scene.EstablishRequest{Agent: scene.Agent{
		ID:           f.agent,
		FirstName:    "Ada",
		LastName:     "Tester",
		Credentials:  protocol.Credentials{SessionID: f.session.String(), SecureSessionID: uuid.NewString()},
		Position:     protocol.Vec3{X: 10, Y: 20, Z: 25},
		Appearance:   &protocol.Appearance{Serial: 3, Wearables: make([][]protocol.WearableItem, 16)},
		ChildrenCaps: children,
	}})
	require.NoError(t, err)
	require.NoError(t, f.presence.LoggedIn(context.Background(), f.agent, f.session))
	a, ok := sc.Agent(f.agent)
	require.True(t, ok)
	return a
}

func (f *fixture) agentIn(region grid.Region) (scene.Agent, bool) {
	sc, ok := f.scenes.Scene(region.ID)
	if !ok {
		return scene.Agent{}, false
	}
	return sc.Agent(f.agent)
}

func (f *fixture) lastEntry(t *testing.T) auditlog.Entry {
	t.Helper()
	recent := f.audit.Recent(1)
	require.Len(t, recent, 1)
	return recent[0]
}

func failedReason(err error) string {
	var tf *protocol.TeleportFailed
	if errors.As(err, &tf) {
		return tf.Reason
	}
	return fmt.Sprintf("not a TeleportFailed: %T %v", err, err)
}
