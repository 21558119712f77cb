package handoff

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"opengrid.ai/internal/config"
	"opengrid.ai/internal/grid"
	"opengrid.ai/internal/presence"
	"opengrid.ai/internal/protocol"
	"opengrid.ai/internal/resolve"
	"opengrid.ai/internal/scene"
	"opengrid.ai/internal/transport/agentrpc"
)

type sim struct {
	svc      *Service
	arrivals *Arrivals
	scenes   *scene.Manager
	client   *agentrpc.Client
	url      string
}

// newSimPair runs two simulators over real HTTP: Welcome on the first and
// Faraway on the second. They share a grid directory and a presence store.
func newSimPair(t *testing.T) (a, b *sim, welcome, faraway grid.Region) {
	t.Helper()
	var ha, hb http.Handler
	srvA := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { ha.ServeHTTP(w, r) }))
	srvB := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { hb.ServeHTTP(w, r) }))
	t.Cleanup(srvA.Close)
	t.Cleanup(srvB.Close)

	welcome = testRegion("Welcome", 1000, 1000, config.NormalizeURI(srvA.URL), grid.RegionDefault|grid.RegionFallback)
	faraway = testRegion("Faraway", 2000, 2000, config.NormalizeURI(srvB.URL), 0)
	dir := grid.NewMemory(welcome, faraway)
	store := presence.NewMemory()

	build := func(url string, own grid.Region) (*sim, http.Handler) {
		scenes := scene.NewManager([]grid.Region{own}, 0, zap.NewNop())
		client := agentrpc.NewClient(nil, config.TimeoutSpec{}, nil, zap.NewNop())
		svc := New(Options{ServerURI: url}, Deps{
			Scenes:    scenes,
			Directory: dir,
			Resolver:  resolve.New(dir, nil, nil, uuid.Nil, ownGatekeeper, zap.NewNop()),
			Remote:    client,
			Presence:  store,
		})
		arr := NewArrivals(svc, ArrivalOptions{GatekeeperURI: ownGatekeeper, VerifySessions: true})
		mux := http.NewServeMux()
		mux.Handle(agentrpc.PathPrefix, agentrpc.NewServer(arr, zap.NewNop()))
		return &sim{svc: svc, arrivals: arr, scenes: scenes, client: client, url: url}, mux
	}
	a, ha = build(welcome.ServerURI, welcome)
	b, hb = build(faraway.ServerURI, faraway)
	return a, b, welcome, faraway
}

func enter(t *testing.T, s *sim, region grid.Region, agentID, session uuid.UUID) scene.Agent {
	t.Helper()
	sc, ok := s.scenes.Scene(region.ID)
	require.True(t, ok)
	_, err := sc.Establish(scene.EstablishRequest{Agent: scene.Agent{
		ID:          agentID,
		FirstName:   "Ada",
		LastName:    "Tester",
		Credentials: protocol.Credentials{SessionID: session.String(), SecureSessionID: uuid.NewString()},
		Appearance:  &protocol.Appearance{Serial: 1, Wearables: make([][]protocol.WearableItem, 16)},
	}})
	require.NoError(t, err)
	require.NoError(t, s.svc.presence.LoggedIn(context.Background(), agentID, session))
	a, _ := sc.Agent(agentID)
	return a
}

func TestArrivals_TeleportBetweenSimulators(t *testing.T) {
	a, b, welcome, faraway := newSimPair(t)
	agentID, session := uuid.New(), uuid.New()
	enter(t, a, welcome, agentID, session)

	res, err := a.svc.Teleport(context.Background(), TeleportRequest{AgentID: agentID, Target: "Faraway"})
	require.NoError(t, err)
	a.svc.Wait()
	b.svc.Wait()

	assert.Equal(t, protocol.MaxVersion, res.Version)
	assert.True(t, strings.HasPrefix(res.CapsURL, b.url+"CAPS/"), res.CapsURL)

	dst, ok := b.scenes.Scene(faraway.ID)
	require.True(t, ok)
	arrived, ok := dst.Agent(agentID)
	require.True(t, ok)
	assert.False(t, arrived.Child)
	assert.False(t, arrived.Pending)
	assert.Equal(t, session.String(), arrived.SessionID)
	assert.Equal(t, res.CircuitCode, arrived.CircuitCode)
	assert.Equal(t, 16, len(arrived.Appearance.Wearables))

	src, _ := a.scenes.Scene(welcome.ID)
	_, left := src.Agent(agentID)
	assert.False(t, left)

	root, ok := b.scenes.RootScene(agentID)
	require.True(t, ok)
	assert.Equal(t, faraway.ID, root.Region().ID)
}

func TestArrivals_ReleaseCallbackDropsOrigin(t *testing.T) {
	a, b, welcome, _ := newSimPair(t)
	agentID, session := uuid.New(), uuid.New()
	enter(t, a, welcome, agentID, session)
	src, _ := a.scenes.Scene(welcome.ID)
	require.NoError(t, src.Demote(agentID))

	err := b.client.ReleaseAgent(context.Background(), agentrpc.ReleaseURL(a.url, agentID, welcome.ID))
	require.NoError(t, err)
	_, ok := src.Agent(agentID)
	assert.False(t, ok)

	err = b.client.ReleaseAgent(context.Background(), agentrpc.ReleaseURL(a.url, agentID, welcome.ID))
	assert.Error(t, err, "second release finds nothing to drop")
}

func TestArrivals_ReleaseKeepsRootAgent(t *testing.T) {
	f := newFixture(t, Options{})
	f.placeAgent(t, f.welcome)
	arr := NewArrivals(f.svc, ArrivalOptions{GatekeeperURI: ownGatekeeper})

	err := arr.ReleaseAgent(context.Background(), f.agent, f.welcome.ID)
	var na *protocol.NotAuthorizedError
	require.True(t, errors.As(err, &na), "got %v", err)

	a, ok := f.agentIn(f.welcome)
	require.True(t, ok, "root agent survives an unsolicited release")
	assert.False(t, a.Child)
	root, ok := f.scenes.RootScene(f.agent)
	require.True(t, ok)
	assert.Equal(t, f.welcome.ID, root.Region().ID)
}

func TestArrivals_LegacyCallbackDuringUpdate(t *testing.T) {
	f := newFixture(t, Options{LegacyTeleport: true})
	f.placeAgent(t, f.welcome)
	f.remote.version = protocol.Version{Major: 0, Minor: 1}
	arr := NewArrivals(f.svc, ArrivalOptions{GatekeeperURI: ownGatekeeper})

	var releaseErr error
	f.remote.onUpdate = func(*protocol.AgentData) {
		releaseErr = arr.ReleaseAgent(context.Background(), f.agent, f.welcome.ID)
	}
	_, err := f.svc.Teleport(context.Background(), TeleportRequest{AgentID: f.agent, Target: "Faraway"})
	require.NoError(t, err)
	require.NoError(t, releaseErr)

	_, ok := f.agentIn(f.welcome)
	assert.False(t, ok, "origin copy is gone once the destination called back")
}

func TestArrivals_RepeatedCreateKeepsPendingChild(t *testing.T) {
	f := newFixture(t, Options{})
	arr := NewArrivals(f.svc, ArrivalOptions{GatekeeperURI: ownGatekeeper})
	agentID := uuid.New()
	acd := &protocol.AgentCircuitData{
		AgentID:       agentID.String(),
		Credentials:   protocol.Credentials{SessionID: uuid.NewString()},
		CircuitCode:   4242,
		CapsPath:      "seed-4242",
		Child:         true,
		TeleportFlags: protocol.TeleportViaLocation,
	}
	first, err := arr.CreateAgent(context.Background(), f.sandbox.ID, acd)
	require.NoError(t, err)
	sc, _ := f.scenes.Scene(f.sandbox.ID)
	before, ok := sc.Agent(agentID)
	require.True(t, ok)

	again, err := arr.CreateAgent(context.Background(), f.sandbox.ID, acd)
	require.NoError(t, err)
	assert.Equal(t, first, again)
	after, ok := sc.Agent(agentID)
	require.True(t, ok)
	assert.True(t, after.Pending)
	assert.Equal(t, before.ArrivedAt, after.ArrivedAt, "the pending child is not re-established")

	other := *acd
	other.CircuitCode = 4343
	other.CapsPath = "seed-4343"
	reply, err := arr.CreateAgent(context.Background(), f.sandbox.ID, &other)
	require.NoError(t, err)
	assert.Equal(t, uint32(4343), reply.CircuitCode)
}

func TestArrivals_CreateVerifiesSession(t *testing.T) {
	_, b, _, faraway := newSimPair(t)
	agentID, session := uuid.New(), uuid.New()
	acd := &protocol.AgentCircuitData{
		AgentID:       agentID.String(),
		Credentials:   protocol.Credentials{SessionID: session.String(), SecureSessionID: uuid.NewString()},
		CircuitCode:   77,
		CapsPath:      "seed-77",
		Child:         true,
		TeleportFlags: protocol.TeleportViaLocation,
	}

	_, err := b.arrivals.CreateAgent(context.Background(), faraway.ID, acd)
	var na *protocol.NotAuthorizedError
	require.True(t, errors.As(err, &na), "got %v", err)

	require.NoError(t, b.svc.presence.LoggedIn(context.Background(), agentID, session))
	reply, err := b.arrivals.CreateAgent(context.Background(), faraway.ID, acd)
	require.NoError(t, err)
	assert.Equal(t, uint32(77), reply.CircuitCode)
	assert.Equal(t, "seed-77", reply.CapsID)

	pending, ok := b.scenes.Scene(faraway.ID)
	require.True(t, ok)
	c, ok := pending.PendingChild(agentID)
	require.True(t, ok)
	assert.Equal(t, uint32(77), c.CircuitCode)
}

func TestArrivals_ForeignVisitors(t *testing.T) {
	_, b, _, faraway := newSimPair(t)
	req := &protocol.QueryAccessRequest{AgentID: uuid.NewString(), AgentHomeURI: "http://elsewhere.example.net:8002/"}

	err := b.arrivals.QueryAccess(context.Background(), faraway.ID, req, protocol.MaxVersion)
	var denied *protocol.DeniedError
	require.True(t, errors.As(err, &denied))

	b.arrivals.foreign = true
	assert.NoError(t, b.arrivals.QueryAccess(context.Background(), faraway.ID, req, protocol.MaxVersion))

	req.AgentHomeURI = ownGatekeeper
	b.arrivals.foreign = false
	assert.NoError(t, b.arrivals.QueryAccess(context.Background(), faraway.ID, req, protocol.MaxVersion))
}

func TestArrivals_QueryAccessRefusals(t *testing.T) {
	a, _, welcome, _ := newSimPair(t)
	agentID, session := uuid.New(), uuid.New()

	err := a.arrivals.QueryAccess(context.Background(), uuid.New(), &protocol.QueryAccessRequest{AgentID: agentID.String()}, protocol.MaxVersion)
	assert.ErrorIs(t, err, agentrpc.ErrUnknownRegion)

	enter(t, a, welcome, agentID, session)
	err = a.arrivals.QueryAccess(context.Background(), welcome.ID, &protocol.QueryAccessRequest{AgentID: agentID.String()}, protocol.MaxVersion)
	var denied *protocol.DeniedError
	require.True(t, errors.As(err, &denied))
	assert.Equal(t, "Agent is already in this region", denied.Reason)

	other := uuid.New()
	att, _, ok := a.svc.Registry().Begin(context.Background(), other, KindTeleport)
	require.True(t, ok)
	defer a.svc.Registry().End(att)
	err = a.arrivals.QueryAccess(context.Background(), welcome.ID, &protocol.QueryAccessRequest{AgentID: other.String()}, protocol.MaxVersion)
	assert.ErrorIs(t, err, agentrpc.ErrBusy)
}

func TestArrivals_CloseAgentChecksSession(t *testing.T) {
	a, _, welcome, _ := newSimPair(t)
	agentID, session := uuid.New(), uuid.New()
	enter(t, a, welcome, agentID, session)

	err := a.arrivals.CloseAgent(context.Background(), agentID, welcome.ID, uuid.New())
	var na *protocol.NotAuthorizedError
	require.True(t, errors.As(err, &na))

	require.NoError(t, a.arrivals.CloseAgent(context.Background(), agentID, welcome.ID, session))
	src, _ := a.scenes.Scene(welcome.ID)
	_, ok := src.Agent(agentID)
	assert.False(t, ok)

	err = a.arrivals.CloseAgent(context.Background(), agentID, welcome.ID, session)
	assert.ErrorIs(t, err, agentrpc.ErrUnknownAgent)
}

func TestArrivals_UpdateUnknownAgent(t *testing.T) {
	a, _, welcome, _ := newSimPair(t)
	ok, err := a.arrivals.UpdateAgent(context.Background(), welcome.ID, &protocol.AgentData{AgentID: uuid.NewString()})
	assert.False(t, ok)
	assert.ErrorIs(t, err, agentrpc.ErrUnknownAgent)
}

func TestArrivals_UpdateWithCallbackReleasesOrigin(t *testing.T) {
	f := newFixture(t, Options{})
	arr := NewArrivals(f.svc, ArrivalOptions{GatekeeperURI: ownGatekeeper})
	agentID := uuid.New()
	_, err := arr.CreateAgent(context.Background(), f.sandbox.ID, &protocol.AgentCircuitData{
		AgentID:       agentID.String(),
		Credentials:   protocol.Credentials{SessionID: uuid.NewString()},
		CircuitCode:   9001,
		Child:         true,
		TeleportFlags: protocol.TeleportViaLocation,
	})
	require.NoError(t, err)

	callback := agentrpc.ReleaseURL(peerURI, agentID, uuid.New())
	ok, err := arr.UpdateAgent(context.Background(), f.sandbox.ID, &protocol.AgentData{
		AgentID:     agentID.String(),
		Position:    protocol.Vec3{X: 5, Y: 6, Z: 7},
		CallbackURI: callback,
	})
	require.NoError(t, err)
	require.True(t, ok)
	f.svc.Wait()

	assert.Equal(t, []string{"release:" + callback}, f.remote.Calls())
	sc, _ := f.scenes.Scene(f.sandbox.ID)
	a, found := sc.Agent(agentID)
	require.True(t, found)
	assert.False(t, a.Child)
	assert.Equal(t, protocol.Vec3{X: 5, Y: 6, Z: 7}, a.Position)
}
