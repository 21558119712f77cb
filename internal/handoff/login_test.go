package handoff

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opengrid.ai/internal/grid"
	"opengrid.ai/internal/protocol"
)

func loginRequest(f *fixture, start string) LoginRequest {
	return LoginRequest{
		AgentID:     f.agent,
		FirstName:   "Ada",
		LastName:    "Tester",
		Credentials: protocol.Credentials{SessionID: f.session.String(), SecureSessionID: uuid.NewString()},
		Start:       start,
		ClientIP:    "203.0.113.9",
		Viewer:      "TestViewer 1.0",
	}
}

func TestLogin_HomeRegion(t *testing.T) {
	f := newFixture(t, Options{})
	home := protocol.Vec3{X: 30, Y: 40, Z: 21}
	f.users.users[f.agent] = grid.GridUser{
		UserID: f.agent,
		Home:   grid.UserLocation{RegionID: f.sandbox.ID, Position: home, LookAt: protocol.Vec3{X: 1}},
	}

	res, err := f.svc.Login(context.Background(), loginRequest(f, "home"))
	require.NoError(t, err)
	assert.True(t, res.Local)
	assert.Equal(t, "Sandbox", res.Destination.Region.Name)
	assert.Equal(t, home, res.Destination.Position)
	assert.True(t, res.Destination.Flags.Has(protocol.TeleportViaHome))
	assert.NotZero(t, res.CircuitCode)
	assert.True(t, strings.HasPrefix(res.CapsURL, ownURI+"CAPS/"))

	a, ok := f.agentIn(f.sandbox)
	require.True(t, ok)
	assert.False(t, a.Child)
	assert.False(t, a.Pending)
	assert.Equal(t, "203.0.113.9", a.ClientIP)
	assert.True(t, f.scenes.VerifyCircuit(f.agent, f.session, res.CircuitCode))

	info, ok, err := f.presence.Session(context.Background(), f.session)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, f.agent, info.UserID)
	assert.Equal(t, f.sandbox.ID, info.RegionID)
	assert.Empty(t, f.remote.Calls())
	assert.Equal(t, "login", f.lastEntry(t).Kind)
}

func TestLogin_RemoteStartRegion(t *testing.T) {
	f := newFixture(t, Options{})

	res, err := f.svc.Login(context.Background(), loginRequest(f, "uri:Faraway&10&20&30"))
	require.NoError(t, err)
	assert.False(t, res.Local)
	assert.Equal(t, protocol.Vec3{X: 10, Y: 20, Z: 30}, res.Destination.Position)
	assert.Equal(t, []string{"query:Faraway", "create:Faraway"}, f.remote.Calls())
	require.NotNil(t, f.remote.lastCreate)
	assert.False(t, f.remote.lastCreate.Child)
	assert.True(t, f.remote.lastCreate.TeleportFlags.Has(protocol.TeleportViaLogin))
}

func TestLogin_FallsBackInOrder(t *testing.T) {
	f := newFixture(t, Options{})
	f.remote.denied["Faraway"] = "Region is closed"
	f.remote.denied["Beside"] = "Region is full"

	res, err := f.svc.Login(context.Background(), loginRequest(f, "uri:Faraway&10&20&30"))
	require.NoError(t, err)
	assert.Equal(t, "Welcome", res.Destination.Region.Name)
	assert.Equal(t, protocol.Vec3{X: 128, Y: 128, Z: 50}, res.Destination.Position)
	assert.Equal(t, protocol.Vec3{X: 0, Y: 1, Z: 0}, res.Destination.LookAt)
	assert.Equal(t, protocol.TeleportViaLogin|protocol.TeleportViaRegionID, res.Destination.Flags)
	assert.Equal(t, []string{"query:Faraway", "query:Beside"}, f.remote.Calls())

	_, ok := f.agentIn(f.welcome)
	assert.True(t, ok)
}

func TestLogin_NoSuitableDestination(t *testing.T) {
	f := newFixture(t, Options{})
	f.remote.denied["Faraway"] = "Region is closed"
	f.remote.denied["Beside"] = "Region is full"
	// Leave Beside as the only fallback.
	w := f.welcome
	w.Flags &^= grid.RegionFallback
	f.dir.Put(w)

	_, err := f.svc.Login(context.Background(), loginRequest(f, "uri:Faraway&10&20&30"))
	require.Error(t, err)
	assert.Equal(t, "No suitable destination found: Region is closed", failedReason(err))
	assert.Equal(t, "failed", f.lastEntry(t).Result)
}

func TestLogin_UnknownStartUsesFallback(t *testing.T) {
	f := newFixture(t, Options{})

	res, err := f.svc.Login(context.Background(), loginRequest(f, "last"))
	require.NoError(t, err)
	// No stored location: fallbacks are searched from the grid origin, Welcome first.
	assert.Equal(t, "Welcome", res.Destination.Region.Name)
}

func TestLogin_RefusedWhileRootElsewhere(t *testing.T) {
	f := newFixture(t, Options{})
	f.placeAgent(t, f.welcome)

	_, err := f.svc.Login(context.Background(), loginRequest(f, "uri:Sandbox&10&20&30"))
	require.Error(t, err)
	assert.Equal(t, "You are already logged in", failedReason(err))
	assert.Equal(t, "failed", f.lastEntry(t).Result)

	_, ok := f.agentIn(f.sandbox)
	assert.False(t, ok, "no second root copy")
	root, ok := f.scenes.RootScene(f.agent)
	require.True(t, ok)
	assert.Equal(t, f.welcome.ID, root.Region().ID)

	_, err = f.svc.Login(context.Background(), loginRequest(f, "uri:Faraway&10&20&30"))
	require.Error(t, err)
	assert.Empty(t, f.remote.Calls())
}

func TestLogin_Busy(t *testing.T) {
	f := newFixture(t, Options{})
	att, _, ok := f.svc.Registry().Begin(context.Background(), f.agent, KindTeleport)
	require.True(t, ok)
	defer f.svc.Registry().End(att)

	_, err := f.svc.Login(context.Background(), loginRequest(f, "home"))
	assert.ErrorIs(t, err, ErrInProgress)
}
