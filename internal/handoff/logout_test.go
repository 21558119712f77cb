package handoff

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opengrid.ai/internal/protocol"
	"opengrid.ai/internal/scene"
)

func TestLogout_DropsAgentAndSession(t *testing.T) {
	f := newFixture(t, Options{})
	a := f.placeAgentWithChildren(t, f.welcome, map[uint64]string{
		f.faraway.Handle(): "seed-faraway",
		f.sandbox.Handle(): "seed-sandbox",
	})
	sandbox, ok := f.scenes.Scene(f.sandbox.ID)
	require.True(t, ok)
	_, err := sandbox.Establish(scene.EstablishRequest{Agent: scene.Agent{ID: f.agent, Child: true, CircuitCode: a.CircuitCode}, ReuseCircuit: true})
	require.NoError(t, err)

	require.NoError(t, f.svc.Logout(context.Background(), f.agent))
	f.svc.Wait()

	_, ok = f.agentIn(f.welcome)
	assert.False(t, ok)
	_, ok = f.agentIn(f.sandbox)
	assert.False(t, ok, "local children go too")
	assert.False(t, f.scenes.Connections().Has(a.CircuitCode, f.welcome.ID))
	assert.Equal(t, []string{"close:Faraway"}, f.remote.Calls())

	_, live, err := f.presence.Session(context.Background(), f.session)
	require.NoError(t, err)
	assert.False(t, live)
	assert.Equal(t, f.welcome.ID, f.users.users[f.agent].Last.RegionID)
	assert.Equal(t, 0, f.svc.Registry().Len())
}

func TestLogout_UnknownAgent(t *testing.T) {
	f := newFixture(t, Options{})

	err := f.svc.Logout(context.Background(), f.agent)
	require.Error(t, err)
	assert.Equal(t, "Agent is not in a region hosted here", failedReason(err))
	var tf *protocol.TeleportFailed
	assert.ErrorAs(t, err, &tf)
}

func TestLogout_WaitsForTeleport(t *testing.T) {
	f := newFixture(t, Options{})
	f.placeAgent(t, f.welcome)
	f.remote.entered = make(chan struct{}, 1)
	f.remote.release = make(chan struct{})

	require.True(t, f.svc.Start(context.Background(), TeleportRequest{AgentID: f.agent, Target: "Faraway"}))
	<-f.remote.entered
	assert.ErrorIs(t, f.svc.Logout(context.Background(), f.agent), ErrInProgress)

	close(f.remote.release)
	f.svc.Wait()
	_, ok := f.agentIn(f.welcome)
	assert.False(t, ok, "the teleport went ahead")
}
