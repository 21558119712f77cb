package viewer

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"opengrid.ai/internal/protocol"
)

type fixedVerifier struct {
	agent, session uuid.UUID
	code           uint32
}

func (v fixedVerifier) VerifyCircuit(agentID, sessionID uuid.UUID, code uint32) bool {
	return agentID == v.agent && sessionID == v.session && code == v.code
}

type recordingTeleports struct {
	mu      sync.Mutex
	targets []string
	cancels int
	accept  bool
	started chan struct{}
}

func (r *recordingTeleports) StartTeleport(_ uuid.UUID, target string, _, _ protocol.Vec3) bool {
	r.mu.Lock()
	r.targets = append(r.targets, target)
	r.mu.Unlock()
	r.started <- struct{}{}
	return r.accept
}

func (r *recordingTeleports) Cancel(uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancels++
	return true
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMsg(t *testing.T, conn *websocket.Conn, v any) string {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, b, err := conn.ReadMessage()
	require.NoError(t, err)
	typ, err := decodeType(b)
	require.NoError(t, err)
	if v != nil {
		require.NoError(t, json.Unmarshal(b, v))
	}
	return typ
}

func setup(t *testing.T) (*Hub, *recordingTeleports, fixedVerifier, *httptest.Server) {
	v := fixedVerifier{agent: uuid.New(), session: uuid.New(), code: 99}
	tp := &recordingTeleports{started: make(chan struct{}, 4)}
	hub := NewHub(v, tp, zap.NewNop())
	srv := httptest.NewServer(hub.Handler())
	t.Cleanup(srv.Close)
	return hub, tp, v, srv
}

func hello(t *testing.T, conn *websocket.Conn, v fixedVerifier) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(HelloMsg{Type: TypeHello, AgentID: v.agent.String(), SessionID: v.session.String(), CircuitCode: v.code}))
	var w WelcomeMsg
	require.Equal(t, TypeWelcome, readMsg(t, conn, &w))
	assert.Equal(t, v.agent.String(), w.AgentID)
}

func TestHub_DeliversNotifications(t *testing.T) {
	hub, _, v, srv := setup(t)
	conn := dial(t, srv)
	hello(t, conn, v)
	require.Eventually(t, func() bool { return hub.Connected(v.agent) }, time.Second, 10*time.Millisecond)

	hub.TeleportStart(v.agent, protocol.TeleportViaLocation)
	hub.TeleportProgress(v.agent, "sending_dest", protocol.TeleportViaLocation)
	hub.TeleportFinish(v.agent, protocol.TeleportFinish{RegionName: "Sandbox", CircuitCode: 7})
	hub.TeleportFailed(v.agent, "Region not found")
	hub.Alert(v.agent, "hello")

	var start TeleportStartMsg
	require.Equal(t, TypeTeleportStart, readMsg(t, conn, &start))
	assert.Equal(t, protocol.TeleportViaLocation, start.Flags)
	var prog TeleportProgressMsg
	require.Equal(t, TypeTeleportProgress, readMsg(t, conn, &prog))
	assert.Equal(t, "sending_dest", prog.Message)
	var fin TeleportFinishMsg
	require.Equal(t, TypeTeleportFinish, readMsg(t, conn, &fin))
	assert.Equal(t, "Sandbox", fin.RegionName)
	assert.Equal(t, uint32(7), fin.CircuitCode)
	var failed TeleportFailedMsg
	require.Equal(t, TypeTeleportFailed, readMsg(t, conn, &failed))
	assert.Equal(t, "Region not found", failed.Reason)
	var alert AlertMsg
	require.Equal(t, TypeAlert, readMsg(t, conn, &alert))
	assert.Equal(t, "hello", alert.Message)
}

func TestHub_ForwardsTeleportRequests(t *testing.T) {
	_, tp, v, srv := setup(t)
	conn := dial(t, srv)
	hello(t, conn, v)

	require.NoError(t, conn.WriteJSON(TeleportRequestMsg{Type: TypeTeleportRequest, Target: "Sandbox"}))
	<-tp.started
	var alert AlertMsg
	require.Equal(t, TypeAlert, readMsg(t, conn, &alert), "rejected request is reported")
	assert.Equal(t, "Teleport already in progress", alert.Message)

	require.NoError(t, conn.WriteJSON(baseMsg{Type: TypeTeleportCancel}))
	require.Eventually(t, func() bool {
		tp.mu.Lock()
		defer tp.mu.Unlock()
		return tp.cancels == 1
	}, time.Second, 10*time.Millisecond)
	tp.mu.Lock()
	assert.Equal(t, []string{"Sandbox"}, tp.targets)
	tp.mu.Unlock()
}

func TestHub_RejectsUnknownCircuit(t *testing.T) {
	hub, _, v, srv := setup(t)
	conn := dial(t, srv)
	require.NoError(t, conn.WriteJSON(HelloMsg{Type: TypeHello, AgentID: v.agent.String(), SessionID: uuid.NewString(), CircuitCode: v.code}))
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, websocket.ClosePolicyViolation, ce.Code)
	assert.False(t, hub.Connected(v.agent))
}

func TestHub_DropsWhenDisconnected(t *testing.T) {
	hub, _, v, _ := setup(t)
	hub.Alert(v.agent, "nobody listens")
	assert.False(t, hub.Connected(v.agent))
}
