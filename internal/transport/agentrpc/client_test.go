package agentrpc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"opengrid.ai/internal/config"
	"opengrid.ai/internal/grid"
	"opengrid.ai/internal/protocol"
)

type countingObserver struct {
	mu    sync.Mutex
	tiers []string
}

func (o *countingObserver) TierFailed(method, tier string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.tiers = append(o.tiers, method+":"+tier)
}

func newTestClient(obs Observer) *Client {
	return NewClient(nil, config.TimeoutSpec{}, obs, zap.NewNop())
}

func regionAt(serverURL string) grid.Region {
	return grid.Region{
		ID:        uuid.MustParse("22222222-2222-2222-2222-222222222222"),
		Name:      "Sandbox",
		LocX:      1001 * 256,
		LocY:      1000 * 256,
		SizeX:     256,
		SizeY:     256,
		ServerURI: serverURL + "/",
	}
}

func tierOf(r *http.Request) int {
	switch {
	case r.Header.Get("Content-Encoding") == "gzip":
		return 0
	case r.Header.Get("Content-Type") == protocol.ContentTypeGzip:
		return 1
	default:
		return 2
	}
}

func sampleCircuit(agentID uuid.UUID) *protocol.AgentCircuitData {
	wearables := make([][]protocol.WearableItem, 16)
	for i := range wearables {
		wearables[i] = []protocol.WearableItem{{ItemID: uuid.NewString(), AssetID: uuid.NewString()}}
	}
	return &protocol.AgentCircuitData{
		AgentID:   agentID.String(),
		FirstName: "Ada",
		LastName:  "Resident",
		Credentials: protocol.Credentials{
			SessionID:       uuid.NewString(),
			SecureSessionID: uuid.NewString(),
		},
		CircuitCode:   4242,
		CapsPath:      "seed-caps",
		Appearance:    &protocol.Appearance{Serial: 3, Height: 1.8, Wearables: wearables},
		StartPos:      protocol.Vec3{X: 128, Y: 128, Z: 25},
		TeleportFlags: protocol.TeleportViaLocation,
		ServiceURLs:   map[string]string{"AssetServerURI": "http://assets.example.org/"},
	}
}

func TestSendTiered_FallsBackInOrder(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		failing := rapid.IntRange(0, len(tiers)).Draw(rt, "failing")
		var mu sync.Mutex
		seen := []int{}
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tier := tierOf(r)
			mu.Lock()
			seen = append(seen, tier)
			mu.Unlock()
			body, err := readBody(r)
			if err != nil || string(body) != `{"hello":"world"}` {
				http.Error(w, "bad body", http.StatusBadRequest)
				return
			}
			if tier < failing {
				http.Error(w, "tier rejected", http.StatusUnsupportedMediaType)
				return
			}
			_, _ = io.WriteString(w, "true")
		}))
		defer srv.Close()

		obs := &countingObserver{}
		c := newTestClient(obs)
		raw, err := c.sendTiered(context.Background(), http.MethodPut, srv.URL+"/agent/x/y/", []byte(`{"hello":"world"}`))

		want := []int{}
		for i := 0; i <= failing && i < len(tiers); i++ {
			want = append(want, i)
		}
		if len(seen) != len(want) {
			rt.Fatalf("tiers tried %v, want %v", seen, want)
		}
		for i := range want {
			if seen[i] != want[i] {
				rt.Fatalf("tiers tried %v, want %v", seen, want)
			}
		}
		if failing == len(tiers) {
			var te *protocol.TransportError
			if !errors.As(err, &te) {
				rt.Fatalf("expected TransportError, got %v", err)
			}
			if te.Msg != "tier rejected" {
				rt.Fatalf("expected last tier message, got %q", te.Msg)
			}
			if len(obs.tiers) != len(tiers)-1 {
				rt.Fatalf("observer saw %v", obs.tiers)
			}
			return
		}
		if err != nil || string(raw) != "true" {
			rt.Fatalf("unexpected result %q, %v", raw, err)
		}
		if len(obs.tiers) != failing {
			rt.Fatalf("observer saw %v, want %d failures", obs.tiers, failing)
		}
	})
}

func TestSendTiered_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	ok, err := newTestClient(nil).UpdateAgent(context.Background(), regionAt(url), &protocol.AgentData{AgentID: uuid.NewString()}, protocol.MaxVersion)
	assert.False(t, ok)
	var te *protocol.TransportError
	require.True(t, errors.As(err, &te))
	assert.NotEmpty(t, te.Msg)
}

func queryServer(t *testing.T, reply string) (*httptest.Server, *protocol.QueryAccessRequest) {
	t.Helper()
	got := &protocol.QueryAccessRequest{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != protocol.MethodQueryAccess {
			http.Error(w, "wrong method", http.StatusMethodNotAllowed)
			return
		}
		body, _ := readBody(r)
		_ = json.Unmarshal(body, got)
		_, _ = io.WriteString(w, reply)
	}))
	t.Cleanup(srv.Close)
	return srv, got
}

func TestQueryAccess(t *testing.T) {
	agent := uuid.New()
	cases := []struct {
		name  string
		reply string
		want  protocol.Version
		check func(t *testing.T, err error)
	}{
		{name: "explicit negotiated wins", reply: `{"success":true,"version":"SIMULATION/0.3","negotiated_outbound_version":"0.5"}`, want: protocol.Version{Major: 0, Minor: 5}},
		{name: "version string", reply: `{"success":true,"version":"SIMULATION/0.4"}`, want: protocol.Version{Major: 0, Minor: 4}},
		{name: "capped to max", reply: `{"success":true,"version":"SIMULATION/0.9"}`, want: protocol.MaxVersion},
		{name: "wrong prefix", reply: `{"success":true,"version":"GRID/0.4"}`, check: func(t *testing.T, err error) {
			var pe *protocol.ProtocolError
			assert.True(t, errors.As(err, &pe), "got %v", err)
		}},
		{name: "unknown code", reply: `{"success":false,"reason":"Region is full","code":"E_SOMETHING_NEW"}`, check: func(t *testing.T, err error) {
			var pe *protocol.ProtocolError
			assert.True(t, errors.As(err, &pe), "got %v", err)
		}},
		{name: "denied verbatim", reply: `{"success":false,"reason":"Region is full"}`, check: func(t *testing.T, err error) {
			var de *protocol.DeniedError
			require.True(t, errors.As(err, &de), "got %v", err)
			assert.Equal(t, "Region is full", de.Reason)
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv, got := queryServer(t, tc.reply)
			v, err := newTestClient(nil).QueryAccess(context.Background(), regionAt(srv.URL), QueryRequest{
				AgentID:        agent,
				Position:       protocol.Vec3{X: 1, Y: 2, Z: 3},
				WearablesCount: 16,
				AgentHomeURI:   "http://home.example.org/",
			})
			if tc.check != nil {
				tc.check(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, v)
			assert.Equal(t, "SIMULATION/0.6", got.MyVersion)
			assert.Equal(t, agent.String(), got.AgentID)
			assert.Equal(t, 16, got.Context.WearablesCount)
			assert.Equal(t, "http://home.example.org/", got.AgentHomeURI)
		})
	}
}

func createServer(t *testing.T, reply string) (*httptest.Server, *protocol.AgentCircuitData) {
	t.Helper()
	got := &protocol.AgentCircuitData{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := readBody(r)
		_ = json.Unmarshal(body, got)
		_, _ = io.WriteString(w, reply)
	}))
	t.Cleanup(srv.Close)
	return srv, got
}

func TestCreateAgent_ReplyInterpretation(t *testing.T) {
	agent := uuid.New()
	srv, got := createServer(t, `{"success":true,"reason":"authorized","circuit_code":77,"caps_id":"abc"}`)
	res, err := newTestClient(nil).CreateAgent(context.Background(), regionAt(srv.URL), sampleCircuit(agent), protocol.Version{Major: 0, Minor: 3})
	require.NoError(t, err)
	assert.Equal(t, uint32(77), res.CircuitCode)
	assert.Equal(t, srv.URL+"/CAPS/abc0000/", res.CapsURL)
	require.NotNil(t, got.Appearance)
	assert.Len(t, got.Appearance.Wearables, 15, "wearables capped below minor 4")
	assert.Equal(t, "Sandbox", got.DestinationName)
	assert.Equal(t, uint32(1001*256), got.DestinationX)

	for _, reply := range []string{
		`{"success":false,"reason":"banned"}`,
		`{"success":true,"reason":"maybe"}`,
		`{}`,
	} {
		srv, _ := createServer(t, reply)
		_, err := newTestClient(nil).CreateAgent(context.Background(), regionAt(srv.URL), sampleCircuit(agent), protocol.MaxVersion)
		var na *protocol.NotAuthorizedError
		assert.True(t, errors.As(err, &na), "reply %s: got %v", reply, err)
	}

	srv, _ = createServer(t, `{"success":false,"reason":"banned","code":"E_SOMETHING_NEW"}`)
	_, err = newTestClient(nil).CreateAgent(context.Background(), regionAt(srv.URL), sampleCircuit(agent), protocol.MaxVersion)
	var pe *protocol.ProtocolError
	assert.True(t, errors.As(err, &pe), "got %v", err)
}

func TestUpdateAgent_BodyInterpretation(t *testing.T) {
	cases := []struct {
		reply string
		want  bool
		proto bool
	}{
		{"true", true, false},
		{"TRUE\n", true, false},
		{"False", false, false},
		{`{"success":true}`, true, false},
		{"<html>oops</html>", false, true},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, tc.reply)
		}))
		ok, err := newTestClient(nil).UpdateAgent(context.Background(), regionAt(srv.URL), &protocol.AgentData{AgentID: uuid.NewString()}, protocol.MaxVersion)
		srv.Close()
		if tc.proto {
			var pe *protocol.ProtocolError
			assert.True(t, errors.As(err, &pe), "reply %q: got %v", tc.reply, err)
			continue
		}
		require.NoError(t, err, tc.reply)
		assert.Equal(t, tc.want, ok, tc.reply)
	}
}

func TestReleaseAndCloseAgent_Paths(t *testing.T) {
	agent, region, session := uuid.New(), uuid.New(), uuid.New()
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.Method+" "+r.URL.RequestURI())
		if strings.HasSuffix(r.URL.Path, "/release") {
			_, _ = io.WriteString(w, `{"RESULT":true}`)
			return
		}
		_, _ = io.WriteString(w, `{"RESULT":false,"reason":"no such agent"}`)
	}))
	defer srv.Close()
	c := newTestClient(nil)

	require.NoError(t, c.ReleaseAgent(context.Background(), ReleaseURL(srv.URL, agent, region)))
	err := c.CloseAgent(context.Background(), grid.Region{ID: region, ServerURI: srv.URL}, agent, session)
	require.EqualError(t, err, "no such agent")

	assert.Equal(t, []string{
		"DELETE /agent/" + agent.String() + "/" + region.String() + "/release",
		"DELETE /agent/" + agent.String() + "/" + region.String() + "/?auth=" + session.String(),
	}, paths)
}
