package main

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"opengrid.ai/internal/gatekeeper"
	"opengrid.ai/internal/handoff"
	"opengrid.ai/internal/protocol"
	"opengrid.ai/internal/transport/agentrpc"
)

const adminTimeout = 60 * time.Second

func buildMux(rt *runtime, enableAdmin, enablePprof bool) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(rt.registry, promhttp.HandlerOpts{}))
	mux.Handle(agentrpc.PathPrefix, agentrpc.NewServer(rt.arrivals, rt.logger))
	mux.HandleFunc("/viewer", rt.hub.Handler())
	if rt.gk != nil {
		mux.Handle("/"+gatekeeper.Path, rt.gk)
	}

	if enableAdmin {
		a := &admin{rt: rt}
		mux.HandleFunc("/admin/v1/regions/state", a.loopback(a.regionsState))
		mux.HandleFunc("/admin/v1/handoffs", a.loopback(a.recentHandoffs))
		mux.HandleFunc("/admin/v1/login", a.loopback(a.login))
		mux.HandleFunc("/admin/v1/agents/", a.loopback(a.agentAction))
	}
	if enablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	return mux
}

// admin serves local-only operator endpoints.
type admin struct {
	rt *runtime
}

func (a *admin) loopback(h http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		h(rw, r)
	}
}

type agentView struct {
	AgentID     string        `json:"agent_id"`
	Name        string        `json:"name"`
	Child       bool          `json:"child"`
	Pending     bool          `json:"pending,omitempty"`
	CircuitCode uint32        `json:"circuit_code"`
	Position    protocol.Vec3 `json:"position"`
	ArrivedAt   time.Time     `json:"arrived_at"`
	Handoff     string        `json:"handoff,omitempty"`
}

type regionView struct {
	RegionID string      `json:"region_id"`
	Name     string      `json:"name"`
	LocX     uint32      `json:"loc_x"`
	LocY     uint32      `json:"loc_y"`
	Agents   []agentView `json:"agents"`
}

func (a *admin) regionsState(rw http.ResponseWriter, r *http.Request) {
	out := []regionView{}
	for _, sc := range a.rt.scenes.Scenes() {
		reg := sc.Region()
		rv := regionView{
			RegionID: reg.ID.String(),
			Name:     reg.Name,
			LocX:     reg.LocX,
			LocY:     reg.LocY,
			Agents:   []agentView{},
		}
		for _, ag := range sc.Agents() {
			av := agentView{
				AgentID:     ag.ID.String(),
				Name:        strings.TrimSpace(ag.FirstName + " " + ag.LastName),
				Child:       ag.Child,
				Pending:     ag.Pending,
				CircuitCode: ag.CircuitCode,
				Position:    ag.Position,
				ArrivedAt:   ag.ArrivedAt,
			}
			if att, ok := a.rt.svc.Registry().Active(ag.ID); ok {
				av.Handoff = string(att.Kind) + ":" + att.State().String()
			}
			rv.Agents = append(rv.Agents, av)
		}
		out = append(out, rv)
	}
	writeJSON(rw, http.StatusOK, map[string]any{"regions": out, "in_flight": a.rt.svc.Registry().Len()})
}

func (a *admin) recentHandoffs(rw http.ResponseWriter, r *http.Request) {
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			http.Error(rw, "bad limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	writeJSON(rw, http.StatusOK, map[string]any{"handoffs": a.rt.audit.Recent(limit)})
}

type loginBody struct {
	AgentID         string `json:"agent_id"`
	FirstName       string `json:"first_name"`
	LastName        string `json:"last_name"`
	SessionID       string `json:"session_id"`
	SecureSessionID string `json:"secure_session_id"`
	Start           string `json:"start"`
	HomeURI         string `json:"home_uri,omitempty"`
	ClientIP        string `json:"client_ip,omitempty"`
	Viewer          string `json:"viewer,omitempty"`
	Channel         string `json:"channel,omitempty"`
}

func (a *admin) login(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var body loginBody
	if err := json.NewDecoder(http.MaxBytesReader(rw, r.Body, 1<<20)).Decode(&body); err != nil {
		http.Error(rw, "bad request", http.StatusBadRequest)
		return
	}
	agentID, err := uuid.Parse(body.AgentID)
	if err != nil {
		http.Error(rw, "bad agent_id", http.StatusBadRequest)
		return
	}
	if _, err := uuid.Parse(body.SessionID); err != nil {
		http.Error(rw, "bad session_id", http.StatusBadRequest)
		return
	}
	if body.SecureSessionID == "" {
		body.SecureSessionID = uuid.NewString()
	}
	if body.Start == "" {
		body.Start = "last"
	}

	ctx, cancel := context.WithTimeout(r.Context(), adminTimeout)
	defer cancel()
	res, err := a.rt.svc.Login(ctx, handoff.LoginRequest{
		AgentID:     agentID,
		FirstName:   body.FirstName,
		LastName:    body.LastName,
		Credentials: protocol.Credentials{SessionID: body.SessionID, SecureSessionID: body.SecureSessionID},
		ScopeID:     a.rt.scope,
		Start:       body.Start,
		HomeURI:     body.HomeURI,
		ClientIP:    body.ClientIP,
		Viewer:      body.Viewer,
		Channel:     body.Channel,
	})
	if err != nil {
		a.fail(rw, agentID, "login", err)
		return
	}
	writeJSON(rw, http.StatusOK, resultBody(agentID, res))
}

// agentAction serves /admin/v1/agents/{id}/{teleport,cancel,logout}.
func (a *admin) agentAction(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/admin/v1/agents/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 2 {
		http.NotFound(rw, r)
		return
	}
	agentID, err := uuid.Parse(parts[0])
	if err != nil {
		http.Error(rw, "bad agent id", http.StatusBadRequest)
		return
	}
	switch parts[1] {
	case "teleport":
		a.teleport(rw, r, agentID)
	case "cancel":
		cancelled := a.rt.svc.Cancel(agentID)
		writeJSON(rw, http.StatusOK, map[string]any{"ok": cancelled, "agent_id": agentID.String()})
	case "logout":
		ctx, cancel := context.WithTimeout(r.Context(), adminTimeout)
		defer cancel()
		if err := a.rt.svc.Logout(ctx, agentID); err != nil {
			a.fail(rw, agentID, "logout", err)
			return
		}
		writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "agent_id": agentID.String()})
	default:
		http.NotFound(rw, r)
	}
}

func (a *admin) teleport(rw http.ResponseWriter, r *http.Request, agentID uuid.UUID) {
	q := r.URL.Query()
	req := handoff.TeleportRequest{
		AgentID:       agentID,
		Target:        strings.TrimSpace(q.Get("target")),
		GatekeeperURI: strings.TrimSpace(q.Get("gatekeeper")),
		Flags:         protocol.TeleportViaLocation,
	}
	if s := q.Get("region_id"); s != "" {
		id, err := uuid.Parse(s)
		if err != nil {
			http.Error(rw, "bad region_id", http.StatusBadRequest)
			return
		}
		req.RegionID = id
		req.Flags |= protocol.TeleportViaRegionID
	}
	if q.Get("set_home") == "1" {
		req.Flags |= protocol.TeleportSetHomeToTarget
	}
	if pos, ok, err := vecParam(q.Get("pos")); err != nil {
		http.Error(rw, "bad pos", http.StatusBadRequest)
		return
	} else if ok {
		req.Position = pos
	}

	if q.Get("async") == "1" {
		if !a.rt.svc.Start(context.Background(), req) {
			a.fail(rw, agentID, "teleport", handoff.ErrInProgress)
			return
		}
		writeJSON(rw, http.StatusAccepted, map[string]any{"ok": true, "agent_id": agentID.String()})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), adminTimeout)
	defer cancel()
	res, err := a.rt.svc.Teleport(ctx, req)
	if err != nil {
		a.fail(rw, agentID, "teleport", err)
		return
	}
	writeJSON(rw, http.StatusOK, resultBody(agentID, res))
}

func (a *admin) fail(rw http.ResponseWriter, agentID uuid.UUID, op string, err error) {
	status := http.StatusBadRequest
	reason := err.Error()
	var tf *protocol.TeleportFailed
	switch {
	case errors.Is(err, handoff.ErrInProgress):
		status = http.StatusConflict
	case errors.As(err, &tf):
		reason = tf.Reason
	}
	a.rt.logger.Info("admin "+op+" failed", zap.String("agent_id", agentID.String()), zap.Error(err))
	writeJSON(rw, status, map[string]any{"ok": false, "agent_id": agentID.String(), "error": reason})
}

func resultBody(agentID uuid.UUID, res handoff.Result) map[string]any {
	return map[string]any{
		"ok":           true,
		"agent_id":     agentID.String(),
		"region":       res.Destination.Region.Name,
		"region_id":    res.Destination.Region.ID.String(),
		"position":     res.Destination.Position,
		"circuit_code": res.CircuitCode,
		"caps_url":     res.CapsURL,
		"version":      res.Version.String(),
		"local":        res.Local,
	}
}

// vecParam parses "x,y,z".
func vecParam(s string) (protocol.Vec3, bool, error) {
	if strings.TrimSpace(s) == "" {
		return protocol.Vec3{}, false, nil
	}
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return protocol.Vec3{}, false, errors.New("want x,y,z")
	}
	var v [3]float32
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return protocol.Vec3{}, false, err
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return protocol.Vec3{}, false, errors.New("coordinates must be finite")
		}
		v[i] = float32(f)
	}
	return protocol.Vec3{X: v[0], Y: v[1], Z: v[2]}, true, nil
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}
