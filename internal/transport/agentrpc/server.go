package agentrpc

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"opengrid.ai/internal/protocol"
)

// Host is the simulator behind the agent endpoint.
type Host interface {
	// QueryAccess decides whether the agent may enter regionID at the negotiated version.
	QueryAccess(ctx context.Context, regionID uuid.UUID, req *protocol.QueryAccessRequest, v protocol.Version) error
	CreateAgent(ctx context.Context, regionID uuid.UUID, acd *protocol.AgentCircuitData) (CreateReply, error)
	UpdateAgent(ctx context.Context, regionID uuid.UUID, data *protocol.AgentData) (bool, error)
	ReleaseAgent(ctx context.Context, agentID, regionID uuid.UUID) error
	CloseAgent(ctx context.Context, agentID, regionID, sessionID uuid.UUID) error
}

type CreateReply struct {
	CircuitCode uint32
	CapsID      string
}

// PathPrefix is where Server expects to be mounted.
const PathPrefix = "/agent/"

type Server struct {
	host   Host
	logger *zap.Logger
}

func NewServer(host Host, logger *zap.Logger) *Server {
	return &Server{host: host, logger: logger.With(zap.String("component", "agentrpc-server"))}
}

type route struct {
	agentID  uuid.UUID
	regionID uuid.UUID
	release  bool
}

func parseRoute(path string) (route, bool) {
	rest, ok := strings.CutPrefix(path, PathPrefix)
	if !ok {
		return route{}, false
	}
	parts := strings.Split(strings.TrimSuffix(rest, "/"), "/")
	if len(parts) < 2 || len(parts) > 3 {
		return route{}, false
	}
	var rt route
	var err error
	if rt.agentID, err = uuid.Parse(parts[0]); err != nil {
		return route{}, false
	}
	if rt.regionID, err = uuid.Parse(parts[1]); err != nil {
		return route{}, false
	}
	if len(parts) == 3 {
		if parts[2] != "release" {
			return route{}, false
		}
		rt.release = true
	}
	return rt, true
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rt, ok := parseRoute(r.URL.Path)
	if !ok {
		writeJSON(w, http.StatusNotFound, failureReply("unknown agent endpoint", protocol.ErrBadRequest))
		return
	}
	switch {
	case r.Method == protocol.MethodQueryAccess:
		s.handleQueryAccess(w, r, rt)
	case r.Method == http.MethodPost && !rt.release:
		s.handleCreate(w, r, rt)
	case r.Method == http.MethodPut && !rt.release:
		s.handleUpdate(w, r, rt)
	case r.Method == http.MethodDelete:
		s.handleDelete(w, r, rt)
	default:
		w.Header().Set("Allow", strings.Join([]string{protocol.MethodQueryAccess, http.MethodPost, http.MethodPut, http.MethodDelete}, ", "))
		writeJSON(w, http.StatusMethodNotAllowed, failureReply("method not allowed", protocol.ErrBadRequest))
	}
}

type failure struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason"`
	Code    string `json:"code,omitempty"`
}

func failureReply(reason, code string) failure {
	return failure{Success: false, Reason: reason, Code: code}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, kind protocol.Kind, v any) bool {
	raw, err := readBody(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, failureReply(err.Error(), protocol.ErrBadRequest))
		return false
	}
	if err := protocol.Validate(kind, raw); err != nil {
		s.logger.Warn("rejected agent payload", zap.String("kind", string(kind)), zap.Error(err))
		writeJSON(w, http.StatusBadRequest, failureReply(err.Error(), protocol.ErrBadRequest))
		return false
	}
	if err := json.Unmarshal(raw, v); err != nil {
		writeJSON(w, http.StatusBadRequest, failureReply(err.Error(), protocol.ErrBadRequest))
		return false
	}
	return true
}

func (s *Server) handleQueryAccess(w http.ResponseWriter, r *http.Request, rt route) {
	var req protocol.QueryAccessRequest
	if !s.decode(w, r, protocol.KindQueryAccess, &req) {
		return
	}
	if req.AgentID != rt.agentID.String() {
		writeJSON(w, http.StatusOK, failureReply("agent id does not match endpoint", protocol.ErrBadRequest))
		return
	}
	v, err := negotiateRequest(&req)
	if err != nil {
		writeJSON(w, http.StatusOK, failureReply(err.Error(), protocol.ErrVersion))
		return
	}
	if err := s.host.QueryAccess(r.Context(), rt.regionID, &req, v); err != nil {
		writeJSON(w, http.StatusOK, failureReply(err.Error(), codeFor(err)))
		return
	}
	writeJSON(w, http.StatusOK, protocol.QueryAccessResponse{
		Success:    true,
		Version:    v.Wire(),
		Negotiated: v.String(),
	})
}

func negotiateRequest(req *protocol.QueryAccessRequest) (protocol.Version, error) {
	mine, err := protocol.ParseWireVersion(req.MyVersion)
	if err != nil {
		return protocol.Version{}, err
	}
	lo, hi := mine, mine
	if req.SupportedMin != "" {
		if lo, err = protocol.ParseWireVersion(req.SupportedMin); err != nil {
			return protocol.Version{}, err
		}
	}
	if req.SupportedMax != "" {
		if hi, err = protocol.ParseWireVersion(req.SupportedMax); err != nil {
			return protocol.Version{}, err
		}
	}
	v, ok := protocol.Negotiate(lo, hi)
	if !ok {
		return protocol.Version{}, &protocol.DeniedError{Reason: "Incompatible simulation service versions"}
	}
	return v, nil
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request, rt route) {
	var acd protocol.AgentCircuitData
	if !s.decode(w, r, protocol.KindAgentCircuit, &acd) {
		return
	}
	if acd.AgentID != rt.agentID.String() {
		writeJSON(w, http.StatusOK, failureReply("agent id does not match endpoint", protocol.ErrBadRequest))
		return
	}
	reply, err := s.host.CreateAgent(r.Context(), rt.regionID, &acd)
	if err != nil {
		s.logger.Info("agent transfer refused",
			zap.Stringer("agent_id", rt.agentID), zap.Stringer("region_id", rt.regionID), zap.Error(err))
		writeJSON(w, http.StatusOK, failureReply(err.Error(), codeFor(err)))
		return
	}
	success, reason := true, protocol.ReasonAuthorized
	writeJSON(w, http.StatusOK, protocol.CreateAgentResponse{
		Success:     &success,
		Reason:      &reason,
		YourIP:      remoteIP(r),
		CircuitCode: reply.CircuitCode,
		CapsID:      reply.CapsID,
	})
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request, rt route) {
	var data protocol.AgentData
	if !s.decode(w, r, protocol.KindAgentData, &data) {
		return
	}
	if data.AgentID != rt.agentID.String() {
		writeJSON(w, http.StatusOK, false)
		return
	}
	ok, err := s.host.UpdateAgent(r.Context(), rt.regionID, &data)
	if err != nil {
		s.logger.Warn("agent update failed",
			zap.Stringer("agent_id", rt.agentID), zap.Stringer("region_id", rt.regionID), zap.Error(err))
		ok = false
	}
	writeJSON(w, http.StatusOK, ok)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, rt route) {
	var err error
	switch {
	case rt.release || r.URL.Query().Get("action") == "release":
		err = s.host.ReleaseAgent(r.Context(), rt.agentID, rt.regionID)
	default:
		session, perr := uuid.Parse(r.URL.Query().Get("auth"))
		if perr != nil {
			writeJSON(w, http.StatusOK, protocol.ReleaseResponse{Result: false, Reason: "missing auth token"})
			return
		}
		err = s.host.CloseAgent(r.Context(), rt.agentID, rt.regionID, session)
	}
	if err != nil {
		writeJSON(w, http.StatusOK, protocol.ReleaseResponse{Result: false, Reason: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, protocol.ReleaseResponse{Result: true})
}

func codeFor(err error) string {
	var (
		denied  *protocol.DeniedError
		notAuth *protocol.NotAuthorizedError
		perr    *protocol.ProtocolError
	)
	switch {
	case errors.As(err, &denied), errors.As(err, &notAuth):
		return protocol.ErrNotAuthorized
	case errors.As(err, &perr):
		return protocol.ErrBadRequest
	case errors.Is(err, ErrUnknownRegion):
		return protocol.ErrNoRegion
	case errors.Is(err, ErrUnknownAgent):
		return protocol.ErrNoAgent
	case errors.Is(err, ErrBusy):
		return protocol.ErrBusy
	default:
		return protocol.ErrInternal
	}
}

// Sentinel errors a Host may wrap so replies carry a precise code.
var (
	ErrUnknownRegion = errors.New("region not found")
	ErrUnknownAgent  = errors.New("agent not found")
	ErrBusy          = errors.New("agent is already in transit")
)

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", protocol.ContentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
