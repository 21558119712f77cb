package gatekeeper

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"opengrid.ai/internal/grid"
)

// Handler answers gatekeeper calls from this grid's directory.
type Handler struct {
	dir    grid.Directory
	scope  uuid.UUID
	logger *zap.Logger
}

func NewHandler(dir grid.Directory, scope uuid.UUID, logger *zap.Logger) *Handler {
	return &Handler{dir: dir, scope: scope, logger: logger.With(zap.String("component", "gatekeeper"))}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeReply(w, response{Error: "bad request"})
		return
	}
	var (
		result any
		err    error
	)
	switch req.Method {
	case MethodLinkRegion:
		result, err = h.linkRegion(r, req.Params)
	case MethodGetRegion:
		result, err = h.getRegion(r, req.Params)
	default:
		writeReply(w, response{Error: "unknown method: " + req.Method})
		return
	}
	if err != nil {
		h.logger.Warn("gatekeeper call failed", zap.String("method", req.Method), zap.Error(err))
		writeReply(w, response{Error: "internal error"})
		return
	}
	raw, _ := json.Marshal(result)
	writeReply(w, response{Result: raw})
}

type failure struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func (h *Handler) linkRegion(r *http.Request, params json.RawMessage) (any, error) {
	var p linkParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return failure{Message: "bad params"}, nil
		}
	}
	name := strings.TrimSpace(p.RegionName)
	var (
		reg grid.Region
		ok  bool
	)
	if name == "" {
		defs, err := h.dir.DefaultRegions(r.Context(), h.scope)
		if err != nil {
			return nil, err
		}
		if len(defs) > 0 {
			reg, ok = defs[0], true
		}
	} else {
		var err error
		reg, ok, err = h.dir.RegionByName(r.Context(), h.scope, name)
		if err != nil {
			return nil, err
		}
	}
	if !ok {
		return failure{Message: "Region not found"}, nil
	}
	return struct {
		Success bool `json:"success"`
		LinkResult
	}{true, LinkResult{RegionID: reg.ID, Handle: reg.Handle(), ExternalName: reg.Name}}, nil
}

func (h *Handler) getRegion(r *http.Request, params json.RawMessage) (any, error) {
	var p getParams
	if err := json.Unmarshal(params, &p); err != nil {
		return failure{Message: "bad params"}, nil
	}
	id, err := uuid.Parse(p.RegionID)
	if err != nil {
		return failure{Message: "bad region id"}, nil
	}
	reg, ok, err := h.dir.RegionByID(r.Context(), h.scope, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return failure{Message: "Region not found"}, nil
	}
	h.logger.Debug("region handed out",
		zap.String("region", reg.Name), zap.String("agent_id", p.AgentID), zap.String("agent_home_uri", p.AgentHomeURI))
	return struct {
		Success bool `json:"success"`
		regionInfo
	}{true, infoFromRegion(reg)}, nil
}

func writeReply(w http.ResponseWriter, resp response) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
