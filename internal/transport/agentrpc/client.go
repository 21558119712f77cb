// Package agentrpc speaks the simulator-to-simulator agent endpoint: version
// negotiation, agent transfer, full-state sync and release.
package agentrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"opengrid.ai/internal/config"
	"opengrid.ai/internal/grid"
	"opengrid.ai/internal/protocol"
)

const commsFailure = "Communications failure"

// Observer is told about encoding tiers that failed before a later one was tried.
type Observer interface {
	TierFailed(method, tier string)
}

type nopObserver struct{}

func (nopObserver) TierFailed(string, string) {}

type Client struct {
	httpClient *http.Client
	timeouts   config.TimeoutSpec
	observer   Observer
	logger     *zap.Logger
}

func NewClient(httpClient *http.Client, timeouts config.TimeoutSpec, observer Observer, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if observer == nil {
		observer = nopObserver{}
	}
	return &Client{
		httpClient: httpClient,
		timeouts:   timeouts.WithDefaults(),
		observer:   observer,
		logger:     logger.With(zap.String("component", "agentrpc-client")),
	}
}

// AgentURL is "<serverURI>agent/<agentID>/<regionID>/".
func AgentURL(serverURI string, agentID, regionID uuid.UUID) string {
	return config.NormalizeURI(serverURI) + "agent/" + agentID.String() + "/" + regionID.String() + "/"
}

// CapsURL is the seed capability URL a destination hands out for capsID.
func CapsURL(serverURI, capsID string) string {
	return config.NormalizeURI(serverURI) + "CAPS/" + capsID + "0000/"
}

type QueryRequest struct {
	AgentID        uuid.UUID
	Position       protocol.Vec3
	WearablesCount int
	AgentHomeURI   string
	Flags          protocol.TeleportFlags
}

// QueryAccess asks the destination whether the agent may enter and which
// protocol version to speak. The result never exceeds protocol.MaxVersion.
func (c *Client) QueryAccess(ctx context.Context, region grid.Region, q QueryRequest) (protocol.Version, error) {
	body, err := json.Marshal(protocol.QueryAccessRequest{
		AgentID:       q.AgentID.String(),
		RegionID:      region.ID.String(),
		Position:      q.Position,
		MyVersion:     protocol.MaxVersion.Wire(),
		SupportedMin:  protocol.MinVersion.Wire(),
		SupportedMax:  protocol.MaxVersion.Wire(),
		AcceptedMin:   protocol.MinVersion.Wire(),
		AcceptedMax:   protocol.MaxVersion.Wire(),
		Context:       protocol.AccessContext{WearablesCount: q.WearablesCount},
		AgentHomeURI:  q.AgentHomeURI,
		TeleportFlags: q.Flags,
	})
	if err != nil {
		return protocol.Version{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.QueryAccess())
	defer cancel()

	target := AgentURL(region.ServerURI, q.AgentID, region.ID)
	raw, status, err := c.do(ctx, protocol.MethodQueryAccess, target, protocol.ContentTypeJSON, "", body)
	if err != nil {
		return protocol.Version{}, &protocol.TransportError{Msg: commsFailure, Err: err}
	}
	if status != http.StatusOK {
		return protocol.Version{}, &protocol.TransportError{Msg: fmt.Sprintf("%s: status %d", commsFailure, status)}
	}
	var resp protocol.QueryAccessResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return protocol.Version{}, &protocol.ProtocolError{Msg: "query access reply: " + err.Error()}
	}
	if err := checkCode(resp.Code); err != nil {
		return protocol.Version{}, err
	}
	if !resp.Success {
		return protocol.Version{}, &protocol.DeniedError{Reason: resp.Reason}
	}
	var v protocol.Version
	if resp.Negotiated != "" {
		v, err = protocol.ParseVersion(resp.Negotiated)
	} else {
		v, err = protocol.ParseWireVersion(resp.Version)
	}
	if err != nil {
		return protocol.Version{}, err
	}
	return v.Cap(), nil
}

type CreateResult struct {
	CircuitCode uint32
	CapsURL     string
	YourIP      string
}

// CreateAgent transfers the agent's circuit data to the destination.
func (c *Client) CreateAgent(ctx context.Context, region grid.Region, acd *protocol.AgentCircuitData, negotiated protocol.Version) (CreateResult, error) {
	agentID, err := uuid.Parse(acd.AgentID)
	if err != nil {
		return CreateResult{}, fmt.Errorf("agent id: %w", err)
	}
	out := *acd
	out.Appearance = acd.Appearance.Capped(protocol.MaxWearables(negotiated))
	out.DestinationUUID = region.ID.String()
	out.DestinationName = region.Name
	out.DestinationX = region.LocX
	out.DestinationY = region.LocY
	out.DestinationServerURI = region.ServerURI
	body, err := json.Marshal(&out)
	if err != nil {
		return CreateResult{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.CreateAgent())
	defer cancel()

	raw, err := c.sendTiered(ctx, http.MethodPost, AgentURL(region.ServerURI, agentID, region.ID), body)
	if err != nil {
		return CreateResult{}, err
	}
	var resp protocol.CreateAgentResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return CreateResult{}, &protocol.ProtocolError{Msg: "create agent reply: " + err.Error()}
	}
	if err := checkCode(resp.Code); err != nil {
		return CreateResult{}, err
	}
	if resp.Success == nil && resp.Reason == nil {
		return CreateResult{}, &protocol.NotAuthorizedError{Reason: "destination sent an empty reply"}
	}
	reason := ""
	if resp.Reason != nil {
		reason = *resp.Reason
	}
	if resp.Success != nil && !*resp.Success {
		return CreateResult{}, &protocol.NotAuthorizedError{Reason: reason}
	}
	if resp.Reason != nil && reason != protocol.ReasonAuthorized {
		return CreateResult{}, &protocol.NotAuthorizedError{Reason: reason}
	}
	res := CreateResult{CircuitCode: resp.CircuitCode, YourIP: resp.YourIP}
	if res.CircuitCode == 0 {
		res.CircuitCode = acd.CircuitCode
	}
	capsID := resp.CapsID
	if capsID == "" {
		capsID = acd.CapsPath
	}
	if capsID != "" {
		res.CapsURL = CapsURL(region.ServerURI, capsID)
	}
	return res, nil
}

// UpdateAgent pushes the full agent state. A destination that cannot be
// reached on any tier yields (false, *TransportError).
func (c *Client) UpdateAgent(ctx context.Context, region grid.Region, data *protocol.AgentData, negotiated protocol.Version) (bool, error) {
	agentID, err := uuid.Parse(data.AgentID)
	if err != nil {
		return false, fmt.Errorf("agent id: %w", err)
	}
	out := *data
	out.RegionID = region.ID.String()
	out.Appearance = data.Appearance.Capped(protocol.MaxWearables(negotiated))
	body, err := json.Marshal(&out)
	if err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.UpdateAgent())
	defer cancel()

	raw, err := c.sendTiered(ctx, http.MethodPut, AgentURL(region.ServerURI, agentID, region.ID), body)
	if err != nil {
		return false, err
	}
	return parseBoolReply(raw)
}

// checkCode rejects replies whose code is outside the known set.
func checkCode(code string) error {
	if protocol.IsKnownCode(code) {
		return nil
	}
	return &protocol.ProtocolError{Msg: fmt.Sprintf("unknown reply code %q", truncate(code, 32))}
}

func parseBoolReply(raw []byte) (bool, error) {
	s := strings.TrimSpace(string(raw))
	switch {
	case strings.EqualFold(s, "true"):
		return true, nil
	case strings.EqualFold(s, "false"):
		return false, nil
	}
	var obj struct {
		Success *bool `json:"success"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Success != nil {
		return *obj.Success, nil
	}
	return false, &protocol.ProtocolError{Msg: fmt.Sprintf("unexpected update reply %q", truncate(s, 64))}
}

// ReleaseURL is the callback a destination uses to tell the origin it may drop the agent.
func ReleaseURL(originURI string, agentID, originRegionID uuid.UUID) string {
	return AgentURL(originURI, agentID, originRegionID) + "release"
}

// ReleaseAgent calls a release callback produced by ReleaseURL.
func (c *Client) ReleaseAgent(ctx context.Context, callbackURL string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Release())
	defer cancel()
	return c.sendDelete(ctx, callbackURL)
}

// CloseAgent tears down the agent's child presence in region.
func (c *Client) CloseAgent(ctx context.Context, region grid.Region, agentID, sessionID uuid.UUID) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Release())
	defer cancel()
	return c.sendDelete(ctx, AgentURL(region.ServerURI, agentID, region.ID)+"?auth="+url.QueryEscape(sessionID.String()))
}

func (c *Client) sendDelete(ctx context.Context, target string) error {
	raw, status, err := c.do(ctx, http.MethodDelete, target, "", "", nil)
	if err != nil {
		return &protocol.TransportError{Msg: commsFailure, Err: err}
	}
	if status != http.StatusOK {
		return &protocol.TransportError{Msg: fmt.Sprintf("%s: status %d", commsFailure, status)}
	}
	var resp protocol.ReleaseResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return &protocol.ProtocolError{Msg: "release reply: " + err.Error()}
	}
	if !resp.Result {
		reason := resp.Reason
		if reason == "" {
			reason = "release refused"
		}
		return fmt.Errorf("%s", reason)
	}
	return nil
}

// sendTiered posts body using each encoding tier in turn until one gets a reply.
func (c *Client) sendTiered(ctx context.Context, method, target string, body []byte) ([]byte, error) {
	zipped, err := gzipBytes(body)
	if err != nil {
		return nil, err
	}
	lastMsg := ""
	var lastErr error
	for i, t := range tiers {
		if err := ctx.Err(); err != nil {
			return nil, &protocol.TransportError{Msg: commsFailure, Err: err}
		}
		payload := body
		if t.compressed {
			payload = zipped
		}
		raw, status, err := c.do(ctx, method, target, t.contentType, t.contentEncoding, payload)
		if err == nil && status == http.StatusOK {
			return raw, nil
		}
		if err != nil {
			lastErr = err
			lastMsg = err.Error()
		} else {
			lastErr = nil
			lastMsg = strings.TrimSpace(truncate(string(raw), 256))
			if lastMsg == "" {
				lastMsg = fmt.Sprintf("status %d", status)
			}
		}
		c.logger.Debug("agent endpoint tier failed",
			zap.String("method", method), zap.String("tier", t.name), zap.String("url", target), zap.String("err", lastMsg))
		if i < len(tiers)-1 {
			c.observer.TierFailed(method, t.name)
		}
	}
	if lastMsg == "" {
		lastMsg = commsFailure
	}
	return nil, &protocol.TransportError{Msg: lastMsg, Err: lastErr}
}

func (c *Client) do(ctx context.Context, method, target, contentType, contentEncoding string, body []byte) ([]byte, int, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return nil, 0, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if contentEncoding != "" {
		req.Header.Set("Content-Encoding", contentEncoding)
	}
	req.Header.Set("Accept", protocol.ContentTypeJSON)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return raw, resp.StatusCode, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

