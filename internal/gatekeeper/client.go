package gatekeeper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"opengrid.ai/internal/config"
	"opengrid.ai/internal/grid"
)

// Error carries the message a gatekeeper replied with.
type Error struct {
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

type Client struct {
	httpClient *http.Client
	timeout    time.Duration
	logger     *zap.Logger
}

func NewClient(httpClient *http.Client, timeout time.Duration, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Client{
		httpClient: httpClient,
		timeout:    timeout,
		logger:     logger.With(zap.String("component", "gatekeeper-client")),
	}
}

// LinkRegion asks the gatekeeper at gatekeeperURI for the region called name.
// An empty name selects that grid's default region.
func (c *Client) LinkRegion(ctx context.Context, gatekeeperURI, name string) (LinkResult, error) {
	var out struct {
		Success bool   `json:"success"`
		Message string `json:"message,omitempty"`
		LinkResult
	}
	if err := c.call(ctx, gatekeeperURI, MethodLinkRegion, linkParams{RegionName: name}, &out); err != nil {
		return LinkResult{}, err
	}
	if !out.Success {
		msg := out.Message
		if msg == "" {
			msg = "Unable to link to region " + name
		}
		return LinkResult{}, &Error{Message: msg}
	}
	return out.LinkResult, nil
}

// GetRegion fetches the destination descriptor for a linked region.
func (c *Client) GetRegion(ctx context.Context, gatekeeperURI string, regionID uuid.UUID, v Visitor) (grid.Region, error) {
	var out struct {
		Success bool   `json:"success"`
		Message string `json:"message,omitempty"`
		regionInfo
	}
	params := getParams{RegionID: regionID.String(), AgentHomeURI: v.HomeURI}
	if v.AgentID != uuid.Nil {
		params.AgentID = v.AgentID.String()
	}
	if err := c.call(ctx, gatekeeperURI, MethodGetRegion, params, &out); err != nil {
		return grid.Region{}, err
	}
	if !out.Success {
		msg := out.Message
		if msg == "" {
			msg = "Region not found"
		}
		return grid.Region{}, &Error{Message: msg}
	}
	return out.region(config.NormalizeURI(gatekeeperURI)), nil
}

func (c *Client) call(ctx context.Context, gatekeeperURI, method string, params any, out any) error {
	p, err := json.Marshal(params)
	if err != nil {
		return err
	}
	body, err := json.Marshal(request{Method: method, Params: p})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	url := config.NormalizeURI(gatekeeperURI) + Path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("gatekeeper call failed", zap.String("method", method), zap.String("url", url), zap.Error(err))
		return &Error{Message: fmt.Sprintf("Unable to contact gatekeeper at %s", gatekeeperURI)}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return &Error{Message: fmt.Sprintf("gatekeeper %s: status %d", method, resp.StatusCode)}
	}
	var env response
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("gatekeeper %s: decode reply: %w", method, err)
	}
	if env.Error != "" {
		return &Error{Message: env.Error}
	}
	if len(env.Result) == 0 {
		return fmt.Errorf("gatekeeper %s: empty result", method)
	}
	return json.Unmarshal(env.Result, out)
}
