package ari

import (
	"context"
	"fmt"

	"github.com/go-resty/resty/v2"
)

// Client drives the Asterisk REST Interface over HTTP.
type Client struct {
	http *resty.Client
}

// NewClient creates a client for the ARI base URL (e.g.
// http://127.0.0.1:8088/ari) with basic auth credentials.
func NewClient(baseURL, username, password string) *Client {
	return &Client{
		http: resty.New().
			SetBaseURL(baseURL).
			SetBasicAuth(username, password),
	}
}

func apiError(op string, resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if resp.IsError() {
		return fmt.Errorf("%s: %s: %s", op, resp.Status(), resp.String())
	}
	return nil
}

// Answer answers the channel.
func (c *Client) Answer(ctx context.Context, channelID string) error {
	resp, err := c.http.R().SetContext(ctx).
		Post("/channels/" + channelID + "/answer")
	return apiError("answer channel "+channelID, resp, err)
}

// Hangup hangs the channel up. Hanging up a channel that is already gone
// returns an error from Asterisk; callers decide whether that matters.
func (c *Client) Hangup(ctx context.Context, channelID string) error {
	resp, err := c.http.R().SetContext(ctx).
		Delete("/channels/" + channelID)
	return apiError("hangup channel "+channelID, resp, err)
}

// CreateBridge creates a mixing bridge.
func (c *Client) CreateBridge(ctx context.Context) (*Bridge, error) {
	var bridge Bridge
	resp, err := c.http.R().SetContext(ctx).
		SetQueryParam("type", "mixing").
		SetResult(&bridge).
		Post("/bridges")
	if err := apiError("create bridge", resp, err); err != nil {
		return nil, err
	}
	return &bridge, nil
}

// AddChannel adds a channel to a bridge.
func (c *Client) AddChannel(ctx context.Context, bridgeID, channelID string) error {
	resp, err := c.http.R().SetContext(ctx).
		SetQueryParam("channel", channelID).
		Post("/bridges/" + bridgeID + "/addChannel")
	return apiError(fmt.Sprintf("add channel %s to bridge %s", channelID, bridgeID), resp, err)
}

// DestroyBridge shuts a bridge down.
func (c *Client) DestroyBridge(ctx context.Context, bridgeID string) error {
	resp, err := c.http.R().SetContext(ctx).
		Delete("/bridges/" + bridgeID)
	return apiError("destroy bridge "+bridgeID, resp, err)
}

// ExternalMedia creates an external media channel streaming to req.ExternalHost.
func (c *Client) ExternalMedia(ctx context.Context, req ExternalMediaRequest) (*Channel, error) {
	var ch Channel
	resp, err := c.http.R().SetContext(ctx).
		SetQueryParams(map[string]string{
			"app":           req.App,
			"external_host": req.ExternalHost,
			"format":        req.Format,
			"transport":     req.Transport,
			"encapsulation": req.Encapsulation,
			"data":          req.Data,
		}).
		SetResult(&ch).
		Post("/channels/externalMedia")
	if err := apiError("create external media channel", resp, err); err != nil {
		return nil, err
	}
	return &ch, nil
}

// Originate creates an outbound channel. The channel enters the Stasis app
// on answer; progress arrives via ChannelStateChange events.
func (c *Client) Originate(ctx context.Context, req OriginateRequest) (*Channel, error) {
	var ch Channel
	params := map[string]string{
		"endpoint": req.Endpoint,
		"app":      req.App,
		"formats":  req.Formats,
		"callerId": req.CallerID,
	}
	if req.ChannelID != "" {
		params["channelId"] = req.ChannelID
	}
	r := c.http.R().SetContext(ctx).
		SetQueryParams(params).
		SetResult(&ch)
	if len(req.Variables) > 0 {
		r.SetBody(map[string]any{"variables": req.Variables})
	}
	resp, err := r.Post("/channels")
	if err := apiError("originate "+req.Endpoint, resp, err); err != nil {
		return nil, err
	}
	return &ch, nil
}

// GetVariable reads a channel variable. An unset variable (404 from
// Asterisk) comes back as an empty string, not an error.
func (c *Client) GetVariable(ctx context.Context, channelID, name string) (string, error) {
	var result struct {
		Value string `json:"value"`
	}
	resp, err := c.http.R().SetContext(ctx).
		SetQueryParam("variable", name).
		SetResult(&result).
		Get("/channels/" + channelID + "/variable")
	if err != nil {
		return "", fmt.Errorf("get variable %s on channel %s: %w", name, channelID, err)
	}
	if resp.StatusCode() == 404 {
		return "", nil
	}
	if resp.IsError() {
		return "", fmt.Errorf("get variable %s on channel %s: %s", name, channelID, resp.Status())
	}
	return result.Value, nil
}

// Channels lists all active channels.
func (c *Client) Channels(ctx context.Context) ([]Channel, error) {
	var channels []Channel
	resp, err := c.http.R().SetContext(ctx).
		SetResult(&channels).
		Get("/channels")
	if err := apiError("list channels", resp, err); err != nil {
		return nil, err
	}
	return channels, nil
}

// Bridges lists all bridges.
func (c *Client) Bridges(ctx context.Context) ([]Bridge, error) {
	var bridges []Bridge
	resp, err := c.http.R().SetContext(ctx).
		SetResult(&bridges).
		Get("/bridges")
	if err := apiError("list bridges", resp, err); err != nil {
		return nil, err
	}
	return bridges, nil
}
