package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/rallie-app/rallie/internal/court"
	"github.com/rallie-app/rallie/internal/dispatch"
	"github.com/rallie-app/rallie/internal/homography"
	"github.com/rallie-app/rallie/internal/httputil"
	"github.com/rallie-app/rallie/internal/protocol"
)

// Client talks to a running server.
type Client struct {
	json *httputil.JSONClient
}

// NewClient returns a client for the server at baseURL. A nil hc uses
// http.DefaultClient.
func NewClient(baseURL string, hc httputil.HTTPClient) *Client {
	return &Client{json: httputil.NewJSONClient(baseURL, hc)}
}

// SetCalibration installs a calibration. A rejected calibration comes back
// as a *httputil.StatusError with Retry set.
func (c *Client) SetCalibration(ctx context.Context, req CalibrationRequest) (*homography.Calibration, error) {
	var out homography.Calibration
	if err := c.json.Do(ctx, http.MethodPost, "/api/calibration", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Calibration fetches the calibration in force.
func (c *Client) Calibration(ctx context.Context) (*homography.Calibration, error) {
	var out homography.Calibration
	if err := c.json.Do(ctx, http.MethodGet, "/api/calibration", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PostCourtPosition dispatches a court position.
func (c *Client) PostCourtPosition(ctx context.Context, p court.Point) (*dispatch.Record, error) {
	return c.postPosition(ctx, PositionRequest{Court: &p})
}

// PostImagePosition dispatches a screen position.
func (c *Client) PostImagePosition(ctx context.Context, p court.ImagePoint) (*dispatch.Record, error) {
	return c.postPosition(ctx, PositionRequest{Image: &p})
}

func (c *Client) postPosition(ctx context.Context, req PositionRequest) (*dispatch.Record, error) {
	var out dispatch.Record
	if err := c.json.Do(ctx, http.MethodPost, "/api/position", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SendCommand sends a launcher command, clamped by the server.
func (c *Client) SendCommand(ctx context.Context, cmd protocol.Command) (*CommandResponse, error) {
	var out CommandResponse
	if err := c.json.Do(ctx, http.MethodPost, "/api/command", CommandRequest{Command: &cmd}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SendText sends a text command such as "LEFT".
func (c *Client) SendText(ctx context.Context, text string) error {
	if text == "" {
		return fmt.Errorf("empty text command")
	}
	return c.json.Do(ctx, http.MethodPost, "/api/command", CommandRequest{Text: text}, nil)
}

// Status fetches the server status.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var out StatusResponse
	if err := c.json.Do(ctx, http.MethodGet, "/api/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Zones fetches the grid and zone table.
func (c *Client) Zones(ctx context.Context) (*ZonesResponse, error) {
	var out ZonesResponse
	if err := c.json.Do(ctx, http.MethodGet, "/api/zones", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ReloadLink points the server at a different serial device.
func (c *Client) ReloadLink(ctx context.Context, req LinkReloadRequest) (*LinkReloadResult, error) {
	var out LinkReloadResult
	if err := c.json.Do(ctx, http.MethodPost, "/api/serial", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Dispatches fetches up to limit recent dispatches, newest first. A limit
// of zero uses the server default.
func (c *Client) Dispatches(ctx context.Context, limit int) ([]dispatch.Record, error) {
	path := "/api/dispatches"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out []dispatch.Record
	if err := c.json.Do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}
