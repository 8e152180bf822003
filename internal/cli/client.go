package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/me/clusterui/pkg/model"
)

// Client is an HTTP client for the cui daemon API.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// NewClient creates a daemon API client.
func NewClient(baseURL string, logger *slog.Logger) *Client {
	return &Client{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		Logger:     logger,
	}
}

// apiResponse is the parsed envelope.
type apiResponse struct {
	Status    string          `json:"status"`
	RequestID string          `json:"request_id"`
	Data      json.RawMessage `json:"data"`
	Error     *model.APIError `json:"error"`
}

// do performs an HTTP request and returns the parsed envelope. An error
// envelope is returned as its *model.APIError.
func (c *Client) do(ctx context.Context, method, path string, body any) (*apiResponse, error) {
	u := c.BaseURL + path

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
		c.Logger.Debug("HTTP request body", "body", string(data))
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.Logger.Debug("HTTP request", "method", method, "url", u)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed (is `cui daemon` running at %s?): %w", c.BaseURL, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	c.Logger.Debug("HTTP response", "status", resp.StatusCode, "body", string(respBody))

	var apiResp apiResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("parse response (status %d): %w\nbody: %s", resp.StatusCode, err, string(respBody))
	}

	if apiResp.Status == "error" && apiResp.Error != nil {
		return &apiResp, apiResp.Error
	}
	return &apiResp, nil
}

func (c *Client) decode(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

// ListSessions returns the sessions tracked by the daemon.
func (c *Client) ListSessions(ctx context.Context) ([]*model.SessionDescriptor, error) {
	var out []*model.SessionDescriptor
	err := c.decode(ctx, http.MethodGet, "/api/v1/sessions/", nil, &out)
	return out, err
}

// GetSession fetches one session by local id or request id.
func (c *Client) GetSession(ctx context.Context, id string) (*model.SessionDescriptor, error) {
	var out model.SessionDescriptor
	if err := c.decode(ctx, http.MethodGet, "/api/v1/sessions/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateSession asks the daemon to submit a new detached session.
func (c *Client) CreateSession(ctx context.Context, req model.CreateSessionRequest) (*model.SessionDescriptor, error) {
	var out model.SessionDescriptor
	if err := c.decode(ctx, http.MethodPost, "/api/v1/sessions/", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelSession forces a session to Closing.
func (c *Client) CancelSession(ctx context.Context, id string) (*model.SessionDescriptor, error) {
	var out model.SessionDescriptor
	if err := c.decode(ctx, http.MethodPut, "/api/v1/sessions/"+url.PathEscape(id)+"/cancel", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
