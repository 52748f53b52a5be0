package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/paddock-io/paddock/pkg/api"
	"github.com/paddock-io/paddock/pkg/instance"
	"github.com/paddock-io/paddock/pkg/types"
)

// Client wraps the Paddock HTTP API for easy CLI usage
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the API at baseURL
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// apiError mirrors the server's error envelope
type apiError struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"requestId"`
	} `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var envelope apiError
		if json.Unmarshal(data, &envelope) == nil && envelope.Error.Code != "" {
			return fmt.Errorf("%s: %s", envelope.Error.Code, envelope.Error.Message)
		}
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("invalid response body: %w", err)
		}
	}
	return nil
}

// CreateInstance provisions a new instance
func (c *Client) CreateInstance(ctx context.Context, req instance.CreateRequest) (*instance.CreateResponse, error) {
	var resp instance.CreateResponse
	if err := c.do(ctx, "POST", "/v1/instances", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetInstance fetches one instance record by ID
func (c *Client) GetInstance(ctx context.Context, instanceID string) (*types.Instance, error) {
	var inst types.Instance
	if err := c.do(ctx, "GET", "/v1/instances/"+url.PathEscape(instanceID), nil, &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

// ListInstances lists instances; source may be local, upstream or all
func (c *Client) ListInstances(ctx context.Context, source, status string) (*instance.ListResult, error) {
	query := url.Values{}
	if source != "" {
		query.Set("source", source)
	}
	if status != "" {
		query.Set("status", status)
	}
	path := "/v1/instances"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	var result instance.ListResult
	if err := c.do(ctx, "GET", path, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// StartInstance requests a start by ID or name
func (c *Client) StartInstance(ctx context.Context, idOrName string) (*instance.OperationResponse, error) {
	var resp instance.OperationResponse
	if err := c.do(ctx, "POST", "/v1/instances/"+url.PathEscape(idOrName)+"/start", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// StopInstance requests a stop by ID or name
func (c *Client) StopInstance(ctx context.Context, idOrName string) (*instance.OperationResponse, error) {
	var resp instance.OperationResponse
	if err := c.do(ctx, "POST", "/v1/instances/"+url.PathEscape(idOrName)+"/stop", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DeleteInstance terminates the instance and removes its record
func (c *Client) DeleteInstance(ctx context.Context, instanceID string) error {
	return c.do(ctx, "DELETE", "/v1/instances/"+url.PathEscape(instanceID), nil, nil)
}

// TouchInstance records activity on the instance
func (c *Client) TouchInstance(ctx context.Context, instanceID string, at time.Time) error {
	var body interface{}
	if !at.IsZero() {
		body = map[string]time.Time{"timestamp": at}
	}
	return c.do(ctx, "POST", "/v1/instances/"+url.PathEscape(instanceID)+"/touch", body, nil)
}

// TriggerSync runs a reconciliation pass and returns its report
func (c *Client) TriggerSync(ctx context.Context, req api.SyncRequest) (*types.SyncReport, error) {
	var report types.SyncReport
	if err := c.do(ctx, "POST", "/v1/sync", req, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// TriggerMigration enqueues a spot migration sweep
func (c *Client) TriggerMigration(ctx context.Context, dryRun bool) (*api.TriggerResponse, error) {
	var resp api.TriggerResponse
	if err := c.do(ctx, "POST", "/v1/migrations", api.TriggerRequest{DryRun: dryRun}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// TriggerAutoStop enqueues an auto-stop pass
func (c *Client) TriggerAutoStop(ctx context.Context, dryRun bool) (*api.TriggerResponse, error) {
	var resp api.TriggerResponse
	if err := c.do(ctx, "POST", "/v1/auto-stop", api.TriggerRequest{DryRun: dryRun}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health fetches the aggregated service health
func (c *Client) Health(ctx context.Context) (*api.ServiceHealth, error) {
	var resp api.ServiceHealth
	if err := c.do(ctx, "GET", "/v1/health", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
