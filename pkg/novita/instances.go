package novita

import (
	"context"
	"net/url"
	"strconv"

	"github.com/paddock-io/paddock/pkg/errdefs"
	"github.com/paddock-io/paddock/pkg/types"
)

// Instance is the upstream's view of a GPU instance
type Instance struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	Status          string         `json:"status"`
	ProductID       string         `json:"productId"`
	ProductName     string         `json:"productName"`
	Region          string         `json:"region"`
	ClusterID       string         `json:"clusterId"`
	GPUNum          int            `json:"gpuNum"`
	RootfsSize      int            `json:"rootfsSize"`
	ImageURL        string         `json:"imageUrl"`
	ImageAuthID     string         `json:"imageAuthId"`
	Command         string         `json:"command"`
	BillingMode     string         `json:"billingMode"`
	SpotStatus      string         `json:"spotStatus"`
	SpotReclaimTime int64          `json:"spotReclaimTime"`
	PortMappings    []PortMapping  `json:"portMappings"`
	Envs            []envWire      `json:"envs"`
	CreatedAt       int64          `json:"createdAt"`
	ExitedAt        int64          `json:"exitedAt"`
}

// PortMapping is a published port of a running upstream instance
type PortMapping struct {
	Port     int    `json:"port"`
	Type     string `json:"type"`
	Endpoint string `json:"endpoint"`
}

// Endpoints converts the upstream port mappings into connection endpoints
func (i *Instance) Endpoints() []types.PortEndpoint {
	endpoints := make([]types.PortEndpoint, 0, len(i.PortMappings))
	for _, m := range i.PortMappings {
		endpoints = append(endpoints, types.PortEndpoint{Port: m.Port, Type: m.Type, Endpoint: m.Endpoint})
	}
	return endpoints
}

// CreateInstanceRequest carries the resolved parameters for instance creation
type CreateInstanceRequest struct {
	Name         string                 `json:"name"`
	ProductID    string                 `json:"productId"`
	GPUNum       int                    `json:"gpuNum"`
	RootfsSize   int                    `json:"rootfsSize"`
	ImageURL     string                 `json:"imageUrl"`
	ImageAuthID  string                 `json:"imageAuthId,omitempty"`
	Command      string                 `json:"command,omitempty"`
	ClusterID    string                 `json:"clusterId,omitempty"`
	BillingMode  string                 `json:"billingMode,omitempty"`
	Ports        []types.PortDefinition `json:"ports,omitempty"`
	Envs         []types.EnvVar         `json:"envs,omitempty"`
}

type createInstanceResponse struct {
	ID string `json:"id"`
}

type instanceResponse struct {
	Instance Instance `json:"instance"`
}

type instanceListResponse struct {
	Instances []Instance `json:"instances"`
	Total     int        `json:"total"`
}

type instanceIDRequest struct {
	InstanceID string `json:"instanceId"`
}

// MigrateResult is the upstream's answer to a spot migration request
type MigrateResult struct {
	Success       bool   `json:"success"`
	NewInstanceID string `json:"newInstanceId"`
	Error         string `json:"error"`
}

// CreateInstance provisions a new instance and returns its upstream ID
func (c *Client) CreateInstance(ctx context.Context, req CreateInstanceRequest) (string, error) {
	if req.Name == "" || req.ProductID == "" || req.ImageURL == "" {
		return "", errdefs.Validationf("name, productId and imageUrl are required")
	}

	var resp createInstanceResponse
	if err := c.do(ctx, "POST", "/v1/gpu/instance/create", nil, req, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", errdefs.NotFoundf("upstream accepted create but returned no instance id")
	}
	return resp.ID, nil
}

// GetInstance fetches the current upstream state of one instance
func (c *Client) GetInstance(ctx context.Context, upstreamID string) (*Instance, error) {
	if upstreamID == "" {
		return nil, errdefs.Validationf("upstream instance id is required")
	}

	query := url.Values{"instanceId": {upstreamID}}
	var resp instanceResponse
	if err := c.do(ctx, "GET", "/v1/gpu/instance", query, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Instance.ID == "" {
		return nil, errdefs.NotFoundf("upstream instance %s", upstreamID)
	}
	return &resp.Instance, nil
}

// ListInstances pages through the full upstream inventory, optionally
// filtered by upstream status
func (c *Client) ListInstances(ctx context.Context, pageSize int, status string) ([]Instance, error) {
	if pageSize <= 0 {
		pageSize = 100
	}

	var all []Instance
	for page := 1; ; page++ {
		query := url.Values{
			"page":      {strconv.Itoa(page)},
			"page_size": {strconv.Itoa(pageSize)},
		}
		if status != "" {
			query.Set("status", status)
		}
		var resp instanceListResponse
		if err := c.do(ctx, "GET", "/v1/gpu/instances", query, nil, &resp); err != nil {
			return nil, err
		}
		all = append(all, resp.Instances...)
		if len(resp.Instances) < pageSize || (resp.Total > 0 && len(all) >= resp.Total) {
			return all, nil
		}
	}
}

// StartInstance asks upstream to start a stopped or exited instance
func (c *Client) StartInstance(ctx context.Context, upstreamID string) error {
	return c.instanceAction(ctx, "/v1/gpu/instance/start", upstreamID)
}

// StopInstance asks upstream to stop a running instance
func (c *Client) StopInstance(ctx context.Context, upstreamID string) error {
	return c.instanceAction(ctx, "/v1/gpu/instance/stop", upstreamID)
}

// DeleteInstance removes the instance upstream
func (c *Client) DeleteInstance(ctx context.Context, upstreamID string) error {
	return c.instanceAction(ctx, "/v1/gpu/instance/delete", upstreamID)
}

func (c *Client) instanceAction(ctx context.Context, path, upstreamID string) error {
	if upstreamID == "" {
		return errdefs.Validationf("upstream instance id is required")
	}
	return c.do(ctx, "POST", path, nil, instanceIDRequest{InstanceID: upstreamID}, nil)
}

// MigrateInstance asks upstream to migrate a reclaimed spot instance to
// fresh capacity. The result carries the replacement's ID on success.
func (c *Client) MigrateInstance(ctx context.Context, upstreamID string) (*MigrateResult, error) {
	if upstreamID == "" {
		return nil, errdefs.Validationf("upstream instance id is required")
	}

	var result MigrateResult
	if err := c.do(ctx, "POST", "/v1/gpu/instance/migrate", nil, instanceIDRequest{InstanceID: upstreamID}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
