package novita

import (
	"context"
	"net/url"

	"github.com/paddock-io/paddock/pkg/errdefs"
	"github.com/paddock-io/paddock/pkg/types"
)

type templateResponse struct {
	Template templateWire `json:"template"`
}

type templateWire struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	ImageURL    string     `json:"image"`
	ImageAuthID string     `json:"imageAuth"`
	Command     string     `json:"startCommand"`
	Ports       []portWire `json:"ports"`
	Envs        []envWire  `json:"envs"`
}

type portWire struct {
	Port int    `json:"port"`
	Type string `json:"type"`
	Name string `json:"name"`
}

type envWire struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type registryAuthListResponse struct {
	Data []registryAuthWire `json:"data"`
}

type registryAuthWire struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// GetTemplate fetches a template definition by ID
func (c *Client) GetTemplate(ctx context.Context, templateID string) (*types.Template, error) {
	if templateID == "" {
		return nil, errdefs.Validationf("template id is required")
	}

	query := url.Values{"templateId": {templateID}}
	var resp templateResponse
	if err := c.do(ctx, "GET", "/v1/template", query, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Template.ID == "" {
		return nil, errdefs.NotFoundf("template %s", templateID)
	}

	tmpl := &types.Template{
		ID:          resp.Template.ID,
		Name:        resp.Template.Name,
		ImageURL:    resp.Template.ImageURL,
		ImageAuthID: resp.Template.ImageAuthID,
		Command:     resp.Template.Command,
	}
	for _, p := range resp.Template.Ports {
		tmpl.Ports = append(tmpl.Ports, types.PortDefinition{Port: p.Port, Type: p.Type, Name: p.Name})
	}
	for _, e := range resp.Template.Envs {
		tmpl.Envs = append(tmpl.Envs, types.EnvVar{Key: e.Key, Value: e.Value})
	}
	return tmpl, nil
}

// GetRegistryAuth resolves a registry credential by ID. Credentials are
// fetched just-in-time and never persisted.
func (c *Client) GetRegistryAuth(ctx context.Context, authID string) (*types.RegistryAuth, error) {
	if authID == "" {
		return nil, errdefs.Validationf("registry auth id is required")
	}

	var resp registryAuthListResponse
	if err := c.do(ctx, "GET", "/v1/repository/auths", nil, nil, &resp); err != nil {
		return nil, err
	}
	for _, a := range resp.Data {
		if a.ID == authID {
			return &types.RegistryAuth{ID: a.ID, Name: a.Name, Username: a.Username, Password: a.Password}, nil
		}
	}
	return nil, errdefs.NotFoundf("registry auth %s", authID)
}
