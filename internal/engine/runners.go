package engine

import (
	"context"
	"net/http"
	"net/url"

	"github.com/opsdeck/opsdeck/internal/models"
)

type capabilitiesBody struct {
	Capabilities map[string]string `json:"capabilities"`
}

// ListRunners returns every runner registered with the engine.
func (c *Client) ListRunners(ctx context.Context) ([]models.Runner, error) {
	var runners []models.Runner
	if err := c.Do(ctx, ProxyAdmin, http.MethodGet, "/v1/runners", nil, &runners); err != nil {
		return nil, err
	}
	return runners, nil
}

// GetRunner returns a single runner.
func (c *Client) GetRunner(ctx context.Context, runnerID string) (*models.Runner, error) {
	var r models.Runner
	if err := c.Do(ctx, ProxyAdmin, http.MethodGet, "/v1/runners/"+url.PathEscape(runnerID), nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// ResetRunnerToken rotates a runner's token. The new token is only ever
// returned by this call.
func (c *Client) ResetRunnerToken(ctx context.Context, runnerID string) (*models.RunnerToken, error) {
	var tok models.RunnerToken
	if err := c.Do(ctx, ProxyAdmin, http.MethodPost, "/v1/runners/"+url.PathEscape(runnerID)+"/token/reset", nil, &tok); err != nil {
		return nil, err
	}
	if tok.RunnerID == "" {
		tok.RunnerID = runnerID
	}
	return &tok, nil
}

// GetCapabilities returns the runner's remote capability set.
func (c *Client) GetCapabilities(ctx context.Context, runnerID string) (map[string]string, error) {
	var body capabilitiesBody
	if err := c.Do(ctx, ProxyAdmin, http.MethodGet, "/v1/runners/"+url.PathEscape(runnerID)+"/capabilities", nil, &body); err != nil {
		return nil, err
	}
	if body.Capabilities == nil {
		body.Capabilities = map[string]string{}
	}
	return body.Capabilities, nil
}

// PutCapabilities replaces the runner's remote capability set.
func (c *Client) PutCapabilities(ctx context.Context, runnerID string, caps map[string]string) error {
	return c.Do(ctx, ProxyAdmin, http.MethodPut, "/v1/runners/"+url.PathEscape(runnerID)+"/capabilities",
		capabilitiesBody{Capabilities: caps}, nil)
}
