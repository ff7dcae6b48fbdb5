// Package client talks to the opsdeck daemon API. The CLI and the TUI share it.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/opsdeck/opsdeck/internal/controlplane"
	"github.com/opsdeck/opsdeck/internal/engine"
	"github.com/opsdeck/opsdeck/internal/models"
)

// DefaultTimeout is the default timeout for API requests.
const DefaultTimeout = 10 * time.Second

// Error is a failure reported by the daemon envelope.
type Error struct {
	Kind    string
	Message string
	Status  int
}

func (e *Error) Error() string {
	return fmt.Sprintf("API error (%d %s): %s", e.Status, e.Kind, e.Message)
}

// IsNotFound reports whether err is a 404 from the daemon.
func IsNotFound(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Status == http.StatusNotFound
}

// Client wraps HTTP calls to the opsdeck API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a new API client with timeout.
func New(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
}

// BaseURL returns the daemon address.
func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var env controlplane.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return &Error{Kind: "unknown", Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	}
	if !env.Success {
		if env.Error == nil {
			return &Error{Kind: "unknown", Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		}
		return &Error{Kind: env.Error.Kind, Status: env.Error.Status, Message: env.Error.Message}
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Health returns the daemon health payload.
func (c *Client) Health(ctx context.Context) (*controlplane.HealthResponse, error) {
	var h controlplane.HealthResponse
	if err := c.do(ctx, http.MethodGet, "/health", nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// --- Orders ---

// SubmitOrder submits an order.
func (c *Client) SubmitOrder(ctx context.Context, req models.OrderRequest) (*models.Order, error) {
	var o models.Order
	return &o, c.do(ctx, http.MethodPost, "/api/orders", req, &o)
}

// GetOrder fetches an order. *Client satisfies poller.Fetcher.
func (c *Client) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	var o models.Order
	if err := c.do(ctx, http.MethodGet, "/api/orders/"+url.PathEscape(id), nil, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

// CancelOrder cancels an order.
func (c *Client) CancelOrder(ctx context.Context, id string) (*models.Order, error) {
	var o models.Order
	return &o, c.do(ctx, http.MethodPost, "/api/orders/"+url.PathEscape(id)+"/cancel", nil, &o)
}

// GetOrderLogs returns the output of an order.
func (c *Client) GetOrderLogs(ctx context.Context, id string) (string, error) {
	var out struct {
		Logs string `json:"logs"`
	}
	err := c.do(ctx, http.MethodGet, "/api/orders/"+url.PathEscape(id)+"/logs", nil, &out)
	return out.Logs, err
}

// --- Runners ---

// ListRunners lists runners.
func (c *Client) ListRunners(ctx context.Context) ([]models.Runner, error) {
	var out []models.Runner
	err := c.do(ctx, http.MethodGet, "/api/runners", nil, &out)
	return out, err
}

// ListRunnerOrders lists recent orders of a runner.
func (c *Client) ListRunnerOrders(ctx context.Context, runnerID string, limit int) ([]models.Order, error) {
	path := "/api/runners/" + url.PathEscape(runnerID) + "/orders"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out []models.Order
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// GetCapabilities returns a runner's capabilities.
func (c *Client) GetCapabilities(ctx context.Context, runnerID string) (map[string]string, error) {
	var out struct {
		Capabilities map[string]string `json:"capabilities"`
	}
	err := c.do(ctx, http.MethodGet, "/api/runners/"+url.PathEscape(runnerID)+"/capabilities", nil, &out)
	return out.Capabilities, err
}

// SyncCapabilities submits the capability probe.
func (c *Client) SyncCapabilities(ctx context.Context, runnerID string) (*models.Order, error) {
	var o models.Order
	return &o, c.do(ctx, http.MethodPost, "/api/runners/"+url.PathEscape(runnerID)+"/capabilities/sync", nil, &o)
}

// ResetRunnerToken rotates a runner token.
func (c *Client) ResetRunnerToken(ctx context.Context, runnerID string) (*models.RunnerToken, error) {
	var t models.RunnerToken
	return &t, c.do(ctx, http.MethodPost, "/api/runners/"+url.PathEscape(runnerID)+"/token/reset", nil, &t)
}

// --- Servers ---

// CreateServer registers a server.
func (c *Client) CreateServer(ctx context.Context, s models.Server) (*models.Server, error) {
	var out models.Server
	return &out, c.do(ctx, http.MethodPost, "/api/servers", s, &out)
}

// ListServers lists servers.
func (c *Client) ListServers(ctx context.Context) ([]models.Server, error) {
	var out []models.Server
	err := c.do(ctx, http.MethodGet, "/api/servers", nil, &out)
	return out, err
}

// DeleteServer removes a server.
func (c *Client) DeleteServer(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/servers/"+url.PathEscape(id), nil, nil)
}

// --- Playbooks ---

// CreatePlaybook registers a playbook draft.
func (c *Client) CreatePlaybook(ctx context.Context, p models.Playbook, author string) (*models.Playbook, error) {
	in := struct {
		models.Playbook
		Author string `json:"author,omitempty"`
	}{p, author}
	var out models.Playbook
	return &out, c.do(ctx, http.MethodPost, "/api/playbooks", in, &out)
}

// ListPlaybooks lists playbooks.
func (c *Client) ListPlaybooks(ctx context.Context) ([]models.Playbook, error) {
	var out []models.Playbook
	err := c.do(ctx, http.MethodGet, "/api/playbooks", nil, &out)
	return out, err
}

// PlaybookAction runs submit, approve, reject or revise on a playbook.
func (c *Client) PlaybookAction(ctx context.Context, key, action string) (*models.Playbook, error) {
	var out models.Playbook
	return &out, c.do(ctx, http.MethodPost, "/api/playbooks/"+url.PathEscape(key)+"/"+action, nil, &out)
}

// AddPlaybookVersion publishes a new playbook version.
func (c *Client) AddPlaybookVersion(ctx context.Context, key, changelog, author string) (*models.Playbook, error) {
	in := map[string]string{"changelog": changelog, "author": author}
	var out models.Playbook
	return &out, c.do(ctx, http.MethodPost, "/api/playbooks/"+url.PathEscape(key)+"/versions", in, &out)
}

// --- Deployments ---

// PlanDeployment stores a deployment plan for a server.
func (c *Client) PlanDeployment(ctx context.Context, serverID string, d models.Descriptor) (*models.Deployment, error) {
	in := map[string]any{"server_id": serverID, "descriptor": d}
	var out models.Deployment
	return &out, c.do(ctx, http.MethodPost, "/api/deployments", in, &out)
}

// ListDeployments lists deployments, optionally for one server.
func (c *Client) ListDeployments(ctx context.Context, serverID string) ([]models.Deployment, error) {
	path := "/api/deployments"
	if serverID != "" {
		path += "?server_id=" + url.QueryEscape(serverID)
	}
	var out []models.Deployment
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// GetDeployment returns a deployment with its steps.
func (c *Client) GetDeployment(ctx context.Context, id string) (*models.Deployment, error) {
	var out models.Deployment
	return &out, c.do(ctx, http.MethodGet, "/api/deployments/"+url.PathEscape(id), nil, &out)
}

// RunDeployment submits a planned deployment.
func (c *Client) RunDeployment(ctx context.Context, id string) (*models.Deployment, error) {
	var out models.Deployment
	return &out, c.do(ctx, http.MethodPost, "/api/deployments/"+url.PathEscape(id)+"/run", nil, &out)
}

// --- Routes ---

// CreateRoute stores a route.
func (c *Client) CreateRoute(ctx context.Context, r models.Route) (*models.Route, error) {
	var out models.Route
	return &out, c.do(ctx, http.MethodPost, "/api/routes", r, &out)
}

// ListRoutes lists routes, optionally for one server.
func (c *Client) ListRoutes(ctx context.Context, serverID string) ([]models.Route, error) {
	path := "/api/routes"
	if serverID != "" {
		path += "?server_id=" + url.QueryEscape(serverID)
	}
	var out []models.Route
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// DeleteRoute removes a route.
func (c *Client) DeleteRoute(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/routes/"+url.PathEscape(id), nil, nil)
}

// GetRouteScript renders a route's config and install script.
func (c *Client) GetRouteScript(ctx context.Context, id string) (*controlplane.RouteScript, error) {
	var out controlplane.RouteScript
	return &out, c.do(ctx, http.MethodGet, "/api/routes/"+url.PathEscape(id)+"/script", nil, &out)
}

// ApplyRoute submits a route's install script to its server.
func (c *Client) ApplyRoute(ctx context.Context, id string) (*models.Order, error) {
	var out models.Order
	return &out, c.do(ctx, http.MethodPost, "/api/routes/"+url.PathEscape(id)+"/apply", nil, &out)
}

// --- Settings ---

// ListSettings returns all settings.
func (c *Client) ListSettings(ctx context.Context) ([]models.Setting, error) {
	var out []models.Setting
	err := c.do(ctx, http.MethodGet, "/api/settings", nil, &out)
	return out, err
}

// GetSetting returns one setting.
func (c *Client) GetSetting(ctx context.Context, key string) (*models.Setting, error) {
	var out models.Setting
	return &out, c.do(ctx, http.MethodGet, "/api/settings/"+url.PathEscape(key), nil, &out)
}

// PutSetting stores a setting.
func (c *Client) PutSetting(ctx context.Context, key, value string) (*models.Setting, error) {
	var out models.Setting
	return &out, c.do(ctx, http.MethodPut, "/api/settings/"+url.PathEscape(key), map[string]string{"value": value}, &out)
}

// ListAudit returns the most recent audit entries.
func (c *Client) ListAudit(ctx context.Context, limit int) ([]models.AuditEntry, error) {
	path := "/api/audit"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out []models.AuditEntry
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// Proxy sends a raw envelope through an edge proxy.
func (c *Client) Proxy(ctx context.Context, proxy string, req engine.Request) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.do(ctx, http.MethodPost, "/api/proxy/"+url.PathEscape(proxy), req, &out)
	return out, err
}
