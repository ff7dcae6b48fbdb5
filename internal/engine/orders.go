package engine

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/opsdeck/opsdeck/internal/models"
)

// wireOrder is the engine's order representation. Status spellings vary
// between engine versions and are normalized on the way in.
type wireOrder struct {
	ID        string              `json:"id"`
	RunnerID  string              `json:"runner_id"`
	Key       string              `json:"key"`
	Params    map[string]any      `json:"params,omitempty"`
	Status    string              `json:"status"`
	Report    *models.OrderReport `json:"report,omitempty"`
	CreatedAt time.Time           `json:"created_at"`
	UpdatedAt time.Time           `json:"updated_at"`
}

func (w wireOrder) toModel() (*models.Order, error) {
	status, ok := models.ParseOrderStatus(w.Status)
	if !ok {
		return nil, &Error{Kind: KindUnknown, Message: fmt.Sprintf("order %s: unrecognized status %q", w.ID, w.Status)}
	}
	return &models.Order{
		ID:        w.ID,
		RunnerID:  w.RunnerID,
		Key:       w.Key,
		Params:    w.Params,
		Status:    status,
		Report:    w.Report,
		CreatedAt: w.CreatedAt,
		UpdatedAt: w.UpdatedAt,
	}, nil
}

// CreateOrder submits a new order and returns it as the engine accepted it.
func (c *Client) CreateOrder(ctx context.Context, req models.OrderRequest) (*models.Order, error) {
	var w wireOrder
	if err := c.Do(ctx, ProxyPublic, http.MethodPost, "/v1/orders", req, &w); err != nil {
		return nil, err
	}
	return w.toModel()
}

// GetOrder reads the current snapshot of an order.
func (c *Client) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	var w wireOrder
	if err := c.Do(ctx, ProxyPublic, http.MethodGet, "/v1/orders/"+url.PathEscape(orderID), nil, &w); err != nil {
		return nil, err
	}
	return w.toModel()
}

// CancelOrder asks the engine to cancel an order.
func (c *Client) CancelOrder(ctx context.Context, orderID string) (*models.Order, error) {
	var w wireOrder
	if err := c.Do(ctx, ProxyPublic, http.MethodPost, "/v1/orders/"+url.PathEscape(orderID)+"/cancel", nil, &w); err != nil {
		return nil, err
	}
	return w.toModel()
}

// ListRunnerOrders returns the most recent orders of a runner, newest first.
func (c *Client) ListRunnerOrders(ctx context.Context, runnerID string, limit int) ([]models.Order, error) {
	path := "/v1/runners/" + url.PathEscape(runnerID) + "/orders"
	if limit > 0 {
		path += fmt.Sprintf("?limit=%d", limit)
	}

	var ws []wireOrder
	if err := c.Do(ctx, ProxyAdmin, http.MethodGet, path, nil, &ws); err != nil {
		return nil, err
	}
	orders := make([]models.Order, 0, len(ws))
	for _, w := range ws {
		o, err := w.toModel()
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, nil
}

// GetOrderLogs returns the raw output collected for an order.
func (c *Client) GetOrderLogs(ctx context.Context, orderID string) (string, error) {
	var resp struct {
		Logs string `json:"logs"`
	}
	if err := c.Do(ctx, ProxyRunner, http.MethodGet, "/v1/orders/"+url.PathEscape(orderID)+"/logs", nil, &resp); err != nil {
		return "", err
	}
	return resp.Logs, nil
}
