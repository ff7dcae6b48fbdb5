package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/opsdeck/opsdeck/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envelope(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"success": true, "data": data})
}

func failure(w http.ResponseWriter, status int, kind, msg string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"error":   map[string]any{"kind": kind, "message": msg, "status": status},
	})
}

func TestClient_DecodesEnvelope(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/orders/{id}", func(w http.ResponseWriter, r *http.Request) {
		envelope(w, http.StatusOK, models.Order{ID: r.PathValue("id"), Status: models.OrderStatusRunning})
	})
	mux.HandleFunc("POST /api/orders", func(w http.ResponseWriter, r *http.Request) {
		var req models.OrderRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		envelope(w, http.StatusCreated, models.Order{ID: "ord-1", RunnerID: req.RunnerID, Key: req.Key, Status: models.OrderStatusQueued})
	})
	mux.HandleFunc("GET /api/runners", func(w http.ResponseWriter, r *http.Request) {
		envelope(w, http.StatusOK, []models.Runner{{ID: "r1"}, {ID: "r2"}})
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	c := New(ts.URL + "/")
	ctx := context.Background()

	o, err := c.GetOrder(ctx, "ord-9")
	require.NoError(t, err)
	assert.Equal(t, "ord-9", o.ID)
	assert.Equal(t, models.OrderStatusRunning, o.Status)

	created, err := c.SubmitOrder(ctx, models.OrderRequest{RunnerID: "r1", Key: "system.info"})
	require.NoError(t, err)
	assert.Equal(t, "system.info", created.Key)

	runners, err := c.ListRunners(ctx)
	require.NoError(t, err)
	assert.Len(t, runners, 2)
}

func TestClient_Errors(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/orders/{id}", func(w http.ResponseWriter, r *http.Request) {
		failure(w, http.StatusNotFound, "not_found", "order not found")
	})
	mux.HandleFunc("GET /api/runners", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("<html>bad gateway</html>"))
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	c := New(ts.URL)
	ctx := context.Background()

	_, err := c.GetOrder(ctx, "missing")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))

	_, err = c.ListRunners(ctx)
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "unknown", apiErr.Kind)
	assert.Equal(t, http.StatusBadGateway, apiErr.Status)
	assert.False(t, IsNotFound(err))
}

func TestClient_Unreachable(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	_, err := New(url).Health(context.Background())
	assert.Error(t, err)
}
