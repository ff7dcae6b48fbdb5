package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/opsdeck/opsdeck/internal/engine"
	"go.uber.org/zap"
)

// Version is reported by /health. It is set at build time.
var Version = "dev"

const realtimeKeepAlive = 15 * time.Second

// Server provides the HTTP API for opsdeck.
type Server struct {
	service *Service
	addr    string
	log     *zap.Logger
	server  *http.Server
}

// NewServer creates a new HTTP server.
func NewServer(service *Service, addr string, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{service: service, addr: addr, log: log}
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("GET /api/servers", s.listServers)
	mux.HandleFunc("POST /api/servers", s.createServer)
	mux.HandleFunc("GET /api/servers/{id}", s.getServer)
	mux.HandleFunc("PATCH /api/servers/{id}", s.updateServer)
	mux.HandleFunc("DELETE /api/servers/{id}", s.deleteServer)

	mux.HandleFunc("GET /api/runners", s.listRunners)
	mux.HandleFunc("GET /api/runners/{id}", s.getRunner)
	mux.HandleFunc("POST /api/runners/{id}/token/reset", s.resetRunnerToken)
	mux.HandleFunc("GET /api/runners/{id}/capabilities", s.getCapabilities)
	mux.HandleFunc("POST /api/runners/{id}/capabilities/sync", s.syncCapabilities)
	mux.HandleFunc("GET /api/runners/{id}/orders", s.listRunnerOrders)

	mux.HandleFunc("POST /api/orders", s.submitOrder)
	mux.HandleFunc("GET /api/orders/watches", s.listWatches)
	mux.HandleFunc("GET /api/orders/{id}", s.getOrder)
	mux.HandleFunc("GET /api/orders/{id}/logs", s.getOrderLogs)
	mux.HandleFunc("POST /api/orders/{id}/cancel", s.cancelOrder)
	mux.HandleFunc("POST /api/orders/{id}/watch", s.watchOrder)
	mux.HandleFunc("DELETE /api/orders/{id}/watch", s.stopWatch)

	mux.HandleFunc("GET /api/playbooks", s.listPlaybooks)
	mux.HandleFunc("POST /api/playbooks", s.createPlaybook)
	mux.HandleFunc("GET /api/playbooks/{key}", s.getPlaybook)
	mux.HandleFunc("POST /api/playbooks/{key}/submit", s.playbookAction(s.service.SubmitPlaybook))
	mux.HandleFunc("POST /api/playbooks/{key}/approve", s.playbookAction(s.service.ApprovePlaybook))
	mux.HandleFunc("POST /api/playbooks/{key}/reject", s.playbookAction(s.service.RejectPlaybook))
	mux.HandleFunc("POST /api/playbooks/{key}/revise", s.playbookAction(s.service.RevisePlaybook))
	mux.HandleFunc("POST /api/playbooks/{key}/versions", s.addPlaybookVersion)

	mux.HandleFunc("GET /api/deployments", s.listDeployments)
	mux.HandleFunc("POST /api/deployments", s.planDeployment)
	mux.HandleFunc("GET /api/deployments/{id}", s.getDeployment)
	mux.HandleFunc("POST /api/deployments/{id}/run", s.runDeployment)
	mux.HandleFunc("PATCH /api/deployments/{id}/steps/{index}", s.updateStep)

	mux.HandleFunc("GET /api/routes", s.listRoutes)
	mux.HandleFunc("POST /api/routes", s.createRoute)
	mux.HandleFunc("DELETE /api/routes/{id}", s.deleteRoute)
	mux.HandleFunc("GET /api/routes/{id}/script", s.getRouteScript)
	mux.HandleFunc("POST /api/routes/{id}/apply", s.applyRoute)

	mux.HandleFunc("GET /api/settings", s.listSettings)
	mux.HandleFunc("GET /api/settings/{key}", s.getSetting)
	mux.HandleFunc("PUT /api/settings/{key}", s.putSetting)

	mux.HandleFunc("GET /api/audit", s.listAudit)

	mux.HandleFunc("POST /api/proxy/{proxy}", s.proxy)
	mux.HandleFunc("GET /api/realtime", s.realtime)

	return mux
}

// Start starts the HTTP server. It returns nil after Shutdown.
func (s *Server) Start() error {
	s.log.Info("starting opsdeck daemon", zap.String("addr", s.addr))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// --- Envelope ---

// APIError is the error half of the response envelope.
type APIError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Status  int    `json:"status"`
}

// Envelope is the shape of every API response.
type Envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *APIError       `json:"error,omitempty"`
}

func writeData(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(struct {
		Success bool `json:"success"`
		Data    any  `json:"data"`
	}{true, data})
}

func writeAPIError(w http.ResponseWriter, e APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status)
	json.NewEncoder(w).Encode(Envelope{Success: false, Error: &e})
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	e := toAPIError(err)
	if e.Status >= 500 {
		s.log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("kind", e.Kind),
			zap.Error(err))
	}
	writeAPIError(w, e)
}

func badRequest(w http.ResponseWriter, format string, args ...any) {
	writeAPIError(w, APIError{Kind: "validation", Message: fmt.Sprintf(format, args...), Status: http.StatusBadRequest})
}

// toAPIError maps service and engine errors to the envelope.
func toAPIError(err error) APIError {
	var ee *engine.Error
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, ErrNoRunner):
		return APIError{Kind: "validation", Message: err.Error(), Status: http.StatusBadRequest}
	case errors.Is(err, ErrPlaybookNotApproved):
		return APIError{Kind: "forbidden", Message: err.Error(), Status: http.StatusForbidden}
	case errors.Is(err, ErrNotFound):
		return APIError{Kind: "not_found", Message: err.Error(), Status: http.StatusNotFound}
	case errors.Is(err, ErrConflict), errors.Is(err, ErrInvalidTransition):
		return APIError{Kind: "conflict", Message: err.Error(), Status: http.StatusConflict}
	case errors.As(err, &ee):
		return engineAPIError(ee)
	default:
		return APIError{Kind: string(engine.KindUnknown), Message: err.Error(), Status: http.StatusInternalServerError}
	}
}

func engineAPIError(e *engine.Error) APIError {
	out := APIError{Kind: string(e.Kind), Message: e.Message}
	switch e.Kind {
	case engine.KindAuth:
		out.Status = http.StatusUnauthorized
		if e.Status == http.StatusForbidden {
			out.Status = http.StatusForbidden
		}
	case engine.KindProxy:
		out.Status = e.Status
		if out.Status < 400 || out.Status > 499 {
			out.Status = http.StatusBadGateway
		}
	case engine.KindServer, engine.KindNetwork:
		out.Status = http.StatusBadGateway
	default:
		out.Status = http.StatusInternalServerError
	}
	return out
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// --- Health ---

// HealthResponse is the payload of /health.
type HealthResponse struct {
	OK      bool   `json:"ok"`
	DB      string `json:"db"`
	Version string `json:"version"`
	Time    string `json:"time"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := HealthResponse{
		OK:      true,
		DB:      "ok",
		Version: Version,
		Time:    time.Now().UTC().Format(time.RFC3339),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.service.Ping(ctx); err != nil {
		health.OK = false
		health.DB = err.Error()
		writeData(w, http.StatusServiceUnavailable, health)
		return
	}
	writeData(w, http.StatusOK, health)
}

// --- Realtime ---

// realtime streams hub events as server-sent events until the client goes
// away or the hub stops.
func (s *Server) realtime(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeAPIError(w, APIError{Kind: "unknown", Message: "streaming unsupported", Status: http.StatusInternalServerError})
		return
	}

	sub := s.service.Subscribe()
	if sub == nil {
		writeAPIError(w, APIError{Kind: "unknown", Message: "realtime hub stopped", Status: http.StatusServiceUnavailable})
		return
	}
	defer sub.Close()

	// The stream outlives the server write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(realtimeKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.log.Warn("encode realtime event", zap.Error(err))
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
			flusher.Flush()
		}
	}
}
