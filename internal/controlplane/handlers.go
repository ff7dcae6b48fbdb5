package controlplane

import (
	"context"
	"net/http"
	"strconv"

	"github.com/opsdeck/opsdeck/internal/engine"
	"github.com/opsdeck/opsdeck/internal/models"
)

// --- Servers ---

func (s *Server) listServers(w http.ResponseWriter, r *http.Request) {
	servers, err := s.service.ListServers(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, servers)
}

func (s *Server) createServer(w http.ResponseWriter, r *http.Request) {
	var srv models.Server
	if err := decode(r, &srv); err != nil {
		badRequest(w, "invalid request body: %v", err)
		return
	}
	created, err := s.service.CreateServer(r.Context(), srv)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, created)
}

func (s *Server) getServer(w http.ResponseWriter, r *http.Request) {
	srv, err := s.service.GetServer(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, srv)
}

func (s *Server) updateServer(w http.ResponseWriter, r *http.Request) {
	var u ServerUpdate
	if err := decode(r, &u); err != nil {
		badRequest(w, "invalid request body: %v", err)
		return
	}
	srv, err := s.service.UpdateServer(r.Context(), r.PathValue("id"), u)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, srv)
}

func (s *Server) deleteServer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.service.DeleteServer(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]string{"id": id})
}

// --- Runners ---

func (s *Server) listRunners(w http.ResponseWriter, r *http.Request) {
	runners, err := s.service.ListRunners(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, runners)
}

func (s *Server) getRunner(w http.ResponseWriter, r *http.Request) {
	runner, err := s.service.GetRunner(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, runner)
}

func (s *Server) resetRunnerToken(w http.ResponseWriter, r *http.Request) {
	tok, err := s.service.ResetRunnerToken(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, tok)
}

func (s *Server) getCapabilities(w http.ResponseWriter, r *http.Request) {
	caps, err := s.service.GetCapabilities(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"capabilities": caps})
}

func (s *Server) syncCapabilities(w http.ResponseWriter, r *http.Request) {
	order, err := s.service.SyncCapabilities(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusAccepted, order)
}

func (s *Server) listRunnerOrders(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	orders, err := s.service.ListRunnerOrders(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, orders)
}

// --- Orders ---

func (s *Server) submitOrder(w http.ResponseWriter, r *http.Request) {
	var req models.OrderRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, "invalid request body: %v", err)
		return
	}
	order, err := s.service.SubmitOrder(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, order)
}

func (s *Server) getOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.service.GetOrder(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, order)
}

func (s *Server) getOrderLogs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	logs, err := s.service.GetOrderLogs(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]string{"order_id": id, "logs": logs})
}

func (s *Server) cancelOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.service.CancelOrder(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, order)
}

func (s *Server) watchOrder(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusAccepted, s.service.WatchOrder(r.PathValue("id")))
}

func (s *Server) stopWatch(w http.ResponseWriter, r *http.Request) {
	st, ok := s.service.StopWatch(r.PathValue("id"))
	if !ok {
		writeAPIError(w, APIError{Kind: "not_found", Message: "order is not watched", Status: http.StatusNotFound})
		return
	}
	writeData(w, http.StatusOK, st)
}

func (s *Server) listWatches(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, s.service.Watches())
}

// --- Playbooks ---

type createPlaybookRequest struct {
	models.Playbook
	Author string `json:"author,omitempty"`
}

type playbookVersionRequest struct {
	Changelog string `json:"changelog"`
	Author    string `json:"author,omitempty"`
}

func (s *Server) listPlaybooks(w http.ResponseWriter, r *http.Request) {
	pbs, err := s.service.ListPlaybooks(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, pbs)
}

func (s *Server) createPlaybook(w http.ResponseWriter, r *http.Request) {
	var req createPlaybookRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, "invalid request body: %v", err)
		return
	}
	pb, err := s.service.CreatePlaybook(r.Context(), req.Playbook, req.Author)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, pb)
}

func (s *Server) getPlaybook(w http.ResponseWriter, r *http.Request) {
	pb, err := s.service.GetPlaybook(r.Context(), r.PathValue("key"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, pb)
}

func (s *Server) playbookAction(fn func(context.Context, string) (*models.Playbook, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pb, err := fn(r.Context(), r.PathValue("key"))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeData(w, http.StatusOK, pb)
	}
}

func (s *Server) addPlaybookVersion(w http.ResponseWriter, r *http.Request) {
	var req playbookVersionRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, "invalid request body: %v", err)
		return
	}
	pb, err := s.service.AddPlaybookVersion(r.Context(), r.PathValue("key"), req.Changelog, req.Author)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, pb)
}

// --- Deployments ---

type planDeploymentRequest struct {
	ServerID   string            `json:"server_id"`
	Descriptor models.Descriptor `json:"descriptor"`
}

type updateStepRequest struct {
	Status models.StepStatus `json:"status"`
	Error  string            `json:"error,omitempty"`
}

func (s *Server) listDeployments(w http.ResponseWriter, r *http.Request) {
	deps, err := s.service.ListDeployments(r.Context(), r.URL.Query().Get("server_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, deps)
}

func (s *Server) planDeployment(w http.ResponseWriter, r *http.Request) {
	var req planDeploymentRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, "invalid request body: %v", err)
		return
	}
	dep, err := s.service.PlanDeployment(r.Context(), req.ServerID, req.Descriptor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, dep)
}

func (s *Server) getDeployment(w http.ResponseWriter, r *http.Request) {
	dep, err := s.service.GetDeployment(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, dep)
}

func (s *Server) runDeployment(w http.ResponseWriter, r *http.Request) {
	dep, err := s.service.RunDeployment(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusAccepted, dep)
}

func (s *Server) updateStep(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil || index < 0 {
		badRequest(w, "invalid step index %q", r.PathValue("index"))
		return
	}
	var req updateStepRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, "invalid request body: %v", err)
		return
	}
	step, err := s.service.UpdateStep(r.Context(), r.PathValue("id"), index, req.Status, req.Error)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, step)
}

// --- Routes ---

func (s *Server) listRoutes(w http.ResponseWriter, r *http.Request) {
	routes, err := s.service.ListRoutes(r.Context(), r.URL.Query().Get("server_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, routes)
}

func (s *Server) createRoute(w http.ResponseWriter, r *http.Request) {
	var route models.Route
	if err := decode(r, &route); err != nil {
		badRequest(w, "invalid request body: %v", err)
		return
	}
	created, err := s.service.CreateRoute(r.Context(), route)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, created)
}

func (s *Server) deleteRoute(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.service.DeleteRoute(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]string{"id": id})
}

func (s *Server) getRouteScript(w http.ResponseWriter, r *http.Request) {
	rs, err := s.service.GetRouteScript(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, rs)
}

func (s *Server) applyRoute(w http.ResponseWriter, r *http.Request) {
	order, err := s.service.ApplyRoute(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusAccepted, order)
}

// --- Settings ---

func (s *Server) listSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.service.ListSettings(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, settings)
}

func (s *Server) getSetting(w http.ResponseWriter, r *http.Request) {
	st, err := s.service.GetSetting(r.Context(), r.PathValue("key"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, st)
}

func (s *Server) putSetting(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Value string `json:"value"`
	}
	if err := decode(r, &req); err != nil {
		badRequest(w, "invalid request body: %v", err)
		return
	}
	st, err := s.service.PutSetting(r.Context(), r.PathValue("key"), req.Value)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, st)
}

// --- Audit ---

func (s *Server) listAudit(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	entries, err := s.service.ListAudit(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, entries)
}

// --- Proxy ---

func (s *Server) proxy(w http.ResponseWriter, r *http.Request) {
	var req engine.Request
	if err := decode(r, &req); err != nil {
		badRequest(w, "invalid request body: %v", err)
		return
	}
	if req.Method == "" || req.Path == "" {
		badRequest(w, "method and path are required")
		return
	}
	raw, err := s.service.Proxy(r.Context(), r.PathValue("proxy"), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, raw)
}

func queryInt(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		badRequest(w, "invalid %s %q", name, v)
		return 0, false
	}
	return n, true
}
