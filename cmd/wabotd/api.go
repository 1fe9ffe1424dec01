package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/trekkermoja1/Wabot-trekker-sub000/config"
	"github.com/trekkermoja1/Wabot-trekker-sub000/fleet"
	"github.com/trekkermoja1/Wabot-trekker-sub000/logger"
	"github.com/trekkermoja1/Wabot-trekker-sub000/session"
	"github.com/trekkermoja1/Wabot-trekker-sub000/storage"
	"github.com/trekkermoja1/Wabot-trekker-sub000/supervisor"
)

const defaultApprovalDays = 30

// Server wires the management API to the orchestration components.
type Server struct {
	cfg        *config.Config
	store      storage.Store
	supervisor *supervisor.Supervisor
	scheduler  *fleet.Scheduler
	log        *logger.Logger
}

// routes builds the management API mux.
func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/version", s.handleVersion)

	mux.HandleFunc("POST /api/v1/instances", s.requireAuth(s.handleCreateInstance))
	mux.HandleFunc("GET /api/v1/instances", s.requireAuth(s.handleListInstances))
	mux.HandleFunc("GET /api/v1/instances/{id}", s.requireAuth(s.handleGetInstance))
	mux.HandleFunc("DELETE /api/v1/instances/{id}", s.requireAuth(s.handleDeleteInstance))
	mux.HandleFunc("POST /api/v1/instances/{id}/approve", s.requireAuth(s.handleApprove))
	mux.HandleFunc("POST /api/v1/instances/{id}/renew", s.requireAuth(s.handleRenew))
	mux.HandleFunc("POST /api/v1/instances/{id}/start", s.requireAuth(s.handleStart))
	mux.HandleFunc("POST /api/v1/instances/{id}/stop", s.requireAuth(s.handleStop))
	mux.HandleFunc("POST /api/v1/instances/{id}/restart", s.requireAuth(s.handleRestart))
	mux.HandleFunc("POST /api/v1/instances/{id}/move", s.requireAuth(s.handleMove))
	mux.HandleFunc("POST /api/v1/instances/{id}/features", s.requireAuth(s.handleSetFeature))

	mux.HandleFunc("GET /api/v1/fleet", s.requireAuth(s.handleFleet))

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"server":    s.cfg.Server.Name,
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version": Version,
		"commit":  GitCommit,
	})
}

type createInstanceRequest struct {
	DisplayName string `json:"display_name"`
	PhoneNumber string `json:"phone_number"`
}

// handleCreateInstance registers a new instance, places it on the
// least-loaded fleet member and, when placed locally, starts a worker
// so a pairing code becomes available.
func (s *Server) handleCreateInstance(w http.ResponseWriter, r *http.Request) {
	var req createInstanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.PhoneNumber == "" {
		writeError(w, http.StatusBadRequest, "phone_number is required")
		return
	}
	if existing, err := s.store.GetInstanceByPhone(r.Context(), req.PhoneNumber); err == nil {
		writeError(w, http.StatusConflict, fmt.Sprintf("phone number already registered to instance %s", existing.ID))
		return
	}

	target, err := s.scheduler.PickTargetServer(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("placement failed: %v", err))
		return
	}

	inst := &storage.Instance{
		ID:             uuid.NewString(),
		DisplayName:    req.DisplayName,
		PhoneNumber:    req.PhoneNumber,
		Lifecycle:      storage.LifecycleNew,
		ConnStatus:     storage.ConnNew,
		AssignedServer: target,
	}
	if err := s.store.CreateInstance(r.Context(), inst); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("create instance: %v", err))
		return
	}
	s.log.Info("Instance created", "instance", inst.ID, "phone", inst.PhoneNumber, "server", target)

	if target == s.cfg.Server.Name {
		if err := s.supervisor.Start(r.Context(), inst.ID); err != nil {
			s.log.Warn("Initial worker start failed", "instance", inst.ID, "error", err)
		}
	}

	created, err := s.store.GetInstance(r.Context(), inst.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("read back instance: %v", err))
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.InstanceFilter{
		Lifecycle:  q.Get("lifecycle"),
		ConnStatus: q.Get("status"),
		Server:     q.Get("server"),
		Search:     q.Get("q"),
	}
	if v := q.Get("limit"); v != "" {
		filter.Limit, _ = strconv.Atoi(v)
	}
	if v := q.Get("offset"); v != "" {
		filter.Offset, _ = strconv.Atoi(v)
	}

	instances, err := s.store.ListInstances(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("list instances: %v", err))
		return
	}
	if instances == nil {
		instances = []*storage.Instance{}
	}
	writeJSON(w, http.StatusOK, instances)
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := s.store.GetInstance(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleDeleteInstance(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.supervisor.Stop(r.Context(), id); err != nil {
		s.log.Warn("Stop during delete failed", "instance", id, "error", err)
	}
	if err := s.store.DeleteInstance(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	if err := session.New(s.cfg.Server.DataDir, id).Remove(); err != nil {
		s.log.Warn("Failed to remove session dir", "instance", id, "error", err)
	}
	s.log.Info("Instance deleted", "instance", id)
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

type approvalRequest struct {
	Days int `json:"days"`
}

// handleApprove moves an instance into the approved lifecycle and
// makes sure its worker runs.
func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req approvalRequest
	json.NewDecoder(r.Body).Decode(&req)
	days := req.Days
	if days <= 0 {
		days = defaultApprovalDays
	}

	expiresAt := time.Now().UTC().AddDate(0, 0, days)
	if err := s.store.ApproveInstance(r.Context(), id, expiresAt); err != nil {
		writeStoreError(w, err)
		return
	}
	s.log.Info("Instance approved", "instance", id, "expires_at", expiresAt.Format(time.RFC3339))

	s.startLocal(w, r, id)
}

func (s *Server) handleRenew(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req approvalRequest
	json.NewDecoder(r.Body).Decode(&req)
	days := req.Days
	if days <= 0 {
		days = defaultApprovalDays
	}

	expiresAt := time.Now().UTC().AddDate(0, 0, days)
	if err := s.store.RenewInstance(r.Context(), id, expiresAt); err != nil {
		writeStoreError(w, err)
		return
	}
	s.log.Info("Instance renewed", "instance", id, "expires_at", expiresAt.Format(time.RFC3339))

	s.startLocal(w, r, id)
}

// handleStart explicitly starts a stopped worker. An explicit start
// clears the offline keep-stopped signal first; only then is the
// supervisor's gate re-entered.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.startLocal(w, r, r.PathValue("id"))
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.supervisor.Stop(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("stop worker: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"stopped": true})
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.supervisor.Stop(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("stop worker: %v", err))
		return
	}
	s.startLocal(w, r, id)
}

type moveRequest struct {
	Server string `json:"server"`
}

// handleMove reassigns an instance to a named fleet member. The local
// worker is stopped and the port cleared; the target server allocates
// its own port on first start there.
func (s *Server) handleMove(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req moveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Server == "" {
		writeError(w, http.StatusBadRequest, "server is required")
		return
	}
	if req.Server == s.cfg.Server.Name {
		writeError(w, http.StatusBadRequest, "instance is already on this server")
		return
	}

	if _, err := s.store.GetInstance(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	if err := s.supervisor.Stop(r.Context(), id); err != nil {
		s.log.Warn("Stop during move failed", "instance", id, "error", err)
	}
	if err := s.store.AssignPlacement(r.Context(), id, req.Server, 0); err != nil {
		writeStoreError(w, err)
		return
	}
	s.supervisor.ForgetPort(id)
	s.log.Info("Instance moved", "instance", id, "server", req.Server)
	writeJSON(w, http.StatusOK, map[string]string{"assigned_server": req.Server})
}

type featureRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (s *Server) handleSetFeature(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req featureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Key == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}
	if err := s.store.SetFeatureFlag(r.Context(), id, req.Key, req.Value); err != nil {
		writeStoreError(w, err)
		return
	}
	flags, err := s.store.FeatureFlags(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, flags)
}

func (s *Server) handleFleet(w http.ResponseWriter, r *http.Request) {
	servers, err := s.store.ListFleetServers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("list fleet: %v", err))
		return
	}
	if servers == nil {
		servers = []*storage.FleetServer{}
	}
	writeJSON(w, http.StatusOK, servers)
}

// startLocal clears the keep-stopped signal when present and starts
// the worker, mapping supervisor failures to structured responses.
func (s *Server) startLocal(w http.ResponseWriter, r *http.Request, id string) {
	inst, err := s.store.GetInstance(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if inst.AssignedServer != "" && inst.AssignedServer != s.cfg.Server.Name {
		writeError(w, http.StatusConflict,
			fmt.Sprintf("instance is assigned to server %q; move it or call that server", inst.AssignedServer))
		return
	}
	if inst.ConnStatus == storage.ConnOffline {
		if err := s.store.SetConnectionStatus(r.Context(), id, storage.ConnNew); err != nil {
			writeStoreError(w, err)
			return
		}
	}

	if err := s.supervisor.Start(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, supervisor.ErrExpired):
			writeError(w, http.StatusConflict, "instance lifecycle is expired; renew it first")
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, http.StatusNotFound, "instance not found")
		default:
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("start worker: %v", err))
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"started": true})
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "instance not found")
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, reason string) {
	writeJSON(w, status, map[string]string{"error": reason})
}
