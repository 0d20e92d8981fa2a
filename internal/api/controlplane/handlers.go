package controlplane

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/nebula-sql/controlplane/internal/compiler"
	"github.com/nebula-sql/controlplane/internal/domain"
	"github.com/nebula-sql/controlplane/internal/store"
)

// Handler handles control plane HTTP requests: program, pipeline, and
// connector CRUD plus the lifecycle actions (compile, start, pause,
// shutdown) that move work onto the compile scheduler and runner
// supervisor.
type Handler struct {
	Store       *store.Store
	CompilerCfg compiler.Config
}

// RegisterRoutes registers all control plane routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v0/programs", h.CreateProgram)
	mux.HandleFunc("GET /v0/programs", h.ListPrograms)
	mux.HandleFunc("GET /v0/programs/{id}", h.GetProgram)
	mux.HandleFunc("PATCH /v0/programs/{id}", h.UpdateProgram)
	mux.HandleFunc("DELETE /v0/programs/{id}", h.DeleteProgram)
	mux.HandleFunc("POST /v0/programs/{id}/compile", h.CompileProgram)

	mux.HandleFunc("POST /v0/pipelines", h.CreatePipeline)
	mux.HandleFunc("GET /v0/pipelines", h.ListPipelines)
	mux.HandleFunc("GET /v0/pipelines/{id}", h.GetPipeline)
	mux.HandleFunc("PATCH /v0/pipelines/{id}", h.UpdatePipeline)
	mux.HandleFunc("DELETE /v0/pipelines/{id}", h.DeletePipeline)
	mux.HandleFunc("GET /v0/pipelines/{id}/config", h.GetPipelineConfig)
	mux.HandleFunc("POST /v0/pipelines/{id}/start", h.StartPipeline)
	mux.HandleFunc("POST /v0/pipelines/{id}/pause", h.PausePipeline)
	mux.HandleFunc("POST /v0/pipelines/{id}/shutdown", h.ShutdownPipeline)

	mux.HandleFunc("POST /v0/connectors", h.CreateConnector)
	mux.HandleFunc("GET /v0/connectors", h.ListConnectors)
	mux.HandleFunc("GET /v0/connectors/{id}", h.GetConnector)
	mux.HandleFunc("PATCH /v0/connectors/{id}", h.UpdateConnector)
	mux.HandleFunc("DELETE /v0/connectors/{id}", h.DeleteConnector)
}

// --- programs ---

// CreateProgram handles POST /v0/programs.
func (h *Handler) CreateProgram(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		Code        string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}

	now := time.Now()
	p := &domain.Program{
		ID:          uuid.New().String(),
		Name:        req.Name,
		Description: req.Description,
		Code:        req.Code,
		Version:     1,
		Status:      domain.ProgramStatusNone,
		StatusSince: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := h.Store.CreateProgram(r.Context(), p); err != nil {
		writeStoreError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, p)
}

// ListPrograms handles GET /v0/programs?limit=&offset=.
func (h *Handler) ListPrograms(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r)
	programs, err := h.Store.ListPrograms(r.Context(), limit, offset)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if programs == nil {
		programs = []*domain.Program{}
	}
	total := estimatePaginatedTotal(limit, offset, len(programs))
	writePaginatedList(w, limit, offset, len(programs), total, programs)
}

// GetProgram handles GET /v0/programs/{id}.
func (h *Handler) GetProgram(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	p, err := h.Store.GetProgram(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// UpdateProgram handles PATCH /v0/programs/{id}. A code edit resets the
// program's compile status to none and bumps its version, per the guarded
// write invariant the compile scheduler relies on.
func (h *Handler) UpdateProgram(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var update domain.ProgramUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	p, err := h.Store.UpdateProgram(r.Context(), id, &update)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// DeleteProgram handles DELETE /v0/programs/{id}. Returns 400 when the
// program is still referenced by a pipeline.
func (h *Handler) DeleteProgram(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.Store.DeleteProgram(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "program_id": id})
}

// CompileProgram handles POST /v0/programs/{id}/compile. The caller must
// supply the version it last observed; a stale version is rejected with 409
// rather than silently compiling a version the caller no longer holds.
func (h *Handler) CompileProgram(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req struct {
		Version int64 `json:"version"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}

	p, err := h.Store.RequestCompileGuarded(r.Context(), id, req.Version)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, p)
}

// --- pipelines ---

// CreatePipeline handles POST /v0/pipelines.
func (h *Handler) CreatePipeline(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string                       `json:"name"`
		Description string                       `json:"description"`
		ProgramID   *string                      `json:"program_id"`
		Config      domain.PipelineConfig        `json:"config"`
		Connectors  []domain.ConnectorAttachment `json:"connectors"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}
	applyPipelineConfigDefaults(&req.Config)

	now := time.Now()
	p := &domain.Pipeline{
		ID:            uuid.New().String(),
		Name:          req.Name,
		Description:   req.Description,
		ProgramID:     req.ProgramID,
		Config:        req.Config,
		Connectors:    req.Connectors,
		Version:       1,
		DesiredStatus: domain.DesiredStatusShutdown,
		CurrentStatus: domain.PipelineStatusShutdown,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := h.Store.CreatePipeline(r.Context(), p); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// ListPipelines handles GET /v0/pipelines?limit=&offset=.
func (h *Handler) ListPipelines(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r)
	pipelines, err := h.Store.ListPipelines(r.Context(), limit, offset)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if pipelines == nil {
		pipelines = []*domain.Pipeline{}
	}
	total := estimatePaginatedTotal(limit, offset, len(pipelines))
	writePaginatedList(w, limit, offset, len(pipelines), total, pipelines)
}

// GetPipeline handles GET /v0/pipelines/{id}.
func (h *Handler) GetPipeline(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	p, err := h.Store.GetPipeline(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// UpdatePipeline handles PATCH /v0/pipelines/{id}.
func (h *Handler) UpdatePipeline(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var update domain.PipelineUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if update.Config != nil {
		applyPipelineConfigDefaults(update.Config)
	}
	p, err := h.Store.UpdatePipeline(r.Context(), id, &update)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// DeletePipeline handles DELETE /v0/pipelines/{id}. Returns 409 unless the
// pipeline's current_status is shutdown.
func (h *Handler) DeletePipeline(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.Store.DeletePipeline(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "pipeline_id": id})
}

// GetPipelineConfig handles GET /v0/pipelines/{id}/config, returning the
// pipeline's stored runtime configuration (already merged with defaults at
// creation/update time).
func (h *Handler) GetPipelineConfig(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	p, err := h.Store.GetPipeline(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p.Config)
}

// StartPipeline handles POST /v0/pipelines/{id}/start.
func (h *Handler) StartPipeline(w http.ResponseWriter, r *http.Request) {
	h.setDesiredStatus(w, r, domain.DesiredStatusRunning)
}

// PausePipeline handles POST /v0/pipelines/{id}/pause.
func (h *Handler) PausePipeline(w http.ResponseWriter, r *http.Request) {
	h.setDesiredStatus(w, r, domain.DesiredStatusPaused)
}

// ShutdownPipeline handles POST /v0/pipelines/{id}/shutdown.
func (h *Handler) ShutdownPipeline(w http.ResponseWriter, r *http.Request) {
	h.setDesiredStatus(w, r, domain.DesiredStatusShutdown)
}

// setDesiredStatus records the user's intent; the runner supervisor's
// reconciliation loop drives current_status toward it asynchronously, so
// this always returns 202 rather than waiting for the transition.
func (h *Handler) setDesiredStatus(w http.ResponseWriter, r *http.Request, desired domain.DesiredStatus) {
	id := r.PathValue("id")
	p, err := h.Store.SetDesiredStatus(r.Context(), id, desired)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, p)
}

func applyPipelineConfigDefaults(cfg *domain.PipelineConfig) {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.StorageMB <= 0 {
		cfg.StorageMB = 512
	}
	if cfg.MemoryMB <= 0 {
		cfg.MemoryMB = 256
	}
}

// --- connectors ---

// CreateConnector handles POST /v0/connectors.
func (h *Handler) CreateConnector(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		Config      string `json:"config"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}

	now := time.Now()
	c := &domain.Connector{
		ID:          uuid.New().String(),
		Name:        req.Name,
		Description: req.Description,
		Config:      req.Config,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := h.Store.CreateConnector(r.Context(), c); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// ListConnectors handles GET /v0/connectors?limit=&offset=.
func (h *Handler) ListConnectors(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r)
	connectors, err := h.Store.ListConnectors(r.Context(), limit, offset)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if connectors == nil {
		connectors = []*domain.Connector{}
	}
	total := estimatePaginatedTotal(limit, offset, len(connectors))
	writePaginatedList(w, limit, offset, len(connectors), total, connectors)
}

// GetConnector handles GET /v0/connectors/{id}.
func (h *Handler) GetConnector(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	c, err := h.Store.GetConnector(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// UpdateConnector handles PATCH /v0/connectors/{id}.
func (h *Handler) UpdateConnector(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var update domain.ConnectorUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	c, err := h.Store.UpdateConnector(r.Context(), id, &update)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// DeleteConnector handles DELETE /v0/connectors/{id}. Returns 400 when the
// connector is still attached to a pipeline.
func (h *Handler) DeleteConnector(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.Store.DeleteConnector(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "connector_id": id})
}

// --- shared helpers ---

func parsePagination(r *http.Request) (limit, offset int) {
	limit = 50
	offset = 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeStoreError maps a Store sentinel error to its HTTP status: not
// found, conflict/version-mismatch/referenced, validation, and anything
// else as a system error.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, domain.ErrConflict),
		errors.Is(err, domain.ErrVersionMismatch),
		errors.Is(err, domain.ErrPipelineNotShutdown):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrReferenced):
		// Delete-while-referenced is a validation failure (400), not a
		// version/uniqueness conflict (409).
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
