package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/draftline-labs/draftline-go/internal/domain"
	"github.com/draftline-labs/draftline-go/internal/engine"
	"github.com/draftline-labs/draftline-go/internal/export"
	"github.com/draftline-labs/draftline-go/internal/platform/auditlog"
	"github.com/draftline-labs/draftline-go/internal/platform/auth"
	"github.com/draftline-labs/draftline-go/internal/platform/httpserver"
	"github.com/draftline-labs/draftline-go/internal/progress"
	"github.com/draftline-labs/draftline-go/internal/repo"
)

const maxBodyBytes = 1 << 20

type orchestratorAPI struct {
	logger    *slog.Logger
	db        *sql.DB
	driver    *engine.Driver
	bus       *progress.Bus
	exporter  *export.Exporter
	projects  repo.ProjectRepository
	runs      repo.RunRepository
	artifacts repo.ArtifactRepository
	approvals repo.ApprovalRepository
}

func newOrchestratorAPI(
	logger *slog.Logger,
	db *sql.DB,
	driver *engine.Driver,
	bus *progress.Bus,
	exporter *export.Exporter,
	projects repo.ProjectRepository,
	runs repo.RunRepository,
	artifacts repo.ArtifactRepository,
	approvals repo.ApprovalRepository,
) *orchestratorAPI {
	return &orchestratorAPI{
		logger:    logger,
		db:        db,
		driver:    driver,
		bus:       bus,
		exporter:  exporter,
		projects:  projects,
		runs:      runs,
		artifacts: artifacts,
		approvals: approvals,
	}
}

func (api *orchestratorAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /projects", api.handleCreateProject)
	mux.HandleFunc("GET /projects", api.handleListProjects)
	mux.HandleFunc("GET /projects/{project_id}", api.handleGetProject)

	mux.HandleFunc("POST /projects/{project_id}/runs", api.handleCreateRun)
	mux.HandleFunc("GET /projects/{project_id}/runs", api.handleListRuns)

	mux.HandleFunc("GET /runs/{run_id}", api.handleGetRun)
	mux.HandleFunc("POST /runs/{run_id}/start", api.handleStartRun)
	mux.HandleFunc("POST /runs/{run_id}/pause", api.handlePauseRun)

	mux.HandleFunc("POST /runs/{run_id}/approvals/{stage}", api.handleDecideApproval)
	mux.HandleFunc("GET /runs/{run_id}/approvals", api.handleListApprovals)
	mux.HandleFunc("GET /runs/{run_id}/artifacts", api.handleListArtifacts)

	mux.HandleFunc("POST /runs/{run_id}/export", api.handleExportRun)
	mux.HandleFunc("GET /runs/{run_id}/progress", api.handleProgressStream)
}

type projectResponse struct {
	ProjectID      string    `json:"project_id"`
	Name           string    `json:"name"`
	Description    string    `json:"description,omitempty"`
	ProductRequest string    `json:"product_request"`
	Owner          string    `json:"owner,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func toProjectResponse(p domain.Project) projectResponse {
	return projectResponse{
		ProjectID:      p.ID,
		Name:           p.Name,
		Description:    p.Description,
		ProductRequest: p.ProductRequest,
		Owner:          p.OwnerSubject,
		CreatedAt:      p.CreatedAt,
		UpdatedAt:      p.UpdatedAt,
	}
}

type runResponse struct {
	RunID        string     `json:"run_id"`
	ProjectID    string     `json:"project_id"`
	Status       string     `json:"status"`
	CurrentStage string     `json:"current_stage"`
	ErrorMessage string     `json:"error_message,omitempty"`
	Tokens       tokenUsage `json:"tokens"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

type tokenUsage struct {
	Prompt     int64 `json:"prompt"`
	Completion int64 `json:"completion"`
	Total      int64 `json:"total"`
}

func toRunResponse(r domain.Run) runResponse {
	return runResponse{
		RunID:        r.ID,
		ProjectID:    r.ProjectID,
		Status:       string(r.Status),
		CurrentStage: string(r.CurrentStage),
		ErrorMessage: r.ErrorMessage,
		Tokens: tokenUsage{
			Prompt:     r.Tokens.Prompt,
			Completion: r.Tokens.Completion,
			Total:      r.Tokens.Total,
		},
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

type artifactResponse struct {
	ArtifactID string         `json:"artifact_id"`
	RunID      string         `json:"run_id"`
	Type       string         `json:"type"`
	Name       string         `json:"name"`
	Content    string         `json:"content"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	IsFallback bool           `json:"is_fallback"`
	CreatedAt  time.Time      `json:"created_at"`
}

func toArtifactResponse(a domain.Artifact) artifactResponse {
	return artifactResponse{
		ArtifactID: a.ID,
		RunID:      a.RunID,
		Type:       string(a.Type),
		Name:       a.Name,
		Content:    a.Content,
		Metadata:   a.Metadata,
		IsFallback: a.IsFallback,
		CreatedAt:  a.CreatedAt,
	}
}

type approvalResponse struct {
	ApprovalID string    `json:"approval_id"`
	RunID      string    `json:"run_id"`
	Stage      string    `json:"stage"`
	Approved   *bool     `json:"approved"`
	Action     string    `json:"action,omitempty"`
	Feedback   string    `json:"feedback,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func toApprovalResponse(a domain.Approval) approvalResponse {
	return approvalResponse{
		ApprovalID: a.ID,
		RunID:      a.RunID,
		Stage:      string(a.Stage),
		Approved:   a.Approved,
		Action:     string(a.Action),
		Feedback:   a.Feedback,
		CreatedAt:  a.CreatedAt,
		UpdatedAt:  a.UpdatedAt,
	}
}

type createProjectRequest struct {
	Name           string `json:"name"`
	Description    string `json:"description,omitempty"`
	ProductRequest string `json:"product_request"`
}

func (api *orchestratorAPI) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}

	identity, _ := auth.IdentityFromContext(r.Context())
	owner := identity.Subject
	if owner == "" {
		owner = "anonymous"
	}
	now := time.Now().UTC()
	project := domain.Project{
		ID:             uuid.NewString(),
		Name:           strings.TrimSpace(req.Name),
		Description:    strings.TrimSpace(req.Description),
		ProductRequest: strings.TrimSpace(req.ProductRequest),
		OwnerSubject:   owner,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := project.Validate(); err != nil {
		api.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := api.projects.CreateProject(r.Context(), project); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			api.writeError(w, r, http.StatusConflict, "project_exists")
			return
		}
		api.internalError(w, r, "create project", err)
		return
	}
	api.writeJSON(w, http.StatusCreated, toProjectResponse(project))
}

func (api *orchestratorAPI) handleListProjects(w http.ResponseWriter, r *http.Request) {
	filter := repo.ProjectFilter{Limit: queryLimit(r)}
	if r.URL.Query().Get("mine") == "true" {
		identity, _ := auth.IdentityFromContext(r.Context())
		filter.OwnerSubject = identity.Subject
	}
	projects, err := api.projects.ListProjects(r.Context(), filter)
	if err != nil {
		api.internalError(w, r, "list projects", err)
		return
	}
	out := make([]projectResponse, 0, len(projects))
	for _, p := range projects {
		out = append(out, toProjectResponse(p))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"projects": out})
}

func (api *orchestratorAPI) handleGetProject(w http.ResponseWriter, r *http.Request) {
	project, err := api.projects.GetProject(r.Context(), r.PathValue("project_id"))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "project_not_found")
			return
		}
		api.internalError(w, r, "get project", err)
		return
	}
	api.writeJSON(w, http.StatusOK, toProjectResponse(project))
}

func (api *orchestratorAPI) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	run, err := api.driver.CreateRun(r.Context(), r.PathValue("project_id"))
	if err != nil {
		if errors.Is(err, engine.ErrRunNotFound) {
			api.writeError(w, r, http.StatusNotFound, "project_not_found")
			return
		}
		api.internalError(w, r, "create run", err)
		return
	}
	api.writeJSON(w, http.StatusCreated, toRunResponse(run))
}

func (api *orchestratorAPI) handleListRuns(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("project_id")
	if _, err := api.projects.GetProject(r.Context(), projectID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "project_not_found")
			return
		}
		api.internalError(w, r, "get project", err)
		return
	}
	filter := repo.RunFilter{
		ProjectID: projectID,
		Status:    domain.NormalizeRunStatus(r.URL.Query().Get("status")),
		Limit:     queryLimit(r),
	}
	runs, err := api.runs.ListRuns(r.Context(), filter)
	if err != nil {
		api.internalError(w, r, "list runs", err)
		return
	}
	out := make([]runResponse, 0, len(runs))
	for _, run := range runs {
		out = append(out, toRunResponse(run))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"runs": out})
}

func (api *orchestratorAPI) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := api.runs.GetRun(r.Context(), r.PathValue("run_id"))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "run_not_found")
			return
		}
		api.internalError(w, r, "get run", err)
		return
	}
	api.writeJSON(w, http.StatusOK, toRunResponse(run))
}

func (api *orchestratorAPI) handleStartRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	if err := api.driver.Launch(r.Context(), runID); err != nil {
		api.writeEngineError(w, r, err)
		return
	}
	run, err := api.runs.GetRun(r.Context(), runID)
	if err != nil {
		api.internalError(w, r, "get run", err)
		return
	}
	api.audit(r, "run.start", runID, nil)
	api.writeJSON(w, http.StatusAccepted, toRunResponse(run))
}

func (api *orchestratorAPI) handlePauseRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	if err := api.driver.Pause(r.Context(), runID); err != nil {
		api.writeEngineError(w, r, err)
		return
	}
	run, err := api.runs.GetRun(r.Context(), runID)
	if err != nil {
		api.internalError(w, r, "get run", err)
		return
	}
	api.audit(r, "run.pause", runID, nil)
	api.writeJSON(w, http.StatusOK, toRunResponse(run))
}

type decideApprovalRequest struct {
	Action   string `json:"action"`
	Feedback string `json:"feedback,omitempty"`
}

func (api *orchestratorAPI) handleDecideApproval(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	stage := domain.NormalizeStage(r.PathValue("stage"))
	if stage == "" {
		api.writeError(w, r, http.StatusBadRequest, "unknown_stage")
		return
	}

	var req decideApprovalRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	action := domain.NormalizeApprovalAction(req.Action)
	if action == "" {
		api.writeError(w, r, http.StatusBadRequest, "unknown_action")
		return
	}

	approval, err := api.driver.Gates().Decide(r.Context(), runID, stage, action, strings.TrimSpace(req.Feedback))
	if err != nil {
		api.writeEngineError(w, r, err)
		return
	}
	api.audit(r, "approval.decide", runID, map[string]any{
		"stage":  string(stage),
		"action": string(action),
	})
	api.writeJSON(w, http.StatusOK, toApprovalResponse(approval))
}

func (api *orchestratorAPI) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	if _, err := api.runs.GetRun(r.Context(), runID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "run_not_found")
			return
		}
		api.internalError(w, r, "get run", err)
		return
	}
	approvals, err := api.approvals.ListApprovals(r.Context(), runID)
	if err != nil {
		api.internalError(w, r, "list approvals", err)
		return
	}
	out := make([]approvalResponse, 0, len(approvals))
	for _, a := range approvals {
		out = append(out, toApprovalResponse(a))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"approvals": out})
}

func (api *orchestratorAPI) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	if _, err := api.runs.GetRun(r.Context(), runID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "run_not_found")
			return
		}
		api.internalError(w, r, "get run", err)
		return
	}
	artifacts, err := api.artifacts.ListArtifacts(r.Context(), runID)
	if err != nil {
		api.internalError(w, r, "list artifacts", err)
		return
	}
	out := make([]artifactResponse, 0, len(artifacts))
	for _, a := range artifacts {
		out = append(out, toArtifactResponse(a))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"artifacts": out})
}

func (api *orchestratorAPI) handleExportRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	result, err := api.exporter.Export(r.Context(), runID)
	if err != nil {
		switch {
		case errors.Is(err, repo.ErrNotFound):
			api.writeError(w, r, http.StatusNotFound, "run_not_found")
		case errors.Is(err, export.ErrNoArtifacts):
			api.writeError(w, r, http.StatusConflict, "no_artifacts")
		default:
			api.internalError(w, r, "export run", err)
		}
		return
	}
	api.audit(r, "run.export", runID, map[string]any{
		"bucket": result.Bucket,
		"key":    result.ObjectKey,
	})
	api.writeJSON(w, http.StatusCreated, map[string]any{
		"bucket":         result.Bucket,
		"object_key":     result.ObjectKey,
		"size_bytes":     result.Size,
		"artifact_count": result.ArtifactCount,
	})
}

// writeEngineError maps driver and gate errors onto HTTP statuses.
func (api *orchestratorAPI) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, engine.ErrRunNotFound):
		api.writeError(w, r, http.StatusNotFound, "run_not_found")
	case errors.Is(err, engine.ErrRunAlreadyActive):
		api.writeError(w, r, http.StatusConflict, "run_already_active")
	case errors.Is(err, engine.ErrApprovalPending):
		api.writeError(w, r, http.StatusConflict, "approval_pending")
	case errors.Is(err, engine.ErrStaleApproval):
		api.writeError(w, r, http.StatusConflict, "stale_approval")
	case errors.Is(err, engine.ErrInvalidTransition):
		api.writeError(w, r, http.StatusConflict, "invalid_transition")
	case errors.Is(err, engine.ErrRegenerationLimit):
		api.writeError(w, r, http.StatusUnprocessableEntity, "regeneration_limit")
	default:
		api.internalError(w, r, "engine", err)
	}
}

func (api *orchestratorAPI) internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	requestID, _ := httpserver.RequestIDFromContext(r.Context())
	api.logger.Error("request failed",
		"op", op,
		"path", r.URL.Path,
		"request_id", requestID,
		"error", err)
	api.writeError(w, r, http.StatusInternalServerError, "internal_error")
}

func (api *orchestratorAPI) writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	requestID, _ := httpserver.RequestIDFromContext(r.Context())
	api.writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": requestID,
	})
}

func (api *orchestratorAPI) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		api.logger.Error("write response failed", "error", err)
	}
}

// audit records a state-changing call. Failures are logged, never
// surfaced; the mutation already happened.
func (api *orchestratorAPI) audit(r *http.Request, action, runID string, payload map[string]any) {
	if api.db == nil {
		return
	}
	identity, _ := auth.IdentityFromContext(r.Context())
	actor := identity.Subject
	if actor == "" {
		actor = "anonymous"
	}
	requestID, _ := httpserver.RequestIDFromContext(r.Context())

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 750*time.Millisecond)
	defer cancel()
	if _, err := auditlog.Insert(ctx, api.db, auditlog.Event{
		OccurredAt:   time.Now().UTC(),
		Actor:        actor,
		Action:       action,
		ResourceType: "run",
		ResourceID:   runID,
		RequestID:    requestID,
		Payload:      payload,
	}); err != nil {
		api.logger.Warn("audit insert failed", "action", action, "error", err)
	}
}

func decodeJSON(r *http.Request, dst any) error {
	defer func() { _, _ = io.Copy(io.Discard, r.Body) }()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func queryLimit(r *http.Request) int {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return 0
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0
	}
	return limit
}
