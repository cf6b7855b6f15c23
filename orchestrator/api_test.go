package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"

	"github.com/draftline-labs/draftline-go/internal/domain"
	"github.com/draftline-labs/draftline-go/internal/engine"
	"github.com/draftline-labs/draftline-go/internal/export"
	"github.com/draftline-labs/draftline-go/internal/generate"
	"github.com/draftline-labs/draftline-go/internal/pipelinecfg"
	"github.com/draftline-labs/draftline-go/internal/progress"
	"github.com/draftline-labs/draftline-go/internal/repo"
)

// memRepos is an in-process store for handler tests.
type memRepos struct {
	mu        sync.Mutex
	projects  map[string]domain.Project
	runs      map[string]domain.Run
	artifacts map[string][]domain.Artifact
	approvals map[string]domain.Approval
	events    map[string][]domain.ProgressEvent
}

func newMemRepos() *memRepos {
	return &memRepos{
		projects:  make(map[string]domain.Project),
		runs:      make(map[string]domain.Run),
		artifacts: make(map[string][]domain.Artifact),
		approvals: make(map[string]domain.Approval),
		events:    make(map[string][]domain.ProgressEvent),
	}
}

func (m *memRepos) CreateProject(_ context.Context, p domain.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.projects[p.ID] = p
	return nil
}

func (m *memRepos) GetProject(_ context.Context, id string) (domain.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return domain.Project{}, repo.ErrNotFound
	}
	return p, nil
}

func (m *memRepos) ListProjects(_ context.Context, filter repo.ProjectFilter) ([]domain.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Project, 0, len(m.projects))
	for _, p := range m.projects {
		if filter.OwnerSubject != "" && p.OwnerSubject != filter.OwnerSubject {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (m *memRepos) CreateRun(_ context.Context, run domain.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = run
	return nil
}

func (m *memRepos) GetRun(_ context.Context, id string) (domain.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return domain.Run{}, repo.ErrNotFound
	}
	return run, nil
}

func (m *memRepos) ListRuns(_ context.Context, filter repo.RunFilter) ([]domain.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Run, 0)
	for _, run := range m.runs {
		if filter.ProjectID != "" && run.ProjectID != filter.ProjectID {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		out = append(out, run)
	}
	return out, nil
}

func (m *memRepos) ClaimRun(_ context.Context, id string, from []domain.RunStatus, stage domain.Stage, startedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return repo.ErrConflict
	}
	for _, status := range from {
		if run.Status == status {
			run.Status = domain.RunRunning
			run.CurrentStage = stage
			run.ErrorMessage = ""
			if run.StartedAt == nil {
				t := startedAt
				run.StartedAt = &t
			}
			m.runs[id] = run
			return nil
		}
	}
	return repo.ErrConflict
}

func (m *memRepos) SetStage(_ context.Context, id string, stage domain.Stage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return repo.ErrNotFound
	}
	run.CurrentStage = stage
	m.runs[id] = run
	return nil
}

func (m *memRepos) PauseRun(_ context.Context, id string, stage domain.Stage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok || run.Status != domain.RunRunning {
		return repo.ErrConflict
	}
	run.Status = domain.RunPaused
	run.CurrentStage = stage
	m.runs[id] = run
	return nil
}

func (m *memRepos) MarkCompleted(_ context.Context, id string, completedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return repo.ErrNotFound
	}
	run.Status = domain.RunCompleted
	run.CurrentStage = domain.StageComplete
	t := completedAt
	run.CompletedAt = &t
	m.runs[id] = run
	return nil
}

func (m *memRepos) MarkFailed(_ context.Context, id string, stage domain.Stage, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return repo.ErrNotFound
	}
	run.Status = domain.RunFailed
	run.CurrentStage = stage
	run.ErrorMessage = message
	m.runs[id] = run
	return nil
}

func (m *memRepos) AddTokenUsage(_ context.Context, id string, usage domain.TokenUsage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return repo.ErrNotFound
	}
	run.Tokens = run.Tokens.Add(usage)
	m.runs[id] = run
	return nil
}

func (m *memRepos) CreateArtifact(_ context.Context, a domain.Artifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.artifacts[a.RunID] = append(m.artifacts[a.RunID], a)
	return nil
}

func (m *memRepos) ListArtifacts(_ context.Context, runID string) ([]domain.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Artifact(nil), m.artifacts[runID]...), nil
}

func (m *memRepos) LatestArtifact(_ context.Context, runID string, kind domain.ArtifactType) (domain.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.artifacts[runID]) - 1; i >= 0; i-- {
		if m.artifacts[runID][i].Type == kind {
			return m.artifacts[runID][i], nil
		}
	}
	return domain.Artifact{}, repo.ErrNotFound
}

func (m *memRepos) CountArtifacts(_ context.Context, runID string, kind domain.ArtifactType) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, a := range m.artifacts[runID] {
		if a.Type == kind {
			count++
		}
	}
	return count, nil
}

func (m *memRepos) EnsureApproval(_ context.Context, a domain.Approval) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := a.RunID + "/" + string(a.Stage)
	if _, exists := m.approvals[key]; !exists {
		m.approvals[key] = a
	}
	return nil
}

func (m *memRepos) GetApproval(_ context.Context, runID string, stage domain.Stage) (domain.Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.approvals[runID+"/"+string(stage)]
	if !ok {
		return domain.Approval{}, repo.ErrNotFound
	}
	return a, nil
}

func (m *memRepos) ListApprovals(_ context.Context, runID string) ([]domain.Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Approval, 0)
	for _, a := range m.approvals {
		if a.RunID == runID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memRepos) RecordDecision(_ context.Context, a domain.Approval) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := a.RunID + "/" + string(a.Stage)
	existing, ok := m.approvals[key]
	if !ok {
		return repo.ErrNotFound
	}
	existing.Approved = a.Approved
	existing.Action = a.Action
	existing.Feedback = a.Feedback
	m.approvals[key] = existing
	return nil
}

func (m *memRepos) ResetApproval(_ context.Context, runID string, stage domain.Stage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := runID + "/" + string(stage)
	existing, ok := m.approvals[key]
	if !ok {
		return repo.ErrNotFound
	}
	existing.Approved = nil
	existing.Action = domain.ActionProceed
	existing.Feedback = ""
	m.approvals[key] = existing
	return nil
}

func (m *memRepos) AppendEvent(_ context.Context, e domain.ProgressEvent) (domain.ProgressEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.Seq = int64(len(m.events[e.RunID]) + 1)
	m.events[e.RunID] = append(m.events[e.RunID], e)
	return e, nil
}

func (m *memRepos) ListEventsAfter(_ context.Context, runID string, afterSeq int64, limit int) ([]domain.ProgressEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.ProgressEvent, 0)
	for _, e := range m.events[runID] {
		if e.Seq > afterSeq {
			out = append(out, e)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

type nopUploader struct{}

func (nopUploader) PutObject(_ context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, _ minio.PutObjectOptions) (minio.UploadInfo, error) {
	_, _ = io.Copy(io.Discard, reader)
	return minio.UploadInfo{Bucket: bucketName, Key: objectName, Size: objectSize}, nil
}

func newTestAPI(t *testing.T) (*memRepos, http.Handler) {
	t.Helper()
	repos := newMemRepos()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := progress.NewBus(repos, logger)
	driver := engine.NewDriver(logger, repos, repos, repos, repos,
		generate.NewTemplateGenerator(), bus, pipelinecfg.Default())
	exporter := export.NewExporter(nopUploader{}, "exports", repos, repos, repos)

	mux := http.NewServeMux()
	api := newOrchestratorAPI(logger, nil, driver, bus, exporter, repos, repos, repos, repos)
	api.register(mux)
	return repos, mux
}

func seedProjectAndRun(t *testing.T, repos *memRepos, status domain.RunStatus, stage domain.Stage) (domain.Project, domain.Run) {
	t.Helper()
	ctx := context.Background()
	project := domain.Project{
		ID:             "proj-1",
		Name:           "Checkout Revamp",
		ProductRequest: "Rebuild checkout.",
		OwnerSubject:   "user-1",
	}
	if err := repos.CreateProject(ctx, project); err != nil {
		t.Fatalf("create project: %v", err)
	}
	run := domain.Run{
		ID:           "run-1",
		ProjectID:    project.ID,
		Status:       status,
		CurrentStage: stage,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}
	if err := repos.CreateRun(ctx, run); err != nil {
		t.Fatalf("create run: %v", err)
	}
	return project, run
}

func doJSON(t *testing.T, handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestCreateProjectValidation(t *testing.T) {
	_, handler := newTestAPI(t)

	rec := doJSON(t, handler, http.MethodPost, "/projects", `{"name":""}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty name: status = %d, want 400", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodPost, "/projects",
		`{"name":"Checkout","product_request":"Rebuild checkout."}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var created projectResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if created.ProjectID == "" {
		t.Fatal("response missing project_id")
	}
}

func TestCreateRunUnknownProject(t *testing.T) {
	_, handler := newTestAPI(t)
	rec := doJSON(t, handler, http.MethodPost, "/projects/missing/runs", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestStartRunConflicts(t *testing.T) {
	repos, handler := newTestAPI(t)
	seedProjectAndRun(t, repos, domain.RunRunning, domain.StageResearch)

	rec := doJSON(t, handler, http.MethodPost, "/runs/run-1/start", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("start running run: status = %d, want 409", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodPost, "/runs/missing/start", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("start missing run: status = %d, want 404", rec.Code)
	}
}

func TestDecideApprovalEndpoint(t *testing.T) {
	repos, handler := newTestAPI(t)
	_, run := seedProjectAndRun(t, repos, domain.RunPaused, domain.StageWaitingEpicApproval)
	ctx := context.Background()
	if err := repos.EnsureApproval(ctx, domain.Approval{
		ID:    "appr-1",
		RunID: run.ID,
		Stage: domain.StageEpics,
	}); err != nil {
		t.Fatalf("ensure approval: %v", err)
	}

	rec := doJSON(t, handler, http.MethodPost, "/runs/run-1/approvals/epics",
		`{"action":"proceed"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("decide: status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var decided approvalResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &decided); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if decided.Approved == nil || !*decided.Approved {
		t.Fatalf("approved = %v, want true", decided.Approved)
	}

	// The run is parked at the epic gate, so the story gate is stale.
	rec = doJSON(t, handler, http.MethodPost, "/runs/run-1/approvals/stories",
		`{"action":"proceed"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("stale decide: status = %d, want 409", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodPost, "/runs/run-1/approvals/bogus",
		`{"action":"proceed"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown stage: status = %d, want 400", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodPost, "/runs/run-1/approvals/epics",
		`{"action":"ship-it"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown action: status = %d, want 400", rec.Code)
	}
}

func TestExportEndpoint(t *testing.T) {
	repos, handler := newTestAPI(t)
	_, run := seedProjectAndRun(t, repos, domain.RunCompleted, domain.StageComplete)

	rec := doJSON(t, handler, http.MethodPost, "/runs/run-1/export", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("export empty run: status = %d, want 409", rec.Code)
	}

	ctx := context.Background()
	if err := repos.CreateArtifact(ctx, domain.Artifact{
		ID:      "art-1",
		RunID:   run.ID,
		Type:    domain.ArtifactResearch,
		Name:    "research.md",
		Content: "notes",
	}); err != nil {
		t.Fatalf("create artifact: %v", err)
	}

	rec = doJSON(t, handler, http.MethodPost, "/runs/run-1/export", "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("export: status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var result map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if result["bucket"] != "exports" {
		t.Fatalf("bucket = %v", result["bucket"])
	}
}

func TestProgressStreamReplaysTerminalRun(t *testing.T) {
	repos, handler := newTestAPI(t)
	_, run := seedProjectAndRun(t, repos, domain.RunCompleted, domain.StageComplete)

	ctx := context.Background()
	for _, msg := range []string{"stage research started", "stage research completed", "run completed"} {
		if _, err := repos.AppendEvent(ctx, domain.ProgressEvent{
			RunID:   run.ID,
			Stage:   domain.StageResearch,
			Message: msg,
		}); err != nil {
			t.Fatalf("append event: %v", err)
		}
	}

	rec := doJSON(t, handler, http.MethodGet, "/runs/run-1/progress", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("content type = %q", got)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "event: connected") {
		t.Fatal("missing connected event")
	}
	if strings.Count(body, "event: progress") != 3 {
		t.Fatalf("progress events in body:\n%s", body)
	}
	if !strings.Contains(body, "event: end") {
		t.Fatal("missing end event")
	}

	// Replay resumes after the given sequence number.
	rec = doJSON(t, handler, http.MethodGet, "/runs/run-1/progress?after_seq=2", "")
	if strings.Count(rec.Body.String(), "event: progress") != 1 {
		t.Fatalf("after_seq replay:\n%s", rec.Body.String())
	}
}
