package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/draftline-labs/draftline-go/internal/domain"
	"github.com/draftline-labs/draftline-go/internal/generate"
	"github.com/draftline-labs/draftline-go/internal/repo"
)

// memStore backs every repository with in-process maps so the driver
// can be exercised without a database. Guarded writes keep the same
// compare-and-set semantics as the SQL stores.
type memStore struct {
	mu        sync.Mutex
	projects  map[string]domain.Project
	runs      map[string]domain.Run
	artifacts map[string][]domain.Artifact
	approvals map[string]domain.Approval
	events    map[string][]domain.ProgressEvent
}

func newMemStore() *memStore {
	return &memStore{
		projects:  make(map[string]domain.Project),
		runs:      make(map[string]domain.Run),
		artifacts: make(map[string][]domain.Artifact),
		approvals: make(map[string]domain.Approval),
		events:    make(map[string][]domain.ProgressEvent),
	}
}

func approvalKey(runID string, stage domain.Stage) string {
	return runID + "/" + string(stage)
}

func (m *memStore) CreateProject(_ context.Context, project domain.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.projects[project.ID] = project
	return nil
}

func (m *memStore) GetProject(_ context.Context, id string) (domain.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	project, ok := m.projects[id]
	if !ok {
		return domain.Project{}, repo.ErrNotFound
	}
	return project, nil
}

func (m *memStore) ListProjects(_ context.Context, _ repo.ProjectFilter) ([]domain.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Project, 0, len(m.projects))
	for _, p := range m.projects {
		out = append(out, p)
	}
	return out, nil
}

func (m *memStore) CreateRun(_ context.Context, run domain.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runs[run.ID]; exists {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	m.runs[run.ID] = run
	return nil
}

func (m *memStore) GetRun(_ context.Context, id string) (domain.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return domain.Run{}, repo.ErrNotFound
	}
	return run, nil
}

func (m *memStore) ListRuns(_ context.Context, filter repo.RunFilter) ([]domain.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Run, 0, len(m.runs))
	for _, r := range m.runs {
		if filter.ProjectID != "" && r.ProjectID != filter.ProjectID {
			continue
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (m *memStore) ClaimRun(_ context.Context, id string, from []domain.RunStatus, stage domain.Stage, startedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return repo.ErrConflict
	}
	admissible := false
	for _, status := range from {
		if run.Status == status {
			admissible = true
			break
		}
	}
	if !admissible {
		return repo.ErrConflict
	}
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

func (m *memStore) SetStage(_ context.Context, id string, stage domain.Stage) error {
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

func (m *memStore) PauseRun(_ context.Context, id string, stage domain.Stage) error {
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

func (m *memStore) MarkCompleted(_ context.Context, id string, completedAt time.Time) error {
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

func (m *memStore) MarkFailed(_ context.Context, id string, stage domain.Stage, message string) error {
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

func (m *memStore) AddTokenUsage(_ context.Context, id string, usage domain.TokenUsage) error {
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

func (m *memStore) CreateArtifact(_ context.Context, artifact domain.Artifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.artifacts[artifact.RunID] = append(m.artifacts[artifact.RunID], artifact)
	return nil
}

func (m *memStore) ListArtifacts(_ context.Context, runID string) ([]domain.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]domain.Artifact(nil), m.artifacts[runID]...)
	return out, nil
}

func (m *memStore) LatestArtifact(_ context.Context, runID string, kind domain.ArtifactType) (domain.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.artifacts[runID]) - 1; i >= 0; i-- {
		if m.artifacts[runID][i].Type == kind {
			return m.artifacts[runID][i], nil
		}
	}
	return domain.Artifact{}, repo.ErrNotFound
}

func (m *memStore) CountArtifacts(_ context.Context, runID string, kind domain.ArtifactType) (int, error) {
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

func (m *memStore) EnsureApproval(_ context.Context, approval domain.Approval) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := approvalKey(approval.RunID, approval.Stage)
	if _, exists := m.approvals[key]; exists {
		return nil
	}
	m.approvals[key] = approval
	return nil
}

func (m *memStore) GetApproval(_ context.Context, runID string, stage domain.Stage) (domain.Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	approval, ok := m.approvals[approvalKey(runID, stage)]
	if !ok {
		return domain.Approval{}, repo.ErrNotFound
	}
	return approval, nil
}

func (m *memStore) ListApprovals(_ context.Context, runID string) ([]domain.Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Approval, 0)
	for _, a := range m.approvals {
		if a.RunID == runID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memStore) RecordDecision(_ context.Context, approval domain.Approval) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := approvalKey(approval.RunID, approval.Stage)
	existing, ok := m.approvals[key]
	if !ok {
		return repo.ErrNotFound
	}
	existing.Approved = approval.Approved
	existing.Action = approval.Action
	existing.Feedback = approval.Feedback
	m.approvals[key] = existing
	return nil
}

func (m *memStore) ResetApproval(_ context.Context, runID string, stage domain.Stage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := approvalKey(runID, stage)
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

func (m *memStore) AppendEvent(_ context.Context, event domain.ProgressEvent) (domain.ProgressEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	event.Seq = int64(len(m.events[event.RunID]) + 1)
	m.events[event.RunID] = append(m.events[event.RunID], event)
	return event, nil
}

func (m *memStore) ListEventsAfter(_ context.Context, runID string, afterSeq int64, limit int) ([]domain.ProgressEvent, error) {
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

// scriptedGenerator fails the stages listed in failStages and records
// every input it saw.
type scriptedGenerator struct {
	mu         sync.Mutex
	failStages map[domain.Stage]error
	inputs     []generate.Input
}

func newScriptedGenerator() *scriptedGenerator {
	return &scriptedGenerator{failStages: make(map[domain.Stage]error)}
}

func (g *scriptedGenerator) failOn(stage domain.Stage, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failStages[stage] = err
}

func (g *scriptedGenerator) succeedOn(stage domain.Stage) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.failStages, stage)
}

func (g *scriptedGenerator) seen() []generate.Input {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]generate.Input(nil), g.inputs...)
}

func (g *scriptedGenerator) Generate(_ context.Context, input generate.Input) (generate.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inputs = append(g.inputs, input)
	if err := g.failStages[input.Stage]; err != nil {
		return generate.Result{}, err
	}
	return generate.Result{
		Content: fmt.Sprintf("%s output (attempt %d)", input.Stage, input.Regeneration+1),
		Usage:   domain.TokenUsage{Prompt: 10, Completion: 20, Total: 30},
	}, nil
}
