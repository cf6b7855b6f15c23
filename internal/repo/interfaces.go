package repo

import (
	"context"
	"errors"
	"time"

	"github.com/draftline-labs/draftline-go/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a guarded write matched no rows because
// the record was not in the expected state.
var ErrConflict = errors.New("conflict")

type ProjectFilter struct {
	OwnerSubject string
	Limit        int
}

type RunFilter struct {
	ProjectID string
	Status    domain.RunStatus
	Limit     int
}

// ProjectRepository manages projects.
type ProjectRepository interface {
	CreateProject(ctx context.Context, project domain.Project) error
	GetProject(ctx context.Context, id string) (domain.Project, error)
	ListProjects(ctx context.Context, filter ProjectFilter) ([]domain.Project, error)
}

// RunRepository manages run records. Status transitions are guarded
// writes: a call that matches no rows returns ErrConflict so callers
// can tell a lost race from success.
type RunRepository interface {
	CreateRun(ctx context.Context, run domain.Run) error
	GetRun(ctx context.Context, id string) (domain.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]domain.Run, error)

	// ClaimRun atomically admits a run into running from one of the
	// given statuses. At most one concurrent caller wins the claim.
	ClaimRun(ctx context.Context, id string, from []domain.RunStatus, stage domain.Stage, startedAt time.Time) error
	// SetStage records the stage currently being worked.
	SetStage(ctx context.Context, id string, stage domain.Stage) error
	// PauseRun suspends a running run without touching its stage.
	PauseRun(ctx context.Context, id string, stage domain.Stage) error
	MarkCompleted(ctx context.Context, id string, completedAt time.Time) error
	MarkFailed(ctx context.Context, id string, stage domain.Stage, message string) error
	// AddTokenUsage accumulates counters; they never decrease.
	AddTokenUsage(ctx context.Context, id string, usage domain.TokenUsage) error
}

// ArtifactRepository manages stage outputs.
type ArtifactRepository interface {
	CreateArtifact(ctx context.Context, artifact domain.Artifact) error
	ListArtifacts(ctx context.Context, runID string) ([]domain.Artifact, error)
	// LatestArtifact returns the current artifact for a stage output.
	LatestArtifact(ctx context.Context, runID string, kind domain.ArtifactType) (domain.Artifact, error)
	CountArtifacts(ctx context.Context, runID string, kind domain.ArtifactType) (int, error)
}

// ApprovalRepository manages gate decisions, one row per (run, stage).
type ApprovalRepository interface {
	// EnsureApproval creates a pending approval if none exists yet.
	EnsureApproval(ctx context.Context, approval domain.Approval) error
	GetApproval(ctx context.Context, runID string, stage domain.Stage) (domain.Approval, error)
	ListApprovals(ctx context.Context, runID string) ([]domain.Approval, error)
	// RecordDecision overwrites the decision fields in place.
	RecordDecision(ctx context.Context, approval domain.Approval) error
	// ResetApproval returns an approval to pending so the gate can be
	// decided again after regeneration.
	ResetApproval(ctx context.Context, runID string, stage domain.Stage) error
}

// ProgressEventRepository appends and replays per-run ordered events.
type ProgressEventRepository interface {
	// AppendEvent assigns the next sequence number for the run.
	AppendEvent(ctx context.Context, event domain.ProgressEvent) (domain.ProgressEvent, error)
	ListEventsAfter(ctx context.Context, runID string, afterSeq int64, limit int) ([]domain.ProgressEvent, error)
}
