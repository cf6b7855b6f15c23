package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/draftline-labs/draftline-go/internal/domain"
	"github.com/draftline-labs/draftline-go/internal/repo"
)

// Gates manages the approval records that park a run at its suspend
// points. Decisions are recorded here; the Driver consumes them on the
// next admission.
type Gates struct {
	runs      repo.RunRepository
	approvals repo.ApprovalRepository
	artifacts repo.ArtifactRepository
	regenCap  int
	now       func() time.Time
}

func NewGates(runs repo.RunRepository, approvals repo.ApprovalRepository, artifacts repo.ArtifactRepository, regenCap int) *Gates {
	return &Gates{
		runs:      runs,
		approvals: approvals,
		artifacts: artifacts,
		regenCap:  regenCap,
		now:       time.Now,
	}
}

// EnsurePending guarantees an undecided approval row exists for the
// gate following the given work stage. Safe to call repeatedly.
func (g *Gates) EnsurePending(ctx context.Context, runID string, stage domain.Stage) error {
	if stage.GateFor() == "" {
		return fmt.Errorf("stage %s is not gated", stage)
	}
	now := g.now().UTC()
	approval := domain.Approval{
		ID:    uuid.NewString(),
		RunID: runID,
		Stage: stage,
		// Pending rows default to proceed; approved stays null until a
		// human decides.
		Action:    domain.ActionProceed,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := g.approvals.EnsureApproval(ctx, approval); err != nil {
		return persistence("ensure approval", err)
	}
	return nil
}

// Decide records a human decision against a gate. The run must be
// paused at the waiting stage for that gate; deciding anything else is
// stale. Regenerate decisions are capped by the regeneration limit.
func (g *Gates) Decide(ctx context.Context, runID string, stage domain.Stage, action domain.ApprovalAction, feedback string) (domain.Approval, error) {
	run, err := g.runs.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Approval{}, ErrRunNotFound
		}
		return domain.Approval{}, persistence("get run", err)
	}
	if run.Status == domain.RunRunning {
		return domain.Approval{}, ErrRunAlreadyActive
	}
	if run.Status == domain.RunCompleted || run.Status == domain.RunFailed {
		return domain.Approval{}, fmt.Errorf("%w: run is %s", ErrInvalidTransition, run.Status)
	}
	gate := stage.GateFor()
	if gate == "" {
		return domain.Approval{}, fmt.Errorf("%w: stage %s has no gate", ErrStaleApproval, stage)
	}
	if run.CurrentStage != gate {
		return domain.Approval{}, fmt.Errorf("%w: run is at %s, not %s", ErrStaleApproval, run.CurrentStage, gate)
	}

	if action == domain.ActionRegenerate && g.regenCap > 0 {
		count, err := g.artifacts.CountArtifacts(ctx, runID, stage.ArtifactType())
		if err != nil {
			return domain.Approval{}, persistence("count artifacts", err)
		}
		// count includes the initial attempt, so count-1 regenerations
		// have happened already.
		if count-1 >= g.regenCap {
			return domain.Approval{}, fmt.Errorf("%w: stage %s already regenerated %d times", ErrRegenerationLimit, stage, count-1)
		}
	}

	approved := action == domain.ActionProceed
	decision := domain.Approval{
		RunID:    runID,
		Stage:    stage,
		Approved: &approved,
		Action:   action,
		Feedback: feedback,
	}
	if err := g.approvals.RecordDecision(ctx, decision); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Approval{}, fmt.Errorf("%w: no approval pending for %s", ErrStaleApproval, stage)
		}
		return domain.Approval{}, persistence("record decision", err)
	}
	return g.approvals.GetApproval(ctx, runID, stage)
}

// consume reads the decision parked at a waiting stage. Returns
// ErrApprovalPending while undecided.
func (g *Gates) consume(ctx context.Context, runID string, waiting domain.Stage) (domain.Approval, error) {
	stage := waiting.GatedStage()
	if stage == "" {
		return domain.Approval{}, fmt.Errorf("%w: %s is not a suspend point", ErrInvalidTransition, waiting)
	}
	approval, err := g.approvals.GetApproval(ctx, runID, stage)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Approval{}, ErrApprovalPending
		}
		return domain.Approval{}, persistence("get approval", err)
	}
	if !approval.Decided() {
		return domain.Approval{}, ErrApprovalPending
	}
	return approval, nil
}

// reset returns a consumed regenerate decision to pending so the gate
// must be decided again after the fresh attempt.
func (g *Gates) reset(ctx context.Context, runID string, stage domain.Stage) error {
	if err := g.approvals.ResetApproval(ctx, runID, stage); err != nil {
		return persistence("reset approval", err)
	}
	return nil
}
