package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/draftline-labs/draftline-go/internal/domain"
	"github.com/draftline-labs/draftline-go/internal/generate"
	"github.com/draftline-labs/draftline-go/internal/pipelinecfg"
	"github.com/draftline-labs/draftline-go/internal/progress"
	"github.com/draftline-labs/draftline-go/internal/repo"
)

// Driver owns the run lifecycle. All state changes go through its
// admission check, so at most one execution walks a given run at a
// time; everything it knows about a run is re-derived from storage, so
// a process restart loses nothing.
type Driver struct {
	logger    *slog.Logger
	projects  repo.ProjectRepository
	runs      repo.RunRepository
	artifacts repo.ArtifactRepository
	gates     *Gates
	exec      *executor
	bus       *progress.Bus
	now       func() time.Time
}

func NewDriver(
	logger *slog.Logger,
	projects repo.ProjectRepository,
	runs repo.RunRepository,
	artifacts repo.ArtifactRepository,
	approvals repo.ApprovalRepository,
	generator generate.Generator,
	bus *progress.Bus,
	spec pipelinecfg.Spec,
) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Driver{
		logger:    logger,
		projects:  projects,
		runs:      runs,
		artifacts: artifacts,
		bus:       bus,
		now:       time.Now,
	}
	d.gates = NewGates(runs, approvals, artifacts, spec.RegenLimit())
	d.exec = &executor{
		projects:  projects,
		runs:      runs,
		artifacts: artifacts,
		generator: generator,
		spec:      spec,
		bus:       bus,
		logger:    logger,
		now:       d.now,
	}
	return d
}

// Gates exposes the approval manager for the API layer.
func (d *Driver) Gates() *Gates { return d.gates }

// CreateRun registers a new run for a project. The run starts pending
// at the initialized stage; nothing executes until Start.
func (d *Driver) CreateRun(ctx context.Context, projectID string) (domain.Run, error) {
	if _, err := d.projects.GetProject(ctx, projectID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Run{}, fmt.Errorf("%w: project %s", ErrRunNotFound, projectID)
		}
		return domain.Run{}, persistence("get project", err)
	}
	now := d.now().UTC()
	run := domain.Run{
		ID:           uuid.NewString(),
		ProjectID:    projectID,
		Status:       domain.RunPending,
		CurrentStage: domain.StageInitialized,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := d.runs.CreateRun(ctx, run); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Run{}, fmt.Errorf("%w: project %s", ErrRunNotFound, projectID)
		}
		return domain.Run{}, persistence("create run", err)
	}
	return run, nil
}

// plan is the resolved resumption point produced by admission.
type plan struct {
	stage      domain.Stage
	feedback   string
	regenerate bool
	// terminated means admission itself ended the run (a pending
	// rejection was applied) and there is nothing to walk.
	terminated bool
}

// Start admits the run and walks it synchronously until it completes,
// parks at a gate, pauses, or fails. Callers that want fire-and-forget
// use Launch instead.
func (d *Driver) Start(ctx context.Context, runID string) error {
	run, p, err := d.admit(ctx, runID)
	if err != nil {
		return err
	}
	if p.terminated {
		return nil
	}
	return d.walk(ctx, run, p)
}

// Launch admits the run synchronously so the caller sees admission
// errors, then walks it in the background. The walk survives the
// caller's request context.
func (d *Driver) Launch(ctx context.Context, runID string) error {
	run, p, err := d.admit(ctx, runID)
	if err != nil {
		return err
	}
	if p.terminated {
		return nil
	}
	walkCtx := context.WithoutCancel(ctx)
	go func() {
		if err := d.walk(walkCtx, run, p); err != nil {
			d.logger.Error("run walk ended with error",
				slog.String("run_id", runID),
				slog.String("error", err.Error()))
		}
	}()
	return nil
}

// Pause suspends a running run at its next stage boundary. The current
// stage is kept so a later Start resumes exactly where it left off.
func (d *Driver) Pause(ctx context.Context, runID string) error {
	run, err := d.runs.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrRunNotFound
		}
		return persistence("get run", err)
	}
	if run.Status != domain.RunRunning {
		return fmt.Errorf("%w: cannot pause a %s run", ErrInvalidTransition, run.Status)
	}
	if err := d.runs.PauseRun(ctx, runID, run.CurrentStage); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return fmt.Errorf("%w: run is no longer running", ErrInvalidTransition)
		}
		return persistence("pause run", err)
	}
	d.publish(ctx, runID, run.CurrentStage, "run paused")
	return nil
}

// admit resolves where the run should resume and claims it. The claim
// is a compare-and-set on status, so a concurrent Start loses with
// ErrRunAlreadyActive.
func (d *Driver) admit(ctx context.Context, runID string) (domain.Run, plan, error) {
	run, err := d.runs.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Run{}, plan{}, ErrRunNotFound
		}
		return domain.Run{}, plan{}, persistence("get run", err)
	}

	var p plan
	var from []domain.RunStatus

	switch run.Status {
	case domain.RunRunning:
		return domain.Run{}, plan{}, ErrRunAlreadyActive
	case domain.RunCompleted:
		return domain.Run{}, plan{}, fmt.Errorf("%w: run already completed", ErrInvalidTransition)
	case domain.RunPending:
		from = []domain.RunStatus{domain.RunPending}
		p.stage = domain.StageResearch
	case domain.RunPaused, domain.RunFailed:
		from = []domain.RunStatus{run.Status}
		if run.CurrentStage.IsWaiting() {
			resolved, err := d.resolveGate(ctx, run)
			if err != nil {
				return domain.Run{}, plan{}, err
			}
			if resolved.terminated {
				return run, resolved, nil
			}
			p = resolved
		} else {
			p.stage = run.CurrentStage
			if p.stage == domain.StageInitialized {
				p.stage = domain.StageResearch
			}
		}
	default:
		return domain.Run{}, plan{}, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, run.Status)
	}

	if err := d.runs.ClaimRun(ctx, runID, from, p.stage, d.now().UTC()); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return domain.Run{}, plan{}, ErrRunAlreadyActive
		}
		return domain.Run{}, plan{}, persistence("claim run", err)
	}
	run.Status = domain.RunRunning
	run.CurrentStage = p.stage

	if p.regenerate {
		// The decision is consumed; the gate must be decided anew
		// after the fresh attempt.
		target := p.stage
		if err := d.gates.reset(ctx, runID, target); err != nil {
			return domain.Run{}, plan{}, err
		}
	}
	d.publish(ctx, runID, p.stage, "run started")
	return run, p, nil
}

// resolveGate turns the decision parked at a waiting stage into a
// resumption plan. An undecided gate refuses admission; a rejection is
// applied here and terminates the run.
func (d *Driver) resolveGate(ctx context.Context, run domain.Run) (plan, error) {
	approval, err := d.gates.consume(ctx, run.ID, run.CurrentStage)
	if err != nil {
		return plan{}, err
	}
	gated := run.CurrentStage.GatedStage()
	switch approval.Action {
	case domain.ActionProceed:
		return plan{stage: run.CurrentStage.Next()}, nil
	case domain.ActionRegenerate:
		return plan{stage: gated, feedback: approval.Feedback, regenerate: true}, nil
	case domain.ActionReject:
		message := fmt.Sprintf("rejected at stage %s", gated)
		if approval.Feedback != "" {
			message = fmt.Sprintf("%s: %s", message, approval.Feedback)
		}
		if err := d.runs.MarkFailed(ctx, run.ID, run.CurrentStage, message); err != nil {
			return plan{}, persistence("mark failed", err)
		}
		d.publish(ctx, run.ID, run.CurrentStage, message)
		d.finish(run.ID)
		return plan{terminated: true}, nil
	default:
		return plan{}, fmt.Errorf("%w: unsupported action %q", ErrInvalidTransition, approval.Action)
	}
}

// walk advances the run stage by stage until something stops it. Each
// iteration reloads the run so an external pause is observed at the
// next stage boundary.
func (d *Driver) walk(ctx context.Context, run domain.Run, p plan) error {
	stage := p.stage
	feedback := p.feedback
	regenerate := p.regenerate

	for {
		current, err := d.runs.GetRun(ctx, run.ID)
		if err != nil {
			return persistence("get run", err)
		}
		if current.Status != domain.RunRunning {
			d.logger.Info("run no longer running, stopping walk",
				slog.String("run_id", run.ID),
				slog.String("status", string(current.Status)))
			return nil
		}

		if stage == domain.StageComplete {
			if err := d.runs.MarkCompleted(ctx, run.ID, d.now().UTC()); err != nil {
				return persistence("mark completed", err)
			}
			d.publish(ctx, run.ID, domain.StageComplete, "run completed")
			d.finish(run.ID)
			return nil
		}

		if !stage.IsWork() {
			stage = stage.Next()
			continue
		}

		_, execErr := d.exec.execute(ctx, attempt{
			run:        current,
			stage:      stage,
			feedback:   feedback,
			regenerate: regenerate,
		})
		feedback = ""
		regenerate = false

		if execErr != nil {
			if IsPersistence(execErr) {
				// Storage is unhealthy; leave the run as is rather
				// than attempt another write.
				return execErr
			}
			// Generation failures degrade to fallback artifacts inside
			// execute; what surfaces here is fatal to the run.
			if !isFatalStage(execErr) {
				d.logger.Error("unclassified stage error",
					slog.String("run_id", run.ID),
					slog.String("stage", string(stage)),
					slog.String("error", execErr.Error()))
			}
			if err := d.runs.MarkFailed(ctx, run.ID, stage, execErr.Error()); err != nil {
				return persistence("mark failed", err)
			}
			d.publish(ctx, run.ID, stage, fmt.Sprintf("run failed: %v", execErr))
			d.finish(run.ID)
			return execErr
		}

		if gate := stage.GateFor(); gate != "" {
			if err := d.gates.EnsurePending(ctx, run.ID, stage); err != nil {
				return err
			}
			if err := d.runs.PauseRun(ctx, run.ID, gate); err != nil {
				if errors.Is(err, repo.ErrConflict) {
					// Externally paused mid stage; resuming later
					// skips the finished stage and parks here.
					return nil
				}
				return persistence("pause run", err)
			}
			d.publish(ctx, run.ID, gate, fmt.Sprintf("awaiting approval for %s", stage))
			return nil
		}

		stage = stage.Next()
	}
}

func (d *Driver) publish(ctx context.Context, runID string, stage domain.Stage, message string) {
	if d.bus == nil {
		return
	}
	if _, err := d.bus.Publish(ctx, runID, stage, message); err != nil {
		d.logger.Error("progress publish failed",
			slog.String("run_id", runID),
			slog.String("error", err.Error()))
	}
}

func (d *Driver) finish(runID string) {
	if d.bus != nil {
		d.bus.Finish(runID)
	}
}
