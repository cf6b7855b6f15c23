package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/draftline-labs/draftline-go/internal/domain"
	"github.com/draftline-labs/draftline-go/internal/generate"
	"github.com/draftline-labs/draftline-go/internal/pipelinecfg"
	"github.com/draftline-labs/draftline-go/internal/progress"
	"github.com/draftline-labs/draftline-go/internal/repo"
)

// stageDependency maps each work stage to the artifact it consumes as
// primary input. Research has none; it works from the product request.
var stageDependency = map[domain.Stage]domain.ArtifactType{
	domain.StageEpics:      domain.ArtifactResearch,
	domain.StageStories:    domain.ArtifactEpics,
	domain.StageSpecs:      domain.ArtifactStories,
	domain.StageCode:       domain.ArtifactSpecs,
	domain.StageValidation: domain.ArtifactCode,
}

// executor runs a single work stage: gather inputs, invoke the
// generator under a timeout, and persist the output. A failed
// generation degrades to a fallback artifact so the accumulated
// context survives the failure.
type executor struct {
	projects  repo.ProjectRepository
	runs      repo.RunRepository
	artifacts repo.ArtifactRepository
	generator generate.Generator
	spec      pipelinecfg.Spec
	bus       *progress.Bus
	logger    *slog.Logger
	now       func() time.Time
}

// attempt describes one invocation of a work stage.
type attempt struct {
	run      domain.Run
	stage    domain.Stage
	feedback string
	// regenerate forces a fresh artifact even when one already exists.
	regenerate bool
}

// execute performs one stage attempt. Returns the outcome artifact so
// the driver can log it; a nil artifact with nil error means the stage
// already had output and was skipped. A generation failure is not an
// error here: the fallback artifact stands in for the output and the
// run keeps moving. Only fatal and persistence failures return errors.
func (e *executor) execute(ctx context.Context, att attempt) (*domain.Artifact, error) {
	stage := att.stage
	kind := stage.ArtifactType()
	if kind == "" {
		return nil, fmt.Errorf("stage %s produces no artifact", stage)
	}

	count, err := e.artifacts.CountArtifacts(ctx, att.run.ID, kind)
	if err != nil {
		return nil, persistence("count artifacts", err)
	}
	if count > 0 && !att.regenerate {
		latest, err := e.artifacts.LatestArtifact(ctx, att.run.ID, kind)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return nil, persistence("latest artifact", err)
		}
		// Resumed run replaying a stage that already finished. A
		// fallback artifact does not count; the stage gets retried.
		if err == nil && !latest.IsFallback {
			e.logger.Info("stage output exists, skipping",
				slog.String("run_id", att.run.ID),
				slog.String("stage", string(stage)))
			return nil, nil
		}
	}

	if err := e.runs.SetStage(ctx, att.run.ID, stage); err != nil {
		return nil, persistence("set stage", err)
	}
	e.publish(ctx, att.run.ID, stage, fmt.Sprintf("stage %s started", stage))

	input, err := e.buildInput(ctx, att, count)
	if err != nil {
		return nil, err
	}

	genCtx, cancel := context.WithTimeout(ctx, e.spec.Timeout())
	result, genErr := e.generator.Generate(genCtx, input)
	cancel()

	if genErr != nil {
		fallback, fbErr := e.storeFallback(ctx, att, input, genErr)
		if fbErr != nil {
			return nil, fbErr
		}
		e.logger.Warn("stage generation failed, fallback recorded",
			slog.String("run_id", att.run.ID),
			slog.String("stage", string(stage)),
			slog.String("error", genErr.Error()))
		e.publish(ctx, att.run.ID, stage,
			fmt.Sprintf("stage %s failed, fallback artifact recorded", stage))
		return &fallback, nil
	}

	artifact := domain.Artifact{
		ID:        uuid.NewString(),
		RunID:     att.run.ID,
		Type:      kind,
		Name:      fmt.Sprintf("%s.md", kind),
		Content:   result.Content,
		Metadata:  result.Metadata,
		CreatedAt: e.now().UTC(),
	}
	if err := e.artifacts.CreateArtifact(ctx, artifact); err != nil {
		return nil, persistence("create artifact", err)
	}
	if result.Usage.Total > 0 {
		if err := e.runs.AddTokenUsage(ctx, att.run.ID, result.Usage); err != nil {
			return nil, persistence("add token usage", err)
		}
	}
	e.publish(ctx, att.run.ID, stage, fmt.Sprintf("stage %s completed", stage))
	return &artifact, nil
}

// buildInput gathers the product request, the upstream artifact and any
// regeneration feedback into the generator call.
func (e *executor) buildInput(ctx context.Context, att attempt, priorAttempts int) (generate.Input, error) {
	project, err := e.projects.GetProject(ctx, att.run.ProjectID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return generate.Input{}, fatalStage(att.stage, fmt.Errorf("project %s not found", att.run.ProjectID))
		}
		return generate.Input{}, persistence("get project", err)
	}

	input := generate.Input{
		Stage:          att.stage,
		ProductRequest: project.ProductRequest,
		Context:        map[domain.ArtifactType]string{},
		Feedback:       att.feedback,
		Regeneration:   priorAttempts,
		Instructions:   e.spec.Instructions(att.stage),
	}
	dep, ok := stageDependency[att.stage]
	if !ok {
		return input, nil
	}
	upstream, err := e.artifacts.LatestArtifact(ctx, att.run.ID, dep)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return generate.Input{}, fatalStage(att.stage, fmt.Errorf("missing %s artifact required by %s", dep, att.stage))
		}
		return generate.Input{}, persistence("latest artifact", err)
	}
	input.Context[dep] = upstream.Content
	return input, nil
}

// storeFallback preserves the stage inputs when generation fails so a
// human can pick up where the run died. Context is truncated to keep
// the record bounded.
func (e *executor) storeFallback(ctx context.Context, att attempt, input generate.Input, cause error) (domain.Artifact, error) {
	limit := e.spec.FallbackContextLimit()
	body := fmt.Sprintf("# %s (fallback)\n\nGeneration failed: %v\n\n## Product Request\n\n%s\n",
		att.stage, cause, truncate(input.ProductRequest, limit))
	for kind, content := range input.Context {
		body += fmt.Sprintf("\n## Context: %s\n\n%s\n", kind, truncate(content, limit))
	}
	if input.Feedback != "" {
		body += fmt.Sprintf("\n## Feedback\n\n%s\n", truncate(input.Feedback, limit))
	}

	artifact := domain.Artifact{
		ID:      uuid.NewString(),
		RunID:   att.run.ID,
		Type:    att.stage.ArtifactType(),
		Name:    fmt.Sprintf("%s.fallback.md", att.stage.ArtifactType()),
		Content: body,
		Metadata: domain.Metadata{
			domain.MetadataKeyFallback: true,
			"error":                    cause.Error(),
			"stage":                    string(att.stage),
		},
		IsFallback: true,
		CreatedAt:  e.now().UTC(),
	}
	if err := e.artifacts.CreateArtifact(ctx, artifact); err != nil {
		return domain.Artifact{}, persistence("create fallback artifact", err)
	}
	return artifact, nil
}

func (e *executor) publish(ctx context.Context, runID string, stage domain.Stage, message string) {
	if e.bus == nil {
		return
	}
	if _, err := e.bus.Publish(ctx, runID, stage, message); err != nil {
		e.logger.Error("progress publish failed",
			slog.String("run_id", runID),
			slog.String("stage", string(stage)),
			slog.String("error", err.Error()))
	}
}

func truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	// Back up to a rune boundary so the cut never leaves invalid UTF-8.
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "\n...[truncated]"
}
