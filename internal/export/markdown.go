// Package export renders a run's artifacts into a single markdown
// bundle and uploads it to the exports bucket.
package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"

	"github.com/draftline-labs/draftline-go/internal/domain"
	"github.com/draftline-labs/draftline-go/internal/repo"
)

// ErrNoArtifacts is returned when the run has produced nothing to
// export yet.
var ErrNoArtifacts = errors.New("run has no artifacts")

// Uploader is the slice of the object-store client the exporter needs.
type Uploader interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Result describes a stored export bundle.
type Result struct {
	Bucket        string
	ObjectKey     string
	Size          int64
	ArtifactCount int
}

type Exporter struct {
	uploader  Uploader
	bucket    string
	projects  repo.ProjectRepository
	runs      repo.RunRepository
	artifacts repo.ArtifactRepository
	now       func() time.Time
}

func NewExporter(uploader Uploader, bucket string, projects repo.ProjectRepository, runs repo.RunRepository, artifacts repo.ArtifactRepository) *Exporter {
	return &Exporter{
		uploader:  uploader,
		bucket:    bucket,
		projects:  projects,
		runs:      runs,
		artifacts: artifacts,
		now:       time.Now,
	}
}

// exportOrder is the section order of the bundle, matching the
// pipeline.
var exportOrder = []domain.ArtifactType{
	domain.ArtifactResearch,
	domain.ArtifactEpics,
	domain.ArtifactStories,
	domain.ArtifactSpecs,
	domain.ArtifactCode,
	domain.ArtifactValidation,
}

// Export renders the latest artifact of each type into one markdown
// document and uploads it. Superseded attempts are listed in the
// history appendix, not inlined.
func (e *Exporter) Export(ctx context.Context, runID string) (Result, error) {
	run, err := e.runs.GetRun(ctx, runID)
	if err != nil {
		return Result{}, err
	}
	project, err := e.projects.GetProject(ctx, run.ProjectID)
	if err != nil {
		return Result{}, fmt.Errorf("get project: %w", err)
	}
	artifacts, err := e.artifacts.ListArtifacts(ctx, runID)
	if err != nil {
		return Result{}, fmt.Errorf("list artifacts: %w", err)
	}
	if len(artifacts) == 0 {
		return Result{}, ErrNoArtifacts
	}

	body := e.render(project, run, artifacts)
	key := objectKey(runID, e.now().UTC())
	info, err := e.uploader.PutObject(ctx, e.bucket, key,
		bytes.NewReader(body), int64(len(body)),
		minio.PutObjectOptions{ContentType: "text/markdown"})
	if err != nil {
		return Result{}, fmt.Errorf("upload export: %w", err)
	}
	return Result{
		Bucket:        e.bucket,
		ObjectKey:     info.Key,
		Size:          info.Size,
		ArtifactCount: len(artifacts),
	}, nil
}

func (e *Exporter) render(project domain.Project, run domain.Run, artifacts []domain.Artifact) []byte {
	latest := make(map[domain.ArtifactType]domain.Artifact, len(exportOrder))
	attempts := make(map[domain.ArtifactType]int, len(exportOrder))
	for _, a := range artifacts {
		latest[a.Type] = a
		attempts[a.Type]++
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", project.Name)
	fmt.Fprintf(&b, "- Run: %s\n", run.ID)
	fmt.Fprintf(&b, "- Status: %s\n", run.Status)
	fmt.Fprintf(&b, "- Stage: %s\n", run.CurrentStage)
	if run.Tokens.Total > 0 {
		fmt.Fprintf(&b, "- Tokens: %d prompt / %d completion / %d total\n",
			run.Tokens.Prompt, run.Tokens.Completion, run.Tokens.Total)
	}
	if run.ErrorMessage != "" {
		fmt.Fprintf(&b, "- Error: %s\n", run.ErrorMessage)
	}
	fmt.Fprintf(&b, "\n## Product Request\n\n%s\n", project.ProductRequest)

	for _, kind := range exportOrder {
		artifact, ok := latest[kind]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "\n---\n\n## %s\n\n", sectionTitle(kind))
		if artifact.IsFallback {
			b.WriteString("> Generation failed for this stage; the content below is the preserved input context.\n\n")
		}
		if attempts[kind] > 1 {
			fmt.Fprintf(&b, "> Attempt %d of %d.\n\n", attempts[kind], attempts[kind])
		}
		b.WriteString(artifact.Content)
		if !strings.HasSuffix(artifact.Content, "\n") {
			b.WriteString("\n")
		}
	}
	return []byte(b.String())
}

func sectionTitle(kind domain.ArtifactType) string {
	switch kind {
	case domain.ArtifactResearch:
		return "Research"
	case domain.ArtifactEpics:
		return "Epics"
	case domain.ArtifactStories:
		return "User Stories"
	case domain.ArtifactSpecs:
		return "Technical Specifications"
	case domain.ArtifactCode:
		return "Implementation"
	case domain.ArtifactValidation:
		return "Validation Report"
	default:
		return string(kind)
	}
}

func objectKey(runID string, at time.Time) string {
	return fmt.Sprintf("runs/%s/export-%s.md", runID, at.Format("20060102T150405Z"))
}
