package export

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"

	"github.com/draftline-labs/draftline-go/internal/domain"
	"github.com/draftline-labs/draftline-go/internal/repo"
)

type fakeUploader struct {
	bucket string
	key    string
	body   []byte
	err    error
}

func (f *fakeUploader) PutObject(_ context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, _ minio.PutObjectOptions) (minio.UploadInfo, error) {
	if f.err != nil {
		return minio.UploadInfo{}, f.err
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	f.bucket = bucketName
	f.key = objectName
	f.body = body
	return minio.UploadInfo{Bucket: bucketName, Key: objectName, Size: objectSize}, nil
}

type fixedRepos struct {
	project   domain.Project
	run       domain.Run
	artifacts []domain.Artifact
}

func (r *fixedRepos) CreateProject(context.Context, domain.Project) error { return nil }
func (r *fixedRepos) GetProject(_ context.Context, id string) (domain.Project, error) {
	if id != r.project.ID {
		return domain.Project{}, repo.ErrNotFound
	}
	return r.project, nil
}
func (r *fixedRepos) ListProjects(context.Context, repo.ProjectFilter) ([]domain.Project, error) {
	return []domain.Project{r.project}, nil
}
func (r *fixedRepos) CreateRun(context.Context, domain.Run) error { return nil }
func (r *fixedRepos) GetRun(_ context.Context, id string) (domain.Run, error) {
	if id != r.run.ID {
		return domain.Run{}, repo.ErrNotFound
	}
	return r.run, nil
}
func (r *fixedRepos) ListRuns(context.Context, repo.RunFilter) ([]domain.Run, error) {
	return []domain.Run{r.run}, nil
}
func (r *fixedRepos) ClaimRun(context.Context, string, []domain.RunStatus, domain.Stage, time.Time) error {
	return nil
}
func (r *fixedRepos) SetStage(context.Context, string, domain.Stage) error   { return nil }
func (r *fixedRepos) PauseRun(context.Context, string, domain.Stage) error   { return nil }
func (r *fixedRepos) MarkCompleted(context.Context, string, time.Time) error { return nil }
func (r *fixedRepos) MarkFailed(context.Context, string, domain.Stage, string) error {
	return nil
}
func (r *fixedRepos) AddTokenUsage(context.Context, string, domain.TokenUsage) error { return nil }
func (r *fixedRepos) CreateArtifact(context.Context, domain.Artifact) error          { return nil }
func (r *fixedRepos) ListArtifacts(context.Context, string) ([]domain.Artifact, error) {
	return r.artifacts, nil
}
func (r *fixedRepos) LatestArtifact(context.Context, string, domain.ArtifactType) (domain.Artifact, error) {
	return domain.Artifact{}, repo.ErrNotFound
}
func (r *fixedRepos) CountArtifacts(context.Context, string, domain.ArtifactType) (int, error) {
	return len(r.artifacts), nil
}

func newFixture() *fixedRepos {
	return &fixedRepos{
		project: domain.Project{
			ID:             "proj-1",
			Name:           "Checkout Revamp",
			ProductRequest: "Rebuild checkout.",
		},
		run: domain.Run{
			ID:           "run-1",
			ProjectID:    "proj-1",
			Status:       domain.RunPaused,
			CurrentStage: domain.StageWaitingEpicApproval,
			Tokens:       domain.TokenUsage{Prompt: 10, Completion: 20, Total: 30},
		},
		artifacts: []domain.Artifact{
			{RunID: "run-1", Type: domain.ArtifactResearch, Content: "market notes"},
			{RunID: "run-1", Type: domain.ArtifactEpics, Content: "first epics"},
			{RunID: "run-1", Type: domain.ArtifactEpics, Content: "revised epics"},
		},
	}
}

func TestExportBundlesLatestArtifacts(t *testing.T) {
	repos := newFixture()
	uploader := &fakeUploader{}
	exporter := NewExporter(uploader, "exports", repos, repos, repos)

	result, err := exporter.Export(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if result.Bucket != "exports" {
		t.Fatalf("bucket = %q", result.Bucket)
	}
	if !strings.HasPrefix(result.ObjectKey, "runs/run-1/export-") {
		t.Fatalf("object key = %q", result.ObjectKey)
	}
	if result.ArtifactCount != 3 {
		t.Fatalf("artifact count = %d, want 3", result.ArtifactCount)
	}

	body := string(uploader.body)
	if !strings.Contains(body, "# Checkout Revamp") {
		t.Fatal("bundle missing project title")
	}
	if !strings.Contains(body, "revised epics") {
		t.Fatal("bundle missing latest epics attempt")
	}
	if strings.Contains(body, "first epics") {
		t.Fatal("bundle inlined a superseded attempt")
	}
	if !bytes.Contains(uploader.body, []byte("market notes")) {
		t.Fatal("bundle missing research section")
	}
	// Research precedes epics.
	if strings.Index(body, "market notes") > strings.Index(body, "revised epics") {
		t.Fatal("sections out of pipeline order")
	}
}

func TestExportFallbackIsMarked(t *testing.T) {
	repos := newFixture()
	repos.artifacts = append(repos.artifacts, domain.Artifact{
		RunID:      "run-1",
		Type:       domain.ArtifactStories,
		Content:    "preserved context",
		IsFallback: true,
	})
	uploader := &fakeUploader{}
	exporter := NewExporter(uploader, "exports", repos, repos, repos)

	if _, err := exporter.Export(context.Background(), "run-1"); err != nil {
		t.Fatalf("export: %v", err)
	}
	if !strings.Contains(string(uploader.body), "Generation failed for this stage") {
		t.Fatal("fallback section not marked")
	}
}

func TestExportEmptyRun(t *testing.T) {
	repos := newFixture()
	repos.artifacts = nil
	exporter := NewExporter(&fakeUploader{}, "exports", repos, repos, repos)

	_, err := exporter.Export(context.Background(), "run-1")
	if !errors.Is(err, ErrNoArtifacts) {
		t.Fatalf("err = %v, want ErrNoArtifacts", err)
	}
}

func TestExportMissingRun(t *testing.T) {
	repos := newFixture()
	exporter := NewExporter(&fakeUploader{}, "exports", repos, repos, repos)

	_, err := exporter.Export(context.Background(), "run-2")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("err = %v, want repo.ErrNotFound", err)
	}
}
