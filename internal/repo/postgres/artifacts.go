package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/draftline-labs/draftline-go/internal/domain"
	"github.com/draftline-labs/draftline-go/internal/repo"
)

type ArtifactStore struct {
	db DB
}

func NewArtifactStore(db DB) *ArtifactStore {
	if db == nil {
		return nil
	}
	return &ArtifactStore{db: db}
}

func (s *ArtifactStore) CreateArtifact(ctx context.Context, artifact domain.Artifact) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("artifact store not initialized")
	}
	if err := artifact.Validate(); err != nil {
		return err
	}
	metadataJSON, err := encodeMetadata(artifact.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO artifacts (
			artifact_id,
			run_id,
			artifact_type,
			name,
			content,
			metadata,
			is_fallback,
			created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		strings.TrimSpace(artifact.ID),
		strings.TrimSpace(artifact.RunID),
		string(artifact.Type),
		strings.TrimSpace(artifact.Name),
		artifact.Content,
		metadataJSON,
		artifact.IsFallback,
		normalizeTime(artifact.CreatedAt),
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return repo.ErrNotFound
		}
		return fmt.Errorf("insert artifact: %w", err)
	}
	return nil
}

func (s *ArtifactStore) ListArtifacts(ctx context.Context, runID string) ([]domain.Artifact, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("artifact store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT artifact_id, run_id, artifact_type, name, content, metadata, is_fallback, created_at
		 FROM artifacts
		 WHERE run_id = $1
		 ORDER BY created_at ASC, artifact_id ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	artifacts := make([]domain.Artifact, 0)
	for rows.Next() {
		var artifact domain.Artifact
		var kind string
		var metadataJSON []byte
		if err := rows.Scan(&artifact.ID, &artifact.RunID, &kind, &artifact.Name,
			&artifact.Content, &metadataJSON, &artifact.IsFallback, &artifact.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		artifact.Type = domain.ArtifactType(kind)
		metadata, err := decodeMetadata(metadataJSON)
		if err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
		artifact.Metadata = metadata
		artifacts = append(artifacts, artifact)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	return artifacts, nil
}

func (s *ArtifactStore) LatestArtifact(ctx context.Context, runID string, kind domain.ArtifactType) (domain.Artifact, error) {
	if s == nil || s.db == nil {
		return domain.Artifact{}, fmt.Errorf("artifact store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return domain.Artifact{}, fmt.Errorf("run id is required")
	}
	var artifact domain.Artifact
	var kindValue string
	var metadataJSON []byte
	row := s.db.QueryRowContext(
		ctx,
		`SELECT artifact_id, run_id, artifact_type, name, content, metadata, is_fallback, created_at
		 FROM artifacts
		 WHERE run_id = $1 AND artifact_type = $2
		 ORDER BY created_at DESC, artifact_id DESC
		 LIMIT 1`,
		runID,
		string(kind),
	)
	if err := row.Scan(&artifact.ID, &artifact.RunID, &kindValue, &artifact.Name,
		&artifact.Content, &metadataJSON, &artifact.IsFallback, &artifact.CreatedAt); err != nil {
		return domain.Artifact{}, handleNotFound(err)
	}
	artifact.Type = domain.ArtifactType(kindValue)
	metadata, err := decodeMetadata(metadataJSON)
	if err != nil {
		return domain.Artifact{}, fmt.Errorf("decode metadata: %w", err)
	}
	artifact.Metadata = metadata
	return artifact, nil
}

func (s *ArtifactStore) CountArtifacts(ctx context.Context, runID string, kind domain.ArtifactType) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("artifact store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return 0, fmt.Errorf("run id is required")
	}
	var count int
	err := s.db.QueryRowContext(
		ctx,
		`SELECT COUNT(*) FROM artifacts WHERE run_id = $1 AND artifact_type = $2`,
		runID,
		string(kind),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count artifacts: %w", err)
	}
	return count, nil
}
