package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/draftline-labs/draftline-go/internal/domain"
	"github.com/draftline-labs/draftline-go/internal/repo"
)

type RunStore struct {
	db DB
}

func NewRunStore(db DB) *RunStore {
	if db == nil {
		return nil
	}
	return &RunStore{db: db}
}

const runColumns = `run_id, project_id, status, current_stage, error_message,
	prompt_tokens, completion_tokens, total_tokens,
	started_at, completed_at, created_at, updated_at`

func (s *RunStore) CreateRun(ctx context.Context, run domain.Run) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	if err := run.Validate(); err != nil {
		return err
	}
	createdAt := normalizeTime(run.CreatedAt)
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO runs (
			run_id,
			project_id,
			status,
			current_stage,
			error_message,
			prompt_tokens,
			completion_tokens,
			total_tokens,
			started_at,
			completed_at,
			created_at,
			updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$11)`,
		strings.TrimSpace(run.ID),
		strings.TrimSpace(run.ProjectID),
		string(run.Status),
		string(run.CurrentStage),
		nullIfEmpty(run.ErrorMessage),
		run.Tokens.Prompt,
		run.Tokens.Completion,
		run.Tokens.Total,
		nullTimePtr(run.StartedAt),
		nullTimePtr(run.CompletedAt),
		createdAt,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return repo.ErrNotFound
		}
		if isUniqueViolation(err) {
			return repo.ErrConflict
		}
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *RunStore) GetRun(ctx context.Context, id string) (domain.Run, error) {
	if s == nil || s.db == nil {
		return domain.Run{}, fmt.Errorf("run store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Run{}, fmt.Errorf("run id is required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+runColumns+` FROM runs WHERE run_id = $1`,
		id,
	)
	return scanRun(row.Scan)
}

func (s *RunStore) ListRuns(ctx context.Context, filter repo.RunFilter) ([]domain.Run, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("run store not initialized")
	}
	clauses := make([]string, 0, 2)
	args := make([]any, 0, 3)

	if strings.TrimSpace(filter.ProjectID) != "" {
		args = append(args, strings.TrimSpace(filter.ProjectID))
		clauses = append(clauses, fmt.Sprintf("project_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}

	query := `SELECT ` + runColumns + ` FROM runs`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]domain.Run, 0)
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// ClaimRun is the admission check for the engine: a guarded UPDATE
// that moves the run into running only when its status is still one of
// the expected values. Concurrent callers race on the same row and at
// most one wins; losers get repo.ErrConflict.
func (s *RunStore) ClaimRun(ctx context.Context, id string, from []domain.RunStatus, stage domain.Stage, startedAt time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("run id is required")
	}
	if len(from) == 0 {
		return fmt.Errorf("at least one admissible status is required")
	}

	args := []any{id, string(stage), startedAt.UTC()}
	placeholders := make([]string, 0, len(from))
	for _, status := range from {
		args = append(args, string(status))
		placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
	}

	res, err := s.db.ExecContext(
		ctx,
		`UPDATE runs
		 SET status = 'running',
		     current_stage = $2,
		     error_message = NULL,
		     started_at = COALESCE(started_at, $3),
		     updated_at = NOW()
		 WHERE run_id = $1 AND status IN (`+strings.Join(placeholders, ",")+`)`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("claim run: %w", err)
	}
	return requireOneRow(res, repo.ErrConflict)
}

func (s *RunStore) SetStage(ctx context.Context, id string, stage domain.Stage) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE runs SET current_stage = $1, updated_at = NOW() WHERE run_id = $2`,
		string(stage),
		strings.TrimSpace(id),
	)
	if err != nil {
		return fmt.Errorf("set stage: %w", err)
	}
	return requireOneRow(res, repo.ErrNotFound)
}

func (s *RunStore) PauseRun(ctx context.Context, id string, stage domain.Stage) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE runs
		 SET status = 'paused', current_stage = $1, updated_at = NOW()
		 WHERE run_id = $2 AND status = 'running'`,
		string(stage),
		strings.TrimSpace(id),
	)
	if err != nil {
		return fmt.Errorf("pause run: %w", err)
	}
	return requireOneRow(res, repo.ErrConflict)
}

func (s *RunStore) MarkCompleted(ctx context.Context, id string, completedAt time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE runs
		 SET status = 'completed', current_stage = 'complete', completed_at = $1, updated_at = NOW()
		 WHERE run_id = $2`,
		completedAt.UTC(),
		strings.TrimSpace(id),
	)
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	return requireOneRow(res, repo.ErrNotFound)
}

func (s *RunStore) MarkFailed(ctx context.Context, id string, stage domain.Stage, message string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	message = strings.TrimSpace(message)
	if message == "" {
		return fmt.Errorf("error message is required")
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE runs
		 SET status = 'failed', current_stage = $1, error_message = $2, completed_at = NOW(), updated_at = NOW()
		 WHERE run_id = $3`,
		string(stage),
		message,
		strings.TrimSpace(id),
	)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return requireOneRow(res, repo.ErrNotFound)
}

func (s *RunStore) AddTokenUsage(ctx context.Context, id string, usage domain.TokenUsage) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	if usage.Prompt < 0 || usage.Completion < 0 || usage.Total < 0 {
		return fmt.Errorf("token usage cannot decrease")
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE runs
		 SET prompt_tokens = prompt_tokens + $1,
		     completion_tokens = completion_tokens + $2,
		     total_tokens = total_tokens + $3,
		     updated_at = NOW()
		 WHERE run_id = $4`,
		usage.Prompt,
		usage.Completion,
		usage.Total,
		strings.TrimSpace(id),
	)
	if err != nil {
		return fmt.Errorf("add token usage: %w", err)
	}
	return requireOneRow(res, repo.ErrNotFound)
}

func scanRun(scan func(dest ...any) error) (domain.Run, error) {
	var run domain.Run
	var status, stage string
	var errorMessage sql.NullString
	var startedAt, completedAt sql.NullTime
	if err := scan(&run.ID, &run.ProjectID, &status, &stage, &errorMessage,
		&run.Tokens.Prompt, &run.Tokens.Completion, &run.Tokens.Total,
		&startedAt, &completedAt, &run.CreatedAt, &run.UpdatedAt); err != nil {
		return domain.Run{}, handleNotFound(err)
	}
	run.Status = domain.RunStatus(status)
	run.CurrentStage = domain.Stage(stage)
	if errorMessage.Valid {
		run.ErrorMessage = errorMessage.String
	}
	run.StartedAt = timePtr(startedAt)
	run.CompletedAt = timePtr(completedAt)
	return run, nil
}

func requireOneRow(res sql.Result, miss error) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return miss
	}
	return nil
}
