package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/draftline-labs/draftline-go/internal/domain"
	"github.com/draftline-labs/draftline-go/internal/repo"
)

type ApprovalStore struct {
	db DB
}

func NewApprovalStore(db DB) *ApprovalStore {
	if db == nil {
		return nil
	}
	return &ApprovalStore{db: db}
}

// EnsureApproval creates a pending approval row unless one already
// exists for the (run, stage) pair. The unique constraint keeps the
// row singular under concurrent arrival.
func (s *ApprovalStore) EnsureApproval(ctx context.Context, approval domain.Approval) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("approval store not initialized")
	}
	if err := approval.Validate(); err != nil {
		return err
	}
	createdAt := normalizeTime(approval.CreatedAt)
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO approvals (
			approval_id,
			run_id,
			stage,
			approved,
			action,
			feedback,
			created_at,
			updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$7)
		ON CONFLICT (run_id, stage) DO NOTHING`,
		strings.TrimSpace(approval.ID),
		strings.TrimSpace(approval.RunID),
		string(approval.Stage),
		nullBoolPtr(approval.Approved),
		string(approval.Action),
		nullIfEmpty(approval.Feedback),
		createdAt,
	)
	if err != nil {
		return fmt.Errorf("ensure approval: %w", err)
	}
	return nil
}

func (s *ApprovalStore) GetApproval(ctx context.Context, runID string, stage domain.Stage) (domain.Approval, error) {
	if s == nil || s.db == nil {
		return domain.Approval{}, fmt.Errorf("approval store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return domain.Approval{}, fmt.Errorf("run id is required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT approval_id, run_id, stage, approved, action, feedback, created_at, updated_at
		 FROM approvals
		 WHERE run_id = $1 AND stage = $2`,
		runID,
		string(stage),
	)
	return scanApproval(row.Scan)
}

func (s *ApprovalStore) ListApprovals(ctx context.Context, runID string) ([]domain.Approval, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("approval store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT approval_id, run_id, stage, approved, action, feedback, created_at, updated_at
		 FROM approvals
		 WHERE run_id = $1
		 ORDER BY created_at ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer rows.Close()

	approvals := make([]domain.Approval, 0)
	for rows.Next() {
		approval, err := scanApproval(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		approvals = append(approvals, approval)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	return approvals, nil
}

// RecordDecision overwrites the decision in place; repeated identical
// decisions are idempotent apart from updated_at.
func (s *ApprovalStore) RecordDecision(ctx context.Context, approval domain.Approval) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("approval store not initialized")
	}
	if approval.Approved == nil {
		return fmt.Errorf("decision requires approved to be set")
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE approvals
		 SET approved = $1, action = $2, feedback = $3, updated_at = NOW()
		 WHERE run_id = $4 AND stage = $5`,
		*approval.Approved,
		string(approval.Action),
		nullIfEmpty(approval.Feedback),
		strings.TrimSpace(approval.RunID),
		string(approval.Stage),
	)
	if err != nil {
		return fmt.Errorf("record decision: %w", err)
	}
	return requireOneRow(res, repo.ErrNotFound)
}

// ResetApproval clears a recorded decision so the gate becomes pending
// again, back at the default proceed action. Used after a regenerate
// decision has been consumed.
func (s *ApprovalStore) ResetApproval(ctx context.Context, runID string, stage domain.Stage) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("approval store not initialized")
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE approvals
		 SET approved = NULL, action = $3, feedback = NULL, updated_at = NOW()
		 WHERE run_id = $1 AND stage = $2`,
		strings.TrimSpace(runID),
		string(stage),
		string(domain.ActionProceed),
	)
	if err != nil {
		return fmt.Errorf("reset approval: %w", err)
	}
	return requireOneRow(res, repo.ErrNotFound)
}

func scanApproval(scan func(dest ...any) error) (domain.Approval, error) {
	var approval domain.Approval
	var stage, action string
	var approved sql.NullBool
	var feedback sql.NullString
	if err := scan(&approval.ID, &approval.RunID, &stage, &approved, &action,
		&feedback, &approval.CreatedAt, &approval.UpdatedAt); err != nil {
		return domain.Approval{}, handleNotFound(err)
	}
	approval.Stage = domain.Stage(stage)
	approval.Action = domain.ApprovalAction(action)
	if approved.Valid {
		v := approved.Bool
		approval.Approved = &v
	}
	if feedback.Valid {
		approval.Feedback = feedback.String
	}
	return approval, nil
}

func nullBoolPtr(b *bool) sql.NullBool {
	if b == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *b, Valid: true}
}
