package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/draftline-labs/draftline-go/internal/domain"
	"github.com/draftline-labs/draftline-go/internal/repo"
)

type ProgressEventStore struct {
	db DB
}

func NewProgressEventStore(db DB) *ProgressEventStore {
	if db == nil {
		return nil
	}
	return &ProgressEventStore{db: db}
}

// AppendEvent assigns the next per-run sequence number. Concurrent
// writers for the same run (the walk goroutine and an API pause) can
// compute the same seq; the (run_id, seq) key rejects the loser with
// repo.ErrConflict and the bus retries.
func (s *ProgressEventStore) AppendEvent(ctx context.Context, event domain.ProgressEvent) (domain.ProgressEvent, error) {
	if s == nil || s.db == nil {
		return domain.ProgressEvent{}, fmt.Errorf("progress event store not initialized")
	}
	if err := event.Validate(); err != nil {
		return domain.ProgressEvent{}, err
	}
	createdAt := normalizeTime(event.CreatedAt)
	row := s.db.QueryRowContext(
		ctx,
		`INSERT INTO progress_events (run_id, seq, stage, message, created_at)
		 VALUES (
			$1,
			(SELECT COALESCE(MAX(seq), 0) + 1 FROM progress_events WHERE run_id = $1),
			$2, $3, $4
		 )
		 RETURNING seq, created_at`,
		strings.TrimSpace(event.RunID),
		string(event.Stage),
		event.Message,
		createdAt,
	)
	if err := row.Scan(&event.Seq, &event.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return domain.ProgressEvent{}, repo.ErrConflict
		}
		return domain.ProgressEvent{}, fmt.Errorf("append event: %w", err)
	}
	return event, nil
}

func (s *ProgressEventStore) ListEventsAfter(ctx context.Context, runID string, afterSeq int64, limit int) ([]domain.ProgressEvent, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("progress event store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT run_id, seq, stage, message, created_at
		 FROM progress_events
		 WHERE run_id = $1 AND seq > $2
		 ORDER BY seq ASC
		 LIMIT $3`,
		runID,
		afterSeq,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	events := make([]domain.ProgressEvent, 0)
	for rows.Next() {
		var event domain.ProgressEvent
		var stage string
		if err := rows.Scan(&event.RunID, &event.Seq, &stage, &event.Message, &event.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		event.Stage = domain.Stage(stage)
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return events, nil
}
