package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/draftline-labs/draftline-go/internal/domain"
	"github.com/draftline-labs/draftline-go/internal/repo"
)

type ProjectStore struct {
	db DB
}

func NewProjectStore(db DB) *ProjectStore {
	if db == nil {
		return nil
	}
	return &ProjectStore{db: db}
}

func (s *ProjectStore) CreateProject(ctx context.Context, project domain.Project) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("project store not initialized")
	}
	if err := project.Validate(); err != nil {
		return err
	}
	createdAt := normalizeTime(project.CreatedAt)
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO projects (
			project_id,
			name,
			description,
			product_request,
			owner_subject,
			created_at,
			updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$6)`,
		strings.TrimSpace(project.ID),
		strings.TrimSpace(project.Name),
		nullIfEmpty(project.Description),
		project.ProductRequest,
		strings.TrimSpace(project.OwnerSubject),
		createdAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return repo.ErrConflict
		}
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

func (s *ProjectStore) GetProject(ctx context.Context, id string) (domain.Project, error) {
	if s == nil || s.db == nil {
		return domain.Project{}, fmt.Errorf("project store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Project{}, fmt.Errorf("project id is required")
	}
	var project domain.Project
	var description sql.NullString
	row := s.db.QueryRowContext(
		ctx,
		`SELECT project_id, name, description, product_request, owner_subject, created_at, updated_at
		 FROM projects
		 WHERE project_id = $1`,
		id,
	)
	if err := row.Scan(&project.ID, &project.Name, &description, &project.ProductRequest,
		&project.OwnerSubject, &project.CreatedAt, &project.UpdatedAt); err != nil {
		return domain.Project{}, handleNotFound(err)
	}
	if description.Valid {
		project.Description = description.String
	}
	return project, nil
}

func (s *ProjectStore) ListProjects(ctx context.Context, filter repo.ProjectFilter) ([]domain.Project, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("project store not initialized")
	}
	clauses := make([]string, 0, 1)
	args := make([]any, 0, 2)

	if strings.TrimSpace(filter.OwnerSubject) != "" {
		args = append(args, strings.TrimSpace(filter.OwnerSubject))
		clauses = append(clauses, fmt.Sprintf("owner_subject = $%d", len(args)))
	}

	query := `SELECT project_id, name, description, product_request, owner_subject, created_at, updated_at
		FROM projects`
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
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	projects := make([]domain.Project, 0)
	for rows.Next() {
		var project domain.Project
		var description sql.NullString
		if err := rows.Scan(&project.ID, &project.Name, &description, &project.ProductRequest,
			&project.OwnerSubject, &project.CreatedAt, &project.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		if description.Valid {
			project.Description = description.String
		}
		projects = append(projects, project)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	return projects, nil
}
