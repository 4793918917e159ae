// Package postgres implements the repository interfaces on PostgreSQL via
// pgx. Mutations that carry history entries run inside one transaction so
// state changes and their audit records commit together.
package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Denis-Mist/ControlSystem/internal/domain"
	"github.com/Denis-Mist/ControlSystem/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var (
	_ repository.UserRepository    = (*Repository)(nil)
	_ repository.ProjectRepository = (*Repository)(nil)
	_ repository.DefectRepository  = (*Repository)(nil)
)

// mapPgError converts constraint violations into repository sentinels.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23503":
			return repository.ErrNotFound
		case "23505":
			return repository.ErrConflict
		case "23514", "22P02":
			return repository.ErrInvalidArgument
		}
	}
	return err
}

func nilIfEmpty(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

// CreateUser inserts a user.
func (r *Repository) CreateUser(ctx context.Context, user *domain.User) error {
	const query = `INSERT INTO users (id, email, password_hash, created_at)
		VALUES ($1, $2, $3, $4)`
	_, err := r.pool.Exec(ctx, query, user.ID, user.Email, user.PasswordHash, user.CreatedAt)
	return mapPgError(err)
}

// GetUserByEmail fetches a user by email.
func (r *Repository) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	const query = `SELECT id, email, password_hash, created_at FROM users WHERE email = $1`
	row := r.pool.QueryRow(ctx, query, email)
	var u domain.User
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

// GetUserByID retrieves a user by identifier.
func (r *Repository) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	const query = `SELECT id, email, password_hash, created_at FROM users WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, id)
	var u domain.User
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

// CreateProject inserts a project.
func (r *Repository) CreateProject(ctx context.Context, project *domain.Project) error {
	const query = `INSERT INTO projects (id, name, description, created_at)
		VALUES ($1, $2, $3, $4)`
	_, err := r.pool.Exec(ctx, query, project.ID, project.Name, project.Description, project.CreatedAt)
	return mapPgError(err)
}

// UpdateProject overwrites project name and description.
func (r *Repository) UpdateProject(ctx context.Context, project *domain.Project) error {
	const query = `UPDATE projects SET name = $2, description = $3 WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, project.ID, project.Name, project.Description)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// GetProjectByID returns a project with its stages.
func (r *Repository) GetProjectByID(ctx context.Context, id string) (*domain.Project, error) {
	const query = `SELECT id, name, description, created_at FROM projects WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, id)
	var p domain.Project
	if err := row.Scan(&p.ID, &p.Name, &p.Description, &p.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	stages, err := r.ListStagesByProject(ctx, id)
	if err != nil {
		return nil, err
	}
	p.Stages = stages
	return &p, nil
}

// ListProjects returns all projects with their stages, oldest first.
func (r *Repository) ListProjects(ctx context.Context) ([]domain.Project, error) {
	const query = `SELECT id, name, description, created_at FROM projects ORDER BY created_at, id`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	projects := make([]domain.Project, 0)
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.CreatedAt); err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range projects {
		stages, err := r.ListStagesByProject(ctx, projects[i].ID)
		if err != nil {
			return nil, err
		}
		projects[i].Stages = stages
	}
	return projects, nil
}

// DeleteProject removes a project; stages, defects and defect-owned rows go
// with it via ON DELETE CASCADE.
func (r *Repository) DeleteProject(ctx context.Context, id string) error {
	const query = `DELETE FROM projects WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// CreateStage inserts a stage under an existing project.
func (r *Repository) CreateStage(ctx context.Context, stage *domain.Stage) error {
	const query = `INSERT INTO project_stages (id, name, project_id) VALUES ($1, $2, $3)`
	_, err := r.pool.Exec(ctx, query, stage.ID, stage.Name, stage.ProjectID)
	return mapPgError(err)
}

// GetStageByID fetches a stage.
func (r *Repository) GetStageByID(ctx context.Context, id string) (*domain.Stage, error) {
	const query = `SELECT id, name, project_id FROM project_stages WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, id)
	var s domain.Stage
	if err := row.Scan(&s.ID, &s.Name, &s.ProjectID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

// ListStagesByProject returns a project's stages.
func (r *Repository) ListStagesByProject(ctx context.Context, projectID string) ([]domain.Stage, error) {
	const query = `SELECT id, name, project_id FROM project_stages WHERE project_id = $1 ORDER BY id`
	rows, err := r.pool.Query(ctx, query, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stages := make([]domain.Stage, 0)
	for rows.Next() {
		var s domain.Stage
		if err := rows.Scan(&s.ID, &s.Name, &s.ProjectID); err != nil {
			return nil, err
		}
		stages = append(stages, s)
	}
	return stages, rows.Err()
}
