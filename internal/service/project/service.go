// Package project manages projects and their stages. Deleting a project
// cascades to its stages and defects together with the records the defects
// own.
package project

import (
	"context"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/Denis-Mist/ControlSystem/internal/domain"
	"github.com/Denis-Mist/ControlSystem/internal/repository"
)

// Service orchestrates project management.
type Service struct {
	projects repository.ProjectRepository
	logger   *slog.Logger
}

// New returns a project service.
func New(projects repository.ProjectRepository, logger *slog.Logger) Service {
	return Service{projects: projects, logger: logger}
}

// CreateInput encapsulates project creation attributes.
type CreateInput struct {
	Name        string
	Description string
}

// UpdateInput carries a partial project update; empty fields keep the
// stored value.
type UpdateInput struct {
	Name        string
	Description string
}

// Create registers a new project.
func (s Service) Create(ctx context.Context, input CreateInput) (*domain.Project, error) {
	if strings.TrimSpace(input.Name) == "" {
		return nil, domain.Invalid("project name is required")
	}
	project := &domain.Project{
		ID:          uuid.NewString(),
		Name:        input.Name,
		Description: input.Description,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.projects.CreateProject(ctx, project); err != nil {
		return nil, err
	}
	s.logger.Info("project created", "project_id", project.ID, "name", project.Name)
	return project, nil
}

// Get returns a project with its stages.
func (s Service) Get(ctx context.Context, id string) (*domain.Project, error) {
	return s.projects.GetProjectByID(ctx, id)
}

// List returns all projects with their stages.
func (s Service) List(ctx context.Context) ([]domain.Project, error) {
	return s.projects.ListProjects(ctx)
}

// Update overwrites name and description where provided.
func (s Service) Update(ctx context.Context, id string, input UpdateInput) (*domain.Project, error) {
	project, err := s.projects.GetProjectByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if name := strings.TrimSpace(input.Name); name != "" {
		project.Name = name
	}
	if input.Description != "" {
		project.Description = input.Description
	}
	if err := s.projects.UpdateProject(ctx, project); err != nil {
		return nil, err
	}
	return project, nil
}

// Delete removes the project and everything it transitively owns.
func (s Service) Delete(ctx context.Context, id string) error {
	if err := s.projects.DeleteProject(ctx, id); err != nil {
		return err
	}
	s.logger.Info("project deleted", "project_id", id)
	return nil
}

// AddStage creates a stage under an existing project.
func (s Service) AddStage(ctx context.Context, projectID, name string) (*domain.Stage, error) {
	if strings.TrimSpace(name) == "" {
		return nil, domain.Invalid("stage name is required")
	}
	stage := &domain.Stage{
		ID:        uuid.NewString(),
		Name:      name,
		ProjectID: projectID,
	}
	if err := s.projects.CreateStage(ctx, stage); err != nil {
		return nil, err
	}
	return stage, nil
}
