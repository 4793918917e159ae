package repository

import (
	"context"
	"time"

	"github.com/Denis-Mist/ControlSystem/internal/domain"
)

// UserRepository persists platform accounts.
type UserRepository interface {
	CreateUser(ctx context.Context, user *domain.User) error
	GetUserByEmail(ctx context.Context, email string) (*domain.User, error)
	GetUserByID(ctx context.Context, id string) (*domain.User, error)
}

// ProjectRepository persists projects and their stages. DeleteProject
// removes the project together with everything it transitively owns.
type ProjectRepository interface {
	CreateProject(ctx context.Context, project *domain.Project) error
	UpdateProject(ctx context.Context, project *domain.Project) error
	GetProjectByID(ctx context.Context, id string) (*domain.Project, error)
	ListProjects(ctx context.Context) ([]domain.Project, error)
	DeleteProject(ctx context.Context, id string) error
	CreateStage(ctx context.Context, stage *domain.Stage) error
	GetStageByID(ctx context.Context, id string) (*domain.Stage, error)
	ListStagesByProject(ctx context.Context, projectID string) ([]domain.Stage, error)
}

// DefectRepository persists defects and their owned records. Mutating
// methods take the history entries produced by the same logical operation
// and commit both in one transaction: a reader never observes a state
// change without its audit record.
type DefectRepository interface {
	CreateDefect(ctx context.Context, defect *domain.Defect, history []domain.HistoryEntry) error
	GetDefectByID(ctx context.Context, id string) (*domain.Defect, error)
	UpdateDefect(ctx context.Context, defect *domain.Defect, history []domain.HistoryEntry) error
	// UpdateDefectStatus applies a compare-and-set on the stored status.
	// A writer that lost the race gets ErrConflict.
	UpdateDefectStatus(ctx context.Context, defectID string, from, to domain.Status, entry domain.HistoryEntry) error
	AddComment(ctx context.Context, comment *domain.Comment, entry domain.HistoryEntry) error
	AddAttachment(ctx context.Context, attachment *domain.Attachment, entry domain.HistoryEntry) error

	QueryDefects(ctx context.Context, filter domain.DefectFilter) ([]domain.Defect, int, error)
	// ListDefects returns the full filtered set without pagination,
	// newest first, with project name and assignee email populated.
	ListDefects(ctx context.Context, filter domain.DefectFilter) ([]domain.Defect, error)

	ListComments(ctx context.Context, defectID string) ([]domain.Comment, error)
	ListAttachments(ctx context.Context, defectID string) ([]domain.Attachment, error)
	GetAttachment(ctx context.Context, defectID, attachmentID string) (*domain.Attachment, error)
	ListHistory(ctx context.Context, defectID string) ([]domain.HistoryEntry, error)

	CountByStatus(ctx context.Context) (map[string]int, error)
	CountByPriority(ctx context.Context) (map[string]int, error)
	CountCreatedBetween(ctx context.Context, from, to time.Time) ([]domain.TrendPoint, error)
}
