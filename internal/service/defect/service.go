// Package defect implements the defect lifecycle: creation, tracked-field
// updates, status transitions, comments and attachments, each committed
// atomically with its audit trail entries.
package defect

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/Denis-Mist/ControlSystem/internal/domain"
	"github.com/Denis-Mist/ControlSystem/internal/repository"
	"github.com/Denis-Mist/ControlSystem/internal/ws"
)

// Service orchestrates defect mutations and queries.
type Service struct {
	defects  repository.DefectRepository
	projects repository.ProjectRepository
	users    repository.UserRepository
	events   *ws.Hub
	logger   *slog.Logger
}

// New returns a defect service. The hub may be nil when no live stream is
// attached.
func New(defects repository.DefectRepository, projects repository.ProjectRepository, users repository.UserRepository, events *ws.Hub, logger *slog.Logger) Service {
	return Service{defects: defects, projects: projects, users: users, events: events, logger: logger}
}

// CreateInput carries defect creation attributes. Priority defaults to
// Medium when unset.
type CreateInput struct {
	Title       string
	Description string
	Priority    *domain.Priority
	ProjectID   string
	StageID     *string
	AssigneeID  *string
	DueDate     *time.Time
}

// UpdateInput carries a partial update; nil fields are left untouched.
type UpdateInput struct {
	Title       *string
	Description *string
	Priority    *domain.Priority
	StageID     *string
	AssigneeID  *string
	DueDate     *time.Time
}

// AttachInput carries an uploaded file. Size limits are enforced at the
// transport boundary before the bytes reach this layer.
type AttachInput struct {
	FileName    string
	ContentType string
	Content     []byte
}

// Create registers a new defect with status New and records the creation
// history entry.
func (s Service) Create(ctx context.Context, input CreateInput, actorID string) (*domain.Defect, error) {
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return nil, domain.Invalid("title is required")
	}
	if strings.TrimSpace(input.ProjectID) == "" {
		return nil, domain.Invalid("project id is required")
	}
	priority := domain.PriorityMedium
	if input.Priority != nil {
		if !input.Priority.Valid() {
			return nil, domain.Invalid("unknown priority")
		}
		priority = *input.Priority
	}
	now := time.Now().UTC()
	defect := &domain.Defect{
		ID:          uuid.NewString(),
		Title:       title,
		Description: input.Description,
		Priority:    priority,
		Status:      domain.StatusNew,
		ProjectID:   input.ProjectID,
		StageID:     input.StageID,
		AssigneeID:  input.AssigneeID,
		CreatedAt:   now,
		DueDate:     input.DueDate,
	}
	changes := newChangeSet(defect.ID, actorID, now)
	changes.record(fieldCreated, nil, strPtr("Title:"+defect.Title))
	if err := s.defects.CreateDefect(ctx, defect, changes.entries); err != nil {
		return nil, err
	}
	s.publish(defect.ProjectID, changes.entries)
	s.logger.Info("defect created", "defect_id", defect.ID, "project_id", defect.ProjectID)
	return defect, nil
}

// Get returns the full defect graph: the defect, its project, stage,
// assignee, comments, attachments and history.
func (s Service) Get(ctx context.Context, id string) (*domain.DefectDetail, error) {
	defect, err := s.defects.GetDefectByID(ctx, id)
	if err != nil {
		return nil, err
	}
	detail := &domain.DefectDetail{Defect: *defect}

	if detail.Project, err = s.projects.GetProjectByID(ctx, defect.ProjectID); err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	if defect.StageID != nil {
		if detail.Stage, err = s.projects.GetStageByID(ctx, *defect.StageID); err != nil && !errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
	}
	if defect.AssigneeID != nil {
		assignee, err := s.users.GetUserByID(ctx, *defect.AssigneeID)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
		detail.Assignee = assignee
	}
	if detail.Comments, err = s.defects.ListComments(ctx, id); err != nil {
		return nil, err
	}
	if detail.Attachments, err = s.defects.ListAttachments(ctx, id); err != nil {
		return nil, err
	}
	if detail.History, err = s.defects.ListHistory(ctx, id); err != nil {
		return nil, err
	}
	return detail, nil
}

// Update applies the provided fields, recording exactly one history entry
// per field whose value actually changes. All changes and their entries
// commit atomically; an untouched or unchanged field produces no history.
func (s Service) Update(ctx context.Context, id string, input UpdateInput, actorID string) (*domain.Defect, error) {
	current, err := s.defects.GetDefectByID(ctx, id)
	if err != nil {
		return nil, err
	}
	updated := *current
	changes := newChangeSet(id, actorID, time.Now().UTC())

	if input.Title != nil {
		title := strings.TrimSpace(*input.Title)
		if title == "" {
			return nil, domain.Invalid("title cannot be blank")
		}
		if title != current.Title {
			changes.record(fieldTitle, strPtr(current.Title), strPtr(title))
			updated.Title = title
		}
	}
	if input.Description != nil && *input.Description != current.Description {
		changes.record(fieldDescription, strPtr(current.Description), strPtr(*input.Description))
		updated.Description = *input.Description
	}
	if input.Priority != nil {
		if !input.Priority.Valid() {
			return nil, domain.Invalid("unknown priority")
		}
		if *input.Priority != current.Priority {
			changes.record(fieldPriority, strPtr(current.Priority.String()), strPtr(input.Priority.String()))
			updated.Priority = *input.Priority
		}
	}
	if input.StageID != nil && !stringPtrsEqual(input.StageID, current.StageID) {
		changes.record(fieldStage, current.StageID, input.StageID)
		updated.StageID = input.StageID
	}
	if input.AssigneeID != nil && !stringPtrsEqual(input.AssigneeID, current.AssigneeID) {
		changes.record(fieldAssignee, current.AssigneeID, input.AssigneeID)
		updated.AssigneeID = input.AssigneeID
	}
	if input.DueDate != nil && !datesEqual(input.DueDate, current.DueDate) {
		changes.record(fieldDueDate, dateText(current.DueDate), dateText(input.DueDate))
		updated.DueDate = input.DueDate
	}

	if len(changes.entries) == 0 {
		return current, nil
	}
	if err := s.defects.UpdateDefect(ctx, &updated, changes.entries); err != nil {
		return nil, err
	}
	s.publish(updated.ProjectID, changes.entries)
	s.logger.Info("defect updated", "defect_id", id, "fields", len(changes.entries))
	return &updated, nil
}

// ChangeStatus moves a defect through the status machine. Requesting the
// current status is an idempotent no-op with no state or history written. A
// concurrent writer that changed the status first surfaces as ErrConflict.
func (s Service) ChangeStatus(ctx context.Context, id string, next domain.Status, actorID string) (*domain.Defect, error) {
	if !next.Valid() {
		return nil, domain.Invalid("unknown status")
	}
	current, err := s.defects.GetDefectByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status == next {
		return current, nil
	}
	if err := domain.CheckTransition(current.Status, next); err != nil {
		return nil, err
	}
	changes := newChangeSet(id, actorID, time.Now().UTC())
	changes.record(fieldStatus, strPtr(string(current.Status)), strPtr(string(next)))
	if err := s.defects.UpdateDefectStatus(ctx, id, current.Status, next, changes.entries[0]); err != nil {
		return nil, err
	}
	s.publish(current.ProjectID, changes.entries)
	s.logger.Info("defect status changed", "defect_id", id, "from", current.Status, "to", next)
	updated := *current
	updated.Status = next
	return &updated, nil
}

// AddComment appends an immutable comment and its history entry.
func (s Service) AddComment(ctx context.Context, id, text, actorID string) (*domain.Comment, error) {
	if strings.TrimSpace(text) == "" {
		return nil, domain.Invalid("comment text is required")
	}
	current, err := s.defects.GetDefectByID(ctx, id)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	comment := &domain.Comment{
		ID:        uuid.NewString(),
		DefectID:  id,
		AuthorID:  actorID,
		Text:      text,
		CreatedAt: now,
	}
	changes := newChangeSet(id, actorID, now)
	changes.record(fieldComment, nil, strPtr(text))
	if err := s.defects.AddComment(ctx, comment, changes.entries[0]); err != nil {
		return nil, err
	}
	s.publish(current.ProjectID, changes.entries)
	return comment, nil
}

// Attach stores an uploaded file and its history entry.
func (s Service) Attach(ctx context.Context, id string, input AttachInput, actorID string) (*domain.Attachment, error) {
	if strings.TrimSpace(input.FileName) == "" {
		return nil, domain.Invalid("file name is required")
	}
	current, err := s.defects.GetDefectByID(ctx, id)
	if err != nil {
		return nil, err
	}
	contentType := input.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	now := time.Now().UTC()
	attachment := &domain.Attachment{
		ID:          uuid.NewString(),
		DefectID:    id,
		FileName:    input.FileName,
		ContentType: contentType,
		Content:     input.Content,
		UploadedBy:  actorID,
		UploadedAt:  now,
	}
	changes := newChangeSet(id, actorID, now)
	changes.record(fieldAttachment, nil, strPtr(attachment.FileName))
	if err := s.defects.AddAttachment(ctx, attachment, changes.entries[0]); err != nil {
		return nil, err
	}
	s.publish(current.ProjectID, changes.entries)
	s.logger.Info("attachment stored", "defect_id", id, "file", attachment.FileName, "bytes", len(attachment.Content))
	return attachment, nil
}

// GetAttachment returns one attachment with content for download.
func (s Service) GetAttachment(ctx context.Context, defectID, attachmentID string) (*domain.Attachment, error) {
	return s.defects.GetAttachment(ctx, defectID, attachmentID)
}

// Query returns a filtered, sorted page of defects plus the total number of
// matches before pagination.
func (s Service) Query(ctx context.Context, filter domain.DefectFilter) ([]domain.Defect, int, error) {
	return s.defects.QueryDefects(ctx, filter.Normalized())
}

// publish streams committed history entries to live subscribers of the
// defect's project.
func (s Service) publish(projectID string, entries []domain.HistoryEntry) {
	if s.events == nil {
		return
	}
	for _, entry := range entries {
		payload, err := json.Marshal(map[string]any{
			"defect_id":   entry.DefectID,
			"field":       entry.Field,
			"old_value":   entry.OldValue,
			"new_value":   entry.NewValue,
			"actor_id":    entry.ActorID,
			"occurred_at": entry.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			continue
		}
		s.events.Broadcast(projectID, payload)
	}
}
