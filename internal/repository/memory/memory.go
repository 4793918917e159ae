// Package memory provides an in-process Repository implementation with the
// same semantics as the postgres store. It backs unit tests and local runs
// without a database.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Denis-Mist/ControlSystem/internal/domain"
	"github.com/Denis-Mist/ControlSystem/internal/repository"
)

// Repository keeps all entities in maps guarded by one mutex. Mutating
// methods append history entries under the same lock acquisition, matching
// the transactional guarantee of the postgres store.
type Repository struct {
	mu          sync.RWMutex
	users       map[string]domain.User
	projects    map[string]domain.Project
	stages      map[string]domain.Stage
	defects     map[string]domain.Defect
	comments    map[string][]domain.Comment
	attachments map[string][]domain.Attachment
	history     map[string][]domain.HistoryEntry
	defectSeq   map[string]int
	nextSeq     int
}

// New returns an empty Repository.
func New() *Repository {
	return &Repository{
		users:       make(map[string]domain.User),
		projects:    make(map[string]domain.Project),
		stages:      make(map[string]domain.Stage),
		defects:     make(map[string]domain.Defect),
		comments:    make(map[string][]domain.Comment),
		attachments: make(map[string][]domain.Attachment),
		history:     make(map[string][]domain.HistoryEntry),
		defectSeq:   make(map[string]int),
	}
}

var (
	_ repository.UserRepository    = (*Repository)(nil)
	_ repository.ProjectRepository = (*Repository)(nil)
	_ repository.DefectRepository  = (*Repository)(nil)
)

// CreateUser stores a user, rejecting duplicate emails.
func (r *Repository) CreateUser(ctx context.Context, user *domain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.users {
		if existing.Email == user.Email {
			return repository.ErrConflict
		}
	}
	r.users[user.ID] = *user
	return nil
}

// GetUserByEmail fetches a user by email.
func (r *Repository) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, user := range r.users {
		if user.Email == email {
			out := user
			return &out, nil
		}
	}
	return nil, repository.ErrNotFound
}

// GetUserByID fetches a user by identifier.
func (r *Repository) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	user, ok := r.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := user
	return &out, nil
}

// CreateProject stores a project.
func (r *Repository) CreateProject(ctx context.Context, project *domain.Project) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := *project
	stored.Stages = nil
	r.projects[project.ID] = stored
	return nil
}

// UpdateProject overwrites project name and description.
func (r *Repository) UpdateProject(ctx context.Context, project *domain.Project) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.projects[project.ID]
	if !ok {
		return repository.ErrNotFound
	}
	stored.Name = project.Name
	stored.Description = project.Description
	r.projects[project.ID] = stored
	return nil
}

// GetProjectByID returns a project with its stages.
func (r *Repository) GetProjectByID(ctx context.Context, id string) (*domain.Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	project, ok := r.projects[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := project
	out.Stages = r.stagesOf(id)
	return &out, nil
}

// ListProjects returns all projects with stages, oldest first.
func (r *Repository) ListProjects(ctx context.Context) ([]domain.Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	projects := make([]domain.Project, 0, len(r.projects))
	for id, project := range r.projects {
		out := project
		out.Stages = r.stagesOf(id)
		projects = append(projects, out)
	}
	sort.Slice(projects, func(i, j int) bool {
		if !projects[i].CreatedAt.Equal(projects[j].CreatedAt) {
			return projects[i].CreatedAt.Before(projects[j].CreatedAt)
		}
		return projects[i].ID < projects[j].ID
	})
	return projects, nil
}

// DeleteProject removes the project and cascades to its stages, defects and
// everything the defects own.
func (r *Repository) DeleteProject(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.projects[id]; !ok {
		return repository.ErrNotFound
	}
	delete(r.projects, id)
	for stageID, stage := range r.stages {
		if stage.ProjectID == id {
			delete(r.stages, stageID)
		}
	}
	for defectID, defect := range r.defects {
		if defect.ProjectID == id {
			delete(r.defects, defectID)
			delete(r.comments, defectID)
			delete(r.attachments, defectID)
			delete(r.history, defectID)
			delete(r.defectSeq, defectID)
		}
	}
	return nil
}

// CreateStage stores a stage under an existing project.
func (r *Repository) CreateStage(ctx context.Context, stage *domain.Stage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.projects[stage.ProjectID]; !ok {
		return repository.ErrNotFound
	}
	r.stages[stage.ID] = *stage
	return nil
}

// GetStageByID fetches a stage.
func (r *Repository) GetStageByID(ctx context.Context, id string) (*domain.Stage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stage, ok := r.stages[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := stage
	return &out, nil
}

// ListStagesByProject returns a project's stages.
func (r *Repository) ListStagesByProject(ctx context.Context, projectID string) ([]domain.Stage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stagesOf(projectID), nil
}

func (r *Repository) stagesOf(projectID string) []domain.Stage {
	stages := make([]domain.Stage, 0)
	for _, stage := range r.stages {
		if stage.ProjectID == projectID {
			stages = append(stages, stage)
		}
	}
	sort.Slice(stages, func(i, j int) bool { return stages[i].ID < stages[j].ID })
	return stages
}

// CreateDefect stores a defect and its creation history entry together.
func (r *Repository) CreateDefect(ctx context.Context, defect *domain.Defect, history []domain.HistoryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.projects[defect.ProjectID]; !ok {
		return repository.ErrNotFound
	}
	if defect.StageID != nil {
		stage, ok := r.stages[*defect.StageID]
		if !ok || stage.ProjectID != defect.ProjectID {
			return repository.ErrNotFound
		}
	}
	r.defects[defect.ID] = *defect
	r.nextSeq++
	r.defectSeq[defect.ID] = r.nextSeq
	r.history[defect.ID] = append(r.history[defect.ID], history...)
	return nil
}

// GetDefectByID fetches a defect.
func (r *Repository) GetDefectByID(ctx context.Context, id string) (*domain.Defect, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defect, ok := r.defects[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := defect
	r.decorate(&out)
	return &out, nil
}

// UpdateDefect overwrites tracked fields and appends the matching history
// entries atomically.
func (r *Repository) UpdateDefect(ctx context.Context, defect *domain.Defect, history []domain.HistoryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.defects[defect.ID]
	if !ok {
		return repository.ErrNotFound
	}
	if defect.StageID != nil {
		stage, ok := r.stages[*defect.StageID]
		if !ok || stage.ProjectID != stored.ProjectID {
			return repository.ErrNotFound
		}
	}
	stored.Title = defect.Title
	stored.Description = defect.Description
	stored.Priority = defect.Priority
	stored.StageID = defect.StageID
	stored.AssigneeID = defect.AssigneeID
	stored.DueDate = defect.DueDate
	r.defects[defect.ID] = stored
	r.history[defect.ID] = append(r.history[defect.ID], history...)
	return nil
}

// UpdateDefectStatus applies a compare-and-set on the stored status.
func (r *Repository) UpdateDefectStatus(ctx context.Context, defectID string, from, to domain.Status, entry domain.HistoryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.defects[defectID]
	if !ok {
		return repository.ErrNotFound
	}
	if stored.Status != from {
		return repository.ErrConflict
	}
	stored.Status = to
	r.defects[defectID] = stored
	r.history[defectID] = append(r.history[defectID], entry)
	return nil
}

// AddComment appends a comment and its history entry atomically.
func (r *Repository) AddComment(ctx context.Context, comment *domain.Comment, entry domain.HistoryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.defects[comment.DefectID]; !ok {
		return repository.ErrNotFound
	}
	r.comments[comment.DefectID] = append(r.comments[comment.DefectID], *comment)
	r.history[comment.DefectID] = append(r.history[comment.DefectID], entry)
	return nil
}

// AddAttachment appends an attachment and its history entry atomically.
func (r *Repository) AddAttachment(ctx context.Context, attachment *domain.Attachment, entry domain.HistoryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.defects[attachment.DefectID]; !ok {
		return repository.ErrNotFound
	}
	stored := *attachment
	stored.Content = append([]byte(nil), attachment.Content...)
	r.attachments[attachment.DefectID] = append(r.attachments[attachment.DefectID], stored)
	r.history[attachment.DefectID] = append(r.history[attachment.DefectID], entry)
	return nil
}

// QueryDefects filters, sorts and pages defects, returning the page slice
// and the total match count before pagination.
func (r *Repository) QueryDefects(ctx context.Context, filter domain.DefectFilter) ([]domain.Defect, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	matches := r.filterAndSort(filter)
	total := len(matches)
	start := (filter.Page - 1) * filter.PageSize
	// Guards raw filters that bypassed Normalized: an oversized page
	// multiplication can wrap negative.
	if start < 0 || start >= total {
		return []domain.Defect{}, total, nil
	}
	end := start + filter.PageSize
	if end > total {
		end = total
	}
	return matches[start:end], total, nil
}

// ListDefects returns the full filtered set newest first.
func (r *Repository) ListDefects(ctx context.Context, filter domain.DefectFilter) ([]domain.Defect, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	filter.SortBy = domain.SortByCreatedAt
	filter.SortDir = "desc"
	return r.filterAndSort(filter), nil
}

func (r *Repository) filterAndSort(filter domain.DefectFilter) []domain.Defect {
	search := strings.ToLower(filter.Search)
	matches := make([]domain.Defect, 0)
	for _, defect := range r.defects {
		if filter.ProjectID != "" && defect.ProjectID != filter.ProjectID {
			continue
		}
		if filter.Status != nil && defect.Status != *filter.Status {
			continue
		}
		if filter.Priority != nil && defect.Priority != *filter.Priority {
			continue
		}
		if filter.AssigneeID != "" && (defect.AssigneeID == nil || *defect.AssigneeID != filter.AssigneeID) {
			continue
		}
		if search != "" &&
			!strings.Contains(strings.ToLower(defect.Title), search) &&
			!strings.Contains(strings.ToLower(defect.Description), search) {
			continue
		}
		out := defect
		r.decorate(&out)
		matches = append(matches, out)
	}
	desc := filter.SortDir == "desc"
	sort.SliceStable(matches, func(i, j int) bool {
		cmp := r.compare(matches[i], matches[j], filter.SortBy)
		if cmp == 0 {
			// Stable secondary key keeps pagination deterministic.
			return r.defectSeq[matches[i].ID] < r.defectSeq[matches[j].ID]
		}
		if desc {
			return cmp > 0
		}
		return cmp < 0
	})
	return matches
}

func (r *Repository) compare(a, b domain.Defect, sortBy string) int {
	switch sortBy {
	case domain.SortByPriority:
		return int(a.Priority) - int(b.Priority)
	case domain.SortByStatus:
		return a.Status.Rank() - b.Status.Rank()
	case domain.SortByDueDate:
		return compareDueDates(a.DueDate, b.DueDate)
	default:
		return compareTimes(a.CreatedAt, b.CreatedAt)
	}
}

func compareTimes(a, b time.Time) int {
	switch {
	case a.Before(b):
		return -1
	case a.After(b):
		return 1
	default:
		return 0
	}
}

// compareDueDates sorts missing due dates after any set date.
func compareDueDates(a, b *time.Time) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	default:
		return compareTimes(*a, *b)
	}
}

func (r *Repository) decorate(defect *domain.Defect) {
	if project, ok := r.projects[defect.ProjectID]; ok {
		defect.ProjectName = project.Name
	}
	if defect.AssigneeID != nil {
		if user, ok := r.users[*defect.AssigneeID]; ok {
			defect.AssigneeEmail = user.Email
		}
	}
}

// ListComments returns a defect's comments in insertion order with author
// emails resolved where the author is a known user.
func (r *Repository) ListComments(ctx context.Context, defectID string) ([]domain.Comment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	comments := make([]domain.Comment, len(r.comments[defectID]))
	copy(comments, r.comments[defectID])
	for i := range comments {
		if user, ok := r.users[comments[i].AuthorID]; ok {
			comments[i].AuthorEmail = user.Email
		}
	}
	return comments, nil
}

// ListAttachments returns attachment metadata in insertion order, without
// file content.
func (r *Repository) ListAttachments(ctx context.Context, defectID string) ([]domain.Attachment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	attachments := make([]domain.Attachment, len(r.attachments[defectID]))
	copy(attachments, r.attachments[defectID])
	for i := range attachments {
		attachments[i].Content = nil
	}
	return attachments, nil
}

// GetAttachment returns one attachment including its content.
func (r *Repository) GetAttachment(ctx context.Context, defectID, attachmentID string) (*domain.Attachment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, attachment := range r.attachments[defectID] {
		if attachment.ID == attachmentID {
			out := attachment
			out.Content = append([]byte(nil), attachment.Content...)
			return &out, nil
		}
	}
	return nil, repository.ErrNotFound
}

// ListHistory returns a defect's audit trail in insertion order.
func (r *Repository) ListHistory(ctx context.Context, defectID string) ([]domain.HistoryEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	history := make([]domain.HistoryEntry, len(r.history[defectID]))
	copy(history, r.history[defectID])
	for i := range history {
		if user, ok := r.users[history[i].ActorID]; ok {
			history[i].ActorEmail = user.Email
		}
	}
	return history, nil
}

// CountByStatus groups all defects by status name. Empty buckets are omitted.
func (r *Repository) CountByStatus(ctx context.Context) (map[string]int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[string]int)
	for _, defect := range r.defects {
		counts[string(defect.Status)]++
	}
	return counts, nil
}

// CountByPriority groups all defects by priority name. Empty buckets are omitted.
func (r *Repository) CountByPriority(ctx context.Context) (map[string]int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[string]int)
	for _, defect := range r.defects {
		counts[defect.Priority.String()]++
	}
	return counts, nil
}

// CountCreatedBetween buckets defects created within [from, to] by UTC
// calendar date, ascending.
func (r *Repository) CountCreatedBetween(ctx context.Context, from, to time.Time) ([]domain.TrendPoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[string]int)
	for _, defect := range r.defects {
		created := defect.CreatedAt
		if created.Before(from) || created.After(to) {
			continue
		}
		counts[created.UTC().Format("2006-01-02")]++
	}
	dates := make([]string, 0, len(counts))
	for date := range counts {
		dates = append(dates, date)
	}
	sort.Strings(dates)
	points := make([]domain.TrendPoint, 0, len(dates))
	for _, date := range dates {
		points = append(points, domain.TrendPoint{Date: date, Count: counts[date]})
	}
	return points, nil
}
