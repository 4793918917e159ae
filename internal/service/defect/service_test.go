package defect

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/Denis-Mist/ControlSystem/internal/domain"
	"github.com/Denis-Mist/ControlSystem/internal/repository"
	"github.com/Denis-Mist/ControlSystem/internal/repository/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEnv(t *testing.T) (Service, *memory.Repository, string) {
	t.Helper()
	repo := memory.New()
	project := &domain.Project{ID: uuid.NewString(), Name: "Tower A", CreatedAt: time.Now().UTC()}
	if err := repo.CreateProject(context.Background(), project); err != nil {
		t.Fatalf("seed project: %v", err)
	}
	svc := New(repo, repo, repo, nil, testLogger())
	return svc, repo, project.ID
}

func TestCreateRecordsCreationHistory(t *testing.T) {
	svc, repo, projectID := newTestEnv(t)

	created, err := svc.Create(context.Background(), CreateInput{
		Title:     "Cracked beam",
		ProjectID: projectID,
	}, "actor-1")
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if created.Status != domain.StatusNew {
		t.Fatalf("new defect status = %s, want %s", created.Status, domain.StatusNew)
	}
	if created.Priority != domain.PriorityMedium {
		t.Fatalf("default priority = %s, want Medium", created.Priority)
	}

	history, err := repo.ListHistory(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("ListHistory: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected 1 history entry after create, got %d", len(history))
	}
	entry := history[0]
	if entry.Field != "Created" {
		t.Errorf("entry field = %q, want Created", entry.Field)
	}
	if entry.OldValue != nil {
		t.Errorf("creation entry has old value %q", *entry.OldValue)
	}
	if entry.NewValue == nil || *entry.NewValue != "Title:Cracked beam" {
		t.Errorf("creation entry new value = %v, want Title:Cracked beam", entry.NewValue)
	}
	if entry.ActorID != "actor-1" {
		t.Errorf("entry actor = %q, want actor-1", entry.ActorID)
	}
}

func TestCreateValidation(t *testing.T) {
	svc, _, projectID := newTestEnv(t)

	if _, err := svc.Create(context.Background(), CreateInput{Title: "   ", ProjectID: projectID}, "actor-1"); err == nil {
		t.Fatal("expected blank title to be rejected")
	}
	if _, err := svc.Create(context.Background(), CreateInput{Title: "Leak"}, "actor-1"); err == nil {
		t.Fatal("expected missing project to be rejected")
	}
	if _, err := svc.Create(context.Background(), CreateInput{Title: "Leak", ProjectID: uuid.NewString()}, "actor-1"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("unknown project: got %v, want ErrNotFound", err)
	}
}

func TestChangeStatusFollowsTransitionTable(t *testing.T) {
	svc, repo, projectID := newTestEnv(t)
	created, err := svc.Create(context.Background(), CreateInput{Title: "Leak", ProjectID: projectID}, "actor-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := svc.ChangeStatus(context.Background(), created.ID, domain.StatusClosed, "actor-1"); err == nil {
		t.Fatal("expected New -> Closed to be rejected")
	} else {
		var transitionErr domain.InvalidTransitionError
		if !errors.As(err, &transitionErr) {
			t.Fatalf("got %v, want InvalidTransitionError", err)
		}
	}

	updated, err := svc.ChangeStatus(context.Background(), created.ID, domain.StatusInProgress, "actor-2")
	if err != nil {
		t.Fatalf("New -> InProgress: %v", err)
	}
	if updated.Status != domain.StatusInProgress {
		t.Fatalf("status = %s, want InProgress", updated.Status)
	}

	history, _ := repo.ListHistory(context.Background(), created.ID)
	if len(history) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(history))
	}
	entry := history[1]
	if entry.Field != "Status" {
		t.Errorf("entry field = %q, want Status", entry.Field)
	}
	if entry.OldValue == nil || *entry.OldValue != string(domain.StatusNew) {
		t.Errorf("old value = %v, want New", entry.OldValue)
	}
	if entry.NewValue == nil || *entry.NewValue != string(domain.StatusInProgress) {
		t.Errorf("new value = %v, want InProgress", entry.NewValue)
	}
	if entry.ActorID != "actor-2" {
		t.Errorf("actor = %q, want actor-2", entry.ActorID)
	}
}

func TestChangeStatusSameStatusIsNoOp(t *testing.T) {
	svc, repo, projectID := newTestEnv(t)
	created, _ := svc.Create(context.Background(), CreateInput{Title: "Leak", ProjectID: projectID}, "actor-1")

	got, err := svc.ChangeStatus(context.Background(), created.ID, domain.StatusNew, "actor-1")
	if err != nil {
		t.Fatalf("same-status change returned error: %v", err)
	}
	if got.Status != domain.StatusNew {
		t.Fatalf("status = %s, want New", got.Status)
	}
	history, _ := repo.ListHistory(context.Background(), created.ID)
	if len(history) != 1 {
		t.Fatalf("no-op wrote history: %d entries, want 1", len(history))
	}
}

func TestChangeStatusUnknownDefectAndStatus(t *testing.T) {
	svc, _, _ := newTestEnv(t)

	if _, err := svc.ChangeStatus(context.Background(), uuid.NewString(), domain.StatusInProgress, "actor-1"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("unknown defect: got %v, want ErrNotFound", err)
	}
	if _, err := svc.ChangeStatus(context.Background(), uuid.NewString(), domain.Status("Reopened"), "actor-1"); err == nil {
		t.Fatal("expected unknown status to be rejected")
	}
}

func TestChangeStatusConflictOnConcurrentWrite(t *testing.T) {
	svc, repo, projectID := newTestEnv(t)
	created, _ := svc.Create(context.Background(), CreateInput{Title: "Leak", ProjectID: projectID}, "actor-1")

	// Another writer moves the defect between our read and our write.
	if err := repo.UpdateDefectStatus(context.Background(), created.ID, domain.StatusNew, domain.StatusCancelled, domain.HistoryEntry{
		ID: uuid.NewString(), DefectID: created.ID, Field: "Status", CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("concurrent update: %v", err)
	}

	err := repo.UpdateDefectStatus(context.Background(), created.ID, domain.StatusNew, domain.StatusInProgress, domain.HistoryEntry{ID: uuid.NewString()})
	if !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("stale compare-and-set: got %v, want ErrConflict", err)
	}
}

func TestUpdateRecordsOneEntryPerChangedField(t *testing.T) {
	svc, repo, projectID := newTestEnv(t)
	created, _ := svc.Create(context.Background(), CreateInput{Title: "Leak", Description: "drip", ProjectID: projectID}, "actor-1")

	newTitle := "Major leak"
	newDescription := "constant flow"
	newPriority := domain.PriorityHigh
	updated, err := svc.Update(context.Background(), created.ID, UpdateInput{
		Title:       &newTitle,
		Description: &newDescription,
		Priority:    &newPriority,
	}, "actor-2")
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Title != newTitle || updated.Description != newDescription || updated.Priority != newPriority {
		t.Fatalf("update not applied: %+v", updated)
	}

	history, _ := repo.ListHistory(context.Background(), created.ID)
	if len(history) != 4 {
		t.Fatalf("expected 4 history entries (create + 3 fields), got %d", len(history))
	}
	fields := map[string]bool{}
	for _, entry := range history[1:] {
		fields[entry.Field] = true
	}
	for _, want := range []string{"Title", "Description", "Priority"} {
		if !fields[want] {
			t.Errorf("missing history entry for %s", want)
		}
	}
}

func TestUpdateUnchangedFieldsWriteNoHistory(t *testing.T) {
	svc, repo, projectID := newTestEnv(t)
	created, _ := svc.Create(context.Background(), CreateInput{Title: "Leak", ProjectID: projectID}, "actor-1")

	sameTitle := "Leak"
	got, err := svc.Update(context.Background(), created.ID, UpdateInput{Title: &sameTitle}, "actor-1")
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got.Title != "Leak" {
		t.Fatalf("title = %q", got.Title)
	}
	history, _ := repo.ListHistory(context.Background(), created.ID)
	if len(history) != 1 {
		t.Fatalf("unchanged update wrote history: %d entries, want 1", len(history))
	}
}

func TestUpdateRejectsBlankTitle(t *testing.T) {
	svc, _, projectID := newTestEnv(t)
	created, _ := svc.Create(context.Background(), CreateInput{Title: "Leak", ProjectID: projectID}, "actor-1")

	blank := "   "
	_, err := svc.Update(context.Background(), created.ID, UpdateInput{Title: &blank}, "actor-1")
	var validation domain.ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("blank title: got %v, want ValidationError", err)
	}
}

func TestUpdateDueDateHistoryUsesRFC3339(t *testing.T) {
	svc, repo, projectID := newTestEnv(t)
	created, _ := svc.Create(context.Background(), CreateInput{Title: "Leak", ProjectID: projectID}, "actor-1")

	due := time.Date(2026, 9, 15, 0, 0, 0, 0, time.UTC)
	if _, err := svc.Update(context.Background(), created.ID, UpdateInput{DueDate: &due}, "actor-1"); err != nil {
		t.Fatalf("Update: %v", err)
	}
	history, _ := repo.ListHistory(context.Background(), created.ID)
	if len(history) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(history))
	}
	entry := history[1]
	if entry.Field != "DueDate" {
		t.Fatalf("field = %q, want DueDate", entry.Field)
	}
	if entry.OldValue != nil {
		t.Errorf("old due date = %v, want nil", entry.OldValue)
	}
	if entry.NewValue == nil || *entry.NewValue != "2026-09-15T00:00:00Z" {
		t.Errorf("new due date = %v, want 2026-09-15T00:00:00Z", entry.NewValue)
	}

	// Setting the same instant again must not add history.
	sameDue := due
	if _, err := svc.Update(context.Background(), created.ID, UpdateInput{DueDate: &sameDue}, "actor-1"); err != nil {
		t.Fatalf("repeat update: %v", err)
	}
	history, _ = repo.ListHistory(context.Background(), created.ID)
	if len(history) != 2 {
		t.Fatalf("unchanged due date wrote history: %d entries", len(history))
	}
}

func TestAddCommentStoresTextAndHistory(t *testing.T) {
	svc, repo, projectID := newTestEnv(t)
	created, _ := svc.Create(context.Background(), CreateInput{Title: "Leak", ProjectID: projectID}, "actor-1")

	comment, err := svc.AddComment(context.Background(), created.ID, "needs inspection", "actor-3")
	if err != nil {
		t.Fatalf("AddComment: %v", err)
	}
	if comment.Text != "needs inspection" || comment.AuthorID != "actor-3" {
		t.Fatalf("comment = %+v", comment)
	}
	history, _ := repo.ListHistory(context.Background(), created.ID)
	last := history[len(history)-1]
	if last.Field != "Comment" {
		t.Errorf("field = %q, want Comment", last.Field)
	}
	if last.NewValue == nil || *last.NewValue != "needs inspection" {
		t.Errorf("new value = %v", last.NewValue)
	}

	if _, err := svc.AddComment(context.Background(), created.ID, "   ", "actor-3"); err == nil {
		t.Fatal("expected blank comment to be rejected")
	}
}

func TestAttachStoresFileAndHistory(t *testing.T) {
	svc, repo, projectID := newTestEnv(t)
	created, _ := svc.Create(context.Background(), CreateInput{Title: "Leak", ProjectID: projectID}, "actor-1")

	stored, err := svc.Attach(context.Background(), created.ID, AttachInput{
		FileName: "photo.jpg",
		Content:  []byte{0xFF, 0xD8},
	}, "actor-1")
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if stored.ContentType != "application/octet-stream" {
		t.Errorf("content type defaulted to %q", stored.ContentType)
	}

	fetched, err := svc.GetAttachment(context.Background(), created.ID, stored.ID)
	if err != nil {
		t.Fatalf("GetAttachment: %v", err)
	}
	if len(fetched.Content) != 2 {
		t.Errorf("content length = %d, want 2", len(fetched.Content))
	}

	history, _ := repo.ListHistory(context.Background(), created.ID)
	last := history[len(history)-1]
	if last.Field != "Attachment" {
		t.Errorf("field = %q, want Attachment", last.Field)
	}
	if last.NewValue == nil || *last.NewValue != "photo.jpg" {
		t.Errorf("new value = %v, want photo.jpg", last.NewValue)
	}

	if _, err := svc.Attach(context.Background(), created.ID, AttachInput{}, "actor-1"); err == nil {
		t.Fatal("expected missing file name to be rejected")
	}
}

func TestGetAssemblesFullGraph(t *testing.T) {
	svc, repo, projectID := newTestEnv(t)
	assignee := &domain.User{ID: uuid.NewString(), Email: "engineer@example.com", CreatedAt: time.Now().UTC()}
	if err := repo.CreateUser(context.Background(), assignee); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	created, _ := svc.Create(context.Background(), CreateInput{
		Title:      "Leak",
		ProjectID:  projectID,
		AssigneeID: &assignee.ID,
	}, "actor-1")
	if _, err := svc.AddComment(context.Background(), created.ID, "checking", assignee.ID); err != nil {
		t.Fatalf("AddComment: %v", err)
	}

	detail, err := svc.Get(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if detail.Project == nil || detail.Project.ID != projectID {
		t.Errorf("project not resolved: %+v", detail.Project)
	}
	if detail.Assignee == nil || detail.Assignee.Email != assignee.Email {
		t.Errorf("assignee not resolved: %+v", detail.Assignee)
	}
	if len(detail.Comments) != 1 {
		t.Errorf("comments = %d, want 1", len(detail.Comments))
	}
	if len(detail.History) != 2 {
		t.Errorf("history = %d, want 2", len(detail.History))
	}

	if _, err := svc.Get(context.Background(), uuid.NewString()); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("unknown defect: got %v, want ErrNotFound", err)
	}
}
