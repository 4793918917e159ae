package defect

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Denis-Mist/ControlSystem/internal/domain"
)

func seedDefects(t *testing.T, svc Service, projectID string, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		priority := domain.Priority(i % 4)
		created, err := svc.Create(context.Background(), CreateInput{
			Title:     fmt.Sprintf("Defect %02d", i),
			ProjectID: projectID,
			Priority:  &priority,
		}, "actor-1")
		if err != nil {
			t.Fatalf("seed defect %d: %v", i, err)
		}
		ids = append(ids, created.ID)
	}
	return ids
}

func TestQueryTotalIndependentOfPageSize(t *testing.T) {
	svc, _, projectID := newTestEnv(t)
	seedDefects(t, svc, projectID, 45)

	for _, pageSize := range []int{1, 7, 20, 100} {
		_, total, err := svc.Query(context.Background(), domain.DefectFilter{ProjectID: projectID, PageSize: pageSize})
		if err != nil {
			t.Fatalf("Query(pageSize=%d): %v", pageSize, err)
		}
		if total != 45 {
			t.Errorf("total with pageSize %d = %d, want 45", pageSize, total)
		}
	}
}

func TestQueryPagesConcatenateToFullSet(t *testing.T) {
	svc, _, projectID := newTestEnv(t)
	seedDefects(t, svc, projectID, 23)

	seen := make(map[string]int)
	page := 1
	for {
		items, total, err := svc.Query(context.Background(), domain.DefectFilter{
			ProjectID: projectID,
			Page:      page,
			PageSize:  5,
			SortBy:    domain.SortByPriority,
		})
		if err != nil {
			t.Fatalf("page %d: %v", page, err)
		}
		if total != 23 {
			t.Fatalf("page %d total = %d, want 23", page, total)
		}
		if len(items) == 0 {
			break
		}
		for _, item := range items {
			seen[item.ID]++
		}
		page++
	}
	if len(seen) != 23 {
		t.Fatalf("pages covered %d distinct defects, want 23", len(seen))
	}
	for id, count := range seen {
		if count != 1 {
			t.Errorf("defect %s appeared %d times across pages", id, count)
		}
	}
}

func TestQueryClampsPageAndPageSize(t *testing.T) {
	svc, _, projectID := newTestEnv(t)
	seedDefects(t, svc, projectID, 25)

	items, total, err := svc.Query(context.Background(), domain.DefectFilter{ProjectID: projectID, Page: -1, PageSize: -10})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if total != 25 {
		t.Fatalf("total = %d, want 25", total)
	}
	if len(items) != domain.DefaultPageSize {
		t.Fatalf("page length = %d, want default %d", len(items), domain.DefaultPageSize)
	}
}

func TestQueryPageBeyondEndIsEmpty(t *testing.T) {
	svc, _, projectID := newTestEnv(t)
	seedDefects(t, svc, projectID, 3)

	items, total, err := svc.Query(context.Background(), domain.DefectFilter{ProjectID: projectID, Page: 5, PageSize: 10})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if total != 3 {
		t.Fatalf("total = %d, want 3", total)
	}
	if len(items) != 0 {
		t.Fatalf("expected empty page, got %d items", len(items))
	}
}

func TestQueryHugePageNumberReturnsEmptyPage(t *testing.T) {
	svc, _, projectID := newTestEnv(t)
	seedDefects(t, svc, projectID, 3)

	items, total, err := svc.Query(context.Background(), domain.DefectFilter{
		ProjectID: projectID,
		Page:      1 << 62,
		PageSize:  20,
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if total != 3 {
		t.Fatalf("total = %d, want 3", total)
	}
	if len(items) != 0 {
		t.Fatalf("expected empty page, got %d items", len(items))
	}
}

func TestQuerySearchTreatsWildcardsLiterally(t *testing.T) {
	svc, _, projectID := newTestEnv(t)
	want, err := svc.Create(context.Background(), CreateInput{Title: "Load at 100% capacity", ProjectID: projectID}, "actor-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := svc.Create(context.Background(), CreateInput{Title: "Load at 100 units", ProjectID: projectID}, "actor-1"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	items, total, err := svc.Query(context.Background(), domain.DefectFilter{ProjectID: projectID, Search: "100%"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if total != 1 || len(items) != 1 {
		t.Fatalf("total = %d, items = %d, want exactly the literal match", total, len(items))
	}
	if items[0].ID != want.ID {
		t.Fatalf("matched wrong defect %s", items[0].ID)
	}
}

func TestQuerySortByPriority(t *testing.T) {
	svc, _, projectID := newTestEnv(t)
	seedDefects(t, svc, projectID, 12)

	items, _, err := svc.Query(context.Background(), domain.DefectFilter{
		ProjectID: projectID,
		SortBy:    domain.SortByPriority,
		SortDir:   "asc",
		PageSize:  50,
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	for i := 1; i < len(items); i++ {
		if items[i-1].Priority > items[i].Priority {
			t.Fatalf("priority out of order at %d: %s before %s", i, items[i-1].Priority, items[i].Priority)
		}
	}
}

func TestQueryFiltersCombine(t *testing.T) {
	svc, repo, projectID := newTestEnv(t)
	other := &domain.Project{ID: uuid.NewString(), Name: "Tower B", CreatedAt: time.Now().UTC()}
	if err := repo.CreateProject(context.Background(), other); err != nil {
		t.Fatalf("seed project: %v", err)
	}

	high := domain.PriorityHigh
	want, err := svc.Create(context.Background(), CreateInput{Title: "Roof leak", ProjectID: projectID, Priority: &high}, "actor-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := svc.Create(context.Background(), CreateInput{Title: "Roof leak", ProjectID: other.ID, Priority: &high}, "actor-1"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	low := domain.PriorityLow
	if _, err := svc.Create(context.Background(), CreateInput{Title: "Door jam", ProjectID: projectID, Priority: &low}, "actor-1"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	status := domain.StatusNew
	items, total, err := svc.Query(context.Background(), domain.DefectFilter{
		ProjectID: projectID,
		Status:    &status,
		Priority:  &high,
		Search:    "roof",
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if total != 1 || len(items) != 1 {
		t.Fatalf("total = %d, items = %d, want 1 match", total, len(items))
	}
	if items[0].ID != want.ID {
		t.Fatalf("matched wrong defect %s", items[0].ID)
	}
}

func TestQueryResolvesProjectName(t *testing.T) {
	svc, _, projectID := newTestEnv(t)
	seedDefects(t, svc, projectID, 1)

	items, _, err := svc.Query(context.Background(), domain.DefectFilter{ProjectID: projectID})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(items) != 1 || items[0].ProjectName != "Tower A" {
		t.Fatalf("project name not resolved: %+v", items)
	}
}
