package httpx

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"log/slog"

	"github.com/Denis-Mist/ControlSystem/internal/config"
	"github.com/Denis-Mist/ControlSystem/internal/repository/memory"
	authsvc "github.com/Denis-Mist/ControlSystem/internal/service/auth"
	"github.com/Denis-Mist/ControlSystem/internal/service/defect"
	"github.com/Denis-Mist/ControlSystem/internal/service/project"
	"github.com/Denis-Mist/ControlSystem/internal/service/report"
	"github.com/Denis-Mist/ControlSystem/internal/ws"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	repo := memory.New()
	cfg := config.Config{JWTSecret: "test-secret", AccessTokenTTL: time.Hour, MaxAttachmentBytes: 1 << 20}
	log := testLogger()
	hub := ws.NewHub()

	router := NewRouter(
		log,
		authsvc.New(repo, log, cfg),
		defect.New(repo, repo, repo, hub, log),
		project.New(repo, log),
		report.New(repo, log),
		hub,
		nil,
		cfg.MaxAttachmentBytes,
		nil,
	)
	t.Cleanup(router.Close)
	return router
}

func doJSON(t *testing.T, router *Router, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "192.0.2.1:1234"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	out := map[string]any{}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func signupToken(t *testing.T, router *Router, email string) string {
	t.Helper()
	rec := doJSON(t, router, http.MethodPost, "/auth/signup", "", map[string]string{
		"email":    email,
		"password": "password123",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("signup returned %d: %s", rec.Code, rec.Body.String())
	}
	token, _ := decodeBody(t, rec)["access_token"].(string)
	if token == "" {
		t.Fatal("signup response missing access_token")
	}
	return token
}

func createProject(t *testing.T, router *Router, token, name string) string {
	t.Helper()
	rec := doJSON(t, router, http.MethodPost, "/projects", token, map[string]string{"name": name})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create project returned %d: %s", rec.Code, rec.Body.String())
	}
	id, _ := decodeBody(t, rec)["ID"].(string)
	if id == "" {
		t.Fatal("project response missing ID")
	}
	return id
}

func createDefect(t *testing.T, router *Router, token, projectID, title string) string {
	t.Helper()
	rec := doJSON(t, router, http.MethodPost, "/defects", token, map[string]string{
		"title":      title,
		"project_id": projectID,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create defect returned %d: %s", rec.Code, rec.Body.String())
	}
	id, _ := decodeBody(t, rec)["ID"].(string)
	if id == "" {
		t.Fatal("defect response missing ID")
	}
	return id
}

func TestAuthFlow(t *testing.T) {
	router := newTestRouter(t)

	token := signupToken(t, router, "user@example.com")
	if token == "" {
		t.Fatal("empty token")
	}

	rec := doJSON(t, router, http.MethodPost, "/auth/login", "", map[string]string{
		"email":    "user@example.com",
		"password": "password123",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("login returned %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, router, http.MethodPost, "/auth/login", "", map[string]string{
		"email":    "user@example.com",
		"password": "wrong-password",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad login returned %d, want 401", rec.Code)
	}
}

func TestWriteRoutesRequireAuth(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/defects", "", map[string]string{"title": "x"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated create returned %d, want 401", rec.Code)
	}
	rec = doJSON(t, router, http.MethodPost, "/projects", "garbage-token", map[string]string{"name": "x"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token returned %d, want 401", rec.Code)
	}
}

func TestDefectLifecycleOverHTTP(t *testing.T) {
	router := newTestRouter(t)
	token := signupToken(t, router, "user@example.com")
	projectID := createProject(t, router, token, "Tower A")
	defectID := createDefect(t, router, token, projectID, "Cracked beam")

	// Transition not allowed by the table.
	rec := doJSON(t, router, http.MethodPost, "/defects/"+defectID+"/status", token, map[string]string{"status": "Closed"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("New -> Closed returned %d, want 409", rec.Code)
	}

	rec = doJSON(t, router, http.MethodPost, "/defects/"+defectID+"/status", token, map[string]string{"status": "InProgress"})
	if rec.Code != http.StatusOK {
		t.Fatalf("New -> InProgress returned %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, router, http.MethodPost, "/defects/"+defectID+"/status", token, map[string]string{"status": "Resolved"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown status returned %d, want 400", rec.Code)
	}

	rec = doJSON(t, router, http.MethodPut, "/defects/"+defectID, token, map[string]string{"title": "  "})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("blank title returned %d, want 400", rec.Code)
	}

	rec = doJSON(t, router, http.MethodPost, "/defects/"+defectID+"/comments", token, map[string]string{"text": "needs rework"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("comment returned %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, router, http.MethodGet, "/defects/"+defectID, token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get defect returned %d", rec.Code)
	}
	detail := decodeBody(t, rec)
	history, _ := detail["History"].([]any)
	if len(history) != 3 {
		t.Fatalf("history entries = %d, want 3 (create, status, comment)", len(history))
	}

	rec = doJSON(t, router, http.MethodGet, "/defects/unknown-id", token, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown defect returned %d, want 404", rec.Code)
	}
}

func TestDefectQueryEnvelope(t *testing.T) {
	router := newTestRouter(t)
	token := signupToken(t, router, "user@example.com")
	projectID := createProject(t, router, token, "Tower A")
	for i := 0; i < 3; i++ {
		createDefect(t, router, token, projectID, fmt.Sprintf("Defect %d", i))
	}

	rec := doJSON(t, router, http.MethodGet, "/defects?project_id="+projectID+"&page_size=2", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("query returned %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if total, _ := body["total"].(float64); total != 3 {
		t.Fatalf("total = %v, want 3", body["total"])
	}
	items, _ := body["items"].([]any)
	if len(items) != 2 {
		t.Fatalf("items = %d, want 2", len(items))
	}
	if pageSize, _ := body["page_size"].(float64); pageSize != 2 {
		t.Fatalf("page_size = %v, want 2", body["page_size"])
	}

	rec = doJSON(t, router, http.MethodGet, "/defects?status=Bogus", token, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bogus status filter returned %d, want 400", rec.Code)
	}
}

func TestAttachmentUploadAndDownload(t *testing.T) {
	router := newTestRouter(t)
	token := signupToken(t, router, "user@example.com")
	projectID := createProject(t, router, token, "Tower A")
	defectID := createDefect(t, router, token, projectID, "Cracked beam")

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	part, err := form.CreateFormFile("file", "photo.jpg")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write([]byte("jpeg-bytes")); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	if err := form.Close(); err != nil {
		t.Fatalf("close form: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/defects/"+defectID+"/attachments", &buf)
	req.RemoteAddr = "192.0.2.1:1234"
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", form.FormDataContentType())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload returned %d: %s", rec.Code, rec.Body.String())
	}
	attachmentID, _ := decodeBody(t, rec)["ID"].(string)
	if attachmentID == "" {
		t.Fatal("upload response missing ID")
	}

	download := doJSON(t, router, http.MethodGet, "/defects/"+defectID+"/attachments/"+attachmentID, token, nil)
	if download.Code != http.StatusOK {
		t.Fatalf("download returned %d", download.Code)
	}
	if download.Body.String() != "jpeg-bytes" {
		t.Fatalf("downloaded content = %q", download.Body.String())
	}
	if cd := download.Header().Get("Content-Disposition"); !strings.Contains(cd, "photo.jpg") {
		t.Fatalf("content disposition %q missing filename", cd)
	}
}

func TestReportRoutes(t *testing.T) {
	router := newTestRouter(t)
	token := signupToken(t, router, "user@example.com")
	projectID := createProject(t, router, token, "Tower A")
	createDefect(t, router, token, projectID, "Cracked beam")

	rec := doJSON(t, router, http.MethodGet, "/reports/defects/export", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("export returned %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Fatalf("export content type = %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "Cracked beam") {
		t.Fatal("export missing seeded defect")
	}

	rec = doJSON(t, router, http.MethodGet, "/reports/counts/status", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status counts returned %d", rec.Code)
	}
	counts := decodeBody(t, rec)
	if counts["New"] != float64(1) {
		t.Fatalf("status counts = %v", counts)
	}

	rec = doJSON(t, router, http.MethodGet, "/reports/trend/created?from=2026-01-01&to=2020-01-01", token, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("inverted trend range returned %d, want 400", rec.Code)
	}

	rec = doJSON(t, router, http.MethodGet, "/reports/trend/created?from=not-a-date&to=2026-01-01", token, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad trend date returned %d, want 400", rec.Code)
	}
}

func TestProjectCascadeDeleteOverHTTP(t *testing.T) {
	router := newTestRouter(t)
	token := signupToken(t, router, "user@example.com")
	projectID := createProject(t, router, token, "Tower A")
	defectID := createDefect(t, router, token, projectID, "Cracked beam")

	rec := doJSON(t, router, http.MethodDelete, "/projects/"+projectID, token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete returned %d: %s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, router, http.MethodGet, "/defects/"+defectID, token, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("defect survived project delete: %d", rec.Code)
	}
	rec = doJSON(t, router, http.MethodDelete, "/projects/"+projectID, token, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second delete returned %d, want 404", rec.Code)
	}
}

func TestHealthzWithoutDatabase(t *testing.T) {
	router := newTestRouter(t)
	rec := doJSON(t, router, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz returned %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["status"] != "ok" {
		t.Fatalf("healthz status = %v", body["status"])
	}
}
