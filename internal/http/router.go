package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Denis-Mist/ControlSystem/internal/domain"
	authsvc "github.com/Denis-Mist/ControlSystem/internal/service/auth"
	"github.com/Denis-Mist/ControlSystem/internal/service/defect"
	"github.com/Denis-Mist/ControlSystem/internal/service/project"
	"github.com/Denis-Mist/ControlSystem/internal/service/report"
	"github.com/Denis-Mist/ControlSystem/internal/ws"
)

// Router wires HTTP endpoints to services.
type Router struct {
	mux      *http.ServeMux
	logger   *slog.Logger
	auth     authsvc.Service
	defects  defect.Service
	projects project.Service
	reports  report.Service
	hub      *ws.Hub
	upgrader websocket.Upgrader
	limiter  RateLimiter
	maxBody  int64
	dbHealth func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitSignup    = 5
	rateLimitLogin     = 12
	rateLimitUserWrite = 60
	rateLimitUserRead  = 120
	rateLimitWebsocket = 30
	healthCheckTimeout = 2 * time.Second
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, authSvc authsvc.Service, defectSvc defect.Service, projectSvc project.Service, reportSvc report.Service, hub *ws.Hub, limiter RateLimiter, maxAttachmentBytes int64, dbHealth func(context.Context) error) *Router {
	r := &Router{
		mux:      http.NewServeMux(),
		logger:   logger,
		auth:     authSvc,
		defects:  defectSvc,
		projects: projectSvc,
		reports:  reportSvc,
		hub:      hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:  limiter,
		maxBody:  maxAttachmentBytes,
		dbHealth: dbHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	if r.maxBody <= 0 {
		r.maxBody = 50 << 20
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit("healthz", r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/auth/signup", r.audit("auth_signup", r.withRateLimit("auth_signup", rateLimitSignup, rateWindowDefault, rateLimitKeyIP, r.handleSignup)))
	r.mux.HandleFunc("/auth/login", r.audit("auth_login", r.withRateLimit("auth_login", rateLimitLogin, rateWindowDefault, rateLimitKeyIP, r.handleLogin)))
	r.mux.HandleFunc("/defects", r.audit("defects", r.handlerAuthRate("defects", rateLimitUserWrite, rateWindowDefault, r.handleDefects)))
	r.mux.HandleFunc("/defects/", r.audit("defect", r.handlerAuthRate("defect", rateLimitUserWrite, rateWindowDefault, r.handleDefectSubroutes)))
	r.mux.HandleFunc("/projects", r.audit("projects", r.handlerAuthRate("projects", rateLimitUserWrite, rateWindowDefault, r.handleProjects)))
	r.mux.HandleFunc("/projects/", r.audit("project", r.handlerAuthRate("project", rateLimitUserWrite, rateWindowDefault, r.handleProjectSubroutes)))
	r.mux.HandleFunc("/reports/", r.audit("reports", r.handlerAuthRate("reports", rateLimitUserRead, rateWindowDefault, r.handleReports)))
	r.mux.HandleFunc("/ws/defects", r.audit("ws_defects", r.handlerAuthRate("ws_defects", rateLimitWebsocket, rateWindowRealtime, r.handleDefectsWS)))
}

func (r *Router) handleSignup(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, token, err := r.auth.Signup(req.Context(), payload.Email, payload.Password)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"user": map[string]any{
			"id":    user.ID,
			"email": user.Email,
		},
		"access_token": token.AccessToken,
		"expires_in":   int(token.ExpiresIn.Seconds()),
	})
}

func (r *Router) handleLogin(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, token, err := r.auth.Login(req.Context(), payload.Email, payload.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user": map[string]any{
			"id":    user.ID,
			"email": user.Email,
		},
		"access_token": token.AccessToken,
		"expires_in":   int(token.ExpiresIn.Seconds()),
	})
}

type defectPayload struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
	Priority    *string `json:"priority"`
	ProjectID   string  `json:"project_id"`
	StageID     *string `json:"stage_id"`
	AssigneeID  *string `json:"assignee_id"`
	DueDate     *string `json:"due_date"`
}

func (r *Router) handleDefects(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodPost:
		r.handleDefectCreate(w, req)
	case http.MethodGet:
		r.handleDefectQuery(w, req)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleDefectCreate(w http.ResponseWriter, req *http.Request) {
	var payload defectPayload
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	input := defect.CreateInput{
		ProjectID:  payload.ProjectID,
		StageID:    payload.StageID,
		AssigneeID: payload.AssigneeID,
	}
	if payload.Title != nil {
		input.Title = *payload.Title
	}
	if payload.Description != nil {
		input.Description = *payload.Description
	}
	if payload.Priority != nil {
		priority, err := domain.ParsePriority(*payload.Priority)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		input.Priority = &priority
	}
	if payload.DueDate != nil {
		due, err := parseDate(*payload.DueDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid due_date format")
			return
		}
		input.DueDate = &due
	}
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for defect creation", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	created, err := r.defects.Create(req.Context(), input, info.UserID)
	if err != nil {
		r.writeDomainError(w, req, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (r *Router) handleDefectQuery(w http.ResponseWriter, req *http.Request) {
	filter, err := filterFromQuery(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	items, total, err := r.defects.Query(req.Context(), filter)
	if err != nil {
		r.writeDomainError(w, req, err)
		return
	}
	normalized := filter.Normalized()
	writeJSON(w, http.StatusOK, map[string]any{
		"items":     items,
		"total":     total,
		"page":      normalized.Page,
		"page_size": normalized.PageSize,
	})
}

func filterFromQuery(req *http.Request) (domain.DefectFilter, error) {
	q := req.URL.Query()
	filter := domain.DefectFilter{
		ProjectID:  q.Get("project_id"),
		AssigneeID: q.Get("assignee_id"),
		Search:     q.Get("search"),
		SortBy:     q.Get("sort_by"),
		SortDir:    q.Get("sort_dir"),
	}
	if raw := q.Get("status"); raw != "" {
		status, err := domain.ParseStatus(raw)
		if err != nil {
			return domain.DefectFilter{}, err
		}
		filter.Status = &status
	}
	if raw := q.Get("priority"); raw != "" {
		priority, err := domain.ParsePriority(raw)
		if err != nil {
			return domain.DefectFilter{}, err
		}
		filter.Priority = &priority
	}
	filter.Page, _ = strconv.Atoi(q.Get("page"))
	filter.PageSize, _ = strconv.Atoi(q.Get("page_size"))
	return filter, nil
}

func (r *Router) handleDefectSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/defects/")
	parts := strings.Split(trimmed, "/")
	if len(parts) < 1 || parts[0] == "" {
		r.notFound(w)
		return
	}
	defectID := parts[0]
	switch {
	case len(parts) == 1:
		r.handleDefectByID(w, req, defectID)
	case len(parts) == 2 && parts[1] == "status":
		r.handleDefectStatus(w, req, defectID)
	case len(parts) == 2 && parts[1] == "comments":
		r.handleDefectComments(w, req, defectID)
	case len(parts) == 2 && parts[1] == "attachments":
		r.handleDefectAttachments(w, req, defectID)
	case len(parts) == 3 && parts[1] == "attachments" && parts[2] != "":
		r.handleAttachmentDownload(w, req, defectID, parts[2])
	default:
		r.notFound(w)
	}
}

func (r *Router) handleDefectByID(w http.ResponseWriter, req *http.Request, defectID string) {
	switch req.Method {
	case http.MethodGet:
		detail, err := r.defects.Get(req.Context(), defectID)
		if err != nil {
			r.writeDomainError(w, req, err)
			return
		}
		if detail.Assignee != nil {
			assignee := *detail.Assignee
			assignee.PasswordHash = nil
			detail.Assignee = &assignee
		}
		writeJSON(w, http.StatusOK, detail)
	case http.MethodPut, http.MethodPatch:
		r.handleDefectUpdate(w, req, defectID)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleDefectUpdate(w http.ResponseWriter, req *http.Request, defectID string) {
	var payload defectPayload
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	input := defect.UpdateInput{
		Title:       payload.Title,
		Description: payload.Description,
		StageID:     payload.StageID,
		AssigneeID:  payload.AssigneeID,
	}
	if payload.Priority != nil {
		priority, err := domain.ParsePriority(*payload.Priority)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		input.Priority = &priority
	}
	if payload.DueDate != nil {
		due, err := parseDate(*payload.DueDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid due_date format")
			return
		}
		input.DueDate = &due
	}
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for defect update", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	updated, err := r.defects.Update(req.Context(), defectID, input, info.UserID)
	if err != nil {
		r.writeDomainError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (r *Router) handleDefectStatus(w http.ResponseWriter, req *http.Request, defectID string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	status, err := domain.ParseStatus(payload.Status)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for status change", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	updated, err := r.defects.ChangeStatus(req.Context(), defectID, status, info.UserID)
	if err != nil {
		r.writeDomainError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (r *Router) handleDefectComments(w http.ResponseWriter, req *http.Request, defectID string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for comment", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	comment, err := r.defects.AddComment(req.Context(), defectID, payload.Text, info.UserID)
	if err != nil {
		r.writeDomainError(w, req, err)
		return
	}
	writeJSON(w, http.StatusCreated, comment)
}

func (r *Router) handleDefectAttachments(w http.ResponseWriter, req *http.Request, defectID string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	req.Body = http.MaxBytesReader(w, req.Body, r.maxBody)
	file, header, err := r.attachmentFromRequest(req)
	if err != nil {
		var maxBytes *http.MaxBytesError
		if errors.As(err, &maxBytes) {
			writeError(w, http.StatusRequestEntityTooLarge, "attachment exceeds size limit")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer file.Close()
	content, err := io.ReadAll(file)
	if err != nil {
		var maxBytes *http.MaxBytesError
		if errors.As(err, &maxBytes) {
			writeError(w, http.StatusRequestEntityTooLarge, "attachment exceeds size limit")
			return
		}
		writeError(w, http.StatusBadRequest, "could not read attachment")
		return
	}
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for attachment upload", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	attachment, err := r.defects.Attach(req.Context(), defectID, defect.AttachInput{
		FileName:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Content:     content,
	}, info.UserID)
	if err != nil {
		r.writeDomainError(w, req, err)
		return
	}
	stored := *attachment
	stored.Content = nil
	writeJSON(w, http.StatusCreated, stored)
}

func (r *Router) attachmentFromRequest(req *http.Request) (multipart.File, *multipart.FileHeader, error) {
	if err := req.ParseMultipartForm(r.maxBody); err != nil {
		return nil, nil, err
	}
	file, header, err := req.FormFile("file")
	if err != nil {
		return nil, nil, errors.New("multipart field 'file' is required")
	}
	return file, header, nil
}

func (r *Router) handleAttachmentDownload(w http.ResponseWriter, req *http.Request, defectID, attachmentID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	attachment, err := r.defects.GetAttachment(req.Context(), defectID, attachmentID)
	if err != nil {
		r.writeDomainError(w, req, err)
		return
	}
	w.Header().Set("Content-Type", attachment.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", attachment.FileName))
	w.Header().Set("Content-Length", strconv.Itoa(len(attachment.Content)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(attachment.Content)
}

func (r *Router) handleProjects(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodPost:
		var payload project.CreateInput
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		created, err := r.projects.Create(req.Context(), payload)
		if err != nil {
			r.writeDomainError(w, req, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	case http.MethodGet:
		projects, err := r.projects.List(req.Context())
		if err != nil {
			r.writeDomainError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, projects)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleProjectSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/projects/")
	parts := strings.Split(trimmed, "/")
	if len(parts) < 1 || parts[0] == "" {
		r.notFound(w)
		return
	}
	projectID := parts[0]
	switch {
	case len(parts) == 1:
		r.handleProjectByID(w, req, projectID)
	case len(parts) == 2 && parts[1] == "stages":
		r.handleProjectStages(w, req, projectID)
	default:
		r.notFound(w)
	}
}

func (r *Router) handleProjectByID(w http.ResponseWriter, req *http.Request, projectID string) {
	switch req.Method {
	case http.MethodGet:
		proj, err := r.projects.Get(req.Context(), projectID)
		if err != nil {
			r.writeDomainError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, proj)
	case http.MethodPut, http.MethodPatch:
		var payload project.UpdateInput
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		updated, err := r.projects.Update(req.Context(), projectID, payload)
		if err != nil {
			r.writeDomainError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	case http.MethodDelete:
		if err := r.projects.Delete(req.Context(), projectID); err != nil {
			r.writeDomainError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleProjectStages(w http.ResponseWriter, req *http.Request, projectID string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	stage, err := r.projects.AddStage(req.Context(), projectID, payload.Name)
	if err != nil {
		r.writeDomainError(w, req, err)
		return
	}
	writeJSON(w, http.StatusCreated, stage)
}

func (r *Router) handleReports(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	switch strings.TrimPrefix(req.URL.Path, "/reports/") {
	case "defects/export":
		r.handleReportExport(w, req)
	case "counts/status":
		counts, err := r.reports.CountsByStatus(req.Context())
		if err != nil {
			r.writeDomainError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, counts)
	case "counts/priority":
		counts, err := r.reports.CountsByPriority(req.Context())
		if err != nil {
			r.writeDomainError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, counts)
	case "trend/created":
		r.handleReportTrend(w, req)
	default:
		r.notFound(w)
	}
}

func (r *Router) handleReportExport(w http.ResponseWriter, req *http.Request) {
	filter, err := filterFromQuery(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	data, err := r.reports.ExportCSV(req.Context(), filter)
	if err != nil {
		r.writeDomainError(w, req, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="defects.csv"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (r *Router) handleReportTrend(w http.ResponseWriter, req *http.Request) {
	from, err := parseDate(req.URL.Query().Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid 'from' date")
		return
	}
	to, err := parseDate(req.URL.Query().Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid 'to' date")
		return
	}
	trend, err := r.reports.CreatedTrend(req.Context(), from, to)
	if err != nil {
		r.writeDomainError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, trend)
}

func (r *Router) handleDefectsWS(w http.ResponseWriter, req *http.Request) {
	if _, ok := authInfoFromContext(req.Context()); !ok {
		r.logger.Error("auth context missing for defect websocket", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	projectID := req.URL.Query().Get("project_id")
	if projectID == "" {
		writeError(w, http.StatusBadRequest, "project_id query parameter required")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(projectID, client)
	go func() {
		defer func() {
			r.hub.Unregister(projectID, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		r.recordRequestMetrics(req.Method, route, status, duration)
		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if info, ok := authInfoFromContext(ctx); ok {
			actor = "user"
			fields = append(fields, "user_id", info.UserID)
		}
		fields = append(fields, "actor", actor)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func (sr *statusRecorder) Push(target string, opts *http.PushOptions) error {
	if p, ok := sr.ResponseWriter.(http.Pusher); ok {
		return p.Push(target, opts)
	}
	return http.ErrNotSupported
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

// parseDate accepts RFC3339 timestamps or bare calendar dates.
func parseDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
