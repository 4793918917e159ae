package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Denis-Mist/ControlSystem/internal/domain"
	"github.com/Denis-Mist/ControlSystem/internal/repository"
)

const defectColumns = `d.id, d.title, d.description, d.priority, d.status, d.project_id,
	d.stage_id, d.assignee_id, d.created_at, d.due_date,
	COALESCE(p.name, ''), COALESCE(u.email, '')`

const defectJoins = `FROM defects d
	LEFT JOIN projects p ON p.id = d.project_id
	LEFT JOIN users u ON u.id = d.assignee_id`

// statusRankSQL orders statuses by lifecycle position instead of
// alphabetically.
const statusRankSQL = `CASE d.status
	WHEN 'New' THEN 0 WHEN 'InProgress' THEN 1 WHEN 'UnderReview' THEN 2
	WHEN 'Closed' THEN 3 ELSE 4 END`

const historyInsert = `INSERT INTO defect_history (id, defect_id, actor_id, field, old_value, new_value, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)`

// CreateDefect inserts a defect and its creation history entry in one
// transaction.
func (r *Repository) CreateDefect(ctx context.Context, defect *domain.Defect, history []domain.HistoryEntry) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	const query = `INSERT INTO defects (id, title, description, priority, status, project_id, stage_id, assignee_id, created_at, due_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	if _, err := tx.Exec(ctx, query,
		defect.ID, defect.Title, defect.Description, int(defect.Priority), string(defect.Status),
		defect.ProjectID, defect.StageID, defect.AssigneeID, defect.CreatedAt, defect.DueDate,
	); err != nil {
		return mapPgError(err)
	}
	if err := insertHistory(ctx, tx, history); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// GetDefectByID fetches a defect with project name and assignee email.
func (r *Repository) GetDefectByID(ctx context.Context, id string) (*domain.Defect, error) {
	query := `SELECT ` + defectColumns + ` ` + defectJoins + ` WHERE d.id = $1`
	row := r.pool.QueryRow(ctx, query, id)
	defect, err := scanDefect(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return defect, nil
}

// UpdateDefect overwrites tracked fields and writes the matching history
// entries in the same transaction.
func (r *Repository) UpdateDefect(ctx context.Context, defect *domain.Defect, history []domain.HistoryEntry) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	const query = `UPDATE defects SET title = $2, description = $3, priority = $4,
		stage_id = $5, assignee_id = $6, due_date = $7 WHERE id = $1`
	tag, err := tx.Exec(ctx, query,
		defect.ID, defect.Title, defect.Description, int(defect.Priority),
		defect.StageID, defect.AssigneeID, defect.DueDate,
	)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	if err := insertHistory(ctx, tx, history); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// UpdateDefectStatus moves a defect from one status to another with a
// compare-and-set: a concurrent writer that already changed the status
// causes ErrConflict and nothing is written.
func (r *Repository) UpdateDefectStatus(ctx context.Context, defectID string, from, to domain.Status, entry domain.HistoryEntry) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	const query = `UPDATE defects SET status = $3 WHERE id = $1 AND status = $2`
	tag, err := tx.Exec(ctx, query, defectID, string(from), string(to))
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM defects WHERE id = $1)`, defectID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return repository.ErrNotFound
		}
		return repository.ErrConflict
	}
	if err := insertHistory(ctx, tx, []domain.HistoryEntry{entry}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// AddComment inserts a comment together with its history entry.
func (r *Repository) AddComment(ctx context.Context, comment *domain.Comment, entry domain.HistoryEntry) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	const query = `INSERT INTO defect_comments (id, defect_id, author_id, text, created_at)
		VALUES ($1, $2, $3, $4, $5)`
	if _, err := tx.Exec(ctx, query,
		comment.ID, comment.DefectID, nilIfEmpty(comment.AuthorID), comment.Text, comment.CreatedAt,
	); err != nil {
		return mapPgError(err)
	}
	if err := insertHistory(ctx, tx, []domain.HistoryEntry{entry}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// AddAttachment inserts an attachment together with its history entry.
func (r *Repository) AddAttachment(ctx context.Context, attachment *domain.Attachment, entry domain.HistoryEntry) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	const query = `INSERT INTO defect_attachments (id, defect_id, file_name, content_type, content, uploaded_by, uploaded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	if _, err := tx.Exec(ctx, query,
		attachment.ID, attachment.DefectID, attachment.FileName, attachment.ContentType,
		attachment.Content, nilIfEmpty(attachment.UploadedBy), attachment.UploadedAt,
	); err != nil {
		return mapPgError(err)
	}
	if err := insertHistory(ctx, tx, []domain.HistoryEntry{entry}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// QueryDefects returns one page of matches plus the total count before
// pagination.
func (r *Repository) QueryDefects(ctx context.Context, filter domain.DefectFilter) ([]domain.Defect, int, error) {
	where, args := defectConditions(filter)

	var total int
	countQuery := `SELECT COUNT(*) FROM defects d` + where
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limitArgs := append(args, filter.PageSize, (filter.Page-1)*filter.PageSize)
	query := fmt.Sprintf(`SELECT %s %s%s %s LIMIT $%d OFFSET $%d`,
		defectColumns, defectJoins, where, orderClause(filter), len(args)+1, len(args)+2)
	items, err := r.listDefects(ctx, query, limitArgs...)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// ListDefects returns the full filtered set newest first, unpaginated.
func (r *Repository) ListDefects(ctx context.Context, filter domain.DefectFilter) ([]domain.Defect, error) {
	where, args := defectConditions(filter)
	query := `SELECT ` + defectColumns + ` ` + defectJoins + where +
		` ORDER BY d.created_at DESC, d.id ASC`
	return r.listDefects(ctx, query, args...)
}

func defectConditions(filter domain.DefectFilter) (string, []any) {
	conditions := make([]string, 0, 5)
	args := make([]any, 0, 5)
	if filter.ProjectID != "" {
		args = append(args, filter.ProjectID)
		conditions = append(conditions, fmt.Sprintf("d.project_id = $%d", len(args)))
	}
	if filter.Status != nil {
		args = append(args, string(*filter.Status))
		conditions = append(conditions, fmt.Sprintf("d.status = $%d", len(args)))
	}
	if filter.Priority != nil {
		args = append(args, int(*filter.Priority))
		conditions = append(conditions, fmt.Sprintf("d.priority = $%d", len(args)))
	}
	if filter.AssigneeID != "" {
		args = append(args, filter.AssigneeID)
		conditions = append(conditions, fmt.Sprintf("d.assignee_id = $%d", len(args)))
	}
	if filter.Search != "" {
		args = append(args, "%"+escapeLike(filter.Search)+"%")
		n := len(args)
		conditions = append(conditions, fmt.Sprintf("(d.title ILIKE $%d OR d.description ILIKE $%d)", n, n))
	}
	if len(conditions) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

// likeEscaper neutralizes LIKE metacharacters so a search term matches as a
// literal substring, the same way the in-memory store does.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(term string) string {
	return likeEscaper.Replace(term)
}

// orderClause maps the sort key to a column expression. Ties are broken by
// creation time and id so pagination stays deterministic across pages.
func orderClause(filter domain.DefectFilter) string {
	var key, nulls string
	switch filter.SortBy {
	case domain.SortByPriority:
		key = "d.priority"
	case domain.SortByDueDate:
		key = "d.due_date"
		nulls = " NULLS LAST"
	case domain.SortByStatus:
		key = "(" + statusRankSQL + ")"
	default:
		key = "d.created_at"
	}
	dir := "DESC"
	if filter.SortDir == "asc" {
		dir = "ASC"
	}
	return "ORDER BY " + key + " " + dir + nulls + ", d.created_at ASC, d.id ASC"
}

func (r *Repository) listDefects(ctx context.Context, query string, args ...any) ([]domain.Defect, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	defects := make([]domain.Defect, 0)
	for rows.Next() {
		defect, err := scanDefect(rows)
		if err != nil {
			return nil, err
		}
		defects = append(defects, *defect)
	}
	return defects, rows.Err()
}

func scanDefect(row pgx.Row) (*domain.Defect, error) {
	var (
		d        domain.Defect
		priority int16
		status   string
	)
	if err := row.Scan(
		&d.ID, &d.Title, &d.Description, &priority, &status, &d.ProjectID,
		&d.StageID, &d.AssigneeID, &d.CreatedAt, &d.DueDate,
		&d.ProjectName, &d.AssigneeEmail,
	); err != nil {
		return nil, err
	}
	d.Priority = domain.Priority(priority)
	d.Status = domain.Status(status)
	return &d, nil
}

func insertHistory(ctx context.Context, tx pgx.Tx, entries []domain.HistoryEntry) error {
	if len(entries) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, entry := range entries {
		batch.Queue(historyInsert,
			entry.ID, entry.DefectID, nilIfEmpty(entry.ActorID),
			entry.Field, entry.OldValue, entry.NewValue, entry.CreatedAt,
		)
	}
	results := tx.SendBatch(ctx, batch)
	for range entries {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return mapPgError(err)
		}
	}
	return results.Close()
}

// ListComments returns a defect's comments oldest first with author emails
// resolved for known users.
func (r *Repository) ListComments(ctx context.Context, defectID string) ([]domain.Comment, error) {
	const query = `SELECT c.id, c.defect_id, COALESCE(c.author_id, ''), COALESCE(u.email, ''), c.text, c.created_at
		FROM defect_comments c
		LEFT JOIN users u ON u.id = c.author_id
		WHERE c.defect_id = $1
		ORDER BY c.created_at, c.id`
	rows, err := r.pool.Query(ctx, query, defectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	comments := make([]domain.Comment, 0)
	for rows.Next() {
		var c domain.Comment
		if err := rows.Scan(&c.ID, &c.DefectID, &c.AuthorID, &c.AuthorEmail, &c.Text, &c.CreatedAt); err != nil {
			return nil, err
		}
		comments = append(comments, c)
	}
	return comments, rows.Err()
}

// ListAttachments returns attachment metadata oldest first; content stays in
// the database until a single attachment is fetched.
func (r *Repository) ListAttachments(ctx context.Context, defectID string) ([]domain.Attachment, error) {
	const query = `SELECT id, defect_id, file_name, content_type, COALESCE(uploaded_by, ''), uploaded_at
		FROM defect_attachments WHERE defect_id = $1 ORDER BY uploaded_at, id`
	rows, err := r.pool.Query(ctx, query, defectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	attachments := make([]domain.Attachment, 0)
	for rows.Next() {
		var a domain.Attachment
		if err := rows.Scan(&a.ID, &a.DefectID, &a.FileName, &a.ContentType, &a.UploadedBy, &a.UploadedAt); err != nil {
			return nil, err
		}
		attachments = append(attachments, a)
	}
	return attachments, rows.Err()
}

// GetAttachment returns one attachment including its content.
func (r *Repository) GetAttachment(ctx context.Context, defectID, attachmentID string) (*domain.Attachment, error) {
	const query = `SELECT id, defect_id, file_name, content_type, content, COALESCE(uploaded_by, ''), uploaded_at
		FROM defect_attachments WHERE defect_id = $1 AND id = $2`
	row := r.pool.QueryRow(ctx, query, defectID, attachmentID)
	var a domain.Attachment
	if err := row.Scan(&a.ID, &a.DefectID, &a.FileName, &a.ContentType, &a.Content, &a.UploadedBy, &a.UploadedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

// ListHistory returns a defect's audit trail oldest first with actor emails
// resolved for known users.
func (r *Repository) ListHistory(ctx context.Context, defectID string) ([]domain.HistoryEntry, error) {
	const query = `SELECT h.id, h.defect_id, COALESCE(h.actor_id, ''), COALESCE(u.email, ''), h.field, h.old_value, h.new_value, h.created_at
		FROM defect_history h
		LEFT JOIN users u ON u.id = h.actor_id
		WHERE h.defect_id = $1
		ORDER BY h.created_at, h.id`
	rows, err := r.pool.Query(ctx, query, defectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	history := make([]domain.HistoryEntry, 0)
	for rows.Next() {
		var h domain.HistoryEntry
		if err := rows.Scan(&h.ID, &h.DefectID, &h.ActorID, &h.ActorEmail, &h.Field, &h.OldValue, &h.NewValue, &h.CreatedAt); err != nil {
			return nil, err
		}
		history = append(history, h)
	}
	return history, rows.Err()
}

// CountByStatus groups all defects by status name.
func (r *Repository) CountByStatus(ctx context.Context) (map[string]int, error) {
	const query = `SELECT status, COUNT(*) FROM defects GROUP BY status`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

// CountByPriority groups all defects by priority name.
func (r *Repository) CountByPriority(ctx context.Context) (map[string]int, error) {
	const query = `SELECT priority, COUNT(*) FROM defects GROUP BY priority`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			priority int16
			count    int
		)
		if err := rows.Scan(&priority, &count); err != nil {
			return nil, err
		}
		counts[domain.Priority(priority).String()] = count
	}
	return counts, rows.Err()
}

// CountCreatedBetween buckets defects created within [from, to] by UTC
// calendar date, ascending.
func (r *Repository) CountCreatedBetween(ctx context.Context, from, to time.Time) ([]domain.TrendPoint, error) {
	const query = `SELECT to_char((created_at AT TIME ZONE 'UTC')::date, 'YYYY-MM-DD') AS day, COUNT(*)
		FROM defects
		WHERE created_at >= $1 AND created_at <= $2
		GROUP BY day
		ORDER BY day`
	rows, err := r.pool.Query(ctx, query, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	points := make([]domain.TrendPoint, 0)
	for rows.Next() {
		var point domain.TrendPoint
		if err := rows.Scan(&point.Date, &point.Count); err != nil {
			return nil, err
		}
		points = append(points, point)
	}
	return points, rows.Err()
}
