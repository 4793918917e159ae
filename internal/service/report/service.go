// Package report renders filtered defect sets as CSV and computes aggregate
// counts and creation trends.
package report

import (
	"bytes"
	"context"
	"encoding/csv"
	"time"

	"log/slog"

	"github.com/Denis-Mist/ControlSystem/internal/domain"
	"github.com/Denis-Mist/ControlSystem/internal/repository"
)

// csvHeader is fixed and always emitted, even for zero matching rows.
var csvHeader = []string{"Id", "Title", "Project", "Status", "Priority", "AssignedTo", "CreatedAt", "DueDate", "Description"}

// Service reads defects for reporting independently of the lifecycle service.
type Service struct {
	defects repository.DefectRepository
	logger  *slog.Logger
}

// New returns a report service.
func New(defects repository.DefectRepository, logger *slog.Logger) Service {
	return Service{defects: defects, logger: logger}
}

// ExportCSV renders the full filtered defect set (no pagination) as
// semicolon-delimited text. Fields containing the delimiter, a quote or a
// newline are quoted with internal quotes doubled.
func (s Service) ExportCSV(ctx context.Context, filter domain.DefectFilter) ([]byte, error) {
	defects, err := s.defects.ListDefects(ctx, filter.Normalized())
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.Comma = ';'
	if err := w.Write(csvHeader); err != nil {
		return nil, err
	}
	for _, d := range defects {
		assignee := d.AssigneeEmail
		if assignee == "" && d.AssigneeID != nil {
			assignee = *d.AssigneeID
		}
		dueDate := ""
		if d.DueDate != nil {
			dueDate = d.DueDate.UTC().Format(time.RFC3339)
		}
		row := []string{
			d.ID,
			d.Title,
			d.ProjectName,
			string(d.Status),
			d.Priority.String(),
			assignee,
			d.CreatedAt.UTC().Format(time.RFC3339),
			dueDate,
			d.Description,
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	s.logger.Info("defects exported", "rows", len(defects))
	return buf.Bytes(), nil
}

// CountsByStatus groups all defects by status name; buckets with zero
// defects are omitted.
func (s Service) CountsByStatus(ctx context.Context) (map[string]int, error) {
	return s.defects.CountByStatus(ctx)
}

// CountsByPriority groups all defects by priority name; buckets with zero
// defects are omitted.
func (s Service) CountsByPriority(ctx context.Context) (map[string]int, error) {
	return s.defects.CountByPriority(ctx)
}

// CreatedTrend counts defects created within the inclusive [from, to]
// range, bucketed by UTC calendar date in chronological order. Both bounds
// are widened to whole UTC days, so a defect created any time on the "to"
// date is counted.
func (s Service) CreatedTrend(ctx context.Context, from, to time.Time) ([]domain.TrendPoint, error) {
	start := startOfDay(from)
	end := startOfDay(to).AddDate(0, 0, 1).Add(-time.Nanosecond)
	if end.Before(start) {
		return nil, domain.Invalid("trend range end precedes start")
	}
	return s.defects.CountCreatedBetween(ctx, start, end)
}

func startOfDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
