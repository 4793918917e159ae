package domain

import "strings"

// Sort keys accepted by defect queries. Unknown keys fall back to SortByCreatedAt.
const (
	SortByCreatedAt = "createdat"
	SortByPriority  = "priority"
	SortByDueDate   = "duedate"
	SortByStatus    = "status"
)

const (
	DefaultPage     = 1
	DefaultPageSize = 20
	MaxPageSize     = 500
	// MaxPage bounds the page offset so page*pageSize always fits in an
	// int and never goes negative.
	MaxPage = 10_000_000
)

// DefectFilter selects, orders and pages defects. Zero-value fields are
// ignored; pointer fields filter on exact match when set.
type DefectFilter struct {
	ProjectID  string
	Status     *Status
	Priority   *Priority
	AssigneeID string
	Search     string
	Page       int
	PageSize   int
	SortBy     string
	SortDir    string
}

// Normalized clamps paging to defaults, trims the search term and resolves
// the sort key and direction. Page and page size values <= 0 are clamped
// rather than rejected so that pagination stays deterministic; values above
// the caps are clamped down for the same reason.
func (f DefectFilter) Normalized() DefectFilter {
	out := f
	if out.Page <= 0 {
		out.Page = DefaultPage
	}
	if out.Page > MaxPage {
		out.Page = MaxPage
	}
	if out.PageSize <= 0 {
		out.PageSize = DefaultPageSize
	}
	if out.PageSize > MaxPageSize {
		out.PageSize = MaxPageSize
	}
	out.Search = strings.TrimSpace(out.Search)
	switch strings.ToLower(out.SortBy) {
	case SortByPriority:
		out.SortBy = SortByPriority
	case SortByDueDate:
		out.SortBy = SortByDueDate
	case SortByStatus:
		out.SortBy = SortByStatus
	default:
		out.SortBy = SortByCreatedAt
	}
	if strings.ToLower(out.SortDir) == "asc" {
		out.SortDir = "asc"
	} else {
		out.SortDir = "desc"
	}
	return out
}
