package domain

import "time"

// Defect is a tracked issue within a project.
//
// ProjectName and AssigneeEmail are read-side fields populated by list
// queries for reporting; they are never written back.
type Defect struct {
	ID          string
	Title       string
	Description string
	Priority    Priority
	Status      Status
	ProjectID   string
	StageID     *string
	AssigneeID  *string
	CreatedAt   time.Time
	DueDate     *time.Time

	ProjectName   string
	AssigneeEmail string
}

// Comment is an immutable remark on a defect.
type Comment struct {
	ID          string
	DefectID    string
	AuthorID    string
	AuthorEmail string
	Text        string
	CreatedAt   time.Time
}

// Attachment stores an uploaded file attached to a defect. Content is only
// populated when a single attachment is fetched for download.
type Attachment struct {
	ID          string
	DefectID    string
	FileName    string
	ContentType string
	Content     []byte
	UploadedBy  string
	UploadedAt  time.Time
}

// HistoryEntry is one immutable audit record of a field change on a defect.
// Entries are append-only: they are never updated or deleted.
type HistoryEntry struct {
	ID         string
	DefectID   string
	ActorID    string
	ActorEmail string
	Field      string
	OldValue   *string
	NewValue   *string
	CreatedAt  time.Time
}

// DefectDetail is the full defect graph returned by a single-defect read.
type DefectDetail struct {
	Defect      Defect
	Project     *Project
	Stage       *Stage
	Assignee    *User
	Comments    []Comment
	Attachments []Attachment
	History     []HistoryEntry
}

// TrendPoint counts defects created on one UTC calendar date.
type TrendPoint struct {
	Date  string
	Count int
}
