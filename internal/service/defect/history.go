package defect

import (
	"time"

	"github.com/google/uuid"

	"github.com/Denis-Mist/ControlSystem/internal/domain"
)

// Tracked field tags recorded in the audit trail.
const (
	fieldCreated     = "Created"
	fieldTitle       = "Title"
	fieldDescription = "Description"
	fieldPriority    = "Priority"
	fieldStage       = "StageId"
	fieldAssignee    = "AssignedTo"
	fieldDueDate     = "DueDate"
	fieldStatus      = "Status"
	fieldComment     = "Comment"
	fieldAttachment  = "Attachment"
)

// changeSet collects the history entries produced by one logical operation.
// The diff decision (did the value change) happens before record is called;
// the set itself never suppresses or rewrites entries. All entries share one
// timestamp and are committed atomically with the state change.
type changeSet struct {
	defectID string
	actorID  string
	now      time.Time
	entries  []domain.HistoryEntry
}

func newChangeSet(defectID, actorID string, now time.Time) *changeSet {
	return &changeSet{defectID: defectID, actorID: actorID, now: now}
}

func (c *changeSet) record(field string, oldValue, newValue *string) {
	c.entries = append(c.entries, domain.HistoryEntry{
		ID:        uuid.NewString(),
		DefectID:  c.defectID,
		ActorID:   c.actorID,
		Field:     field,
		OldValue:  oldValue,
		NewValue:  newValue,
		CreatedAt: c.now,
	})
}

func strPtr(value string) *string {
	return &value
}

// dateText renders an optional date in its fixed sortable round-trippable
// text form.
func dateText(value *time.Time) *string {
	if value == nil {
		return nil
	}
	return strPtr(value.UTC().Format(time.RFC3339))
}

// datesEqual compares optional dates by exact instant equality.
func datesEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func stringPtrsEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
