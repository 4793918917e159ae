package domain

import "time"

// Project owns stages and defects. Deleting a project removes its stages,
// defects and everything the defects own.
type Project struct {
	ID          string
	Name        string
	Description string
	CreatedAt   time.Time

	Stages []Stage
}

// Stage is a named phase of a project a defect may be associated with.
type Stage struct {
	ID        string
	Name      string
	ProjectID string
}
