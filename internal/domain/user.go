package domain

import "time"

// User represents a platform account referenced as assignee, comment author
// or history actor.
type User struct {
	ID           string
	Email        string
	PasswordHash []byte
	CreatedAt    time.Time
}
