package domain

import "fmt"

// Status is the lifecycle state of a defect.
type Status string

// Defect lifecycle states. Closed and Cancelled are terminal.
const (
	StatusNew         Status = "New"
	StatusInProgress  Status = "InProgress"
	StatusUnderReview Status = "UnderReview"
	StatusClosed      Status = "Closed"
	StatusCancelled   Status = "Cancelled"
)

// allowedTransitions is the full transition table. A state missing a target
// here rejects that transition; terminal states have empty sets.
var allowedTransitions = map[Status][]Status{
	StatusNew:         {StatusInProgress, StatusCancelled},
	StatusInProgress:  {StatusUnderReview, StatusCancelled},
	StatusUnderReview: {StatusClosed, StatusInProgress, StatusCancelled},
	StatusClosed:      {},
	StatusCancelled:   {},
}

// statusRank orders states by lifecycle position for sorting.
var statusRank = map[Status]int{
	StatusNew:         0,
	StatusInProgress:  1,
	StatusUnderReview: 2,
	StatusClosed:      3,
	StatusCancelled:   4,
}

// InvalidTransitionError reports a status change rejected by the transition table.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("transition from %s to %s is not allowed", e.From, e.To)
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// Rank returns the lifecycle position of s, used as a sort key.
func (s Status) Rank() int {
	return statusRank[s]
}

// CanTransitionTo reports whether the table allows moving from s to next.
// Requesting the current state is always allowed (idempotent no-op).
func (s Status) CanTransitionTo(next Status) bool {
	if s == next {
		return true
	}
	for _, allowed := range allowedTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// CheckTransition validates a requested status change. It returns nil for
// allowed transitions (including the same-state no-op) and an
// InvalidTransitionError otherwise. Pure: persistence and history recording
// are the caller's responsibility.
func CheckTransition(current, requested Status) error {
	if !current.CanTransitionTo(requested) {
		return InvalidTransitionError{From: current, To: requested}
	}
	return nil
}

// ParseStatus converts transport input into a Status.
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.Valid() {
		return "", fmt.Errorf("unknown status %q", raw)
	}
	return s, nil
}
