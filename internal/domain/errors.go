package domain

// ValidationError marks input rejected before it reaches persistence.
type ValidationError struct {
	Reason string
}

func (e ValidationError) Error() string {
	return e.Reason
}

// Invalid wraps a reason into a ValidationError.
func Invalid(reason string) error {
	return ValidationError{Reason: reason}
}
