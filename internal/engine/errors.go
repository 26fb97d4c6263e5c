package engine

import "fmt"

// ValidationError rejects a request whose payload cannot be applied: an empty
// required field, a missing blocking reason, or a gate like an earlier blocked
// stage. It always leaves the store untouched.
type ValidationError struct {
	Msg string
}

func (e ValidationError) Error() string { return e.Msg }

func validationf(format string, args ...any) ValidationError {
	return ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// InvalidTransitionError rejects a status edge that is not in the allowed set.
type InvalidTransitionError struct {
	From string
	To   string
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid card status transition %s -> %s", e.From, e.To)
}

// ConflictError reports a lost optimistic update: another writer changed the
// card between our read and our write. Callers may safely retry.
type ConflictError struct {
	CardID string
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("card %s was modified concurrently; retry", e.CardID)
}
