package incident

import "fmt"

// NotFoundError is returned when an incident id does not exist.
type NotFoundError struct {
	ID int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("incident %d not found", e.ID)
}

// InvalidTransitionError is returned when the requested transition is not in
// the state machine's edge set.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition from %s to %s", e.From, e.To)
}
