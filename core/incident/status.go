package incident

import (
	"fmt"
	"strings"
)

// Status is the lifecycle state of an incident. Transitions follow a fixed
// edge set; anything outside it is rejected with InvalidTransitionError.
type Status string

const (
	StatusPending    Status = "pending"
	StatusConfirmed  Status = "confirmed"
	StatusInProgress Status = "in_progress"
	StatusResolved   Status = "resolved"
	StatusClosed     Status = "closed"
	StatusFalseAlarm Status = "false_alarm"
	StatusCancelled  Status = "cancelled"
)

var transitions = map[Status][]Status{
	StatusPending:    {StatusConfirmed, StatusFalseAlarm, StatusCancelled},
	StatusConfirmed:  {StatusInProgress, StatusFalseAlarm, StatusCancelled},
	StatusInProgress: {StatusResolved, StatusCancelled},
	StatusResolved:   {StatusClosed},
	StatusClosed:     nil,
	StatusFalseAlarm: nil,
	StatusCancelled:  nil,
}

func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransitionTo reports whether target is a legal next state. A
// self-transition is not in the edge set and is therefore rejected.
func (s Status) CanTransitionTo(target Status) bool {
	for _, next := range transitions[s] {
		if next == target {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status has no outgoing edges.
func (s Status) IsTerminal() bool {
	next, ok := transitions[s]
	return ok && len(next) == 0
}

func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown status %q", raw)
	}
	return s, nil
}
