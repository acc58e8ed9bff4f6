package incident

import "time"

// Topics the lifecycle service publishes to. Created and resolved carry the
// contracts downstream consumers already depend on; intermediate transitions
// go to the status topic.
const (
	TopicCreated  = "traffic.incident.created"
	TopicResolved = "traffic.incident.resolved"
	TopicStatus   = "traffic.incident.status"
)

// Timeline event kinds. One row per accepted lifecycle transition.
const (
	EventCreated      = "CREATED"
	EventConfirmed    = "CONFIRMED"
	EventInProgress   = "IN_PROGRESS"
	EventResolved     = "RESOLVED"
	EventClosed       = "CLOSED"
	EventFalseAlarm   = "FALSE_ALARM"
	EventCancelled    = "CANCELLED"
	EventStatusPrefix = "STATUS_"
)

// CreatedEvent is the payload published on TopicCreated.
type CreatedEvent struct {
	ID         int64     `json:"id"`
	Type       string    `json:"type"`
	Level      Level     `json:"level"`
	Location   string    `json:"location"`
	OccurredAt time.Time `json:"occurredAt"`
	Source     string    `json:"source,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// ResolvedEvent is the payload published on TopicResolved.
type ResolvedEvent struct {
	ID          int64     `json:"id"`
	ResolvedAt  time.Time `json:"resolvedAt"`
	Description string    `json:"description,omitempty"`
}

// StatusChangedEvent is the payload published on TopicStatus for transitions
// other than resolution.
type StatusChangedEvent struct {
	ID        int64     `json:"id"`
	Status    Status    `json:"status"`
	Notes     string    `json:"notes,omitempty"`
	ChangedAt time.Time `json:"changedAt"`
}

// EventKindForStatus maps a target status to its timeline event kind.
func EventKindForStatus(target Status) string {
	switch target {
	case StatusConfirmed:
		return EventConfirmed
	case StatusInProgress:
		return EventInProgress
	case StatusResolved:
		return EventResolved
	case StatusClosed:
		return EventClosed
	case StatusFalseAlarm:
		return EventFalseAlarm
	case StatusCancelled:
		return EventCancelled
	default:
		return EventStatusPrefix + string(target)
	}
}
