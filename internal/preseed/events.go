package preseed

import "time"

type EventType string

const (
	EventCreated   EventType = "created"
	EventRunning   EventType = "running"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventCancelled EventType = "cancelled"
)

func eventFor(s Status) EventType {
	switch s {
	case StatusRunning:
		return EventRunning
	case StatusCompleted:
		return EventCompleted
	case StatusFailed:
		return EventFailed
	case StatusCancelled:
		return EventCancelled
	default:
		return EventCreated
	}
}

// Event is a job lifecycle change.
type Event struct {
	Type EventType `json:"type"`
	Job  Job       `json:"job"`
	At   time.Time `json:"at"`
}

// EventPublisher receives lifecycle events. Publish must not block the
// scheduler.
type EventPublisher interface {
	Publish(e Event)
}
