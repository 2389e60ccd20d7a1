package api

import "time"

// EventType identifies a run history event.
type EventType string

const (
	EventRunStarted   EventType = "run.started"
	EventRunResumed   EventType = "run.resumed"
	EventRunWaiting   EventType = "run.waiting"
	EventRunCompleted EventType = "run.completed"
	EventRunFailed    EventType = "run.failed"
	EventRunCancelled EventType = "run.cancelled"

	EventInputProvided EventType = "input.provided"
	EventOutput        EventType = "output"
)

// RunEvent is a small append-only history record for audit and debugging.
type RunEvent struct {
	RunID string
	At    time.Time
	Type  EventType
	Board string

	// Node is the node the event concerns, if any.
	Node string

	// Detail is a short human-oriented note such as an error string.
	// Do not store values here.
	Detail string
}
