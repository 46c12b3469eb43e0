package api

import "time"

// EventType identifies a run history event.
type EventType string

const (
	EventRunStarted   EventType = "run.started"
	EventRunResumed   EventType = "run.resumed"
	EventRunPaused    EventType = "run.paused"
	EventRunCompleted EventType = "run.completed"
	EventRunFailed    EventType = "run.failed"
	EventRunCancelled EventType = "run.cancelled"

	EventStepStarted   EventType = "step.started"
	EventStepCompleted EventType = "step.completed"
	EventStepFailed    EventType = "step.failed"
	EventStepSkipped   EventType = "step.skipped"
	EventStepRetried   EventType = "step.retried"

	EventInputReceived EventType = "input.received"
	EventDecision      EventType = "decision"
	EventWorkspace     EventType = "workspace"
)

// EventLevel classifies the severity of a history event.
type EventLevel string

const (
	LevelCritical EventLevel = "critical"
	LevelError    EventLevel = "error"
	LevelWarning  EventLevel = "warning"
	LevelInfo     EventLevel = "information"
)

// Event is a minimal append-only history record for audit and debugging.
// It is intentionally small and stable; do not dump large payloads into
// Detail.
type Event struct {
	RunID string     `json:"run_id"`
	At    time.Time  `json:"at"`
	Type  EventType  `json:"type"`
	Level EventLevel `json:"level"`

	// Optional context.
	Step   string `json:"step,omitempty"`
	Detail string `json:"detail,omitempty"`
}
