package task

import "time"

// State is the lifecycle state of a single task.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether the state is absorbing.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCancelled:
		return true
	}
	return false
}

// EventType identifies a task event.
type EventType string

const (
	EventStarted   EventType = "started"
	EventOutput    EventType = "output"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventCancelled EventType = "cancelled"
)

// Terminal reports whether the event closes a task's sequence.
func (t EventType) Terminal() bool {
	switch t {
	case EventCompleted, EventFailed, EventCancelled:
		return true
	}
	return false
}

// Stream names an output channel of a child process.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// Error kinds carried by failed events. These describe faults discovered
// after a task is already running; faults discovered earlier surface as
// synchronous errors instead (see errors.go).
const (
	ErrorKindSpawn     = "spawn_error"
	ErrorKindExtension = "extension_error"
)

// ReasonTimeout marks a cancelled event caused by the task timeout rather
// than an explicit cancel request.
const ReasonTimeout = "timeout"

// Event is one immutable, timestamped fact about a task. Events for a given
// TaskID carry strictly increasing Seq values starting at 1; the started
// event is always first and exactly one terminal event is always last.
type Event struct {
	TaskID string    `json:"task_id"`
	Seq    int64     `json:"seq"`
	Type   EventType `json:"type"`
	At     time.Time `json:"at"`

	// Output events only.
	Stream Stream `json:"stream,omitempty"`
	Text   string `json:"text,omitempty"`

	// Completed events only.
	ExitCode *int `json:"exit_code,omitempty"`

	// Failed events only.
	ErrorKind string `json:"error_kind,omitempty"`
	Message   string `json:"message,omitempty"`

	// Cancelled events only.
	Reason string `json:"reason,omitempty"`

	// Handle is an opaque presentation handle returned by an extension.
	// It is process-local and never serialized or persisted.
	Handle any `json:"-"`
}

// Snapshot is a non-blocking read of a task's current state.
type Snapshot struct {
	TaskID     string     `json:"task_id"`
	ActionID   string     `json:"action_id"`
	State      State      `json:"state"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}
