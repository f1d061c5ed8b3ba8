package bridge

// EventType classifies bridge events.
type EventType string

const (
	// EventData carries a chunk of the worker's stdout.
	EventData EventType = "data"
	// EventError carries a chunk of the worker's stderr, or a bridge-level
	// failure (spawn or stdin write) rendered as text.
	EventError EventType = "error"
	// EventClose reports process termination. Emitted exactly once per
	// invocation that was successfully started.
	EventClose EventType = "close"
)

// Event is a session-tagged notification of worker output or termination.
type Event struct {
	SessionID    string    `json:"session_id"`
	InvocationID string    `json:"invocation_id"`
	Type         EventType `json:"type"`
	// Content holds the output chunk for data and error events.
	Content string `json:"content,omitempty"`
	// Code holds the exit status for close events. -1 means the process
	// was terminated by a signal or the status is otherwise unknown.
	Code int `json:"code,omitempty"`
}

// Config controls how worker processes are spawned.
type Config struct {
	// Command is the worker binary.
	Command string
	// Args are fixed arguments passed on every invocation.
	Args []string
	// WorkRoot is the directory under which per-session workspaces are
	// created. Workspaces are never cleaned up by the bridge.
	WorkRoot string
	// EventBuffer is the event channel capacity.
	EventBuffer int
}
