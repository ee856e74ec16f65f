// Package events carries real-time progress notifications out of the core.
// Emission is fire-and-forget: the core never blocks on, or inspects the
// result of, an emit.
package events

import "time"

// Type tags an event.
type Type string

const (
	GraphStarted     Type = "graph:started"
	GraphCompleted   Type = "graph:completed"
	TaskStarted      Type = "task:started"
	TaskCompleted    Type = "task:completed"
	TaskFailed       Type = "task:failed"
	TaskSkipped      Type = "task:skipped"
	ArtifactUpdated  Type = "artifact:updated"
	SessionStarted   Type = "session:started"
	SessionState     Type = "session:state"
	AttemptRecorded  Type = "session:attempt"
	SessionCompleted Type = "session:completed"
)

// Event is one telemetry record.
type Event struct {
	Type       Type           `json:"type"`
	GraphID    string         `json:"graph_id,omitempty"`
	TaskID     string         `json:"task_id,omitempty"`
	SessionID  string         `json:"session_id,omitempty"`
	ArtifactID string         `json:"artifact_id,omitempty"`
	CallerID   string         `json:"caller_id,omitempty"` // opaque, audit only
	Timestamp  time.Time      `json:"timestamp"`
	Data       map[string]any `json:"data,omitempty"`
}

// Emitter is the telemetry collaborator contract.
type Emitter interface {
	Emit(e Event)
}

// Nop discards all events.
type Nop struct{}

func (Nop) Emit(Event) {}
