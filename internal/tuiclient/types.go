// Package tuiclient provides WebSocket and HTTP clients for the Status
// TUI to consume the Live Status Server. Types mirror the statusserver
// wire protocol without importing the statusserver or store packages
// directly, keeping the TUI buildable against the wire contract alone.
package tuiclient

import "encoding/json"

// MessageType identifies the kind of WebSocket message.
type MessageType string

const (
	MsgSnapshot MessageType = "snapshot"
	MsgDelta    MessageType = "delta"
	MsgError    MessageType = "error"
)

// WSMessage is the envelope for all WebSocket messages on /ws.
type WSMessage struct {
	Type    MessageType     `json:"type"`
	Seq     uint64          `json:"seq"`
	Payload json.RawMessage `json:"payload"`
}

// Session mirrors store.Session's JSON shape.
type Session struct {
	ID                  string         `json:"id"`
	Type                string         `json:"type"`
	Task                string         `json:"task"`
	Status              string         `json:"status"`
	PID                 *int           `json:"pid,omitempty"`
	IterationsPlanned   int            `json:"iterations_planned"`
	IterationsCompleted int            `json:"iterations_completed"`
	CurrentIteration    int            `json:"current_iteration"`
	StartedAt           int64          `json:"started_at"`
	UpdatedAt           int64          `json:"updated_at"`
	CompletedAt         *int64         `json:"completed_at,omitempty"`
	EndedAt             *int64         `json:"ended_at,omitempty"`
	ExitCode            *int           `json:"exit_code,omitempty"`
	Error               string         `json:"error,omitempty"`
	WorkingDirectory    string         `json:"working_directory"`
	Model               *string        `json:"model,omitempty"`
	Metadata            map[string]any `json:"metadata,omitempty"`
}

// SnapshotPayload carries every known session.
type SnapshotPayload struct {
	Sessions []*Session `json:"sessions"`
}

// DeltaPayload carries only sessions that changed, plus removed ids.
type DeltaPayload struct {
	Updated []*Session `json:"updated"`
	Removed []string   `json:"removed,omitempty"`
}
