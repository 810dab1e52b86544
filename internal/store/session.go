package store

import "encoding/json"

// Status is a Session's lifecycle state.
type Status string

const (
	Created   Status = "created"
	Queued    Status = "queued"
	Starting  Status = "starting"
	Running   Status = "running"
	Retrying  Status = "retrying"
	Completed Status = "completed"
	Error     Status = "error"
	Stopped   Status = "stopped"
	Failed    Status = "failed"
)

// IsTerminal reports whether s is one of the absorbing terminal statuses:
// the Supervisor must not write to a terminal session except to stamp
// terminal metadata.
func (s Status) IsTerminal() bool {
	switch s {
	case Completed, Error, Stopped, Failed:
		return true
	}
	return false
}

// IsActive reports whether s counts toward Store.Active().
func (s Status) IsActive() bool {
	switch s {
	case Running, Queued, Retrying, Starting:
		return true
	}
	return false
}

// Type is reserved for future job kinds; "afk" is the only one today.
type Type string

const TypeAFk Type = "afk"

// Metadata is the session's opaque bag: caffeinatePid, background,
// checkpointInterval, and any future fields. It round-trips through JSON
// without loss, including fields this binary does not recognize.
type Metadata map[string]any

// Int returns the integer value of key, or (0, false) if absent or not a
// number. JSON numbers decode as float64, so this also handles values that
// survived a JSON round-trip.
func (m Metadata) Int(key string) (int, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

// Bool returns the boolean value of key, or (false, false) if absent or not
// a bool.
func (m Metadata) Bool(key string) (bool, bool) {
	v, ok := m[key]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// Session is the Session Store's row type. Its mutable fields are
// written only by the Supervisor owning it, or by the Reconciler once that
// Supervisor is proven dead.
type Session struct {
	ID                  string   `json:"id"`
	Type                Type     `json:"type"`
	Task                string   `json:"task"`
	Status              Status   `json:"status"`
	PID                 *int     `json:"pid,omitempty"`
	IterationsPlanned   int      `json:"iterations_planned"`
	IterationsCompleted int      `json:"iterations_completed"`
	CurrentIteration    int      `json:"current_iteration"`
	StartedAt           int64    `json:"started_at"`
	UpdatedAt           int64    `json:"updated_at"`
	CompletedAt         *int64   `json:"completed_at,omitempty"`
	EndedAt             *int64   `json:"ended_at,omitempty"`
	ExitCode            *int     `json:"exit_code,omitempty"`
	Error               string   `json:"error,omitempty"`
	WorkingDirectory    string   `json:"working_directory"`
	Model               *string  `json:"model,omitempty"`
	Metadata            Metadata `json:"metadata,omitempty"`
}

// Clone returns a deep copy of s so callers can mutate their copy without
// racing the Store's internal state.
func (s *Session) Clone() *Session {
	c := *s
	if s.PID != nil {
		v := *s.PID
		c.PID = &v
	}
	if s.CompletedAt != nil {
		v := *s.CompletedAt
		c.CompletedAt = &v
	}
	if s.EndedAt != nil {
		v := *s.EndedAt
		c.EndedAt = &v
	}
	if s.ExitCode != nil {
		v := *s.ExitCode
		c.ExitCode = &v
	}
	if s.Model != nil {
		v := *s.Model
		c.Model = &v
	}
	if s.Metadata != nil {
		b, err := json.Marshal(s.Metadata)
		if err == nil {
			var m Metadata
			if json.Unmarshal(b, &m) == nil {
				c.Metadata = m
			}
		}
	}
	return &c
}

// Stats is the aggregate count breakdown returned by Store.Stats.
type Stats struct {
	Total     int `json:"total"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Error     int `json:"error"`
	Stopped   int `json:"stopped"`
	Failed    int `json:"failed"`
	Pending   int `json:"pending"`
}
