// Package contextmon keeps a per-session append-only event log of
// context/compact activity, plus a derived report. The log file's mtime is
// the liveness heartbeat the Reconciler consults for sessions without a
// live pid.
package contextmon

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/afk-relay/afk-supervisor/internal/classify"
)

// EventType enumerates the Context Event Log's event kinds.
type EventType string

const (
	IterationStart EventType = "iteration_start"
	IterationEnd   EventType = "iteration_end"
	ContextLimit   EventType = "context_limit"
	CompactSuggest EventType = "compact_suggestion"
	CompactAttempt EventType = "compact_attempt"
	CompactFailure EventType = "compact_failure"
)

// Event is one line of the append-only Context Event Log.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`
	Payload   any       `json:"payload,omitempty"`
}

const ringCapacity = 256

// Monitor is the Context Monitor for a single session.
type Monitor struct {
	mu        sync.Mutex
	sessionID string
	logPath   string
	file      *os.File
	ring      []Event // most recent ringCapacity events, in arrival order

	contextLimitSeen bool // gates /compact recovery initiation: at most one per iteration
}

// New opens (creating if necessary) the session's event log at
// registryDir/<sessionID>/context-monitor.log.
func New(registryDir, sessionID string) (*Monitor, error) {
	dir := filepath.Join(registryDir, sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating registry dir for session %s: %w", sessionID, err)
	}

	logPath := filepath.Join(dir, "context-monitor.log")
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening context log for session %s: %w", sessionID, err)
	}

	return &Monitor{sessionID: sessionID, logPath: logPath, file: f}, nil
}

// LogPath returns the path to this session's event log, whose mtime the
// Reconciler treats as a liveness heartbeat.
func (m *Monitor) LogPath() string {
	return m.logPath
}

// BeginIteration resets the per-iteration "have we already started /compact
// recovery" latch; recovery triggers on the first detection within a
// running iteration.
func (m *Monitor) BeginIteration() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contextLimitSeen = false
}

// MarkContextLimitSeen reports whether this is the first context-limit
// detection within the current iteration, latching so subsequent calls
// return false until the next BeginIteration.
func (m *Monitor) MarkContextLimitSeen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.contextLimitSeen {
		return false
	}
	m.contextLimitSeen = true
	return true
}

// LogEvent appends an event to both the in-memory ring and the on-disk
// log.
func (m *Monitor) LogEvent(typ EventType, payload any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev := Event{Timestamp: time.Now().UTC(), Type: typ, Payload: payload}

	m.ring = append(m.ring, ev)
	if len(m.ring) > ringCapacity {
		m.ring = m.ring[len(m.ring)-ringCapacity:]
	}

	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling context event: %w", err)
	}
	line = append(line, '\n')
	if _, err := m.file.Write(line); err != nil {
		return fmt.Errorf("appending context event: %w", err)
	}
	return nil
}

// MonitorOutput runs the Classifier's context/compact patterns over chunk
// and logs any matches. It returns the classification so the
// Iteration Runner can decide whether to begin /compact recovery.
func (m *Monitor) MonitorOutput(chunk string) classify.Result {
	result := classify.Classify(chunk)

	if result.HasContextLimit() {
		for _, match := range result.ContextLimit {
			_ = m.LogEvent(ContextLimit, map[string]string{
				"pattern": match.Pattern,
				"excerpt": match.Excerpt,
			})
		}
	}
	if result.HasCompactSuggestion() {
		for _, match := range result.CompactSuggestion {
			_ = m.LogEvent(CompactSuggest, map[string]string{
				"pattern": match.Pattern,
				"excerpt": match.Excerpt,
			})
		}
	}

	return result
}

// LogCompactAttempt records a /compact recovery attempt.
func (m *Monitor) LogCompactAttempt(method string, success bool, attemptErr error) error {
	payload := map[string]any{"method": method, "success": success}
	if attemptErr != nil {
		payload["error"] = attemptErr.Error()
	}
	typ := CompactAttempt
	if !success {
		typ = CompactFailure
	}
	return m.LogEvent(typ, payload)
}

// Report is the aggregated summary written by GenerateReport.
type Report struct {
	SessionID             string           `json:"session_id"`
	GeneratedAt           time.Time        `json:"generated_at"`
	TotalEvents           int              `json:"total_events"`
	CountsByType          map[string]int   `json:"counts_by_type"`
	ContextLimitMeanGapMs float64          `json:"context_limit_mean_gap_ms"`
	CompactSuccessRate    float64          `json:"compact_success_rate"`
}

// GenerateReport reads the full event log from disk, aggregates it, and
// writes the result as context-report.json alongside the log.
func (m *Monitor) GenerateReport() (*Report, error) {
	events, err := m.readAllEvents()
	if err != nil {
		return nil, err
	}

	report := &Report{
		SessionID:    m.sessionID,
		GeneratedAt:  time.Now().UTC(),
		TotalEvents:  len(events),
		CountsByType: map[string]int{},
	}

	var contextLimitTimes []time.Time
	var compactAttempts, compactSuccesses int

	for _, ev := range events {
		report.CountsByType[string(ev.Type)]++
		switch ev.Type {
		case ContextLimit:
			contextLimitTimes = append(contextLimitTimes, ev.Timestamp)
		case CompactAttempt:
			compactAttempts++
			compactSuccesses++
		case CompactFailure:
			compactAttempts++
		}
	}

	if len(contextLimitTimes) > 1 {
		var totalGap time.Duration
		for i := 1; i < len(contextLimitTimes); i++ {
			totalGap += contextLimitTimes[i].Sub(contextLimitTimes[i-1])
		}
		report.ContextLimitMeanGapMs = float64(totalGap.Milliseconds()) / float64(len(contextLimitTimes)-1)
	}
	if compactAttempts > 0 {
		report.CompactSuccessRate = float64(compactSuccesses) / float64(compactAttempts)
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling context report: %w", err)
	}
	reportPath := filepath.Join(filepath.Dir(m.logPath), "context-report.json")
	if err := os.WriteFile(reportPath, data, 0o644); err != nil {
		return nil, fmt.Errorf("writing context report: %w", err)
	}

	return report, nil
}

func (m *Monitor) readAllEvents() ([]Event, error) {
	f, err := os.Open(m.logPath)
	if err != nil {
		return nil, fmt.Errorf("reading context log: %w", err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			continue // tolerate partial/malformed lines
		}
		events = append(events, ev)
	}
	return events, scanner.Err()
}

// Close releases the underlying log file handle.
func (m *Monitor) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.file.Close()
}

// IdleSince returns how long it has been since the log file was last
// written, used by the Reconciler's heartbeat grace windows.
func IdleSince(logPath string) (time.Duration, error) {
	info, err := os.Stat(logPath)
	if err != nil {
		return 0, err
	}
	return time.Since(info.ModTime()), nil
}
