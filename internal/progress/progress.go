// Package progress keeps a per-session structured record of iterations,
// persisted as a JSON sidecar document under a user-scoped progress
// directory.
package progress

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// IterationStatus is the lifecycle state of a single iteration record.
type IterationStatus string

const (
	IterRunning   IterationStatus = "running"
	IterCompleted IterationStatus = "completed"
	IterFailed    IterationStatus = "failed"
	IterStopped   IterationStatus = "stopped"
	IterError     IterationStatus = "error"
)

// Iteration is one entry in the sidecar's ordered iteration sequence.
type Iteration struct {
	Number       int             `json:"number"`
	Goal         string          `json:"goal"`
	Start        time.Time       `json:"start"`
	End          *time.Time      `json:"end,omitempty"`
	Status       IterationStatus `json:"status"`
	Actions      []string        `json:"actions,omitempty"`
	Achievements []string        `json:"achievements,omitempty"`
	Challenges   []string        `json:"challenges,omitempty"`
	NextSteps    []string        `json:"next_steps,omitempty"`
	DurationSec  float64         `json:"duration_sec,omitempty"`
}

// Milestone is a notable, user-facing event recorded outside the regular
// iteration cadence.
type Milestone struct {
	At   time.Time `json:"at"`
	Text string    `json:"text"`
}

// Document is the full iteration record persisted for one session.
type Document struct {
	SessionID   string      `json:"session_id"`
	Iterations  []Iteration `json:"iterations"`
	Milestones  []Milestone `json:"milestones,omitempty"`
	LastUpdated time.Time   `json:"last_updated"`
}

const fileSuffix = "-progress.json"

// Tracker is the Progress Tracker for a single session.
type Tracker struct {
	mu  sync.Mutex
	dir string
	doc *Document
}

// Open loads (or initializes) the sidecar document for sessionID from
// dir/<sessionID>-progress.json.
func Open(dir, sessionID string) (*Tracker, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating progress dir: %w", err)
	}

	t := &Tracker{dir: dir, doc: &Document{SessionID: sessionID}}

	data, err := os.ReadFile(t.path())
	if err != nil {
		if os.IsNotExist(err) {
			return t, nil
		}
		return nil, fmt.Errorf("reading progress sidecar: %w", err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing progress sidecar: %w", err)
	}
	t.doc = &doc
	return t, nil
}

func (t *Tracker) path() string {
	return filepath.Join(t.dir, t.doc.SessionID+fileSuffix)
}

// Path returns the sidecar file's location. The Reconciler's heartbeat
// check reads the Context Monitor log's mtime, not this file's.
func (t *Tracker) Path() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.path()
}

// StartIteration appends a new running iteration.
func (t *Tracker) StartIteration(n int, goal string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.doc.Iterations = append(t.doc.Iterations, Iteration{
		Number: n,
		Goal:   goal,
		Start:  time.Now().UTC(),
		Status: IterRunning,
	})
	return t.saveLocked()
}

// CompleteArgs supplies the fields known when an iteration finishes.
type CompleteArgs struct {
	Success  bool
	ExitCode int
	Summary  string
}

// CompleteIteration stamps the end time, computes duration, and sets the
// terminal status of the most recent iteration with the given number.
func (t *Tracker) CompleteIteration(n int, args CompleteArgs) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := -1
	for i := len(t.doc.Iterations) - 1; i >= 0; i-- {
		if t.doc.Iterations[i].Number == n {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("completeIteration: no iteration %d was started", n)
	}

	now := time.Now().UTC()
	iter := &t.doc.Iterations[idx]
	iter.End = &now
	iter.DurationSec = now.Sub(iter.Start).Seconds()
	if args.Success {
		iter.Status = IterCompleted
	} else {
		iter.Status = IterFailed
	}
	if args.Summary != "" {
		iter.Actions = append(iter.Actions, args.Summary)
	}

	return t.saveLocked()
}

// AddMilestone records a notable event and persists it immediately.
func (t *Tracker) AddMilestone(text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.doc.Milestones = append(t.doc.Milestones, Milestone{At: time.Now().UTC(), Text: text})
	return t.saveLocked()
}

// Document returns a snapshot of the current sidecar document.
func (t *Tracker) Document() Document {
	t.mu.Lock()
	defer t.mu.Unlock()
	return *t.doc
}

// Save persists the sidecar document atomically (write-temp-then-rename)
// so readers never observe a torn document.
func (t *Tracker) Save() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.saveLocked()
}

func (t *Tracker) saveLocked() error {
	t.doc.LastUpdated = time.Now().UTC()

	data, err := json.MarshalIndent(t.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling progress document: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(t.dir, ".progress-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp progress file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp progress file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp progress file: %w", err)
	}
	if err := os.Rename(tmpPath, t.path()); err != nil {
		return fmt.Errorf("renaming progress file: %w", err)
	}
	committed = true
	return nil
}

// Cleanup reaps sidecar files under dir whose mtime is older than
// olderThanDays. Returns the number of files removed.
func Cleanup(dir string, olderThanDays int) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading progress dir: %w", err)
	}

	cutoff := time.Now().AddDate(0, 0, -olderThanDays)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(dir, entry.Name())); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}
