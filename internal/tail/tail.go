// Package tail resolves a session id to its log among a fixed candidate
// list, then reads it incrementally from a remembered offset.
package tail

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Layout describes the directories the tailer searches, matching the
// Config.Paths fields used by the Session Store and Worker Bootstrap.
type Layout struct {
	LogsDir     string
	RegistryDir string
}

// Candidate is one resolved log source.
type Candidate struct {
	Path   string
	Source string
}

// candidatePaths returns the priority-ordered candidate list for a session.
func candidatePaths(layout Layout, sessionID string) []Candidate {
	return []Candidate{
		{Path: filepath.Join(layout.LogsDir, "afk-"+sessionID+".log"), Source: "main"},
		{Path: filepath.Join(layout.LogsDir, sessionID+".log"), Source: "main"},
		{Path: filepath.Join(layout.RegistryDir, sessionID, "worker.log"), Source: "worker"},
		{Path: filepath.Join(layout.RegistryDir, sessionID, "context-monitor.log"), Source: "context-monitor"},
		{Path: filepath.Join(layout.LogsDir, sessionID+".log"), Source: "auxiliary"},
	}
}

// Tailer incrementally reads one session's resolved log, remembering the
// last candidate and read offset across ticks.
type Tailer struct {
	layout    Layout
	sessionID string

	resolved   []Candidate // non-empty candidates in ascending mtime order, when aggregating
	primary    string      // cached primary candidate path, empty until resolved
	offset     int64
	aggregated bool
}

// New constructs a Tailer for sessionID, searching layout's directories.
func New(layout Layout, sessionID string) *Tailer {
	return &Tailer{layout: layout, sessionID: sessionID}
}

// resolve finds the first existing candidate in priority order, preferring
// a non-empty one; an existing-but-empty candidate still resolves as
// primary when nothing non-empty is present, so Poll reports an empty log
// as empty rather than missing. If none exist at all, it returns an error.
// It also records every non-empty candidate in ascending mtime order for
// ReadAggregated.
func (t *Tailer) resolve() error {
	candidates := candidatePaths(t.layout, t.sessionID)

	type found struct {
		Candidate
		mtime time.Time
	}
	var existing []found
	var nonEmpty []found

	for _, c := range candidates {
		info, err := os.Stat(c.Path)
		if err != nil {
			continue
		}
		f := found{Candidate: c, mtime: info.ModTime()}
		existing = append(existing, f)
		if info.Size() > 0 {
			nonEmpty = append(nonEmpty, f)
		}
	}

	if len(existing) == 0 {
		return fmt.Errorf("tail: no candidate log found for session %s", t.sessionID)
	}

	// First candidate (in priority order, not mtime order) that exists wins
	// outright, non-empty ones taking precedence over empty ones; aggregation
	// only kicks in when the caller explicitly asks for it via ReadAggregated.
	if len(nonEmpty) > 0 {
		t.primary = nonEmpty[0].Path
	} else {
		t.primary = existing[0].Path
	}
	t.aggregated = false

	sort.Slice(nonEmpty, func(i, j int) bool { return nonEmpty[i].mtime.Before(nonEmpty[j].mtime) })
	t.resolved = make([]Candidate, 0, len(nonEmpty))
	for _, f := range nonEmpty {
		t.resolved = append(t.resolved, f.Candidate)
	}
	return nil
}

// Chunk is one batch of newly read bytes, tagged with the source of the
// candidate it was read from.
type Chunk struct {
	Source string
	Data   []byte
}

// Poll stats the resolved primary candidate; if its size has grown past
// the remembered offset, it reads from that offset to end and returns the
// new bytes (mtime is not consulted). If the primary
// candidate has disappeared, it re-resolves and starts over from offset 0.
func (t *Tailer) Poll() (Chunk, error) {
	if t.primary == "" {
		if err := t.resolve(); err != nil {
			return Chunk{}, err
		}
	}

	info, err := os.Stat(t.primary)
	if err != nil {
		// Primary candidate vanished; re-resolve from scratch.
		t.primary = ""
		t.offset = 0
		if err := t.resolve(); err != nil {
			return Chunk{}, err
		}
		info, err = os.Stat(t.primary)
		if err != nil {
			return Chunk{}, fmt.Errorf("tail: re-resolved candidate also missing: %w", err)
		}
	}

	if info.Size() <= t.offset {
		return Chunk{}, nil
	}

	f, err := os.Open(t.primary)
	if err != nil {
		return Chunk{}, fmt.Errorf("opening %s: %w", t.primary, err)
	}
	defer f.Close()

	if _, err := f.Seek(t.offset, 0); err != nil {
		return Chunk{}, fmt.Errorf("seeking %s: %w", t.primary, err)
	}

	buf := make([]byte, info.Size()-t.offset)
	n, err := f.Read(buf)
	if err != nil && n == 0 {
		return Chunk{}, fmt.Errorf("reading %s: %w", t.primary, err)
	}
	t.offset += int64(n)

	return Chunk{Source: t.sourceOf(t.primary), Data: buf[:n]}, nil
}

func (t *Tailer) sourceOf(path string) string {
	for _, c := range candidatePaths(t.layout, t.sessionID) {
		if c.Path == path {
			return c.Source
		}
	}
	return "unknown"
}

// PrimaryPath reports the currently resolved candidate, if any.
func (t *Tailer) PrimaryPath() string {
	return t.primary
}

// ReadAggregated concatenates the full contents of every non-empty
// candidate in ascending mtime order, each tagged with its source. Used
// when no single candidate represents the whole story, typically for a
// one-shot "show me everything" view rather than live tailing.
func (t *Tailer) ReadAggregated() ([]Chunk, error) {
	if err := t.resolve(); err != nil {
		return nil, err
	}

	chunks := make([]Chunk, 0, len(t.resolved))
	for _, c := range t.resolved {
		data, err := os.ReadFile(c.Path)
		if err != nil {
			continue
		}
		chunks = append(chunks, Chunk{Source: c.Source, Data: data})
	}
	return chunks, nil
}

// MinPollInterval is the floor on tick frequency.
const MinPollInterval = time.Second
