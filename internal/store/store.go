// Package store provides durable, multi-process-safe persistence for
// sessions, backed by a single SQLite file in WAL mode.
//
// Worker and UI processes open the same file concurrently; a 30-second
// busy timeout serializes their writes and write-ahead logging keeps the
// store durable under crash. database/sql + modernc.org/sqlite (pure Go,
// no cgo) gives us exactly that.
package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const busyTimeoutMs = 30_000

// Store is the durable Session Store. A single *Store may be shared safely
// by multiple goroutines in one process; multiple processes may also open
// the same backing file concurrently (the SQLite busy-timeout serializes
// their writes).
type Store struct {
	db *sql.DB
}

// Open creates the data directory if needed, opens (or creates) the backing
// SQLite file at path, and ensures the schema and indices exist.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating data directory: %v", ErrResource, err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", path, busyTimeoutMs)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", ErrDatabaseConnection, path, err)
	}
	db.SetMaxOpenConns(1) // single-writer embedded store; avoid intra-process lock contention

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id                   TEXT PRIMARY KEY,
	type                 TEXT NOT NULL,
	task                 TEXT NOT NULL,
	status               TEXT NOT NULL,
	pid                  INTEGER,
	iterations_planned   INTEGER NOT NULL,
	iterations_completed INTEGER NOT NULL DEFAULT 0,
	current_iteration    INTEGER NOT NULL DEFAULT 0,
	started_at           INTEGER NOT NULL,
	updated_at           INTEGER NOT NULL,
	completed_at         INTEGER,
	ended_at             INTEGER,
	exit_code            INTEGER,
	error                TEXT NOT NULL DEFAULT '',
	working_directory    TEXT NOT NULL,
	model                TEXT,
	metadata             TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_sessions_status     ON sessions(status);
CREATE INDEX IF NOT EXISTS idx_sessions_type       ON sessions(type);
CREATE INDEX IF NOT EXISTS idx_sessions_started_at ON sessions(started_at);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("%w: migrating schema: %v", ErrDatabaseConnection, err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// execWithRetry runs fn up to three times with linear backoff. Validation
// errors surface immediately and are never retried.
func (s *Store) execWithRetry(fn func() error) error {
	var err error
	for attempt := 1; attempt <= 3; attempt++ {
		err = fn()
		if err == nil || errors.Is(err, ErrValidation) {
			return err
		}
		if attempt < 3 {
			time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
		}
	}
	return err
}

// CreateParams supplies the fields a caller may set at creation time; zero
// values take the documented defaults.
type CreateParams struct {
	ID                string
	Task              string
	IterationsPlanned int
	Status            Status // defaults to Running
	WorkingDirectory  string
	Model             string
	Metadata          Metadata
}

// Create inserts a new session row. It auto-generates an ID if
// absent, and stamps started_at = updated_at = now.
func (s *Store) Create(p CreateParams) (*Session, error) {
	if strings.TrimSpace(p.Task) == "" {
		return nil, fmt.Errorf("%w: task must not be empty", ErrValidation)
	}
	if p.IterationsPlanned <= 0 {
		return nil, fmt.Errorf("%w: iterations_planned must be positive", ErrValidation)
	}

	id := p.ID
	if id == "" {
		var err error
		id, err = newSessionID()
		if err != nil {
			return nil, fmt.Errorf("%w: generating session id: %v", ErrResource, err)
		}
	}

	status := p.Status
	if status == "" {
		status = Running
	}

	now := time.Now().UnixMilli()
	meta := p.Metadata
	if meta == nil {
		meta = Metadata{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("%w: marshaling metadata: %v", ErrValidation, err)
	}

	var model sql.NullString
	if p.Model != "" {
		model = sql.NullString{String: p.Model, Valid: true}
	}

	err = s.execWithRetry(func() error {
		_, execErr := s.db.Exec(`
INSERT INTO sessions (id, type, task, status, pid, iterations_planned, iterations_completed,
	current_iteration, started_at, updated_at, working_directory, model, metadata)
VALUES (?, ?, ?, ?, NULL, ?, 0, 0, ?, ?, ?, ?, ?)`,
			id, string(TypeAFk), p.Task, string(status), p.IterationsPlanned, now, now, p.WorkingDirectory, nullableString(model), string(metaJSON))
		return execErr
	})
	if err != nil {
		return nil, fmt.Errorf("%w: inserting session: %v", ErrDatabaseConnection, err)
	}

	return s.Get(id)
}

func nullableString(n sql.NullString) any {
	if !n.Valid {
		return nil
	}
	return n.String
}

// newSessionID generates an id of the form afk-<timestamp-suffix>-<random>.
// The id is treated as opaque everywhere else.
func newSessionID() (string, error) {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	ts := strconv.FormatInt(time.Now().UnixNano(), 36)
	if len(ts) > 8 {
		ts = ts[len(ts)-8:]
	}
	return fmt.Sprintf("afk-%s-%s", ts, hex.EncodeToString(buf)), nil
}

// Patch is a partial update to a session; nil fields are left unchanged.
// updated_at is always refreshed regardless of which fields are set.
type Patch struct {
	Status              *Status
	PID                 *int
	ClearPID            bool
	IterationsCompleted *int
	CurrentIteration    *int
	CompletedAt         *int64
	EndedAt             *int64
	ExitCode            *int
	Error               *string
	Model               *string
	Metadata            Metadata
}

// Update applies patch to the row identified by id, always refreshing
// updated_at. Returns whether a row was touched; a missing row is not an
// error (the Reconciler legitimately races with Supervisors).
func (s *Store) Update(id string, patch Patch) (bool, error) {
	if patch.Status != nil {
		switch *patch.Status {
		case Created, Queued, Starting, Running, Retrying, Completed, Error, Stopped, Failed:
		default:
			return false, fmt.Errorf("%w: unknown status %q", ErrValidation, *patch.Status)
		}
	}

	existing, err := s.Get(id)
	if err != nil {
		return false, err
	}
	if existing == nil {
		return false, nil
	}

	// Terminal statuses are absorbing: ignore any attempt to un-terminalize
	// a session, except to
	// stamp terminal metadata on the same row.
	if existing.Status.IsTerminal() && patch.Status != nil && !patch.Status.IsTerminal() {
		patch.Status = nil
	}

	set := []string{"updated_at = ?"}
	args := []any{time.Now().UnixMilli()}

	if patch.Status != nil {
		set = append(set, "status = ?")
		args = append(args, string(*patch.Status))
	}
	if patch.ClearPID {
		set = append(set, "pid = NULL")
	} else if patch.PID != nil {
		set = append(set, "pid = ?")
		args = append(args, *patch.PID)
	}
	if patch.IterationsCompleted != nil {
		set = append(set, "iterations_completed = ?")
		args = append(args, *patch.IterationsCompleted)
	}
	if patch.CurrentIteration != nil {
		set = append(set, "current_iteration = ?")
		args = append(args, *patch.CurrentIteration)
	}
	if patch.CompletedAt != nil {
		set = append(set, "completed_at = ?")
		args = append(args, *patch.CompletedAt)
	}
	if patch.EndedAt != nil {
		set = append(set, "ended_at = ?")
		args = append(args, *patch.EndedAt)
	}
	if patch.ExitCode != nil {
		set = append(set, "exit_code = ?")
		args = append(args, *patch.ExitCode)
	}
	if patch.Error != nil {
		set = append(set, "error = ?")
		args = append(args, *patch.Error)
	}
	if patch.Model != nil {
		set = append(set, "model = ?")
		args = append(args, *patch.Model)
	}
	if patch.Metadata != nil {
		b, err := json.Marshal(patch.Metadata)
		if err != nil {
			return false, fmt.Errorf("%w: marshaling metadata: %v", ErrValidation, err)
		}
		set = append(set, "metadata = ?")
		args = append(args, string(b))
	}

	args = append(args, id)
	query := fmt.Sprintf("UPDATE sessions SET %s WHERE id = ?", strings.Join(set, ", "))
	var res sql.Result
	err = s.execWithRetry(func() error {
		var execErr error
		res, execErr = s.db.Exec(query, args...)
		return execErr
	})
	if err != nil {
		return false, fmt.Errorf("%w: updating session %s: %v", ErrDatabaseConnection, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: reading rows affected: %v", ErrDatabaseConnection, err)
	}
	return n > 0, nil
}

// Get returns the session with the given id, or nil if none exists.
func (s *Store) Get(id string) (*Session, error) {
	row := s.db.QueryRow(selectColumns+" FROM sessions WHERE id = ?", id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: querying session %s: %v", ErrDatabaseConnection, id, err)
	}
	return sess, nil
}

// FindByPartialID returns the session whose id exactly matches prefix, or
// failing that, the most recently updated session whose id starts with
// prefix (ties on updated_at go to the most recently inserted row).
// Returns nil if no session matches.
func (s *Store) FindByPartialID(prefix string) (*Session, error) {
	if exact, err := s.Get(prefix); err != nil {
		return nil, err
	} else if exact != nil {
		return exact, nil
	}

	rows, err := s.db.Query(selectColumns+" FROM sessions WHERE id LIKE ? ORDER BY updated_at DESC, rowid DESC LIMIT 1", prefix+"%")
	if err != nil {
		return nil, fmt.Errorf("%w: querying by prefix %s: %v", ErrDatabaseConnection, prefix, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, nil
	}
	return scanSessionRows(rows)
}

// All returns every session, most recently updated first.
func (s *Store) All() ([]*Session, error) {
	return s.query(selectColumns + " FROM sessions ORDER BY updated_at DESC")
}

// ByStatus returns every session with the given status.
func (s *Store) ByStatus(status Status) ([]*Session, error) {
	return s.query(selectColumns+" FROM sessions WHERE status = ? ORDER BY updated_at DESC", string(status))
}

// Active returns every session whose status is one of
// {running, queued, retrying, starting}.
func (s *Store) Active() ([]*Session, error) {
	return s.query(selectColumns+` FROM sessions WHERE status IN (?, ?, ?, ?) ORDER BY updated_at DESC`,
		string(Running), string(Queued), string(Retrying), string(Starting))
}

// Recent returns the limit most recently updated sessions.
func (s *Store) Recent(limit int) ([]*Session, error) {
	return s.query(selectColumns+" FROM sessions ORDER BY updated_at DESC LIMIT ?", limit)
}

// Search returns sessions whose task contains substr, using SQLite's
// default LIKE: case-insensitive for ASCII letters, case-sensitive for
// other characters, with % and _ in substr acting as wildcards.
func (s *Store) Search(substr string) ([]*Session, error) {
	return s.query(selectColumns+" FROM sessions WHERE task LIKE ? ORDER BY updated_at DESC", "%"+substr+"%")
}

// Since returns sessions updated at or after ts (epoch ms).
func (s *Store) Since(ts int64) ([]*Session, error) {
	return s.query(selectColumns+" FROM sessions WHERE updated_at >= ? ORDER BY updated_at DESC", ts)
}

// AllWithChecksum returns every session plus a cheap checksum consumers can
// compare to skip redraws when nothing changed: count followed
// by a comma and the max updated_at.
func (s *Store) AllWithChecksum() ([]*Session, string, error) {
	sessions, err := s.All()
	if err != nil {
		return nil, "", err
	}
	var maxUpdated int64
	for _, sess := range sessions {
		if sess.UpdatedAt > maxUpdated {
			maxUpdated = sess.UpdatedAt
		}
	}
	checksum := fmt.Sprintf("%d,%d", len(sessions), maxUpdated)
	return sessions, checksum, nil
}

// Delete removes the session with the given id. Returns whether a row was
// removed.
func (s *Store) Delete(id string) (bool, error) {
	res, err := s.db.Exec("DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return false, fmt.Errorf("%w: deleting session %s: %v", ErrDatabaseConnection, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: reading rows affected: %v", ErrDatabaseConnection, err)
	}
	return n > 0, nil
}

// CleanupTerminated deletes terminal sessions whose terminal timestamp
// (ended_at, falling back to completed_at) is older than olderThanDays,
// along with each removed session's main log file (afk-<id>.log) under
// logsDir. Log removal is best-effort: a
// session whose log was never created, or already removed, is not an
// error. Returns the count of sessions removed and logs removed.
func (s *Store) CleanupTerminated(olderThanDays int, logsDir string) (sessionsRemoved, logsRemoved int, err error) {
	cutoff := time.Now().AddDate(0, 0, -olderThanDays).UnixMilli()

	rows, err := s.db.Query(`
SELECT id FROM sessions
WHERE status IN (?, ?, ?, ?)
  AND COALESCE(ended_at, completed_at, updated_at) < ?`,
		string(Completed), string(Error), string(Stopped), string(Failed), cutoff)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: selecting terminated sessions: %v", ErrDatabaseConnection, err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, 0, fmt.Errorf("%w: scanning terminated session id: %v", ErrDatabaseConnection, err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, 0, fmt.Errorf("%w: iterating terminated sessions: %v", ErrDatabaseConnection, err)
	}
	if len(ids) == 0 {
		return 0, 0, nil
	}

	res, err := s.db.Exec(`
DELETE FROM sessions
WHERE status IN (?, ?, ?, ?)
  AND COALESCE(ended_at, completed_at, updated_at) < ?`,
		string(Completed), string(Error), string(Stopped), string(Failed), cutoff)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: cleaning up terminated sessions: %v", ErrDatabaseConnection, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, 0, fmt.Errorf("%w: reading rows affected: %v", ErrDatabaseConnection, err)
	}

	if logsDir != "" {
		for _, id := range ids {
			if os.Remove(filepath.Join(logsDir, "afk-"+id+".log")) == nil {
				logsRemoved++
			}
		}
	}

	return int(n), logsRemoved, nil
}

// Stats returns aggregate counts by status. "pending" counts
// created + queued + starting sessions.
func (s *Store) Stats() (Stats, error) {
	rows, err := s.db.Query("SELECT status, COUNT(*) FROM sessions GROUP BY status")
	if err != nil {
		return Stats{}, fmt.Errorf("%w: querying stats: %v", ErrDatabaseConnection, err)
	}
	defer rows.Close()

	var st Stats
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return Stats{}, fmt.Errorf("%w: scanning stats row: %v", ErrDatabaseConnection, err)
		}
		st.Total += count
		switch Status(status) {
		case Running, Retrying:
			st.Running += count
		case Completed:
			st.Completed += count
		case Error:
			st.Error += count
		case Stopped:
			st.Stopped += count
		case Failed:
			st.Failed += count
		case Created, Queued, Starting:
			st.Pending += count
		}
	}
	return st, rows.Err()
}

// PingContext checks whether the underlying database connection is alive,
// used by callers that want to surface ErrDatabaseConnection explicitly
// rather than waiting for the first failing query.
func (s *Store) PingContext(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrDatabaseConnection, err)
	}
	return nil
}

const selectColumns = `SELECT id, type, task, status, pid, iterations_planned, iterations_completed,
	current_iteration, started_at, updated_at, completed_at, ended_at, exit_code, error,
	working_directory, model, metadata`

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row *sql.Row) (*Session, error) {
	return scanSessionScanner(row)
}

func scanSessionRows(rows *sql.Rows) (*Session, error) {
	return scanSessionScanner(rows)
}

func scanSessionScanner(sc scanner) (*Session, error) {
	var (
		sess       Session
		typ        string
		status     string
		pid        sql.NullInt64
		completed  sql.NullInt64
		ended      sql.NullInt64
		exitCode   sql.NullInt64
		model      sql.NullString
		metaJSON   string
	)

	if err := sc.Scan(&sess.ID, &typ, &sess.Task, &status, &pid, &sess.IterationsPlanned,
		&sess.IterationsCompleted, &sess.CurrentIteration, &sess.StartedAt, &sess.UpdatedAt,
		&completed, &ended, &exitCode, &sess.Error, &sess.WorkingDirectory, &model, &metaJSON); err != nil {
		return nil, err
	}

	sess.Type = Type(typ)
	sess.Status = Status(status)
	if pid.Valid {
		v := int(pid.Int64)
		sess.PID = &v
	}
	if completed.Valid {
		v := completed.Int64
		sess.CompletedAt = &v
	}
	if ended.Valid {
		v := ended.Int64
		sess.EndedAt = &v
	}
	if exitCode.Valid {
		v := int(exitCode.Int64)
		sess.ExitCode = &v
	}
	if model.Valid {
		v := model.String
		sess.Model = &v
	}
	if metaJSON != "" {
		var m Metadata
		if err := json.Unmarshal([]byte(metaJSON), &m); err == nil {
			sess.Metadata = m
		}
	}

	return &sess, nil
}

func (s *Store) query(query string, args ...any) ([]*Session, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query: %v", ErrDatabaseConnection, err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSessionRows(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scanning row: %v", ErrDatabaseConnection, err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}
