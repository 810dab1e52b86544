package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "sessions.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateGetRoundTrip(t *testing.T) {
	s := newTestStore(t)

	sess, err := s.Create(CreateParams{
		Task:              "fix the flaky test",
		IterationsPlanned: 10,
		WorkingDirectory:  "/tmp/repo",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if sess.ID == "" {
		t.Fatal("Create: expected auto-generated ID")
	}
	if sess.Status != Running {
		t.Errorf("Status = %q, want %q", sess.Status, Running)
	}
	if sess.StartedAt != sess.UpdatedAt {
		t.Errorf("StartedAt (%d) != UpdatedAt (%d) on creation", sess.StartedAt, sess.UpdatedAt)
	}

	got, err := s.Get(sess.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil {
		t.Fatal("Get: expected session, got nil")
	}
	if got.Task != sess.Task || got.IterationsPlanned != sess.IterationsPlanned {
		t.Errorf("Get round-trip mismatch: got %+v, want %+v", got, sess)
	}
}

func TestCreateRejectsEmptyTask(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create(CreateParams{Task: "  ", IterationsPlanned: 5})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("Create with blank task: err = %v, want ErrValidation", err)
	}
}

func TestCreateRejectsNonPositiveIterations(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create(CreateParams{Task: "do work", IterationsPlanned: 0})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("Create with 0 iterations: err = %v, want ErrValidation", err)
	}
}

func TestGetMissingReturnsNilNotError(t *testing.T) {
	s := newTestStore(t)
	got, err := s.Get("afk-does-not-exist")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Errorf("Get: got %+v, want nil", got)
	}
}

func TestUpdatePartialPatch(t *testing.T) {
	s := newTestStore(t)
	sess, _ := s.Create(CreateParams{Task: "t", IterationsPlanned: 3})

	pid := 4242
	completed := 2
	ok, err := s.Update(sess.ID, Patch{PID: &pid, IterationsCompleted: &completed})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !ok {
		t.Fatal("Update: expected row touched")
	}

	got, _ := s.Get(sess.ID)
	if got.PID == nil || *got.PID != pid {
		t.Errorf("PID = %v, want %d", got.PID, pid)
	}
	if got.IterationsCompleted != completed {
		t.Errorf("IterationsCompleted = %d, want %d", got.IterationsCompleted, completed)
	}
	if got.Task != "t" {
		t.Errorf("Task changed unexpectedly: %q", got.Task)
	}
	if got.UpdatedAt < sess.UpdatedAt {
		t.Error("UpdatedAt did not advance")
	}
}

func TestUpdateMissingRowReturnsFalseNoError(t *testing.T) {
	s := newTestStore(t)
	status := Stopped
	ok, err := s.Update("afk-missing", Patch{Status: &status})
	if err != nil {
		t.Fatalf("Update on missing row: %v", err)
	}
	if ok {
		t.Error("Update on missing row: want ok=false")
	}
}

func TestTerminalStatusIsAbsorbing(t *testing.T) {
	s := newTestStore(t)
	sess, _ := s.Create(CreateParams{Task: "t", IterationsPlanned: 1})

	completed := Completed
	if _, err := s.Update(sess.ID, Patch{Status: &completed}); err != nil {
		t.Fatalf("Update to completed: %v", err)
	}

	running := Running
	if _, err := s.Update(sess.ID, Patch{Status: &running}); err != nil {
		t.Fatalf("Update attempting to un-terminalize: %v", err)
	}

	got, _ := s.Get(sess.ID)
	if got.Status != Completed {
		t.Errorf("Status = %q after terminal session patch, want it to stay %q", got.Status, Completed)
	}
}

func TestFindByPartialIDPrefersExactThenMostRecent(t *testing.T) {
	s := newTestStore(t)
	a, _ := s.Create(CreateParams{ID: "afk-abc-1", Task: "a", IterationsPlanned: 1})
	_, _ = s.Create(CreateParams{ID: "afk-abc-2", Task: "b", IterationsPlanned: 1})

	exact, err := s.FindByPartialID(a.ID)
	if err != nil {
		t.Fatalf("FindByPartialID exact: %v", err)
	}
	if exact == nil || exact.ID != a.ID {
		t.Fatalf("FindByPartialID exact match = %+v, want id %s", exact, a.ID)
	}

	mostRecent, err := s.FindByPartialID("afk-abc")
	if err != nil {
		t.Fatalf("FindByPartialID prefix: %v", err)
	}
	if mostRecent == nil || mostRecent.ID != "afk-abc-2" {
		t.Fatalf("FindByPartialID prefix match = %+v, want most recently updated (afk-abc-2)", mostRecent)
	}
}

func TestActiveFiltersByStatus(t *testing.T) {
	s := newTestStore(t)
	running, _ := s.Create(CreateParams{Task: "running", IterationsPlanned: 1, Status: Running})
	_, _ = s.Create(CreateParams{Task: "done", IterationsPlanned: 1, Status: Completed})

	active, err := s.Active()
	if err != nil {
		t.Fatalf("Active: %v", err)
	}
	if len(active) != 1 || active[0].ID != running.ID {
		t.Errorf("Active() = %v, want only %s", ids(active), running.ID)
	}
}

func TestAllWithChecksumChangesOnUpdate(t *testing.T) {
	s := newTestStore(t)
	sess, _ := s.Create(CreateParams{Task: "t", IterationsPlanned: 1})

	_, checksum1, err := s.AllWithChecksum()
	if err != nil {
		t.Fatalf("AllWithChecksum: %v", err)
	}

	pid := 1
	if _, err := s.Update(sess.ID, Patch{PID: &pid}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	_, checksum2, err := s.AllWithChecksum()
	if err != nil {
		t.Fatalf("AllWithChecksum: %v", err)
	}
	if checksum1 == checksum2 {
		t.Error("checksum did not change after an update")
	}
}

func TestStatsAggregatesByStatus(t *testing.T) {
	s := newTestStore(t)
	_, _ = s.Create(CreateParams{Task: "r", IterationsPlanned: 1, Status: Running})
	_, _ = s.Create(CreateParams{Task: "c", IterationsPlanned: 1, Status: Completed})
	_, _ = s.Create(CreateParams{Task: "f", IterationsPlanned: 1, Status: Failed})

	stats, err := s.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 3 {
		t.Errorf("Total = %d, want 3", stats.Total)
	}
	if stats.Running != 1 || stats.Completed != 1 || stats.Failed != 1 {
		t.Errorf("Stats = %+v, want 1 each of running/completed/failed", stats)
	}
}

func TestDeleteRemovesRow(t *testing.T) {
	s := newTestStore(t)
	sess, _ := s.Create(CreateParams{Task: "t", IterationsPlanned: 1})

	ok, err := s.Delete(sess.ID)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !ok {
		t.Fatal("Delete: expected row removed")
	}

	got, _ := s.Get(sess.ID)
	if got != nil {
		t.Error("Get after Delete: expected nil")
	}
}

func TestCleanupTerminatedOnlyRemovesOldTerminalSessions(t *testing.T) {
	s := newTestStore(t)

	stillRunning, _ := s.Create(CreateParams{Task: "running", IterationsPlanned: 1, Status: Running})
	oldDone, _ := s.Create(CreateParams{Task: "old done", IterationsPlanned: 1, Status: Completed})

	oldTS := int64(1)
	if _, err := s.Update(oldDone.ID, Patch{EndedAt: &oldTS}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	sessionsRemoved, logsRemoved, err := s.CleanupTerminated(1, "")
	if err != nil {
		t.Fatalf("CleanupTerminated: %v", err)
	}
	if sessionsRemoved != 1 {
		t.Fatalf("CleanupTerminated removed %d sessions, want 1", sessionsRemoved)
	}
	if logsRemoved != 0 {
		t.Fatalf("CleanupTerminated removed %d logs with no logsDir, want 0", logsRemoved)
	}

	if got, _ := s.Get(oldDone.ID); got != nil {
		t.Error("old terminated session survived cleanup")
	}
	if got, _ := s.Get(stillRunning.ID); got == nil {
		t.Error("running session was incorrectly cleaned up")
	}
}

func TestCleanupTerminatedRemovesMatchingLogFile(t *testing.T) {
	s := newTestStore(t)
	logsDir := t.TempDir()

	oldDone, _ := s.Create(CreateParams{Task: "old done", IterationsPlanned: 1, Status: Completed})
	oldTS := int64(1)
	if _, err := s.Update(oldDone.ID, Patch{EndedAt: &oldTS}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	logPath := filepath.Join(logsDir, "afk-"+oldDone.ID+".log")
	if err := os.WriteFile(logPath, []byte("log contents\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	sessionsRemoved, logsRemoved, err := s.CleanupTerminated(1, logsDir)
	if err != nil {
		t.Fatalf("CleanupTerminated: %v", err)
	}
	if sessionsRemoved != 1 {
		t.Fatalf("CleanupTerminated removed %d sessions, want 1", sessionsRemoved)
	}
	if logsRemoved != 1 {
		t.Fatalf("CleanupTerminated removed %d logs, want 1", logsRemoved)
	}
	if _, err := os.Stat(logPath); !os.IsNotExist(err) {
		t.Error("expected log file to be removed")
	}
}

func TestCleanupTerminatedToleratesMissingLogFile(t *testing.T) {
	s := newTestStore(t)
	logsDir := t.TempDir()

	oldDone, _ := s.Create(CreateParams{Task: "old done, no log", IterationsPlanned: 1, Status: Completed})
	oldTS := int64(1)
	if _, err := s.Update(oldDone.ID, Patch{EndedAt: &oldTS}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	sessionsRemoved, logsRemoved, err := s.CleanupTerminated(1, logsDir)
	if err != nil {
		t.Fatalf("CleanupTerminated: %v", err)
	}
	if sessionsRemoved != 1 {
		t.Fatalf("CleanupTerminated removed %d sessions, want 1", sessionsRemoved)
	}
	if logsRemoved != 0 {
		t.Fatalf("CleanupTerminated removed %d logs, want 0 when none existed", logsRemoved)
	}
}

func TestSearchMatchesSubstring(t *testing.T) {
	s := newTestStore(t)
	_, _ = s.Create(CreateParams{Task: "refactor the parser", IterationsPlanned: 1})
	_, _ = s.Create(CreateParams{Task: "write docs", IterationsPlanned: 1})

	results, err := s.Search("parser")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].Task != "refactor the parser" {
		t.Errorf("Search(\"parser\") = %v, want single match", ids(results))
	}
}

func ids(sessions []*Session) []string {
	out := make([]string, len(sessions))
	for i, s := range sessions {
		out[i] = s.ID
	}
	return out
}
