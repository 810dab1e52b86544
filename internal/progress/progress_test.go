package progress

import (
	"path/filepath"
	"testing"
)

func TestStartAndCompleteIteration(t *testing.T) {
	dir := t.TempDir()
	tr, err := Open(dir, "afk-test-1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := tr.StartIteration(1, "fix the bug"); err != nil {
		t.Fatalf("StartIteration: %v", err)
	}
	if err := tr.CompleteIteration(1, CompleteArgs{Success: true, ExitCode: 0, Summary: "done"}); err != nil {
		t.Fatalf("CompleteIteration: %v", err)
	}

	doc := tr.Document()
	if len(doc.Iterations) != 1 {
		t.Fatalf("len(Iterations) = %d, want 1", len(doc.Iterations))
	}
	iter := doc.Iterations[0]
	if iter.Status != IterCompleted {
		t.Errorf("Status = %q, want %q", iter.Status, IterCompleted)
	}
	if iter.End == nil {
		t.Fatal("End not stamped")
	}
	if iter.DurationSec < 0 {
		t.Errorf("DurationSec = %v, want >= 0", iter.DurationSec)
	}
}

func TestCompleteIterationUnknownNumberErrors(t *testing.T) {
	dir := t.TempDir()
	tr, _ := Open(dir, "afk-test-2")
	if err := tr.CompleteIteration(5, CompleteArgs{Success: true}); err == nil {
		t.Fatal("CompleteIteration on unstarted iteration: want error, got nil")
	}
}

func TestSaveIsAtomicAndReloadable(t *testing.T) {
	dir := t.TempDir()
	tr, err := Open(dir, "afk-test-3")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_ = tr.StartIteration(1, "goal one")

	reloaded, err := Open(dir, "afk-test-3")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	doc := reloaded.Document()
	if len(doc.Iterations) != 1 || doc.Iterations[0].Goal != "goal one" {
		t.Errorf("reloaded document = %+v, want one iteration with goal 'goal one'", doc)
	}

	entries, _ := filepathGlob(dir)
	for _, e := range entries {
		if filepath.Ext(e) == ".tmp" {
			t.Errorf("leftover temp file: %s", e)
		}
	}
}

func filepathGlob(dir string) ([]string, error) {
	return filepath.Glob(filepath.Join(dir, "*"))
}

func TestCleanupRemovesOldSidecarsOnly(t *testing.T) {
	dir := t.TempDir()
	tr, _ := Open(dir, "afk-old")
	_ = tr.StartIteration(1, "g")

	tr2, _ := Open(dir, "afk-new")
	_ = tr2.StartIteration(1, "g")

	n, err := Cleanup(dir, 9999)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if n != 0 {
		t.Errorf("Cleanup with huge cutoff removed %d files, want 0", n)
	}

	n, err = Cleanup(dir, -1)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if n != 2 {
		t.Errorf("Cleanup with negative cutoff removed %d files, want 2", n)
	}
}

func TestAddMilestonePersists(t *testing.T) {
	dir := t.TempDir()
	tr, _ := Open(dir, "afk-test-4")
	if err := tr.AddMilestone("reached 50%% context usage"); err != nil {
		t.Fatalf("AddMilestone: %v", err)
	}

	reloaded, _ := Open(dir, "afk-test-4")
	doc := reloaded.Document()
	if len(doc.Milestones) != 1 {
		t.Fatalf("len(Milestones) = %d, want 1", len(doc.Milestones))
	}
}
