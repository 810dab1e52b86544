package runner

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/afk-relay/afk-supervisor/internal/contextmon"
	"github.com/afk-relay/afk-supervisor/internal/progress"
	"github.com/afk-relay/afk-supervisor/internal/retry"
	"github.com/afk-relay/afk-supervisor/internal/store"
)

// TestMain lets this test binary also act as the fake assistant CLI, using
// the standard library's re-exec-self idiom (the same technique
// os/exec_test.go uses to avoid depending on external binaries).
func TestMain(m *testing.M) {
	if os.Getenv("AFK_TEST_HELPER") == "1" {
		runFakeAssistant()
		return
	}
	os.Exit(m.Run())
}

// runFakeAssistant's behavior is controlled entirely by environment
// variables so each test can script a distinct scenario.
func runFakeAssistant() {
	stdoutText := os.Getenv("AFK_FAKE_STDOUT")
	exitCodeStr := os.Getenv("AFK_FAKE_EXIT_CODE")

	if os.Getenv("AFK_FAKE_CLOSE_STDIN") == "1" {
		// Closes the read end of the parent's stdin pipe before any output
		// is written, so a /compact recovery write attempted later is
		// guaranteed to hit a broken pipe rather than racing the child's exit.
		os.Stdin.Close()
	}

	if stdoutText != "" {
		fmt.Fprint(os.Stdout, stdoutText)
	}

	code := 0
	if exitCodeStr != "" {
		fmt.Sscanf(exitCodeStr, "%d", &code)
	}
	os.Exit(code)
}

func fakeAssistantPath(t *testing.T) string {
	t.Helper()
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable: %v", err)
	}
	return exe
}

func newHarness(t *testing.T) (*Runner, *store.Store, *contextmon.Monitor, *progress.Tracker) {
	t.Helper()
	dir := t.TempDir()

	st, err := store.Open(filepath.Join(dir, "sessions.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	mon, err := contextmon.New(dir, "afk-runner-test")
	if err != nil {
		t.Fatalf("contextmon.New: %v", err)
	}
	t.Cleanup(func() { mon.Close() })

	tr, err := progress.Open(dir, "afk-runner-test")
	if err != nil {
		t.Fatalf("progress.Open: %v", err)
	}

	r := New(Config{
		AssistantPath:    fakeAssistantPath(t),
		IterationTimeout: 10 * time.Second,
	}, st, NewProcessTable())

	return r, st, mon, tr
}

func TestRunSuccessAdvances(t *testing.T) {
	r, st, mon, tr := newHarness(t)

	sess, err := st.Create(store.CreateParams{Task: "t", IterationsPlanned: 3, WorkingDirectory: t.TempDir()})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	t.Setenv("AFK_TEST_HELPER", "1")
	t.Setenv("AFK_FAKE_EXIT_CODE", "0")
	t.Setenv("AFK_FAKE_STDOUT", "all good\n")

	var log bytes.Buffer
	retryPolicy := retry.NewDefault()

	advance, flags, err := r.Run(context.Background(), sess, Flags{}, 1, &log, retryPolicy, mon, tr)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !advance {
		t.Error("Run: advance = false, want true on exit 0")
	}
	if flags.ContextResetAttempted {
		t.Error("ContextResetAttempted should be cleared on success")
	}
	if retryPolicy.ConsecutiveFailures() != 0 {
		t.Errorf("ConsecutiveFailures = %d, want 0 after success", retryPolicy.ConsecutiveFailures())
	}
	if log.Len() == 0 {
		t.Error("expected output piped to log sink")
	}
}

func TestRunUsageLimitFailure(t *testing.T) {
	r, st, mon, tr := newHarness(t)

	sess, _ := st.Create(store.CreateParams{Task: "t", IterationsPlanned: 3, WorkingDirectory: t.TempDir()})

	t.Setenv("AFK_TEST_HELPER", "1")
	t.Setenv("AFK_FAKE_EXIT_CODE", "1")
	t.Setenv("AFK_FAKE_STDOUT", "Claude Max usage limit reached\n")

	var log bytes.Buffer
	retryPolicy := retry.NewDefault()

	advance, _, err := r.Run(context.Background(), sess, Flags{}, 1, &log, retryPolicy, mon, tr)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if advance {
		t.Error("Run: advance = true, want false on usage-limit exit")
	}
	if retryPolicy.ConsecutiveFailures() != 1 {
		t.Errorf("ConsecutiveFailures = %d, want 1", retryPolicy.ConsecutiveFailures())
	}
}

func TestRunSuspectedContextFaultAdvances(t *testing.T) {
	r, st, mon, tr := newHarness(t)

	sess, _ := st.Create(store.CreateParams{Task: "t", IterationsPlanned: 3, WorkingDirectory: t.TempDir()})

	t.Setenv("AFK_TEST_HELPER", "1")
	t.Setenv("AFK_FAKE_EXIT_CODE", "1")
	t.Setenv("AFK_FAKE_STDOUT", "no special markers here\n")

	var log bytes.Buffer
	retryPolicy := retry.NewDefault()

	advance, flags, err := r.Run(context.Background(), sess, Flags{}, 2, &log, retryPolicy, mon, tr)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !advance {
		t.Error("Run: advance = false, want true for suspected context fault on n>1")
	}
	if !flags.NeedsContextReset || !flags.ContextResetAttempted {
		t.Errorf("flags = %+v, want NeedsContextReset and ContextResetAttempted set", flags)
	}
}

func TestRunGenericFailure(t *testing.T) {
	r, st, mon, tr := newHarness(t)

	sess, _ := st.Create(store.CreateParams{Task: "t", IterationsPlanned: 3, WorkingDirectory: t.TempDir()})

	t.Setenv("AFK_TEST_HELPER", "1")
	t.Setenv("AFK_FAKE_EXIT_CODE", "1")
	t.Setenv("AFK_FAKE_STDOUT", "boom\n")

	var log bytes.Buffer
	retryPolicy := retry.NewDefault()

	// n=1 so the "suspected context fault" branch (which requires n>1) cannot fire.
	advance, _, err := r.Run(context.Background(), sess, Flags{}, 1, &log, retryPolicy, mon, tr)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if advance {
		t.Error("Run: advance = true, want false for a generic non-zero exit")
	}
}

func TestRunSpawnErrorReturnsFalseNoError(t *testing.T) {
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "sessions.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer st.Close()

	mon, _ := contextmon.New(dir, "afk-spawn-fail")
	defer mon.Close()
	tr, _ := progress.Open(dir, "afk-spawn-fail")

	r := New(Config{AssistantPath: filepath.Join(dir, "does-not-exist-binary")}, st, NewProcessTable())

	sess, _ := st.Create(store.CreateParams{Task: "t", IterationsPlanned: 1, WorkingDirectory: dir})

	var log bytes.Buffer
	retryPolicy := retry.NewDefault()

	advance, _, err := r.Run(context.Background(), sess, Flags{}, 1, &log, retryPolicy, mon, tr)
	if err != nil {
		t.Fatalf("Run on spawn error: %v", err)
	}
	if advance {
		t.Error("Run: advance = true, want false on spawn error")
	}
}

type alwaysErrWriter struct{}

func (alwaysErrWriter) Write(p []byte) (int, error) {
	return 0, fmt.Errorf("broken pipe")
}

func TestCompactRecoveryAttemptSetsFailedWhenAllVariantsError(t *testing.T) {
	dir := t.TempDir()
	mon, err := contextmon.New(dir, "afk-compact-fail")
	if err != nil {
		t.Fatalf("contextmon.New: %v", err)
	}
	defer mon.Close()

	rec := &compactRecovery{stdin: alwaysErrWriter{}, monitor: mon}
	rec.attempt()

	if !rec.Failed() {
		t.Error("Failed() = false, want true once every /compact write variant errors")
	}
}

func TestRunCompactRecoveryFailureForcesContextReset(t *testing.T) {
	r, st, mon, tr := newHarness(t)

	sess, _ := st.Create(store.CreateParams{Task: "t", IterationsPlanned: 3, WorkingDirectory: t.TempDir()})

	t.Setenv("AFK_TEST_HELPER", "1")
	t.Setenv("AFK_FAKE_CLOSE_STDIN", "1")
	t.Setenv("AFK_FAKE_EXIT_CODE", "0")
	t.Setenv("AFK_FAKE_STDOUT", "Context low, please run /compact to compact\n")

	var log bytes.Buffer
	retryPolicy := retry.NewDefault()

	_, flags, err := r.Run(context.Background(), sess, Flags{}, 1, &log, retryPolicy, mon, tr)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !flags.NeedsContextReset {
		t.Error("NeedsContextReset = false, want true once every /compact recovery variant fails")
	}
}

func TestExitCodeHelperMatchesProcessState(t *testing.T) {
	cmd := exec.Command(fakeAssistantPath(t))
	cmd.Env = append(os.Environ(), "AFK_TEST_HELPER=1", "AFK_FAKE_EXIT_CODE=3")
	err := cmd.Run()
	if err == nil {
		t.Fatal("expected non-nil error for non-zero exit")
	}
	if got := exitCode(cmd, err); got != 3 {
		t.Errorf("exitCode = %d, want 3", got)
	}
}
