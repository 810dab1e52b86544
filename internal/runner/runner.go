// Package runner spawns the assistant CLI for one iteration: it pipes the
// child's stdio, classifies its output, drives /compact recovery, and
// resolves success/failure per the priority-ordered outcome rules.
package runner

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/afk-relay/afk-supervisor/internal/classify"
	"github.com/afk-relay/afk-supervisor/internal/contextmon"
	"github.com/afk-relay/afk-supervisor/internal/progress"
	"github.com/afk-relay/afk-supervisor/internal/retry"
	"github.com/afk-relay/afk-supervisor/internal/store"
)

// DefaultIterationTimeout is the hard wall-clock limit for a single
// iteration.
const DefaultIterationTimeout = 5 * time.Minute

// CompactAttemptCount is how many distinct /compact recovery variants are
// tried before giving up.
const CompactAttemptCount = 5

// ProcessEntry is one live child registered in a ProcessTable.
type ProcessEntry struct {
	PID       int
	Iteration int
}

// ProcessTable is the process-local (never persisted, never shared across
// OS processes) map from session id to its currently running child. One
// Supervisor owns one ProcessTable.
type ProcessTable struct {
	mu      sync.Mutex
	entries map[string]ProcessEntry
}

// NewProcessTable returns an empty table.
func NewProcessTable() *ProcessTable {
	return &ProcessTable{entries: make(map[string]ProcessEntry)}
}

// Register records the live pid for a session's in-flight iteration.
func (t *ProcessTable) Register(sessionID string, pid, iteration int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[sessionID] = ProcessEntry{PID: pid, Iteration: iteration}
}

// Unregister removes a session's entry once its iteration ends.
func (t *ProcessTable) Unregister(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, sessionID)
}

// Lookup returns the registered entry for sessionID, if any.
func (t *ProcessTable) Lookup(sessionID string) (ProcessEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[sessionID]
	return e, ok
}

// Flags carries the sticky, per-session context-reset state explicitly
// through Run calls: the Supervisor passes the current flags in and
// receives the updated value back, rather than anything mutating a shared
// session object.
type Flags struct {
	NeedsContextReset     bool
	ContextResetAttempted bool
	FailedAfterReset      bool
}

// Config configures how the Runner invokes the assistant CLI.
type Config struct {
	AssistantPath    string
	AllowedTools     []string
	IterationTimeout time.Duration
}

// Runner is the Iteration Runner.
type Runner struct {
	cfg   Config
	store *store.Store
	procs *ProcessTable
}

// New constructs a Runner.
func New(cfg Config, st *store.Store, procs *ProcessTable) *Runner {
	if cfg.IterationTimeout <= 0 {
		cfg.IterationTimeout = DefaultIterationTimeout
	}
	return &Runner{cfg: cfg, store: st, procs: procs}
}

// Run executes one iteration for sess. It returns whether the
// supervisor should advance to the next iteration, the updated sticky
// flags, and an error only for conditions the caller must itself decide how
// to surface (process spawn failure already counts as "false" per the
// contract, so err is non-nil only when even bookkeeping writes failed).
func (r *Runner) Run(ctx context.Context, sess *store.Session, flags Flags, n int, logSink io.Writer, retryPolicy *retry.Policy, monitor *contextmon.Monitor, tracker *progress.Tracker) (bool, Flags, error) {
	monitor.BeginIteration()

	consumedReset := flags.NeedsContextReset
	flags.NeedsContextReset = false // consumed by this invocation; the next one continues normally

	args := []string{"-p"}
	if n > 1 && !consumedReset {
		args = append(args, "-c")
	}
	if len(r.cfg.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(r.cfg.AllowedTools, ","))
	}

	timeout := r.cfg.IterationTimeout
	iterCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(iterCtx, r.cfg.AssistantPath, args...)
	cmd.Dir = sess.WorkingDirectory

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return false, flags, nil
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return false, flags, nil
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return false, flags, nil
	}

	goal := fmt.Sprintf("iteration %d of %s", n, sess.Task)
	if err := tracker.StartIteration(n, goal); err != nil {
		return false, flags, fmt.Errorf("starting iteration record: %w", err)
	}
	_ = monitor.LogEvent(contextmon.IterationStart, map[string]int{"n": n})

	if err := cmd.Start(); err != nil {
		// Spawn error: surfaced as a failed iteration.
		_ = tracker.CompleteIteration(n, progress.CompleteArgs{Success: false, ExitCode: -1, Summary: fmt.Sprintf("spawn error: %v", err)})
		return false, flags, nil
	}

	pid := cmd.Process.Pid
	r.procs.Register(sess.ID, pid, n)
	defer r.procs.Unregister(sess.ID)
	if _, err := r.store.Update(sess.ID, store.Patch{PID: &pid}); err != nil {
		return false, flags, fmt.Errorf("recording iteration pid: %w", err)
	}

	writePrompt(stdin, sess, n, consumedReset)
	// The assistant reads its prompt from stdin until EOF, so the pipe is
	// closed as soon as the prompt is written. The /compact recovery path
	// below still targets this handle; its writes fail once the pipe is
	// closed, which is what drives the escalation to a context reset.
	stdin.Close()

	var (
		mu        sync.Mutex
		stdoutBuf bytes.Buffer
		stderrBuf bytes.Buffer
	)

	recovery := &compactRecovery{stdin: stdin, monitor: monitor}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		drainStdout(stdout, logSink, monitor, &mu, &stdoutBuf, recovery)
	}()
	go func() {
		defer wg.Done()
		drainStderr(stderr, logSink, retryPolicy, &mu, &stderrBuf)
	}()
	wg.Wait()

	if recovery.Failed() {
		// All five /compact stdin-write variants raised; the session's
		// context was never cleared, so force a reset on the next
		// iteration rather than keep running against stale context.
		flags.NeedsContextReset = true
	}

	waitErr := cmd.Wait()
	code := exitCode(cmd, waitErr)

	_ = monitor.LogEvent(contextmon.IterationEnd, map[string]int{"n": n, "exit_code": code})

	mu.Lock()
	stdoutText := stdoutBuf.String()
	stderrText := stderrBuf.String()
	mu.Unlock()

	_ = tracker.CompleteIteration(n, progress.CompleteArgs{
		Success:  code == 0,
		ExitCode: code,
		Summary:  tail(stdoutText, 500),
	})

	if iterCtx.Err() == context.DeadlineExceeded {
		retryPolicy.RecordFailure()
		return false, flags, nil
	}

	return classifyOutcome(stdoutText, stderrText, code, n, flags, retryPolicy)
}

// classifyOutcome resolves the iteration in strict priority order:
// usage-limit exit, suspected context fault, success, generic failure.
func classifyOutcome(stdoutText, stderrText string, code, n int, flags Flags, retryPolicy *retry.Policy) (bool, Flags, error) {
	usageLimit := classify.Classify(stdoutText).HasUsageLimit() || classify.Classify(stderrText).HasUsageLimit()

	switch {
	case usageLimit && code != 0:
		retryPolicy.RecordFailure()
		return false, flags, nil

	case code == 1 && n > 1 && !flags.ContextResetAttempted && !usageLimit:
		flags.NeedsContextReset = true
		flags.ContextResetAttempted = true
		return true, flags, nil

	case code == 0:
		retryPolicy.RecordSuccess()
		flags.ContextResetAttempted = false
		return true, flags, nil

	default:
		retryPolicy.RecordFailure()
		return false, flags, nil
	}
}

func writePrompt(w io.Writer, sess *store.Session, n int, continuation bool) {
	var prompt string
	if n == 1 {
		prompt = fmt.Sprintf(
			"Task: %s\nIteration %d of %d. Session: %s.\nIf your context runs low, prefer running /compact over stopping.\n",
			sess.Task, n, sess.IterationsPlanned, sess.ID,
		)
	} else {
		prompt = "Continue.\n"
	}
	_, _ = io.WriteString(w, prompt)
}

// drainStdout consumes the child's stdout chunk by chunk, feeding each
// chunk to the Context Monitor and the per-session log sink, and triggering
// /compact recovery on the first context-limit detection within the
// accumulated output. Per-chunk monitoring keeps the event log free of
// duplicates; the recovery check runs over the whole accumulator so a
// pattern split across two chunks is still caught.
func drainStdout(r io.Reader, logSink io.Writer, monitor *contextmon.Monitor, mu *sync.Mutex, acc *bytes.Buffer, recovery *compactRecovery) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := string(buf[:n])

			mu.Lock()
			acc.WriteString(chunk)
			accumulated := acc.String()
			mu.Unlock()

			_, _ = logSink.Write(buf[:n])

			monitor.MonitorOutput(chunk)
			if classify.Classify(accumulated).HasContextLimit() && monitor.MarkContextLimitSeen() {
				recovery.attempt()
			}
		}
		if err != nil {
			return
		}
	}
}

// drainStderr consumes the child's stderr chunk by chunk; a usage-limit
// match fires recordFailure immediately, before the process exits, so
// backoff reflects the signal as soon as it is seen.
func drainStderr(r io.Reader, logSink io.Writer, retryPolicy *retry.Policy, mu *sync.Mutex, acc *bytes.Buffer) {
	buf := make([]byte, 4096)
	seenUsageLimit := false
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := string(buf[:n])

			mu.Lock()
			acc.WriteString(chunk)
			accumulated := acc.String()
			mu.Unlock()

			_, _ = logSink.Write(buf[:n])

			if !seenUsageLimit && classify.Classify(accumulated).HasUsageLimit() {
				seenUsageLimit = true
				retryPolicy.RecordFailure()
			}
		}
		if err != nil {
			return
		}
	}
}

// compactRecovery drives the five stdin-write variants tried when the
// child reports a context limit mid-iteration.
type compactRecovery struct {
	mu      sync.Mutex
	started bool
	failed  bool
	stdin   io.Writer
	monitor *contextmon.Monitor
}

// Failed reports whether every /compact stdin-write variant raised an
// error, the signal the caller folds into Flags.NeedsContextReset once
// the drain goroutines have finished.
func (c *compactRecovery) Failed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failed
}

func (c *compactRecovery) attempt() {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	variants := []struct {
		method string
		write  func() error
	}{
		{"/compact\\n", func() error { _, err := io.WriteString(c.stdin, "/compact\n"); return err }},
		{"\\n/compact\\n", func() error { _, err := io.WriteString(c.stdin, "\n/compact\n"); return err }},
		{"/compact\\r\\n", func() error { _, err := io.WriteString(c.stdin, "/compact\r\n"); return err }},
		{"\\ncompact\\n", func() error { _, err := io.WriteString(c.stdin, "\ncompact\n"); return err }},
		{"\\n+100ms+/compact\\n", func() error {
			if _, err := io.WriteString(c.stdin, "\n"); err != nil {
				return err
			}
			time.Sleep(100 * time.Millisecond)
			_, err := io.WriteString(c.stdin, "/compact\n")
			return err
		}},
	}

	var lastErr error
	for _, v := range variants {
		err := v.write()
		if err == nil {
			_ = c.monitor.LogCompactAttempt(v.method, true, nil)
			return
		}
		lastErr = err
		_ = c.monitor.LogCompactAttempt(v.method, false, err)
	}

	c.mu.Lock()
	c.failed = true
	c.mu.Unlock()
	_ = c.monitor.LogEvent(contextmon.CompactFailure, map[string]string{"error": errString(lastErr)})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// exitCode extracts the child's exit status from the error cmd.Wait()
// returned, treating a nil error as exit code 0.
func exitCode(cmd *exec.Cmd, waitErr error) int {
	if waitErr == nil {
		return 0
	}
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	return -1
}

// tail returns the last n characters of s.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
