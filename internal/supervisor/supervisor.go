// Package supervisor implements the Session Supervisor: the
// per-session loop that sequences iterations, applies backoff, manages the
// sleep inhibitor, and drives session status transitions.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/afk-relay/afk-supervisor/internal/config"
	"github.com/afk-relay/afk-supervisor/internal/contextmon"
	"github.com/afk-relay/afk-supervisor/internal/procutil"
	"github.com/afk-relay/afk-supervisor/internal/progress"
	"github.com/afk-relay/afk-supervisor/internal/retry"
	"github.com/afk-relay/afk-supervisor/internal/runner"
	"github.com/afk-relay/afk-supervisor/internal/store"
)

// interruptSliceDuration bounds how long any single sleep waits before
// re-checking for a user-initiated stop; longer sleeps are segmented into
// slices of this size.
const interruptSliceDuration = 5 * time.Second

// Options mirrors the operational surface's start() options.
type Options struct {
	Iterations         int
	Model              string
	WorkingDir         string
	Background         bool
	PreventSleep       bool
	CheckpointInterval time.Duration
}

// WithDefaults fills zero-valued fields with the operational defaults.
func (o Options) WithDefaults() Options {
	if o.Iterations <= 0 {
		o.Iterations = 10
	}
	if o.CheckpointInterval <= 0 {
		o.CheckpointInterval = 30 * time.Minute
	}
	if o.WorkingDir == "" {
		if wd, err := os.Getwd(); err == nil {
			o.WorkingDir = wd
		}
	}
	return o
}

// Supervisor owns the process-local state needed to run sessions: the
// Session Store handle, configuration, and the process table shared by
// every iteration this OS process runs.
type Supervisor struct {
	store *store.Store
	cfg   *config.Config
	procs *runner.ProcessTable
}

// New constructs a Supervisor bound to an already-open Session Store.
func New(st *store.Store, cfg *config.Config) *Supervisor {
	return &Supervisor{store: st, cfg: cfg, procs: runner.NewProcessTable()}
}

// WorkerConfig is the opaque payload a background start hands to the
// Worker Bootstrap. Unknown fields are ignored by the receiver so older
// workers tolerate newer senders.
type WorkerConfig struct {
	Task             string  `json:"task"`
	SessionID        string  `json:"sessionId"`
	WorkingDirectory string  `json:"workingDirectory"`
	Options          Options `json:"options"`
}

// EncodeWorkerConfig serializes cfg into the single opaque argument the
// Worker Bootstrap decodes. The encoding is plain JSON rather
// than anything binary-safe-but-opaque: the session id must stay visible
// in the worker's command line so the Reconciler's and Stop's last-resort
// OS process scans can find the worker by id.
func EncodeWorkerConfig(wc WorkerConfig) (string, error) {
	data, err := json.Marshal(wc)
	if err != nil {
		return "", fmt.Errorf("encoding worker config: %w", err)
	}
	return string(data), nil
}

// DecodeWorkerConfig is the Worker Bootstrap's counterpart to
// EncodeWorkerConfig. Unknown fields are ignored.
func DecodeWorkerConfig(encoded string) (WorkerConfig, error) {
	var wc WorkerConfig
	if err := json.Unmarshal([]byte(encoded), &wc); err != nil {
		return wc, fmt.Errorf("parsing worker config: %w", err)
	}
	return wc, nil
}

func (s *Supervisor) logPath(sessionID string) string {
	return filepath.Join(s.cfg.Paths.LogsDir, fmt.Sprintf("afk-%s.log", sessionID))
}

// StartForeground creates a session and runs its full iteration sequence in
// the current process.
func (s *Supervisor) StartForeground(ctx context.Context, task string, opts Options) (*store.Session, error) {
	opts = opts.WithDefaults()

	sess, err := s.store.Create(store.CreateParams{
		Task:              task,
		IterationsPlanned: opts.Iterations,
		Status:            store.Running,
		WorkingDirectory:  opts.WorkingDir,
		Model:             opts.Model,
		Metadata: store.Metadata{
			"background":         opts.Background,
			"checkpointInterval": int(opts.CheckpointInterval.Seconds()),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}

	logFile, err := os.OpenFile(s.logPath(sess.ID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening session log: %w", err)
	}
	defer logFile.Close()

	fmt.Fprintf(logFile, "=== afk session %s started at %s ===\ntask: %s\n", sess.ID, time.Now().UTC().Format(time.RFC3339), task)

	s.runForeground(ctx, sess, opts, logFile)
	return sess, nil
}

// RunForeground runs the full iteration loop for an already-persisted
// session, without creating a new session row. This is the Worker
// Bootstrap's entrypoint after it decodes its config and looks the session
// up by id.
func (s *Supervisor) RunForeground(ctx context.Context, sess *store.Session, opts Options, logFile *os.File) {
	s.runForeground(ctx, sess, opts, logFile)
}

// runForeground is the loop body shared by StartForeground and
// RunForeground (which re-reads the session instead of creating it).
func (s *Supervisor) runForeground(ctx context.Context, sess *store.Session, opts Options, logFile *os.File) {
	var inhibitorPID int
	stopInhibitor := func() {}
	if opts.PreventSleep && opts.Iterations > s.cfg.Sleep.MinIterationsToInhibit {
		inhibitorPID, stopInhibitor = startSleepInhibitor()
		if inhibitorPID != 0 {
			meta := sess.Metadata
			if meta == nil {
				meta = store.Metadata{}
			}
			meta["caffeinatePid"] = inhibitorPID
			_, _ = s.store.Update(sess.ID, store.Patch{Metadata: meta})
		}
	}
	defer stopInhibitor()

	monitor, err := contextmon.New(s.cfg.Paths.RegistryDir, sess.ID)
	if err != nil {
		log.Printf("[supervisor] session %s: opening context monitor: %v", sess.ID, err)
		_, _ = s.store.Update(sess.ID, store.Patch{Status: statusPtr(store.Error), Error: strPtr(err.Error()), EndedAt: nowPtr()})
		return
	}
	defer monitor.Close()

	tracker, err := progress.Open(s.cfg.Paths.ProgressDir, sess.ID)
	if err != nil {
		log.Printf("[supervisor] session %s: opening progress tracker: %v", sess.ID, err)
		_, _ = s.store.Update(sess.ID, store.Patch{Status: statusPtr(store.Error), Error: strPtr(err.Error()), EndedAt: nowPtr()})
		return
	}

	retryPolicy := retry.New(s.cfg.Retry.BaseDelay, s.cfg.Retry.MaxDelay, s.cfg.Retry.Multiplier)
	iterRunner := runner.New(runner.Config{
		AssistantPath:    s.cfg.Runner.AssistantPath,
		AllowedTools:     s.cfg.Runner.AllowedTools,
		IterationTimeout: s.cfg.Runner.IterationTimeout,
	}, s.store, s.procs)

	flags := runner.Flags{}

	for i := 1; i <= sess.IterationsPlanned; {
		current, err := s.store.Get(sess.ID)
		if err != nil {
			log.Printf("[supervisor] session %s: re-reading session: %v", sess.ID, err)
			break
		}
		if current == nil || current.Status.IsTerminal() {
			break
		}

		completed := i - 1
		if _, err := s.store.Update(sess.ID, store.Patch{
			Status:              statusPtr(store.Running),
			IterationsCompleted: &completed,
			CurrentIteration:    &i,
		}); err != nil {
			log.Printf("[supervisor] session %s: updating iteration %d: %v", sess.ID, i, err)
		}

		ok, newFlags, err := iterRunner.Run(ctx, current, flags, i, logFile, retryPolicy, monitor, tracker)
		if err != nil {
			log.Printf("[supervisor] session %s: iteration %d: %v", sess.ID, i, err)
			_, _ = s.store.Update(sess.ID, store.Patch{Status: statusPtr(store.Error), Error: strPtr(err.Error()), EndedAt: nowPtr()})
			return
		}
		flags = newFlags

		if !ok {
			if s.interruptibleSleep(ctx, sess.ID, retryPolicy.NextDelay()) {
				break
			}
			continue // retry the same iteration i
		}

		completedNow := i
		_, _ = s.store.Update(sess.ID, store.Patch{IterationsCompleted: &completedNow})
		retryPolicy.RecordSuccess()

		i++
		if i <= sess.IterationsPlanned {
			interIterationDelay := retryPolicy.NextDelay() / 6
			if interIterationDelay < 5*time.Second {
				interIterationDelay = 5 * time.Second
			}
			if s.interruptibleSleep(ctx, sess.ID, interIterationDelay) {
				break
			}
		}
	}

	final, err := s.store.Get(sess.ID)
	if err == nil && final != nil && final.Status == store.Running {
		_, _ = s.store.Update(sess.ID, store.Patch{Status: statusPtr(store.Completed), CompletedAt: nowPtr(), EndedAt: nowPtr()})
	}

	if _, err := monitor.GenerateReport(); err != nil {
		log.Printf("[supervisor] session %s: generating context report: %v", sess.ID, err)
	}
}

// interruptibleSleep sleeps for d, checking every interruptSliceDuration
// whether the session has been asked to stop. It returns true if a stop
// was observed.
func (s *Supervisor) interruptibleSleep(ctx context.Context, sessionID string, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		slice := interruptSliceDuration
		if remaining := time.Until(deadline); remaining < slice {
			slice = remaining
		}
		select {
		case <-ctx.Done():
			return true
		case <-time.After(slice):
		}

		sess, err := s.store.Get(sessionID)
		if err != nil {
			continue
		}
		if sess == nil || sess.Status.IsTerminal() {
			return true
		}
	}
	return false
}

// StartBackground creates the session row, writes a log preamble, and
// spawns a detached Worker Bootstrap process, returning immediately
// without waiting for it.
func (s *Supervisor) StartBackground(task string, opts Options) (*store.Session, error) {
	opts = opts.WithDefaults()
	opts.Background = true

	sess, err := s.store.Create(store.CreateParams{
		Task:              task,
		IterationsPlanned: opts.Iterations,
		Status:            store.Starting,
		WorkingDirectory:  opts.WorkingDir,
		Model:             opts.Model,
		Metadata: store.Metadata{
			"background":         true,
			"checkpointInterval": int(opts.CheckpointInterval.Seconds()),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}

	if err := os.MkdirAll(s.cfg.Paths.LogsDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating logs dir: %w", err)
	}
	logFile, err := os.OpenFile(s.logPath(sess.ID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening session log: %w", err)
	}
	fmt.Fprintf(logFile, "=== afk session %s queued for background worker at %s ===\ntask: %s\n", sess.ID, time.Now().UTC().Format(time.RFC3339), task)
	logFile.Close()

	encoded, err := EncodeWorkerConfig(WorkerConfig{
		Task:             task,
		SessionID:        sess.ID,
		WorkingDirectory: opts.WorkingDir,
		Options:          opts,
	})
	if err != nil {
		return nil, err
	}

	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolving own executable for worker spawn: %w", err)
	}

	cmd := exec.Command(self, "worker", encoded)
	cmd.Dir = opts.WorkingDir
	detach(cmd)

	if err := cmd.Start(); err != nil {
		_, _ = s.store.Update(sess.ID, store.Patch{Status: statusPtr(store.Failed), Error: strPtr(fmt.Sprintf("spawning worker: %v", err)), EndedAt: nowPtr()})
		return sess, fmt.Errorf("spawning worker: %w", err)
	}
	_ = cmd.Process.Release()

	return sess, nil
}

// Stop locates the running process for sessionID via the in-memory process
// table, then the stored pid, then a last-resort OS process scan, and
// terminates it. Stop is idempotent.
func (s *Supervisor) Stop(sessionID string) error {
	sess, err := s.store.Get(sessionID)
	if err != nil {
		return fmt.Errorf("looking up session %s: %w", sessionID, err)
	}
	if sess == nil {
		return store.ErrNotFound
	}
	if sess.Status.IsTerminal() {
		return nil // idempotent
	}

	pid := 0
	if entry, ok := s.procs.Lookup(sessionID); ok {
		pid = entry.PID
	} else if sess.PID != nil {
		pid = *sess.PID
	} else if matches, err := procutil.FindByCmdlineSubstring(procutil.WorkerBootstrapPattern(sessionID)); err == nil && len(matches) > 0 {
		pid = matches[0].PID
	}

	if pid != 0 {
		if err := procutil.Terminate(pid); err != nil {
			log.Printf("[supervisor] session %s: terminating pid %d: %v", sessionID, pid, err)
		}
	}

	if caffeinatePid, ok := sess.Metadata.Int("caffeinatePid"); ok && caffeinatePid != 0 {
		_ = procutil.Terminate(caffeinatePid)
	}

	_, err = s.store.Update(sessionID, store.Patch{Status: statusPtr(store.Stopped), CompletedAt: nowPtr(), EndedAt: nowPtr()})
	return err
}

// detach configures cmd so that it survives the parent's exit and does not
// receive the parent's controlling-terminal signals. Platform-specific
// process-group disassociation lives in detach_unix.go / detach_windows.go.

func statusPtr(s store.Status) *store.Status { return &s }
func strPtr(s string) *string                { return &s }
func nowPtr() *int64 {
	v := time.Now().UnixMilli()
	return &v
}
