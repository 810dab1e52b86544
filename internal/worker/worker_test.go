package worker

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/afk-relay/afk-supervisor/internal/config"
	"github.com/afk-relay/afk-supervisor/internal/store"
	"github.com/afk-relay/afk-supervisor/internal/supervisor"
)

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()
	cfg := config.Default()
	cfg.Paths.DataDir = filepath.Join(root, "data")
	cfg.Paths.LogsDir = filepath.Join(root, "logs")
	cfg.Paths.RegistryDir = filepath.Join(root, "registry")
	cfg.Paths.ProgressDir = filepath.Join(root, "progress")
	if err := cfg.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs: %v", err)
	}
	return cfg
}

func TestRunRejectsUndecodableConfig(t *testing.T) {
	cfg := newTestConfig(t)
	if err := Run(cfg, `{"task": "unterminated`); err == nil {
		t.Error("expected error for undecodable worker config")
	}
}

func TestRunRejectsUnknownSession(t *testing.T) {
	cfg := newTestConfig(t)

	st, err := store.Open(cfg.SessionDBPath())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer st.Close()

	encoded, err := supervisor.EncodeWorkerConfig(supervisor.WorkerConfig{
		Task:             "t",
		SessionID:        "afk-does-not-exist",
		WorkingDirectory: t.TempDir(),
		Options:          supervisor.Options{Iterations: 1},
	})
	if err != nil {
		t.Fatalf("EncodeWorkerConfig: %v", err)
	}

	err = Run(cfg, encoded)
	if err == nil {
		t.Fatal("expected error for unknown session id")
	}
}

func TestRunCreatesRegistryDirAndWorkerLogThenStopsOnExternalStop(t *testing.T) {
	cfg := newTestConfig(t)

	st, err := store.Open(cfg.SessionDBPath())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	sess, err := st.Create(store.CreateParams{
		Task:              "t",
		IterationsPlanned: 1,
		Status:            store.Starting,
		WorkingDirectory:  t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Assistant path is deliberately broken so every iteration attempt
	// fails to spawn and the supervisor loop retries forever; this test
	// only asserts bootstrap side effects and clean shutdown via an
	// external stop, not forward progress.
	cfg.Runner.AssistantPath = "/definitely/does/not/exist/so/spawn/fails"
	cfg.Retry.BaseDelay = 10 * time.Millisecond
	cfg.Retry.MaxDelay = 50 * time.Millisecond

	encoded, err := supervisor.EncodeWorkerConfig(supervisor.WorkerConfig{
		Task:             sess.Task,
		SessionID:        sess.ID,
		WorkingDirectory: sess.WorkingDirectory,
		Options:          supervisor.Options{Iterations: 1},
	})
	if err != nil {
		t.Fatalf("EncodeWorkerConfig: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- Run(cfg, encoded) }()

	workerLog := filepath.Join(cfg.Paths.RegistryDir, sess.ID, "worker.log")
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(workerLog); err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if _, err := os.Stat(workerLog); err != nil {
		t.Fatalf("expected worker.log to appear: %v", err)
	}

	if _, err := st.Update(sess.ID, store.Patch{Status: statusPtr(store.Stopped)}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not observe the external stop in time")
	}
}

func statusPtr(s store.Status) *store.Status { return &s }
