// Package worker is the bootstrap a background start re-execs itself
// into, running the session loop detached from whatever terminal launched
// the original command.
package worker

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/afk-relay/afk-supervisor/internal/config"
	"github.com/afk-relay/afk-supervisor/internal/store"
	"github.com/afk-relay/afk-supervisor/internal/supervisor"
)

// Run is the worker subcommand's entrypoint. encoded is the single opaque
// argument produced by supervisor.EncodeWorkerConfig. It blocks until the
// session's iteration loop ends or a terminate signal arrives.
func Run(cfg *config.Config, encoded string) error {
	wc, err := supervisor.DecodeWorkerConfig(encoded)
	if err != nil {
		return fmt.Errorf("decoding worker config: %w", err)
	}

	regDir := filepath.Join(cfg.Paths.RegistryDir, wc.SessionID)
	if err := os.MkdirAll(regDir, 0o755); err != nil {
		return fmt.Errorf("creating registry dir: %w", err)
	}

	logFile, err := os.OpenFile(filepath.Join(regDir, "worker.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening worker log: %w", err)
	}
	defer logFile.Close()

	// Redirect this process's own stdout/stderr so anything the runtime or
	// a misbehaving dependency writes directly to the standard streams
	// lands in the worker log instead of a closed terminal.
	os.Stdout = logFile
	os.Stderr = logFile
	log.SetOutput(logFile)

	if wc.WorkingDirectory != "" {
		if err := os.Chdir(wc.WorkingDirectory); err != nil {
			return fmt.Errorf("changing to working directory %s: %w", wc.WorkingDirectory, err)
		}
	}

	st, err := store.Open(cfg.SessionDBPath())
	if err != nil {
		return fmt.Errorf("opening session store: %w", err)
	}
	defer st.Close()

	sess, err := st.Get(wc.SessionID)
	if err != nil {
		return fmt.Errorf("looking up session %s: %w", wc.SessionID, err)
	}
	if sess == nil {
		return fmt.Errorf("session %s not found", wc.SessionID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// SIGHUP is ignored so the controlling terminal closing does not kill
	// the worker; SIGINT/SIGTERM flush and exit cleanly.
	signal.Ignore(syscall.SIGHUP)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Printf("[worker] session %s: terminate signal received, shutting down", wc.SessionID)
		cancel()
	}()

	sup := supervisor.New(st, cfg)
	sup.RunForeground(ctx, sess, wc.Options.WithDefaults(), logFile)

	return nil
}
