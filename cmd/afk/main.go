// Command afk is the CLI entrypoint for the session supervisor. It
// exposes start/stop/list/tail/cleanup/status/validate subcommands, plus
// an internal "worker" subcommand that a background start re-execs itself
// into (never invoked directly by a user).
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/afk-relay/afk-supervisor/internal/config"
	"github.com/afk-relay/afk-supervisor/internal/reconcile"
	"github.com/afk-relay/afk-supervisor/internal/statusserver"
	"github.com/afk-relay/afk-supervisor/internal/store"
	"github.com/afk-relay/afk-supervisor/internal/supervisor"
	"github.com/afk-relay/afk-supervisor/internal/tail"
	"github.com/afk-relay/afk-supervisor/internal/worker"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return 1
	}

	cmd, rest := args[0], args[1:]

	switch cmd {
	case "worker":
		return runWorkerCmd(rest)
	case "start":
		return runStartCmd(rest)
	case "stop":
		return runStopCmd(rest)
	case "list", "status":
		return runListCmd(rest)
	case "tail":
		return runTailCmd(rest)
	case "cleanup":
		return runCleanupCmd(rest)
	case "validate":
		return runValidateCmd(rest)
	case "stats":
		return runStatsCmd(rest)
	case "-h", "--help", "help":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "afk: unknown command %q\n", cmd)
		printUsage()
		return 1
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `usage: afk <command> [flags]

commands:
  start [-iterations N] [-model M] [-dir D] [-background] [-no-prevent-sleep] [-status-addr host:port] <task...>
  stop <session-id>
  list | status
  tail [-poll 1s] <session-id>
  cleanup [-days 7]
  validate
  stats`)
}

func resolveConfigPath() string {
	path := config.DefaultConfigPath()
	if v := os.Getenv("AFK_CONFIG"); v != "" {
		path = v
	}
	return path
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOrDefault(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// watchConfigReload reloads the config file on SIGHUP and logs the fields
// that changed, so an operator can confirm a reload took effect without
// restarting a foreground session.
// It does not replace cfg's already-running Retry/Runner state; only
// sessions started after the reload pick up the new values.
func watchConfigReload(ctx context.Context, path string, cfg *config.Config) {
	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)
	defer signal.Stop(hupCh)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hupCh:
			next, err := config.Load(path)
			if err != nil {
				log.Printf("[afk] config reload failed: %v", err)
				continue
			}
			if changes := config.Diff(cfg, next); len(changes) > 0 {
				log.Printf("[afk] config reloaded, %d change(s):", len(changes))
				for _, c := range changes {
					log.Printf("[afk]   %s", c)
				}
			} else {
				log.Printf("[afk] config reloaded, no changes")
			}
			cfg = next
		}
	}
}

func openStore(cfg *config.Config) (*store.Store, error) {
	return store.Open(cfg.SessionDBPath())
}

func runStartCmd(args []string) int {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	iterations := fs.Int("iterations", 10, "planned iteration count")
	model := fs.String("model", "", "assistant model override")
	dir := fs.String("dir", "", "working directory (defaults to cwd)")
	background := fs.Bool("background", false, "detach a worker process instead of blocking")
	noSleep := fs.Bool("no-prevent-sleep", false, "do not start a sleep inhibitor")
	checkpoint := fs.Duration("checkpoint-interval", 30*time.Minute, "checkpoint interval")
	statusAddr := fs.String("status-addr", "", "optionally serve a local status feed at host:port while running in the foreground")
	fs.Parse(args)

	task := fs.Arg(0)
	for _, a := range fs.Args()[1:] {
		task += " " + a
	}
	if task == "" {
		fmt.Fprintln(os.Stderr, "afk start: a task description is required")
		return 1
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	st, err := openStore(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	defer st.Close()

	opts := supervisor.Options{
		Iterations:         *iterations,
		Model:              *model,
		WorkingDir:         *dir,
		Background:         *background,
		PreventSleep:       !*noSleep,
		CheckpointInterval: *checkpoint,
	}

	sup := supervisor.New(st, cfg)

	if *background {
		sess, err := sup.StartBackground(task, opts)
		if err != nil {
			fmt.Fprintln(os.Stderr, "afk start:", err)
			return 2
		}
		fmt.Printf("started session %s in background\n", sess.ID)
		return 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	go watchConfigReload(ctx, resolveConfigPath(), cfg)

	if *statusAddr != "" {
		cfg.Server.Host, cfg.Server.Port = splitHostPort(*statusAddr, cfg.Server.Host, cfg.Server.Port)
		broadcaster := statusserver.NewBroadcaster(st, time.Second, 10*time.Second, cfg.Server.MaxConnections)
		defer broadcaster.Stop()
		srv := statusserver.NewServer(cfg, st, broadcaster)
		mux := http.NewServeMux()
		srv.SetupRoutes(mux)
		go func() {
			if err := statusserver.ListenAndServe(cfg, mux); err != nil {
				fmt.Fprintln(os.Stderr, "afk: status server:", err)
			}
		}()
	}

	sess, err := sup.StartForeground(ctx, task, opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, "afk start:", err)
		return 2
	}

	final, err := st.Get(sess.ID)
	if err == nil && final != nil {
		fmt.Printf("session %s finished: %s (%d/%d iterations)\n", final.ID, final.Status, final.IterationsCompleted, final.IterationsPlanned)
	}
	return 0
}

func splitHostPort(addr, defaultHost string, defaultPort int) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return defaultHost, defaultPort
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port == 0 {
		port = defaultPort
	}
	if host == "" {
		host = defaultHost
	}
	return host, port
}

func runStopCmd(args []string) int {
	fs := flag.NewFlagSet("stop", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: afk stop <session-id>")
		return 1
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	st, err := openStore(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	defer st.Close()

	sess, err := st.FindByPartialID(fs.Arg(0))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if sess == nil {
		fmt.Fprintf(os.Stderr, "afk stop: no session matching %q\n", fs.Arg(0))
		return 1
	}

	sup := supervisor.New(st, cfg)
	if err := sup.Stop(sess.ID); err != nil {
		fmt.Fprintln(os.Stderr, "afk stop:", err)
		return 2
	}
	fmt.Printf("stopped %s\n", sess.ID)
	return 0
}

func runListCmd(args []string) int {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	fs.Parse(args)

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	st, err := openStore(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	defer st.Close()

	sessions, err := st.All()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if len(sessions) == 0 {
		fmt.Println("no sessions")
		return 0
	}
	fmt.Printf("%-20s %-10s %-6s %-8s %s\n", "ID", "STATUS", "ITER", "PID", "TASK")
	for _, s := range sessions {
		pid := "-"
		if s.PID != nil {
			pid = fmt.Sprintf("%d", *s.PID)
		}
		fmt.Printf("%-20s %-10s %d/%-4d %-8s %s\n", s.ID, s.Status, s.IterationsCompleted, s.IterationsPlanned, pid, truncate(s.Task, 40))
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

func runTailCmd(args []string) int {
	fs := flag.NewFlagSet("tail", flag.ExitOnError)
	poll := fs.Duration("poll", tail.MinPollInterval, "poll interval (minimum 1s)")
	fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: afk tail <session-id>")
		return 1
	}
	if *poll < tail.MinPollInterval {
		*poll = tail.MinPollInterval
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	st, err := openStore(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	defer st.Close()

	sess, err := st.FindByPartialID(fs.Arg(0))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if sess == nil {
		fmt.Fprintf(os.Stderr, "afk tail: no session matching %q\n", fs.Arg(0))
		return 1
	}

	t := tail.New(tail.Layout{LogsDir: cfg.Paths.LogsDir, RegistryDir: cfg.Paths.RegistryDir}, sess.ID)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(*poll)
	defer ticker.Stop()
	for {
		select {
		case <-sigCh:
			return 0
		case <-ticker.C:
			chunk, err := t.Poll()
			if err != nil {
				continue
			}
			if len(chunk.Data) > 0 {
				os.Stdout.Write(chunk.Data)
			}
		}
	}
}

func runCleanupCmd(args []string) int {
	fs := flag.NewFlagSet("cleanup", flag.ExitOnError)
	days := fs.Int("days", 7, "remove terminal sessions older than this many days")
	fs.Parse(args)

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	st, err := openStore(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	defer st.Close()

	sessionsRemoved, logsRemoved, err := st.CleanupTerminated(*days, cfg.Paths.LogsDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "afk cleanup:", err)
		return 2
	}
	fmt.Printf("removed %d session(s), %d log(s)\n", sessionsRemoved, logsRemoved)
	return 0
}

func runValidateCmd(args []string) int {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	fs.Parse(args)

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	st, err := openStore(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	defer st.Close()

	r := reconcile.New(st, cfg.Paths.RegistryDir)
	report, err := r.Run()
	if err != nil {
		fmt.Fprintln(os.Stderr, "afk validate:", err)
		return 2
	}
	fmt.Printf("checked=%d healthy=%d marked_error=%d restored=%d\n", report.Checked, report.Healthy, len(report.MarkedErr), len(report.Restored))
	for _, id := range report.MarkedErr {
		fmt.Printf("  error: %s\n", id)
	}
	for _, id := range report.Restored {
		fmt.Printf("  restored: %s\n", id)
	}
	return 0
}

func runStatsCmd(args []string) int {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	fs.Parse(args)

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	st, err := openStore(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	defer st.Close()

	stats, err := st.Stats()
	if err != nil {
		fmt.Fprintln(os.Stderr, "afk stats:", err)
		return 2
	}
	fmt.Printf("total=%d running=%d completed=%d error=%d stopped=%d failed=%d pending=%d\n",
		stats.Total, stats.Running, stats.Completed, stats.Error, stats.Stopped, stats.Failed, stats.Pending)
	return 0
}

// runWorkerCmd is the internal entrypoint StartBackground re-execs itself
// into. It is not documented in printUsage because users
// never invoke it directly.
func runWorkerCmd(args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "afk worker: expected a single encoded config argument")
		return 2
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	if err := worker.Run(cfg, args[0]); err != nil {
		fmt.Fprintln(os.Stderr, "afk worker:", err)
		return 2
	}
	return 0
}
