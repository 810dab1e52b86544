// Package reconcile implements the Reconciler: on startup and
// on demand, it cross-checks persisted "running" sessions against live OS
// process state and Context Monitor heartbeats, repairing drift.
package reconcile

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/afk-relay/afk-supervisor/internal/contextmon"
	"github.com/afk-relay/afk-supervisor/internal/procutil"
	"github.com/afk-relay/afk-supervisor/internal/store"
)

// Grace windows for sessions whose pid is gone but whose worker may be in
// a long legitimate wait (e.g. a usage-limit sleep).
const (
	heartbeatGrace = 15 * time.Minute
	staleGrace     = 30 * time.Minute
)

// Reconciler repairs drift between the Session Store and observable OS
// state.
type Reconciler struct {
	store       *store.Store
	registryDir string
}

// New constructs a Reconciler over st, using registryDir to find each
// session's Context Monitor log for heartbeat checks.
func New(st *store.Store, registryDir string) *Reconciler {
	return &Reconciler{store: st, registryDir: registryDir}
}

// Report summarizes one reconcile pass, returned to callers of Run (such
// as the `afk validate` command).
type Report struct {
	Checked   int      `json:"checked"`
	Healthy   int      `json:"healthy"`
	MarkedErr []string `json:"marked_error"`
	Restored  []string `json:"restored"`
}

// Run performs one reconcile pass over every session with status=running:
// pid-alive check, heartbeat grace, process scan, then mark error; followed
// by the symmetric restore pass.
func (r *Reconciler) Run() (Report, error) {
	var report Report

	running, err := r.store.ByStatus(store.Running)
	if err != nil {
		return report, fmt.Errorf("listing running sessions: %w", err)
	}

	for _, sess := range running {
		report.Checked++
		if r.sessionIsHealthy(sess) {
			report.Healthy++
			continue
		}

		if pid, ok := r.findByProcessScan(sess); ok {
			v := pid
			_, _ = r.store.Update(sess.ID, store.Patch{PID: &v})
			report.Healthy++
			continue
		}

		now := time.Now().UnixMilli()
		_, updErr := r.store.Update(sess.ID, store.Patch{
			Status:      statusPtr(store.Error),
			ClearPID:    true,
			Error:       strPtr("terminated unexpectedly"),
			CompletedAt: &now,
			EndedAt:     &now,
		})
		if updErr != nil {
			return report, fmt.Errorf("marking session %s as error: %w", sess.ID, updErr)
		}
		report.MarkedErr = append(report.MarkedErr, sess.ID)
	}

	restored, err := r.restoreLiveErroredSessions()
	if err != nil {
		return report, err
	}
	report.Restored = restored

	return report, nil
}

// sessionIsHealthy reports whether the session shows signs of life: a live
// pid, or (for afk sessions) a recent Context Monitor heartbeat, or a
// recent row update.
func (r *Reconciler) sessionIsHealthy(sess *store.Session) bool {
	if sess.PID != nil && procutil.Alive(*sess.PID) {
		return true
	}

	if sess.Type == store.TypeAFk {
		logPath := filepath.Join(r.registryDir, sess.ID, "context-monitor.log")
		if idle, err := contextmon.IdleSince(logPath); err == nil {
			if idle <= heartbeatGrace {
				return true
			}
		}
	}

	return time.Since(time.UnixMilli(sess.UpdatedAt)) < staleGrace
}

// findByProcessScan is the last resort: an OS process list scan for the
// worker bootstrap command referencing this session.
func (r *Reconciler) findByProcessScan(sess *store.Session) (int, bool) {
	matches, err := procutil.FindByCmdlineSubstring(procutil.WorkerBootstrapPattern(sess.ID))
	if err != nil || len(matches) == 0 {
		return 0, false
	}
	return matches[0].PID, true
}

// restoreLiveErroredSessions is the symmetric pass: sessions in
// `error` that nonetheless show a live matching process are restored to
// `running`.
func (r *Reconciler) restoreLiveErroredSessions() ([]string, error) {
	errored, err := r.store.ByStatus(store.Error)
	if err != nil {
		return nil, fmt.Errorf("listing errored sessions: %w", err)
	}

	var restored []string
	for _, sess := range errored {
		pid, ok := r.findByProcessScan(sess)
		if !ok {
			continue
		}
		v := pid
		if _, err := r.store.Update(sess.ID, store.Patch{Status: statusPtr(store.Running), PID: &v}); err != nil {
			return restored, fmt.Errorf("restoring session %s: %w", sess.ID, err)
		}
		restored = append(restored, sess.ID)
	}
	return restored, nil
}

// OrphanHunt scans for worker processes whose session is not in `running`
// state. It reports candidates without signaling them; the caller decides.
func (r *Reconciler) OrphanHunt() ([]procutil.MatchingProcess, error) {
	all, err := r.store.All()
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}

	runningIDs := make(map[string]bool, len(all))
	for _, sess := range all {
		if sess.Status == store.Running {
			runningIDs[sess.ID] = true
		}
	}

	candidates, err := procutil.FindByCmdlineSubstring(procutil.WorkerProcessMarker)
	if err != nil {
		return nil, fmt.Errorf("scanning for worker processes: %w", err)
	}

	var orphans []procutil.MatchingProcess
	for _, c := range candidates {
		owned := false
		for id := range runningIDs {
			if strings.Contains(c.Cmdline, id) {
				owned = true
				break
			}
		}
		if !owned {
			orphans = append(orphans, c)
		}
	}
	return orphans, nil
}

func statusPtr(s store.Status) *store.Status { return &s }
func strPtr(s string) *string                { return &s }
