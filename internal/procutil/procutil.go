// Package procutil provides the process-liveness and process-discovery
// primitives shared by the Reconciler and the Session Supervisor, backed by
// gopsutil so pid-alive checks and cmdline scans work the same on every
// platform rather than only where /proc exists.
package procutil

import (
	"fmt"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
)

// Alive reports whether pid refers to a live, non-zombie process.
func Alive(pid int) bool {
	exists, err := process.PidExists(int32(pid))
	if err != nil || !exists {
		return false
	}
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	status, err := proc.Status()
	if err != nil {
		// Process vanished between PidExists and Status; treat as dead.
		return false
	}
	for _, st := range status {
		if st == "zombie" || st == "Z" {
			return false
		}
	}
	return true
}

// Terminate sends a graceful termination request to pid. An already-exited
// process counts as success; lack of permission is treated conservatively
// as "still alive".
func Terminate(pid int) error {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		// NewProcess fails if the pid doesn't exist: already gone.
		return nil
	}
	if err := proc.Terminate(); err != nil {
		if !Alive(pid) {
			return nil
		}
		return fmt.Errorf("terminating pid %d: %w", pid, err)
	}
	return nil
}

// MatchingProcess describes a live OS process that looks like a worker
// bootstrap or assistant invocation for a particular session.
type MatchingProcess struct {
	PID     int
	Cmdline string
}

// FindByCmdlineSubstring scans all live processes and returns those whose
// command line contains needle. Used by the Reconciler's and Stop's
// last-resort OS process list scans.
func FindByCmdlineSubstring(needle string) ([]MatchingProcess, error) {
	procs, err := process.Processes()
	if err != nil {
		return nil, fmt.Errorf("listing processes: %w", err)
	}

	var matches []MatchingProcess
	for _, p := range procs {
		cmdline, err := p.Cmdline()
		if err != nil || cmdline == "" {
			continue
		}
		if strings.Contains(cmdline, needle) {
			matches = append(matches, MatchingProcess{PID: int(p.Pid), Cmdline: cmdline})
		}
	}
	return matches, nil
}

// WorkerBootstrapPattern returns the substring that identifies a worker
// bootstrap process for the given session id, used both by the Reconciler's
// scan and by the "orphan hunt". Worker processes carry their
// session config as a JSON argument, so the id appears in the command line
// as a "sessionId" field; matching on the field form (rather than the bare
// id) keeps the scan from matching unrelated processes such as a
// concurrently running `afk stop <id>`.
func WorkerBootstrapPattern(sessionID string) string {
	return fmt.Sprintf(`"sessionId":%q`, sessionID)
}

// WorkerProcessMarker is the substring every worker bootstrap process
// carries in its command line regardless of session, used by the orphan
// hunt's initial sweep.
const WorkerProcessMarker = `"sessionId":"`

// AssistantFlagPattern returns the substring identifying an assistant CLI
// invocation that carries the given session id as a literal --afk-session
// argument. The Iteration Runner does not add this argument (nor any other
// session marker) to its invocations, so the Reconciler's and Stop's
// process scans match the worker bootstrap pattern instead.
func AssistantFlagPattern(sessionID string) string {
	return fmt.Sprintf("--afk-session=%s", sessionID)
}
