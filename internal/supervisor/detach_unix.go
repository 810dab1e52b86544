//go:build !windows

package supervisor

import (
	"os/exec"
	"syscall"
)

// detach starts cmd in its own session so it survives the parent exiting
// and does not receive signals sent to the parent's controlling terminal.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
