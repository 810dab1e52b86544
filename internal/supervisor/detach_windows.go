//go:build windows

package supervisor

import (
	"os/exec"
	"syscall"
)

// detach on Windows starts the child in a new process group so Ctrl-C
// sent to the parent's console group does not reach it; Setsid is
// POSIX-only, so this uses a creation flag instead. The child stays
// attached to the parent's console.
func detach(cmd *exec.Cmd) {
	const createNewProcessGroup = 0x00000200
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: createNewProcessGroup}
}
