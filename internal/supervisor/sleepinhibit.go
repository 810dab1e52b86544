package supervisor

import (
	"os/exec"
	"runtime"
)

// sleepInhibitorCommand returns the platform-appropriate command to keep the
// host awake for the life of a long multi-iteration session, or nil if no
// such utility is known for this platform. Absence is non-fatal.
func sleepInhibitorCommand() *exec.Cmd {
	switch runtime.GOOS {
	case "darwin":
		if path, err := exec.LookPath("caffeinate"); err == nil {
			return exec.Command(path, "-i", "-m", "-s")
		}
	case "linux":
		if path, err := exec.LookPath("systemd-inhibit"); err == nil {
			return exec.Command(path, "--what=idle:sleep", "--why=afk session in progress", "sleep", "infinity")
		}
	}
	return nil
}

// startSleepInhibitor starts the platform sleep inhibitor, if one is
// available. It returns the child's pid (0 if none was started) and a
// stop function that is always safe to call.
func startSleepInhibitor() (pid int, stop func()) {
	cmd := sleepInhibitorCommand()
	if cmd == nil {
		return 0, func() {}
	}
	if err := cmd.Start(); err != nil {
		return 0, func() {}
	}
	p := cmd.Process
	return p.Pid, func() {
		_ = p.Kill()
		_, _ = p.Wait()
	}
}
