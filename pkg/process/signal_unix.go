//go:build unix

package process

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setupProcessAttributes puts the child in a new process group so the
// whole tree can be signalled through -pid.
func setupProcessAttributes(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}

// signalGroup delivers sig to every process in group pgid.
func signalGroup(pgid int, sig unix.Signal) error {
	err := unix.Kill(-pgid, sig)
	if err == unix.ESRCH {
		return nil
	}
	return err
}

// groupAlive reports whether any member of pgid still exists.
func groupAlive(pgid int) bool {
	return unix.Kill(-pgid, 0) != unix.ESRCH
}

// SignalName returns the symbolic name of signal number n, e.g. "SIGKILL".
func SignalName(n int) string {
	return unix.SignalName(syscall.Signal(n))
}
