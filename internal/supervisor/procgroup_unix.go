//go:build !windows

package supervisor

import (
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// configureProcessGroup puts the compiler in its own process group so that
// signals also reach anything it spawns.
func configureProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

func signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd.Process == nil {
		return nil
	}
	pgid, err := unix.Getpgid(cmd.Process.Pid)
	if err == nil && pgid > 0 {
		if err := unix.Kill(-pgid, sig); err == nil || err == unix.ESRCH {
			return nil
		}
	}
	if err := cmd.Process.Signal(sig); err != nil && err != os.ErrProcessDone {
		return err
	}
	return nil
}

func terminate(cmd *exec.Cmd) error {
	return signalGroup(cmd, unix.SIGTERM)
}

func kill(cmd *exec.Cmd) error {
	return signalGroup(cmd, unix.SIGKILL)
}

func signalName(state *os.ProcessState) string {
	ws, ok := state.Sys().(syscall.WaitStatus)
	if !ok || !ws.Signaled() {
		return ""
	}
	return unix.SignalName(ws.Signal())
}
