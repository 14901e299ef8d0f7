//go:build windows

package supervisor

import (
	"os"
	"os/exec"
)

func configureProcessGroup(cmd *exec.Cmd) {
	// Process groups are handled differently on Windows.
	_ = cmd
}

// terminate has no graceful variant on Windows.
func terminate(cmd *exec.Cmd) error {
	return kill(cmd)
}

func kill(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Kill(); err != nil && err != os.ErrProcessDone {
		return err
	}
	return nil
}

func signalName(state *os.ProcessState) string {
	return ""
}
