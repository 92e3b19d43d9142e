//go:build !windows

package hardening

import (
	"os/exec"
	"syscall"
)

// the runner process group is killed on timeout, ansible forks workers that would otherwise be left behind.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
