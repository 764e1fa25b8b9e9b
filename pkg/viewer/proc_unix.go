//go:build !windows

package viewer

import (
	"os/exec"

	"golang.org/x/sys/unix"
)

func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &unix.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		// A negative pid addresses the whole group.
		return unix.Kill(-cmd.Process.Pid, unix.SIGTERM)
	}
}
