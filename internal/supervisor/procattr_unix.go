//go:build !windows

package supervisor

import (
	"os"
	"os/exec"
	"syscall"
)

// setProcAttributes places the spawned process into its own process group
// so it does not receive signals sent to the supervisor (Unix only).
func setProcAttributes(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
		return
	}
	cmd.SysProcAttr.Setpgid = true
}

// terminateProcess sends the cooperative termination signal.
func terminateProcess(p *os.Process) error {
	return p.Signal(syscall.SIGTERM)
}
