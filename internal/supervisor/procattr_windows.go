//go:build windows

package supervisor

import (
	"os"
	"os/exec"
	"syscall"
)

// setProcAttributes mirrors the Unix process-group isolation using
// CREATE_NEW_PROCESS_GROUP (0x00000200).
func setProcAttributes(cmd *exec.Cmd) {
	const createNewProcessGroup = 0x00000200
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: createNewProcessGroup}
		return
	}
	cmd.SysProcAttr.CreationFlags |= createNewProcessGroup
}

// terminateProcess has no cooperative signal on Windows; Kill is the only
// termination path.
func terminateProcess(p *os.Process) error {
	return p.Kill()
}
