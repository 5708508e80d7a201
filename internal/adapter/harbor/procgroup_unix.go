//go:build unix

package harbor

import (
	"os/exec"
	"syscall"
)

// configureProcessGroup detaches the child into its own process group so a
// single signal to -pid reaches the agent and every helper it spawns.
func configureProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// TerminateGroup asks the whole process group to exit.
func TerminateGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGTERM)
}

// KillGroup forcibly ends the whole process group.
func KillGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}
