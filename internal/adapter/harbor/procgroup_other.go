//go:build !unix

package harbor

import (
	"os"
	"os/exec"
)

// Process groups are a unix notion; elsewhere we fall back to signalling the
// direct child only.

func configureProcessGroup(_ *exec.Cmd) {}

func TerminateGroup(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Signal(os.Interrupt)
}

func KillGroup(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}
