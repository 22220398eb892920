//go:build !linux

package processmgr

import (
	"os"
	"syscall"
)

// Without process groups only the direct child is signalled.
func sysProcAttr() *syscall.SysProcAttr { return nil }

func signalTerm(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Signal(syscall.SIGTERM)
}

func signalKill(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}
