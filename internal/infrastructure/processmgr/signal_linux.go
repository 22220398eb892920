//go:build linux

package processmgr

import "syscall"

// sysProcAttr puts the backend in its own process group and kills it if the broker dies.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Pdeathsig: syscall.SIGKILL, // Linux-only
		Setpgid:   true,            // new process group so we can signal the group
	}
}

func signalTerm(pid int) error { return syscall.Kill(-pid, syscall.SIGTERM) }
func signalKill(pid int) error { return syscall.Kill(-pid, syscall.SIGKILL) }
