//go:build linux

package supervisor

import "syscall"

// Pdeathsig stops orphaned kernels; Setpgid keeps terminal Ctrl+C away from them.
func buildSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Pdeathsig: syscall.SIGTERM,
		Setpgid:   true,
	}
}
