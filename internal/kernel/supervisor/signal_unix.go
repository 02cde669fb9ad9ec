//go:build !windows

package supervisor

import (
	"os"
	"syscall"
)

// InterruptSupported reports whether kernels can be interrupted by signal.
const InterruptSupported = true

func interruptProcess(p *os.Process) error {
	return p.Signal(syscall.SIGINT)
}
