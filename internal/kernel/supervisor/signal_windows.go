//go:build windows

package supervisor

import (
	"os"

	apperrors "github.com/t9md/hydrogen/internal/common/errors"
)

// InterruptSupported reports whether kernels can be interrupted by signal.
const InterruptSupported = false

func interruptProcess(_ *os.Process) error {
	return apperrors.Capability("kernel interruption is not supported on Windows")
}
