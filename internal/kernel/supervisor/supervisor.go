package supervisor

import (
	"context"

	"github.com/t9md/hydrogen/internal/kernel/kernelspec"
)

// Process is a handle on a running kernel process.
type Process interface {
	Pid() int
	// Interrupt delivers SIGINT. It fails where signals are unsupported.
	Interrupt() error
	// Kill terminates the process immediately. Killing an exited process is a no-op.
	Kill() error
	// Exited is closed once the process has been reaped.
	Exited() <-chan struct{}
}

// LaunchOptions are per-launch process settings.
type LaunchOptions struct {
	Cwd string
	Env map[string]string
}

// Launched is the outcome of a successful launch.
type Launched struct {
	Connection     ConnectionInfo
	ConnectionFile string
	Process        Process
	// OwnsConnectionFile is true when the file was created for this launch
	// and must be removed on destroy.
	OwnsConnectionFile bool
}

// Supervisor spawns kernel processes.
type Supervisor interface {
	// Launch creates connection parameters and starts spec.
	Launch(ctx context.Context, spec kernelspec.Spec, opts LaunchOptions) (*Launched, error)
	// Relaunch starts spec again against an existing connection file.
	Relaunch(ctx context.Context, spec kernelspec.Spec, connectionFile string, opts LaunchOptions) (Process, error)
}
