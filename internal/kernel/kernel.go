// Package kernel defines the operational contract shared by every kernel
// session variant, along with the state machine and inbound message
// dispatch those variants are built from.
package kernel

import (
	"context"

	"github.com/t9md/hydrogen/internal/kernel/kernelspec"
	"github.com/t9md/hydrogen/internal/kernel/tracker"
	"github.com/t9md/hydrogen/pkg/jupyter/protocol"
)

// ExecutionState is the lifecycle state of a session.
type ExecutionState string

const (
	StateUninitialized ExecutionState = "uninitialized"
	StateStarting      ExecutionState = "starting"
	StateIdle          ExecutionState = "idle"
	StateBusy          ExecutionState = "busy"
	StateRestarting    ExecutionState = "restarting"
	StateDestroyed     ExecutionState = "destroyed"
)

// Kernel is a live binding to one running kernel. Local process kernels and
// gateway-hosted kernels both implement it.
//
// Execute, ExecuteWatch, Complete and Inspect return the request id once the
// request is sent; results arrive later on the handler. For executions the
// final result is the idle status.
type Kernel interface {
	Start(ctx context.Context) error

	Language() string
	DisplayName() string
	Spec() kernelspec.Spec
	ExecutionState() ExecutionState

	Execute(ctx context.Context, code string, h protocol.Handler) (string, error)
	ExecuteWatch(ctx context.Context, code string, h protocol.Handler) (string, error)
	Complete(ctx context.Context, code string, h protocol.Handler) (string, error)
	Inspect(ctx context.Context, code string, cursorPos int, h protocol.Handler) (string, error)
	// Forget stops tracking request id; its handler is not called again.
	Forget(id string)

	Interrupt(ctx context.Context) error
	// Restart reports false without error when a restart is already running.
	Restart(ctx context.Context) (bool, error)
	Shutdown(restart bool) error
	Destroy()

	AddWatchCallback(fn func(tracker.Trigger)) func()
	OnStateChange(fn func(ExecutionState)) func()
	OnDestroyed(fn func()) func()
}
