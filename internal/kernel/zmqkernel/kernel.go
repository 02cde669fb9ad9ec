// Package zmqkernel implements kernel.Kernel for kernels reached over
// ZeroMQ: either a process launched through a supervisor, or an existing
// kernel attached through its connection file.
package zmqkernel

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	apperrors "github.com/t9md/hydrogen/internal/common/errors"
	"github.com/t9md/hydrogen/internal/common/logger"
	"github.com/t9md/hydrogen/internal/kernel"
	"github.com/t9md/hydrogen/internal/kernel/kernelspec"
	"github.com/t9md/hydrogen/internal/kernel/supervisor"
	"github.com/t9md/hydrogen/internal/kernel/tracker"
	"github.com/t9md/hydrogen/internal/kernel/transport"
	"github.com/t9md/hydrogen/internal/tracing"
	"github.com/t9md/hydrogen/pkg/jupyter/protocol"
)

const (
	defaultConnectTimeout = 30 * time.Second
	defaultProbeInterval  = 500 * time.Millisecond
	exitWait              = 5 * time.Second
)

// Options configure a Kernel.
type Options struct {
	Spec kernelspec.Spec

	// Supervisor launches and relaunches the kernel process. Attached
	// kernels have none.
	Supervisor supervisor.Supervisor
	Launch     supervisor.LaunchOptions

	// Factory creates the channel sockets. Defaults to real ZeroMQ sockets.
	Factory        transport.SocketFactory
	ConnectTimeout time.Duration
	DialRetry      time.Duration
	ProbeInterval  time.Duration

	// Prompter answers input requests. Without one, the kernel gets an
	// empty input_reply.
	Prompter kernel.Prompter
	Logger   *logger.Logger
}

// Kernel is a session with one ZeroMQ kernel.
type Kernel struct {
	opts       Options
	attachFile string
	logger     *logger.Logger

	state      *kernel.StateMachine
	tracker    *tracker.Tracker
	watchers   *tracker.Watchers
	destroyed  *kernel.Listeners[struct{}]
	dispatcher *kernel.Dispatcher

	startGroup  singleflight.Group
	destroyOnce sync.Once

	mu          sync.Mutex
	transport   *transport.Transport
	process     supervisor.Process
	connFile    string
	ownsFile    bool
	isDestroyed bool
}

var _ kernel.Kernel = (*Kernel)(nil)

// New creates a session that launches opts.Spec through opts.Supervisor
// when started.
func New(opts Options) *Kernel {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.DialRetry <= 0 {
		opts.DialRetry = 250 * time.Millisecond
	}
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = defaultProbeInterval
	}
	if opts.Factory == nil {
		opts.Factory = transport.ZMQFactory(opts.DialRetry)
	}
	if opts.Logger == nil {
		opts.Logger = logger.Default()
	}

	k := &Kernel{
		opts:      opts,
		logger:    opts.Logger.WithKernel(opts.Spec.LanguageKey()).WithFields(zap.String("component", "zmq-kernel")),
		state:     kernel.NewStateMachine(),
		tracker:   tracker.New(),
		watchers:  tracker.NewWatchers(),
		destroyed: kernel.NewListeners[struct{}](),
	}
	k.dispatcher = &kernel.Dispatcher{
		Language: opts.Spec.LanguageKey(),
		Tracker:  k.tracker,
		Watchers: k.watchers,
		State:    k.state,
		Prompter: opts.Prompter,
		Reply:    k.sendInputReply,
		Logger:   k.logger,
	}
	return k
}

// Attach creates a session bound to the kernel described by
// connectionFile. The kernel is not owned: it cannot be interrupted or
// restarted, and destroying the session leaves the file in place.
func Attach(connectionFile string, opts Options) *Kernel {
	opts.Supervisor = nil
	k := New(opts)
	k.attachFile = connectionFile
	return k
}

func (k *Kernel) Language() string                      { return k.opts.Spec.LanguageKey() }
func (k *Kernel) DisplayName() string                   { return k.opts.Spec.DisplayName }
func (k *Kernel) Spec() kernelspec.Spec                 { return k.opts.Spec }
func (k *Kernel) ExecutionState() kernel.ExecutionState { return k.state.State() }

// ConnectionFile returns the path of the session's connection file.
func (k *Kernel) ConnectionFile() string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.connFile
}

// Start launches (or attaches to) the kernel and waits until shell,
// control and iopub are connected. Concurrent calls share one attempt.
// On failure the session stays in StateStarting and Start may be retried.
func (k *Kernel) Start(ctx context.Context) error {
	_, err, _ := k.startGroup.Do("start", func() (interface{}, error) {
		// shared by every waiting caller; readiness has its own bound
		return nil, k.start(context.WithoutCancel(ctx))
	})
	return err
}

func (k *Kernel) start(ctx context.Context) (err error) {
	switch k.state.State() {
	case kernel.StateIdle, kernel.StateBusy:
		return nil
	case kernel.StateDestroyed:
		return apperrors.Conflict("kernel is destroyed")
	case kernel.StateRestarting:
		return apperrors.Conflict("kernel is restarting")
	}

	ctx, span := tracing.TraceKernelLifecycle(ctx, k.Language(), "start")
	defer func() {
		tracing.TraceResult(span, err)
		span.End()
	}()

	k.state.Set(kernel.StateStarting)

	var (
		conn supervisor.ConnectionInfo
		file string
		owns bool
		proc supervisor.Process
	)
	if k.attachFile != "" {
		conn, err = supervisor.ReadConnectionFile(k.attachFile)
		if err != nil {
			return apperrors.Launch("read connection file", err)
		}
		file = k.attachFile
	} else {
		if k.opts.Supervisor == nil {
			return apperrors.Launch("no process supervisor configured", nil)
		}
		launched, err := k.opts.Supervisor.Launch(ctx, k.opts.Spec, k.opts.Launch)
		if err != nil {
			return err
		}
		conn, file, owns, proc = launched.Connection, launched.ConnectionFile, launched.OwnsConnectionFile, launched.Process
	}

	tr, err := transport.New(transport.Options{
		Language:   k.Language(),
		Connection: conn,
		Factory:    k.opts.Factory,
		Dispatch:   k.dispatcher.Dispatch,
		Logger:     k.logger,
	})
	if err != nil {
		release(k.logger, proc, nil, file, owns)
		return apperrors.Launch("open kernel channels", err)
	}

	k.mu.Lock()
	if k.isDestroyed {
		k.mu.Unlock()
		release(k.logger, proc, tr, file, owns)
		return apperrors.Conflict("kernel is destroyed")
	}
	k.transport, k.process, k.connFile, k.ownsFile = tr, proc, file, owns
	k.mu.Unlock()

	tr.Connect()

	readyCtx, cancel := context.WithTimeout(ctx, k.opts.ConnectTimeout)
	defer cancel()
	if err := tr.AwaitReady(readyCtx, transport.ReadyChannels...); err != nil {
		k.mu.Lock()
		if k.transport == tr {
			k.transport, k.process, k.connFile, k.ownsFile = nil, nil, "", false
			k.mu.Unlock()
			release(k.logger, proc, tr, file, owns)
		} else {
			k.mu.Unlock()
		}
		return err
	}

	k.state.Set(kernel.StateIdle)
	k.logger.Info("kernel started", zap.String("connection_file", file))
	return nil
}

// release tears down what a failed start or a destroy holds. Every step
// runs regardless of earlier failures.
func release(log *logger.Logger, proc supervisor.Process, tr *transport.Transport, file string, owns bool) {
	if proc != nil {
		if err := proc.Kill(); err != nil {
			log.Warn("failed to kill kernel process", zap.Error(err))
		}
	}
	if owns && file != "" {
		if err := os.Remove(file); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn("failed to remove connection file", zap.String("path", file), zap.Error(err))
		}
	}
	if tr != nil {
		if err := tr.Close(); err != nil {
			log.Debug("failed to close kernel channels", zap.Error(err))
		}
	}
}

func (k *Kernel) currentTransport() (*transport.Transport, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.transport == nil {
		return nil, apperrors.Conflict("kernel is not connected")
	}
	return k.transport, nil
}

func (k *Kernel) send(ch protocol.Channel, msg *protocol.Message) error {
	tr, err := k.currentTransport()
	if err != nil {
		return err
	}
	return tr.Send(ch, msg)
}

func (k *Kernel) sendInputReply(parent protocol.Header, value string) error {
	msg := protocol.NewMessage(protocol.MsgInputReply, "input_reply_"+uuid.New().String(), protocol.InputReply(value))
	msg.ParentHeader = parent
	return k.send(protocol.ChannelStdin, msg)
}

// request registers h and sends msgType on shell. Executions wait out a
// restart in progress; other requests fail fast.
func (k *Kernel) request(ctx context.Context, kind tracker.Kind, msgType string, content map[string]interface{}, h protocol.Handler) (string, error) {
	var err error
	if kind.MultiReply() {
		err = k.state.AwaitReady(ctx)
	} else {
		err = k.state.Ready()
	}
	if err != nil {
		return "", err
	}

	req := k.tracker.Register(kind, msgType, h)
	_, span := tracing.TraceKernelRequest(ctx, k.Language(), string(protocol.ChannelShell), msgType, req.ID)
	err = k.send(protocol.ChannelShell, protocol.NewMessage(msgType, req.ID, content))
	tracing.TraceResult(span, err)
	span.End()
	if err != nil {
		k.tracker.Remove(req.ID)
		return "", err
	}
	return req.ID, nil
}

// Execute runs code. h receives every result, ending with the idle status.
func (k *Kernel) Execute(ctx context.Context, code string, h protocol.Handler) (string, error) {
	return k.request(ctx, tracker.KindExecute, protocol.MsgExecuteRequest, protocol.ExecuteRequest(code), h)
}

// ExecuteWatch runs code as a watch expression. h receives every result
// like Execute; its completion notifies watch callbacks with KindWatch.
func (k *Kernel) ExecuteWatch(ctx context.Context, code string, h protocol.Handler) (string, error) {
	return k.request(ctx, tracker.KindWatch, protocol.MsgExecuteRequest, protocol.ExecuteRequest(code), h)
}

func (k *Kernel) Complete(ctx context.Context, code string, h protocol.Handler) (string, error) {
	return k.request(ctx, tracker.KindComplete, protocol.MsgCompleteRequest, protocol.CompleteRequest(code), h)
}

func (k *Kernel) Inspect(ctx context.Context, code string, cursorPos int, h protocol.Handler) (string, error) {
	return k.request(ctx, tracker.KindInspect, protocol.MsgInspectRequest, protocol.InspectRequest(code, cursorPos), h)
}

// Forget drops a request whose reply the caller no longer waits for.
func (k *Kernel) Forget(id string) {
	k.tracker.Remove(id)
}

// Interrupt signals the kernel process, or sends interrupt_request on
// control when the kernelspec asks for message interrupts.
func (k *Kernel) Interrupt(ctx context.Context) (err error) {
	_, span := tracing.TraceKernelLifecycle(ctx, k.Language(), "interrupt")
	defer func() {
		tracing.TraceResult(span, err)
		span.End()
	}()

	if k.opts.Spec.InterruptMode == "message" {
		msg := protocol.NewMessage(protocol.MsgInterruptRequest, "interrupt_request_"+uuid.New().String(), nil)
		return k.send(protocol.ChannelControl, msg)
	}

	k.mu.Lock()
	proc := k.process
	k.mu.Unlock()
	if proc == nil {
		return apperrors.Capability("kernel process is not owned by this session")
	}
	if !supervisor.InterruptSupported {
		return apperrors.Capability("interrupting kernels is not supported on this platform")
	}
	return proc.Interrupt()
}

// Restart kills the kernel process and relaunches it on the same
// connection file, reusing the open channels. It reports false without
// error when a restart is already running. Requests in flight are
// abandoned.
func (k *Kernel) Restart(ctx context.Context) (ok bool, err error) {
	k.mu.Lock()
	proc, file, tr := k.process, k.connFile, k.transport
	k.mu.Unlock()
	if proc == nil || tr == nil || k.opts.Supervisor == nil {
		return false, apperrors.Capability("kernel process is not owned by this session")
	}
	if !k.state.BeginRestart() {
		return false, nil
	}

	ctx, span := tracing.TraceKernelLifecycle(ctx, k.Language(), "restart")
	defer func() {
		tracing.TraceResult(span, err)
		span.End()
	}()

	err = k.restart(ctx, proc, file, tr)
	k.state.EndRestart(err)
	if err != nil {
		k.logger.Error("kernel restart failed", zap.Error(err))
		return false, err
	}
	k.logger.Info("kernel restarted")
	return true, nil
}

func (k *Kernel) restart(ctx context.Context, proc supervisor.Process, file string, tr *transport.Transport) error {
	if err := k.Shutdown(true); err != nil {
		k.logger.Debug("shutdown before restart failed", zap.Error(err))
	}
	if n := k.tracker.Clear(); n > 0 {
		k.logger.Debug("abandoned requests on restart", zap.Int("count", n))
	}

	tr.Rearm(transport.ReadyChannels...)
	if err := proc.Kill(); err != nil {
		k.logger.Warn("failed to kill kernel process", zap.Error(err))
	}
	select {
	case <-proc.Exited():
	case <-time.After(exitWait):
		k.logger.Warn("kernel process did not exit before relaunch")
	case <-ctx.Done():
		return ctx.Err()
	}

	next, err := k.opts.Supervisor.Relaunch(ctx, k.opts.Spec, file, k.opts.Launch)
	if err != nil {
		return err
	}

	k.mu.Lock()
	if k.isDestroyed {
		k.mu.Unlock()
		_ = next.Kill()
		return apperrors.Conflict("kernel is destroyed")
	}
	k.process = next
	k.mu.Unlock()

	readyCtx, cancel := context.WithTimeout(ctx, k.opts.ConnectTimeout)
	defer cancel()

	probeDone := make(chan struct{})
	go func() {
		defer close(probeDone)
		tr.Probe(readyCtx, k.opts.ProbeInterval)
	}()
	err = tr.AwaitReady(readyCtx, transport.ReadyChannels...)
	cancel()
	<-probeDone
	return err
}

// Shutdown sends shutdown_request without waiting for the reply.
func (k *Kernel) Shutdown(restart bool) error {
	msg := protocol.NewMessage(protocol.MsgShutdownRequest, "shutdown_request_"+uuid.New().String(), protocol.ShutdownRequest(restart))
	if err := k.send(protocol.ChannelShell, msg); err != nil {
		return fmt.Errorf("send shutdown_request: %w", err)
	}
	return nil
}

// Destroy shuts the kernel down and releases everything the session holds.
// Pending handlers are dropped without being called. Safe to call twice.
func (k *Kernel) Destroy() {
	k.destroyOnce.Do(func() {
		_, span := tracing.TraceKernelLifecycle(context.Background(), k.Language(), "destroy")
		defer span.End()

		if err := k.Shutdown(false); err != nil {
			k.logger.Debug("shutdown on destroy failed", zap.Error(err))
		}

		k.mu.Lock()
		proc, tr, file, owns := k.process, k.transport, k.connFile, k.ownsFile
		k.process, k.transport = nil, nil
		k.isDestroyed = true
		k.mu.Unlock()

		release(k.logger, proc, tr, file, owns)
		if n := k.tracker.Clear(); n > 0 {
			k.logger.Debug("abandoned requests on destroy", zap.Int("count", n))
		}

		k.state.Set(kernel.StateDestroyed)
		k.logger.Info("kernel destroyed")
		k.destroyed.Notify(struct{}{})
	})
}

func (k *Kernel) AddWatchCallback(fn func(tracker.Trigger)) func() {
	return k.watchers.Add(fn)
}

func (k *Kernel) OnStateChange(fn func(kernel.ExecutionState)) func() {
	return k.state.OnChange(fn)
}

func (k *Kernel) OnDestroyed(fn func()) func() {
	return k.destroyed.Add(func(struct{}) { fn() })
}
