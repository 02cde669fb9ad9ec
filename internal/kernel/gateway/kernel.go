package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	apperrors "github.com/t9md/hydrogen/internal/common/errors"
	"github.com/t9md/hydrogen/internal/common/logger"
	"github.com/t9md/hydrogen/internal/kernel"
	"github.com/t9md/hydrogen/internal/kernel/kernelspec"
	"github.com/t9md/hydrogen/internal/kernel/tracker"
	"github.com/t9md/hydrogen/internal/tracing"
	"github.com/t9md/hydrogen/pkg/jupyter/protocol"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024 * 1024
	cleanupTimeout = 5 * time.Second
)

// Options configure a gateway Kernel.
type Options struct {
	Spec           kernelspec.Spec
	Client         *Client
	Cwd            string
	ConnectTimeout time.Duration
	Prompter       kernel.Prompter
	Logger         *logger.Logger
}

// Kernel is a session with one gateway-hosted kernel.
type Kernel struct {
	opts      Options
	sessionID string
	logger    *logger.Logger

	state      *kernel.StateMachine
	tracker    *tracker.Tracker
	watchers   *tracker.Watchers
	destroyed  *kernel.Listeners[struct{}]
	dispatcher *kernel.Dispatcher

	startGroup  singleflight.Group
	destroyOnce sync.Once

	mu          sync.Mutex
	kernelID    string
	conn        *websocket.Conn
	readDone    chan struct{}
	isDestroyed bool

	writeMu sync.Mutex
}

var _ kernel.Kernel = (*Kernel)(nil)

// New creates a session that starts opts.Spec on the gateway.
func New(opts Options) *Kernel {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logger.Default()
	}
	k := &Kernel{
		opts:      opts,
		sessionID: uuid.New().String(),
		logger:    opts.Logger.WithKernel(opts.Spec.LanguageKey()).WithFields(zap.String("component", "gateway-kernel")),
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

func (k *Kernel) Language() string                      { return k.opts.Spec.LanguageKey() }
func (k *Kernel) DisplayName() string                   { return k.opts.Spec.DisplayName }
func (k *Kernel) Spec() kernelspec.Spec                 { return k.opts.Spec }
func (k *Kernel) ExecutionState() kernel.ExecutionState { return k.state.State() }

// KernelID returns the gateway's id for the kernel, once started.
func (k *Kernel) KernelID() string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.kernelID
}

// Start asks the gateway for a kernel and opens its channels websocket.
// Concurrent calls share one attempt.
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
	if k.opts.Client == nil {
		return apperrors.Launch("no gateway client configured", nil)
	}

	ctx, span := tracing.TraceKernelLifecycle(ctx, k.Language(), "start")
	defer func() {
		tracing.TraceResult(span, err)
		span.End()
	}()

	k.state.Set(kernel.StateStarting)

	model, err := k.opts.Client.StartKernel(ctx, k.opts.Spec.Name, k.opts.Cwd)
	if err != nil {
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, k.opts.ConnectTimeout)
	defer cancel()
	conn, err := k.opts.Client.DialChannels(dialCtx, model.ID, k.sessionID)
	if err != nil {
		k.deleteKernel(model.ID)
		return apperrors.Connect("open gateway channels", err)
	}
	conn.SetReadLimit(maxMessageSize)

	done := make(chan struct{})
	k.mu.Lock()
	if k.isDestroyed {
		k.mu.Unlock()
		_ = conn.Close()
		k.deleteKernel(model.ID)
		return apperrors.Conflict("kernel is destroyed")
	}
	k.kernelID, k.conn, k.readDone = model.ID, conn, done
	k.mu.Unlock()

	go k.readPump(conn, done)

	k.state.Set(kernel.StateIdle)
	k.logger.Info("gateway kernel started", zap.String("kernel_id", model.ID))
	return nil
}

// readPump dispatches messages in arrival order until the socket closes.
func (k *Kernel) readPump(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	ctx := context.Background()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				k.logger.Warn("gateway channels closed", zap.Error(err))
			}
			return
		}

		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			k.logger.Warn("dropping undecodable gateway message", zap.Error(err))
			continue
		}
		if err := k.dispatcher.Dispatch(ctx, msg.Channel, &msg); err != nil {
			k.logger.Error("failed to handle message",
				zap.String("channel", string(msg.Channel)),
				zap.String("msg_type", msg.Header.MsgType),
				zap.Error(err))
		}
	}
}

func (k *Kernel) send(ch protocol.Channel, msg *protocol.Message) error {
	k.mu.Lock()
	conn := k.conn
	k.mu.Unlock()
	if conn == nil {
		return apperrors.Conflict("kernel is not connected")
	}

	msg.Channel = ch
	msg.Header.Session = k.sessionID
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Header.MsgType, err)
	}

	k.writeMu.Lock()
	defer k.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (k *Kernel) sendInputReply(parent protocol.Header, value string) error {
	msg := protocol.NewMessage(protocol.MsgInputReply, "input_reply_"+uuid.New().String(), protocol.InputReply(value))
	msg.ParentHeader = parent
	return k.send(protocol.ChannelStdin, msg)
}

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

func (k *Kernel) Execute(ctx context.Context, code string, h protocol.Handler) (string, error) {
	return k.request(ctx, tracker.KindExecute, protocol.MsgExecuteRequest, protocol.ExecuteRequest(code), h)
}

func (k *Kernel) ExecuteWatch(ctx context.Context, code string, h protocol.Handler) (string, error) {
	return k.request(ctx, tracker.KindWatch, protocol.MsgExecuteRequest, protocol.ExecuteRequest(code), h)
}

func (k *Kernel) Complete(ctx context.Context, code string, h protocol.Handler) (string, error) {
	return k.request(ctx, tracker.KindComplete, protocol.MsgCompleteRequest, protocol.CompleteRequest(code), h)
}

func (k *Kernel) Inspect(ctx context.Context, code string, cursorPos int, h protocol.Handler) (string, error) {
	return k.request(ctx, tracker.KindInspect, protocol.MsgInspectRequest, protocol.InspectRequest(code, cursorPos), h)
}

func (k *Kernel) Forget(id string) {
	k.tracker.Remove(id)
}

// Interrupt asks the gateway to interrupt the kernel.
func (k *Kernel) Interrupt(ctx context.Context) (err error) {
	id := k.KernelID()
	if id == "" {
		return apperrors.Conflict("kernel is not started")
	}
	_, span := tracing.TraceKernelLifecycle(ctx, k.Language(), "interrupt")
	defer func() {
		tracing.TraceResult(span, err)
		span.End()
	}()
	return k.opts.Client.InterruptKernel(ctx, id)
}

// Restart asks the gateway to restart the kernel. The websocket survives
// the restart, so no channel is reopened. Requests in flight are abandoned.
func (k *Kernel) Restart(ctx context.Context) (ok bool, err error) {
	id := k.KernelID()
	if id == "" {
		return false, apperrors.Capability("kernel is not started")
	}
	if !k.state.BeginRestart() {
		return false, nil
	}

	ctx, span := tracing.TraceKernelLifecycle(ctx, k.Language(), "restart")
	defer func() {
		tracing.TraceResult(span, err)
		span.End()
	}()

	if n := k.tracker.Clear(); n > 0 {
		k.logger.Debug("abandoned requests on restart", zap.Int("count", n))
	}
	err = k.opts.Client.RestartKernel(ctx, id)
	k.state.EndRestart(err)
	if err != nil {
		return false, err
	}
	return true, nil
}

// Shutdown sends shutdown_request without waiting for the reply.
func (k *Kernel) Shutdown(restart bool) error {
	msg := protocol.NewMessage(protocol.MsgShutdownRequest, "shutdown_request_"+uuid.New().String(), protocol.ShutdownRequest(restart))
	if err := k.send(protocol.ChannelShell, msg); err != nil {
		return fmt.Errorf("send shutdown_request: %w", err)
	}
	return nil
}

func (k *Kernel) deleteKernel(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := k.opts.Client.DeleteKernel(ctx, id); err != nil {
		k.logger.Warn("failed to delete gateway kernel", zap.String("kernel_id", id), zap.Error(err))
	}
}

// Destroy closes the channels and deletes the kernel on the gateway.
// Pending handlers are dropped without being called. Safe to call twice.
func (k *Kernel) Destroy() {
	k.destroyOnce.Do(func() {
		_, span := tracing.TraceKernelLifecycle(context.Background(), k.Language(), "destroy")
		defer span.End()

		if err := k.Shutdown(false); err != nil {
			k.logger.Debug("shutdown on destroy failed", zap.Error(err))
		}

		k.mu.Lock()
		conn, id, done := k.conn, k.kernelID, k.readDone
		k.conn = nil
		k.isDestroyed = true
		k.mu.Unlock()

		if conn != nil {
			k.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			k.writeMu.Unlock()
			_ = conn.Close()
			<-done
		}
		if id != "" {
			k.deleteKernel(id)
		}
		if n := k.tracker.Clear(); n > 0 {
			k.logger.Debug("abandoned requests on destroy", zap.Int("count", n))
		}

		k.state.Set(kernel.StateDestroyed)
		k.logger.Info("gateway kernel destroyed")
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
