// Package transport owns the four ZeroMQ channels bound to one kernel:
// it dials them, tracks when each is connected, signs and sends outgoing
// messages, and runs one receive loop per channel.
package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/t9md/hydrogen/internal/common/errors"
	"github.com/t9md/hydrogen/internal/common/logger"
	"github.com/t9md/hydrogen/internal/kernel/supervisor"
	"github.com/t9md/hydrogen/pkg/jupyter/protocol"
)

// Channels lists every channel in dial order.
var Channels = []protocol.Channel{
	protocol.ChannelShell,
	protocol.ChannelControl,
	protocol.ChannelStdin,
	protocol.ChannelIOPub,
}

// ReadyChannels are the channels that gate readiness. stdin only carries
// kernel-initiated prompts.
var ReadyChannels = []protocol.Channel{
	protocol.ChannelShell,
	protocol.ChannelControl,
	protocol.ChannelIOPub,
}

// DispatchFunc handles a decoded inbound message. Calls for one channel
// are made sequentially in arrival order.
type DispatchFunc func(ctx context.Context, ch protocol.Channel, msg *protocol.Message) error

// Options configure a Transport.
type Options struct {
	Language   string
	Connection supervisor.ConnectionInfo
	Factory    SocketFactory
	Dispatch   DispatchFunc
	Logger     *logger.Logger
	// RecvRetry is the pause after a receive error.
	RecvRetry time.Duration
}

type channel struct {
	name   protocol.Channel
	socket Socket
	sendMu sync.Mutex

	readyMu sync.Mutex
	ready   chan struct{}
	isReady bool
}

func (c *channel) readyChan() <-chan struct{} {
	c.readyMu.Lock()
	defer c.readyMu.Unlock()
	return c.ready
}

func (c *channel) markReady() bool {
	c.readyMu.Lock()
	defer c.readyMu.Unlock()
	if c.isReady {
		return false
	}
	c.isReady = true
	close(c.ready)
	return true
}

func (c *channel) rearm() {
	c.readyMu.Lock()
	defer c.readyMu.Unlock()
	if c.isReady {
		c.ready = make(chan struct{})
		c.isReady = false
	}
}

func (c *channel) Ready() bool {
	c.readyMu.Lock()
	defer c.readyMu.Unlock()
	return c.isReady
}

// Transport is a connected set of kernel channels.
type Transport struct {
	opts     Options
	signer   *protocol.Signer
	channels map[protocol.Channel]*channel
	logger   *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

// New creates the four sockets. Nothing is dialed until Connect.
func New(opts Options) (*Transport, error) {
	if opts.Factory == nil {
		return nil, fmt.Errorf("transport: socket factory is required")
	}
	if opts.Dispatch == nil {
		return nil, fmt.Errorf("transport: dispatch func is required")
	}
	if opts.Logger == nil {
		opts.Logger = logger.Default()
	}
	if opts.RecvRetry <= 0 {
		opts.RecvRetry = 100 * time.Millisecond
	}
	if err := opts.Connection.Validate(); err != nil {
		return nil, err
	}
	signer, err := protocol.NewSigner(opts.Connection.SignatureScheme, opts.Connection.Key)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		opts:     opts,
		signer:   signer,
		channels: make(map[protocol.Channel]*channel, len(Channels)),
		logger:   opts.Logger.WithFields(zap.String("component", "kernel-transport")),
		ctx:      ctx,
		cancel:   cancel,
	}

	sessionID := uuid.New().String()
	for _, ch := range Channels {
		t.channels[ch] = &channel{
			name:   ch,
			socket: opts.Factory(ctx, ch, identityFor(ch, sessionID)),
			ready:  make(chan struct{}),
		}
	}
	return t, nil
}

func (t *Transport) port(ch protocol.Channel) int {
	c := t.opts.Connection
	switch ch {
	case protocol.ChannelShell:
		return c.ShellPort
	case protocol.ChannelControl:
		return c.ControlPort
	case protocol.ChannelStdin:
		return c.StdinPort
	default:
		return c.IOPubPort
	}
}

// Connect dials every channel in the background. Each channel becomes
// ready once its dial succeeds, and its receive loop starts then.
func (t *Transport) Connect() {
	for _, ch := range Channels {
		c := t.channels[ch]
		if ch == protocol.ChannelIOPub {
			if err := c.socket.SetOption(zmq4.OptionSubscribe, ""); err != nil {
				t.logger.Error("failed to subscribe iopub", zap.Error(err))
			}
		}
		t.wg.Add(1)
		go t.dialAndServe(c)
	}
}

func (t *Transport) dialAndServe(c *channel) {
	defer t.wg.Done()

	log := t.logger.WithChannel(string(c.name))
	endpoint := t.opts.Connection.Endpoint(t.port(c.name))
	if err := c.socket.Dial(endpoint); err != nil {
		if t.ctx.Err() == nil {
			log.Error("failed to connect channel", zap.String("endpoint", endpoint), zap.Error(err))
		}
		return
	}
	if t.ctx.Err() != nil {
		return
	}
	log.Debug("channel connected", zap.String("endpoint", endpoint))
	c.markReady()
	t.recvLoop(c, log)
}

func (t *Transport) recvLoop(c *channel, log *logger.Logger) {
	for {
		raw, err := c.socket.Recv()
		if t.ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Debug("receive failed", zap.Error(err))
			select {
			case <-t.ctx.Done():
				return
			case <-time.After(t.opts.RecvRetry):
			}
			continue
		}

		// any traffic proves the channel is live again after a restart
		c.markReady()

		msg, err := protocol.Deserialize(raw.Frames, t.signer)
		if err != nil {
			log.Warn("dropping undecodable message", zap.Error(err))
			continue
		}
		if err := t.opts.Dispatch(t.ctx, c.name, msg); err != nil {
			log.Error("failed to handle message", zap.String("msg_type", msg.Header.MsgType), zap.Error(err))
		}
	}
}

// AwaitReady blocks until each of channels is ready, or ctx ends.
func (t *Transport) AwaitReady(ctx context.Context, channels ...protocol.Channel) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, ch := range channels {
		ready := t.channels[ch].readyChan()
		name := ch
		g.Go(func() error {
			select {
			case <-ready:
				return nil
			case <-t.ctx.Done():
				return fmt.Errorf("%s channel closed", name)
			case <-gctx.Done():
				return fmt.Errorf("%s channel not connected: %w", name, gctx.Err())
			}
		})
	}
	if err := g.Wait(); err != nil {
		return apperrors.Connect("kernel channels not ready", err)
	}
	return nil
}

// Ready reports whether ch is currently ready.
func (t *Transport) Ready(ch protocol.Channel) bool {
	return t.channels[ch].Ready()
}

// Rearm marks channels as not ready so the next AwaitReady waits for
// fresh traffic on them.
func (t *Transport) Rearm(channels ...protocol.Channel) {
	for _, ch := range channels {
		t.channels[ch].rearm()
	}
}

// Probe sends kernel_info_request on shell and control every interval
// until both are ready again or ctx ends. A kernel answers on both and
// publishes status on iopub, which re-readies every gating channel.
func (t *Transport) Probe(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		pending := false
		for _, ch := range []protocol.Channel{protocol.ChannelShell, protocol.ChannelControl} {
			if t.Ready(ch) {
				continue
			}
			pending = true
			msg := protocol.NewMessage(protocol.MsgKernelInfoRequest, "probe_"+uuid.New().String(), nil)
			if err := t.Send(ch, msg); err != nil {
				t.logger.Debug("probe send failed", zap.String("channel", string(ch)), zap.Error(err))
			}
		}
		if !pending && t.Ready(protocol.ChannelIOPub) {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-t.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Send signs and sends msg on ch. Transport errors are returned as-is.
func (t *Transport) Send(ch protocol.Channel, msg *protocol.Message) error {
	if t.ctx.Err() != nil {
		return fmt.Errorf("transport closed")
	}
	frames, err := protocol.Serialize(msg, t.signer)
	if err != nil {
		return err
	}
	c := t.channels[ch]
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.socket.SendMulti(zmq4.NewMsgFrom(frames...))
}

// Close closes every socket once and waits for the receive loops.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.cancel()
		for _, ch := range Channels {
			if err := t.channels[ch].socket.Close(); err != nil && t.closeErr == nil {
				t.closeErr = err
			}
		}
		t.wg.Wait()
	})
	return t.closeErr
}
