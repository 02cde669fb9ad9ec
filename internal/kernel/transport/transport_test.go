package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	apperrors "github.com/t9md/hydrogen/internal/common/errors"
	"github.com/t9md/hydrogen/internal/common/logger"
	"github.com/t9md/hydrogen/internal/kernel/supervisor"
	"github.com/t9md/hydrogen/internal/kernel/transport/transporttest"
	"github.com/t9md/hydrogen/pkg/jupyter/protocol"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fixture struct {
	kernel    *transporttest.Kernel
	transport *Transport

	mu         sync.Mutex
	dispatched []protocol.Channel
	messages   chan *protocol.Message
}

func connection() supervisor.ConnectionInfo {
	return supervisor.ConnectionInfo{
		ShellPort: 5001, IOPubPort: 5002, StdinPort: 5003, ControlPort: 5004, HBPort: 5005,
		IP: "127.0.0.1", Key: "secret", Transport: "tcp", SignatureScheme: "hmac-sha256",
	}
}

func newFixture(t *testing.T, held ...protocol.Channel) *fixture {
	t.Helper()
	f := &fixture{
		kernel:   transporttest.NewKernel("secret"),
		messages: make(chan *protocol.Message, 64),
	}
	for _, ch := range held {
		f.kernel.Socket(ch).Hold()
	}

	tr, err := New(Options{
		Language:   "python",
		Connection: connection(),
		Factory: func(_ context.Context, ch protocol.Channel, _ string) Socket {
			return f.kernel.Socket(ch)
		},
		Dispatch: func(_ context.Context, ch protocol.Channel, msg *protocol.Message) error {
			f.mu.Lock()
			f.dispatched = append(f.dispatched, ch)
			f.mu.Unlock()
			f.messages <- msg
			return nil
		},
		Logger:    logger.NewNop(),
		RecvRetry: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	f.transport = tr
	t.Cleanup(func() { _ = tr.Close() })
	return f
}

func TestNew_RequiresFactoryAndDispatch(t *testing.T) {
	_, err := New(Options{Connection: connection()})
	assert.Error(t, err)

	_, err = New(Options{
		Connection: supervisor.ConnectionInfo{IP: "127.0.0.1", Transport: "tcp"},
		Factory: func(context.Context, protocol.Channel, string) Socket {
			return transporttest.NewSocket()
		},
		Dispatch: func(context.Context, protocol.Channel, *protocol.Message) error { return nil },
	})
	assert.Error(t, err)
}

func TestConnect_DialsEveryChannel(t *testing.T) {
	f := newFixture(t)
	f.transport.Connect()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.transport.AwaitReady(ctx, ReadyChannels...))

	assert.Equal(t, "tcp://127.0.0.1:5001", f.kernel.Socket(protocol.ChannelShell).Endpoint())
	assert.Equal(t, "tcp://127.0.0.1:5004", f.kernel.Socket(protocol.ChannelControl).Endpoint())

	topic, ok := f.kernel.Socket(protocol.ChannelIOPub).Option(zmq4.OptionSubscribe)
	require.True(t, ok)
	assert.Equal(t, "", topic)
	_, ok = f.kernel.Socket(protocol.ChannelShell).Option(zmq4.OptionSubscribe)
	assert.False(t, ok)
}

func TestAwaitReady_TimesOutAsConnectError(t *testing.T) {
	f := newFixture(t, protocol.ChannelControl)
	f.transport.Connect()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := f.transport.AwaitReady(ctx, ReadyChannels...)
	require.Error(t, err)
	assert.True(t, apperrors.IsConnect(err))
	assert.Contains(t, err.Error(), "control")

	assert.True(t, f.transport.Ready(protocol.ChannelShell))
	assert.False(t, f.transport.Ready(protocol.ChannelControl))

	f.kernel.Socket(protocol.ChannelControl).Release()
	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	assert.NoError(t, f.transport.AwaitReady(ctx2, protocol.ChannelControl))
}

func TestAwaitReady_StdinDoesNotGate(t *testing.T) {
	f := newFixture(t, protocol.ChannelStdin)
	f.transport.Connect()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.transport.AwaitReady(ctx, ReadyChannels...))
	assert.False(t, f.transport.Ready(protocol.ChannelStdin))
}

func TestRecv_DispatchesVerifiedMessages(t *testing.T) {
	f := newFixture(t)
	f.transport.Connect()

	parent := protocol.Header{MsgID: "execute_request_1", MsgType: protocol.MsgExecuteRequest}
	require.NoError(t, f.kernel.Reply(protocol.ChannelIOPub, parent, protocol.MsgStream,
		map[string]interface{}{"name": "stdout", "text": "hi"}))

	select {
	case got := <-f.messages:
		assert.Equal(t, "hi", got.ContentString("text"))
		assert.Equal(t, "execute_request_1", got.ParentID())
	case <-time.After(time.Second):
		t.Fatal("message not dispatched")
	}

	forged := protocol.NewMessage(protocol.MsgStream, "m2", map[string]interface{}{"text": "evil"})
	frames, err := protocol.Serialize(forged, f.kernel.Signer)
	require.NoError(t, err)
	frames[1] = []byte("00")
	f.kernel.Socket(protocol.ChannelIOPub).Push(frames...)

	select {
	case got := <-f.messages:
		t.Fatalf("forged message dispatched: %v", got.Content)
	case <-time.After(50 * time.Millisecond):
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, []protocol.Channel{protocol.ChannelIOPub}, f.dispatched)
}

func TestRecv_PreservesOrderPerChannel(t *testing.T) {
	f := newFixture(t)
	f.transport.Connect()

	parent := protocol.Header{MsgID: "execute_request_1", MsgType: protocol.MsgExecuteRequest}
	for _, text := range []string{"a", "b", "c", "d"} {
		require.NoError(t, f.kernel.Reply(protocol.ChannelIOPub, parent, protocol.MsgStream,
			map[string]interface{}{"name": "stdout", "text": text}))
	}

	var got []string
	for range 4 {
		select {
		case msg := <-f.messages:
			got = append(got, msg.ContentString("text"))
		case <-time.After(time.Second):
			t.Fatal("message not dispatched")
		}
	}
	assert.Equal(t, []string{"a", "b", "c", "d"}, got)
}

func TestSend_SignsFrames(t *testing.T) {
	f := newFixture(t)
	f.transport.Connect()

	msg := protocol.NewMessage(protocol.MsgExecuteRequest, "execute_request_1", protocol.ExecuteRequest("1+1"))
	require.NoError(t, f.transport.Send(protocol.ChannelShell, msg))

	decoded, err := f.kernel.Next(protocol.ChannelShell, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "execute_request_1", decoded.Header.MsgID)
	assert.Equal(t, "1+1", decoded.ContentString("code"))
}

func TestRearmAndProbe(t *testing.T) {
	f := newFixture(t)
	f.transport.Connect()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.transport.AwaitReady(ctx, ReadyChannels...))

	f.transport.Rearm(ReadyChannels...)
	for _, ch := range ReadyChannels {
		assert.False(t, f.transport.Ready(ch))
	}

	probeDone := make(chan struct{})
	go func() {
		defer close(probeDone)
		f.transport.Probe(ctx, 10*time.Millisecond)
	}()

	for _, ch := range []protocol.Channel{protocol.ChannelShell, protocol.ChannelControl} {
		req, err := f.kernel.NextOfType(ch, protocol.MsgKernelInfoRequest, time.Second)
		require.NoError(t, err)
		require.NoError(t, f.kernel.Reply(ch, req.Header, protocol.MsgKernelInfoReply,
			map[string]interface{}{"status": "ok"}))
		require.NoError(t, f.kernel.Status(req.Header, protocol.StateIdle))
	}

	require.NoError(t, f.transport.AwaitReady(ctx, ReadyChannels...))
	select {
	case <-probeDone:
	case <-time.After(time.Second):
		t.Fatal("probe did not stop")
	}
}

func TestClose_Idempotent(t *testing.T) {
	f := newFixture(t, protocol.ChannelStdin)
	f.transport.Connect()

	require.NoError(t, f.transport.Close())
	require.NoError(t, f.transport.Close())
	for _, ch := range Channels {
		assert.True(t, f.kernel.Socket(ch).Closed(), ch)
	}

	err := f.transport.Send(protocol.ChannelShell, protocol.NewMessage(protocol.MsgExecuteRequest, "x", nil))
	assert.Error(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.Error(t, f.transport.AwaitReady(ctx, protocol.ChannelStdin))
}

func TestIdentityFor(t *testing.T) {
	assert.Equal(t, "dealerabc", identityFor(protocol.ChannelShell, "abc"))
	assert.Equal(t, "dealerabc", identityFor(protocol.ChannelStdin, "abc"))
	assert.Equal(t, "controlabc", identityFor(protocol.ChannelControl, "abc"))
	assert.Equal(t, "subabc", identityFor(protocol.ChannelIOPub, "abc"))
}
