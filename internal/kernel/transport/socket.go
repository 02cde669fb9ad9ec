package transport

import (
	"context"
	"time"

	"github.com/go-zeromq/zmq4"

	"github.com/t9md/hydrogen/pkg/jupyter/protocol"
)

// Socket is the subset of zmq4.Socket the transport uses.
type Socket interface {
	Dial(endpoint string) error
	SendMulti(msg zmq4.Msg) error
	Recv() (zmq4.Msg, error)
	SetOption(name string, value interface{}) error
	Close() error
}

// SocketFactory creates the socket for one channel.
type SocketFactory func(ctx context.Context, ch protocol.Channel, identity string) Socket

// ZMQFactory returns a factory creating DEALER sockets for shell, control
// and stdin and a SUB socket for iopub. Dials retry every retry until the
// socket's context ends.
func ZMQFactory(retry time.Duration) SocketFactory {
	return func(ctx context.Context, ch protocol.Channel, identity string) Socket {
		opts := []zmq4.Option{
			zmq4.WithID(zmq4.SocketIdentity(identity)),
			zmq4.WithDialerRetry(retry),
			zmq4.WithDialerMaxRetries(-1),
			zmq4.WithAutomaticReconnect(true),
		}
		if ch == protocol.ChannelIOPub {
			return zmq4.NewSub(ctx, opts...)
		}
		return zmq4.NewDealer(ctx, opts...)
	}
}

// identityFor names a channel's socket the way Jupyter frontends do:
// "dealer<uuid>" for shell and stdin, "control<uuid>", "sub<uuid>".
func identityFor(ch protocol.Channel, sessionID string) string {
	switch ch {
	case protocol.ChannelControl:
		return "control" + sessionID
	case protocol.ChannelIOPub:
		return "sub" + sessionID
	default:
		return "dealer" + sessionID
	}
}
