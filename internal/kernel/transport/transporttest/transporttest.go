// Package transporttest provides in-memory sockets and a scripted fake
// kernel for testing code built on the transport package.
package transporttest

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"

	"github.com/t9md/hydrogen/pkg/jupyter/protocol"
)

// ErrClosed is returned by a closed Socket.
var ErrClosed = errors.New("transporttest: socket closed")

// Socket is an in-memory transport.Socket. Frames pushed into it are
// returned by Recv; frames sent through it are queued on Sent.
type Socket struct {
	inbox  chan zmq4.Msg
	sent   chan zmq4.Msg
	closed chan struct{}
	once   sync.Once

	mu       sync.Mutex
	gate     chan struct{}
	endpoint string
	options  map[string]interface{}
	dials    int
}

// NewSocket creates an open socket whose Dial succeeds immediately.
func NewSocket() *Socket {
	return &Socket{
		inbox:   make(chan zmq4.Msg, 64),
		sent:    make(chan zmq4.Msg, 64),
		closed:  make(chan struct{}),
		options: map[string]interface{}{},
	}
}

// Hold makes Dial block until Release is called.
func (s *Socket) Hold() {
	s.mu.Lock()
	s.gate = make(chan struct{})
	s.mu.Unlock()
}

// Release unblocks a held Dial.
func (s *Socket) Release() {
	s.mu.Lock()
	if s.gate != nil {
		close(s.gate)
		s.gate = nil
	}
	s.mu.Unlock()
}

func (s *Socket) Dial(endpoint string) error {
	s.mu.Lock()
	s.endpoint = endpoint
	s.dials++
	gate := s.gate
	s.mu.Unlock()
	if gate == nil {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-s.closed:
		return ErrClosed
	}
}

func (s *Socket) SendMulti(msg zmq4.Msg) error {
	select {
	case <-s.closed:
		return ErrClosed
	case s.sent <- msg:
		return nil
	}
}

func (s *Socket) Recv() (zmq4.Msg, error) {
	select {
	case <-s.closed:
		return zmq4.Msg{}, ErrClosed
	case msg := <-s.inbox:
		return msg, nil
	}
}

func (s *Socket) SetOption(name string, value interface{}) error {
	s.mu.Lock()
	s.options[name] = value
	s.mu.Unlock()
	return nil
}

func (s *Socket) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// Endpoint returns the last dialed endpoint.
func (s *Socket) Endpoint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endpoint
}

// Dials returns how many times Dial was called.
func (s *Socket) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

// Option returns a value set through SetOption.
func (s *Socket) Option(name string) (interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.options[name]
	return v, ok
}

// Closed reports whether Close was called.
func (s *Socket) Closed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// Push queues raw frames for Recv.
func (s *Socket) Push(frames ...[]byte) {
	s.inbox <- zmq4.NewMsgFrom(frames...)
}

// Sent returns the next frames sent through the socket.
func (s *Socket) Sent(timeout time.Duration) ([][]byte, error) {
	select {
	case msg := <-s.sent:
		return msg.Frames, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("transporttest: nothing sent within %s", timeout)
	}
}

// Kernel plays the kernel side of the four channels.
type Kernel struct {
	Signer  *protocol.Signer
	sockets map[protocol.Channel]*Socket
}

// NewKernel creates a fake kernel signing with key under hmac-sha256.
func NewKernel(key string) *Kernel {
	signer, err := protocol.NewSigner("hmac-sha256", key)
	if err != nil {
		panic(err)
	}
	k := &Kernel{Signer: signer, sockets: map[protocol.Channel]*Socket{}}
	for _, ch := range []protocol.Channel{
		protocol.ChannelShell, protocol.ChannelControl, protocol.ChannelStdin, protocol.ChannelIOPub,
	} {
		k.sockets[ch] = NewSocket()
	}
	return k
}

// Socket returns the socket for ch.
func (k *Kernel) Socket(ch protocol.Channel) *Socket {
	return k.sockets[ch]
}

// Send delivers msg on ch as if the kernel had sent it.
func (k *Kernel) Send(ch protocol.Channel, msg *protocol.Message) error {
	frames, err := protocol.Serialize(msg, k.Signer)
	if err != nil {
		return err
	}
	k.sockets[ch].Push(frames...)
	return nil
}

// Reply sends msgType on ch with parent as its parent header.
func (k *Kernel) Reply(ch protocol.Channel, parent protocol.Header, msgType string, content map[string]interface{}) error {
	msg := protocol.NewMessage(msgType, fmt.Sprintf("%s-%d", msgType, time.Now().UnixNano()), content)
	msg.ParentHeader = parent
	return k.Send(ch, msg)
}

// Status broadcasts an execution_state for parent on iopub.
func (k *Kernel) Status(parent protocol.Header, state string) error {
	return k.Reply(protocol.ChannelIOPub, parent, protocol.MsgStatus, map[string]interface{}{"execution_state": state})
}

// Next decodes the next message the client sent on ch.
func (k *Kernel) Next(ch protocol.Channel, timeout time.Duration) (*protocol.Message, error) {
	frames, err := k.sockets[ch].Sent(timeout)
	if err != nil {
		return nil, err
	}
	return protocol.Deserialize(frames, k.Signer)
}

// NextOfType skips sent messages until one of msgType arrives on ch.
func (k *Kernel) NextOfType(ch protocol.Channel, msgType string, timeout time.Duration) (*protocol.Message, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("transporttest: no %s on %s within %s", msgType, ch, timeout)
		}
		msg, err := k.Next(ch, remaining)
		if err != nil {
			return nil, err
		}
		if msg.Header.MsgType == msgType {
			return msg, nil
		}
	}
}
