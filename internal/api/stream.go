package api

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	apperrors "github.com/t9md/hydrogen/internal/common/errors"
	"github.com/t9md/hydrogen/internal/common/logger"
	"github.com/t9md/hydrogen/internal/events"
	"github.com/t9md/hydrogen/internal/events/bus"
	"github.com/t9md/hydrogen/internal/kernel"
	"github.com/t9md/hydrogen/internal/kernel/manager"
	"github.com/t9md/hydrogen/pkg/jupyter/protocol"
)

const (
	// Time allowed to write a frame to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong from the peer
	pongWait = 60 * time.Second

	// Send pings with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	maxFrameSize = 1024 * 1024
)

// Client frame types
const (
	FrameExecute    = "execute"
	FrameInputReply = "input_reply"
)

// Server frame types
const (
	FrameResult       = "result"
	FrameInputRequest = "input_request"
	FrameState        = "state"
	FrameError        = "error"
)

var errStreamClosed = errors.New("stream closed")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     checkOrigin,
}

// checkOrigin accepts non-browser clients, localhost pages and same-host
// pages.
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return true
	}
	reqHost := r.Host
	if h, _, ok := strings.Cut(reqHost, ":"); ok && !strings.Contains(reqHost, "]") {
		reqHost = h
	}
	return host == reqHost
}

// ClientFrame is sent by the editor.
type ClientFrame struct {
	Type string `json:"type"`
	// ID is echoed on the frames answering an execute.
	ID        string `json:"id,omitempty"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	Value     string `json:"value,omitempty"`
}

// ServerFrame is sent to the editor.
type ServerFrame struct {
	Type      string           `json:"type"`
	ID        string           `json:"id,omitempty"`
	RequestID string           `json:"request_id,omitempty"`
	Result    *protocol.Result `json:"result,omitempty"`
	Prompt    string           `json:"prompt,omitempty"`
	Password  bool             `json:"password,omitempty"`
	Event     string           `json:"event,omitempty"`
	State     string           `json:"state,omitempty"`
	Error     string           `json:"error,omitempty"`
	Status    int              `json:"status,omitempty"`
}

// wsStream upgrades to a websocket bound to one kernel. Executions sent on
// it stream their results back; input requests they raise are asked on it.
func (h *Handlers) wsStream(c *gin.Context) {
	language := manager.LanguageKey(c.Param("language"))
	k, err := h.manager.Get(language)
	if err != nil {
		h.writeError(c, err, "stream")
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	s := newStream(conn, k, h.prompts, h.logger.WithKernel(language))
	if h.bus != nil {
		sub, err := h.bus.Subscribe(events.BuildKernelLanguageSubject(language), s.onEvent)
		if err != nil {
			h.logger.Warn("failed to subscribe stream to kernel events", zap.Error(err))
		} else {
			defer func() { _ = sub.Unsubscribe() }()
		}
	}
	s.run(c.Request.Context())
}

type stream struct {
	conn    *websocket.Conn
	kernel  kernel.Kernel
	prompts *kernel.PromptBroker
	logger  *logger.Logger

	writeMu sync.Mutex
	done    chan struct{}

	mu     sync.Mutex
	closed bool
	routes map[string]func()
	inputs map[string]chan string
}

func newStream(conn *websocket.Conn, k kernel.Kernel, prompts *kernel.PromptBroker, log *logger.Logger) *stream {
	return &stream{
		conn:    conn,
		kernel:  k,
		prompts: prompts,
		logger:  log.WithFields(zap.String("component", "kernel-stream")),
		done:    make(chan struct{}),
		routes:  make(map[string]func()),
		inputs:  make(map[string]chan string),
	}
}

func (s *stream) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.close()

	s.conn.SetReadLimit(maxFrameSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go s.pingLoop()

	for {
		var frame ClientFrame
		if err := s.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("stream read error", zap.Error(err))
			}
			return
		}
		switch frame.Type {
		case FrameExecute:
			s.execute(ctx, frame)
		case FrameInputReply:
			s.inputReply(frame)
		default:
			s.send(ServerFrame{Type: FrameError, ID: frame.ID, Error: "unknown frame type " + frame.Type, Status: http.StatusBadRequest})
		}
	}
}

func (s *stream) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// execution holds results that arrive before Execute has returned the
// request id.
type execution struct {
	mu      sync.Mutex
	known   bool
	id      string
	pending []protocol.Result
}

// execute sends code to the kernel and streams its results back.
func (s *stream) execute(ctx context.Context, frame ClientFrame) {
	e := &execution{}
	id, err := s.kernel.Execute(ctx, frame.Code, func(res protocol.Result) {
		e.mu.Lock()
		defer e.mu.Unlock()
		if !e.known {
			e.pending = append(e.pending, res)
			return
		}
		if e.id != "" {
			s.deliver(frame.ID, e.id, res)
		}
	})
	if err != nil {
		e.mu.Lock()
		e.known = true
		e.pending = nil
		e.mu.Unlock()
		s.send(ServerFrame{Type: FrameError, ID: frame.ID, Error: err.Error(), Status: apperrors.HTTPStatus(err)})
		return
	}

	if s.prompts != nil {
		s.mu.Lock()
		if !s.closed {
			s.routes[id] = s.prompts.Register(id, kernel.PromptFunc(s.prompt))
		}
		s.mu.Unlock()
	}

	e.mu.Lock()
	e.known = true
	e.id = id
	for _, res := range e.pending {
		s.deliver(frame.ID, id, res)
	}
	e.pending = nil
	e.mu.Unlock()
}

func (s *stream) deliver(frameID, id string, res protocol.Result) {
	s.send(ServerFrame{Type: FrameResult, ID: frameID, RequestID: id, Result: &res})
	if res.IsIdle() {
		s.release(id)
	}
}

// prompt forwards an input request to the editor and waits for its reply.
func (s *stream) prompt(ctx context.Context, req kernel.PromptRequest) (string, error) {
	answer := make(chan string, 1)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", errStreamClosed
	}
	s.inputs[req.RequestID] = answer
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.inputs, req.RequestID)
		s.mu.Unlock()
	}()

	s.send(ServerFrame{Type: FrameInputRequest, RequestID: req.RequestID, Prompt: req.Prompt, Password: req.Password})

	select {
	case v := <-answer:
		return v, nil
	case <-ctx.Done():
		return "", ctx.Err()
	case <-s.done:
		return "", errStreamClosed
	}
}

func (s *stream) inputReply(frame ClientFrame) {
	s.mu.Lock()
	answer, ok := s.inputs[frame.RequestID]
	s.mu.Unlock()
	if !ok {
		s.send(ServerFrame{Type: FrameError, RequestID: frame.RequestID, Error: "no input request pending", Status: http.StatusNotFound})
		return
	}
	select {
	case answer <- frame.Value:
	default:
	}
}

func (s *stream) onEvent(_ context.Context, e *bus.Event) error {
	state, _ := e.Data["state"].(string)
	s.send(ServerFrame{Type: FrameState, Event: e.Type, State: state})
	return nil
}

func (s *stream) release(id string) {
	s.mu.Lock()
	unregister := s.routes[id]
	delete(s.routes, id)
	s.mu.Unlock()
	if unregister != nil {
		unregister()
	}
}

func (s *stream) send(frame ServerFrame) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	select {
	case <-s.done:
		return
	default:
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteJSON(frame); err != nil {
		s.logger.Debug("stream write failed", zap.String("frame", frame.Type), zap.Error(err))
	}
}

func (s *stream) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	routes := s.routes
	s.routes = make(map[string]func())
	s.mu.Unlock()

	s.writeMu.Lock()
	close(s.done)
	s.writeMu.Unlock()

	for _, unregister := range routes {
		unregister()
	}
	_ = s.conn.Close()
}
