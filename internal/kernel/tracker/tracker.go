// Package tracker correlates outbound kernel requests with the replies and
// broadcasts that answer them.
package tracker

import (
	"sync"

	"github.com/google/uuid"

	"github.com/t9md/hydrogen/pkg/jupyter/protocol"
)

// Kind tags what a request is for. Execute and Watch requests receive many
// results; every other kind receives exactly one reply.
type Kind string

const (
	KindExecute  Kind = "execute"
	KindWatch    Kind = "watch"
	KindComplete Kind = "complete"
	KindInspect  Kind = "inspect"
)

// MultiReply reports whether requests of this kind stay registered until
// the kernel reports idle for them.
func (k Kind) MultiReply() bool {
	return k == KindExecute || k == KindWatch
}

// Request is a registered in-flight request.
type Request struct {
	ID      string
	Kind    Kind
	MsgType string
	Handler protocol.Handler

	replied bool
	idle    bool
}

// Deliver invokes the handler, if any.
func (r Request) Deliver(res protocol.Result) {
	if r.Handler != nil {
		r.Handler(res)
	}
}

// NewRequestID returns a fresh id for msgType. Watch requests use their own
// "watch_" namespace.
func NewRequestID(kind Kind, msgType string) string {
	if kind == KindWatch {
		return "watch_" + uuid.New().String()
	}
	return msgType + "_" + uuid.New().String()
}

// Tracker maps request ids to handlers. It is safe for concurrent use by
// the per-channel receive loops and the public kernel methods.
type Tracker struct {
	mu      sync.Mutex
	pending map[string]*Request
}

// New creates an empty tracker.
func New() *Tracker {
	return &Tracker{pending: make(map[string]*Request)}
}

// Register records a request under a fresh id and returns it. A nil handler
// is allowed; the request is still tracked so its kind is known when the
// kernel reports on it.
func (t *Tracker) Register(kind Kind, msgType string, h protocol.Handler) Request {
	req := &Request{
		ID:      NewRequestID(kind, msgType),
		Kind:    kind,
		MsgType: msgType,
		Handler: h,
	}
	t.mu.Lock()
	t.pending[req.ID] = req
	t.mu.Unlock()
	return *req
}

// Lookup returns the request registered under id.
func (t *Tracker) Lookup(id string) (Request, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	req, ok := t.pending[id]
	if !ok {
		return Request{}, false
	}
	return *req, true
}

// Reply records the shell reply for id. Single-reply requests are evicted
// immediately; multi-reply requests once idle has also been seen.
func (t *Tracker) Reply(id string) (Request, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	req, ok := t.pending[id]
	if !ok {
		return Request{}, false
	}
	req.replied = true
	if !req.Kind.MultiReply() || req.idle {
		delete(t.pending, id)
	}
	return *req, true
}

// Idle records the idle status broadcast for id. Multi-reply requests are
// evicted once their shell reply has also been seen.
func (t *Tracker) Idle(id string) (Request, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	req, ok := t.pending[id]
	if !ok {
		return Request{}, false
	}
	req.idle = true
	if req.Kind.MultiReply() && req.replied {
		delete(t.pending, id)
	}
	return *req, true
}

// Remove drops id without invoking its handler.
func (t *Tracker) Remove(id string) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

// Clear abandons every pending request without invoking handlers and
// returns how many there were.
func (t *Tracker) Clear() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.pending)
	t.pending = make(map[string]*Request)
	return n
}

// Len returns the number of pending requests.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
