package kernel

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNoPrompter is returned when nobody is available to answer an input request.
var ErrNoPrompter = errors.New("no prompter for input request")

// PromptRequest is a kernel's request for a line of user input.
type PromptRequest struct {
	Language string `json:"language"`
	// RequestID is the execute request that asked for input.
	RequestID string `json:"request_id"`
	Prompt    string `json:"prompt"`
	Password  bool   `json:"password"`
}

// Prompter answers kernel input requests.
type Prompter interface {
	Prompt(ctx context.Context, req PromptRequest) (string, error)
}

// PromptFunc adapts a function to Prompter.
type PromptFunc func(ctx context.Context, req PromptRequest) (string, error)

// Prompt calls f.
func (f PromptFunc) Prompt(ctx context.Context, req PromptRequest) (string, error) {
	return f(ctx, req)
}

// PromptBroker routes input requests to the prompter registered for the
// execute request that raised them.
type PromptBroker struct {
	mu       sync.Mutex
	routes   map[string]Prompter
	waiting  map[string]chan struct{}
	fallback Prompter
	grace    time.Duration
}

// NewPromptBroker creates a broker. grace bounds how long a prompt waits for
// its route, since the caller registers only after the request is sent.
func NewPromptBroker(fallback Prompter, grace time.Duration) *PromptBroker {
	return &PromptBroker{
		routes:   make(map[string]Prompter),
		waiting:  make(map[string]chan struct{}),
		fallback: fallback,
		grace:    grace,
	}
}

// Register routes prompts for requestID to p until the returned func is called.
func (b *PromptBroker) Register(requestID string, p Prompter) func() {
	b.mu.Lock()
	b.routes[requestID] = p
	if ch, ok := b.waiting[requestID]; ok {
		close(ch)
		delete(b.waiting, requestID)
	}
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.routes, requestID)
		b.mu.Unlock()
	}
}

// Prompt implements Prompter.
func (b *PromptBroker) Prompt(ctx context.Context, req PromptRequest) (string, error) {
	p, err := b.route(ctx, req.RequestID)
	if err != nil {
		return "", err
	}
	return p.Prompt(ctx, req)
}

func (b *PromptBroker) route(ctx context.Context, requestID string) (Prompter, error) {
	b.mu.Lock()
	if p, ok := b.routes[requestID]; ok {
		b.mu.Unlock()
		return p, nil
	}
	ch, ok := b.waiting[requestID]
	if !ok {
		ch = make(chan struct{})
		b.waiting[requestID] = ch
	}
	b.mu.Unlock()

	timer := time.NewTimer(b.grace)
	defer timer.Stop()

	select {
	case <-ch:
	case <-timer.C:
	case <-ctx.Done():
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.waiting[requestID] == ch {
		delete(b.waiting, requestID)
	}
	if p, ok := b.routes[requestID]; ok {
		return p, nil
	}
	if b.fallback != nil {
		return b.fallback, nil
	}
	return nil, ErrNoPrompter
}
