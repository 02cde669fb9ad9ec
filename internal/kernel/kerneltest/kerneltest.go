// Package kerneltest provides an in-memory kernel.Kernel and factory for
// tests of the layers above a kernel session.
package kerneltest

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	apperrors "github.com/t9md/hydrogen/internal/common/errors"
	"github.com/t9md/hydrogen/internal/kernel"
	"github.com/t9md/hydrogen/internal/kernel/kernelspec"
	"github.com/t9md/hydrogen/internal/kernel/tracker"
	"github.com/t9md/hydrogen/pkg/jupyter/protocol"
)

// Kernel is a scripted kernel session. Start moves it to idle; requests
// succeed without a process behind them.
type Kernel struct {
	SpecValue      kernelspec.Spec
	Cwd            string
	ConnectionFile string

	State    *kernel.StateMachine
	Watchers *tracker.Watchers

	// StartGate, when set, holds Start until closed.
	StartGate  chan struct{}
	StartErr   error
	RestartErr error

	// OnExecute runs for every Execute after the id is assigned. Without it
	// the execution goes idle immediately.
	OnExecute func(id, code string, h protocol.Handler)

	// SilentReplies leaves Complete and Inspect unanswered.
	SilentReplies bool

	starts     atomic.Int32
	destroys   atomic.Int32
	interrupts atomic.Int32
	destroyed  *kernel.Listeners[struct{}]

	mu        sync.Mutex
	executed  []string
	forgotten []string
}

var _ kernel.Kernel = (*Kernel)(nil)

// New creates an unstarted kernel for spec.
func New(spec kernelspec.Spec) *Kernel {
	return &Kernel{
		SpecValue: spec,
		State:     kernel.NewStateMachine(),
		Watchers:  tracker.NewWatchers(),
		destroyed: kernel.NewListeners[struct{}](),
	}
}

func (k *Kernel) Start(ctx context.Context) error {
	k.starts.Add(1)
	if k.StartGate != nil {
		select {
		case <-k.StartGate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if k.StartErr != nil {
		return k.StartErr
	}
	k.State.Set(kernel.StateIdle)
	return nil
}

func (k *Kernel) Language() string                      { return k.SpecValue.LanguageKey() }
func (k *Kernel) DisplayName() string                   { return k.SpecValue.DisplayName }
func (k *Kernel) Spec() kernelspec.Spec                 { return k.SpecValue }
func (k *Kernel) ExecutionState() kernel.ExecutionState { return k.State.State() }

func (k *Kernel) Execute(ctx context.Context, code string, h protocol.Handler) (string, error) {
	if err := k.State.AwaitReady(ctx); err != nil {
		return "", err
	}
	k.mu.Lock()
	k.executed = append(k.executed, code)
	k.mu.Unlock()

	id := protocol.MsgExecuteRequest + "_" + uuid.New().String()
	if k.OnExecute != nil {
		k.OnExecute(id, code, h)
	} else if h != nil {
		h(protocol.StatusResult("ok"))
		h(protocol.StatusResult(protocol.StateIdle))
	}
	return id, nil
}

// ExecuteWatch answers with one stdout stream echoing code, then idle.
func (k *Kernel) ExecuteWatch(ctx context.Context, code string, h protocol.Handler) (string, error) {
	if err := k.State.AwaitReady(ctx); err != nil {
		return "", err
	}
	h(protocol.Result{Kind: protocol.KindStream, Content: map[string]interface{}{
		"output_type": "stream", "name": "stdout", "text": code,
	}})
	h(protocol.StatusResult(protocol.StateIdle))
	return "watch_" + uuid.New().String(), nil
}

// Complete offers code + "_done" as the only match.
func (k *Kernel) Complete(_ context.Context, code string, h protocol.Handler) (string, error) {
	if err := k.State.Ready(); err != nil {
		return "", err
	}
	id := protocol.MsgCompleteRequest + "_" + uuid.New().String()
	if k.SilentReplies {
		return id, nil
	}
	h(protocol.Result{Kind: protocol.KindCompletion, Content: map[string]interface{}{
		"status": "ok", "matches": []interface{}{code + "_done"},
		"cursor_start": 0, "cursor_end": len(code),
	}})
	return id, nil
}

// Inspect finds nothing.
func (k *Kernel) Inspect(_ context.Context, _ string, _ int, h protocol.Handler) (string, error) {
	if err := k.State.Ready(); err != nil {
		return "", err
	}
	id := protocol.MsgInspectRequest + "_" + uuid.New().String()
	if k.SilentReplies {
		return id, nil
	}
	h(protocol.Result{Kind: protocol.KindInspection, Data: map[string]interface{}{}, Found: false})
	return id, nil
}

func (k *Kernel) Forget(id string) {
	k.mu.Lock()
	k.forgotten = append(k.forgotten, id)
	k.mu.Unlock()
}

// Forgotten returns every id passed to Forget.
func (k *Kernel) Forgotten() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]string(nil), k.forgotten...)
}

func (k *Kernel) Interrupt(context.Context) error {
	k.interrupts.Add(1)
	return nil
}

func (k *Kernel) Restart(context.Context) (bool, error) {
	if !k.State.BeginRestart() {
		return false, nil
	}
	k.State.EndRestart(k.RestartErr)
	return k.RestartErr == nil, k.RestartErr
}

func (k *Kernel) Shutdown(bool) error { return nil }

func (k *Kernel) Destroy() {
	if k.destroys.Add(1) != 1 {
		return
	}
	k.State.Set(kernel.StateDestroyed)
	k.destroyed.Notify(struct{}{})
}

func (k *Kernel) AddWatchCallback(fn func(tracker.Trigger)) func() { return k.Watchers.Add(fn) }

func (k *Kernel) OnStateChange(fn func(kernel.ExecutionState)) func() {
	return k.State.OnChange(fn)
}

func (k *Kernel) OnDestroyed(fn func()) func() {
	return k.destroyed.Add(func(struct{}) { fn() })
}

// Starts counts Start calls.
func (k *Kernel) Starts() int { return int(k.starts.Load()) }

// Destroys counts Destroy calls.
func (k *Kernel) Destroys() int { return int(k.destroys.Load()) }

// Interrupts counts Interrupt calls.
func (k *Kernel) Interrupts() int { return int(k.interrupts.Load()) }

// Executions returns the code of every Execute call.
func (k *Kernel) Executions() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]string(nil), k.executed...)
}

// Factory builds Kernels and remembers them.
type Factory struct {
	// Prepare adjusts each kernel before it is handed out.
	Prepare func(*Kernel)

	mu    sync.Mutex
	built []*Kernel
}

func (f *Factory) add(k *Kernel) *Kernel {
	f.mu.Lock()
	prepare := f.Prepare
	f.built = append(f.built, k)
	f.mu.Unlock()
	if prepare != nil {
		prepare(k)
	}
	return k
}

// Launch builds a kernel that records cwd.
func (f *Factory) Launch(spec kernelspec.Spec, cwd string) kernel.Kernel {
	k := New(spec)
	k.Cwd = cwd
	return f.add(k)
}

// Attach builds a kernel that records connectionFile.
func (f *Factory) Attach(spec kernelspec.Spec, connectionFile string) (kernel.Kernel, error) {
	k := New(spec)
	k.ConnectionFile = connectionFile
	return f.add(k), nil
}

// SetPrepare replaces the Prepare hook.
func (f *Factory) SetPrepare(fn func(*Kernel)) {
	f.mu.Lock()
	f.Prepare = fn
	f.mu.Unlock()
}

// Kernels returns every kernel built so far.
func (f *Factory) Kernels() []*Kernel {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Kernel(nil), f.built...)
}

// Specs resolves languages from a fixed table.
type Specs map[string]kernelspec.Spec

// ForLanguage looks language up case-sensitively.
func (s Specs) ForLanguage(language string) (kernelspec.Spec, error) {
	spec, ok := s[language]
	if !ok {
		return kernelspec.Spec{}, apperrors.NotFound("kernelspec for language", language)
	}
	return spec, nil
}
