package kernel

import (
	"context"
	"fmt"
	"sync"

	apperrors "github.com/t9md/hydrogen/internal/common/errors"
	"github.com/t9md/hydrogen/pkg/jupyter/protocol"
)

// StateMachine guards a session's ExecutionState and the restart gate.
type StateMachine struct {
	mu          sync.Mutex
	state       ExecutionState
	restartDone chan struct{}

	listeners *Listeners[ExecutionState]
}

// NewStateMachine starts in StateUninitialized.
func NewStateMachine() *StateMachine {
	return &StateMachine{
		state:     StateUninitialized,
		listeners: NewListeners[ExecutionState](),
	}
}

// State returns the current state.
func (m *StateMachine) State() ExecutionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Set moves to s unless the session is destroyed. Listeners run after the
// lock is released.
func (m *StateMachine) Set(s ExecutionState) {
	m.mu.Lock()
	if m.state == StateDestroyed || m.state == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	m.mu.Unlock()
	m.listeners.Notify(s)
}

// SetFromKernel applies a state reported by a status broadcast. Reports
// are only honored while the session is idle or busy.
func (m *StateMachine) SetFromKernel(reported string) {
	var next ExecutionState
	switch reported {
	case protocol.StateIdle:
		next = StateIdle
	case protocol.StateBusy:
		next = StateBusy
	default:
		return
	}

	m.mu.Lock()
	if m.state != StateIdle && m.state != StateBusy || m.state == next {
		m.mu.Unlock()
		return
	}
	m.state = next
	m.mu.Unlock()
	m.listeners.Notify(next)
}

// BeginRestart enters StateRestarting. It reports false if a restart is
// already in flight or the session is gone.
func (m *StateMachine) BeginRestart() bool {
	m.mu.Lock()
	if m.restartDone != nil || m.state == StateDestroyed || m.state == StateUninitialized {
		m.mu.Unlock()
		return false
	}
	m.restartDone = make(chan struct{})
	changed := m.state != StateRestarting
	m.state = StateRestarting
	m.mu.Unlock()
	if changed {
		m.listeners.Notify(StateRestarting)
	}
	return true
}

// EndRestart releases callers waiting on the restart. On success the
// session becomes idle; on failure it stays restarting until a retry.
func (m *StateMachine) EndRestart(err error) {
	m.mu.Lock()
	if m.restartDone != nil {
		close(m.restartDone)
		m.restartDone = nil
	}
	m.mu.Unlock()
	if err == nil {
		m.Set(StateIdle)
	}
}

// Restarting reports whether a restart is in flight.
func (m *StateMachine) Restarting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.restartDone != nil
}

// Ready returns nil when requests can be sent right now.
func (m *StateMachine) Ready() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readyLocked()
}

func (m *StateMachine) readyLocked() error {
	switch m.state {
	case StateIdle, StateBusy:
		return nil
	case StateDestroyed:
		return apperrors.Conflict("kernel is destroyed")
	case StateRestarting:
		if m.restartDone == nil {
			return apperrors.Conflict("kernel restart failed; restart it again")
		}
		return apperrors.Conflict("kernel is restarting")
	default:
		return apperrors.Conflict(fmt.Sprintf("kernel is %s", m.state))
	}
}

// AwaitReady is Ready, except that it waits out an in-flight restart.
func (m *StateMachine) AwaitReady(ctx context.Context) error {
	for {
		m.mu.Lock()
		done := m.restartDone
		if done == nil {
			err := m.readyLocked()
			m.mu.Unlock()
			return err
		}
		m.mu.Unlock()

		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// OnChange registers fn for state transitions.
func (m *StateMachine) OnChange(fn func(ExecutionState)) func() {
	return m.listeners.Add(fn)
}

// Listeners is an ordered callback list that callbacks may mutate.
type Listeners[T any] struct {
	mu   sync.Mutex
	next int
	fns  []entry[T]
}

type entry[T any] struct {
	id int
	fn func(T)
}

// NewListeners creates an empty list.
func NewListeners[T any]() *Listeners[T] {
	return &Listeners[T]{}
}

// Add registers fn and returns its removal func.
func (l *Listeners[T]) Add(fn func(T)) func() {
	l.mu.Lock()
	id := l.next
	l.next++
	l.fns = append(l.fns, entry[T]{id: id, fn: fn})
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		for i, e := range l.fns {
			if e.id == id {
				l.fns = append(l.fns[:i:i], l.fns[i+1:]...)
				return
			}
		}
	}
}

// Notify calls a snapshot of the registered callbacks in order.
func (l *Listeners[T]) Notify(v T) {
	l.mu.Lock()
	fns := make([]func(T), len(l.fns))
	for i, e := range l.fns {
		fns[i] = e.fn
	}
	l.mu.Unlock()
	for _, fn := range fns {
		fn(v)
	}
}
