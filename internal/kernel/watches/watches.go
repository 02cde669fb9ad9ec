// Package watches keeps a list of watch expressions for one kernel and
// re-runs them each time an ordinary execution finishes.
package watches

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	apperrors "github.com/t9md/hydrogen/internal/common/errors"
	"github.com/t9md/hydrogen/internal/common/logger"
	"github.com/t9md/hydrogen/internal/kernel/outputs"
	"github.com/t9md/hydrogen/internal/kernel/tracker"
	"github.com/t9md/hydrogen/pkg/jupyter/protocol"
)

// Runner is the part of kernel.Kernel a Set needs.
type Runner interface {
	ExecuteWatch(ctx context.Context, code string, h protocol.Handler) (string, error)
	AddWatchCallback(fn func(tracker.Trigger)) func()
}

// Watch is one expression and the output of its latest run.
type Watch struct {
	Code  string
	store *outputs.Store
}

// View is a snapshot of a watch.
type View struct {
	Index  int              `json:"index"`
	Code   string           `json:"code"`
	Output outputs.Snapshot `json:"output"`
}

// Set is the ordered watch list of one kernel.
type Set struct {
	runner Runner
	logger *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	remove func()

	mu      sync.Mutex
	watches []*Watch
	closed  bool
}

// New creates an empty set and subscribes it to r's watch callbacks.
func New(r Runner, log *logger.Logger) *Set {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Set{
		runner: r,
		logger: log.WithFields(zap.String("component", "watches")),
		ctx:    ctx,
		cancel: cancel,
	}
	s.remove = r.AddWatchCallback(s.onTrigger)
	return s
}

// onTrigger runs on the kernel's receive loop, so the re-run happens on
// its own goroutine. Watch executions themselves never trigger a re-run.
func (s *Set) onTrigger(t tracker.Trigger) {
	if t.Kind != tracker.KindExecute {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		s.Run(s.ctx)
	}()
}

// Add sets code on the trailing blank watch, or appends a new watch, and
// runs it when code is not blank. It returns the watch's index.
func (s *Set) Add(ctx context.Context, code string) int {
	s.mu.Lock()
	var w *Watch
	idx := len(s.watches) - 1
	if idx >= 0 && isBlank(s.watches[idx].Code) {
		w = s.watches[idx]
	} else {
		w = &Watch{store: outputs.NewStore()}
		s.watches = append(s.watches, w)
		idx = len(s.watches) - 1
	}
	w.Code = code
	s.mu.Unlock()

	s.run(ctx, w)
	return idx
}

// Remove deletes the watch at index.
func (s *Set) Remove(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.watches) {
		return apperrors.NotFound("watch", strconv.Itoa(index))
	}
	s.watches = append(s.watches[:index], s.watches[index+1:]...)
	return nil
}

// List returns every watch with its latest output.
func (s *Set) List() []View {
	s.mu.Lock()
	defer s.mu.Unlock()
	views := make([]View, len(s.watches))
	for i, w := range s.watches {
		views[i] = View{Index: i, Code: w.Code, Output: w.store.Snapshot()}
	}
	return views
}

// Run re-runs every non-blank watch, each into a fresh output store.
func (s *Set) Run(ctx context.Context) {
	s.mu.Lock()
	snapshot := append([]*Watch(nil), s.watches...)
	s.mu.Unlock()

	for _, w := range snapshot {
		s.run(ctx, w)
	}
}

func (s *Set) run(ctx context.Context, w *Watch) {
	s.mu.Lock()
	code := w.Code
	if isBlank(code) {
		s.mu.Unlock()
		return
	}
	store := outputs.NewStore()
	w.store = store
	s.mu.Unlock()

	if _, err := s.runner.ExecuteWatch(ctx, code, store.Append); err != nil {
		s.logger.Warn("failed to run watch", zap.String("code", code), zap.Error(err))
	}
}

// Close unsubscribes from the kernel and waits for runs in progress.
func (s *Set) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.remove()
	s.cancel()
	s.wg.Wait()
}

func isBlank(code string) bool {
	return strings.TrimSpace(code) == ""
}
