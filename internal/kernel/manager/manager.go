// Package manager owns the running kernels, one per language, and
// publishes their lifecycle on the event bus.
package manager

import (
	"context"
	"errors"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/t9md/hydrogen/internal/common/config"
	apperrors "github.com/t9md/hydrogen/internal/common/errors"
	"github.com/t9md/hydrogen/internal/common/logger"
	"github.com/t9md/hydrogen/internal/events"
	"github.com/t9md/hydrogen/internal/events/bus"
	"github.com/t9md/hydrogen/internal/kernel"
	"github.com/t9md/hydrogen/internal/kernel/kernelspec"
	"github.com/t9md/hydrogen/internal/kernel/watches"
	"github.com/t9md/hydrogen/internal/tracing"
)

// ErrClosed is returned by Start and Attach after Close.
var ErrClosed = errors.New("kernel manager is closed")

const (
	defaultConnectTimeout = 30 * time.Second
	// startGrace covers the launch and startup code around the connect wait.
	startGrace = 10 * time.Second
)

// SpecResolver finds the kernel spec serving an editor language.
type SpecResolver interface {
	ForLanguage(language string) (kernelspec.Spec, error)
}

// Options configure a Manager.
type Options struct {
	Config  config.KernelConfig
	Specs   SpecResolver
	Factory Factory
	// Bus receives lifecycle events. Nil disables publishing.
	Bus    bus.EventBus
	Logger *logger.Logger
}

// Info describes a running kernel.
type Info struct {
	Language    string                `json:"language"`
	DisplayName string                `json:"display_name"`
	KernelName  string                `json:"kernel_name"`
	State       kernel.ExecutionState `json:"state"`
}

// InfoFor describes k as registered under language.
func InfoFor(language string, k kernel.Kernel) Info {
	return Info{
		Language:    LanguageKey(language),
		DisplayName: k.DisplayName(),
		KernelName:  k.Spec().Name,
		State:       k.ExecutionState(),
	}
}

type entry struct {
	kernel  kernel.Kernel
	watches *watches.Set
	unsubs  []func()
}

// Manager is the language -> kernel table.
type Manager struct {
	opts   Options
	logger *logger.Logger

	startGroup singleflight.Group

	mu      sync.RWMutex
	kernels map[string]*entry
	closed  bool
}

// New creates an empty manager.
func New(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = logger.Default()
	}
	return &Manager{
		opts:    opts,
		logger:  opts.Logger.WithFields(zap.String("component", "kernel-manager")),
		kernels: make(map[string]*entry),
	}
}

// LanguageKey normalizes language into the table key, which is also the
// last token of the kernel's event subjects.
func LanguageKey(language string) string {
	return strings.ToLower(strings.TrimSpace(language))
}

// Start returns the kernel for language, launching it first if needed.
// Concurrent calls for one language share a single launch.
func (m *Manager) Start(ctx context.Context, language, cwd string) (kernel.Kernel, error) {
	key := LanguageKey(language)
	if key == "" {
		return nil, apperrors.BadRequest("language is required")
	}
	if k, ok := m.lookup(key); ok {
		return k, nil
	}

	v, err, _ := m.startGroup.Do(key, func() (interface{}, error) {
		if k, ok := m.lookup(key); ok {
			return k, nil
		}
		spec, err := m.opts.Specs.ForLanguage(key)
		if err != nil {
			return nil, err
		}
		startCtx, cancel := m.startContext(ctx)
		defer cancel()
		return m.startKernel(startCtx, key, m.opts.Factory.Launch(spec, m.workingDir(cwd)))
	})
	if err != nil {
		return nil, err
	}
	return v.(kernel.Kernel), nil
}

// Attach binds language to the kernel behind connectionFile. Without a
// matching spec the session is named after the language.
func (m *Manager) Attach(ctx context.Context, language, connectionFile string) (kernel.Kernel, error) {
	key := LanguageKey(language)
	if key == "" || connectionFile == "" {
		return nil, apperrors.BadRequest("language and connection_file are required")
	}

	v, err, _ := m.startGroup.Do("attach:"+key, func() (interface{}, error) {
		if _, ok := m.lookup(key); ok {
			return nil, alreadyRunning(key)
		}
		spec, err := m.opts.Specs.ForLanguage(key)
		if err != nil {
			if !apperrors.IsNotFound(err) {
				return nil, err
			}
			spec = kernelspec.Spec{Name: key, Language: key, DisplayName: language}
		}
		k, err := m.opts.Factory.Attach(spec, connectionFile)
		if err != nil {
			return nil, err
		}
		startCtx, cancel := m.startContext(ctx)
		defer cancel()
		return m.startKernel(startCtx, key, k)
	})
	if err != nil {
		return nil, err
	}
	return v.(kernel.Kernel), nil
}

// startContext detaches a shared start from the caller that happened to
// run it, so other callers waiting on it are not cancelled with it.
func (m *Manager) startContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := m.opts.Config.ConnectTimeoutDuration()
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	return context.WithTimeout(context.WithoutCancel(ctx), timeout+startGrace)
}

func (m *Manager) startKernel(ctx context.Context, key string, k kernel.Kernel) (_ kernel.Kernel, err error) {
	ctx, span := tracing.TraceKernelLifecycle(ctx, key, "manager_start")
	defer func() {
		tracing.TraceResult(span, err)
		span.End()
	}()

	if err := k.Start(ctx); err != nil {
		k.Destroy()
		return nil, err
	}
	if err := m.register(key, k); err != nil {
		k.Destroy()
		return nil, err
	}

	m.logger.Info("kernel started",
		zap.String("language", key),
		zap.String("display_name", k.DisplayName()))
	m.publish(events.KernelStarted, key, k, k.ExecutionState())
	m.runStartupCode(ctx, k)
	return k, nil
}

func (m *Manager) register(key string, k kernel.Kernel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.kernels[key]; ok {
		return alreadyRunning(key)
	}

	e := &entry{kernel: k, watches: watches.New(k, m.logger.WithKernel(key))}
	e.unsubs = append(e.unsubs,
		k.OnStateChange(func(s kernel.ExecutionState) {
			m.publish(events.KernelStateChanged, key, k, s)
		}),
		k.OnDestroyed(func() {
			m.remove(key, k)
		}),
	)
	m.kernels[key] = e
	return nil
}

func alreadyRunning(key string) error {
	return apperrors.Conflict("a kernel for " + key + " is already running")
}

// remove drops k's entry once k is destroyed. A newer kernel registered
// under the same language is left alone.
func (m *Manager) remove(key string, k kernel.Kernel) {
	m.mu.Lock()
	e, ok := m.kernels[key]
	if !ok || e.kernel != k {
		m.mu.Unlock()
		return
	}
	delete(m.kernels, key)
	m.mu.Unlock()

	e.watches.Close()
	for _, unsub := range e.unsubs {
		unsub()
	}
	m.logger.Info("kernel destroyed", zap.String("language", key))
	m.publish(events.KernelDestroyed, key, k, kernel.StateDestroyed)
}

// runStartupCode executes the configured startup code without waiting for
// its results.
func (m *Manager) runStartupCode(ctx context.Context, k kernel.Kernel) {
	code := m.startupCode(k.DisplayName())
	if strings.TrimSpace(code) == "" {
		return
	}
	if _, err := k.Execute(ctx, code+" \n", nil); err != nil {
		m.logger.Warn("failed to run startup code",
			zap.String("display_name", k.DisplayName()),
			zap.Error(err))
	}
}

// startupCode looks up code by display name. Config keys are lowercased on
// load, so both forms are tried.
func (m *Manager) startupCode(displayName string) string {
	if code, ok := m.opts.Config.StartupCode[displayName]; ok {
		return code
	}
	return m.opts.Config.StartupCode[strings.ToLower(displayName)]
}

func (m *Manager) workingDir(cwd string) string {
	if cwd != "" {
		return cwd
	}
	if m.opts.Config.StartDir != "" {
		return m.opts.Config.StartDir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home
}

func (m *Manager) lookup(key string) (kernel.Kernel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.kernels[key]
	if !ok {
		return nil, false
	}
	return e.kernel, true
}

// Get returns the running kernel for language.
func (m *Manager) Get(language string) (kernel.Kernel, error) {
	k, ok := m.lookup(LanguageKey(language))
	if !ok {
		return nil, apperrors.NotFound("kernel", language)
	}
	return k, nil
}

// Watches returns the watch list of the kernel for language.
func (m *Manager) Watches(language string) (*watches.Set, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.kernels[LanguageKey(language)]
	if !ok {
		return nil, apperrors.NotFound("kernel", language)
	}
	return e.watches, nil
}

// List describes every running kernel, sorted by language.
func (m *Manager) List() []Info {
	m.mu.RLock()
	out := make([]Info, 0, len(m.kernels))
	for key, e := range m.kernels {
		out = append(out, InfoFor(key, e.kernel))
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Language < out[j].Language })
	return out
}

// Interrupt interrupts the kernel for language.
func (m *Manager) Interrupt(ctx context.Context, language string) error {
	k, err := m.Get(language)
	if err != nil {
		return err
	}
	return k.Interrupt(ctx)
}

// Restart restarts the kernel for language. It reports false when a
// restart was already running.
func (m *Manager) Restart(ctx context.Context, language string) (bool, error) {
	k, err := m.Get(language)
	if err != nil {
		return false, err
	}

	ctx, span := tracing.TraceKernelLifecycle(ctx, k.Language(), "manager_restart")
	ok, err := k.Restart(ctx)
	tracing.TraceResult(span, err)
	span.End()

	if err != nil || !ok {
		return ok, err
	}
	m.publish(events.KernelRestarted, LanguageKey(language), k, k.ExecutionState())
	return true, nil
}

// Destroy tears down the kernel for language and forgets it.
func (m *Manager) Destroy(language string) error {
	k, err := m.Get(language)
	if err != nil {
		return err
	}
	k.Destroy()
	return nil
}

// Close destroys every kernel. Later starts fail with ErrClosed.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	all := make([]kernel.Kernel, 0, len(m.kernels))
	for _, e := range m.kernels {
		all = append(all, e.kernel)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, k := range all {
		wg.Add(1)
		go func(k kernel.Kernel) {
			defer wg.Done()
			k.Destroy()
		}(k)
	}
	wg.Wait()
}

func (m *Manager) publish(eventType, key string, k kernel.Kernel, state kernel.ExecutionState) {
	if m.opts.Bus == nil {
		return
	}
	event := bus.NewEvent(eventType, events.Source, events.KernelEventData(key, k.DisplayName(), string(state)))
	if err := m.opts.Bus.Publish(context.Background(), events.BuildKernelSubject(eventType, key), event); err != nil {
		m.logger.Warn("failed to publish kernel event",
			zap.String("event_type", eventType),
			zap.String("language", key),
			zap.Error(err))
	}
}
