package kernelspec

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/t9md/hydrogen/internal/common/config"
	apperrors "github.com/t9md/hydrogen/internal/common/errors"
	"github.com/t9md/hydrogen/internal/common/logger"
)

const (
	refreshDebounce = 300 * time.Millisecond
	remoteTimeout   = 10 * time.Second
)

// Lister fetches specs from a remote kernel host.
type Lister interface {
	KernelSpecs(ctx context.Context) ([]Spec, error)
}

// Registry holds the known kernel specs. Specs declared in config win over
// discovered ones with the same name; earlier directories win over later.
type Registry struct {
	dirs     []string
	inline   map[string]config.KernelSpecConfig
	mappings map[string]string
	remote   Lister
	logger   *logger.Logger

	mu    sync.RWMutex
	specs map[string]Spec
}

// NewRegistry creates a registry for cfg. It is empty until Refresh.
func NewRegistry(cfg config.KernelConfig, log *logger.Logger) *Registry {
	dirs := cfg.SpecDirs
	if len(dirs) == 0 {
		dirs = DefaultDirs()
	}
	mappings := make(map[string]string, len(cfg.LanguageMappings))
	for k, v := range cfg.LanguageMappings {
		mappings[strings.ToLower(k)] = strings.ToLower(v)
	}
	return &Registry{
		dirs:     dirs,
		inline:   cfg.Specs,
		mappings: mappings,
		logger:   log,
		specs:    make(map[string]Spec),
	}
}

// Dirs returns the searched directories.
func (r *Registry) Dirs() []string {
	return append([]string(nil), r.dirs...)
}

// UseRemote makes Refresh load specs from l instead of the local
// directories and config.
func (r *Registry) UseRemote(l Lister) {
	r.mu.Lock()
	r.remote = l
	r.mu.Unlock()
}

// Refresh rescans every directory. Unreadable spec files are logged and
// skipped.
func (r *Registry) Refresh() error {
	r.mu.RLock()
	remote := r.remote
	r.mu.RUnlock()
	if remote != nil {
		return r.refreshRemote(remote)
	}

	specs := make(map[string]Spec)

	for i := len(r.dirs) - 1; i >= 0; i-- {
		entries, err := os.ReadDir(r.dirs[i])
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				r.logger.Warn("cannot read kernelspec dir", zap.String("dir", r.dirs[i]), zap.Error(err))
			}
			continue
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			spec, err := ReadDir(filepath.Join(r.dirs[i], e.Name()))
			if err != nil {
				if !errors.Is(err, fs.ErrNotExist) {
					r.logger.Warn("skipping kernelspec", zap.String("name", e.Name()), zap.Error(err))
				}
				continue
			}
			specs[spec.Name] = spec
		}
	}

	for name, c := range r.inline {
		spec := Spec{
			Name:          name,
			Language:      c.Language,
			DisplayName:   c.DisplayName,
			Argv:          c.Argv,
			Env:           c.Env,
			InterruptMode: c.InterruptMode,
		}
		if spec.DisplayName == "" {
			spec.DisplayName = name
		}
		if err := spec.Validate(); err != nil {
			r.logger.Warn("skipping configured kernelspec", zap.String("name", name), zap.Error(err))
			continue
		}
		specs[name] = spec
	}

	r.mu.Lock()
	r.specs = specs
	r.mu.Unlock()

	r.logger.Debug("kernelspecs refreshed", zap.Int("count", len(specs)))
	return nil
}

func (r *Registry) refreshRemote(l Lister) error {
	ctx, cancel := context.WithTimeout(context.Background(), remoteTimeout)
	defer cancel()

	list, err := l.KernelSpecs(ctx)
	if err != nil {
		return fmt.Errorf("list remote kernelspecs: %w", err)
	}
	specs := make(map[string]Spec, len(list))
	for _, spec := range list {
		specs[spec.Name] = spec
	}

	r.mu.Lock()
	r.specs = specs
	r.mu.Unlock()

	r.logger.Debug("remote kernelspecs refreshed", zap.Int("count", len(specs)))
	return nil
}

// All returns the specs sorted by name.
func (r *Registry) All() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Spec, 0, len(r.specs))
	for _, s := range r.specs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns the spec named name.
func (r *Registry) Get(name string) (Spec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.specs[name]
	if !ok {
		return Spec{}, apperrors.NotFound("kernelspec", name)
	}
	return spec, nil
}

// ForLanguage returns the first spec, by name, whose language or mapped
// language equals language, ignoring case.
func (r *Registry) ForLanguage(language string) (Spec, error) {
	want := strings.ToLower(language)
	for _, spec := range r.All() {
		key := spec.LanguageKey()
		if key == want || (r.mappings[key] != "" && r.mappings[key] == want) {
			return spec, nil
		}
	}
	return Spec{}, apperrors.NotFound("kernelspec for language", language)
}

// EditorLanguage maps a kernel language to the editor language it serves.
func (r *Registry) EditorLanguage(kernelLanguage string) string {
	key := strings.ToLower(kernelLanguage)
	if mapped, ok := r.mappings[key]; ok && mapped != "" {
		return mapped
	}
	return key
}

// Watch refreshes the registry whenever a searched directory changes,
// until ctx is done. Directories that do not exist are skipped.
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	watched := 0
	for _, dir := range r.dirs {
		if err := watcher.Add(dir); err != nil {
			continue
		}
		watched++
		entries, _ := os.ReadDir(dir)
		for _, e := range entries {
			if e.IsDir() {
				_ = watcher.Add(filepath.Join(dir, e.Name()))
			}
		}
	}
	r.logger.Debug("watching kernelspec dirs", zap.Int("count", watched))

	var debounce *time.Timer
	var fire <-chan time.Time
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&fsnotify.Create == fsnotify.Create {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = watcher.Add(event.Name)
				}
			}
			if debounce == nil {
				debounce = time.NewTimer(refreshDebounce)
			} else {
				debounce.Reset(refreshDebounce)
			}
			fire = debounce.C
		case <-fire:
			fire = nil
			if err := r.Refresh(); err != nil {
				r.logger.Warn("kernelspec refresh failed", zap.Error(err))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Debug("kernelspec watcher error", zap.Error(err))
		}
	}
}
