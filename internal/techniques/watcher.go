package techniques

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"shapesmith/internal/logging"
	"shapesmith/internal/policy"
	"shapesmith/internal/types"
)

// Watcher keeps the registry in sync with a directory of .tech files.
// Each file <id>.tech is policy-checked and registered with origin registry;
// edits replace the previous version and deletions evict it.
type Watcher struct {
	mu          sync.Mutex
	watcher     *fsnotify.Watcher
	registry    *Registry
	checker     *policy.Checker
	dir         string
	loaded      map[string]string // id -> hash registered from this directory
	debounceMap map[string]time.Time
	debounceDur time.Duration
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool

	stats WatcherStats
}

// WatcherStats tracks watcher activity.
type WatcherStats struct {
	Loaded   int
	Rejected int
	Evicted  int
	Errors   int
}

// NewWatcher creates a watcher for dir.
func NewWatcher(dir string, r *Registry, checker *policy.Checker) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher:     fw,
		registry:    r,
		checker:     checker,
		dir:         dir,
		loaded:      make(map[string]string),
		debounceMap: make(map[string]time.Time),
		debounceDur: 200 * time.Millisecond,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start loads every .tech file already in the directory and then watches for
// changes in a background goroutine.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return err
	}
	if err := w.watcher.Add(w.dir); err != nil {
		return err
	}
	logging.Registry("watching technique directory %s", w.dir)

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), FileExt) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		w.load(filepath.Join(w.dir, name))
	}

	go w.run(ctx)
	return nil
}

// Stop stops the watcher and waits for the event loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh
	if err := w.watcher.Close(); err != nil {
		logging.RegistryWarn("error closing technique watcher: %v", err)
	}
}

// Stats returns a snapshot of the counters.
func (w *Watcher) Stats() WatcherStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.RegistryWarn("technique watcher error: %v", err)
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()
		case <-ticker.C:
			w.processDebounced()
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !strings.HasSuffix(event.Name, FileExt) {
		return
	}
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	logging.RegistryDebug("technique file event %s on %s", event.Op, event.Name)
	w.mu.Lock()
	w.debounceMap[event.Name] = time.Now()
	w.mu.Unlock()
}

func (w *Watcher) processDebounced() {
	now := time.Now()
	var ready []string
	w.mu.Lock()
	for path, at := range w.debounceMap {
		if now.Sub(at) >= w.debounceDur {
			ready = append(ready, path)
			delete(w.debounceMap, path)
		}
	}
	w.mu.Unlock()

	sort.Strings(ready)
	for _, path := range ready {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			w.unload(path)
			continue
		}
		w.load(path)
	}
}

func idFromPath(path string) string {
	return strings.TrimSuffix(filepath.Base(path), FileExt)
}

func (w *Watcher) load(path string) {
	id := idFromPath(path)
	data, err := os.ReadFile(path)
	if err != nil {
		w.fail("read %s: %v", path, err)
		return
	}
	impl, err := ParseTechniqueFile(id, data, types.OriginRegistry)
	if err != nil {
		w.reject("%v", err)
		return
	}
	if report := w.checker.Check(impl.Source); !report.Safe {
		w.reject("technique file %s rejected: %v", path, report.Messages())
		return
	}

	w.mu.Lock()
	_, owned := w.loaded[id]
	w.mu.Unlock()

	// Only files this watcher loaded may replace an existing entry.
	var opts []RegisterOption
	if owned {
		opts = append(opts, WithOverride())
	}
	stored, err := w.registry.Register(impl, opts...)
	if err != nil {
		w.reject("technique file %s not registered: %v", path, err)
		return
	}

	w.mu.Lock()
	w.loaded[id] = stored.Hash
	w.stats.Loaded++
	w.mu.Unlock()
	logging.Registry("loaded technique %s from %s", id, path)
}

func (w *Watcher) unload(path string) {
	id := idFromPath(path)
	w.mu.Lock()
	hash, ok := w.loaded[id]
	delete(w.loaded, id)
	w.mu.Unlock()
	if !ok {
		return
	}
	if w.registry.Evict(id, hash) {
		w.mu.Lock()
		w.stats.Evicted++
		w.mu.Unlock()
	}
}

func (w *Watcher) reject(format string, args ...any) {
	logging.RegistryWarn(format, args...)
	w.mu.Lock()
	w.stats.Rejected++
	w.mu.Unlock()
}

func (w *Watcher) fail(format string, args ...any) {
	logging.RegistryWarn(format, args...)
	w.mu.Lock()
	w.stats.Errors++
	w.mu.Unlock()
}
