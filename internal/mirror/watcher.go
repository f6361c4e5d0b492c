package mirror

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/openmined/syftmirror/internal/utils"
	"github.com/rjeczalik/notify"
)

const (
	DefaultIgnoreTimeout   = 2 * time.Second
	defaultCleanupInterval = 15 * time.Second
	eventBufferSize        = 64
	defaultDebounceTimeout = 50 * time.Millisecond
	// settleDelay is how long the watch loop waits after the last event
	// before it starts a run.
	settleDelay = time.Second
)

// FilterCallback returns true if the event should be dropped
type FilterCallback func(path string) bool

// Watcher reports debounced file events below a set of local roots.
type Watcher struct {
	roots           []string
	events          chan notify.EventInfo
	rawEvents       chan notify.EventInfo
	ignore          map[string]time.Time
	ignoreMu        sync.Mutex
	cleanupInterval time.Duration
	done            chan struct{}
	wg              sync.WaitGroup
	// debouncing
	pendingEvents   map[string]notify.EventInfo
	eventTimers     map[string]*time.Timer
	debounceMu      sync.Mutex
	debounceTimeout time.Duration
	ignoreCallback  FilterCallback
}

func NewWatcher(roots ...string) *Watcher {
	return &Watcher{
		roots:           roots,
		ignore:          make(map[string]time.Time),
		cleanupInterval: defaultCleanupInterval,
		done:            make(chan struct{}),
		pendingEvents:   make(map[string]notify.EventInfo),
		eventTimers:     make(map[string]*time.Timer),
		debounceTimeout: defaultDebounceTimeout,
	}
}

func (w *Watcher) SetDebounceTimeout(timeout time.Duration) {
	w.debounceTimeout = timeout
}

// FilterPaths sets a callback that drops raw events before debouncing.
// It must be called before Start.
func (w *Watcher) FilterPaths(callback FilterCallback) {
	w.ignoreCallback = callback
}

func (w *Watcher) Start(ctx context.Context) error {
	w.rawEvents = make(chan notify.EventInfo, eventBufferSize)
	w.events = make(chan notify.EventInfo, eventBufferSize)

	for _, root := range w.roots {
		slog.Info("file watcher start", "dir", root)
		if err := notify.Watch(filepath.Join(root, "..."), w.rawEvents, notify.Write, notify.Create, notify.Remove, notify.Rename); err != nil {
			notify.Stop(w.rawEvents)
			return err
		}
	}

	w.wg.Add(2)
	go w.filterEvents(ctx)
	go w.cleanupExpiredEntries(ctx)
	return nil
}

func (w *Watcher) Stop() {
	close(w.done)
	if w.rawEvents != nil {
		notify.Stop(w.rawEvents)
	}
	w.wg.Wait()
	slog.Info("file watcher stopped")
}

func (w *Watcher) Events() <-chan notify.EventInfo {
	return w.events
}

// IgnoreOnce drops the next event for path, e.g. one caused by our own write.
func (w *Watcher) IgnoreOnce(path string) {
	w.ignoreMu.Lock()
	defer w.ignoreMu.Unlock()
	w.ignore[path] = time.Now().Add(DefaultIgnoreTimeout)
}

func (w *Watcher) isPathTemporarilyIgnored(path string) bool {
	w.ignoreMu.Lock()
	defer w.ignoreMu.Unlock()

	expiry, exists := w.ignore[path]
	if !exists {
		return false
	}
	delete(w.ignore, path)
	return time.Now().Before(expiry)
}

func (w *Watcher) filterEvents(ctx context.Context) {
	defer func() {
		w.debounceMu.Lock()
		for path, timer := range w.eventTimers {
			timer.Stop()
			delete(w.eventTimers, path)
			delete(w.pendingEvents, path)
		}
		w.debounceMu.Unlock()

		w.wg.Done()
		close(w.events)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.rawEvents:
			if !ok {
				return
			}
			if w.ignoreCallback != nil && w.ignoreCallback(event.Path()) {
				continue
			}
			// inotify reports a burst of writes while a file is being written
			w.debounceEvent(event)
		}
	}
}

func (w *Watcher) debounceEvent(event notify.EventInfo) {
	path := event.Path()

	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if timer, exists := w.eventTimers[path]; exists {
		timer.Stop()
	}
	w.pendingEvents[path] = event
	w.eventTimers[path] = time.AfterFunc(w.debounceTimeout, func() {
		w.flushEvent(path)
	})
}

func (w *Watcher) flushEvent(path string) {
	w.debounceMu.Lock()
	event, exists := w.pendingEvents[path]
	if !exists {
		w.debounceMu.Unlock()
		return
	}
	delete(w.pendingEvents, path)
	delete(w.eventTimers, path)

	if w.isPathTemporarilyIgnored(path) {
		w.debounceMu.Unlock()
		return
	}

	// sending under debounceMu keeps flushes from racing the close in filterEvents
	select {
	case w.events <- event:
		slog.Debug("file watcher", "event", event.Event(), "path", path)
	default:
		slog.Warn("file watcher dropped", "reason", "channel full", "path", path)
	}
	w.debounceMu.Unlock()
}

func (w *Watcher) cleanupExpiredEntries(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case <-ticker.C:
			w.ignoreMu.Lock()
			now := time.Now()
			for path, expiry := range w.ignore {
				if now.After(expiry) {
					delete(w.ignore, path)
				}
			}
			w.ignoreMu.Unlock()
		}
	}
}

// Watch runs once, then again whenever local files settle after a change
// and, if interval is positive, on every interval tick so that remote
// changes are picked up. onReport receives every run's outcome. Watch
// returns when ctx is done.
func (e *Engine) Watch(ctx context.Context, opts RunOptions, interval time.Duration, onReport func(*Report, error)) error {
	blacklist, err := LoadBlacklist(e.cfg)
	if err != nil {
		return err
	}

	roots := make([]string, 0, len(e.cfg.Pairs))
	for _, pair := range e.cfg.Pairs {
		if err := utils.EnsureDir(pair.Local); err != nil {
			return err
		}
		roots = append(roots, pair.Local)
	}

	w := NewWatcher(roots...)
	w.FilterPaths(func(path string) bool {
		if utils.IsTempFile(filepath.Base(path)) {
			return true
		}
		key, ok := e.keyFor(path)
		return !ok || blacklist.Match(key)
	})
	if err := w.Start(ctx); err != nil {
		return err
	}
	defer w.Stop()

	e.executor.onLocalWrite = w.IgnoreOnce
	defer func() {
		e.executor.onLocalWrite = nil
	}()

	run := func(trigger string) {
		slog.Debug("watch run", "trigger", trigger)
		report, err := e.Run(ctx, opts)
		if errors.Is(err, ErrRunLocked) {
			slog.Warn("watch run skipped", "reason", err)
		}
		if onReport != nil {
			onReport(report, err)
		}
	}
	run("start")

	settle := time.NewTimer(settleDelay)
	settle.Stop()
	defer settle.Stop()

	var poll <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		poll = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-w.Events():
			if !ok {
				return nil
			}
			settle.Reset(settleDelay)
		case <-settle.C:
			run("local change")
		case <-poll:
			run("interval")
		}
	}
}

// keyFor maps an absolute local path to its key.
func (e *Engine) keyFor(path string) (SyncKey, bool) {
	for _, pair := range e.cfg.Pairs {
		if !utils.IsSubPath(pair.Local, path) || pair.Local == path {
			continue
		}
		rel, err := filepath.Rel(pair.Local, path)
		if err != nil {
			return SyncKey{}, false
		}
		return SyncKey{Dir: pair.Remote, Path: filepath.ToSlash(rel)}, true
	}
	return SyncKey{}, false
}
