package sync

import (
	"context"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rjeczalik/notify"
)

const (
	eventBufferSize        = 256
	defaultDebounceTimeout = 2 * time.Second
)

// FilterCallback returns true if the event for path should be dropped.
type FilterCallback func(path string) bool

// FileWatcher watches a directory tree and reports batches of changed paths.
// A batch is emitted once no event arrived for the debounce timeout.
type FileWatcher struct {
	watchDir  string
	rawEvents chan notify.EventInfo
	batches   chan []string
	done      chan struct{}
	wg        sync.WaitGroup

	debounceMu      sync.Mutex
	pending         map[string]struct{}
	timer           *time.Timer
	debounceTimeout time.Duration

	ignoreCallback FilterCallback
	callbackMu     sync.RWMutex
}

func NewFileWatcher(watchDir string) *FileWatcher {
	return &FileWatcher{
		watchDir:        watchDir,
		done:            make(chan struct{}),
		pending:         make(map[string]struct{}),
		debounceTimeout: defaultDebounceTimeout,
	}
}

// SetDebounceTimeout sets how long the tree has to stay quiet before a batch is sent.
func (fw *FileWatcher) SetDebounceTimeout(timeout time.Duration) {
	if timeout > 0 {
		fw.debounceTimeout = timeout
	}
}

// FilterPaths sets a callback that drops raw events before debouncing.
func (fw *FileWatcher) FilterPaths(callback FilterCallback) {
	fw.callbackMu.Lock()
	defer fw.callbackMu.Unlock()
	fw.ignoreCallback = callback
}

func (fw *FileWatcher) Start(ctx context.Context) error {
	slog.Info("file watcher start", "dir", fw.watchDir, "debounce", fw.debounceTimeout)

	fw.rawEvents = make(chan notify.EventInfo, eventBufferSize)
	fw.batches = make(chan []string, 1)

	recursivePath := filepath.Join(fw.watchDir, "...")
	if err := notify.Watch(recursivePath, fw.rawEvents, notify.All); err != nil {
		return err
	}

	fw.wg.Add(1)
	go fw.filterEvents(ctx)
	return nil
}

func (fw *FileWatcher) Stop() {
	slog.Info("file watcher stopping")
	close(fw.done)
	if fw.rawEvents != nil {
		notify.Stop(fw.rawEvents)
	}
	fw.wg.Wait()
	slog.Info("file watcher stopped")
}

// Batches delivers the changed paths of each quiet period. It is never closed.
func (fw *FileWatcher) Batches() <-chan []string {
	return fw.batches
}

func (fw *FileWatcher) filterEvents(ctx context.Context) {
	defer func() {
		fw.debounceMu.Lock()
		if fw.timer != nil {
			fw.timer.Stop()
		}
		fw.debounceMu.Unlock()
		fw.wg.Done()
		slog.Debug("file watcher filter events done")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-fw.done:
			return
		case event, ok := <-fw.rawEvents:
			if !ok {
				return
			}
			if fw.filtered(event.Path()) {
				continue
			}
			fw.debounceEvent(event.Path())
		}
	}
}

func (fw *FileWatcher) filtered(path string) bool {
	fw.callbackMu.RLock()
	defer fw.callbackMu.RUnlock()
	return fw.ignoreCallback != nil && fw.ignoreCallback(path)
}

// debounceEvent adds path to the pending batch and restarts the quiet timer.
func (fw *FileWatcher) debounceEvent(path string) {
	fw.debounceMu.Lock()
	defer fw.debounceMu.Unlock()

	fw.pending[path] = struct{}{}
	if fw.timer != nil {
		fw.timer.Stop()
	}
	fw.timer = time.AfterFunc(fw.debounceTimeout, fw.flush)
}

func (fw *FileWatcher) flush() {
	fw.debounceMu.Lock()
	if len(fw.pending) == 0 {
		fw.debounceMu.Unlock()
		return
	}
	batch := make([]string, 0, len(fw.pending))
	for path := range fw.pending {
		batch = append(batch, path)
	}
	fw.pending = make(map[string]struct{})
	fw.timer = nil
	fw.debounceMu.Unlock()

	sort.Strings(batch)
	select {
	case <-fw.done:
	case fw.batches <- batch:
		slog.Debug("file watcher", "changed", len(batch))
	default:
		// a batch is already waiting; it triggers the same full run
		slog.Debug("file watcher coalesced", "changed", len(batch))
	}
}
