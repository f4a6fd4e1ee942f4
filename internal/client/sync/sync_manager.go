package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/openmined/sharesync/internal/config"
	"github.com/openmined/sharesync/internal/hostinfo"
	"github.com/openmined/sharesync/internal/metrics"
	"github.com/openmined/sharesync/internal/share"
)

var ErrLocked = errors.New("another sync is running on this directory")

// SyncManager runs the configured mode against one local root and one share.
type SyncManager struct {
	cfg     *config.Config
	backend share.Backend
	ignore  *SyncIgnoreList
	host    hostinfo.Info
	flock   *flock.Flock
}

func NewManager(cfg *config.Config, backend share.Backend) (*SyncManager, error) {
	ignore, err := NewSyncIgnoreList(cfg.Dir, cfg.Excludes...)
	if err != nil {
		return nil, fmt.Errorf("ignore rules: %w", err)
	}

	return &SyncManager{
		cfg:     cfg,
		backend: backend,
		ignore:  ignore,
		host:    hostinfo.Current(),
		flock:   flock.New(filepath.Join(cfg.Dir, LockFileName)),
	}, nil
}

func (m *SyncManager) Lock() error {
	locked, err := m.flock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to lock %s: %w", m.cfg.Dir, err)
	}
	if !locked {
		return ErrLocked
	}
	return nil
}

func (m *SyncManager) Unlock() error {
	// another process may own the lock file
	if !m.flock.Locked() {
		return nil
	}
	if err := m.flock.Unlock(); err != nil {
		return fmt.Errorf("failed to unlock %s: %w", m.cfg.Dir, err)
	}
	return os.Remove(m.flock.Path())
}

// Run locks the local root and performs one run in the configured mode.
// Per-file and per-directory failures are in the report; the returned error
// is set only when the run could not start.
func (m *SyncManager) Run(ctx context.Context) (*Report, error) {
	if err := m.Lock(); err != nil {
		return nil, err
	}
	defer func() {
		if err := m.Unlock(); err != nil {
			slog.Warn("sync unlock", "error", err)
		}
	}()
	return m.runOnce(ctx), nil
}

func (m *SyncManager) runOnce(ctx context.Context) *Report {
	report := NewReport(uuid.NewString())
	engine := NewDirectorySync(share.Root(m.backend), m.cfg.Dir, &Options{
		Async:    m.cfg.Async,
		MaxTasks: m.cfg.MaxTasks,
		Ignore:   m.ignore,
		Host:     m.host,
		Report:   report,
	})

	mode := m.cfg.Mode()
	slog.Info("sync start", "run", report.RunID, "mode", mode, "share", m.backend.Name(), "dir", m.cfg.Dir)

	var err error
	switch mode {
	case config.ModeDeleteAll:
		err = engine.DeleteAll(ctx)
		report.Finish()
	case config.ModeForce:
		_, err = engine.CleanAndDownload(ctx)
	default:
		_, err = engine.Run(ctx)
	}
	if err != nil && mode != config.ModeSync {
		// sync mode already logged it per directory
		slog.Error("sync", "run", report.RunID, "mode", mode, "error", err)
	}

	metrics.RunDuration.Set(report.Elapsed().Seconds())
	if m.cfg.MetricsFile != "" {
		if err := metrics.WriteTextfile(m.cfg.MetricsFile); err != nil {
			slog.Warn("metrics textfile", "path", m.cfg.MetricsFile, "error", err)
		}
	}

	slog.Info("sync done", "report", report)
	return report
}

// Watch holds the lock, runs once, and runs again after every settled burst
// of local changes and every interval. interval <= 0 disables the timer.
func (m *SyncManager) Watch(ctx context.Context, interval time.Duration) error {
	if err := m.Lock(); err != nil {
		return err
	}
	defer func() {
		if err := m.Unlock(); err != nil {
			slog.Warn("sync unlock", "error", err)
		}
	}()

	watcher := NewFileWatcher(m.cfg.Dir)
	watcher.SetDebounceTimeout(m.cfg.Debounce)
	watcher.FilterPaths(func(path string) bool {
		// our own temp files and lock are ignored here too
		return m.ignore.ShouldIgnore(path, false)
	})
	if err := watcher.Start(ctx); err != nil {
		return fmt.Errorf("failed to start watcher: %w", err)
	}
	defer watcher.Stop()

	var tick <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	m.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case batch := <-watcher.Batches():
			slog.Debug("sync trigger", "reason", "changes", "paths", len(batch))
		case <-tick:
			slog.Debug("sync trigger", "reason", "interval")
		}
		if ctx.Err() != nil {
			return nil
		}
		m.runOnce(ctx)
	}
}
