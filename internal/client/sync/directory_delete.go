package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/openmined/sharesync/internal/share"
	"golang.org/x/sync/errgroup"
)

// DeleteAll removes every top-level file and directory of the remote
// directory. Each removal is attempted; the failures are joined.
func (d *DirectorySync) DeleteAll(ctx context.Context) error {
	entries, err := d.remote.List(ctx)
	if err != nil {
		if share.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("list remote: %w", err)
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	if d.opts.Async {
		g.SetLimit(d.opts.MaxTasks)
	} else {
		g.SetLimit(1)
	}

	for _, e := range entries {
		g.Go(func() error {
			var err error
			if e.IsDir() {
				err = d.remote.Child(e.Name).Remove(gctx)
			} else {
				_, err = d.remote.File(e.Name).DeleteIfExists(gctx)
			}
			if err != nil {
				slog.Error("sync", "op", "DeleteRemote", "remote", e.Path, "error", err)
				mu.Lock()
				errs = append(errs, fmt.Errorf("delete %s: %w", e.Path, err))
				mu.Unlock()
				return nil
			}
			slog.Info("sync", "op", "DeleteRemote", "remote", e.Path, "type", e.Type)
			return nil
		})
	}
	g.Wait()
	return errors.Join(errs...)
}

// CleanAndDownload empties the local directory, keeping ignored entries, and
// then runs a full sync so the tree ends up a copy of the remote.
func (d *DirectorySync) CleanAndDownload(ctx context.Context) (*Report, error) {
	if err := d.cleanLocal(); err != nil {
		return d.opts.Report, err
	}
	return d.Run(ctx)
}

func (d *DirectorySync) cleanLocal() error {
	entries, err := os.ReadDir(d.localDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return os.MkdirAll(d.localDir, 0o755)
		}
		return fmt.Errorf("list local: %w", err)
	}

	var errs []error
	for _, entry := range entries {
		path := filepath.Join(d.localDir, entry.Name())
		if d.ignored(path, entry.IsDir()) {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", path, err))
			continue
		}
		slog.Debug("sync", "op", "DeleteLocal", "path", path)
	}
	return errors.Join(errs...)
}
