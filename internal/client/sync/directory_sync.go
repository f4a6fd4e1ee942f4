package sync

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/openmined/sharesync/internal/metrics"
	"github.com/openmined/sharesync/internal/scheduler"
	"github.com/openmined/sharesync/internal/share"
	"golang.org/x/sync/errgroup"
)

// DirectorySync reconciles one local directory with one remote directory and
// hands every subdirectory to a child engine.
type DirectorySync struct {
	remote   share.Dir
	localDir string
	opts     *Options

	files *scheduler.Scheduler
	dirs  *scheduler.Scheduler
}

func NewDirectorySync(remote share.Dir, localDir string, opts *Options) *DirectorySync {
	return &DirectorySync{
		remote:   remote,
		localDir: localDir,
		opts:     opts.normalize(),
	}
}

func (d *DirectorySync) Report() *Report {
	return d.opts.Report
}

// Run syncs the whole tree below the directory and waits for it.
func (d *DirectorySync) Run(ctx context.Context) (*Report, error) {
	err := d.Sync(ctx)
	d.Wait()
	d.opts.Report.Finish()
	return d.opts.Report, err
}

// Sync handles this level: every file unit has finished when it returns.
// Subdirectories are submitted but not awaited; see Wait.
func (d *DirectorySync) Sync(ctx context.Context) error {
	start := time.Now()
	d.files = d.opts.newScheduler(ctx)
	d.dirs = d.opts.newScheduler(ctx)

	err := d.syncLevel(ctx)
	d.opts.Report.DirDone(d.localDir, err)
	metrics.ObserveDirectory(err)
	if err != nil {
		slog.Error("sync dir", "dir", d.localDir, "remote", d.remote.Path(), "error", err)
		return err
	}
	slog.Debug("sync dir", "dir", d.localDir, "remote", d.remote.Path(), "took", time.Since(start))
	return nil
}

// Wait blocks until every subdirectory submitted by Sync, and theirs, are done.
func (d *DirectorySync) Wait() {
	if d.dirs != nil {
		d.dirs.WaitIdle()
	}
}

func (d *DirectorySync) syncLevel(ctx context.Context) error {
	if err := d.remote.CreateIfNotExists(ctx); err != nil {
		return fmt.Errorf("create remote dir: %w", err)
	}

	remoteFiles, remoteDirs, err := d.listRemote(ctx)
	if err != nil {
		return err
	}
	localFiles, localDirs, err := d.listLocal()
	if err != nil {
		return err
	}

	byName := make(map[string]*share.File, len(remoteFiles))
	for _, f := range remoteFiles {
		byName[strings.ToLower(f.Name())] = f
	}

	for _, lf := range localFiles {
		d.submitFile(newFileSync(d.remote, lf, byName[strings.ToLower(lf.Name)], d.opts))
	}
	for _, rf := range d.missingLocally(remoteFiles, localFiles) {
		d.submitFile(NewRemoteFileSync(d.remote, rf, d.localDir, d.opts))
	}
	d.files.WaitIdle()

	// local name -> remote spelling
	remoteDirNames := make(map[string]string, len(remoteDirs))
	for _, name := range remoteDirs {
		remoteDirNames[strings.ToLower(name)] = name
	}

	for _, name := range d.missingLocalDirectories(remoteDirs, localDirs) {
		path := filepath.Join(d.localDir, name)
		if err := os.MkdirAll(path, 0o755); err != nil {
			d.opts.Report.DirDone(path, fmt.Errorf("create local dir: %w", err))
			continue
		}
		slog.Info("sync dir", "op", DecisionCreateLocalDir, "dir", path)
		d.opts.Report.AddDir(DecisionCreateLocalDir)
		localDirs = append(localDirs, name)
	}

	for _, name := range localDirs {
		remoteName, ok := remoteDirNames[strings.ToLower(name)]
		if !ok {
			remoteName = name
			slog.Info("sync dir", "op", DecisionCreateRemoteDir, "dir", share.Join(d.remote.Path(), name))
			d.opts.Report.AddDir(DecisionCreateRemoteDir)
		}
		d.submitDir(remoteName, name)
	}
	return nil
}

func (d *DirectorySync) submitFile(unit *FileSync) {
	d.files.Submit(func(ctx context.Context) error {
		return unit.Sync(ctx).Err
	})
}

// submitDir runs a child engine for one subdirectory. The child's whole
// subtree finishes inside the task.
func (d *DirectorySync) submitDir(remoteName, localName string) {
	child := &DirectorySync{
		remote:   d.remote.Child(remoteName),
		localDir: filepath.Join(d.localDir, localName),
		opts:     d.opts,
	}
	d.dirs.Submit(func(ctx context.Context) error {
		err := child.Sync(ctx)
		child.Wait()
		return err
	})
}

// listRemote returns the files of the remote directory, metadata fetched, and
// the names of its subdirectories. A file whose metadata cannot be fetched is
// kept; its unit retries the fetch and reports the failure.
func (d *DirectorySync) listRemote(ctx context.Context) ([]*share.File, []string, error) {
	entries, err := d.remote.List(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("list remote: %w", err)
	}

	var files []*share.File
	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e.Name)
			continue
		}
		files = append(files, d.remote.File(e.Name))
	}

	g, gctx := errgroup.WithContext(ctx)
	if d.opts.Async {
		g.SetLimit(d.opts.MaxTasks)
	} else {
		g.SetLimit(1)
	}
	for _, f := range files {
		g.Go(func() error {
			if _, err := f.FetchMetadata(gctx); err != nil {
				slog.Warn("sync metadata", "remote", f.Path(), "error", err)
			}
			return nil
		})
	}
	g.Wait()

	return files, dirs, ctx.Err()
}

// listLocal returns the regular files and subdirectory names of the local
// directory, without ignored entries. Symlinked directories are not followed.
func (d *DirectorySync) listLocal() ([]*LocalFile, []string, error) {
	entries, err := os.ReadDir(d.localDir)
	if err != nil {
		return nil, nil, fmt.Errorf("list local: %w", err)
	}

	var files []*LocalFile
	var dirs []string
	for _, entry := range entries {
		path := filepath.Join(d.localDir, entry.Name())

		info, err := os.Stat(path)
		if err != nil {
			slog.Warn("sync scan", "path", path, "error", err)
			continue
		}

		switch {
		case info.IsDir():
			if entry.Type()&os.ModeSymlink != 0 {
				slog.Debug("sync scan", "skip", "symlinked dir", "path", path)
				continue
			}
			if d.ignored(path, true) {
				continue
			}
			dirs = append(dirs, entry.Name())
		case info.Mode().IsRegular():
			if d.ignored(path, false) {
				continue
			}
			files = append(files, newLocalFile(path, info))
		}
	}
	return files, dirs, nil
}

// missingLocally returns remote files with no local counterpart. Names are
// compared case-insensitively as full local paths; the name comes from the
// metadata bag and falls back to the object name.
func (d *DirectorySync) missingLocally(remoteFiles []*share.File, localFiles []*LocalFile) []*share.File {
	local := mapset.NewThreadUnsafeSet[string]()
	for _, lf := range localFiles {
		local.Add(strings.ToLower(lf.Path))
	}

	var missing []*share.File
	for _, rf := range remoteFiles {
		// a local file of the same name already owns this object
		if local.Contains(strings.ToLower(filepath.Join(d.localDir, rf.Name()))) {
			continue
		}
		name := rf.Name()
		if n, ok := rf.Metadata().FileName(); ok {
			name = n
		}
		target := filepath.Join(d.localDir, name)
		if local.Contains(strings.ToLower(target)) || d.ignored(target, false) {
			continue
		}
		missing = append(missing, rf)
	}
	return missing
}

// missingLocalDirectories returns remote subdirectory names with no local
// subdirectory of the same name, compared case-insensitively.
func (d *DirectorySync) missingLocalDirectories(remoteDirs, localDirs []string) []string {
	local := mapset.NewThreadUnsafeSet[string]()
	for _, name := range localDirs {
		local.Add(strings.ToLower(name))
	}

	var missing []string
	for _, name := range remoteDirs {
		if local.Contains(strings.ToLower(name)) || d.ignored(filepath.Join(d.localDir, name), true) {
			continue
		}
		missing = append(missing, name)
	}
	return missing
}

func (d *DirectorySync) ignored(path string, isDir bool) bool {
	if d.opts.Ignore == nil {
		return false
	}
	if d.opts.Ignore.ShouldIgnore(path, isDir) {
		slog.Debug("sync scan", "skip", "ignored", "path", path)
		return true
	}
	return false
}
