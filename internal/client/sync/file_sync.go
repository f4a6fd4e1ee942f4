package sync

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/openmined/sharesync/internal/metrics"
	"github.com/openmined/sharesync/internal/share"
	"github.com/openmined/sharesync/internal/utils"
)

// FileSync reconciles one local file with its remote counterpart, or pulls a
// remote file that has no local counterpart.
type FileSync struct {
	remoteDir share.Dir
	remote    *share.File
	// nil for pull-only units
	local    *LocalFile
	localDir string
	opts     *Options
}

// NewFileSync builds a unit for a local file. The remote side is the file of
// the same name in remoteDir, which may not exist yet.
func NewFileSync(remoteDir share.Dir, local *LocalFile, opts *Options) *FileSync {
	return newFileSync(remoteDir, local, nil, opts)
}

// newFileSync reuses remote when its metadata was already fetched while listing.
func newFileSync(remoteDir share.Dir, local *LocalFile, remote *share.File, opts *Options) *FileSync {
	if remote == nil {
		remote = remoteDir.File(local.Name)
	}
	return &FileSync{
		remoteDir: remoteDir,
		remote:    remote,
		local:     local,
		localDir:  local.Dir(),
		opts:      opts.normalize(),
	}
}

// NewRemoteFileSync builds a pull-only unit that writes remote into localDir.
func NewRemoteFileSync(remoteDir share.Dir, remote *share.File, localDir string, opts *Options) *FileSync {
	return &FileSync{
		remoteDir: remoteDir,
		remote:    remote,
		localDir:  localDir,
		opts:      opts.normalize(),
	}
}

func (fs *FileSync) Name() string {
	return fs.remote.Name()
}

// LocalPath is the local file the unit reads or writes.
func (fs *FileSync) LocalPath() string {
	if fs.local != nil {
		return fs.local.Path
	}
	return filepath.Join(fs.localDir, fs.remote.Name())
}

// Decide picks the action without touching any bytes.
func (fs *FileSync) Decide(ctx context.Context) (Decision, error) {
	if !fs.remote.Fetched() {
		if _, err := fs.remote.FetchMetadata(ctx); err != nil {
			return DecisionUnknown, fmt.Errorf("fetch metadata: %w", err)
		}
	}

	if fs.local == nil {
		return DecisionPull, nil
	}

	exists, err := fs.remote.Exists(ctx)
	if err != nil {
		return DecisionUnknown, fmt.Errorf("remote exists: %w", err)
	}
	if !exists {
		return DecisionPush, nil
	}

	remoteMd := fs.remote.Metadata()
	if !isSameFile(metadataFor(fs.remoteDir, fs.local, fs.opts.Host), remoteMd) {
		return DecisionPull, nil
	}

	remoteTicks, _ := remoteMd.Ticks()
	localTicks := fs.local.Ticks()
	switch {
	case localTicks == remoteTicks:
		return DecisionUpToDate, nil
	case localTicks > remoteTicks:
		return DecisionPush, nil
	default:
		return DecisionPull, nil
	}
}

// Sync decides and acts. Failures end up in the result, never in a panic.
func (fs *FileSync) Sync(ctx context.Context) (res *FileResult) {
	start := time.Now()
	res = &FileResult{
		Decision:   DecisionUnknown,
		Name:       fs.Name(),
		LocalPath:  fs.LocalPath(),
		RemotePath: fs.remote.Path(),
	}

	defer func() {
		if r := recover(); r != nil {
			res.Err = fmt.Errorf("panic: %v", r)
		}
		res.Elapsed = time.Since(start)
		fs.record(res)
	}()

	decision, err := fs.Decide(ctx)
	res.Decision = decision
	if err != nil {
		res.Err = err
		return res
	}

	switch decision {
	case DecisionPush:
		res.Bytes, res.Err = fs.push(ctx)
	case DecisionPull:
		res.Bytes, res.Err = fs.pull(ctx)
	}
	return res
}

// push replaces the remote object and writes a fresh bag from the file's current state.
func (fs *FileSync) push(ctx context.Context) (int64, error) {
	f, err := os.Open(fs.local.Path)
	if err != nil {
		return 0, fmt.Errorf("open local: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat local: %w", err)
	}
	current := newLocalFile(fs.local.Path, info)

	if _, err := fs.remote.DeleteIfExists(ctx); err != nil {
		return 0, fmt.Errorf("delete remote: %w", err)
	}
	if err := fs.remote.Upload(ctx, f, current.Size); err != nil {
		return 0, fmt.Errorf("upload: %w", err)
	}
	if err := fs.remote.SetMetadata(ctx, metadataFor(fs.remoteDir, current, fs.opts.Host)); err != nil {
		return current.Size, fmt.Errorf("set metadata: %w", err)
	}
	return current.Size, nil
}

// pull overwrites the local file. The local mtime takes the remote ticks so the
// next run sees both sides as equal; a remote bag that does not describe the
// new local file is rewritten from it.
func (fs *FileSync) pull(ctx context.Context) (int64, error) {
	target := fs.LocalPath()

	rc, err := fs.remote.OpenRead(ctx)
	if err != nil {
		return 0, fmt.Errorf("open remote: %w", err)
	}
	defer rc.Close()

	n, err := utils.WriteFileAtomic(target, rc)
	if err != nil {
		return n, fmt.Errorf("write local: %w", err)
	}

	remoteMd := fs.remote.Metadata()
	remoteTicks, hasTicks := remoteMd.Ticks()
	if hasTicks {
		if err := utils.SetModTime(target, share.TicksToTime(remoteTicks)); err != nil {
			return n, fmt.Errorf("set mtime: %w", err)
		}
	}

	local, err := StatLocalFile(target)
	if err != nil {
		return n, fmt.Errorf("stat local: %w", err)
	}
	md := metadataFor(fs.remoteDir, local, fs.opts.Host)
	if !isSameFile(md, remoteMd) || local.Ticks() != remoteTicks {
		if err := fs.remote.SetMetadata(ctx, md); err != nil {
			return n, fmt.Errorf("adopt metadata: %w", err)
		}
		slog.Debug("sync", "op", "AdoptMetadata", "file", target)
	}
	return n, nil
}

func (fs *FileSync) record(res *FileResult) {
	fs.opts.Report.AddFile(res)
	if res.Decision.Transfers() || res.Err != nil {
		metrics.ObserveTransfer(strings.ToLower(res.Decision.String()), res.Err, res.Bytes, res.Elapsed)
	}

	switch {
	case res.Err != nil:
		slog.Error("sync", "op", res.Decision, "file", res.LocalPath, "remote", res.RemotePath, "error", res.Err)
	case res.Decision == DecisionUpToDate:
		slog.Debug("sync", "op", res.Decision, "file", res.LocalPath)
	default:
		slog.Info("sync", "op", res.Decision, "file", res.LocalPath, "size", humanize.Bytes(uint64(res.Bytes)), "took", res.Elapsed)
	}
}
