// Package dirshare serves a share from a directory on disk. Objects are plain
// files under <root>/<share>; metadata bags live in a sqlite database at
// <root>/.sharesync/<share>.db since a file system has no place for them.
package dirshare

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/jmoiron/sqlx"
	"github.com/openmined/sharesync/internal/db"
	"github.com/openmined/sharesync/internal/share"
	"github.com/openmined/sharesync/internal/utils"
)

const (
	metaDir       = ".sharesync"
	tempPrefix    = ".put-"
	schemaVersion = 1
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS metadata (
		path  TEXT NOT NULL,
		key   TEXT NOT NULL,
		value TEXT NOT NULL,
		PRIMARY KEY (path, key)
	)`,
	fmt.Sprintf(`PRAGMA user_version = %d`, schemaVersion),
}

type metadataRow struct {
	Key   string `db:"key"`
	Value string `db:"value"`
}

type Share struct {
	name string
	fs   billy.Filesystem
	db   *sqlx.DB
}

var _ share.Backend = (*Share)(nil)

// New opens (creating when needed) the share called name under root.
func New(root, name string) (*Share, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." || name == metaDir {
		return nil, fmt.Errorf("dirshare: invalid share name %q", name)
	}

	root, err := utils.ResolvePath(root)
	if err != nil {
		return nil, fmt.Errorf("dirshare: %w", err)
	}
	dataDir := filepath.Join(root, name)
	if err := utils.EnsureDir(dataDir); err != nil {
		return nil, fmt.Errorf("dirshare: %w", err)
	}

	conn, err := db.NewSqliteDB(
		db.WithPath(filepath.Join(root, metaDir, name+".db")),
		db.WithMaxOpenConns(1),
		db.WithSchema(schema...),
	)
	if err != nil {
		return nil, fmt.Errorf("dirshare: %w", err)
	}

	return &Share{
		name: name,
		fs:   osfs.New(dataDir),
		db:   conn,
	}, nil
}

func (s *Share) Name() string { return s.name }

// Root is the directory holding the share's objects.
func (s *Share) Root() string { return s.fs.Root() }

func (s *Share) Close() error {
	return s.db.Close()
}

func (s *Share) List(ctx context.Context, dir string) ([]*share.Entry, error) {
	dir, err := clean("List", dir)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	infos, err := s.fs.ReadDir(fsPath(dir))
	if err != nil {
		return nil, wrapFSError("List", dir, err)
	}

	entries := make([]*share.Entry, 0, len(infos))
	for _, info := range infos {
		if strings.HasPrefix(info.Name(), tempPrefix) {
			continue
		}
		p := share.Join(dir, info.Name())
		if info.IsDir() {
			entries = append(entries, &share.Entry{Type: share.EntryDir, Name: info.Name(), Path: p})
			continue
		}
		if !info.Mode().IsRegular() {
			continue
		}
		etag, _ := utils.FileHash(s.fs.Join(s.fs.Root(), p))
		entries = append(entries, &share.Entry{
			Type:         share.EntryFile,
			Name:         info.Name(),
			Path:         p,
			Size:         info.Size(),
			ETag:         etag,
			LastModified: info.ModTime().UTC(),
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

func (s *Share) Metadata(ctx context.Context, path string) (share.Metadata, error) {
	path, err := s.requireFile(ctx, "Metadata", path)
	if err != nil {
		return nil, err
	}

	var rows []metadataRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT key, value FROM metadata WHERE path = ?`, path); err != nil {
		return nil, share.NewOpError("Metadata", path, err)
	}
	md := make(share.Metadata, len(rows))
	for _, row := range rows {
		md[row.Key] = row.Value
	}
	return md, nil
}

func (s *Share) SetMetadata(ctx context.Context, path string, md share.Metadata) error {
	path, err := s.requireFile(ctx, "SetMetadata", path)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return share.NewOpError("SetMetadata", path, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM metadata WHERE path = ?`, path); err != nil {
		return share.NewOpError("SetMetadata", path, err)
	}
	for k, v := range md {
		if _, err := tx.ExecContext(ctx, `INSERT INTO metadata (path, key, value) VALUES (?, ?, ?)`, path, k, v); err != nil {
			return share.NewOpError("SetMetadata", path, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return share.NewOpError("SetMetadata", path, err)
	}
	return nil
}

func (s *Share) Exists(ctx context.Context, path string) (bool, error) {
	_, err := s.requireFile(ctx, "Exists", path)
	if err != nil {
		if share.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *Share) Delete(ctx context.Context, path string) (bool, error) {
	path, err := s.requireFile(ctx, "Delete", path)
	if err != nil {
		if share.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}

	if err := s.fs.Remove(path); err != nil {
		return false, wrapFSError("Delete", path, err)
	}
	if err := s.dropMetadata(ctx, path); err != nil {
		return true, share.NewOpError("Delete", path, err)
	}
	return true, nil
}

func (s *Share) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	path, err := s.requireFile(ctx, "Open", path)
	if err != nil {
		return nil, err
	}
	f, err := s.fs.Open(path)
	if err != nil {
		return nil, wrapFSError("Open", path, err)
	}
	return f, nil
}

func (s *Share) Put(ctx context.Context, path string, body io.Reader, size int64) error {
	path, err := clean("Put", path)
	if err != nil {
		return err
	}
	if path == "" {
		return share.NewOpError("Put", path, share.ErrInvalidPath)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	dir := fsPath(parentOf(path))
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return wrapFSError("Put", path, err)
	}
	tmp, err := s.fs.TempFile(dir, tempPrefix)
	if err != nil {
		return wrapFSError("Put", path, err)
	}
	tmpName := tmp.Name()

	n, err := io.Copy(tmp, body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil && size >= 0 && n != size {
		err = fmt.Errorf("size mismatch: want %d got %d", size, n)
	}
	if err != nil {
		s.fs.Remove(tmpName)
		return share.NewOpError("Put", path, err)
	}

	if err := s.fs.Rename(tmpName, path); err != nil {
		s.fs.Remove(tmpName)
		return wrapFSError("Put", path, err)
	}
	if err := s.dropMetadata(ctx, path); err != nil {
		return share.NewOpError("Put", path, err)
	}
	return nil
}

func (s *Share) MkdirAll(ctx context.Context, dir string) error {
	dir, err := clean("MkdirAll", dir)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.fs.MkdirAll(fsPath(dir), 0o755); err != nil {
		return wrapFSError("MkdirAll", dir, err)
	}
	return nil
}

func (s *Share) RemoveDir(ctx context.Context, dir string) error {
	dir, err := clean("RemoveDir", dir)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if dir == "" {
		infos, err := s.fs.ReadDir(".")
		if err != nil {
			return wrapFSError("RemoveDir", dir, err)
		}
		for _, info := range infos {
			if err := util.RemoveAll(s.fs, info.Name()); err != nil {
				return wrapFSError("RemoveDir", info.Name(), err)
			}
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM metadata`); err != nil {
			return share.NewOpError("RemoveDir", dir, err)
		}
		return nil
	}

	if err := util.RemoveAll(s.fs, dir); err != nil {
		return wrapFSError("RemoveDir", dir, err)
	}
	prefix := dir + share.Separator
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM metadata WHERE substr(path, 1, ?) = ?`, len(prefix), prefix,
	); err != nil {
		return share.NewOpError("RemoveDir", dir, err)
	}
	return nil
}

// requireFile cleans path and checks that it names a regular file.
func (s *Share) requireFile(ctx context.Context, op, path string) (string, error) {
	path, err := clean(op, path)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if path == "" {
		return "", share.NewOpError(op, path, share.ErrNotFound)
	}
	info, err := s.fs.Stat(path)
	if err != nil {
		return "", wrapFSError(op, path, err)
	}
	if !info.Mode().IsRegular() {
		return "", share.NewOpError(op, path, share.ErrNotFound)
	}
	return path, nil
}

func (s *Share) dropMetadata(ctx context.Context, path string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM metadata WHERE path = ?`, path)
	return err
}

func clean(op, p string) (string, error) {
	p = share.Join(p)
	if p == ".." || strings.HasPrefix(p, "../") {
		return "", share.NewOpError(op, p, share.ErrInvalidPath)
	}
	return p, nil
}

func fsPath(p string) string {
	if p == "" {
		return "."
	}
	return p
}

func parentOf(p string) string {
	i := strings.LastIndex(p, share.Separator)
	if i < 0 {
		return ""
	}
	return p[:i]
}

func wrapFSError(op, path string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		err = share.ErrNotFound
	case errors.Is(err, os.ErrInvalid):
		err = share.ErrInvalidPath
	}
	return share.NewOpError(op, path, err)
}
