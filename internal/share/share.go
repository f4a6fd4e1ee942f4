package share

import (
	"context"
	"io"
	"path"
	"strings"
)

// Dir is a reference to a directory in the share. It is cheap to copy.
type Dir struct {
	backend Backend
	path    string
	name    string
}

// Root returns the root directory of the share. Its name is the share name.
func Root(b Backend) Dir {
	return Dir{backend: b, path: "", name: b.Name()}
}

func (d Dir) Backend() Backend { return d.backend }
func (d Dir) Path() string     { return d.path }
func (d Dir) Name() string     { return d.name }
func (d Dir) IsRoot() bool     { return d.path == "" }

// Child returns a reference to the subdirectory called name.
func (d Dir) Child(name string) Dir {
	return Dir{backend: d.backend, path: Join(d.path, name), name: name}
}

// File returns a reference to the file called name in this directory.
func (d Dir) File(name string) *File {
	return &File{backend: d.backend, dir: d, name: name, path: Join(d.path, name)}
}

// List returns the immediate children of the directory.
func (d Dir) List(ctx context.Context) ([]*Entry, error) {
	return d.backend.List(ctx, d.path)
}

// CreateIfNotExists makes sure the directory exists in the share.
func (d Dir) CreateIfNotExists(ctx context.Context) error {
	if d.IsRoot() {
		return nil
	}
	return d.backend.MkdirAll(ctx, d.path)
}

// Remove deletes the directory and everything below it.
func (d Dir) Remove(ctx context.Context) error {
	return d.backend.RemoveDir(ctx, d.path)
}

// File is a reference to a remote file. The metadata bag is cached after
// FetchMetadata or SetMetadata. A File is not safe for concurrent use.
type File struct {
	backend Backend
	dir     Dir
	name    string
	path    string

	md      Metadata
	fetched bool
	exists  bool
}

func (f *File) Name() string { return f.name }
func (f *File) Path() string { return f.path }
func (f *File) Dir() Dir     { return f.dir }

// FetchMetadata refreshes the cached bag and existence flag.
// A missing object is not an error: it yields exists == false and an empty bag.
func (f *File) FetchMetadata(ctx context.Context) (exists bool, err error) {
	md, err := f.backend.Metadata(ctx, f.path)
	if err != nil {
		if IsNotFound(err) {
			f.md, f.fetched, f.exists = nil, true, false
			return false, nil
		}
		return false, err
	}
	f.md, f.fetched, f.exists = md, true, true
	return true, nil
}

// Metadata returns the cached bag, nil when not fetched or absent.
func (f *File) Metadata() Metadata {
	return f.md
}

// Fetched reports whether FetchMetadata ran successfully at least once.
func (f *File) Fetched() bool {
	return f.fetched
}

// Exists checks the backend when metadata was never fetched.
func (f *File) Exists(ctx context.Context) (bool, error) {
	if f.fetched {
		return f.exists, nil
	}
	return f.backend.Exists(ctx, f.path)
}

func (f *File) DeleteIfExists(ctx context.Context) (bool, error) {
	deleted, err := f.backend.Delete(ctx, f.path)
	if err != nil {
		return false, err
	}
	f.md, f.exists = nil, false
	return deleted, nil
}

func (f *File) OpenRead(ctx context.Context) (io.ReadCloser, error) {
	return f.backend.Open(ctx, f.path)
}

// Upload replaces the object contents. The metadata bag is not carried over.
func (f *File) Upload(ctx context.Context, body io.Reader, size int64) error {
	if err := f.backend.Put(ctx, f.path, body, size); err != nil {
		return err
	}
	f.md, f.fetched, f.exists = nil, true, true
	return nil
}

// SetMetadata replaces the whole bag on the remote object.
func (f *File) SetMetadata(ctx context.Context, md Metadata) error {
	if err := f.backend.SetMetadata(ctx, f.path, md); err != nil {
		return err
	}
	f.md = md.Clone()
	return nil
}

// Join joins share path segments with "/" and strips leading/trailing separators.
func Join(elem ...string) string {
	parts := make([]string, 0, len(elem))
	for _, e := range elem {
		e = strings.Trim(e, Separator)
		if e != "" {
			parts = append(parts, e)
		}
	}
	if len(parts) == 0 {
		return ""
	}
	return path.Clean(strings.Join(parts, Separator))
}

// Base returns the last segment of a share path.
func Base(p string) string {
	p = strings.Trim(p, Separator)
	if p == "" {
		return ""
	}
	return path.Base(p)
}
