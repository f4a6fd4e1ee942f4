package share

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

const (
	Separator = "/"
)

var (
	ErrNotFound    = errors.New("object not found")
	ErrNotDir      = errors.New("not a directory")
	ErrInvalidPath = errors.New("invalid path")
)

// EntryType tells files and directories apart in a listing.
type EntryType int

const (
	EntryFile EntryType = iota
	EntryDir
)

func (t EntryType) String() string {
	if t == EntryDir {
		return "dir"
	}
	return "file"
}

// Entry is a single item returned by Backend.List.
type Entry struct {
	Type         EntryType
	Name         string
	Path         string
	Size         int64
	ETag         string
	LastModified time.Time
}

func (e *Entry) IsDir() bool {
	return e.Type == EntryDir
}

// Backend is the flat, path based contract a remote object store implements.
// Paths use "/" separators and are relative to the share root ("" is the root).
type Backend interface {
	// Name is the share name, used as the name of the root directory.
	Name() string
	List(ctx context.Context, dir string) ([]*Entry, error)
	Metadata(ctx context.Context, path string) (Metadata, error)
	SetMetadata(ctx context.Context, path string, md Metadata) error
	Exists(ctx context.Context, path string) (bool, error)
	Delete(ctx context.Context, path string) (bool, error)
	Open(ctx context.Context, path string) (io.ReadCloser, error)
	Put(ctx context.Context, path string, body io.Reader, size int64) error
	MkdirAll(ctx context.Context, dir string) error
	RemoveDir(ctx context.Context, dir string) error
}

// OpError records the backend operation and path that failed.
type OpError struct {
	Op   string
	Path string
	Err  error
}

func (e *OpError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("share.%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("share.%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

func NewOpError(op, path string, err error) *OpError {
	return &OpError{Op: op, Path: path, Err: err}
}

// IsNotFound reports whether err means the object does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
