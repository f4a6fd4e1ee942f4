// Package memshare is an in-memory share backend. It keeps objects, metadata bags
// and directories in maps and lets callers inject failures per operation and path.
package memshare

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/openmined/sharesync/internal/share"
)

type object struct {
	data     []byte
	md       share.Metadata
	modified time.Time
}

// FailFunc decides whether op on path should fail. Return nil to let it through.
type FailFunc func(op, path string) error

type Share struct {
	name string

	mu      sync.RWMutex
	objects map[string]*object
	dirs    map[string]struct{}
	calls   map[string]int
	fail    FailFunc
}

var _ share.Backend = (*Share)(nil)

func New(name string) *Share {
	return &Share{
		name:    name,
		objects: make(map[string]*object),
		dirs:    make(map[string]struct{}),
		calls:   make(map[string]int),
	}
}

func (s *Share) Name() string { return s.name }

// FailWith installs a failure hook. Pass nil to clear it.
func (s *Share) FailWith(fn FailFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = fn
}

// Calls returns how many times op was invoked.
func (s *Share) Calls(op string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.calls[op]
}

// ResetCalls zeroes the call counters.
func (s *Share) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = make(map[string]int)
}

// WriteFile stores an object directly, bypassing hooks. md may be nil.
func (s *Share) WriteFile(path string, data []byte, md share.Metadata) {
	s.mu.Lock()
	defer s.mu.Unlock()
	path = share.Join(path)
	s.mkdirAllLocked(parentOf(path))
	s.objects[path] = &object{data: bytes.Clone(data), md: md.Clone(), modified: time.Now().UTC()}
}

// ReadFile returns an object's bytes and bag, bypassing hooks.
func (s *Share) ReadFile(path string) ([]byte, share.Metadata, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[share.Join(path)]
	if !ok {
		return nil, nil, false
	}
	return bytes.Clone(obj.data), obj.md.Clone(), true
}

// HasDir reports whether dir exists.
func (s *Share) HasDir(dir string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.dirs[share.Join(dir)]
	return ok
}

// Paths returns every object path, sorted.
func (s *Share) Paths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.objects))
	for p := range s.objects {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (s *Share) List(ctx context.Context, dir string) ([]*share.Entry, error) {
	dir = share.Join(dir)
	if err := s.enter(ctx, "List", dir); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if dir != "" {
		if _, ok := s.dirs[dir]; !ok {
			return nil, share.NewOpError("List", dir, share.ErrNotFound)
		}
	}

	var entries []*share.Entry
	for p, obj := range s.objects {
		if parentOf(p) == dir {
			entries = append(entries, &share.Entry{
				Type:         share.EntryFile,
				Name:         share.Base(p),
				Path:         p,
				Size:         int64(len(obj.data)),
				LastModified: obj.modified,
			})
		}
	}
	for d := range s.dirs {
		if d != "" && parentOf(d) == dir {
			entries = append(entries, &share.Entry{Type: share.EntryDir, Name: share.Base(d), Path: d})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

func (s *Share) Metadata(ctx context.Context, path string) (share.Metadata, error) {
	path = share.Join(path)
	if err := s.enter(ctx, "Metadata", path); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[path]
	if !ok {
		return nil, share.NewOpError("Metadata", path, share.ErrNotFound)
	}
	if obj.md == nil {
		return share.Metadata{}, nil
	}
	return obj.md.Clone(), nil
}

func (s *Share) SetMetadata(ctx context.Context, path string, md share.Metadata) error {
	path = share.Join(path)
	if err := s.enter(ctx, "SetMetadata", path); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[path]
	if !ok {
		return share.NewOpError("SetMetadata", path, share.ErrNotFound)
	}
	obj.md = md.Clone()
	return nil
}

func (s *Share) Exists(ctx context.Context, path string) (bool, error) {
	path = share.Join(path)
	if err := s.enter(ctx, "Exists", path); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[path]
	return ok, nil
}

func (s *Share) Delete(ctx context.Context, path string) (bool, error) {
	path = share.Join(path)
	if err := s.enter(ctx, "Delete", path); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[path]; !ok {
		return false, nil
	}
	delete(s.objects, path)
	return true, nil
}

func (s *Share) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	path = share.Join(path)
	if err := s.enter(ctx, "Open", path); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[path]
	if !ok {
		return nil, share.NewOpError("Open", path, share.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(bytes.Clone(obj.data))), nil
}

func (s *Share) Put(ctx context.Context, path string, body io.Reader, size int64) error {
	path = share.Join(path)
	if err := s.enter(ctx, "Put", path); err != nil {
		return err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return share.NewOpError("Put", path, err)
	}
	if size >= 0 && int64(len(data)) != size {
		return share.NewOpError("Put", path, fmt.Errorf("size mismatch: want %d got %d", size, len(data)))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mkdirAllLocked(parentOf(path))
	s.objects[path] = &object{data: data, modified: time.Now().UTC()}
	return nil
}

func (s *Share) MkdirAll(ctx context.Context, dir string) error {
	dir = share.Join(dir)
	if err := s.enter(ctx, "MkdirAll", dir); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mkdirAllLocked(dir)
	return nil
}

func (s *Share) RemoveDir(ctx context.Context, dir string) error {
	dir = share.Join(dir)
	if err := s.enter(ctx, "RemoveDir", dir); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := dir + share.Separator
	for p := range s.objects {
		if dir == "" || strings.HasPrefix(p, prefix) {
			delete(s.objects, p)
		}
	}
	for d := range s.dirs {
		if d == dir || dir == "" || strings.HasPrefix(d, prefix) {
			delete(s.dirs, d)
		}
	}
	return nil
}

func (s *Share) enter(ctx context.Context, op, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.calls[op]++
	fail := s.fail
	s.mu.Unlock()
	if fail != nil {
		if err := fail(op, path); err != nil {
			return share.NewOpError(op, path, err)
		}
	}
	return nil
}

func (s *Share) mkdirAllLocked(dir string) {
	for dir != "" {
		s.dirs[dir] = struct{}{}
		dir = parentOf(dir)
	}
}

func parentOf(p string) string {
	i := strings.LastIndex(p, share.Separator)
	if i < 0 {
		return ""
	}
	return p[:i]
}
