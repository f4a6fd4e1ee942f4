// Package utils holds small file, path and logging helpers.
package utils

import (
	"bytes"
	"fmt"
	"io"
	"sync"
	"time"
)

// LogInterceptor numbers and timestamps every line written through it, so the
// log file of a long watch session can be read in order even when runs overlap
// in the terminal. Incomplete lines are held until their newline arrives.
type LogInterceptor struct {
	target io.Writer

	mu      sync.Mutex
	line    uint64
	pending []byte
	now     func() time.Time
}

func NewLogInterceptor(target io.Writer) *LogInterceptor {
	return &LogInterceptor{target: target, now: time.Now}
}

// Write reports len(p) on success even though more bytes reach the target.
func (i *LogInterceptor) Write(p []byte) (int, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.pending = append(i.pending, p...)
	for {
		idx := bytes.IndexByte(i.pending, '\n')
		if idx < 0 {
			break
		}
		line := bytes.TrimSuffix(i.pending[:idx], []byte{'\r'})
		if err := i.emit(line); err != nil {
			return 0, err
		}
		i.pending = i.pending[idx+1:]
	}
	if len(i.pending) == 0 {
		i.pending = nil
	}
	return len(p), nil
}

// Close writes out a trailing line that never got its newline. The target is
// left open.
func (i *LogInterceptor) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if len(i.pending) == 0 {
		return nil
	}
	err := i.emit(i.pending)
	i.pending = nil
	return err
}

func (i *LogInterceptor) emit(line []byte) error {
	i.line++
	prefix := fmt.Sprintf("line=%d time=%s ", i.line, i.now().Format(time.RFC3339))
	buf := make([]byte, 0, len(prefix)+len(line)+1)
	buf = append(buf, prefix...)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	_, err := i.target.Write(buf)
	return err
}
