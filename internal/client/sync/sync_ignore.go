package sync

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/openmined/sharesync/internal/utils"
	gitignore "github.com/sabhiram/go-gitignore"
)

const (
	IgnoreFileName = ".syncignore"
	LockFileName   = ".sharesync.lock"
)

// the engine's own files never leave the machine
var defaultIgnoreLines = []string{
	IgnoreFileName,
	LockFileName,
	".*.part-*",
}

// SyncIgnoreList decides which local paths are left out of a sync. Rules are the
// defaults, then the lines of .syncignore in the base directory, then exclude globs.
type SyncIgnoreList struct {
	baseDir  string
	excludes []string

	mu     sync.RWMutex
	ignore *gitignore.GitIgnore
}

// NewSyncIgnoreList validates the exclude globs (doublestar syntax, matched
// against slash separated paths relative to baseDir) and compiles the rules.
func NewSyncIgnoreList(baseDir string, excludes ...string) (*SyncIgnoreList, error) {
	for _, pattern := range excludes {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid exclude pattern %q", pattern)
		}
	}
	s := &SyncIgnoreList{baseDir: baseDir, excludes: excludes}
	s.Load()
	return s, nil
}

// Load recompiles the rules, picking up edits to .syncignore. A missing or
// unreadable .syncignore only costs its rules.
func (s *SyncIgnoreList) Load() {
	ignorePath := filepath.Join(s.baseDir, IgnoreFileName)
	ignoreLines := append([]string(nil), defaultIgnoreLines...)

	if utils.FileExists(ignorePath) {
		lines, err := readIgnoreFile(ignorePath)
		if err != nil {
			slog.Warn("sync ignore", "path", ignorePath, "error", err)
		} else {
			ignoreLines = append(ignoreLines, lines...)
			slog.Info("sync ignore loaded", "path", ignorePath, "rules", len(lines))
		}
	}

	compiled := gitignore.CompileIgnoreLines(ignoreLines...)
	s.mu.Lock()
	s.ignore = compiled
	s.mu.Unlock()
}

func readIgnoreFile(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	return lines, scanner.Err()
}

// ShouldIgnore takes an absolute path or one relative to the base directory.
// Paths outside the base directory are never ignored.
func (s *SyncIgnoreList) ShouldIgnore(path string, isDir bool) bool {
	rel := path
	if filepath.IsAbs(path) {
		var err error
		rel, err = filepath.Rel(s.baseDir, path)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return false
		}
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || rel == "" {
		return false
	}

	s.mu.RLock()
	ignore := s.ignore
	s.mu.RUnlock()
	if ignore.MatchesPath(rel) || isDir && ignore.MatchesPath(rel+"/") {
		return true
	}

	for _, pattern := range s.excludes {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
		if isDir {
			if ok, _ := doublestar.Match(pattern, rel+"/"); ok {
				return true
			}
		}
	}
	return false
}
