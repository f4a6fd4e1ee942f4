package utils

import (
	"crypto/md5"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

const defaultFilePerm os.FileMode = 0o644

// FileHash calculates the MD5 hash of a file
func FileHash(filePath string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hash := md5.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}

	return fmt.Sprintf("%x", hash.Sum(nil)), nil
}

// WriteFileAtomic streams r into a temp file next to dst and renames it over dst.
// The result keeps the permissions of an existing dst, 0644 otherwise.
// A failed write leaves dst untouched. Returns the number of bytes written.
func WriteFileAtomic(dst string, r io.Reader) (int64, error) {
	if err := EnsureParent(dst); err != nil {
		return 0, err
	}

	perm := defaultFilePerm
	if info, err := os.Stat(dst); err == nil && info.Mode().IsRegular() {
		perm = info.Mode().Perm()
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".part-*")
	if err != nil {
		return 0, err
	}
	tmpName := tmp.Name()

	n, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return n, err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return n, err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return n, err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return n, err
	}
	return n, nil
}

// SetModTime stamps path with mtime, keeping atime current.
func SetModTime(path string, mtime time.Time) error {
	return os.Chtimes(path, time.Now(), mtime)
}
