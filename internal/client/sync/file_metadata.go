package sync

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/openmined/sharesync/internal/hostinfo"
	"github.com/openmined/sharesync/internal/share"
)

// LocalFile is a regular file found while listing a local directory.
type LocalFile struct {
	// Path is absolute.
	Path    string
	Name    string
	Size    int64
	ModTime time.Time
}

func newLocalFile(path string, info os.FileInfo) *LocalFile {
	return &LocalFile{
		Path:    path,
		Name:    info.Name(),
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}
}

// StatLocalFile reads the current state of the file at path.
func StatLocalFile(path string) (*LocalFile, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%s is not a regular file", path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	return newLocalFile(abs, info), nil
}

// Dir is the directory holding the file.
func (f *LocalFile) Dir() string {
	return filepath.Dir(f.Path)
}

func (f *LocalFile) Ticks() int64 {
	return share.TimeToTicks(f.ModTime)
}

// metadataFor builds the full bag describing a local file as stored in remoteDir.
func metadataFor(remoteDir share.Dir, f *LocalFile, host hostinfo.Info) share.Metadata {
	return share.Metadata{
		share.KeyLocalFileName:         f.Path,
		share.KeyLocalRelativeFileName: share.RelativeName(remoteDir.Name(), f.Name),
		share.KeyLocalLastModifiedOn:   share.FormatTicks(f.Ticks()),
		share.KeyLocalMachineName:      host.MachineName,
		share.KeyLocalFileSize:         strconv.FormatInt(f.Size, 10),
		share.KeyLocalOS:               host.OS,
	}
}

// isSameFile reports whether remote describes the file local describes: equal
// relative names and usable ticks on the remote side.
func isSameFile(local, remote share.Metadata) bool {
	localName, ok := local.RelativeName()
	if !ok {
		return false
	}
	remoteName, ok := remote.RelativeName()
	if !ok || remoteName != localName {
		return false
	}
	_, ok = remote.Ticks()
	return ok
}
