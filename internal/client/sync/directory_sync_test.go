package sync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openmined/sharesync/internal/share"
	"github.com/openmined/sharesync/internal/share/dirshare"
	"github.com/openmined/sharesync/internal/share/memshare"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runEngine(t *testing.T, b share.Backend, dir string, async bool) *Report {
	t.Helper()
	opts := testOptions(t, dir)
	opts.Async = async
	report, err := NewDirectorySync(share.Root(b), dir, opts).Run(context.Background())
	require.NoError(t, err)
	return report
}

func seedLocalTree(t *testing.T, dir string) {
	t.Helper()
	writeLocal(t, filepath.Join(dir, "a.txt"), "alpha", oldTime)
	writeLocal(t, filepath.Join(dir, "sub", "b.txt"), "bravo", oldTime)
	writeLocal(t, filepath.Join(dir, "sub", "deep", "c.txt"), "charlie", newTime)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "empty"), 0o755))
}

func TestDirectorySync_UploadTree(t *testing.T) {
	for _, async := range []bool{false, true} {
		t.Run(fmt.Sprintf("async=%v", async), func(t *testing.T) {
			dir := t.TempDir()
			seedLocalTree(t, dir)
			remote := memshare.New("docs")

			report := runEngine(t, remote, dir, async)
			require.NoError(t, report.Err())

			assert.Equal(t, []string{"a.txt", "sub/b.txt", "sub/deep/c.txt"}, remote.Paths())
			assert.True(t, remote.HasDir("empty"))
			assert.True(t, remote.HasDir("sub/deep"))

			_, md, _ := remote.ReadFile("sub/deep/c.txt")
			assert.Equal(t, `deep\c.txt`, md[share.KeyLocalRelativeFileName])
			_, md, _ = remote.ReadFile("a.txt")
			assert.Equal(t, `docs\a.txt`, md[share.KeyLocalRelativeFileName])

			s := report.Summary()
			assert.Equal(t, 3, s.Uploaded)
			assert.EqualValues(t, len("alpha")+len("bravo")+len("charlie"), s.BytesUp)
			assert.Equal(t, 3, s.DirsCreatedRemote)
			assert.Equal(t, 4, s.DirsSynced)
			assert.Len(t, report.Results(), 3)
		})
	}
}

func TestDirectorySync_Idempotent(t *testing.T) {
	dir := t.TempDir()
	seedLocalTree(t, dir)
	remote := memshare.New("docs")
	remote.WriteFile("remote-only.txt", []byte("r"), nil)
	remote.WriteFile("pulled/x.txt", []byte("x"), bagFor(`pulled\x.txt`, newTime))

	first := runEngine(t, remote, dir, true)
	require.NoError(t, first.Err())
	assert.Equal(t, 3, first.Summary().Uploaded)
	assert.Equal(t, 2, first.Summary().Downloaded)

	remote.ResetCalls()
	second := runEngine(t, remote, dir, true)
	require.NoError(t, second.Err())

	s := second.Summary()
	assert.Equal(t, 0, s.Uploaded)
	assert.Equal(t, 0, s.Downloaded)
	assert.Equal(t, 5, s.UpToDate)
	assert.Equal(t, 0, s.DirsCreatedLocal+s.DirsCreatedRemote)
	for _, op := range []string{"Put", "Delete", "Open", "SetMetadata"} {
		assert.Zero(t, remote.Calls(op), op)
	}
}

func TestDirectorySync_RemoteOnlyContent(t *testing.T) {
	dir := t.TempDir()
	remote := memshare.New("docs")
	remote.WriteFile("x.txt", []byte("ex"), bagFor(`docs\x.txt`, oldTime))
	remote.WriteFile("photos/2024/y.jpg", []byte("why"), nil)
	require.NoError(t, remote.MkdirAll(context.Background(), "photos/empty"))

	report := runEngine(t, remote, dir, false)
	require.NoError(t, report.Err())

	assert.Equal(t, "ex", readLocal(t, filepath.Join(dir, "x.txt")))
	assert.Equal(t, "why", readLocal(t, filepath.Join(dir, "photos", "2024", "y.jpg")))
	assert.DirExists(t, filepath.Join(dir, "photos", "empty"))

	info, err := os.Stat(filepath.Join(dir, "x.txt"))
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(oldTime))

	s := report.Summary()
	assert.Equal(t, 2, s.Downloaded)
	assert.Equal(t, 3, s.DirsCreatedLocal)

	// the bag-less object was adopted
	_, md, _ := remote.ReadFile("photos/2024/y.jpg")
	assert.True(t, md.Complete())
	assert.Equal(t, `2024\y.jpg`, md[share.KeyLocalRelativeFileName])
}

func TestDirectorySync_MatchesDirectoriesIgnoringCase(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "reports"), 0o755))
	remote := memshare.New("docs")
	remote.WriteFile("Reports/q1.txt", []byte("q1"), bagFor(`Reports\q1.txt`, oldTime))

	report := runEngine(t, remote, dir, false)
	require.NoError(t, report.Err())

	assert.Equal(t, "q1", readLocal(t, filepath.Join(dir, "reports", "q1.txt")))
	assert.Equal(t, 0, report.Summary().DirsCreatedLocal)
	assert.Equal(t, 0, report.Summary().DirsCreatedRemote)
	assert.False(t, remote.HasDir("reports"))
}

func TestDirectorySync_FailureIsolation(t *testing.T) {
	dir := t.TempDir()
	seedLocalTree(t, dir)
	writeLocal(t, filepath.Join(dir, "bad.txt"), "nope", oldTime)
	remote := memshare.New("docs")
	remote.FailWith(func(op, path string) error {
		if op == "Put" && path == "bad.txt" {
			return errors.New("access denied")
		}
		if op == "List" && path == "sub/deep" {
			return errors.New("timeout")
		}
		return nil
	})

	report := runEngine(t, remote, dir, true)

	assert.Equal(t, []string{"a.txt", "sub/b.txt"}, remote.Paths())
	s := report.Summary()
	assert.Equal(t, 2, s.Uploaded)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 1, s.DirsFailed)
	assert.ErrorContains(t, report.Err(), "bad.txt")
	assert.ErrorContains(t, report.Err(), "timeout")
}

func TestDirectorySync_RootListFailure(t *testing.T) {
	dir := t.TempDir()
	remote := memshare.New("docs")
	remote.FailWith(func(op, path string) error {
		if op == "List" {
			return errors.New("unreachable")
		}
		return nil
	})

	report, err := NewDirectorySync(share.Root(remote), dir, testOptions(t, dir)).Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, report.Summary().DirsFailed)
}

func TestDirectorySync_RespectsConcurrencyCap(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 8; i++ {
		writeLocal(t, filepath.Join(dir, fmt.Sprintf("f%d.txt", i)), "data", oldTime)
	}

	var (
		active  atomic.Int32
		maxSeen atomic.Int32
	)
	remote := memshare.New("docs")
	remote.FailWith(func(op, path string) error {
		if op != "Put" {
			return nil
		}
		n := active.Add(1)
		for {
			m := maxSeen.Load()
			if n <= m || maxSeen.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		active.Add(-1)
		return nil
	})

	opts := testOptions(t, dir)
	opts.Async = true
	opts.MaxTasks = 3
	report, err := NewDirectorySync(share.Root(remote), dir, opts).Run(context.Background())
	require.NoError(t, err)
	require.NoError(t, report.Err())

	assert.Equal(t, 8, report.Summary().Uploaded)
	assert.LessOrEqual(t, maxSeen.Load(), int32(3))
	assert.GreaterOrEqual(t, maxSeen.Load(), int32(1))
}

func TestDirectorySync_FilesFinishBeforeSubdirectories(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 5; i++ {
		writeLocal(t, filepath.Join(dir, fmt.Sprintf("f%d.txt", i)), "data", oldTime)
	}
	writeLocal(t, filepath.Join(dir, "sub1", "x.txt"), "x", oldTime)
	writeLocal(t, filepath.Join(dir, "sub2", "y.txt"), "y", oldTime)

	var (
		mu     sync.Mutex
		events []string
	)
	record := func(e string) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}
	remote := memshare.New("docs")
	remote.FailWith(func(op, path string) error {
		rootLevel := !strings.Contains(path, share.Separator)
		switch {
		case op == "Put" && rootLevel:
			time.Sleep(20 * time.Millisecond)
		case op == "SetMetadata" && rootLevel:
			// last remote call of a push
			time.Sleep(20 * time.Millisecond)
			record("file:" + path)
		case op == "List" && path != "":
			record("list:" + path)
		}
		return nil
	})

	opts := testOptions(t, dir)
	opts.Async = true
	opts.MaxTasks = 5
	report, err := NewDirectorySync(share.Root(remote), dir, opts).Run(context.Background())
	require.NoError(t, err)
	require.NoError(t, report.Err())
	assert.Equal(t, 7, report.Summary().Uploaded)

	mu.Lock()
	defer mu.Unlock()
	lastFile, firstList := -1, len(events)
	files, lists := 0, 0
	for i, e := range events {
		if strings.HasPrefix(e, "file:") {
			lastFile = i
			files++
		} else if firstList == len(events) {
			firstList = i
		}
		if strings.HasPrefix(e, "list:") {
			lists++
		}
	}
	assert.Equal(t, 5, files)
	assert.Equal(t, 2, lists)
	assert.Less(t, lastFile, firstList, "subdirectory listed before root files finished: %v", events)
}

func TestDirectorySync_SyncModeRunsOneAtATime(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 4; i++ {
		writeLocal(t, filepath.Join(dir, fmt.Sprintf("f%d.txt", i)), "data", oldTime)
	}

	var (
		mu      sync.Mutex
		active  int
		overlap bool
	)
	remote := memshare.New("docs")
	remote.FailWith(func(op, path string) error {
		if op != "Put" {
			return nil
		}
		mu.Lock()
		active++
		overlap = overlap || active > 1
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return nil
	})

	report := runEngine(t, remote, dir, false)
	assert.Equal(t, 4, report.Summary().Uploaded)
	assert.False(t, overlap)
}

func TestDirectorySync_IgnoreRules(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, IgnoreFileName), []byte("*.log\nbuild/\n"), 0o644))
	writeLocal(t, filepath.Join(dir, "keep.txt"), "k", oldTime)
	writeLocal(t, filepath.Join(dir, "debug.log"), "d", oldTime)
	writeLocal(t, filepath.Join(dir, "build", "out.bin"), "b", oldTime)
	writeLocal(t, filepath.Join(dir, LockFileName), "", oldTime)

	remote := memshare.New("docs")
	remote.WriteFile("server.log", []byte("s"), nil)
	remote.WriteFile("build/remote.bin", []byte("r"), nil)

	report := runEngine(t, remote, dir, false)
	require.NoError(t, report.Err())

	assert.Equal(t, []string{"build/remote.bin", "keep.txt", "server.log"}, remote.Paths())
	assert.NoFileExists(t, filepath.Join(dir, "server.log"))
	assert.NoFileExists(t, filepath.Join(dir, "build", "remote.bin"))
	assert.Equal(t, 1, report.Summary().Uploaded)
	assert.Equal(t, 0, report.Summary().Downloaded)
}

func TestDirectorySync_DeleteAll(t *testing.T) {
	dir := t.TempDir()
	seedLocalTree(t, dir)
	remote := memshare.New("docs")
	runEngine(t, remote, dir, false)
	require.NotEmpty(t, remote.Paths())

	opts := testOptions(t, dir)
	opts.Async = true
	require.NoError(t, NewDirectorySync(share.Root(remote), dir, opts).DeleteAll(context.Background()))

	assert.Empty(t, remote.Paths())
	assert.False(t, remote.HasDir("sub"))
	assert.False(t, remote.HasDir("empty"))
	// local content is untouched
	assert.FileExists(t, filepath.Join(dir, "sub", "deep", "c.txt"))
}

func TestDirectorySync_DeleteAllCollectsFailures(t *testing.T) {
	dir := t.TempDir()
	remote := memshare.New("docs")
	remote.WriteFile("a.txt", []byte("a"), nil)
	remote.WriteFile("b.txt", []byte("b"), nil)
	remote.FailWith(func(op, path string) error {
		if op == "Delete" && path == "a.txt" {
			return errors.New("locked")
		}
		return nil
	})

	err := NewDirectorySync(share.Root(remote), dir, testOptions(t, dir)).DeleteAll(context.Background())
	require.Error(t, err)
	assert.ErrorContains(t, err, "locked")
	assert.Equal(t, []string{"a.txt"}, remote.Paths())
}

func TestDirectorySync_CleanAndDownload(t *testing.T) {
	dir := t.TempDir()
	remote := memshare.New("docs")
	remote.WriteFile("a.txt", []byte("remote a"), bagFor(`docs\a.txt`, oldTime))
	remote.WriteFile("sub/b.txt", []byte("remote b"), bagFor(`sub\b.txt`, oldTime))

	// local edits are newer and would normally be pushed
	writeLocal(t, filepath.Join(dir, "a.txt"), "local a", newTime)
	writeLocal(t, filepath.Join(dir, "local-only", "c.txt"), "c", newTime)
	require.NoError(t, os.WriteFile(filepath.Join(dir, IgnoreFileName), []byte("*.tmp\n"), 0o644))
	writeLocal(t, filepath.Join(dir, "scratch.tmp"), "t", newTime)

	report, err := NewDirectorySync(share.Root(remote), dir, testOptions(t, dir)).CleanAndDownload(context.Background())
	require.NoError(t, err)
	require.NoError(t, report.Err())

	assert.Equal(t, "remote a", readLocal(t, filepath.Join(dir, "a.txt")))
	assert.Equal(t, "remote b", readLocal(t, filepath.Join(dir, "sub", "b.txt")))
	assert.NoDirExists(t, filepath.Join(dir, "local-only"))
	assert.FileExists(t, filepath.Join(dir, "scratch.tmp"))
	assert.FileExists(t, filepath.Join(dir, IgnoreFileName))

	assert.Equal(t, 2, report.Summary().Downloaded)
	assert.Equal(t, 0, report.Summary().Uploaded)
	assert.Equal(t, []string{"a.txt", "sub/b.txt"}, remote.Paths())
}

func TestDirectorySync_RoundTripThroughDirShare(t *testing.T) {
	shareRoot := t.TempDir()
	remote, err := dirshare.New(shareRoot, "docs")
	require.NoError(t, err)
	t.Cleanup(func() { remote.Close() })

	machineA := t.TempDir()
	seedLocalTree(t, machineA)
	report := runEngine(t, remote, machineA, true)
	require.NoError(t, report.Err())
	assert.Equal(t, 3, report.Summary().Uploaded)

	machineB := t.TempDir()
	report = runEngine(t, remote, machineB, true)
	require.NoError(t, report.Err())
	assert.Equal(t, 3, report.Summary().Downloaded)

	for _, rel := range []string{"a.txt", filepath.Join("sub", "b.txt"), filepath.Join("sub", "deep", "c.txt")} {
		assert.Equal(t, readLocal(t, filepath.Join(machineA, rel)), readLocal(t, filepath.Join(machineB, rel)), rel)

		infoA, err := os.Stat(filepath.Join(machineA, rel))
		require.NoError(t, err)
		infoB, err := os.Stat(filepath.Join(machineB, rel))
		require.NoError(t, err)
		assert.True(t, infoA.ModTime().Equal(infoB.ModTime()), rel)
	}
	assert.DirExists(t, filepath.Join(machineB, "empty"))

	// both machines now agree with the share
	for _, dir := range []string{machineA, machineB} {
		report = runEngine(t, remote, dir, false)
		require.NoError(t, report.Err())
		assert.Equal(t, 3, report.Summary().UpToDate)
		assert.Equal(t, 0, report.Summary().Uploaded+report.Summary().Downloaded)
	}

	// an edit on B flows to A
	writeLocal(t, filepath.Join(machineB, "a.txt"), "edited on b", newTime.Add(time.Hour))
	report = runEngine(t, remote, machineB, false)
	assert.Equal(t, 1, report.Summary().Uploaded)
	report = runEngine(t, remote, machineA, false)
	assert.Equal(t, 1, report.Summary().Downloaded)
	assert.Equal(t, "edited on b", readLocal(t, filepath.Join(machineA, "a.txt")))
}
