package sync

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// FileResult is the outcome of one file sync unit.
type FileResult struct {
	Decision   Decision
	Name       string
	LocalPath  string
	RemotePath string
	Bytes      int64
	Elapsed    time.Duration
	Err        error
}

func (r *FileResult) Failed() bool {
	return r.Err != nil
}

// Summary holds the counters of a Report at one point in time.
type Summary struct {
	Uploaded          int
	Downloaded        int
	UpToDate          int
	Failed            int
	DirsSynced        int
	DirsFailed        int
	DirsCreatedLocal  int
	DirsCreatedRemote int
	BytesUp           int64
	BytesDown         int64
}

func (s Summary) String() string {
	return fmt.Sprintf("uploaded=%d (%s) downloaded=%d (%s) up-to-date=%d failed=%d dirs=%d",
		s.Uploaded, humanize.Bytes(uint64(s.BytesUp)),
		s.Downloaded, humanize.Bytes(uint64(s.BytesDown)),
		s.UpToDate, s.Failed, s.DirsSynced)
}

// Report aggregates results across a whole directory tree. Safe for concurrent use.
type Report struct {
	RunID   string
	Started time.Time

	mu       sync.Mutex
	summary  Summary
	results  []*FileResult
	failures []error
	finished time.Time
}

func NewReport(runID string) *Report {
	return &Report{RunID: runID, Started: time.Now()}
}

func (r *Report) AddFile(res *FileResult) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.results = append(r.results, res)
	if res.Err != nil {
		r.summary.Failed++
		r.failures = append(r.failures, fmt.Errorf("%s %s: %w", res.Decision, res.LocalPath, res.Err))
		return
	}

	switch res.Decision {
	case DecisionPush:
		r.summary.Uploaded++
		r.summary.BytesUp += res.Bytes
	case DecisionPull:
		r.summary.Downloaded++
		r.summary.BytesDown += res.Bytes
	case DecisionUpToDate:
		r.summary.UpToDate++
	}
}

func (r *Report) AddDir(decision Decision) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch decision {
	case DecisionCreateLocalDir:
		r.summary.DirsCreatedLocal++
	case DecisionCreateRemoteDir:
		r.summary.DirsCreatedRemote++
	}
}

// DirDone records a finished directory level. err is a level failure such as
// a listing error, not a file failure.
func (r *Report) DirDone(localDir string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.summary.DirsFailed++
		r.failures = append(r.failures, fmt.Errorf("directory %s: %w", localDir, err))
		return
	}
	r.summary.DirsSynced++
}

func (r *Report) Finish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = time.Now()
}

func (r *Report) Elapsed() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished.IsZero() {
		return time.Since(r.Started)
	}
	return r.finished.Sub(r.Started)
}

func (r *Report) Summary() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.summary
}

// Results returns a copy of every file result recorded so far.
func (r *Report) Results() []*FileResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*FileResult(nil), r.results...)
}

// Err joins every file and directory failure, nil when the run was clean.
func (r *Report) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return errors.Join(r.failures...)
}

func (r *Report) LogValue() slog.Value {
	s := r.Summary()
	return slog.GroupValue(
		slog.String("run", r.RunID),
		slog.Int("uploaded", s.Uploaded),
		slog.String("up", humanize.Bytes(uint64(s.BytesUp))),
		slog.Int("downloaded", s.Downloaded),
		slog.String("down", humanize.Bytes(uint64(s.BytesDown))),
		slog.Int("uptodate", s.UpToDate),
		slog.Int("failed", s.Failed+s.DirsFailed),
		slog.Int("dirs", s.DirsSynced),
		slog.Duration("took", r.Elapsed()),
	)
}
