package sync

import (
	"context"

	"github.com/google/uuid"
	"github.com/openmined/sharesync/internal/hostinfo"
	"github.com/openmined/sharesync/internal/scheduler"
)

// Options are shared by every engine and unit of one run.
type Options struct {
	// Async runs units and subdirectories concurrently, MaxTasks at a time per level.
	Async    bool
	MaxTasks int
	Ignore   *SyncIgnoreList
	Host     hostinfo.Info
	Report   *Report
}

// normalize returns a copy with defaults filled in.
func (o *Options) normalize() *Options {
	var out Options
	if o != nil {
		out = *o
	}
	if out.MaxTasks <= 0 {
		out.MaxTasks = scheduler.DefaultMaxTasks
	}
	if out.Host == (hostinfo.Info{}) {
		out.Host = hostinfo.Current()
	}
	if out.Report == nil {
		out.Report = NewReport(uuid.NewString())
	}
	return &out
}

func (o *Options) newScheduler(ctx context.Context) *scheduler.Scheduler {
	return scheduler.New(
		scheduler.WithContext(ctx),
		scheduler.WithAsync(o.Async),
		scheduler.WithMaxTasks(o.MaxTasks),
	)
}
