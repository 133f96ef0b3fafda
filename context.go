package host1x

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/go-host1x/internal/job"
)

// Context is one client's submission context: the unit Submit's
// caller-visible job accounting is scoped to. A Context has no
// channel or entity of its own — Device routes each submission to a
// channel per job, keyed by (context, channel) for ordering.
type Context struct {
	id        uint32
	active    atomic.Int32
	completed atomic.Uint64
}

func newContext(id uint32) *Context {
	return &Context{id: id}
}

// ID returns the context's device-assigned identifier.
func (c *Context) ID() uint32 { return c.id }

// ActiveJobs reports how many jobs submitted on this context have not
// yet completed.
func (c *Context) ActiveJobs() int32 { return c.active.Load() }

func (c *Context) addActive() { c.active.Add(1) }

// CompletedJobs reports the cumulative number of jobs submitted on
// this context that have completed, across the context's lifetime
// (never reset, unlike ActiveJobs).
func (c *Context) CompletedJobs() uint64 { return c.completed.Load() }

// JobCompleted implements job.Owner: it is invoked once, from the job
// worker pool, during the last reference's destructor.
func (c *Context) JobCompleted() {
	c.active.Add(-1)
	c.completed.Add(1)
}

// Wait blocks until this context's cumulative completed-job count
// reaches threshold, or ctx is done. It polls rather than parking on a
// sync.Cond so a cancelled wait never leaks a goroutine waiting on a
// broadcast that may never come. Because threshold compares against a
// monotonically increasing counter rather than the live active count,
// a caller can wait for "at least N completions so far" even while
// further jobs are still outstanding or newly submitted.
func (c *Context) Wait(ctx context.Context, threshold uint64) error {
	if c.completed.Load() >= threshold {
		return nil
	}
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return NewError("context_wait", ErrInterrupted, "wait interrupted")
		case <-ticker.C:
			if c.completed.Load() >= threshold {
				return nil
			}
		}
	}
}

var _ job.Owner = (*Context)(nil)
