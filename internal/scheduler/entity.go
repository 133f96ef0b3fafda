package scheduler

import (
	"sync"

	"github.com/ehrlich-b/go-host1x/internal/job"
	"github.com/ehrlich-b/go-host1x/internal/pushbuffer"
	"github.com/ehrlich-b/go-host1x/internal/syncpoint"
)

// Entity is one context's in-order run-queue for one channel. Jobs
// inside an entity execute in submit order; entities across contexts
// or channels may run concurrently.
type Entity struct {
	mu      sync.Mutex
	channel *pushbuffer.Channel
	queue   []*job.Job
}

// NewEntity creates an entity feeding ch.
func NewEntity(ch *pushbuffer.Channel) *Entity {
	return &Entity{channel: ch}
}

// Channel returns the channel this entity feeds.
func (e *Entity) Channel() *pushbuffer.Channel { return e.channel }

// Push enqueues j at the tail of the entity's run-queue.
func (e *Entity) Push(j *job.Job) {
	e.mu.Lock()
	e.queue = append(e.queue, j)
	e.mu.Unlock()
}

// Peek returns the head job without removing it.
func (e *Entity) Peek() (*job.Job, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.queue) == 0 {
		return nil, false
	}
	return e.queue[0], true
}

// PushFront re-queues jobs at the head of the run-queue, in order,
// ahead of anything already waiting. Used by the recovery path to put
// a channel's surviving in-flight jobs back up for resubmission.
func (e *Entity) PushFront(jobs []*job.Job) {
	if len(jobs) == 0 {
		return
	}
	e.mu.Lock()
	e.queue = append(append([]*job.Job{}, jobs...), e.queue...)
	e.mu.Unlock()
}

// Pop removes the head job. It is a no-op if the queue is empty.
func (e *Entity) Pop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.queue) == 0 {
		return
	}
	e.queue[0] = nil
	e.queue = e.queue[1:]
}

// Len reports the number of jobs currently queued.
func (e *Entity) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// Dependency implements dependency(job): the next unresolved
// pre-fence, either the job's incoming fence or a fence attached to
// one of its BO-residency reservations. Returns nil once every
// pre-fence has signalled.
func Dependency(j *job.Job) *syncpoint.Fence {
	for _, f := range j.PreFences {
		if done, _ := f.Signalled(); !done {
			return f
		}
	}
	return nil
}
