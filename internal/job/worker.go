package job

import (
	"sync"

	"golang.org/x/sync/errgroup"
)

// pool runs job destructors on a small fixed set of goroutines rather
// than one-goroutine-per-job: a bounded worker pool with proper
// fan-in shutdown (golang.org/x/sync/errgroup) instead of a
// sleep-then-hope cancellation. Shutdown closes the work channel;
// every worker drains whatever was already queued before returning,
// so no destructor submitted before Shutdown
// is ever dropped.
type pool struct {
	work  chan func()
	group *errgroup.Group
}

const defaultWorkers = 4

var (
	poolOnce sync.Once
	active   *pool
)

func newPool(workers int) *pool {
	if workers <= 0 {
		workers = defaultWorkers
	}
	g := &errgroup.Group{}
	p := &pool{work: make(chan func(), 256), group: g}
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for fn := range p.work {
				fn()
			}
			return nil
		})
	}
	return p
}

func defaultPool() *pool {
	poolOnce.Do(func() { active = newPool(defaultWorkers) })
	return active
}

// Submit enqueues fn onto the shared destructor worker pool. Submit
// never blocks the caller waiting for fn to run.
func Submit(fn func()) {
	defaultPool().work <- fn
}

// Shutdown stops accepting new work and waits for every in-flight
// destructor to finish. Intended for device teardown and tests; it is
// not required on the hot path.
func Shutdown() {
	p := defaultPool()
	close(p.work)
	_ = p.group.Wait()
	poolOnce = sync.Once{}
}
