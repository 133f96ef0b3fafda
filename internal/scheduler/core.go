package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/ehrlich-b/go-host1x/internal/abi"
	"github.com/ehrlich-b/go-host1x/internal/constants"
	"github.com/ehrlich-b/go-host1x/internal/hosterr"
	"github.com/ehrlich-b/go-host1x/internal/job"
	"github.com/ehrlich-b/go-host1x/internal/logging"
	"github.com/ehrlich-b/go-host1x/internal/pushbuffer"
	"github.com/ehrlich-b/go-host1x/internal/syncpoint"
)

// hostWaitReg is the scheduler's own bookkeeping register for a
// trailing host-side wait word. It is never exposed to engine
// firewall tables; it only ever appears in words this package itself
// writes into the push buffer.
const hostWaitReg = 0xfff

// Core drives every channel's entities cooperatively: a per-tag
// run/complete state machine generalized to a per-job state machine
// driven under each channel's push lock.
type Core struct {
	channels []*pushbuffer.Channel
	adapters map[int]pushbuffer.HardwareAdapter
	pushMu   map[int]*sync.Mutex

	registry *syncpoint.Registry
	mlocks   *pushbuffer.MLockTable
	logger   *logging.Logger

	mu        sync.Mutex
	entities  map[int][]*Entity // channel index -> entities feeding it
	wake      chan struct{}     // buffered, signalled whenever a dependency resolves
	waiting   map[*syncpoint.Fence]bool
	inflight  map[int][]*job.Job // channel index -> jobs pushed but not yet retired, in push order
	OnRetire  func(j *job.Job)    // optional hook invoked once a pushed job's out-fence signals successfully
	OnPush    func(ch *pushbuffer.Channel, j *job.Job) // optional hook invoked right after a job is pushed, for the caller to arm its own watchdog
}

// NewCore wires a scheduler core over a fixed set of channels, each
// with its own hardware adapter.
func NewCore(channels []*pushbuffer.Channel, adapters map[int]pushbuffer.HardwareAdapter, registry *syncpoint.Registry, mlocks *pushbuffer.MLockTable) *Core {
	pushMu := make(map[int]*sync.Mutex, len(channels))
	for _, ch := range channels {
		pushMu[ch.Index] = &sync.Mutex{}
	}
	return &Core{
		channels: channels,
		adapters: adapters,
		pushMu:   pushMu,
		registry: registry,
		mlocks:   mlocks,
		logger:   logging.Default(),
		entities: make(map[int][]*Entity),
		wake:     make(chan struct{}, 1),
		waiting:  make(map[*syncpoint.Fence]bool),
		inflight: make(map[int][]*job.Job),
	}
}

// PickChannel implements channel selection for a job's pipe mask.
func (c *Core) PickChannel(pipes uint32) (*pushbuffer.Channel, error) {
	return pickChannel(c.channels, pipes)
}

// EntityFor creates a new entity feeding ch and registers it with the
// Run loop. Every call returns a fresh entity; keeping one per
// (context, channel) pair is up to the caller (the root package keys
// its own map by context id). Core only tracks which entities feed
// which channel.
func (c *Core) EntityFor(ch *pushbuffer.Channel) *Entity {
	e := NewEntity(ch)
	c.mu.Lock()
	c.entities[ch.Index] = append(c.entities[ch.Index], e)
	c.mu.Unlock()
	return e
}

func (c *Core) notify() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Run drives every channel's entities until ctx is cancelled. Each
// iteration tries to push every entity's ready head job, then sleeps
// until either a dependency resolves (notify) or a bounded poll
// interval elapses.
func (c *Core) Run(ctx context.Context) error {
	for {
		progressed, err := c.runOnce(ctx)
		if err != nil {
			return err
		}
		if progressed {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-c.wake:
		case <-time.After(constants.RecoveryPollInterval):
		}
	}
}

// runOnce attempts one push per ready entity head; it returns
// progressed=true if at least one job was pushed.
func (c *Core) runOnce(ctx context.Context) (bool, error) {
	c.mu.Lock()
	snapshot := make([]*Entity, 0)
	for _, ents := range c.entities {
		snapshot = append(snapshot, ents...)
	}
	c.mu.Unlock()

	progressed := false
	for _, e := range snapshot {
		j, ok := e.Peek()
		if !ok {
			continue
		}
		if f := Dependency(j); f != nil {
			c.ensureWaiting(ctx, f)
			continue
		}
		if err := c.pushJob(e.channel, j); err != nil {
			return progressed, err
		}
		e.Pop()
		progressed = true
	}
	return progressed, nil
}

// ensureWaiting spawns at most one background waiter per fence: a job
// blocked on the same unresolved dependency across several poll ticks
// must not accumulate a new goroutine each tick.
func (c *Core) ensureWaiting(ctx context.Context, f *syncpoint.Fence) {
	c.mu.Lock()
	if c.waiting[f] {
		c.mu.Unlock()
		return
	}
	c.waiting[f] = true
	c.mu.Unlock()

	go func() {
		err := f.Wait(ctx)
		c.mu.Lock()
		delete(c.waiting, f)
		c.mu.Unlock()
		if err == nil {
			c.notify()
		}
	}()
}

// pushJob runs the push sequence atomic under the channel's push
// lock: a RESTART into the job's standalone command buffer, alignment
// NOPs so the resume address is 16-byte-aligned, a RESTART patched
// into the command buffer's own tail pointing back to that resume
// address, and finally the scheduler's own trailing increment and
// wait pair that serializes release of the command buffer. The
// alignment NOPs are never themselves fetched — DMA diverges into the
// command buffer at the RESTART immediately before them — they exist
// only so the ring's bookkeeping cursor lands on the same aligned
// address the command buffer's tail RESTART encodes. It publishes
// DMAPUT and advances the ring's read shadow via the adapter, and
// leaves j.OutFence set to the fence consumers should wait on.
func (c *Core) pushJob(ch *pushbuffer.Channel, j *job.Job) error {
	lock := c.pushMu[ch.Index]
	lock.Lock()
	defer lock.Unlock()

	w := ch.Writer
	if err := w.Prepare(7); err != nil {
		return err
	}

	cmdBufAddr, _ := j.CmdBuf.DMAAddr() // standalone allocation: always resident
	if err := w.Push(abi.NewRestart(uint32(cmdBufAddr))); err != nil {
		return err
	}
	if err := w.Align(constants.PushBufferAlignBytes); err != nil {
		return err
	}
	resumeAddr := ch.RingAddr + uint64(w.Put())*4
	j.CmdBuf.WriteWord(uint64(len(j.Words))*4, abi.NewRestart(uint32(resumeAddr)))

	threshold := j.NumIncrs + 1
	fence := c.registry.CreateFence(j.SyncPoint, threshold)
	j.OutFence = fence

	if err := w.Push(abi.NewImm(abi.IncrSyncptReg, abi.SyncptIncrPayload(abi.CondImmediate, uint16(j.SyncPoint.ID())))); err != nil {
		return err
	}
	if err := w.Push(abi.NewImm(hostWaitReg, uint16(threshold))); err != nil {
		return err
	}

	if err := c.adapters[ch.Index].Submit(ch, w.Put()); err != nil {
		return hosterr.New("push_job", hosterr.Busy, "hardware adapter rejected submit")
	}
	j.PushedAt = time.Now()

	c.mu.Lock()
	c.inflight[ch.Index] = append(c.inflight[ch.Index], j)
	c.mu.Unlock()
	go c.retire(ch.Index, j)
	if c.OnPush != nil {
		c.OnPush(ch, j)
	}

	c.logger.Debug("scheduler: pushed job", "channel", ch.Index, "syncpoint", j.SyncPoint.ID(), "threshold", threshold)
	return nil
}

// retire waits for a pushed job's out-fence and, on success, removes
// it from the channel's in-flight list and invokes OnRetire. A fence
// that errors (recovery reset it with TimedOut, or the job's sync
// point was torn down) leaves the job for the recovery path to have
// already popped; retire does nothing further in that case.
func (c *Core) retire(chIndex int, j *job.Job) {
	if err := j.OutFence.Wait(context.Background()); err != nil {
		return
	}
	c.removeInflight(chIndex, j)
	if c.OnRetire != nil {
		c.OnRetire(j)
	}
}

func (c *Core) removeInflight(chIndex int, j *job.Job) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.inflight[chIndex]
	for i, cand := range list {
		if cand == j {
			c.inflight[chIndex] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// Quiesce stops new pushes on ch's channel by holding its push lock
// and returns a function that releases it. Used by the recovery path
// to stop and later restart the scheduler for just this channel
// without tearing down the Run loop driving every other channel.
func (c *Core) Quiesce(ch *pushbuffer.Channel) func() {
	lock := c.pushMu[ch.Index]
	lock.Lock()
	return lock.Unlock
}

// PopInflightHead removes and returns the oldest job pushed to
// chIndex that has not yet retired — the hung job, by construction,
// since entities push and retire in order.
func (c *Core) PopInflightHead(chIndex int) (*job.Job, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.inflight[chIndex]
	if len(list) == 0 {
		return nil, false
	}
	head := list[0]
	c.inflight[chIndex] = list[1:]
	return head, true
}

// InflightJobs returns the jobs currently pushed but not yet retired
// on chIndex's channel, in push order, for the recovery path to
// resubmit after popping the hung head.
func (c *Core) InflightJobs(chIndex int) []*job.Job {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*job.Job, len(c.inflight[chIndex]))
	copy(out, c.inflight[chIndex])
	c.inflight[chIndex] = nil
	return out
}
