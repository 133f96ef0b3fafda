// Package recovery implements the timeout and hang-recovery path. It
// follows a cancel-first, tear-down, then leave-things-ready-to-restart
// idiom, generalized into a proper per-entity watchdog that fires on a
// job-specific timeout instead of process shutdown.
package recovery

import (
	"context"
	"time"

	"github.com/ehrlich-b/go-host1x/internal/constants"
	"github.com/ehrlich-b/go-host1x/internal/hosterr"
	"github.com/ehrlich-b/go-host1x/internal/job"
	"github.com/ehrlich-b/go-host1x/internal/logging"
	"github.com/ehrlich-b/go-host1x/internal/pushbuffer"
	"github.com/ehrlich-b/go-host1x/internal/syncpoint"
)

// Client is a registered engine collaborator the recovery path
// notifies after a hang on its pipe. The root package's Client
// (PipeBit/ResetHW) satisfies this directly.
type Client interface {
	PipeBit() uint32
	ResetHW() error
}

// Scheduler is the subset of scheduler.Core the recovery path drives.
// Declared locally (rather than importing the scheduler package's
// concrete type) so recovery has no compile-time dependency beyond
// what it actually calls.
type Scheduler interface {
	Quiesce(ch *pushbuffer.Channel) func()
	PopInflightHead(chIndex int) (*job.Job, bool)
	InflightJobs(chIndex int) []*job.Job
}

// Handler runs the ten-step timeout sequence for one channel.
type Handler struct {
	Channel  *pushbuffer.Channel
	Adapter  pushbuffer.HardwareAdapter
	Registry *syncpoint.Registry
	MLocks   *pushbuffer.MLockTable
	Sched    Scheduler
	Entity   interface{ PushFront([]*job.Job) }
	Clients  []Client

	logger *logging.Logger
	karma  map[uint32]int // context id -> strikes, for future admission-control use
}

// NewHandler builds a recovery handler for one channel.
func NewHandler(ch *pushbuffer.Channel, adapter pushbuffer.HardwareAdapter, registry *syncpoint.Registry, mlocks *pushbuffer.MLockTable, sched Scheduler, entity interface{ PushFront([]*job.Job) }, clients []Client) *Handler {
	return &Handler{
		Channel:  ch,
		Adapter:  adapter,
		Registry: registry,
		MLocks:   mlocks,
		Sched:    sched,
		Entity:   entity,
		Clients:  clients,
		logger:   logging.Default(),
		karma:    make(map[uint32]int),
	}
}

// WatchOnce blocks until hung's out-fence signals or timeout elapses.
// It returns nil if the fence signalled in time; otherwise it runs
// OnTimeout and returns its error, if any. If ctx itself is cancelled
// first, it returns the Interrupted error without running OnTimeout.
func (h *Handler) WatchOnce(ctx context.Context, hung *job.Job, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = constants.DefaultEntityTimeout
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := hung.OutFence.Wait(tctx); err != nil {
		if hosterr.Is(err, hosterr.Interrupted) && ctx.Err() != nil {
			return err // caller cancellation, not a timeout
		}
		return h.OnTimeout(hung)
	}
	return nil
}

// OnTimeout runs the ten-step recovery sequence. It is safe to call
// directly (e.g. from a test) once a hang is already known, bypassing
// WatchOnce's own timer.
func (h *Handler) OnTimeout(hung *job.Job) error {
	// 1. Stop the scheduler for this channel.
	restart := h.Sched.Quiesce(h.Channel)
	defer restart() // 10. Restart the scheduler.

	// 2. Recheck: the fence may have signalled in the race between the
	// watchdog firing and acquiring the push lock.
	if done, err := hung.OutFence.Signalled(); done && err == nil {
		h.logger.Debug("recovery: fence signalled before lock acquired, no action needed", "channel", h.Channel.Index)
		return nil
	}

	h.logger.Info("recovery: channel hang detected, resetting", "channel", h.Channel.Index, "syncpoint", hung.SyncPoint.ID())

	// 3. Reset the channel adapter: stop DMA, tear down the FIFO.
	if err := h.Adapter.Reset(h.Channel); err != nil {
		return hosterr.Wrap("recovery_on_timeout", err)
	}

	// 4. Detach every fence from the hung job's sync point, then
	// signal each with TimedOut directly — callers blocked in
	// Fence.Wait (e.g. Device.WaitFence) must be woken with that
	// error rather than left hanging forever.
	timeoutErr := hosterr.New("recovery_on_timeout", hosterr.TimedOut, "channel hang recovery")
	detached := h.Registry.DetachFences(hung.SyncPoint)
	for _, f := range detached {
		f.Signal(timeoutErr)
	}

	// 5. Reset the sync point's counters so it can be reallocated; its
	// fence list is already empty after step 4, so this signals none.
	h.Registry.Reset(hung.SyncPoint, timeoutErr)

	// 6. Release every MLOCK owned by the channel.
	h.MLocks.ReleaseAll(h.Channel.Index)

	// 7. Pop the hung job from the push buffer.
	if popped, ok := h.Sched.PopInflightHead(h.Channel.Index); ok && popped != hung {
		h.logger.Debug("recovery: in-flight head did not match watchdog's hung job", "channel", h.Channel.Index)
	}

	// 8. Invoke reset_hw for every client whose pipe bit is in the
	// hung job's pipes mask.
	for _, client := range h.Clients {
		if client.PipeBit()&hung.Pipes != 0 {
			if err := client.ResetHW(); err != nil {
				h.logger.Error("recovery: client reset_hw failed", "channel", h.Channel.Index, "err", err)
			}
		}
	}

	// 9. Mark the hung job for karma and resubmit the rest.
	h.karma[hung.ContextID]++
	survivors := h.Sched.InflightJobs(h.Channel.Index)
	if len(survivors) > 0 {
		h.Entity.PushFront(survivors)
	}
	hung.Release()

	return nil
}

// Karma returns the number of recorded hangs attributed to a context,
// for admission-control policy the caller may layer on top.
func (h *Handler) Karma(contextID uint32) int {
	return h.karma[contextID]
}
