// Package syncpoint implements the sync-point manager: component B of
// the job pipeline. A sync point is a 32-bit saturating hardware
// counter; a fence observes a threshold on that counter under modular
// (wraparound-safe) comparison.
package syncpoint

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/ehrlich-b/go-host1x/internal/constants"
	"github.com/ehrlich-b/go-host1x/internal/hosterr"
)

// Expired reports whether thr has already passed under the host1x
// modular comparison: (int32)(cur-thr) >= 0. This correctly identifies
// the wrap at ±2^31.
func Expired(cur, thr uint32) bool {
	return int32(cur-thr) >= 0
}

// SyncPoint is one hardware counter.
type SyncPoint struct {
	mu sync.Mutex

	id        uint32
	value     uint32
	threshold uint32
	interrupt bool
	active    bool
	fences    []*Fence // ordered by Threshold ascending

	free bool // true while sitting in the registry's free list
}

// ID returns the sync point's hardware index.
func (s *SyncPoint) ID() uint32 { return s.id }

// InUse reports whether the sync point is currently allocated to a
// job rather than sitting in the registry's free list.
func (s *SyncPoint) InUse() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.free
}

// Snapshot returns the counter, threshold and interrupt state under
// lock, for the debug dumper.
func (s *SyncPoint) Snapshot() (value, threshold uint32, interrupt, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value, s.threshold, s.interrupt, s.active
}

// Fence observes a threshold on a SyncPoint. A fence is preallocated
// at create_fence time and only ever moved between lists afterward —
// the interrupt handler must never allocate.
type Fence struct {
	SyncPointID uint32
	Threshold   uint32

	mu     sync.Mutex
	done   bool
	err    error
	waitC  chan struct{}
}

func newFence(spID, threshold uint32) *Fence {
	return &Fence{SyncPointID: spID, Threshold: threshold, waitC: make(chan struct{})}
}

// signal marks the fence done with err (nil on success) exactly once.
func (f *Fence) signal(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done {
		return
	}
	f.done = true
	f.err = err
	close(f.waitC)
}

// Signal marks the fence done with err (nil on success) exactly once.
// Exported for callers outside the registry — the recovery path signals
// fences it has just detached from a hung sync point.
func (f *Fence) Signal(err error) {
	f.signal(err)
}

// Wait blocks until the fence is signalled or ctx is done.
func (f *Fence) Wait(ctx context.Context) error {
	select {
	case <-f.waitC:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.err
	case <-ctx.Done():
		return hosterr.New("fence_wait", hosterr.Interrupted, "wait interrupted")
	}
}

// Signalled reports whether the fence has fired, and with what error
// (nil means success).
func (f *Fence) Signalled() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.done, f.err
}

// Registry owns every sync point on the device: an explicit struct
// owned by the device, rather than a global mutable table.
type Registry struct {
	mu    sync.Mutex
	sps   []*SyncPoint
	avail *semaphore.Weighted // one unit per free sync point
}

// NewRegistry allocates n sync points, all initially free.
func NewRegistry(n int) *Registry {
	if n <= 0 {
		n = constants.MaxSyncPoints
	}
	r := &Registry{avail: semaphore.NewWeighted(int64(n))}
	r.sps = make([]*SyncPoint, n)
	for i := range r.sps {
		r.sps[i] = &SyncPoint{id: uint32(i), threshold: 1, free: true}
	}
	return r
}

// Alloc implements alloc(): return a fresh sync point with counter=0,
// threshold=1, interrupt disabled. Blocks interruptibly when none are
// free.
func (r *Registry) Alloc(ctx context.Context) (*SyncPoint, error) {
	if err := r.avail.Acquire(ctx, 1); err != nil {
		return nil, hosterr.New("syncpt_alloc", hosterr.Interrupted, "interrupted waiting for a free sync point")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sp := range r.sps {
		sp.mu.Lock()
		if sp.free {
			sp.free = false
			sp.value = 0
			sp.threshold = 1
			sp.interrupt = false
			sp.active = false
			sp.fences = nil
			sp.mu.Unlock()
			return sp, nil
		}
		sp.mu.Unlock()
	}
	// Unreachable if avail accounting is correct.
	r.avail.Release(1)
	return nil, hosterr.New("syncpt_alloc", hosterr.OutOfMemory, "no free sync point despite available permit")
}

// All returns every sync point the registry owns, for the debug
// dumper. Order matches hardware index.
func (r *Registry) All() []*SyncPoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*SyncPoint, len(r.sps))
	copy(out, r.sps)
	return out
}

// Free implements free(sp): release it back to the pool. If the fence
// list is non-empty (should not happen), cancel every fence with
// Cancelled first.
func (r *Registry) Free(sp *SyncPoint) {
	sp.mu.Lock()
	pending := sp.fences
	sp.fences = nil
	sp.free = true
	sp.interrupt = false
	sp.active = false
	sp.mu.Unlock()

	for _, f := range pending {
		f.signal(hosterr.New("syncpt_free", hosterr.Cancelled, "sync point freed with fences attached"))
	}
	r.avail.Release(1)
}

// SetValue implements set_value(sp, v).
func (r *Registry) SetValue(sp *SyncPoint, v uint32) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	sp.value = v
}

// SetThreshold implements set_threshold(sp, t).
func (r *Registry) SetThreshold(sp *SyncPoint, t uint32) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	sp.threshold = t
}

// SetInterrupt implements set_interrupt(sp, on).
func (r *Registry) SetInterrupt(sp *SyncPoint, on bool) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	sp.interrupt = on
}

// CreateFence implements create_fence(sp, threshold, ctx): allocate a
// fence, insert it ordered by threshold, arm the interrupt at the
// lowest pending threshold, and mark the sync point active.
func (r *Registry) CreateFence(sp *SyncPoint, threshold uint32) *Fence {
	f := newFence(sp.id, threshold)
	sp.mu.Lock()
	defer sp.mu.Unlock()
	i := sort.Search(len(sp.fences), func(i int) bool { return sp.fences[i].Threshold >= threshold })
	sp.fences = append(sp.fences, nil)
	copy(sp.fences[i+1:], sp.fences[i:])
	sp.fences[i] = f
	sp.threshold = sp.fences[0].Threshold
	sp.interrupt = true
	sp.active = true
	return f
}

// DetachFences implements detach_fences(sp): remove every attached
// fence without signalling them, used when a channel is reset (4.G).
// The fences remain alive and unsignalled.
func (r *Registry) DetachFences(sp *SyncPoint) []*Fence {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	detached := sp.fences
	sp.fences = nil
	sp.interrupt = false
	sp.active = false
	return detached
}

// Reset implements reset(sp, err): write value=0, threshold=1, disable
// the interrupt, then signal every attached fence with err.
func (r *Registry) Reset(sp *SyncPoint, err error) {
	sp.mu.Lock()
	sp.value = 0
	sp.threshold = 1
	sp.interrupt = false
	sp.active = false
	fences := sp.fences
	sp.fences = nil
	sp.mu.Unlock()

	for _, f := range fences {
		f.signal(err)
	}
}

// HandleStatusWord dispatches one hardware interrupt status word
// covering constants.StatusWordSyncPoints sync points starting at
// baseID. For each set bit it signals every fence whose threshold has
// expired (or the sole attached fence unconditionally), disables the
// interrupt once the fence list drains, and returns the bits it
// handled so the caller can acknowledge them. This runs under the
// per-sync-point lock only; it never calls into allocation paths.
func (r *Registry) HandleStatusWord(baseID uint32, status uint32) uint32 {
	var handled uint32
	for bit := uint32(0); bit < constants.StatusWordSyncPoints; bit++ {
		if status&(1<<bit) == 0 {
			continue
		}
		id := baseID + bit
		if int(id) >= len(r.sps) {
			continue
		}
		sp := r.sps[id]
		r.dispatchOne(sp)
		handled |= 1 << bit
	}
	return handled
}

func (r *Registry) dispatchOne(sp *SyncPoint) {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	if len(sp.fences) == 0 {
		return
	}
	if len(sp.fences) == 1 {
		sp.fences[0].signal(nil)
		sp.fences = nil
	} else {
		remaining := sp.fences[:0]
		for _, f := range sp.fences {
			if Expired(sp.value, f.Threshold) {
				f.signal(nil)
			} else {
				remaining = append(remaining, f)
			}
		}
		sp.fences = remaining
	}
	if len(sp.fences) == 0 {
		sp.interrupt = false
		sp.active = false
	}
}
