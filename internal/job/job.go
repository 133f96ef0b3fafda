// Package job implements the job object: component E of the pipeline.
// A Job is ref-counted; dropping its last reference runs a six-step
// destructor that may block on GART unpin and sync-point release, so
// it is always deferred to the package's worker pool rather than run
// inline on the caller's goroutine.
package job

import (
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/go-host1x/internal/abi"
	"github.com/ehrlich-b/go-host1x/internal/gart"
	"github.com/ehrlich-b/go-host1x/internal/logging"
	"github.com/ehrlich-b/go-host1x/internal/syncpoint"
)

// Owner is the subset of Context a job needs to report completion
// back to: decrementing the active-job counter and waking any waiter.
// The root package's Context implements this.
type Owner interface {
	JobCompleted()
}

// BORef is one buffer object a job holds a reference to, alongside
// whether this job maps it writable.
type BORef struct {
	BO    *gart.BO
	Write bool
}

// Job is the unit of work submitted by a context. Words holds the
// assembled, firewalled command buffer; Mapping is the aperture's
// record of this job's GART bindings so the destructor can release
// exactly them.
type Job struct {
	refs int32

	ContextID uint32
	Pipes     uint32
	Words     []abi.Word
	NumIncrs  uint32

	// CmdBuf is Words' standalone DMA allocation: the channel
	// scheduler RESTARTs into it rather than inlining Words into the
	// push-buffer ring. It carries its own trailing RESTART back to
	// the ring, written once the scheduler knows the resume address.
	CmdBuf *gart.BO

	BOs     []BORef
	Mapping *gart.JobMapping

	SyncPoint *syncpoint.SyncPoint
	OutFence  *syncpoint.Fence

	// PushedAt is set by the scheduler the moment this job is actually
	// submitted to a channel's hardware adapter, for latency metrics.
	// It is the zero Time until then.
	PushedAt time.Time

	// PreFences are the job's unresolved dependencies: its incoming
	// fence (if any) plus one fence per BO-residency reservation that
	// is not yet satisfied. The scheduler's dependency() step walks
	// these in order before running the job.
	PreFences []*syncpoint.Fence

	owner Owner

	registry *syncpoint.Registry
	aperture *gart.Aperture
}

// New creates a job with one reference held by the caller.
func New(contextID uint32, pipes uint32, sp *syncpoint.SyncPoint, registry *syncpoint.Registry, aperture *gart.Aperture, owner Owner) *Job {
	return &Job{
		refs:      1,
		ContextID: contextID,
		Pipes:     pipes,
		SyncPoint: sp,
		owner:     owner,
		registry:  registry,
		aperture:  aperture,
	}
}

// AddRef increments the job's refcount. Called whenever a new owner
// (a fence waiter, the channel push-buffer, a dependency tracker)
// takes a reference.
func (j *Job) AddRef() {
	atomic.AddInt32(&j.refs, 1)
}

// Release drops a reference. When it reaches zero, the six-step
// destructor is scheduled onto the package worker pool rather than
// run inline, since it may block on BO unpin and GART teardown.
func (j *Job) Release() {
	if atomic.AddInt32(&j.refs, -1) != 0 {
		return
	}
	Submit(j.destroy)
}

// destroy runs the six-step teardown. It is only ever invoked once,
// from the worker pool, after the last reference drops.
func (j *Job) destroy() {
	// 1. Detach residual fences from the sync point, no signal.
	if j.registry != nil && j.SyncPoint != nil {
		j.registry.DetachFences(j.SyncPoint)
	}

	// 2. Unmap GART bindings with flush=false: unmapped BOs move to
	// the eviction cache rather than being released immediately.
	if j.aperture != nil && j.Mapping != nil {
		j.aperture.JobUnmap(j.Mapping, false)
	}

	// 3. Drop BO references. The job held no refcount of its own on
	// gart.BO beyond the mapping above; clearing the slice releases
	// this job's slot in that bookkeeping.
	j.BOs = nil

	// 4. Free the command buffer. Words is returned to the assembler's
	// pool; CmdBuf is a standalone DMA allocation with no pool of its
	// own, so dropping the reference here is its release.
	if j.Words != nil {
		releaseWords(j.Words)
		j.Words = nil
	}
	j.CmdBuf = nil

	// 5. Release the sync point so it can be reused.
	if j.registry != nil && j.SyncPoint != nil {
		j.registry.Free(j.SyncPoint)
	}

	// 6. Decrement the owning context's active-job counter and wake
	// any context-wait waiter.
	if j.owner != nil {
		j.owner.JobCompleted()
	}

	logging.Debug("job: destroyed", "contextID", j.ContextID, "pipes", j.Pipes)
}

// releaseWords is indirected so this package does not import the
// assembler package, and so tests can keep the no-op default.
var releaseWords = func(words []abi.Word) {}

// SetWordsReleaser installs the buffer-pool return function used by
// step 4 of the destructor. The root package wires this to
// assembler.PutBuffer during device construction.
func SetWordsReleaser(fn func([]abi.Word)) {
	releaseWords = fn
}
