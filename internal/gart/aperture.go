package gart

import (
	"context"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/ehrlich-b/go-host1x/internal/constants"
	"github.com/ehrlich-b/go-host1x/internal/hosterr"
	"github.com/ehrlich-b/go-host1x/internal/logging"
)

// Config configures an Aperture.
type Config struct {
	Size          uint64 // aperture size in bytes; defaults to constants.GartApertureSize
	PageSize      uint64 // IOMMU page granularity; defaults to constants.DefaultIOMMUPageSize
	SecurityLevel int    // 0..constants.SecurityLevelMax
	HasIOMMU      bool
	Logger        *logging.Logger
}

// Aperture is the device's single GART address space: the allocator,
// the eviction cache, and the blocking-wait gate that lets job_map
// signal TryAgain to callers instead of failing outright.
type Aperture struct {
	mu            sync.Mutex
	size          uint64
	pageSize      uint64
	securityLevel int
	hasIOMMU      bool
	logger        *logging.Logger

	free    *freeList
	cache   *evictionCache
	inUse   uint64
	reclaim *semaphore.Weighted // released once per BO whose mapping is freed

	evictions atomic.Uint64
	waits     atomic.Uint64
}

// EvictionCount returns the cumulative number of cache-resident BOs
// evicted to satisfy a mapping request, for metrics reporting.
func (a *Aperture) EvictionCount() uint64 { return a.evictions.Load() }

// WaitCount returns the cumulative number of times JobMap found the
// aperture under pressure and waited on the reclaim semaphore before
// retrying (one count per retry), for metrics reporting.
func (a *Aperture) WaitCount() uint64 { return a.waits.Load() }

// NewAperture constructs an Aperture from cfg, filling in defaults.
func NewAperture(cfg Config) *Aperture {
	size := cfg.Size
	if size == 0 {
		size = constants.GartApertureSize
	}
	pageSize := cfg.PageSize
	if pageSize == 0 {
		pageSize = constants.DefaultIOMMUPageSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Aperture{
		size:          size,
		pageSize:      pageSize,
		securityLevel: cfg.SecurityLevel,
		hasIOMMU:      cfg.HasIOMMU,
		logger:        logger,
		free:          newFreeList(size),
		cache:         newEvictionCache(),
		reclaim:       semaphore.NewWeighted(math.MaxInt64),
	}
}

// Usage reports the aperture's byte accounting; free+cached+inUse must
// always sum to the aperture size.
func (a *Aperture) Usage() (free, cached, inUse uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.free.totalFree(), a.cache.bytes, a.inUse
}

// Size returns the aperture's total byte size.
func (a *Aperture) Size() uint64 { return a.size }

// Map implements gart_map(bo, mandatory): bind bo into the aperture,
// bumping a refcount if already bound or cache-resident.
func (a *Aperture) Map(bo *BO, mandatory bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mapLocked(bo, mandatory)
}

func (a *Aperture) mapLocked(bo *BO, mandatory bool) error {
	bo.mu.Lock()
	if bo.bound {
		bo.refs++
		bo.mu.Unlock()
		return nil
	}
	if bo.cacheNode != nil {
		a.cache.remove(bo)
		bo.bound = true
		bo.refs = 1
		bo.mu.Unlock()
		return nil
	}
	bo.mu.Unlock()

	small := bo.Size < constants.SmallBOThreshold
	offset, ok := a.free.alloc(bo.Size, a.pageSize, small)
	if !ok {
		offset, ok = a.evictAndRetry(bo.Size, small)
	}
	if !ok {
		if !mandatory {
			return hosterr.New("gart_map", hosterr.NoGartSpace, "no space for best-effort mapping")
		}
		a.flushCache()
		offset, ok = a.free.alloc(bo.Size, a.pageSize, small)
		if !ok {
			return hosterr.New("gart_map", hosterr.OutOfGartSpace, "aperture exhausted even after flush")
		}
	}

	bo.mu.Lock()
	bo.bound = true
	bo.refs = 1
	bo.gartOffset = offset
	bo.mu.Unlock()
	a.inUse += bo.Size
	return nil
}

// evictAndRetry runs the eviction scan once and, if it frees enough
// contiguous cache entries, retries the allocation.
func (a *Aperture) evictAndRetry(size uint64, small bool) (uint64, bool) {
	victims := a.cache.scanForRun(size)
	if victims == nil {
		return 0, false
	}
	for _, v := range victims {
		a.evictOne(v)
	}
	return a.free.alloc(size, a.pageSize, small)
}

// evictOne releases a cache-resident BO's mapping back to the free
// list.
func (a *Aperture) evictOne(bo *BO) {
	bo.mu.Lock()
	a.cache.remove(bo)
	a.free.free(bo.gartOffset, bo.Size)
	bo.gartOffset = 0
	bo.mu.Unlock()
	a.evictions.Add(1)
	a.logger.Debug("gart: evicted cache entry", "bo", bo.ID, "size", bo.Size)
}

// flushCache evicts every cache-resident BO.
func (a *Aperture) flushCache() {
	for _, bo := range a.cache.all() {
		a.evictOne(bo)
	}
}

// Unmap implements gart_unmap(bo): decrement the bind refcount; at
// zero, move the BO to the eviction cache unless flush requests the
// mapping be released immediately. It returns the number of bytes
// returned to the free list (zero if the BO only moved to cache).
func (a *Aperture) Unmap(bo *BO, flush bool) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.unmapLocked(bo, flush)
}

func (a *Aperture) unmapLocked(bo *BO, flush bool) uint64 {
	bo.mu.Lock()
	if !bo.bound {
		bo.mu.Unlock()
		return 0
	}
	bo.refs--
	if bo.refs > 0 {
		bo.mu.Unlock()
		return 0
	}
	bo.bound = false
	a.inUse -= bo.Size
	if flush {
		offset, size := bo.gartOffset, bo.Size
		bo.gartOffset = 0
		bo.mu.Unlock()
		a.free.free(offset, size)
		return size
	}
	bo.mu.Unlock()
	a.cache.insert(bo)
	return 0
}

// MapRequest is one BO a job wants resident for the duration of its
// execution.
type MapRequest struct {
	BO    *BO
	Write bool
}

// JobMapping records which BOs a JobMap call bound, so JobUnmap can
// release exactly those bindings.
type JobMapping struct {
	bos []*BO
}

// category classifies a request for the tiered mapping order spec
// §4.A describes: scattered first (largest first), then writable,
// then read-only.
type category int

const (
	catScattered category = iota
	catWritable
	catReadOnly
)

func classify(reqs []MapRequest, level int) (mandatory, bestEffort []MapRequest) {
	for _, r := range reqs {
		cat := requestCategory(r)
		switch cat {
		case catScattered:
			mandatory = append(mandatory, r)
		case catWritable:
			if level >= constants.SecurityLevelWritableMandatory {
				mandatory = append(mandatory, r)
			}
		case catReadOnly:
			if level >= constants.SecurityLevelReadOnlyMandatory {
				mandatory = append(mandatory, r)
			} else if level >= constants.SecurityLevelReadOnlyBestEffort {
				bestEffort = append(bestEffort, r)
			}
		}
	}
	return mandatory, bestEffort
}

func requestCategory(r MapRequest) category {
	if r.BO.Scattered {
		return catScattered
	}
	if r.Write {
		return catWritable
	}
	return catReadOnly
}

func sparseSize(reqs []MapRequest, level int) uint64 {
	var total uint64
	for _, r := range reqs {
		cat := requestCategory(r)
		switch cat {
		case catScattered:
			total += r.BO.Size
		case catWritable:
			if level >= constants.SecurityLevelWritableMandatory {
				total += r.BO.Size
			}
		case catReadOnly:
			if level >= constants.SecurityLevelReadOnlyBestEffort {
				total += r.BO.Size
			}
		}
	}
	return total
}

// JobMap implements job_map(job, bos, write_bits): it pre-flights the
// request's sparse size against the aperture, blocks interruptibly on
// transient pressure (TryAgain), then maps BOs in tiered order. Any
// failure after partial success unwinds this call's own mappings.
func (a *Aperture) JobMap(ctx context.Context, reqs []MapRequest) (*JobMapping, error) {
	for {
		mapping, err := a.tryJobMap(reqs)
		if err == nil {
			return mapping, nil
		}
		if !hosterr.Is(err, hosterr.NoGartSpace) {
			return nil, err
		}
		a.waits.Add(1)
		if werr := a.reclaim.Acquire(ctx, 1); werr != nil {
			return nil, hosterr.New("job_map", hosterr.Interrupted, "interrupted waiting for aperture space")
		}
	}
}

func (a *Aperture) tryJobMap(reqs []MapRequest) (*JobMapping, error) {
	a.mu.Lock()
	mandatory, bestEffort := classify(reqs, a.securityLevel)
	needed := sparseSize(reqs, a.securityLevel)
	if needed > a.size {
		a.mu.Unlock()
		return nil, hosterr.New("job_map", hosterr.OutOfGartSpace, "job residency exceeds aperture size")
	}
	available := a.free.totalFree() + a.cache.bytes
	if needed > available {
		a.mu.Unlock()
		return nil, hosterr.New("job_map", hosterr.NoGartSpace, "aperture under pressure")
	}
	a.mu.Unlock()

	// Scattered BOs map largest-first to reduce fragmentation.
	sort.SliceStable(mandatory, func(i, j int) bool {
		si, sj := requestCategory(mandatory[i]), requestCategory(mandatory[j])
		if si != sj {
			return si < sj
		}
		if si == catScattered {
			return mandatory[i].BO.Size > mandatory[j].BO.Size
		}
		return false
	})

	mapping := &JobMapping{}
	for _, r := range mandatory {
		a.mu.Lock()
		err := a.mapLocked(r.BO, true)
		a.mu.Unlock()
		if err != nil {
			a.unwind(mapping)
			return nil, err
		}
		mapping.bos = append(mapping.bos, r.BO)
	}
	for _, r := range bestEffort {
		a.mu.Lock()
		err := a.mapLocked(r.BO, false)
		a.mu.Unlock()
		if err != nil {
			break // optional tier stops at first NoSpace; not a failure
		}
		mapping.bos = append(mapping.bos, r.BO)
	}
	return mapping, nil
}

// unwind releases every binding this JobMap attempt made, in reverse
// order, after a mandatory-tier failure.
func (a *Aperture) unwind(m *JobMapping) {
	for i := len(m.bos) - 1; i >= 0; i-- {
		a.Unmap(m.bos[i], false)
	}
}

// JobUnmap implements job_unmap(job, flush): release every binding
// the job's JobMap call made, then signal the reclaim gate once per
// BO whose bytes actually returned to the free list.
func (a *Aperture) JobUnmap(m *JobMapping, flush bool) {
	if m == nil {
		return
	}
	var reclaimed int64
	for _, bo := range m.bos {
		if a.Unmap(bo, flush) > 0 {
			reclaimed++
		}
	}
	if reclaimed > 0 {
		a.reclaim.Release(reclaimed)
	}
}
