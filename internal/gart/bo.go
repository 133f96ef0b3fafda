// Package gart implements the buffer-object allocator and GART
// (graphics address remapping table) residency manager: component A
// of the job pipeline. It owns the aperture's address space, the
// per-BO bind refcounts, and the eviction cache that lets unmapped BOs
// stay resident until their space is actually needed.
package gart

import (
	"sync"
	"sync/atomic"
)

// Flag marks properties of a buffer object's backing memory.
type Flag uint32

const (
	// FlagScattered marks a BO backed by scatter-gather pages rather
	// than one contiguous DMA allocation; it always requires a GART
	// (or IOMMU) mapping to be addressable by hardware.
	FlagScattered Flag = 1 << iota
	// FlagWrite marks that a pending job writes this BO.
	FlagWrite
)

var nextBOID uint64

// BO is a buffer object: a region of memory a job can reference. A BO
// may be contiguous (DMA address fixed at allocation) or scattered
// (only addressable through a GART mapping).
type BO struct {
	mu sync.Mutex

	ID        uint64
	Size      uint64
	Scattered bool
	dmaAddr   uint64 // valid only when !Scattered

	// Aperture residency state, guarded by the owning Aperture's mu,
	// not bo.mu — a BO only ever belongs to one aperture.
	bound      bool
	refs       int
	gartOffset uint64
	cacheNode  *cacheEntry // non-nil while the BO sits only in the eviction cache

	// data backs CPU-side reads/writes (e.g. the assembler copying user
	// gathers). A simulated device has no real DMA memory to map, so
	// each BO carries its own byte store instead.
	data []byte
}

// NewBO allocates book-keeping for a contiguous BO at a fixed DMA
// address. It does not touch the aperture; callers map it explicitly
// via Aperture.Map when hardware needs to address it.
func NewBO(size uint64, dmaAddr uint64) *BO {
	return &BO{ID: atomic.AddUint64(&nextBOID, 1), Size: size, dmaAddr: dmaAddr, data: make([]byte, size)}
}

// NewScatteredBO allocates book-keeping for a scatter-pinned BO. It
// has no fixed DMA address until mapped into the aperture.
func NewScatteredBO(size uint64) *BO {
	return &BO{ID: atomic.AddUint64(&nextBOID, 1), Size: size, Scattered: true, data: make([]byte, size)}
}

// ReadBytes returns a copy of [offset, offset+n) from the BO's
// CPU-mapped content.
func (bo *BO) ReadBytes(offset, n uint64) ([]byte, bool) {
	bo.mu.Lock()
	defer bo.mu.Unlock()
	if offset+n > uint64(len(bo.data)) {
		return nil, false
	}
	out := make([]byte, n)
	copy(out, bo.data[offset:offset+n])
	return out, true
}

// WriteBytes copies data into the BO's CPU-mapped content starting at
// offset. Used by tests and the CLI to populate gather source BOs.
func (bo *BO) WriteBytes(offset uint64, data []byte) bool {
	bo.mu.Lock()
	defer bo.mu.Unlock()
	if offset+uint64(len(data)) > uint64(len(bo.data)) {
		return false
	}
	copy(bo.data[offset:], data)
	return true
}

// DMAAddr returns the BO's device-visible address: its fixed DMA
// address if contiguous, or its current aperture offset if mapped. It
// returns (0, false) for a scattered BO that is not currently mapped.
func (bo *BO) DMAAddr() (uint64, bool) {
	bo.mu.Lock()
	defer bo.mu.Unlock()
	if !bo.Scattered {
		return bo.dmaAddr, true
	}
	if bo.bound || bo.cacheNode != nil {
		return bo.gartOffset, true
	}
	return 0, false
}

// Bound reports whether the BO currently holds a live (non-cache)
// aperture binding.
func (bo *BO) Bound() bool {
	bo.mu.Lock()
	defer bo.mu.Unlock()
	return bo.bound
}
