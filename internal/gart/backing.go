package gart

import (
	"sync"

	"github.com/ehrlich-b/go-host1x/internal/hosterr"
)

// Backing is the DMA-memory allocator behind contiguous BOs. It models
// a bounded pool of physically (or IOMMU-page) addressable memory; a
// real driver would back this with a DMA coherent allocator or a page
// pool, but the budget abstraction is enough to exercise the
// OutOfMemory path deterministically.
type Backing struct {
	mu     sync.Mutex
	budget uint64
	used   uint64
	next   uint64
}

// NewBacking creates a backing pool of the given byte budget.
func NewBacking(budget uint64) *Backing {
	return &Backing{budget: budget, next: 1 << 20} // leave a low reserved hole
}

// Alloc reserves size bytes of contiguous DMA memory and returns a
// monotonically increasing DMA address for it.
func (b *Backing) Alloc(size uint64) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.used+size > b.budget {
		return 0, hosterr.New("alloc", hosterr.OutOfMemory, "backing allocator exhausted")
	}
	addr := b.next
	b.next += size
	b.used += size
	return addr, nil
}

// Free releases size bytes previously returned by Alloc.
func (b *Backing) Free(size uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if size > b.used {
		b.used = 0
		return
	}
	b.used -= size
}

// Used reports currently allocated bytes.
func (b *Backing) Used() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}
