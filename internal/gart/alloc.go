package gart

import "github.com/ehrlich-b/go-host1x/internal/hosterr"

// AllocFlag requests a BO's backing memory shape.
type AllocFlag uint32

const (
	// AllocScattered requests scatter-pinned pages instead of one
	// contiguous DMA allocation.
	AllocScattered AllocFlag = 1 << iota
)

// Alloc implements alloc(size, flags): allocate contiguous DMA memory
// (preferred) or scatter-pinned pages, populate the BO's addressing,
// and leave it unmapped in the GART.
func (a *Aperture) Alloc(backing *Backing, size uint64, flags AllocFlag) (*BO, error) {
	if flags&AllocScattered != 0 {
		return NewScatteredBO(size), nil
	}
	addr, err := backing.Alloc(size)
	if err != nil {
		return nil, hosterr.Wrap("alloc", err)
	}
	return NewBO(size, addr), nil
}

// Import implements import(external handle): take a reference to a
// caller-provided memory region exposing a scatter table. It fails
// with NotScatterable if the aperture has no IOMMU to translate a
// scattered region.
func (a *Aperture) Import(size uint64) (*BO, error) {
	if !a.hasIOMMU {
		return nil, hosterr.New("import", hosterr.NotScatterable, "scattered import requires an IOMMU")
	}
	return NewScatteredBO(size), nil
}
