package gart

import "sort"

// freeRange is one contiguous unused span of the aperture, in bytes.
type freeRange struct {
	offset uint64
	size   uint64
}

// freeList is a sorted-by-offset set of free ranges. It implements a
// best-fit allocator with a high-placement heuristic for small
// requests: BOs smaller than SmallBOThreshold are placed at the top of
// the aperture to keep the low end free of fragmentation.
type freeList struct {
	ranges []freeRange
}

func newFreeList(size uint64) *freeList {
	return &freeList{ranges: []freeRange{{offset: 0, size: size}}}
}

func alignUp(v, align uint64) uint64 {
	if align == 0 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}

// alloc reserves size bytes aligned to align. highPlacement selects
// the candidate free range whose end is highest in the aperture and
// places the allocation at the top of it; otherwise it picks the
// smallest candidate that fits (best fit), tie-breaking on lowest
// offset. It returns ok=false if no free range fits.
func (f *freeList) alloc(size, align uint64, highPlacement bool) (offset uint64, ok bool) {
	type candidate struct {
		idx      int
		usable   uint64 // size available after alignment slop
		alignOff uint64 // offset where the allocation would start
	}
	var best candidate
	haveBest := false

	for i, r := range f.ranges {
		start := alignUp(r.offset, align)
		if start < r.offset {
			continue
		}
		slack := start - r.offset
		if slack >= r.size || r.size-slack < size {
			continue
		}
		usable := r.size - slack
		c := candidate{idx: i, usable: usable, alignOff: start}
		if !haveBest {
			best, haveBest = c, true
			continue
		}
		if highPlacement {
			// Prefer the range reaching furthest toward the top.
			if r.offset+r.size > f.ranges[best.idx].offset+f.ranges[best.idx].size {
				best = c
			}
		} else {
			// Best fit: smallest usable span; ties go to lowest offset.
			if usable < best.usable || (usable == best.usable && r.offset < f.ranges[best.idx].offset) {
				best = c
			}
		}
	}
	if !haveBest {
		return 0, false
	}

	r := f.ranges[best.idx]
	var placeOffset uint64
	if highPlacement {
		placeOffset = r.offset + r.size - size
		// placeOffset must still respect alignment; if not, fall back
		// to the aligned start (loses some high-placement benefit but
		// stays correct).
		if placeOffset%align != 0 {
			placeOffset = best.alignOff
		}
	} else {
		placeOffset = best.alignOff
	}

	f.removeSpan(placeOffset, size, best.idx, r)
	return placeOffset, true
}

// removeSpan carves [offset, offset+size) out of the free range at
// idx (which must contain it), re-inserting any leftover slack on
// either side.
func (f *freeList) removeSpan(offset, size uint64, idx int, r freeRange) {
	f.ranges = append(f.ranges[:idx], f.ranges[idx+1:]...)
	if offset > r.offset {
		f.insert(freeRange{offset: r.offset, size: offset - r.offset})
	}
	end := offset + size
	rEnd := r.offset + r.size
	if end < rEnd {
		f.insert(freeRange{offset: end, size: rEnd - end})
	}
}

// free returns [offset, offset+size) to the free list, coalescing
// with adjacent ranges.
func (f *freeList) free(offset, size uint64) {
	f.insert(freeRange{offset: offset, size: size})
}

func (f *freeList) insert(nr freeRange) {
	i := sort.Search(len(f.ranges), func(i int) bool { return f.ranges[i].offset >= nr.offset })
	f.ranges = append(f.ranges, freeRange{})
	copy(f.ranges[i+1:], f.ranges[i:])
	f.ranges[i] = nr
	f.coalesceAround(i)
}

// coalesceAround merges the range at i with its neighbours if they
// are contiguous.
func (f *freeList) coalesceAround(i int) {
	if i+1 < len(f.ranges) {
		cur, next := f.ranges[i], f.ranges[i+1]
		if cur.offset+cur.size == next.offset {
			f.ranges[i].size += next.size
			f.ranges = append(f.ranges[:i+1], f.ranges[i+2:]...)
		}
	}
	if i > 0 {
		prev, cur := f.ranges[i-1], f.ranges[i]
		if prev.offset+prev.size == cur.offset {
			f.ranges[i-1].size += cur.size
			f.ranges = append(f.ranges[:i], f.ranges[i+1:]...)
		}
	}
}

// totalFree sums all free bytes.
func (f *freeList) totalFree() uint64 {
	var total uint64
	for _, r := range f.ranges {
		total += r.size
	}
	return total
}

// largestContiguous returns the size of the largest single free range.
func (f *freeList) largestContiguous() uint64 {
	var max uint64
	for _, r := range f.ranges {
		if r.size > max {
			max = r.size
		}
	}
	return max
}
