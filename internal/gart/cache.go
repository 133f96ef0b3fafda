package gart

import "container/list"

// cacheEntry is one eviction-cache residency record: a BO whose bind
// refcount dropped to zero but whose GART mapping was left in place on
// the chance it is reused before its space is needed.
type cacheEntry struct {
	bo *BO
	el *list.Element
}

// evictionCache keeps cache-resident BOs ordered by aperture offset,
// so an eviction scan can walk it to find a contiguous run of victims
// large enough to satisfy a new mapping.
type evictionCache struct {
	order *list.List // of *cacheEntry, sorted by bo.gartOffset ascending
	bytes uint64
}

func newEvictionCache() *evictionCache {
	return &evictionCache{order: list.New()}
}

// insert adds bo to the cache, keeping order sorted by aperture
// offset.
func (c *evictionCache) insert(bo *BO) {
	entry := &cacheEntry{bo: bo}
	var mark *list.Element
	for e := c.order.Front(); e != nil; e = e.Next() {
		if e.Value.(*cacheEntry).bo.gartOffset > bo.gartOffset {
			mark = e
			break
		}
	}
	if mark != nil {
		entry.el = c.order.InsertBefore(entry, mark)
	} else {
		entry.el = c.order.PushBack(entry)
	}
	bo.cacheNode = entry
	c.bytes += bo.Size
}

// remove drops bo from the cache (it is either about to be rebound or
// evicted).
func (c *evictionCache) remove(bo *BO) {
	if bo.cacheNode == nil {
		return
	}
	c.order.Remove(bo.cacheNode.el)
	c.bytes -= bo.Size
	bo.cacheNode = nil
}

// scanForRun walks the cache in aperture order looking for a
// contiguous group of cache entries whose combined size is at least
// needed. It returns the victim BOs in aperture order, or nil if no
// such run exists. Victims need not be contiguous with each other in
// address space, so in practice this returns the shortest run of
// entries starting at the front of the cache (the lowest offset) whose
// sizes sum to at least needed; victims are always evicted whole.
func (c *evictionCache) scanForRun(needed uint64) []*BO {
	for start := c.order.Front(); start != nil; start = start.Next() {
		var sum uint64
		var victims []*BO
		for e := start; e != nil; e = e.Next() {
			entry := e.Value.(*cacheEntry)
			victims = append(victims, entry.bo)
			sum += entry.bo.Size
			if sum >= needed {
				return victims
			}
		}
	}
	return nil
}

// all returns every cache-resident BO in aperture order (used by
// flush).
func (c *evictionCache) all() []*BO {
	var out []*BO
	for e := c.order.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*cacheEntry).bo)
	}
	return out
}
