package pcache

// FlushRange writes back every resident, dirty line mapping an address
// in [start, end) for mm, without evicting it — the msync counterpart
// to the eviction path's writeback (spec.md §4.9 "msync": "flush the
// file range"). It keeps scanning the whole range even after a
// writeback failure, matching the caller's accumulate-and-continue
// semantics, and returns the first error seen, if any.
func (c *Cache) FlushRange(mm MMKey, start, end uintptr) error {
	if c.write == nil {
		return nil
	}
	var firstErr error
	for vaddr := start; vaddr < end; vaddr += PageSize {
		set := c.SetFor(vaddr)
		for w := 0; w < c.NWay; w++ {
			line := set.way(w)
			line.Lock()
			if !line.Resident() || !line.Dirty() {
				line.Unlock()
				continue
			}
			if _, e, ok := line.rmapFind(mm, vaddr); ok {
				if err := c.write(e.Task, vaddr, line.frame()); err != nil {
					if firstErr == nil {
						firstErr = err
					}
				} else {
					line.bits.Clear(bitDirty)
				}
			}
			line.Unlock()
		}
	}
	return firstErr
}
