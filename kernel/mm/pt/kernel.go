package pt

import (
	"mipsvm/kernel"
	"mipsvm/kernel/kfmt"
	"mipsvm/kernel/mm"
	"mipsvm/kernel/mm/pmm"
	"mipsvm/kernel/vmstats"
)

// KernelFrames reserves n contiguous frames for kernel use. Kernel memory is
// direct-mapped and never enters the table. When the kernel region is full,
// the user pages living in the next cluster are evicted and the region is
// grown by that cluster until the request fits or memory runs out. A cluster
// holding frames that the table does not own can never be reclaimed, so it
// ends the search with pmm.ErrOutOfMemory.
func (pt *PageTable) KernelFrames(n uint32) (mm.Frame, *kernel.Error) {
	for {
		frame, err := pt.cm.AllocKernelFrames(n)
		if err != pmm.ErrKernelRegionFull {
			return frame, err
		}

		start, end, err := pt.cm.NextKernelCluster()
		if err != nil {
			return mm.InvalidFrame, err
		}

		if err = pt.evictFrames(start, end); err != nil {
			return mm.InvalidFrame, err
		}

		pt.lock.Acquire()
		pt.tlb.InvalidateAll()
		pt.stats.Inc(vmstats.Invalidations)

		err = pt.cm.GrowKernel()
		if err == pmm.ErrClusterInUse && !pt.clusterReclaimable(start, end) {
			pt.lock.Release()
			kfmt.Printf("[pt] frames [%d, %d) are held outside the page table\n", start, end)
			return mm.InvalidFrame, pmm.ErrOutOfMemory
		}
		pt.lock.Release()

		// A fault may have grabbed one of the reclaimed frames in the
		// meantime; ErrClusterInUse sends us around the loop again.
		if err != nil && err != pmm.ErrClusterInUse {
			return mm.InvalidFrame, err
		}
	}
}

// clusterReclaimable reports whether another eviction pass over [start, end)
// can make progress: either the table holds a page in one of its frames or
// the kernel region moved since the range was computed. It must be called
// with the table lock held. Frames owned by the table are always visible in
// the slots while the lock is held since the table allocates and frees them
// under it.
func (pt *PageTable) clusterReclaimable(start, end mm.Frame) bool {
	if s, e, err := pt.cm.NextKernelCluster(); err != nil || s != start || e != end {
		return err == nil
	}

	for slot := range pt.slots {
		e := &pt.slots[slot]
		switch e.state {
		case slotLoading, slotResident, slotEvicting:
			if e.frame >= start && e.frame < end {
				return true
			}
		}
	}
	return false
}

// ReleaseKernelFrames returns an allocation made by KernelFrames.
func (pt *PageTable) ReleaseKernelFrames(first mm.Frame) *kernel.Error {
	clusters, err := pt.cm.FreeFrames(first)
	if err != nil {
		return err
	}

	if clusters > 0 {
		kfmt.Printf("[pt] kernel region shrunk by %d clusters\n", clusters)
	}
	return nil
}

// evictFrames evicts every user page whose frame lies in [start, end),
// writing dirty pages to swap and returning the frames to the coremap.
func (pt *PageTable) evictFrames(start, end mm.Frame) *kernel.Error {
	var victims []int
	for {
		pt.lock.Acquire()

		busy := false
		victims = victims[:0]
		for slot := range pt.slots {
			e := &pt.slots[slot]
			if e.state == slotFree || e.state == slotReserved || e.frame < start || e.frame >= end {
				continue
			}
			if e.state != slotResident {
				busy = true
				break
			}
			victims = append(victims, slot)
		}

		if !busy {
			break
		}
		pt.lock.Release()
		yieldFn()
	}

	evicted := make([]entry, len(victims))
	for i, slot := range victims {
		evicted[i] = pt.slots[slot]
		pt.slots[slot].state = slotEvicting
		pt.tlb.Invalidate(evicted[i].key.page.Address())
	}
	pt.lock.Release()

	var err *kernel.Error
	for i, slot := range victims {
		v := evicted[i]
		if err == nil && v.dirty {
			if _, err = pt.store.WriteOut(v.key.pid, v.key.page, pt.mem.Frame(v.frame)); err == nil {
				pt.stats.Inc(vmstats.SwapWrites)
			}
		}

		pt.lock.Acquire()
		if err != nil {
			pt.slots[slot].state = slotResident
			pt.lock.Release()
			continue
		}
		delete(pt.index, v.key)
		pt.slots[slot] = entry{}
		_, err = pt.cm.FreeFrames(v.frame)
		pt.lock.Release()
	}

	return err
}
