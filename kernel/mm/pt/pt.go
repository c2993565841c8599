// Package pt implements the page table that maps (pid, virtual page) pairs
// to physical frames. The table is a fixed array of clusters; a page is
// placed in the cluster selected by hashing its key and, when that cluster
// is full, replaces a random resident page of the same cluster. Evicted
// pages that may have been modified are written to the swap store.
package pt

import (
	"math/rand"
	"runtime"

	"mipsvm/kernel"
	"mipsvm/kernel/hal/ram"
	"mipsvm/kernel/kfmt"
	"mipsvm/kernel/mm"
	"mipsvm/kernel/mm/pmm"
	"mipsvm/kernel/mm/swap"
	"mipsvm/kernel/sync"
	"mipsvm/kernel/vmstats"
)

var (
	// ErrFault is returned by Resolve when the address is not mapped by
	// the process or the access is not permitted.
	ErrFault = &kernel.Error{Module: "pt", Message: "invalid access"}

	errNoClusters = &kernel.Error{Module: "pt", Message: "not enough user memory for a single cluster"}
	errUnaligned  = &kernel.Error{Module: "pt", Message: "mapping address must be page-aligned"}
	errEmptyRange = &kernel.Error{Module: "pt", Message: "mapping must cover at least one page"}
	errOverlap    = &kernel.Error{Module: "pt", Message: "mapping overlaps an existing mapping"}

	// errRetry is used internally when the fault has to wait for another
	// thread to finish populating or evicting a page.
	errRetry = &kernel.Error{Module: "pt", Message: "retry"}

	// The following functions are mocked by tests.
	yieldFn = runtime.Gosched
	randFn  = rand.Intn
)

// Source describes where the contents of a resolved page came from.
type Source uint8

const (
	// SourceResident means the page was already in memory.
	SourceResident Source = iota

	// SourceZero means the page was zero-filled.
	SourceZero

	// SourceImage means the page was read from the executable image.
	SourceImage

	// SourceSwap means the page was read back from the swap store.
	SourceSwap
)

// Result is returned by a successful Resolve.
type Result struct {
	Frame    mm.Frame
	Writable bool
	Source   Source
}

type slotState uint8

const (
	slotFree slotState = iota

	// slotReserved is a free slot promised to a fault that is waiting for
	// a victim in another slot to be written out.
	slotReserved

	// slotLoading holds a page whose frame is being populated.
	slotLoading

	slotResident

	// slotEvicting holds a page whose contents are being written to swap.
	slotEvicting
)

type key struct {
	pid  mm.PID
	page mm.Page
}

type entry struct {
	state    slotState
	key      key
	frame    mm.Frame
	writable bool
	dirty    bool
}

// reservation tracks a fault between reserving a frame under the table lock
// and committing the populated page.
type reservation struct {
	key      key
	slot     int
	frame    mm.Frame
	writable bool

	// victim is the slot being evicted to free frame, or -1.
	victim      int
	victimEntry entry
}

// PageTable is the system-wide table of resident user pages.
type PageTable struct {
	lock sync.Spinlock

	mem   *ram.RAM
	cm    *pmm.Coremap
	store *swap.Store
	tlb   TLB
	stats *vmstats.Stats

	clusterSize int
	nClusters   int
	slots       []entry

	// index maps every page that occupies a slot to that slot.
	index map[key]int

	// pending maps faults that are waiting for a victim to be written out
	// to the slot they will occupy.
	pending map[key]int

	mappings map[mm.PID][]mapping
}

// New creates a page table with one entry for every user frame left after
// the kernel region of cm. The coremap must already be active.
func New(mem *ram.RAM, cm *pmm.Coremap, store *swap.Store, tlb TLB, stats *vmstats.Stats) (*PageTable, *kernel.Error) {
	clusterSize := int(cm.ClusterSize())
	nClusters := int(cm.TotalFrames()-cm.KernelFrames()) / clusterSize
	if nClusters == 0 {
		return nil, errNoClusters
	}

	kfmt.Printf("[pt] %d clusters of %d entries\n", nClusters, clusterSize)

	return &PageTable{
		mem:         mem,
		cm:          cm,
		store:       store,
		tlb:         tlb,
		stats:       stats,
		clusterSize: clusterSize,
		nClusters:   nClusters,
		slots:       make([]entry, nClusters*clusterSize),
		index:       make(map[key]int),
		pending:     make(map[key]int),
		mappings:    make(map[mm.PID][]mapping),
	}, nil
}

// InsertMapping registers npages pages starting at vaddr as accessible by
// pid with the given permissions. No frames are allocated; pages are
// populated when they are first resolved.
func (pt *PageTable) InsertMapping(pid mm.PID, vaddr, npages uintptr, perm Perm) *kernel.Error {
	if vaddr&^mm.PageFrame != 0 {
		return errUnaligned
	}
	if npages == 0 {
		return errEmptyRange
	}

	m := mapping{
		first: mm.PageFromAddress(vaddr),
		last:  mm.PageFromAddress(vaddr) + mm.Page(npages-1),
		perm:  perm,
	}

	pt.lock.Acquire()
	defer pt.lock.Release()

	for _, other := range pt.mappings[pid] {
		if m.first <= other.last && other.first <= m.last {
			return errOverlap
		}
	}
	pt.mappings[pid] = append(pt.mappings[pid], m)
	return nil
}

// permFor returns the permissions registered for k. It must be called with
// the table lock held.
func (pt *PageTable) permFor(k key) (Perm, bool) {
	for _, m := range pt.mappings[k.pid] {
		if k.page >= m.first && k.page <= m.last {
			return m.perm, true
		}
	}
	return 0, false
}

// Resolve returns the frame holding the page at vaddr for process pid,
// making it resident if needed, and installs its translation in the TLB.
// ErrFault is returned if vaddr lies outside every region of as, if pid has
// no mapping for it or if write is set and the mapping is read-only.
func (pt *PageTable) Resolve(as AddressSpace, pid mm.PID, vaddr uintptr, write bool) (Result, *kernel.Error) {
	vaddr &= mm.PageFrame

	region, ok := as.FindRegion(vaddr)
	if !ok {
		return Result{}, ErrFault
	}

	k := key{pid: pid, page: mm.PageFromAddress(vaddr)}

	var (
		res reservation
		err *kernel.Error
	)
	for {
		pt.lock.Acquire()

		perm, mapped := pt.permFor(k)
		if !mapped || (write && perm&PermWrite == 0) {
			pt.lock.Release()
			return Result{}, ErrFault
		}

		if slot, found := pt.index[k]; found {
			if e := pt.slots[slot]; e.state == slotResident {
				pt.tlb.Install(vaddr, e.frame, e.writable)
				pt.lock.Release()
				pt.stats.Inc(vmstats.Reloads)
				return Result{Frame: e.frame, Writable: e.writable, Source: SourceResident}, nil
			}
			pt.lock.Release()
			yieldFn()
			continue
		}

		if _, waiting := pt.pending[k]; waiting {
			pt.lock.Release()
			yieldFn()
			continue
		}

		res, err = pt.reserve(k, perm&PermWrite != 0)
		pt.lock.Release()

		if err == errRetry {
			yieldFn()
			continue
		}
		if err != nil {
			return Result{}, err
		}
		break
	}

	if err = pt.finishEviction(&res); err != nil {
		return Result{}, err
	}

	src, err := pt.populate(as, region, k, vaddr, pt.mem.Frame(res.frame))

	pt.lock.Acquire()
	if err != nil {
		delete(pt.index, k)
		pt.slots[res.slot] = entry{}
		_, _ = pt.cm.FreeFrames(res.frame)
		pt.lock.Release()
		return Result{}, err
	}

	e := &pt.slots[res.slot]
	e.state = slotResident
	if src == SourceSwap {
		// the swap copy is gone, so the frame is the only copy left.
		e.dirty = true
	}
	pt.tlb.Install(vaddr, e.frame, e.writable)
	result := Result{Frame: e.frame, Writable: e.writable, Source: src}
	pt.lock.Release()

	switch src {
	case SourceZero:
		pt.stats.Inc(vmstats.FaultsZeroed)
	case SourceImage:
		pt.stats.Inc(vmstats.FaultsDisk)
		pt.stats.Inc(vmstats.FaultsImage)
	case SourceSwap:
		pt.stats.Inc(vmstats.FaultsDisk)
		pt.stats.Inc(vmstats.FaultsSwap)
	}

	return result, nil
}

// reserve secures a frame and a slot for k. The frame comes from the
// coremap when possible; otherwise a resident page is picked as a victim
// and its frame is handed over once finishEviction has written it out. It
// must be called with the table lock held.
func (pt *PageTable) reserve(k key, writable bool) (reservation, *kernel.Error) {
	ci := pt.cluster(k)
	res := reservation{key: k, slot: pt.freeSlot(ci), victim: -1, writable: writable}

	if res.slot >= 0 {
		frame, err := pt.cm.AllocFrames(1)
		switch {
		case err == nil:
			res.frame = frame
			pt.slots[res.slot] = entry{state: slotLoading, key: k, frame: frame, writable: writable, dirty: writable}
			pt.index[k] = res.slot
			return res, nil
		case err != pmm.ErrOutOfMemory:
			return res, err
		}

		// Out of frames: take one from any resident page, starting with
		// the pages that share the cluster.
		if res.victim = pt.pickVictimFrom(ci); res.victim < 0 {
			if len(pt.index) > 0 {
				return res, errRetry
			}
			return res, pmm.ErrOutOfMemory
		}
		pt.slots[res.slot].state = slotReserved
	} else {
		if res.victim = pt.pickVictim(ci); res.victim < 0 {
			return res, errRetry
		}
		res.slot = res.victim
	}

	v := &pt.slots[res.victim]
	res.victimEntry = *v
	res.frame = v.frame
	v.state = slotEvicting
	pt.pending[k] = res.slot
	pt.tlb.Invalidate(v.key.page.Address())
	return res, nil
}

// finishEviction writes the victim of res to swap if it may have been
// modified and moves the fault into its slot. If the write fails the
// victim is reinstated and the fault gives up its reservation.
func (pt *PageTable) finishEviction(res *reservation) *kernel.Error {
	if res.victim < 0 {
		return nil
	}

	v := res.victimEntry
	var err *kernel.Error
	if v.dirty {
		if _, err = pt.store.WriteOut(v.key.pid, v.key.page, pt.mem.Frame(v.frame)); err == nil {
			pt.stats.Inc(vmstats.SwapWrites)
		}
	}

	pt.lock.Acquire()
	defer pt.lock.Release()

	delete(pt.pending, res.key)
	if err != nil {
		kfmt.Printf("[pt] unable to evict page 0x%x of pid %d: %s\n", v.key.page.Address(), v.key.pid, err.Message)
		pt.slots[res.victim].state = slotResident
		if res.slot != res.victim {
			pt.slots[res.slot] = entry{}
		}
		return err
	}

	delete(pt.index, v.key)
	if res.slot != res.victim {
		pt.slots[res.victim] = entry{}
	}
	pt.slots[res.slot] = entry{state: slotLoading, key: res.key, frame: res.frame, writable: res.writable, dirty: res.writable}
	pt.index[res.key] = res.slot
	return nil
}

// populate fills dst with the contents of the page at vaddr: the swapped
// copy if there is one, else the image data if the page lies within the
// file-backed part of r, else zeroes.
func (pt *PageTable) populate(as AddressSpace, r Region, k key, vaddr uintptr, dst []byte) (Source, *kernel.Error) {
	found, err := pt.store.ReadIn(k.pid, k.page, dst, swap.Load)
	if err != nil {
		return 0, err
	}
	if found {
		return SourceSwap, nil
	}

	if vaddr-r.Base < r.FileSize {
		if err = as.LoadPage(r, vaddr, dst); err != nil {
			return 0, err
		}
		return SourceImage, nil
	}

	kernel.Memset(dst, 0)
	return SourceZero, nil
}

// ReleaseProcessPages drops every page of every region of as that belongs
// to pid, returning resident frames to the coremap and discarding swapped
// copies, and forgets the mappings registered for pid. Pages that are not
// present are skipped, so calling it again is a no-op.
func (pt *PageTable) ReleaseProcessPages(as AddressSpace, pid mm.PID) *kernel.Error {
	for _, r := range as.Regions() {
		first := mm.PageFromAddress(r.Base)
		for i := uintptr(0); i < r.Pages; i++ {
			if err := pt.releasePage(key{pid: pid, page: first + mm.Page(i)}); err != nil {
				return err
			}
		}
	}

	pt.lock.Acquire()
	delete(pt.mappings, pid)
	pt.lock.Release()
	return nil
}

func (pt *PageTable) releasePage(k key) *kernel.Error {
	for {
		pt.lock.Acquire()
		slot, found := pt.index[k]
		_, waiting := pt.pending[k]
		if waiting || (found && pt.slots[slot].state != slotResident) {
			pt.lock.Release()
			yieldFn()
			continue
		}

		if found {
			frame := pt.slots[slot].frame
			pt.slots[slot] = entry{}
			delete(pt.index, k)
			pt.tlb.Invalidate(k.page.Address())
			if _, err := pt.cm.FreeFrames(frame); err != nil {
				pt.lock.Release()
				return err
			}
		}
		pt.lock.Release()

		_, err := pt.store.ReadIn(k.pid, k.page, nil, swap.Discard)
		return err
	}
}

// Lookup returns the frame holding the page at vaddr of pid if the page is
// resident.
func (pt *PageTable) Lookup(pid mm.PID, vaddr uintptr) (mm.Frame, bool) {
	pt.lock.Acquire()
	defer pt.lock.Release()

	slot, found := pt.index[key{pid: pid, page: mm.PageFromAddress(vaddr)}]
	if !found || pt.slots[slot].state != slotResident {
		return mm.InvalidFrame, false
	}
	return pt.slots[slot].frame, true
}

// Resident returns the number of resident pages.
func (pt *PageTable) Resident() int {
	pt.lock.Acquire()
	defer pt.lock.Release()

	var n int
	for i := range pt.slots {
		if pt.slots[i].state == slotResident {
			n++
		}
	}
	return n
}

// cluster returns the index of the cluster k hashes to.
func (pt *PageTable) cluster(k key) int {
	return int((uint64(k.page)*31 + uint64(k.pid)) % uint64(pt.nClusters))
}

func (pt *PageTable) freeSlot(ci int) int {
	for slot := ci * pt.clusterSize; slot < (ci+1)*pt.clusterSize; slot++ {
		if pt.slots[slot].state == slotFree {
			return slot
		}
	}
	return -1
}

// pickVictim returns a random resident slot of cluster ci or -1 if the
// cluster holds no resident page.
func (pt *PageTable) pickVictim(ci int) int {
	var candidates [64]int
	resident := candidates[:0]
	for slot := ci * pt.clusterSize; slot < (ci+1)*pt.clusterSize; slot++ {
		if pt.slots[slot].state == slotResident {
			resident = append(resident, slot)
		}
	}

	if len(resident) == 0 {
		return -1
	}
	return resident[randFn(len(resident))]
}

// pickVictimFrom tries cluster ci and then the clusters after it, wrapping
// around, until one of them yields a victim.
func (pt *PageTable) pickVictimFrom(ci int) int {
	for i := 0; i < pt.nClusters; i++ {
		if victim := pt.pickVictim((ci + i) % pt.nClusters); victim >= 0 {
			return victim
		}
	}
	return -1
}
