// Package pmm implements the physical frame allocator (coremap). Frames are
// tracked with a bitmap and a run-length table that records, for the first
// frame of every allocation, how many contiguous frames were reserved
// together.
//
// The low end of physical memory is a kernel region that only serves kernel
// allocations. It is sized in whole clusters, can grow by absorbing the next
// cluster of user frames and shrinks back when two or more of the clusters
// it gained become free again.
package pmm

import (
	"io"

	"mipsvm/kernel"
	"mipsvm/kernel/hal/ram"
	"mipsvm/kernel/kfmt"
	"mipsvm/kernel/mm"
	"mipsvm/kernel/sync"
)

var (
	// ErrOutOfMemory is returned when no run of free frames is large
	// enough to satisfy a request.
	ErrOutOfMemory = &kernel.Error{Module: "coremap", Message: "out of memory"}

	// ErrNotRunStart is returned when freeing a frame that does not start
	// a live allocation.
	ErrNotRunStart = &kernel.Error{Module: "coremap", Message: "frame is not the first frame of an allocation"}

	errInvalidFrameCount = &kernel.Error{Module: "coremap", Message: "frame count must be greater than zero"}
	errAlreadyActive     = &kernel.Error{Module: "coremap", Message: "coremap already active"}
	errInvalidCluster    = &kernel.Error{Module: "coremap", Message: "cluster size must be greater than zero"}

	// ErrKernelRegionFull is returned by AllocKernelFrames when the kernel
	// region does not contain a large enough run of free frames. The caller
	// may free up the next cluster and call GrowKernel.
	ErrKernelRegionFull = &kernel.Error{Module: "coremap", Message: "kernel region exhausted"}

	// ErrClusterInUse is returned by GrowKernel when the frames of the next
	// cluster are still allocated to user pages.
	ErrClusterInUse = &kernel.Error{Module: "coremap", Message: "next cluster still holds user frames"}
)

type markAs bool

const (
	markReserved markAs = false
	markFree     markAs = true
)

// Coremap tracks the state of every physical frame of the machine.
type Coremap struct {
	lock sync.Spinlock

	// active is set once Activate hands frame management over from the
	// boot allocator.
	active bool

	bootAlloc bootMemAllocator

	// totalFrames is the number of frames installed in the machine.
	totalFrames uint32

	// freeBitmap tracks used/free frames; a set bit marks a used frame.
	freeBitmap []uint64

	// runLength holds, for the first frame of every allocation, the number
	// of frames that belong to it. It is zero for every other frame.
	runLength []uint32

	// kernFrames is the size of the kernel region [0, kernFrames). It is
	// always a multiple of clusterSize unless it covers all of memory.
	kernFrames uint32

	// bootKernFrames is the kernel region size chosen by Activate; the
	// region never shrinks below it.
	bootKernFrames uint32

	clusterSize uint32
}

// NewCoremap returns a coremap for the frames in r. Until Activate is called
// allocation requests are served by stealing untracked memory from r.
func NewCoremap(r *ram.RAM, clusterSize uint32) (*Coremap, *kernel.Error) {
	if clusterSize == 0 {
		return nil, errInvalidCluster
	}

	totalFrames := r.FrameCount()
	return &Coremap{
		bootAlloc:   bootMemAllocator{ram: r},
		totalFrames: totalFrames,
		freeBitmap:  make([]uint64, (totalFrames+63)>>6),
		runLength:   make([]uint32, totalFrames),
		clusterSize: clusterSize,
	}, nil
}

// Activate switches the coremap from boot-time allocation to bitmap-based
// allocation. Every frame stolen so far is recorded as used, the remaining
// untracked memory is claimed so nothing else can steal it, and the kernel
// region is sized to the first cluster boundary past the stolen frames.
func (cm *Coremap) Activate(w io.Writer) *kernel.Error {
	cm.lock.Acquire()
	defer cm.lock.Release()

	if cm.active {
		return errAlreadyActive
	}

	cm.bootAlloc.printMemoryMap(w)

	firstFree := uint32(cm.bootAlloc.ram.FirstFree() >> mm.PageShift)
	if remaining := cm.totalFrames - firstFree; remaining > 0 {
		if _, err := cm.bootAlloc.ram.StealMem(uintptr(remaining)); err != nil {
			return err
		}
	}

	for frame := uint32(0); frame < firstFree; frame++ {
		cm.markFrame(frame, markReserved)
		cm.runLength[frame] = 1
	}

	cm.kernFrames = ((firstFree + cm.clusterSize) / cm.clusterSize) * cm.clusterSize
	if cm.kernFrames > cm.totalFrames {
		cm.kernFrames = cm.totalFrames
	}
	cm.bootKernFrames = cm.kernFrames
	cm.active = true

	kfmt.Fprintf(w, "[coremap] %d frames, %d reserved at boot, kernel region: %d frames, user frames: %d\n",
		cm.totalFrames, firstFree, cm.kernFrames, cm.totalFrames-cm.kernFrames)
	return nil
}

// AllocFrames reserves n contiguous frames outside the kernel region using
// a first-fit scan and returns the first one. Before Activate, the request
// is served by the boot allocator instead.
func (cm *Coremap) AllocFrames(n uint32) (mm.Frame, *kernel.Error) {
	if n == 0 {
		return mm.InvalidFrame, errInvalidFrameCount
	}

	cm.lock.Acquire()
	defer cm.lock.Release()

	if !cm.active {
		return cm.bootAlloc.allocFrames(n)
	}

	return cm.reserveRun(cm.kernFrames, cm.totalFrames, n, ErrOutOfMemory)
}

// AllocKernelFrames reserves n contiguous frames inside the kernel region.
// It returns ErrKernelRegionFull if the region has no large enough run; the
// caller can then reclaim the next cluster with GrowKernel and retry.
func (cm *Coremap) AllocKernelFrames(n uint32) (mm.Frame, *kernel.Error) {
	if n == 0 {
		return mm.InvalidFrame, errInvalidFrameCount
	}

	cm.lock.Acquire()
	defer cm.lock.Release()

	if !cm.active {
		return cm.bootAlloc.allocFrames(n)
	}

	return cm.reserveRun(0, cm.kernFrames, n, ErrKernelRegionFull)
}

// NextKernelCluster returns the frame range [start, end) that the next call
// to GrowKernel will absorb into the kernel region. It returns
// ErrOutOfMemory if the kernel region already spans all of memory.
func (cm *Coremap) NextKernelCluster() (start, end mm.Frame, err *kernel.Error) {
	cm.lock.Acquire()
	defer cm.lock.Release()

	if cm.kernFrames >= cm.totalFrames {
		return mm.InvalidFrame, mm.InvalidFrame, ErrOutOfMemory
	}

	endFrame := cm.kernFrames + cm.clusterSize
	if endFrame > cm.totalFrames {
		endFrame = cm.totalFrames
	}
	return mm.Frame(cm.kernFrames), mm.Frame(endFrame), nil
}

// GrowKernel extends the kernel region by one cluster. All frames of that
// cluster must be free; ErrClusterInUse is returned otherwise.
func (cm *Coremap) GrowKernel() *kernel.Error {
	cm.lock.Acquire()
	defer cm.lock.Release()

	if cm.kernFrames >= cm.totalFrames {
		return ErrOutOfMemory
	}

	endFrame := cm.kernFrames + cm.clusterSize
	if endFrame > cm.totalFrames {
		endFrame = cm.totalFrames
	}

	for frame := cm.kernFrames; frame < endFrame; frame++ {
		if !cm.isFree(frame) {
			return ErrClusterInUse
		}
	}

	cm.kernFrames = endFrame
	return nil
}

// FreeFrames releases the allocation that starts at first. When the freed
// frames belong to the kernel region, clusters gained through GrowKernel are
// handed back to the user pool if at least two of them are entirely free;
// the number of returned clusters is reported to the caller.
func (cm *Coremap) FreeFrames(first mm.Frame) (int, *kernel.Error) {
	cm.lock.Acquire()
	defer cm.lock.Release()

	if !cm.active {
		// boot allocations are permanent
		return 0, nil
	}

	if uint32(first) >= cm.totalFrames || cm.runLength[first] == 0 {
		return 0, ErrNotRunStart
	}

	count := cm.runLength[first]
	cm.runLength[first] = 0
	for frame := uint32(first); frame < uint32(first)+count; frame++ {
		cm.markFrame(frame, markFree)
	}

	if uint32(first) >= cm.kernFrames {
		return 0, nil
	}

	return cm.shrinkKernel(), nil
}

// shrinkKernel returns whole free clusters at the top of the kernel region
// to the user pool when there are at least two of them.
func (cm *Coremap) shrinkKernel() int {
	freeTop := uint32(0)
	for frame := cm.kernFrames; frame > cm.bootKernFrames && cm.isFree(frame-1); frame-- {
		freeTop++
	}

	clusters := freeTop / cm.clusterSize
	if clusters < 2 {
		return 0
	}

	cm.kernFrames -= clusters * cm.clusterSize
	return int(clusters)
}

// Stats returns a snapshot of the number of free and used frames.
func (cm *Coremap) Stats() (free, used uint32) {
	cm.lock.Acquire()
	defer cm.lock.Release()

	for frame := uint32(0); frame < cm.totalFrames; frame++ {
		if cm.isFree(frame) {
			free++
		}
	}
	return free, cm.totalFrames - free
}

// KernelFrames returns the current size of the kernel region in frames.
func (cm *Coremap) KernelFrames() uint32 {
	cm.lock.Acquire()
	defer cm.lock.Release()
	return cm.kernFrames
}

// TotalFrames returns the number of frames installed in the machine.
func (cm *Coremap) TotalFrames() uint32 {
	return cm.totalFrames
}

// ClusterSize returns the number of frames in a kernel cluster.
func (cm *Coremap) ClusterSize() uint32 {
	return cm.clusterSize
}

// Dump prints the frame map of the kernel region (F for free, U for used)
// followed by memory usage totals.
func (cm *Coremap) Dump(w io.Writer) {
	cm.lock.Acquire()
	if !cm.active {
		cm.lock.Release()
		kfmt.Fprintf(w, "[coremap] memory allocation table is not yet active\n")
		return
	}

	var freeFrames uint32
	kfmt.Fprintf(w, "memory view:\n")
	for frame := uint32(0); frame < cm.totalFrames; frame++ {
		if frame == cm.kernFrames {
			kfmt.Fprintf(w, "| ")
		}
		if cm.isFree(frame) {
			freeFrames++
			kfmt.Fprintf(w, "F ")
		} else {
			kfmt.Fprintf(w, "U ")
		}
	}
	kernFrames, totalFrames := cm.kernFrames, cm.totalFrames
	cm.lock.Release()

	freeMem := uint64(freeFrames) * uint64(mm.PageSize)
	usedMem := uint64(totalFrames)*uint64(mm.PageSize) - freeMem
	kfmt.Fprintf(w, "\nfree memory:\t%d kB\nused memory:\t%d kB\n", freeMem/1024, usedMem/1024)
	kfmt.Fprintf(w, "kernel memory:\t%d kB\n", uint64(kernFrames)*uint64(mm.PageSize)/1024)
}

// reserveRun finds the first run of n free frames in [lo, hi), marks it used
// and records its length. The caller must hold the lock.
func (cm *Coremap) reserveRun(lo, hi, n uint32, errNoRun *kernel.Error) (mm.Frame, *kernel.Error) {
	var runStart, runLen uint32
	for frame := lo; frame < hi; frame++ {
		if !cm.isFree(frame) {
			runLen = 0
			continue
		}

		if runLen == 0 {
			runStart = frame
		}
		runLen++

		if runLen == n {
			for f := runStart; f < runStart+n; f++ {
				cm.markFrame(f, markReserved)
			}
			cm.runLength[runStart] = n
			return mm.Frame(runStart), nil
		}
	}

	return mm.InvalidFrame, errNoRun
}

// markFrame updates the reservation flag for the bitmap entry that
// corresponds to the supplied frame.
func (cm *Coremap) markFrame(frame uint32, flag markAs) {
	if frame >= cm.totalFrames {
		return
	}

	// The offset in the block is given by: frame % 64. As the bitmap uses
	// a big-ending representation we need to set the bit at index: 63 - offset
	block := frame >> 6
	mask := uint64(1 << (63 - (frame - block<<6)))
	switch flag {
	case markFree:
		cm.freeBitmap[block] &^= mask
	case markReserved:
		cm.freeBitmap[block] |= mask
	}
}

// isFree returns true if the bitmap marks frame as free.
func (cm *Coremap) isFree(frame uint32) bool {
	block := frame >> 6
	mask := uint64(1 << (63 - (frame - block<<6)))
	return cm.freeBitmap[block]&mask == 0
}
