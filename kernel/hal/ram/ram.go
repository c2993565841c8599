// Package ram provides the physical memory of the simulated machine. The
// memory is an anonymous private mapping obtained from the host so frame
// contents live outside the Go heap, the way a hosted sandbox kernel backs
// guest memory.
package ram

import (
	"mipsvm/kernel"
	"mipsvm/kernel/mm"
	"mipsvm/kernel/sync"

	"golang.org/x/sys/unix"
)

var (
	// mmapFn and munmapFn are used by tests to simulate host failures.
	mmapFn   = unix.Mmap
	munmapFn = unix.Munmap

	errTooSmall        = &kernel.Error{Module: "ram", Message: "memory size must be at least one page"}
	errOutOfRawMemory  = &kernel.Error{Module: "ram", Message: "not enough untracked memory to steal the requested pages"}
	errInvalidPhysAddr = &kernel.Error{Module: "ram", Message: "physical address outside of installed memory"}
)

// RAM is the physical memory installed in the machine. Before the frame
// allocator takes over, memory is handed out with StealMem which advances a
// watermark; everything below FirstFree is considered permanently in use by
// the kernel image and its bootstrap allocations.
type RAM struct {
	mem []byte

	stealLock sync.Spinlock
	firstFree uintptr
}

// New maps size bytes of physical memory (rounded down to a whole number of
// pages). The first kernelImagePages frames are reserved for the kernel
// image.
func New(size uintptr, kernelImagePages uintptr) (*RAM, *kernel.Error) {
	size &= mm.PageFrame
	if size == 0 || kernelImagePages*mm.PageSize >= size {
		return nil, errTooSmall
	}

	mem, err := mmapFn(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, kernel.HostError("ram", err)
	}

	return &RAM{
		mem:       mem,
		firstFree: kernelImagePages * mm.PageSize,
	}, nil
}

// Close releases the host mapping backing this RAM.
func (r *RAM) Close() *kernel.Error {
	if r.mem == nil {
		return nil
	}
	mem := r.mem
	r.mem = nil
	return kernel.HostError("ram", munmapFn(mem))
}

// Size returns the installed memory size in bytes.
func (r *RAM) Size() uintptr {
	return uintptr(len(r.mem))
}

// FrameCount returns the number of physical frames.
func (r *RAM) FrameCount() uint32 {
	return uint32(uintptr(len(r.mem)) >> mm.PageShift)
}

// StealMem permanently reserves npages contiguous pages from the untracked
// memory above FirstFree and returns the physical address of the first one.
func (r *RAM) StealMem(npages uintptr) (uintptr, *kernel.Error) {
	r.stealLock.Acquire()
	defer r.stealLock.Release()

	size := npages * mm.PageSize
	if r.firstFree+size > uintptr(len(r.mem)) {
		return 0, errOutOfRawMemory
	}

	paddr := r.firstFree
	r.firstFree += size
	return paddr, nil
}

// FirstFree returns the lowest physical address that has not been stolen.
func (r *RAM) FirstFree() uintptr {
	r.stealLock.Acquire()
	defer r.stealLock.Release()
	return r.firstFree
}

// Frame returns a slice that overlays the contents of the given frame.
func (r *RAM) Frame(f mm.Frame) []byte {
	start := f.Address()
	return r.mem[start : start+mm.PageSize : start+mm.PageSize]
}

// Bytes returns a slice that overlays size bytes starting at paddr.
func (r *RAM) Bytes(paddr, size uintptr) ([]byte, *kernel.Error) {
	if paddr+size > uintptr(len(r.mem)) || paddr+size < paddr {
		return nil, errInvalidPhysAddr
	}
	return r.mem[paddr : paddr+size : paddr+size], nil
}
