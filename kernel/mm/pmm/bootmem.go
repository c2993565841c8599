package pmm

import (
	"io"

	"mipsvm/kernel"
	"mipsvm/kernel/hal/ram"
	"mipsvm/kernel/kfmt"
	"mipsvm/kernel/mm"
)

var (
	errBootAllocOutOfMemory = &kernel.Error{Module: "boot_mem_alloc", Message: "out of memory"}
)

// bootMemAllocator implements a rudimentary physical memory allocator which is
// used to bootstrap the kernel.
//
// The allocator steals memory from the untracked region of RAM that lies
// above the kernel image. Allocations are tracked via an internal counter and
// it is not possible to free allocated pages: once the coremap is activated
// every stolen frame is recorded as permanently used.
type bootMemAllocator struct {
	ram *ram.RAM

	// allocCount tracks the total number of allocated frames.
	allocCount uint64

	// lastAllocFrame tracks the first frame of the last allocation.
	lastAllocFrame mm.Frame
}

// allocFrames reserves npages contiguous frames from untracked memory.
func (alloc *bootMemAllocator) allocFrames(npages uint32) (mm.Frame, *kernel.Error) {
	paddr, err := alloc.ram.StealMem(uintptr(npages))
	if err != nil {
		return mm.InvalidFrame, errBootAllocOutOfMemory
	}

	alloc.allocCount += uint64(npages)
	alloc.lastAllocFrame = mm.FrameFromAddress(paddr)
	return alloc.lastAllocFrame, nil
}

// printMemoryMap prints out the machine's physical memory layout.
func (alloc *bootMemAllocator) printMemoryMap(w io.Writer) {
	firstFree := alloc.ram.FirstFree()
	kfmt.Fprintf(w, "[boot_mem_alloc] system memory map:\n")
	kfmt.Fprintf(w, "\t[0x%08x - 0x%08x], size: %10d, type: kernel\n", 0, firstFree, firstFree)
	kfmt.Fprintf(w, "\t[0x%08x - 0x%08x], size: %10d, type: available\n", firstFree, alloc.ram.Size(), alloc.ram.Size()-firstFree)
	kfmt.Fprintf(w, "[boot_mem_alloc] available memory: %dKb\n", uint64((alloc.ram.Size()-firstFree)/1024))
	kfmt.Fprintf(w, "[boot_mem_alloc] frames stolen during boot: %d\n", alloc.allocCount)
}
