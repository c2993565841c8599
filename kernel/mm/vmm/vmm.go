// Package vmm implements demand-paged user address spaces on top of the
// page table: address space lifecycle, TLB fault handling and the kernel
// page service.
package vmm

import (
	"mipsvm/kernel"
	"mipsvm/kernel/cpu"
	"mipsvm/kernel/hal/ram"
	"mipsvm/kernel/mm"
	"mipsvm/kernel/mm/pmm"
	"mipsvm/kernel/mm/pt"
	"mipsvm/kernel/mm/swap"
	"mipsvm/kernel/sync"
	"mipsvm/kernel/vmstats"
)

// kseg0 is the start of the direct-mapped kernel segment. Kernel pages are
// addressed at kseg0 plus their physical address.
const kseg0 = uintptr(0x80000000)

var errNotKernelAddr = &kernel.Error{Module: "vmm", Message: "address is not a kernel segment address"}

// VM is the virtual memory system of the machine.
type VM struct {
	core  *cpu.Core
	mem   *ram.RAM
	cm    *pmm.Coremap
	store *swap.Store
	stats *vmstats.Stats
	tlb   *tlbManager
	pt    *pt.PageTable

	curLock sync.Spinlock
	curproc *Process
}

// New creates the VM system for a machine whose frame allocator has been
// activated.
func New(core *cpu.Core, mem *ram.RAM, cm *pmm.Coremap, store *swap.Store, stats *vmstats.Stats) (*VM, *kernel.Error) {
	vm := &VM{
		core:  core,
		mem:   mem,
		cm:    cm,
		store: store,
		stats: stats,
		tlb:   &tlbManager{core: core, stats: stats},
	}

	table, err := pt.New(mem, cm, store, vm.tlb, stats)
	if err != nil {
		return nil, err
	}
	vm.pt = table
	return vm, nil
}

// Core returns the processor the VM system manages the TLB of.
func (vm *VM) Core() *cpu.Core {
	return vm.core
}

// PageTable returns the page table.
func (vm *VM) PageTable() *pt.PageTable {
	return vm.pt
}

// Stats returns the VM counters.
func (vm *VM) Stats() *vmstats.Stats {
	return vm.stats
}

// Current returns the process running on the core or nil.
func (vm *VM) Current() *Process {
	vm.curLock.Acquire()
	defer vm.curLock.Release()
	return vm.curproc
}

// SwitchTo makes p the running process and activates its address space.
func (vm *VM) SwitchTo(p *Process) {
	vm.curLock.Acquire()
	vm.curproc = p
	vm.curLock.Release()

	vm.Activate()
}

// Activate makes the address space of the running process the one used for
// translation. The TLB holds no process tags so it is flushed.
func (vm *VM) Activate() {
	p := vm.Current()
	if p == nil || p.AddressSpace() == nil {
		return
	}

	vm.tlb.InvalidateAll()
	vm.stats.Inc(vmstats.Invalidations)
}

// Deactivate turns off translation for the running process.
func (vm *VM) Deactivate() {
	vm.tlb.InvalidateAll()
	vm.stats.Inc(vmstats.Invalidations)
}

// AllocKPages allocates npages contiguous kernel pages and returns their
// kernel segment address.
func (vm *VM) AllocKPages(npages uint32) (uintptr, *kernel.Error) {
	frame, err := vm.pt.KernelFrames(npages)
	if err != nil {
		return 0, err
	}
	return kseg0 + frame.Address(), nil
}

// FreeKPages releases an allocation made by AllocKPages.
func (vm *VM) FreeKPages(addr uintptr) *kernel.Error {
	if addr < kseg0 || addr&^mm.PageFrame != 0 {
		return errNotKernelAddr
	}
	return vm.pt.ReleaseKernelFrames(mm.FrameFromAddress(addr - kseg0))
}

// KernelMemory returns the size bytes of kernel memory at addr.
func (vm *VM) KernelMemory(addr, size uintptr) ([]byte, *kernel.Error) {
	if addr < kseg0 {
		return nil, errNotKernelAddr
	}
	return vm.mem.Bytes(addr-kseg0, size)
}
