package vmm

import (
	"mipsvm/kernel"
	"mipsvm/kernel/cpu"
	"mipsvm/kernel/kfmt"
	"mipsvm/kernel/mm"
	"mipsvm/kernel/mm/pt"
	"mipsvm/kernel/vmstats"
)

// maxFaultRetries bounds the number of faults a single access may take
// before it is reported as failed.
const maxFaultRetries = 8

var (
	// ErrReadOnly is returned for a store through a translation without
	// write permission.
	ErrReadOnly = &kernel.Error{Module: "vmm", Message: "write to read-only page"}

	// ErrSegFault is returned for an access outside every region of the
	// address space or not allowed by its permissions.
	ErrSegFault = &kernel.Error{Module: "vmm", Message: "segmentation fault"}

	// ErrNoAddressSpace is returned when a fault is taken with no running
	// process or by a process without an address space.
	ErrNoAddressSpace = &kernel.Error{Module: "vmm", Message: "fault with no current address space"}

	errUnknownFault = &kernel.Error{Module: "vmm", Message: "unknown fault type"}
	errFaultLoop    = &kernel.Error{Module: "vmm", Message: "access keeps faulting"}
)

// HandleFault resolves a TLB miss at vaddr for the running process. A nil
// return means the faulting access can be retried. Any error means the
// process must receive a signal: ErrSegFault and ErrReadOnly for invalid
// accesses, or the error that kept the page from being brought in.
func (vm *VM) HandleFault(kind cpu.FaultKind, vaddr uintptr) *kernel.Error {
	switch kind {
	case cpu.FaultReadOnly:
		return ErrReadOnly
	case cpu.FaultRead, cpu.FaultWrite:
	default:
		return errUnknownFault
	}

	p := vm.Current()
	if p == nil {
		return ErrNoAddressSpace
	}
	as := p.AddressSpace()
	if as == nil {
		return ErrNoAddressSpace
	}

	vaddr &= mm.PageFrame
	if _, err := vm.pt.Resolve(as, as.PID(), vaddr, kind == cpu.FaultWrite); err != nil {
		if err == pt.ErrFault {
			err = ErrSegFault
		}
		kfmt.Printf("[vmm] pid %d: %s fault at 0x%x: %s\n", as.PID(), kind, vaddr, err.Message)
		return err
	}

	vm.stats.Inc(vmstats.Faults)
	return nil
}

// Translate returns the physical address for an access to vaddr by the
// running process, taking and handling TLB faults as the MMU would.
func (vm *VM) Translate(vaddr uintptr, write bool) (uintptr, *kernel.Error) {
	for i := 0; i < maxFaultRetries; i++ {
		paddr, kind, ok := vm.core.Translate(uint32(vaddr), write)
		if ok {
			return uintptr(paddr), nil
		}

		if err := vm.HandleFault(kind, vaddr); err != nil {
			return 0, err
		}
	}
	return 0, errFaultLoop
}

// ReadUser copies len(dst) bytes of user memory starting at vaddr into dst.
func (vm *VM) ReadUser(vaddr uintptr, dst []byte) *kernel.Error {
	return vm.copyUser(vaddr, dst, false)
}

// WriteUser copies src into user memory starting at vaddr.
func (vm *VM) WriteUser(vaddr uintptr, src []byte) *kernel.Error {
	return vm.copyUser(vaddr, src, true)
}

func (vm *VM) copyUser(vaddr uintptr, buf []byte, write bool) *kernel.Error {
	for len(buf) > 0 {
		n := mm.PageSize - vaddr&^mm.PageFrame
		if n > uintptr(len(buf)) {
			n = uintptr(len(buf))
		}

		paddr, err := vm.Translate(vaddr, write)
		if err != nil {
			return err
		}

		mem, err := vm.mem.Bytes(paddr, n)
		if err != nil {
			return err
		}

		if write {
			kernel.Memcopy(buf[:n], mem)
		} else {
			kernel.Memcopy(mem, buf[:n])
		}

		buf = buf[n:]
		vaddr += n
	}
	return nil
}
