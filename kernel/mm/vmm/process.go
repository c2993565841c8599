package vmm

import (
	"mipsvm/kernel/mm"
	"mipsvm/kernel/sync"
)

// Process is the part of a user process the VM system needs: its id and
// the address space it runs in.
type Process struct {
	PID mm.PID

	lock sync.Spinlock
	as   *AddressSpace
}

// NewProcess returns a process with the given id running in as.
func NewProcess(pid mm.PID, as *AddressSpace) *Process {
	return &Process{PID: pid, as: as}
}

// AddressSpace returns the address space of the process or nil.
func (p *Process) AddressSpace() *AddressSpace {
	p.lock.Acquire()
	defer p.lock.Release()
	return p.as
}

// SetAddressSpace replaces the address space of the process and returns the
// previous one.
func (p *Process) SetAddressSpace(as *AddressSpace) *AddressSpace {
	p.lock.Acquire()
	defer p.lock.Release()

	old := p.as
	p.as = as
	return old
}
