// Package cpu models the processor of the simulated MIPS-like machine: a
// single core with a software-managed TLB and no hardware page-table walker.
package cpu

import (
	"sync"

	"mipsvm/kernel"
)

var (
	// ErrHalted is the value Halt panics with.
	ErrHalted = &kernel.Error{Module: "cpu", Message: "cpu halted"}
)

// Halt stops instruction execution on the calling kernel thread. The
// simulated machine implements it by unwinding the calling goroutine with
// ErrHalted; the boot code recovers it and shuts the machine down.
func Halt() {
	panic(ErrHalted)
}

// FaultKind describes the reason the MMU trapped into the kernel.
type FaultKind uint8

const (
	// FaultRead is raised by a load from a page without a valid TLB entry.
	FaultRead FaultKind = iota

	// FaultWrite is raised by a store to a page without a valid TLB entry.
	FaultWrite

	// FaultReadOnly is raised by a store to a page whose TLB entry does not
	// have the dirty (write-enable) bit set.
	FaultReadOnly
)

// String implements fmt.Stringer.
func (k FaultKind) String() string {
	switch k {
	case FaultRead:
		return "read"
	case FaultWrite:
		return "write"
	case FaultReadOnly:
		return "read-only"
	default:
		return "unknown"
	}
}

// Core is a single processor core. The TLB is core-local state; every
// read-modify-write of its slots must happen between SplHigh and Splx.
type Core struct {
	// intrMu is held while interrupts are disabled. The simulated machine
	// has a single core, so no other kernel thread can run on it while
	// interrupts are off.
	intrMu  sync.Mutex
	intrOff bool

	tlb [NumTLB]tlbSlot
}

// NewCore returns a core with every TLB slot invalidated.
func NewCore() *Core {
	c := &Core{}
	for i := range c.tlb {
		c.tlb[i] = tlbSlot{hi: InvalidEntryHi(i), lo: InvalidEntryLo()}
	}
	return c
}

// SplHigh disables interrupts on the core and returns the previous
// interrupt priority level. SplHigh sections do not nest.
func (c *Core) SplHigh() int {
	c.intrMu.Lock()
	c.intrOff = true
	return 0
}

// Splx restores the interrupt priority level returned by SplHigh.
func (c *Core) Splx(level int) {
	if level != 0 {
		return
	}
	c.intrOff = false
	c.intrMu.Unlock()
}
