package cpu

const (
	// NumTLB is the number of TLB slots available on a core.
	NumTLB = 64

	// pageFrameMask selects the page-number bits of a 32-bit address.
	pageFrameMask = uint32(0xfffff000)

	// kseg0 is the start of the unmapped, cached kernel segment.
	kseg0 = uint32(0x80000000)
)

// EntryHi holds the virtual page number of a TLB slot.
type EntryHi uint32

// EntryLo holds the physical frame number and the control bits of a TLB slot.
type EntryLo uint32

const (
	// EntryLoValid marks the slot as usable for translation.
	EntryLoValid EntryLo = 0x00000200

	// EntryLoDirty enables writes through the slot. Without it, a store
	// raises FaultReadOnly.
	EntryLoDirty EntryLo = 0x00000400
)

// InvalidEntryHi returns a per-slot unique EntryHi that points inside kseg0 so
// it can never match a user address.
func InvalidEntryHi(slot int) EntryHi {
	return EntryHi(kseg0 + uint32(slot)<<12)
}

// InvalidEntryLo returns an EntryLo with the valid bit cleared.
func InvalidEntryLo() EntryLo {
	return 0
}

// PageAddress returns the virtual page address held by hi.
func (hi EntryHi) PageAddress() uint32 {
	return uint32(hi) & pageFrameMask
}

// FrameAddress returns the physical frame address held by lo.
func (lo EntryLo) FrameAddress() uint32 {
	return uint32(lo) & pageFrameMask
}

// Valid returns true if the valid bit is set.
func (lo EntryLo) Valid() bool {
	return lo&EntryLoValid != 0
}

// Writable returns true if the dirty bit is set.
func (lo EntryLo) Writable() bool {
	return lo&EntryLoDirty != 0
}

type tlbSlot struct {
	hi EntryHi
	lo EntryLo
}

// TLBWrite stores the hi/lo pair into the requested slot.
func (c *Core) TLBWrite(hi EntryHi, lo EntryLo, slot int) {
	c.tlb[slot] = tlbSlot{hi: hi, lo: lo}
}

// TLBRead returns the contents of the requested slot.
func (c *Core) TLBRead(slot int) (EntryHi, EntryLo) {
	return c.tlb[slot].hi, c.tlb[slot].lo
}

// TLBProbe returns the slot whose EntryHi matches hi or -1 if no slot does.
func (c *Core) TLBProbe(hi EntryHi) int {
	for slot := range c.tlb {
		if c.tlb[slot].hi.PageAddress() == hi.PageAddress() {
			return slot
		}
	}
	return -1
}

// Translate performs the MMU lookup for a load (write=false) or a store
// (write=true) to vaddr. It returns the physical address on a hit. On a miss
// it returns ok=false together with the fault kind the kernel must handle.
func (c *Core) Translate(vaddr uint32, write bool) (paddr uint32, kind FaultKind, ok bool) {
	c.SplHigh()
	defer c.Splx(0)

	vpage := vaddr & pageFrameMask
	for _, slot := range c.tlb {
		if slot.hi.PageAddress() != vpage || !slot.lo.Valid() {
			continue
		}

		if write && !slot.lo.Writable() {
			return 0, FaultReadOnly, false
		}
		return slot.lo.FrameAddress() | (vaddr &^ pageFrameMask), 0, true
	}

	if write {
		return 0, FaultWrite, false
	}
	return 0, FaultRead, false
}
