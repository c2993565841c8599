package vmm

import (
	"mipsvm/kernel/cpu"
	"mipsvm/kernel/mm"
	"mipsvm/kernel/vmstats"
)

// tlbManager owns the software-managed TLB of a core. Victim slots are
// picked round-robin; every slot update happens with interrupts disabled.
type tlbManager struct {
	core  *cpu.Core
	stats *vmstats.Stats

	// next is the slot that receives the next new translation. It is only
	// accessed between SplHigh and Splx.
	next int
}

// Install implements pt.TLB.
func (m *tlbManager) Install(vaddr uintptr, frame mm.Frame, writable bool) {
	hi := cpu.EntryHi(vaddr & mm.PageFrame)
	lo := cpu.EntryLo(frame.Address()) | cpu.EntryLoValid
	if writable {
		lo |= cpu.EntryLoDirty
	}

	spl := m.core.SplHigh()
	defer m.core.Splx(spl)

	// Another thread of the process may have installed the page already.
	if slot := m.core.TLBProbe(hi); slot >= 0 {
		m.core.TLBWrite(hi, lo, slot)
		m.stats.Inc(vmstats.FaultsFree)
		return
	}

	slot := m.next
	m.next = (m.next + 1) % cpu.NumTLB

	if _, old := m.core.TLBRead(slot); old.Valid() {
		m.stats.Inc(vmstats.FaultsReplace)
	} else {
		m.stats.Inc(vmstats.FaultsFree)
	}
	m.core.TLBWrite(hi, lo, slot)
}

// Invalidate implements pt.TLB.
func (m *tlbManager) Invalidate(vaddr uintptr) {
	spl := m.core.SplHigh()
	defer m.core.Splx(spl)

	if slot := m.core.TLBProbe(cpu.EntryHi(vaddr & mm.PageFrame)); slot >= 0 {
		m.core.TLBWrite(cpu.InvalidEntryHi(slot), cpu.InvalidEntryLo(), slot)
	}
}

// InvalidateAll implements pt.TLB.
func (m *tlbManager) InvalidateAll() {
	spl := m.core.SplHigh()
	defer m.core.Splx(spl)

	for slot := 0; slot < cpu.NumTLB; slot++ {
		m.core.TLBWrite(cpu.InvalidEntryHi(slot), cpu.InvalidEntryLo(), slot)
	}
}
