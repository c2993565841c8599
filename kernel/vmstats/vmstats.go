// Package vmstats keeps the counters reported by the virtual memory
// subsystem.
package vmstats

import (
	"io"
	"sync/atomic"

	"mipsvm/kernel/kfmt"
)

// Counter identifies a single statistic.
type Counter uint8

const (
	// Faults counts TLB misses that were resolved (misses that end up
	// killing the process are not counted).
	Faults Counter = iota

	// FaultsFree counts TLB misses that found an unused TLB slot.
	FaultsFree

	// FaultsReplace counts TLB misses that had to overwrite a valid slot.
	FaultsReplace

	// Invalidations counts whole-TLB invalidations.
	Invalidations

	// Reloads counts TLB misses for pages that were already resident.
	Reloads

	// FaultsZeroed counts TLB misses that needed a zero-filled page.
	FaultsZeroed

	// FaultsDisk counts TLB misses that loaded a page from disk.
	FaultsDisk

	// FaultsImage counts page loads from the executable image.
	FaultsImage

	// FaultsSwap counts page loads from the swap store.
	FaultsSwap

	// SwapWrites counts pages written to the swap store.
	SwapWrites

	numCounters
)

var counterNames = [numCounters]string{
	"TLB Faults",
	"TLB Faults with Free",
	"TLB Faults with Replace",
	"TLB Invalidations",
	"TLB Reloads",
	"Page Faults (Zeroed)",
	"Page Faults (Disk)",
	"Page Faults from ELF",
	"Page Faults from Swapfile",
	"Swapfile Writes",
}

// String implements fmt.Stringer.
func (c Counter) String() string {
	if c >= numCounters {
		return "unknown"
	}
	return counterNames[c]
}

// Stats is a set of VM counters. The zero value is ready to use and all
// methods are safe for concurrent use.
type Stats struct {
	counters [numCounters]uint32
}

// Inc increments counter c. A nil *Stats ignores updates.
func (s *Stats) Inc(c Counter) {
	if s == nil || c >= numCounters {
		return
	}
	atomic.AddUint32(&s.counters[c], 1)
}

// Get returns the current value of counter c.
func (s *Stats) Get(c Counter) uint32 {
	if s == nil || c >= numCounters {
		return 0
	}
	return atomic.LoadUint32(&s.counters[c])
}

// Print writes every counter to w followed by a warning for each accounting
// identity that does not hold. It returns the number of warnings printed.
func (s *Stats) Print(w io.Writer) int {
	var snap [numCounters]uint32
	for c := range snap {
		snap[c] = s.Get(Counter(c))
	}

	var warnings int
	warn := func(ok bool, msg string) {
		if !ok {
			kfmt.Fprintf(w, "[vmstats] WARNING: %s\n", msg)
			warnings++
		}
	}

	line := func(c Counter) {
		kfmt.Fprintf(w, "[vmstats] %s: %d\n", c, snap[c])
	}

	line(Faults)
	line(FaultsFree)
	line(FaultsReplace)
	warn(snap[FaultsFree]+snap[FaultsReplace] == snap[Faults],
		`"TLB Faults with Free" and "TLB Faults with Replace" should be equal to "TLB Faults"!`)
	line(Invalidations)
	line(Reloads)
	line(FaultsZeroed)
	line(FaultsDisk)
	warn(snap[Reloads]+snap[FaultsZeroed]+snap[FaultsDisk] == snap[Faults],
		`"TLB Reloads", "Page Faults (Zeroed)" and "Page Faults (Disk)" should be equal to "TLB Faults"!`)
	line(FaultsImage)
	line(FaultsSwap)
	warn(snap[FaultsImage]+snap[FaultsSwap] == snap[FaultsDisk],
		`"Page Faults from ELF" and "Page Faults from Swapfile" should be equal to "Page Faults (Disk)"!`)
	line(SwapWrites)

	return warnings
}
