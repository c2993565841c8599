// Package swap implements the backing store for evicted user pages. The
// store is a fixed array of page-sized slots on a Device; an index keyed by
// (pid, page) records which slot holds the contents of each swapped page and
// a bitmap tracks slot occupancy.
package swap

import (
	"io"
	"sync"

	"mipsvm/kernel"
	"mipsvm/kernel/kfmt"
	"mipsvm/kernel/mm"
)

// DefaultSize is the reference swap capacity (9 MiB).
const DefaultSize = 9 * 1024 * 1024

// Mode selects what ReadIn does with a swapped page.
type Mode uint8

const (
	// Load copies the page contents into the destination frame before
	// releasing the slot.
	Load Mode = iota

	// Discard releases the slot without reading it.
	Discard
)

var (
	// ErrOutOfSwap is returned by WriteOut when every slot is in use.
	ErrOutOfSwap = &kernel.Error{Module: "swap", Message: "out of swap space"}

	errTooSmall    = &kernel.Error{Module: "swap", Message: "swap device must hold at least one page"}
	errBadPageSize = &kernel.Error{Module: "swap", Message: "buffer length must equal the page size"}
)

type key struct {
	pid  mm.PID
	page mm.Page
}

// Store is a swap area. All methods are safe for concurrent use.
type Store struct {
	// mu serializes index and bitmap updates together with the device
	// transfer they belong to; it is a sleeping lock since it is held
	// across disk I/O.
	mu sync.Mutex

	dev   Device
	slots uint32

	// slotBitmap has a set bit for every slot in use.
	slotBitmap []uint64
	index      map[key]uint32
	used       uint32
}

// NewStore creates a store covering the first size bytes of dev.
func NewStore(dev Device, size int64) (*Store, *kernel.Error) {
	slots := uint32(size / int64(mm.PageSize))
	if slots == 0 {
		return nil, errTooSmall
	}

	return &Store{
		dev:        dev,
		slots:      slots,
		slotBitmap: make([]uint64, (slots+63)>>6),
		index:      make(map[key]uint32),
	}, nil
}

// hash returns the slot where probing for (pid, page) starts.
func (s *Store) hash(pid mm.PID, page mm.Page) uint32 {
	return uint32((uint64(page) * uint64(pid)) % uint64(s.slots))
}

// WriteOut stores the page-sized contents of src as the swapped copy of
// (pid, page) and returns the slot it was written to. Writing a page that
// already has a swapped copy overwrites that copy in place.
func (s *Store) WriteOut(pid mm.PID, page mm.Page, src []byte) (uint32, *kernel.Error) {
	if len(src) != int(mm.PageSize) {
		return 0, errBadPageSize
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{pid, page}
	slot, exists := s.index[k]
	if !exists {
		var found bool
		if slot, found = s.findFreeSlot(s.hash(pid, page)); !found {
			kfmt.Printf("[swap] no free slot for pid %d page 0x%x\n", pid, page.Address())
			return 0, ErrOutOfSwap
		}
		s.markSlot(slot, true)
	}

	if _, err := s.dev.WriteAt(src, int64(slot)*int64(mm.PageSize)); err != nil {
		if !exists {
			s.markSlot(slot, false)
		}
		return 0, kernel.HostError("swap", err)
	}

	s.index[k] = slot
	return slot, nil
}

// ReadIn looks up the swapped copy of (pid, page). It returns false if the
// page has no swapped copy. Otherwise, in Load mode the contents are copied
// to dst; in both modes the copy is then dropped from the store. A failed
// device read leaves the copy in place.
func (s *Store) ReadIn(pid mm.PID, page mm.Page, dst []byte, mode Mode) (bool, *kernel.Error) {
	if mode == Load && len(dst) != int(mm.PageSize) {
		return false, errBadPageSize
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{pid, page}
	slot, exists := s.index[k]
	if !exists {
		return false, nil
	}

	if mode == Load {
		if _, err := s.dev.ReadAt(dst, int64(slot)*int64(mm.PageSize)); err != nil && err != io.EOF {
			return true, kernel.HostError("swap", err)
		}
	}

	delete(s.index, k)
	s.markSlot(slot, false)
	return true, nil
}

// Contains returns true if (pid, page) has a swapped copy.
func (s *Store) Contains(pid mm.PID, page mm.Page) bool {
	s.mu.Lock()
	_, exists := s.index[key{pid, page}]
	s.mu.Unlock()
	return exists
}

// Stats returns the number of used and free slots.
func (s *Store) Stats() (used, free uint32) {
	s.mu.Lock()
	used = s.used
	s.mu.Unlock()
	return used, s.slots - used
}

// Slots returns the capacity of the store in pages.
func (s *Store) Slots() uint32 {
	return s.slots
}

// findFreeSlot probes the bitmap linearly starting at start, wrapping around.
func (s *Store) findFreeSlot(start uint32) (uint32, bool) {
	if s.used == s.slots {
		return 0, false
	}

	for i := uint32(0); i < s.slots; i++ {
		slot := (start + i) % s.slots
		if s.slotBitmap[slot>>6]&(1<<(63-slot&63)) == 0 {
			return slot, true
		}
	}
	return 0, false
}

func (s *Store) markSlot(slot uint32, inUse bool) {
	mask := uint64(1 << (63 - slot&63))
	if inUse {
		s.slotBitmap[slot>>6] |= mask
		s.used++
		return
	}
	s.slotBitmap[slot>>6] &^= mask
	s.used--
}
