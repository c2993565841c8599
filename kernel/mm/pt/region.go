package pt

import (
	"mipsvm/kernel"
	"mipsvm/kernel/mm"
)

// Perm is a set of access permissions for a virtual range.
type Perm uint8

const (
	// PermRead allows loads.
	PermRead Perm = 1 << iota

	// PermWrite allows stores.
	PermWrite

	// PermExec allows instruction fetches.
	PermExec
)

// Region is a page-aligned range of a process address space.
type Region struct {
	// Base is the page-aligned start address of the region.
	Base uintptr

	// Pages is the region length in pages.
	Pages uintptr

	Perm Perm

	// FileOffset and FileSize describe the part of the region that is
	// backed by the executable image. Bytes at Base+FileSize and above
	// are zero-filled.
	FileOffset int64
	FileSize   uintptr
}

// End returns the first address past the region.
func (r Region) End() uintptr {
	return r.Base + r.Pages*mm.PageSize
}

// Contains returns true if vaddr lies inside the region.
func (r Region) Contains(vaddr uintptr) bool {
	return vaddr >= r.Base && vaddr < r.End()
}

// AddressSpace is the view of a process address space used by the page
// table to validate faults and populate pages.
type AddressSpace interface {
	// FindRegion returns the region containing vaddr.
	FindRegion(vaddr uintptr) (Region, bool)

	// Regions returns every region of the address space, stack included.
	Regions() []Region

	// LoadPage fills dst with the image contents of the page at vaddr
	// that belongs to r. Bytes past the region's file size are zeroed.
	LoadPage(r Region, vaddr uintptr, dst []byte) *kernel.Error
}

// TLB is the hardware translation cache the page table keeps in sync with
// its entries.
type TLB interface {
	// Install adds or refreshes the translation for the page at vaddr.
	Install(vaddr uintptr, frame mm.Frame, writable bool)

	// Invalidate drops the translation for the page at vaddr, if any.
	Invalidate(vaddr uintptr)

	// InvalidateAll drops every translation.
	InvalidateAll()
}

type mapping struct {
	first, last mm.Page
	perm        Perm
}
