package vmm

import (
	"mipsvm/kernel"
	"mipsvm/kernel/kfmt"
	"mipsvm/kernel/mm"
	"mipsvm/kernel/mm/pt"
	"mipsvm/kernel/sync"
)

var (
	// ErrTooManyRegions is returned when defining a third general region.
	ErrTooManyRegions = &kernel.Error{Module: "vmm", Message: "too many regions"}

	// ErrDestroyed is returned by every operation on a destroyed address
	// space, including a second Destroy.
	ErrDestroyed = &kernel.Error{Module: "vmm", Message: "address space has been destroyed"}

	errBadState      = &kernel.Error{Module: "vmm", Message: "operation not allowed once the stack is defined"}
	errRegionOverlap = &kernel.Error{Module: "vmm", Message: "region overlaps the stack or the kernel segment"}
	errNoImage       = &kernel.Error{Module: "vmm", Message: "address space has no executable image"}
)

type asState uint8

const (
	asCreated asState = iota
	asRegionsDefined
	asLoaded
	asDestroyed
)

// maxRegions is the number of general (code/data) regions an address space
// can hold in addition to its stack.
const maxRegions = 2

// AddressSpace describes the user portion of the virtual memory of one
// process: up to two general regions and a fixed-size stack. Pages are not
// allocated until they are first touched.
type AddressSpace struct {
	vm  *VM
	pid mm.PID

	lock  sync.Spinlock
	state asState

	regions  [maxRegions]pt.Region
	nregions int

	stack    pt.Region
	hasStack bool

	image ImageLoader
}

// CreateAddressSpace returns an empty address space owned by pid. image
// supplies the contents of file-backed regions and may be nil if no region
// is file-backed.
func (vm *VM) CreateAddressSpace(pid mm.PID, image ImageLoader) *AddressSpace {
	return &AddressSpace{vm: vm, pid: pid, image: image}
}

// PID returns the process that owns the address space.
func (as *AddressSpace) PID() mm.PID {
	return as.pid
}

// DefineRegion adds a general region of size bytes starting at vaddr. The
// base is aligned down and the size up to page boundaries. The first
// fileSize bytes of the region are read from the image at offset; the rest
// is zero-filled on first access.
func (as *AddressSpace) DefineRegion(vaddr, size uintptr, perm pt.Perm, offset int64, fileSize uintptr) *kernel.Error {
	size += vaddr &^ mm.PageFrame
	vaddr &= mm.PageFrame
	npages := mm.PagesForSize(size)

	as.lock.Acquire()
	defer as.lock.Release()

	switch {
	case as.state == asDestroyed:
		return ErrDestroyed
	case as.state == asLoaded:
		return errBadState
	case as.nregions == maxRegions:
		kfmt.Printf("[vmm] warning: pid %d: too many regions\n", as.pid)
		return ErrTooManyRegions
	case vaddr+npages*mm.PageSize > mm.StackBase || vaddr+npages*mm.PageSize < vaddr:
		return errRegionOverlap
	}

	if err := as.vm.pt.InsertMapping(as.pid, vaddr, npages, perm); err != nil {
		return err
	}

	as.regions[as.nregions] = pt.Region{
		Base:       vaddr,
		Pages:      npages,
		Perm:       perm,
		FileOffset: offset,
		FileSize:   fileSize,
	}
	as.nregions++
	as.state = asRegionsDefined
	return nil
}

// PrepareLoad is called before the image is loaded. Pages are populated on
// demand so there is nothing to preallocate.
func (as *AddressSpace) PrepareLoad() *kernel.Error {
	return as.checkAlive()
}

// CompleteLoad is called after the image is loaded.
func (as *AddressSpace) CompleteLoad() *kernel.Error {
	return as.checkAlive()
}

// DefineStack sets up the stack region and returns the initial user stack
// pointer. The address space is ready to run afterwards.
func (as *AddressSpace) DefineStack() (uintptr, *kernel.Error) {
	as.lock.Acquire()
	defer as.lock.Release()

	switch as.state {
	case asDestroyed:
		return 0, ErrDestroyed
	case asLoaded:
		return 0, errBadState
	}

	if err := as.vm.pt.InsertMapping(as.pid, mm.StackBase, mm.StackPages, pt.PermRead|pt.PermWrite); err != nil {
		return 0, err
	}

	as.stack = pt.Region{Base: mm.StackBase, Pages: mm.StackPages, Perm: pt.PermRead | pt.PermWrite}
	as.hasStack = true
	as.state = asLoaded
	return mm.UserStack, nil
}

// Copy creates an address space for pid with the same region layout and
// image as as. The new address space faults its pages in independently.
// If any step fails, the partially built copy is destroyed.
func (as *AddressSpace) Copy(pid mm.PID) (*AddressSpace, *kernel.Error) {
	as.lock.Acquire()
	if as.state == asDestroyed {
		as.lock.Release()
		return nil, ErrDestroyed
	}
	regions, nregions, hasStack := as.regions, as.nregions, as.hasStack
	as.lock.Release()

	cp := as.vm.CreateAddressSpace(pid, as.image)
	for i := 0; i < nregions; i++ {
		r := regions[i]
		if err := cp.DefineRegion(r.Base, r.Pages*mm.PageSize, r.Perm, r.FileOffset, r.FileSize); err != nil {
			_ = cp.Destroy()
			return nil, err
		}
	}

	if hasStack {
		if _, err := cp.DefineStack(); err != nil {
			_ = cp.Destroy()
			return nil, err
		}
	}

	return cp, nil
}

// Destroy releases every page of the address space from memory and swap.
// If the address space belongs to the running process it is detached and
// translation is turned off first.
func (as *AddressSpace) Destroy() *kernel.Error {
	as.lock.Acquire()
	if as.state == asDestroyed {
		as.lock.Release()
		return ErrDestroyed
	}
	as.state = asDestroyed
	as.lock.Release()

	if p := as.vm.Current(); p != nil && p.AddressSpace() == as {
		p.SetAddressSpace(nil)
		as.vm.Deactivate()
	}

	return as.vm.pt.ReleaseProcessPages(as, as.pid)
}

// FindRegion implements pt.AddressSpace.
func (as *AddressSpace) FindRegion(vaddr uintptr) (pt.Region, bool) {
	as.lock.Acquire()
	defer as.lock.Release()

	for i := 0; i < as.nregions; i++ {
		if as.regions[i].Contains(vaddr) {
			return as.regions[i], true
		}
	}
	if as.hasStack && as.stack.Contains(vaddr) {
		return as.stack, true
	}
	return pt.Region{}, false
}

// Regions implements pt.AddressSpace.
func (as *AddressSpace) Regions() []pt.Region {
	as.lock.Acquire()
	defer as.lock.Release()

	regions := make([]pt.Region, 0, maxRegions+1)
	regions = append(regions, as.regions[:as.nregions]...)
	if as.hasStack {
		regions = append(regions, as.stack)
	}
	return regions
}

// LoadPage implements pt.AddressSpace.
func (as *AddressSpace) LoadPage(r pt.Region, vaddr uintptr, dst []byte) *kernel.Error {
	if as.image == nil {
		return errNoImage
	}
	return as.image.LoadPage(r, vaddr, dst)
}

func (as *AddressSpace) checkAlive() *kernel.Error {
	as.lock.Acquire()
	defer as.lock.Release()

	if as.state == asDestroyed {
		return ErrDestroyed
	}
	return nil
}
