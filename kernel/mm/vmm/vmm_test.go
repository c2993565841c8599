package vmm

import (
	"bytes"
	"path/filepath"
	"testing"

	"mipsvm/kernel"
	"mipsvm/kernel/cpu"
	"mipsvm/kernel/hal/ram"
	"mipsvm/kernel/mm"
	"mipsvm/kernel/mm/pmm"
	"mipsvm/kernel/mm/pt"
	"mipsvm/kernel/mm/swap"
	"mipsvm/kernel/vmstats"
)

// newTestVM boots a machine with 64 frames and a cluster size of 8 which
// leaves frames [0, 8) to the kernel.
func newTestVM(t *testing.T) *VM {
	r, err := ram.New(64*mm.PageSize, 1)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = r.Close() })

	cm, err := pmm.NewCoremap(r, 8)
	if err != nil {
		t.Fatal(err)
	}
	if err = cm.Activate(&bytes.Buffer{}); err != nil {
		t.Fatal(err)
	}

	swapSize := int64(32 * mm.PageSize)
	dev, err := swap.OpenFileDevice(filepath.Join(t.TempDir(), "swapfile"), swapSize)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = dev.Close() })

	store, err := swap.NewStore(dev, swapSize)
	if err != nil {
		t.Fatal(err)
	}

	vm, err := New(cpu.NewCore(), r, cm, store, &vmstats.Stats{})
	if err != nil {
		t.Fatal(err)
	}
	return vm
}

func runProcess(t *testing.T, vm *VM, pid mm.PID, image ImageLoader, define func(as *AddressSpace)) *Process {
	as := vm.CreateAddressSpace(pid, image)
	define(as)
	if _, err := as.DefineStack(); err != nil {
		t.Fatal(err)
	}

	p := NewProcess(pid, as)
	vm.SwitchTo(p)
	return p
}

func tlbHas(vm *VM, vaddr uintptr) (cpu.EntryLo, bool) {
	slot := vm.core.TLBProbe(cpu.EntryHi(vaddr))
	if slot < 0 {
		return 0, false
	}
	_, lo := vm.core.TLBRead(slot)
	return lo, lo.Valid()
}

func TestBootScenario(t *testing.T) {
	vm := newTestVM(t)

	if got := vm.cm.KernelFrames(); got != 8 {
		t.Fatalf("expected an 8-frame kernel region; got %d", got)
	}

	runProcess(t, vm, 1, nil, func(as *AddressSpace) {
		if err := as.DefineRegion(0x1000, 2*mm.PageSize, pt.PermRead|pt.PermWrite, 0, 0); err != nil {
			t.Fatal(err)
		}
	})

	_, usedBefore := vm.cm.Stats()
	if err := vm.HandleFault(cpu.FaultRead, 0x1000); err != nil {
		t.Fatal(err)
	}

	if _, usedAfter := vm.cm.Stats(); usedAfter != usedBefore+1 {
		t.Fatalf("expected one more frame in use; got %d -> %d", usedBefore, usedAfter)
	}
	if lo, ok := tlbHas(vm, 0x1000); !ok || !lo.Writable() {
		t.Fatal("expected a valid writable TLB entry for 0x1000")
	}

	contents := make([]byte, mm.PageSize)
	contents[0] = 0xff
	if err := vm.ReadUser(0x1000, contents); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(contents, make([]byte, mm.PageSize)) {
		t.Fatal("expected a zero-filled page")
	}

	// The first address past segment 1 is unmapped.
	if err := vm.HandleFault(cpu.FaultRead, 0x3500); err != ErrSegFault {
		t.Fatalf("expected to get ErrSegFault; got %v", err)
	}

	for {
		if _, err := vm.cm.AllocFrames(1); err != nil {
			break
		}
	}

	if err := vm.HandleFault(cpu.FaultWrite, mm.UserStack-4); err != nil {
		t.Fatalf("expected the fault to be served by eviction; got %v", err)
	}

	if used, _ := vm.store.Stats(); used != 1 {
		t.Fatalf("expected one swap slot to be consumed; got %d", used)
	}
	if !vm.store.Contains(1, mm.PageFromAddress(0x1000)) {
		t.Fatal("expected page 0x1000 to be on swap")
	}
	if _, resident := vm.pt.Lookup(1, 0x1000); resident {
		t.Fatal("expected page 0x1000 to be evicted")
	}
	if _, ok := tlbHas(vm, 0x1000); ok {
		t.Fatal("expected the TLB entry of the evicted page to be gone")
	}

	if warnings := vm.stats.Print(&bytes.Buffer{}); warnings != 0 {
		t.Fatalf("expected consistent statistics; got %d warnings", warnings)
	}
}

func TestRegionContainment(t *testing.T) {
	vm := newTestVM(t)

	runProcess(t, vm, 3, nil, func(as *AddressSpace) {
		if err := as.DefineRegion(0x400000, 3*mm.PageSize, pt.PermRead|pt.PermExec, 0, 0); err != nil {
			t.Fatal(err)
		}
		if err := as.DefineRegion(0x10000000, 2*mm.PageSize, pt.PermRead|pt.PermWrite, 0, 0); err != nil {
			t.Fatal(err)
		}
	})

	specs := []struct {
		vaddr  uintptr
		expErr *kernel.Error
	}{
		{0x400000, nil},
		{0x402fff, nil},
		{0x403000, ErrSegFault},
		{0x3fffff, ErrSegFault},
		{0x10000000, nil},
		{0x10001ffc, nil},
		{0x10002000, ErrSegFault},
		{mm.StackBase, nil},
		{mm.UserStack - 1, nil},
		{mm.StackBase - 1, ErrSegFault},
		{0, ErrSegFault},
	}

	for specIndex, spec := range specs {
		if err := vm.HandleFault(cpu.FaultRead, spec.vaddr); err != spec.expErr {
			t.Errorf("[spec %d] fault at 0x%x: expected error %v; got %v", specIndex, spec.vaddr, spec.expErr, err)
		}
	}
}

func TestProtection(t *testing.T) {
	vm := newTestVM(t)

	runProcess(t, vm, 4, nil, func(as *AddressSpace) {
		if err := as.DefineRegion(0x400000, mm.PageSize, pt.PermRead|pt.PermExec, 0, 0); err != nil {
			t.Fatal(err)
		}
	})

	// A store to a page that is not in the TLB is rejected in software.
	if err := vm.WriteUser(0x400000, []byte{1}); err != ErrSegFault {
		t.Fatalf("expected to get ErrSegFault; got %v", err)
	}

	// Once the page is loaded read-only, the store traps in the MMU.
	if err := vm.ReadUser(0x400000, make([]byte, 4)); err != nil {
		t.Fatal(err)
	}
	if lo, ok := tlbHas(vm, 0x400000); !ok || lo.Writable() {
		t.Fatal("expected a valid read-only TLB entry")
	}
	if err := vm.WriteUser(0x400000, []byte{1}); err != ErrReadOnly {
		t.Fatalf("expected to get ErrReadOnly; got %v", err)
	}
}

func TestHandleFaultWithoutAddressSpace(t *testing.T) {
	vm := newTestVM(t)

	if err := vm.HandleFault(cpu.FaultRead, 0x1000); err != ErrNoAddressSpace {
		t.Fatalf("expected to get ErrNoAddressSpace with no process; got %v", err)
	}

	vm.SwitchTo(NewProcess(9, nil))
	if err := vm.HandleFault(cpu.FaultWrite, 0x1000); err != ErrNoAddressSpace {
		t.Fatalf("expected to get ErrNoAddressSpace with no address space; got %v", err)
	}

	if err := vm.HandleFault(cpu.FaultKind(42), 0x1000); err != errUnknownFault {
		t.Fatalf("expected to get errUnknownFault; got %v", err)
	}
}

func TestDefineRegion(t *testing.T) {
	vm := newTestVM(t)
	as := vm.CreateAddressSpace(5, nil)

	if err := as.DefineRegion(0x1ff0, 0x20, pt.PermRead, 0, 0); err != nil {
		t.Fatal(err)
	}
	if err := as.DefineRegion(0x5234, 0x100, pt.PermRead, 0, 0); err != nil {
		t.Fatal(err)
	}

	regions := as.Regions()
	if len(regions) != 2 {
		t.Fatalf("expected 2 regions; got %d", len(regions))
	}
	if regions[0].Base != 0x1000 || regions[0].Pages != 2 {
		t.Errorf("expected region [0x1000, 2 pages]; got [0x%x, %d pages]", regions[0].Base, regions[0].Pages)
	}
	if regions[1].Base != 0x5000 || regions[1].Pages != 1 {
		t.Errorf("expected region [0x5000, 1 page]; got [0x%x, %d pages]", regions[1].Base, regions[1].Pages)
	}

	if err := as.DefineRegion(0x9000, mm.PageSize, pt.PermRead, 0, 0); err != ErrTooManyRegions {
		t.Fatalf("expected to get ErrTooManyRegions; got %v", err)
	}

	other := vm.CreateAddressSpace(6, nil)
	if err := other.DefineRegion(mm.StackBase-mm.PageSize, 2*mm.PageSize, pt.PermRead, 0, 0); err != errRegionOverlap {
		t.Fatalf("expected to get errRegionOverlap; got %v", err)
	}
	if err := other.DefineRegion(0x1000, mm.PageSize, pt.PermRead, 0, 0); err != nil {
		t.Fatal(err)
	}
	if err := other.DefineRegion(0x1000, mm.PageSize, pt.PermRead, 0, 0); err == nil {
		t.Fatal("expected an error when redefining the same range")
	}

	if sp, err := other.DefineStack(); err != nil || sp != mm.UserStack {
		t.Fatalf("expected stack pointer 0x%x; got 0x%x, %v", mm.UserStack, sp, err)
	}
	if _, err := other.DefineStack(); err != errBadState {
		t.Fatalf("expected to get errBadState; got %v", err)
	}
	if err := other.DefineRegion(0x20000, mm.PageSize, pt.PermRead, 0, 0); err != errBadState {
		t.Fatalf("expected to get errBadState; got %v", err)
	}
}

func TestDestroy(t *testing.T) {
	vm := newTestVM(t)

	freeBefore, _ := vm.cm.Stats()
	p := runProcess(t, vm, 7, nil, func(as *AddressSpace) {
		if err := as.DefineRegion(0x1000, 4*mm.PageSize, pt.PermRead|pt.PermWrite, 0, 0); err != nil {
			t.Fatal(err)
		}
	})
	as := p.AddressSpace()

	if err := vm.WriteUser(0x1000, bytes.Repeat([]byte{7}, int(3*mm.PageSize))); err != nil {
		t.Fatal(err)
	}
	if err := vm.WriteUser(mm.UserStack-8, []byte{1, 2, 3}); err != nil {
		t.Fatal(err)
	}

	invalidations := vm.stats.Get(vmstats.Invalidations)
	if err := as.Destroy(); err != nil {
		t.Fatal(err)
	}

	if p.AddressSpace() != nil {
		t.Fatal("expected the address space to be detached from the running process")
	}
	if got := vm.stats.Get(vmstats.Invalidations); got != invalidations+1 {
		t.Fatalf("expected the TLB to be flushed on destroy; invalidations %d -> %d", invalidations, got)
	}
	if _, ok := tlbHas(vm, 0x1000); ok {
		t.Fatal("expected no valid TLB entry after destroy")
	}
	if freeAfter, _ := vm.cm.Stats(); freeAfter != freeBefore {
		t.Fatalf("expected every frame to be released; free %d -> %d", freeBefore, freeAfter)
	}

	if err := as.Destroy(); err != ErrDestroyed {
		t.Fatalf("expected to get ErrDestroyed; got %v", err)
	}
	if err := as.PrepareLoad(); err != ErrDestroyed {
		t.Fatalf("expected to get ErrDestroyed; got %v", err)
	}
	if _, err := as.Copy(8); err != ErrDestroyed {
		t.Fatalf("expected to get ErrDestroyed; got %v", err)
	}
}

func TestCopy(t *testing.T) {
	vm := newTestVM(t)

	image := bytes.Repeat([]byte{0xc0}, int(mm.PageSize))
	parent := runProcess(t, vm, 10, ReaderAtLoader{Image: bytes.NewReader(image)}, func(as *AddressSpace) {
		if err := as.DefineRegion(0x400000, mm.PageSize, pt.PermRead|pt.PermExec, 0, mm.PageSize); err != nil {
			t.Fatal(err)
		}
		if err := as.DefineRegion(0x500000, mm.PageSize, pt.PermRead|pt.PermWrite, 0, 0); err != nil {
			t.Fatal(err)
		}
	})

	if err := vm.WriteUser(0x500000, []byte("parent")); err != nil {
		t.Fatal(err)
	}

	childAS, err := parent.AddressSpace().Copy(11)
	if err != nil {
		t.Fatal(err)
	}
	if childAS.PID() != 11 {
		t.Fatalf("expected copy to belong to pid 11; got %d", childAS.PID())
	}

	parentRegions, childRegions := parent.AddressSpace().Regions(), childAS.Regions()
	if len(parentRegions) != len(childRegions) {
		t.Fatalf("expected %d regions in the copy; got %d", len(parentRegions), len(childRegions))
	}
	for i := range parentRegions {
		if parentRegions[i] != childRegions[i] {
			t.Errorf("region %d: expected %+v; got %+v", i, parentRegions[i], childRegions[i])
		}
	}

	vm.SwitchTo(NewProcess(11, childAS))

	code := make([]byte, 4)
	if err = vm.ReadUser(0x400000, code); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(code, []byte{0xc0, 0xc0, 0xc0, 0xc0}) {
		t.Fatalf("expected the child to load the image; got %v", code)
	}

	data := make([]byte, 6)
	if err = vm.ReadUser(0x500000, data); err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(data, []byte("parent")) {
		t.Fatal("expected the child to fault its data pages in independently")
	}

	if err = childAS.Destroy(); err != nil {
		t.Fatal(err)
	}
	if _, resident := vm.pt.Lookup(10, 0x500000); !resident {
		t.Fatal("expected destroying the copy to leave the parent pages alone")
	}
}

func TestReaderAtLoader(t *testing.T) {
	image := make([]byte, 0x1800)
	for i := range image {
		image[i] = byte(i >> 8)
	}
	loader := ReaderAtLoader{Image: bytes.NewReader(image)}

	r := pt.Region{Base: 0x400000, Pages: 3, FileOffset: 0x800, FileSize: 0x1000}
	dst := bytes.Repeat([]byte{0xff}, int(mm.PageSize))

	if err := loader.LoadPage(r, 0x400000, dst); err != nil {
		t.Fatal(err)
	}
	if dst[0] != 0x08 || dst[mm.PageSize-1] != 0x17 {
		t.Fatalf("expected page to hold image bytes [0x800, 0x1800); got first=0x%x last=0x%x", dst[0], dst[mm.PageSize-1])
	}

	// Past the file size the page is zeroed.
	kernel.Memset(dst, 0xff)
	if err := loader.LoadPage(r, 0x401000, dst); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(dst, make([]byte, mm.PageSize)) {
		t.Fatal("expected a zero-filled page past the file size")
	}

	short := pt.Region{Base: 0x400000, Pages: 1, FileOffset: 0x1000, FileSize: 0x1000}
	if err := loader.LoadPage(short, 0x400000, dst); err != errShortImage {
		t.Fatalf("expected to get errShortImage; got %v", err)
	}
}

func TestKernelPages(t *testing.T) {
	vm := newTestVM(t)

	addr, err := vm.AllocKPages(2)
	if err != nil {
		t.Fatal(err)
	}
	if addr < kseg0 || addr&^mm.PageFrame != 0 {
		t.Fatalf("expected a page-aligned kseg0 address; got 0x%x", addr)
	}

	mem, err := vm.KernelMemory(addr, 2*mm.PageSize)
	if err != nil {
		t.Fatal(err)
	}
	kernel.Memset(mem, 0xaa)

	if err = vm.FreeKPages(addr); err != nil {
		t.Fatal(err)
	}
	if err = vm.FreeKPages(addr); err != pmm.ErrNotRunStart {
		t.Fatalf("expected to get ErrNotRunStart; got %v", err)
	}
	if err = vm.FreeKPages(0x1000); err != errNotKernelAddr {
		t.Fatalf("expected to get errNotKernelAddr; got %v", err)
	}
	if _, err = vm.KernelMemory(0x1000, 1); err != errNotKernelAddr {
		t.Fatalf("expected to get errNotKernelAddr; got %v", err)
	}
}

func TestFaultUsesAddressSpaceOwner(t *testing.T) {
	vm := newTestVM(t)
	freeBefore, _ := vm.cm.Stats()

	// The address space of pid 7 is run by a process record with another
	// id, as happens while a forked child still runs on its parent's
	// record.
	as := vm.CreateAddressSpace(7, nil)
	if err := as.DefineRegion(0x1000, mm.PageSize, pt.PermRead|pt.PermWrite, 0, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := as.DefineStack(); err != nil {
		t.Fatal(err)
	}
	vm.SwitchTo(NewProcess(99, as))

	if err := vm.WriteUser(0x1000, []byte("owner")); err != nil {
		t.Fatalf("expected the fault to be resolved for the address space owner; got %v", err)
	}
	if _, found := vm.pt.Lookup(7, 0x1000); !found {
		t.Fatal("expected the page to be resident for pid 7")
	}
	if _, found := vm.pt.Lookup(99, 0x1000); found {
		t.Fatal("expected no page to be resident for pid 99")
	}

	if err := as.Destroy(); err != nil {
		t.Fatal(err)
	}
	if freeAfter, _ := vm.cm.Stats(); freeAfter != freeBefore {
		t.Fatalf("expected %d free frames after destroy; got %d", freeBefore, freeAfter)
	}
}
