// Package kmain boots the simulated machine: it brings up physical memory,
// the frame allocator, the swap area and the VM system in dependency order.
package kmain

import (
	"io"

	"mipsvm/device"
	"mipsvm/kernel"
	"mipsvm/kernel/config"
	"mipsvm/kernel/cpu"
	"mipsvm/kernel/hal"
	"mipsvm/kernel/hal/ram"
	"mipsvm/kernel/kfmt"
	"mipsvm/kernel/mm"
	"mipsvm/kernel/mm/pmm"
	"mipsvm/kernel/mm/swap"
	"mipsvm/kernel/mm/vmm"
	"mipsvm/kernel/vmstats"
)

// bootStackFrames is the number of frames reserved for the stack of the
// first kernel thread before the coremap is activated.
const bootStackFrames = 2

var (
	// ramNewFn is mocked by tests.
	ramNewFn = ram.New

	errShutDown     = &kernel.Error{Module: "kmain", Message: "kernel already shut down"}
	errNoSwapDevice = &kernel.Error{Module: "kmain", Message: "no swap device available"}
)

// Kernel holds every subsystem of a booted machine.
type Kernel struct {
	Config  config.Config
	RAM     *ram.RAM
	Coremap *pmm.Coremap
	SwapDev *swap.FileDevice
	Swap    *swap.Store
	Stats   *vmstats.Stats
	VM      *vmm.VM

	// BootStack is the first frame of the boot thread stack.
	BootStack mm.Frame

	down bool
}

// Kmain boots the machine described by cfg, logging to w. A failure to boot
// is not recoverable: it is reported through kfmt.Panic which halts the
// CPU.
func Kmain(cfg config.Config, w io.Writer) *Kernel {
	k, err := Boot(cfg, w)
	if err != nil {
		kfmt.Panic(err)
	}
	return k
}

// Boot brings up the machine described by cfg and attaches w as the kernel
// log sink.
func Boot(cfg config.Config, w io.Writer) (*Kernel, *kernel.Error) {
	if w != nil {
		kfmt.SetOutputSink(w)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	kfmt.Printf("[kmain] booting with %d KiB of RAM and %d KiB of swap\n", cfg.RAMSize>>10, cfg.SwapSize>>10)
	kfmt.Printf("[config] %s\n", cfg)

	r, err := ramNewFn(uintptr(cfg.RAMSize), uintptr(cfg.KernelImageFrames))
	if err != nil {
		return nil, err
	}

	k := &Kernel{Config: cfg, RAM: r, Stats: &vmstats.Stats{}}

	if k.Coremap, err = pmm.NewCoremap(r, cfg.ClusterSize); err != nil {
		k.release()
		return nil, err
	}

	// Allocations made before Activate come straight out of raw memory
	// and stay reserved for the lifetime of the kernel.
	if k.BootStack, err = k.Coremap.AllocKernelFrames(bootStackFrames); err != nil {
		k.release()
		return nil, err
	}

	if err = k.Coremap.Activate(kfmt.GetOutputSink()); err != nil {
		k.release()
		return nil, err
	}

	if k.SwapDev = detectSwapDevice(cfg); k.SwapDev == nil {
		k.release()
		return nil, errNoSwapDevice
	}

	if k.Swap, err = swap.NewStore(k.SwapDev, cfg.SwapSize); err != nil {
		k.release()
		return nil, err
	}
	kfmt.Printf("[swap] %s: %d slots\n", cfg.SwapFile, k.Swap.Slots())

	if k.VM, err = vmm.New(cpu.NewCore(), r, k.Coremap, k.Swap, k.Stats); err != nil {
		k.release()
		return nil, err
	}

	kfmt.Printf("[kmain] vm system ready\n")
	return k, nil
}

// detectSwapDevice probes for the swap disk and returns its driver or nil
// if the disk could not be initialized.
func detectSwapDevice(cfg config.Config) *swap.FileDevice {
	disk := swap.NewFileDevice(cfg.SwapFile, cfg.SwapSize)

	for _, drv := range hal.Probe(device.DriverInfoList{
		{Order: device.DetectOrderStorage, Probe: func() device.Driver { return disk }},
	}) {
		if drv == device.Driver(disk) {
			return disk
		}
	}
	return nil
}

// Shutdown prints the memory and VM statistics to w and releases the host
// resources of the machine.
func (k *Kernel) Shutdown(w io.Writer) *kernel.Error {
	if k.down {
		return errShutDown
	}

	k.Coremap.Dump(w)
	used, free := k.Swap.Stats()
	kfmt.Fprintf(w, "[swap] %d slots used, %d free\n", used, free)
	k.Stats.Print(w)

	return k.release()
}

func (k *Kernel) release() *kernel.Error {
	k.down = true

	var firstErr *kernel.Error
	if k.SwapDev != nil {
		firstErr = k.SwapDev.Close()
	}
	if err := k.RAM.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
