// Command vmsim boots the simulated machine, runs a paging workload across
// several processes and prints the memory statistics on shutdown.
package main

import (
	"bytes"
	"encoding/binary"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"

	"mipsvm/kernel"
	"mipsvm/kernel/config"
	"mipsvm/kernel/cpu"
	"mipsvm/kernel/kfmt"
	"mipsvm/kernel/kmain"
	"mipsvm/kernel/mm"
	"mipsvm/kernel/mm/pt"
	"mipsvm/kernel/mm/vmm"
)

const (
	codeBase = uintptr(0x400000)
	dataBase = uintptr(0x10000000)

	// the image holds one and a half pages of code; the rest of the
	// code region is zero-filled.
	codeFileSize = 0x1800
	codePages    = 2
)

type options struct {
	configPath string
	logPath    string
	procs      int
	pages      int
	rounds     int
	seed       int64
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", "", "path to a JSON machine config (defaults are used if empty)")
	flag.StringVar(&opts.logPath, "log", "", "write the kernel log to this file instead of stdout")
	flag.IntVar(&opts.procs, "procs", 3, "number of user processes")
	flag.IntVar(&opts.pages, "pages", 300, "data pages per process")
	flag.IntVar(&opts.rounds, "rounds", 5000, "number of memory accesses")
	flag.Int64Var(&opts.seed, "seed", 1, "workload random seed")
	flag.Parse()

	os.Exit(run(opts, os.Stdout))
}

func run(opts options, out io.Writer) (exitCode int) {
	cfg := config.Default()
	if opts.configPath != "" {
		var err error
		if cfg, err = config.Load(opts.configPath); err != nil {
			fmt.Fprintf(os.Stderr, "vmsim: %v\n", err)
			return 1
		}
	}
	if opts.logPath != "" {
		cfg.LogFile = opts.logPath
	}

	logSink := out
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "vmsim: %v\n", err)
			return 1
		}
		defer f.Close()
		logSink = f
	}

	defer func() {
		if r := recover(); r != nil {
			if r != cpu.ErrHalted {
				panic(r)
			}
			exitCode = 2
		}
	}()

	k := kmain.Kmain(cfg, logSink)

	failures := workload(k.VM, opts)

	if err := k.Shutdown(out); err != nil {
		fmt.Fprintf(os.Stderr, "vmsim: %s\n", err.Message)
		return 1
	}

	if failures > 0 {
		fmt.Fprintf(out, "vmsim: %d verification failures\n", failures)
		return 1
	}
	return 0
}

type process struct {
	proc    *vmm.Process
	version map[uintptr]uint32
}

// workload runs opts.rounds random accesses and returns the number of pages
// whose contents did not match what was last written to them.
func workload(vm *vmm.VM, opts options) int {
	rng := rand.New(rand.NewSource(opts.seed))

	image := make([]byte, codeFileSize)
	rng.Read(image)
	loader := vmm.ReaderAtLoader{Image: bytes.NewReader(image)}

	procs := make([]*process, 0, opts.procs)
	for i := 0; i < opts.procs; i++ {
		pid := mm.PID(i + 1)
		as := vm.CreateAddressSpace(pid, loader)
		if err := setup(as, opts.pages); err != nil {
			kfmt.Printf("[vmsim] pid %d: %s\n", pid, err.Message)
			_ = as.Destroy()
			continue
		}
		procs = append(procs, &process{proc: vmm.NewProcess(pid, as), version: make(map[uintptr]uint32)})
	}

	var failures int
	for round := 0; round < opts.rounds && len(procs) > 0; round++ {
		p := procs[rng.Intn(len(procs))]
		if vm.Current() != p.proc {
			vm.SwitchTo(p.proc)
		}

		var (
			err *kernel.Error
			ok  = true
		)
		switch rng.Intn(8) {
		case 0:
			ok, err = checkCode(vm, image, rng)
		case 1:
			err = kernelAlloc(vm, rng)
		default:
			ok, err = touchData(vm, p, opts.pages, rng)
		}
		if !ok {
			failures++
		}

		if err != nil {
			kfmt.Printf("[vmsim] pid %d killed: %s\n", p.proc.PID, err.Message)
			procs = kill(vm, procs, p)
		}
	}

	// An access outside every region is answered with a signal.
	for _, p := range procs {
		vm.SwitchTo(p.proc)
		if err := vm.ReadUser(dataBase-mm.PageSize, make([]byte, 1)); err != vmm.ErrSegFault {
			kfmt.Printf("[vmsim] pid %d: stray access was not rejected\n", p.proc.PID)
			failures++
		}
	}

	kfmt.Printf("[vmsim] %d user pages resident after %d rounds\n", vm.PageTable().Resident(), opts.rounds)

	for len(procs) > 0 {
		procs = kill(vm, procs, procs[0])
	}
	return failures
}

func setup(as *vmm.AddressSpace, pages int) *kernel.Error {
	if err := as.DefineRegion(codeBase, codePages*mm.PageSize, pt.PermRead|pt.PermExec, 0, codeFileSize); err != nil {
		return err
	}
	if err := as.DefineRegion(dataBase, uintptr(pages)*mm.PageSize, pt.PermRead|pt.PermWrite, 0, 0); err != nil {
		return err
	}
	if err := as.PrepareLoad(); err != nil {
		return err
	}
	if err := as.CompleteLoad(); err != nil {
		return err
	}
	_, err := as.DefineStack()
	return err
}

// touchData reads a random data page, verifies it holds the last value
// written to it and writes a new one.
func touchData(vm *vmm.VM, p *process, pages int, rng *rand.Rand) (bool, *kernel.Error) {
	vaddr := dataBase + uintptr(rng.Intn(pages))*mm.PageSize

	var buf [8]byte
	if err := vm.ReadUser(vaddr, buf[:]); err != nil {
		return true, err
	}

	ok := true
	if exp, written := p.version[vaddr]; written {
		if binary.LittleEndian.Uint32(buf[:]) != uint32(p.proc.PID) || binary.LittleEndian.Uint32(buf[4:]) != exp {
			kfmt.Printf("[vmsim] pid %d: page 0x%x lost its contents\n", p.proc.PID, vaddr)
			ok = false
		}
	} else if buf != [8]byte{} {
		kfmt.Printf("[vmsim] pid %d: page 0x%x is not zero-filled\n", p.proc.PID, vaddr)
		ok = false
	}

	p.version[vaddr]++
	binary.LittleEndian.PutUint32(buf[:], uint32(p.proc.PID))
	binary.LittleEndian.PutUint32(buf[4:], p.version[vaddr])
	return ok, vm.WriteUser(vaddr, buf[:])
}

// checkCode reads a random byte of the code region and reports whether it
// matches the image, or zero past the file-backed part.
func checkCode(vm *vmm.VM, image []byte, rng *rand.Rand) (bool, *kernel.Error) {
	off := uintptr(rng.Intn(codePages * int(mm.PageSize)))

	var b [1]byte
	if err := vm.ReadUser(codeBase+off, b[:]); err != nil {
		return true, err
	}

	exp := byte(0)
	if off < codeFileSize {
		exp = image[off]
	}
	if b[0] != exp {
		kfmt.Printf("[vmsim] code byte at 0x%x: expected 0x%x; got 0x%x\n", codeBase+off, exp, b[0])
		return false, nil
	}
	return true, nil
}

// kernelAlloc borrows a few kernel pages, scribbles over them and gives
// them back.
func kernelAlloc(vm *vmm.VM, rng *rand.Rand) *kernel.Error {
	npages := uint32(rng.Intn(3) + 1)
	addr, err := vm.AllocKPages(npages)
	if err != nil {
		return err
	}

	mem, err := vm.KernelMemory(addr, uintptr(npages)*mm.PageSize)
	if err != nil {
		return err
	}
	kernel.Memset(mem, 0xa5)

	return vm.FreeKPages(addr)
}

func kill(vm *vmm.VM, procs []*process, p *process) []*process {
	if as := p.proc.AddressSpace(); as != nil {
		if err := as.Destroy(); err != nil {
			kfmt.Printf("[vmsim] pid %d: %s\n", p.proc.PID, err.Message)
		}
	}

	for i := range procs {
		if procs[i] == p {
			return append(procs[:i], procs[i+1:]...)
		}
	}
	return procs
}
