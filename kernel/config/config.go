// Package config holds the machine and VM settings the kernel boots with.
package config

import (
	"encoding/json"
	"io"
	"os"

	"mipsvm/kernel"
	"mipsvm/kernel/cpu"
	"mipsvm/kernel/mm"
	"mipsvm/kernel/mm/swap"
)

var (
	errPageSize    = &kernel.Error{Module: "config", Message: "page_size must be 4096"}
	errRAMSize     = &kernel.Error{Module: "config", Message: "ram_size must be a non-zero multiple of page_size"}
	errImageFrames = &kernel.Error{Module: "config", Message: "kernel_image_frames must leave at least one cluster of user frames"}
	errClusterSize = &kernel.Error{Module: "config", Message: "cluster_size must be greater than zero"}
	errNumTLB      = &kernel.Error{Module: "config", Message: "num_tlb must match the number of TLB slots of the cpu"}
	errSwapFile    = &kernel.Error{Module: "config", Message: "swap_file must be set"}
	errSwapSize    = &kernel.Error{Module: "config", Message: "swap_size must be a non-zero multiple of page_size"}
)

// Config describes the simulated machine.
type Config struct {
	// RAMSize is the amount of physical memory in bytes.
	RAMSize uint64 `json:"ram_size"`

	PageSize uint64 `json:"page_size"`

	// KernelImageFrames is the number of frames occupied by the kernel
	// image at boot.
	KernelImageFrames uint32 `json:"kernel_image_frames"`

	// ClusterSize is the number of frames in a kernel region cluster and
	// the number of entries in a page table cluster.
	ClusterSize uint32 `json:"cluster_size"`

	NumTLB int `json:"num_tlb"`

	// SwapFile is the host path of the swap backing file. It is truncated
	// at every boot.
	SwapFile string `json:"swap_file"`
	SwapSize int64  `json:"swap_size"`

	// LogFile receives the kernel log if set; the log goes to stdout
	// otherwise.
	LogFile string `json:"log_file,omitempty"`
}

// Default returns the reference machine: 4 MiB of RAM, 9 MiB of swap and a
// 64-entry TLB.
func Default() Config {
	return Config{
		RAMSize:           4 * 1024 * 1024,
		PageSize:          uint64(mm.PageSize),
		KernelImageFrames: 64,
		ClusterSize:       8,
		NumTLB:            cpu.NumTLB,
		SwapFile:          "SWAPFILE",
		SwapSize:          swap.DefaultSize,
	}
}

// Load reads a JSON config from path. Fields missing from the file keep
// their Default value; unknown fields are rejected.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, err
	}
	defer f.Close()

	return Decode(f)
}

// Decode reads a JSON config from r on top of Default and validates it.
func Decode(r io.Reader) (Config, error) {
	cfg := Default()

	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the settings describe a machine the kernel can boot.
func (c Config) Validate() *kernel.Error {
	page := uint64(mm.PageSize)

	switch {
	case c.PageSize != page:
		return errPageSize
	case c.RAMSize == 0 || c.RAMSize%page != 0:
		return errRAMSize
	case c.ClusterSize == 0:
		return errClusterSize
	case uint64(c.KernelImageFrames)+2*uint64(c.ClusterSize) > c.RAMSize/page:
		// the kernel region is rounded up to the next cluster and the
		// page table needs at least one cluster of user frames.
		return errImageFrames
	case c.NumTLB != cpu.NumTLB:
		return errNumTLB
	case c.SwapFile == "":
		return errSwapFile
	case c.SwapSize <= 0 || c.SwapSize%int64(page) != 0:
		return errSwapSize
	}
	return nil
}

// String returns the config as a single-line JSON document.
func (c Config) String() string {
	data, _ := json.Marshal(c)
	return string(data)
}
