// Package device defines the interface implemented by the drivers of the
// simulated machine's peripherals.
package device

import (
	"io"

	"mipsvm/kernel"
)

// Driver is an interface implemented by all drivers.
type Driver interface {
	// DriverName returns the name of the driver.
	DriverName() string

	// DriverVersion returns the driver version.
	DriverVersion() (major uint16, minor uint16, patch uint16)

	// DriverInit initializes the device driver. If the driver init code
	// needs to log some output, it can use the supplied io.Writer in
	// conjunction with a call to kfmt.Fprintf.
	DriverInit(io.Writer) *kernel.Error
}

// ProbeFn is a function that scans for the presence of a particular
// piece of hardware and returns a driver for it or nil if the hardware
// is not present.
type ProbeFn func() Driver

// DetectOrder specifies when a driver is probed relative to the others.
// Drivers with a lower order are probed first.
type DetectOrder int8

// DetectOrderStorage is used by backing-store devices such as the swap
// disk.
const DetectOrderStorage DetectOrder = 0

// DriverInfo describes a driver that can be probed by the HAL.
type DriverInfo struct {
	// Order controls when the driver is probed.
	Order DetectOrder

	// Probe checks for the presence of the device and returns a driver
	// for it.
	Probe ProbeFn
}

// DriverInfoList is a list of drivers that implements sort.Interface,
// ordering entries by their DetectOrder.
type DriverInfoList []*DriverInfo

// Len is the number of elements in the collection.
func (l DriverInfoList) Len() int { return len(l) }

// Less reports whether the element with index i should sort before the
// element with index j.
func (l DriverInfoList) Less(i, j int) bool { return l[i].Order < l[j].Order }

// Swap swaps the elements with indexes i and j.
func (l DriverInfoList) Swap(i, j int) { l[i], l[j] = l[j], l[i] }
