// Package hal detects the peripherals of the simulated machine and brings up
// their drivers.
package hal

import (
	"bytes"
	"sort"

	"mipsvm/device"
	"mipsvm/kernel/kfmt"
)

// earlyWriter forwards driver output to kfmt.Printf so it ends up in the
// early print buffer when no output sink is attached yet.
type earlyWriter struct{}

func (earlyWriter) Write(p []byte) (int, error) {
	kfmt.Printf("%s", p)
	return len(p), nil
}

// Probe executes the probe function of each driver in list in detection
// order and initializes the drivers it returns. Drivers whose init fails
// are reported and skipped. Probe returns the drivers that were
// successfully initialized.
func Probe(list device.DriverInfoList) []device.Driver {
	drivers := make(device.DriverInfoList, len(list))
	copy(drivers, list)
	sort.Stable(drivers)

	var (
		strBuf bytes.Buffer
		active []device.Driver
		w      = kfmt.PrefixWriter{Sink: kfmt.GetOutputSink()}
	)
	if w.Sink == nil {
		w.Sink = earlyWriter{}
	}

	for _, info := range drivers {
		drv := info.Probe()
		if drv == nil {
			continue
		}

		strBuf.Reset()
		major, minor, patch := drv.DriverVersion()
		kfmt.Fprintf(&strBuf, "[hal] %s(%d.%d.%d): ", drv.DriverName(), major, minor, patch)
		w.Prefix = strBuf.Bytes()

		if err := drv.DriverInit(&w); err != nil {
			kfmt.Fprintf(&w, "init failed: %s\n", err.Message)
			continue
		}

		kfmt.Fprintf(&w, "initialized\n")
		active = append(active, drv)
	}

	return active
}
