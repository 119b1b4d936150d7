//go:build linux

package lsf

import (
	"errors"

	"golang.org/x/sys/unix"
)

func gatherSystemUsage() (systemUsage, error) {
	var si unix.Sysinfo_t
	if err := unix.Sysinfo(&si); err != nil {
		return systemUsage{}, err
	}
	unit := uint64(si.Unit)
	if unit == 0 {
		unit = 1
	}
	totalRAM := uint64(si.Totalram) * unit
	if totalRAM == 0 {
		return systemUsage{}, errors.New("sysinfo: totalram reported as zero")
	}
	available := min((uint64(si.Freeram)+uint64(si.Bufferram))*unit, totalRAM)
	includesReclaimable := false
	if mi, err := readMeminfo(); err == nil && mi.availableBytes > 0 {
		totalRAM = mi.totalBytes
		available = min(mi.availableBytes, totalRAM)
		includesReclaimable = mi.includesReclaimableData
	}
	used := 1 - float64(available)/float64(totalRAM)
	used = min(max(used, 0), 1)

	const loadScale = 65536.0
	return systemUsage{
		memoryPercent:             used * 100,
		memoryIncludesReclaimable: includesReclaimable,
		load1:                     float64(si.Loads[0]) / loadScale,
	}, nil
}
