//go:build !linux

package supervisor

import "time"

// Per-process sampling is only implemented on Linux. Other platforms report
// zero usage; the monitor still enforces timeouts and the concurrency cap.

type cpuSample struct {
	ticks uint64
	at    time.Time
}

type resourceSample struct {
	memoryMB   float64
	cpuPercent float64
}

func sampleProcess(int, *cpuSample) (resourceSample, bool) {
	return resourceSample{}, false
}

// HostSnapshot is a coarse view of host memory and load.
type HostSnapshot struct {
	MemTotalMB     float64 `json:"memTotalMb"`
	MemAvailableMB float64 `json:"memAvailableMb"`
	Load1          float64 `json:"load1"`
}

func hostSnapshot() HostSnapshot { return HostSnapshot{} }
