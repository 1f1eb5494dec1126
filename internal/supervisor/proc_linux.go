//go:build linux

package supervisor

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// userHz is the kernel clock tick rate USER_HZ; 100 on every mainstream build.
const userHz = 100

// cpuSample is the previous utime+stime reading for one pid.
type cpuSample struct {
	ticks uint64
	at    time.Time
}

type resourceSample struct {
	memoryMB   float64
	cpuPercent float64
}

// sampleProcess reads RSS and CPU usage for pid from /proc. CPU% is derived
// from the tick delta since the previous sample, so the first reading is 0.
func sampleProcess(pid int, prev *cpuSample) (resourceSample, bool) {
	var out resourceSample

	rssKB, ok := readVmRSS(pid)
	if !ok {
		return out, false
	}
	out.memoryMB = float64(rssKB) / 1024

	ticks, ok := readCPUTicks(pid)
	if !ok {
		return out, true // memory alone is still useful
	}
	now := time.Now()
	if prev.at.IsZero() || ticks < prev.ticks {
		prev.ticks = ticks
		prev.at = now
		return out, true
	}
	elapsed := now.Sub(prev.at).Seconds()
	if elapsed > 0 {
		out.cpuPercent = float64(ticks-prev.ticks) / userHz / elapsed * 100
	}
	prev.ticks = ticks
	prev.at = now
	return out, true
}

// readVmRSS returns the resident set size in kB from /proc/<pid>/status.
func readVmRSS(pid int) (uint64, bool) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return 0, false
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "VmRSS:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0, false
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return 0, false
		}
		return kb, true
	}
	return 0, false
}

// readCPUTicks returns utime+stime from /proc/<pid>/stat. The comm field may
// contain spaces and parentheses, so parsing starts after the last ')'.
func readCPUTicks(pid int) (uint64, bool) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0, false
	}
	s := string(data)
	idx := strings.LastIndexByte(s, ')')
	if idx < 0 {
		return 0, false
	}
	fields := strings.Fields(s[idx+1:])
	// fields[0] is state; utime and stime are the 14th and 15th stat fields,
	// which land at offsets 11 and 12 after comm and state.
	if len(fields) < 13 {
		return 0, false
	}
	utime, err1 := strconv.ParseUint(fields[11], 10, 64)
	stime, err2 := strconv.ParseUint(fields[12], 10, 64)
	if err1 != nil || err2 != nil {
		return 0, false
	}
	return utime + stime, true
}

// HostSnapshot is a coarse view of host memory and load.
type HostSnapshot struct {
	MemTotalMB     float64 `json:"memTotalMb"`
	MemAvailableMB float64 `json:"memAvailableMb"`
	Load1          float64 `json:"load1"`
}

func hostSnapshot() HostSnapshot {
	var snap HostSnapshot
	if data, err := os.ReadFile("/proc/meminfo"); err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			fields := strings.Fields(line)
			if len(fields) < 2 {
				continue
			}
			kb, err := strconv.ParseFloat(fields[1], 64)
			if err != nil {
				continue
			}
			switch fields[0] {
			case "MemTotal:":
				snap.MemTotalMB = kb / 1024
			case "MemAvailable:":
				snap.MemAvailableMB = kb / 1024
			}
		}
	}
	if data, err := os.ReadFile("/proc/loadavg"); err == nil {
		fields := strings.Fields(string(data))
		if len(fields) > 0 {
			snap.Load1, _ = strconv.ParseFloat(fields[0], 64)
		}
	}
	return snap
}
