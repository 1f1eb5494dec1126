package supervisor

import (
	"fmt"
	"time"
)

// Limits is an immutable snapshot of the supervisor's resource limits. Each
// process records the snapshot it was spawned under; UpdateLimits swaps the
// snapshot for future spawns without affecting live ones.
type Limits struct {
	MaxConcurrent         int           `json:"maxConcurrentProcesses"`
	MaxProcessMemoryMB    int           `json:"maxProcessMemoryMB"`
	MaxProcessCPUPercent  float64       `json:"maxProcessCpuPercent"`
	DefaultTimeout        time.Duration `json:"defaultTimeoutMs"`
	MaxTimeout            time.Duration `json:"maxTimeoutMs"`
	CleanupInterval       time.Duration `json:"cleanupIntervalMs"`
	ResourceCheckInterval time.Duration `json:"resourceCheckIntervalMs"`
	KillGracePeriod       time.Duration `json:"killGracePeriodMs"`
}

// DefaultLimits returns conservative defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxConcurrent:         5,
		MaxProcessMemoryMB:    512,
		MaxProcessCPUPercent:  80,
		DefaultTimeout:        30 * time.Second,
		MaxTimeout:            5 * time.Minute,
		CleanupInterval:       time.Minute,
		ResourceCheckInterval: 2 * time.Second,
		KillGracePeriod:       5 * time.Second,
	}
}

// Validate rejects nonsensical limit combinations.
func (l Limits) Validate() error {
	if l.MaxConcurrent <= 0 {
		return fmt.Errorf("supervisor: maxConcurrentProcesses must be positive, got %d", l.MaxConcurrent)
	}
	if l.DefaultTimeout <= 0 || l.MaxTimeout <= 0 {
		return fmt.Errorf("supervisor: timeouts must be positive")
	}
	if l.DefaultTimeout > l.MaxTimeout {
		return fmt.Errorf("supervisor: defaultTimeout %s exceeds maxTimeout %s", l.DefaultTimeout, l.MaxTimeout)
	}
	if l.KillGracePeriod <= 0 {
		return fmt.Errorf("supervisor: killGracePeriod must be positive")
	}
	return nil
}

// clampTimeout resolves a requested timeout against the snapshot.
func (l Limits) clampTimeout(requested time.Duration) time.Duration {
	if requested <= 0 {
		return l.DefaultTimeout
	}
	if requested > l.MaxTimeout {
		return l.MaxTimeout
	}
	return requested
}
