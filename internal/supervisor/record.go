package supervisor

import (
	"os/exec"
	"time"
)

// Status is the lifecycle state of a supervised process.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
	StatusKilled    Status = "killed"
)

// terminal reports whether the status is final.
func (s Status) terminal() bool {
	return s != StatusRunning
}

// Record is the externally visible state of a supervised process.
type Record struct {
	ID         string    `json:"id"`
	Command    string    `json:"command"`
	Args       []string  `json:"args"`
	PID        int       `json:"pid"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt,omitzero"`
	MemoryMB   float64   `json:"memoryMb"`
	CPUPercent float64   `json:"cpuPercent"`
	Status     Status    `json:"status"`
	Limits     Limits    `json:"limits"`
}

// killReason distinguishes why a process was terminated early, so Execute can
// classify the resulting error.
type killReason int

const (
	reasonNone killReason = iota
	reasonTimeout
	reasonKilled
	reasonMemory
)

// process is the supervisor-internal state for one child. All fields are
// guarded by the supervisor's mutex except cmd's own internals, which only
// the spawning goroutine touches after Start.
type process struct {
	rec        Record
	cmd        *exec.Cmd
	reason     killReason
	timeout    *time.Timer // SIGTERM at deadline
	graceKill  *time.Timer // SIGKILL escalation
	cpuSample  cpuSample   // previous /proc tick, for CPU% deltas
}

func (p *process) stopTimers() {
	if p.timeout != nil {
		p.timeout.Stop()
	}
	if p.graceKill != nil {
		p.graceKill.Stop()
	}
}
