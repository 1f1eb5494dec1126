package supervisor

import (
	"os/exec"
	"syscall"
	"time"
)

// monitorLoop samples memory and CPU for every live process on the configured
// interval. Memory breaches force-kill the child; CPU breaches only log, since
// a busy child is not necessarily a runaway one.
func (s *Supervisor) monitorLoop() {
	defer s.wg.Done()

	s.mu.Lock()
	interval := s.limits.ResourceCheckInterval
	s.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.sampleAll()
		}
	}
}

func (s *Supervisor) sampleAll() {
	type breach struct {
		id  string
		mem float64
		cpu float64
	}
	var memBreaches, cpuBreaches []breach

	s.mu.Lock()
	for id, p := range s.procs {
		if p.rec.Status != StatusRunning || p.rec.PID == 0 {
			continue
		}
		sample, ok := sampleProcess(p.rec.PID, &p.cpuSample)
		if !ok {
			continue
		}
		p.rec.MemoryMB = sample.memoryMB
		p.rec.CPUPercent = sample.cpuPercent

		if limit := p.rec.Limits.MaxProcessMemoryMB; limit > 0 && sample.memoryMB > float64(limit) {
			memBreaches = append(memBreaches, breach{id, sample.memoryMB, sample.cpuPercent})
		} else if limit := p.rec.Limits.MaxProcessCPUPercent; limit > 0 && sample.cpuPercent > limit {
			cpuBreaches = append(cpuBreaches, breach{id, sample.memoryMB, sample.cpuPercent})
		}
	}
	s.mu.Unlock()

	for _, b := range memBreaches {
		s.logger.Error("memory limit exceeded, killing process", "id", b.id, "memoryMb", b.mem)
		s.initiateKill(b.id, reasonMemory, syscall.SIGKILL)
	}
	for _, b := range cpuBreaches {
		s.logger.Warn("cpu limit exceeded", "id", b.id, "cpuPercent", b.cpu)
	}
}

// cleanupLoop reaps terminal records older than the retention window so the
// table and its timers do not grow without bound.
func (s *Supervisor) cleanupLoop() {
	defer s.wg.Done()

	s.mu.Lock()
	interval := s.limits.CleanupInterval
	s.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.reap(time.Now().Add(-reapRetention))
		}
	}
}

// reap removes terminal records finished before the cutoff.
func (s *Supervisor) reap(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, p := range s.procs {
		if p.rec.Status.terminal() && !p.rec.FinishedAt.IsZero() && p.rec.FinishedAt.Before(cutoff) {
			p.stopTimers()
			delete(s.procs, id)
			n++
		}
	}
	return n
}

// exitCode extracts the exit code from a finished command, -1 if unavailable.
func exitCode(cmd *exec.Cmd) int {
	if cmd.ProcessState == nil {
		return -1
	}
	return cmd.ProcessState.ExitCode()
}

// exitSignal names the terminating signal, if any.
func exitSignal(cmd *exec.Cmd) string {
	if cmd.ProcessState == nil {
		return ""
	}
	if ws, ok := cmd.ProcessState.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return ws.Signal().String()
	}
	return ""
}
