package supervisor

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// reapRetention is how long terminal records stay visible to introspection
// before the cleanup sweep removes them.
const reapRetention = 5 * time.Minute

// CommandValidator pre-checks every spawn. Satisfied by *safezone.Validator.
type CommandValidator interface {
	ValidateCommand(command string, args []string) error
}

// Options tune a single Execute call.
type Options struct {
	Timeout time.Duration // clamped to the limits snapshot; 0 means default
	Dir     string        // working directory
	Env     []string      // appended to the inherited environment
}

// Result is the outcome of a finished command. A nonzero exit is reported via
// ExitCode, not via error; Execute only returns an error when the process was
// terminated (timeout, kill, memory) or never ran.
type Result struct {
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exitCode"`
	Signal   string        `json:"signal,omitempty"`
	Duration time.Duration `json:"executionTime"`
}

// Stats is a point-in-time summary of the supervisor.
type Stats struct {
	Active        int          `json:"active"`
	Total         int          `json:"total"`
	Completed     int          `json:"completed"`
	Failed        int          `json:"failed"`
	Timeout       int          `json:"timeout"`
	Killed        int          `json:"killed"`
	TotalMemoryMB float64      `json:"totalMemoryMb"`
	TotalCPU      float64      `json:"totalCpuPercent"`
	Host          HostSnapshot `json:"host"`
}

// Supervisor owns the lifecycle of spawned shell commands: concurrency cap,
// timeouts with SIGTERM→SIGKILL escalation, resource monitoring and reaping.
type Supervisor struct {
	mu     sync.Mutex
	limits Limits
	procs  map[string]*process
	counts struct {
		total, completed, failed, timeout, killed int
	}

	validator  CommandValidator
	monitoring bool
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	shutdownOnce sync.Once
	down         bool
}

// New creates a Supervisor and starts its background loops.
func New(validator CommandValidator, limits Limits, monitoring bool, logger *slog.Logger) (*Supervisor, error) {
	if err := limits.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		limits:     limits,
		procs:      make(map[string]*process),
		validator:  validator,
		monitoring: monitoring,
		logger:     logger.With("component", "supervisor"),
		ctx:        ctx,
		cancel:     cancel,
	}

	s.wg.Add(1)
	go s.cleanupLoop()
	if monitoring {
		s.wg.Add(1)
		go s.monitorLoop()
	}
	return s, nil
}

// Execute runs a shell command under the current limits snapshot and blocks
// until it finishes or is terminated. It fails fast with ErrResourceExhausted
// when the concurrency cap is reached; callers retry, nothing queues.
func (s *Supervisor) Execute(ctx context.Context, command string, args []string, opts Options) (*Result, error) {
	if err := s.validator.ValidateCommand(command, args); err != nil {
		return nil, err
	}

	var stdout, stderr bytes.Buffer
	id := uuid.NewString()

	s.mu.Lock()
	if s.down {
		s.mu.Unlock()
		return nil, ErrShutdown
	}
	limits := s.limits
	running := 0
	for _, p := range s.procs {
		if p.rec.Status == StatusRunning {
			running++
		}
	}
	if running >= limits.MaxConcurrent {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %d processes already running (max %d), retry later",
			ErrResourceExhausted, running, limits.MaxConcurrent)
	}

	cmd := shellCommand(command, args)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if opts.Dir != "" {
		cmd.Dir = opts.Dir
	}
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}

	p := &process{
		rec: Record{
			ID:        id,
			Command:   command,
			Args:      args,
			StartedAt: time.Now(),
			Status:    StatusRunning,
			Limits:    limits,
		},
		cmd: cmd,
	}
	// Reserve the slot before Start so the running count never overshoots.
	s.procs[id] = p
	s.counts.total++
	s.mu.Unlock()

	if err := cmd.Start(); err != nil {
		s.mu.Lock()
		delete(s.procs, id)
		s.counts.total--
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	timeout := limits.clampTimeout(opts.Timeout)
	s.mu.Lock()
	p.rec.PID = cmd.Process.Pid
	p.timeout = time.AfterFunc(timeout, func() {
		s.initiateKill(id, reasonTimeout, syscall.SIGTERM)
	})
	s.mu.Unlock()

	s.logger.Debug("process spawned",
		"id", id, "pid", cmd.Process.Pid, "command", command, "timeout", timeout)

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	var waitErr error
	select {
	case waitErr = <-waitCh:
	case <-ctx.Done():
		s.initiateKill(id, reasonKilled, syscall.SIGTERM)
		waitErr = <-waitCh
	}

	return s.finalize(id, waitErr, stdout.String(), stderr.String())
}

// finalize settles the record under the mutex and classifies the outcome.
func (s *Supervisor) finalize(id string, waitErr error, stdout, stderr string) (*Result, error) {
	s.mu.Lock()
	p, ok := s.procs[id]
	if !ok {
		// Record already reaped; the child is gone, report it as such.
		s.mu.Unlock()
		res := &Result{Stdout: stdout, Stderr: stderr, ExitCode: -1}
		return res, fmt.Errorf("%w: %s", ErrShutdown, id)
	}
	p.stopTimers()
	p.rec.FinishedAt = time.Now()

	switch p.reason {
	case reasonTimeout:
		p.rec.Status = StatusTimeout
		s.counts.timeout++
	case reasonKilled, reasonMemory:
		p.rec.Status = StatusKilled
		s.counts.killed++
	default:
		if waitErr == nil {
			p.rec.Status = StatusCompleted
			s.counts.completed++
		} else if exitCode(p.cmd) >= 0 {
			// Ran to completion with a nonzero exit: completed, reported via ExitCode.
			p.rec.Status = StatusCompleted
			s.counts.completed++
			waitErr = nil
		} else {
			p.rec.Status = StatusFailed
			s.counts.failed++
		}
	}
	reason := p.reason
	status := p.rec.Status
	duration := p.rec.FinishedAt.Sub(p.rec.StartedAt)
	s.mu.Unlock()

	res := &Result{
		Stdout:   stdout,
		Stderr:   stderr,
		ExitCode: exitCode(p.cmd),
		Signal:   exitSignal(p.cmd),
		Duration: duration,
	}

	s.logger.Debug("process finished", "id", id, "status", status, "exitCode", res.ExitCode)

	switch {
	case reason == reasonTimeout:
		return res, fmt.Errorf("%w: %s after %s", ErrProcessTimeout, id, duration)
	case reason == reasonMemory:
		return res, fmt.Errorf("%w: %s exceeded %dMB memory limit",
			ErrResourceExhausted, id, p.rec.Limits.MaxProcessMemoryMB)
	case reason == reasonKilled:
		return res, fmt.Errorf("%w: %s", ErrProcessKilled, id)
	case status == StatusFailed:
		return res, fmt.Errorf("%w: %v", ErrSpawnFailed, waitErr)
	default:
		return res, nil
	}
}

// initiateKill records why a process is being terminated, signals it, and arms
// the grace-period escalation to a forced kill. Idempotent per process: the
// first reason wins.
func (s *Supervisor) initiateKill(id string, reason killReason, sig os.Signal) bool {
	s.mu.Lock()
	p, ok := s.procs[id]
	if !ok || p.rec.Status.terminal() || p.reason != reasonNone {
		s.mu.Unlock()
		return false
	}
	p.reason = reason
	grace := p.rec.Limits.KillGracePeriod
	proc := p.cmd.Process
	s.mu.Unlock()

	if proc == nil {
		return false
	}

	if reason == reasonMemory {
		// Memory breach: no grace, the child is already past its budget.
		_ = proc.Kill()
		return true
	}

	if err := proc.Signal(sig); err != nil {
		// Platforms without signal support fall straight through to Kill.
		_ = proc.Kill()
		return true
	}

	s.mu.Lock()
	if !p.rec.Status.terminal() {
		p.graceKill = time.AfterFunc(grace, func() {
			s.mu.Lock()
			alive := !p.rec.Status.terminal()
			s.mu.Unlock()
			if alive {
				s.logger.Warn("grace period elapsed, forcing kill", "id", id)
				_ = proc.Kill()
			}
		})
	}
	s.mu.Unlock()
	return true
}

// Kill sends sig to a live process and escalates to a forced kill if it does
// not exit within the grace period. Returns false for unknown or already
// terminal processes.
func (s *Supervisor) Kill(id string, sig os.Signal) bool {
	if sig == nil {
		sig = syscall.SIGTERM
	}
	return s.initiateKill(id, reasonKilled, sig)
}

// KillAll terminates every live process and returns how many were signalled.
// Used on shutdown.
func (s *Supervisor) KillAll() int {
	s.mu.Lock()
	var ids []string
	for id, p := range s.procs {
		if !p.rec.Status.terminal() {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	var g errgroup.Group
	var mu sync.Mutex
	count := 0
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if s.Kill(id, syscall.SIGTERM) {
				mu.Lock()
				count++
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return count
}

// Processes returns a snapshot of all tracked records.
func (s *Supervisor) Processes() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.procs))
	for _, p := range s.procs {
		out = append(out, p.rec)
	}
	return out
}

// Process returns the record for one process.
func (s *Supervisor) Process(id string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[id]
	if !ok {
		return Record{}, false
	}
	return p.rec, true
}

// Stats summarizes lifecycle counts and aggregate resource usage.
func (s *Supervisor) Stats() Stats {
	s.mu.Lock()
	st := Stats{
		Total:     s.counts.total,
		Completed: s.counts.completed,
		Failed:    s.counts.failed,
		Timeout:   s.counts.timeout,
		Killed:    s.counts.killed,
	}
	for _, p := range s.procs {
		if p.rec.Status == StatusRunning {
			st.Active++
			st.TotalMemoryMB += p.rec.MemoryMB
			st.TotalCPU += p.rec.CPUPercent
		}
	}
	s.mu.Unlock()

	st.Host = hostSnapshot()
	return st
}

// Limits returns the current limits snapshot.
func (s *Supervisor) Limits() Limits {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limits
}

// UpdateLimits hot-swaps the snapshot used for future spawns.
func (s *Supervisor) UpdateLimits(l Limits) error {
	if err := l.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.limits = l
	s.mu.Unlock()
	s.logger.Info("limits updated", "maxConcurrent", l.MaxConcurrent, "maxMemoryMB", l.MaxProcessMemoryMB)
	return nil
}

// Shutdown kills everything, cancels the background loops and drops settled
// records. In-flight Execute calls keep their records so each can settle with
// a classified error once its child exits. Idempotent and safe during process
// exit.
func (s *Supervisor) Shutdown() {
	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		s.down = true
		s.mu.Unlock()

		killed := s.KillAll()
		s.cancel()
		s.wg.Wait()

		s.mu.Lock()
		for id, p := range s.procs {
			if p.rec.Status.terminal() {
				p.stopTimers()
				delete(s.procs, id)
			}
		}
		s.mu.Unlock()

		s.logger.Info("supervisor shut down", "killed", killed)
	})
}
