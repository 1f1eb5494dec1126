package supervisor

import (
	"context"
	"errors"
	"os"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"
)

// allowAll accepts every command; denyAll rejects everything.
type allowAll struct{}

func (allowAll) ValidateCommand(string, []string) error { return nil }

type denyAll struct{}

func (denyAll) ValidateCommand(string, []string) error {
	return errors.New("command blocked")
}

func testLimits() Limits {
	l := DefaultLimits()
	l.MaxConcurrent = 2
	l.KillGracePeriod = 200 * time.Millisecond
	l.CleanupInterval = time.Hour // keep the reaper quiet during tests
	return l
}

func newTestSupervisor(t *testing.T, limits Limits) *Supervisor {
	t.Helper()
	s, err := New(allowAll{}, limits, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Shutdown)
	return s
}

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("relies on POSIX sh")
	}
}

func TestExecute_CapturesOutput(t *testing.T) {
	skipOnWindows(t)
	s := newTestSupervisor(t, testLimits())

	res, err := s.Execute(context.Background(), "echo", []string{"hello"}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(res.Stdout) != "hello" {
		t.Errorf("stdout = %q", res.Stdout)
	}
	if res.ExitCode != 0 {
		t.Errorf("exitCode = %d", res.ExitCode)
	}
	if res.Duration <= 0 {
		t.Error("duration not recorded")
	}
}

func TestExecute_NonzeroExitIsNotAnError(t *testing.T) {
	skipOnWindows(t)
	s := newTestSupervisor(t, testLimits())

	res, err := s.Execute(context.Background(), "sh", []string{"-c", "exit 3"}, Options{})
	if err != nil {
		t.Fatalf("nonzero exit must not be an error: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("exitCode = %d, want 3", res.ExitCode)
	}

	stats := s.Stats()
	if stats.Completed != 1 || stats.Failed != 0 {
		t.Errorf("stats = %+v, want one completed", stats)
	}
}

func TestExecute_ValidatorRejectionNeverSpawns(t *testing.T) {
	s, err := New(denyAll{}, testLimits(), false, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Shutdown()

	if _, err := s.Execute(context.Background(), "rm", []string{"-rf", "/"}, Options{}); err == nil {
		t.Fatal("expected validator rejection")
	}
	if s.Stats().Total != 0 {
		t.Error("rejected command must not be counted")
	}
}

func TestExecute_ConcurrencyCapRejects(t *testing.T) {
	skipOnWindows(t)
	limits := testLimits()
	limits.MaxConcurrent = 1
	s := newTestSupervisor(t, limits)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = s.Execute(context.Background(), "sleep", []string{"2"}, Options{})
	}()

	// Wait until the first process occupies the slot.
	deadline := time.Now().Add(2 * time.Second)
	for s.Stats().Active == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first process never started")
		}
		time.Sleep(10 * time.Millisecond)
	}

	_, err := s.Execute(context.Background(), "echo", []string{"second"}, Options{})
	if !errors.Is(err, ErrResourceExhausted) {
		t.Errorf("expected ErrResourceExhausted, got %v", err)
	}

	s.KillAll()
	wg.Wait()
}

func TestExecute_TimeoutEscalation(t *testing.T) {
	skipOnWindows(t)
	s := newTestSupervisor(t, testLimits())

	start := time.Now()
	_, err := s.Execute(context.Background(), "sleep", []string{"30"}, Options{
		Timeout: 100 * time.Millisecond,
	})
	if !errors.Is(err, ErrProcessTimeout) {
		t.Fatalf("expected ErrProcessTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("timeout took %s, escalation did not fire", elapsed)
	}
	if s.Stats().Timeout != 1 {
		t.Errorf("stats = %+v, want one timeout", s.Stats())
	}
}

func TestExecute_GraceEscalationForceKills(t *testing.T) {
	skipOnWindows(t)
	limits := testLimits()
	s := newTestSupervisor(t, limits)

	// The shell ignores TERM (and its children inherit the disposition), so
	// only the forced kill after the grace period can end it.
	start := time.Now()
	res, err := s.Execute(context.Background(), "trap '' TERM; sleep 30", nil, Options{
		Timeout: 100 * time.Millisecond,
	})
	if !errors.Is(err, ErrProcessTimeout) {
		t.Fatalf("expected ErrProcessTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < limits.KillGracePeriod {
		t.Errorf("finished in %s, before the grace period elapsed", elapsed)
	} else if elapsed > 5*time.Second {
		t.Errorf("took %s, forced kill never fired", elapsed)
	}
	if res.Signal != "killed" {
		t.Errorf("signal = %q, want killed", res.Signal)
	}
}

func TestExecute_ContextCancelKills(t *testing.T) {
	skipOnWindows(t)
	s := newTestSupervisor(t, testLimits())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	_, err := s.Execute(ctx, "sleep", []string{"30"}, Options{})
	if !errors.Is(err, ErrProcessKilled) {
		t.Errorf("expected ErrProcessKilled, got %v", err)
	}
}

func TestKill_UnknownProcess(t *testing.T) {
	s := newTestSupervisor(t, testLimits())
	if s.Kill("no-such-id", nil) {
		t.Error("Kill of unknown id must return false")
	}
}

func TestKill_LiveProcess(t *testing.T) {
	skipOnWindows(t)
	s := newTestSupervisor(t, testLimits())

	done := make(chan error, 1)
	go func() {
		_, err := s.Execute(context.Background(), "sleep", []string{"30"}, Options{})
		done <- err
	}()

	var id string
	deadline := time.Now().Add(2 * time.Second)
	for id == "" {
		if time.Now().After(deadline) {
			t.Fatal("process never appeared")
		}
		for _, rec := range s.Processes() {
			if rec.Status == StatusRunning {
				id = rec.ID
			}
		}
		time.Sleep(10 * time.Millisecond)
	}

	if !s.Kill(id, nil) {
		t.Fatal("Kill returned false for a live process")
	}
	if err := <-done; !errors.Is(err, ErrProcessKilled) {
		t.Errorf("expected ErrProcessKilled, got %v", err)
	}

	rec, ok := s.Process(id)
	if !ok || rec.Status != StatusKilled {
		t.Errorf("record = %+v", rec)
	}
}

func TestShutdown_SettlesInFlightExecute(t *testing.T) {
	skipOnWindows(t)
	s := newTestSupervisor(t, testLimits())

	done := make(chan error, 1)
	go func() {
		_, err := s.Execute(context.Background(), "sleep", []string{"5"}, Options{})
		done <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for s.Stats().Active == 0 {
		if time.Now().After(deadline) {
			t.Fatal("process never started")
		}
		time.Sleep(10 * time.Millisecond)
	}

	s.Shutdown()

	select {
	case err := <-done:
		if !errors.Is(err, ErrProcessKilled) {
			t.Errorf("expected ErrProcessKilled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Execute never returned after Shutdown")
	}
}

func TestShutdown_RejectsNewWork(t *testing.T) {
	s := newTestSupervisor(t, testLimits())
	s.Shutdown()
	s.Shutdown() // idempotent

	if _, err := s.Execute(context.Background(), "echo", []string{"hi"}, Options{}); !errors.Is(err, ErrShutdown) {
		t.Errorf("expected ErrShutdown, got %v", err)
	}
}

func TestUpdateLimits(t *testing.T) {
	s := newTestSupervisor(t, testLimits())

	l := testLimits()
	l.MaxConcurrent = 9
	if err := s.UpdateLimits(l); err != nil {
		t.Fatal(err)
	}
	if s.Limits().MaxConcurrent != 9 {
		t.Error("limits not swapped")
	}

	l.MaxConcurrent = 0
	if err := s.UpdateLimits(l); err == nil {
		t.Error("expected invalid limits to be rejected")
	}
}

func TestLimits_Validate(t *testing.T) {
	if err := DefaultLimits().Validate(); err != nil {
		t.Errorf("defaults must validate: %v", err)
	}

	l := DefaultLimits()
	l.DefaultTimeout = l.MaxTimeout + time.Second
	if err := l.Validate(); err == nil {
		t.Error("defaultTimeout > maxTimeout must be rejected")
	}
}

func TestLimits_ClampTimeout(t *testing.T) {
	l := DefaultLimits()
	if got := l.clampTimeout(0); got != l.DefaultTimeout {
		t.Errorf("zero → %s, want default", got)
	}
	if got := l.clampTimeout(l.MaxTimeout + time.Hour); got != l.MaxTimeout {
		t.Errorf("oversized → %s, want max", got)
	}
	if got := l.clampTimeout(time.Second); got != time.Second {
		t.Errorf("in-range → %s, want 1s", got)
	}
}

func skipWithoutProc(t *testing.T) {
	t.Helper()
	if runtime.GOOS != "linux" {
		t.Skip("resource sampling reads /proc")
	}
}

func TestSampleProcess_ReadsOwnRSS(t *testing.T) {
	skipWithoutProc(t)

	var prev cpuSample
	sample, ok := sampleProcess(os.Getpid(), &prev)
	if !ok {
		t.Fatal("sampling the test process failed")
	}
	if sample.memoryMB <= 0 {
		t.Errorf("memoryMB = %f, want positive", sample.memoryMB)
	}
}

func TestMonitor_MemoryBreachForceKills(t *testing.T) {
	skipWithoutProc(t)

	limits := testLimits()
	limits.MaxProcessMemoryMB = 10
	limits.ResourceCheckInterval = 50 * time.Millisecond
	s, err := New(allowAll{}, limits, true, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Shutdown)

	// The shell holds ~30MB in a variable, well past the 10MB limit.
	script := `big=$(head -c 30000000 /dev/zero | tr '\0' a); sleep 30`
	_, err = s.Execute(context.Background(), script, nil, Options{Timeout: 10 * time.Second})
	if !errors.Is(err, ErrResourceExhausted) {
		t.Fatalf("expected ErrResourceExhausted, got %v", err)
	}
	if got := s.Stats().Killed; got != 1 {
		t.Errorf("killed = %d, want 1", got)
	}
	for _, rec := range s.Processes() {
		if rec.Status != StatusKilled {
			t.Errorf("status = %s, want killed", rec.Status)
		}
	}
}

func TestReap_DropsOldTerminalRecords(t *testing.T) {
	skipOnWindows(t)
	s := newTestSupervisor(t, testLimits())

	if _, err := s.Execute(context.Background(), "echo", []string{"x"}, Options{}); err != nil {
		t.Fatal(err)
	}
	if len(s.Processes()) != 1 {
		t.Fatal("record missing before reap")
	}

	s.reap(time.Now().Add(time.Minute)) // everything is older than this cutoff
	if len(s.Processes()) != 0 {
		t.Error("terminal record survived the reap")
	}
}
