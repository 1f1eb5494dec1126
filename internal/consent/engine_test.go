package consent

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestEngine(t *testing.T, policy Policy, settings Settings) *Engine {
	t.Helper()
	e, err := New(policy, settings, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func quickSettings() Settings {
	s := DefaultSettings()
	s.MaxPendingRequests = 4
	return s
}

func TestRequestConsent_PolicyDeny(t *testing.T) {
	e := newTestEngine(t, Policy{AlwaysDeny: []string{"glob:rm*"}}, quickSettings())

	resp, err := e.RequestConsent(context.Background(), Request{
		Operation: OpCommandExecute,
		Severity:  SeverityLow,
		Details:   Details{Command: "rm", Args: []string{"-rf", "/tmp/x"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Decision != DecisionDeny || resp.Source != SourcePolicy {
		t.Errorf("resp = %+v, want policy deny", resp)
	}
}

func TestRequestConsent_PolicyAllowSkipsRisk(t *testing.T) {
	e := newTestEngine(t, Policy{AlwaysAllow: []string{"exact:git"}}, quickSettings())

	// Critical severity would auto-reject, but alwaysAllow short-circuits first.
	resp, err := e.RequestConsent(context.Background(), Request{
		Operation: OpCommandExecute,
		Severity:  SeverityCritical,
		Details:   Details{Command: "git"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Decision != DecisionAllow || resp.Source != SourcePolicy {
		t.Errorf("resp = %+v, want policy allow", resp)
	}
}

func TestRequestConsent_DenyBeatsAllow(t *testing.T) {
	e := newTestEngine(t, Policy{
		AlwaysAllow: []string{"exact:git"},
		AlwaysDeny:  []string{"exact:git"},
	}, quickSettings())

	resp, _ := e.RequestConsent(context.Background(), Request{
		Operation: OpCommandExecute,
		Details:   Details{Command: "git"},
	})
	if resp.Decision != DecisionDeny {
		t.Errorf("deny must take precedence over allow, got %s", resp.Decision)
	}
}

func TestRequestConsent_AutoApproveLowRisk(t *testing.T) {
	e := newTestEngine(t, Policy{}, quickSettings())

	// low severity (10) + file_write (5) stays under the default threshold 30.
	resp, err := e.RequestConsent(context.Background(), Request{
		Operation: OpFileWrite,
		Severity:  SeverityLow,
		Details:   Details{Path: "/workspace/notes.txt"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Decision != DecisionAllow || resp.Source != SourceRisk {
		t.Errorf("resp = %+v, want risk auto-approve", resp)
	}
}

func TestRequestConsent_AutoRejectHighRisk(t *testing.T) {
	e := newTestEngine(t, Policy{}, quickSettings())

	// critical (80) + recursive_delete (35) clamps to 100, over threshold 80.
	resp, err := e.RequestConsent(context.Background(), Request{
		Operation: OpRecursiveDelete,
		Severity:  SeverityCritical,
		Details:   Details{Path: "/workspace"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Decision != DecisionDeny || resp.Source != SourceRisk {
		t.Errorf("resp = %+v, want risk auto-reject", resp)
	}
}

func TestRequestConsent_InteractiveResolve(t *testing.T) {
	e := newTestEngine(t, Policy{DefaultTimeout: 5 * time.Second}, quickSettings())

	go func() {
		req := <-e.Outbound()
		_ = e.Resolve(Response{RequestID: req.ID, Decision: DecisionAllow, Reason: "looks fine"})
	}()

	// medium (30) + command_execute (20) = 50: between the thresholds.
	resp, err := e.RequestConsent(context.Background(), Request{
		Operation: OpCommandExecute,
		Severity:  SeverityMedium,
		Details:   Details{Command: "make", Args: []string{"deploy"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Decision != DecisionAllow || resp.Source != SourceInteractive {
		t.Errorf("resp = %+v, want interactive allow", resp)
	}
	if len(e.Pending()) != 0 {
		t.Error("pending map not drained")
	}
}

func TestRequestConsent_TimeoutDenies(t *testing.T) {
	e := newTestEngine(t, Policy{}, quickSettings())

	resp, err := e.RequestConsent(context.Background(), Request{
		Operation: OpCommandExecute,
		Severity:  SeverityMedium,
		Details:   Details{Command: "make"},
		Timeout:   50 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Decision != DecisionTimeout || resp.Source != SourceTimeout {
		t.Errorf("resp = %+v, want timeout", resp)
	}
	if !resp.Denied() {
		t.Error("timeout must count as a denial")
	}
}

func TestRequestConsent_RequireConsentForcesInteractive(t *testing.T) {
	e := newTestEngine(t, Policy{RequireConsent: []string{"glob:deploy*"}}, quickSettings())

	// low (10) + command_execute (20) = 30 would auto-approve, but the
	// requireConsent match forces a human decision.
	resp, err := e.RequestConsent(context.Background(), Request{
		Operation: OpCommandExecute,
		Severity:  SeverityLow,
		Details:   Details{Command: "deploy-prod"},
		Timeout:   50 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Source != SourceTimeout {
		t.Errorf("resp = %+v, want escalation (timed out), not auto-approve", resp)
	}
}

func TestRequestConsent_TooManyPending(t *testing.T) {
	s := quickSettings()
	s.MaxPendingRequests = 1
	e := newTestEngine(t, Policy{DefaultTimeout: time.Second}, s)

	release := make(chan struct{})
	go func() {
		req := <-e.Outbound()
		<-release
		_ = e.Resolve(Response{RequestID: req.ID, Decision: DecisionDeny})
	}()

	first := make(chan error, 1)
	go func() {
		_, err := e.RequestConsent(context.Background(), Request{
			Operation: OpCommandExecute,
			Severity:  SeverityMedium,
			Details:   Details{Command: "make one"},
		})
		first <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for len(e.Pending()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first request never suspended")
		}
		time.Sleep(5 * time.Millisecond)
	}

	_, err := e.RequestConsent(context.Background(), Request{
		Operation: OpCommandExecute,
		Severity:  SeverityMedium,
		Details:   Details{Command: "make two"},
	})
	if !errors.Is(err, ErrTooManyPending) {
		t.Errorf("expected ErrTooManyPending, got %v", err)
	}

	close(release)
	if err := <-first; err != nil {
		t.Fatal(err)
	}
}

func TestResolve_Validation(t *testing.T) {
	e := newTestEngine(t, Policy{}, quickSettings())

	if err := e.Resolve(Response{RequestID: "x", Decision: DecisionTimeout}); err == nil {
		t.Error("timeout is not a valid external decision")
	}
	if err := e.Resolve(Response{RequestID: "unknown", Decision: DecisionAllow}); !errors.Is(err, ErrDuplicateResponse) {
		t.Errorf("expected ErrDuplicateResponse, got %v", err)
	}
}

func TestResolve_SecondResponseRejected(t *testing.T) {
	e := newTestEngine(t, Policy{DefaultTimeout: 5 * time.Second}, quickSettings())

	resolved := make(chan struct{})
	go func() {
		req := <-e.Outbound()
		if err := e.Resolve(Response{RequestID: req.ID, Decision: DecisionAllow}); err != nil {
			t.Error(err)
		}
		if err := e.Resolve(Response{RequestID: req.ID, Decision: DecisionDeny}); !errors.Is(err, ErrDuplicateResponse) {
			t.Errorf("expected ErrDuplicateResponse on second resolve, got %v", err)
		}
		close(resolved)
	}()

	resp, err := e.RequestConsent(context.Background(), Request{
		Operation: OpCommandExecute,
		Severity:  SeverityMedium,
		Details:   Details{Command: "make"},
	})
	if err != nil {
		t.Fatal(err)
	}
	<-resolved
	if resp.Decision != DecisionAllow {
		t.Errorf("first response must win, got %s", resp.Decision)
	}
}

func TestEmergencyStop_DeniesPendingAndFuture(t *testing.T) {
	e := newTestEngine(t, Policy{DefaultTimeout: 5 * time.Second}, quickSettings())

	pendingResp := make(chan Response, 1)
	go func() {
		resp, _ := e.RequestConsent(context.Background(), Request{
			Operation: OpCommandExecute,
			Severity:  SeverityMedium,
			Details:   Details{Command: "make"},
		})
		pendingResp <- resp
	}()

	deadline := time.Now().Add(2 * time.Second)
	for len(e.Pending()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("request never suspended")
		}
		time.Sleep(5 * time.Millisecond)
	}

	e.EmergencyStop()

	resp := <-pendingResp
	if resp.Decision != DecisionDeny || resp.Source != SourceEmergency {
		t.Errorf("pending resp = %+v, want emergency deny", resp)
	}

	// Everything auto-denies while stopped, even trivial requests.
	resp, err := e.RequestConsent(context.Background(), Request{
		Operation: OpFileWrite,
		Severity:  SeverityLow,
		Details:   Details{Path: "/workspace/f"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Decision != DecisionDeny || resp.Source != SourceEmergency {
		t.Errorf("resp = %+v, want emergency deny", resp)
	}

	e.ResetSession()
	resp, err = e.RequestConsent(context.Background(), Request{
		Operation: OpFileWrite,
		Severity:  SeverityLow,
		Details:   Details{Path: "/workspace/f"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Decision != DecisionAllow {
		t.Errorf("resp = %+v, want allow after reset", resp)
	}
}

func TestHistory_RecordsEveryResolution(t *testing.T) {
	e := newTestEngine(t, Policy{AlwaysDeny: []string{"exact:bad"}}, quickSettings())

	_, _ = e.RequestConsent(context.Background(), Request{
		Operation: OpCommandExecute, Severity: SeverityLow, Details: Details{Command: "bad"},
	})
	_, _ = e.RequestConsent(context.Background(), Request{
		Operation: OpFileWrite, Severity: SeverityLow, Details: Details{Path: "/w/f"},
	})

	hist := e.History()
	if len(hist) != 2 {
		t.Fatalf("history length = %d, want 2", len(hist))
	}

	denies, err := e.AuditLog(AuditFilter{Decision: DecisionDeny})
	if err != nil {
		t.Fatal(err)
	}
	if len(denies) != 1 {
		t.Errorf("filtered audit = %d entries, want 1", len(denies))
	}

	e.ClearHistory()
	if len(e.History()) != 0 {
		t.Error("history not cleared")
	}
}

func TestSessionStats_TrustShifts(t *testing.T) {
	e := newTestEngine(t, Policy{AlwaysDeny: []string{"exact:bad"}, AlwaysAllow: []string{"exact:good"}}, quickSettings())

	if e.SessionStats().TrustLevel != 50 {
		t.Fatalf("trust should start at 50, got %d", e.SessionStats().TrustLevel)
	}

	_, _ = e.RequestConsent(context.Background(), Request{
		Operation: OpCommandExecute, Details: Details{Command: "good"},
	})
	if got := e.SessionStats().TrustLevel; got != 52 {
		t.Errorf("trust after allow = %d, want 52", got)
	}

	_, _ = e.RequestConsent(context.Background(), Request{
		Operation: OpCommandExecute, Details: Details{Command: "bad"},
	})
	if got := e.SessionStats().TrustLevel; got != 49 {
		t.Errorf("trust after deny = %d, want 49", got)
	}
}

func TestUpdatePolicy_PartialMerge(t *testing.T) {
	e := newTestEngine(t, Policy{AlwaysDeny: []string{"exact:bad"}}, quickSettings())

	allow := []string{"exact:good"}
	if err := e.UpdatePolicy(PolicyUpdate{AlwaysAllow: &allow}); err != nil {
		t.Fatal(err)
	}

	p := e.Policy()
	if len(p.AlwaysDeny) != 1 || len(p.AlwaysAllow) != 1 {
		t.Errorf("policy = %+v, want deny kept and allow merged", p)
	}

	bad := []string{"re:["}
	if err := e.UpdatePolicy(PolicyUpdate{AlwaysDeny: &bad}); err == nil {
		t.Error("invalid pattern must be rejected")
	}
	if len(e.Policy().AlwaysDeny) != 1 {
		t.Error("failed update must not mutate the policy")
	}
}

func TestSettings_Validate(t *testing.T) {
	if err := DefaultSettings().Validate(); err != nil {
		t.Errorf("defaults must validate: %v", err)
	}
	s := DefaultSettings()
	s.AutoApproveThreshold = 90
	if err := s.Validate(); err == nil {
		t.Error("inverted thresholds must be rejected")
	}
}
