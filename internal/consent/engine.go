package consent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PathProber lets the risk heuristics ask whether a path is zone-safe without
// depending on the validator directly. Satisfied by *safezone.Validator.
type PathProber interface {
	IsPathInSafeZone(path string) bool
}

// Settings tune the engine's automation aggressiveness.
type Settings struct {
	AutoApproveThreshold int           `json:"autoApproveThreshold"`
	AutoRejectThreshold  int           `json:"autoRejectThreshold"`
	SessionTimeout       time.Duration `json:"sessionTimeout"`
	MaxPendingRequests   int           `json:"maxPendingRequests"`
}

// DefaultSettings returns a middle-of-the-road configuration.
func DefaultSettings() Settings {
	return Settings{
		AutoApproveThreshold: 30,
		AutoRejectThreshold:  80,
		SessionTimeout:       30 * time.Minute,
		MaxPendingRequests:   10,
	}
}

// Validate rejects inverted thresholds.
func (s Settings) Validate() error {
	if s.AutoApproveThreshold < 0 || s.AutoRejectThreshold > 100 {
		return fmt.Errorf("consent: thresholds must lie in [0,100]")
	}
	if s.AutoApproveThreshold >= s.AutoRejectThreshold {
		return fmt.Errorf("consent: autoApproveThreshold %d must be below autoRejectThreshold %d",
			s.AutoApproveThreshold, s.AutoRejectThreshold)
	}
	if s.MaxPendingRequests <= 0 {
		return fmt.Errorf("consent: maxPendingRequests must be positive")
	}
	return nil
}

// pendingReq is the handle for a request suspended on interactive approval.
type pendingReq struct {
	req Request
	ch  chan Response // buffered 1; resolver sends exactly once
}

// Engine turns risky operations into allow/deny decisions via policy rules, a
// risk score, registered plugins, and an interactive approval channel, with
// every resolution appended to the audit sink in resolution order.
type Engine struct {
	mu       sync.Mutex
	policy   compiledPolicy
	settings Settings
	plugins  map[string]Evaluator
	sess     *session
	pending  map[string]*pendingReq
	history  []AuditEntry
	stopped  bool

	outbound chan Request
	sink     AuditSink
	prober   PathProber
	logger   *slog.Logger
}

// New creates an Engine. sink may be nil (audit kept only in History);
// prober may be nil (path-sensitivity factor disabled).
func New(policy Policy, settings Settings, sink AuditSink, prober PathProber, logger *slog.Logger) (*Engine, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	compiled, err := compilePolicy(policy)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		policy:   compiled,
		settings: settings,
		plugins:  make(map[string]Evaluator),
		sess:     newSession(),
		pending:  make(map[string]*pendingReq),
		outbound: make(chan Request, settings.MaxPendingRequests),
		sink:     sink,
		prober:   prober,
		logger:   logger.With("component", "consent"),
	}, nil
}

// CheckPolicy evaluates the deterministic policy layer only: alwaysDeny, then
// alwaysAllow, then requireConsent, falling through to ask.
func (e *Engine) CheckPolicy(op Operation, target string) Verdict {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, _ := e.policy.check(op, target)
	return v
}

// RequestConsent resolves a request through exactly one of: policy
// short-circuit, automatic risk threshold, or interactive approval/timeout.
// It always returns a terminal decision; a timeout decision is a denial.
func (e *Engine) RequestConsent(ctx context.Context, req Request) (Response, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}

	e.mu.Lock()
	e.expireSessionLocked()
	e.sess.requestCount++
	e.sess.lastActivity = time.Now()

	if e.stopped {
		resp := e.finishLocked(req, Response{
			RequestID: req.ID,
			Decision:  DecisionDeny,
			Source:    SourceEmergency,
			Reason:    "emergency stop active",
		}, RiskAssessment{Score: 100, Recommendation: RecommendDeny})
		e.mu.Unlock()
		return resp, nil
	}

	verdict, rule := e.policy.check(req.Operation, req.Target())
	switch verdict {
	case VerdictDeny:
		resp := e.finishLocked(req, Response{
			RequestID: req.ID,
			Decision:  DecisionDeny,
			Source:    SourcePolicy,
			Reason:    "matched " + rule,
		}, RiskAssessment{Score: 100, Recommendation: RecommendDeny})
		e.mu.Unlock()
		return resp, nil
	case VerdictAllow:
		resp := e.finishLocked(req, Response{
			RequestID: req.ID,
			Decision:  DecisionAllow,
			Source:    SourcePolicy,
			Reason:    "matched " + rule,
		}, RiskAssessment{Recommendation: RecommendAllow})
		e.mu.Unlock()
		return resp, nil
	}

	risk := e.assessRisk(req, e.sess.context(false))

	// An explicit requireConsent match always goes to a human; auto-reject
	// still applies because a deny needs no approval.
	forcedAsk := rule != ""

	if risk.Score >= e.settings.AutoRejectThreshold {
		resp := e.finishLocked(req, Response{
			RequestID: req.ID,
			Decision:  DecisionDeny,
			Source:    SourceRisk,
			Reason:    fmt.Sprintf("risk score %d >= %d", risk.Score, e.settings.AutoRejectThreshold),
		}, risk)
		e.mu.Unlock()
		return resp, nil
	}
	if !forcedAsk && risk.Score <= e.settings.AutoApproveThreshold {
		resp := e.finishLocked(req, Response{
			RequestID: req.ID,
			Decision:  DecisionAllow,
			Source:    SourceRisk,
			Reason:    fmt.Sprintf("risk score %d <= %d", risk.Score, e.settings.AutoApproveThreshold),
		}, risk)
		e.mu.Unlock()
		return resp, nil
	}

	if len(e.pending) >= e.settings.MaxPendingRequests {
		e.mu.Unlock()
		return Response{}, fmt.Errorf("%w: %d pending", ErrTooManyPending, e.settings.MaxPendingRequests)
	}

	p := &pendingReq{req: req, ch: make(chan Response, 1)}
	e.pending[req.ID] = p
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.policy.raw.DefaultTimeout
	}
	e.mu.Unlock()

	e.logger.Info("consent escalated to approval channel",
		"id", req.ID, "operation", req.Operation, "score", risk.Score)

	select {
	case e.outbound <- req:
	default:
		// Channel consumers can still discover it via Pending().
		e.logger.Warn("outbound consent stream full", "id", req.ID)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var resp Response
	select {
	case resp = <-p.ch:
	case <-timer.C:
		resp = e.takeTimeoutResponse(p, Response{
			RequestID: req.ID,
			Decision:  DecisionTimeout,
			Source:    SourceTimeout,
			Reason:    fmt.Sprintf("no response within %s", timeout),
		})
	case <-ctx.Done():
		resp = e.takeTimeoutResponse(p, Response{
			RequestID: req.ID,
			Decision:  DecisionTimeout,
			Source:    SourceTimeout,
			Reason:    "caller cancelled while awaiting approval",
		})
	}

	e.mu.Lock()
	delete(e.pending, req.ID)
	out := e.finishLocked(req, resp, risk)
	e.mu.Unlock()
	return out, nil
}

// takeTimeoutResponse settles the race between an arriving response and the
// request's timer: if a resolver already detached the handle, its response
// wins; otherwise the handle is detached and the timeout response stands.
func (e *Engine) takeTimeoutResponse(p *pendingReq, timeoutResp Response) Response {
	e.mu.Lock()
	_, still := e.pending[p.req.ID]
	if still {
		delete(e.pending, p.req.ID)
	}
	e.mu.Unlock()

	if !still {
		// Resolver won the race; its response is already in flight.
		return <-p.ch
	}
	return timeoutResp
}

// Resolve delivers an external approval decision to a suspended request.
// Returns ErrDuplicateResponse for unknown or already resolved requests.
func (e *Engine) Resolve(resp Response) error {
	if resp.Decision != DecisionAllow && resp.Decision != DecisionDeny {
		return fmt.Errorf("consent: response decision must be allow or deny, got %q", resp.Decision)
	}

	e.mu.Lock()
	p, ok := e.pending[resp.RequestID]
	if ok {
		delete(e.pending, resp.RequestID)
	}
	e.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrDuplicateResponse, resp.RequestID)
	}
	if resp.Source == "" {
		resp.Source = SourceInteractive
	}
	if resp.Timestamp.IsZero() {
		resp.Timestamp = time.Now()
	}
	p.ch <- resp
	return nil
}

// finishLocked appends the audit entry, updates trust and history, and
// normalizes the response. Caller holds e.mu; entries append in resolution
// order because this is the only writer.
func (e *Engine) finishLocked(req Request, resp Response, risk RiskAssessment) Response {
	if resp.Timestamp.IsZero() {
		resp.Timestamp = time.Now()
	}
	e.sess.noteOutcome(resp.Decision)

	entry := AuditEntry{
		Timestamp: resp.Timestamp,
		Request:   req,
		Response:  resp,
		Risk:      risk,
		Context:   e.sess.context(e.stopped),
	}
	if e.sink != nil {
		if err := e.sink.Append(&entry); err != nil {
			e.logger.Error("audit append failed", "id", req.ID, "error", err)
		}
	}
	e.history = append(e.history, entry)

	e.logger.Info("consent resolved",
		"id", req.ID,
		"operation", req.Operation,
		"decision", resp.Decision,
		"source", resp.Source,
		"score", risk.Score,
	)
	return resp
}

// expireSessionLocked rolls a fresh session after prolonged inactivity.
func (e *Engine) expireSessionLocked() {
	if e.settings.SessionTimeout <= 0 {
		return
	}
	if time.Since(e.sess.lastActivity) > e.settings.SessionTimeout {
		e.logger.Info("session expired, starting fresh", "previous", e.sess.id)
		e.sess = newSession()
	}
}

// Outbound is the event stream of requests awaiting interactive approval.
func (e *Engine) Outbound() <-chan Request {
	return e.outbound
}

// Pending snapshots the requests currently awaiting approval.
func (e *Engine) Pending() []Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Request, 0, len(e.pending))
	for _, p := range e.pending {
		out = append(out, p.req)
	}
	return out
}

// UpdatePolicy merges a partial policy mutation at runtime.
func (e *Engine) UpdatePolicy(u PolicyUpdate) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	compiled, err := compilePolicy(e.policy.raw.apply(u))
	if err != nil {
		return err
	}
	e.policy = compiled
	e.logger.Info("consent policy updated")
	return nil
}

// SetPolicy replaces the policy wholesale (config reload path).
func (e *Engine) SetPolicy(p Policy) error {
	compiled, err := compilePolicy(p)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.policy = compiled
	e.mu.Unlock()
	return nil
}

// Policy returns the current raw policy.
func (e *Engine) Policy() Policy {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.policy.raw
}

// History returns the session's resolved entries, oldest first.
func (e *Engine) History() []AuditEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]AuditEntry, len(e.history))
	copy(out, e.history)
	return out
}

// ClearHistory drops the in-engine history. The audit sink is untouched.
func (e *Engine) ClearHistory() {
	e.mu.Lock()
	e.history = nil
	e.mu.Unlock()
}

// AuditLog reads the audit trail through the sink, falling back to the
// in-engine history when no sink is configured.
func (e *Engine) AuditLog(f AuditFilter) ([]AuditEntry, error) {
	e.mu.Lock()
	sink := e.sink
	e.mu.Unlock()
	if sink != nil {
		return sink.Query(f)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	var out []AuditEntry
	for _, entry := range e.history {
		if f.Matches(entry) {
			out = append(out, entry)
		}
	}
	return out, nil
}

// SessionStats exposes trust level and activity counters.
func (e *Engine) SessionStats() SessionStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return SessionStats{
		SessionID:    e.sess.id,
		TrustLevel:   e.sess.trustLevel,
		RequestCount: e.sess.requestCount,
		Pending:      len(e.pending),
		LastActivity: e.sess.lastActivity,
		Stopped:      e.stopped,
	}
}

// EmergencyStop denies every pending request immediately and forces all
// subsequent requests to auto-deny until ResetSession.
func (e *Engine) EmergencyStop() {
	e.mu.Lock()
	e.stopped = true
	pending := e.pending
	e.pending = make(map[string]*pendingReq)
	e.mu.Unlock()

	for id, p := range pending {
		p.ch <- Response{
			RequestID: id,
			Decision:  DecisionDeny,
			Timestamp: time.Now(),
			Source:    SourceEmergency,
			Reason:    "emergency stop",
		}
	}
	e.logger.Warn("emergency stop engaged", "denied", len(pending))
}

// ResetSession clears the emergency stop and starts a fresh session.
func (e *Engine) ResetSession() {
	e.mu.Lock()
	e.stopped = false
	e.sess = newSession()
	e.mu.Unlock()
	e.logger.Info("session reset")
}
