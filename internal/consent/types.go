package consent

import (
	"errors"
	"time"
)

// Operation is the kind of risky operation a consent request covers.
type Operation string

const (
	OpFileWrite           Operation = "file_write"
	OpFileDelete          Operation = "file_delete"
	OpCommandExecute      Operation = "command_execute"
	OpRecursiveDelete     Operation = "recursive_delete"
	OpSensitivePathAccess Operation = "sensitive_path_access"
	OpDatabaseWrite       Operation = "database_write"
)

// Severity is the caller's own estimate of how dangerous the operation is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Decision is the terminal outcome of a request. Timeout is treated as a
// denial by every caller.
type Decision string

const (
	DecisionAllow   Decision = "allow"
	DecisionDeny    Decision = "deny"
	DecisionTimeout Decision = "timeout"
)

// Details carries the free-form specifics of the requested operation.
type Details struct {
	Path          string   `json:"path,omitempty"`
	Command       string   `json:"command,omitempty"`
	Args          []string `json:"args,omitempty"`
	AffectedFiles int      `json:"affectedFiles,omitempty"`
	Description   string   `json:"description,omitempty"`
	RiskNotes     []string `json:"riskNotes,omitempty"`
}

// Request is a pending risky-operation approval. Immutable once created; the
// engine assigns ID and CreatedAt.
type Request struct {
	ID        string        `json:"id"`
	Operation Operation     `json:"operation"`
	Severity  Severity      `json:"severity"`
	Details   Details       `json:"details"`
	CreatedAt time.Time     `json:"createdAt"`
	Timeout   time.Duration `json:"timeout,omitempty"` // 0 means policy default
}

// Target is the string policy patterns and risk heuristics match against.
func (r Request) Target() string {
	if r.Details.Command != "" {
		return r.Details.Command
	}
	return r.Details.Path
}

// Source identifies which layer resolved a request.
type Source string

const (
	SourcePolicy      Source = "policy"
	SourceRisk        Source = "risk"
	SourceInteractive Source = "interactive"
	SourceTimeout     Source = "timeout"
	SourceEmergency   Source = "emergency_stop"
)

// RememberScope controls how long a remembered decision applies.
type RememberScope string

const (
	RememberSession   RememberScope = "session"
	RememberPermanent RememberScope = "permanent"
)

// Response resolves exactly one Request.
type Response struct {
	RequestID string        `json:"requestId"`
	Decision  Decision      `json:"decision"`
	Timestamp time.Time     `json:"timestamp"`
	Source    Source        `json:"source"`
	Reason    string        `json:"reason"` // matched pattern, risk score, or timeout
	Remember  bool          `json:"remember,omitempty"`
	Scope     RememberScope `json:"rememberScope,omitempty"`
}

// Denied reports whether the decision blocks the operation.
func (r Response) Denied() bool {
	return r.Decision != DecisionAllow
}

// RiskFactor is one contribution to a risk score.
type RiskFactor struct {
	Name   string `json:"name"`
	Score  int    `json:"score"`
	Reason string `json:"reason"`
}

// Recommendation is what the risk layer suggests before thresholds apply.
type Recommendation string

const (
	RecommendAllow    Recommendation = "allow"
	RecommendDeny     Recommendation = "deny"
	RecommendEscalate Recommendation = "escalate"
)

// RiskAssessment is the 0-100 heuristic estimate for one request. Never
// persisted outside its audit entry.
type RiskAssessment struct {
	Score          int            `json:"score"`
	Factors        []RiskFactor   `json:"factors"`
	Recommendation Recommendation `json:"recommendation"`
}

// SecurityContext snapshots session state at resolution time, for the audit
// trail.
type SecurityContext struct {
	SessionID     string `json:"sessionId"`
	TrustLevel    int    `json:"trustLevel"`
	RequestCount  int    `json:"requestCount"`
	RecentDenials int    `json:"recentDenials"`
	Stopped       bool   `json:"emergencyStopped,omitempty"`
}

// AuditEntry is the immutable record pairing a request with its decision and
// risk assessment. Sinks fill Index, PrevHash and Hash on append.
type AuditEntry struct {
	Index     uint64          `json:"index"`
	Timestamp time.Time       `json:"timestamp"`
	Request   Request         `json:"request"`
	Response  Response        `json:"response"`
	Risk      RiskAssessment  `json:"risk"`
	Context   SecurityContext `json:"context"`
	PrevHash  string          `json:"prevHash"`
	Hash      string          `json:"hash"`
}

// AuditFilter selects audit entries on read. Zero values match everything.
type AuditFilter struct {
	From      time.Time `json:"from,omitzero"`
	To        time.Time `json:"to,omitzero"`
	Operation Operation `json:"operation,omitempty"`
	Decision  Decision  `json:"decision,omitempty"`
	MinScore  int       `json:"minScore,omitempty"`
	MaxScore  int       `json:"maxScore,omitempty"` // 0 means no upper bound
}

// Matches applies the filter to an entry.
func (f AuditFilter) Matches(e AuditEntry) bool {
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.Timestamp.After(f.To) {
		return false
	}
	if f.Operation != "" && e.Request.Operation != f.Operation {
		return false
	}
	if f.Decision != "" && e.Response.Decision != f.Decision {
		return false
	}
	if e.Risk.Score < f.MinScore {
		return false
	}
	if f.MaxScore > 0 && e.Risk.Score > f.MaxScore {
		return false
	}
	return true
}

// AuditSink receives every resolved request, in resolution order.
type AuditSink interface {
	Append(*AuditEntry) error
	Query(AuditFilter) ([]AuditEntry, error)
}

var (
	// ErrPolicyDenied is returned by helpers that surface a deny decision as an
	// error to the tool layer.
	ErrPolicyDenied = errors.New("consent: denied by policy")
	// ErrConsentTimeout is the error form of a timeout decision.
	ErrConsentTimeout = errors.New("consent: request timed out")
	// ErrTooManyPending is returned when the pending-request cap is reached.
	ErrTooManyPending = errors.New("consent: too many pending requests")
	// ErrDuplicateResponse is returned when a response targets an unknown or
	// already resolved request.
	ErrDuplicateResponse = errors.New("consent: no pending request for response")
)
