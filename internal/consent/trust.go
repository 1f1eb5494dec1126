package consent

import (
	"time"

	"github.com/google/uuid"
)

// Trust nudges per outcome. Clamped to [0,100]; sessions start neutral.
const (
	trustStart        = 50
	trustAllowNudge   = 2
	trustDenyNudge    = -3
	trustTimeoutNudge = -1

	// recentWindow bounds the outcome history used for the denial-rate factor.
	recentWindow = 10
)

// session is the per-process trust and activity state. Guarded by the engine
// mutex; not persisted across restarts.
type session struct {
	id           string
	startedAt    time.Time
	lastActivity time.Time
	requestCount int
	trustLevel   int
	recent       []Decision
}

func newSession() *session {
	now := time.Now()
	return &session{
		id:           uuid.NewString(),
		startedAt:    now,
		lastActivity: now,
		trustLevel:   trustStart,
	}
}

// noteOutcome records a resolution and shifts trust.
func (s *session) noteOutcome(d Decision) {
	switch d {
	case DecisionAllow:
		s.trustLevel += trustAllowNudge
	case DecisionDeny:
		s.trustLevel += trustDenyNudge
	case DecisionTimeout:
		s.trustLevel += trustTimeoutNudge
	}
	if s.trustLevel < 0 {
		s.trustLevel = 0
	}
	if s.trustLevel > 100 {
		s.trustLevel = 100
	}

	s.recent = append(s.recent, d)
	if len(s.recent) > recentWindow {
		s.recent = s.recent[len(s.recent)-recentWindow:]
	}
	s.lastActivity = time.Now()
}

// recentDenials counts denials and timeouts in the recent window.
func (s *session) recentDenials() int {
	n := 0
	for _, d := range s.recent {
		if d != DecisionAllow {
			n++
		}
	}
	return n
}

// context snapshots the session for an audit entry.
func (s *session) context(stopped bool) SecurityContext {
	return SecurityContext{
		SessionID:     s.id,
		TrustLevel:    s.trustLevel,
		RequestCount:  s.requestCount,
		RecentDenials: s.recentDenials(),
		Stopped:       stopped,
	}
}

// SessionStats is the engine's introspection view of the session.
type SessionStats struct {
	SessionID    string    `json:"sessionId"`
	TrustLevel   int       `json:"trustLevel"`
	RequestCount int       `json:"requestCount"`
	Pending      int       `json:"pending"`
	LastActivity time.Time `json:"lastActivity"`
	Stopped      bool      `json:"emergencyStopped"`
}
