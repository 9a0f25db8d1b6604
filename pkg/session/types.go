package session

import "time"

// ConversationTurn is one completed request/response cycle. Turns are
// append-only and never mutated after being recorded.
type ConversationTurn struct {
	RequestText  string    `json:"request_text"`
	ResultStatus string    `json:"result_status"`
	BlockedBy    []string  `json:"blocked_by,omitempty"`
	RiskScore    float64   `json:"risk_score"`
	PlanSummary  string    `json:"plan_summary,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Session tracks one conversation peer, keyed by a server-derived source
// key (channel tag + peer identity). Client-supplied ids are never used.
type Session struct {
	SessionID      string             `json:"session_id"`
	Source         string             `json:"source"`
	Turns          []ConversationTurn `json:"turns"`
	CumulativeRisk float64            `json:"cumulative_risk"`
	ViolationCount int                `json:"violation_count"`
	IsLocked       bool               `json:"is_locked"`
	CreatedAt      time.Time          `json:"created_at"`
	LastActive     time.Time          `json:"last_active"`
}

// Clone returns a deep copy safe to hand out without holding store locks.
func (s *Session) Clone() Session {
	clone := *s
	clone.Turns = make([]ConversationTurn, len(s.Turns))
	copy(clone.Turns, s.Turns)
	return clone
}
