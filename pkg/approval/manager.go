// Package approval implements the human approval handshake for plans and
// privileged steps. Decisions are accept-once: the first valid Submit wins
// and later ones are rejected.
package approval

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/CherryPod/sentinel-sub001/pkg/models"
)

// Approval statuses.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusDenied   = "denied"
	StatusExpired  = "expired"
)

// Pending is one approval awaiting a human decision.
type Pending struct {
	ApprovalID  string
	SourceKey   string
	UserRequest string
	Plan        *models.Plan
	Status      string
	Reason      string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	ResolvedAt  time.Time
}

// Manager stores pending approvals. Expiry is checked lazily on Submit and
// reads; there is no background sweeper.
type Manager struct {
	mu      sync.Mutex
	items   map[string]*Pending
	timeout time.Duration

	db     *sql.DB
	logger *slog.Logger
}

// NewManager creates an approval manager. db may be nil for in-memory use.
func NewManager(db *sql.DB, timeout time.Duration, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		items:   make(map[string]*Pending),
		timeout: timeout,
		db:      db,
		logger:  logger.With("component", "approval"),
	}
}

// Request parks a plan and returns its approval id.
func (m *Manager) Request(plan *models.Plan, sourceKey, userRequest string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	p := &Pending{
		ApprovalID:  uuid.New().String(),
		SourceKey:   sourceKey,
		UserRequest: userRequest,
		Plan:        plan,
		Status:      StatusPending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(m.timeout),
	}
	m.items[p.ApprovalID] = p

	if m.db != nil {
		planJSON, _ := json.Marshal(plan)
		_, err := m.db.Exec(
			`INSERT INTO approvals (approval_id, session_id, plan_json, status, expires_at) VALUES (?, ?, ?, ?, ?)`,
			p.ApprovalID, sourceKey, string(planJSON), p.Status, p.ExpiresAt.Format(time.RFC3339),
		)
		if err != nil {
			m.logger.Error("approval write-through failed", "approval_id", p.ApprovalID, "error", err)
		}
	}

	m.logger.Info("approval requested",
		"approval_id", p.ApprovalID,
		"source_key", sourceKey,
		"expires_at", p.ExpiresAt)
	return p.ApprovalID
}

// Submit records a decision. It returns false when the approval is
// unknown, already decided, or expired.
func (m *Manager) Submit(approvalID string, granted bool, reason string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.items[approvalID]
	if !ok {
		return false
	}
	if p.Status != StatusPending {
		return false
	}
	if time.Now().UTC().After(p.ExpiresAt) {
		p.Status = StatusExpired
		m.persistStatus(p)
		m.logger.Info("approval expired on submit", "approval_id", approvalID)
		return false
	}

	if granted {
		p.Status = StatusApproved
	} else {
		p.Status = StatusDenied
	}
	p.Reason = reason
	p.ResolvedAt = time.Now().UTC()
	m.persistStatus(p)

	m.logger.Info("approval decided",
		"approval_id", approvalID,
		"status", p.Status,
		"reason", reason)
	return true
}

// IsApproved reports whether the approval was granted and is still within
// its window.
func (m *Manager) IsApproved(approvalID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.items[approvalID]
	return ok && p.Status == StatusApproved
}

// GetPending returns a copy of the approval, expiring it lazily. Returns
// nil for unknown ids.
func (m *Manager) GetPending(approvalID string) *Pending {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.items[approvalID]
	if !ok {
		return nil
	}
	if p.Status == StatusPending && time.Now().UTC().After(p.ExpiresAt) {
		p.Status = StatusExpired
		m.persistStatus(p)
	}
	cp := *p
	return &cp
}

func (m *Manager) persistStatus(p *Pending) {
	if m.db == nil {
		return
	}
	resolved := sql.NullString{}
	if !p.ResolvedAt.IsZero() {
		resolved = sql.NullString{String: p.ResolvedAt.Format(time.RFC3339), Valid: true}
	}
	_, err := m.db.Exec(
		`UPDATE approvals SET status = ?, reason = ?, resolved_at = ? WHERE approval_id = ?`,
		p.Status, p.Reason, resolved, p.ApprovalID,
	)
	if err != nil {
		m.logger.Error("approval status persist failed", "approval_id", p.ApprovalID, "error", err)
	}
}
