// Package session stores per-peer conversation state with TTL and capacity
// bounded eviction.
package session

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Store keeps sessions keyed by source key. The in-memory map serves all
// reads; sessions and turns are written through to SQLite when a database
// is configured, so lock state and violation counts survive a restart.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Session
	ttl      time.Duration
	maxCount int

	db     *sql.DB
	logger *slog.Logger
}

// NewStore creates a session store. db may be nil for in-memory use.
func NewStore(db *sql.DB, ttl time.Duration, maxCount int, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		sessions: make(map[string]*Session),
		ttl:      ttl,
		maxCount: maxCount,
		db:       db,
		logger:   logger.With("component", "session"),
	}
}

// GetOrCreate returns the session for a source key, creating it on first
// contact. Expired sessions are swept first; if the store is at capacity
// the least-recently-active session is evicted.
func (s *Store) GetOrCreate(sourceKey, source string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.evictExpiredLocked()

	if sess, ok := s.sessions[sourceKey]; ok {
		sess.LastActive = time.Now().UTC()
		s.touchSQL(sess)
		return sess
	}

	if sess := s.loadSQL(sourceKey); sess != nil {
		sess.LastActive = time.Now().UTC()
		s.sessions[sourceKey] = sess
		s.touchSQL(sess)
		return sess
	}

	if len(s.sessions) >= s.maxCount {
		s.evictOldestLocked()
	}

	now := time.Now().UTC()
	sess := &Session{
		SessionID:  sourceKey,
		Source:     source,
		CreatedAt:  now,
		LastActive: now,
	}
	s.sessions[sourceKey] = sess

	if s.db != nil {
		_, err := s.db.Exec(
			`INSERT OR IGNORE INTO sessions (session_id, source, created_at, last_active) VALUES (?, ?, ?, ?)`,
			sess.SessionID, source, isoTime(now), isoTime(now),
		)
		if err != nil {
			s.logger.Error("session insert failed", "session_id", sourceKey, "error", err)
		}
	}

	s.logger.Info("session created", "session_id", sourceKey, "source", source)
	return sess
}

// Get returns the session for a source key, or nil if absent or expired.
func (s *Store) Get(sourceKey string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sourceKey]
	if !ok {
		if sess = s.loadSQL(sourceKey); sess == nil {
			return nil
		}
		s.sessions[sourceKey] = sess
	}
	if time.Since(sess.LastActive) > s.ttl {
		s.deleteLocked(sourceKey)
		return nil
	}
	return sess
}

// AddTurn appends a completed turn, bumps last_active and, for blocked
// turns, the violation count.
func (s *Store) AddTurn(sess *Session, turn ConversationTurn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now().UTC()
	}
	sess.Turns = append(sess.Turns, turn)
	sess.LastActive = time.Now().UTC()
	if turn.ResultStatus == "blocked" {
		sess.ViolationCount++
	}

	if s.db != nil {
		blockedBy, _ := json.Marshal(turn.BlockedBy)
		_, err := s.db.Exec(
			`INSERT INTO conversation_turns (session_id, request_text, result_status, blocked_by, risk_score, plan_summary) VALUES (?, ?, ?, ?, ?, ?)`,
			sess.SessionID, turn.RequestText, turn.ResultStatus, string(blockedBy), turn.RiskScore, turn.PlanSummary,
		)
		if err != nil {
			s.logger.Error("turn insert failed", "session_id", sess.SessionID, "error", err)
		}
		_, err = s.db.Exec(
			`UPDATE sessions SET last_active = ?, violation_count = ?, cumulative_risk = ? WHERE session_id = ?`,
			isoTime(sess.LastActive), sess.ViolationCount, sess.CumulativeRisk, sess.SessionID,
		)
		if err != nil {
			s.logger.Error("session update failed", "session_id", sess.SessionID, "error", err)
		}
	}
}

// RaiseRisk lifts the session's cumulative risk to score if higher.
// Risk never decreases within a session.
func (s *Store) RaiseRisk(sess *Session, score float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if score > sess.CumulativeRisk {
		sess.CumulativeRisk = score
	}
}

// Lock permanently locks a session. Every later request from its source
// key is rejected.
func (s *Store) Lock(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess.IsLocked = true
	s.logger.Warn("session locked",
		"session_id", sess.SessionID,
		"violation_count", sess.ViolationCount,
		"cumulative_risk", sess.CumulativeRisk)

	if s.db != nil {
		if _, err := s.db.Exec(`UPDATE sessions SET is_locked = 1 WHERE session_id = ?`, sess.SessionID); err != nil {
			s.logger.Error("session lock persist failed", "session_id", sess.SessionID, "error", err)
		}
	}
}

// Count returns the number of live in-memory sessions.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Store) evictExpiredLocked() {
	now := time.Now().UTC()
	evicted := 0
	for key, sess := range s.sessions {
		if now.Sub(sess.LastActive) > s.ttl {
			s.deleteLocked(key)
			evicted++
		}
	}
	if evicted > 0 {
		s.logger.Info("sessions evicted", "reason", "ttl", "count", evicted)
	}
}

func (s *Store) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	for key, sess := range s.sessions {
		if oldestKey == "" || sess.LastActive.Before(oldest) {
			oldestKey = key
			oldest = sess.LastActive
		}
	}
	if oldestKey != "" {
		s.deleteLocked(oldestKey)
		s.logger.Info("session evicted", "reason", "capacity", "session_id", oldestKey)
	}
}

func (s *Store) deleteLocked(key string) {
	delete(s.sessions, key)
	if s.db != nil {
		if _, err := s.db.Exec(`DELETE FROM sessions WHERE session_id = ?`, key); err != nil {
			s.logger.Error("session delete failed", "session_id", key, "error", err)
		}
	}
}

func (s *Store) touchSQL(sess *Session) {
	if s.db == nil {
		return
	}
	_, err := s.db.Exec(`UPDATE sessions SET last_active = ? WHERE session_id = ?`, isoTime(sess.LastActive), sess.SessionID)
	if err != nil {
		s.logger.Error("session touch failed", "session_id", sess.SessionID, "error", err)
	}
}

// loadSQL restores a persisted session (with its turns) after a restart.
func (s *Store) loadSQL(sourceKey string) *Session {
	if s.db == nil {
		return nil
	}

	row := s.db.QueryRow(
		`SELECT session_id, source, cumulative_risk, violation_count, is_locked, created_at, last_active FROM sessions WHERE session_id = ?`,
		sourceKey,
	)
	var sess Session
	var locked int
	var createdAt, lastActive string
	if err := row.Scan(&sess.SessionID, &sess.Source, &sess.CumulativeRisk, &sess.ViolationCount, &locked, &createdAt, &lastActive); err != nil {
		return nil
	}
	sess.IsLocked = locked != 0
	sess.CreatedAt = parseISOTime(createdAt)
	sess.LastActive = parseISOTime(lastActive)

	if time.Since(sess.LastActive) > s.ttl {
		if _, err := s.db.Exec(`DELETE FROM sessions WHERE session_id = ?`, sourceKey); err != nil {
			s.logger.Error("expired session delete failed", "session_id", sourceKey, "error", err)
		}
		return nil
	}

	rows, err := s.db.Query(
		`SELECT request_text, result_status, blocked_by, risk_score, plan_summary, created_at FROM conversation_turns WHERE session_id = ? ORDER BY id`,
		sourceKey,
	)
	if err != nil {
		s.logger.Error("turn load failed", "session_id", sourceKey, "error", err)
		return &sess
	}
	defer rows.Close()

	for rows.Next() {
		var turn ConversationTurn
		var blockedBy, ts string
		if err := rows.Scan(&turn.RequestText, &turn.ResultStatus, &blockedBy, &turn.RiskScore, &turn.PlanSummary, &ts); err != nil {
			continue
		}
		if blockedBy != "" {
			_ = json.Unmarshal([]byte(blockedBy), &turn.BlockedBy)
		}
		turn.Timestamp = parseISOTime(ts)
		sess.Turns = append(sess.Turns, turn)
	}

	return &sess
}

func isoTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

func parseISOTime(s string) time.Time {
	for _, layout := range []string{"2006-01-02T15:04:05.000Z", time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Now().UTC()
}
