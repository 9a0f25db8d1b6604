// Package routines implements scheduled and event-triggered background
// tasks: a SQLite-backed store plus an engine that polls due routines,
// dispatches matching bus events, and hands prompts to the orchestrator.
package routines

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// Trigger types.
const (
	TriggerCron     = "cron"
	TriggerInterval = "interval"
	TriggerEvent    = "event"
)

// Execution statuses.
const (
	ExecRunning   = "running"
	ExecSuccess   = "success"
	ExecBlocked   = "blocked"
	ExecError     = "error"
	ExecTimeout   = "timeout"
	ExecCancelled = "cancelled"
)

const isoLayout = "2006-01-02T15:04:05.000Z"

// cronParser accepts standard 5-field expressions.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Routine is a persisted prompt template fired by time or by a bus event.
type Routine struct {
	RoutineID    string     `json:"routine_id"`
	UserID       string     `json:"user_id"`
	Name         string     `json:"name"`
	Prompt       string     `json:"prompt"`
	TriggerType  string     `json:"trigger_type"`
	Schedule     string     `json:"schedule,omitempty"`      // cron expr or interval seconds
	EventPattern string     `json:"event_pattern,omitempty"` // glob for event triggers
	ApprovalMode string     `json:"approval_mode,omitempty"`
	CooldownS    int        `json:"cooldown_s"`
	Enabled      bool       `json:"enabled"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	LastRunAt    *time.Time `json:"last_run_at,omitempty"`
	NextRunAt    *time.Time `json:"next_run_at,omitempty"`
	RunCount     int        `json:"run_count"`
	FailureCount int        `json:"failure_count"`
}

// Execution is one run of a routine.
type Execution struct {
	ExecutionID string     `json:"execution_id"`
	RoutineID   string     `json:"routine_id"`
	TriggeredBy string     `json:"triggered_by"`
	TaskID      string     `json:"task_id,omitempty"`
	Status      string     `json:"status"`
	Summary     string     `json:"summary,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// Store persists routines and their executions.
type Store struct {
	db         *sql.DB
	maxPerUser int
	logger     *slog.Logger
}

// NewStore creates the routine store. maxPerUser caps routines per user id.
func NewStore(db *sql.DB, maxPerUser int, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, maxPerUser: maxPerUser, logger: logger.With("component", "routines")}
}

// validateTrigger checks trigger type and its schedule value. It returns the
// initial next-run time (nil for event triggers).
func validateTrigger(r *Routine, now time.Time) (*time.Time, error) {
	switch r.TriggerType {
	case TriggerCron:
		sched, err := cronParser.Parse(r.Schedule)
		if err != nil {
			return nil, fmt.Errorf("invalid cron expression %q: %w", r.Schedule, err)
		}
		next := sched.Next(now)
		return &next, nil
	case TriggerInterval:
		var seconds int
		if _, err := fmt.Sscanf(r.Schedule, "%d", &seconds); err != nil || seconds <= 0 {
			return nil, fmt.Errorf("interval schedule must be a positive number of seconds, got %q", r.Schedule)
		}
		next := now.Add(time.Duration(seconds) * time.Second)
		return &next, nil
	case TriggerEvent:
		if r.EventPattern == "" {
			return nil, fmt.Errorf("event routines need an event pattern")
		}
		if !doublestar.ValidatePattern(r.EventPattern) {
			return nil, fmt.Errorf("invalid event pattern %q", r.EventPattern)
		}
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown trigger type %q", r.TriggerType)
	}
}

// Create validates and inserts a routine, enforcing the per-user cap.
func (s *Store) Create(r *Routine) error {
	if r.Name == "" || r.Prompt == "" {
		return fmt.Errorf("name and prompt are required")
	}
	now := time.Now().UTC()
	next, err := validateTrigger(r, now)
	if err != nil {
		return err
	}

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM routines WHERE user_id = ?`, r.UserID).Scan(&count); err != nil {
		return fmt.Errorf("counting routines: %w", err)
	}
	if count >= s.maxPerUser {
		return fmt.Errorf("routine limit reached (%d per user)", s.maxPerUser)
	}

	if r.RoutineID == "" {
		r.RoutineID = uuid.New().String()
	}
	r.CreatedAt = now
	r.UpdatedAt = now
	r.NextRunAt = next

	_, err = s.db.Exec(
		`INSERT INTO routines (routine_id, user_id, name, task_template, schedule_kind, schedule_value, event_pattern, approval_mode, cooldown_s, enabled, created_at, updated_at, next_run_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RoutineID, r.UserID, r.Name, r.Prompt, r.TriggerType, r.Schedule, r.EventPattern,
		r.ApprovalMode, r.CooldownS, boolInt(r.Enabled), isoTime(now), isoTime(now), nullTime(next),
	)
	if err != nil {
		return fmt.Errorf("inserting routine: %w", err)
	}
	s.logger.Info("routine created", "routine_id", r.RoutineID, "trigger", r.TriggerType, "name", r.Name)
	return nil
}

// Update applies an allow-listed set of mutable fields. Ownership and run
// state fields cannot be changed through this path.
func (s *Store) Update(routineID string, fields map[string]any) (*Routine, error) {
	r, err := s.Get(routineID)
	if err != nil {
		return nil, err
	}

	for key, value := range fields {
		switch key {
		case "name":
			if v, ok := value.(string); ok && v != "" {
				r.Name = v
			}
		case "prompt":
			if v, ok := value.(string); ok && v != "" {
				r.Prompt = v
			}
		case "schedule":
			if v, ok := value.(string); ok {
				r.Schedule = v
			}
		case "event_pattern":
			if v, ok := value.(string); ok {
				r.EventPattern = v
			}
		case "approval_mode":
			if v, ok := value.(string); ok {
				r.ApprovalMode = v
			}
		case "cooldown_s":
			switch v := value.(type) {
			case int:
				r.CooldownS = v
			case float64: // JSON numbers decode as float64
				r.CooldownS = int(v)
			}
		case "enabled":
			if v, ok := value.(bool); ok {
				r.Enabled = v
			}
		default:
			// user_id, routine_id, trigger_type, and run state are immutable.
			return nil, fmt.Errorf("field %q cannot be updated", key)
		}
	}

	now := time.Now().UTC()
	next, err := validateTrigger(r, now)
	if err != nil {
		return nil, err
	}
	r.UpdatedAt = now
	r.NextRunAt = next

	_, err = s.db.Exec(
		`UPDATE routines SET name = ?, task_template = ?, schedule_value = ?, event_pattern = ?, approval_mode = ?, cooldown_s = ?, enabled = ?, updated_at = ?, next_run_at = ? WHERE routine_id = ?`,
		r.Name, r.Prompt, r.Schedule, r.EventPattern, r.ApprovalMode, r.CooldownS,
		boolInt(r.Enabled), isoTime(now), nullTime(next), routineID,
	)
	if err != nil {
		return nil, fmt.Errorf("updating routine: %w", err)
	}
	return r, nil
}

// Get returns one routine by id.
func (s *Store) Get(routineID string) (*Routine, error) {
	row := s.db.QueryRow(selectRoutine+` WHERE routine_id = ?`, routineID)
	return scanRoutine(row)
}

// List returns all routines, optionally filtered by user.
func (s *Store) List(userID string) ([]*Routine, error) {
	query := selectRoutine + ` ORDER BY created_at`
	args := []any{}
	if userID != "" {
		query = selectRoutine + ` WHERE user_id = ? ORDER BY created_at`
		args = append(args, userID)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Routine
	for rows.Next() {
		r, err := scanRoutine(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Delete removes a routine and, via cascade, its executions.
func (s *Store) Delete(routineID string) error {
	res, err := s.db.Exec(`DELETE FROM routines WHERE routine_id = ?`, routineID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ListDue returns enabled time-triggered routines whose next run is at or
// before now.
func (s *Store) ListDue(now time.Time) ([]*Routine, error) {
	rows, err := s.db.Query(
		selectRoutine+` WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ? ORDER BY next_run_at`,
		isoTime(now),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Routine
	for rows.Next() {
		r, err := scanRoutine(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListEventRoutines returns enabled event routines whose pattern matches the
// topic.
func (s *Store) ListEventRoutines(topic string) ([]*Routine, error) {
	rows, err := s.db.Query(selectRoutine+` WHERE enabled = 1 AND schedule_kind = ?`, TriggerEvent)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Routine
	for rows.Next() {
		r, err := scanRoutine(rows)
		if err != nil {
			return nil, err
		}
		if ok, _ := doublestar.Match(r.EventPattern, topic); ok {
			out = append(out, r)
		}
	}
	return out, rows.Err()
}

// UpdateRunState records a completed run and the next fire time.
func (s *Store) UpdateRunState(routineID string, lastRun time.Time, next *time.Time, failed bool) error {
	failDelta := 0
	if failed {
		failDelta = 1
	}
	_, err := s.db.Exec(
		`UPDATE routines SET last_run_at = ?, next_run_at = ?, run_count = run_count + 1, failure_count = failure_count + ? WHERE routine_id = ?`,
		isoTime(lastRun), nullTime(next), failDelta, routineID,
	)
	return err
}

// NextRun computes the fire time after now: cron schedules via the parser,
// intervals as now plus the period, event triggers have none.
func NextRun(r *Routine, now time.Time) *time.Time {
	next, err := validateTrigger(r, now)
	if err != nil {
		return nil
	}
	return next
}

// InsertExecution records a started execution.
func (s *Store) InsertExecution(e *Execution) error {
	if e.ExecutionID == "" {
		e.ExecutionID = uuid.New().String()
	}
	if e.StartedAt.IsZero() {
		e.StartedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(
		`INSERT INTO routine_executions (execution_id, routine_id, trigger_kind, task_id, status, started_at) VALUES (?, ?, ?, ?, ?, ?)`,
		e.ExecutionID, e.RoutineID, e.TriggeredBy, e.TaskID, e.Status, isoTime(e.StartedAt),
	)
	return err
}

// FinishExecution writes the terminal status of an execution.
func (s *Store) FinishExecution(executionID, status, summary, errText string) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(
		`UPDATE routine_executions SET status = ?, result_summary = ?, error = ?, finished_at = ? WHERE execution_id = ?`,
		status, summary, errText, isoTime(now), executionID,
	)
	return err
}

// ListExecutions returns the most recent executions of a routine, newest
// first.
func (s *Store) ListExecutions(routineID string, limit int) ([]*Execution, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(
		`SELECT execution_id, routine_id, trigger_kind, task_id, status, result_summary, error, started_at, finished_at
		 FROM routine_executions WHERE routine_id = ? ORDER BY started_at DESC LIMIT ?`,
		routineID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		var e Execution
		var started string
		var finished sql.NullString
		if err := rows.Scan(&e.ExecutionID, &e.RoutineID, &e.TriggeredBy, &e.TaskID,
			&e.Status, &e.Summary, &e.Error, &started, &finished); err != nil {
			return nil, err
		}
		e.StartedAt = parseISO(started)
		if finished.Valid {
			t := parseISO(finished.String)
			e.FinishedAt = &t
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

const selectRoutine = `SELECT routine_id, user_id, name, task_template, schedule_kind, schedule_value, event_pattern, approval_mode, cooldown_s, enabled, created_at, updated_at, last_run_at, next_run_at, run_count, failure_count FROM routines`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRoutine(row rowScanner) (*Routine, error) {
	var r Routine
	var enabled int
	var createdAt, updatedAt string
	var lastRun, nextRun sql.NullString
	err := row.Scan(&r.RoutineID, &r.UserID, &r.Name, &r.Prompt, &r.TriggerType,
		&r.Schedule, &r.EventPattern, &r.ApprovalMode, &r.CooldownS, &enabled,
		&createdAt, &updatedAt, &lastRun, &nextRun, &r.RunCount, &r.FailureCount)
	if err != nil {
		return nil, err
	}
	r.Enabled = enabled != 0
	r.CreatedAt = parseISO(createdAt)
	r.UpdatedAt = parseISO(updatedAt)
	if lastRun.Valid {
		t := parseISO(lastRun.String)
		r.LastRunAt = &t
	}
	if nextRun.Valid {
		t := parseISO(nextRun.String)
		r.NextRunAt = &t
	}
	return &r, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return isoTime(*t)
}

func isoTime(t time.Time) string { return t.UTC().Format(isoLayout) }

func parseISO(s string) time.Time {
	for _, layout := range []string{isoLayout, time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
