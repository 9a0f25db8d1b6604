// Package cleanup enforces data retention: stale sessions, finished
// routine executions, resolved approvals, and old audit rows are removed
// on a fixed interval. Every sweep is idempotent.
package cleanup

import (
	"context"
	"database/sql"
	"log/slog"
	"time"
)

const isoLayout = "2006-01-02T15:04:05.000Z"

// Config bounds what the sweeper keeps.
type Config struct {
	// Interval between sweeps. Defaults to 1 hour.
	Interval time.Duration

	// Sessions idle longer than this are deleted together with their
	// conversation turns. Defaults to 30 days.
	SessionRetention time.Duration

	// Finished routine executions older than this are deleted.
	// Defaults to 30 days.
	ExecutionRetention time.Duration

	// Resolved or expired approvals older than this are deleted.
	// Defaults to 7 days.
	ApprovalRetention time.Duration

	// Audit log rows older than this are deleted. Defaults to 90 days.
	AuditRetention time.Duration
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = time.Hour
	}
	if c.SessionRetention <= 0 {
		c.SessionRetention = 30 * 24 * time.Hour
	}
	if c.ExecutionRetention <= 0 {
		c.ExecutionRetention = 30 * 24 * time.Hour
	}
	if c.ApprovalRetention <= 0 {
		c.ApprovalRetention = 7 * 24 * time.Hour
	}
	if c.AuditRetention <= 0 {
		c.AuditRetention = 90 * 24 * time.Hour
	}
}

// Service runs the retention loop.
type Service struct {
	db     *sql.DB
	cfg    Config
	logger *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates the sweeper. db is required.
func NewService(db *sql.DB, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()
	return &Service{
		db:     db,
		cfg:    cfg,
		logger: logger.With("component", "cleanup"),
	}
}

// Start launches the background loop. The first sweep runs immediately.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.run(ctx)
	s.logger.Info("cleanup service started",
		"interval", s.cfg.Interval,
		"session_retention", s.cfg.SessionRetention,
		"execution_retention", s.cfg.ExecutionRetention)
}

// Stop signals the loop to exit and waits for it.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.Sweep(ctx, time.Now())

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx, time.Now())
		}
	}
}

// Sweep runs one retention pass. Timestamps are stored as ISO-8601 UTC
// strings, so cutoffs compare lexicographically.
func (s *Service) Sweep(ctx context.Context, now time.Time) {
	s.purge(ctx, "sessions",
		`DELETE FROM sessions WHERE last_active < ?`,
		cutoff(now, s.cfg.SessionRetention))

	s.purge(ctx, "routine_executions",
		`DELETE FROM routine_executions WHERE finished_at IS NOT NULL AND finished_at < ?`,
		cutoff(now, s.cfg.ExecutionRetention))

	s.purge(ctx, "approvals",
		`DELETE FROM approvals WHERE (status != 'pending' AND resolved_at IS NOT NULL AND resolved_at < ?)
		   OR (status = 'pending' AND expires_at != '' AND expires_at < ?)`,
		cutoff(now, s.cfg.ApprovalRetention),
		cutoff(now, s.cfg.ApprovalRetention))

	s.purge(ctx, "audit_log",
		`DELETE FROM audit_log WHERE created_at < ?`,
		cutoff(now, s.cfg.AuditRetention))
}

func (s *Service) purge(ctx context.Context, table, query string, args ...any) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		s.logger.Warn("retention sweep failed", "table", table, "error", err)
		return
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		s.logger.Info("retention sweep removed rows", "table", table, "rows", n)
	}
}

func cutoff(now time.Time, retention time.Duration) string {
	return now.Add(-retention).UTC().Format(isoLayout)
}
