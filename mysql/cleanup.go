package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/velmie/outbox/v2"
)

const (
	defaultCleanupLimit      = 10000
	defaultCleanupEvery      = time.Hour
	defaultCleanupLockPrefix = "outbox:cleanup:"
)

// CleanupOptions defines which terminal events are deleted.
type CleanupOptions struct {
	// Before removes rows whose run time is not after this timestamp (required).
	Before time.Time
	// Limit caps the number of rows deleted per call (0 uses the default).
	Limit int
	// ExhaustedAttempts, when positive, also removes ENABLED rows whose attempt count reached it.
	// Such rows are never selected again once attempts reach the configured maximum.
	ExhaustedAttempts int
}

// CleanupResult reports how many rows were removed.
type CleanupResult struct {
	Disabled  int64
	Exhausted int64
}

// CleanupMaintainerConfig controls periodic cleanup.
type CleanupMaintainerConfig struct {
	// Table is the outbox table name. Use schema.table for non-default schema.
	Table string
	// Retention removes rows whose run time is older than now-retention (required).
	Retention time.Duration
	// CheckEvery is the interval between cleanup runs.
	CheckEvery time.Duration
	// Limit caps the number of rows deleted per run (0 uses the default).
	Limit int
	// ExhaustedAttempts is passed through to CleanupOptions.
	ExhaustedAttempts int
	// LockName is the advisory lock name. Defaults to outbox:cleanup:<table>.
	LockName string
	// Clock overrides time source (useful for tests).
	Clock outbox.Clock
	// Logger receives warnings about cleanup failures.
	Logger outbox.Logger
}

// CleanupMaintainer runs periodic cleanup under a MySQL advisory lock, so only one instance
// deletes at a time.
type CleanupMaintainer struct {
	store *Store
	cfg   CleanupMaintainerConfig
}

// Cleanup removes DISABLED rows (and optionally exhausted ENABLED rows) older than opts.Before.
func (s *Store) Cleanup(ctx context.Context, opts CleanupOptions) (CleanupResult, error) {
	if opts.Before.IsZero() {
		return CleanupResult{}, ErrCleanupBeforeRequired
	}
	limit := opts.Limit
	if limit == 0 {
		limit = defaultCleanupLimit
	}
	if limit < 0 {
		return CleanupResult{}, ErrCleanupLimitInvalid
	}

	// #nosec G201 -- table name is sanitized.
	disabledQuery := fmt.Sprintf(
		"DELETE FROM %s WHERE status = ? AND run_time <= ? ORDER BY run_time LIMIT ?",
		s.table,
	)
	disabled, err := s.cleanup(ctx, disabledQuery, limit, string(outbox.StatusDisabled), opts.Before.UTC())
	if err != nil {
		return CleanupResult{}, err
	}
	remaining := limit - int(disabled)

	var exhausted int64
	if opts.ExhaustedAttempts > 0 && remaining > 0 {
		// #nosec G201 -- table name is sanitized.
		exhaustedQuery := fmt.Sprintf(
			"DELETE FROM %s WHERE status = ? AND attempts >= ? AND run_time <= ? ORDER BY run_time LIMIT ?",
			s.table,
		)
		exhausted, err = s.cleanup(
			ctx,
			exhaustedQuery,
			remaining,
			string(outbox.StatusEnabled),
			opts.ExhaustedAttempts,
			opts.Before.UTC(),
		)
		if err != nil {
			return CleanupResult{}, err
		}
	}

	return CleanupResult{Disabled: disabled, Exhausted: exhausted}, nil
}

// NewCleanupMaintainer creates a new cleanup maintainer with defaults applied.
func NewCleanupMaintainer(db *sql.DB, cfg CleanupMaintainerConfig) (*CleanupMaintainer, error) {
	if db == nil {
		return nil, ErrDBRequired
	}
	if cfg.Retention <= 0 {
		return nil, ErrCleanupRetentionInvalid
	}
	if cfg.Clock == nil {
		cfg.Clock = outbox.SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = outbox.NopLogger{}
	}
	if cfg.CheckEvery <= 0 {
		cfg.CheckEvery = defaultCleanupEvery
	}
	if cfg.Limit == 0 {
		cfg.Limit = defaultCleanupLimit
	}
	if cfg.Limit < 0 {
		return nil, ErrCleanupLimitInvalid
	}

	store, err := NewStore(db, WithTable(cfg.Table), WithClock(cfg.Clock))
	if err != nil {
		return nil, err
	}
	cfg.Table = store.table
	if cfg.LockName == "" {
		cfg.LockName = defaultCleanupLockPrefix + cfg.Table
	}

	return &CleanupMaintainer{store: store, cfg: cfg}, nil
}

// Run periodically deletes old terminal rows until the context is canceled.
func (m *CleanupMaintainer) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.CheckEvery)
	defer ticker.Stop()

	m.ensureLogged(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.ensureLogged(ctx)
		}
	}
}

func (m *CleanupMaintainer) ensureLogged(ctx context.Context) {
	res, err := m.Ensure(ctx)
	if err != nil {
		m.cfg.Logger.Warn("outbox cleanup failed", "err", err)

		return
	}
	if res.Disabled > 0 || res.Exhausted > 0 {
		m.cfg.Logger.Info("outbox cleanup removed events", "disabled", res.Disabled, "exhausted", res.Exhausted)
	}
}

// Ensure executes a single cleanup pass. It is a no-op when another session holds the lock.
func (m *CleanupMaintainer) Ensure(ctx context.Context) (CleanupResult, error) {
	conn, err := m.store.db.Conn(ctx)
	if err != nil {
		return CleanupResult{}, fmt.Errorf("outbox mysql: cleanup conn failed: %w", err)
	}
	defer conn.Close()

	locked, err := m.tryLock(ctx, conn)
	if err != nil {
		return CleanupResult{}, err
	}
	if !locked {
		m.cfg.Logger.Debug("outbox cleanup lock held by another session")

		return CleanupResult{}, nil
	}
	defer m.releaseLock(ctx, conn)

	before := m.cfg.Clock.Now().Add(-m.cfg.Retention)

	return m.store.Cleanup(ctx, CleanupOptions{
		Before:            before,
		Limit:             m.cfg.Limit,
		ExhaustedAttempts: m.cfg.ExhaustedAttempts,
	})
}

func (s *Store) cleanup(ctx context.Context, query string, limit int, args ...any) (int64, error) {
	if limit <= 0 {
		return 0, nil
	}

	args = append(args, limit)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("outbox mysql: cleanup delete failed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("outbox mysql: cleanup rows failed: %w", err)
	}

	return affected, nil
}

func (m *CleanupMaintainer) tryLock(ctx context.Context, conn *sql.Conn) (bool, error) {
	var got sql.NullInt64
	if err := conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, 0)", m.cfg.LockName).Scan(&got); err != nil {
		return false, fmt.Errorf("outbox mysql: acquire cleanup lock failed: %w", err)
	}
	if !got.Valid || got.Int64 == 0 {
		return false, nil
	}

	return true, nil
}

func (m *CleanupMaintainer) releaseLock(ctx context.Context, conn *sql.Conn) {
	var released sql.NullInt64
	if err := conn.QueryRowContext(context.WithoutCancel(ctx), "SELECT RELEASE_LOCK(?)", m.cfg.LockName).Scan(&released); err != nil {
		m.cfg.Logger.Warn("outbox cleanup release lock failed", "err", err)
	}
}
