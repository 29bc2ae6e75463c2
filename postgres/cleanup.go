package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/velmie/outbox/v2"
)

const defaultCleanupLimit = 10000

// CleanupOptions defines which terminal events are deleted.
type CleanupOptions struct {
	// Before removes rows whose run time is not after this timestamp (required).
	Before time.Time
	// Limit caps the number of rows deleted per call (0 uses the default).
	Limit int
}

// Cleanup removes up to opts.Limit DISABLED rows older than opts.Before and reports the count.
func (s *Store) Cleanup(ctx context.Context, opts CleanupOptions) (int64, error) {
	if opts.Before.IsZero() {
		return 0, ErrCleanupBeforeRequired
	}
	limit := opts.Limit
	if limit == 0 {
		limit = defaultCleanupLimit
	}
	if limit < 0 {
		return 0, ErrCleanupLimitInvalid
	}

	// #nosec G201 -- table name is sanitized.
	query := fmt.Sprintf(
		"DELETE FROM %s WHERE id IN (SELECT id FROM %s WHERE status = $1 AND run_time <= $2 ORDER BY run_time LIMIT $3)",
		s.table,
		s.table,
	)
	res, err := s.db.ExecContext(ctx, query, string(outbox.StatusDisabled), opts.Before.UTC(), limit)
	if err != nil {
		return 0, fmt.Errorf("outbox postgres: cleanup delete failed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("outbox postgres: cleanup rows failed: %w", err)
	}

	return affected, nil
}
