package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/velmie/outbox/v2"
)

// Executor allows inserting within an existing transaction.
type Executor interface {
	// ExecContext executes a statement with the provided context.
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Store implements outbox.Store on top of PostgreSQL.
type Store struct {
	db      *sql.DB
	cfg     Config
	queries queries
	table   string
}

var _ outbox.Store = (*Store)(nil)

// NewStore constructs a Postgres store with validated configuration.
func NewStore(db *sql.DB, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, ErrDBRequired
	}

	var cfg Config
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg = cfg.withDefaults()

	table, err := sanitizeTableName(cfg.Table)
	if err != nil {
		return nil, err
	}

	return &Store{
		db:      db,
		cfg:     cfg,
		queries: newQueries(table),
		table:   table,
	}, nil
}

// Table returns the sanitized table name.
func (s *Store) Table() string {
	return s.table
}

// SelectEligible implements outbox.Store.
func (s *Store) SelectEligible(ctx context.Context, eventType string, maxAttempts, limit int) ([]outbox.Event, error) {
	if limit <= 0 {
		return nil, outbox.ErrInvalidBatchSize
	}

	return s.query(ctx, s.queries.selectEligible, limit, s.filterArgs(eventType, maxAttempts, limit)...)
}

// SelectEligibleExcluding implements outbox.Store.
func (s *Store) SelectEligibleExcluding(
	ctx context.Context,
	eventType string,
	maxAttempts, limit int,
	excluded []uuid.UUID,
) ([]outbox.Event, error) {
	if len(excluded) == 0 {
		return s.SelectEligible(ctx, eventType, maxAttempts, limit)
	}
	if limit <= 0 {
		return nil, outbox.ErrInvalidBatchSize
	}

	args := s.filterArgs(eventType, maxAttempts)
	args = append(args, pq.Array(idStrings(excluded)), limit)

	return s.query(ctx, s.queries.selectExcluding, limit, args...)
}

// Insert implements outbox.Store.
func (s *Store) Insert(ctx context.Context, event outbox.Event) error {
	return s.InsertWith(ctx, s.db, event)
}

// InsertWith stores event using the provided executor (transaction preferred).
func (s *Store) InsertWith(ctx context.Context, exec Executor, event outbox.Event) error {
	if exec == nil {
		return ErrExecutorRequired
	}

	if _, err := exec.ExecContext(ctx, s.queries.insertMany(1), rowArgs(event)...); err != nil {
		return fmt.Errorf("outbox postgres: insert failed: %w", err)
	}

	return nil
}

// InsertBatch implements outbox.Store.
func (s *Store) InsertBatch(ctx context.Context, events []outbox.Event) error {
	for _, chunk := range outbox.Chunks(events, s.cfg.ChunkSize) {
		args := make([]any, 0, len(chunk)*columnCount)
		for _, event := range chunk {
			args = append(args, rowArgs(event)...)
		}
		if _, err := s.db.ExecContext(ctx, s.queries.insertMany(len(chunk)), args...); err != nil {
			return fmt.Errorf("outbox postgres: batch insert failed: %w", err)
		}
	}

	return nil
}

// UpdateBatch implements outbox.Store. Each chunk is a single UPDATE ... FROM unnest(...).
func (s *Store) UpdateBatch(ctx context.Context, events []outbox.Event) error {
	for _, chunk := range outbox.Chunks(events, s.cfg.ChunkSize) {
		var (
			ids      = make([]string, len(chunk))
			runTimes = make([]string, len(chunk))
			attempts = make([]int64, len(chunk))
			reasons  = make([]string, len(chunk))
			statuses = make([]string, len(chunk))
		)
		for i, event := range chunk {
			ids[i] = event.ID.String()
			runTimes[i] = event.RunTime.UTC().Format(time.RFC3339Nano)
			attempts[i] = int64(event.Attempts)
			reasons[i] = event.FailReason
			statuses[i] = string(event.Status)
		}

		if _, err := s.db.ExecContext(
			ctx,
			s.queries.update,
			pq.Array(ids),
			pq.Array(runTimes),
			pq.Array(attempts),
			pq.Array(reasons),
			pq.Array(statuses),
		); err != nil {
			return fmt.Errorf("outbox postgres: update failed: %w", err)
		}
	}

	return nil
}

// DeleteBatch implements outbox.Store.
func (s *Store) DeleteBatch(ctx context.Context, events []outbox.Event) error {
	for _, chunk := range outbox.Chunks(events, s.cfg.ChunkSize) {
		ids := make([]string, len(chunk))
		for i, event := range chunk {
			ids[i] = event.ID.String()
		}
		if _, err := s.db.ExecContext(ctx, s.queries.deleteIn, pq.Array(ids)); err != nil {
			return fmt.Errorf("outbox postgres: delete failed: %w", err)
		}
	}

	return nil
}

// CountByType implements outbox.Store.
func (s *Store) CountByType(ctx context.Context) ([]outbox.TypeCount, error) {
	rows, err := s.db.QueryContext(ctx, s.queries.countByType)
	if err != nil {
		return nil, fmt.Errorf("outbox postgres: count failed: %w", err)
	}
	defer rows.Close()

	var counts []outbox.TypeCount
	for rows.Next() {
		var c outbox.TypeCount
		if err := rows.Scan(&c.EventType, &c.Count); err != nil {
			return nil, fmt.Errorf("outbox postgres: scan failed: %w", err)
		}
		counts = append(counts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox postgres: rows failed: %w", err)
	}

	return counts, nil
}

func (s *Store) filterArgs(eventType string, maxAttempts int, extra ...any) []any {
	args := []any{eventType, string(outbox.StatusEnabled), s.cfg.Clock.Now().UTC(), maxAttempts}

	return append(args, extra...)
}

func (s *Store) query(ctx context.Context, query string, limit int, args ...any) ([]outbox.Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("outbox postgres: select failed: %w", err)
	}
	defer rows.Close()

	events := make([]outbox.Event, 0, limit)
	for rows.Next() {
		var (
			event      outbox.Event
			status     string
			failReason sql.NullString
			lockKey    sql.NullString
		)

		if err := rows.Scan(
			&event.ID,
			&event.EventType,
			&event.CreatedAt,
			&event.RunTime,
			&event.Payload,
			&event.Attempts,
			&failReason,
			&lockKey,
			&status,
		); err != nil {
			return nil, fmt.Errorf("outbox postgres: scan failed: %w", err)
		}

		event.CreatedAt = event.CreatedAt.UTC()
		event.RunTime = event.RunTime.UTC()
		event.FailReason = failReason.String
		event.LockKey = lockKey.String
		event.Status = outbox.Status(status)
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox postgres: rows failed: %w", err)
	}

	return events, nil
}

func rowArgs(event outbox.Event) []any {
	status := event.Status
	if status == "" {
		status = outbox.StatusEnabled
	}

	return []any{
		event.ID.String(),
		event.EventType,
		event.CreatedAt.UTC(),
		event.RunTime.UTC(),
		// lib/pq encodes []byte as bytea; jsonb needs the text form.
		string(event.Payload),
		event.Attempts,
		nullString(event.FailReason),
		nullString(event.LockKey),
		string(status),
	}
}

func idStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}

	return out
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}
