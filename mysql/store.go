package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/velmie/outbox/v2"
)

const (
	selectFixedArgs   = 5
	placeholderGrowth = 2
)

// Executor allows inserting within an existing transaction.
type Executor interface {
	// ExecContext executes a statement with the provided context.
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Store implements outbox.Store on top of MySQL.
type Store struct {
	db      *sql.DB
	cfg     Config
	queries queries
	table   string
}

var _ outbox.Store = (*Store)(nil)

// NewStore constructs a MySQL store with validated configuration.
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

// MustNewStore constructs a MySQL store or panics on error.
func MustNewStore(db *sql.DB, opts ...Option) *Store {
	store, err := NewStore(db, opts...)
	if err != nil {
		panic(err)
	}

	return store
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

	args := s.filterArgs(eventType, maxAttempts)
	args = append(args, limit)

	return s.query(ctx, s.queries.selectEligible, limit, args)
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

	args := make([]any, 0, len(excluded)+selectFixedArgs)
	args = append(args, s.filterArgs(eventType, maxAttempts)...)
	for _, id := range excluded {
		args = append(args, idArg(id))
	}
	args = append(args, limit)

	return s.query(ctx, s.queries.selectExcluding(len(excluded)), limit, args)
}

// Insert implements outbox.Store.
func (s *Store) Insert(ctx context.Context, event outbox.Event) error {
	return s.InsertWith(ctx, s.db, event)
}

// InsertWith stores event using the provided executor (transaction preferred), so that the event
// commits or rolls back together with the business change that produced it.
func (s *Store) InsertWith(ctx context.Context, exec Executor, event outbox.Event) error {
	if exec == nil {
		return ErrExecutorRequired
	}

	if _, err := exec.ExecContext(ctx, s.queries.insert, rowArgs(event)...); err != nil {
		return fmt.Errorf("outbox mysql: insert failed: %w", err)
	}

	return nil
}

// InsertBatch implements outbox.Store. Each chunk is a single multi-row INSERT.
func (s *Store) InsertBatch(ctx context.Context, events []outbox.Event) error {
	for _, chunk := range outbox.Chunks(events, s.cfg.ChunkSize) {
		args := make([]any, 0, len(chunk)*columnCount)
		for _, event := range chunk {
			args = append(args, rowArgs(event)...)
		}
		if _, err := s.db.ExecContext(ctx, s.queries.insertMany(len(chunk)), args...); err != nil {
			return fmt.Errorf("outbox mysql: batch insert failed: %w", err)
		}
	}

	return nil
}

// UpdateBatch implements outbox.Store. Rows of a chunk are updated in one transaction.
func (s *Store) UpdateBatch(ctx context.Context, events []outbox.Event) error {
	for _, chunk := range outbox.Chunks(events, s.cfg.ChunkSize) {
		if err := s.updateChunk(ctx, chunk); err != nil {
			return err
		}
	}

	return nil
}

func (s *Store) updateChunk(ctx context.Context, chunk []outbox.Event) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("outbox mysql: begin tx failed: %w", err)
	}

	for _, event := range chunk {
		if _, err := tx.ExecContext(
			ctx,
			s.queries.updateOne,
			event.RunTime.UTC(),
			event.Attempts,
			nullString(event.FailReason),
			string(event.Status),
			idArg(event.ID),
		); err != nil {
			rollbackErr := tx.Rollback()

			return errors.Join(fmt.Errorf("outbox mysql: update failed: %w", err), rollbackErr)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("outbox mysql: commit failed: %w", err)
	}

	return nil
}

// DeleteBatch implements outbox.Store.
func (s *Store) DeleteBatch(ctx context.Context, events []outbox.Event) error {
	for _, chunk := range outbox.Chunks(events, s.cfg.ChunkSize) {
		args := make([]any, 0, len(chunk))
		for _, event := range chunk {
			args = append(args, idArg(event.ID))
		}
		if _, err := s.db.ExecContext(ctx, s.queries.deleteIn(len(chunk)), args...); err != nil {
			return fmt.Errorf("outbox mysql: delete failed: %w", err)
		}
	}

	return nil
}

// CountByType implements outbox.Store.
func (s *Store) CountByType(ctx context.Context) ([]outbox.TypeCount, error) {
	rows, err := s.db.QueryContext(ctx, s.queries.countByType)
	if err != nil {
		return nil, fmt.Errorf("outbox mysql: count failed: %w", err)
	}
	defer rows.Close()

	var counts []outbox.TypeCount
	for rows.Next() {
		var c outbox.TypeCount
		if err := rows.Scan(&c.EventType, &c.Count); err != nil {
			return nil, fmt.Errorf("outbox mysql: scan failed: %w", err)
		}
		counts = append(counts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox mysql: rows failed: %w", err)
	}

	return counts, nil
}

func (s *Store) filterArgs(eventType string, maxAttempts int) []any {
	return []any{eventType, string(outbox.StatusEnabled), s.cfg.Clock.Now().UTC(), maxAttempts}
}

func (s *Store) query(ctx context.Context, query string, limit int, args []any) ([]outbox.Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("outbox mysql: select failed: %w", err)
	}
	defer rows.Close()

	events := make([]outbox.Event, 0, limit)
	for rows.Next() {
		var (
			event      outbox.Event
			status     string
			failReason sql.NullString
			lockKey    sql.NullString
			createdAt  time.Time
			runTime    time.Time
		)

		if err := rows.Scan(
			&event.ID,
			&event.EventType,
			&createdAt,
			&runTime,
			&event.Payload,
			&event.Attempts,
			&failReason,
			&lockKey,
			&status,
		); err != nil {
			return nil, fmt.Errorf("outbox mysql: scan failed: %w", err)
		}

		event.CreatedAt = createdAt.UTC()
		event.RunTime = runTime.UTC()
		event.FailReason = failReason.String
		event.LockKey = lockKey.String
		event.Status = outbox.Status(status)
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox mysql: rows failed: %w", err)
	}

	return events, nil
}

func rowArgs(event outbox.Event) []any {
	status := event.Status
	if status == "" {
		status = outbox.StatusEnabled
	}

	return []any{
		idArg(event.ID),
		event.EventType,
		event.CreatedAt.UTC(),
		event.RunTime.UTC(),
		event.Payload,
		event.Attempts,
		nullString(event.FailReason),
		nullString(event.LockKey),
		string(status),
	}
}

// idArg binds an identifier as its 16 raw bytes; uuid.UUID's driver.Valuer yields the textual form.
func idArg(id uuid.UUID) []byte {
	return id[:]
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}
