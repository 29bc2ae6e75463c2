package outbox

import (
	"context"

	"github.com/google/uuid"
)

// MutationChunkSize bounds the number of rows a Store mutation statement touches.
const MutationChunkSize = 1000

// Store persists outbox events.
//
// Selection returns ENABLED events of eventType whose run time has passed and whose attempt count is
// below maxAttempts, ordered by run time and capped at limit.
type Store interface {
	// SelectEligible returns up to limit eligible events.
	SelectEligible(ctx context.Context, eventType string, maxAttempts, limit int) ([]Event, error)
	// SelectEligibleExcluding returns up to limit eligible events whose ids are not in excluded.
	SelectEligibleExcluding(ctx context.Context, eventType string, maxAttempts, limit int, excluded []uuid.UUID) ([]Event, error)
	// Insert stores a single event.
	Insert(ctx context.Context, event Event) error
	// InsertBatch stores events.
	InsertBatch(ctx context.Context, events []Event) error
	// UpdateBatch writes run time, attempts, fail reason and status of events.
	UpdateBatch(ctx context.Context, events []Event) error
	// DeleteBatch removes events.
	DeleteBatch(ctx context.Context, events []Event) error
	// CountByType returns the number of stored events per event type.
	CountByType(ctx context.Context) ([]TypeCount, error)
}

// Chunks splits events into consecutive slices of at most size elements.
func Chunks[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = MutationChunkSize
	}

	out := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		out = append(out, items[start:end])
	}

	return out
}
