package outbox

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Source fetches the next batch of events for one cycle.
type Source interface {
	// Events returns up to settings.BatchSize eligible events of eventType for the cycle sessionID.
	Events(ctx context.Context, eventType string, settings Settings, sessionID string) ([]Event, error)
}

// SingleInstanceSource reads eligible events straight from the store.
type SingleInstanceSource struct {
	store Store
}

// NewSingleInstanceSource returns a Source for a single active instance.
func NewSingleInstanceSource(store Store) *SingleInstanceSource {
	if store == nil {
		panic("outbox: nil Store")
	}

	return &SingleInstanceSource{store: store}
}

// Events implements Source.
func (s *SingleInstanceSource) Events(ctx context.Context, eventType string, settings Settings, _ string) ([]Event, error) {
	events, err := s.store.SelectEligible(ctx, eventType, settings.AttemptsMax, settings.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("outbox select %s: %w", eventType, err)
	}

	return events, nil
}

// DistributedSource skips events claimed by other live sessions and publishes a claim for the
// events it returns, so concurrent instances do not fetch the same rows.
//
// Stash faults are logged and read as "no claims"; the per-event lock still guards processing.
type DistributedSource struct {
	store  Store
	stash  ClaimStash
	clock  Clock
	logger Logger
}

// NewDistributedSource returns a Source for several competing instances.
func NewDistributedSource(store Store, stash ClaimStash, clock Clock, logger Logger) *DistributedSource {
	if store == nil {
		panic("outbox: nil Store")
	}
	if stash == nil {
		panic("outbox: nil ClaimStash")
	}
	if clock == nil {
		clock = SystemClock{}
	}

	return &DistributedSource{
		store:  store,
		stash:  stash,
		clock:  clock,
		logger: loggerOrNop(logger),
	}
}

// Events implements Source.
func (s *DistributedSource) Events(ctx context.Context, eventType string, settings Settings, sessionID string) ([]Event, error) {
	now := s.clock.Now()

	claims, err := s.stash.List(ctx, settings.StashName)
	if err != nil {
		s.logger.Error("outbox claim list failed", "stash", settings.StashName, "err", err)
		claims = nil
	}

	var excluded []uuid.UUID
	var stale []Claim
	for _, claim := range claims {
		if claim.Expired(now) {
			stale = append(stale, claim)

			continue
		}
		excluded = append(excluded, claim.IDs...)
	}

	events, err := s.store.SelectEligibleExcluding(ctx, eventType, settings.AttemptsMax, settings.BatchSize, excluded)
	if err != nil {
		return nil, fmt.Errorf("outbox select %s: %w", eventType, err)
	}

	for _, claim := range stale {
		if err := s.stash.Delete(ctx, settings.StashName, claim.Owner); err != nil {
			s.logger.Warn("outbox stale claim delete failed", "stash", settings.StashName, "owner", claim.Owner, "err", err)
		}
	}

	claim := Claim{
		IDs:       eventIDs(events),
		Owner:     sessionID,
		ExpiresAt: now.Add(settings.Timeout),
	}
	if err := s.stash.Put(ctx, settings.StashName, sessionID, settings.Timeout, claim); err != nil {
		s.logger.Error("outbox claim put failed", "stash", settings.StashName, "owner", sessionID, "err", err)
	}

	return events, nil
}

// Release removes the claim published for sessionID.
func (s *DistributedSource) Release(ctx context.Context, settings Settings, sessionID string) {
	if err := s.stash.Delete(context.WithoutCancel(ctx), settings.StashName, sessionID); err != nil {
		s.logger.Error("outbox claim delete failed", "stash", settings.StashName, "owner", sessionID, "err", err)
	}
}

// ClaimReleaser is implemented by sources that publish per-session claims.
type ClaimReleaser interface {
	// Release removes the claim published for sessionID.
	Release(ctx context.Context, settings Settings, sessionID string)
}

var _ ClaimReleaser = (*DistributedSource)(nil)
