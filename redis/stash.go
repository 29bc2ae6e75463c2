package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/velmie/outbox/v2"
)

const defaultStashPrefix = "outbox:stash:"

type claimDocument struct {
	IDs       []uuid.UUID `json:"ids"`
	Owner     string      `json:"owner"`
	ExpiresAt int64       `json:"expiresAt"`
}

// StashOption configures a ClaimStash.
type StashOption func(*ClaimStash)

// WithStashPrefix sets the prefix prepended to every stash hash key.
func WithStashPrefix(prefix string) StashOption {
	return func(s *ClaimStash) {
		s.prefix = prefix
	}
}

// WithStashLogger sets the logger for undecodable entries.
func WithStashLogger(logger outbox.Logger) StashOption {
	return func(s *ClaimStash) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// ClaimStash implements outbox.ClaimStash with one Redis hash per stash.
type ClaimStash struct {
	client redis.UniversalClient
	prefix string
	logger outbox.Logger
}

var _ outbox.ClaimStash = (*ClaimStash)(nil)

// NewClaimStash builds a ClaimStash on client.
func NewClaimStash(client redis.UniversalClient, opts ...StashOption) (*ClaimStash, error) {
	if client == nil {
		return nil, ErrClientRequired
	}

	s := &ClaimStash{client: client, prefix: defaultStashPrefix, logger: outbox.NopLogger{}}
	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// List implements outbox.ClaimStash. Entries that fail to decode are logged and skipped.
func (s *ClaimStash) List(ctx context.Context, stash string) ([]outbox.Claim, error) {
	entries, err := s.client.HGetAll(ctx, s.prefix+stash).Result()
	if err != nil {
		return nil, fmt.Errorf("outbox redis: list %s: %w", stash, err)
	}

	owners := make([]string, 0, len(entries))
	for owner := range entries {
		owners = append(owners, owner)
	}
	sort.Strings(owners)

	claims := make([]outbox.Claim, 0, len(owners))
	for _, owner := range owners {
		claim, err := decodeClaim([]byte(entries[owner]))
		if err != nil {
			s.logger.Warn("outbox redis skipped claim", "stash", stash, "owner", owner, "err", err)

			continue
		}
		claims = append(claims, claim)
	}

	return claims, nil
}

// Put implements outbox.ClaimStash. The hash expiry slides to ttl so abandoned stashes vanish.
func (s *ClaimStash) Put(ctx context.Context, stash, owner string, ttl time.Duration, claim outbox.Claim) error {
	if stash == "" || owner == "" {
		return nil
	}

	body, err := encodeClaim(claim)
	if err != nil {
		return err
	}

	key := s.prefix + stash
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, owner, body)
		if ttl > 0 {
			pipe.PExpire(ctx, key, ttl)
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("outbox redis: put %s/%s: %w", stash, owner, err)
	}

	return nil
}

// Delete implements outbox.ClaimStash.
func (s *ClaimStash) Delete(ctx context.Context, stash, owner string) error {
	if err := s.client.HDel(ctx, s.prefix+stash, owner).Err(); err != nil {
		return fmt.Errorf("outbox redis: delete %s/%s: %w", stash, owner, err)
	}

	return nil
}

func encodeClaim(claim outbox.Claim) ([]byte, error) {
	ids := claim.IDs
	if ids == nil {
		ids = []uuid.UUID{}
	}

	body, err := json.Marshal(claimDocument{
		IDs:       ids,
		Owner:     claim.Owner,
		ExpiresAt: outbox.EpochMillis(claim.ExpiresAt),
	})
	if err != nil {
		return nil, fmt.Errorf("outbox redis: encode claim: %w", err)
	}

	return body, nil
}

func decodeClaim(body []byte) (outbox.Claim, error) {
	var doc claimDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return outbox.Claim{}, fmt.Errorf("%w: %w", ErrMalformedClaim, err)
	}

	return outbox.Claim{
		IDs:       doc.IDs,
		Owner:     doc.Owner,
		ExpiresAt: outbox.FromEpochMillis(doc.ExpiresAt),
	}, nil
}
