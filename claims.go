package outbox

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Claim records the event ids a session fetched and has not yet persisted.
type Claim struct {
	IDs       []uuid.UUID
	Owner     string
	ExpiresAt time.Time
}

// Expired reports whether the claim no longer excludes its ids at now.
func (c Claim) Expired(now time.Time) bool {
	return !c.ExpiresAt.After(now)
}

// ClaimStash stores in-flight claims in named namespaces, one entry per owner session.
type ClaimStash interface {
	// List returns every claim stored in stash, expired ones included.
	List(ctx context.Context, stash string) ([]Claim, error)
	// Put stores claim under owner. ttl is the claim lifetime and may be used by the backing store.
	Put(ctx context.Context, stash, owner string, ttl time.Duration, claim Claim) error
	// Delete removes the claim stored under owner.
	Delete(ctx context.Context, stash, owner string) error
}

// MemoryClaimStash is an in-process ClaimStash, used by tests and single-binary deployments
// that still want the distributed source semantics.
type MemoryClaimStash struct {
	mu      sync.Mutex
	stashes map[string]map[string]Claim
}

// NewMemoryClaimStash returns an empty stash.
func NewMemoryClaimStash() *MemoryClaimStash {
	return &MemoryClaimStash{stashes: make(map[string]map[string]Claim)}
}

// List implements ClaimStash.
func (s *MemoryClaimStash) List(_ context.Context, stash string) ([]Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.stashes[stash]
	owners := make([]string, 0, len(entries))
	for owner := range entries {
		owners = append(owners, owner)
	}
	sort.Strings(owners)

	out := make([]Claim, 0, len(owners))
	for _, owner := range owners {
		claim := entries[owner]
		claim.IDs = append([]uuid.UUID(nil), claim.IDs...)
		out = append(out, claim)
	}

	return out, nil
}

// Put implements ClaimStash.
func (s *MemoryClaimStash) Put(_ context.Context, stash, owner string, _ time.Duration, claim Claim) error {
	if stash == "" || owner == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entries, ok := s.stashes[stash]
	if !ok {
		entries = make(map[string]Claim)
		s.stashes[stash] = entries
	}
	claim.IDs = append([]uuid.UUID(nil), claim.IDs...)
	entries[owner] = claim

	return nil
}

// Delete implements ClaimStash.
func (s *MemoryClaimStash) Delete(_ context.Context, stash, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.stashes[stash], owner)

	return nil
}
