package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
)

const testEventType = "ORDER_CREATED"

type orderCreated struct {
	OrderID string `json:"orderId"`
}

func (o orderCreated) OutboxLockKey() string {
	return "order-" + o.OrderID
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

type fakeStore struct {
	mu        sync.Mutex
	events    []Event
	selectErr error
	deleteErr error
	updateErr error
	countErr  error
	counts    []TypeCount

	selects  int
	excluded [][]uuid.UUID
	deletes  [][]Event
	updates  [][]Event
	inserted []Event
}

func (s *fakeStore) SelectEligible(_ context.Context, _ string, _, limit int) ([]Event, error) {
	return s.SelectEligibleExcluding(context.Background(), "", 0, limit, nil)
}

func (s *fakeStore) SelectEligibleExcluding(_ context.Context, _ string, _, limit int, excluded []uuid.UUID) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.selects++
	s.excluded = append(s.excluded, excluded)
	if s.selectErr != nil {
		return nil, s.selectErr
	}

	skip := make(map[uuid.UUID]struct{}, len(excluded))
	for _, id := range excluded {
		skip[id] = struct{}{}
	}
	out := make([]Event, 0, limit)
	for _, event := range s.events {
		if _, ok := skip[event.ID]; ok {
			continue
		}
		if len(out) == limit {
			break
		}
		out = append(out, event)
	}

	return out, nil
}

func (s *fakeStore) Insert(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.inserted = append(s.inserted, event)

	return nil
}

func (s *fakeStore) InsertBatch(_ context.Context, events []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.inserted = append(s.inserted, events...)

	return nil
}

func (s *fakeStore) UpdateBatch(_ context.Context, events []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.updates = append(s.updates, events)

	return s.updateErr
}

func (s *fakeStore) DeleteBatch(_ context.Context, events []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deletes = append(s.deletes, events)

	return s.deleteErr
}

func (s *fakeStore) CountByType(context.Context) ([]TypeCount, error) {
	return s.counts, s.countErr
}

func (s *fakeStore) deletedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, batch := range s.deletes {
		n += len(batch)
	}

	return n
}

func (s *fakeStore) updatedEvents() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Event
	for _, batch := range s.updates {
		out = append(out, batch...)
	}

	return out
}

// countingLocker records releases of held locks per key.
type countingLocker struct {
	inner Locker

	mu       sync.Mutex
	unlocked map[string]int
}

func newCountingLocker(clock Clock) *countingLocker {
	return &countingLocker{
		inner:    NewLocalLocker(clock, nil),
		unlocked: make(map[string]int),
	}
}

func (l *countingLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (Lease, bool) {
	return l.inner.TryLock(ctx, key, ttl)
}

func (l *countingLocker) Unlock(ctx context.Context, lease Lease) {
	if lease.Held() {
		l.mu.Lock()
		l.unlocked[lease.Key]++
		l.mu.Unlock()
	}
	l.inner.Unlock(ctx, lease)
}

func (l *countingLocker) unlocks(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.unlocked[key]
}

func (l *countingLocker) close() {
	if local, ok := l.inner.(*LocalLocker); ok {
		local.Close()
	}
}

type relayFixture struct {
	clock    *fakeClock
	store    *fakeStore
	locker   *countingLocker
	registry *Registry
	relay    *Relay
}

func newRelayFixture(t *testing.T, props MapSource, source func(*fakeStore, *fakeClock) Source) *relayFixture {
	t.Helper()

	clock := newFakeClock()
	store := &fakeStore{}
	locker := newCountingLocker(clock)
	registry := NewRegistry(props, nil)

	var src Source = NewSingleInstanceSource(store)
	if source != nil {
		src = source(store, clock)
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := registry.Shutdown(ctx); err != nil {
			t.Errorf("shutdown registry: %v", err)
		}
		locker.close()
	})

	return &relayFixture{
		clock:    clock,
		store:    store,
		locker:   locker,
		registry: registry,
		relay:    NewRelay(store, src, locker, registry, WithClock(clock)),
	}
}

func makeEvents(t *testing.T, n int, now time.Time) []Event {
	t.Helper()

	events := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		event, err := NewEvent(testEventType, orderCreated{OrderID: fmt.Sprintf("%d", i)}, "", now, now)
		if err != nil {
			t.Fatalf("new event: %v", err)
		}
		events = append(events, event)
	}

	return events
}

func TestRelayDrainDeletesWholeBatch(t *testing.T) {
	f := newRelayFixture(t, MapSource{KeyBatchSize: "1000"}, nil)
	f.store.events = makeEvents(t, 1000, f.clock.Now())

	var handled atomic.Int64
	handler := NewHandler(testEventType, func(context.Context, orderCreated) (Result, error) {
		handled.Add(1)

		return Processed(), nil
	})

	report, err := f.relay.Drain(context.Background(), handler)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if report.Outcome != CycleDrained || report.Fetched != 1000 || report.Deleted != 1000 || report.Updated != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	if handled.Load() != 1000 {
		t.Fatalf("expected 1000 handled events, got %d", handled.Load())
	}
	if len(f.store.deletes) != 1 || len(f.store.deletes[0]) != 1000 {
		t.Fatalf("expected one delete call with 1000 events, got %d calls", len(f.store.deletes))
	}
	if len(f.store.updates) != 0 {
		t.Fatalf("expected no update calls, got %d", len(f.store.updates))
	}
	if got := f.locker.unlocks(testEventType); got != 1 {
		t.Fatalf("expected type lock released once, got %d", got)
	}
}

func TestRelayDrainStoreUnreachable(t *testing.T) {
	stash := NewMemoryClaimStash()
	f := newRelayFixture(t, MapSource{}, func(store *fakeStore, clock *fakeClock) Source {
		return NewDistributedSource(store, stash, clock, nil)
	})
	f.store.selectErr = errors.New("connection refused")
	settings, err := f.registry.Settings(testEventType)
	if err != nil {
		t.Fatalf("settings: %v", err)
	}
	if err := stash.Put(context.Background(), settings.StashName, "other", time.Minute,
		Claim{Owner: "other", ExpiresAt: f.clock.Now().Add(-time.Second)}); err != nil {
		t.Fatalf("put: %v", err)
	}

	handler := NewHandler(testEventType, func(context.Context, orderCreated) (Result, error) {
		t.Errorf("handler must not be called")

		return Result{}, nil
	})

	report, err := f.relay.Drain(context.Background(), handler)
	if !errors.Is(err, f.store.selectErr) {
		t.Fatalf("expected select error, got %v", err)
	}
	if report.Outcome != CycleFailed {
		t.Fatalf("expected failed outcome, got %s", report.Outcome)
	}
	trigger, _ := f.registry.Trigger(testEventType)
	if trigger.Delay() == settings.RepeatDelay {
		t.Fatalf("trigger advanced to the normal cadence")
	}
	if got := f.locker.unlocks(testEventType); got != 1 {
		t.Fatalf("expected type lock released once, got %d", got)
	}
	claims, _ := stash.List(context.Background(), settings.StashName)
	if len(claims) != 1 || claims[0].Owner != "other" {
		t.Fatalf("expected only the foreign claim to remain, got %+v", claims)
	}
}

func TestRelayDrainEmptyBatch(t *testing.T) {
	f := newRelayFixture(t, MapSource{KeyRepeatDelayOnEmpty: "2500"}, nil)

	var calls atomic.Int64
	handler := NewHandler(testEventType, func(context.Context, orderCreated) (Result, error) {
		calls.Add(1)

		return Processed(), nil
	})

	report, err := f.relay.Drain(context.Background(), handler)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if report.Outcome != CycleEmpty {
		t.Fatalf("expected empty outcome, got %s", report.Outcome)
	}
	trigger, _ := f.registry.Trigger(testEventType)
	if trigger.Delay() != 2500*time.Millisecond {
		t.Fatalf("expected empty delay, got %s", trigger.Delay())
	}
	if calls.Load() != 0 {
		t.Fatalf("expected no dispatch, got %d", calls.Load())
	}
	if len(f.store.deletes)+len(f.store.updates) != 0 {
		t.Fatalf("expected no persistence calls")
	}
	if got := f.locker.unlocks(testEventType); got != 1 {
		t.Fatalf("expected type lock released once, got %d", got)
	}
}

func TestRelayDrainBatchCompleteness(t *testing.T) {
	f := newRelayFixture(t, MapSource{}, nil)
	events := makeEvents(t, 9, f.clock.Now())
	f.store.events = events

	// Events 3..5 have their business key held elsewhere.
	for _, event := range events[3:6] {
		if _, ok := f.locker.TryLock(context.Background(), event.LockKey, time.Hour); !ok {
			t.Fatalf("pre-lock %s", event.LockKey)
		}
	}

	handler := NewHandler(testEventType, func(_ context.Context, p orderCreated) (Result, error) {
		switch p.OrderID {
		case "0", "1", "2":
			return Processed(), nil
		case "6":
			return Retry("downstream unavailable"), nil
		default:
			return Result{}, errors.New("boom")
		}
	})

	report, err := f.relay.Drain(context.Background(), handler)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if report.Deleted != 3 || report.Updated != 6 {
		t.Fatalf("expected 3 deleted and 6 updated, got %+v", report)
	}

	byOrder := make(map[string]Event)
	for _, event := range f.store.updatedEvents() {
		var p orderCreated
		if err := json.Unmarshal(event.Payload, &p); err != nil {
			t.Fatalf("decode: %v", err)
		}
		byOrder[p.OrderID] = event
	}
	for _, id := range []string{"3", "4", "5"} {
		event := byOrder[id]
		if event.Attempts != 0 || event.Status != StatusEnabled || event.FailReason != "order-"+id+" was locked" {
			t.Fatalf("unexpected lock-busy update %+v", event)
		}
	}
	if retried := byOrder["6"]; retried.Attempts != 1 || retried.Status != StatusEnabled ||
		!retried.RunTime.Equal(f.clock.Now().Add(10*time.Second)) {
		t.Fatalf("unexpected retry update %+v", retried)
	}
	for _, id := range []string{"7", "8"} {
		if event := byOrder[id]; event.Status != StatusDisabled || event.FailReason != "boom" {
			t.Fatalf("unexpected failed update %+v", event)
		}
	}
}

func TestRelayDrainDecodeErrorDisablesEvent(t *testing.T) {
	f := newRelayFixture(t, MapSource{}, nil)
	f.store.events = []Event{{
		ID:        uuid.New(),
		EventType: testEventType,
		Payload:   []byte("{not json"),
		LockKey:   "order-x",
		Status:    StatusEnabled,
	}}

	handler := NewHandler(testEventType, func(context.Context, orderCreated) (Result, error) {
		return Processed(), nil
	})

	if _, err := f.relay.Drain(context.Background(), handler); err != nil {
		t.Fatalf("drain: %v", err)
	}
	updated := f.store.updatedEvents()
	if len(updated) != 1 || updated[0].Status != StatusDisabled || updated[0].FailReason == "" {
		t.Fatalf("expected disabled event, got %+v", updated)
	}
}

func TestRelayDrainHandlerPanicDisablesEvent(t *testing.T) {
	f := newRelayFixture(t, MapSource{}, nil)
	f.store.events = makeEvents(t, 2, f.clock.Now())

	handler := NewHandler(testEventType, func(_ context.Context, p orderCreated) (Result, error) {
		if p.OrderID == "0" {
			panic("bad payload")
		}

		return Processed(), nil
	})

	report, err := f.relay.Drain(context.Background(), handler)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if report.Deleted != 1 || report.Updated != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if updated := f.store.updatedEvents(); updated[0].Status != StatusDisabled {
		t.Fatalf("expected disabled event, got %+v", updated[0])
	}
}

func TestRelayDrainProcessingDisabled(t *testing.T) {
	f := newRelayFixture(t, MapSource{KeyProcessEnabled: "false"}, nil)
	f.store.events = makeEvents(t, 1, f.clock.Now())

	report, err := f.relay.Drain(context.Background(), NewHandler(testEventType,
		func(context.Context, orderCreated) (Result, error) { return Processed(), nil }))
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if report.Outcome != CycleDisabled {
		t.Fatalf("expected disabled outcome, got %s", report.Outcome)
	}
	if f.store.selects != 0 {
		t.Fatalf("expected no fetch")
	}
	trigger, _ := f.registry.Trigger(testEventType)
	if trigger.Delay() != 10*time.Second {
		t.Fatalf("expected empty delay, got %s", trigger.Delay())
	}
}

func TestRelayDrainTypeLocked(t *testing.T) {
	f := newRelayFixture(t, MapSource{}, nil)
	f.store.events = makeEvents(t, 1, f.clock.Now())
	if _, ok := f.locker.TryLock(context.Background(), testEventType, time.Hour); !ok {
		t.Fatalf("pre-lock type")
	}

	report, err := f.relay.Drain(context.Background(), NewHandler(testEventType,
		func(context.Context, orderCreated) (Result, error) { return Processed(), nil }))
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if report.Outcome != CycleLocked {
		t.Fatalf("expected locked outcome, got %s", report.Outcome)
	}
	if f.store.selects != 0 {
		t.Fatalf("expected no fetch")
	}
	trigger, _ := f.registry.Trigger(testEventType)
	if trigger.Delay() != time.Second {
		t.Fatalf("expected locked delay, got %s", trigger.Delay())
	}
}

func TestRelayDrainExecutionModeTypeLock(t *testing.T) {
	tests := []struct {
		mode       string
		wantLocked bool
	}{
		{mode: "EXCLUSIVE", wantLocked: true},
		{mode: "PARALLEL", wantLocked: false},
	}

	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			f := newRelayFixture(t, MapSource{KeyExecutionMode: tt.mode}, nil)
			f.store.events = makeEvents(t, 1, f.clock.Now())

			var heldDuringHandle atomic.Bool
			handler := NewHandler(testEventType, func(ctx context.Context, _ orderCreated) (Result, error) {
				lease, acquired := f.locker.inner.TryLock(ctx, testEventType, time.Second)
				heldDuringHandle.Store(!acquired)
				f.locker.inner.Unlock(ctx, lease)

				return Processed(), nil
			})

			if _, err := f.relay.Drain(context.Background(), handler); err != nil {
				t.Fatalf("drain: %v", err)
			}
			if heldDuringHandle.Load() != tt.wantLocked {
				t.Fatalf("type lock held during handle = %v, want %v", heldDuringHandle.Load(), tt.wantLocked)
			}
			if got := f.locker.unlocks(testEventType); got != 1 {
				t.Fatalf("expected type lock released once, got %d", got)
			}
		})
	}
}

func TestRelayDrainPersistErrors(t *testing.T) {
	f := newRelayFixture(t, MapSource{}, nil)
	f.store.events = makeEvents(t, 2, f.clock.Now())
	f.store.deleteErr = errors.New("delete failed")

	handler := NewHandler(testEventType, func(_ context.Context, p orderCreated) (Result, error) {
		if p.OrderID == "0" {
			return Processed(), nil
		}

		return Retry("later"), nil
	})

	_, err := f.relay.Drain(context.Background(), handler)
	if !errors.Is(err, f.store.deleteErr) {
		t.Fatalf("expected delete error, got %v", err)
	}
	if len(f.store.updates) != 1 {
		t.Fatalf("expected updates to be persisted after a delete failure")
	}
	if got := f.locker.unlocks(testEventType); got != 1 {
		t.Fatalf("expected type lock released once, got %d", got)
	}
}

func TestRelayDrainDistributedSkipsClaimedEvents(t *testing.T) {
	stash := NewMemoryClaimStash()
	f := newRelayFixture(t, MapSource{}, func(store *fakeStore, clock *fakeClock) Source {
		return NewDistributedSource(store, stash, clock, nil)
	})
	events := makeEvents(t, 4, f.clock.Now())
	f.store.events = events
	settings, _ := f.registry.Settings(testEventType)

	claimed := Claim{IDs: eventIDs(events[:2]), Owner: "peer", ExpiresAt: f.clock.Now().Add(time.Minute)}
	if err := stash.Put(context.Background(), settings.StashName, "peer", time.Minute, claimed); err != nil {
		t.Fatalf("put: %v", err)
	}

	report, err := f.relay.Drain(context.Background(), NewHandler(testEventType,
		func(context.Context, orderCreated) (Result, error) { return Processed(), nil }))
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if report.Fetched != 2 {
		t.Fatalf("expected 2 unclaimed events, got %d", report.Fetched)
	}
	claims, _ := stash.List(context.Background(), settings.StashName)
	if len(claims) != 1 || claims[0].Owner != "peer" {
		t.Fatalf("expected the session claim to be removed, got %+v", claims)
	}
}

func TestRelayRunStopsOnCancel(t *testing.T) {
	f := newRelayFixture(t, MapSource{KeyRepeatDelay: "10"}, nil)
	f.store.events = makeEvents(t, 1, f.clock.Now())
	f.relay.cfg.ExportInterval = -1

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handled := make(chan struct{}, 1)
	handlers, err := NewHandlerSet(NewHandler(testEventType, func(context.Context, orderCreated) (Result, error) {
		select {
		case handled <- struct{}{}:
		default:
		}

		return Processed(), nil
	}))
	if err != nil {
		t.Fatalf("handler set: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- f.relay.Run(ctx, handlers)
	}()

	select {
	case <-handled:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected a cycle to run")
	}
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not stop")
	}
}

func TestRelayRunRejectsInvalidSettings(t *testing.T) {
	f := newRelayFixture(t, MapSource{KeyBatchSize: "0"}, nil)
	handlers, err := NewHandlerSet(NewHandler(testEventType,
		func(context.Context, orderCreated) (Result, error) { return Processed(), nil }))
	if err != nil {
		t.Fatalf("handler set: %v", err)
	}

	if err := f.relay.Run(context.Background(), handlers); !errors.Is(err, ErrInvalidBatchSize) {
		t.Fatalf("expected invalid batch size, got %v", err)
	}
}
