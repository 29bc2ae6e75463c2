package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type mutableSource struct {
	mu    sync.Mutex
	props MapSource
}

func (s *mutableSource) Lookup(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.props.Lookup(key)
}

func (s *mutableSource) set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.props[key] = value
}

func TestRegistryLazyState(t *testing.T) {
	r := NewRegistry(MapSource{KeyRepeatDelay: "250"}, nil)
	defer func() { _ = r.Shutdown(context.Background()) }()

	if len(r.Types()) != 0 {
		t.Fatalf("expected no types before first access")
	}

	settings, err := r.Settings(testEventType)
	if err != nil {
		t.Fatalf("settings: %v", err)
	}
	if settings.RepeatDelay != 250*time.Millisecond {
		t.Fatalf("unexpected repeat delay %s", settings.RepeatDelay)
	}
	trigger, err := r.Trigger(testEventType)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if trigger.Delay() != 250*time.Millisecond {
		t.Fatalf("trigger must start at the repeat delay, got %s", trigger.Delay())
	}
	again, _ := r.Trigger(testEventType)
	if again != trigger {
		t.Fatalf("expected the same trigger on repeated access")
	}
	if types := r.Types(); len(types) != 1 || types[0] != testEventType {
		t.Fatalf("unexpected types %v", types)
	}
}

func TestRegistryRejectsInvalidSettings(t *testing.T) {
	r := NewRegistry(MapSource{KeyBatchSize: "0"}, nil)

	if _, err := r.Settings(testEventType); !errors.Is(err, ErrInvalidBatchSize) {
		t.Fatalf("expected invalid batch size, got %v", err)
	}
	if _, err := r.Settings(""); !errors.Is(err, ErrEventTypeRequired) {
		t.Fatalf("expected event type required, got %v", err)
	}
}

func TestRegistryRefreshKeepsPoolWhenShapeUnchanged(t *testing.T) {
	src := &mutableSource{props: MapSource{}}
	r := NewRegistry(src, nil)
	defer func() { _ = r.Shutdown(context.Background()) }()

	before, err := r.Acquire(testEventType)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	before.Release()

	src.set(KeyRepeatDelayOnEmpty, "42")
	if err := r.Refresh(); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	after, err := r.Acquire(testEventType)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer after.Release()

	if after.Pool != before.Pool {
		t.Fatalf("pool must survive a refresh without shape change")
	}
	if after.Settings.RepeatDelayOnEmpty != 42*time.Millisecond {
		t.Fatalf("expected new settings, got %s", after.Settings.RepeatDelayOnEmpty)
	}
	if before.Settings.RepeatDelayOnEmpty != 10*time.Second {
		t.Fatalf("held snapshot must not change")
	}
}

func TestRegistryRefreshRebuildsPool(t *testing.T) {
	src := &mutableSource{props: MapSource{}}
	r := NewRegistry(src, nil)
	defer func() { _ = r.Shutdown(context.Background()) }()

	old, err := r.Acquire(testEventType)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	src.set(TypeKey(KeyPoolMaxSize, testEventType), "4")
	if err := r.Refresh(); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	current, err := r.Acquire(testEventType)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer current.Release()
	if current.Pool == old.Pool {
		t.Fatalf("expected a new pool after shape change")
	}
	if current.Pool.Config().MaxSize != 4 {
		t.Fatalf("unexpected max size %d", current.Pool.Config().MaxSize)
	}

	// The retired pool keeps serving the snapshot that pinned it.
	if err := old.Pool.Run(context.Background(), func() error { return nil }); err != nil {
		t.Fatalf("retired pool closed while in use: %v", err)
	}
	old.Release()

	deadline := time.Now().Add(time.Second)
	for {
		err := old.Pool.Submit(context.Background(), func() {})
		if errors.Is(err, ErrPoolClosed) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("retired pool was not closed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRegistryRefreshKeepsPreviousOnError(t *testing.T) {
	src := &mutableSource{props: MapSource{}}
	r := NewRegistry(src, nil)
	defer func() { _ = r.Shutdown(context.Background()) }()

	if _, err := r.Settings(testEventType); err != nil {
		t.Fatalf("settings: %v", err)
	}
	src.set(KeyAttemptsMax, "many")

	if err := r.Refresh(); !errors.Is(err, ErrInvalidSetting) {
		t.Fatalf("expected invalid setting, got %v", err)
	}
	settings, err := r.Settings(testEventType)
	if err != nil {
		t.Fatalf("settings: %v", err)
	}
	if settings.AttemptsMax != 3 {
		t.Fatalf("expected previous settings, got attempts max %d", settings.AttemptsMax)
	}
}

func TestRegistryShutdown(t *testing.T) {
	r := NewRegistry(nil, nil)
	snap, err := r.Acquire(testEventType)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	snap.Release()

	if err := r.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := r.Shutdown(context.Background()); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}
	if _, err := r.Acquire(testEventType); !errors.Is(err, ErrRegistryClosed) {
		t.Fatalf("expected closed registry, got %v", err)
	}
	if err := r.Refresh(); !errors.Is(err, ErrRegistryClosed) {
		t.Fatalf("expected closed registry, got %v", err)
	}
	if err := snap.Pool.Submit(context.Background(), func() {}); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("expected closed pool, got %v", err)
	}
}
