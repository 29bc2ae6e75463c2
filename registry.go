package outbox

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

type typeState struct {
	settings Settings
	pool     *Pool
	trigger  *Trigger
	users    *sync.WaitGroup
}

// Snapshot is the per-type state a cycle works with. Release must be called when the cycle ends.
type Snapshot struct {
	Settings Settings
	Pool     *Pool
	Trigger  *Trigger

	release func()
}

// Release returns the snapshot. A pool replaced by Refresh is closed after its last snapshot is released.
func (s Snapshot) Release() {
	if s.release != nil {
		s.release()
	}
}

// Registry lazily builds per-type settings, worker pools and triggers, and swaps them when the
// configuration changes.
type Registry struct {
	src    PropertySource
	logger Logger

	mu      sync.RWMutex
	types   map[string]*typeState
	closed  bool
	retired sync.WaitGroup
}

// NewRegistry returns an empty registry resolving settings from src.
func NewRegistry(src PropertySource, logger Logger) *Registry {
	return &Registry{
		src:    src,
		logger: loggerOrNop(logger),
		types:  make(map[string]*typeState),
	}
}

// Settings returns the current settings of eventType, creating the type state on first access.
func (r *Registry) Settings(eventType string) (Settings, error) {
	state, err := r.state(eventType)
	if err != nil {
		return Settings{}, err
	}

	return state.settings, nil
}

// Trigger returns the trigger of eventType, creating the type state on first access.
func (r *Registry) Trigger(eventType string) (*Trigger, error) {
	state, err := r.state(eventType)
	if err != nil {
		return nil, err
	}

	return state.trigger, nil
}

// Acquire returns the current snapshot of eventType and pins its pool until Release.
func (r *Registry) Acquire(eventType string) (Snapshot, error) {
	if _, err := r.state(eventType); err != nil {
		return Snapshot{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return Snapshot{}, ErrRegistryClosed
	}
	state := r.types[eventType]
	users := state.users
	users.Add(1)

	var once sync.Once

	return Snapshot{
		Settings: state.settings,
		Pool:     state.pool,
		Trigger:  state.trigger,
		release:  func() { once.Do(users.Done) },
	}, nil
}

// Types returns the event types materialized so far, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.types))
	for eventType := range r.types {
		out = append(out, eventType)
	}
	sort.Strings(out)

	return out
}

// Refresh reloads settings for every known type. Types whose pool shape changed get a new pool;
// the old pool is drained and closed once no cycle uses it. A type whose new configuration is
// invalid keeps its previous settings and the error is returned.
func (r *Registry) Refresh() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRegistryClosed
	}

	var errs []error
	for eventType, state := range r.types {
		next, err := LoadSettings(eventType, r.src)
		if err != nil {
			r.logger.Error("outbox settings refresh failed", "event_type", eventType, "err", err)
			errs = append(errs, err)

			continue
		}

		updated := &typeState{
			settings: next,
			pool:     state.pool,
			trigger:  state.trigger,
			users:    state.users,
		}
		if state.settings.PoolShapeChanged(next) {
			updated.pool = NewPool(PoolConfigFor(next, r.logger))
			updated.users = &sync.WaitGroup{}
			r.retire(eventType, state)
			r.logger.Info("outbox worker pool rebuilt", "event_type", eventType,
				"core", next.PoolCoreSize, "max", next.PoolMaxSize, "queue", next.QueueCapacity())
		}
		r.types[eventType] = updated
	}

	return errors.Join(errs...)
}

// Shutdown closes every pool after queued work finishes.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()

		return nil
	}
	r.closed = true
	states := make(map[string]*typeState, len(r.types))
	for eventType, state := range r.types {
		states[eventType] = state
	}
	r.mu.Unlock()

	var errs []error
	for eventType, state := range states {
		if err := state.pool.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("outbox close %s pool: %w", eventType, err))
		}
	}

	retired := make(chan struct{})
	go func() {
		r.retired.Wait()
		close(retired)
	}()
	select {
	case <-retired:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}

	return errors.Join(errs...)
}

func (r *Registry) state(eventType string) (*typeState, error) {
	if eventType == "" {
		return nil, ErrEventTypeRequired
	}

	r.mu.RLock()
	state, ok := r.types[eventType]
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, ErrRegistryClosed
	}
	if ok {
		return state, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRegistryClosed
	}
	if state, ok := r.types[eventType]; ok {
		return state, nil
	}

	settings, err := LoadSettings(eventType, r.src)
	if err != nil {
		return nil, err
	}
	state = &typeState{
		settings: settings,
		pool:     NewPool(PoolConfigFor(settings, r.logger)),
		trigger:  NewTrigger(settings.RepeatDelay),
		users:    &sync.WaitGroup{},
	}
	r.types[eventType] = state

	return state, nil
}

func (r *Registry) retire(eventType string, state *typeState) {
	r.retired.Add(1)
	go func() {
		defer r.retired.Done()

		state.users.Wait()
		if err := state.pool.Close(context.Background()); err != nil {
			r.logger.Warn("outbox retired pool close failed", "event_type", eventType, "err", err)
		}
	}()
}
