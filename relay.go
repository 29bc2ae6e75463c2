package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// CycleOutcome classifies how a drain cycle ended.
type CycleOutcome string

const (
	// CycleDisabled means processing is switched off for the type.
	CycleDisabled CycleOutcome = "disabled"
	// CycleLocked means another worker holds the type lock.
	CycleLocked CycleOutcome = "locked"
	// CycleEmpty means no eligible events were found.
	CycleEmpty CycleOutcome = "empty"
	// CycleDrained means a batch was dispatched and persisted.
	CycleDrained CycleOutcome = "drained"
	// CycleFailed means the cycle returned an error.
	CycleFailed CycleOutcome = "failed"
)

// String implements fmt.Stringer.
func (o CycleOutcome) String() string {
	return string(o)
}

// CycleReport summarizes one drain cycle.
type CycleReport struct {
	Outcome CycleOutcome
	Fetched int
	Deleted int
	Updated int
}

const saturatedReason = "worker pool saturated"

// Relay drains outbox events type by type.
type Relay struct {
	source      Source
	store       Store
	locker      Locker
	registry    *Registry
	coordinator *Coordinator
	cfg         RelayConfig
}

// cycleSet collects the persistence decision of every dispatched event.
type cycleSet struct {
	mu      sync.Mutex
	deletes []Event
	updates []Event
}

func (s *cycleSet) add(d disposition, event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d == dispositionDelete {
		s.deletes = append(s.deletes, event)

		return
	}
	s.updates = append(s.updates, event)
}

// NewRelay constructs a Relay with defaults and optional settings.
func NewRelay(store Store, source Source, locker Locker, registry *Registry, opts ...RelayOption) *Relay {
	if store == nil {
		panic("outbox: nil Store")
	}
	if source == nil {
		panic("outbox: nil Source")
	}
	if locker == nil {
		panic("outbox: nil Locker")
	}
	if registry == nil {
		panic("outbox: nil Registry")
	}

	var cfg RelayConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg = cfg.withDefaults()

	return &Relay{
		source:      source,
		store:       store,
		locker:      locker,
		registry:    registry,
		coordinator: NewCoordinator(locker, cfg.Metrics, cfg.Logger),
		cfg:         cfg,
	}
}

// Drain runs one cycle for the handler's event type: lock the type, fetch a batch, dispatch it
// through the type's worker pool, then persist deletes and updates.
//
// Persistence, claim removal and type unlock always run once the type lock is held, even when the
// fetch fails or ctx is canceled. Persistence errors are returned.
func (r *Relay) Drain(ctx context.Context, handler Handler) (report CycleReport, err error) {
	if handler == nil {
		return report, ErrNilHandler
	}

	eventType := handler.EventType()
	start := time.Now()
	defer func() {
		if err != nil {
			report.Outcome = CycleFailed
		}
		r.cfg.Metrics.ObserveCycle(eventType, report.Outcome, time.Since(start))
	}()

	snap, err := r.registry.Acquire(eventType)
	if err != nil {
		return report, err
	}
	defer snap.Release()

	settings := snap.Settings
	if !settings.ProcessEnabled {
		snap.Trigger.SetDelay(settings.RepeatDelayOnEmpty)
		report.Outcome = CycleDisabled

		return report, nil
	}

	typeLease, locked := r.locker.TryLock(ctx, eventType, settings.TypeLockTTL())
	if !locked {
		snap.Trigger.SetDelay(settings.RepeatDelayOnLocked)
		report.Outcome = CycleLocked

		return report, nil
	}

	sessionID := r.cfg.SessionIDs()
	set := &cycleSet{}

	defer func() {
		cleanupCtx := context.WithoutCancel(ctx)
		deleted, updated, persistErr := r.persist(cleanupCtx, eventType, set)
		report.Deleted, report.Updated = deleted, updated
		if releaser, ok := r.source.(ClaimReleaser); ok {
			releaser.Release(cleanupCtx, settings, sessionID)
		}
		r.locker.Unlock(cleanupCtx, typeLease)
		err = errors.Join(err, persistErr)
	}()

	events, err := r.source.Events(ctx, eventType, settings, sessionID)
	if err != nil {
		// Keep a failing store from being polled at the tight repeat delay.
		snap.Trigger.SetDelay(max(snap.Trigger.Delay(), settings.RepeatDelayOnLocked))
		r.cfg.Logger.Error("outbox fetch failed", "event_type", eventType, "err", err)

		return report, err
	}

	if settings.ExecutionMode != ExecutionExclusive {
		r.locker.Unlock(ctx, typeLease)
		typeLease = Lease{}
	}

	report.Fetched = len(events)
	if len(events) == 0 {
		snap.Trigger.SetDelay(settings.RepeatDelayOnEmpty)
		report.Outcome = CycleEmpty
		r.cfg.Logger.Debug("outbox no events", "event_type", eventType)

		return report, nil
	}

	var g errgroup.Group
	g.SetLimit(settings.Fanout())
	for i := range events {
		event := events[i]
		g.Go(func() error {
			set.add(r.dispatch(ctx, snap, handler, event))

			return nil
		})
	}
	_ = g.Wait()

	snap.Trigger.SetDelay(settings.RepeatDelay)
	report.Outcome = CycleDrained

	return report, nil
}

func (r *Relay) dispatch(ctx context.Context, snap Snapshot, handler Handler, event Event) (disposition, Event) {
	var (
		result Result
		ran    bool
	)

	err := snap.Pool.Run(ctx, func() error {
		ran = true
		res, applyErr := r.coordinator.Apply(ctx, handler, event, snap.Settings)
		result = res

		return applyErr
	})
	now := r.cfg.Clock.Now()

	switch {
	case err != nil && !ran:
		reason := err.Error()
		if errors.Is(err, ErrPoolSaturated) {
			reason = saturatedReason
		}
		r.cfg.Logger.Warn("outbox event not dispatched", "event_type", event.EventType, "event_id", event.ID, "err", err)

		return classify(Result{LockBusy: true, Reason: reason}, event, snap.Settings, now)
	case err != nil:
		return dispositionUpdate, disable(event, err)
	default:
		return classify(result, event, snap.Settings, now)
	}
}

func (r *Relay) persist(ctx context.Context, eventType string, set *cycleSet) (int, int, error) {
	set.mu.Lock()
	deletes, updates := set.deletes, set.updates
	set.mu.Unlock()

	var errs []error
	deleted, updated := 0, 0
	if len(deletes) > 0 {
		if err := r.store.DeleteBatch(ctx, deletes); err != nil {
			errs = append(errs, fmt.Errorf("outbox delete %s events: %w", eventType, err))
		} else {
			deleted = len(deletes)
			r.cfg.Metrics.AddDeleted(eventType, deleted)
		}
	}
	if len(updates) > 0 {
		if err := r.store.UpdateBatch(ctx, updates); err != nil {
			errs = append(errs, fmt.Errorf("outbox update %s events: %w", eventType, err))
		} else {
			updated = len(updates)
			r.cfg.Metrics.AddUpdated(eventType, updated)
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		r.cfg.Logger.Error("outbox persist failed", "event_type", eventType, "err", err)
	}

	return deleted, updated, err
}

// Run schedules cycles for every handler until ctx ends, each type on its own trigger.
// Cycle errors are logged and the type keeps firing. Run returns once in-flight cycles finish;
// pools stay open until Registry.Shutdown.
func (r *Relay) Run(ctx context.Context, handlers *HandlerSet) error {
	if handlers == nil {
		return ErrNilHandler
	}
	for _, eventType := range handlers.Types() {
		if _, err := r.registry.Settings(eventType); err != nil {
			return fmt.Errorf("outbox settings for %s: %w", eventType, err)
		}
	}

	var wg sync.WaitGroup
	for _, handler := range handlers.Handlers() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.runType(ctx, handler)
		}()
	}

	if r.cfg.ExportInterval > 0 {
		exporter := NewSizeExporter(r.store, r.locker, r.cfg.Metrics, handlers.Types(), r.cfg.Logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.runExport(ctx, exporter)
		}()
	}

	wg.Wait()

	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func (r *Relay) runType(ctx context.Context, handler Handler) {
	eventType := handler.EventType()
	trigger, err := r.registry.Trigger(eventType)
	if err != nil {
		r.cfg.Logger.Error("outbox trigger unavailable", "event_type", eventType, "err", err)

		return
	}

	var last time.Time
	for {
		now := r.cfg.Clock.Now()
		if err := r.sleep(ctx, trigger.Next(last, now).Sub(now)); err != nil {
			return
		}

		r.safeDrain(ctx, handler)
		last = r.cfg.Clock.Now()
	}
}

func (r *Relay) safeDrain(ctx context.Context, handler Handler) {
	defer func() {
		if rec := recover(); rec != nil {
			r.cfg.Logger.Error("outbox cycle panic", "event_type", handler.EventType(),
				"err", fmt.Errorf("%w: %v", ErrWorkerPanic, rec))
		}
	}()

	report, err := r.Drain(ctx, handler)
	if err != nil {
		if ctx.Err() == nil {
			r.cfg.Logger.Error("outbox cycle failed", "event_type", handler.EventType(), "err", err)
		}

		return
	}
	if report.Outcome == CycleDrained {
		r.cfg.Logger.Debug("outbox cycle drained", "event_type", handler.EventType(),
			"fetched", report.Fetched, "deleted", report.Deleted, "updated", report.Updated)
	}
}

func (r *Relay) runExport(ctx context.Context, exporter *SizeExporter) {
	ticker := time.NewTicker(r.cfg.ExportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := exporter.Export(ctx); err != nil && ctx.Err() == nil {
				r.cfg.Logger.Error("outbox size export failed", "err", err)
			}
		}
	}
}

func (r *Relay) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
