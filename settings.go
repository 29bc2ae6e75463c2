package outbox

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ExecutionMode controls how instances share an event type.
type ExecutionMode string

const (
	// ExecutionExclusive lets one instance drain a type at a time; the type lock is held through persistence.
	ExecutionExclusive ExecutionMode = "EXCLUSIVE"
	// ExecutionParallel releases the type lock right after fetching, so instances drain concurrently.
	ExecutionParallel ExecutionMode = "PARALLEL"
)

// ParseExecutionMode parses a mode name. An empty value means ExecutionParallel.
func ParseExecutionMode(value string) (ExecutionMode, error) {
	switch ExecutionMode(strings.ToUpper(strings.TrimSpace(value))) {
	case "", ExecutionParallel:
		return ExecutionParallel, nil
	case ExecutionExclusive:
		return ExecutionExclusive, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedExecutionMode, value)
	}
}

// Configuration keys. A per-type override inserts the event type after the "outbox." prefix,
// e.g. "outbox.ORDER_CREATED.load.events.batch".
const (
	KeyProcessEnabled       = "outbox.process.enabled"
	KeySaveEnabled          = "outbox.save.enabled"
	KeyBatchSize            = "outbox.load.events.batch"
	KeyFirstDelay           = "outbox.first.sleep"
	KeyRepeatDelay          = "outbox.repeat.delay"
	KeyRepeatDelayOnLocked  = "outbox.repeat.delay.on.lock"
	KeyRepeatDelayOnEmpty   = "outbox.repeat.delay.on.empty"
	KeyNextDelay            = "outbox.next.delay"
	KeyNextDelayCoefficient = "outbox.next.delay.coefficient"
	KeyNextDelayIncrease    = "outbox.next.delay.increase"
	KeyAttemptsMax          = "outbox.attempts.max"
	KeyDeleteAfterAttempts  = "outbox.delete.attempts.max"
	KeyPoolMaxSize          = "outbox.pool.max.size"
	KeyPoolCoreSize         = "outbox.pool.core.size"
	KeyFanoutPerWorker      = "outbox.coroutines.per.thread"
	KeyTimeout              = "outbox.pool.timeout"
	KeyExecutionMode        = "outbox.execution.type"
	KeyStashName            = "outbox.stash.name"
)

const keyPrefix = "outbox."

var errNegativeDuration = errors.New("negative duration")

// TypeKey returns the per-type override of a configuration key.
func TypeKey(key, eventType string) string {
	return keyPrefix + eventType + "." + strings.TrimPrefix(key, keyPrefix)
}

// PropertySource resolves raw configuration values.
type PropertySource interface {
	// Lookup returns the value stored under key.
	Lookup(key string) (string, bool)
}

// MapSource is an in-memory PropertySource.
type MapSource map[string]string

// Lookup implements PropertySource.
func (m MapSource) Lookup(key string) (string, bool) {
	value, ok := m[key]

	return value, ok
}

// Settings is an immutable per-type configuration snapshot.
// A configuration change produces a new value; a snapshot held by a running cycle never changes.
type Settings struct {
	EventType            string
	ProcessEnabled       bool
	SaveEnabled          bool
	BatchSize            int
	FirstDelay           time.Duration
	RepeatDelay          time.Duration
	RepeatDelayOnLocked  time.Duration
	RepeatDelayOnEmpty   time.Duration
	NextDelay            time.Duration
	NextDelayCoefficient float64
	NextDelayIncrease    bool
	PoolCoreSize         int
	PoolMaxSize          int
	FanoutPerWorker      int
	AttemptsMax          int
	DeleteAfterAttempts  bool
	Timeout              time.Duration
	ExecutionMode        ExecutionMode
	StashName            string
}

// DefaultSettings returns the hard-coded defaults for eventType.
func DefaultSettings(eventType string) Settings {
	return Settings{
		EventType:            eventType,
		ProcessEnabled:       true,
		SaveEnabled:          true,
		BatchSize:            100,
		FirstDelay:           0,
		RepeatDelay:          0,
		RepeatDelayOnLocked:  time.Second,
		RepeatDelayOnEmpty:   10 * time.Second,
		NextDelay:            10 * time.Second,
		NextDelayCoefficient: 1,
		NextDelayIncrease:    true,
		PoolCoreSize:         1,
		PoolMaxSize:          2,
		FanoutPerWorker:      5,
		AttemptsMax:          3,
		DeleteAfterAttempts:  false,
		Timeout:              120 * time.Second,
		ExecutionMode:        ExecutionParallel,
		StashName:            eventType + "-HASH",
	}
}

// LoadSettings resolves settings for eventType: type-specific key, else global key, else default.
func LoadSettings(eventType string, src PropertySource) (Settings, error) {
	s := DefaultSettings(eventType)
	if src == nil {
		return s, nil
	}

	r := resolver{eventType: eventType, src: src}
	r.bool(KeyProcessEnabled, &s.ProcessEnabled)
	r.bool(KeySaveEnabled, &s.SaveEnabled)
	r.int(KeyBatchSize, &s.BatchSize)
	r.millis(KeyFirstDelay, &s.FirstDelay)
	r.millis(KeyRepeatDelay, &s.RepeatDelay)
	r.millis(KeyRepeatDelayOnLocked, &s.RepeatDelayOnLocked)
	r.millis(KeyRepeatDelayOnEmpty, &s.RepeatDelayOnEmpty)
	r.millis(KeyNextDelay, &s.NextDelay)
	r.float(KeyNextDelayCoefficient, &s.NextDelayCoefficient)
	r.bool(KeyNextDelayIncrease, &s.NextDelayIncrease)
	r.int(KeyPoolCoreSize, &s.PoolCoreSize)
	r.int(KeyPoolMaxSize, &s.PoolMaxSize)
	r.int(KeyFanoutPerWorker, &s.FanoutPerWorker)
	r.int(KeyAttemptsMax, &s.AttemptsMax)
	r.bool(KeyDeleteAfterAttempts, &s.DeleteAfterAttempts)
	r.millis(KeyTimeout, &s.Timeout)
	if raw, ok := r.lookup(KeyExecutionMode); ok {
		mode, err := ParseExecutionMode(raw)
		if err != nil {
			r.errs = append(r.errs, err)
		} else {
			s.ExecutionMode = mode
		}
	}
	if raw, ok := r.lookup(KeyStashName); ok && raw != "" {
		s.StashName = raw
	}

	if len(r.errs) > 0 {
		return Settings{}, r.errs[0]
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}

	return s, nil
}

// Validate checks value ranges.
func (s Settings) Validate() error {
	if s.BatchSize < 1 {
		return fmt.Errorf("%w: %d for %s", ErrInvalidBatchSize, s.BatchSize, s.EventType)
	}
	if s.PoolMaxSize < 1 || s.PoolCoreSize < 0 || s.PoolCoreSize > s.PoolMaxSize {
		return fmt.Errorf("%w: pool core=%d max=%d for %s", ErrInvalidSetting, s.PoolCoreSize, s.PoolMaxSize, s.EventType)
	}
	if s.FanoutPerWorker < 1 {
		return fmt.Errorf("%w: fan-out %d for %s", ErrInvalidSetting, s.FanoutPerWorker, s.EventType)
	}
	if s.AttemptsMax < 1 {
		return fmt.Errorf("%w: attempts max %d for %s", ErrInvalidSetting, s.AttemptsMax, s.EventType)
	}
	if s.Timeout <= 0 {
		return fmt.Errorf("%w: timeout %s for %s", ErrInvalidSetting, s.Timeout, s.EventType)
	}
	if s.NextDelayCoefficient < 0 {
		return fmt.Errorf("%w: next delay coefficient %v for %s", ErrInvalidSetting, s.NextDelayCoefficient, s.EventType)
	}

	return nil
}

// PoolShapeChanged reports whether other needs a different worker pool than s.
func (s Settings) PoolShapeChanged(other Settings) bool {
	return s.BatchSize != other.BatchSize ||
		s.PoolCoreSize != other.PoolCoreSize ||
		s.PoolMaxSize != other.PoolMaxSize ||
		s.FanoutPerWorker != other.FanoutPerWorker
}

// Fanout returns the number of events a cycle dispatches concurrently.
func (s Settings) Fanout() int {
	return s.PoolMaxSize * s.FanoutPerWorker
}

// QueueCapacity returns the pool queue capacity: half a batch, at least one.
func (s Settings) QueueCapacity() int {
	if s.BatchSize < 2 {
		return 1
	}

	return s.BatchSize / 2
}

// TypeLockTTL returns how long the type-level lock is leased for one cycle.
// Exclusive cycles hold it through processing, so it lasts as long as the processing timeout.
func (s Settings) TypeLockTTL() time.Duration {
	if s.ExecutionMode == ExecutionExclusive {
		return s.Timeout
	}

	return s.RepeatDelayOnLocked
}

// NextRunTime returns when an event with the given attempt count becomes eligible again.
// Zero attempts means immediately.
func (s Settings) NextRunTime(now time.Time, attempts int) time.Time {
	if attempts <= 0 {
		return now
	}
	if !s.NextDelayIncrease {
		return now.Add(s.NextDelay)
	}

	delay := float64(attempts) * float64(s.NextDelay.Milliseconds()) * s.NextDelayCoefficient

	return now.Add(time.Duration(int64(delay)) * time.Millisecond)
}

type resolver struct {
	eventType string
	src       PropertySource
	errs      []error
}

func (r *resolver) lookup(key string) (string, bool) {
	if value, ok := r.src.Lookup(TypeKey(key, r.eventType)); ok {
		return strings.TrimSpace(value), true
	}
	if value, ok := r.src.Lookup(key); ok {
		return strings.TrimSpace(value), true
	}

	return "", false
}

func (r *resolver) fail(key, raw string, err error) {
	r.errs = append(r.errs, fmt.Errorf("%w: %s=%q for %s: %v", ErrInvalidSetting, key, raw, r.eventType, err))
}

func (r *resolver) bool(key string, dst *bool) {
	raw, ok := r.lookup(key)
	if !ok {
		return
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		r.fail(key, raw, err)

		return
	}
	*dst = v
}

func (r *resolver) int(key string, dst *int) {
	raw, ok := r.lookup(key)
	if !ok {
		return
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		r.fail(key, raw, err)

		return
	}
	*dst = v
}

func (r *resolver) float(key string, dst *float64) {
	raw, ok := r.lookup(key)
	if !ok {
		return
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		r.fail(key, raw, err)

		return
	}
	*dst = v
}

func (r *resolver) millis(key string, dst *time.Duration) {
	raw, ok := r.lookup(key)
	if !ok {
		return
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		r.fail(key, raw, err)

		return
	}
	if v < 0 {
		r.fail(key, raw, errNegativeDuration)

		return
	}
	*dst = time.Duration(v) * time.Millisecond
}
