package redis

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/velmie/outbox/v2"
)

const defaultLockPrefix = "outbox:lock:"

// releaseScript deletes KEYS[1] only while it still holds the caller's token.
// KEYS[1] = lock key
// ARGV[1] = owner token written by TryLock
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// LockerOption configures a Locker.
type LockerOption func(*Locker)

// WithLockPrefix sets the prefix prepended to every lock key.
func WithLockPrefix(prefix string) LockerOption {
	return func(l *Locker) {
		l.prefix = prefix
	}
}

// WithLockLogger sets the logger for lock store faults.
func WithLockLogger(logger outbox.Logger) LockerOption {
	return func(l *Locker) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// Locker implements outbox.Locker on a shared Redis.
type Locker struct {
	client redis.UniversalClient
	prefix string
	logger outbox.Logger
}

var _ outbox.Locker = (*Locker)(nil)

// NewLocker builds a Locker on client.
func NewLocker(client redis.UniversalClient, opts ...LockerOption) (*Locker, error) {
	if client == nil {
		return nil, ErrClientRequired
	}

	l := &Locker{client: client, prefix: defaultLockPrefix, logger: outbox.NopLogger{}}
	for _, opt := range opts {
		opt(l)
	}

	return l, nil
}

// TryLock implements outbox.Locker. The returned lease carries a fresh owner token, so a
// release after expiry cannot delete a lock another owner acquired since.
func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (outbox.Lease, bool) {
	if key == "" {
		return outbox.Lease{}, false
	}
	if ttl < time.Millisecond {
		ttl = time.Millisecond
	}

	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.prefix+key, token, ttl).Result()
	if err != nil {
		l.logger.Error("outbox redis lock failed", "key", key, "err", err)

		return outbox.Lease{}, false
	}
	if !ok {
		return outbox.Lease{}, false
	}

	return outbox.Lease{Key: key, Token: token}, true
}

// Unlock implements outbox.Locker.
func (l *Locker) Unlock(ctx context.Context, lease outbox.Lease) {
	if !lease.Held() {
		return
	}

	err := releaseScript.Run(context.WithoutCancel(ctx), l.client, []string{l.prefix + lease.Key}, lease.Token).Err()
	if err != nil {
		l.logger.Error("outbox redis unlock failed", "key", lease.Key, "err", err)
	}
}
