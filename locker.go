package outbox

import (
	"context"
	"strconv"
	"time"
)

// Lease identifies one successful acquisition. The zero Lease is not held.
//
// Token is the owner token written at acquisition. Release only succeeds while the store still
// holds this token for Key.
type Lease struct {
	Key   string
	Token string
}

// Held reports whether the lease came from a successful TryLock.
func (l Lease) Held() bool {
	return l.Key != "" && l.Token != ""
}

// Locker grants named, time-bounded mutual exclusion.
//
// TryLock never returns an error: infrastructure faults are logged by the implementation and
// reported as a failed acquisition. Unlock is a no-op unless the lease is held, and it never
// releases an acquisition made by another owner after this lease expired.
type Locker interface {
	// TryLock acquires key for ttl. An empty key is never acquired.
	TryLock(ctx context.Context, key string, ttl time.Duration) (Lease, bool)
	// Unlock releases lease if it is still the current owner of its key.
	Unlock(ctx context.Context, lease Lease)
}

// LocalLocker is a Locker for a single active instance, backed by a LeaseMap.
type LocalLocker struct {
	leases *LeaseMap
	logger Logger
}

// NewLocalLocker builds a LocalLocker. Close releases its lease map.
func NewLocalLocker(clock Clock, logger Logger) *LocalLocker {
	return &LocalLocker{
		leases: NewLeaseMap(clock),
		logger: loggerOrNop(logger),
	}
}

// TryLock implements Locker.
func (l *LocalLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (Lease, bool) {
	if key == "" {
		return Lease{}, false
	}

	token, ok, err := l.leases.PutIfAbsentOrExpired(ctx, key, ttl)
	if err != nil {
		l.logger.Error("outbox lock failed", "key", key, "err", err)

		return Lease{}, false
	}
	if !ok {
		return Lease{}, false
	}

	return Lease{Key: key, Token: strconv.FormatUint(token, 10)}, true
}

// Unlock implements Locker.
func (l *LocalLocker) Unlock(ctx context.Context, lease Lease) {
	if !lease.Held() {
		return
	}

	token, err := strconv.ParseUint(lease.Token, 10, 64)
	if err != nil {
		l.logger.Error("outbox unlock failed", "key", lease.Key, "err", err)

		return
	}

	// Release must survive a canceled cycle context.
	if _, err := l.leases.Remove(context.WithoutCancel(ctx), lease.Key, token); err != nil {
		l.logger.Error("outbox unlock failed", "key", lease.Key, "err", err)
	}
}

// Close stops the underlying lease map.
func (l *LocalLocker) Close() {
	l.leases.Close()
}
