package outbox

import (
	"context"
	"sync"
	"time"
)

type leaseOpKind int

const (
	leaseOpPut leaseOpKind = iota
	leaseOpRemove
)

type leaseOp struct {
	kind  leaseOpKind
	key   string
	ttl   time.Duration
	now   time.Time
	token uint64
	reply chan leaseReply
}

type leaseReply struct {
	ok    bool
	token uint64
}

type leaseEntry struct {
	expiresAt time.Time
	token     uint64
}

// LeaseMap is an in-process key to expiry map. A single goroutine owns the map and applies
// operations in the order they arrive, so lock decisions for a key are strictly serialized.
// Every successful put gets a fresh owner token; removal requires that token.
type LeaseMap struct {
	clock Clock
	ops   chan leaseOp
	done  chan struct{}

	closeOnce sync.Once
	stopped   chan struct{}
}

// NewLeaseMap starts the owner goroutine. Call Close to stop it.
func NewLeaseMap(clock Clock) *LeaseMap {
	if clock == nil {
		clock = SystemClock{}
	}

	m := &LeaseMap{
		clock:   clock,
		ops:     make(chan leaseOp),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go m.loop()

	return m
}

func (m *LeaseMap) loop() {
	defer close(m.stopped)

	leases := make(map[string]leaseEntry)
	var next uint64
	for {
		select {
		case <-m.done:
			return
		case op := <-m.ops:
			switch op.kind {
			case leaseOpPut:
				entry, held := leases[op.key]
				if held && entry.expiresAt.After(op.now) {
					op.reply <- leaseReply{}

					continue
				}
				next++
				leases[op.key] = leaseEntry{expiresAt: op.now.Add(op.ttl), token: next}
				op.reply <- leaseReply{ok: true, token: next}
			case leaseOpRemove:
				entry, held := leases[op.key]
				if !held || entry.token != op.token {
					op.reply <- leaseReply{}

					continue
				}
				delete(leases, op.key)
				op.reply <- leaseReply{ok: true}
			}
		}
	}
}

// PutIfAbsentOrExpired stores key with expiry now+ttl unless an unexpired entry exists.
// It reports whether the caller now owns key and, if so, the owner token for Remove.
func (m *LeaseMap) PutIfAbsentOrExpired(ctx context.Context, key string, ttl time.Duration) (uint64, bool, error) {
	r, err := m.do(ctx, leaseOp{kind: leaseOpPut, key: key, ttl: ttl, now: m.clock.Now()})

	return r.token, r.ok, err
}

// Remove deletes key only while it still carries token, and reports whether it did.
func (m *LeaseMap) Remove(ctx context.Context, key string, token uint64) (bool, error) {
	r, err := m.do(ctx, leaseOp{kind: leaseOpRemove, key: key, token: token})

	return r.ok, err
}

// Close stops the owner goroutine and waits for it to exit. It is safe to call more than once.
func (m *LeaseMap) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
	})
	<-m.stopped
}

func (m *LeaseMap) do(ctx context.Context, op leaseOp) (leaseReply, error) {
	op.reply = make(chan leaseReply, 1)

	select {
	case <-m.done:
		return leaseReply{}, ErrLeaseMapClosed
	case <-ctx.Done():
		return leaseReply{}, ctx.Err()
	case m.ops <- op:
	}

	// The owner always answers an accepted op.
	return <-op.reply, nil
}
