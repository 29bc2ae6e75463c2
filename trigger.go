package outbox

import (
	"sync/atomic"
	"time"
)

// Trigger decides when the next cycle of an event type fires. The delay is adjusted after every
// cycle, so idle types poll rarely and busy types poll at their repeat delay.
type Trigger struct {
	delay atomic.Int64
}

// NewTrigger returns a Trigger with the given initial delay.
func NewTrigger(delay time.Duration) *Trigger {
	t := &Trigger{}
	t.SetDelay(delay)

	return t
}

// SetDelay replaces the current delay.
func (t *Trigger) SetDelay(delay time.Duration) {
	if delay < 0 {
		delay = 0
	}
	t.delay.Store(int64(delay))
}

// Delay returns the current delay.
func (t *Trigger) Delay() time.Duration {
	return time.Duration(t.delay.Load())
}

// Next returns last+delay, or now+delay when the trigger never fired (last is zero).
func (t *Trigger) Next(last, now time.Time) time.Time {
	if last.IsZero() {
		return now.Add(t.Delay())
	}

	return last.Add(t.Delay())
}
