package outbox

import (
	"testing"
	"time"
)

func TestTriggerNext(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tr := NewTrigger(time.Second)

	if got := tr.Next(time.Time{}, now); !got.Equal(now.Add(time.Second)) {
		t.Fatalf("never fired: got %s", got)
	}

	last := now.Add(-300 * time.Millisecond)
	if got := tr.Next(last, now); !got.Equal(last.Add(time.Second)) {
		t.Fatalf("fired before: got %s", got)
	}

	tr.SetDelay(10 * time.Second)
	if tr.Delay() != 10*time.Second {
		t.Fatalf("unexpected delay %s", tr.Delay())
	}
	if got := tr.Next(last, now); !got.Equal(last.Add(10 * time.Second)) {
		t.Fatalf("after set delay: got %s", got)
	}

	tr.SetDelay(-time.Second)
	if tr.Delay() != 0 {
		t.Fatalf("negative delay must clamp to zero, got %s", tr.Delay())
	}
}
