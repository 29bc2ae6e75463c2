package outbox

import (
	"errors"
	"testing"
	"time"
)

func TestLoadSettingsDefaults(t *testing.T) {
	s, err := LoadSettings(testEventType, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	want := DefaultSettings(testEventType)
	if s != want {
		t.Fatalf("unexpected defaults %+v", s)
	}
	if s.BatchSize != 100 || s.AttemptsMax != 3 || s.PoolCoreSize != 1 || s.PoolMaxSize != 2 {
		t.Fatalf("unexpected sizing %+v", s)
	}
	if s.RepeatDelayOnEmpty != 10*time.Second || s.RepeatDelayOnLocked != time.Second ||
		s.NextDelay != 10*time.Second || s.Timeout != 120*time.Second {
		t.Fatalf("unexpected delays %+v", s)
	}
	if s.ExecutionMode != ExecutionParallel || s.DeleteAfterAttempts || s.StashName != "ORDER_CREATED-HASH" {
		t.Fatalf("unexpected mode settings %+v", s)
	}
}

func TestLoadSettingsResolution(t *testing.T) {
	src := MapSource{
		KeyBatchSize:                               "50",
		TypeKey(KeyBatchSize, testEventType):       "25",
		KeyAttemptsMax:                             "5",
		KeyRepeatDelay:                             " 100 ",
		TypeKey(KeyExecutionMode, testEventType):   "exclusive",
		KeyNextDelayCoefficient:                    "2.5",
		TypeKey(KeyDeleteAfterAttempts, "OTHER"):   "true",
		TypeKey(KeyStashName, testEventType):       "orders-in-flight",
		TypeKey(KeyFanoutPerWorker, testEventType): "3",
	}

	s, err := LoadSettings(testEventType, src)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.BatchSize != 25 {
		t.Fatalf("type key must win, got %d", s.BatchSize)
	}
	if s.AttemptsMax != 5 {
		t.Fatalf("global key must apply, got %d", s.AttemptsMax)
	}
	if s.RepeatDelay != 100*time.Millisecond {
		t.Fatalf("unexpected repeat delay %s", s.RepeatDelay)
	}
	if s.ExecutionMode != ExecutionExclusive {
		t.Fatalf("unexpected mode %s", s.ExecutionMode)
	}
	if s.NextDelayCoefficient != 2.5 {
		t.Fatalf("unexpected coefficient %v", s.NextDelayCoefficient)
	}
	if s.DeleteAfterAttempts {
		t.Fatalf("another type's override must not apply")
	}
	if s.StashName != "orders-in-flight" {
		t.Fatalf("unexpected stash %q", s.StashName)
	}
	if s.Fanout() != 6 {
		t.Fatalf("unexpected fan-out %d", s.Fanout())
	}
	if s.QueueCapacity() != 12 {
		t.Fatalf("unexpected queue capacity %d", s.QueueCapacity())
	}
}

func TestLoadSettingsErrors(t *testing.T) {
	tests := []struct {
		name string
		src  MapSource
		want error
	}{
		{name: "batch zero", src: MapSource{KeyBatchSize: "0"}, want: ErrInvalidBatchSize},
		{name: "batch malformed", src: MapSource{KeyBatchSize: "ten"}, want: ErrInvalidSetting},
		{name: "bool malformed", src: MapSource{KeyProcessEnabled: "maybe"}, want: ErrInvalidSetting},
		{name: "negative delay", src: MapSource{KeyNextDelay: "-1"}, want: ErrInvalidSetting},
		{name: "mode", src: MapSource{KeyExecutionMode: "ROUND_ROBIN"}, want: ErrUnsupportedExecutionMode},
		{name: "pool core above max", src: MapSource{KeyPoolCoreSize: "3", KeyPoolMaxSize: "2"}, want: ErrInvalidSetting},
		{name: "timeout zero", src: MapSource{KeyTimeout: "0"}, want: ErrInvalidSetting},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadSettings(testEventType, tt.src); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestParseExecutionMode(t *testing.T) {
	for input, want := range map[string]ExecutionMode{
		"":          ExecutionParallel,
		"parallel":  ExecutionParallel,
		"EXCLUSIVE": ExecutionExclusive,
	} {
		got, err := ParseExecutionMode(input)
		if err != nil || got != want {
			t.Fatalf("ParseExecutionMode(%q) = %s, %v", input, got, err)
		}
	}
}

func TestTypeLockTTL(t *testing.T) {
	s := DefaultSettings(testEventType)
	if s.TypeLockTTL() != s.RepeatDelayOnLocked {
		t.Fatalf("parallel mode must lease for the locked delay")
	}
	s.ExecutionMode = ExecutionExclusive
	if s.TypeLockTTL() != s.Timeout {
		t.Fatalf("exclusive mode must lease for the processing timeout")
	}
}

func TestPoolShapeChanged(t *testing.T) {
	s := DefaultSettings(testEventType)

	other := s
	other.RepeatDelay = time.Hour
	if s.PoolShapeChanged(other) {
		t.Fatalf("delay change must not rebuild the pool")
	}

	other = s
	other.BatchSize = 10
	if !s.PoolShapeChanged(other) {
		t.Fatalf("batch size change alters the queue capacity")
	}
}

func TestNextRunTime(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := DefaultSettings(testEventType)

	if got := s.NextRunTime(now, 0); !got.Equal(now) {
		t.Fatalf("zero attempts must be due now, got %s", got)
	}
	if got := s.NextRunTime(now, 3); !got.Equal(now.Add(30 * time.Second)) {
		t.Fatalf("unexpected backoff %s", got)
	}

	s.NextDelayIncrease = false
	if got := s.NextRunTime(now, 3); !got.Equal(now.Add(10 * time.Second)) {
		t.Fatalf("unexpected fixed delay %s", got)
	}
}
