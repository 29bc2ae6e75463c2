package outbox

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSizeExporterExport(t *testing.T) {
	store := &fakeStore{counts: []TypeCount{
		{EventType: testEventType, Count: 12},
		{EventType: "UNREGISTERED", Count: 3},
	}}
	locker := NewLocalLocker(nil, nil)
	defer locker.Close()
	metrics := newRecordingMetrics()

	exporter := NewSizeExporter(store, locker, metrics, []string{testEventType, "ORDER_SHIPPED"}, nil)
	exported, err := exporter.Export(context.Background())
	if err != nil || !exported {
		t.Fatalf("export = %v, %v", exported, err)
	}

	if metrics.queueSizes[testEventType] != 12 {
		t.Fatalf("unexpected size %d", metrics.queueSizes[testEventType])
	}
	if size, ok := metrics.queueSizes["ORDER_SHIPPED"]; !ok || size != 0 {
		t.Fatalf("registered type without rows must report zero, got %d %v", size, ok)
	}
	if _, ok := metrics.queueSizes["UNREGISTERED"]; ok {
		t.Fatalf("unregistered types must not be exported")
	}
	if _, ok := locker.TryLock(context.Background(), ExportLockKey, time.Second); !ok {
		t.Fatalf("export lock must be released")
	}
}

func TestSizeExporterSkipsWhenLocked(t *testing.T) {
	store := &fakeStore{countErr: errors.New("must not be called")}
	locker := NewLocalLocker(nil, nil)
	defer locker.Close()
	if _, ok := locker.TryLock(context.Background(), ExportLockKey, time.Minute); !ok {
		t.Fatalf("pre-lock")
	}

	exported, err := NewSizeExporter(store, locker, nil, []string{testEventType}, nil).Export(context.Background())
	if err != nil || exported {
		t.Fatalf("export = %v, %v", exported, err)
	}
}

func TestSizeExporterStoreError(t *testing.T) {
	store := &fakeStore{countErr: errors.New("down")}
	locker := NewLocalLocker(nil, nil)
	defer locker.Close()

	_, err := NewSizeExporter(store, locker, nil, []string{testEventType}, nil).Export(context.Background())
	if !errors.Is(err, store.countErr) {
		t.Fatalf("expected store error, got %v", err)
	}
	if _, ok := locker.TryLock(context.Background(), ExportLockKey, time.Second); !ok {
		t.Fatalf("export lock must be released after an error")
	}
}
