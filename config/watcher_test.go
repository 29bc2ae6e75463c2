package config

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/velmie/outbox/v2"
)

type signalRefresher chan struct{}

func (s signalRefresher) Refresh() error {
	select {
	case s <- struct{}{}:
	default:
	}

	return nil
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	path := writeFile(t, t.TempDir(), "outbox:\n  load.events.batch: 10\n")
	file, err := Load(path)
	require.NoError(t, err)

	refreshed := make(signalRefresher, 1)
	watcher := NewWatcher(file, []Refresher{refreshed}, WithDebounce(20*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- watcher.Run(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	// Give the watcher time to register the directory.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		require.NoError(t, os.WriteFile(path, []byte("outbox:\n  load.events.batch: 42\n"), 0o600))
		select {
		case <-refreshed:
			value, _ := file.Lookup(outbox.KeyBatchSize)
			require.Equal(t, "42", value)

			return
		case <-tick.C:
		case <-deadline:
			t.Fatalf("watcher did not reload the file")
		}
	}
}

func TestWatcherRefreshesRegistry(t *testing.T) {
	path := writeFile(t, t.TempDir(), "outbox:\n  repeat.delay: 10\n")
	file, err := Load(path)
	require.NoError(t, err)

	registry := outbox.NewRegistry(file, nil)
	defer func() { _ = registry.Shutdown(context.Background()) }()
	_, err = registry.Settings("ORDER_CREATED")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("outbox:\n  repeat.delay: 500\n"), 0o600))
	NewWatcher(file, []Refresher{registry}).apply()

	settings, err := registry.Settings("ORDER_CREATED")
	require.NoError(t, err)
	require.Equal(t, 500*time.Millisecond, settings.RepeatDelay)
}
