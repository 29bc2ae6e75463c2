package bootstrap

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
database:
  driver: MySQL
  dsn: "root:secret@tcp(localhost:3306)/outbox?parseTime=true"
  table: outbox
lock:
  type: redis
redis:
  addr: localhost:6379
  prefix: "orders:"
metrics:
  endpoint: localhost:4317
  insecure: true
settings: /etc/outbox/settings.yaml
watchSettings: true
exportInterval: 30s
cleanup:
  retention: 168h
  interval: 1h
`))
	require.NoError(t, err)

	require.Equal(t, DriverMySQL, cfg.Database.Driver)
	require.Equal(t, LockRedis, cfg.Lock.Type)
	require.Equal(t, "orders:", cfg.Redis.Prefix)
	require.Equal(t, 30*time.Second, cfg.ExportInterval)
	require.Equal(t, 168*time.Hour, cfg.Cleanup.Retention)
	require.Equal(t, 15*time.Second, cfg.Metrics.Interval)
	require.Equal(t, "outbox-relay", cfg.Metrics.ServiceName)
	require.True(t, cfg.WatchSettings)
}

func TestParseConfigDefaultsToLocal(t *testing.T) {
	cfg, err := ParseConfig([]byte("database:\n  driver: postgres\n  dsn: postgres://localhost/outbox\n"))
	require.NoError(t, err)
	require.Equal(t, LockLocal, cfg.Lock.Type)
}

func TestParseConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want error
	}{
		{name: "lock type", yaml: "database: {driver: mysql, dsn: x}\nlock: {type: ZOOKEEPER}\n", want: ErrUnsupportedLockType},
		{name: "driver", yaml: "database: {driver: oracle, dsn: x}\n", want: ErrUnsupportedDriver},
		{name: "dsn", yaml: "database: {driver: mysql}\n", want: ErrDSNRequired},
		{name: "redis addr", yaml: "database: {driver: mysql, dsn: x}\nlock: {type: REDIS}\n", want: ErrRedisAddrRequired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.yaml))
			require.ErrorIs(t, err, tt.want)
		})
	}
}
