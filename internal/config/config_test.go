package config

import (
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg, err := Default()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, Store{Driver: "sqlite", Path: "weave.db"}, cfg.Store)
	assert.Empty(t, cfg.RedisURL)
	assert.Equal(t, Snapshot{EveryOps: 500, Interval: 5 * time.Minute}, cfg.Snapshot)
	assert.Equal(t, Presence{Heartbeat: 3 * time.Second, TimeoutMultiplier: 4, CursorThrottle: 50 * time.Millisecond}, cfg.Presence)
	assert.Equal(t, Room{Tick: time.Second, Idle: time.Minute, SendBuffer: 256}, cfg.Room)
	assert.Equal(t, Session{MinBackoff: 250 * time.Millisecond, MaxBackoff: 30 * time.Second, SyncTimeout: 10 * time.Second}, cfg.Session)
	assert.Equal(t, Log{Level: slog.LevelInfo, Format: "text"}, cfg.Log)
}

func TestLoad_File(t *testing.T) {
	cfg, err := Load(filepath.Join("testdata", "cluster.cue"))
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Listen)
	assert.Equal(t, "relay-a", cfg.NodeID)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://weave@db/weave", cfg.Store.URL)
	assert.Equal(t, "redis://cache:6379/0", cfg.RedisURL)
	assert.Equal(t, 100, cfg.Snapshot.EveryOps)
	assert.Equal(t, 5*time.Minute, cfg.Snapshot.Interval, "unset fields keep their defaults")
	assert.Equal(t, 2*time.Second, cfg.Presence.Heartbeat)
	assert.Equal(t, slog.LevelDebug, cfg.Log.Level)
}

func TestLoad_Missing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.cue"))
	var le *LoadError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, ErrCodeNotFound, le.Code)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"unknown field", `colour: "blue"`},
		{"bad driver", `store: driver: "mysql"`},
		{"postgres without url", `store: driver: "postgres"`},
		{"bad duration", `presence: heartbeat: "soon"`},
		{"multiplier too small", `presence: timeout_multiplier: 1`},
		{"negative ops", `snapshot: every_ops: -1`},
		{"bad level", `log: level: "loud"`},
		{"syntax", `listen: `},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse("bad.cue", []byte(tt.src))
			var le *LoadError
			require.ErrorAs(t, err, &le)
			assert.NotEmpty(t, le.Message)
		})
	}
}

func TestParse_BackoffOrder(t *testing.T) {
	_, err := Parse("x.cue", []byte(`session: {min_backoff: "1m", max_backoff: "1s"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "min_backoff")
}

func TestApplyEnv(t *testing.T) {
	cfg, err := Default()
	require.NoError(t, err)

	env := map[string]string{
		"WEAVE_LISTEN":    ":7000",
		"WEAVE_PG_URL":    "postgres://localhost/weave",
		"WEAVE_REDIS_URL": "redis://localhost:6379",
	}
	cfg.ApplyEnv(func(k string) string { return env[k] })

	assert.Equal(t, ":7000", cfg.Listen)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/weave", cfg.Store.URL)
	assert.Equal(t, "redis://localhost:6379", cfg.RedisURL)
}
