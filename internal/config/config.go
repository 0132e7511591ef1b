// Package config loads the relay and session configuration.
//
// A config file is CUE. It is unified with an embedded schema that supplies
// defaults and constraints, so a file only names what it changes:
//
//	listen: ":9000"
//	store: driver: "postgres"
//	store: url:    "postgres://weave@db/weave"
//	redis: url:    "redis://cache:6379/0"
//
// Environment variables (WEAVE_LISTEN, WEAVE_DB, WEAVE_PG_URL,
// WEAVE_REDIS_URL, WEAVE_NODE_ID) override the file.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
)

//go:embed schema.cue
var schema []byte

// Error codes.
const (
	ErrCodeNotFound    = "E005"
	ErrCodeLoadFailed  = "E004"
	ErrCodeBuildFailed = "E006"
	ErrCodeInvalid     = "E008"
)

// LoadError is a config error with its CUE position when known.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Config is the resolved configuration.
type Config struct {
	Listen   string
	NodeID   string
	Store    Store
	RedisURL string
	Snapshot Snapshot
	Presence Presence
	Room     Room
	Session  Session
	Log      Log
}

// Store selects the durable store.
type Store struct {
	Driver string // "sqlite" or "postgres"
	Path   string
	URL    string
}

// Snapshot is the automatic snapshot policy.
type Snapshot struct {
	EveryOps int
	Interval time.Duration
}

// Presence holds heartbeat settings shared by relay and sessions.
type Presence struct {
	Heartbeat         time.Duration
	TimeoutMultiplier int
	CursorThrottle    time.Duration
}

// Room tunes relay rooms.
type Room struct {
	Tick       time.Duration
	Idle       time.Duration
	SendBuffer int
}

// Session tunes client reconnects.
type Session struct {
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
	SyncTimeout time.Duration
}

// Log configures the slog handler.
type Log struct {
	Level  slog.Level
	Format string
}

// file mirrors #Config for decoding.
type file struct {
	Listen string `json:"listen"`
	NodeID string `json:"node_id"`
	Store  struct {
		Driver string `json:"driver"`
		Path   string `json:"path"`
		URL    string `json:"url"`
	} `json:"store"`
	Redis struct {
		URL string `json:"url"`
	} `json:"redis"`
	Snapshot struct {
		EveryOps int    `json:"every_ops"`
		Interval string `json:"interval"`
	} `json:"snapshot"`
	Presence struct {
		Heartbeat         string `json:"heartbeat"`
		TimeoutMultiplier int    `json:"timeout_multiplier"`
		CursorThrottle    string `json:"cursor_throttle"`
	} `json:"presence"`
	Room struct {
		Tick       string `json:"tick"`
		Idle       string `json:"idle"`
		SendBuffer int    `json:"send_buffer"`
	} `json:"room"`
	Session struct {
		MinBackoff  string `json:"min_backoff"`
		MaxBackoff  string `json:"max_backoff"`
		SyncTimeout string `json:"sync_timeout"`
	} `json:"session"`
	Log struct {
		Level  string `json:"level"`
		Format string `json:"format"`
	} `json:"log"`
}

// Default returns the schema defaults.
func Default() (*Config, error) {
	return Parse("", nil)
}

// Load reads and resolves the CUE file at path. An empty path yields the
// defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("config file not found: %s", path)}
	}
	if err != nil {
		return nil, &LoadError{Code: ErrCodeLoadFailed, Message: err.Error()}
	}
	return Parse(path, data)
}

// Parse resolves CUE source against the schema. filename is used in error
// positions.
func Parse(filename string, src []byte) (*Config, error) {
	ctx := cuecontext.New()
	s := ctx.CompileBytes(schema, cue.Filename("schema.cue"))
	if err := s.Err(); err != nil {
		return nil, &LoadError{Code: ErrCodeBuildFailed, Message: fmt.Sprintf("schema: %v", err)}
	}
	v := s.LookupPath(cue.ParsePath("#Config"))
	if len(src) > 0 {
		user := ctx.CompileBytes(src, cue.Filename(filename))
		if err := user.Err(); err != nil {
			return nil, cueError(ErrCodeBuildFailed, err)
		}
		v = v.Unify(user)
	}
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, cueError(ErrCodeInvalid, err)
	}

	var f file
	if err := v.Decode(&f); err != nil {
		return nil, cueError(ErrCodeInvalid, err)
	}
	return f.resolve()
}

func cueError(code string, err error) *LoadError {
	le := &LoadError{Code: code, Message: cueerrors.Details(err, nil)}
	if errs := cueerrors.Errors(err); len(errs) > 0 {
		le.Message = errs[0].Error()
		le.Pos = errs[0].Position()
	}
	return le
}

func (f *file) resolve() (*Config, error) {
	cfg := &Config{
		Listen:   f.Listen,
		NodeID:   f.NodeID,
		Store:    Store{Driver: f.Store.Driver, Path: f.Store.Path, URL: f.Store.URL},
		RedisURL: f.Redis.URL,
		Snapshot: Snapshot{EveryOps: f.Snapshot.EveryOps},
		Presence: Presence{TimeoutMultiplier: f.Presence.TimeoutMultiplier},
		Room:     Room{SendBuffer: f.Room.SendBuffer},
		Log:      Log{Format: f.Log.Format},
	}
	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"snapshot.interval", f.Snapshot.Interval, &cfg.Snapshot.Interval},
		{"presence.heartbeat", f.Presence.Heartbeat, &cfg.Presence.Heartbeat},
		{"presence.cursor_throttle", f.Presence.CursorThrottle, &cfg.Presence.CursorThrottle},
		{"room.tick", f.Room.Tick, &cfg.Room.Tick},
		{"room.idle", f.Room.Idle, &cfg.Room.Idle},
		{"session.min_backoff", f.Session.MinBackoff, &cfg.Session.MinBackoff},
		{"session.max_backoff", f.Session.MaxBackoff, &cfg.Session.MaxBackoff},
		{"session.sync_timeout", f.Session.SyncTimeout, &cfg.Session.SyncTimeout},
	}
	for _, d := range durations {
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return nil, &LoadError{Code: ErrCodeInvalid, Message: fmt.Sprintf("%s: %v", d.name, err)}
		}
		*d.dst = parsed
	}
	if cfg.Session.MinBackoff > cfg.Session.MaxBackoff {
		return nil, &LoadError{Code: ErrCodeInvalid, Message: "session.min_backoff exceeds session.max_backoff"}
	}
	if err := cfg.Log.Level.UnmarshalText([]byte(f.Log.Level)); err != nil {
		return nil, &LoadError{Code: ErrCodeInvalid, Message: fmt.Sprintf("log.level: %v", err)}
	}
	return cfg, nil
}

// ApplyEnv overrides settings from the environment. getenv is usually
// os.Getenv.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv("WEAVE_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := getenv("WEAVE_NODE_ID"); v != "" {
		c.NodeID = v
	}
	if v := getenv("WEAVE_DB"); v != "" {
		c.Store.Driver = "sqlite"
		c.Store.Path = v
	}
	if v := getenv("WEAVE_PG_URL"); v != "" {
		c.Store.Driver = "postgres"
		c.Store.URL = v
	}
	if v := getenv("WEAVE_REDIS_URL"); v != "" {
		c.RedisURL = v
	}
}
