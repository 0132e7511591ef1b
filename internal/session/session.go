// Package session connects one client's replica of a document to the relay.
//
// A Session owns the replica, its own-operation log, its undo history and
// its presence tracker. Edits are applied locally first and never wait for
// the network: while disconnected they accumulate in the log and are pushed,
// in generation order, once the session is live again. Every reconnect runs
// the resync handshake, so nothing is lost or applied twice.
package session

import (
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/roach88/weave/internal/doc"
	"github.com/roach88/weave/internal/ir"
	"github.com/roach88/weave/internal/oplog"
	"github.com/roach88/weave/internal/presence"
	"github.com/roach88/weave/internal/undo"
	"github.com/roach88/weave/internal/version"
	"github.com/roach88/weave/internal/wire"
)

// State is the connectivity state of a session.
type State int

const (
	Disconnected State = iota
	Connecting
	Syncing
	Live
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Syncing:
		return "syncing"
	case Live:
		return "live"
	}
	return "unknown"
}

// Notice is an informational message from the relay.
type Notice struct {
	Code    string
	Message string
	Version int64
}

// Defaults.
const (
	DefaultMinBackoff  = 250 * time.Millisecond
	DefaultMaxBackoff  = 30 * time.Second
	DefaultSyncTimeout = 10 * time.Second
)

// ErrRunning is returned by Run when the session is already running.
var ErrRunning = errors.New("session already running")

// Session is one client's live view of one document.
//
// Thread-safety: all methods are safe for concurrent use. Network IO happens
// on the goroutine that called Run.
type Session struct {
	doc      *doc.Document
	log      *oplog.Log
	history  *undo.Manager
	presence *presence.Tracker
	dialer   Dialer
	versions VersionSource
	logger   *slog.Logger

	minBackoff  time.Duration
	maxBackoff  time.Duration
	syncTimeout time.Duration

	// kick wakes the run loop to push new local operations.
	kick chan struct{}
	// control carries presence and save frames; dropped while offline.
	control chan wire.Frame

	// editMu keeps clock order and log order identical.
	editMu sync.Mutex

	mu      sync.Mutex
	state   State
	running bool
	cancel  func()
	done    chan struct{}

	subMu   sync.Mutex
	nextID  int
	stateFn map[int]func(State)
	notice  map[int]func(Notice)
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithBackoff bounds the reconnect delay. Defaults: 250ms and 30s.
func WithBackoff(minDelay, maxDelay time.Duration) Option {
	return func(s *Session) {
		s.minBackoff = minDelay
		s.maxBackoff = maxDelay
	}
}

// WithSyncTimeout bounds the wait for the relay's sync reply.
// Default: 10s.
func WithSyncTimeout(d time.Duration) Option {
	return func(s *Session) { s.syncTimeout = d }
}

// WithPresence replaces the presence tracker, for example to set the
// heartbeat or inject a clock. Its client id must be the document's.
func WithPresence(t *presence.Tracker) Option {
	return func(s *Session) { s.presence = t }
}

// WithUndoLimit bounds the undo and redo stacks. Default: 100.
func WithUndoLimit(n int) Option {
	return func(s *Session) { s.history = undo.New(s.doc, undo.WithLimit(n)) }
}

// WithVersions sets where Restore loads snapshots from.
func WithVersions(v VersionSource) Option {
	return func(s *Session) { s.versions = v }
}

// New creates a disconnected session around d. Call Run to connect.
func New(d *doc.Document, dialer Dialer, identity ir.Identity, color string, opts ...Option) *Session {
	s := &Session{
		doc:         d,
		log:         oplog.NewLog(d.ClientID()),
		dialer:      dialer,
		logger:      slog.Default(),
		minBackoff:  DefaultMinBackoff,
		maxBackoff:  DefaultMaxBackoff,
		syncTimeout: DefaultSyncTimeout,
		kick:        make(chan struct{}, 1),
		control:     make(chan wire.Frame, 64),
		stateFn:     make(map[int]func(State)),
		notice:      make(map[int]func(Notice)),
	}
	s.history = undo.New(d)
	s.presence = presence.NewTracker(d.ClientID(), identity, color)
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("doc", d.ID(), "client", d.ClientID())
	return s
}

// Document returns the replica.
func (s *Session) Document() *doc.Document { return s.doc }

// Presence returns the presence tracker.
func (s *Session) Presence() *presence.Tracker { return s.presence }

// History returns the undo manager.
func (s *Session) History() *undo.Manager { return s.history }

// Pending returns the number of local operations not yet acknowledged.
func (s *Session) Pending() int { return s.log.Len() }

// State returns the connectivity state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	if s.state == st {
		s.mu.Unlock()
		return
	}
	prev := s.state
	s.state = st
	s.mu.Unlock()
	s.logger.Info("session state", "from", prev.String(), "to", st.String())

	s.subMu.Lock()
	fns := make([]func(State), 0, len(s.stateFn))
	for _, id := range sortedIDs(s.stateFn) {
		fns = append(fns, s.stateFn[id])
	}
	s.subMu.Unlock()
	for _, fn := range fns {
		fn(st)
	}
}

// OnChange subscribes to document changes, local and remote.
func (s *Session) OnChange(fn func(doc.Event)) (cancel func()) {
	return s.doc.Subscribe(fn)
}

// OnPresence subscribes to peer presence changes.
func (s *Session) OnPresence(fn func(presence.Event)) (cancel func()) {
	return s.presence.Subscribe(fn)
}

// OnState subscribes to connectivity changes.
func (s *Session) OnState(fn func(State)) (cancel func()) {
	return subscribe(s, s.stateFn, fn)
}

// OnNotice subscribes to relay notices such as saved versions and restore
// conflicts.
func (s *Session) OnNotice(fn func(Notice)) (cancel func()) {
	return subscribe(s, s.notice, fn)
}

func (s *Session) emitNotice(n Notice) {
	s.subMu.Lock()
	fns := make([]func(Notice), 0, len(s.notice))
	for _, id := range sortedIDs(s.notice) {
		fns = append(fns, s.notice[id])
	}
	s.subMu.Unlock()
	for _, fn := range fns {
		fn(n)
	}
}

func subscribe[F any](s *Session, subs map[int]F, fn F) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextID
	s.nextID++
	subs[id] = fn
	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		delete(subs, id)
	}
}

func sortedIDs[F any](m map[int]F) []int {
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// wake asks the run loop to push pending operations.
func (s *Session) wake() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// queueControl hands a frame to the run loop if the session is live.
// Presence is never retried: the next heartbeat supersedes it.
func (s *Session) queueControl(f wire.Frame) bool {
	if s.State() != Live {
		return false
	}
	select {
	case s.control <- f:
		return true
	default:
		s.logger.Debug("control queue full, dropping frame", "type", f.Type)
		return false
	}
}

// Snapshot builds a VersionSnapshot of the replica as it is now. The store
// assigns the version number.
func (s *Session) Snapshot(author, label string) (ir.VersionSnapshot, error) {
	return version.Take(s.doc, version.Meta{Author: author, Label: label})
}
