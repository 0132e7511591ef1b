package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/weave/internal/ir"
	"github.com/roach88/weave/internal/store"
	"github.com/roach88/weave/internal/version"
	"github.com/roach88/weave/internal/wire"
)

// Store is the durable log and snapshot table a relay serves from. Both
// store.Store and pgstore.Store satisfy it.
type Store interface {
	store.Reader
	AppendOperations(ctx context.Context, docID string, ops []ir.Operation) (int, error)
	SaveSnapshot(ctx context.Context, snap ir.VersionSnapshot) (ir.VersionSnapshot, error)
	ListSnapshots(ctx context.Context, docID string) ([]ir.VersionInfo, error)
	ListDocuments(ctx context.Context) ([]string, error)
}

// Defaults.
const (
	DefaultTick         = time.Second
	DefaultRoomIdle     = time.Minute
	DefaultSendBuffer   = 256
	DefaultWriteTimeout = 5 * time.Second
	DefaultPingInterval = 15 * time.Second
)

// ErrClosed is returned once the server has been closed.
var ErrClosed = errors.New("relay closed")

// Server hosts rooms and serves the websocket and REST endpoints.
//
// Thread-safety: all methods are safe for concurrent use. Each room's state
// is touched only by that room's run loop.
type Server struct {
	store    Store
	fanout   Fanout
	liveness Liveness
	logger   *slog.Logger
	nodeID   string
	now      func() time.Time

	policy       version.Policy
	heartbeat    time.Duration
	timeoutMult  int
	tick         time.Duration
	roomIdle     time.Duration
	sendBuffer   int
	writeTimeout time.Duration
	pingInterval time.Duration
	upgrader     websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	rooms  map[string]*room
	closed bool
}

// Option configures a Server.
type Option func(*Server)

// WithFanout connects the server to other relay nodes.
// Default: a private LocalFanout (single node).
func WithFanout(f Fanout) Option {
	return func(s *Server) { s.fanout = f }
}

// WithLiveness sets the presence liveness table.
// Default: a MemoryLiveness.
func WithLiveness(l Liveness) Option {
	return func(s *Server) { s.liveness = l }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithNodeID sets the node id, which is also the client id under which the
// relay authors restores. Default: "relay-<uuidv7>".
func WithNodeID(id string) Option {
	return func(s *Server) { s.nodeID = id }
}

// WithNow sets the wall clock used for presence expiry and snapshot timing.
func WithNow(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// WithSnapshotPolicy sets when rooms snapshot automatically.
func WithSnapshotPolicy(p version.Policy) Option {
	return func(s *Server) { s.policy = p }
}

// WithHeartbeat sets the expected presence interval and the multiple after
// which a silent peer is expired.
func WithHeartbeat(interval time.Duration, timeoutMultiplier int) Option {
	return func(s *Server) {
		s.heartbeat = interval
		s.timeoutMult = timeoutMultiplier
	}
}

// WithTick sets how often rooms sweep presence and check the snapshot
// policy. Default: 1s.
func WithTick(d time.Duration) Option {
	return func(s *Server) { s.tick = d }
}

// WithRoomIdle sets how long an empty room lingers. Default: 1m.
func WithRoomIdle(d time.Duration) Option {
	return func(s *Server) { s.roomIdle = d }
}

// WithSendBuffer sets the per-member outbound frame buffer. A member that
// falls this far behind is disconnected. Default: 256.
func WithSendBuffer(n int) Option {
	return func(s *Server) { s.sendBuffer = n }
}

// New creates a server over st. Call Close to stop every room.
func New(st Store, opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		store:        st,
		logger:       slog.Default(),
		now:          time.Now,
		policy:       version.Policy{EveryOps: 500, Interval: 5 * time.Minute},
		heartbeat:    3 * time.Second,
		timeoutMult:  4,
		tick:         DefaultTick,
		roomIdle:     DefaultRoomIdle,
		sendBuffer:   DefaultSendBuffer,
		writeTimeout: DefaultWriteTimeout,
		pingInterval: DefaultPingInterval,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
		rooms:  make(map[string]*room),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.fanout == nil {
		s.fanout = NewLocalFanout()
	}
	if s.liveness == nil {
		s.liveness = NewMemoryLiveness(s.now)
	}
	if s.nodeID == "" {
		s.nodeID = "relay-" + ir.UUIDv7Generator{}.Generate()
	}
	s.logger = s.logger.With("node", s.nodeID)
	return s
}

// NodeID returns the node id.
func (s *Server) NodeID() string { return s.nodeID }

// Close stops every room, disconnecting its members, and waits for the run
// loops to finish.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	return nil
}

// Rooms returns the ids of the documents with an active room.
func (s *Server) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		ids = append(ids, id)
	}
	return ids
}

// room returns the active room for docID, loading it on first use.
func (s *Server) room(docID string) (*room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if r := s.rooms[docID]; r != nil {
		return r, nil
	}
	r, err := newRoom(s.ctx, s, docID)
	if err != nil {
		return nil, err
	}
	s.rooms[docID] = r
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		r.run(s.ctx)
	}()
	return r, nil
}

// retire removes r from the registry and closes its queue. Events that
// were queued before the close are handed to a fresh room by the caller.
func (s *Server) retire(r *room) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rooms[r.id] == r {
		delete(s.rooms, r.id)
	}
	r.queue.Close()
}

// dispatch delivers ev to docID's room. A room that is retiring rejects the
// event; dispatch then retries on its successor.
func (s *Server) dispatch(docID string, ev event) error {
	for range 3 {
		r, err := s.room(docID)
		if err != nil {
			return fmt.Errorf("dispatch %s: %w", docID, err)
		}
		if r.queue.Enqueue(ev) {
			return nil
		}
	}
	return fmt.Errorf("dispatch %s: room unavailable", docID)
}

// request dispatches an event that carries a reply channel and waits for
// the answer.
func (s *Server) request(ctx context.Context, docID string, ev event) (reply, error) {
	ev.reply = make(chan reply, 1)
	if err := s.dispatch(docID, ev); err != nil {
		return reply{}, err
	}
	select {
	case rep := <-ev.reply:
		return rep, rep.err
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}
}

// Save snapshots docID's live state now.
func (s *Server) Save(ctx context.Context, docID, author, label string) (ir.VersionSnapshot, error) {
	rep, err := s.request(ctx, docID, event{kind: evSave, author: author, label: label})
	return rep.snapshot, err
}

// Restore restores docID to a stored version. The restore is authored by
// the relay's replica and broadcast to every member like any other edit.
func (s *Server) Restore(ctx context.Context, docID string, v int64) (version.Report, error) {
	rep, err := s.request(ctx, docID, event{kind: evRestore, version: v})
	return rep.report, err
}

// State returns docID's live canonical state.
func (s *Server) State(ctx context.Context, docID string) ([]byte, error) {
	rep, err := s.request(ctx, docID, event{kind: evState})
	return rep.state, err
}

// handleWS upgrades the connection and runs the member until it leaves.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request, docID string) {
	codec, err := wire.CodecByName(r.URL.Query().Get("codec"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "doc", docID, "error", err)
		return
	}
	m := newMember(s, docID, conn, codec)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		m.writePump(s.ctx)
	}()
	m.readPump(s.ctx)
}
