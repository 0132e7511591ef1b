package session

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/weave/internal/doc"
	"github.com/roach88/weave/internal/ir"
	"github.com/roach88/weave/internal/presence"
	"github.com/roach88/weave/internal/relay"
	"github.com/roach88/weave/internal/store"
	"github.com/roach88/weave/internal/testutil"
	"github.com/roach88/weave/internal/wire"
)

const testDoc = "flow"

type testRelay struct {
	srv   *relay.Server
	store *store.Store
	url   string
}

func startRelay(t *testing.T) *testRelay {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	srv := relay.New(st, relay.WithLogger(testutil.DiscardLogger()), relay.WithNodeID("relay-1"))
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		hs.Close()
		srv.Close()
		st.Close()
	})
	return &testRelay{srv: srv, store: st, url: hs.URL}
}

func newSession(t *testing.T, r *testRelay, client string, opts ...Option) *Session {
	t.Helper()
	d := doc.New(testDoc, client,
		doc.WithIDGenerator(ir.NewSequenceGenerator(client+"-")),
		doc.WithLogger(testutil.DiscardLogger()),
	)
	opts = append([]Option{
		WithLogger(testutil.DiscardLogger()),
		WithBackoff(10*time.Millisecond, 50*time.Millisecond),
		WithVersions(r.store),
	}, opts...)
	return New(d, WSDialer{BaseURL: r.url}, ir.Identity{Name: client}, "#123456", opts...)
}

// start runs s in the background until the test ends.
func start(t *testing.T, s *Session) {
	t.Helper()
	go s.Run(context.Background())
	t.Cleanup(func() { s.Close() })
	waitState(t, s, Live)
}

func waitState(t *testing.T, s *Session, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State() == want },
		5*time.Second, 5*time.Millisecond, "session never reached %s", want)
}

func waitConverged(t *testing.T, sessions ...*Session) {
	t.Helper()
	require.Eventually(t, func() bool {
		first, err := sessions[0].Document().SnapshotState()
		if err != nil {
			return false
		}
		for _, s := range sessions[1:] {
			other, err := s.Document().SnapshotState()
			if err != nil || string(other) != string(first) {
				return false
			}
		}
		return true
	}, 5*time.Second, 5*time.Millisecond, "replicas did not converge")
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "disconnected", Disconnected.String())
	assert.Equal(t, "connecting", Connecting.String())
	assert.Equal(t, "syncing", Syncing.String())
	assert.Equal(t, "live", Live.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestSession_EditsConverge(t *testing.T) {
	r := startRelay(t)
	alice := newSession(t, r, "alice")
	bob := newSession(t, r, "bob")
	start(t, alice)
	start(t, bob)

	_, err := alice.Mutate(doc.Batch{
		doc.AddNode{ID: "n1", Type: "http"},
		doc.AddNode{ID: "n2", Type: "llm"},
		doc.AddEdge{ID: "e1", From: "n1", To: "n2"},
	})
	require.NoError(t, err)
	_, err = bob.Mutate(doc.SetMetadata{Key: "title", Value: ir.String("Pipeline")})
	require.NoError(t, err)

	waitConverged(t, alice, bob)
	view := bob.Document().View()
	assert.Len(t, view.Nodes, 2)
	assert.Equal(t, ir.String("Pipeline"), view.Metadata["title"])

	require.Eventually(t, func() bool { return alice.Pending() == 0 && bob.Pending() == 0 },
		5*time.Second, 5*time.Millisecond, "acks trim the logs")
}

func TestSession_OfflineEditsFlushOnConnect(t *testing.T) {
	r := startRelay(t)
	alice := newSession(t, r, "alice")
	bob := newSession(t, r, "bob")
	start(t, bob)

	// alice edits before ever connecting.
	_, err := alice.Mutate(doc.AddNode{ID: "n1", Type: "http"})
	require.NoError(t, err)
	_, err = alice.Mutate(doc.RenameNode{ID: "n1", Name: "Fetch"})
	require.NoError(t, err)
	assert.Equal(t, 2, alice.Pending())
	assert.Equal(t, Disconnected, alice.State())

	start(t, alice)
	waitConverged(t, alice, bob)
	assert.Equal(t, ir.String("Fetch"), bob.Document().View().Nodes["n1"].Config[doc.ConfigLabel])
}

func TestSession_CloseKeepsStateAndResumes(t *testing.T) {
	r := startRelay(t)
	alice := newSession(t, r, "alice")
	bob := newSession(t, r, "bob")
	start(t, bob)

	var states []State
	var mu sync.Mutex
	alice.OnState(func(s State) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, s)
	})

	go alice.Run(context.Background())
	waitState(t, alice, Live)
	_, err := alice.Mutate(doc.AddNode{ID: "n1", Type: "http"})
	require.NoError(t, err)
	waitConverged(t, alice, bob)

	require.NoError(t, alice.Close())
	assert.Equal(t, Disconnected, alice.State())
	assert.Len(t, alice.Document().View().Nodes, 1, "close leaves the replica intact")
	assert.True(t, alice.History().CanUndo(), "close leaves the history intact")

	// Edits while closed are queued, then flushed on resume.
	_, err = alice.Mutate(doc.MoveNode{ID: "n1", Position: ir.Position{X: 10, Y: 10}})
	require.NoError(t, err)
	_, err = bob.Mutate(doc.AddNode{ID: "n2", Type: "llm"})
	require.NoError(t, err)

	start(t, alice)
	waitConverged(t, alice, bob)
	assert.Equal(t, ir.Position{X: 10, Y: 10}, bob.Document().View().Nodes["n1"].Position)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{Connecting, Syncing, Live, Disconnected}, states[:4])
}

func TestSession_RunTwice(t *testing.T) {
	r := startRelay(t)
	alice := newSession(t, r, "alice")
	start(t, alice)
	assert.ErrorIs(t, alice.Run(context.Background()), ErrRunning)
}

func TestSession_RunReturnsContextError(t *testing.T) {
	r := startRelay(t)
	alice := newSession(t, r, "alice")
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- alice.Run(ctx) }()
	waitState(t, alice, Live)
	cancel()
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}

// leaveFailDialer hands out connections that cannot send a leave frame.
type leaveFailDialer struct {
	Dialer
}

type leaveFailConn struct {
	Conn
}

func (d leaveFailDialer) Dial(ctx context.Context, docID, clientID string) (Conn, error) {
	c, err := d.Dialer.Dial(ctx, docID, clientID)
	if err != nil {
		return nil, err
	}
	return leaveFailConn{Conn: c}, nil
}

// Receive waits for the connection to close so cancellation always reaches
// the leave path first.
func (c leaveFailConn) Receive(ctx context.Context) (wire.Frame, error) {
	return c.Conn.Receive(context.WithoutCancel(ctx))
}

func (c leaveFailConn) Send(ctx context.Context, f wire.Frame) error {
	if f.Type == wire.FrameLeave {
		return errors.New("broken pipe")
	}
	return c.Conn.Send(ctx, f)
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestSession_LeaveSendFailureIsLogged(t *testing.T) {
	r := startRelay(t)
	var logs lockedBuffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	d := doc.New(testDoc, "alice", doc.WithLogger(testutil.DiscardLogger()))
	alice := New(d, leaveFailDialer{Dialer: WSDialer{BaseURL: r.url}}, ir.Identity{Name: "alice"}, "",
		WithLogger(logger),
	)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- alice.Run(ctx) }()
	waitState(t, alice, Live)
	cancel()
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Contains(t, logs.String(), "send leave failed")
	assert.Contains(t, logs.String(), "broken pipe")
}

// flakyDialer fails the first n dials.
type flakyDialer struct {
	Dialer
	fail     int32
	attempts atomic.Int32
}

func (d *flakyDialer) Dial(ctx context.Context, docID, clientID string) (Conn, error) {
	if d.attempts.Add(1) <= d.fail {
		return nil, ir.NewTransportError(docID, "dial", errors.New("connection refused"))
	}
	return d.Dialer.Dial(ctx, docID, clientID)
}

func TestSession_ReconnectsWithBackoff(t *testing.T) {
	r := startRelay(t)
	dialer := &flakyDialer{Dialer: WSDialer{BaseURL: r.url}, fail: 3}
	d := doc.New(testDoc, "alice", doc.WithLogger(testutil.DiscardLogger()))
	alice := New(d, dialer, ir.Identity{Name: "alice"}, "",
		WithLogger(testutil.DiscardLogger()),
		WithBackoff(time.Millisecond, 5*time.Millisecond),
	)
	_, err := alice.Mutate(doc.AddNode{ID: "n1", Type: "http"})
	require.NoError(t, err)

	start(t, alice)
	assert.Equal(t, int32(4), dialer.attempts.Load())

	require.Eventually(t, func() bool { return alice.Pending() == 0 }, 5*time.Second, 5*time.Millisecond)
	ops, err := r.store.ReadOperations(context.Background(), testDoc)
	require.NoError(t, err)
	assert.Len(t, ops, 1)
}

func TestSession_PresenceAndSave(t *testing.T) {
	r := startRelay(t)
	alice := newSession(t, r, "alice")
	bob := newSession(t, r, "bob")

	peers := make(chan presence.Event, 16)
	alice.OnPresence(func(ev presence.Event) { peers <- ev })
	notices := make(chan Notice, 4)
	bob.OnNotice(func(n Notice) { notices <- n })

	start(t, alice)
	start(t, bob)

	bob.SetSelection([]string{"n1"})
	require.Eventually(t, func() bool {
		for _, p := range alice.Presence().Peers() {
			if p.ClientID == "bob" && len(p.Selection) == 1 {
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond)
	ev := <-peers
	assert.Equal(t, presence.PeerJoined, ev.Kind)
	assert.Equal(t, "bob", ev.Peer.ClientID)

	require.NoError(t, alice.Save("milestone"))
	select {
	case n := <-notices:
		assert.Equal(t, wire.NoticeSaved, n.Code)
		assert.Equal(t, int64(1), n.Version)
	case <-time.After(5 * time.Second):
		t.Fatal("no saved notice")
	}

	bob.Close()
	require.Eventually(t, func() bool { return len(alice.Presence().Peers()) == 0 },
		5*time.Second, 5*time.Millisecond, "leave removes the peer")
}

func TestSession_SaveOffline(t *testing.T) {
	r := startRelay(t)
	alice := newSession(t, r, "alice")
	err := alice.Save("x")
	assert.True(t, ir.IsTransport(err))
}

func TestSession_UndoDoesNotRevertRemoteEdits(t *testing.T) {
	r := startRelay(t)
	alice := newSession(t, r, "alice")
	bob := newSession(t, r, "bob")
	start(t, alice)
	start(t, bob)

	_, err := alice.Mutate(doc.AddNode{ID: "n1", Type: "http"})
	require.NoError(t, err)
	_, err = alice.Mutate(doc.RenameNode{ID: "n1", Name: "mine"})
	require.NoError(t, err)
	waitConverged(t, alice, bob)

	_, err = bob.Mutate(doc.RenameNode{ID: "n1", Name: "theirs"})
	require.NoError(t, err)
	waitConverged(t, alice, bob)

	ops, err := alice.Undo()
	require.NoError(t, err)
	assert.Empty(t, ops, "bob's rename is newer, so the undo is skipped")
	assert.Equal(t, ir.String("theirs"), alice.Document().View().Nodes["n1"].Config[doc.ConfigLabel])

	_, err = alice.Undo()
	require.NoError(t, err)
	waitConverged(t, alice, bob)
	assert.Empty(t, bob.Document().View().Nodes, "undoing the insert deletes the node everywhere")

	_, err = alice.Redo()
	require.NoError(t, err)
	waitConverged(t, alice, bob)
	assert.Len(t, bob.Document().View().Nodes, 1)
}

func TestSession_Restore(t *testing.T) {
	r := startRelay(t)
	alice := newSession(t, r, "alice")
	bob := newSession(t, r, "bob")
	start(t, alice)
	start(t, bob)

	_, err := alice.Mutate(doc.Batch{
		doc.AddNode{ID: "n1", Type: "http"},
		doc.AddNode{ID: "n2", Type: "llm"},
		doc.AddEdge{ID: "e1", From: "n1", To: "n2"},
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return alice.Pending() == 0 }, 5*time.Second, 5*time.Millisecond)

	snap, err := r.srv.Save(context.Background(), testDoc, "alice", "v1")
	require.NoError(t, err)

	_, err = alice.Mutate(doc.DeleteNode{ID: "n2"})
	require.NoError(t, err)
	_, err = bob.Mutate(doc.AddNode{ID: "n3", Type: "mail"})
	require.NoError(t, err)
	waitConverged(t, alice, bob)

	report, err := alice.Restore(context.Background(), snap.Version)
	require.NoError(t, err)
	assert.Len(t, report.Recreated, 2, "n2 and e1 come back under fresh ids")
	assert.Equal(t, []string{"node:n3"}, report.Conflicts)

	waitConverged(t, alice, bob)
	view := bob.Document().View()
	assert.Len(t, view.Nodes, 2)
	assert.Len(t, view.Edges, 1)
	assert.Contains(t, view.Nodes, "n1")
	assert.NotContains(t, view.Nodes, "n3")

	_, err = alice.Undo()
	require.NoError(t, err)
	waitConverged(t, alice, bob)
	types := map[string]int{}
	for _, n := range bob.Document().View().Nodes {
		types[n.Type]++
	}
	assert.Equal(t, map[string]int{"http": 1, "mail": 1}, types, "a restore is undoable")
}

func TestSession_RestoreWithoutSource(t *testing.T) {
	d := doc.New(testDoc, "alice", doc.WithLogger(testutil.DiscardLogger()))
	s := New(d, WSDialer{BaseURL: "http://127.0.0.1:1"}, ir.Identity{}, "")
	_, err := s.Restore(context.Background(), 1)
	assert.ErrorIs(t, err, ErrNoVersions)
}
