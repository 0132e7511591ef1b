package presence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/weave/internal/ir"
	"github.com/roach88/weave/internal/testutil"
)

func newTestTracker(t *testing.T, clock *testutil.ManualClock) *Tracker {
	t.Helper()
	return NewTracker("me", ir.Identity{Name: "Me"}, "#00f",
		WithHeartbeat(time.Second, 4),
		WithCursorThrottle(50*time.Millisecond),
		WithNow(clock.Now),
	)
}

func peerState(id string, seq int64) ir.PresenceState {
	return ir.PresenceState{ClientID: id, Identity: ir.Identity{Name: id}, Selection: []string{}, Seq: seq}
}

func TestDefaults(t *testing.T) {
	tr := NewTracker("me", ir.Identity{}, "")
	assert.Equal(t, 3*time.Second, tr.Interval())
	assert.Equal(t, 12*time.Second, tr.Timeout())
	assert.Equal(t, 50*time.Millisecond, tr.Throttle())
}

func TestObserveJoinUpdateAndOrdering(t *testing.T) {
	clock := testutil.NewManualClock(time.Time{})
	tr := newTestTracker(t, clock)
	var events []Event
	tr.Subscribe(func(ev Event) { events = append(events, ev) })

	assert.True(t, tr.Observe(peerState("bob", 1)))
	assert.True(t, tr.Observe(peerState("bob", 3)))
	assert.False(t, tr.Observe(peerState("bob", 2)), "reordered frame is dropped")
	assert.False(t, tr.Observe(peerState("me", 9)), "own echo is ignored")
	assert.True(t, tr.Observe(peerState("alice", 1)))

	peers := tr.Peers()
	require.Len(t, peers, 2)
	assert.Equal(t, "alice", peers[0].ClientID)
	assert.Equal(t, int64(3), peers[1].Seq)

	require.Len(t, events, 3)
	assert.Equal(t, PeerJoined, events[0].Kind)
	assert.Equal(t, PeerUpdated, events[1].Kind)
}

func TestPresenceExpiryAndReappearance(t *testing.T) {
	clock := testutil.NewManualClock(time.Time{})
	tr := newTestTracker(t, clock)
	var events []Event
	tr.Subscribe(func(ev Event) { events = append(events, ev) })

	tr.Observe(peerState("bob", 1))
	tr.Observe(peerState("carol", 1))

	// A single missed heartbeat is tolerated.
	clock.Advance(2 * time.Second)
	tr.Observe(peerState("carol", 2))
	assert.Empty(t, tr.Sweep())
	assert.Len(t, tr.Peers(), 2)

	// Bob stops heartbeating past the 4s timeout.
	clock.Advance(3 * time.Second)
	errs := tr.Sweep()
	require.Len(t, errs, 1)
	assert.True(t, ir.IsStaleSession(errs[0]))
	assert.Contains(t, errs[0].Error(), "client=bob")
	require.Len(t, tr.Peers(), 1)
	assert.Equal(t, "carol", tr.Peers()[0].ClientID)

	last := events[len(events)-1]
	assert.Equal(t, PeerExpired, last.Kind)
	assert.Equal(t, "bob", last.Peer.ClientID)

	// Bob resumes and reappears cleanly.
	assert.True(t, tr.Observe(peerState("bob", 2)))
	assert.Equal(t, PeerJoined, events[len(events)-1].Kind)
	assert.Len(t, tr.Peers(), 2)
}

func TestStaleFrameStillProvesLiveness(t *testing.T) {
	clock := testutil.NewManualClock(time.Time{})
	tr := newTestTracker(t, clock)
	tr.Observe(peerState("bob", 5))

	clock.Advance(3 * time.Second)
	tr.Observe(peerState("bob", 5))
	clock.Advance(3 * time.Second)
	assert.Empty(t, tr.Sweep())
}

func TestObserveRestartedPeer(t *testing.T) {
	clock := testutil.NewManualClock(time.Time{})
	tr := newTestTracker(t, clock)
	old := peerState("bob", 7)
	old.HeartbeatMs = 1000
	old.Selection = []string{"n1"}
	require.True(t, tr.Observe(old))

	restarted := peerState("bob", 1)
	restarted.HeartbeatMs = 2000
	restarted.Selection = []string{"n2"}
	assert.True(t, tr.Observe(restarted))

	late := peerState("bob", 6)
	late.HeartbeatMs = 900
	assert.False(t, tr.Observe(late), "older frame from before the restart")

	peers := tr.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, "bob", peers[0].ClientID)
	assert.Equal(t, []string{"n2"}, peers[0].Selection)
	assert.Equal(t, int64(1), peers[0].Seq)
}

func TestRemove(t *testing.T) {
	clock := testutil.NewManualClock(time.Time{})
	tr := newTestTracker(t, clock)
	tr.Observe(peerState("bob", 1))

	var got Event
	cancel := tr.Subscribe(func(ev Event) { got = ev })
	defer cancel()
	assert.True(t, tr.Remove("bob"))
	assert.Equal(t, PeerLeft, got.Kind)
	assert.False(t, tr.Remove("bob"))
	assert.Empty(t, tr.Peers())
}

func TestCursorThrottle(t *testing.T) {
	clock := testutil.NewManualClock(time.Time{})
	tr := newTestTracker(t, clock)

	_, ok := tr.TakeCursorUpdate()
	assert.False(t, ok, "nothing to send")

	tr.SetCursor(&ir.Cursor{X: 1, Y: 1})
	first, ok := tr.TakeCursorUpdate()
	require.True(t, ok)
	assert.Equal(t, &ir.Cursor{X: 1, Y: 1}, first.Cursor)

	// Several moves inside one window coalesce to the latest.
	clock.Advance(10 * time.Millisecond)
	tr.SetCursor(&ir.Cursor{X: 2, Y: 2})
	clock.Advance(10 * time.Millisecond)
	tr.SetCursor(&ir.Cursor{X: 3, Y: 3})
	_, ok = tr.TakeCursorUpdate()
	assert.False(t, ok, "inside the throttle window")

	clock.Advance(40 * time.Millisecond)
	second, ok := tr.TakeCursorUpdate()
	require.True(t, ok)
	assert.Equal(t, &ir.Cursor{X: 3, Y: 3}, second.Cursor)
	assert.Greater(t, second.Seq, first.Seq)

	_, ok = tr.TakeCursorUpdate()
	assert.False(t, ok, "already sent")
}

func TestHeartbeatAndSelection(t *testing.T) {
	clock := testutil.NewManualClock(time.Time{})
	tr := newTestTracker(t, clock)

	hb := tr.Heartbeat()
	assert.Equal(t, "me", hb.ClientID)
	assert.Equal(t, int64(1), hb.Seq)
	assert.Equal(t, clock.Now().UnixMilli(), hb.HeartbeatMs)

	ids := []string{"n1", "n2"}
	sel := tr.SetSelection(ids)
	ids[0] = "mutated"
	assert.Equal(t, []string{"n1", "n2"}, sel.Selection)
	assert.Equal(t, int64(2), sel.Seq)

	hb = tr.Heartbeat()
	assert.Equal(t, []string{"n1", "n2"}, hb.Selection, "unchanged state is re-broadcast")
	assert.Equal(t, tr.Local(), hb)
}
