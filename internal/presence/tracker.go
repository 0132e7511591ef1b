// Package presence tracks ephemeral awareness state: who is in a document,
// where their cursor is and what they have selected.
//
// Presence is never merged into the document or persisted. Each client
// re-broadcasts its state every heartbeat interval; a peer that stays silent
// for the timeout (several intervals, so a single dropped frame is harmless)
// is evicted with a StaleSessionError event and reappears on its next
// heartbeat. Liveness is judged by the receiver's clock at receipt, never by
// the sender's timestamp.
package presence

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/roach88/weave/internal/ir"
)

// Defaults.
const (
	DefaultHeartbeat         = 3 * time.Second
	DefaultTimeoutMultiplier = 4
	DefaultCursorThrottle    = 50 * time.Millisecond
)

// EventKind classifies presence changes.
type EventKind int

const (
	// PeerJoined: first heartbeat from a peer, or first after eviction.
	PeerJoined EventKind = iota + 1
	// PeerUpdated: newer state from a known peer.
	PeerUpdated
	// PeerLeft: the peer announced it left.
	PeerLeft
	// PeerExpired: heartbeat lapsed; Err is a StaleSessionError.
	PeerExpired
)

func (k EventKind) String() string {
	switch k {
	case PeerJoined:
		return "joined"
	case PeerUpdated:
		return "updated"
	case PeerLeft:
		return "left"
	case PeerExpired:
		return "expired"
	}
	return "unknown"
}

// Event is delivered to subscribers after every change of the peer set.
type Event struct {
	Kind EventKind
	Peer ir.PresenceState
	Err  error
}

type peer struct {
	state    ir.PresenceState
	lastSeen time.Time
}

// Tracker holds the local client's presence and the live peer set.
//
// Thread-safety: safe for concurrent use. Subscribers run after the lock is
// released.
type Tracker struct {
	mu       sync.Mutex
	local    ir.PresenceState
	peers    map[string]peer
	interval time.Duration
	timeout  time.Duration
	throttle time.Duration
	now      func() time.Time

	cursorDirty    bool
	lastCursorSent time.Time

	subMu  sync.Mutex
	subs   map[int]func(Event)
	nextID int
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithHeartbeat sets the heartbeat interval and the timeout as a multiple of
// it. Defaults: 3s and 4.
func WithHeartbeat(interval time.Duration, timeoutMultiplier int) Option {
	return func(t *Tracker) {
		t.interval = interval
		t.timeout = interval * time.Duration(timeoutMultiplier)
	}
}

// WithCursorThrottle sets the cursor coalescing window. Default: 50ms.
func WithCursorThrottle(d time.Duration) Option {
	return func(t *Tracker) {
		t.throttle = d
	}
}

// WithNow injects the time source. Default: time.Now.
func WithNow(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// NewTracker creates a tracker for the local client.
func NewTracker(clientID string, identity ir.Identity, color string, opts ...Option) *Tracker {
	t := &Tracker{
		local: ir.PresenceState{
			ClientID:  clientID,
			Identity:  identity,
			Color:     color,
			Selection: []string{},
		},
		peers:    make(map[string]peer),
		interval: DefaultHeartbeat,
		timeout:  DefaultHeartbeat * DefaultTimeoutMultiplier,
		throttle: DefaultCursorThrottle,
		now:      time.Now,
		subs:     make(map[int]func(Event)),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Interval returns the heartbeat interval.
func (t *Tracker) Interval() time.Duration { return t.interval }

// Timeout returns the eviction timeout.
func (t *Tracker) Timeout() time.Duration { return t.timeout }

// Throttle returns the cursor coalescing window.
func (t *Tracker) Throttle() time.Duration { return t.throttle }

// Local returns the local presence state as last broadcast or edited.
func (t *Tracker) Local() ir.PresenceState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.local.Clone()
}

// SetCursor records the local cursor. The update is sent by the next
// TakeCursorUpdate once the throttle window allows it. A nil cursor means the
// pointer left the canvas.
func (t *Tracker) SetCursor(c *ir.Cursor) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c != nil {
		cp := *c
		c = &cp
	}
	t.local.Cursor = c
	t.cursorDirty = true
}

// TakeCursorUpdate returns the state to broadcast if the cursor moved and the
// throttle window since the last cursor broadcast has passed. Intermediate
// positions inside a window are dropped; only the latest is sent.
func (t *Tracker) TakeCursorUpdate() (ir.PresenceState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	if !t.cursorDirty || now.Sub(t.lastCursorSent) < t.throttle {
		return ir.PresenceState{}, false
	}
	return t.stampLocked(now), true
}

// SetSelection records the selected node ids and returns the state to
// broadcast immediately.
func (t *Tracker) SetSelection(ids []string) ir.PresenceState {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.local.Selection = append([]string{}, ids...)
	return t.stampLocked(t.now())
}

// Heartbeat returns the state to re-broadcast, changed or not. It also
// carries any pending cursor move.
func (t *Tracker) Heartbeat() ir.PresenceState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stampLocked(t.now())
}

func (t *Tracker) stampLocked(now time.Time) ir.PresenceState {
	t.local.Seq++
	t.local.HeartbeatMs = now.UnixMilli()
	t.cursorDirty = false
	t.lastCursorSent = now
	return t.local.Clone()
}

// Observe records a peer's presence frame. Frames from the local client and
// frames older than the last one seen from that peer are ignored. A frame
// with a lower Seq but a later heartbeat comes from a restarted client and
// replaces the old state. Returns whether the peer set changed.
func (t *Tracker) Observe(p ir.PresenceState) bool {
	t.mu.Lock()
	if p.ClientID == "" || p.ClientID == t.local.ClientID {
		t.mu.Unlock()
		return false
	}
	cur, known := t.peers[p.ClientID]
	if known && p.Seq <= cur.state.Seq && p.HeartbeatMs <= cur.state.HeartbeatMs {
		// Still proof of life.
		cur.lastSeen = t.now()
		t.peers[p.ClientID] = cur
		t.mu.Unlock()
		return false
	}
	t.peers[p.ClientID] = peer{state: p.Clone(), lastSeen: t.now()}
	t.mu.Unlock()

	kind := PeerUpdated
	if !known {
		kind = PeerJoined
	}
	t.notify(Event{Kind: kind, Peer: p.Clone()})
	return true
}

// Remove drops a peer that announced it left.
func (t *Tracker) Remove(clientID string) bool {
	t.mu.Lock()
	cur, ok := t.peers[clientID]
	delete(t.peers, clientID)
	t.mu.Unlock()
	if ok {
		t.notify(Event{Kind: PeerLeft, Peer: cur.state})
	}
	return ok
}

// Sweep evicts peers silent for longer than the timeout and returns one
// StaleSessionError per eviction.
func (t *Tracker) Sweep() []error {
	t.mu.Lock()
	now := t.now()
	var expired []peer
	for id, p := range t.peers {
		if now.Sub(p.lastSeen) > t.timeout {
			expired = append(expired, p)
			delete(t.peers, id)
		}
	}
	t.mu.Unlock()

	slices.SortFunc(expired, func(a, b peer) int {
		return strings.Compare(a.state.ClientID, b.state.ClientID)
	})
	errs := make([]error, 0, len(expired))
	for _, p := range expired {
		err := ir.NewStaleSessionError(p.state.ClientID, now.Sub(p.lastSeen))
		errs = append(errs, err)
		t.notify(Event{Kind: PeerExpired, Peer: p.state, Err: err})
	}
	return errs
}

// Peers returns the live peers ordered by client id.
func (t *Tracker) Peers() []ir.PresenceState {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ir.PresenceState, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, p.state.Clone())
	}
	slices.SortFunc(out, func(a, b ir.PresenceState) int {
		return strings.Compare(a.ClientID, b.ClientID)
	})
	return out
}

// Subscribe registers fn for presence events and returns its cancellation.
func (t *Tracker) Subscribe(fn func(Event)) (cancel func()) {
	t.subMu.Lock()
	defer t.subMu.Unlock()
	id := t.nextID
	t.nextID++
	t.subs[id] = fn
	return func() {
		t.subMu.Lock()
		defer t.subMu.Unlock()
		delete(t.subs, id)
	}
}

func (t *Tracker) notify(ev Event) {
	t.subMu.Lock()
	ids := make([]int, 0, len(t.subs))
	for id := range t.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, t.subs[id])
	}
	t.subMu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}
