package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/roach88/weave/internal/doc"
	"github.com/roach88/weave/internal/ir"
	"github.com/roach88/weave/internal/presence"
	"github.com/roach88/weave/internal/store"
	"github.com/roach88/weave/internal/version"
	"github.com/roach88/weave/internal/wire"
)

type eventKind int

const (
	evJoin eventKind = iota + 1
	evFrame
	evLeave
	evRemote
	evSave
	evRestore
	evState
)

// event is one unit of work for a room's run loop.
type event struct {
	kind    eventKind
	member  *member
	frame   wire.Frame
	remote  []byte
	author  string
	label   string
	version int64
	reply   chan reply
}

type reply struct {
	snapshot ir.VersionSnapshot
	report   version.Report
	state    []byte
	err      error
}

// envelope wraps a frame published to other relay nodes.
type envelope struct {
	Node  string          `json:"node"`
	Frame json.RawMessage `json:"frame"`
}

// room is the single writer for one document on this node.
type room struct {
	id     string
	srv    *Server
	logger *slog.Logger
	doc    *doc.Document
	queue  *eventQueue[event]

	members   map[string]*member
	peers     *presence.Tracker
	snapshots *version.Tracker
	idleSince time.Time

	unsubscribe  func()
	stopPresence func()
}

func newRoom(ctx context.Context, s *Server, docID string) (*room, error) {
	logger := s.logger.With("doc", docID)
	d, res, err := store.Load(ctx, s.store, docID, s.nodeID, doc.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("open room: %w", err)
	}
	logger.Info("room opened", "from_version", res.FromVersion, "replayed", res.Replayed)

	r := &room{
		id:        docID,
		srv:       s,
		logger:    logger,
		doc:       d,
		queue:     newEventQueue[event](),
		members:   make(map[string]*member),
		peers:     presence.NewTracker(s.nodeID, ir.Identity{Name: "relay"}, "", presence.WithHeartbeat(s.heartbeat, s.timeoutMult), presence.WithNow(s.now)),
		snapshots: version.NewTracker(s.policy, s.now()),
		idleSince: s.now(),
	}
	r.snapshots.Observe(res.Replayed)
	r.stopPresence = r.peers.Subscribe(r.onPresence)

	unsubscribe, err := s.fanout.Subscribe(ctx, docID, func(msg []byte) {
		r.queue.Enqueue(event{kind: evRemote, remote: msg})
	})
	if err != nil {
		return nil, fmt.Errorf("open room: %w", err)
	}
	r.unsubscribe = unsubscribe
	return r, nil
}

// run is the room's single-writer loop.
func (r *room) run(ctx context.Context) {
	ticker := time.NewTicker(r.srv.tick)
	defer ticker.Stop()

	for {
		if ev, ok := r.queue.TryDequeue(); ok {
			r.handle(ctx, ev)
			continue
		}
		select {
		case <-ctx.Done():
			r.shutdown(context.Background())
			return
		case <-r.queue.Wait():
		case <-ticker.C:
			if r.tickOnce(ctx) {
				r.shutdown(ctx)
				return
			}
		}
	}
}

func (r *room) handle(ctx context.Context, ev event) {
	switch ev.kind {
	case evJoin:
		r.join(ctx, ev.member, ev.frame)
	case evFrame:
		r.frame(ctx, ev.member, ev.frame)
	case evLeave:
		r.leave(ctx, ev.member)
	case evRemote:
		r.remote(ctx, ev.remote)
	case evSave:
		snap, err := r.save(ctx, ev.author, ev.label)
		ev.reply <- reply{snapshot: snap, err: err}
	case evRestore:
		report, err := r.restore(ctx, ev.version)
		ev.reply <- reply{report: report, err: err}
	case evState:
		state, err := r.doc.SnapshotState()
		ev.reply <- reply{state: state, err: err}
	}
}

// tickOnce sweeps presence, applies the snapshot policy and reports whether
// the room should retire.
func (r *room) tickOnce(ctx context.Context) bool {
	now := r.srv.now()
	r.peers.Sweep()
	if r.snapshots.Due(now) {
		if _, err := r.save(ctx, r.srv.nodeID, "auto"); err != nil {
			r.logger.Error("auto snapshot failed", "error", err)
		}
	}
	return len(r.members) == 0 && now.Sub(r.idleSince) >= r.srv.roomIdle
}

// shutdown retires the room, snapshots unsaved work, disconnects members
// and re-dispatches requests that raced with the retirement.
func (r *room) shutdown(ctx context.Context) {
	if r.snapshots.Pending() > 0 {
		if _, err := r.save(ctx, r.srv.nodeID, "auto"); err != nil {
			r.logger.Error("final snapshot failed", "error", err)
		}
	}
	r.srv.retire(r)
	r.unsubscribe()
	r.stopPresence()
	for _, m := range r.members {
		m.close()
	}

	for {
		ev, ok := r.queue.TryDequeue()
		if !ok {
			break
		}
		switch ev.kind {
		case evJoin, evSave, evRestore, evState:
			if ctx.Err() == nil {
				if err := r.srv.dispatch(r.id, ev); err == nil {
					continue
				}
			}
			if ev.reply != nil {
				ev.reply <- reply{err: ErrClosed}
			}
			if ev.member != nil {
				ev.member.close()
			}
		}
	}
	r.logger.Info("room closed")
}

func (r *room) join(ctx context.Context, m *member, hello wire.Frame) {
	if old := r.members[m.clientID]; old != nil && old != m {
		r.logger.Info("replacing connection", "client", m.clientID)
		old.close()
	}
	r.members[m.clientID] = m
	// A restarted client counts its presence Seq from zero again.
	r.peers.Remove(m.clientID)

	sync := wire.Frame{Type: wire.FrameSync, DocID: r.id, Summary: r.doc.Summary()}
	if len(hello.Summary) == 0 {
		state, err := r.doc.SnapshotState()
		if err != nil {
			r.logger.Error("snapshot state for sync", "client", m.clientID, "error", err)
			m.close()
			return
		}
		sync.State = state
	} else {
		ops, err := r.srv.store.OperationsSince(ctx, r.id, hello.Summary)
		if err != nil {
			r.logger.Error("read delta for sync", "client", m.clientID, "error", err)
			m.close()
			return
		}
		sync.Ops = ops
	}
	r.send(m, sync)
	for _, p := range r.peers.Peers() {
		if p.ClientID != m.clientID {
			r.send(m, wire.Frame{Type: wire.FramePresence, DocID: r.id, Presence: &p})
		}
	}
	r.send(m, wire.Frame{Type: wire.FrameAck, DocID: r.id, ClientID: m.clientID, Clock: sync.Summary[m.clientID]})
	r.logger.Info("member joined", "client", m.clientID, "members", len(r.members), "delta", len(sync.Ops), "full_state", sync.State != nil)
}

func (r *room) frame(ctx context.Context, m *member, f wire.Frame) {
	if r.members[m.clientID] != m {
		return
	}
	switch f.Type {
	case wire.FrameHello:
		if f.ClientID != m.clientID {
			r.logger.Warn("hello with another client id", "client", m.clientID, "claimed", f.ClientID)
			return
		}
		r.join(ctx, m, f)
	case wire.FrameOps:
		r.ops(ctx, m, f.Ops)
	case wire.FramePresence:
		if f.Presence.ClientID != m.clientID {
			r.logger.Warn("presence for another client", "client", m.clientID, "claimed", f.Presence.ClientID)
			return
		}
		r.peers.Observe(*f.Presence)
		if err := r.srv.liveness.Touch(ctx, r.id, m.clientID, r.peers.Timeout()); err != nil {
			r.logger.Warn("liveness touch failed", "client", m.clientID, "error", err)
		}
		f.DocID = r.id
		r.broadcast(f, m)
		r.publish(ctx, f)
	case wire.FrameSave:
		if _, err := r.save(ctx, m.clientID, f.Label); err != nil {
			r.logger.Error("save failed", "client", m.clientID, "error", err)
			r.send(m, noticeFrame(r.id, string(ir.ErrCodeTransport), err.Error(), 0))
		}
	case wire.FrameLeave:
		r.leave(ctx, m)
		m.close()
	default:
		r.logger.Debug("ignoring frame", "client", m.clientID, "type", f.Type)
	}
}

// ops logs, applies and forwards a member's operations. A member may only
// push its own operations.
func (r *room) ops(ctx context.Context, m *member, ops []ir.Operation) {
	own := ops[:0:0]
	for _, op := range ops {
		if op.Origin != m.clientID {
			r.logger.Warn("dropping operation from another origin", "client", m.clientID, "origin", op.Origin)
			continue
		}
		own = append(own, op)
	}
	if len(own) == 0 {
		return
	}
	if !r.accept(ctx, own) {
		return
	}
	f := wire.Frame{Type: wire.FrameOps, DocID: r.id, Ops: own}
	r.broadcast(f, m)
	r.publish(ctx, f)
	r.send(m, wire.Frame{Type: wire.FrameAck, DocID: r.id, ClientID: m.clientID, Clock: r.doc.Summary()[m.clientID]})
}

// accept makes operations durable, then applies them to the replica.
func (r *room) accept(ctx context.Context, ops []ir.Operation) bool {
	n, err := r.srv.store.AppendOperations(ctx, r.id, ops)
	if err != nil {
		r.logger.Error("append operations", "count", len(ops), "error", err)
		return false
	}
	if err := r.doc.ApplyAll(ops); err != nil {
		r.logger.Warn("apply operations", "error", err)
	}
	r.snapshots.Observe(n)
	return true
}

func (r *room) leave(ctx context.Context, m *member) {
	if r.members[m.clientID] != m {
		return
	}
	delete(r.members, m.clientID)
	r.peers.Remove(m.clientID)
	if err := r.srv.liveness.Drop(ctx, r.id, m.clientID); err != nil {
		r.logger.Warn("liveness drop failed", "client", m.clientID, "error", err)
	}
	f := wire.Frame{Type: wire.FrameLeave, DocID: r.id, ClientID: m.clientID}
	r.broadcast(f, nil)
	r.publish(ctx, f)
	if len(r.members) == 0 {
		r.idleSince = r.srv.now()
	}
	r.logger.Info("member left", "client", m.clientID, "members", len(r.members))
}

// onPresence forwards expirations found by the sweep as leave frames.
func (r *room) onPresence(ev presence.Event) {
	if ev.Kind != presence.PeerExpired {
		return
	}
	r.logger.Info("peer expired", "client", ev.Peer.ClientID, "error", ev.Err)
	r.broadcast(wire.Frame{Type: wire.FrameLeave, DocID: r.id, ClientID: ev.Peer.ClientID}, nil)
}

// remote handles a frame published by another relay node.
func (r *room) remote(ctx context.Context, msg []byte) {
	var env envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		r.logger.Warn("dropping malformed fanout message", "error", err)
		return
	}
	if env.Node == r.srv.nodeID {
		return
	}
	f, err := wire.JSONCodec{}.Decode(env.Frame)
	if err != nil {
		r.logger.Warn("dropping malformed fanout frame", "from", env.Node, "error", err)
		return
	}
	switch f.Type {
	case wire.FrameOps:
		if !r.accept(ctx, f.Ops) {
			return
		}
	case wire.FramePresence:
		r.peers.Observe(*f.Presence)
	case wire.FrameLeave:
		r.peers.Remove(f.ClientID)
	case wire.FrameNotice:
	default:
		return
	}
	r.broadcast(f, nil)
}

// save snapshots the replica and announces the version.
func (r *room) save(ctx context.Context, author, label string) (ir.VersionSnapshot, error) {
	snap, err := version.Take(r.doc, version.Meta{Author: author, Label: label, CreatedAt: r.srv.now()})
	if err != nil {
		return ir.VersionSnapshot{}, err
	}
	snap, err = r.srv.store.SaveSnapshot(ctx, snap)
	if err != nil {
		return ir.VersionSnapshot{}, err
	}
	r.snapshots.Reset(r.srv.now())
	r.logger.Info("snapshot saved", "version", snap.Version, "author", author, "label", label)

	f := noticeFrame(r.id, wire.NoticeSaved, label, snap.Version)
	r.broadcast(f, nil)
	r.publish(ctx, f)
	return snap, nil
}

// restore applies a stored version as relay-authored operations.
func (r *room) restore(ctx context.Context, v int64) (version.Report, error) {
	snap, err := r.srv.store.GetSnapshot(ctx, r.id, v)
	if err != nil {
		return version.Report{}, err
	}
	if err := snap.Verify(); err != nil {
		return version.Report{}, err
	}
	tx, report, err := version.Restore(r.doc, snap)
	if len(tx.Ops) > 0 {
		if _, aerr := r.srv.store.AppendOperations(ctx, r.id, tx.Ops); aerr != nil {
			return report, errors.Join(err, aerr)
		}
		r.snapshots.Observe(len(tx.Ops))
		f := wire.Frame{Type: wire.FrameOps, DocID: r.id, Ops: tx.Ops}
		r.broadcast(f, nil)
		r.publish(ctx, f)
	}
	if err != nil {
		return report, err
	}
	if cerr := report.Err(); cerr != nil {
		f := noticeFrame(r.id, string(ir.ErrCodeRestoreConflict), cerr.Error(), v)
		r.broadcast(f, nil)
		r.publish(ctx, f)
	}
	r.logger.Info("restored", "version", v, "ops", report.Ops, "conflicts", len(report.Conflicts))
	return report, nil
}

func noticeFrame(docID, code, message string, v int64) wire.Frame {
	return wire.Frame{Type: wire.FrameNotice, DocID: docID, Version: v, Notice: &wire.Notice{Code: code, Message: message}}
}

// send delivers f to one member, disconnecting it when it cannot keep up.
func (r *room) send(m *member, f wire.Frame) {
	if !m.deliver(f) {
		r.logger.Warn("member too slow, disconnecting", "client", m.clientID)
		m.close()
	}
}

// broadcast sends f to every member except skip, in client id order.
func (r *room) broadcast(f wire.Frame, skip *member) {
	ids := make([]string, 0, len(r.members))
	for id := range r.members {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		if m := r.members[id]; m != skip {
			r.send(m, f)
		}
	}
}

// publish forwards f to other relay nodes.
func (r *room) publish(ctx context.Context, f wire.Frame) {
	data, err := wire.JSONCodec{}.Encode(f)
	if err != nil {
		r.logger.Error("encode fanout frame", "type", f.Type, "error", err)
		return
	}
	msg, err := json.Marshal(envelope{Node: r.srv.nodeID, Frame: data})
	if err != nil {
		r.logger.Error("encode fanout envelope", "error", err)
		return
	}
	if err := r.srv.fanout.Publish(ctx, r.id, msg); err != nil {
		r.logger.Warn("fanout publish failed", "type", f.Type, "error", err)
	}
}
