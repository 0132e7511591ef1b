package harness

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/roach88/weave/internal/doc"
	"github.com/roach88/weave/internal/ir"
	"github.com/roach88/weave/internal/presence"
	"github.com/roach88/weave/internal/testutil"
	"github.com/roach88/weave/internal/undo"
	"github.com/roach88/weave/internal/version"
)

// DefaultDocID is used when a scenario names no document.
const DefaultDocID = "scenario"

// replica is one simulated client.
type replica struct {
	id       string
	doc      *doc.Document
	history  *undo.Manager
	presence *presence.Tracker
	online   bool

	// ops are the operations this replica generated, in order.
	ops []ir.Operation
	// pushed counts ops already sent to the relay.
	pushed int
	// seen holds remote stamps already delivered.
	seen map[ir.Stamp]bool
}

// world is the state of one scenario run.
type world struct {
	scenario *Scenario
	order    []*replica
	byID     map[string]*replica
	clock    *testutil.ManualClock
	result   *Result

	relay     []ir.Operation
	relayed   map[ir.Stamp]bool
	snapshots []ir.VersionSnapshot
	report    *version.Report
}

// Option configures a run.
type Option func(*options)

type options struct {
	logger *slog.Logger
}

// WithLogger sets the logger handed to every replica. Default: discard.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// Run executes a scenario and evaluates its assertions.
//
// Step failures and failed assertions are collected in the Result; the
// returned error is reserved for scenarios that cannot run at all.
func Run(scenario *Scenario, opts ...Option) (*Result, error) {
	o := options{logger: testutil.DiscardLogger()}
	for _, opt := range opts {
		opt(&o)
	}
	w, err := newWorld(scenario, o.logger)
	if err != nil {
		return nil, err
	}

	for i, step := range scenario.Steps {
		ev, err := w.execute(i+1, step)
		if err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i+1, step.Do, err)
		}
		w.result.Trace = append(w.result.Trace, ev)
	}

	for _, r := range w.order {
		w.result.Views[r.id] = r.doc.View()
	}
	w.result.Final = w.result.Views[w.order[0].id]

	for i, a := range scenario.Assertions {
		if err := w.check(a); err != nil {
			w.result.AddError(fmt.Sprintf("assertion %d: %v", i, err))
		}
	}
	return w.result, nil
}

func newWorld(s *Scenario, logger *slog.Logger) (*world, error) {
	docID := s.Doc
	if docID == "" {
		docID = DefaultDocID
	}
	popts, err := presenceOptions(s.Presence)
	if err != nil {
		return nil, err
	}
	w := &world{
		scenario: s,
		byID:     make(map[string]*replica, len(s.Replicas)),
		clock:    testutil.NewManualClock(time.Time{}),
		result:   NewResult(),
		relayed:  make(map[ir.Stamp]bool),
	}
	popts = append(popts, presence.WithNow(w.clock.Now))
	for _, id := range s.Replicas {
		d := doc.New(docID, id,
			doc.WithIDGenerator(ir.NewSequenceGenerator(id+"-")),
			doc.WithLogger(logger.With("replica", id)),
		)
		r := &replica{
			id:       id,
			doc:      d,
			history:  undo.New(d),
			presence: presence.NewTracker(id, ir.Identity{Name: id}, "", popts...),
			online:   true,
			seen:     make(map[ir.Stamp]bool),
		}
		w.order = append(w.order, r)
		w.byID[id] = r
	}
	return w, nil
}

func presenceOptions(p *PresenceSettings) ([]presence.Option, error) {
	if p == nil {
		return nil, nil
	}
	var opts []presence.Option
	if p.Heartbeat != "" || p.TimeoutMultiplier != 0 {
		interval := presence.DefaultHeartbeat
		if p.Heartbeat != "" {
			d, err := time.ParseDuration(p.Heartbeat)
			if err != nil {
				return nil, fmt.Errorf("presence heartbeat: %w", err)
			}
			interval = d
		}
		mult := p.TimeoutMultiplier
		if mult == 0 {
			mult = presence.DefaultTimeoutMultiplier
		}
		opts = append(opts, presence.WithHeartbeat(interval, mult))
	}
	if p.CursorThrottle != "" {
		d, err := time.ParseDuration(p.CursorThrottle)
		if err != nil {
			return nil, fmt.Errorf("presence cursor_throttle: %w", err)
		}
		opts = append(opts, presence.WithCursorThrottle(d))
	}
	return opts, nil
}

// execute runs one step. Errors are structural; behavioral failures go to
// the result.
func (w *world) execute(n int, step Step) (TraceEvent, error) {
	ev := TraceEvent{Step: n, Do: step.Do, Replica: step.Replica}
	r := w.byID[step.Replica]

	switch step.Do {
	case StepSync:
		w.sync(n, step, &ev)
	case StepAdvance:
		by, err := time.ParseDuration(fmt.Sprint(step.Args["by"]))
		if err != nil {
			return ev, err
		}
		w.advance(by, &ev)
	case StepOffline:
		r.online = false
	case StepOnline:
		r.online = true
	case StepHeartbeat:
		w.broadcastPresence(r, r.presence.Heartbeat())
	case StepSelect:
		ids, err := stringList(step.Args, "ids")
		if err != nil {
			return ev, err
		}
		w.broadcastPresence(r, r.presence.SetSelection(ids))
	case StepCursor:
		x, err := intArg(step.Args, "x")
		if err != nil {
			return ev, err
		}
		y, err := intArg(step.Args, "y")
		if err != nil {
			return ev, err
		}
		r.presence.SetCursor(&ir.Cursor{X: x, Y: y})
		if st, ok := r.presence.TakeCursorUpdate(); ok {
			w.broadcastPresence(r, st)
		} else {
			ev.Note = "throttled"
		}
	case StepLeave:
		if r.online {
			for _, peer := range w.order {
				if peer != r && peer.online {
					peer.presence.Remove(r.id)
				}
			}
		}
	case StepSave:
		w.save(r, step, &ev)
	case StepRestore:
		v, err := intArg(step.Args, "version")
		if err != nil {
			return ev, err
		}
		w.restore(r, v, &ev)
	case StepUndo:
		tx, err := r.history.Undo()
		w.local(r, step, tx, err, false, &ev)
	case StepRedo:
		tx, err := r.history.Redo()
		w.local(r, step, tx, err, false, &ev)
	default:
		change, err := changeFor(step)
		if err != nil {
			return ev, err
		}
		tx, err := r.doc.Transact(change)
		w.local(r, step, tx, err, true, &ev)
	}
	return ev, nil
}

// local records the outcome of an edit, undo or redo on r.
func (w *world) local(r *replica, step Step, tx doc.Transaction, err error, record bool, ev *TraceEvent) {
	r.ops = append(r.ops, tx.Ops...)
	ev.Ops = describe(tx.Ops)
	if record {
		r.history.Record(tx)
	}
	switch {
	case err != nil && step.Fails:
		ev.Note = "rejected"
	case err != nil:
		w.result.AddError(fmt.Sprintf("step %d (%s by %s): %v", ev.Step, step.Do, r.id, err))
		ev.Note = "error"
	case step.Fails:
		w.result.AddError(fmt.Sprintf("step %d (%s by %s): expected rejection, change applied", ev.Step, step.Do, r.id))
	}
}

// sync pushes every participating replica's new operations to the relay and
// delivers what each one is missing.
func (w *world) sync(n int, step Step, ev *TraceEvent) {
	var members []*replica
	for _, r := range w.order {
		if !r.online {
			continue
		}
		if len(step.Replicas) > 0 && !slices.Contains(step.Replicas, r.id) {
			continue
		}
		members = append(members, r)
	}

	for _, r := range members {
		for _, op := range r.ops[r.pushed:] {
			if !w.relayed[op.Stamp()] {
				w.relayed[op.Stamp()] = true
				w.relay = append(w.relay, op)
			}
		}
		r.pushed = len(r.ops)
	}

	for i, r := range members {
		var missing []ir.Operation
		for _, op := range w.relay {
			if op.Origin != r.id && !r.seen[op.Stamp()] {
				missing = append(missing, op)
			}
		}
		if len(missing) == 0 {
			continue
		}
		batch := missing
		if step.Duplicate {
			batch = append(append([]ir.Operation(nil), missing...), missing...)
		}
		if step.Shuffle {
			batch = testutil.Shuffled(batch, w.scenario.Seed+uint64(n)*1000+uint64(i))
		}
		if err := r.doc.ApplyAll(batch); err != nil {
			w.result.AddError(fmt.Sprintf("step %d (sync to %s): %v", n, r.id, err))
		}
		for _, op := range missing {
			r.seen[op.Stamp()] = true
		}
		if ev.Delivered == nil {
			ev.Delivered = make(map[string]int)
		}
		ev.Delivered[r.id] = len(missing)
	}
}

// broadcastPresence hands a presence frame to every other online replica.
// Offline replicas send nothing.
func (w *world) broadcastPresence(from *replica, st ir.PresenceState) {
	if !from.online {
		return
	}
	for _, r := range w.order {
		if r != from && r.online {
			r.presence.Observe(st)
		}
	}
}

// advance moves the shared clock and sweeps every tracker.
func (w *world) advance(by time.Duration, ev *TraceEvent) {
	w.clock.Advance(by)
	for _, r := range w.order {
		var gone []string
		for _, err := range r.presence.Sweep() {
			var e *ir.Error
			if errors.As(err, &e) {
				gone = append(gone, e.ClientID)
			}
		}
		if len(gone) == 0 {
			continue
		}
		if ev.Expired == nil {
			ev.Expired = make(map[string][]string)
		}
		ev.Expired[r.id] = gone
	}
}

// save snapshots r's replica as the next shared version.
func (w *world) save(r *replica, step Step, ev *TraceEvent) {
	next := int64(len(w.snapshots) + 1)
	label, _ := step.Args["label"].(string)
	snap, err := version.Take(r.doc, version.Meta{
		ID:        fmt.Sprintf("%s-v%d", r.doc.ID(), next),
		Author:    r.id,
		Label:     label,
		CreatedAt: w.clock.Now(),
	})
	if err != nil {
		w.result.AddError(fmt.Sprintf("step %d (save by %s): %v", ev.Step, r.id, err))
		return
	}
	snap.Version = next
	w.snapshots = append(w.snapshots, snap)
	ev.Note = fmt.Sprintf("v%d", next)
}

// restore brings r back to a saved version as one undoable transaction.
func (w *world) restore(r *replica, v int64, ev *TraceEvent) {
	if v < 1 || v > int64(len(w.snapshots)) {
		w.result.AddError(fmt.Sprintf("step %d (restore by %s): no version %d", ev.Step, r.id, v))
		return
	}
	snap := w.snapshots[v-1]
	if err := snap.Verify(); err != nil {
		w.result.AddError(fmt.Sprintf("step %d (restore by %s): %v", ev.Step, r.id, err))
		return
	}
	tx, report, err := version.Restore(r.doc, snap)
	r.ops = append(r.ops, tx.Ops...)
	r.history.Record(tx)
	ev.Ops = describe(tx.Ops)
	w.report = &report
	if err != nil {
		w.result.AddError(fmt.Sprintf("step %d (restore by %s): %v", ev.Step, r.id, err))
		return
	}
	if len(report.Conflicts) > 0 {
		ev.Note = "conflicts: " + strings.Join(report.Conflicts, ",")
	}
}

// describe renders operations for the trace.
func describe(ops []ir.Operation) []string {
	if len(ops) == 0 {
		return nil
	}
	out := make([]string, len(ops))
	for i, op := range ops {
		out[i] = fmt.Sprintf("%s %s %s", op.Stamp(), op.Kind, op.Target)
	}
	return out
}
