package doc

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/roach88/weave/internal/ir"
	"github.com/roach88/weave/internal/oplog"
)

// register is one last-writer-wins cell. A nil value with a non-zero stamp
// records a clear (deleted config key, metadata key or edge label).
type register struct {
	stamp ir.Stamp
	value ir.Value
}

// entity is a node or edge replica. created is the stamp of its insert, or
// zero while only field writes have arrived.
type entity struct {
	created ir.Stamp
	fields  map[string]register
}

func newEntity() *entity {
	return &entity{fields: make(map[string]register)}
}

// Origin tells subscribers where a change came from.
type Origin int

const (
	// OriginLocal marks operations generated by this replica.
	OriginLocal Origin = iota + 1
	// OriginRemote marks operations received from peers.
	OriginRemote
	// OriginHydrate marks a wholesale state load.
	OriginHydrate
)

func (o Origin) String() string {
	switch o {
	case OriginLocal:
		return "local"
	case OriginRemote:
		return "remote"
	case OriginHydrate:
		return "hydrate"
	}
	return fmt.Sprintf("Origin(%d)", int(o))
}

// Event describes one observable change of the replica.
type Event struct {
	Origin Origin
	Ops    []ir.Operation
}

// Document is one client's replica of a workflow document.
//
// Thread-safety: all methods are safe for concurrent use. Subscribers are
// invoked after the internal lock is released, in registration order, on the
// goroutine that caused the change.
type Document struct {
	mu       sync.Mutex
	id       string
	clientID string
	clock    *oplog.Clock
	ids      ir.IDGenerator
	logger   *slog.Logger

	nodes     map[string]*entity
	edges     map[string]*entity
	meta      map[string]register
	deadNodes map[string]bool
	deadEdges map[string]bool
	summary   ir.Summary

	subMu  sync.Mutex
	subs   map[int]func(Event)
	nextID int
}

// Option configures a Document.
type Option func(*Document)

// WithIDGenerator sets the generator for node, edge and re-created entity ids.
// Default: ir.UUIDv7Generator.
func WithIDGenerator(g ir.IDGenerator) Option {
	return func(d *Document) {
		d.ids = g
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(d *Document) {
		d.logger = l
	}
}

// New creates an empty replica of document docID owned by clientID.
func New(docID, clientID string, opts ...Option) *Document {
	d := &Document{
		id:       docID,
		clientID: clientID,
		clock:    oplog.NewClock(),
		ids:      ir.UUIDv7Generator{},
		logger:   slog.Default(),
		subs:     make(map[int]func(Event)),
	}
	d.reset()
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Document) reset() {
	d.nodes = make(map[string]*entity)
	d.edges = make(map[string]*entity)
	d.meta = make(map[string]register)
	d.deadNodes = make(map[string]bool)
	d.deadEdges = make(map[string]bool)
	d.summary = ir.Summary{}
}

// ID returns the document id.
func (d *Document) ID() string { return d.id }

// ClientID returns the id stamped on locally generated operations.
func (d *Document) ClientID() string { return d.clientID }

// Clock returns the current Lamport clock value.
func (d *Document) Clock() int64 { return d.clock.Current() }

// NewID returns a fresh entity id from the document's generator.
func (d *Document) NewID() string { return d.ids.Generate() }

// Summary returns a copy of the state vector of applied operations.
func (d *Document) Summary() ir.Summary {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.summary.Clone()
}

// Apply merges a single operation. It returns a MalformedOperationError if
// the operation fails validation (the replica is untouched) and a
// ConflictNoop if it targets a deleted node or edge. Applying an operation
// already seen changes nothing.
func (d *Document) Apply(op ir.Operation) error {
	d.mu.Lock()
	changed, err := d.applyLocked(op)
	d.mu.Unlock()
	if changed {
		d.notify(Event{Origin: OriginRemote, Ops: []ir.Operation{op}})
	}
	return err
}

// ApplyAll merges a batch of remote operations and notifies subscribers once.
// Conflict no-ops are absorbed; malformed operations are skipped, logged and
// returned joined.
func (d *Document) ApplyAll(ops []ir.Operation) error {
	var errs []error
	var applied []ir.Operation
	d.mu.Lock()
	for _, op := range ops {
		changed, err := d.applyLocked(op)
		switch {
		case ir.IsConflictNoop(err):
			d.logger.Debug("operation absorbed", "doc", d.id, "op", op.Stamp().String(), "target", op.Target.String())
		case err != nil:
			d.logger.Warn("operation discarded", "doc", d.id, "error", err)
			errs = append(errs, err)
		}
		if changed {
			applied = append(applied, op)
		}
	}
	d.mu.Unlock()
	if len(applied) > 0 {
		d.notify(Event{Origin: OriginRemote, Ops: applied})
	}
	return errors.Join(errs...)
}

// applyLocked validates then applies. Validation precedes every mutation, so
// an operation is applied whole or not at all.
func (d *Document) applyLocked(op ir.Operation) (bool, error) {
	if err := op.Validate(); err != nil {
		e := ir.NewMalformedError("invalid operation", err)
		e.DocID = d.id
		e.ClientID = op.Origin
		return false, e
	}
	d.clock.Observe(op.Clock)
	seen := d.summary.Covers(op.Origin, op.Clock)
	d.summary.Observe(op.Origin, op.Clock)

	t := op.Target
	if t.Entity == ir.EntityMeta {
		return d.writeMeta(t.ID, op) || !seen, nil
	}

	ents, dead := d.nodes, d.deadNodes
	if t.Entity == ir.EntityEdge {
		ents, dead = d.edges, d.deadEdges
	}
	if dead[t.ID] {
		return !seen, ir.NewConflictNoop(op)
	}

	stamp := op.Stamp()
	switch {
	case op.Kind == ir.KindDelete && t.IsEntity():
		delete(ents, t.ID)
		dead[t.ID] = true
		return true, nil
	case op.Kind == ir.KindInsert:
		ent := ents[t.ID]
		if ent == nil {
			ent = newEntity()
			ents[t.ID] = ent
		}
		changed := false
		if ent.created.Less(stamp) {
			ent.created = stamp
			changed = true
		}
		for key, v := range insertFields(op.Payload.(ir.Object)) {
			if writeRegister(ent.fields, key, stamp, v) {
				changed = true
			}
		}
		return changed || !seen, nil
	default:
		ent := ents[t.ID]
		if ent == nil {
			ent = newEntity()
			ents[t.ID] = ent
		}
		var v ir.Value
		if op.Kind == ir.KindSet {
			v = op.Payload
		}
		return writeRegister(ent.fields, t.FieldKey(), stamp, v) || !seen, nil
	}
}

func (d *Document) writeMeta(key string, op ir.Operation) bool {
	var v ir.Value
	if op.Kind == ir.KindSet {
		v = op.Payload
	}
	return writeRegister(d.meta, key, op.Stamp(), v)
}

// writeRegister stores v if stamp orders after the current register.
func writeRegister(regs map[string]register, key string, stamp ir.Stamp, v ir.Value) bool {
	if cur, ok := regs[key]; ok && !cur.stamp.Less(stamp) {
		return false
	}
	regs[key] = register{stamp: stamp, value: ir.CloneValue(v)}
	return true
}

// insertFields flattens an insert payload into register keys.
func insertFields(payload ir.Object) map[string]ir.Value {
	out := make(map[string]ir.Value, len(payload))
	for k, v := range payload {
		if k == ir.FieldConfig {
			for ck, cv := range v.(ir.Object) {
				out[ir.FieldConfig+"/"+ck] = cv
			}
			continue
		}
		out[k] = v
	}
	return out
}

// Field returns the value and stamp of the register at t. ok is false when
// the register was never written. A cleared register returns a nil value with
// its clearing stamp and ok true.
func (d *Document) Field(t ir.Target) (value ir.Value, stamp ir.Stamp, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	reg, ok := d.registerLocked(t)
	return ir.CloneValue(reg.value), reg.stamp, ok
}

func (d *Document) registerLocked(t ir.Target) (register, bool) {
	if t.Entity == ir.EntityMeta {
		reg, ok := d.meta[t.ID]
		return reg, ok
	}
	ent := d.entityLocked(t.Entity, t.ID)
	if ent == nil {
		return register{}, false
	}
	reg, ok := ent.fields[t.FieldKey()]
	return reg, ok
}

func (d *Document) entityLocked(kind ir.Entity, id string) *entity {
	if kind == ir.EntityEdge {
		return d.edges[id]
	}
	return d.nodes[id]
}

// Created returns the insert stamp of a node or edge. ok is false for
// unknown, not yet inserted or deleted entities.
func (d *Document) Created(kind ir.Entity, id string) (ir.Stamp, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ent := d.entityLocked(kind, id)
	if ent == nil || ent.created.IsZero() {
		return ir.Stamp{}, false
	}
	return ent.created, true
}

// IsDeleted reports whether the node or edge carries a tombstone.
func (d *Document) IsDeleted(kind ir.Entity, id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if kind == ir.EntityEdge {
		return d.deadEdges[id]
	}
	return d.deadNodes[id]
}

// View returns the plain projection rendered by UI consumers: created,
// non-deleted nodes, and edges whose endpoints are both visible.
func (d *Document) View() ir.View {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.viewLocked()
}

func (d *Document) viewLocked() ir.View {
	v := ir.NewView()
	for id, ent := range d.nodes {
		if rec, ok := nodeRecord(ent); ok {
			v.Nodes[id] = rec
		}
	}
	for id, ent := range d.edges {
		rec, ok := edgeRecord(ent)
		if !ok {
			continue
		}
		_, fromOK := v.Nodes[rec.From]
		_, toOK := v.Nodes[rec.To]
		if fromOK && toOK {
			v.Edges[id] = rec
		}
	}
	for key, reg := range d.meta {
		if reg.value != nil {
			v.Metadata[key] = ir.CloneValue(reg.value)
		}
	}
	return v
}

func nodeRecord(ent *entity) (ir.NodeRecord, bool) {
	if ent.created.IsZero() {
		return ir.NodeRecord{}, false
	}
	typ, _ := ent.fields[ir.FieldType].value.(ir.String)
	pos, err := ir.PositionFromValue(ent.fields[ir.FieldPosition].value)
	if err != nil {
		return ir.NodeRecord{}, false
	}
	rec := ir.NodeRecord{Type: string(typ), Position: pos, Config: ir.Object{}}
	for key, reg := range ent.fields {
		if ck, ok := cutConfigKey(key); ok && reg.value != nil {
			rec.Config[ck] = ir.CloneValue(reg.value)
		}
	}
	return rec, true
}

func edgeRecord(ent *entity) (ir.EdgeRecord, bool) {
	if ent.created.IsZero() {
		return ir.EdgeRecord{}, false
	}
	from, _ := ent.fields[ir.FieldFrom].value.(ir.String)
	to, _ := ent.fields[ir.FieldTo].value.(ir.String)
	label, _ := ent.fields[ir.FieldLabel].value.(ir.String)
	return ir.EdgeRecord{From: string(from), To: string(to), Label: string(label)}, true
}

func cutConfigKey(key string) (string, bool) {
	const prefix = ir.FieldConfig + "/"
	if len(key) > len(prefix) && key[:len(prefix)] == prefix {
		return key[len(prefix):], true
	}
	return "", false
}

// Subscribe registers fn for change events and returns its cancellation.
func (d *Document) Subscribe(fn func(Event)) (cancel func()) {
	d.subMu.Lock()
	defer d.subMu.Unlock()
	id := d.nextID
	d.nextID++
	d.subs[id] = fn
	return func() {
		d.subMu.Lock()
		defer d.subMu.Unlock()
		delete(d.subs, id)
	}
}

func (d *Document) notify(ev Event) {
	d.subMu.Lock()
	ids := make([]int, 0, len(d.subs))
	for id := range d.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, d.subs[id])
	}
	d.subMu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}
