package doc

import (
	"fmt"
	"slices"

	"github.com/roach88/weave/internal/ir"
)

// ConfigLabel is the node config key holding the display name shown on the
// canvas. RenameNode writes it.
const ConfigLabel = "label"

// Change is a local edit request. Implementations are the exported change
// types of this package.
type Change interface {
	build(b *txBuilder) error
}

// Inverse undoes one operation of a transaction. Op carries target, kind and
// payload; origin and clock are assigned when the inverse is applied.
//
// A non-zero Guard is the stamp the target register must still carry for the
// inverse to apply. If another writer has touched the register since, the
// inverse is skipped so their edit is never reversed.
type Inverse struct {
	Op    ir.Operation
	Guard ir.Stamp
}

// Transaction is the result of one local change: the operations generated,
// in generation order, and the inverses that undo them.
type Transaction struct {
	Ops     []ir.Operation
	Inverse []Inverse
}

// Empty reports whether the change produced no operations.
func (tx Transaction) Empty() bool {
	return len(tx.Ops) == 0
}

// Created returns the ids of nodes and edges inserted by the transaction.
func (tx Transaction) Created() []string {
	var ids []string
	for _, op := range tx.Ops {
		if op.Kind == ir.KindInsert {
			ids = append(ids, op.Target.ID)
		}
	}
	return ids
}

// Mutate applies a local change and returns the operations to transmit.
func (d *Document) Mutate(c Change) ([]ir.Operation, error) {
	tx, err := d.Transact(c)
	return tx.Ops, err
}

// Transact applies a local change optimistically and returns its
// transaction.
//
// Each operation is validated before it is applied. If a change fails
// part-way (only possible for Batch), the returned transaction still holds
// the operations already applied; they are part of the replica and must be
// transmitted like any other.
func (d *Document) Transact(c Change) (Transaction, error) {
	b := &txBuilder{d: d}
	d.mu.Lock()
	err := c.build(b)
	d.mu.Unlock()
	if !b.tx.Empty() {
		d.notify(Event{Origin: OriginLocal, Ops: b.tx.Ops})
	}
	if err != nil {
		return b.tx, fmt.Errorf("mutate %s: %w", d.id, err)
	}
	return b.tx, nil
}

// txBuilder emits local operations while the document lock is held.
type txBuilder struct {
	d  *Document
	tx Transaction
}

// emit stamps, validates, records the inverse of and applies one operation.
func (b *txBuilder) emit(target ir.Target, kind ir.OpKind, payload ir.Value) (ir.Operation, error) {
	d := b.d
	op := ir.Operation{
		Origin:  d.clientID,
		Clock:   d.clock.Next(),
		Target:  target,
		Kind:    kind,
		Payload: payload,
	}
	if err := op.Validate(); err != nil {
		return ir.Operation{}, ir.NewMalformedError("local change", err)
	}
	inv, hasInverse := d.inverseLocked(op)
	if _, err := d.applyLocked(op); err != nil {
		return ir.Operation{}, err
	}
	b.tx.Ops = append(b.tx.Ops, op)
	if hasInverse {
		b.recordInverse(inv)
	}
	return op, nil
}

// recordInverse adds inv to the transaction. A register written more than
// once keeps the inverse of its first write, the value from before the
// transaction, guarded by the latest stamp.
func (b *txBuilder) recordInverse(inv Inverse) {
	if !inv.Guard.IsZero() {
		for i := range b.tx.Inverse {
			prev := &b.tx.Inverse[i]
			if !prev.Guard.IsZero() && prev.Op.Target == inv.Op.Target {
				prev.Guard = inv.Guard
				return
			}
		}
	}
	b.tx.Inverse = append(b.tx.Inverse, inv)
}

// inverseLocked computes the inverse of op against the state before op is
// applied.
func (d *Document) inverseLocked(op ir.Operation) (Inverse, bool) {
	t := op.Target
	switch {
	case op.Kind == ir.KindInsert:
		return Inverse{Op: ir.Operation{Target: t, Kind: ir.KindDelete}}, true
	case op.Kind == ir.KindDelete && t.IsEntity() && t.Entity != ir.EntityMeta:
		rec, ok := d.recordLocked(t.Entity, t.ID)
		if !ok {
			return Inverse{}, false
		}
		return Inverse{Op: ir.Operation{Target: t, Kind: ir.KindInsert, Payload: rec}}, true
	}
	guard := op.Stamp()
	prev, ok := d.registerLocked(t)
	if ok && prev.value != nil {
		return Inverse{Op: ir.Operation{Target: t, Kind: ir.KindSet, Payload: ir.CloneValue(prev.value)}, Guard: guard}, true
	}
	if !t.Clearable() {
		return Inverse{}, false
	}
	return Inverse{Op: ir.Operation{Target: t, Kind: ir.KindDelete}, Guard: guard}, true
}

// recordLocked returns the insert payload that re-creates the entity as it
// currently is.
func (d *Document) recordLocked(kind ir.Entity, id string) (ir.Value, bool) {
	ent := d.entityLocked(kind, id)
	if ent == nil {
		return nil, false
	}
	if kind == ir.EntityEdge {
		rec, ok := edgeRecord(ent)
		return rec.Value(), ok
	}
	rec, ok := nodeRecord(ent)
	return rec.Value(), ok
}

func (b *txBuilder) liveNode(id string) error {
	if b.d.deadNodes[id] {
		return fmt.Errorf("node %s is deleted", id)
	}
	if ent := b.d.nodes[id]; ent == nil || ent.created.IsZero() {
		return fmt.Errorf("node %s not found", id)
	}
	return nil
}

func (b *txBuilder) liveEdge(id string) error {
	if b.d.deadEdges[id] {
		return fmt.Errorf("edge %s is deleted", id)
	}
	if ent := b.d.edges[id]; ent == nil || ent.created.IsZero() {
		return fmt.Errorf("edge %s not found", id)
	}
	return nil
}

func (b *txBuilder) freshID(id string) string {
	if id != "" {
		return id
	}
	return b.d.ids.Generate()
}

// AddNode creates a node. An empty ID is generated.
type AddNode struct {
	ID       string
	Type     string
	Position ir.Position
	Config   ir.Object
}

func (c AddNode) build(b *txBuilder) error {
	id := b.freshID(c.ID)
	if b.d.nodes[id] != nil || b.d.deadNodes[id] {
		return fmt.Errorf("node %s already exists", id)
	}
	rec := ir.NodeRecord{Type: c.Type, Position: c.Position, Config: c.Config}
	_, err := b.emit(ir.NodeTarget(id), ir.KindInsert, rec.Value())
	return err
}

// MoveNode sets a node's position.
type MoveNode struct {
	ID       string
	Position ir.Position
}

func (c MoveNode) build(b *txBuilder) error {
	if err := b.liveNode(c.ID); err != nil {
		return err
	}
	_, err := b.emit(ir.NodeField(c.ID, ir.FieldPosition), ir.KindSet, c.Position.Value())
	return err
}

// SetNodeType changes a node's type.
type SetNodeType struct {
	ID   string
	Type string
}

func (c SetNodeType) build(b *txBuilder) error {
	if err := b.liveNode(c.ID); err != nil {
		return err
	}
	_, err := b.emit(ir.NodeField(c.ID, ir.FieldType), ir.KindSet, ir.String(c.Type))
	return err
}

// RenameNode sets the node's display name (config key "label").
type RenameNode struct {
	ID   string
	Name string
}

func (c RenameNode) build(b *txBuilder) error {
	return SetNodeConfig{ID: c.ID, Key: ConfigLabel, Value: ir.String(c.Name)}.build(b)
}

// SetNodeConfig writes one key of a node's config bag.
type SetNodeConfig struct {
	ID    string
	Key   string
	Value ir.Value
}

func (c SetNodeConfig) build(b *txBuilder) error {
	if err := b.liveNode(c.ID); err != nil {
		return err
	}
	_, err := b.emit(ir.NodeConfig(c.ID, c.Key), ir.KindSet, c.Value)
	return err
}

// DeleteNodeConfig clears one key of a node's config bag.
type DeleteNodeConfig struct {
	ID  string
	Key string
}

func (c DeleteNodeConfig) build(b *txBuilder) error {
	if err := b.liveNode(c.ID); err != nil {
		return err
	}
	_, err := b.emit(ir.NodeConfig(c.ID, c.Key), ir.KindDelete, nil)
	return err
}

// DeleteNode deletes a node and every locally known edge attached to it.
// Edges are deleted first so undo re-creates the node before its edges.
type DeleteNode struct {
	ID string
}

func (c DeleteNode) build(b *txBuilder) error {
	if err := b.liveNode(c.ID); err != nil {
		return err
	}
	var attached []string
	for id, ent := range b.d.edges {
		rec, ok := edgeRecord(ent)
		if ok && (rec.From == c.ID || rec.To == c.ID) {
			attached = append(attached, id)
		}
	}
	slices.Sort(attached)
	for _, id := range attached {
		if _, err := b.emit(ir.EdgeTarget(id), ir.KindDelete, nil); err != nil {
			return err
		}
	}
	_, err := b.emit(ir.NodeTarget(c.ID), ir.KindDelete, nil)
	return err
}

// AddEdge connects two existing nodes. An empty ID is generated.
type AddEdge struct {
	ID    string
	From  string
	To    string
	Label string
}

func (c AddEdge) build(b *txBuilder) error {
	if err := b.liveNode(c.From); err != nil {
		return err
	}
	if err := b.liveNode(c.To); err != nil {
		return err
	}
	id := b.freshID(c.ID)
	if b.d.edges[id] != nil || b.d.deadEdges[id] {
		return fmt.Errorf("edge %s already exists", id)
	}
	rec := ir.EdgeRecord{From: c.From, To: c.To, Label: c.Label}
	_, err := b.emit(ir.EdgeTarget(id), ir.KindInsert, rec.Value())
	return err
}

// SetEdgeLabel sets an edge's label. An empty label clears it.
type SetEdgeLabel struct {
	ID    string
	Label string
}

func (c SetEdgeLabel) build(b *txBuilder) error {
	if err := b.liveEdge(c.ID); err != nil {
		return err
	}
	if c.Label == "" {
		_, err := b.emit(ir.EdgeField(c.ID, ir.FieldLabel), ir.KindDelete, nil)
		return err
	}
	_, err := b.emit(ir.EdgeField(c.ID, ir.FieldLabel), ir.KindSet, ir.String(c.Label))
	return err
}

// SetEdgeEndpoints re-points an edge. Empty fields are left unchanged.
type SetEdgeEndpoints struct {
	ID   string
	From string
	To   string
}

func (c SetEdgeEndpoints) build(b *txBuilder) error {
	if err := b.liveEdge(c.ID); err != nil {
		return err
	}
	for _, f := range []struct{ field, node string }{{ir.FieldFrom, c.From}, {ir.FieldTo, c.To}} {
		if f.node == "" {
			continue
		}
		if err := b.liveNode(f.node); err != nil {
			return err
		}
		if _, err := b.emit(ir.EdgeField(c.ID, f.field), ir.KindSet, ir.String(f.node)); err != nil {
			return err
		}
	}
	return nil
}

// DeleteEdge deletes an edge.
type DeleteEdge struct {
	ID string
}

func (c DeleteEdge) build(b *txBuilder) error {
	if err := b.liveEdge(c.ID); err != nil {
		return err
	}
	_, err := b.emit(ir.EdgeTarget(c.ID), ir.KindDelete, nil)
	return err
}

// SetMetadata writes one metadata key.
type SetMetadata struct {
	Key   string
	Value ir.Value
}

func (c SetMetadata) build(b *txBuilder) error {
	_, err := b.emit(ir.MetaTarget(c.Key), ir.KindSet, c.Value)
	return err
}

// DeleteMetadata clears one metadata key.
type DeleteMetadata struct {
	Key string
}

func (c DeleteMetadata) build(b *txBuilder) error {
	_, err := b.emit(ir.MetaTarget(c.Key), ir.KindDelete, nil)
	return err
}

// Batch applies several changes as one transaction, undone as a unit.
type Batch []Change

func (c Batch) build(b *txBuilder) error {
	for i, ch := range c {
		if err := ch.build(b); err != nil {
			return fmt.Errorf("batch[%d]: %w", i, err)
		}
	}
	return nil
}
