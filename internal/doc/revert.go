package doc

import (
	"fmt"

	"github.com/roach88/weave/internal/ir"
)

// Aliases maps the id of a deleted node or edge to the id it was re-created
// under. Deletion is permanent, so bringing an entity back always mints a
// new id; later inverses that still name the old id follow the chain.
type Aliases map[string]string

// Resolve follows the alias chain from id.
func (a Aliases) Resolve(id string) string {
	for range len(a) + 1 {
		next, ok := a[id]
		if !ok {
			return id
		}
		id = next
	}
	return id
}

// Revert applies the inverses of a transaction, last first, as fresh local
// operations, and returns the transaction that reverts the revert. Used for
// both undo and redo.
//
// A guarded inverse applies only while its register still carries the guard
// stamp. When the target entity has been re-created under a new id, the old
// stamps no longer exist, and the inverse applies while this client is still
// the last writer of the register. Inverses that re-create an entity record
// the new id in aliases.
func (d *Document) Revert(invs []Inverse, aliases Aliases) (Transaction, error) {
	if aliases == nil {
		aliases = Aliases{}
	}
	b := &txBuilder{d: d}
	d.mu.Lock()
	err := d.revertLocked(b, invs, aliases)
	d.mu.Unlock()
	if !b.tx.Empty() {
		d.notify(Event{Origin: OriginLocal, Ops: b.tx.Ops})
	}
	if err != nil {
		return b.tx, fmt.Errorf("revert %s: %w", d.id, err)
	}
	return b.tx, nil
}

func (d *Document) revertLocked(b *txBuilder, invs []Inverse, aliases Aliases) error {
	for i := len(invs) - 1; i >= 0; i-- {
		inv := invs[i]
		t := inv.Op.Target
		if t.Entity == ir.EntityMeta {
			if !d.guardHolds(t, inv.Guard, false) {
				continue
			}
			if _, err := b.emit(t, inv.Op.Kind, inv.Op.Payload); err != nil {
				return err
			}
			continue
		}

		id := aliases.Resolve(t.ID)
		aliased := id != t.ID
		t = t.WithID(id)

		switch {
		case inv.Op.Kind == ir.KindInsert:
			newID := d.ids.Generate()
			payload := inv.Op.Payload
			if t.Entity == ir.EntityEdge {
				payload = remapEndpoints(payload, aliases)
			}
			if _, err := b.emit(ir.Target{Entity: t.Entity, ID: newID}, ir.KindInsert, payload); err != nil {
				return err
			}
			aliases[id] = newID
		case inv.Op.Kind == ir.KindDelete && t.IsEntity():
			if d.isDeadLocked(t.Entity, id) {
				continue
			}
			if _, err := b.emit(t, ir.KindDelete, nil); err != nil {
				return err
			}
		default:
			if d.isDeadLocked(t.Entity, id) || !d.guardHolds(t, inv.Guard, aliased) {
				continue
			}
			if _, err := b.emit(t, inv.Op.Kind, inv.Op.Payload); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *Document) isDeadLocked(kind ir.Entity, id string) bool {
	if kind == ir.EntityEdge {
		return d.deadEdges[id]
	}
	return d.deadNodes[id]
}

func (d *Document) guardHolds(t ir.Target, guard ir.Stamp, aliased bool) bool {
	if guard.IsZero() {
		return true
	}
	reg, ok := d.registerLocked(t)
	if !ok {
		return false
	}
	if aliased {
		return reg.stamp.Origin == d.clientID
	}
	return reg.stamp == guard
}

func remapEndpoints(payload ir.Value, aliases Aliases) ir.Value {
	obj, ok := payload.(ir.Object)
	if !ok {
		return payload
	}
	out := obj.Clone()
	for _, key := range []string{ir.FieldFrom, ir.FieldTo} {
		if s, ok := out[key].(ir.String); ok {
			out[key] = ir.String(aliases.Resolve(string(s)))
		}
	}
	return out
}
