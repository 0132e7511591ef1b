package doc

import (
	"fmt"
	"slices"

	"github.com/roach88/weave/internal/ir"
)

// State layout (canonical JSON, keys sorted):
//
//	{
//	  "deleted_edges": ["e9"],
//	  "deleted_nodes": ["n7"],
//	  "edges":   {"e1": {"created": STAMP, "fields": {"from": REG, "to": REG}}},
//	  "meta":    {"title": REG},
//	  "nodes":   {"n1": {"created": STAMP, "fields": {"type": REG, "config/url": REG}}},
//	  "summary": {"alice": 12}
//	}
//
// STAMP is {"clock":N,"origin":S}. REG is a STAMP plus "value", which is
// absent for a cleared register. "created" is absent while only field writes
// have arrived for an entity.

// SnapshotState returns the deterministic serialization of the replica.
// Replicas that applied the same operation set return identical bytes.
func (d *Document) SnapshotState() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	data, err := ir.MarshalCanonical(d.stateLocked())
	if err != nil {
		return nil, fmt.Errorf("snapshot state %s: %w", d.id, err)
	}
	return data, nil
}

func (d *Document) stateLocked() ir.Object {
	return ir.Object{
		"nodes":         encodeEntities(d.nodes),
		"edges":         encodeEntities(d.edges),
		"meta":          encodeRegisters(d.meta),
		"deleted_nodes": encodeSet(d.deadNodes),
		"deleted_edges": encodeSet(d.deadEdges),
		"summary":       d.summary.Value(),
	}
}

func encodeStamp(s ir.Stamp) ir.Object {
	return ir.Object{"clock": ir.Int(s.Clock), "origin": ir.String(s.Origin)}
}

func encodeRegisters(regs map[string]register) ir.Object {
	out := make(ir.Object, len(regs))
	for key, reg := range regs {
		obj := encodeStamp(reg.stamp)
		if reg.value != nil {
			obj["value"] = reg.value
		}
		out[key] = obj
	}
	return out
}

func encodeEntities(ents map[string]*entity) ir.Object {
	out := make(ir.Object, len(ents))
	for id, ent := range ents {
		obj := ir.Object{"fields": encodeRegisters(ent.fields)}
		if !ent.created.IsZero() {
			obj["created"] = encodeStamp(ent.created)
		}
		out[id] = obj
	}
	return out
}

func encodeSet(set map[string]bool) ir.Array {
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make(ir.Array, len(ids))
	for i, id := range ids {
		out[i] = ir.String(id)
	}
	return out
}

// Hydrate replaces the replica with a serialized state, typically the latest
// durable snapshot when a client opens a document. The Lamport clock is
// advanced past every clock in the state's summary. Subscribers receive an
// OriginHydrate event.
func (d *Document) Hydrate(state []byte) error {
	decoded, err := decodeState(state)
	if err != nil {
		return fmt.Errorf("hydrate %s: %w", d.id, err)
	}
	d.mu.Lock()
	d.nodes = decoded.nodes
	d.edges = decoded.edges
	d.meta = decoded.meta
	d.deadNodes = decoded.deadNodes
	d.deadEdges = decoded.deadEdges
	d.summary = decoded.summary
	d.clock.Observe(decoded.summary.Max())
	d.mu.Unlock()
	d.notify(Event{Origin: OriginHydrate})
	return nil
}

// ViewOf decodes a serialized state and returns its view without building a
// live replica. Used to render and compare snapshots.
func ViewOf(state []byte) (ir.View, error) {
	decoded, err := decodeState(state)
	if err != nil {
		return ir.View{}, err
	}
	return decoded.viewLocked(), nil
}

// SummaryOf returns the state vector stored in a serialized state.
func SummaryOf(state []byte) (ir.Summary, error) {
	decoded, err := decodeState(state)
	if err != nil {
		return nil, err
	}
	return decoded.summary, nil
}

func decodeState(data []byte) (*Document, error) {
	v, err := ir.UnmarshalValue(data)
	if err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	root, ok := v.(ir.Object)
	if !ok {
		return nil, fmt.Errorf("decode state: expected object")
	}
	d := &Document{}
	d.reset()
	if d.nodes, err = decodeEntities(root["nodes"]); err != nil {
		return nil, fmt.Errorf("decode state nodes: %w", err)
	}
	if d.edges, err = decodeEntities(root["edges"]); err != nil {
		return nil, fmt.Errorf("decode state edges: %w", err)
	}
	if d.meta, err = decodeRegisters(root["meta"]); err != nil {
		return nil, fmt.Errorf("decode state meta: %w", err)
	}
	if d.deadNodes, err = decodeSet(root["deleted_nodes"]); err != nil {
		return nil, fmt.Errorf("decode state deleted_nodes: %w", err)
	}
	if d.deadEdges, err = decodeSet(root["deleted_edges"]); err != nil {
		return nil, fmt.Errorf("decode state deleted_edges: %w", err)
	}
	if sum, present := root["summary"]; present {
		obj, ok := sum.(ir.Object)
		if !ok {
			return nil, fmt.Errorf("decode state summary: expected object")
		}
		for origin, c := range obj {
			clock, ok := c.(ir.Int)
			if !ok {
				return nil, fmt.Errorf("decode state summary %q: expected int", origin)
			}
			d.summary[origin] = int64(clock)
		}
	}
	return d, nil
}

func decodeStamp(v ir.Value) (ir.Stamp, error) {
	obj, ok := v.(ir.Object)
	if !ok {
		return ir.Stamp{}, fmt.Errorf("stamp: expected object")
	}
	clock, ok1 := obj["clock"].(ir.Int)
	origin, ok2 := obj["origin"].(ir.String)
	if !ok1 || !ok2 {
		return ir.Stamp{}, fmt.Errorf("stamp: expected clock and origin")
	}
	return ir.Stamp{Clock: int64(clock), Origin: string(origin)}, nil
}

func decodeRegisters(v ir.Value) (map[string]register, error) {
	out := make(map[string]register)
	if v == nil {
		return out, nil
	}
	obj, ok := v.(ir.Object)
	if !ok {
		return nil, fmt.Errorf("registers: expected object")
	}
	for key, raw := range obj {
		stamp, err := decodeStamp(raw)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", key, err)
		}
		out[key] = register{stamp: stamp, value: raw.(ir.Object)["value"]}
	}
	return out, nil
}

func decodeEntities(v ir.Value) (map[string]*entity, error) {
	out := make(map[string]*entity)
	if v == nil {
		return out, nil
	}
	obj, ok := v.(ir.Object)
	if !ok {
		return nil, fmt.Errorf("entities: expected object")
	}
	for id, raw := range obj {
		entObj, ok := raw.(ir.Object)
		if !ok {
			return nil, fmt.Errorf("%q: expected object", id)
		}
		ent := newEntity()
		if c, present := entObj["created"]; present {
			if ent.created, ok = decodeStampOK(c); !ok {
				return nil, fmt.Errorf("%q: bad created stamp", id)
			}
		}
		fields, err := decodeRegisters(entObj["fields"])
		if err != nil {
			return nil, fmt.Errorf("%q: %w", id, err)
		}
		ent.fields = fields
		out[id] = ent
	}
	return out, nil
}

func decodeStampOK(v ir.Value) (ir.Stamp, bool) {
	s, err := decodeStamp(v)
	return s, err == nil
}

func decodeSet(v ir.Value) (map[string]bool, error) {
	out := make(map[string]bool)
	if v == nil {
		return out, nil
	}
	arr, ok := v.(ir.Array)
	if !ok {
		return nil, fmt.Errorf("expected array")
	}
	for _, e := range arr {
		s, ok := e.(ir.String)
		if !ok {
			return nil, fmt.Errorf("expected string ids")
		}
		out[string(s)] = true
	}
	return out, nil
}
