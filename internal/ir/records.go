package ir

import (
	"fmt"
	"slices"
)

// Position is a node's canvas coordinate. Integers only.
type Position struct {
	X int64 `json:"x" yaml:"x"`
	Y int64 `json:"y" yaml:"y"`
}

// Value encodes the position as {"x":..,"y":..}.
func (p Position) Value() Value {
	return Object{"x": Int(p.X), "y": Int(p.Y)}
}

// PositionFromValue decodes a position payload.
func PositionFromValue(v Value) (Position, error) {
	obj, ok := v.(Object)
	if !ok {
		return Position{}, fmt.Errorf("position must be an object")
	}
	x, okx := obj["x"].(Int)
	y, oky := obj["y"].(Int)
	if !okx || !oky || len(obj) != 2 {
		return Position{}, fmt.Errorf("position must be {x:int, y:int}")
	}
	return Position{X: int64(x), Y: int64(y)}, nil
}

// NodeRecord is the user-visible state of one workflow node.
// Config is an opaque key/value bag merged last-writer-wins per key.
type NodeRecord struct {
	Type     string   `json:"type"`
	Position Position `json:"position"`
	Config   Object   `json:"config"`
}

// Value encodes the record as an insert payload.
func (n NodeRecord) Value() Value {
	cfg := n.Config.Clone()
	if cfg == nil {
		cfg = Object{}
	}
	return Object{
		"type":     String(n.Type),
		"position": n.Position.Value(),
		"config":   cfg,
	}
}

// EdgeRecord is the user-visible state of one edge. Several edges may join
// the same pair of nodes; they are told apart by id.
type EdgeRecord struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Label string `json:"label,omitempty"`
}

// Value encodes the record as an insert payload.
func (e EdgeRecord) Value() Value {
	obj := Object{"from": String(e.From), "to": String(e.To)}
	if e.Label != "" {
		obj["label"] = String(e.Label)
	}
	return obj
}

// View is the plain, read-only projection of a document that UI consumers
// render. It carries no stamps.
type View struct {
	Nodes    map[string]NodeRecord `json:"nodes"`
	Edges    map[string]EdgeRecord `json:"edges"`
	Metadata Object                `json:"metadata"`
}

// NewView returns an empty view with non-nil maps.
func NewView() View {
	return View{
		Nodes:    map[string]NodeRecord{},
		Edges:    map[string]EdgeRecord{},
		Metadata: Object{},
	}
}

// NodeIDs returns node ids in sorted order.
func (v View) NodeIDs() []string {
	ids := make([]string, 0, len(v.Nodes))
	for id := range v.Nodes {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// EdgeIDs returns edge ids in sorted order.
func (v View) EdgeIDs() []string {
	ids := make([]string, 0, len(v.Edges))
	for id := range v.Edges {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Value encodes the view as {"nodes","edges","metadata"}.
func (v View) Value() Object {
	nodes := Object{}
	for id, n := range v.Nodes {
		nodes[id] = n.Value()
	}
	edges := Object{}
	for id, e := range v.Edges {
		edges[id] = e.Value()
	}
	meta := v.Metadata
	if meta == nil {
		meta = Object{}
	}
	return Object{"nodes": nodes, "edges": edges, "metadata": meta}
}

// Canonical renders the view as canonical JSON. Golden traces and the CLI
// use this form.
func (v View) Canonical() ([]byte, error) {
	return MarshalCanonical(v.Value())
}
