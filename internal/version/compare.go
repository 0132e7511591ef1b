package version

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/roach88/weave/internal/doc"
	"github.com/roach88/weave/internal/ir"
)

// Status of an entity between two versions.
type Status string

const (
	Added   Status = "added"
	Removed Status = "removed"
	Changed Status = "changed"
)

// FieldDiff is one differing field. A nil side means absent.
type FieldDiff struct {
	Field  string   `json:"field"`
	Before ir.Value `json:"before,omitempty"`
	After  ir.Value `json:"after,omitempty"`
}

// UnmarshalJSON decodes both sides with strict value validation.
func (f *FieldDiff) UnmarshalJSON(data []byte) error {
	var raw struct {
		Field  string          `json:"field"`
		Before json.RawMessage `json:"before"`
		After  json.RawMessage `json:"after"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*f = FieldDiff{Field: raw.Field}
	var err error
	if len(raw.Before) > 0 {
		if f.Before, err = ir.UnmarshalValue(raw.Before); err != nil {
			return fmt.Errorf("field %s before: %w", raw.Field, err)
		}
	}
	if len(raw.After) > 0 {
		if f.After, err = ir.UnmarshalValue(raw.After); err != nil {
			return fmt.Errorf("field %s after: %w", raw.Field, err)
		}
	}
	return nil
}

// EntityDiff is one node or edge that differs.
type EntityDiff struct {
	ID     string      `json:"id"`
	Status Status      `json:"status"`
	Fields []FieldDiff `json:"fields,omitempty"`
}

// Diff lists everything that differs from A to B, sorted by id and field.
type Diff struct {
	Nodes    []EntityDiff `json:"nodes"`
	Edges    []EntityDiff `json:"edges"`
	Metadata []FieldDiff  `json:"metadata"`
}

// Empty reports whether the two sides are identical.
func (d Diff) Empty() bool {
	return len(d.Nodes) == 0 && len(d.Edges) == 0 && len(d.Metadata) == 0
}

// Compare diffs two views. It is a pure read.
func Compare(a, b ir.View) Diff {
	return Diff{
		Nodes:    compareEntities(nodeFieldMaps(a), nodeFieldMaps(b)),
		Edges:    compareEntities(edgeFieldMaps(a), edgeFieldMaps(b)),
		Metadata: compareFields(a.Metadata, b.Metadata),
	}
}

// CompareSnapshots diffs two stored versions.
func CompareSnapshots(a, b ir.VersionSnapshot) (Diff, error) {
	va, err := doc.ViewOf(a.State)
	if err != nil {
		return Diff{}, fmt.Errorf("compare v%d: %w", a.Version, err)
	}
	vb, err := doc.ViewOf(b.State)
	if err != nil {
		return Diff{}, fmt.Errorf("compare v%d: %w", b.Version, err)
	}
	return Compare(va, vb), nil
}

func nodeFields(n ir.NodeRecord) ir.Object {
	out := ir.Object{
		ir.FieldType:     ir.String(n.Type),
		ir.FieldPosition: n.Position.Value(),
	}
	for k, v := range n.Config {
		out[ir.FieldConfig+"/"+k] = v
	}
	return out
}

func edgeFields(e ir.EdgeRecord) ir.Object {
	out := ir.Object{ir.FieldFrom: ir.String(e.From), ir.FieldTo: ir.String(e.To)}
	if e.Label != "" {
		out[ir.FieldLabel] = ir.String(e.Label)
	}
	return out
}

func nodeFieldMaps(v ir.View) map[string]ir.Object {
	out := make(map[string]ir.Object, len(v.Nodes))
	for id, n := range v.Nodes {
		out[id] = nodeFields(n)
	}
	return out
}

func edgeFieldMaps(v ir.View) map[string]ir.Object {
	out := make(map[string]ir.Object, len(v.Edges))
	for id, e := range v.Edges {
		out[id] = edgeFields(e)
	}
	return out
}

func compareEntities(a, b map[string]ir.Object) []EntityDiff {
	ids := make([]string, 0, len(a)+len(b))
	for id := range a {
		ids = append(ids, id)
	}
	for id := range b {
		if _, ok := a[id]; !ok {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)

	out := []EntityDiff{}
	for _, id := range ids {
		fa, inA := a[id]
		fb, inB := b[id]
		switch {
		case !inA:
			out = append(out, EntityDiff{ID: id, Status: Added, Fields: compareFields(nil, fb)})
		case !inB:
			out = append(out, EntityDiff{ID: id, Status: Removed, Fields: compareFields(fa, nil)})
		default:
			if fields := compareFields(fa, fb); len(fields) > 0 {
				out = append(out, EntityDiff{ID: id, Status: Changed, Fields: fields})
			}
		}
	}
	return out
}

func compareFields(a, b ir.Object) []FieldDiff {
	keys := make([]string, 0, len(a)+len(b))
	for k := range a {
		keys = append(keys, k)
	}
	for k := range b {
		if _, ok := a[k]; !ok {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)

	out := []FieldDiff{}
	for _, k := range keys {
		if !ir.Equal(a[k], b[k]) {
			out = append(out, FieldDiff{Field: k, Before: a[k], After: b[k]})
		}
	}
	return out
}
