package harness

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/weave/internal/ir"
	"github.com/roach88/weave/internal/version"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)
	fmt.Fprintf(&buf, "\nFull trace:\n")
	for _, ev := range e.Trace {
		who := ev.Replica
		if who == "" {
			who = "-"
		}
		fmt.Fprintf(&buf, "  [%d] %s %s %v\n", ev.Step, ev.Do, who, ev.Ops)
	}
	return buf.String()
}

func (w *world) fail(typ, expected, actual string) error {
	return &AssertionError{Type: typ, Expected: expected, Actual: actual, Trace: w.result.Trace}
}

func (w *world) replicaFor(a Assertion) *replica {
	if a.Replica != "" {
		return w.byID[a.Replica]
	}
	return w.order[0]
}

// check evaluates one assertion against the final replicas.
func (w *world) check(a Assertion) error {
	switch a.Type {
	case AssertConverged:
		return w.assertConverged(a)
	case AssertNode:
		return w.assertNode(a)
	case AssertEdge:
		return w.assertEdge(a)
	case AssertMeta:
		return w.assertMeta(a)
	case AssertCount:
		return w.assertCount(a)
	case AssertPeers:
		return w.assertPeers(a)
	case AssertPeer:
		return w.assertPeer(a)
	case AssertHistory:
		return w.assertHistory(a)
	case AssertConflicts:
		return w.assertConflicts(a)
	}
	return fmt.Errorf("unknown assertion type %q", a.Type)
}

// assertConverged checks that replicas which saw the same operations hold
// byte-identical state.
func (w *world) assertConverged(a Assertion) error {
	ids := a.Replicas
	if len(ids) == 0 {
		ids = w.scenario.Replicas
	}
	first := w.byID[ids[0]]
	want, err := first.doc.SnapshotState()
	if err != nil {
		return err
	}
	for _, id := range ids[1:] {
		r := w.byID[id]
		got, err := r.doc.SnapshotState()
		if err != nil {
			return err
		}
		if !bytes.Equal(want, got) {
			diff := version.Compare(first.doc.View(), r.doc.View())
			detail, _ := json.Marshal(diff)
			return w.fail(AssertConverged,
				fmt.Sprintf("%s and %s hold identical state", first.id, id),
				fmt.Sprintf("states differ (view diff %s)", detail))
		}
	}
	return nil
}

func (w *world) assertNode(a Assertion) error {
	r := w.replicaFor(a)
	n, ok := r.doc.View().Nodes[a.ID]
	if a.Absent {
		if ok {
			return w.fail(AssertNode, fmt.Sprintf("node %s absent on %s", a.ID, r.id), "node present")
		}
		return nil
	}
	if !ok {
		return w.fail(AssertNode, fmt.Sprintf("node %s on %s", a.ID, r.id), "node missing")
	}
	actual := ir.Object{
		"type":   ir.String(n.Type),
		"x":      ir.Int(n.Position.X),
		"y":      ir.Int(n.Position.Y),
		"config": n.Config,
	}
	if label, ok := n.Config["label"]; ok {
		actual["label"] = label
	}
	return w.matchFields(AssertNode, "node "+a.ID, a.Expect, actual)
}

func (w *world) assertEdge(a Assertion) error {
	r := w.replicaFor(a)
	e, ok := r.doc.View().Edges[a.ID]
	if a.Absent {
		if ok {
			return w.fail(AssertEdge, fmt.Sprintf("edge %s absent on %s", a.ID, r.id), "edge present")
		}
		return nil
	}
	if !ok {
		return w.fail(AssertEdge, fmt.Sprintf("edge %s on %s", a.ID, r.id), "edge missing")
	}
	actual := ir.Object{
		"from":  ir.String(e.From),
		"to":    ir.String(e.To),
		"label": ir.String(e.Label),
	}
	return w.matchFields(AssertEdge, "edge "+a.ID, a.Expect, actual)
}

func (w *world) assertMeta(a Assertion) error {
	r := w.replicaFor(a)
	got, ok := r.doc.View().Metadata[a.Key]
	if a.Absent {
		if ok {
			return w.fail(AssertMeta, fmt.Sprintf("metadata %s absent", a.Key), fmt.Sprintf("%v", ir.ToAny(got)))
		}
		return nil
	}
	want, err := ir.FromAny(a.Value)
	if err != nil {
		return fmt.Errorf("meta %s: %w", a.Key, err)
	}
	if !ok || !ir.Equal(want, got) {
		return w.fail(AssertMeta, fmt.Sprintf("metadata %s = %v", a.Key, a.Value), fmt.Sprintf("%v (present=%t)", ir.ToAny(got), ok))
	}
	return nil
}

func (w *world) assertCount(a Assertion) error {
	r := w.replicaFor(a)
	v := r.doc.View()
	if a.Nodes != nil && len(v.Nodes) != *a.Nodes {
		return w.fail(AssertCount, fmt.Sprintf("%d nodes on %s", *a.Nodes, r.id), fmt.Sprintf("%d nodes %v", len(v.Nodes), v.NodeIDs()))
	}
	if a.Edges != nil && len(v.Edges) != *a.Edges {
		return w.fail(AssertCount, fmt.Sprintf("%d edges on %s", *a.Edges, r.id), fmt.Sprintf("%d edges %v", len(v.Edges), v.EdgeIDs()))
	}
	return nil
}

func (w *world) assertPeers(a Assertion) error {
	r := w.replicaFor(a)
	var got []string
	for _, p := range r.presence.Peers() {
		got = append(got, p.ClientID)
	}
	want := slices.Clone(a.Peers)
	slices.Sort(want)
	if !slices.Equal(want, got) {
		return w.fail(AssertPeers, fmt.Sprintf("%s sees peers %v", r.id, want), fmt.Sprintf("%v", got))
	}
	return nil
}

func (w *world) assertPeer(a Assertion) error {
	r := w.replicaFor(a)
	idx := slices.IndexFunc(r.presence.Peers(), func(p ir.PresenceState) bool { return p.ClientID == a.ID })
	if a.Absent {
		if idx >= 0 {
			return w.fail(AssertPeer, fmt.Sprintf("%s does not see %s", r.id, a.ID), "peer present")
		}
		return nil
	}
	if idx < 0 {
		return w.fail(AssertPeer, fmt.Sprintf("%s sees %s", r.id, a.ID), "peer missing")
	}
	p := r.presence.Peers()[idx]
	sel := make(ir.Array, len(p.Selection))
	for i, s := range p.Selection {
		sel[i] = ir.String(s)
	}
	actual := ir.Object{"selection": sel, "name": ir.String(p.Identity.Name)}
	if p.Cursor != nil {
		actual["cursor"] = ir.Object{"x": ir.Int(p.Cursor.X), "y": ir.Int(p.Cursor.Y)}
	}
	return w.matchFields(AssertPeer, "peer "+a.ID, a.Expect, actual)
}

func (w *world) assertHistory(a Assertion) error {
	r := w.replicaFor(a)
	past, future := r.history.Depth()
	actual := ir.Object{"past": ir.Int(past), "future": ir.Int(future)}
	return w.matchFields(AssertHistory, "history of "+r.id, a.Expect, actual)
}

func (w *world) assertConflicts(a Assertion) error {
	if w.report == nil {
		return w.fail(AssertConflicts, "a restore", "no restore ran")
	}
	got := w.report.Conflicts
	if !slices.Equal(a.Targets, got) && !(len(a.Targets) == 0 && len(got) == 0) {
		return w.fail(AssertConflicts, fmt.Sprintf("%v", a.Targets), fmt.Sprintf("%v", got))
	}
	return nil
}

// matchFields compares expected fields against actual ones (subset
// semantics: only fields in expect are checked). Config is itself a subset
// match.
func (w *world) matchFields(typ, what string, expect map[string]any, actual ir.Object) error {
	keys := make([]string, 0, len(expect))
	for k := range expect {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		want, err := ir.FromAny(expect[k])
		if err != nil {
			return fmt.Errorf("%s.%s: %w", what, k, err)
		}
		got, ok := actual[k]
		if k == "config" {
			if err := w.matchConfig(typ, what, want, got); err != nil {
				return err
			}
			continue
		}
		if !ok || !ir.Equal(want, got) {
			return w.fail(typ, fmt.Sprintf("%s.%s = %v", what, k, ir.ToAny(want)), fmt.Sprintf("%v (present=%t)", ir.ToAny(got), ok))
		}
	}
	return nil
}

func (w *world) matchConfig(typ, what string, want, got ir.Value) error {
	wantObj, ok := want.(ir.Object)
	if !ok {
		return fmt.Errorf("%s.config must be a mapping", what)
	}
	gotObj, _ := got.(ir.Object)
	for _, k := range wantObj.SortedKeys() {
		g, ok := gotObj[k]
		if !ok || !ir.Equal(wantObj[k], g) {
			return w.fail(typ, fmt.Sprintf("%s.config.%s = %v", what, k, ir.ToAny(wantObj[k])), fmt.Sprintf("%v (present=%t)", ir.ToAny(g), ok))
		}
	}
	return nil
}
