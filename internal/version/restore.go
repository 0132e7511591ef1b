package version

import (
	"fmt"
	"slices"

	"github.com/roach88/weave/internal/doc"
	"github.com/roach88/weave/internal/ir"
)

// Report describes what a restore did.
type Report struct {
	DocID   string `json:"doc_id"`
	Version int64  `json:"version"`
	// Ops is the number of operations emitted.
	Ops int `json:"ops"`
	// Recreated maps ids deleted since the snapshot to the fresh ids they
	// were brought back under.
	Recreated map[string]string `json:"recreated,omitempty"`
	// Conflicts lists targets the restore overwrote or removed although
	// another client had edited them after the snapshot was taken.
	Conflicts []string `json:"conflicts,omitempty"`
}

// Err returns a RestoreConflict notice when the restore overlapped
// concurrent edits, nil otherwise. The restore itself has succeeded either
// way.
func (r Report) Err() error {
	if len(r.Conflicts) == 0 {
		return nil
	}
	return ir.NewRestoreConflict(r.DocID, r.Version, r.Conflicts)
}

// Restore brings the live document back to the snapshot's content by
// emitting the difference as one local transaction.
//
// Entities created since the snapshot are deleted. Entities deleted since
// are re-created under fresh ids, with edges re-pointed at the re-created
// nodes. Fields that differ are written back. Everything else, including
// concurrent edits to untouched fields, is left alone.
func Restore(d *doc.Document, snap ir.VersionSnapshot) (doc.Transaction, Report, error) {
	target, err := doc.ViewOf(snap.State)
	if err != nil {
		return doc.Transaction{}, Report{}, fmt.Errorf("restore v%d: %w", snap.Version, err)
	}
	since := snap.Summary
	if since == nil {
		if since, err = doc.SummaryOf(snap.State); err != nil {
			return doc.Transaction{}, Report{}, fmt.Errorf("restore v%d: %w", snap.Version, err)
		}
	}

	p := &planner{d: d, since: since, live: d.View(), target: target, recreated: map[string]string{}}
	changes := p.plan()

	report := Report{DocID: d.ID(), Version: snap.Version, Conflicts: p.conflicts}
	if len(changes) == 0 {
		return doc.Transaction{}, report, nil
	}
	tx, err := d.Transact(changes)
	report.Ops = len(tx.Ops)
	for _, id := range tx.Created() {
		if old, ok := p.origins[id]; ok {
			if report.Recreated == nil {
				report.Recreated = map[string]string{}
			}
			report.Recreated[old] = id
		}
	}
	if err != nil {
		return tx, report, fmt.Errorf("restore v%d: %w", snap.Version, err)
	}
	return tx, report, nil
}

type planner struct {
	d         *doc.Document
	since     ir.Summary
	live      ir.View
	target    ir.View
	recreated map[string]string // snapshot id -> fresh id
	origins   map[string]string // fresh id -> snapshot id
	conflicts []string
	batch     doc.Batch
}

// touch records a conflict when target was last written by another client
// after the snapshot.
func (p *planner) touch(target ir.Target) {
	_, stamp, ok := p.d.Field(target)
	if ok {
		p.checkStamp(target, stamp)
	}
}

func (p *planner) checkStamp(target ir.Target, stamp ir.Stamp) {
	if stamp.Origin != p.d.ClientID() && stamp.Clock > p.since[stamp.Origin] {
		p.conflicts = append(p.conflicts, target.String())
	}
}

func (p *planner) touchEntity(kind ir.Entity, id string) {
	if stamp, ok := p.d.Created(kind, id); ok {
		p.checkStamp(ir.Target{Entity: kind, ID: id}, stamp)
	}
}

func (p *planner) plan() doc.Batch {
	p.origins = map[string]string{}

	for _, id := range p.live.EdgeIDs() {
		if _, keep := p.target.Edges[id]; !keep {
			p.touchEntity(ir.EntityEdge, id)
			p.batch = append(p.batch, doc.DeleteEdge{ID: id})
		}
	}

	for _, id := range p.target.NodeIDs() {
		want := p.target.Nodes[id]
		have, alive := p.live.Nodes[id]
		if !alive {
			p.recreateNode(id, want)
			continue
		}
		p.diffNode(id, have, want)
	}

	// Edges, endpoints resolved to re-created nodes.
	for _, id := range p.target.EdgeIDs() {
		want := p.target.Edges[id]
		want.From = p.resolve(want.From)
		want.To = p.resolve(want.To)
		have, alive := p.live.Edges[id]
		if !alive {
			p.recreateEdge(id, want)
			continue
		}
		p.diffEdge(id, have, want)
	}

	// Nodes go last: every surviving edge now points at a node the
	// snapshot has, so DeleteNode takes no kept edge with it.
	for _, id := range p.live.NodeIDs() {
		if _, keep := p.target.Nodes[id]; !keep {
			p.touchEntity(ir.EntityNode, id)
			p.batch = append(p.batch, doc.DeleteNode{ID: id})
		}
	}

	for _, key := range sortedKeys(p.target.Metadata, p.live.Metadata) {
		want, inTarget := p.target.Metadata[key]
		have, inLive := p.live.Metadata[key]
		switch {
		case inTarget && (!inLive || !ir.Equal(have, want)):
			p.touch(ir.MetaTarget(key))
			p.batch = append(p.batch, doc.SetMetadata{Key: key, Value: want})
		case !inTarget && inLive:
			p.touch(ir.MetaTarget(key))
			p.batch = append(p.batch, doc.DeleteMetadata{Key: key})
		}
	}
	return p.batch
}

func (p *planner) resolve(id string) string {
	if n, ok := p.recreated[id]; ok {
		return n
	}
	return id
}

func (p *planner) recreateNode(id string, rec ir.NodeRecord) {
	newID := p.d.NewID()
	p.recreated[id] = newID
	p.origins[newID] = id
	p.batch = append(p.batch, doc.AddNode{ID: newID, Type: rec.Type, Position: rec.Position, Config: rec.Config})
}

func (p *planner) recreateEdge(id string, rec ir.EdgeRecord) {
	newID := p.d.NewID()
	p.recreated[id] = newID
	p.origins[newID] = id
	p.batch = append(p.batch, doc.AddEdge{ID: newID, From: rec.From, To: rec.To, Label: rec.Label})
}

func (p *planner) diffNode(id string, have, want ir.NodeRecord) {
	if have.Type != want.Type {
		p.touch(ir.NodeField(id, ir.FieldType))
		p.batch = append(p.batch, doc.SetNodeType{ID: id, Type: want.Type})
	}
	if have.Position != want.Position {
		p.touch(ir.NodeField(id, ir.FieldPosition))
		p.batch = append(p.batch, doc.MoveNode{ID: id, Position: want.Position})
	}
	for _, key := range sortedKeys(want.Config, have.Config) {
		w, inWant := want.Config[key]
		h, inHave := have.Config[key]
		switch {
		case inWant && (!inHave || !ir.Equal(h, w)):
			p.touch(ir.NodeConfig(id, key))
			p.batch = append(p.batch, doc.SetNodeConfig{ID: id, Key: key, Value: w})
		case !inWant && inHave:
			p.touch(ir.NodeConfig(id, key))
			p.batch = append(p.batch, doc.DeleteNodeConfig{ID: id, Key: key})
		}
	}
}

func (p *planner) diffEdge(id string, have, want ir.EdgeRecord) {
	if have.From != want.From || have.To != want.To {
		ch := doc.SetEdgeEndpoints{ID: id}
		if have.From != want.From {
			p.touch(ir.EdgeField(id, ir.FieldFrom))
			ch.From = want.From
		}
		if have.To != want.To {
			p.touch(ir.EdgeField(id, ir.FieldTo))
			ch.To = want.To
		}
		p.batch = append(p.batch, ch)
	}
	if have.Label != want.Label {
		p.touch(ir.EdgeField(id, ir.FieldLabel))
		p.batch = append(p.batch, doc.SetEdgeLabel{ID: id, Label: want.Label})
	}
}

func sortedKeys(a, b ir.Object) []string {
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
	return keys
}
