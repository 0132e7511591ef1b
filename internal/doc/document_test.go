package doc

import (
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/weave/internal/ir"
)

func newTestDoc(t *testing.T, client string) *Document {
	t.Helper()
	return New("doc-1", client,
		WithIDGenerator(ir.NewSequenceGenerator(client+"-")),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
}

func mustMutate(t *testing.T, d *Document, c Change) []ir.Operation {
	t.Helper()
	ops, err := d.Mutate(c)
	require.NoError(t, err)
	return ops
}

func mustState(t *testing.T, d *Document) string {
	t.Helper()
	state, err := d.SnapshotState()
	require.NoError(t, err)
	return string(state)
}

func applyAll(t *testing.T, d *Document, ops []ir.Operation) {
	t.Helper()
	for _, op := range ops {
		err := d.Apply(op)
		if err != nil && !ir.IsConflictNoop(err) {
			require.NoError(t, err)
		}
	}
}

func TestMutateAddNodeAndView(t *testing.T) {
	d := newTestDoc(t, "alice")
	ops := mustMutate(t, d, AddNode{ID: "n1", Type: "http", Position: ir.Position{X: 10, Y: 20}, Config: ir.Object{"url": ir.String("https://x")}})

	require.Len(t, ops, 1)
	assert.Equal(t, ir.KindInsert, ops[0].Kind)
	assert.Equal(t, int64(1), ops[0].Clock)
	assert.Equal(t, "alice", ops[0].Origin)

	v := d.View()
	require.Contains(t, v.Nodes, "n1")
	assert.Equal(t, "http", v.Nodes["n1"].Type)
	assert.Equal(t, ir.Position{X: 10, Y: 20}, v.Nodes["n1"].Position)
	assert.Equal(t, ir.String("https://x"), v.Nodes["n1"].Config["url"])
}

func TestMutateGeneratesIDs(t *testing.T) {
	d := newTestDoc(t, "alice")
	tx, err := d.Transact(AddNode{Type: "http"})
	require.NoError(t, err)
	assert.Equal(t, []string{"alice-1"}, tx.Created())
}

func TestMutateRejectsUnknownNode(t *testing.T) {
	d := newTestDoc(t, "alice")
	_, err := d.Mutate(MoveNode{ID: "ghost", Position: ir.Position{X: 1}})
	assert.Error(t, err)

	mustMutate(t, d, AddNode{ID: "n1", Type: "http"})
	_, err = d.Mutate(AddNode{ID: "n1", Type: "http"})
	assert.Error(t, err, "ids are unique")
}

func TestEachOperationTakesItsOwnClock(t *testing.T) {
	d := newTestDoc(t, "alice")
	mustMutate(t, d, AddNode{ID: "a", Type: "t"})
	mustMutate(t, d, AddNode{ID: "b", Type: "t"})
	ops := mustMutate(t, d, Batch{
		MoveNode{ID: "a", Position: ir.Position{X: 1}},
		MoveNode{ID: "b", Position: ir.Position{X: 2}},
	})
	require.Len(t, ops, 2)
	assert.Equal(t, []int64{3, 4}, []int64{ops[0].Clock, ops[1].Clock})
}

func TestApplyLastWriterWins(t *testing.T) {
	alice := newTestDoc(t, "alice")
	bob := newTestDoc(t, "bob")

	insert := mustMutate(t, alice, AddNode{ID: "n1", Type: "http"})
	applyAll(t, bob, insert)

	a := mustMutate(t, alice, MoveNode{ID: "n1", Position: ir.Position{X: 1, Y: 1}})
	b := mustMutate(t, bob, MoveNode{ID: "n1", Position: ir.Position{X: 2, Y: 2}})
	require.Equal(t, a[0].Clock, b[0].Clock, "concurrent edits share a clock value")

	applyAll(t, alice, b)
	applyAll(t, bob, a)

	assert.Equal(t, mustState(t, alice), mustState(t, bob))
	assert.Equal(t, ir.Position{X: 2, Y: 2}, alice.View().Nodes["n1"].Position, "equal clocks break ties by origin")
}

func TestApplyObservesRemoteClock(t *testing.T) {
	d := newTestDoc(t, "alice")
	remote := ir.Operation{Origin: "bob", Clock: 41, Target: ir.MetaTarget("title"), Kind: ir.KindSet, Payload: ir.String("x")}
	require.NoError(t, d.Apply(remote))

	ops := mustMutate(t, d, SetMetadata{Key: "title", Value: ir.String("y")})
	assert.Equal(t, int64(42), ops[0].Clock)
	assert.Equal(t, ir.String("y"), d.View().Metadata["title"])
}

func TestApplyIdempotent(t *testing.T) {
	src := newTestDoc(t, "alice")
	ops := mustMutate(t, src, Batch{
		AddNode{ID: "n1", Type: "http"},
		AddNode{ID: "n2", Type: "llm"},
		AddEdge{ID: "e1", From: "n1", To: "n2"},
		SetNodeConfig{ID: "n1", Key: "retries", Value: ir.Int(3)},
		DeleteEdge{ID: "e1"},
	})

	once := newTestDoc(t, "carol")
	applyAll(t, once, ops)

	twice := newTestDoc(t, "carol")
	applyAll(t, twice, ops)
	applyAll(t, twice, ops)

	assert.Equal(t, mustState(t, once), mustState(t, twice))
}

func TestApplyCommutative(t *testing.T) {
	alice := newTestDoc(t, "alice")
	bob := newTestDoc(t, "bob")
	base := mustMutate(t, alice, AddNode{ID: "n1", Type: "http"})
	applyAll(t, bob, base)

	pairs := [][2]Change{
		{MoveNode{ID: "n1", Position: ir.Position{X: 5}}, MoveNode{ID: "n1", Position: ir.Position{Y: 7}}},
		{SetNodeConfig{ID: "n1", Key: "k", Value: ir.Int(1)}, DeleteNodeConfig{ID: "n1", Key: "k"}},
		{DeleteNode{ID: "n1"}, SetNodeType{ID: "n1", Type: "llm"}},
	}
	for i, pair := range pairs {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			a := newTestDoc(t, "alice")
			b := newTestDoc(t, "bob")
			applyAll(t, a, base)
			applyAll(t, b, base)
			opA := mustMutate(t, a, pair[0])
			opB := mustMutate(t, b, pair[1])

			ab := newTestDoc(t, "x")
			applyAll(t, ab, base)
			applyAll(t, ab, opA)
			applyAll(t, ab, opB)

			ba := newTestDoc(t, "x")
			applyAll(t, ba, base)
			applyAll(t, ba, opB)
			applyAll(t, ba, opA)

			assert.Equal(t, mustState(t, ab), mustState(t, ba))
		})
	}
}

func TestDeleteMonotonicity(t *testing.T) {
	alice := newTestDoc(t, "alice")
	bob := newTestDoc(t, "bob")
	applyAll(t, bob, mustMutate(t, alice, AddNode{ID: "n1", Type: "http"}))

	// Bob's edit carries a much higher clock than Alice's delete.
	for i := 0; i < 10; i++ {
		mustMutate(t, bob, SetMetadata{Key: "tick", Value: ir.Int(int64(i))})
	}
	edit := mustMutate(t, bob, MoveNode{ID: "n1", Position: ir.Position{X: 99}})
	del := mustMutate(t, alice, DeleteNode{ID: "n1"})
	require.Less(t, del[0].Clock, edit[0].Clock)

	err := alice.Apply(edit[0])
	assert.True(t, ir.IsConflictNoop(err))
	applyAll(t, bob, del)

	assert.NotContains(t, alice.View().Nodes, "n1")
	assert.NotContains(t, bob.View().Nodes, "n1")
	assert.True(t, bob.IsDeleted(ir.EntityNode, "n1"))

	reinsert := ir.Operation{Origin: "mallory", Clock: 500, Target: ir.NodeTarget("n1"), Kind: ir.KindInsert,
		Payload: ir.NodeRecord{Type: "zombie"}.Value()}
	assert.True(t, ir.IsConflictNoop(bob.Apply(reinsert)), "a tombstoned id is never resurrected")
	assert.NotContains(t, bob.View().Nodes, "n1")
}

func TestMalformedOperationIsDiscarded(t *testing.T) {
	d := newTestDoc(t, "alice")
	mustMutate(t, d, AddNode{ID: "n1", Type: "http"})
	before := mustState(t, d)

	bad := []ir.Operation{
		{Origin: "", Clock: 1, Target: ir.NodeTarget("n2"), Kind: ir.KindInsert, Payload: ir.NodeRecord{Type: "t"}.Value()},
		{Origin: "bob", Clock: 2, Target: ir.NodeField("n1", ir.FieldPosition), Kind: ir.KindSet, Payload: ir.String("left")},
		{Origin: "bob", Clock: 3, Target: ir.NodeField("n1", ir.FieldType), Kind: ir.KindDelete},
	}
	for _, op := range bad {
		assert.True(t, ir.IsMalformed(d.Apply(op)))
	}
	err := d.ApplyAll(bad)
	assert.True(t, ir.IsMalformed(err))
	assert.Equal(t, before, mustState(t, d))
}

func TestEdgesToDeletedNodesAreHidden(t *testing.T) {
	alice := newTestDoc(t, "alice")
	bob := newTestDoc(t, "bob")
	applyAll(t, bob, mustMutate(t, alice, Batch{
		AddNode{ID: "n1", Type: "a"},
		AddNode{ID: "n2", Type: "b"},
	}))

	// Bob connects n1 while Alice concurrently deletes it.
	edge := mustMutate(t, bob, AddEdge{ID: "e1", From: "n1", To: "n2"})
	del := mustMutate(t, alice, DeleteNode{ID: "n1"})
	applyAll(t, alice, edge)
	applyAll(t, bob, del)

	assert.Empty(t, alice.View().Edges)
	assert.Empty(t, bob.View().Edges)
	assert.Equal(t, mustState(t, alice), mustState(t, bob))
}

func TestDeleteNodeRemovesAttachedEdges(t *testing.T) {
	d := newTestDoc(t, "alice")
	mustMutate(t, d, Batch{
		AddNode{ID: "n1", Type: "a"},
		AddNode{ID: "n2", Type: "b"},
		AddNode{ID: "n3", Type: "c"},
		AddEdge{ID: "e1", From: "n1", To: "n2"},
		AddEdge{ID: "e2", From: "n3", To: "n1"},
		AddEdge{ID: "e3", From: "n2", To: "n3"},
	})
	ops := mustMutate(t, d, DeleteNode{ID: "n1"})
	require.Len(t, ops, 3)
	assert.Equal(t, "edge:e1", ops[0].Target.String())
	assert.Equal(t, "edge:e2", ops[1].Target.String())
	assert.Equal(t, "node:n1", ops[2].Target.String())
	assert.Equal(t, []string{"e3"}, d.View().EdgeIDs())
}

func TestOfflineRenameAndMove(t *testing.T) {
	r1 := newTestDoc(t, "replica-1")
	r2 := newTestDoc(t, "replica-2")
	applyAll(t, r2, mustMutate(t, r1, AddNode{ID: "n1", Type: "http", Position: ir.Position{X: 0, Y: 0}}))

	// Both offline.
	rename := mustMutate(t, r1, RenameNode{ID: "n1", Name: "Fetch Data"})
	move := mustMutate(t, r2, MoveNode{ID: "n1", Position: ir.Position{X: 120, Y: 80}})

	// Both reconnect.
	applyAll(t, r1, move)
	applyAll(t, r2, rename)

	for _, r := range []*Document{r1, r2} {
		n := r.View().Nodes["n1"]
		assert.Equal(t, ir.String("Fetch Data"), n.Config[ConfigLabel])
		assert.Equal(t, ir.Position{X: 120, Y: 80}, n.Position)
	}
	assert.Equal(t, mustState(t, r1), mustState(t, r2))
}

func TestFieldWritesBeforeInsert(t *testing.T) {
	src := newTestDoc(t, "alice")
	ops := mustMutate(t, src, AddNode{ID: "n1", Type: "http"})
	ops = append(ops, mustMutate(t, src, MoveNode{ID: "n1", Position: ir.Position{X: 3, Y: 4}})...)

	d := newTestDoc(t, "bob")
	require.NoError(t, d.Apply(ops[1]))
	assert.Empty(t, d.View().Nodes, "a node is visible only once its insert arrived")
	require.NoError(t, d.Apply(ops[0]))
	assert.Equal(t, ir.Position{X: 3, Y: 4}, d.View().Nodes["n1"].Position)
	assert.Equal(t, mustState(t, src), mustState(t, d))
}

func TestHydrateRoundTrip(t *testing.T) {
	src := newTestDoc(t, "alice")
	mustMutate(t, src, Batch{
		AddNode{ID: "n1", Type: "http", Config: ir.Object{"h": ir.Object{"a": ir.Array{ir.Int(1), ir.Bool(true)}}}},
		AddNode{ID: "n2", Type: "llm"},
		AddEdge{ID: "e1", From: "n1", To: "n2", Label: "ok"},
		SetMetadata{Key: "title", Value: ir.String("Flow")},
		DeleteMetadata{Key: "gone"},
		AddNode{ID: "n3", Type: "x"},
	})
	mustMutate(t, src, DeleteNode{ID: "n3"})
	state := mustState(t, src)

	dst := newTestDoc(t, "bob")
	var events []Event
	cancel := dst.Subscribe(func(ev Event) { events = append(events, ev) })
	defer cancel()
	require.NoError(t, dst.Hydrate([]byte(state)))

	assert.Equal(t, state, mustState(t, dst))
	assert.Equal(t, src.View(), dst.View())
	assert.Equal(t, src.Summary(), dst.Summary())
	assert.GreaterOrEqual(t, dst.Clock(), src.Clock())
	require.Len(t, events, 1)
	assert.Equal(t, OriginHydrate, events[0].Origin)

	view, err := ViewOf([]byte(state))
	require.NoError(t, err)
	assert.Equal(t, src.View(), view)

	assert.Error(t, dst.Hydrate([]byte(`{"nodes":[]}`)))
}

func TestSubscribeAndCancel(t *testing.T) {
	d := newTestDoc(t, "alice")
	var got []Event
	cancel := d.Subscribe(func(ev Event) { got = append(got, ev) })

	mustMutate(t, d, AddNode{ID: "n1", Type: "t"})
	require.NoError(t, d.Apply(ir.Operation{Origin: "bob", Clock: 9, Target: ir.MetaTarget("k"), Kind: ir.KindSet, Payload: ir.Int(1)}))
	require.NoError(t, d.Apply(ir.Operation{Origin: "bob", Clock: 9, Target: ir.MetaTarget("k"), Kind: ir.KindSet, Payload: ir.Int(1)}))

	require.Len(t, got, 2, "a duplicate operation produces no event")
	assert.Equal(t, OriginLocal, got[0].Origin)
	assert.Equal(t, OriginRemote, got[1].Origin)

	cancel()
	mustMutate(t, d, SetMetadata{Key: "k", Value: ir.Int(2)})
	assert.Len(t, got, 2)
}

// randomChange picks an edit against the replica's current view.
func randomChange(rng *rand.Rand, d *Document) Change {
	v := d.View()
	nodes := v.NodeIDs()
	edges := v.EdgeIDs()
	pick := func(ids []string) string { return ids[rng.IntN(len(ids))] }
	switch n := rng.IntN(10); {
	case len(nodes) < 2 || n == 0:
		return AddNode{Type: fmt.Sprintf("t%d", rng.IntN(3)), Position: ir.Position{X: rng.Int64N(100), Y: rng.Int64N(100)}}
	case n == 1:
		return MoveNode{ID: pick(nodes), Position: ir.Position{X: rng.Int64N(100), Y: rng.Int64N(100)}}
	case n == 2:
		return SetNodeConfig{ID: pick(nodes), Key: fmt.Sprintf("k%d", rng.IntN(3)), Value: ir.Int(rng.Int64N(10))}
	case n == 3:
		return DeleteNodeConfig{ID: pick(nodes), Key: fmt.Sprintf("k%d", rng.IntN(3))}
	case n == 4:
		return AddEdge{From: pick(nodes), To: pick(nodes), Label: fmt.Sprintf("l%d", rng.IntN(2))}
	case n == 5 && len(edges) > 0:
		return SetEdgeLabel{ID: pick(edges), Label: fmt.Sprintf("l%d", rng.IntN(3))}
	case n == 6 && len(edges) > 0:
		return DeleteEdge{ID: pick(edges)}
	case n == 7:
		return DeleteNode{ID: pick(nodes)}
	case n == 8:
		return SetMetadata{Key: fmt.Sprintf("m%d", rng.IntN(3)), Value: ir.String(fmt.Sprint(rng.IntN(5)))}
	default:
		return SetNodeType{ID: pick(nodes), Type: fmt.Sprintf("t%d", rng.IntN(3))}
	}
}

func TestConvergenceShuffled(t *testing.T) {
	for seed := uint64(1); seed <= 20; seed++ {
		t.Run(fmt.Sprintf("seed-%d", seed), func(t *testing.T) {
			rng := rand.New(rand.NewPCG(seed, seed*7))
			replicas := []*Document{newTestDoc(t, "r1"), newTestDoc(t, "r2"), newTestDoc(t, "r3")}
			var all []ir.Operation

			for round := 0; round < 8; round++ {
				// Each replica edits offline.
				var fresh []ir.Operation
				for _, r := range replicas {
					for i := 0; i < 1+rng.IntN(4); i++ {
						ops, err := r.Mutate(randomChange(rng, r))
						require.NoError(t, err)
						fresh = append(fresh, ops...)
					}
				}
				all = append(all, fresh...)
				// Partial exchange: each replica hears a random subset.
				for _, r := range replicas {
					for _, op := range fresh {
						if rng.IntN(2) == 0 {
							_ = r.Apply(op)
						}
					}
				}
			}

			// Every replica eventually sees everything, in its own order.
			for _, r := range replicas {
				shuffled := append([]ir.Operation(nil), all...)
				rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
				applyAll(t, r, shuffled)
			}
			// A cold replica applies the set in yet another order.
			cold := newTestDoc(t, "cold")
			shuffled := append([]ir.Operation(nil), all...)
			rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
			applyAll(t, cold, shuffled)

			want := mustState(t, cold)
			for _, r := range replicas {
				assert.Equal(t, want, mustState(t, r))
			}
		})
	}
}
