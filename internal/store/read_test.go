package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/weave/internal/doc"
	"github.com/roach88/weave/internal/ir"
	"github.com/roach88/weave/internal/version"
)

func TestReadOperations_EmptyNotNil(t *testing.T) {
	s := createTestStore(t)
	ops, err := s.ReadOperations(context.Background(), "missing")
	require.NoError(t, err)
	assert.NotNil(t, ops)
	assert.Empty(t, ops)
}

func TestOperationsSince(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	alice := newTestDoc("doc-1", "alice")
	bob := newTestDoc("doc-1", "bob")

	a := sampleOps(t, alice)
	require.NoError(t, bob.ApplyAll(a))
	b, err := bob.Mutate(doc.MoveNode{ID: "n1", Position: ir.Position{X: 5}})
	require.NoError(t, err)

	_, err = s.AppendOperations(ctx, "doc-1", append(a, b...))
	require.NoError(t, err)

	delta, err := s.OperationsSince(ctx, "doc-1", ir.Summary{"alice": 2})
	require.NoError(t, err)
	assert.Equal(t, append(append([]ir.Operation{}, a[2:]...), b...), delta)

	delta, err = s.OperationsSince(ctx, "doc-1", ir.Summary{"alice": 4, "bob": 5})
	require.NoError(t, err)
	assert.Empty(t, delta)
}

func TestSummary(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	ops := sampleOps(t, newTestDoc("doc-1", "alice"))
	_, err := s.AppendOperations(ctx, "doc-1", ops)
	require.NoError(t, err)

	summary, err := s.Summary(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, ir.Summary{"alice": 4}, summary)

	empty, err := s.Summary(ctx, "nothing")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestReadOperations_DetectsCorruptRow(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	_, err := s.AppendOperations(ctx, "doc-1", sampleOps(t, newTestDoc("doc-1", "alice")))
	require.NoError(t, err)

	_, err = s.db.Exec(`UPDATE operations SET payload = '"Hacked"' WHERE target = 'meta:title'`)
	require.NoError(t, err)

	_, err = s.ReadOperations(ctx, "doc-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCorrupt))
}

func TestSnapshots_GetLatestList(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	d := newTestDoc("doc-1", "alice")
	sampleOps(t, d)

	v1, err := version.Take(d, version.Meta{Author: "alice", Label: "first"})
	require.NoError(t, err)
	v1, err = s.SaveSnapshot(ctx, v1)
	require.NoError(t, err)

	_, err = d.Mutate(doc.DeleteNode{ID: "n2"})
	require.NoError(t, err)
	v2, err := version.Take(d, version.Meta{Author: "alice"})
	require.NoError(t, err)
	v2, err = s.SaveSnapshot(ctx, v2)
	require.NoError(t, err)

	got, err := s.GetSnapshot(ctx, "doc-1", 1)
	require.NoError(t, err)
	assert.Equal(t, v1, got)
	require.NoError(t, got.Verify())

	latest, err := s.LatestSnapshot(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), latest.Version)
	assert.Equal(t, v2.StateHash, latest.StateHash)

	infos, err := s.ListSnapshots(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, []ir.VersionInfo{v1.Info(), v2.Info()}, infos)
}

func TestSnapshots_NotFound(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.GetSnapshot(ctx, "doc-1", 7)
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = s.LatestSnapshot(ctx, "doc-1")
	assert.True(t, errors.Is(err, ErrNotFound))

	infos, err := s.ListSnapshots(ctx, "doc-1")
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestListDocuments(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.AppendOperations(ctx, "beta", sampleOps(t, newTestDoc("beta", "alice")))
	require.NoError(t, err)
	snap, err := version.Take(newTestDoc("alpha", "bob"), version.Meta{Author: "bob"})
	require.NoError(t, err)
	_, err = s.SaveSnapshot(ctx, snap)
	require.NoError(t, err)

	docs, err := s.ListDocuments(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta"}, docs)
}
