package cli

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/roach88/weave/internal/doc"
	"github.com/roach88/weave/internal/ir"
	"github.com/roach88/weave/internal/store"
	"github.com/roach88/weave/internal/testutil"
	"github.com/roach88/weave/internal/version"
)

const testDoc = "flow-1"

// seedStore writes a document with one saved version followed by more
// edits: v1 has n1 -> n2 titled "Pipeline"; afterwards n1 moves, n3 is
// added and the title changes.
func seedStore(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "weave.db")
	st, err := store.Open(path)
	require.NoError(t, err)
	defer st.Close()

	d := doc.New(testDoc, "alice",
		doc.WithIDGenerator(ir.NewSequenceGenerator("alice-")),
		doc.WithLogger(testutil.DiscardLogger()),
	)
	write := func(c doc.Change) {
		ops, err := d.Mutate(c)
		require.NoError(t, err)
		_, err = st.AppendOperations(ctx, testDoc, ops)
		require.NoError(t, err)
	}

	write(doc.Batch{
		doc.AddNode{ID: "n1", Type: "http", Config: ir.Object{"url": ir.String("https://example.com")}},
		doc.AddNode{ID: "n2", Type: "llm", Position: ir.Position{X: 120, Y: -40}},
		doc.AddEdge{ID: "e1", From: "n1", To: "n2", Label: "ok"},
		doc.SetMetadata{Key: "title", Value: ir.String("Pipeline")},
	})
	snap, err := version.Take(d, version.Meta{Author: "alice", Label: "first", CreatedAt: time.UnixMilli(1_700_000_000_000)})
	require.NoError(t, err)
	_, err = st.SaveSnapshot(ctx, snap)
	require.NoError(t, err)

	write(doc.MoveNode{ID: "n1", Position: ir.Position{X: 10, Y: 20}})
	write(doc.AddNode{ID: "n3", Type: "branch"})
	write(doc.SetMetadata{Key: "title", Value: ir.String("Pipeline v2")})
	return path
}

// execute runs args through the root command and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// subcommand finds a command by path under a fresh root.
func subcommand(t *testing.T, path ...string) *cobra.Command {
	t.Helper()
	cmd, _, err := NewRootCommand().Find(path)
	require.NoError(t, err)
	return cmd
}
