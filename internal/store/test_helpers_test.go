package store

import (
	"path/filepath"
	"testing"

	"github.com/roach88/weave/internal/doc"
	"github.com/roach88/weave/internal/ir"
	"github.com/roach88/weave/internal/testutil"
)

// createTestStore creates a new store in a temp directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// newTestDoc creates a replica with sequential ids and a silent logger.
func newTestDoc(docID, client string) *doc.Document {
	return doc.New(docID, client,
		doc.WithIDGenerator(ir.NewSequenceGenerator(client+"-")),
		doc.WithLogger(testutil.DiscardLogger()),
	)
}

// sampleOps builds two nodes joined by an edge, authored by client.
func sampleOps(t *testing.T, d *doc.Document) []ir.Operation {
	t.Helper()
	ops, err := d.Mutate(doc.Batch{
		doc.AddNode{ID: "n1", Type: "http", Config: ir.Object{"url": ir.String("https://example.com")}},
		doc.AddNode{ID: "n2", Type: "llm", Position: ir.Position{X: 120, Y: -40}},
		doc.AddEdge{ID: "e1", From: "n1", To: "n2", Label: "ok"},
		doc.SetMetadata{Key: "title", Value: ir.String("Pipeline")},
	})
	if err != nil {
		t.Fatalf("Mutate() failed: %v", err)
	}
	return ops
}
