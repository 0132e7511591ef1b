package harness

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, src string) *Scenario {
	t.Helper()
	s, err := ParseScenario([]byte(src))
	require.NoError(t, err)
	return s
}

func TestRun_OfflineReplicaDoesNotConverge(t *testing.T) {
	scenario := mustParse(t, `
name: stays_offline
description: "an offline replica misses edits"
replicas: [alice, bob]
steps:
  - do: offline
    replica: bob
  - do: add_node
    replica: alice
    args: { id: n1, type: http, x: 0, y: 0 }
  - do: sync
assertions:
  - type: converged
  - type: count
    replica: bob
    nodes: 0
`)
	result, err := Run(scenario)
	require.NoError(t, err)

	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "converged")
	assert.Len(t, result.Views["alice"].Nodes, 1)
	assert.Empty(t, result.Views["bob"].Nodes)
}

func TestRun_RelayForwardsThroughThirdReplica(t *testing.T) {
	scenario := mustParse(t, `
name: relay_forwarding
description: "ops pushed earlier reach a replica that was absent at the time"
replicas: [alice, bob, carol]
steps:
  - do: add_node
    replica: alice
    args: { id: n1, type: http, x: 0, y: 0 }
  - do: sync
    replicas: [alice, bob]
  - do: offline
    replica: alice
  - do: sync
    replicas: [bob, carol]
assertions:
  - type: node
    replica: carol
    id: n1
    expect: { type: http }
  - type: converged
`)
	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Equal(t, map[string]int{"carol": 1}, result.Trace[3].Delivered)
}

func TestRun_UnexpectedRejectionIsReported(t *testing.T) {
	scenario := mustParse(t, `
name: bad_move
description: "moving a node that does not exist"
replicas: [alice]
steps:
  - do: move_node
    replica: alice
    args: { id: ghost, x: 1, y: 1 }
assertions:
  - type: count
    nodes: 0
`)
	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	assert.Equal(t, "error", result.Trace[0].Note)
	assert.Contains(t, result.Errors[0], "ghost")
}

func TestRun_ExpectedRejectionThatApplies(t *testing.T) {
	scenario := mustParse(t, `
name: not_rejected
description: "fails on an edit that succeeds"
replicas: [alice]
steps:
  - do: set_meta
    replica: alice
    args: { key: title, value: x }
    fails: true
assertions:
  - type: meta
    key: title
    value: x
`)
	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	assert.Contains(t, result.Errors[0], "expected rejection")
}

func TestRun_UndoWithEmptyHistory(t *testing.T) {
	scenario := mustParse(t, `
name: empty_undo
description: "undo with nothing to undo is rejected"
replicas: [alice]
steps:
  - do: undo
    replica: alice
    fails: true
assertions:
  - type: history
    expect: { past: 0, future: 0 }
`)
	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Equal(t, "rejected", result.Trace[0].Note)
}

func TestRun_RestoreUnknownVersion(t *testing.T) {
	scenario := mustParse(t, `
name: restore_missing
description: "restoring a version never saved"
replicas: [alice]
steps:
  - do: restore
    replica: alice
    args: { version: 4 }
assertions:
  - type: count
    nodes: 0
`)
	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	assert.Contains(t, result.Errors[0], "no version 4")
}

func TestRun_BadArgsAreStructuralErrors(t *testing.T) {
	scenario := mustParse(t, `
name: bad_args
description: "float coordinates"
replicas: [alice]
steps:
  - do: add_node
    replica: alice
    args: { id: n1, type: http, x: 1.5, y: 0 }
assertions:
  - type: count
    nodes: 0
`)
	_, err := Run(scenario)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "step 1 (add_node)")
}

func TestAssertionError_ErrorFormat(t *testing.T) {
	err := &AssertionError{
		Type:     AssertNode,
		Expected: "node n1.x = 3",
		Actual:   "4 (present=true)",
		Trace: []TraceEvent{
			{Step: 1, Do: StepAddNode, Replica: "alice", Ops: []string{"alice@1 insert node:n1"}},
			{Step: 2, Do: StepSync},
		},
	}
	msg := err.Error()
	assert.True(t, strings.HasPrefix(msg, "Assertion failed: node\n"))
	assert.Contains(t, msg, "Expected: node n1.x = 3")
	assert.Contains(t, msg, "[1] add_node alice [alice@1 insert node:n1]")
	assert.Contains(t, msg, "[2] sync -")
}

func TestAssertions_Mismatches(t *testing.T) {
	base := `
name: checks
description: "one node, one edge, one key"
replicas: [alice, bob]
steps:
  - do: add_node
    replica: alice
    args: { id: n1, type: http, x: 5, y: 6, config: { url: "https://x" } }
  - do: add_node
    replica: alice
    args: { id: n2, type: llm, x: 0, y: 0 }
  - do: add_edge
    replica: alice
    args: { id: e1, from: n1, to: n2, label: ok }
  - do: set_meta
    replica: alice
    args: { key: title, value: T }
  - do: sync
  - do: heartbeat
    replica: bob
assertions:
`
	tests := []struct {
		name      string
		assertion string
		pass      bool
	}{
		{"node subset", "  - type: node\n    id: n1\n    expect: { x: 5, config: { url: \"https://x\" } }", true},
		{"node wrong x", "  - type: node\n    id: n1\n    expect: { x: 7 }", false},
		{"node config key missing", "  - type: node\n    id: n1\n    expect: { config: { retries: 1 } }", false},
		{"node absent but present", "  - type: node\n    id: n1\n    absent: true", false},
		{"edge", "  - type: edge\n    replica: bob\n    id: e1\n    expect: { from: n1, to: n2, label: ok }", true},
		{"edge wrong label", "  - type: edge\n    id: e1\n    expect: { label: nope }", false},
		{"meta", "  - type: meta\n    key: title\n    value: T", true},
		{"meta absent", "  - type: meta\n    key: other\n    absent: true", true},
		{"count", "  - type: count\n    nodes: 2\n    edges: 1", true},
		{"count wrong", "  - type: count\n    edges: 2", false},
		{"peers", "  - type: peers\n    peers: [bob]", true},
		{"peers wrong", "  - type: peers\n    replica: bob\n    peers: [alice]", false},
		{"conflicts without restore", "  - type: conflicts", false},
		{"history", "  - type: history\n    expect: { past: 4 }", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := Run(mustParse(t, base+tt.assertion+"\n"))
			require.NoError(t, err)
			assert.Equal(t, tt.pass, result.Pass, "errors: %v", result.Errors)
		})
	}
}
