// Package harness runs scripted collaboration scenarios against in-process
// replicas and checks convergence, undo scoping, restore and presence.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: offline_rename_move
//	description: "Offline rename and move both survive reconnect"
//	replicas: [alice, bob]
//	seed: 7
//	steps:
//	  - do: add_node
//	    replica: alice
//	    args: { id: n1, type: http, x: 0, y: 0 }
//	  - do: sync
//	  - do: offline
//	    replica: bob
//	  - do: move_node
//	    replica: bob
//	    args: { id: n1, x: 120, y: 80 }
//	  - do: online
//	    replica: bob
//	  - do: sync
//	    shuffle: true
//	assertions:
//	  - type: converged
//	  - type: node
//	    id: n1
//	    expect: { x: 120, y: 80 }
//
// # Replicas and the Relay
//
// Every replica owns a document, an undo history and a presence tracker.
// Local edits apply immediately, online or not. A sync step pushes each
// online replica's new operations to a shared relay log, then delivers to
// each online replica every relayed operation it has not seen, optionally
// shuffled and duplicated. Offline replicas neither push nor receive.
//
// Saved versions are shared, as if held by the relay's store, so any
// replica may restore any version.
//
// # Assertion Types
//
//   - converged: listed replicas hold byte-identical state
//   - node, edge: subset match on a record, or absent
//   - meta: a metadata value, or absent
//   - count: node and edge counts
//   - peers: a replica's live peer set
//   - peer: one peer's selection and cursor
//   - history: undo and redo stack depths
//   - conflicts: the targets reported by the last restore
//
// # Deterministic Testing
//
// Entity ids come from per-replica sequences ("alice-1", ...), time from a
// manual clock starting at the Unix epoch, and shuffles from the scenario
// seed, so traces are stable enough for golden comparison.
package harness
