// Package doc implements the mergeable replica of a workflow document.
//
// A Document holds nodes, edges and metadata as last-writer-wins registers,
// one register per field (node type, node position, each node config key,
// edge endpoints and label, each metadata key). Every register remembers the
// Stamp of the operation that wrote it; a write only lands if its stamp
// orders after the stored one. Deleting a node or edge leaves a permanent
// tombstone, so operations that arrive for a deleted entity are absorbed as
// conflict no-ops and can never resurrect it.
//
// Because every rule above is a max over a total order, a replica's state is
// a pure function of the set of operations it has applied, whatever the
// arrival order and however many duplicates it saw. SnapshotState exposes
// that state as canonical JSON, so two converged replicas produce identical
// bytes.
//
// Local edits enter through Transact/Mutate with a Change value. They are
// stamped from the replica's Lamport clock, applied immediately and returned
// for transmission together with the inverse operations the undo manager
// needs. Remote operations enter through Apply/ApplyAll.
package doc
