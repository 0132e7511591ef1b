// Package version takes durable snapshots of a document, decides when
// snapshots are due, compares snapshots and restores them.
//
// Restore never overwrites the live replica. It diffs the snapshot against
// the live view and emits the difference as ordinary local operations with
// fresh clocks, so concurrent edits to fields the restore does not touch
// survive, and fields both touch resolve by the usual last-writer-wins rule.
package version
