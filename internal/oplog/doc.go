// Package oplog maintains the replica-side update log: the Lamport clock that
// stamps local operations and the queue of local operations not yet
// acknowledged by the relay.
//
// Ordering is only ever decided by (clock, origin) stamps. Clocks of
// different replicas are never assumed to be synchronized.
package oplog
