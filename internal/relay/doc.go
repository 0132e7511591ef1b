// Package relay is the server side of weave: a websocket endpoint that
// hosts one room per document, plus the version REST surface.
//
// A room owns a replica of its document and is driven by a single run loop
// fed from a FIFO queue, so frames from every member are applied, logged
// and fanned out one at a time. The relay never decides conflicts; it
// applies operations with the same merge rules as every client, which is
// what makes its summary a valid answer to a resync handshake.
//
// # Room protocol
//
//   - hello: the member's summary. The room answers with sync (its summary
//     and the operations the member lacks, or the full state when the
//     member has nothing), the current presence of every peer, then ack.
//   - ops: logged durably, applied, forwarded to the other members and to
//     other relay nodes, then acknowledged to the sender.
//   - presence: recorded with a TTL and forwarded.
//   - save: snapshot now, announce the version to everyone.
//   - leave: forget the member and tell the others.
//
// Rooms go idle and are dropped when their last member has left, after a
// final snapshot if anything changed since the previous one.
package relay
