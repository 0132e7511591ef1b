// Package store provides SQLite-backed durable storage for weave documents.
//
// The store keeps two tables per database:
//   - operations: the append-only log of every operation a relay accepted
//   - snapshots: immutable, versioned copies of document state
//
// # Invariants
//
// Idempotent appends:
//   - UNIQUE(doc_id, origin, clock); redelivered operations are ignored
//   - op_hash stores ir.OperationHash so replay can detect a corrupted row
//
// Deterministic reads:
//   - Operations are read back ORDER BY seq ASC
//   - Snapshot listings are ORDER BY version ASC
//
// Monotonic versions:
//   - SaveSnapshot assigns MAX(version)+1 per document in one transaction
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//
// Load and VerifySnapshot rebuild documents from any Reader, so the
// PostgreSQL store in pgstore shares them.
package store
