// Package ir provides the shared types every weave component speaks.
//
// This package contains type definitions, canonical encoding and validation
// only. All other internal packages import ir; ir imports nothing internal.
//
// Key design constraints:
//   - NO float types anywhere - positions and config numbers are int64
//   - NO null values - an absent value is expressed by omission or a delete op
//   - All JSON tags use snake_case
//   - Ordering is by logical Stamp (clock, origin), never wall-clock time
//
// The canonical encoding (MarshalCanonical) is RFC 8785 JSON. Replica state,
// snapshot hashes and golden traces are all produced with it, so two replicas
// that observed the same operation set serialize to identical bytes.
package ir
