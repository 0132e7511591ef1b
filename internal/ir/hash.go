package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity.
// Version suffix enables future algorithm migration.
const (
	DomainState     = "weave/state/v1"
	DomainOperation = "weave/operation/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
// The null byte prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// StateHash returns the content hash of a canonical replica state.
// Two replicas converged on the same operation set have equal hashes.
func StateHash(canonicalState []byte) string {
	return hashWithDomain(DomainState, canonicalState)
}

// OperationHash computes a content hash over the full operation, payload
// included. Two frames carrying the same (origin, clock) but different
// content hash differently, which is how replay detects a corrupted log.
func OperationHash(op Operation) (string, error) {
	obj := Object{
		"origin": String(op.Origin),
		"clock":  Int(op.Clock),
		"target": String(op.Target.String()),
		"kind":   String(op.Kind),
	}
	if op.Payload != nil {
		obj["payload"] = op.Payload
	}
	data, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("OperationHash: %w", err)
	}
	return hashWithDomain(DomainOperation, data), nil
}
