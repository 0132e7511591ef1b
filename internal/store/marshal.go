package store

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/weave/internal/ir"
)

// MarshalPayload converts an operation payload to canonical JSON TEXT.
// A nil payload (deletes) is stored as SQL NULL.
func MarshalPayload(v ir.Value) (*string, error) {
	if v == nil {
		return nil, nil
	}
	data, err := ir.MarshalCanonical(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	s := string(data)
	return &s, nil
}

// UnmarshalPayload parses a stored payload. Uses ir.UnmarshalValue so large
// integers survive and floats are rejected.
func UnmarshalPayload(data *string) (ir.Value, error) {
	if data == nil {
		return nil, nil
	}
	v, err := ir.UnmarshalValue([]byte(*data))
	if err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return v, nil
}

// MarshalSummary converts a state vector to JSON TEXT.
// encoding/json sorts map keys, so the output is deterministic.
func MarshalSummary(s ir.Summary) (string, error) {
	if s == nil {
		s = ir.Summary{}
	}
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("marshal summary: %w", err)
	}
	return string(data), nil
}

// UnmarshalSummary parses a stored state vector.
func UnmarshalSummary(data string) (ir.Summary, error) {
	s := ir.Summary{}
	if data == "" || data == "{}" {
		return s, nil
	}
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return nil, fmt.Errorf("unmarshal summary: %w", err)
	}
	return s, nil
}

// DecodeOperation rebuilds an operation from its stored columns and checks
// it against the stored hash, so a row altered on disk is reported instead
// of merged.
func DecodeOperation(origin string, clock int64, target, kind string, payload *string, hash string) (ir.Operation, error) {
	t, err := ir.ParseTarget(target)
	if err != nil {
		return ir.Operation{}, fmt.Errorf("decode operation %s@%d: %w", origin, clock, err)
	}
	v, err := UnmarshalPayload(payload)
	if err != nil {
		return ir.Operation{}, fmt.Errorf("decode operation %s@%d: %w", origin, clock, err)
	}
	op := ir.Operation{Origin: origin, Clock: clock, Target: t, Kind: ir.OpKind(kind), Payload: v}
	got, err := ir.OperationHash(op)
	if err != nil {
		return ir.Operation{}, fmt.Errorf("decode operation %s@%d: %w", origin, clock, err)
	}
	if got != hash {
		return ir.Operation{}, fmt.Errorf("decode operation %s@%d: %w", origin, clock, ErrCorrupt)
	}
	return op, nil
}
