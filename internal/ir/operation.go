package ir

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Stamp is the identity and ordering key of an operation: a Lamport clock
// value paired with the id of the client that generated it.
//
// Stamps are totally ordered: higher Clock wins, ties broken by the
// lexically greater Origin. Wall-clock time never participates.
type Stamp struct {
	Clock  int64  `json:"clock"`
	Origin string `json:"origin"`
}

// IsZero reports whether the stamp was never assigned.
func (s Stamp) IsZero() bool {
	return s.Clock == 0 && s.Origin == ""
}

// Compare returns -1, 0 or +1 as s orders before, equal to or after o.
func (s Stamp) Compare(o Stamp) int {
	switch {
	case s.Clock < o.Clock:
		return -1
	case s.Clock > o.Clock:
		return 1
	}
	return strings.Compare(s.Origin, o.Origin)
}

// Less reports whether s orders strictly before o.
func (s Stamp) Less(o Stamp) bool {
	return s.Compare(o) < 0
}

func (s Stamp) String() string {
	return fmt.Sprintf("%s@%d", s.Origin, s.Clock)
}

// OpKind is the mutation kind of an operation.
type OpKind string

const (
	// KindInsert creates a node or edge with its initial record.
	KindInsert OpKind = "insert"
	// KindSet writes one field (last-writer-wins).
	KindSet OpKind = "set"
	// KindDelete tombstones a node or edge, or clears a config/metadata key.
	KindDelete OpKind = "delete"
)

// Operation is an immutable, attributable mutation record. It is the unit of
// transport, persistence in the update log, and undo.
type Operation struct {
	Origin  string `json:"origin"`
	Clock   int64  `json:"clock"`
	Target  Target `json:"target"`
	Kind    OpKind `json:"kind"`
	Payload Value  `json:"payload,omitempty"`
}

// Stamp returns the operation's identity and ordering key.
func (op Operation) Stamp() Stamp {
	return Stamp{Clock: op.Clock, Origin: op.Origin}
}

type operationJSON struct {
	Origin  string          `json:"origin"`
	Clock   int64           `json:"clock"`
	Target  Target          `json:"target"`
	Kind    OpKind          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MarshalJSON encodes the payload canonically.
func (op Operation) MarshalJSON() ([]byte, error) {
	raw := operationJSON{Origin: op.Origin, Clock: op.Clock, Target: op.Target, Kind: op.Kind}
	if op.Payload != nil {
		data, err := MarshalCanonical(op.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		raw.Payload = data
	}
	return json.Marshal(raw)
}

// UnmarshalJSON decodes the payload with strict value validation.
// It does not run Validate; decoders call that explicitly.
func (op *Operation) UnmarshalJSON(data []byte) error {
	var raw operationJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*op = Operation{Origin: raw.Origin, Clock: raw.Clock, Target: raw.Target, Kind: raw.Kind}
	if len(raw.Payload) > 0 && string(raw.Payload) != "null" {
		v, err := UnmarshalValue(raw.Payload)
		if err != nil {
			return fmt.Errorf("payload: %w", err)
		}
		op.Payload = v
	}
	return nil
}

// Validate checks that the operation is well formed: origin and clock set,
// target recognized, kind allowed for the target, payload shaped correctly.
func (op Operation) Validate() error {
	if op.Origin == "" {
		return fmt.Errorf("missing origin")
	}
	if op.Clock <= 0 {
		return fmt.Errorf("clock must be positive, got %d", op.Clock)
	}
	if err := op.Target.Validate(); err != nil {
		return err
	}
	t := op.Target
	switch op.Kind {
	case KindInsert:
		if !t.IsEntity() || t.Entity == EntityMeta {
			return fmt.Errorf("insert only applies to nodes and edges, got %s", t)
		}
		return validateInsertPayload(t.Entity, op.Payload)
	case KindDelete:
		if t.IsEntity() {
			return nil
		}
		if !t.Clearable() {
			return fmt.Errorf("field %s cannot be deleted", t)
		}
		return nil
	case KindSet:
		if t.IsEntity() && t.Entity != EntityMeta {
			return fmt.Errorf("set requires a field target, got %s", t)
		}
		return validateFieldPayload(t, op.Payload)
	default:
		return fmt.Errorf("unknown kind %q", op.Kind)
	}
}

func validateInsertPayload(entity Entity, payload Value) error {
	obj, ok := payload.(Object)
	if !ok {
		return fmt.Errorf("insert payload must be an object")
	}
	switch entity {
	case EntityNode:
		if _, ok := obj["type"].(String); !ok {
			return fmt.Errorf("node insert requires string type")
		}
		if _, err := PositionFromValue(obj["position"]); err != nil {
			return err
		}
		if cfg, present := obj["config"]; present {
			if _, ok := cfg.(Object); !ok {
				return fmt.Errorf("node config must be an object")
			}
		}
	case EntityEdge:
		from, ok1 := obj["from"].(String)
		to, ok2 := obj["to"].(String)
		if !ok1 || !ok2 || from == "" || to == "" {
			return fmt.Errorf("edge insert requires from and to")
		}
		if label, present := obj["label"]; present {
			if _, ok := label.(String); !ok {
				return fmt.Errorf("edge label must be a string")
			}
		}
	}
	return nil
}

func validateFieldPayload(t Target, payload Value) error {
	if payload == nil {
		return fmt.Errorf("set on %s requires a payload", t)
	}
	switch t.Field {
	case FieldPosition:
		_, err := PositionFromValue(payload)
		return err
	case FieldType, FieldFrom, FieldTo, FieldLabel:
		s, ok := payload.(String)
		if !ok {
			return fmt.Errorf("%s must be a string", t)
		}
		if s == "" && t.Field != FieldLabel {
			return fmt.Errorf("%s must not be empty", t)
		}
	}
	return nil
}
