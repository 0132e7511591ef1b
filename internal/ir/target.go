package ir

import (
	"fmt"
	"strings"
)

// Entity is the kind of thing an operation targets.
type Entity string

const (
	EntityNode Entity = "node"
	EntityEdge Entity = "edge"
	EntityMeta Entity = "meta"
)

// Field names addressable on nodes and edges.
const (
	FieldType     = "type"
	FieldPosition = "position"
	FieldConfig   = "config"
	FieldFrom     = "from"
	FieldTo       = "to"
	FieldLabel    = "label"
)

// Target addresses a node, an edge, a field of either, or a metadata key.
//
// Canonical string forms:
//
//	node:<id>                 node:<id>/type     node:<id>/position
//	node:<id>/config/<key>    edge:<id>          edge:<id>/from|to|label
//	meta:<key>
//
// Node and edge ids must not contain '/'. Config and metadata keys may.
type Target struct {
	Entity Entity
	ID     string
	Field  string
	Key    string
}

// NodeTarget addresses a whole node.
func NodeTarget(id string) Target { return Target{Entity: EntityNode, ID: id} }

// NodeField addresses a node field other than config.
func NodeField(id, field string) Target { return Target{Entity: EntityNode, ID: id, Field: field} }

// NodeConfig addresses one key of a node's config bag.
func NodeConfig(id, key string) Target {
	return Target{Entity: EntityNode, ID: id, Field: FieldConfig, Key: key}
}

// EdgeTarget addresses a whole edge.
func EdgeTarget(id string) Target { return Target{Entity: EntityEdge, ID: id} }

// EdgeField addresses one edge field.
func EdgeField(id, field string) Target { return Target{Entity: EntityEdge, ID: id, Field: field} }

// MetaTarget addresses one metadata key.
func MetaTarget(key string) Target { return Target{Entity: EntityMeta, ID: key} }

// IsEntity reports whether the target is a whole node/edge or a metadata key
// rather than a field.
func (t Target) IsEntity() bool {
	return t.Field == ""
}

// FieldKey is the register name of the field within its entity:
// "type", "position", "config/<key>", "from", "to" or "label".
func (t Target) FieldKey() string {
	if t.Field == FieldConfig {
		return FieldConfig + "/" + t.Key
	}
	return t.Field
}

// Clearable reports whether a delete op may clear this field.
// Required record fields cannot be cleared.
func (t Target) Clearable() bool {
	switch {
	case t.Entity == EntityMeta:
		return true
	case t.Field == FieldConfig, t.Field == FieldLabel:
		return true
	}
	return false
}

// WithID returns the target re-pointed at another entity id.
func (t Target) WithID(id string) Target {
	t.ID = id
	return t
}

func (t Target) String() string {
	var b strings.Builder
	b.WriteString(string(t.Entity))
	b.WriteByte(':')
	b.WriteString(t.ID)
	if t.Field != "" {
		b.WriteByte('/')
		b.WriteString(t.Field)
		if t.Field == FieldConfig {
			b.WriteByte('/')
			b.WriteString(t.Key)
		}
	}
	return b.String()
}

// ParseTarget parses the canonical string form.
func ParseTarget(s string) (Target, error) {
	entity, rest, ok := strings.Cut(s, ":")
	if !ok {
		return Target{}, fmt.Errorf("target %q: missing entity prefix", s)
	}
	t := Target{Entity: Entity(entity)}
	switch t.Entity {
	case EntityMeta:
		t.ID = rest
	case EntityNode, EntityEdge:
		id, field, hasField := strings.Cut(rest, "/")
		t.ID = id
		if hasField {
			if t.Entity == EntityNode && strings.HasPrefix(field, FieldConfig+"/") {
				t.Field = FieldConfig
				t.Key = strings.TrimPrefix(field, FieldConfig+"/")
			} else {
				t.Field = field
			}
		}
	default:
		return Target{}, fmt.Errorf("target %q: unknown entity %q", s, entity)
	}
	if err := t.Validate(); err != nil {
		return Target{}, err
	}
	return t, nil
}

// Validate checks the target's id and field against its entity.
func (t Target) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("target %s: empty id", t)
	}
	switch t.Entity {
	case EntityMeta:
		if t.Field != "" {
			return fmt.Errorf("target %s: metadata has no fields", t)
		}
	case EntityNode:
		if strings.Contains(t.ID, "/") {
			return fmt.Errorf("target %s: id contains '/'", t)
		}
		switch t.Field {
		case "", FieldType, FieldPosition:
		case FieldConfig:
			if t.Key == "" {
				return fmt.Errorf("target %s: empty config key", t)
			}
		default:
			return fmt.Errorf("target %s: unknown node field %q", t, t.Field)
		}
	case EntityEdge:
		if strings.Contains(t.ID, "/") {
			return fmt.Errorf("target %s: id contains '/'", t)
		}
		switch t.Field {
		case "", FieldFrom, FieldTo, FieldLabel:
		default:
			return fmt.Errorf("target %s: unknown edge field %q", t, t.Field)
		}
	default:
		return fmt.Errorf("target %s: unknown entity %q", t, t.Entity)
	}
	return nil
}

// MarshalText implements encoding.TextMarshaler so targets travel as strings.
func (t Target) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Target) UnmarshalText(data []byte) error {
	parsed, err := ParseTarget(string(data))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
