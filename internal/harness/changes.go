package harness

import (
	"fmt"

	"github.com/roach88/weave/internal/doc"
	"github.com/roach88/weave/internal/ir"
)

// changeFor builds the document change a step describes.
func changeFor(step Step) (doc.Change, error) {
	a := step.Args
	switch step.Do {
	case StepAddNode:
		pos, err := positionArg(a)
		if err != nil {
			return nil, err
		}
		cfg := ir.Object{}
		if raw, ok := a["config"]; ok {
			v, err := ir.FromAny(raw)
			if err != nil {
				return nil, fmt.Errorf("config: %w", err)
			}
			obj, ok := v.(ir.Object)
			if !ok {
				return nil, fmt.Errorf("config must be a mapping")
			}
			cfg = obj
		}
		return doc.AddNode{ID: optString(a, "id"), Type: optString(a, "type"), Position: pos, Config: cfg}, nil
	case StepMoveNode:
		pos, err := positionArg(a)
		if err != nil {
			return nil, err
		}
		return doc.MoveNode{ID: optString(a, "id"), Position: pos}, nil
	case StepRenameNode:
		return doc.RenameNode{ID: optString(a, "id"), Name: optString(a, "name")}, nil
	case StepSetNodeType:
		return doc.SetNodeType{ID: optString(a, "id"), Type: optString(a, "type")}, nil
	case StepSetConfig:
		v, err := valueArg(a, "value")
		if err != nil {
			return nil, err
		}
		return doc.SetNodeConfig{ID: optString(a, "id"), Key: optString(a, "key"), Value: v}, nil
	case StepDeleteConfig:
		return doc.DeleteNodeConfig{ID: optString(a, "id"), Key: optString(a, "key")}, nil
	case StepDeleteNode:
		return doc.DeleteNode{ID: optString(a, "id")}, nil
	case StepAddEdge:
		return doc.AddEdge{ID: optString(a, "id"), From: optString(a, "from"), To: optString(a, "to"), Label: optString(a, "label")}, nil
	case StepSetEdgeLabel:
		return doc.SetEdgeLabel{ID: optString(a, "id"), Label: optString(a, "label")}, nil
	case StepSetEdgeEndpoints:
		return doc.SetEdgeEndpoints{ID: optString(a, "id"), From: optString(a, "from"), To: optString(a, "to")}, nil
	case StepDeleteEdge:
		return doc.DeleteEdge{ID: optString(a, "id")}, nil
	case StepSetMeta:
		v, err := valueArg(a, "value")
		if err != nil {
			return nil, err
		}
		return doc.SetMetadata{Key: optString(a, "key"), Value: v}, nil
	case StepDeleteMeta:
		return doc.DeleteMetadata{Key: optString(a, "key")}, nil
	}
	return nil, fmt.Errorf("unknown action %q", step.Do)
}

func optString(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func intArg(args map[string]any, key string) (int64, error) {
	raw, ok := args[key]
	if !ok {
		return 0, fmt.Errorf("args.%s is required", key)
	}
	v, err := ir.FromAny(raw)
	if err != nil {
		return 0, fmt.Errorf("args.%s: %w", key, err)
	}
	n, ok := v.(ir.Int)
	if !ok {
		return 0, fmt.Errorf("args.%s must be an integer", key)
	}
	return int64(n), nil
}

func positionArg(args map[string]any) (ir.Position, error) {
	x, err := intArg(args, "x")
	if err != nil {
		return ir.Position{}, err
	}
	y, err := intArg(args, "y")
	if err != nil {
		return ir.Position{}, err
	}
	return ir.Position{X: x, Y: y}, nil
}

func valueArg(args map[string]any, key string) (ir.Value, error) {
	raw, ok := args[key]
	if !ok {
		return nil, fmt.Errorf("args.%s is required", key)
	}
	v, err := ir.FromAny(raw)
	if err != nil {
		return nil, fmt.Errorf("args.%s: %w", key, err)
	}
	return v, nil
}

func stringList(args map[string]any, key string) ([]string, error) {
	raw, ok := args[key].([]any)
	if !ok {
		return nil, fmt.Errorf("args.%s must be a list", key)
	}
	out := make([]string, 0, len(raw))
	for i, e := range raw {
		s, ok := e.(string)
		if !ok {
			return nil, fmt.Errorf("args.%s[%d] must be a string", key, i)
		}
		out = append(out, s)
	}
	return out, nil
}
