package harness

import (
	"bytes"
	"fmt"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario is a scripted multi-replica editing session. Steps run in order
// against in-process replicas joined by a simulated relay; assertions check
// the replicas afterwards.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Doc is the document id. Defaults to "scenario".
	Doc string `yaml:"doc,omitempty"`

	// Replicas lists the client ids taking part, all online at start.
	Replicas []string `yaml:"replicas"`

	// Seed fixes the delivery order of shuffled syncs.
	Seed uint64 `yaml:"seed,omitempty"`

	// Presence overrides the presence timing used by every replica.
	Presence *PresenceSettings `yaml:"presence,omitempty"`

	// Steps are the edits, syncs and clock moves to perform.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final replicas.
	Assertions []Assertion `yaml:"assertions"`
}

// PresenceSettings are durations in Go syntax ("3s", "50ms").
type PresenceSettings struct {
	Heartbeat         string `yaml:"heartbeat,omitempty"`
	TimeoutMultiplier int    `yaml:"timeout_multiplier,omitempty"`
	CursorThrottle    string `yaml:"cursor_throttle,omitempty"`
}

// Step is one scenario action.
type Step struct {
	// Do names the action; see the Step* constants.
	Do string `yaml:"do"`

	// Replica performs the action. Required for everything except sync and
	// advance.
	Replica string `yaml:"replica,omitempty"`

	// Replicas narrows a sync to these replicas. Default: all online.
	Replicas []string `yaml:"replicas,omitempty"`

	// Args carries the action's parameters.
	Args map[string]any `yaml:"args,omitempty"`

	// Shuffle delivers a sync's operations in seeded random order.
	Shuffle bool `yaml:"shuffle,omitempty"`

	// Duplicate delivers every operation of a sync twice.
	Duplicate bool `yaml:"duplicate,omitempty"`

	// Fails marks a local change that must be rejected.
	Fails bool `yaml:"fails,omitempty"`
}

// Step actions.
const (
	StepAddNode          = "add_node"
	StepMoveNode         = "move_node"
	StepRenameNode       = "rename_node"
	StepSetNodeType      = "set_node_type"
	StepSetConfig        = "set_config"
	StepDeleteConfig     = "delete_config"
	StepDeleteNode       = "delete_node"
	StepAddEdge          = "add_edge"
	StepSetEdgeLabel     = "set_edge_label"
	StepSetEdgeEndpoints = "set_edge_endpoints"
	StepDeleteEdge       = "delete_edge"
	StepSetMeta          = "set_meta"
	StepDeleteMeta       = "delete_meta"
	StepUndo             = "undo"
	StepRedo             = "redo"
	StepSave             = "save"
	StepRestore          = "restore"
	StepOffline          = "offline"
	StepOnline           = "online"
	StepSync             = "sync"
	StepHeartbeat        = "heartbeat"
	StepSelect           = "select"
	StepCursor           = "cursor"
	StepLeave            = "leave"
	StepAdvance          = "advance"
)

// changeSteps are the actions that edit the document.
var changeSteps = []string{
	StepAddNode, StepMoveNode, StepRenameNode, StepSetNodeType, StepSetConfig,
	StepDeleteConfig, StepDeleteNode, StepAddEdge, StepSetEdgeLabel,
	StepSetEdgeEndpoints, StepDeleteEdge, StepSetMeta, StepDeleteMeta,
}

// replicaSteps are the actions performed by one named replica.
var replicaSteps = append(slices.Clone(changeSteps),
	StepUndo, StepRedo, StepSave, StepRestore, StepOffline, StepOnline,
	StepHeartbeat, StepSelect, StepCursor, StepLeave,
)

// Assertion validates the replicas after the last step.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Replica is the replica inspected. Default: the first one listed.
	Replica string `yaml:"replica,omitempty"`

	// Replicas are compared by converged. Default: all.
	Replicas []string `yaml:"replicas,omitempty"`

	// ID is the node, edge or peer inspected.
	ID string `yaml:"id,omitempty"`

	// Key is the metadata key inspected.
	Key string `yaml:"key,omitempty"`

	// Absent expects the node, edge or key not to exist.
	Absent bool `yaml:"absent,omitempty"`

	// Expect holds expected fields. Subset match.
	Expect map[string]any `yaml:"expect,omitempty"`

	// Value is the expected metadata value.
	Value any `yaml:"value,omitempty"`

	// Nodes and Edges are expected counts.
	Nodes *int `yaml:"nodes,omitempty"`
	Edges *int `yaml:"edges,omitempty"`

	// Peers is the expected live peer set, in any order.
	Peers []string `yaml:"peers,omitempty"`

	// Targets are the expected conflicts of the last restore.
	Targets []string `yaml:"targets,omitempty"`
}

// Assertion types.
const (
	AssertConverged = "converged"
	AssertNode      = "node"
	AssertEdge      = "edge"
	AssertMeta      = "meta"
	AssertCount     = "count"
	AssertPeers     = "peers"
	AssertPeer      = "peer"
	AssertHistory   = "history"
	AssertConflicts = "conflicts"
)

// LoadScenario reads and parses a scenario YAML file.
// Unknown fields are rejected so typos fail loudly.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Replicas) == 0 {
		return fmt.Errorf("replicas list is required and must be non-empty")
	}
	known := make(map[string]bool, len(s.Replicas))
	for _, r := range s.Replicas {
		if r == "" {
			return fmt.Errorf("replica ids must be non-empty")
		}
		if known[r] {
			return fmt.Errorf("duplicate replica %q", r)
		}
		known[r] = true
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	if p := s.Presence; p != nil {
		for _, d := range []string{p.Heartbeat, p.CursorThrottle} {
			if d == "" {
				continue
			}
			if _, err := time.ParseDuration(d); err != nil {
				return fmt.Errorf("presence: %w", err)
			}
		}
		if p.TimeoutMultiplier != 0 && p.TimeoutMultiplier < 2 {
			return fmt.Errorf("presence: timeout_multiplier must be at least 2")
		}
	}

	for i, step := range s.Steps {
		if err := validateStep(i, step, known); err != nil {
			return err
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, a, known); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, step Step, known map[string]bool) error {
	switch {
	case step.Do == "":
		return fmt.Errorf("steps[%d]: do is required", index)
	case slices.Contains(replicaSteps, step.Do):
		if !known[step.Replica] {
			return fmt.Errorf("steps[%d]: %s needs a known replica, got %q", index, step.Do, step.Replica)
		}
	case step.Do == StepSync:
		for _, r := range step.Replicas {
			if !known[r] {
				return fmt.Errorf("steps[%d]: unknown replica %q", index, r)
			}
		}
	case step.Do == StepAdvance:
		by, _ := step.Args["by"].(string)
		if _, err := time.ParseDuration(by); err != nil {
			return fmt.Errorf("steps[%d]: advance needs args.by as a duration: %w", index, err)
		}
	default:
		return fmt.Errorf("steps[%d]: unknown action %q", index, step.Do)
	}
	if step.Fails && !slices.Contains(changeSteps, step.Do) && step.Do != StepUndo && step.Do != StepRedo {
		return fmt.Errorf("steps[%d]: fails applies only to edits, undo and redo", index)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a Assertion, known map[string]bool) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}
	if a.Replica != "" && !known[a.Replica] {
		return fmt.Errorf("assertions[%d]: unknown replica %q", index, a.Replica)
	}
	switch a.Type {
	case AssertConverged:
		for _, r := range a.Replicas {
			if !known[r] {
				return fmt.Errorf("assertions[%d]: unknown replica %q", index, r)
			}
		}
	case AssertNode, AssertEdge, AssertPeer:
		if a.ID == "" {
			return fmt.Errorf("assertions[%d]: id is required for %s", index, a.Type)
		}
		if !a.Absent && len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect or absent is required for %s", index, a.Type)
		}
	case AssertMeta:
		if a.Key == "" {
			return fmt.Errorf("assertions[%d]: key is required for meta", index)
		}
		if !a.Absent && a.Value == nil {
			return fmt.Errorf("assertions[%d]: value or absent is required for meta", index)
		}
	case AssertCount:
		if a.Nodes == nil && a.Edges == nil {
			return fmt.Errorf("assertions[%d]: nodes or edges is required for count", index)
		}
	case AssertPeers, AssertConflicts:
	case AssertHistory:
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for history", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
