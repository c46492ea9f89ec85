package scheduler

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// WorkflowNode is one planned row in a workflow file. Parents reference
// earlier nodes by label, or existing rows by numeric id.
type WorkflowNode struct {
	Label   string                 `yaml:"label"`
	Runner  string                 `yaml:"runner,omitempty"`
	Parents []string               `yaml:"parents,omitempty"`
	Payload map[string]interface{} `yaml:"payload,omitempty"`
	RunSpec *RunSpec               `yaml:"run_spec"`
}

// Workflow is a declarative multi-row DAG definition.
type Workflow struct {
	Runner string         `yaml:"runner"`
	Nodes  []WorkflowNode `yaml:"nodes"`
}

// LoadWorkflow loads a workflow definition from a YAML file.
func LoadWorkflow(path string) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow: %w", err)
	}
	var wf Workflow
	if err := yaml.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("failed to parse workflow: %w", err)
	}
	if len(wf.Nodes) == 0 {
		return nil, fmt.Errorf("workflow has no nodes")
	}
	return &wf, nil
}

// Build turns the workflow into a relay graph and returns its sinks (the
// nodes no other node depends on). Committing and starting the sinks
// covers the whole graph.
func (w *Workflow) Build() ([]*Relay, error) {
	defaultRunner := Identity{}
	if w.Runner != "" {
		identity, err := ParseIdentity(w.Runner)
		if err != nil {
			return nil, err
		}
		defaultRunner = identity
	}

	byLabel := map[string]*Relay{}
	isParent := map[string]bool{}

	for _, node := range w.Nodes {
		if node.Label == "" {
			return nil, fmt.Errorf("workflow node without label")
		}
		if _, ok := byLabel[node.Label]; ok {
			return nil, fmt.Errorf("duplicate workflow label %q", node.Label)
		}

		runner := defaultRunner
		if node.Runner != "" {
			identity, err := ParseIdentity(node.Runner)
			if err != nil {
				return nil, err
			}
			runner = identity
		}
		if runner == (Identity{}) {
			return nil, fmt.Errorf("node %q has no runner and the workflow sets no default", node.Label)
		}

		parents := make([]Parent, 0, len(node.Parents))
		for _, ref := range node.Parents {
			if parent, ok := byLabel[ref]; ok {
				parents = append(parents, ParentRelay(parent))
				isParent[ref] = true
				continue
			}
			rowID, err := strconv.ParseInt(ref, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("node %q: parent %q is neither an earlier label nor a row id", node.Label, ref)
			}
			parents = append(parents, ParentRow(rowID))
		}

		if node.RunSpec != nil {
			if err := node.RunSpec.Validate(); err != nil {
				return nil, fmt.Errorf("node %q: %w", node.Label, err)
			}
		}

		relay, err := NewRelay(node.Label, node.RunSpec, runner, parents...)
		if err != nil {
			return nil, err
		}
		if node.Payload != nil {
			relay.Payload = Payload(node.Payload)
		}
		byLabel[node.Label] = relay
	}

	var sinks []*Relay
	for _, node := range w.Nodes {
		if !isParent[node.Label] {
			sinks = append(sinks, byLabel[node.Label])
		}
	}
	return sinks, nil
}
