package scheduler

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"

	"spoolgo/scheduler/store"
)

// Parent references either another Relay node or an already-persisted row.
type Parent struct {
	relay *Relay
	rowID int64
}

// ParentRelay makes a parent reference to another relay node.
func ParentRelay(r *Relay) Parent { return Parent{relay: r} }

// ParentRow makes a parent reference to an existing row id.
func ParentRow(id int64) Parent { return Parent{rowID: id} }

// Relay records one planned row of a workflow graph. Nodes form a DAG by
// construction: a node can only reference already-constructed relays as
// parents. The graph lives in memory until Commit materializes every node
// as a row, and Start flips the materialized rows to submit.
//
// A relay is never mutated after commit.
type Relay struct {
	Label   string
	Runner  Identity
	Spec    *RunSpec
	Payload Payload

	parents   []Parent
	token     string // pre-commit identity, unique per node
	id        int64
	committed bool
}

// NewRelay records a workflow node. The label must be unique within the
// graph reachable through parents.
func NewRelay(label string, spec *RunSpec, runner Identity, parents ...Parent) (*Relay, error) {
	r := &Relay{
		Label:   label,
		Runner:  runner,
		Spec:    spec,
		token:   uuid.NewString(),
		parents: parents,
	}

	if label != "" {
		for _, node := range r.ancestors() {
			if node != r && node.Label == label {
				return nil, fmt.Errorf("label %q already used in this graph", label)
			}
		}
	}
	return r, nil
}

// ID returns the row id assigned at commit, or 0 before commit.
func (r *Relay) ID() int64 { return r.id }

// Committed reports whether the relay has been materialized.
func (r *Relay) Committed() bool { return r.committed }

// Commit materializes the graph into the store, parents before children,
// substituting resolved row ids for parent relay references. Each node
// commits exactly once: a second call is a no-op returning the previously
// assigned id.
func (r *Relay) Commit(st *store.Store) (int64, error) {
	parentIDs := make([]int64, 0, len(r.parents))
	for _, parent := range r.parents {
		if parent.relay != nil {
			id, err := parent.relay.Commit(st)
			if err != nil {
				return 0, err
			}
			parentIDs = append(parentIDs, id)
		} else {
			parentIDs = append(parentIDs, parent.rowID)
		}
	}

	if r.committed {
		return r.id, nil
	}

	var specJSON, payloadJSON json.RawMessage
	if r.Spec != nil {
		if err := r.Spec.Validate(); err != nil {
			return 0, err
		}
		raw, err := r.Spec.Encode()
		if err != nil {
			return 0, err
		}
		specJSON = raw
	}
	if r.Payload != nil {
		raw, err := json.Marshal(r.Payload)
		if err != nil {
			return 0, fmt.Errorf("failed to encode payload: %w", err)
		}
		payloadJSON = raw
	}

	row, err := st.CreateRow(r.Label, parentIDs, payloadJSON, specJSON)
	if err != nil {
		return 0, err
	}
	r.id = row.ID
	r.committed = true
	return r.id, nil
}

// Start submits every materialized row of the graph, parents first. Rows
// already submitted, running, or being cancelled are left alone; rows with
// parents stay blocked by the runner's dependency check until those
// parents are done.
func (r *Relay) Start(st *store.Store) error {
	if !r.committed {
		return fmt.Errorf("relay %q not committed", r.Label)
	}

	for _, parent := range r.parents {
		if parent.relay != nil {
			if err := parent.relay.Start(st); err != nil {
				return err
			}
		}
	}

	status, err := StatusOf(st, r.id)
	if err != nil {
		return err
	}
	parsed, _ := ParseStatus(statusOrEmpty(status))
	switch parsed.Phase {
	case PhaseSubmit, PhaseRunning, PhaseCancel, PhaseDone:
		return nil
	}
	return SubmitRow(st, r.id, r.Runner)
}

// Cancel flips the relay's row to cancel, and with all set, every
// submitted or running ancestor too.
func (r *Relay) Cancel(st *store.Store, all bool) error {
	if !r.committed {
		return fmt.Errorf("relay %q not committed", r.Label)
	}

	nodes := []*Relay{r}
	if all {
		nodes = r.ancestors()
	}
	for _, node := range nodes {
		if !node.committed {
			continue
		}
		status, err := StatusOf(st, node.id)
		if err != nil {
			return err
		}
		parsed, _ := ParseStatus(statusOrEmpty(status))
		if parsed.Phase == PhaseSubmit || parsed.Phase == PhaseRunning {
			if err := CancelRow(st, node.id); err != nil {
				return err
			}
		}
	}
	return nil
}

// Status returns the composite status of the relay's row.
func (r *Relay) Status(st *store.Store) (string, error) {
	if !r.committed {
		return "", fmt.Errorf("relay %q not committed", r.Label)
	}
	return StatusOf(st, r.id)
}

// ancestors collects the whole graph reachable from r, r included.
func (r *Relay) ancestors() []*Relay {
	seen := map[string]*Relay{}
	r.spider(seen)
	out := make([]*Relay, 0, len(seen))
	for _, node := range seen {
		out = append(out, node)
	}
	return out
}

func (r *Relay) spider(seen map[string]*Relay) {
	if _, ok := seen[r.token]; ok {
		return
	}
	seen[r.token] = r
	for _, parent := range r.parents {
		if parent.relay != nil {
			parent.relay.spider(seen)
		}
	}
}

// relayDoc is the JSON form of a relay graph.
type relayDoc struct {
	Root  string             `json:"root"`
	Nodes map[string]nodeDoc `json:"nodes"`
}

type nodeDoc struct {
	Label     string   `json:"label"`
	Runner    string   `json:"runner,omitempty"`
	Spec      *RunSpec `json:"run_spec,omitempty"`
	Payload   Payload  `json:"payload,omitempty"`
	Parents   []string `json:"parents"` // node tokens
	ParentIDs []int64  `json:"parent_ids"`
	ID        int64    `json:"id,omitempty"`
	Committed bool     `json:"committed"`
}

// SaveJSON writes the relay graph to a file, so a workflow can be rebuilt
// and monitored later without the constructing process.
func (r *Relay) SaveJSON(filename string) error {
	doc := relayDoc{Root: r.token, Nodes: map[string]nodeDoc{}}
	for _, node := range r.ancestors() {
		nd := nodeDoc{
			Label:     node.Label,
			Spec:      node.Spec,
			Payload:   node.Payload,
			ID:        node.id,
			Committed: node.committed,
			Parents:   []string{},
			ParentIDs: []int64{},
		}
		if node.Runner != (Identity{}) {
			nd.Runner = node.Runner.String()
		}
		for _, parent := range node.parents {
			if parent.relay != nil {
				nd.Parents = append(nd.Parents, parent.relay.token)
			} else {
				nd.ParentIDs = append(nd.ParentIDs, parent.rowID)
			}
		}
		doc.Nodes[node.token] = nd
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode relay: %w", err)
	}
	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write relay: %w", err)
	}
	return nil
}

// LoadJSON rebuilds a relay graph saved with SaveJSON.
func LoadJSON(filename string) (*Relay, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read relay: %w", err)
	}
	var doc relayDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode relay: %w", err)
	}

	nodes := map[string]*Relay{}
	var build func(token string) (*Relay, error)
	build = func(token string) (*Relay, error) {
		if node, ok := nodes[token]; ok {
			return node, nil
		}
		nd, ok := doc.Nodes[token]
		if !ok {
			return nil, fmt.Errorf("relay file references unknown node %s", token)
		}

		node := &Relay{
			Label:     nd.Label,
			Spec:      nd.Spec,
			Payload:   nd.Payload,
			token:     token,
			id:        nd.ID,
			committed: nd.Committed,
		}
		if nd.Runner != "" {
			identity, err := ParseIdentity(nd.Runner)
			if err != nil {
				return nil, err
			}
			node.Runner = identity
		}
		nodes[token] = node

		for _, parentToken := range nd.Parents {
			parent, err := build(parentToken)
			if err != nil {
				return nil, err
			}
			node.parents = append(node.parents, ParentRelay(parent))
		}
		for _, parentID := range nd.ParentIDs {
			node.parents = append(node.parents, ParentRow(parentID))
		}
		return node, nil
	}

	return build(doc.Root)
}

func statusOrEmpty(status string) string {
	if status == "no status" {
		return ""
	}
	return status
}
