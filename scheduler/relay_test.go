package scheduler

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spoolgo/scheduler/store"
)

func newRelayStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func shellSpec(command string) *RunSpec {
	return &RunSpec{Name: "calc", Tasks: []Task{{Kind: TaskShell, Command: command}}}
}

func TestRelayCommitParentsFirst(t *testing.T) {
	st := newRelayStore(t)
	local := Identity{Kind: "terminal", Name: "t1"}

	a, err := NewRelay("a", shellSpec("true"), local)
	require.NoError(t, err)
	b, err := NewRelay("b", shellSpec("true"), local, ParentRelay(a))
	require.NoError(t, err)
	c, err := NewRelay("c", shellSpec("true"), local, ParentRelay(a), ParentRelay(b))
	require.NoError(t, err)

	id, err := c.Commit(st)
	require.NoError(t, err)
	assert.True(t, c.Committed())
	assert.Equal(t, id, c.ID())

	// parents were materialized before children
	assert.Less(t, a.ID(), b.ID())
	assert.Less(t, b.ID(), c.ID())

	row, err := st.GetRow(c.ID())
	require.NoError(t, err)
	assert.Equal(t, []int64{a.ID(), b.ID()}, row.Parents)
}

func TestRelayCommitIdempotent(t *testing.T) {
	st := newRelayStore(t)
	local := Identity{Kind: "terminal", Name: "t1"}

	a, err := NewRelay("a", shellSpec("true"), local)
	require.NoError(t, err)
	b, err := NewRelay("b", shellSpec("true"), local, ParentRelay(a))
	require.NoError(t, err)

	first, err := b.Commit(st)
	require.NoError(t, err)
	second, err := b.Commit(st)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// no extra rows appeared
	rows, err := st.GetRows(10)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestRelayRowParent(t *testing.T) {
	st := newRelayStore(t)
	local := Identity{Kind: "terminal", Name: "t1"}

	existing, err := st.CreateRow("pre", nil, nil, nil)
	require.NoError(t, err)

	r, err := NewRelay("child", shellSpec("true"), local, ParentRow(existing.ID))
	require.NoError(t, err)
	_, err = r.Commit(st)
	require.NoError(t, err)

	row, err := st.GetRow(r.ID())
	require.NoError(t, err)
	assert.Equal(t, []int64{existing.ID}, row.Parents)
}

func TestRelayDuplicateLabelRejected(t *testing.T) {
	local := Identity{Kind: "terminal", Name: "t1"}

	a, err := NewRelay("same", shellSpec("true"), local)
	require.NoError(t, err)
	_, err = NewRelay("same", shellSpec("true"), local, ParentRelay(a))
	assert.Error(t, err)

	// the same label in a disjoint graph is fine
	_, err = NewRelay("same", shellSpec("true"), local)
	assert.NoError(t, err)
}

func TestRelayCommitRejectsInvalidSpec(t *testing.T) {
	st := newRelayStore(t)
	local := Identity{Kind: "terminal", Name: "t1"}

	r, err := NewRelay("bad", &RunSpec{Name: "calc"}, local)
	require.NoError(t, err)
	_, err = r.Commit(st)
	assert.Error(t, err)
	assert.False(t, r.Committed())
}

func TestRelayStart(t *testing.T) {
	st := newRelayStore(t)
	local := Identity{Kind: "terminal", Name: "t1"}

	a, err := NewRelay("a", shellSpec("true"), local)
	require.NoError(t, err)
	b, err := NewRelay("b", shellSpec("true"), local, ParentRelay(a))
	require.NoError(t, err)

	_, err = b.Commit(st)
	require.NoError(t, err)
	require.NoError(t, b.Start(st))

	for _, node := range []*Relay{a, b} {
		status, err := node.Status(st)
		require.NoError(t, err)
		assert.Equal(t, "submit:terminal:t1", status)
	}

	// starting again leaves the submitted rows alone
	require.NoError(t, b.Start(st))
}

func TestRelayStartRequiresCommit(t *testing.T) {
	st := newRelayStore(t)
	local := Identity{Kind: "terminal", Name: "t1"}

	r, err := NewRelay("a", shellSpec("true"), local)
	require.NoError(t, err)
	assert.Error(t, r.Start(st))
}

func TestRelayCancelAll(t *testing.T) {
	st := newRelayStore(t)
	local := Identity{Kind: "terminal", Name: "t1"}

	a, err := NewRelay("a", shellSpec("true"), local)
	require.NoError(t, err)
	b, err := NewRelay("b", shellSpec("true"), local, ParentRelay(a))
	require.NoError(t, err)

	_, err = b.Commit(st)
	require.NoError(t, err)
	require.NoError(t, b.Start(st))

	require.NoError(t, b.Cancel(st, true))

	for _, node := range []*Relay{a, b} {
		status, err := node.Status(st)
		require.NoError(t, err)
		assert.Equal(t, "cancel:terminal:t1", status)
	}
}

func TestRelaySaveLoadJSON(t *testing.T) {
	st := newRelayStore(t)
	local := Identity{Kind: "terminal", Name: "t1"}

	existing, err := st.CreateRow("pre", nil, nil, nil)
	require.NoError(t, err)

	a, err := NewRelay("a", shellSpec("true"), local, ParentRow(existing.ID))
	require.NoError(t, err)
	b, err := NewRelay("b", shellSpec("true"), local, ParentRelay(a))
	require.NoError(t, err)
	b.Payload = Payload{"x": 1.0}

	_, err = b.Commit(st)
	require.NoError(t, err)

	file := filepath.Join(t.TempDir(), "relay.json")
	require.NoError(t, b.SaveJSON(file))
	_, err = os.Stat(file)
	require.NoError(t, err)

	loaded, err := LoadJSON(file)
	require.NoError(t, err)

	assert.Equal(t, "b", loaded.Label)
	assert.Equal(t, b.ID(), loaded.ID())
	assert.True(t, loaded.Committed())
	assert.Equal(t, Payload{"x": 1.0}, loaded.Payload)

	// the rebuilt graph still answers status queries
	status, err := loaded.Status(st)
	require.NoError(t, err)
	assert.Equal(t, "no status", status)

	// and its parent chain survived, row parent included
	require.Len(t, loaded.parents, 1)
	parent := loaded.parents[0].relay
	require.NotNil(t, parent)
	assert.Equal(t, "a", parent.Label)
	assert.Equal(t, a.ID(), parent.ID())
	require.Len(t, parent.parents, 1)
	assert.Equal(t, existing.ID, parent.parents[0].rowID)
}

func TestWorkflowBuild(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "workflow.yml")
	content := `runner: terminal:t1
nodes:
  - label: fetch
    run_spec:
      name: calc
      tasks:
        - kind: shell
          command: "echo fetch"
  - label: crunch
    runner: slurm:hpc
    parents: [fetch]
    run_spec:
      name: calc
      tasks:
        - kind: shell
          command: "echo crunch"
  - label: report
    parents: [crunch]
    run_spec:
      name: calc
      tasks:
        - kind: shell
          command: "echo report"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	wf, err := LoadWorkflow(path)
	require.NoError(t, err)
	assert.Len(t, wf.Nodes, 3)

	sinks, err := wf.Build()
	require.NoError(t, err)
	require.Len(t, sinks, 1)
	sink := sinks[0]
	assert.Equal(t, "report", sink.Label)
	assert.Equal(t, Identity{Kind: "terminal", Name: "t1"}, sink.Runner)

	require.Len(t, sink.parents, 1)
	crunch := sink.parents[0].relay
	require.NotNil(t, crunch)
	assert.Equal(t, Identity{Kind: "slurm", Name: "hpc"}, crunch.Runner)
}

func TestWorkflowBuildErrors(t *testing.T) {
	t.Run("unknown parent", func(t *testing.T) {
		wf := &Workflow{
			Runner: "terminal:t1",
			Nodes: []WorkflowNode{
				{Label: "a", Parents: []string{"nope"}, RunSpec: shellSpec("true")},
			},
		}
		_, err := wf.Build()
		assert.Error(t, err)
	})

	t.Run("numeric parent is a row id", func(t *testing.T) {
		wf := &Workflow{
			Runner: "terminal:t1",
			Nodes: []WorkflowNode{
				{Label: "a", Parents: []string{"42"}, RunSpec: shellSpec("true")},
			},
		}
		sinks, err := wf.Build()
		require.NoError(t, err)
		require.Len(t, sinks, 1)
		assert.Equal(t, int64(42), sinks[0].parents[0].rowID)
	})

	t.Run("missing runner", func(t *testing.T) {
		wf := &Workflow{
			Nodes: []WorkflowNode{{Label: "a", RunSpec: shellSpec("true")}},
		}
		_, err := wf.Build()
		assert.Error(t, err)
	})

	t.Run("duplicate label", func(t *testing.T) {
		wf := &Workflow{
			Runner: "terminal:t1",
			Nodes: []WorkflowNode{
				{Label: "a", RunSpec: shellSpec("true")},
				{Label: "a", RunSpec: shellSpec("true")},
			},
		}
		_, err := wf.Build()
		assert.Error(t, err)
	})
}
