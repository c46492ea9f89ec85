package scheduler

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spoolgo/scheduler/store"
)

// stubBackend runs submitted jobs synchronously through the engine, so a
// Tick after submission always finds a finished job. Polling reads the
// status file the engine left behind.
type stubBackend struct {
	engine *Engine

	mu          sync.Mutex
	submits     int
	cancelled   []string
	unavailable bool
}

func (b *stubBackend) Submit(workdir string, spec *RunSpec) (string, string, error) {
	b.mu.Lock()
	if b.unavailable {
		b.mu.Unlock()
		return "", "backend down\n", ErrBackendUnavailable
	}
	b.submits++
	n := b.submits
	b.mu.Unlock()

	_, _, _ = b.engine.Execute(workdir)
	return fmt.Sprintf("stub-%d", n), "submitted\n", nil
}

func (b *stubBackend) Poll(workdir, handle string) (BackendState, string, error) {
	status, err := readStatusFile(workdir)
	if err != nil {
		return StatePending, "", err
	}
	switch status {
	case "done":
		return StateDone, "finished\n", nil
	case "failed":
		return StateFailed, "run failed\n", nil
	default:
		return StateRunning, "", nil
	}
}

func (b *stubBackend) Cancel(handle string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancelled = append(b.cancelled, handle)
	return nil
}

func (b *stubBackend) submitCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.submits
}

func newTestRunner(t *testing.T, st *store.Store, name string, mutate func(*Config)) (*Runner, *stubBackend) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.RunFolder = t.TempDir()
	if mutate != nil {
		mutate(&cfg)
	}
	r, err := New(st, Identity{Kind: "terminal", Name: name}, cfg)
	require.NoError(t, err)

	b := &stubBackend{engine: r.Engine()}
	r.SetBackend(b)
	return r, b
}

func createSubmittedRow(t *testing.T, st *store.Store, runner Identity, spec *RunSpec, payload Payload, parents []int64) int64 {
	t.Helper()
	var specJSON, payloadJSON json.RawMessage
	if spec != nil {
		raw, err := spec.Encode()
		require.NoError(t, err)
		specJSON = raw
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		payloadJSON = raw
	}
	row, err := st.CreateRow("", parents, payloadJSON, specJSON)
	require.NoError(t, err)
	require.NoError(t, SubmitRow(st, row.ID, runner))
	return row.ID
}

func rowStatus(t *testing.T, st *store.Store, id int64) string {
	t.Helper()
	row, err := st.GetRow(id)
	require.NoError(t, err)
	return row.Status
}

func TestRunnerShellRowToDone(t *testing.T) {
	st := newRelayStore(t)
	r, b := newTestRunner(t, st, "t1", nil)

	spec := &RunSpec{Name: "calc", Tasks: []Task{{Kind: TaskShell, Command: "echo ok"}}}
	id := createSubmittedRow(t, st, r.Identity, spec, Payload{"x": 1.0}, nil)

	// first cycle claims and submits
	r.Tick()
	assert.Equal(t, "running:terminal:t1", rowStatus(t, st, id))
	assert.Equal(t, 1, b.submitCount())

	row, err := st.GetRow(id)
	require.NoError(t, err)
	assert.Equal(t, "stub-1", row.JobID)

	// second cycle observes the finished job
	r.Tick()
	assert.Equal(t, "done:terminal:t1", rowStatus(t, st, id))

	// the run's payload survived the finalization merge
	row, err = st.GetRow(id)
	require.NoError(t, err)
	payload, err := DecodePayload(row.Payload)
	require.NoError(t, err)
	assert.Equal(t, 1.0, payload["x"])

	// the working directory is gone on success
	assert.NoDirExists(t, r.Engine().Workdir(id))
}

func TestRunnerScriptedRowMergesResult(t *testing.T) {
	st := newRelayStore(t)
	r, _ := newTestRunner(t, st, "t1", nil)
	r.SetLoader(&StubLoader{Funcs: map[string]ScriptFunc{
		"double.py": func(dir string, inputs []Payload, params map[string]interface{}) (Payload, error) {
			x := inputs[0]["x"].(float64)
			return Payload{"doubled": x * 2}, nil
		},
	}})

	spec := &RunSpec{Name: "calc", Tasks: []Task{{Kind: TaskScripted, Command: "double.py"}}}
	id := createSubmittedRow(t, st, r.Identity, spec, Payload{"x": 21.0}, nil)

	r.Tick()
	r.Tick()
	assert.Equal(t, "done:terminal:t1", rowStatus(t, st, id))

	row, err := st.GetRow(id)
	require.NoError(t, err)
	payload, err := DecodePayload(row.Payload)
	require.NoError(t, err)
	assert.Equal(t, 42.0, payload["doubled"])
	assert.Equal(t, 21.0, payload["x"])
}

func TestRunnerFailedRowKeepsWorkdir(t *testing.T) {
	st := newRelayStore(t)
	r, _ := newTestRunner(t, st, "t1", nil)

	spec := &RunSpec{Name: "calc", Tasks: []Task{{Kind: TaskShell, Command: "exit 7"}}}
	id := createSubmittedRow(t, st, r.Identity, spec, nil, nil)

	r.Tick()
	r.Tick()
	assert.Equal(t, "failed:terminal:t1", rowStatus(t, st, id))
	assert.DirExists(t, r.Engine().Workdir(id))
}

func TestRunnerParentGating(t *testing.T) {
	st := newRelayStore(t)
	r, _ := newTestRunner(t, st, "t1", nil)
	r.SetLoader(&StubLoader{Funcs: map[string]ScriptFunc{
		"produce.py": func(dir string, inputs []Payload, params map[string]interface{}) (Payload, error) {
			return Payload{"value": 10.0}, nil
		},
		"consume.py": func(dir string, inputs []Payload, params map[string]interface{}) (Payload, error) {
			// own payload first, then the parent's
			return Payload{"sum": inputs[0]["base"].(float64) + inputs[1]["value"].(float64)}, nil
		},
	}})

	parentSpec := &RunSpec{Name: "calc", Tasks: []Task{{Kind: TaskScripted, Command: "produce.py"}}}
	childSpec := &RunSpec{Name: "calc", Tasks: []Task{{Kind: TaskScripted, Command: "consume.py"}}}

	parentID := createSubmittedRow(t, st, r.Identity, parentSpec, nil, nil)
	childID := createSubmittedRow(t, st, r.Identity, childSpec, Payload{"base": 5.0}, []int64{parentID})

	// the child stays submitted while its parent is incomplete
	r.Tick()
	assert.Equal(t, "running:terminal:t1", rowStatus(t, st, parentID))
	assert.Equal(t, "submit:terminal:t1", rowStatus(t, st, childID))

	// parent finalizes, child gets claimed with the parent's payload
	r.Tick()
	assert.Equal(t, "done:terminal:t1", rowStatus(t, st, parentID))
	assert.Equal(t, "running:terminal:t1", rowStatus(t, st, childID))

	r.Tick()
	assert.Equal(t, "done:terminal:t1", rowStatus(t, st, childID))

	row, err := st.GetRow(childID)
	require.NoError(t, err)
	payload, err := DecodePayload(row.Payload)
	require.NoError(t, err)
	assert.Equal(t, 15.0, payload["sum"])
}

func TestRunnerParentFailurePolicies(t *testing.T) {
	spec := &RunSpec{Name: "calc", Tasks: []Task{{Kind: TaskShell, Command: "true"}}}

	t.Run("wait keeps the child submitted", func(t *testing.T) {
		st := newRelayStore(t)
		r, b := newTestRunner(t, st, "t1", nil)

		parent, err := st.CreateRow("", nil, nil, nil)
		require.NoError(t, err)
		require.NoError(t, st.SetStatus(parent.ID, "failed:terminal:t1"))

		childID := createSubmittedRow(t, st, r.Identity, spec, nil, []int64{parent.ID})
		r.Tick()
		assert.Equal(t, "submit:terminal:t1", rowStatus(t, st, childID))
		assert.Equal(t, 0, b.submitCount())
	})

	t.Run("fail propagates to the child", func(t *testing.T) {
		st := newRelayStore(t)
		r, b := newTestRunner(t, st, "t1", func(cfg *Config) {
			cfg.OnParentFailure = ParentFailureFail
		})

		parent, err := st.CreateRow("", nil, nil, nil)
		require.NoError(t, err)
		require.NoError(t, st.SetStatus(parent.ID, "failed:terminal:t1"))

		childID := createSubmittedRow(t, st, r.Identity, spec, nil, []int64{parent.ID})
		r.Tick()
		assert.Equal(t, "failed:terminal:t1", rowStatus(t, st, childID))
		assert.Equal(t, 0, b.submitCount())

		row, err := st.GetRow(childID)
		require.NoError(t, err)
		assert.Contains(t, row.Log, "Parent")
	})
}

func TestRunnerCancel(t *testing.T) {
	st := newRelayStore(t)
	r, b := newTestRunner(t, st, "t1", nil)

	spec := &RunSpec{Name: "calc", Tasks: []Task{{Kind: TaskShell, Command: "echo ok"}}}
	id := createSubmittedRow(t, st, r.Identity, spec, nil, nil)

	r.Tick()
	assert.Equal(t, "running:terminal:t1", rowStatus(t, st, id))

	require.NoError(t, CancelRow(st, id))
	assert.Equal(t, "cancel:terminal:t1", rowStatus(t, st, id))

	r.Tick()
	assert.Equal(t, "failed:terminal:t1", rowStatus(t, st, id))
	assert.Equal(t, []string{"stub-1"}, b.cancelled)

	row, err := st.GetRow(id)
	require.NoError(t, err)
	assert.Contains(t, row.Log, "Cancelled by user")
}

func TestRunnerCancelBeforeSubmission(t *testing.T) {
	st := newRelayStore(t)
	r, b := newTestRunner(t, st, "t1", nil)

	spec := &RunSpec{Name: "calc", Tasks: []Task{{Kind: TaskShell, Command: "echo ok"}}}
	id := createSubmittedRow(t, st, r.Identity, spec, nil, nil)
	require.NoError(t, CancelRow(st, id))

	r.Tick()
	assert.Equal(t, "failed:terminal:t1", rowStatus(t, st, id))
	assert.Empty(t, b.cancelled)
	assert.Equal(t, 0, b.submitCount())

	row, err := st.GetRow(id)
	require.NoError(t, err)
	assert.Contains(t, row.Log, "no job was running")
}

func TestRunnerClaimRace(t *testing.T) {
	st := newRelayStore(t)
	r1, b1 := newTestRunner(t, st, "race", nil)
	r2, b2 := newTestRunner(t, st, "race", nil)

	spec := &RunSpec{Name: "calc", Tasks: []Task{{Kind: TaskShell, Command: "echo ok"}}}
	createSubmittedRow(t, st, r1.Identity, spec, nil, nil)

	var wg sync.WaitGroup
	for _, r := range []*Runner{r1, r2} {
		wg.Add(1)
		go func(r *Runner) {
			defer wg.Done()
			r.Tick()
		}(r)
	}
	wg.Wait()

	// exactly one of the two claimed and executed the row
	assert.Equal(t, 1, b1.submitCount()+b2.submitCount())
}

func TestRunnerRestartResumesMonitoring(t *testing.T) {
	st := newRelayStore(t)
	shared := t.TempDir()

	r1, b1 := newTestRunner(t, st, "t1", func(cfg *Config) { cfg.RunFolder = shared })
	spec := &RunSpec{Name: "calc", Tasks: []Task{{Kind: TaskShell, Command: "echo ok"}}}
	id := createSubmittedRow(t, st, r1.Identity, spec, nil, nil)

	r1.Tick()
	assert.Equal(t, "running:terminal:t1", rowStatus(t, st, id))

	// a fresh runner over the same store and run folder picks the row up
	// from where the store says it is, without resubmitting
	r2, b2 := newTestRunner(t, st, "t1", func(cfg *Config) { cfg.RunFolder = shared })
	r2.Tick()
	assert.Equal(t, "done:terminal:t1", rowStatus(t, st, id))
	assert.Equal(t, 1, b1.submitCount())
	assert.Equal(t, 0, b2.submitCount())
}

func TestRunnerBackendUnavailableRetries(t *testing.T) {
	st := newRelayStore(t)
	r, b := newTestRunner(t, st, "t1", nil)
	b.unavailable = true

	spec := &RunSpec{Name: "calc", Tasks: []Task{{Kind: TaskShell, Command: "echo ok"}}}
	id := createSubmittedRow(t, st, r.Identity, spec, nil, nil)

	// the claim is handed back when the backend is down
	r.Tick()
	assert.Equal(t, "submit:terminal:t1", rowStatus(t, st, id))
	assert.Equal(t, 0, b.submitCount())

	b.mu.Lock()
	b.unavailable = false
	b.mu.Unlock()

	r.Tick()
	assert.Equal(t, "running:terminal:t1", rowStatus(t, st, id))
	assert.Equal(t, 1, b.submitCount())
}

func TestRunnerInertRowIgnored(t *testing.T) {
	st := newRelayStore(t)
	r, b := newTestRunner(t, st, "t1", nil)

	id := createSubmittedRow(t, st, r.Identity, nil, Payload{"x": 1.0}, nil)

	r.Tick()
	assert.Equal(t, "submit:terminal:t1", rowStatus(t, st, id))
	assert.Equal(t, 0, b.submitCount())
}

func TestRunnerCorruptSpecFailsRow(t *testing.T) {
	st := newRelayStore(t)
	r, b := newTestRunner(t, st, "t1", nil)

	row, err := st.CreateRow("", nil, nil, json.RawMessage(`{"name":"calc","tasks":[]}`))
	require.NoError(t, err)
	require.NoError(t, SubmitRow(st, row.ID, r.Identity))

	r.Tick()
	assert.Equal(t, "failed:terminal:t1", rowStatus(t, st, row.ID))
	assert.Equal(t, 0, b.submitCount())

	got, err := st.GetRow(row.ID)
	require.NoError(t, err)
	assert.Contains(t, got.Log, "Run spec corrupt")
}

func TestRunnerMaxJobsCap(t *testing.T) {
	st := newRelayStore(t)
	r, b := newTestRunner(t, st, "t1", func(cfg *Config) { cfg.MaxJobs = 1 })

	spec := &RunSpec{Name: "calc", Tasks: []Task{{Kind: TaskShell, Command: "echo ok"}}}
	var ids []int64
	for i := 0; i < 3; i++ {
		ids = append(ids, createSubmittedRow(t, st, r.Identity, spec, nil, nil))
	}

	r.Tick()
	assert.Equal(t, 1, b.submitCount())

	running, err := st.CountByStatus("running:terminal:t1")
	require.NoError(t, err)
	assert.Equal(t, 1, running)

	submitted, err := st.CountByStatus("submit:terminal:t1")
	require.NoError(t, err)
	assert.Equal(t, 2, submitted)

	// one row advances per cycle: the finished job frees its slot first
	r.Tick()
	r.Tick()
	r.Tick()
	for _, id := range ids {
		assert.Equal(t, "done:terminal:t1", rowStatus(t, st, id))
	}
}

func TestRunnerKeepRun(t *testing.T) {
	st := newRelayStore(t)
	r, _ := newTestRunner(t, st, "t1", nil)

	spec := &RunSpec{
		Name:    "calc",
		Tasks:   []Task{{Kind: TaskShell, Command: "echo ok"}},
		KeepRun: true,
	}
	id := createSubmittedRow(t, st, r.Identity, spec, nil, nil)

	r.Tick()
	r.Tick()
	assert.Equal(t, "done:terminal:t1", rowStatus(t, st, id))
	assert.DirExists(t, r.Engine().Workdir(id))
}

func TestRunnerDefaultsMergedIntoSpec(t *testing.T) {
	st := newRelayStore(t)
	r, _ := newTestRunner(t, st, "t1", func(cfg *Config) {
		cfg.Defaults = &RunSpec{
			Files: map[string]string{"env.txt": "shared"},
			Tasks: []Task{{Kind: TaskShell, Command: "cp env.txt first.txt"}},
		}
		cfg.KeepRun = true
	})

	spec := &RunSpec{Name: "calc", Tasks: []Task{{Kind: TaskShell, Command: "cp first.txt second.txt"}}}
	id := createSubmittedRow(t, st, r.Identity, spec, nil, nil)

	r.Tick()
	r.Tick()
	assert.Equal(t, "done:terminal:t1", rowStatus(t, st, id))

	// the default task ran before the row's own, over the default file
	assert.FileExists(t, r.Engine().Workdir(id)+"/second.txt")
}
