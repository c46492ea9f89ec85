package store

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunnerRegistry(t *testing.T) {
	st := newTestStore(t)

	rec := &RunnerRecord{
		Kind:            "terminal",
		Name:            "alpha",
		MaxJobs:         10,
		CycleTime:       5,
		RunFolder:       "/tmp/run",
		KeepRun:         true,
		OnParentFailure: "wait",
		Defaults:        json.RawMessage(`{"name":"defaults","tasks":[]}`),
	}
	require.NoError(t, st.SaveRunner(rec, false))

	got, err := st.GetRunner("terminal", "alpha")
	require.NoError(t, err)
	assert.Equal(t, 10, got.MaxJobs)
	assert.Equal(t, 5, got.CycleTime)
	assert.Equal(t, "/tmp/run", got.RunFolder)
	assert.True(t, got.KeepRun)
	assert.JSONEq(t, string(rec.Defaults), string(got.Defaults))
	assert.False(t, got.Running)

	// re-save without update flag is refused
	assert.Error(t, st.SaveRunner(rec, false))

	rec.MaxJobs = 20
	require.NoError(t, st.SaveRunner(rec, true))
	got, err = st.GetRunner("terminal", "alpha")
	require.NoError(t, err)
	assert.Equal(t, 20, got.MaxJobs)

	_, err = st.GetRunner("terminal", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRunnerRunningGuards(t *testing.T) {
	st := newTestStore(t)
	rec := &RunnerRecord{Kind: "terminal", Name: "alpha", MaxJobs: 1, CycleTime: 1, RunFolder: "."}
	require.NoError(t, st.SaveRunner(rec, false))
	require.NoError(t, st.SetRunnerRunning("terminal", "alpha", true))

	// a running record may not be overwritten or removed without force
	assert.Error(t, st.SaveRunner(rec, true))
	assert.Error(t, st.DeleteRunner("terminal", "alpha", false))
	require.NoError(t, st.DeleteRunner("terminal", "alpha", true))
}

func TestRunnerStopRequest(t *testing.T) {
	st := newTestStore(t)
	rec := &RunnerRecord{Kind: "terminal", Name: "alpha", MaxJobs: 1, CycleTime: 1, RunFolder: "."}
	require.NoError(t, st.SaveRunner(rec, false))

	require.NoError(t, st.SetRunnerRunning("terminal", "alpha", true))
	require.NoError(t, st.RequestRunnerStop("terminal", "alpha"))

	got, err := st.GetRunner("terminal", "alpha")
	require.NoError(t, err)
	assert.True(t, got.ExplicitStop)

	// clearing the running flag clears the pending stop too
	require.NoError(t, st.SetRunnerRunning("terminal", "alpha", false))
	got, err = st.GetRunner("terminal", "alpha")
	require.NoError(t, err)
	assert.False(t, got.Running)
	assert.False(t, got.ExplicitStop)
}

func TestRunnerRegistrationRace(t *testing.T) {
	st := newTestStore(t)

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- st.SaveRunner(&RunnerRecord{
				Kind: "terminal", Name: "alpha", MaxJobs: 1, CycleTime: 1, RunFolder: ".",
			}, false)
		}()
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
		}
	}
	// exactly one registration wins; the rest are refused
	assert.Equal(t, 1, succeeded)
}

func TestListRunners(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.SaveRunner(&RunnerRecord{Kind: "terminal", Name: "b", MaxJobs: 1, CycleTime: 1, RunFolder: "."}, false))
	require.NoError(t, st.SaveRunner(&RunnerRecord{Kind: "slurm", Name: "a", MaxJobs: 1, CycleTime: 1, RunFolder: "."}, false))

	runners, err := st.ListRunners()
	require.NoError(t, err)
	require.Len(t, runners, 2)
	assert.Equal(t, "slurm", runners[0].Kind)
	assert.Equal(t, "terminal", runners[1].Kind)
}
