package scheduler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"spoolgo/events"
	"spoolgo/scheduler/store"
)

// Parent-failure policies. Whether a row whose parent failed should wait
// forever or fail too is a configuration choice, not part of the status
// model.
const (
	ParentFailureWait = "wait"
	ParentFailureFail = "fail"
)

// Config is a runner's persisted configuration.
type Config struct {
	MaxJobs         int
	CycleTime       time.Duration
	RunFolder       string
	KeepRun         bool
	OnParentFailure string
	// Defaults is merged into every run spec this runner executes:
	// default files, scheduler options, and tasks that run first.
	Defaults *RunSpec
}

// DefaultConfig mirrors the registry defaults.
func DefaultConfig() Config {
	return Config{
		MaxJobs:         50,
		CycleTime:       30 * time.Second,
		RunFolder:       "./run",
		OnParentFailure: ParentFailureWait,
	}
}

// Runner owns one (backend, store, identity) triple and the spooling loop
// over it. It keeps no scheduling state in memory: every cycle is
// reconstructed from store queries, so a restarted runner resumes exactly
// where the store says it was.
type Runner struct {
	Identity Identity
	Config   Config

	store    *store.Store
	backend  Backend
	engine   *Engine
	stopChan chan struct{}
}

// New builds a runner. The backend is selected by the identity's kind.
func New(st *store.Store, identity Identity, cfg Config) (*Runner, error) {
	backend, err := NewBackend(identity.Kind)
	if err != nil {
		return nil, err
	}
	if cfg.OnParentFailure == "" {
		cfg.OnParentFailure = ParentFailureWait
	}
	runFolder, err := filepath.Abs(cfg.RunFolder)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve run folder: %w", err)
	}
	cfg.RunFolder = runFolder

	return &Runner{
		Identity: identity,
		Config:   cfg,
		store:    st,
		backend:  backend,
		engine:   &Engine{RunFolder: runFolder, Loader: &ExecLoader{}},
		stopChan: make(chan struct{}),
	}, nil
}

// Attach reloads a runner from its registry record, so a restart needs no
// re-supplied configuration.
func Attach(st *store.Store, identity Identity) (*Runner, error) {
	rec, err := st.GetRunner(identity.Kind, identity.Name)
	if err != nil {
		return nil, fmt.Errorf("runner %s: %w", identity, err)
	}
	defaults, err := DecodeRunSpec(rec.Defaults)
	if err != nil {
		return nil, err
	}
	cfg := Config{
		MaxJobs:         rec.MaxJobs,
		CycleTime:       time.Duration(rec.CycleTime) * time.Second,
		RunFolder:       rec.RunFolder,
		KeepRun:         rec.KeepRun,
		OnParentFailure: rec.OnParentFailure,
		Defaults:        defaults,
	}
	return New(st, identity, cfg)
}

// Save writes the runner's configuration to the registry.
func (r *Runner) Save(update bool) error {
	var defaults json.RawMessage
	if r.Config.Defaults != nil {
		raw, err := r.Config.Defaults.Encode()
		if err != nil {
			return err
		}
		defaults = raw
	}
	return r.store.SaveRunner(&store.RunnerRecord{
		Kind:            r.Identity.Kind,
		Name:            r.Identity.Name,
		MaxJobs:         r.Config.MaxJobs,
		CycleTime:       int(r.Config.CycleTime / time.Second),
		RunFolder:       r.Config.RunFolder,
		KeepRun:         r.Config.KeepRun,
		OnParentFailure: r.Config.OnParentFailure,
		Defaults:        defaults,
	}, update)
}

// SetBackend replaces the backend. Tests inject fakes through this.
func (r *Runner) SetBackend(b Backend) { r.backend = b }

// SetLoader replaces the script loader of the engine.
func (r *Runner) SetLoader(l ScriptLoader) { r.engine.Loader = l }

// Engine exposes the runner's task execution engine.
func (r *Runner) Engine() *Engine { return r.engine }

// Spool runs the scheduling loop until Stop is called, the registry record
// is removed, or an explicit stop is requested through the registry. The
// loop survives store errors: a failed cycle is logged and retried on the
// next tick.
func (r *Runner) Spool() error {
	if err := r.Save(true); err != nil {
		return err
	}
	if err := r.store.SetRunnerRunning(r.Identity.Kind, r.Identity.Name, true); err != nil {
		return err
	}
	defer func() {
		if err := r.store.SetRunnerRunning(r.Identity.Kind, r.Identity.Name, false); err != nil {
			log.Printf("⚠️  Failed to clear running flag: %v", err)
		}
	}()

	log.Printf("📅 Runner %s spooling (max_jobs=%d, cycle=%s)",
		r.Identity, r.Config.MaxJobs, r.Config.CycleTime)
	events.GetBroker().Broadcast("runner_started", map[string]interface{}{
		"runner": r.Identity.String(),
	})

	ticker := time.NewTicker(r.Config.CycleTime)
	defer ticker.Stop()

	for {
		rec, err := r.store.GetRunner(r.Identity.Kind, r.Identity.Name)
		if errors.Is(err, store.ErrNotFound) {
			log.Printf("📅 Runner %s removed from registry, stopping", r.Identity)
			break
		}
		if err != nil {
			log.Printf("⚠️  Registry check failed: %v", err)
		} else if rec.ExplicitStop {
			log.Printf("📅 Runner %s: stop requested", r.Identity)
			break
		}

		r.Tick()

		select {
		case <-ticker.C:
		case <-r.stopChan:
			log.Printf("📅 Runner %s stopped", r.Identity)
			events.GetBroker().Broadcast("runner_stopped", map[string]interface{}{
				"runner": r.Identity.String(),
			})
			return nil
		}
	}

	events.GetBroker().Broadcast("runner_stopped", map[string]interface{}{
		"runner": r.Identity.String(),
	})
	return nil
}

// Stop ends the spool loop after the current cycle.
func (r *Runner) Stop() {
	close(r.stopChan)
}

// Tick runs one scheduling cycle: cancel requested rows, update running
// rows, then submit eligible rows up to the concurrency cap.
func (r *Runner) Tick() {
	r.cancelPass()
	r.updatePass()
	r.submitPass()
}

// ownStatus builds the composite status string for a phase under this
// runner's identity.
func (r *Runner) ownStatus(phase Phase) string {
	return Status{Phase: phase, RunnerKind: r.Identity.Kind, RunnerName: r.Identity.Name}.String()
}

// cancelPass terminates backend jobs of rows flipped to cancel and writes
// them as failed. Cancellation is cooperative: nothing happened between the
// flip and this pass.
func (r *Runner) cancelPass() {
	rows, err := r.store.QueryByStatus(r.ownStatus(PhaseCancel))
	if err != nil {
		log.Printf("⚠️  Cancel query failed: %v", err)
		return
	}

	for _, row := range rows {
		logMsg := fmt.Sprintf("%s\nCancelled by user\n", time.Now().Format(time.RFC3339))
		if row.JobID != "" {
			if err := r.backend.Cancel(row.JobID); err != nil {
				// transient; retried next cycle
				log.Printf("⚠️  Cancel of row %d failed: %v", row.ID, err)
				continue
			}
		} else {
			logMsg = fmt.Sprintf("%s\nCancelled by user, no job was running\n", time.Now().Format(time.RFC3339))
		}

		if err := SetPhase(r.store, row.ID, PhaseFailed); err != nil {
			log.Printf("⚠️  Failed to finalize cancelled row %d: %v", row.ID, err)
			continue
		}
		_ = r.store.AppendLog(row.ID, logMsg)
		log.Printf("🚫 Cancelled row %d", row.ID)
		events.GetBroker().Broadcast("row_cancelled", map[string]interface{}{"id": row.ID})
	}
}

// updatePass polls all rows this runner has running and finalizes the ones
// that finished.
func (r *Runner) updatePass() {
	rows, err := r.store.QueryByStatus(r.ownStatus(PhaseRunning))
	if err != nil {
		log.Printf("⚠️  Running query failed: %v", err)
		return
	}

	for _, row := range rows {
		workdir := r.engine.Workdir(row.ID)

		if row.JobID == "" {
			r.failRow(row.ID, fmt.Sprintf("%s\nJob id lost\n", time.Now().Format(time.RFC3339)))
			continue
		}

		state, logMsg, err := r.backend.Poll(workdir, row.JobID)
		if err != nil {
			// transient; the row stays running and is re-polled next cycle
			log.Printf("⚠️  Poll of row %d failed: %v", row.ID, err)
			continue
		}

		switch state {
		case StatePending, StateRunning:
		case StateDone:
			r.finalizeDone(row, workdir, logMsg)
		case StateFailed:
			r.failRow(row.ID, logMsg)
		}
	}
}

// finalizeDone merges the run's result payload into the row and closes it
// out. A result that cannot be read back fails the row instead.
func (r *Runner) finalizeDone(row *store.Row, workdir, logMsg string) {
	result, err := r.engine.Result(workdir)
	if err != nil {
		r.failRow(row.ID, fmt.Sprintf("%s\nReading result failed: %v\n", time.Now().Format(time.RFC3339), err))
		return
	}

	payload, err := DecodePayload(row.Payload)
	if err != nil {
		r.failRow(row.ID, fmt.Sprintf("%s\n%v\n", time.Now().Format(time.RFC3339), err))
		return
	}
	for k, v := range result {
		payload[k] = v
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		r.failRow(row.ID, fmt.Sprintf("%s\nEncoding payload failed: %v\n", time.Now().Format(time.RFC3339), err))
		return
	}

	if err := r.store.SetPayload(row.ID, raw); err != nil {
		log.Printf("⚠️  Failed to store payload of row %d: %v", row.ID, err)
		return
	}
	if err := SetPhase(r.store, row.ID, PhaseDone); err != nil {
		log.Printf("⚠️  Failed to finalize row %d: %v", row.ID, err)
		return
	}
	_ = r.store.AppendLog(row.ID, logMsg)

	spec, _ := DecodeRunSpec(row.RunSpec)
	keep := r.Config.KeepRun || (spec != nil && spec.KeepRun)
	if !keep {
		if err := r.engine.Cleanup(row.ID); err != nil {
			log.Printf("⚠️  Failed to remove working directory of row %d: %v", row.ID, err)
		}
	}

	log.Printf("✅ Row %d finished with status: done", row.ID)
	events.GetBroker().Broadcast("row_done", map[string]interface{}{"id": row.ID})
}

// failRow writes a row as failed. The working directory is always retained
// for diagnosis.
func (r *Runner) failRow(id int64, logMsg string) {
	if err := SetPhase(r.store, id, PhaseFailed); err != nil {
		log.Printf("⚠️  Failed to mark row %d failed: %v", id, err)
		return
	}
	_ = r.store.AppendLog(id, logMsg)
	log.Printf("❌ Row %d finished with status: failed", id)
	events.GetBroker().Broadcast("row_failed", map[string]interface{}{"id": id})
}

// submitPass claims eligible submitted rows and hands them to the backend,
// bounded by max_jobs.
func (r *Runner) submitPass() {
	running, err := r.store.CountByStatus(r.ownStatus(PhaseRunning))
	if err != nil {
		log.Printf("⚠️  Running count failed: %v", err)
		return
	}

	rows, err := r.store.QueryByStatus(r.ownStatus(PhaseSubmit))
	if err != nil {
		log.Printf("⚠️  Submit query failed: %v", err)
		return
	}

	sent := 0
	for _, row := range rows {
		if sent >= r.Config.MaxJobs-running {
			break
		}

		spec, err := DecodeRunSpec(row.RunSpec)
		if err == nil && spec == nil {
			// rows without a run spec are inert
			continue
		}
		if err == nil {
			err = spec.Validate()
		}
		if err != nil {
			r.store.SetStatus(row.ID, r.ownStatus(PhaseFailed))
			_ = r.store.AppendLog(row.ID, fmt.Sprintf("%s\nRun spec corrupt/missing: %v\n",
				time.Now().Format(time.RFC3339), err))
			log.Printf("❌ Row %d submission: failed (bad run spec)", row.ID)
			continue
		}

		inputs, ready := r.collectInputs(row)
		if !ready {
			continue
		}

		// the atomic claim; losing it means another runner advanced the row
		claimed, err := r.store.CompareAndSwapStatus(row.ID,
			r.ownStatus(PhaseSubmit), r.ownStatus(PhaseRunning))
		if err != nil {
			log.Printf("⚠️  Claim of row %d failed: %v", row.ID, err)
			continue
		}
		if !claimed {
			continue
		}

		merged := spec.Merge(r.Config.Defaults)
		workdir, err := r.engine.Prepare(row.ID, merged, inputs)
		if err != nil {
			r.failRow(row.ID, fmt.Sprintf("%s\nPreparing run failed: %v\n",
				time.Now().Format(time.RFC3339), err))
			continue
		}

		handle, logMsg, err := r.backend.Submit(workdir, merged)
		if errors.Is(err, ErrBackendUnavailable) {
			// hand the claim back; retried next cycle
			log.Printf("⚠️  Submission of row %d failed: %v", row.ID, err)
			_, _ = r.store.CompareAndSwapStatus(row.ID,
				r.ownStatus(PhaseRunning), r.ownStatus(PhaseSubmit))
			_ = r.store.AppendLog(row.ID, logMsg)
			continue
		}
		if err != nil {
			r.failRow(row.ID, logMsg)
			continue
		}

		if err := r.store.SetJobID(row.ID, handle); err != nil {
			log.Printf("⚠️  Failed to persist handle of row %d: %v", row.ID, err)
		}
		_ = r.store.AppendLog(row.ID, logMsg)
		sent++

		log.Printf("🚀 Row %d submission: successful (job %s)", row.ID, handle)
		events.GetBroker().Broadcast("row_claimed", map[string]interface{}{
			"id": row.ID, "runner": r.Identity.String(),
		})
	}
}

// collectInputs gathers the input payload list for a row: its own payload
// first, then each parent's in declared order. A row is only ready when
// every parent is done; a failed parent is handled per the configured
// policy.
func (r *Runner) collectInputs(row *store.Row) ([]Payload, bool) {
	own, err := DecodePayload(row.Payload)
	if err != nil {
		r.store.SetStatus(row.ID, r.ownStatus(PhaseFailed))
		_ = r.store.AppendLog(row.ID, fmt.Sprintf("%s\n%v\n", time.Now().Format(time.RFC3339), err))
		return nil, false
	}
	inputs := []Payload{own}

	for _, parentID := range row.Parents {
		parent, err := r.store.GetRow(parentID)
		if err != nil {
			log.Printf("⚠️  Parent %d of row %d: %v", parentID, row.ID, err)
			return nil, false
		}
		status, err := ParseStatus(parent.Status)
		if err != nil {
			log.Printf("⚠️  Parent %d of row %d: %v", parentID, row.ID, err)
			return nil, false
		}

		switch status.Phase {
		case PhaseDone:
			payload, err := DecodePayload(parent.Payload)
			if err != nil {
				log.Printf("⚠️  Parent %d of row %d: %v", parentID, row.ID, err)
				return nil, false
			}
			inputs = append(inputs, payload)
		case PhaseFailed:
			if r.Config.OnParentFailure == ParentFailureFail {
				r.store.SetStatus(row.ID, r.ownStatus(PhaseFailed))
				_ = r.store.AppendLog(row.ID, fmt.Sprintf("%s\nParent %d failed\n",
					time.Now().Format(time.RFC3339), parentID))
				events.GetBroker().Broadcast("row_failed", map[string]interface{}{"id": row.ID})
			}
			return nil, false
		default:
			// parent pending; row stays submitted
			return nil, false
		}
	}

	return inputs, true
}
