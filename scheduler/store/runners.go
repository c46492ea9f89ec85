package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
)

// SaveRunner writes a runner record to the registry. If a record for the
// same (kind, name) exists, update must be true, and a record marked as
// running is never overwritten. Both guards are enforced inside a single
// statement, so two concurrent registrations cannot both pass them.
func (s *Store) SaveRunner(rec *RunnerRecord, update bool) error {
	if !update {
		_, err := s.db.Exec(
			`INSERT INTO runners (kind, name, max_jobs, cycle_time, run_folder, keep_run, on_parent_failure, defaults, running, explicit_stop)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, 0)`,
			rec.Kind, rec.Name, rec.MaxJobs, rec.CycleTime, rec.RunFolder,
			rec.KeepRun, rec.OnParentFailure, nullableJSON(rec.Defaults),
		)
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return fmt.Errorf("runner %s:%s exists, pass update to overwrite", rec.Kind, rec.Name)
		}
		if err != nil {
			return fmt.Errorf("failed to save runner: %w", err)
		}
		return nil
	}

	result, err := s.db.Exec(
		`INSERT INTO runners (kind, name, max_jobs, cycle_time, run_folder, keep_run, on_parent_failure, defaults, running, explicit_stop)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, 0)
		 ON CONFLICT(kind, name) DO UPDATE SET
		 max_jobs = excluded.max_jobs, cycle_time = excluded.cycle_time,
		 run_folder = excluded.run_folder, keep_run = excluded.keep_run,
		 on_parent_failure = excluded.on_parent_failure, defaults = excluded.defaults
		 WHERE runners.running = 0`,
		rec.Kind, rec.Name, rec.MaxJobs, rec.CycleTime, rec.RunFolder,
		rec.KeepRun, rec.OnParentFailure, nullableJSON(rec.Defaults),
	)
	if err != nil {
		return fmt.Errorf("failed to save runner: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check save result: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("runner %s:%s already running", rec.Kind, rec.Name)
	}
	return nil
}

// GetRunner retrieves one registry record.
func (s *Store) GetRunner(kind, name string) (*RunnerRecord, error) {
	rec, err := scanRunner(s.db.QueryRow(
		`SELECT kind, name, max_jobs, cycle_time, run_folder, keep_run, on_parent_failure, defaults, running, explicit_stop
		 FROM runners WHERE kind = ? AND name = ?`, kind, name,
	))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get runner: %w", err)
	}
	return rec, nil
}

// ListRunners retrieves all registry records.
func (s *Store) ListRunners() ([]*RunnerRecord, error) {
	rows, err := s.db.Query(
		`SELECT kind, name, max_jobs, cycle_time, run_folder, keep_run, on_parent_failure, defaults, running, explicit_stop
		 FROM runners ORDER BY kind, name`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list runners: %w", err)
	}
	defer rows.Close()

	var out []*RunnerRecord
	for rows.Next() {
		rec, err := scanRunner(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan runner: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteRunner removes a registry record. A running runner is only removed
// with force; its loop notices the missing record and stops.
func (s *Store) DeleteRunner(kind, name string, force bool) error {
	rec, err := s.GetRunner(kind, name)
	if err != nil {
		return err
	}
	if rec.Running && !force {
		return fmt.Errorf("runner %s:%s is running, use force to remove", kind, name)
	}
	_, err = s.db.Exec("DELETE FROM runners WHERE kind = ? AND name = ?", kind, name)
	if err != nil {
		return fmt.Errorf("failed to delete runner: %w", err)
	}
	return nil
}

// SetRunnerRunning flips the running flag. Clearing it also clears any
// pending explicit stop request.
func (s *Store) SetRunnerRunning(kind, name string, running bool) error {
	query := "UPDATE runners SET running = ? WHERE kind = ? AND name = ?"
	if !running {
		query = "UPDATE runners SET running = ?, explicit_stop = 0 WHERE kind = ? AND name = ?"
	}
	if _, err := s.db.Exec(query, running, kind, name); err != nil {
		return fmt.Errorf("failed to update runner state: %w", err)
	}
	return nil
}

// RequestRunnerStop asks a running runner to stop after its current cycle.
func (s *Store) RequestRunnerStop(kind, name string) error {
	if _, err := s.db.Exec(
		"UPDATE runners SET explicit_stop = 1 WHERE kind = ? AND name = ?", kind, name,
	); err != nil {
		return fmt.Errorf("failed to request runner stop: %w", err)
	}
	return nil
}

func scanRunner(sc scannable) (*RunnerRecord, error) {
	var rec RunnerRecord
	var defaults sql.NullString
	err := sc.Scan(&rec.Kind, &rec.Name, &rec.MaxJobs, &rec.CycleTime,
		&rec.RunFolder, &rec.KeepRun, &rec.OnParentFailure, &defaults,
		&rec.Running, &rec.ExplicitStop)
	if err != nil {
		return nil, err
	}
	if defaults.Valid {
		rec.Defaults = []byte(defaults.String)
	}
	return &rec, nil
}
