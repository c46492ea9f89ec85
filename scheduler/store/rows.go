package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// CreateRow inserts a new row and returns it with its assigned id.
// New rows carry an empty status until a caller submits them.
func (s *Store) CreateRow(label string, parents []int64, payload, runSpec json.RawMessage) (*Row, error) {
	if parents == nil {
		parents = []int64{}
	}
	parentsJSON, err := json.Marshal(parents)
	if err != nil {
		return nil, fmt.Errorf("failed to encode parents: %w", err)
	}

	now := time.Now()
	result, err := s.db.Exec(
		"INSERT INTO rows (label, status, parents, payload, run_spec, created_at, updated_at) VALUES (?, '', ?, ?, ?, ?, ?)",
		label, string(parentsJSON), nullableJSON(payload), nullableJSON(runSpec), now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create row: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get row ID: %w", err)
	}

	return &Row{
		ID:        id,
		Label:     label,
		Parents:   parents,
		Payload:   payload,
		RunSpec:   runSpec,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

const rowColumns = "id, label, status, parents, payload, run_spec, job_id, log, created_at, updated_at"

// GetRow retrieves a single row by id.
func (s *Store) GetRow(id int64) (*Row, error) {
	row, err := scanRow(s.db.QueryRow(
		"SELECT "+rowColumns+" FROM rows WHERE id = ?", id,
	))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("row %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get row: %w", err)
	}
	return row, nil
}

// GetRows retrieves the most recent rows, newest first.
func (s *Store) GetRows(limit int) ([]*Row, error) {
	rows, err := s.db.Query(
		"SELECT "+rowColumns+" FROM rows ORDER BY id DESC LIMIT ?", limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query rows: %w", err)
	}
	defer rows.Close()
	return collectRows(rows)
}

// QueryByStatus retrieves all rows whose composite status equals status
// exactly, oldest first. Runners use this with their own identity encoded.
func (s *Store) QueryByStatus(status string) ([]*Row, error) {
	rows, err := s.db.Query(
		"SELECT "+rowColumns+" FROM rows WHERE status = ? ORDER BY id ASC", status,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query rows: %w", err)
	}
	defer rows.Close()
	return collectRows(rows)
}

// QueryByPhase retrieves all rows in the given phase regardless of which
// runner owns them.
func (s *Store) QueryByPhase(phase string) ([]*Row, error) {
	rows, err := s.db.Query(
		"SELECT "+rowColumns+" FROM rows WHERE status = ? OR status LIKE ? ORDER BY id ASC",
		phase, phase+":%",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query rows: %w", err)
	}
	defer rows.Close()
	return collectRows(rows)
}

// CountByStatus returns the number of rows with exactly the given status.
func (s *Store) CountByStatus(status string) (int, error) {
	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM rows WHERE status = ?", status).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count rows: %w", err)
	}
	return count, nil
}

// SetStatus overwrites a row's status unconditionally. Transition legality
// is the scheduler's responsibility; callers go through scheduler.SetPhase.
func (s *Store) SetStatus(id int64, status string) error {
	return s.updateField(id, "status", status)
}

// CompareAndSwapStatus atomically moves a row from expected to next and
// reports whether the swap happened. This is the only cross-runner
// synchronization primitive.
func (s *Store) CompareAndSwapStatus(id int64, expected, next string) (bool, error) {
	result, err := s.db.Exec(
		"UPDATE rows SET status = ?, updated_at = ? WHERE id = ? AND status = ?",
		next, time.Now(), id, expected,
	)
	if err != nil {
		return false, fmt.Errorf("failed to swap status: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check swap result: %w", err)
	}
	return n == 1, nil
}

// SetPayload replaces a row's payload.
func (s *Store) SetPayload(id int64, payload json.RawMessage) error {
	return s.updateField(id, "payload", nullableJSON(payload))
}

// SetRunSpec replaces a row's run specification.
func (s *Store) SetRunSpec(id int64, runSpec json.RawMessage) error {
	return s.updateField(id, "run_spec", nullableJSON(runSpec))
}

// SetJobID persists the backend handle of a running row so a restarted
// runner can reattach to it.
func (s *Store) SetJobID(id int64, jobID string) error {
	return s.updateField(id, "job_id", jobID)
}

// SetLabel updates a row's label.
func (s *Store) SetLabel(id int64, label string) error {
	return s.updateField(id, "label", label)
}

// AppendLog appends a message to a row's log.
func (s *Store) AppendLog(id int64, msg string) error {
	_, err := s.db.Exec(
		"UPDATE rows SET log = log || ?, updated_at = ? WHERE id = ?",
		msg, time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to append log: %w", err)
	}
	return nil
}

func (s *Store) updateField(id int64, field string, value interface{}) error {
	_, err := s.db.Exec(
		fmt.Sprintf("UPDATE rows SET %s = ?, updated_at = ? WHERE id = ?", field),
		value, time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", field, err)
	}
	return nil
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanRow(sc scannable) (*Row, error) {
	var r Row
	var parents string
	var payload, runSpec sql.NullString

	err := sc.Scan(&r.ID, &r.Label, &r.Status, &parents, &payload, &runSpec,
		&r.JobID, &r.Log, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(parents), &r.Parents); err != nil {
		return nil, fmt.Errorf("failed to decode parents of row %d: %w", r.ID, err)
	}
	if payload.Valid {
		r.Payload = json.RawMessage(payload.String)
	}
	if runSpec.Valid {
		r.RunSpec = json.RawMessage(runSpec.String)
	}

	return &r, nil
}

func collectRows(rows *sql.Rows) ([]*Row, error) {
	var out []*Row
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullableJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
