package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"spoolgo/events"
	"spoolgo/scheduler"
	"spoolgo/scheduler/store"
)

// GetRows returns the most recent rows
func GetRows(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		rows, err := st.GetRows(100) // Limit to 100 most recent
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to get rows: %v", err), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(rows)
	}
}

// GetRow returns a single row with its run spec and log
func GetRow(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		id, ok := rowID(w, r)
		if !ok {
			return
		}

		row, err := st.GetRow(id)
		if err != nil {
			http.Error(w, fmt.Sprintf("Row not found: %v", err), http.StatusNotFound)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(row)
	}
}

// GetRowStatus returns just the status of a row (lightweight for polling)
func GetRowStatus(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		id, ok := rowID(w, r)
		if !ok {
			return
		}

		status, err := scheduler.StatusOf(st, id)
		if err != nil {
			http.Error(w, fmt.Sprintf("Row not found: %v", err), http.StatusNotFound)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":     id,
			"status": status,
		})
	}
}

// PostSubmit submits a row to a runner: POST /api/rows/:id/submit with
// {"runner": "kind:name"}
func PostSubmit(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		id, ok := rowID(w, r)
		if !ok {
			return
		}

		var body struct {
			Runner string `json:"runner"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		identity, err := scheduler.ParseIdentity(body.Runner)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		if err := scheduler.SubmitRow(st, id, identity); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, scheduler.ErrInvalidTransition) {
				status = http.StatusConflict
			}
			http.Error(w, fmt.Sprintf("Failed to submit: %v", err), status)
			return
		}

		events.GetBroker().Broadcast("row_submitted", map[string]interface{}{
			"id": id, "runner": identity.String(),
		})

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"id": id, "status": "submitted"})
	}
}

// PostCancel cancels a submitted or running row: POST /api/rows/:id/cancel
func PostCancel(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		id, ok := rowID(w, r)
		if !ok {
			return
		}

		if err := scheduler.CancelRow(st, id); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, scheduler.ErrInvalidTransition) {
				status = http.StatusConflict
			}
			http.Error(w, fmt.Sprintf("Failed to cancel: %v", err), status)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"id": id, "status": "cancelled"})
	}
}

// GetRunners returns the runner registry
func GetRunners(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		runners, err := st.ListRunners()
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to list runners: %v", err), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(runners)
	}
}

// rowID parses the row id from URL paths like /api/rows/:id[/action]
func rowID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	pathParts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(pathParts) < 3 {
		http.Error(w, "Invalid path", http.StatusBadRequest)
		return 0, false
	}
	id, err := strconv.ParseInt(pathParts[2], 10, 64)
	if err != nil {
		http.Error(w, "Invalid row ID", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}
